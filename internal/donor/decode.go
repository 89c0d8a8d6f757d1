package donor

import "fmt"

// Decode converts a snapshot's field mapping into a Record.
//
// Values may be plain JSON strings or Firestore typed values
// ({"stringValue": "..."} / {"nullValue": null}). Absent or null fields decode
// to the empty string; any other type is rejected with a *FieldError.
// Unknown fields are ignored.
func Decode(fields map[string]any) (Record, error) {
	var r Record
	if fields == nil {
		return r, nil
	}
	status, err := stringField(fields, "status")
	if err != nil {
		return Record{}, err
	}
	email, err := stringField(fields, "email")
	if err != nil {
		return Record{}, err
	}
	name, err := stringField(fields, "name")
	if err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.Email = email
	r.Name = name
	return r, nil
}

// Fields is the inverse of Decode, producing plain JSON values.
func (r Record) Fields() map[string]any {
	return map[string]any{
		"status": string(r.Status),
		"email":  r.Email,
		"name":   r.Name,
	}
}

func stringField(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case map[string]any:
		// Firestore document value encoding.
		if sv, ok := x["stringValue"]; ok {
			s, ok := sv.(string)
			if !ok {
				return "", &FieldError{Field: key, Reason: fmt.Sprintf("stringValue is %T", sv)}
			}
			return s, nil
		}
		if _, ok := x["nullValue"]; ok {
			return "", nil
		}
		return "", &FieldError{Field: key, Reason: "unsupported typed value"}
	default:
		return "", &FieldError{Field: key, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
}
