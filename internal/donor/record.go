// Package donor holds the typed donor record and the approval transition rule.
package donor

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Status is the review state of a donor record. Only StatusApproved carries
// meaning for notifications; any other value is treated as "not approved".
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// Record is one snapshot of a document in the donors collection.
type Record struct {
	Status Status `json:"status"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ChangeEvent is a before/after snapshot pair delivered once per update.
type ChangeEvent struct {
	ID         string
	Collection string
	DonorID    string
	Before     Record
	After      Record
	ReceivedAt time.Time
}

// Approved reports whether an update moves a record into the approved state.
// It is edge-triggered: a write that keeps status at approved returns false.
func Approved(before, after Record) bool {
	return before.Status != StatusApproved && after.Status == StatusApproved
}

// Approved is shorthand for Approved(ev.Before, ev.After).
func (ev ChangeEvent) Approved() bool { return Approved(ev.Before, ev.After) }

// ValidateRecipient checks the fields a notification needs.
func (r Record) ValidateRecipient() error {
	_, err := r.Recipient()
	return err
}

// Recipient validates the record and returns the bare address to deliver to,
// with surrounding whitespace removed.
func (r Record) Recipient() (string, error) {
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return "", &FieldError{Field: "email", Reason: "missing"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &FieldError{Field: "email", Reason: fmt.Sprintf("malformed address %q", r.Email)}
	}
	if strings.TrimSpace(r.Name) == "" {
		return "", &FieldError{Field: "name", Reason: "missing"}
	}
	return addr.Address, nil
}

// FieldError describes a missing or malformed field in a snapshot.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "donor." + e.Field + ": " + e.Reason
}
