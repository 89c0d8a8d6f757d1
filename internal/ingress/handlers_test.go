package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"donornotify/internal/approval"
	"donornotify/internal/donor"
	"donornotify/internal/pipeline"
	"donornotify/internal/store"
	logx "donornotify/pkg/logx"
)

type fakePipeline struct {
	mu        sync.Mutex
	disabled  bool
	submitErr error
	submitted []donor.ChangeEvent
	inline    []donor.ChangeEvent
}

func (f *fakePipeline) Enabled() bool { return !f.disabled }

func (f *fakePipeline) Submit(ctx context.Context, ev donor.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled {
		return pipeline.ErrDisabled
	}
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, ev)
	return nil
}

func (f *fakePipeline) Dispatch(ctx context.Context, ev donor.ChangeEvent) approval.Outcome {
	f.mu.Lock()
	f.inline = append(f.inline, ev)
	f.mu.Unlock()
	if ev.Approved() {
		return approval.Outcome{Kind: approval.Sent}
	}
	return approval.Outcome{Kind: approval.Skipped, Reason: "no approval transition"}
}

func (f *fakePipeline) Stats() pipeline.Stats { return pipeline.Stats{Queued: uint64(len(f.submitted))} }

func (f *fakePipeline) events() []donor.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]donor.ChangeEvent(nil), f.submitted...)
}

func newTestRouter(p *fakePipeline, st store.Store, token string) http.Handler {
	return NewRouter(Deps{
		Log:        logx.Nop(),
		Pipeline:   p,
		Store:      st,
		Collection: func() string { return "donors" },
		Token:      token,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const approvedBody = `{"before":{"status":"pending","email":"a@x.com","name":"Alice"},"after":{"status":"approved","email":"a@x.com","name":"Alice"}}`

func TestPostEventQueues(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	h := newTestRouter(p, nil, "")

	rr := do(t, h, http.MethodPost, "/v1/events/donors/d1", approvedBody, map[string]string{"ce-id": "evt-42"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	evs := p.events()
	if len(evs) != 1 {
		t.Fatalf("submitted %d events", len(evs))
	}
	ev := evs[0]
	if ev.ID != "evt-42" || ev.DonorID != "d1" || ev.Collection != "donors" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Approved() || ev.After.Email != "a@x.com" {
		t.Fatalf("decoded records wrong: %+v", ev)
	}
}

func TestPostEventGeneratesID(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	h := newTestRouter(p, nil, "")
	rr := do(t, h, http.MethodPost, "/v1/events/donors/d1", approvedBody, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp eventResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.EventID) != 36 || p.events()[0].ID != resp.EventID {
		t.Fatalf("event id = %q", resp.EventID)
	}
}

func TestPostEventTypedValues(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	h := newTestRouter(p, nil, "")
	body := `{"before":{"status":{"stringValue":"pending"}},"after":{"status":{"stringValue":"approved"},"email":{"stringValue":"b@x.com"},"name":{"stringValue":"Bob"}}}`
	rr := do(t, h, http.MethodPost, "/v1/events/donors/d2", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := p.events()[0].After.Name; got != "Bob" {
		t.Fatalf("name = %q", got)
	}
}

func TestPostEventErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
		p    *fakePipeline
		want int
	}{
		{name: "bad json", path: "/v1/events/donors/d1", body: "{", p: &fakePipeline{}, want: http.StatusBadRequest},
		{name: "missing after", path: "/v1/events/donors/d1", body: `{"before":{}}`, p: &fakePipeline{}, want: http.StatusBadRequest},
		{name: "non-string field", path: "/v1/events/donors/d1", body: `{"before":{},"after":{"status":7}}`, p: &fakePipeline{}, want: http.StatusBadRequest},
		{name: "unwatched collection", path: "/v1/events/staff/d1", body: approvedBody, p: &fakePipeline{}, want: http.StatusNotFound},
		{name: "queue full", path: "/v1/events/donors/d1", body: approvedBody, p: &fakePipeline{submitErr: pipeline.ErrQueueFull}, want: http.StatusServiceUnavailable},
		{name: "stopped", path: "/v1/events/donors/d1", body: approvedBody, p: &fakePipeline{submitErr: pipeline.ErrStopped}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := do(t, newTestRouter(tt.p, nil, ""), http.MethodPost, tt.path, tt.body, nil)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if len(tt.p.events()) != 0 {
				t.Fatal("nothing should have been queued")
			}
		})
	}
}

func TestPostEventInlineWhenDisabled(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{disabled: true}
	rr := do(t, newTestRouter(p, nil, ""), http.MethodPost, "/v1/events/donors/d1", approvedBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp eventResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome == nil || resp.Outcome.Kind != approval.Sent {
		t.Fatalf("outcome = %+v", resp.Outcome)
	}
}

func TestEmulatorPutTriggersOnUpdateOnly(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	h := newTestRouter(p, store.NewMemory(), "")

	rr := do(t, h, http.MethodPut, "/v1/collections/donors/d1", `{"status":"pending","email":"a@x.com","name":"Alice"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rr.Code)
	}
	if len(p.events()) != 0 {
		t.Fatal("create must not raise a change event")
	}

	rr = do(t, h, http.MethodPut, "/v1/collections/donors/d1", `{"status":"approved","email":"a@x.com","name":"Alice"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d (%s)", rr.Code, rr.Body.String())
	}
	evs := p.events()
	if len(evs) != 1 || !evs[0].Approved() || evs[0].DonorID != "d1" {
		t.Fatalf("events = %+v", evs)
	}

	rr = do(t, h, http.MethodGet, "/v1/collections/donors/d1", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"approved"`) {
		t.Fatalf("get = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/v1/collections/donors/missing", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing get = %d", rr.Code)
	}
}

func TestEmulatorDisabled(t *testing.T) {
	t.Parallel()
	rr := do(t, newTestRouter(&fakePipeline{}, nil, ""), http.MethodGet, "/v1/collections/donors/d1", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	h := newTestRouter(p, nil, "s3cret")

	if rr := do(t, h, http.MethodPost, "/v1/events/donors/d1", approvedBody, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/events/donors/d1", approvedBody, map[string]string{"Authorization": "Bearer nope"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/events/donors/d1", approvedBody, map[string]string{"Authorization": "Bearer s3cret"}); rr.Code != http.StatusAccepted {
		t.Fatalf("good token: status = %d", rr.Code)
	}
	// health stays open
	if rr := do(t, h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	rr := do(t, newTestRouter(&fakePipeline{}, nil, ""), http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["collection"] != "donors" || body["pipeline_enabled"] != true {
		t.Fatalf("body = %v", body)
	}
}
