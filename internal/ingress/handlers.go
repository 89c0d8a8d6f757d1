// Package ingress is the HTTP trigger boundary. It turns document change
// notifications into donor.ChangeEvent values and hands them to the pipeline.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"donornotify/internal/approval"
	"donornotify/internal/donor"
	"donornotify/internal/pipeline"
	rtsup "donornotify/internal/runtime/supervisor"
	"donornotify/internal/store"
	logx "donornotify/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Pipeline is the part of pipeline.Service the handlers use.
type Pipeline interface {
	Enabled() bool
	Submit(ctx context.Context, ev donor.ChangeEvent) error
	Dispatch(ctx context.Context, ev donor.ChangeEvent) approval.Outcome
	Stats() pipeline.Stats
}

// Deps are the collaborators of the router. Store may be nil (emulator off).
type Deps struct {
	Log        logx.Logger
	Pipeline   Pipeline
	Store      store.Store
	Collection func() string
	Counters   func() rtsup.Counters
	Token      string
	Now        func() time.Time
}

type handlers struct {
	Deps
}

// NewRouter builds the chi router for the ingress API.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Collection == nil {
		d.Collection = func() string { return "donors" }
	}
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(d.Token))
		r.Post("/events/{collection}/{docId}", h.postEvent)
		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Get("/{docId}", h.getDocument)
			r.Put("/{docId}", h.putDocument)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"collection": h.Collection(),
	}
	if h.Pipeline != nil {
		resp["pipeline_enabled"] = h.Pipeline.Enabled()
		resp["pipeline"] = h.Pipeline.Stats()
	}
	if h.Counters != nil {
		resp["goroutines"] = h.Counters()
	}
	resp["store"] = h.Store != nil
	writeJSON(w, http.StatusOK, resp)
}

type eventRequest struct {
	ID     string         `json:"id,omitempty"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

type eventResponse struct {
	EventID string          `json:"event_id"`
	Status  string          `json:"status"`
	Outcome *outcomeSummary `json:"outcome,omitempty"`
}

type outcomeSummary struct {
	Kind   approval.Kind `json:"kind"`
	Reason string        `json:"reason,omitempty"`
}

// watched resolves the collection URL param, writing 404 when it is not the
// configured collection.
func (h *handlers) watched(w http.ResponseWriter, r *http.Request) (string, bool) {
	col := chi.URLParam(r, "collection")
	if col != h.Collection() {
		writeError(w, http.StatusNotFound, "collection not watched: "+col)
		return "", false
	}
	return col, true
}

func (h *handlers) postEvent(w http.ResponseWriter, r *http.Request) {
	col, ok := h.watched(w, r)
	if !ok {
		return
	}
	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Before == nil || req.After == nil {
		writeError(w, http.StatusBadRequest, "before and after are required")
		return
	}
	before, err := donor.Decode(req.Before)
	if err != nil {
		writeError(w, http.StatusBadRequest, "before: "+err.Error())
		return
	}
	after, err := donor.Decode(req.After)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after: "+err.Error())
		return
	}

	id := strings.TrimSpace(r.Header.Get("ce-id"))
	if id == "" {
		id = strings.TrimSpace(req.ID)
	}
	if id == "" {
		id = uuid.NewString()
	}
	ev := donor.ChangeEvent{
		ID:         id,
		Collection: col,
		DonorID:    chi.URLParam(r, "docId"),
		Before:     before,
		After:      after,
		ReceivedAt: h.Now(),
	}
	h.deliver(w, r, ev, http.StatusAccepted)
}

// deliver submits ev to the pipeline, or handles it inline when the pipeline
// is disabled. okCode is the status for an accepted async submit.
func (h *handlers) deliver(w http.ResponseWriter, r *http.Request, ev donor.ChangeEvent, okCode int) {
	if h.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}
	err := h.Pipeline.Submit(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, okCode, eventResponse{EventID: ev.ID, Status: "queued"})
	case errors.Is(err, pipeline.ErrDisabled):
		out := h.Pipeline.Dispatch(r.Context(), ev)
		writeJSON(w, http.StatusOK, eventResponse{
			EventID: ev.ID,
			Status:  "handled",
			Outcome: &outcomeSummary{Kind: out.Kind, Reason: out.Reason},
		})
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.Log.Warn("event submit failed", logx.String("event_id", ev.ID), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (h *handlers) getDocument(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotFound, store.ErrDisabled.Error())
		return
	}
	col, ok := h.watched(w, r)
	if !ok {
		return
	}
	rec, err := h.Store.Get(r.Context(), col, chi.URLParam(r, "docId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec.Fields())
}

// putDocument writes a document into the local emulator. An update (not a
// create) raises a change event exactly like the external store would.
func (h *handlers) putDocument(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotFound, store.ErrDisabled.Error())
		return
	}
	col, ok := h.watched(w, r)
	if !ok {
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	rec, err := donor.Decode(fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	docID := chi.URLParam(r, "docId")
	ch, err := h.Store.Put(r.Context(), col, docID, rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ch.Updated {
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
		return
	}
	ev := donor.ChangeEvent{
		ID:         uuid.NewString(),
		Collection: col,
		DonorID:    docID,
		Before:     ch.Before,
		After:      ch.After,
		ReceivedAt: h.Now(),
	}
	h.deliver(w, r, ev, http.StatusOK)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}
