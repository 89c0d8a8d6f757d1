package pipeline

import (
	"context"
	"time"

	"donornotify/internal/approval"
	"donornotify/internal/donor"
)

// Config controls the async dispatch pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	HistorySize int
}

// Handler processes one change event. approval.Notifier implements it.
type Handler interface {
	Handle(ctx context.Context, ev donor.ChangeEvent) approval.Outcome
}

// Stats are cumulative counters since process start.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// HistoryItem is one handled event, kept in memory for operator visibility.
type HistoryItem struct {
	At      time.Time     `json:"at"`
	EventID string        `json:"event_id"`
	DonorID string        `json:"donor_id"`
	Kind    approval.Kind `json:"kind"`
	Reason  string        `json:"reason,omitempty"`
}

// Event types published on the bus.
const (
	EventQueued  = "pipeline.queued"
	EventSent    = "pipeline.sent"
	EventSkipped = "pipeline.skipped"
	EventFailed  = "pipeline.failed"
	EventDropped = "pipeline.dropped"
)

// OutcomeEvent is the bus payload for pipeline events.
type OutcomeEvent struct {
	EventID string    `json:"event_id"`
	DonorID string    `json:"donor_id"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}
