// Package approval sends the donation-approved email when a donor record
// transitions into the approved state.
//
// Delivery is best-effort: a failed send is logged and reported as an
// Outcome, never returned as an error, so the write that produced the change
// event is unaffected.
package approval

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"donornotify/internal/donor"
	"donornotify/internal/mail"
	logx "donornotify/pkg/logx"
)

const (
	Subject      = "Blood Donation Approved"
	bodyTemplate = "Dear %s,\n\nYour blood donation request has been approved. Please visit our center for blood donation.\n\nThank you!"
)

// Kind classifies the result of handling one change event.
type Kind string

const (
	Sent    Kind = "sent"
	Skipped Kind = "skipped"
	Failed  Kind = "failed"
)

// Outcome is the result of Notifier.Handle.
type Outcome struct {
	Kind   Kind          `json:"kind"`
	Reason string        `json:"reason,omitempty"`
	Took   time.Duration `json:"took"`
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Reason
}

// Settings is the immutable per-generation state a Notifier sends with.
type Settings struct {
	From   string
	Sender mail.Sender
}

// Notifier evaluates the approval transition and dispatches one email.
// It is safe for concurrent use; Apply swaps settings atomically and in-flight
// sends keep the settings they started with.
type Notifier struct {
	log      logx.Logger
	settings atomic.Pointer[Settings]
}

func New(s Settings, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log}
	n.Apply(s)
	return n
}

// Apply replaces the sender and from-address used for subsequent events.
func (n *Notifier) Apply(s Settings) {
	cp := s
	n.settings.Store(&cp)
}

// Compose builds the approval message for a record.
func Compose(from string, r donor.Record) mail.Message {
	return mail.Message{
		From:    from,
		To:      r.Email,
		Subject: Subject,
		Body:    fmt.Sprintf(bodyTemplate, r.Name),
	}
}

// Handle processes one change event. It never returns an error: transport
// and validation failures are logged and reported as Failed.
func (n *Notifier) Handle(ctx context.Context, ev donor.ChangeEvent) Outcome {
	start := time.Now()
	if !ev.Approved() {
		n.log.Debug("no approval transition",
			logx.String("donor_id", ev.DonorID),
			logx.String("before", string(ev.Before.Status)),
			logx.String("after", string(ev.After.Status)),
		)
		return Outcome{Kind: Skipped, Reason: "no approval transition", Took: time.Since(start)}
	}

	to, err := ev.After.Recipient()
	if err != nil {
		n.log.Warn("approval email not sent: invalid record",
			logx.String("event_id", ev.ID),
			logx.String("donor_id", ev.DonorID),
			logx.Err(err),
		)
		return Outcome{Kind: Failed, Reason: err.Error(), Took: time.Since(start)}
	}

	s := n.settings.Load()
	if s == nil || s.Sender == nil {
		n.log.Error("approval email not sent: no mail sender configured",
			logx.String("event_id", ev.ID),
			logx.String("donor_id", ev.DonorID),
		)
		return Outcome{Kind: Failed, Reason: mail.ErrNotConfigured.Error(), Took: time.Since(start)}
	}

	rec := ev.After
	rec.Email = to
	msg := Compose(s.From, rec)
	if err := s.Sender.Send(ctx, msg); err != nil {
		n.log.Error("error sending approval email",
			logx.String("event_id", ev.ID),
			logx.String("donor_id", ev.DonorID),
			logx.String("to", msg.To),
			logx.Err(err),
		)
		return Outcome{Kind: Failed, Reason: err.Error(), Took: time.Since(start)}
	}

	took := time.Since(start)
	n.log.Info("approval email sent",
		logx.String("event_id", ev.ID),
		logx.String("donor_id", ev.DonorID),
		logx.String("to", msg.To),
		logx.Duration("took", took),
	)
	return Outcome{Kind: Sent, Took: took}
}
