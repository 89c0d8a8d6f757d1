// Package pipeline hands change events to the approval notifier off the
// caller's path: a bounded queue drained by a rate-limited worker pool.
//
// Each event is handled exactly once; there is no retry and nothing is
// persisted. Outcomes are counted, kept in a small in-memory history and
// published on the event bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"donornotify/internal/approval"
	"donornotify/internal/donor"
	"donornotify/internal/eventbus"
	rtsup "donornotify/internal/runtime/supervisor"
	logx "donornotify/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("pipeline disabled")
	ErrQueueFull = errors.New("pipeline queue full")
	ErrStopped   = errors.New("pipeline stopped")
)

// Service implements the async pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	handler Handler
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	submitWG  sync.WaitGroup

	queue    chan donor.ChangeEvent
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	queued, sent, skipped, failed, dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, handler Handler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{handler: handler, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates rate limit and history size at runtime. Worker count and
// queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the worker pool. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan donor.ChangeEvent, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pipeline"))),
		// Delivery failures are best-effort and never take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("pipeline worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("pipeline started", logx.Int("workers", workers), logx.Int("queue_size", cap(q)))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight submits, then close the queue so workers drain it.
		s.submitWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("pipeline drained")
	case <-ctx.Done():
		// Force-stop workers; pending events are abandoned.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("pipeline stop deadline exceeded", logx.Int("pending", len(q)))
	}
}

// Submit enqueues an event without blocking on delivery.
func (s *Service) Submit(ctx context.Context, ev donor.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	select {
	case q <- ev:
		s.queued.Add(1)
		s.publish(EventQueued, ev, "")
		return nil
	default:
		s.dropped.Add(1)
		s.publish(EventDropped, ev, ErrQueueFull.Error())
		s.log.Warn("event dropped: queue full", logx.String("event_id", ev.ID), logx.String("donor_id", ev.DonorID))
		return ErrQueueFull
	}
}

// Dispatch handles an event on the caller's goroutine. Used when the
// pipeline is disabled.
func (s *Service) Dispatch(ctx context.Context, ev donor.ChangeEvent) approval.Outcome {
	return s.handle(ctx, ev)
}

func (s *Service) Stats() Stats {
	st := Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Skipped: s.skipped.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
	s.mu.Lock()
	if s.queue != nil {
		st.Pending = len(s.queue)
	}
	s.mu.Unlock()
	return st
}

// Snapshot returns the recent outcome history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) workerLoop(ctx context.Context, q <-chan donor.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			s.mu.Lock()
			lim := s.limiter
			s.mu.Unlock()
			if lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return
				}
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev donor.ChangeEvent) approval.Outcome {
	if s.handler == nil {
		return approval.Outcome{Kind: approval.Failed, Reason: "no handler"}
	}
	out := s.handler.Handle(ctx, ev)
	switch out.Kind {
	case approval.Sent:
		s.sent.Add(1)
		s.publish(EventSent, ev, "")
	case approval.Skipped:
		s.skipped.Add(1)
		s.publish(EventSkipped, ev, out.Reason)
	default:
		s.failed.Add(1)
		s.publish(EventFailed, ev, out.Reason)
	}
	s.appendHistory(HistoryItem{At: time.Now(), EventID: ev.ID, DonorID: ev.DonorID, Kind: out.Kind, Reason: out.Reason})
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev donor.ChangeEvent, reason string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: OutcomeEvent{EventID: ev.ID, DonorID: ev.DonorID, At: now, Reason: reason}})
}
