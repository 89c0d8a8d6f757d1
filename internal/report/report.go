// Package report logs pipeline counters on a cron schedule.
package report

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"donornotify/internal/pipeline"
	logx "donornotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the report schedule. An empty Schedule disables it.
type Config struct {
	Schedule string
	Location *time.Location
}

// Source provides the counters to report.
type Source interface {
	Stats() pipeline.Stats
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	src Source

	c    *cron.Cron
	last pipeline.Stats
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		src: src,
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Normalize turns a schedule string into a cron spec. Besides cron
// expressions and descriptors it accepts intervals: "55m", "2h30m", "01:30".
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if strings.HasPrefix(s, "@") || strings.Contains(s, " ") {
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid HH:MM interval %q", raw)
		}
		s = (time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute).String()
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("schedule interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// Validate reports whether raw is a usable schedule.
func Validate(raw string) error {
	spec, err := Normalize(raw)
	if err != nil || spec == "" {
		return err
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return nil
}

// Start begins emitting reports. It is a no-op when already running or disabled.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec, err := Normalize(s.cfg.Schedule)
	if err != nil {
		return err
	}
	if spec == "" {
		s.log.Debug("report disabled")
		return nil
	}
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithParser(specParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.Emit); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("report scheduled", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the schedule, restarting cron when it changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(old.Schedule) == strings.TrimSpace(cfg.Schedule) && old.Location.String() == cfg.Location.String() && s.c != nil {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Emit logs the current counters and the delta since the previous report.
func (s *Service) Emit() {
	if s.src == nil {
		return
	}
	cur := s.src.Stats()
	s.mu.Lock()
	prev := s.last
	s.last = cur
	s.mu.Unlock()

	s.log.Info("notifier stats",
		logx.Uint64("queued", cur.Queued),
		logx.Uint64("sent", cur.Sent),
		logx.Uint64("skipped", cur.Skipped),
		logx.Uint64("failed", cur.Failed),
		logx.Uint64("dropped", cur.Dropped),
		logx.Int("pending", cur.Pending),
		logx.Uint64("sent_delta", cur.Sent-prev.Sent),
		logx.Uint64("failed_delta", cur.Failed-prev.Failed),
	)
}
