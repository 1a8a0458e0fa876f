// Package housekeeping runs periodic maintenance jobs on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "broadcastd/pkg/logx"
)

const DefaultSchedule = "@every 1m"

// Pruner drops retained state that expired by now and reports how much.
type Pruner interface {
	Prune(now time.Time) int
}

type Service struct {
	mu     sync.Mutex
	c      *cron.Cron
	parser cron.Parser
	spec   string
	jobs   map[string]Pruner
	log    logx.Logger
	now    func() time.Time
}

func New(spec string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSchedule
	}
	return &Service{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		spec:   strings.TrimSpace(spec),
		jobs:   map[string]Pruner{},
		log:    log,
		now:    time.Now,
	}
}

// Validate reports whether spec is a usable schedule.
func Validate(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("housekeeping.schedule: %w", err)
	}
	return nil
}

// Register adds a named job. Jobs added after Start run from the next tick.
func (s *Service) Register(name string, p Pruner) {
	s.mu.Lock()
	s.jobs[name] = p
	s.mu.Unlock()
}

// RunOnce runs every job immediately.
func (s *Service) RunOnce() {
	s.mu.Lock()
	jobs := make(map[string]Pruner, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = v
	}
	s.mu.Unlock()

	now := s.now()
	for name, p := range jobs {
		start := time.Now()
		n := p.Prune(now)
		if n > 0 {
			s.log.Info("housekeeping pruned", logx.String("job", name), logx.Int("removed", n), logx.Duration("took", time.Since(start)))
		} else {
			s.log.Debug("housekeeping ran", logx.String("job", name))
		}
	}
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	if _, err := c.AddFunc(s.spec, s.RunOnce); err != nil {
		return fmt.Errorf("housekeeping.schedule %q: %w", s.spec, err)
	}
	c.Start()
	s.c = c
	s.log.Debug("housekeeping started", logx.String("schedule", s.spec))
	return nil
}

// Reschedule swaps the schedule. A running service restarts its cron.
func (s *Service) Reschedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("housekeeping.schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec {
		return nil
	}
	s.spec = spec
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

func (s *Service) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
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

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
