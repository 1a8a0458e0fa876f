package broadcast

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"broadcastd/internal/content"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/gateway"
	"broadcastd/internal/retry"
	"broadcastd/internal/simulator"
	logx "broadcastd/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg     Config
	gw      gateway.Gateway
	events  simulator.Source
	policy  retry.Policy
	limiter *rate.Limiter
	bus     eventbus.Bus
	log     logx.Logger

	current *run
	// history keeps finished runs for lookups; bounded by historyMax/historyTTL.
	history    map[string]*run
	historyMax int
	historyTTL time.Duration

	stopped bool
	runWG   sync.WaitGroup
}

// run is one execution. Everything but store is immutable after Start.
type run struct {
	id     string
	store  *Store
	ids    []string
	to     []string
	msg    content.Message
	cred   gateway.Credentials
	cfg    Config
	policy retry.Policy
	lim    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	// sendCtx is handed to the gateway. Cancel leaves it alone so in-flight
	// sends finish and are discarded; only Stop aborts them.
	sendCtx context.Context
	abort   context.CancelFunc
	done    chan struct{}
}

// New creates a dispatcher. events and policy may be nil (no receipts,
// default fixed policy). bus may be nil.
func New(cfg Config, gw gateway.Gateway, events simulator.Source, policy retry.Policy, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if events == nil {
		events = simulator.Nop{}
	}
	if policy == nil {
		policy = retry.Default()
	}
	cfg = normalizeConfig(cfg)
	return &Service{
		cfg:        cfg,
		gw:         gw,
		events:     events,
		policy:     policy,
		limiter:    newLimiter(cfg.RatePerSec),
		bus:        bus,
		log:        log,
		history:    map[string]*run{},
		historyMax: cfg.HistorySize,
		historyTTL: cfg.HistoryTTL,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case StrategyBatch:
		cfg.Strategy = StrategyBatch
	default:
		cfg.Strategy = StrategyPool
	}
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistoryMax
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = defaultHistoryTTL
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = content.MaxImageBytes
	}
	return cfg
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// Apply swaps execution settings. A running run keeps the settings it
// started with.
func (s *Service) Apply(cfg Config) {
	cfg = normalizeConfig(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.RatePerSec)
	s.historyMax = cfg.HistorySize
	s.historyTTL = cfg.HistoryTTL
	s.mu.Unlock()
	s.log.Debug("dispatcher config applied", logx.Int("concurrency", cfg.Concurrency), logx.String("strategy", cfg.Strategy), logx.Int("rps", cfg.RatePerSec))
}

// SetPolicy swaps the retry policy used by the next run.
func (s *Service) SetPolicy(p retry.Policy) {
	if p == nil {
		p = retry.Default()
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Validate checks a request without starting anything.
func (s *Service) Validate(req Request) error {
	s.mu.Lock()
	maxImage := s.cfg.MaxImageBytes
	s.mu.Unlock()
	_, err := validate(req, maxImage)
	return err
}

func validate(req Request, maxImage int64) ([]string, error) {
	if !req.Credentials.Complete() {
		return nil, fmt.Errorf("validate: %w", ErrMissingCredentials)
	}
	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("validate: %w", ErrNoRecipients)
	}
	if req.Message.Empty() {
		return nil, fmt.Errorf("validate: %w", ErrNoContent)
	}
	if err := req.Message.Image.Validate(maxImage); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return recipients, nil
}

// Start validates req and launches a run in the background. The run is
// detached from ctx: cancelling ctx does not cancel the run, use Cancel.
func (s *Service) Start(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	recipients, err := validate(req, cfg.MaxImageBytes)
	if err != nil {
		s.log.Debug("broadcast rejected", logx.Err(err))
		return "", err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.current != nil && s.current.store.Status() == StatusRunning {
		s.mu.Unlock()
		return "", ErrRunInProgress
	}

	id := uuid.NewString()
	st := NewStore(id, recipients)
	recs := st.Snapshot()
	r := &run{
		id:     id,
		store:  st,
		ids:    make([]string, len(recs)),
		to:     make([]string, len(recs)),
		msg:    req.Message,
		cred:   req.Credentials,
		cfg:    s.cfg,
		policy: s.policy,
		lim:    s.limiter,
		done:   make(chan struct{}),
	}
	for i, rec := range recs {
		r.ids[i] = rec.ID
		r.to[i] = rec.Recipient
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.sendCtx, r.abort = context.WithCancel(context.WithoutCancel(ctx))
	st.SetObserver(func(rec Record) {
		s.publish(EventRecord, RecordEvent{RunID: id, Record: rec})
	})

	if prev := s.current; prev != nil {
		s.history[prev.id] = prev
	}
	s.current = r
	s.runWG.Add(1)
	s.mu.Unlock()

	s.pruneHistory(time.Now())
	s.publish(EventStarted, st.Summary())
	s.log.Info("broadcast started",
		logx.String("run", id),
		logx.Int("total", len(recipients)),
		logx.Int("concurrency", r.cfg.Concurrency),
		logx.String("strategy", r.cfg.Strategy),
		logx.Bool("image", req.Message.Image != nil),
	)

	go s.execute(r)
	return id, nil
}

// Cancel stops the running run. Records that have not reached sent or
// failed are failed immediately with CancelReason. It is idempotent and
// returns false when nothing was running.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return false
	}
	return s.cancelRun(r, CancelReason)
}

func (s *Service) cancelRun(r *run, reason string) bool {
	if !r.store.Cancel(reason) {
		return false
	}
	r.cancel()
	sum := r.store.Summary()
	s.publish(EventCancelled, sum)
	s.log.Info("broadcast cancelled", logx.String("run", r.id), logx.Int("processed", sum.Processed), logx.Int("total", sum.Total), logx.String("reason", reason))
	return true
}

// Snapshot returns the current (or most recent) run. With no run yet it
// reports StatusIdle and no records.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return Snapshot{Summary: Summary{Status: StatusIdle}, Records: []Record{}}
	}
	return r.store.View()
}

// Run returns a retained run by id.
func (s *Service) Run(id string) (Snapshot, bool) {
	s.mu.Lock()
	r := s.current
	if r == nil || r.id != id {
		r = s.history[id]
	}
	s.mu.Unlock()
	if r == nil {
		return Snapshot{}, false
	}
	return r.store.View(), true
}

// Message returns the content a retained run was started with.
func (s *Service) Message(id string) (content.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.current
	if r == nil || r.id != id {
		r = s.history[id]
	}
	if r == nil {
		return content.Message{}, false
	}
	return r.msg, true
}

// Runs lists retained runs, newest first.
func (s *Service) Runs() []Summary {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.history)+1)
	if s.current != nil {
		runs = append(runs, s.current)
	}
	for _, r := range s.history {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.store.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the run with the given id has finished executing.
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	r := s.current
	if r == nil || r.id != id {
		r = s.history[id]
	}
	s.mu.Unlock()
	if r == nil {
		return fmt.Errorf("run %s not found", id)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the running run, aborts in-flight gateway calls, stops
// pending receipts and waits for workers to exit (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.stopped = true
	runs := make([]*run, 0, len(s.history)+1)
	if s.current != nil {
		runs = append(runs, s.current)
	}
	for _, r := range s.history {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		s.cancelRun(r, "Cancelled: service stopping")
		r.cancel()
		r.abort()
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("service stop timed out; workers still running", logx.Duration("took", time.Since(start)))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
