// Package scheduler wires up the cron job that periodically refreshes the
// listing snapshot, independently of the realtime feed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobmate/vagas-service/internal/visibility"
)

// Trigger reasons, used in logs.
const (
	ReasonTimer   = "timer"
	ReasonVisible = "visible"
	ReasonManual  = "manual"
)

// Visibility is the subset of visibility.Tracker the scheduler needs.
type Visibility interface {
	Visible() bool
	Subscribe() (<-chan visibility.Change, func())
}

// RefreshFunc reloads the snapshot.
type RefreshFunc func(ctx context.Context) error

// Options mirror config.RefreshConfig.
type Options struct {
	Enabled         bool
	Interval        time.Duration
	MinInterval     time.Duration
	HiddenThreshold time.Duration
	OnVisible       bool
}

// Scheduler wraps robfig/cron and guards the refresh callback.
type Scheduler struct {
	cron    *cron.Cron
	refresh RefreshFunc
	vis     Visibility
	opts    Options
	spec    string // cron spec, e.g. "@every 5m0s"
	log     *slog.Logger
	now     func() time.Time

	running atomic.Bool

	mu          sync.Mutex
	lastSuccess time.Time
	entry       cron.EntryID
	armed       bool
	ctx         context.Context
	quit        chan struct{}
	watchDone   chan struct{}
}

// New creates a Scheduler firing every opts.Interval.
func New(refresh RefreshFunc, vis Visibility, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))

	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLog)),
		refresh: refresh,
		vis:     vis,
		opts:    opts,
		spec:    fmt.Sprintf("@every %s", opts.Interval),
		log:     logger,
		now:     time.Now,
	}
}

// Start registers the job and starts the scheduler. A disabled scheduler
// logs and returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.opts.Enabled {
		s.log.Info("auto-refresh disabled")
		return nil
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.arm(); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("cron started", "spec", s.spec)

	if s.opts.OnVisible && s.vis != nil {
		ch, unsubscribe := s.vis.Subscribe()
		quit, done := make(chan struct{}), make(chan struct{})
		s.mu.Lock()
		s.quit, s.watchDone = quit, done
		s.mu.Unlock()
		go func() {
			defer close(done)
			defer unsubscribe()
			s.watchVisibility(ctx, ch, quit)
		}()
	}
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	quit, done := s.quit, s.watchDone
	s.quit, s.watchDone = nil, nil
	s.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
	s.log.Info("cron stopped")
}

// Trigger runs the refresh unless the snapshot is unwatched, a refresh
// succeeded less than MinInterval ago, or one is already running. Dropped
// triggers are not queued. It reports whether the refresh ran.
func (s *Scheduler) Trigger(ctx context.Context, reason string) bool {
	if s.vis != nil && !s.vis.Visible() {
		s.log.Debug("refresh skipped, nobody watching", "reason", reason)
		return false
	}
	if s.debounced() {
		s.log.Debug("refresh skipped, too soon after last one", "reason", reason)
		return false
	}
	return s.run(ctx, reason)
}

// Reload is the manual full reload path: the timer is cleared, the refresh
// runs regardless of visibility and debounce, and the timer is re-armed so
// the next tick counts from now.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.disarm()
	defer func() {
		if s.opts.Enabled {
			if err := s.arm(); err != nil {
				s.log.Error("re-arm after reload failed", "err", err)
			}
		}
	}()

	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("refresh already running")
	}
	defer s.running.Store(false)
	return s.execute(ctx, ReasonManual)
}

func (s *Scheduler) run(ctx context.Context, reason string) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("refresh skipped, already running", "reason", reason)
		return false
	}
	defer s.running.Store(false)

	// Re-check under the guard: another trigger may have just finished.
	if s.debounced() {
		return false
	}
	_ = s.execute(ctx, reason)
	return true
}

func (s *Scheduler) execute(ctx context.Context, reason string) error {
	start := s.now()
	if err := s.refresh(ctx); err != nil {
		s.log.Warn("refresh failed", "reason", reason, "err", err)
		return err
	}
	s.mu.Lock()
	s.lastSuccess = s.now()
	s.mu.Unlock()
	s.log.Info("refresh complete", "reason", reason, "took", s.now().Sub(start))
	return nil
}

func (s *Scheduler) debounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastSuccess.IsZero() && s.now().Sub(s.lastSuccess) < s.opts.MinInterval
}

func (s *Scheduler) watchVisibility(ctx context.Context, ch <-chan visibility.Change, quit <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case c := <-ch:
			if c.Visible && c.HiddenFor > s.opts.HiddenThreshold {
				s.log.Info("viewer back after idle period", "hidden_for", c.HiddenFor)
				s.Trigger(ctx, ReasonVisible)
			}
		}
	}
}

func (s *Scheduler) arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return nil
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := s.cron.AddFunc(s.spec, func() {
		s.Trigger(ctx, ReasonTimer)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.entry, s.armed = id, true
	return nil
}

func (s *Scheduler) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		s.cron.Remove(s.entry)
		s.armed = false
	}
}

// Armed reports whether the timer is registered.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}
