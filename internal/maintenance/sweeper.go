// Package maintenance repairs pipeline state that crash paths leave behind
// and prunes closed bookkeeping rows on a configurable schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// tickInterval is how often the loop checks whether the schedule is due.
const tickInterval = 30 * time.Second

// Store is the slice of the relational store the sweeper needs.
type Store interface {
	ReconcileStaleInProgress(ctx context.Context, horizon time.Duration) (int, error)
	PruneAlerts(ctx context.Context, horizon time.Duration) (int64, error)
	PruneErrors(ctx context.Context, horizon time.Duration) (int64, error)
}

// Options tunes the sweeper. Zero values take defaults.
type Options struct {
	// Schedule is a Go duration ("10m") or a standard cron expression.
	Schedule string
	// StaleHorizon resets in_progress stage entries older than this back
	// to pending. Workers that died mid-stage leave these behind.
	StaleHorizon time.Duration
	// AlertRetention prunes sent and failed alert queue items past this age.
	AlertRetention time.Duration
	// ErrorRetention prunes resolved and failed pipeline errors past this age.
	ErrorRetention time.Duration
}

// Sweeper periodically reconciles stale stage statuses and prunes processed
// alerts and closed pipeline errors.
type Sweeper struct {
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	tick   time.Duration

	mu        sync.Mutex
	ticker    *time.Ticker
	stopCh    chan struct{}
	createdAt time.Time
	lastRunAt *time.Time
}

// NewSweeper builds a sweeper and validates the schedule so a bad
// expression fails at startup rather than silently never firing.
func NewSweeper(st Store, opts Options, logger *zap.Logger) (*Sweeper, error) {
	if opts.Schedule == "" {
		opts.Schedule = "10m"
	}
	if opts.StaleHorizon <= 0 {
		opts.StaleHorizon = 30 * time.Minute
	}
	if opts.AlertRetention <= 0 {
		opts.AlertRetention = 24 * time.Hour
	}
	if opts.ErrorRetention <= 0 {
		opts.ErrorRetention = 7 * 24 * time.Hour
	}
	now := time.Now().UTC()
	if _, err := isScheduleDue(opts.Schedule, nil, now, now); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", opts.Schedule, err)
	}
	return &Sweeper{
		store:     st,
		opts:      opts,
		logger:    logger.Named("maintenance"),
		now:       func() time.Time { return time.Now().UTC() },
		tick:      tickInterval,
		createdAt: now,
	}, nil
}

// Start begins the sweep loop. An immediate pass runs first so a restart
// repairs crash leftovers without waiting out the schedule.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.ticker = time.NewTicker(s.tick)

	stopCh := s.stopCh
	tickCh := s.ticker.C

	go s.loop(stopCh, tickCh)
	go s.runDue(true)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopCh)
	s.ticker = nil
	s.stopCh = nil
}

func (s *Sweeper) loop(stopCh <-chan struct{}, tickCh <-chan time.Time) {
	for {
		select {
		case <-stopCh:
			return
		case <-tickCh:
			s.runDue(false)
		}
	}
}

// runDue runs one sweep when the schedule says so. The last-run time
// advances even when a sweep fails, so a broken database does not turn the
// loop into a hot retry.
func (s *Sweeper) runDue(force bool) {
	now := s.now()

	s.mu.Lock()
	due := force
	if !due {
		var err error
		due, err = isScheduleDue(s.opts.Schedule, s.lastRunAt, s.createdAt, now)
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("schedule check failed", zap.Error(err))
			return
		}
	}
	if due {
		at := now
		s.lastRunAt = &at
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if err := s.Sweep(context.Background()); err != nil {
		s.logger.Warn("maintenance sweep incomplete", zap.Error(err))
	}
}

// Sweep runs one full maintenance pass. Individual sweep failures are
// logged and do not stop the remaining sweeps.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := s.now()
	failures := 0

	reconciled, err := s.store.ReconcileStaleInProgress(ctx, s.opts.StaleHorizon)
	if err != nil {
		failures++
		s.logger.Warn("stale in_progress reconciliation failed", zap.Error(err))
	}

	alertsPruned, err := s.store.PruneAlerts(ctx, s.opts.AlertRetention)
	if err != nil {
		failures++
		s.logger.Warn("alert pruning failed", zap.Error(err))
	}

	errorsPruned, err := s.store.PruneErrors(ctx, s.opts.ErrorRetention)
	if err != nil {
		failures++
		s.logger.Warn("pipeline error pruning failed", zap.Error(err))
	}

	s.logger.Info("maintenance sweep finished",
		zap.Int("documents_reconciled", reconciled),
		zap.Int64("alerts_pruned", alertsPruned),
		zap.Int64("errors_pruned", errorsPruned),
		zap.Duration("elapsed", s.now().Sub(start)))

	if failures > 0 {
		return fmt.Errorf("%d of 3 sweeps failed", failures)
	}
	return nil
}

// isScheduleDue reports whether a schedule has a fire time at or before
// now. A schedule is either a Go duration or a standard cron expression;
// the anchor is the last run when one happened, otherwise creation time.
func isScheduleDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}
