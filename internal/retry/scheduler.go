package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/correlation"
	"github.com/marcus-qen/librarius/internal/metrics"
	"github.com/marcus-qen/librarius/internal/store"
	"github.com/marcus-qen/librarius/internal/telemetry"
)

const defaultClaimBatch = 50

// Task is one due async retry handed to the runner callback.
type Task struct {
	ErrorID       string
	DocumentID    string
	StageName     string
	Attempt       int // the attempt the runner should perform next
	CorrelationID correlation.ID
}

// RunnerFunc re-executes a stage for a fired retry task. The full execution
// path applies: lock, idempotency check, retry orchestration.
type RunnerFunc func(ctx context.Context, task Task)

// SchedulerStore is the slice of the relational store the scheduler needs.
type SchedulerStore interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*store.PipelineError, error)
	GetError(ctx context.Context, errorID string) (*store.PipelineError, error)
	FailError(ctx context.Context, errorID, notes string) error
}

// Scheduler polls pipeline_errors for due async retries and dispatches them
// to the runner. An in-process claim map keeps one dispatch per
// (document, stage) even when a task outlives a tick.
type Scheduler struct {
	store    SchedulerStore
	runner   RunnerFunc
	logger   *zap.Logger
	interval time.Duration
	limit    int
	now      func() time.Time

	mu            sync.Mutex
	cancel        context.CancelFunc
	ticker        *time.Ticker
	activeTargets map[string]struct{}
	wg            sync.WaitGroup
}

// NewScheduler creates a background retry scheduler ticking at interval.
func NewScheduler(st SchedulerStore, runner RunnerFunc, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:         st,
		runner:        runner,
		logger:        logger.Named("retrysched"),
		interval:      interval,
		limit:         defaultClaimBatch,
		now:           func() time.Time { return time.Now().UTC() },
		activeTargets: make(map[string]struct{}),
	}
}

// Start starts the scheduler loop. It is safe to call Start multiple times.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.interval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(loopCtx, s.now())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runOnce(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop stops background dispatch and waits for in-flight tasks to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}

	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.activeTargets = make(map[string]struct{})
	s.mu.Unlock()
}

// CancelRetry administratively cancels a scheduled async retry. The
// pipeline error moves to failed with resolution_notes "cancelled".
func (s *Scheduler) CancelRetry(ctx context.Context, errorID string) error {
	row, err := s.store.GetError(ctx, errorID)
	if err != nil {
		return fmt.Errorf("load pipeline error %s: %w", errorID, err)
	}
	if row.Status != store.ErrorStatusRetrying {
		return fmt.Errorf("error %s is %s, not retrying", errorID, row.Status)
	}
	if err := s.store.FailError(ctx, errorID, "cancelled"); err != nil {
		return fmt.Errorf("cancel retry %s: %w", errorID, err)
	}
	s.logger.Info("async retry cancelled",
		zap.String("error_id", errorID),
		zap.String("document_id", row.DocumentID),
		zap.String("stage", row.StageName))
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	due, err := s.store.DueRetries(ctx, now, s.limit)
	if err != nil {
		s.logger.Warn("list due retries failed", zap.Error(err))
		return
	}

	for _, row := range due {
		targetKey := row.DocumentID + "::" + row.StageName
		if !s.claimTarget(targetKey) {
			s.logger.Debug("skipping overlapping retry for target",
				zap.String("document_id", row.DocumentID),
				zap.String("stage", row.StageName))
			continue
		}

		task := Task{
			ErrorID:       row.ErrorID,
			DocumentID:    row.DocumentID,
			StageName:     row.StageName,
			Attempt:       row.RetryCount + 1,
			CorrelationID: correlation.ID(row.CorrelationID),
		}

		s.wg.Add(1)
		go s.fire(ctx, task, targetKey)
	}
}

func (s *Scheduler) fire(ctx context.Context, task Task, targetKey string) {
	defer s.wg.Done()
	defer s.releaseTarget(targetKey)

	ctx, span := telemetry.StartRetrySpan(ctx, task.StageName, task.ErrorID, task.Attempt)
	defer span.End()

	metrics.RecordRetryFired(task.StageName)
	s.logger.Info("dispatching async retry",
		zap.String("error_id", task.ErrorID),
		zap.String("document_id", task.DocumentID),
		zap.String("stage", task.StageName),
		zap.Int("attempt", task.Attempt))

	s.runner(ctx, task)
}

func (s *Scheduler) claimTarget(targetKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeTargets[targetKey]; ok {
		return false
	}
	s.activeTargets[targetKey] = struct{}{}
	return true
}

func (s *Scheduler) releaseTarget(targetKey string) {
	s.mu.Lock()
	delete(s.activeTargets, targetKey)
	s.mu.Unlock()
}
