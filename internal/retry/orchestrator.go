package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/alerts"
	"github.com/marcus-qen/librarius/internal/correlation"
	"github.com/marcus-qen/librarius/internal/store"
)

// Outcome statuses. Deferred means a PipelineError row now carries a
// scheduled asynchronous retry; the background scheduler picks it up.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred_async_retry"
	OutcomeCancelled = "cancelled"
)

// Invoke executes one stage attempt. The correlation ID carries the retry
// level for attempts past the first.
type Invoke func(ctx context.Context, correlationID correlation.ID, attempt int) error

// Params identifies the stage run being retried.
type Params struct {
	DocumentID    string
	StageName     string
	CorrelationID correlation.ID // stage-level identifier
	Attempt       int            // 0 for a first attempt, N for a fired async retry
	ErrorID       string         // existing pipeline error when resuming an async retry
}

// Outcome is the terminal result of one orchestrated execution cycle.
type Outcome struct {
	Status      string
	Class       string // transient or permanent when Status is failed
	ErrorID     string
	NextRetryAt *time.Time
	Attempt     int // last attempt number performed
	Err         error
}

// ErrorStore is the slice of the relational store the orchestrator needs.
type ErrorStore interface {
	CreateError(ctx context.Context, e *store.PipelineError) error
	ScheduleRetry(ctx context.Context, errorID string, retryCount int, nextRetryAt time.Time) error
	ResolveError(ctx context.Context, errorID string, retryCount int, notes string) error
	FailError(ctx context.Context, errorID, notes string) error
}

// Alerter queues alerts without ever failing. *alerts.Service satisfies it.
type Alerter interface {
	Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any)
}

// Orchestrator drives the hybrid retry strategy: one synchronous retry
// close to the failure, then scheduled asynchronous retries with
// exponential backoff, then permanent failure with an alert.
type Orchestrator struct {
	errors ErrorStore
	alerts Alerter
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator builds an orchestrator over the error store and alert
// service.
func NewOrchestrator(errs ErrorStore, alerter Alerter, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		errors: errs,
		alerts: alerter,
		logger: logger.Named("retry"),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunWithRetry invokes the stage and applies the retry policy to whatever
// comes back. It returns completed, failed (with class), cancelled, or
// deferred_async_retry with the scheduled fire time.
//
// The PipelineError row appears at the first transient failure, before the
// synchronous retry runs, so a recovery that never reaches the scheduler
// still leaves its trail: one row, resolved, retry_count recording the
// attempt that succeeded.
func (o *Orchestrator) RunWithRetry(ctx context.Context, p Params, policy Policy, invoke Invoke) Outcome {
	attempt := p.Attempt
	corr := p.CorrelationID
	if attempt > 0 {
		corr = p.CorrelationID.Retry(attempt)
	}
	errorID := p.ErrorID
	created := false

	err := invoke(ctx, corr, attempt)
	for {
		if err == nil {
			if errorID != "" {
				notes := fmt.Sprintf("succeeded on retry %d", attempt)
				if rerr := o.errors.ResolveError(ctx, errorID, attempt, notes); rerr != nil {
					o.logger.Warn("failed to resolve pipeline error",
						zap.String("error_id", errorID), zap.Error(rerr))
				}
			}
			return Outcome{Status: OutcomeCompleted, ErrorID: errorID, Attempt: attempt}
		}

		if errors.Is(err, context.Canceled) {
			o.closeCancelled(ctx, errorID, created, attempt)
			return Outcome{Status: OutcomeCancelled, ErrorID: errorID, Attempt: attempt, Err: err}
		}

		class := Classify(err)
		if class == ClassPermanent {
			return o.fail(ctx, p, attempt, corr, class, errorID, err,
				fmt.Sprintf("stage %s failed permanently", p.StageName))
		}

		if errorID == "" {
			row := &store.PipelineError{
				DocumentID:    p.DocumentID,
				StageName:     p.StageName,
				ErrorType:     class,
				ErrorMessage:  err.Error(),
				RetryCount:    attempt,
				CorrelationID: corr.String(),
			}
			if cerr := o.errors.CreateError(ctx, row); cerr != nil {
				o.logger.Error("failed to persist pipeline error",
					zap.String("document_id", p.DocumentID),
					zap.String("stage", p.StageName),
					zap.Error(cerr))
				return o.fail(ctx, p, attempt, corr, class, "", err,
					fmt.Sprintf("stage %s failed and its error could not be recorded", p.StageName))
			}
			errorID = row.ErrorID
			created = true
		}

		// One synchronous retry close to the failure, before the scheduler
		// gets involved.
		if attempt == 0 && policy.MaxRetries >= 1 {
			if serr := o.sleep(ctx, policy.InitialDelay); serr != nil {
				o.closeCancelled(ctx, errorID, created, attempt)
				return Outcome{Status: OutcomeCancelled, ErrorID: errorID, Attempt: attempt, Err: err}
			}
			attempt = 1
			corr = p.CorrelationID.Retry(attempt)
			o.logger.Info("synchronous retry",
				zap.String("correlation_id", corr.String()),
				zap.String("document_id", p.DocumentID),
				zap.String("stage", p.StageName))
			err = invoke(ctx, corr, attempt)
			continue
		}

		if attempt >= policy.MaxRetries {
			return o.fail(ctx, p, attempt, corr, class, errorID, err,
				fmt.Sprintf("stage %s exhausted %d retries", p.StageName, policy.MaxRetries))
		}

		return o.deferAsync(ctx, p, attempt, corr, class, errorID, policy, err)
	}
}

// closeCancelled tidies up when cancellation interrupts the cycle. A row
// created this cycle is still pending and would sit orphaned forever, so it
// closes as failed. A row owned by a fired async retry stays retrying and a
// restarted scheduler fires it again.
func (o *Orchestrator) closeCancelled(ctx context.Context, errorID string, created bool, attempt int) {
	if !created {
		return
	}
	notes := fmt.Sprintf("cancelled at attempt %d before a retry could run", attempt)
	if err := o.errors.FailError(context.WithoutCancel(ctx), errorID, notes); err != nil {
		o.logger.Warn("failed to close cancelled pipeline error",
			zap.String("error_id", errorID), zap.Error(err))
	}
}

// deferAsync schedules the next asynchronous attempt on the existing row.
func (o *Orchestrator) deferAsync(ctx context.Context, p Params, attempt int, corr correlation.ID, class, errorID string, policy Policy, cause error) Outcome {
	delay := policy.NextDelay(attempt)
	nextAt := o.now().Add(delay)

	if err := o.errors.ScheduleRetry(ctx, errorID, attempt, nextAt); err != nil {
		o.logger.Error("failed to schedule async retry",
			zap.String("error_id", errorID), zap.Error(err))
		return o.fail(ctx, p, attempt, corr, class, errorID, cause,
			fmt.Sprintf("stage %s failed and its retry could not be scheduled", p.StageName))
	}

	o.logger.Info("scheduled async retry",
		zap.String("correlation_id", corr.String()),
		zap.String("document_id", p.DocumentID),
		zap.String("stage", p.StageName),
		zap.String("error_id", errorID),
		zap.Int("failed_attempt", attempt),
		zap.Duration("delay", delay),
		zap.Time("next_retry_at", nextAt))

	return Outcome{
		Status:      OutcomeDeferred,
		Class:       class,
		ErrorID:     errorID,
		NextRetryAt: &nextAt,
		Attempt:     attempt,
		Err:         cause,
	}
}

// fail records a terminal failure and queues the alert every terminal
// failure owes.
func (o *Orchestrator) fail(ctx context.Context, p Params, attempt int, corr correlation.ID, class, errorID string, cause error, title string) Outcome {
	if errorID == "" {
		row := &store.PipelineError{
			DocumentID:    p.DocumentID,
			StageName:     p.StageName,
			ErrorType:     class,
			ErrorMessage:  cause.Error(),
			RetryCount:    attempt,
			Status:        store.ErrorStatusFailed,
			CorrelationID: corr.String(),
		}
		if err := o.errors.CreateError(ctx, row); err != nil {
			o.logger.Error("failed to persist terminal failure",
				zap.String("document_id", p.DocumentID),
				zap.String("stage", p.StageName),
				zap.Error(err))
		}
		errorID = row.ErrorID
	} else {
		notes := fmt.Sprintf("terminal after retry %d: %s", attempt, class)
		if err := o.errors.FailError(ctx, errorID, notes); err != nil {
			o.logger.Error("failed to close pipeline error",
				zap.String("error_id", errorID), zap.Error(err))
		}
	}

	o.logger.Warn("stage failed terminally",
		zap.String("correlation_id", corr.String()),
		zap.String("document_id", p.DocumentID),
		zap.String("stage", p.StageName),
		zap.String("class", class),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	o.alerts.Queue(ctx, alerts.TypeStageFailure, alerts.SeverityHigh, title, cause.Error(), map[string]any{
		"document_id":    p.DocumentID,
		"stage":          p.StageName,
		"error_id":       errorID,
		"correlation_id": corr.String(),
		"class":          class,
		"attempt":        attempt,
	})

	return Outcome{Status: OutcomeFailed, Class: class, ErrorID: errorID, Attempt: attempt, Err: cause}
}
