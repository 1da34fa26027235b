// Package runner executes one stage for one document from end to end:
// advisory lock → idempotency check → cleanup of stale outputs → execution
// under the retry orchestrator → completion marker. Every invocation ends
// in exactly one result status, the lock is released on every control-flow
// path, and stage panics never escape.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/alerts"
	"github.com/marcus-qen/librarius/internal/correlation"
	"github.com/marcus-qen/librarius/internal/idempotency"
	"github.com/marcus-qen/librarius/internal/metrics"
	"github.com/marcus-qen/librarius/internal/retry"
	"github.com/marcus-qen/librarius/internal/stage"
	"github.com/marcus-qen/librarius/internal/telemetry"
)

// Result statuses. The pipeline orchestrator aggregates these per request;
// skipped_prerequisite_failed and deferred_prerequisite_retrying are
// assigned there, before a runner is ever dispatched.
const (
	ResultCompleted                    = "completed"
	ResultSkippedUnchanged             = "skipped_unchanged"
	ResultSkippedConcurrentFirst       = "skipped_concurrent_first_attempt"
	ResultSkippedConcurrentRetry       = "skipped_concurrent_retry"
	ResultSkippedPrerequisiteFailed    = "skipped_prerequisite_failed"
	ResultDeferredAsyncRetry           = "deferred_async_retry"
	ResultDeferredPrerequisiteRetrying = "deferred_prerequisite_retrying"
	ResultFailed                       = "failed"
	ResultCancelled                    = "cancelled"
)

// Request is one stage execution order.
type Request struct {
	Document  stage.Document
	StageName string
	RequestID string
	// CorrelationID overrides the derived request.stage identifier; the
	// retry scheduler sets it from the stored pipeline error.
	CorrelationID correlation.ID
	// Attempt is 0 for a first execution, N for a fired async retry.
	Attempt int
	// ErrorID names the pipeline error a fired retry resumes.
	ErrorID string
	// Outputs carries the prerequisite outputs available to this stage.
	Outputs map[string]stage.Output
	WorkDir string
}

// Result is the terminal outcome of one runner invocation.
type Result struct {
	Stage       string
	Status      string
	Class       string
	ErrorID     string
	NextRetryAt *time.Time
	Attempt     int
	Output      stage.Output
	Duration    time.Duration
	Err         error
}

// AcquireFunc tries the per-(document, stage) advisory lock without
// blocking, returning a release func when acquired. locks.Manager provides
// the production implementation via Acquire.
type AcquireFunc func(ctx context.Context, documentID, stageName string) (release func(context.Context) error, acquired bool, err error)

// StatusStore is the slice of the relational store the runner needs.
type StatusStore interface {
	SetStageStatus(ctx context.Context, documentID, stageName, status string) error
	HasActiveRetry(ctx context.Context, documentID, stageName, excludeErrorID string) (bool, error)
}

// Alerter queues alerts without ever failing.
type Alerter interface {
	Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any)
}

// PerfRecorder collects per-stage timings for successful executions.
type PerfRecorder interface {
	Record(correlationID correlation.ID, stageName string, duration time.Duration, metadata map[string]any)
}

// Deps wires a Runner. All fields except Perf are required.
type Deps struct {
	Registry     *stage.Registry
	Acquire      AcquireFunc
	Idempotency  *idempotency.Checker
	Orchestrator *retry.Orchestrator
	Policies     *retry.PolicyCache
	Store        StatusStore
	Alerts       Alerter
	Perf         PerfRecorder
	Logger       *zap.Logger
}

// Runner drives single stage executions.
type Runner struct {
	registry *stage.Registry
	acquire  AcquireFunc
	idem     *idempotency.Checker
	orch     *retry.Orchestrator
	policies *retry.PolicyCache
	store    StatusStore
	alerts   Alerter
	perf     PerfRecorder
	logger   *zap.Logger
}

// New builds a Runner from its dependencies.
func New(deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: deps.Registry,
		acquire:  deps.Acquire,
		idem:     deps.Idempotency,
		orch:     deps.Orchestrator,
		policies: deps.Policies,
		store:    deps.Store,
		alerts:   deps.Alerts,
		perf:     deps.Perf,
		logger:   logger.Named("runner"),
	}
}

// Run executes one stage and returns its terminal result.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := time.Now()

	corr := req.CorrelationID
	if corr == "" {
		corr = correlation.FromRequestID(req.RequestID).Stage(req.StageName)
	}

	ctx, span := telemetry.StartStageSpan(ctx, req.StageName, req.Document.ID, corr.String())

	metrics.ActiveStages.Inc()
	defer metrics.ActiveStages.Dec()

	res := r.execute(ctx, req, corr)
	res.Stage = req.StageName
	res.Duration = time.Since(start)

	telemetry.EndStageSpan(span, res.Status, res.Err)
	metrics.ObserveStageResult(req.StageName, res.Status, res.Duration)

	fields := []zap.Field{
		zap.String("correlation_id", corr.String()),
		zap.String("document_id", req.Document.ID),
		zap.String("stage", req.StageName),
		zap.String("status", res.Status),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	r.logger.Info("stage run finished", fields...)

	return res
}

func (r *Runner) execute(ctx context.Context, req Request, corr correlation.ID) Result {
	stg, err := r.registry.Lookup(req.StageName)
	if err != nil {
		return Result{Status: ResultFailed, Class: retry.ClassPermanent, Err: err}
	}

	docID := req.Document.ID

	// A scheduled async retry owns this stage until it fires or is
	// cancelled; fresh requests step aside. The firing retry passes its own
	// error id so it does not block itself.
	active, err := r.store.HasActiveRetry(ctx, docID, req.StageName, req.ErrorID)
	if err != nil {
		r.logger.Warn("active retry check failed",
			zap.String("document_id", docID),
			zap.String("stage", req.StageName),
			zap.Error(err))
	} else if active {
		r.logger.Debug("stage has a pending async retry, skipping",
			zap.String("document_id", docID),
			zap.String("stage", req.StageName))
		return Result{Status: ResultSkippedConcurrentRetry}
	}

	release, acquired, err := r.acquire(ctx, docID, req.StageName)
	if err != nil {
		return Result{Status: ResultFailed, Err: fmt.Errorf("acquire stage lock: %w", err)}
	}
	if !acquired {
		if req.Attempt == 0 {
			r.alerts.Queue(ctx, alerts.TypeConcurrentExecution, alerts.SeverityMedium,
				fmt.Sprintf("concurrent execution of %s blocked", req.StageName),
				fmt.Sprintf("document %s stage %s is already running in another request", docID, req.StageName),
				map[string]any{
					"document_id":    docID,
					"stage":          req.StageName,
					"correlation_id": corr.String(),
				})
			return Result{Status: ResultSkippedConcurrentFirst}
		}
		return Result{Status: ResultSkippedConcurrentRetry}
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			r.logger.Warn("lock release failed",
				zap.String("document_id", docID),
				zap.String("stage", req.StageName),
				zap.Error(rerr))
		}
	}()

	policy := r.policies.Resolve(ctx, retry.DefaultService, req.StageName)

	pctx := &stage.Context{
		Document:      req.Document,
		RequestID:     req.RequestID,
		Stage:         req.StageName,
		RetryAttempt:  req.Attempt,
		CorrelationID: corr,
		Outputs:       req.Outputs,
		WorkDir:       req.WorkDir,
	}

	params := retry.Params{
		DocumentID:    docID,
		StageName:     req.StageName,
		CorrelationID: corr,
		Attempt:       req.Attempt,
		ErrorID:       req.ErrorID,
	}

	canonical, err := safeCanonical(stg, pctx)
	if err != nil {
		// Route through the orchestrator so the failure gets the same
		// bookkeeping as an execution failure.
		outcome := r.orch.RunWithRetry(ctx, params, policy, func(context.Context, correlation.ID, int) error {
			return err
		})
		return r.finish(ctx, req, outcome, stage.Output{}, "", corr, 0)
	}
	hash := idempotency.Hash(canonical)

	decision, err := r.idem.Check(ctx, docID, req.StageName, hash)
	if err != nil {
		return Result{Status: ResultFailed, Err: fmt.Errorf("idempotency check: %w", err)}
	}
	if decision == idempotency.SkipUnchanged {
		// Re-assert the terminal status; a failed later attempt may have
		// overwritten it while the marker stayed valid.
		if serr := r.store.SetStageStatus(ctx, docID, req.StageName, stage.StatusCompleted); serr != nil {
			r.logger.Warn("status reassert failed",
				zap.String("document_id", docID),
				zap.String("stage", req.StageName),
				zap.Error(serr))
		}
		r.logger.Debug("stage input unchanged, skipping",
			zap.String("correlation_id", corr.String()),
			zap.String("document_id", docID),
			zap.String("stage", req.StageName))
		return Result{Status: ResultSkippedUnchanged}
	}

	if err := r.store.SetStageStatus(ctx, docID, req.StageName, stage.StatusInProgress); err != nil {
		return Result{Status: ResultFailed, Err: fmt.Errorf("mark stage in progress: %w", err)}
	}

	needCleanup := decision == idempotency.ExecuteAfterCleanup
	var out stage.Output
	invoke := func(ctx context.Context, corrID correlation.ID, attempt int) error {
		if needCleanup {
			if cerr := stg.Cleanup(ctx, docID); cerr != nil {
				return fmt.Errorf("cleanup stale outputs: %w", cerr)
			}
			if ierr := r.idem.Invalidate(ctx, docID, req.StageName); ierr != nil {
				return fmt.Errorf("invalidate completion marker: %w", ierr)
			}
			needCleanup = false
		}

		attemptCtx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}

		apctx := *pctx
		apctx.RetryAttempt = attempt
		apctx.CorrelationID = corrID

		var eerr error
		out, eerr = safeExecute(attemptCtx, stg, &apctx)
		return eerr
	}

	execStart := time.Now()
	outcome := r.orch.RunWithRetry(ctx, params, policy, invoke)
	return r.finish(ctx, req, outcome, out, hash, corr, time.Since(execStart))
}

// finish maps an orchestrator outcome to the runner result, recording the
// document status transition each outcome owes.
func (r *Runner) finish(ctx context.Context, req Request, outcome retry.Outcome, out stage.Output, hash string, corr correlation.ID, execDur time.Duration) Result {
	docID := req.Document.ID

	switch outcome.Status {
	case retry.OutcomeCompleted:
		meta := map[string]any{
			"correlation_id": corr.String(),
			"attempt":        outcome.Attempt,
		}
		if err := r.idem.Complete(ctx, docID, req.StageName, hash, meta); err != nil {
			// The stage ran but its marker is missing; fail the run so the
			// next pass re-executes instead of trusting a half-recorded
			// completion.
			r.setStatus(ctx, docID, req.StageName, stage.StatusFailed)
			return Result{
				Status:  ResultFailed,
				Attempt: outcome.Attempt,
				Output:  out,
				Err:     fmt.Errorf("record completion marker: %w", err),
			}
		}
		if r.perf != nil {
			r.perf.Record(corr, req.StageName, execDur, map[string]any{
				"attempt": outcome.Attempt,
			})
		}
		return Result{Status: ResultCompleted, Attempt: outcome.Attempt, Output: out, ErrorID: outcome.ErrorID}

	case retry.OutcomeDeferred:
		r.setStatus(ctx, docID, req.StageName, stage.StatusPending)
		return Result{
			Status:      ResultDeferredAsyncRetry,
			Class:       outcome.Class,
			ErrorID:     outcome.ErrorID,
			NextRetryAt: outcome.NextRetryAt,
			Attempt:     outcome.Attempt,
			Err:         outcome.Err,
		}

	case retry.OutcomeCancelled:
		r.setStatus(ctx, docID, req.StageName, stage.StatusPending)
		return Result{Status: ResultCancelled, Attempt: outcome.Attempt, Err: outcome.Err}

	default:
		r.setStatus(ctx, docID, req.StageName, stage.StatusFailed)
		return Result{
			Status:  ResultFailed,
			Class:   outcome.Class,
			ErrorID: outcome.ErrorID,
			Attempt: outcome.Attempt,
			Err:     outcome.Err,
		}
	}
}

func (r *Runner) setStatus(ctx context.Context, docID, stageName, status string) {
	if err := r.store.SetStageStatus(ctx, docID, stageName, status); err != nil {
		r.logger.Error("stage status update failed",
			zap.String("document_id", docID),
			zap.String("stage", stageName),
			zap.String("status", status),
			zap.Error(err))
	}
}

// safeCanonical shields the runner from panics in stage-implemented
// serialization.
func safeCanonical(stg stage.Stage, pctx *stage.Context) (b []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage %s canonical input panicked: %v", pctx.Stage, rec)
		}
	}()
	return stg.CanonicalInput(pctx)
}

// safeExecute shields the runner from panics in the stage body; they come
// back as plain failures.
func safeExecute(ctx context.Context, stg stage.Stage, pctx *stage.Context) (out stage.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage %s panicked: %v", pctx.Stage, rec)
		}
	}()
	return stg.Execute(ctx, pctx)
}
