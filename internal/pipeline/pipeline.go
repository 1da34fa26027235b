// Package pipeline drives ingestion requests across the stage graph. The
// orchestrator resolves the requested mode to a target stage set, dispatches
// stages to the runner in topological waves with bounded parallelism, and
// aggregates per-stage outcomes into the request result callers receive.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/librarius/internal/correlation"
	"github.com/marcus-qen/librarius/internal/metrics"
	"github.com/marcus-qen/librarius/internal/perf"
	"github.com/marcus-qen/librarius/internal/retry"
	"github.com/marcus-qen/librarius/internal/runner"
	"github.com/marcus-qen/librarius/internal/stage"
	"github.com/marcus-qen/librarius/internal/store"
	"github.com/marcus-qen/librarius/internal/telemetry"
	"github.com/marcus-qen/librarius/internal/workdir"
)

// Execution modes.
const (
	ModeFull     = "full"
	ModeSmart    = "smart"
	ModeSingle   = "single"
	ModeMultiple = "multiple"
)

// Request-level outcomes, recorded on the request span and metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// RunRequest asks for one execution over one document.
type RunRequest struct {
	DocumentID string   `json:"document_id"`
	Mode       string   `json:"mode"`
	// Stages names the target set: exactly one stage for single mode, one or
	// more for multiple. Full and smart modes reject an explicit list.
	Stages []string `json:"stages,omitempty"`
	// StopOnError halts further dispatch after a failed stage in multiple
	// mode. Unset means true.
	StopOnError *bool `json:"stop_on_error,omitempty"`
}

// StageResult is one stage's outcome within a request.
type StageResult struct {
	Status        string     `json:"status"`
	Class         string     `json:"class,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorID       string     `json:"error_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	DurationMS    float64    `json:"duration_ms,omitempty"`
}

// RunResult is the aggregated outcome of one request.
type RunResult struct {
	RequestID   string                 `json:"request_id"`
	DocumentID  string                 `json:"document_id"`
	Mode        string                 `json:"mode"`
	Stages      map[string]StageResult `json:"stages"`
	SuccessRate float64                `json:"success_rate"`
	Outcome     string                 `json:"outcome"`
	DurationMS  float64                `json:"duration_ms"`
	Metrics     perf.RequestMetrics    `json:"metrics"`
}

// BatchResult aggregates per-document results of a batch execution.
type BatchResult struct {
	Results map[string]*RunResult `json:"results"`
	Errors  map[string]string     `json:"errors,omitempty"`
}

// StageRunner executes one stage end to end. *runner.Runner satisfies it.
type StageRunner interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

// Store is the slice of the relational store the orchestrator needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	SetStageStatus(ctx context.Context, docID, stageName, status string) error
	GetMarker(ctx context.Context, documentID, stageName string) (*store.CompletionMarker, error)
	ListArtifacts(ctx context.Context, documentID, stageName string) ([]stage.Artifact, error)
}

// RetryCanceller cancels scheduled async retries. *retry.Scheduler
// satisfies it.
type RetryCanceller interface {
	CancelRetry(ctx context.Context, errorID string) error
}

// Deps wires an Orchestrator. Perf, Retries, and WorkDirs are optional.
type Deps struct {
	Graph    *stage.Graph
	Registry *stage.Registry
	Runner   StageRunner
	Store    Store
	Perf     *perf.Collector
	Retries  RetryCanceller
	WorkDirs *workdir.Manager
	Logger   *zap.Logger

	MaxStagesParallel    int
	MaxDocumentsParallel int
}

// Orchestrator resolves modes, schedules waves, and aggregates results.
type Orchestrator struct {
	graph    *stage.Graph
	registry *stage.Registry
	runner   StageRunner
	store    Store
	perf     *perf.Collector
	retries  RetryCanceller
	workdirs *workdir.Manager
	logger   *zap.Logger

	maxStages int
	maxDocs   int
}

// New builds an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxStages := deps.MaxStagesParallel
	if maxStages < 1 {
		maxStages = 4
	}
	maxDocs := deps.MaxDocumentsParallel
	if maxDocs < 1 {
		maxDocs = 2
	}
	return &Orchestrator{
		graph:     deps.Graph,
		registry:  deps.Registry,
		runner:    deps.Runner,
		store:     deps.Store,
		perf:      deps.Perf,
		retries:   deps.Retries,
		workdirs:  deps.WorkDirs,
		logger:    logger.Named("pipeline"),
		maxStages: maxStages,
		maxDocs:   maxDocs,
	}
}

// Run executes one request and returns the per-stage result map.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := time.Now()

	mode := req.Mode
	if mode == "" {
		mode = ModeFull
	}

	doc, err := o.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("document %s not found", req.DocumentID)
		}
		return nil, fmt.Errorf("load document %s: %w", req.DocumentID, err)
	}

	target, err := o.resolveTarget(mode, req, doc)
	if err != nil {
		return nil, err
	}
	order, err := o.graph.TopologicalOrder(target)
	if err != nil {
		return nil, err
	}

	stopOnError := mode == ModeMultiple
	if req.StopOnError != nil {
		stopOnError = *req.StopOnError && mode == ModeMultiple
	}

	requestID := uuid.NewString()
	ctx, span := telemetry.StartRequestSpan(ctx, requestID, doc.ID, mode)

	workDir := ""
	if o.workdirs != nil {
		dir, derr := o.workdirs.Ensure(requestID)
		if derr != nil {
			o.logger.Warn("staging directory unavailable", zap.String("request_id", requestID), zap.Error(derr))
		} else {
			workDir = dir
			defer func() {
				if cerr := o.workdirs.Cleanup(requestID); cerr != nil {
					o.logger.Warn("staging cleanup failed", zap.String("request_id", requestID), zap.Error(cerr))
				}
			}()
		}
	}

	e := &execution{
		o:           o,
		doc:         doc,
		docView:     documentView(doc),
		requestID:   requestID,
		mode:        mode,
		order:       order,
		target:      make(map[string]bool, len(order)),
		stopOnError: stopOnError,
		workDir:     workDir,
		results:     make(map[string]StageResult, len(order)),
		outputs:     make(map[string]stage.Output, len(order)),
	}
	for _, name := range order {
		e.target[name] = true
	}

	o.logger.Info("request started",
		zap.String("request_id", requestID),
		zap.String("document_id", doc.ID),
		zap.String("mode", mode),
		zap.Int("stages", len(order)))

	if mode == ModeSmart {
		if perr := o.smartPrePass(ctx, e); perr != nil {
			telemetry.EndRequestSpan(span, OutcomeFailed, 0)
			return nil, perr
		}
	}

	e.runWaves(ctx)

	res := &RunResult{
		RequestID:   requestID,
		DocumentID:  doc.ID,
		Mode:        mode,
		Stages:      e.results,
		SuccessRate: successRate(e.results),
		Outcome:     overallOutcome(e.results),
		DurationMS:  float64(time.Since(start)) / float64(time.Millisecond),
	}
	if o.perf != nil {
		res.Metrics = o.perf.FinalizeRequest(requestID)
	}

	telemetry.EndRequestSpan(span, res.Outcome, res.SuccessRate)
	metrics.RecordRequest(mode, res.Outcome, time.Since(start))

	o.logger.Info("request finished",
		zap.String("request_id", requestID),
		zap.String("document_id", doc.ID),
		zap.String("mode", mode),
		zap.String("outcome", res.Outcome),
		zap.Float64("success_rate", res.SuccessRate),
		zap.Duration("duration", time.Since(start)))

	return res, nil
}

// Status returns the stored per-stage status map for a document.
func (o *Orchestrator) Status(ctx context.Context, documentID string) (map[string]string, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("document %s not found", documentID)
		}
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	return doc.StageStatus, nil
}

// Resume re-runs a document in smart mode, picking up wherever prior runs
// and async retries left off.
func (o *Orchestrator) Resume(ctx context.Context, documentID string) (*RunResult, error) {
	return o.Run(ctx, RunRequest{DocumentID: documentID, Mode: ModeSmart})
}

// CancelRetry administratively cancels a scheduled async retry.
func (o *Orchestrator) CancelRetry(ctx context.Context, errorID string) error {
	if o.retries == nil {
		return fmt.Errorf("retry cancellation is not wired")
	}
	return o.retries.CancelRetry(ctx, errorID)
}

// RunBatch runs the same mode over a document list with bounded document
// parallelism. Per-document failures are isolated into the result.
func (o *Orchestrator) RunBatch(ctx context.Context, documentIDs []string, mode string) (*BatchResult, error) {
	if len(documentIDs) == 0 {
		return nil, fmt.Errorf("batch request names no documents")
	}
	if mode == "" {
		mode = ModeFull
	}
	if mode != ModeFull && mode != ModeSmart {
		return nil, fmt.Errorf("batch mode must be full or smart, got %q", mode)
	}

	batch := &BatchResult{
		Results: make(map[string]*RunResult, len(documentIDs)),
		Errors:  make(map[string]string),
	}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(o.maxDocs)
	for _, docID := range documentIDs {
		g.Go(func() error {
			res, err := o.Run(ctx, RunRequest{DocumentID: docID, Mode: mode})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Errors[docID] = err.Error()
				return nil
			}
			batch.Results[docID] = res
			return nil
		})
	}
	_ = g.Wait()

	if len(batch.Errors) == 0 {
		batch.Errors = nil
	}
	return batch, nil
}

// RetryRunnerFunc returns the callback the retry scheduler dispatches fired
// async retries to.
func (o *Orchestrator) RetryRunnerFunc() retry.RunnerFunc {
	return func(ctx context.Context, task retry.Task) {
		o.runFiredRetry(ctx, task)
	}
}

func (o *Orchestrator) runFiredRetry(ctx context.Context, task retry.Task) {
	doc, err := o.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		o.logger.Error("fired retry lost its document",
			zap.String("error_id", task.ErrorID),
			zap.String("document_id", task.DocumentID),
			zap.Error(err))
		return
	}

	requestID := task.CorrelationID.RequestID()
	if requestID == "" {
		requestID = uuid.NewString()
	}

	outputs := make(map[string]stage.Output)
	for _, pre := range o.graph.Prerequisites(task.StageName) {
		out, lerr := o.loadStoredOutput(ctx, doc.ID, pre)
		if lerr != nil {
			// Leave the gap; the stage's canonical-input validation reports
			// it with full error bookkeeping.
			o.logger.Warn("stored prerequisite output unavailable",
				zap.String("document_id", doc.ID),
				zap.String("stage", pre),
				zap.Error(lerr))
			continue
		}
		outputs[pre] = out
	}

	// Staging is keyed by the error id: tasks from one original request may
	// fire concurrently and must not share a directory lifecycle.
	workDir := ""
	if o.workdirs != nil {
		if dir, derr := o.workdirs.Ensure(task.ErrorID); derr == nil {
			workDir = dir
			defer func() {
				if cerr := o.workdirs.Cleanup(task.ErrorID); cerr != nil {
					o.logger.Warn("staging cleanup failed", zap.String("error_id", task.ErrorID), zap.Error(cerr))
				}
			}()
		}
	}

	res := o.runner.Run(ctx, runner.Request{
		Document:      documentView(doc),
		StageName:     task.StageName,
		RequestID:     requestID,
		CorrelationID: task.CorrelationID,
		Attempt:       task.Attempt,
		ErrorID:       task.ErrorID,
		Outputs:       outputs,
		WorkDir:       workDir,
	})

	o.logger.Info("async retry finished",
		zap.String("error_id", task.ErrorID),
		zap.String("document_id", task.DocumentID),
		zap.String("stage", task.StageName),
		zap.Int("attempt", task.Attempt),
		zap.String("status", res.Status))

	if o.perf != nil {
		// Drain timings recorded under the original request id; no request
		// finalization will come for them otherwise.
		o.perf.FinalizeRequest(requestID)
	}
}

// resolveTarget maps a mode to the stage set the request executes.
func (o *Orchestrator) resolveTarget(mode string, req RunRequest, doc *store.Document) ([]string, error) {
	switch mode {
	case ModeFull, ModeSmart:
		if len(req.Stages) > 0 {
			return nil, fmt.Errorf("mode %s does not take a stage list", mode)
		}
		return stage.Names(), nil

	case ModeSingle:
		if len(req.Stages) != 1 {
			return nil, fmt.Errorf("single mode takes exactly one stage, got %d", len(req.Stages))
		}
		name := req.Stages[0]
		if !o.graph.Contains(name) {
			return nil, stage.Errorf(stage.CodeUnknownStage, "stage %q is not registered", name)
		}
		if !o.graph.Ready(name, doc.StageStatus) {
			return nil, stage.Errorf(stage.CodePrerequisite, "prerequisites of %s are not met", name)
		}
		return []string{name}, nil

	case ModeMultiple:
		if len(req.Stages) == 0 {
			return nil, fmt.Errorf("multiple mode takes at least one stage")
		}
		seen := make(map[string]bool, len(req.Stages))
		var out []string
		for _, name := range req.Stages {
			if !o.graph.Contains(name) {
				return nil, stage.Errorf(stage.CodeUnknownStage, "stage %q is not registered", name)
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// execution is the mutable state of one request run.
type execution struct {
	o           *Orchestrator
	doc         *store.Document
	docView     stage.Document
	requestID   string
	mode        string
	order       []string
	target      map[string]bool
	stopOnError bool
	workDir     string

	results map[string]StageResult
	outputs map[string]stage.Output
}

// Dispositions of an undispatched stage within one scheduling round.
const (
	dispatchNow = iota
	waitForPrereq
	skipPrereqFailed
	deferPrereqRetrying
	skipPrereqUnmet
)

// runWaves schedules the target set: compute the ready front, dispatch it
// bounded, fold results, repeat until every target stage has an outcome.
func (e *execution) runWaves(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			e.markRemaining(ctx, runner.ResultCancelled, "")
			return
		}

		var wave []string
		cascaded := false
		for _, name := range e.order {
			if _, done := e.results[name]; done {
				continue
			}
			action, pre := e.disposition(name)
			switch action {
			case dispatchNow:
				wave = append(wave, name)
			case skipPrereqFailed:
				e.results[name] = StageResult{
					Status: runner.ResultSkippedPrerequisiteFailed,
					Error:  fmt.Sprintf("prerequisite %s failed", pre),
				}
				e.setStatus(ctx, name, stage.StatusSkipped)
				cascaded = true
			case deferPrereqRetrying:
				e.results[name] = StageResult{
					Status:  runner.ResultDeferredPrerequisiteRetrying,
					ErrorID: e.results[pre].ErrorID,
					Error:   fmt.Sprintf("prerequisite %s is retrying", pre),
				}
				e.setStatus(ctx, name, stage.StatusPending)
				cascaded = true
			case skipPrereqUnmet:
				e.results[name] = StageResult{
					Status: runner.ResultSkippedPrerequisiteFailed,
					Error:  fmt.Sprintf("prerequisite %s is %s", pre, e.doc.StageStatus[pre]),
				}
				e.setStatus(ctx, name, stage.StatusSkipped)
				cascaded = true
			}
		}

		if cascaded {
			// Cascades may unblock or block further stages; re-evaluate
			// before dispatching.
			continue
		}
		if len(wave) == 0 {
			return
		}

		halt := e.dispatch(ctx, wave)
		if halt {
			e.markRemaining(ctx, runner.ResultSkippedPrerequisiteFailed, "request halted by earlier stage failure")
			return
		}
	}
}

// disposition decides what to do with an undispatched stage based on its
// prerequisites. The second return names the deciding prerequisite.
func (e *execution) disposition(name string) (int, string) {
	for _, pre := range e.o.graph.Prerequisites(name) {
		if r, ok := e.results[pre]; ok {
			switch r.Status {
			case runner.ResultCompleted, runner.ResultSkippedUnchanged:
				continue
			case runner.ResultDeferredAsyncRetry, runner.ResultDeferredPrerequisiteRetrying,
				runner.ResultSkippedConcurrentFirst, runner.ResultSkippedConcurrentRetry:
				return deferPrereqRetrying, pre
			default:
				// failed, skipped_prerequisite_failed, cancelled
				return skipPrereqFailed, pre
			}
		}
		if e.target[pre] {
			return waitForPrereq, pre
		}
		// Prerequisite outside the target set: its stored status decides.
		switch e.doc.StageStatus[pre] {
		case stage.StatusCompleted:
			continue
		case stage.StatusFailed, stage.StatusSkipped:
			return skipPrereqFailed, pre
		default:
			return skipPrereqUnmet, pre
		}
	}
	return dispatchNow, ""
}

// dispatch runs one wave with bounded parallelism and folds its results.
// It reports whether stop_on_error halts the request.
func (e *execution) dispatch(ctx context.Context, wave []string) bool {
	// Load stored prerequisite outputs before any goroutine starts; the
	// outputs map is shared read-only across the wave.
	for _, name := range wave {
		e.ensureOutputs(ctx, name)
	}

	waveResults := make(map[string]runner.Result, len(wave))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.o.maxStages)
	for _, name := range wave {
		req := runner.Request{
			Document:  e.docView,
			StageName: name,
			RequestID: e.requestID,
			Outputs:   e.outputs,
			WorkDir:   e.workDir,
		}
		g.Go(func() error {
			res := e.o.runner.Run(ctx, req)
			mu.Lock()
			waveResults[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	halt := false
	for _, name := range wave {
		res := waveResults[name]
		sr := StageResult{
			Status:        res.Status,
			Class:         res.Class,
			ErrorID:       res.ErrorID,
			NextRetryAt:   res.NextRetryAt,
			Attempt:       res.Attempt,
			CorrelationID: correlation.FromRequestID(e.requestID).Stage(name).String(),
			DurationMS:    float64(res.Duration) / float64(time.Millisecond),
		}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		e.results[name] = sr

		if res.Status == runner.ResultCompleted {
			e.outputs[name] = res.Output
		}
		if res.Status == runner.ResultFailed && e.stopOnError {
			halt = true
		}
	}
	return halt
}

// ensureOutputs fills gaps in the outputs map for a stage's prerequisites
// by loading the last stored artifact of stages that did not execute in
// this request.
func (e *execution) ensureOutputs(ctx context.Context, name string) {
	for _, pre := range e.o.graph.Prerequisites(name) {
		if _, ok := e.outputs[pre]; ok {
			continue
		}
		out, err := e.o.loadStoredOutput(ctx, e.doc.ID, pre)
		if err != nil {
			// Leave the gap for canonical-input validation to report.
			e.o.logger.Warn("stored prerequisite output unavailable",
				zap.String("document_id", e.doc.ID),
				zap.String("stage", pre),
				zap.Error(err))
			continue
		}
		e.outputs[pre] = out
	}
}

// markRemaining records a terminal result for every target stage that has
// none yet.
func (e *execution) markRemaining(ctx context.Context, status, message string) {
	for _, name := range e.order {
		if _, ok := e.results[name]; ok {
			continue
		}
		e.results[name] = StageResult{Status: status, Error: message}
		if status == runner.ResultSkippedPrerequisiteFailed {
			e.setStatus(context.WithoutCancel(ctx), name, stage.StatusSkipped)
		}
	}
}

func (e *execution) setStatus(ctx context.Context, name, status string) {
	if err := e.o.store.SetStageStatus(ctx, e.doc.ID, name, status); err != nil {
		e.o.logger.Error("stage status update failed",
			zap.String("document_id", e.doc.ID),
			zap.String("stage", name),
			zap.String("status", status),
			zap.Error(err))
	}
}

// documentView projects the stored document onto the read-only view stages
// consume.
func documentView(doc *store.Document) stage.Document {
	return stage.Document{
		ID:             doc.ID,
		Name:           doc.Name,
		SourceKey:      doc.SourceKey,
		ContentType:    doc.ContentType,
		SourceChecksum: doc.SourceChecksum,
	}
}

// successRate is successful over attempted. Stages never attempted because
// a prerequisite failed or is still retrying stay out of the denominator.
func successRate(results map[string]StageResult) float64 {
	successful, attempted := 0, 0
	for _, r := range results {
		switch r.Status {
		case runner.ResultSkippedPrerequisiteFailed, runner.ResultDeferredPrerequisiteRetrying:
			continue
		}
		attempted++
		switch r.Status {
		case runner.ResultCompleted, runner.ResultSkippedUnchanged, runner.ResultSkippedConcurrentRetry:
			successful++
		}
	}
	if attempted == 0 {
		return 0
	}
	return float64(successful) / float64(attempted)
}

func overallOutcome(results map[string]StageResult) string {
	var failed, cancelled, deferred bool
	for _, r := range results {
		switch r.Status {
		case runner.ResultFailed, runner.ResultSkippedPrerequisiteFailed:
			failed = true
		case runner.ResultCancelled:
			cancelled = true
		case runner.ResultDeferredAsyncRetry, runner.ResultDeferredPrerequisiteRetrying:
			deferred = true
		}
	}
	switch {
	case failed:
		return OutcomeFailed
	case cancelled:
		return OutcomeCancelled
	case deferred:
		return OutcomeDeferred
	default:
		return OutcomeCompleted
	}
}
