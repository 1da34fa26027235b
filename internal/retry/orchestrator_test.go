package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/correlation"
	"github.com/marcus-qen/librarius/internal/stage"
	"github.com/marcus-qen/librarius/internal/store"
)

type scheduledCall struct {
	errorID    string
	retryCount int
	nextAt     time.Time
}

type resolvedCall struct {
	retryCount int
	notes      string
}

type fakeErrorStore struct {
	mu          sync.Mutex
	created     []*store.PipelineError
	scheduled   []scheduledCall
	resolved    map[string]resolvedCall
	failed      map[string]string
	createErr   error
	scheduleErr error
	nextID      int
}

func newFakeErrorStore() *fakeErrorStore {
	return &fakeErrorStore{
		resolved: make(map[string]resolvedCall),
		failed:   make(map[string]string),
	}
}

func (f *fakeErrorStore) CreateError(ctx context.Context, e *store.PipelineError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	if e.ErrorID == "" {
		e.ErrorID = fmt.Sprintf("err-%d", f.nextID)
	}
	if e.Status == "" {
		e.Status = store.ErrorStatusPending
	}
	f.created = append(f.created, e)
	return nil
}

func (f *fakeErrorStore) ScheduleRetry(ctx context.Context, errorID string, retryCount int, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, scheduledCall{errorID, retryCount, nextRetryAt})
	for _, e := range f.created {
		if e.ErrorID == errorID {
			e.Status = store.ErrorStatusRetrying
			e.RetryCount = retryCount
			at := nextRetryAt
			e.NextRetryAt = &at
		}
	}
	return nil
}

func (f *fakeErrorStore) ResolveError(ctx context.Context, errorID string, retryCount int, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[errorID] = resolvedCall{retryCount, notes}
	for _, e := range f.created {
		if e.ErrorID == errorID {
			e.Status = store.ErrorStatusResolved
			e.RetryCount = retryCount
			e.NextRetryAt = nil
			e.ResolutionNotes = notes
		}
	}
	return nil
}

func (f *fakeErrorStore) FailError(ctx context.Context, errorID, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[errorID] = notes
	for _, e := range f.created {
		if e.ErrorID == errorID {
			e.Status = store.ErrorStatusFailed
			e.NextRetryAt = nil
			e.ResolutionNotes = notes
		}
	}
	return nil
}

type queuedAlert struct {
	alertType string
	severity  string
	title     string
	message   string
	metadata  map[string]any
}

type fakeAlerter struct {
	mu     sync.Mutex
	queued []queuedAlert
}

func (f *fakeAlerter) Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, queuedAlert{alertType, severity, title, message, metadata})
}

type orchestratorHarness struct {
	orch    *Orchestrator
	errs    *fakeErrorStore
	alerter *fakeAlerter
	slept   []time.Duration
	now     time.Time
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	t.Helper()
	h := &orchestratorHarness{
		errs:    newFakeErrorStore(),
		alerter: &fakeAlerter{},
		now:     time.Unix(1700000000, 0).UTC(),
	}
	h.orch = NewOrchestrator(h.errs, h.alerter, zap.NewNop())
	h.orch.now = func() time.Time { return h.now }
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func testParams() Params {
	return Params{
		DocumentID:    "doc-1",
		StageName:     "embedding",
		CorrelationID: correlation.ID("req_00000000-0000-0000-0000-000000000000.stage_embedding"),
	}
}

func testPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		Timeout:           time.Minute,
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	h := newOrchestratorHarness(t)
	calls := 0
	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			return nil
		})

	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %q, want %q", out.Status, OutcomeCompleted)
	}
	if calls != 1 || out.Attempt != 0 {
		t.Errorf("calls = %d attempt = %d, want 1 and 0", calls, out.Attempt)
	}
	if len(h.errs.created) != 0 || len(h.alerter.queued) != 0 {
		t.Errorf("created %d errors, queued %d alerts, want none", len(h.errs.created), len(h.alerter.queued))
	}
}

func TestRunPermanentFailureNoRetry(t *testing.T) {
	h := newOrchestratorHarness(t)
	calls := 0
	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			return stage.NewError(stage.CodeValidation, "document has no pages")
		})

	if out.Status != OutcomeFailed || out.Class != ClassPermanent {
		t.Fatalf("status = %q class = %q, want failed/permanent", out.Status, out.Class)
	}
	if calls != 1 {
		t.Errorf("invoke calls = %d, want 1 (no retry for permanent)", calls)
	}
	if len(h.slept) != 0 {
		t.Errorf("slept %v, want no sleeps", h.slept)
	}
	if len(h.errs.created) != 1 {
		t.Fatalf("created %d error rows, want 1", len(h.errs.created))
	}
	row := h.errs.created[0]
	if row.Status != store.ErrorStatusFailed || row.ErrorType != ClassPermanent || row.RetryCount != 0 {
		t.Errorf("row = status %q type %q retries %d, want failed/permanent/0", row.Status, row.ErrorType, row.RetryCount)
	}
	if len(h.alerter.queued) != 1 {
		t.Fatalf("queued %d alerts, want 1", len(h.alerter.queued))
	}
	if got := h.alerter.queued[0].alertType; got != "stage_failure" {
		t.Errorf("alert type = %q, want stage_failure", got)
	}
}

func TestRunSyncRetrySucceeds(t *testing.T) {
	h := newOrchestratorHarness(t)
	var corrs []string
	calls := 0
	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			corrs = append(corrs, corr.String())
			if calls == 1 {
				return stage.NewError(stage.CodeTransientExternal, "connection reset")
			}
			return nil
		})

	if out.Status != OutcomeCompleted || out.Attempt != 1 {
		t.Fatalf("status = %q attempt = %d, want completed/1", out.Status, out.Attempt)
	}
	if len(h.slept) != 1 || h.slept[0] != time.Second {
		t.Errorf("slept %v, want one sleep of initial_delay 1s", h.slept)
	}
	if len(corrs) != 2 || !strings.HasSuffix(corrs[1], ".retry_1") {
		t.Errorf("correlations = %v, want second ending in .retry_1", corrs)
	}
	if len(h.errs.created) != 1 {
		t.Fatalf("created %d error rows, want 1 even for an in-worker recovery", len(h.errs.created))
	}
	row := h.errs.created[0]
	if row.Status != store.ErrorStatusResolved || row.RetryCount != 1 {
		t.Errorf("row = status %q retries %d, want resolved/1", row.Status, row.RetryCount)
	}
	if row.CorrelationID != testParams().CorrelationID.String() {
		t.Errorf("row correlation = %q, want the base stage correlation", row.CorrelationID)
	}
	if out.ErrorID != row.ErrorID {
		t.Errorf("outcome errorID = %q, want %q", out.ErrorID, row.ErrorID)
	}
	if len(h.alerter.queued) != 0 {
		t.Errorf("queued %d alerts, want none for a recovered stage", len(h.alerter.queued))
	}
}

func TestRunSyncRetryFailsDefersAsync(t *testing.T) {
	h := newOrchestratorHarness(t)
	calls := 0
	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			return stage.NewError(stage.CodeTransientExternal, "still flaky")
		})

	if out.Status != OutcomeDeferred {
		t.Fatalf("status = %q, want %q", out.Status, OutcomeDeferred)
	}
	if calls != 2 {
		t.Errorf("invoke calls = %d, want 2 (first attempt + sync retry)", calls)
	}
	if len(h.errs.created) != 1 || len(h.errs.scheduled) != 1 {
		t.Fatalf("created %d scheduled %d, want 1 and 1", len(h.errs.created), len(h.errs.scheduled))
	}
	sched := h.errs.scheduled[0]
	if sched.retryCount != 1 {
		t.Errorf("scheduled retryCount = %d, want 1", sched.retryCount)
	}
	wantAt := h.now.Add(2 * time.Second) // initial_delay * multiplier^1
	if !sched.nextAt.Equal(wantAt) {
		t.Errorf("nextRetryAt = %v, want %v", sched.nextAt, wantAt)
	}
	if out.ErrorID == "" || out.NextRetryAt == nil || !out.NextRetryAt.Equal(wantAt) {
		t.Errorf("outcome errorID %q nextRetryAt %v, want id and %v", out.ErrorID, out.NextRetryAt, wantAt)
	}
	row := h.errs.created[0]
	if row.CorrelationID != testParams().CorrelationID.String() {
		t.Errorf("row correlation = %q, want the correlation of the first failing attempt", row.CorrelationID)
	}
	if row.Status != store.ErrorStatusRetrying || row.RetryCount != 1 {
		t.Errorf("row = status %q retries %d, want retrying/1", row.Status, row.RetryCount)
	}
	if len(h.alerter.queued) != 0 {
		t.Errorf("queued %d alerts, want none while retries remain", len(h.alerter.queued))
	}
}

func TestRunResumedRetrySucceeds(t *testing.T) {
	h := newOrchestratorHarness(t)
	p := testParams()
	p.Attempt = 2
	p.ErrorID = "err-existing"

	var corrs []string
	out := h.orch.RunWithRetry(context.Background(), p, testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			corrs = append(corrs, corr.String())
			if attempt != 2 {
				t.Errorf("invoke attempt = %d, want 2", attempt)
			}
			return nil
		})

	if out.Status != OutcomeCompleted || out.Attempt != 2 {
		t.Fatalf("status = %q attempt = %d, want completed/2", out.Status, out.Attempt)
	}
	if len(h.slept) != 0 {
		t.Errorf("slept %v, want none (async delay already elapsed)", h.slept)
	}
	if len(corrs) != 1 || !strings.HasSuffix(corrs[0], ".retry_2") {
		t.Errorf("correlations = %v, want one ending in .retry_2", corrs)
	}
	res, ok := h.errs.resolved["err-existing"]
	if !ok || res.retryCount != 2 || !strings.Contains(res.notes, "retry 2") {
		t.Errorf("resolved = %v, want err-existing with retry count 2", h.errs.resolved)
	}
}

func TestRunResumedRetryFailsSchedulesNext(t *testing.T) {
	h := newOrchestratorHarness(t)
	p := testParams()
	p.Attempt = 2
	p.ErrorID = "err-existing"

	calls := 0
	out := h.orch.RunWithRetry(context.Background(), p, testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			return stage.NewError(stage.CodeTransientExternal, "flaky again")
		})

	if out.Status != OutcomeDeferred {
		t.Fatalf("status = %q, want %q", out.Status, OutcomeDeferred)
	}
	if calls != 1 {
		t.Errorf("invoke calls = %d, want 1 (sync retry only follows a first attempt)", calls)
	}
	if len(h.errs.created) != 0 {
		t.Errorf("created %d rows, want reuse of the existing pipeline error", len(h.errs.created))
	}
	if len(h.errs.scheduled) != 1 {
		t.Fatalf("scheduled %d, want 1", len(h.errs.scheduled))
	}
	sched := h.errs.scheduled[0]
	wantAt := h.now.Add(4 * time.Second) // initial_delay * multiplier^2
	if sched.errorID != "err-existing" || sched.retryCount != 2 || !sched.nextAt.Equal(wantAt) {
		t.Errorf("scheduled = %+v, want err-existing/2/%v", sched, wantAt)
	}
}

func TestRunExhaustionFailsWithAlert(t *testing.T) {
	h := newOrchestratorHarness(t)
	p := testParams()
	p.Attempt = 3
	p.ErrorID = "err-existing"

	out := h.orch.RunWithRetry(context.Background(), p, testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			return stage.NewError(stage.CodeTransientExternal, "never recovers")
		})

	if out.Status != OutcomeFailed || out.Class != ClassTransient {
		t.Fatalf("status = %q class = %q, want failed/transient", out.Status, out.Class)
	}
	if len(h.errs.scheduled) != 0 {
		t.Errorf("scheduled %d, want none at exhaustion", len(h.errs.scheduled))
	}
	if _, ok := h.errs.failed["err-existing"]; !ok {
		t.Errorf("failed = %v, want err-existing closed", h.errs.failed)
	}
	if len(h.alerter.queued) != 1 {
		t.Fatalf("queued %d alerts, want 1", len(h.alerter.queued))
	}
	if title := h.alerter.queued[0].title; !strings.Contains(title, "exhausted") {
		t.Errorf("alert title = %q, want exhaustion wording", title)
	}
}

func TestRunZeroRetriesFailsImmediately(t *testing.T) {
	h := newOrchestratorHarness(t)
	policy := testPolicy()
	policy.MaxRetries = 0

	calls := 0
	out := h.orch.RunWithRetry(context.Background(), testParams(), policy,
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			return stage.NewError(stage.CodeTransientExternal, "flaky")
		})

	if out.Status != OutcomeFailed {
		t.Fatalf("status = %q, want %q", out.Status, OutcomeFailed)
	}
	if calls != 1 || len(h.slept) != 0 {
		t.Errorf("calls = %d slept = %v, want single attempt and no sleep", calls, h.slept)
	}
	if len(h.errs.created) != 1 || h.errs.created[0].Status != store.ErrorStatusFailed {
		t.Errorf("created = %+v, want one row closed as failed", h.errs.created)
	}
}

func TestRunCancelledInvokePropagates(t *testing.T) {
	h := newOrchestratorHarness(t)
	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			return fmt.Errorf("copying source: %w", context.Canceled)
		})

	if out.Status != OutcomeCancelled {
		t.Fatalf("status = %q, want %q", out.Status, OutcomeCancelled)
	}
	if len(h.errs.created) != 0 || len(h.alerter.queued) != 0 {
		t.Errorf("created %d errors, queued %d alerts, want none on cancellation", len(h.errs.created), len(h.alerter.queued))
	}
}

func TestRunCancelledDuringBackoffSleep(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	calls := 0
	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			calls++
			return stage.NewError(stage.CodeTransientExternal, "flaky")
		})

	if out.Status != OutcomeCancelled {
		t.Fatalf("status = %q, want %q", out.Status, OutcomeCancelled)
	}
	if calls != 1 {
		t.Errorf("invoke calls = %d, want 1 (sync retry abandoned)", calls)
	}
	if len(h.errs.created) != 1 {
		t.Fatalf("created %d error rows, want 1", len(h.errs.created))
	}
	notes, ok := h.errs.failed[h.errs.created[0].ErrorID]
	if !ok || !strings.Contains(notes, "cancelled") {
		t.Errorf("failed = %v, want the orphaned row closed as cancelled", h.errs.failed)
	}
}

func TestRunBookkeepingFailureDegradesToFailed(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.errs.createErr = errors.New("database down")

	out := h.orch.RunWithRetry(context.Background(), testParams(), testPolicy(),
		func(ctx context.Context, corr correlation.ID, attempt int) error {
			return stage.NewError(stage.CodeTransientExternal, "flaky")
		})

	if out.Status != OutcomeFailed {
		t.Fatalf("status = %q, want failed when the retry cannot be persisted", out.Status)
	}
	if len(h.alerter.queued) != 1 {
		t.Errorf("queued %d alerts, want 1", len(h.alerter.queued))
	}
}

func TestSleepContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext err = %v, want context.Canceled", err)
	}

	start := time.Now()
	if err := sleepContext(context.Background(), 5*time.Millisecond); err != nil {
		t.Errorf("sleepContext err = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("sleepContext returned after %v, want at least 5ms", elapsed)
	}
}
