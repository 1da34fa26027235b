package retry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/store"
)

type fakeSchedulerStore struct {
	mu     sync.Mutex
	due    []*store.PipelineError
	dueErr error
	failed map[string]string
}

func newFakeSchedulerStore(due ...*store.PipelineError) *fakeSchedulerStore {
	return &fakeSchedulerStore{due: due, failed: make(map[string]string)}
}

func (f *fakeSchedulerStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*store.PipelineError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	out := make([]*store.PipelineError, 0, len(f.due))
	for _, e := range f.due {
		if e.Status == store.ErrorStatusRetrying {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) GetError(ctx context.Context, errorID string) (*store.PipelineError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.due {
		if e.ErrorID == errorID {
			return e, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSchedulerStore) FailError(ctx context.Context, errorID, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[errorID] = notes
	for _, e := range f.due {
		if e.ErrorID == errorID {
			e.Status = store.ErrorStatusFailed
		}
	}
	return nil
}

func dueRow(errorID, docID, stageName string, retryCount int) *store.PipelineError {
	return &store.PipelineError{
		ErrorID:       errorID,
		DocumentID:    docID,
		StageName:     stageName,
		RetryCount:    retryCount,
		Status:        store.ErrorStatusRetrying,
		CorrelationID: "req_00000000-0000-0000-0000-000000000000.stage_" + stageName + ".retry_1",
	}
}

func TestSchedulerDispatchesDueRetries(t *testing.T) {
	st := newFakeSchedulerStore(
		dueRow("err-1", "doc-1", "embedding", 1),
		dueRow("err-2", "doc-2", "upload", 2),
	)

	var mu sync.Mutex
	var tasks []Task
	s := NewScheduler(st, func(ctx context.Context, task Task) {
		mu.Lock()
		tasks = append(tasks, task)
		mu.Unlock()
	}, time.Minute, zap.NewNop())

	s.runOnce(context.Background(), time.Now().UTC())
	s.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(tasks) != 2 {
		t.Fatalf("dispatched %d tasks, want 2", len(tasks))
	}
	byID := map[string]Task{}
	for _, task := range tasks {
		byID[task.ErrorID] = task
	}
	if got := byID["err-1"].Attempt; got != 2 {
		t.Errorf("err-1 attempt = %d, want retry_count+1 = 2", got)
	}
	if got := byID["err-2"].Attempt; got != 3 {
		t.Errorf("err-2 attempt = %d, want retry_count+1 = 3", got)
	}
	if got := byID["err-1"].CorrelationID.String(); !strings.Contains(got, "stage_embedding") {
		t.Errorf("err-1 correlation = %q, want stage carried over", got)
	}
}

func TestSchedulerClaimPreventsDoubleDispatch(t *testing.T) {
	st := newFakeSchedulerStore(dueRow("err-1", "doc-1", "embedding", 1))

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	s := NewScheduler(st, func(ctx context.Context, task Task) {
		mu.Lock()
		calls++
		mu.Unlock()
		started <- struct{}{}
		<-release
	}, time.Minute, zap.NewNop())

	ctx := context.Background()
	s.runOnce(ctx, time.Now().UTC())
	<-started

	// The task is still in flight, so the same target must not fire again.
	s.runOnce(ctx, time.Now().UTC())
	mu.Lock()
	if calls != 1 {
		mu.Unlock()
		t.Fatalf("calls while in flight = %d, want 1", calls)
	}
	mu.Unlock()

	close(release)
	s.wg.Wait()

	s.runOnce(ctx, time.Now().UTC())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("target not redispatched after release")
	}
	close(started)
	s.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls after release = %d, want 2", calls)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	st := newFakeSchedulerStore(dueRow("err-1", "doc-1", "embedding", 1))

	dispatched := make(chan Task, 1)
	s := NewScheduler(st, func(ctx context.Context, task Task) {
		select {
		case dispatched <- task:
		default:
		}
	}, 10*time.Millisecond, zap.NewNop())

	s.Start(context.Background())
	s.Start(context.Background()) // second Start is a no-op

	select {
	case task := <-dispatched:
		if task.ErrorID != "err-1" {
			t.Errorf("dispatched %q, want err-1", task.ErrorID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never dispatched the due retry")
	}

	s.Stop()
	s.Stop() // second Stop is a no-op
}

func TestCancelRetry(t *testing.T) {
	st := newFakeSchedulerStore(
		dueRow("err-1", "doc-1", "embedding", 1),
		func() *store.PipelineError {
			e := dueRow("err-2", "doc-2", "upload", 0)
			e.Status = store.ErrorStatusPending
			return e
		}(),
	)
	s := NewScheduler(st, func(ctx context.Context, task Task) {}, time.Minute, zap.NewNop())
	ctx := context.Background()

	if err := s.CancelRetry(ctx, "err-1"); err != nil {
		t.Fatalf("CancelRetry(err-1) = %v, want nil", err)
	}
	if notes := st.failed["err-1"]; notes != "cancelled" {
		t.Errorf("resolution notes = %q, want cancelled", notes)
	}

	if err := s.CancelRetry(ctx, "err-2"); err == nil {
		t.Error("CancelRetry(err-2) = nil, want error for non-retrying status")
	}
	if err := s.CancelRetry(ctx, "err-missing"); err == nil {
		t.Error("CancelRetry(err-missing) = nil, want error")
	}
}
