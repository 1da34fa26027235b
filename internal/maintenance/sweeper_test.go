package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStore struct {
	mu            sync.Mutex
	reconciled    int
	alertsPruned  int64
	errorsPruned  int64
	staleHorizons []time.Duration
	alertHorizons []time.Duration
	errorHorizons []time.Duration
	reconcileErr  error
	alertErr      error
	errorErr      error
}

func (f *fakeStore) ReconcileStaleInProgress(_ context.Context, horizon time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleHorizons = append(f.staleHorizons, horizon)
	return f.reconciled, f.reconcileErr
}

func (f *fakeStore) PruneAlerts(_ context.Context, horizon time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertHorizons = append(f.alertHorizons, horizon)
	return f.alertsPruned, f.alertErr
}

func (f *fakeStore) PruneErrors(_ context.Context, horizon time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorHorizons = append(f.errorHorizons, horizon)
	return f.errorsPruned, f.errorErr
}

func (f *fakeStore) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.staleHorizons)
}

func TestIsScheduleDueInterval(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 45, 0, 0, time.UTC)
	createdAt := now.Add(-time.Hour)

	due, err := isScheduleDue("10m", nil, createdAt, now)
	if err != nil {
		t.Fatalf("isScheduleDue interval: %v", err)
	}
	if !due {
		t.Fatal("expected sweep due when never run and created > interval ago")
	}

	last := now.Add(-3 * time.Minute)
	due, err = isScheduleDue("10m", &last, createdAt, now)
	if err != nil {
		t.Fatalf("isScheduleDue interval with last run: %v", err)
	}
	if due {
		t.Fatal("expected sweep not due when last run is too recent")
	}

	due, err = isScheduleDue("10m", nil, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("isScheduleDue freshly created: %v", err)
	}
	if due {
		t.Fatal("expected sweep not due right after creation")
	}
}

func TestIsScheduleDueCron(t *testing.T) {
	createdAt := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	last := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

	nowNotDue := time.Date(2026, 3, 14, 3, 59, 59, 0, time.UTC)
	due, err := isScheduleDue("0 * * * *", &last, createdAt, nowNotDue)
	if err != nil {
		t.Fatalf("isScheduleDue cron not due: %v", err)
	}
	if due {
		t.Fatal("expected cron schedule not due before the next hour mark")
	}

	nowDue := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	due, err = isScheduleDue("0 * * * *", &last, createdAt, nowDue)
	if err != nil {
		t.Fatalf("isScheduleDue cron due: %v", err)
	}
	if !due {
		t.Fatal("expected cron schedule due at the next hour mark")
	}
}

func TestIsScheduleDueRejectsBadSchedules(t *testing.T) {
	now := time.Now().UTC()
	for _, schedule := range []string{"", "   ", "-5m", "0s", "every tuesday"} {
		if _, err := isScheduleDue(schedule, nil, now, now); err == nil {
			t.Errorf("schedule %q: expected an error", schedule)
		}
	}
}

func TestNewSweeperValidatesSchedule(t *testing.T) {
	if _, err := NewSweeper(&fakeStore{}, Options{Schedule: "whenever"}, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an unparseable schedule")
	}

	s, err := NewSweeper(&fakeStore{}, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if s.opts.Schedule != "10m" {
		t.Errorf("default schedule = %q, want 10m", s.opts.Schedule)
	}
	if s.opts.StaleHorizon != 30*time.Minute {
		t.Errorf("default stale horizon = %v, want 30m", s.opts.StaleHorizon)
	}
	if s.opts.AlertRetention != 24*time.Hour {
		t.Errorf("default alert retention = %v, want 24h", s.opts.AlertRetention)
	}
	if s.opts.ErrorRetention != 7*24*time.Hour {
		t.Errorf("default error retention = %v, want 168h", s.opts.ErrorRetention)
	}
}

func TestSweepForwardsHorizons(t *testing.T) {
	st := &fakeStore{reconciled: 2, alertsPruned: 40, errorsPruned: 7}
	s, err := NewSweeper(st, Options{
		Schedule:       "5m",
		StaleHorizon:   time.Hour,
		AlertRetention: 48 * time.Hour,
		ErrorRetention: 72 * time.Hour,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(st.staleHorizons) != 1 || st.staleHorizons[0] != time.Hour {
		t.Errorf("stale horizons = %v, want [1h]", st.staleHorizons)
	}
	if len(st.alertHorizons) != 1 || st.alertHorizons[0] != 48*time.Hour {
		t.Errorf("alert horizons = %v, want [48h]", st.alertHorizons)
	}
	if len(st.errorHorizons) != 1 || st.errorHorizons[0] != 72*time.Hour {
		t.Errorf("error horizons = %v, want [72h]", st.errorHorizons)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	st := &fakeStore{reconcileErr: errors.New("connection refused")}
	s, err := NewSweeper(st, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	err = s.Sweep(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("err = %v, want one failed sweep reported", err)
	}
	if len(st.alertHorizons) != 1 || len(st.errorHorizons) != 1 {
		t.Errorf("alert calls = %d error calls = %d, want both sweeps to still run",
			len(st.alertHorizons), len(st.errorHorizons))
	}
}

func TestRunDueHonorsSchedule(t *testing.T) {
	st := &fakeStore{}
	s, err := NewSweeper(st, Options{Schedule: "10m"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }
	s.createdAt = base

	s.runDue(false)
	if got := st.sweeps(); got != 0 {
		t.Fatalf("sweeps after immediate tick = %d, want 0", got)
	}

	current = base.Add(11 * time.Minute)
	s.runDue(false)
	if got := st.sweeps(); got != 1 {
		t.Fatalf("sweeps past the interval = %d, want 1", got)
	}

	// The last run is now the anchor; the very next tick is not due.
	current = base.Add(12 * time.Minute)
	s.runDue(false)
	if got := st.sweeps(); got != 1 {
		t.Fatalf("sweeps right after a run = %d, want still 1", got)
	}

	current = base.Add(22 * time.Minute)
	s.runDue(false)
	if got := st.sweeps(); got != 2 {
		t.Fatalf("sweeps one interval later = %d, want 2", got)
	}
}

func TestStartRunsImmediateSweepAndStops(t *testing.T) {
	st := &fakeStore{}
	s, err := NewSweeper(st, Options{Schedule: "1h"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	s.Start()
	s.Start() // second call is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.sweeps() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := st.sweeps(); got != 1 {
		t.Fatalf("startup sweeps = %d, want 1", got)
	}

	s.Stop()
	s.Stop()
}
