package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/store"
)

func TestNextDelay(t *testing.T) {
	p := Policy{
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		failedAttempt int
		want          time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},  // 64s clamps to max_delay
		{20, time.Minute}, // deep exhaustion still clamps
		{-1, time.Second}, // negative treated as zero
	}

	for _, tt := range tests {
		if got := p.NextDelay(tt.failedAttempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.failedAttempt, got, tt.want)
		}
	}
}

func TestNextDelayUnitMultiplier(t *testing.T) {
	p := Policy{InitialDelay: 500 * time.Millisecond, MaxDelay: time.Minute, BackoffMultiplier: 1.0}
	for attempt := 0; attempt < 4; attempt++ {
		if got := p.NextDelay(attempt); got != 500*time.Millisecond {
			t.Errorf("NextDelay(%d) = %v, want constant 500ms", attempt, got)
		}
	}
}

type fakePolicyStore struct {
	rows  []*store.RetryPolicy
	err   error
	calls int
}

func (f *fakePolicyStore) ListRetryPolicies(ctx context.Context) ([]*store.RetryPolicy, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func TestResolveFallbackChain(t *testing.T) {
	st := &fakePolicyStore{rows: []*store.RetryPolicy{
		{ServiceName: DefaultService, StageName: "", MaxRetries: 5},
		{ServiceName: DefaultService, StageName: "embedding", MaxRetries: 7, InitialDelayMS: 2000},
	}}
	cache := NewPolicyCache(st, DefaultPolicy(), time.Minute, zap.NewNop())
	ctx := context.Background()

	got := cache.Resolve(ctx, DefaultService, "embedding")
	if got.MaxRetries != 7 {
		t.Errorf("stage-specific MaxRetries = %d, want 7", got.MaxRetries)
	}
	if got.InitialDelay != 2*time.Second {
		t.Errorf("stage-specific InitialDelay = %v, want 2s", got.InitialDelay)
	}
	// Fields the row leaves at zero keep the defaults.
	if got.BackoffMultiplier != DefaultPolicy().BackoffMultiplier {
		t.Errorf("BackoffMultiplier = %v, want default %v", got.BackoffMultiplier, DefaultPolicy().BackoffMultiplier)
	}

	got = cache.Resolve(ctx, DefaultService, "upload")
	if got.MaxRetries != 5 {
		t.Errorf("service-wide MaxRetries = %d, want 5", got.MaxRetries)
	}

	got = cache.Resolve(ctx, "unknown_service", "upload")
	if got.MaxRetries != DefaultPolicy().MaxRetries {
		t.Errorf("unknown service MaxRetries = %d, want default %d", got.MaxRetries, DefaultPolicy().MaxRetries)
	}

	if st.calls != 1 {
		t.Errorf("store calls = %d, want 1 (snapshot reused)", st.calls)
	}
}

func TestPolicyCacheTTL(t *testing.T) {
	st := &fakePolicyStore{}
	cache := NewPolicyCache(st, DefaultPolicy(), time.Minute, zap.NewNop())
	current := time.Unix(1700000000, 0).UTC()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	cache.Resolve(ctx, DefaultService, "upload")
	cache.Resolve(ctx, DefaultService, "upload")
	if st.calls != 1 {
		t.Fatalf("store calls before expiry = %d, want 1", st.calls)
	}

	current = current.Add(61 * time.Second)
	cache.Resolve(ctx, DefaultService, "upload")
	if st.calls != 2 {
		t.Fatalf("store calls after expiry = %d, want 2", st.calls)
	}
}

func TestPolicyCacheServesStaleOnReloadError(t *testing.T) {
	st := &fakePolicyStore{rows: []*store.RetryPolicy{
		{ServiceName: DefaultService, StageName: "", MaxRetries: 9},
	}}
	cache := NewPolicyCache(st, DefaultPolicy(), time.Minute, zap.NewNop())
	current := time.Unix(1700000000, 0).UTC()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	if got := cache.Resolve(ctx, DefaultService, "upload"); got.MaxRetries != 9 {
		t.Fatalf("warm resolve MaxRetries = %d, want 9", got.MaxRetries)
	}

	st.err = errors.New("database down")
	current = current.Add(2 * time.Minute)
	if got := cache.Resolve(ctx, DefaultService, "upload"); got.MaxRetries != 9 {
		t.Errorf("stale resolve MaxRetries = %d, want 9 from previous snapshot", got.MaxRetries)
	}
}

func TestPolicyCacheColdStoreFailureUsesDefaults(t *testing.T) {
	st := &fakePolicyStore{err: errors.New("database down")}
	cache := NewPolicyCache(st, DefaultPolicy(), time.Minute, zap.NewNop())

	got := cache.Resolve(context.Background(), DefaultService, "upload")
	if got.MaxRetries != DefaultPolicy().MaxRetries {
		t.Errorf("cold failure MaxRetries = %d, want default %d", got.MaxRetries, DefaultPolicy().MaxRetries)
	}
}

func TestMergeIgnoresSubUnitMultiplier(t *testing.T) {
	st := &fakePolicyStore{rows: []*store.RetryPolicy{
		{ServiceName: DefaultService, StageName: "", BackoffMultiplier: 0.5},
	}}
	cache := NewPolicyCache(st, DefaultPolicy(), time.Minute, zap.NewNop())

	got := cache.Resolve(context.Background(), DefaultService, "upload")
	if got.BackoffMultiplier != DefaultPolicy().BackoffMultiplier {
		t.Errorf("BackoffMultiplier = %v, want default %v", got.BackoffMultiplier, DefaultPolicy().BackoffMultiplier)
	}
}
