package locks

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func TestKeyForVectors(t *testing.T) {
	tests := []struct {
		documentID string
		stageName  string
		want       uint32
	}{
		{"550e8400-e29b-41d4-a716-446655440000", "embedding", 1124095977},
		{"550e8400-e29b-41d4-a716-446655440000", "upload", 566974169},
		{"doc-1", "text_extraction", 1598182452},
	}
	for _, tt := range tests {
		got := KeyFor(tt.documentID, tt.stageName)
		if got != tt.want {
			t.Errorf("KeyFor(%q, %q) = %d, want %d", tt.documentID, tt.stageName, got, tt.want)
		}
	}
}

func TestKeyForMasksSignBit(t *testing.T) {
	// Keys must land in Postgres' positive int domain regardless of input.
	inputs := [][2]string{
		{"550e8400-e29b-41d4-a716-446655440000", "embedding"},
		{"a", "b"},
		{"", ""},
		{"doc-1", "storage"},
	}
	for _, in := range inputs {
		if key := KeyFor(in[0], in[1]); key > 0x7FFFFFFF {
			t.Errorf("KeyFor(%q, %q) = %d exceeds 31 bits", in[0], in[1], key)
		}
	}
}

func TestKeyForDistinguishesPairs(t *testing.T) {
	a := KeyFor("doc-1", "upload")
	b := KeyFor("doc-1", "embedding")
	c := KeyFor("doc-2", "upload")
	if a == b || a == c {
		t.Errorf("expected distinct keys, got %d %d %d", a, b, c)
	}
	if a != KeyFor("doc-1", "upload") {
		t.Error("KeyFor is not deterministic")
	}
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PIPELINE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PIPELINE_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestTryAcquireContention(t *testing.T) {
	pool := newTestPool(t)
	m := NewManager(pool, zap.NewNop())
	ctx := context.Background()

	lock, ok, err := m.TryAcquire(ctx, "lock-test-doc", "embedding")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	// Same pair from another session is refused while held.
	_, ok, err = m.TryAcquire(ctx, "lock-test-doc", "embedding")
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if ok {
		t.Fatal("contended acquire should fail while lock is held")
	}

	// A different stage on the same document is independent.
	other, ok, err := m.TryAcquire(ctx, "lock-test-doc", "upload")
	if err != nil {
		t.Fatalf("independent acquire: %v", err)
	}
	if !ok {
		t.Fatal("different stage should not contend")
	}
	if err := other.Release(ctx); err != nil {
		t.Fatalf("release independent lock: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Released locks can be re-acquired.
	again, ok, err := m.TryAcquire(ctx, "lock-test-doc", "embedding")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !ok {
		t.Fatal("re-acquire after release should succeed")
	}
	if err := again.Release(ctx); err != nil {
		t.Fatalf("release re-acquired: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	pool := newTestPool(t)
	m := NewManager(pool, zap.NewNop())
	ctx := context.Background()

	lock, ok, err := m.TryAcquire(ctx, "release-test-doc", "storage")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
}
