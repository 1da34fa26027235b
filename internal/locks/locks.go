// Package locks serializes stage execution per (document, stage) with
// Postgres advisory locks. Advisory locks are session-scoped, so every
// held lock pins one pooled connection until release; handing the
// connection back to the pool early would let another caller unlock it.
package locks

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// KeyFor derives the advisory lock key for a document and stage: the
// first four bytes of sha256("<documentID>:<stageName>") read big-endian,
// masked to 31 bits so it fits Postgres' signed integer domain. Every
// process computes the same key for the same pair.
func KeyFor(documentID, stageName string) uint32 {
	sum := sha256.Sum256([]byte(documentID + ":" + stageName))
	return binary.BigEndian.Uint32(sum[:4]) & 0x7FFFFFFF
}

// Manager acquires advisory locks from a shared pool.
type Manager struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewManager wraps a pool for advisory lock acquisition.
func NewManager(pool *pgxpool.Pool, logger *zap.Logger) *Manager {
	return &Manager{pool: pool, logger: logger.Named("locks")}
}

// Lock is one held advisory lock and the connection it is pinned to.
type Lock struct {
	key  uint32
	conn *pgxpool.Conn

	mu       sync.Mutex
	released bool
}

// TryAcquire attempts the advisory lock for a document and stage without
// blocking. The second return is false when another session holds it.
func (m *Manager) TryAcquire(ctx context.Context, documentID, stageName string) (*Lock, bool, error) {
	key := KeyFor(documentID, stageName)
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(key)).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		m.logger.Debug("advisory lock contended",
			zap.String("document_id", documentID),
			zap.String("stage", stageName),
			zap.Uint32("key", key))
		return nil, false, nil
	}
	return &Lock{key: key, conn: conn}, true, nil
}

// Acquire is TryAcquire in the release-func shape the stage runner
// consumes.
func (m *Manager) Acquire(ctx context.Context, documentID, stageName string) (func(context.Context) error, bool, error) {
	lock, acquired, err := m.TryAcquire(ctx, documentID, stageName)
	if err != nil || !acquired {
		return nil, acquired, err
	}
	return lock.Release, true, nil
}

// Key returns the lock's derived key.
func (l *Lock) Key() uint32 {
	return l.key
}

// Release unlocks and returns the pinned connection to the pool. Safe to
// call more than once; the runner releases on every exit path including
// panic recovery. Release must work even when the caller's context is
// already cancelled, so the unlock runs on a detached context; if the
// unlock still fails, the connection is closed outright so the session
// lock dies with the session instead of leaking into the pool.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	defer l.conn.Release()

	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := l.conn.QueryRow(unlockCtx, `SELECT pg_advisory_unlock($1)`, int64(l.key)).Scan(&unlocked); err != nil {
		_ = l.conn.Conn().Close(unlockCtx)
		return fmt.Errorf("advisory unlock: %w", err)
	}
	if !unlocked {
		return fmt.Errorf("advisory lock %d was not held by this session", l.key)
	}
	return nil
}
