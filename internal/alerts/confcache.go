package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-qen/librarius/internal/store"
)

// ConfigCache serves alert configurations with lock-free reads. A snapshot
// older than the TTL is reloaded from the store; concurrent readers keep
// seeing the previous snapshot until the swap.
type ConfigCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	snapshot atomic.Pointer[configSnapshot]
	reload   sync.Mutex
}

type configSnapshot struct {
	configs  []*store.AlertConfiguration
	loadedAt time.Time
}

// NewConfigCache builds a cache with the given TTL.
func NewConfigCache(st Store, ttl time.Duration) *ConfigCache {
	return &ConfigCache{
		store: st,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the cached configurations, reloading when the snapshot has
// expired.
func (c *ConfigCache) Get(ctx context.Context) ([]*store.AlertConfiguration, error) {
	if snap := c.snapshot.Load(); snap != nil && c.now().Sub(snap.loadedAt) < c.ttl {
		return snap.configs, nil
	}

	c.reload.Lock()
	defer c.reload.Unlock()
	// Another goroutine may have reloaded while we waited.
	if snap := c.snapshot.Load(); snap != nil && c.now().Sub(snap.loadedAt) < c.ttl {
		return snap.configs, nil
	}

	configs, err := c.store.ListAlertConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	c.snapshot.Store(&configSnapshot{configs: configs, loadedAt: c.now()})
	return configs, nil
}

// Invalidate drops the snapshot so the next Get reloads.
func (c *ConfigCache) Invalidate() {
	c.snapshot.Store(nil)
}
