package retry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/store"
)

// DefaultService is the service name stage runs resolve policies under.
// Deployments override per stage by inserting retry_policies rows with
// this service name and a stage_name.
const DefaultService = "document_pipeline"

// Policy is a fully resolved set of retry settings for one stage run.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
}

// DefaultPolicy returns the built-in settings used when no row matches.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		Timeout:           2 * time.Minute,
	}
}

// NextDelay returns the wait before the attempt following failedAttempt:
// min(initial_delay * multiplier^failedAttempt, max_delay).
func (p Policy) NextDelay(failedAttempt int) time.Duration {
	if failedAttempt < 0 {
		failedAttempt = 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(failedAttempt)))
	if delay <= 0 {
		delay = p.InitialDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// PolicyStore is the slice of the relational store the cache needs.
type PolicyStore interface {
	ListRetryPolicies(ctx context.Context) ([]*store.RetryPolicy, error)
}

// PolicyCache resolves retry policies with lock-free reads over an
// atomically swapped snapshot of every policy row. Resolve never fails:
// on a cold cache with a broken store it falls back to the defaults.
type PolicyCache struct {
	store    PolicyStore
	defaults Policy
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	snapshot atomic.Pointer[policySnapshot]
	reload   sync.Mutex
}

type policyKey struct {
	service string
	stage   string
}

type policySnapshot struct {
	byKey    map[policyKey]*store.RetryPolicy
	loadedAt time.Time
}

// NewPolicyCache builds a cache over the store with the given defaults.
func NewPolicyCache(st PolicyStore, defaults Policy, ttl time.Duration, logger *zap.Logger) *PolicyCache {
	return &PolicyCache{
		store:    st,
		defaults: defaults,
		ttl:      ttl,
		logger:   logger.Named("retrypolicy"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the policy for a service and stage: the stage-specific
// row, else the service-wide row, else the defaults. Row fields left at
// zero keep the default value.
func (c *PolicyCache) Resolve(ctx context.Context, serviceName, stageName string) Policy {
	snap := c.current(ctx)
	if snap == nil {
		return c.defaults
	}
	if row, ok := snap.byKey[policyKey{serviceName, stageName}]; ok {
		return c.merge(row)
	}
	if row, ok := snap.byKey[policyKey{serviceName, ""}]; ok {
		return c.merge(row)
	}
	return c.defaults
}

func (c *PolicyCache) current(ctx context.Context) *policySnapshot {
	if snap := c.snapshot.Load(); snap != nil && c.now().Sub(snap.loadedAt) < c.ttl {
		return snap
	}

	c.reload.Lock()
	defer c.reload.Unlock()
	if snap := c.snapshot.Load(); snap != nil && c.now().Sub(snap.loadedAt) < c.ttl {
		return snap
	}

	rows, err := c.store.ListRetryPolicies(ctx)
	if err != nil {
		c.logger.Warn("failed to reload retry policies, serving previous snapshot", zap.Error(err))
		return c.snapshot.Load()
	}
	byKey := make(map[policyKey]*store.RetryPolicy, len(rows))
	for _, row := range rows {
		byKey[policyKey{row.ServiceName, row.StageName}] = row
	}
	snap := &policySnapshot{byKey: byKey, loadedAt: c.now()}
	c.snapshot.Store(snap)
	return snap
}

// merge overlays a policy row on the defaults. Only positive fields
// override; a zero in the row means "keep the default".
func (c *PolicyCache) merge(row *store.RetryPolicy) Policy {
	p := c.defaults
	if row.MaxRetries > 0 {
		p.MaxRetries = row.MaxRetries
	}
	if row.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(row.InitialDelayMS) * time.Millisecond
	}
	if row.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(row.MaxDelayMS) * time.Millisecond
	}
	if row.BackoffMultiplier >= 1 {
		p.BackoffMultiplier = row.BackoffMultiplier
	}
	if row.TimeoutMS > 0 {
		p.Timeout = time.Duration(row.TimeoutMS) * time.Millisecond
	}
	return p
}
