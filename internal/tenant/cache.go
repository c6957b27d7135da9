// Package tenant caches per-tenant runtime state: the stage configuration
// and the allocator wired with the tenant's knobs. Entries are built lazily
// on first use and evicted after an idle period so config edits propagate
// without a restart.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/adpilot/internal/allocator"
	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/scoring"
)

// Store is the persistence the cache reads tenant config from.
type Store interface {
	GetStageConfig(ctx context.Context, tenantID string) (*domain.StageConfig, error)
}

// Runtime is one tenant's assembled decision machinery.
type Runtime struct {
	TenantID  string
	Defaults  config.TenantDefaults
	Stages    *domain.StageConfig
	Allocator *allocator.Allocator

	builtAt  time.Time
	lastUsed time.Time
}

// Cache builds and holds tenant runtimes.
type Cache struct {
	mu       sync.Mutex
	store    Store
	defaults config.TenantDefaults
	scorer   *scoring.Scorer
	idle     time.Duration
	now      func() time.Time
	entries  map[string]*Runtime
}

// New returns a cache. idle is how long an unused runtime survives.
func New(store Store, defaults config.TenantDefaults, scorer *scoring.Scorer, idle time.Duration) *Cache {
	return &Cache{
		store:    store,
		defaults: defaults,
		scorer:   scorer,
		idle:     idle,
		now:      time.Now,
		entries:  make(map[string]*Runtime),
	}
}

// Get returns the tenant's runtime, building it on first use. Stage config
// lookups that fail leave the tenant running on defaults with no stage map;
// the attributor rejects events for such tenants rather than guessing.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictIdleLocked(now)

	if rt, ok := c.entries[tenantID]; ok {
		rt.lastUsed = now
		return rt, nil
	}

	stages, err := c.store.GetStageConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if stages != nil {
		warnNonMonotonicStages(stages)
	}

	rt := &Runtime{
		TenantID:  tenantID,
		Defaults:  c.defaults,
		Stages:    stages,
		Allocator: allocator.New(c.defaults, c.scorer),
		builtAt:   now,
		lastUsed:  now,
	}
	c.entries[tenantID] = rt
	logger.Info("tenant runtime built", "tenant_id", tenantID, "has_stage_config", stages != nil)
	return rt, nil
}

// Invalidate drops a tenant's runtime so the next Get rebuilds it. Called
// when the tenant's stage config is updated.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// Len returns the number of cached runtimes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictIdleLocked(now time.Time) {
	if c.idle <= 0 {
		return
	}
	for id, rt := range c.entries {
		if now.Sub(rt.lastUsed) > c.idle {
			delete(c.entries, id)
			logger.Info("tenant runtime evicted", "tenant_id", id)
		}
	}
}

// warnNonMonotonicStages logs stage values that decrease along the funnel.
// The admin UI owns the data; the engine only flags it.
func warnNonMonotonicStages(cfg *domain.StageConfig) {
	prev := -1.0
	prevName := ""
	for _, name := range cfg.FunnelOrder {
		sv, ok := cfg.Stages[name]
		if !ok {
			continue
		}
		if sv.ValuePercentage < prev {
			logger.Warn("stage value decreases along funnel",
				"tenant_id", cfg.TenantID, "stage", name, "value", sv.ValuePercentage,
				"previous_stage", prevName, "previous_value", prev)
		}
		prev = sv.ValuePercentage
		prevName = name
	}
}
