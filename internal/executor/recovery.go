package executor

import (
	"context"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

// RecoveryStore is the queue-maintenance surface of the recovery worker.
type RecoveryStore interface {
	ReclaimStale(ctx context.Context, maxAttempts int) (int64, error)
	DeadLetterExhausted(ctx context.Context, maxAttempts int) ([]int64, error)
	GetChange(ctx context.Context, id int64) (*domain.PendingAdChange, error)
	InsertHistory(ctx context.Context, h *domain.ChangeHistory) error
}

// Recovery requeues changes whose worker died mid-claim and dead-letters
// anything over the attempt limit. One instance per deployment is enough;
// the statements are idempotent so running several is harmless.
type Recovery struct {
	cfg    config.ExecutorConfig
	tenant config.TenantDefaults
	store  RecoveryStore
	audit  Auditor
	now    func() time.Time
}

// NewRecovery builds the recovery worker.
func NewRecovery(cfg config.ExecutorConfig, tenant config.TenantDefaults, store RecoveryStore, audit Auditor) *Recovery {
	return &Recovery{cfg: cfg, tenant: tenant, store: store, audit: audit, now: time.Now}
}

// Run sweeps on the recovery interval until the context is cancelled.
func (r *Recovery) Run(ctx context.Context) {
	logger.Info("recovery worker started", "interval", r.cfg.RecoveryInterval.String())
	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("recovery worker stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass.
func (r *Recovery) Sweep(ctx context.Context) {
	reclaimed, err := r.store.ReclaimStale(ctx, r.tenant.MaxAttempts)
	if err != nil {
		logger.Error("reclaim stale failed", "error", err.Error())
	} else if reclaimed > 0 {
		logger.Warn("reclaimed stale claims", "count", reclaimed)
	}

	ids, err := r.store.DeadLetterExhausted(ctx, r.tenant.MaxAttempts)
	if err != nil {
		logger.Error("dead-letter sweep failed", "error", err.Error())
		return
	}
	for _, id := range ids {
		c, err := r.store.GetChange(ctx, id)
		if err != nil || c == nil {
			logger.Error("dead change lookup failed", "change_id", id)
			continue
		}
		h := &domain.ChangeHistory{
			ChangeID:       c.ID,
			AdID:           c.AdID,
			AccountID:      c.AccountID,
			ChangeType:     c.ChangeType,
			Status:         domain.ChangeDead,
			IdempotencyKey: c.IdempotencyKey,
			Attempts:       c.Attempts,
			Error:          c.Error,
			Reason:         c.Reason,
			RecordedAt:     r.now(),
		}
		if err := r.store.InsertHistory(ctx, h); err != nil {
			logger.Error("history insert failed", "change_id", id, "error", err.Error())
		}
		if r.audit != nil {
			r.audit.Terminal(ctx, h)
			r.audit.ArchiveDead(ctx, c, "")
		}
		logger.Error("change exhausted attempts", "change_id", id, "ad_id", c.AdID,
			"change_type", string(c.ChangeType), "attempts", c.Attempts)
	}
}

// CleanupStore is the retention surface of the cleanup worker.
type CleanupStore interface {
	PurgeTerminalChanges(ctx context.Context, olderThan time.Duration, batch int) (int64, error)
	PurgeOldAttributions(ctx context.Context, olderThan time.Duration, batch int) (int64, error)
	PurgeOldDailyMetrics(ctx context.Context, olderThanDays int) (int64, error)
}

// purgeBatch bounds each delete statement so retention never holds long
// row locks.
const purgeBatch = 5000

// Cleanup enforces data retention on applied/dead changes, attribution
// records, and daily metric rows.
type Cleanup struct {
	cfg   config.ExecutorConfig
	store CleanupStore
}

// NewCleanup builds the cleanup worker.
func NewCleanup(cfg config.ExecutorConfig, store CleanupStore) *Cleanup {
	return &Cleanup{cfg: cfg, store: store}
}

// Run purges on the cleanup interval until the context is cancelled.
func (c *Cleanup) Run(ctx context.Context) {
	logger.Info("cleanup worker started", "interval", c.cfg.CleanupInterval.String(),
		"retention_days", c.cfg.RetentionDays)
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass.
func (c *Cleanup) Sweep(ctx context.Context) {
	retention := time.Duration(c.cfg.RetentionDays) * 24 * time.Hour

	if n, err := c.store.PurgeTerminalChanges(ctx, retention, purgeBatch); err != nil {
		logger.Error("purge terminal changes failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("purged terminal changes", "count", n)
	}

	if n, err := c.store.PurgeOldAttributions(ctx, retention, purgeBatch); err != nil {
		logger.Error("purge attributions failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("purged attributions", "count", n)
	}

	if n, err := c.store.PurgeOldDailyMetrics(ctx, c.cfg.RetentionDays); err != nil {
		logger.Error("purge daily metrics failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("purged daily metric rows", "count", n)
	}
}
