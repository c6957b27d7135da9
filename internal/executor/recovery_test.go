package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
)

type fakeRecoveryStore struct {
	reclaimed   int64
	reclaimErr  error
	exhausted   []int64
	exhaustErr  error
	changes     map[int64]*domain.PendingAdChange
	history     []*domain.ChangeHistory
	maxAttempts []int
}

func (s *fakeRecoveryStore) ReclaimStale(_ context.Context, maxAttempts int) (int64, error) {
	s.maxAttempts = append(s.maxAttempts, maxAttempts)
	return s.reclaimed, s.reclaimErr
}

func (s *fakeRecoveryStore) DeadLetterExhausted(_ context.Context, _ int) ([]int64, error) {
	return s.exhausted, s.exhaustErr
}

func (s *fakeRecoveryStore) GetChange(_ context.Context, id int64) (*domain.PendingAdChange, error) {
	return s.changes[id], nil
}

func (s *fakeRecoveryStore) InsertHistory(_ context.Context, h *domain.ChangeHistory) error {
	s.history = append(s.history, h)
	return nil
}

func newRecovery(t *testing.T, store *fakeRecoveryStore, audit *fakeAuditor) *Recovery {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return NewRecovery(cfg.Executor, cfg.Tenant, store, audit)
}

func TestSweepDeadLettersExhaustedChanges(t *testing.T) {
	store := &fakeRecoveryStore{
		exhausted: []int64{7, 9},
		changes: map[int64]*domain.PendingAdChange{
			7: {ID: 7, AdID: "ad_a", AccountID: "acct_1", ChangeType: domain.ChangePause,
				IdempotencyKey: "k7", Attempts: 5, Error: "timeout"},
			9: {ID: 9, AdID: "ad_b", AccountID: "acct_1", ChangeType: domain.ChangeBudgetIncrease,
				IdempotencyKey: "k9", Attempts: 5},
		},
	}
	audit := &fakeAuditor{}
	newRecovery(t, store, audit).Sweep(context.Background())

	require.Len(t, store.history, 2)
	assert.Equal(t, int64(7), store.history[0].ChangeID)
	assert.Equal(t, domain.ChangeDead, store.history[0].Status)
	assert.Equal(t, "timeout", store.history[0].Error)
	assert.Equal(t, domain.ChangeDead, store.history[1].Status)

	require.Len(t, audit.terminals, 2)
	assert.Equal(t, []int64{7, 9}, audit.archived)
}

func TestSweepPassesAttemptLimitToReclaim(t *testing.T) {
	store := &fakeRecoveryStore{reclaimed: 3}
	newRecovery(t, store, &fakeAuditor{}).Sweep(context.Background())

	require.Len(t, store.maxAttempts, 1)
	assert.Equal(t, 5, store.maxAttempts[0])
	assert.Empty(t, store.history)
}

func TestSweepSkipsMissingChangeRows(t *testing.T) {
	store := &fakeRecoveryStore{
		exhausted: []int64{11, 12},
		changes: map[int64]*domain.PendingAdChange{
			12: {ID: 12, AdID: "ad_c", AccountID: "acct_2", ChangeType: domain.ChangeResume, Attempts: 5},
		},
	}
	audit := &fakeAuditor{}
	newRecovery(t, store, audit).Sweep(context.Background())

	require.Len(t, store.history, 1)
	assert.Equal(t, int64(12), store.history[0].ChangeID)
	assert.Equal(t, []int64{12}, audit.archived)
}

func TestSweepStopsOnDeadLetterError(t *testing.T) {
	store := &fakeRecoveryStore{exhaustErr: errors.New("pg down")}
	newRecovery(t, store, &fakeAuditor{}).Sweep(context.Background())
	assert.Empty(t, store.history)
}

type fakeCleanupStore struct {
	changeWindows []time.Duration
	attrWindows   []time.Duration
	metricDays    []int
	batches       []int
}

func (s *fakeCleanupStore) PurgeTerminalChanges(_ context.Context, olderThan time.Duration, batch int) (int64, error) {
	s.changeWindows = append(s.changeWindows, olderThan)
	s.batches = append(s.batches, batch)
	return 42, nil
}

func (s *fakeCleanupStore) PurgeOldAttributions(_ context.Context, olderThan time.Duration, batch int) (int64, error) {
	s.attrWindows = append(s.attrWindows, olderThan)
	s.batches = append(s.batches, batch)
	return 0, nil
}

func (s *fakeCleanupStore) PurgeOldDailyMetrics(_ context.Context, olderThanDays int) (int64, error) {
	s.metricDays = append(s.metricDays, olderThanDays)
	return 7, nil
}

func TestCleanupSweepPurgesAllSeries(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	store := &fakeCleanupStore{}
	NewCleanup(cfg.Executor, store).Sweep(context.Background())

	want := time.Duration(cfg.Executor.RetentionDays) * 24 * time.Hour
	require.Len(t, store.changeWindows, 1)
	assert.Equal(t, want, store.changeWindows[0])
	require.Len(t, store.attrWindows, 1)
	assert.Equal(t, want, store.attrWindows[0])
	assert.Equal(t, []int{cfg.Executor.RetentionDays}, store.metricDays)
	assert.Equal(t, []int{purgeBatch, purgeBatch}, store.batches)
}
