package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/platform"
)

type requeueCall struct {
	id  int64
	msg string
	at  time.Time
}

type fakeStore struct {
	mu            sync.Mutex
	changes       map[int64]*domain.PendingAdChange
	history       []*domain.ChangeHistory
	budgets       map[string]int64
	statuses      map[string]domain.AdStatus
	appliedDelta  int64
	accountBudget int64
	requeues      []requeueCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		changes:       make(map[int64]*domain.PendingAdChange),
		budgets:       make(map[string]int64),
		statuses:      make(map[string]domain.AdStatus),
		accountBudget: 100000, // $1,000/day account
	}
}

func (s *fakeStore) add(c *domain.PendingAdChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = domain.ChangePending
	}
	s.changes[c.ID] = c
}

func (s *fakeStore) Claim(_ context.Context, workerID string, batchSize int, _ time.Duration) ([]*domain.PendingAdChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.PendingAdChange
	for i := int64(1); i <= int64(len(s.changes)); i++ {
		c, ok := s.changes[i]
		if !ok || c.Status != domain.ChangePending || c.EarliestExecuteAt.After(time.Now()) {
			continue
		}
		c.Status = domain.ChangeClaimed
		c.WorkerID = &workerID
		out = append(out, c)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkApplied(_ context.Context, id int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changes[id]
	if c == nil || c.Status != domain.ChangeClaimed || c.WorkerID == nil || *c.WorkerID != workerID {
		return fmt.Errorf("mark applied %d: row not claimed by %s", id, workerID)
	}
	c.Status = domain.ChangeApplied
	return nil
}

func (s *fakeStore) Requeue(_ context.Context, id int64, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changes[id]
	c.Status = domain.ChangePending
	c.Attempts++
	c.Error = errMsg
	c.EarliestExecuteAt = at
	s.requeues = append(s.requeues, requeueCall{id: id, msg: errMsg, at: at})
	return nil
}

func (s *fakeStore) MarkDead(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changes[id]
	c.Status = domain.ChangeDead
	c.Attempts++
	c.Error = errMsg
	return nil
}

func (s *fakeStore) InsertHistory(_ context.Context, h *domain.ChangeHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *fakeStore) SetAdBudget(_ context.Context, adID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[adID] = cents
	return nil
}

func (s *fakeStore) SetAdStatus(_ context.Context, adID string, status domain.AdStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[adID] = status
	return nil
}

func (s *fakeStore) AppliedBudgetDeltaCents(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return s.appliedDelta, nil
}

func (s *fakeStore) AccountBudgetCents(_ context.Context, _ string) (int64, error) {
	return s.accountBudget, nil
}

type budgetCall struct {
	adID  string
	cents int64
	key   string
}

type fakePlatform struct {
	mu          sync.Mutex
	budgetCalls []budgetCall
	pauses      []string
	resumes     []string
	creatives   []string
	batchCalls  [][]platform.BatchChange
	err         error
	readbackOK  bool
}

func (p *fakePlatform) UpdateBudget(_ context.Context, adID string, cents int64, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budgetCalls = append(p.budgetCalls, budgetCall{adID, cents, key})
	return p.err
}

func (p *fakePlatform) Pause(_ context.Context, adID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, adID)
	return p.err
}

func (p *fakePlatform) Resume(_ context.Context, adID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes = append(p.resumes, adID)
	return p.err
}

func (p *fakePlatform) ReplaceCreative(_ context.Context, adID, creativeID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creatives = append(p.creatives, creativeID)
	return p.err
}

func (p *fakePlatform) BatchUpdate(_ context.Context, _ string, changes []platform.BatchChange, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchCalls = append(p.batchCalls, changes)
	return p.err
}

func (p *fakePlatform) BudgetApplied(_ context.Context, _ string, _ int64) (bool, error) {
	return p.readbackOK, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	allowed  bool
	wait     time.Duration
	reserved int
	refunded int
}

func (l *fakeLimiter) Reserve(_ context.Context, _ string, n int) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allowed {
		return false, l.wait, nil
	}
	l.reserved += n
	return true, 0, nil
}

func (l *fakeLimiter) Refund(_ context.Context, _ string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunded += n
	return nil
}

type fakeAuditor struct {
	mu        sync.Mutex
	terminals []*domain.ChangeHistory
	archived  []int64
}

func (a *fakeAuditor) Terminal(_ context.Context, h *domain.ChangeHistory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminals = append(a.terminals, h)
}

func (a *fakeAuditor) ArchiveDead(_ context.Context, c *domain.PendingAdChange, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, c.ID)
}

type harness struct {
	exec    *Executor
	store   *fakeStore
	pf      *fakePlatform
	limiter *fakeLimiter
	audit   *fakeAuditor
	sleeps  []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	h := &harness{
		store:   newFakeStore(),
		pf:      &fakePlatform{},
		limiter: &fakeLimiter{allowed: true},
		audit:   &fakeAuditor{},
	}
	h.exec = New("worker-test", cfg.Executor, cfg.Tenant, h.store, h.pf, h.limiter, h.audit)
	h.exec.SetClock(func(_ context.Context, d time.Duration) {
		h.sleeps = append(h.sleeps, d)
	}, time.Now)
	return h
}

func budgetChange(id int64, adID string, newCents, oldCents int64) *domain.PendingAdChange {
	t := domain.ChangeBudgetIncrease
	if newCents < oldCents {
		t = domain.ChangeBudgetDecrease
	}
	payload, _ := json.Marshal(domain.BudgetPayload{NewBudgetCents: newCents, OldBudgetCents: oldCents})
	return &domain.PendingAdChange{
		ID: id, AdID: adID, AccountID: "acct_1", TenantID: "tenant_1",
		ChangeType: t, Payload: payload,
		IdempotencyKey: fmt.Sprintf("key-%d", id),
	}
}

func TestBudgetChangeAppliedWithFuzz(t *testing.T) {
	h := newHarness(t)
	h.store.add(budgetChange(1, "ad_1", 12000, 10000))

	n, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, h.pf.budgetCalls, 1)
	sent := h.pf.budgetCalls[0].cents
	assert.InDelta(t, 12000, sent, 12000*budgetFuzzPct+1)

	assert.Equal(t, domain.ChangeApplied, h.store.changes[1].Status)
	assert.Equal(t, sent, h.store.budgets["ad_1"])

	require.Len(t, h.store.history, 1)
	assert.Equal(t, domain.ChangeApplied, h.store.history[0].Status)
	require.Len(t, h.audit.terminals, 1)
}

func TestFuzzIsDeterministicPerKey(t *testing.T) {
	a := fuzzBudget(12000, "key-1")
	b := fuzzBudget(12000, "key-1")
	c := fuzzBudget(12000, "key-2")

	assert.Equal(t, a, b)
	assert.InDelta(t, 12000, a, 12000*budgetFuzzPct+1)
	assert.InDelta(t, 12000, c, 12000*budgetFuzzPct+1)
	// Different keys almost always land on different cents at this scale.
	assert.NotEqual(t, a, c)
}

func TestJitterSleepsOncePerAccountBatch(t *testing.T) {
	h := newHarness(t)
	h.store.add(budgetChange(1, "ad_1", 5000, 4000))
	c2 := budgetChange(2, "ad_2", 5000, 4000)
	h.store.add(c2)

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.sleeps, 1)
	min := time.Duration(h.exec.tenant.JitterMinSeconds) * time.Second
	max := time.Duration(h.exec.tenant.JitterMaxSeconds) * time.Second
	assert.GreaterOrEqual(t, h.sleeps[0], min)
	assert.Less(t, h.sleeps[0], max)
}

func TestRateDeniedRequeuesWithWait(t *testing.T) {
	h := newHarness(t)
	h.limiter.allowed = false
	h.limiter.wait = 20 * time.Minute
	h.store.add(budgetChange(1, "ad_1", 5000, 4000))

	before := time.Now()
	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.pf.budgetCalls)
	require.Len(t, h.store.requeues, 1)
	assert.Contains(t, h.store.requeues[0].msg, "rate cap")
	assert.WithinDuration(t, before.Add(20*time.Minute), h.store.requeues[0].at, 5*time.Second)
	assert.Equal(t, domain.ChangePending, h.store.changes[1].Status)
}

func TestVelocityCapAdmitsSmallRequeuesLarge(t *testing.T) {
	h := newHarness(t)
	// Account budget $1,000, 20% cap = $200 of movement per 6h, $150 used.
	h.store.appliedDelta = 15000

	h.store.add(budgetChange(1, "ad_1", 14000, 10000)) // $40 move
	h.store.add(budgetChange(2, "ad_2", 13000, 10000)) // $30 move

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	// $30 fits under the remaining $50; the $40 on top would not.
	require.Len(t, h.pf.budgetCalls, 1)
	assert.Equal(t, "ad_2", h.pf.budgetCalls[0].adID)
	require.Len(t, h.store.requeues, 1)
	assert.Equal(t, int64(1), h.store.requeues[0].id)
	assert.Contains(t, h.store.requeues[0].msg, "velocity cap")
}

func TestNonBudgetChangesBypassVelocityGate(t *testing.T) {
	h := newHarness(t)
	h.store.appliedDelta = 1 << 40 // velocity window saturated
	h.store.add(&domain.PendingAdChange{
		ID: 1, AdID: "ad_1", AccountID: "acct_1",
		ChangeType: domain.ChangePause, IdempotencyKey: "key-1",
	})

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ad_1"}, h.pf.pauses)
	assert.Equal(t, domain.AdPaused, h.store.statuses["ad_1"])
}

func TestRetryableFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.pf.err = &platform.APIError{StatusCode: http.StatusServiceUnavailable, Body: "down"}
	h.store.add(budgetChange(1, "ad_1", 5000, 4000))

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ChangePending, h.store.changes[1].Status)
	require.Len(t, h.store.requeues, 1)
	assert.True(t, h.store.requeues[0].at.After(time.Now()))
	assert.Equal(t, 1, h.limiter.refunded)
	assert.Empty(t, h.audit.archived)
}

func TestNonRetryableFailureDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.pf.err = &platform.APIError{StatusCode: http.StatusForbidden, Body: "account suspended"}
	h.store.add(budgetChange(1, "ad_1", 5000, 4000))

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ChangeDead, h.store.changes[1].Status)
	assert.Equal(t, 1, h.limiter.refunded)
	require.Len(t, h.store.history, 1)
	assert.Equal(t, domain.ChangeDead, h.store.history[0].Status)
	assert.Equal(t, []int64{1}, h.audit.archived)
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.pf.err = errors.New("connection reset")
	c := budgetChange(1, "ad_1", 5000, 4000)
	c.Attempts = h.exec.tenant.MaxAttempts - 1
	h.store.add(c)

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ChangeDead, h.store.changes[1].Status)
	assert.Empty(t, h.store.requeues)
}

func TestAmbiguousBudgetFailureReconciledAsApplied(t *testing.T) {
	h := newHarness(t)
	h.pf.err = errors.New("timeout awaiting response")
	h.pf.readbackOK = true
	h.store.add(budgetChange(1, "ad_1", 5000, 4000))

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	// The write landed; no attempt is burned and no refund issued.
	assert.Equal(t, domain.ChangeApplied, h.store.changes[1].Status)
	assert.Empty(t, h.store.requeues)
	assert.Equal(t, 0, h.limiter.refunded)
}

func TestBatchPathUsedAtThreshold(t *testing.T) {
	h := newHarness(t)
	n := h.exec.tenant.BatchThreshold
	for i := 1; i <= n; i++ {
		h.store.add(budgetChange(int64(i), fmt.Sprintf("ad_%d", i), 5000, 4000))
	}

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.pf.batchCalls, 1)
	assert.Len(t, h.pf.batchCalls[0], n)
	assert.Empty(t, h.pf.budgetCalls)
	for i := 1; i <= n; i++ {
		assert.Equal(t, domain.ChangeApplied, h.store.changes[int64(i)].Status)
	}
	assert.Equal(t, n, h.limiter.reserved)
}

func TestBatchFallsBackToSinglesWhenRateDeniesBatch(t *testing.T) {
	h := newHarness(t)
	h.limiter.allowed = false
	h.limiter.wait = 10 * time.Minute
	n := h.exec.tenant.BatchThreshold
	for i := 1; i <= n; i++ {
		h.store.add(budgetChange(int64(i), fmt.Sprintf("ad_%d", i), 5000, 4000))
	}

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.pf.batchCalls)
	assert.Empty(t, h.pf.budgetCalls)
	assert.Len(t, h.store.requeues, n)
}

func TestBadPayloadDeadLettersWithoutPlatformCall(t *testing.T) {
	h := newHarness(t)
	h.store.add(&domain.PendingAdChange{
		ID: 1, AdID: "ad_1", AccountID: "acct_1",
		ChangeType: domain.ChangeBudgetIncrease,
		Payload:    json.RawMessage(`{"new_budget_cents": -5}`),
		IdempotencyKey: "key-1",
	})

	_, err := h.exec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.pf.budgetCalls)
	assert.Equal(t, domain.ChangeDead, h.store.changes[1].Status)
	assert.Equal(t, 1, h.limiter.refunded)
}

func TestGroupByAccountPreservesOrder(t *testing.T) {
	a1 := &domain.PendingAdChange{ID: 1, AccountID: "a"}
	b1 := &domain.PendingAdChange{ID: 2, AccountID: "b"}
	a2 := &domain.PendingAdChange{ID: 3, AccountID: "a"}

	groups := groupByAccount([]*domain.PendingAdChange{a1, b1, a2})
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 3}, []int64{groups[0][0].ID, groups[0][1].ID})
	assert.Equal(t, int64(2), groups[1][0].ID)
}

func TestBatchKeyStable(t *testing.T) {
	changes := []*domain.PendingAdChange{{IdempotencyKey: "a"}, {IdempotencyKey: "b"}}
	assert.Equal(t, batchKey(changes), batchKey(changes))
	assert.NotEqual(t, batchKey(changes), batchKey(changes[:1]))
}
