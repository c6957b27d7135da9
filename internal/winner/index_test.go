package winner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
)

type fakeStore struct {
	patterns map[string]*domain.WinnerPattern // by pattern id
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{patterns: make(map[string]*domain.WinnerPattern)}
}

func (s *fakeStore) InsertWinnerPattern(_ context.Context, p *domain.WinnerPattern) error {
	for _, existing := range s.patterns {
		if existing.AdID == p.AdID {
			existing.Embedding = p.Embedding
			existing.Metadata = p.Metadata
			existing.Snapshot = p.Snapshot
			return nil
		}
	}
	s.nextID++
	cp := *p
	cp.PatternID = fmt.Sprintf("pat_%d", s.nextID)
	s.patterns[cp.PatternID] = &cp
	return nil
}

func (s *fakeStore) ListWinnerPatterns(_ context.Context, accountID string, _ int) ([]*domain.WinnerPattern, error) {
	var out []*domain.WinnerPattern
	// Deterministic order for the compaction tests.
	for i := 1; i <= s.nextID; i++ {
		p, ok := s.patterns[fmt.Sprintf("pat_%d", i)]
		if !ok {
			continue
		}
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) GetWinnerPatternByAd(_ context.Context, adID string) (*domain.WinnerPattern, error) {
	for _, p := range s.patterns {
		if p.AdID == adID {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) DeleteWinnerPattern(_ context.Context, patternID string) error {
	delete(s.patterns, patternID)
	return nil
}

func testCfg(t *testing.T) config.TenantDefaults {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg.Tenant
}

// unitVec builds an embedding pointing along one axis, optionally tilted
// toward a second axis.
func unitVec(axis int, tilt float64) []float64 {
	v := make([]float64, domain.EmbeddingDim)
	v[axis] = 1
	if tilt != 0 {
		v[(axis+1)%domain.EmbeddingDim] = tilt
	}
	return v
}

func passingSnapshot() domain.WinnerSnapshot {
	return domain.WinnerSnapshot{CTR: 0.05, PipelineROAS: 4.0, SpendCents: 50000, Impressions: 20000}
}

func TestAddRejectsBelowThresholds(t *testing.T) {
	idx := New(newFakeStore(), nil, testCfg(t))

	tests := []struct {
		name string
		snap domain.WinnerSnapshot
	}{
		{"low ctr", domain.WinnerSnapshot{CTR: 0.001, PipelineROAS: 4.0, SpendCents: 50000}},
		{"low roas", domain.WinnerSnapshot{CTR: 0.05, PipelineROAS: 0.5, SpendCents: 50000}},
		{"low spend", domain.WinnerSnapshot{CTR: 0.05, PipelineROAS: 4.0, SpendCents: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.Add(context.Background(), &Candidate{
				AdID: "ad_1", AccountID: "acct_1",
				Snapshot:  tt.snap,
				Embedding: unitVec(0, 0),
			})
			assert.ErrorIs(t, err, ErrBelowThreshold)
		})
	}
}

func TestAddIsIdempotentOnAdID(t *testing.T) {
	store := newFakeStore()
	idx := New(store, nil, testCfg(t))

	c := &Candidate{AdID: "ad_1", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(0, 0)}
	require.NoError(t, idx.Add(context.Background(), c))
	require.NoError(t, idx.Add(context.Background(), c))

	assert.Len(t, store.patterns, 1)
}

func TestAddRejectsWrongDimension(t *testing.T) {
	idx := New(newFakeStore(), nil, testCfg(t))

	err := idx.Add(context.Background(), &Candidate{
		AdID: "ad_1", AccountID: "acct_1",
		Snapshot:  passingSnapshot(),
		Embedding: []float64{1, 2, 3},
	})
	assert.ErrorIs(t, err, ErrBadEmbedding)
}

type fakeEmbedder struct{ calls int }

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	e.calls++
	return unitVec(0, 0), nil
}

func TestAddComputesEmbeddingWhenMissing(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	idx := New(store, emb, testCfg(t))

	err := idx.Add(context.Background(), &Candidate{
		AdID: "ad_1", AccountID: "acct_1",
		Metadata: domain.WinnerMetadata{HookStyle: "urgency", Niche: "roofing"},
		Snapshot: passingSnapshot(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)
	assert.Len(t, store.patterns, 1)
}

func TestSearchRanksByCosine(t *testing.T) {
	store := newFakeStore()
	idx := New(store, nil, testCfg(t))
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "near", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(0, 0.1)}))
	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "far", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(5, 0)}))

	matches, err := idx.Search(ctx, unitVec(0, 0), 2, Filters{AccountID: "acct_1"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].Pattern.AdID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchFiltersByNiche(t *testing.T) {
	store := newFakeStore()
	idx := New(store, nil, testCfg(t))
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, &Candidate{
		AdID: "roofing_ad", AccountID: "acct_1",
		Metadata: domain.WinnerMetadata{Niche: "roofing"},
		Snapshot: passingSnapshot(), Embedding: unitVec(0, 0),
	}))
	require.NoError(t, idx.Add(ctx, &Candidate{
		AdID: "hvac_ad", AccountID: "acct_1",
		Metadata: domain.WinnerMetadata{Niche: "hvac"},
		Snapshot: passingSnapshot(), Embedding: unitVec(0, 0.05),
	}))

	matches, err := idx.Search(ctx, unitVec(0, 0), 10, Filters{AccountID: "acct_1", Niche: "hvac"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "hvac_ad", matches[0].Pattern.AdID)
}

func TestTopSimilarExcludesSelf(t *testing.T) {
	store := newFakeStore()
	idx := New(store, nil, testCfg(t))
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "a", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(0, 0)}))
	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "b", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(0, 0.2)}))
	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "c", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(9, 0)}))

	ids, err := idx.TopSimilarAdIDs(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
	assert.NotContains(t, ids, "a")
}

func TestTopSimilarUnknownAdReturnsNothing(t *testing.T) {
	idx := New(newFakeStore(), nil, testCfg(t))

	ids, err := idx.TopSimilarAdIDs(context.Background(), "missing", 3)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBoostScalesWithSimilarity(t *testing.T) {
	store := newFakeStore()
	idx := New(store, nil, testCfg(t))
	ctx := context.Background()

	// Empty index: neutral boost.
	boost, err := idx.Boost(ctx, "acct_1", unitVec(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, boost)

	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "w", AccountID: "acct_1", Snapshot: passingSnapshot(), Embedding: unitVec(0, 0)}))

	boost, err = idx.Boost(ctx, "acct_1", unitVec(0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 1.2, boost, 1e-9)

	boost, err = idx.Boost(ctx, "acct_1", unitVec(9, 0))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, boost, 1e-9)
}

func TestCompactKeepsHigherPerformer(t *testing.T) {
	store := newFakeStore()
	idx := New(store, nil, testCfg(t))
	ctx := context.Background()

	weak := passingSnapshot()
	weak.PipelineROAS = 2.0
	strong := passingSnapshot()
	strong.PipelineROAS = 6.0

	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "weak", AccountID: "acct_1", Snapshot: weak, Embedding: unitVec(0, 0)}))
	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "strong", AccountID: "acct_1", Snapshot: strong, Embedding: unitVec(0, 0.001)}))
	require.NoError(t, idx.Add(ctx, &Candidate{AdID: "other", AccountID: "acct_1", Snapshot: weak, Embedding: unitVec(9, 0)}))

	removed, err := idx.Compact(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	survivors, _ := store.ListWinnerPatterns(ctx, "acct_1", 0)
	var ids []string
	for _, p := range survivors {
		ids = append(ids, p.AdID)
	}
	assert.ElementsMatch(t, []string{"strong", "other"}, ids)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosine([]float64{0, 0}, []float64{1, 1}))
}
