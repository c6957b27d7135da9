// Package winner stores the fingerprints of ads that proved themselves,
// so upstream creative generation can condition on what already worked.
// Patterns are gated on hard thresholds; the index never contains a
// mediocre ad.
package winner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

// ErrBelowThreshold is returned when a candidate fails the acceptance gate.
var ErrBelowThreshold = errors.New("ad below winner thresholds")

// ErrBadEmbedding is returned for vectors of the wrong dimension.
var ErrBadEmbedding = errors.New("embedding has wrong dimension")

// Store is the persistence surface the index needs.
type Store interface {
	InsertWinnerPattern(ctx context.Context, p *domain.WinnerPattern) error
	ListWinnerPatterns(ctx context.Context, accountID string, limit int) ([]*domain.WinnerPattern, error)
	GetWinnerPatternByAd(ctx context.Context, adID string) (*domain.WinnerPattern, error)
	DeleteWinnerPattern(ctx context.Context, patternID string) error
}

// Embedder produces vectors when the caller didn't supply one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Candidate is an ad nominated for the index.
type Candidate struct {
	AdID      string
	AccountID string
	Metadata  domain.WinnerMetadata
	Snapshot  domain.WinnerSnapshot
	// Embedding may be nil; the index computes one from the metadata.
	Embedding []float64
}

// Filters narrows a similarity search.
type Filters struct {
	AccountID string
	Niche     string
	Since     time.Time
}

// compactionCosine merges patterns this similar, keeping the higher
// performer.
const compactionCosine = 0.98

// Index is the winner store with gating, search, and compaction.
type Index struct {
	store    Store
	embedder Embedder
	cfg      config.TenantDefaults
}

// New returns an index. embedder may be nil when all candidates arrive
// with embeddings attached.
func New(store Store, embedder Embedder, cfg config.TenantDefaults) *Index {
	return &Index{store: store, embedder: embedder, cfg: cfg}
}

// Add indexes one candidate. Rejects anything under the CTR, ROAS, or
// spend gates; idempotent on ad id.
func (x *Index) Add(ctx context.Context, c *Candidate) error {
	snap := c.Snapshot
	if snap.CTR < x.cfg.WinnerCTRThreshold ||
		snap.PipelineROAS < x.cfg.WinnerROASThreshold ||
		snap.SpendCents < x.cfg.WinnerSpendCents {
		return fmt.Errorf("%w: ad=%s ctr=%.4f roas=%.2f spend_cents=%d",
			ErrBelowThreshold, c.AdID, snap.CTR, snap.PipelineROAS, snap.SpendCents)
	}

	embedding := c.Embedding
	if embedding == nil {
		if x.embedder == nil {
			return fmt.Errorf("no embedding supplied for %s and no embedder configured", c.AdID)
		}
		var err error
		embedding, err = x.embedder.Embed(ctx, metadataText(c.Metadata))
		if err != nil {
			return fmt.Errorf("embed winner %s: %w", c.AdID, err)
		}
	}
	if len(embedding) != domain.EmbeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrBadEmbedding, len(embedding), domain.EmbeddingDim)
	}

	return x.store.InsertWinnerPattern(ctx, &domain.WinnerPattern{
		AdID:      c.AdID,
		AccountID: c.AccountID,
		Embedding: embedding,
		Metadata:  c.Metadata,
		Snapshot:  snap,
	})
}

// Search returns the top-k patterns by cosine similarity.
func (x *Index) Search(ctx context.Context, embedding []float64, k int, f Filters) ([]*domain.WinnerMatch, error) {
	if len(embedding) != domain.EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadEmbedding, len(embedding), domain.EmbeddingDim)
	}
	if k <= 0 {
		k = 10
	}
	patterns, err := x.store.ListWinnerPatterns(ctx, f.AccountID, 0)
	if err != nil {
		return nil, err
	}

	matches := make([]*domain.WinnerMatch, 0, len(patterns))
	for _, p := range patterns {
		if f.Niche != "" && p.Metadata.Niche != f.Niche {
			continue
		}
		if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
			continue
		}
		matches = append(matches, &domain.WinnerMatch{
			Pattern:    *p,
			Similarity: cosine(embedding, p.Embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// TopSimilarAdIDs returns the k nearest winners to an indexed ad, excluding
// itself. An ad not in the index yields nothing.
func (x *Index) TopSimilarAdIDs(ctx context.Context, adID string, k int) ([]string, error) {
	p, err := x.store.GetWinnerPatternByAd(ctx, adID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	matches, err := x.Search(ctx, p.Embedding, k+1, Filters{AccountID: p.AccountID})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range matches {
		if m.Pattern.AdID == adID {
			continue
		}
		ids = append(ids, m.Pattern.AdID)
		if len(ids) == k {
			break
		}
	}
	return ids, nil
}

// Boost maps an ad's best similarity to an existing winner into the
// scorer's multiplicative range [1.0, 1.2]. No patterns means no boost.
func (x *Index) Boost(ctx context.Context, accountID string, embedding []float64) (float64, error) {
	if len(embedding) != domain.EmbeddingDim {
		return 1.0, nil
	}
	matches, err := x.Search(ctx, embedding, 1, Filters{AccountID: accountID})
	if err != nil {
		return 1.0, err
	}
	if len(matches) == 0 {
		return 1.0, nil
	}
	sim := matches[0].Similarity
	if sim < 0 {
		sim = 0
	}
	return 1.0 + 0.2*sim, nil
}

// BoostForAd returns the boost for an indexed ad from its nearest other
// winner. Ads without a stored pattern get the neutral 1.0.
func (x *Index) BoostForAd(ctx context.Context, accountID, adID string) (float64, error) {
	p, err := x.store.GetWinnerPatternByAd(ctx, adID)
	if err != nil {
		return 1.0, err
	}
	if p == nil {
		return 1.0, nil
	}
	matches, err := x.Search(ctx, p.Embedding, 2, Filters{AccountID: accountID})
	if err != nil {
		return 1.0, err
	}
	best := 0.0
	for _, m := range matches {
		if m.Pattern.AdID == adID {
			continue
		}
		if m.Similarity > best {
			best = m.Similarity
		}
	}
	return 1.0 + 0.2*best, nil
}

// Compact merges near-duplicate patterns for an account, keeping the one
// with the higher pipeline ROAS. Returns the number of patterns removed.
func (x *Index) Compact(ctx context.Context, accountID string) (int, error) {
	patterns, err := x.store.ListWinnerPatterns(ctx, accountID, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	dropped := make(map[string]bool)
	for i := 0; i < len(patterns); i++ {
		if dropped[patterns[i].PatternID] {
			continue
		}
		for j := i + 1; j < len(patterns); j++ {
			if dropped[patterns[j].PatternID] {
				continue
			}
			if cosine(patterns[i].Embedding, patterns[j].Embedding) <= compactionCosine {
				continue
			}
			loser := patterns[j]
			if loser.Snapshot.PipelineROAS > patterns[i].Snapshot.PipelineROAS {
				loser = patterns[i]
			}
			if err := x.store.DeleteWinnerPattern(ctx, loser.PatternID); err != nil {
				return removed, err
			}
			dropped[loser.PatternID] = true
			removed++
			logger.Info("compacted near-duplicate winner pattern",
				"account_id", accountID, "removed_ad", loser.AdID)
			if dropped[patterns[i].PatternID] {
				break
			}
		}
	}
	return removed, nil
}

func metadataText(m domain.WinnerMetadata) string {
	return fmt.Sprintf("hook: %s\ncta: %s\nniche: %s\ncohort: %s", m.HookStyle, m.CTA, m.Niche, m.Cohort)
}

// cosine returns the cosine similarity of two equal-length vectors, 0 for
// degenerate input.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
