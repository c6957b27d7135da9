package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/adpilot/internal/domain"
)

// InsertWinnerPattern stores a winning-ad fingerprint. Idempotent on ad_id:
// re-indexing the same ad refreshes the snapshot instead of duplicating.
func (s *Store) InsertWinnerPattern(ctx context.Context, p *domain.WinnerPattern) error {
	if p.PatternID == "" {
		p.PatternID = uuid.NewString()
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode winner metadata: %w", err)
	}
	snapshot, err := json.Marshal(p.Snapshot)
	if err != nil {
		return fmt.Errorf("encode winner snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO winner_patterns
			(pattern_id, ad_id, account_id, embedding, metadata, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (ad_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			snapshot = EXCLUDED.snapshot`,
		p.PatternID, p.AdID, p.AccountID, pq.Array(p.Embedding), metadata, snapshot)
	if err != nil {
		return fmt.Errorf("insert winner pattern %s: %w", p.AdID, err)
	}
	return nil
}

// ListWinnerPatterns returns an account's patterns, newest first, capped at
// limit (0 = no cap beyond a sane ceiling).
func (s *Store) ListWinnerPatterns(ctx context.Context, accountID string, limit int) ([]*domain.WinnerPattern, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, ad_id, account_id, embedding, metadata, snapshot, created_at
		FROM winner_patterns
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list winner patterns %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*domain.WinnerPattern
	for rows.Next() {
		p, err := scanWinnerPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetWinnerPatternByAd returns the pattern for one ad, nil if absent.
func (s *Store) GetWinnerPatternByAd(ctx context.Context, adID string) (*domain.WinnerPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, ad_id, account_id, embedding, metadata, snapshot, created_at
		FROM winner_patterns WHERE ad_id = $1`, adID)
	if err != nil {
		return nil, fmt.Errorf("get winner pattern %s: %w", adID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanWinnerPattern(rows)
}

// DeleteWinnerPattern removes one pattern (compaction of near-duplicates).
func (s *Store) DeleteWinnerPattern(ctx context.Context, patternID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM winner_patterns WHERE pattern_id = $1`, patternID)
	if err != nil {
		return fmt.Errorf("delete winner pattern %s: %w", patternID, err)
	}
	return nil
}

func scanWinnerPattern(rows interface{ Scan(...any) error }) (*domain.WinnerPattern, error) {
	p := &domain.WinnerPattern{}
	var metadata, snapshot []byte
	if err := rows.Scan(&p.PatternID, &p.AdID, &p.AccountID, pq.Array(&p.Embedding),
		&metadata, &snapshot, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode winner metadata: %w", err)
	}
	if err := json.Unmarshal(snapshot, &p.Snapshot); err != nil {
		return nil, fmt.Errorf("decode winner snapshot: %w", err)
	}
	return p, nil
}
