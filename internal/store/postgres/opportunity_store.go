package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore. The full opportunity
// is kept as JSONB next to the indexed columns the queries filter on.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Upsert writes opp, replacing the status of an existing row.
func (s *OpportunityStore) Upsert(ctx context.Context, opp domain.Opportunity) error {
	payload, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, chain_id, type, status, status_reason, terminal, detected_at, expiry_deadline, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			terminal = EXCLUDED.terminal,
			payload = EXCLUDED.payload,
			updated_at = NOW()`,
		opp.ID, int64(opp.ChainID), opp.Type.String(), string(opp.Status), opp.StatusReason,
		opp.Status.Terminal(), opp.DetectedAt, opp.ExpiryDeadline, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// Get returns one opportunity or domain.ErrNotFound.
func (s *OpportunityStore) Get(ctx context.Context, id string) (domain.Opportunity, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM opportunities WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	var opp domain.Opportunity
	if err := json.Unmarshal(payload, &opp); err != nil {
		return domain.Opportunity{}, fmt.Errorf("postgres: unmarshal opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListActive returns non-terminal opportunities oldest first.
func (s *OpportunityStore) ListActive(ctx context.Context, chainID *uint64) ([]domain.Opportunity, error) {
	query := `SELECT payload FROM opportunities WHERE NOT terminal`
	var args []any
	if chainID != nil {
		query += ` AND chain_id = $1`
		args = append(args, int64(*chainID))
	}
	query += ` ORDER BY detected_at, id`
	return s.query(ctx, "list active opportunities", query, args...)
}

// ListTerminalBefore returns up to limit terminal opportunities detected
// before the cutoff. A zero limit returns all.
func (s *OpportunityStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	return s.query(ctx, "list terminal opportunities", `
		SELECT payload FROM opportunities
		WHERE terminal AND detected_at < $1
		ORDER BY detected_at, id LIMIT NULLIF($2::int, 0)`, before, limit)
}

// DeleteBefore removes terminal opportunities detected before the cutoff.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE terminal AND detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OpportunityStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		var opp domain.Opportunity
		if err := json.Unmarshal(payload, &opp); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal opportunity: %w", err)
		}
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}
