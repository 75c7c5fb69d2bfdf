package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// IntentStore implements domain.IntentStore. Every intent version is its own
// row linked to its predecessor.
type IntentStore struct {
	pool *pgxpool.Pool
}

var _ domain.IntentStore = (*IntentStore)(nil)

// NewIntentStore creates a new IntentStore.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

// Insert writes a new intent version. A duplicate ID is domain.ErrAlreadyExists.
func (s *IntentStore) Insert(ctx context.Context, in domain.ExecutionIntent) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_intents (id, version, previous_id, opportunity_id, chain_id, strategy_id, status, terminal, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, in.Version, in.PreviousID, in.OpportunityID, int64(in.ChainID), in.StrategyID,
		string(in.Status), in.Status.Terminal(), payload, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert intent %s: %w", in.ID, err)
	}
	return nil
}

// Update replaces the status and payload of an existing intent version.
func (s *IntentStore) Update(ctx context.Context, in domain.ExecutionIntent) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE execution_intents SET status = $2, terminal = $3, payload = $4, updated_at = $5
		WHERE id = $1`,
		in.ID, string(in.Status), in.Status.Terminal(), payload, in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update intent %s: %w", in.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get returns one intent version or domain.ErrNotFound.
func (s *IntentStore) Get(ctx context.Context, id string) (domain.ExecutionIntent, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM execution_intents WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionIntent{}, domain.ErrNotFound
		}
		return domain.ExecutionIntent{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	var in domain.ExecutionIntent
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.ExecutionIntent{}, fmt.Errorf("postgres: unmarshal intent %s: %w", id, err)
	}
	return in, nil
}

// ListByOpportunity returns every version for an opportunity in order.
func (s *IntentStore) ListByOpportunity(ctx context.Context, opportunityID string) ([]domain.ExecutionIntent, error) {
	return s.query(ctx, "list intents by opportunity",
		`SELECT payload FROM execution_intents WHERE opportunity_id = $1 ORDER BY version`, opportunityID)
}

// ListTerminalBefore returns up to limit terminal intents last updated before
// the cutoff. A zero limit returns all.
func (s *IntentStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionIntent, error) {
	return s.query(ctx, "list terminal intents", `
		SELECT payload FROM execution_intents
		WHERE terminal AND updated_at < $1
		ORDER BY updated_at, id LIMIT NULLIF($2::int, 0)`, before, limit)
}

// DeleteBefore removes terminal intents last updated before the cutoff.
func (s *IntentStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_intents WHERE terminal AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *IntentStore) query(ctx context.Context, op, query string, args ...any) ([]domain.ExecutionIntent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.ExecutionIntent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		var in domain.ExecutionIntent
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal intent: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}
