package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore. Commit replaces the single
// state row and appends the journal entry in one transaction.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

var _ domain.PortfolioStore = (*PortfolioStore)(nil)

// NewPortfolioStore creates a new PortfolioStore.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

// Load returns the committed state, falling back to the latest checkpoint
// when no commit was ever made.
func (s *PortfolioStore) Load(ctx context.Context) (domain.PortfolioState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM portfolio_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`SELECT state FROM portfolio_checkpoints ORDER BY version DESC, id DESC LIMIT 1`,
		).Scan(&raw)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PortfolioState{}, domain.ErrNotFound
		}
		return domain.PortfolioState{}, fmt.Errorf("postgres: load portfolio: %w", err)
	}
	var st domain.PortfolioState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.PortfolioState{}, fmt.Errorf("postgres: unmarshal portfolio: %w", err)
	}
	st.Normalize()
	return st, nil
}

// Commit writes state and entry atomically. A version that does not advance
// the stored one is rejected so two writers cannot interleave.
func (s *PortfolioStore) Commit(ctx context.Context, state domain.PortfolioState, entry domain.JournalEntry) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: marshal portfolio: %w", err)
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal journal detail: %w", err)
	}
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO portfolio_state (id, version, state, updated_at) VALUES (1, $1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
			WHERE portfolio_state.version < EXCLUDED.version`,
			int64(state.Version), raw, state.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("write state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stale version %d: %w", state.Version, domain.ErrConflict)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO portfolio_journal (version, kind, ref_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
			int64(entry.Version), string(entry.Kind), entry.RefID, detail, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append journal: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: commit portfolio: %w", err)
	}
	return nil
}

// Checkpoint appends a full snapshot for crash recovery.
func (s *PortfolioStore) Checkpoint(ctx context.Context, state domain.PortfolioState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_checkpoints (version, state) VALUES ($1, $2)`, int64(state.Version), raw,
	); err != nil {
		return fmt.Errorf("postgres: checkpoint portfolio: %w", err)
	}
	return nil
}

// Journal returns journal entries newest first.
func (s *PortfolioStore) Journal(ctx context.Context, opts domain.ListOpts) ([]domain.JournalEntry, error) {
	query, args := pageQuery(`SELECT version, kind, ref_id, detail, created_at FROM portfolio_journal WHERE 1=1`, "created_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list journal: %w", err)
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var (
			e       domain.JournalEntry
			version int64
			kind    string
			detail  []byte
		)
		if err := rows.Scan(&version, &kind, &e.RefID, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan journal: %w", err)
		}
		e.Version = uint64(version)
		e.Kind = domain.JournalKind(kind)
		if detail != nil {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal journal detail: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list journal rows: %w", err)
	}
	return out, nil
}
