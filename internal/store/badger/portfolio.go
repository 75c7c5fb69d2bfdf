// Package badger keeps the portfolio ledger in an embedded Badger database
// for single-node deployments that run without PostgreSQL.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

var (
	stateKey      = []byte("portfolio/state")
	checkpointKey = []byte("portfolio/checkpoint")
	journalPrefix = []byte("portfolio/journal/")
)

func journalKey(version uint64) []byte {
	// zero padded so keys iterate in version order
	return []byte(fmt.Sprintf("%s%020d", journalPrefix, version))
}

// Options configures Open.
type Options struct {
	Dir      string
	InMemory bool
}

// Store implements domain.PortfolioStore on Badger. Commit writes the state
// and its journal entry in one transaction.
type Store struct {
	db *badger.DB
}

var _ domain.PortfolioStore = (*Store)(nil)

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("badger: dir is required")
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the committed state, or the checkpoint when nothing was
// committed.
func (s *Store) Load(ctx context.Context) (domain.PortfolioState, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range [][]byte{stateKey, checkpointKey} {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			raw, err = item.ValueCopy(nil)
			return err
		}
		return domain.ErrNotFound
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PortfolioState{}, err
		}
		return domain.PortfolioState{}, fmt.Errorf("badger: load portfolio: %w", err)
	}
	var st domain.PortfolioState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.PortfolioState{}, fmt.Errorf("badger: decode portfolio: %w", err)
	}
	st.Normalize()
	return st, nil
}

// Commit implements domain.PortfolioStore. A version that does not advance
// the stored one fails with domain.ErrConflict.
func (s *Store) Commit(ctx context.Context, state domain.PortfolioState, entry domain.JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("badger: encode portfolio: %w", err)
	}
	rawEntry, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("badger: encode journal: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var prev struct {
				Version uint64 `json:"version"`
			}
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &prev) }); err != nil {
				return err
			}
			if prev.Version >= state.Version {
				return fmt.Errorf("stale version %d: %w", state.Version, domain.ErrConflict)
			}
		}
		if err := txn.Set(stateKey, raw); err != nil {
			return err
		}
		return txn.Set(journalKey(entry.Version), rawEntry)
	})
	if err != nil {
		return fmt.Errorf("badger: commit portfolio: %w", err)
	}
	return nil
}

// Checkpoint implements domain.PortfolioStore.
func (s *Store) Checkpoint(ctx context.Context, state domain.PortfolioState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("badger: encode checkpoint: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(checkpointKey, raw) }); err != nil {
		return fmt.Errorf("badger: checkpoint portfolio: %w", err)
	}
	return nil
}

// Journal returns journal entries in version order. A zero limit returns all.
func (s *Store) Journal(limit int) ([]domain.JournalEntry, error) {
	var out []domain.JournalEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: journalPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e domain.JournalEntry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: read journal: %w", err)
	}
	return out, nil
}
