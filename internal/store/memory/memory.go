// Package memory provides in-process store implementations for dry runs and
// tests. Values are copied on the way in and out; the portfolio store keeps
// its state JSON-encoded so a reload behaves like one from disk.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// PortfolioStore keeps the last committed state and the journal.
type PortfolioStore struct {
	mu         sync.Mutex
	state      []byte
	checkpoint []byte
	journal    []domain.JournalEntry
	// FailNext, when set, fails the next Commit or Checkpoint with this error.
	FailNext error
}

var _ domain.PortfolioStore = (*PortfolioStore)(nil)

// NewPortfolioStore creates an empty store.
func NewPortfolioStore() *PortfolioStore { return &PortfolioStore{} }

// Load implements domain.PortfolioStore. The committed state wins over an
// older checkpoint.
func (s *PortfolioStore) Load(ctx context.Context) (domain.PortfolioState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.state
	if raw == nil {
		raw = s.checkpoint
	}
	if raw == nil {
		return domain.PortfolioState{}, domain.ErrNotFound
	}
	var st domain.PortfolioState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.PortfolioState{}, fmt.Errorf("memory: decode portfolio: %w", err)
	}
	st.Normalize()
	return st, nil
}

// Commit implements domain.PortfolioStore.
func (s *PortfolioStore) Commit(ctx context.Context, state domain.PortfolioState, entry domain.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("memory: encode portfolio: %w", err)
	}
	s.state = raw
	s.journal = append(s.journal, entry)
	return nil
}

// Checkpoint implements domain.PortfolioStore.
func (s *PortfolioStore) Checkpoint(ctx context.Context, state domain.PortfolioState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("memory: encode checkpoint: %w", err)
	}
	s.checkpoint = raw
	return nil
}

// Journal returns a copy of every journal entry in commit order.
func (s *PortfolioStore) Journal() []domain.JournalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JournalEntry(nil), s.journal...)
}

// Fail makes the next write return err.
func (s *PortfolioStore) Fail(err error) {
	s.mu.Lock()
	s.FailNext = err
	s.mu.Unlock()
}

func (s *PortfolioStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

// OpportunityStore keeps opportunities by ID.
type OpportunityStore struct {
	mu   sync.RWMutex
	opps map[string]domain.Opportunity
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// NewOpportunityStore creates an empty store.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{opps: map[string]domain.Opportunity{}}
}

func (s *OpportunityStore) Upsert(ctx context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	s.opps[opp.ID] = opp.Clone()
	s.mu.Unlock()
	return nil
}

func (s *OpportunityStore) Get(ctx context.Context, id string) (domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.opps[id]
	if !ok {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *OpportunityStore) ListActive(ctx context.Context, chainID *uint64) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Opportunity
	for _, o := range s.opps {
		if o.Status.Terminal() || (chainID != nil && o.ChainID != *chainID) {
			continue
		}
		out = append(out, o.Clone())
	}
	sortOpps(out)
	return out, nil
}

func (s *OpportunityStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Opportunity
	for _, o := range s.opps {
		if o.Status.Terminal() && o.DetectedAt.Before(before) {
			out = append(out, o.Clone())
		}
	}
	sortOpps(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, o := range s.opps {
		if o.Status.Terminal() && o.DetectedAt.Before(before) {
			delete(s.opps, id)
			n++
		}
	}
	return n, nil
}

func sortOpps(out []domain.Opportunity) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// IntentStore keeps every intent version.
type IntentStore struct {
	mu      sync.RWMutex
	intents map[string]domain.ExecutionIntent
}

var _ domain.IntentStore = (*IntentStore)(nil)

// NewIntentStore creates an empty store.
func NewIntentStore() *IntentStore {
	return &IntentStore{intents: map[string]domain.ExecutionIntent{}}
}

func (s *IntentStore) Insert(ctx context.Context, in domain.ExecutionIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.intents[in.ID] = in
	return nil
}

func (s *IntentStore) Update(ctx context.Context, in domain.ExecutionIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; !ok {
		return domain.ErrNotFound
	}
	s.intents[in.ID] = in
	return nil
}

func (s *IntentStore) Get(ctx context.Context, id string) (domain.ExecutionIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return domain.ExecutionIntent{}, domain.ErrNotFound
	}
	return in, nil
}

func (s *IntentStore) ListByOpportunity(ctx context.Context, opportunityID string) ([]domain.ExecutionIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExecutionIntent
	for _, in := range s.intents {
		if in.OpportunityID == opportunityID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *IntentStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExecutionIntent
	for _, in := range s.intents {
		if in.Status.Terminal() && in.UpdatedAt.Before(before) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *IntentStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, in := range s.intents {
		if in.Status.Terminal() && in.UpdatedAt.Before(before) {
			delete(s.intents, id)
			n++
		}
	}
	return n, nil
}

// AuditStore is an append-only slice.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an empty log.
func NewAuditStore() *AuditStore { return &AuditStore{now: time.Now} }

func (s *AuditStore) Log(ctx context.Context, event, caller string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Caller:    caller,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
