package domain

import (
	"context"
	"time"
)

// ListOpts controls pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists opportunities and their latest status.
type OpportunityStore interface {
	Upsert(ctx context.Context, opp Opportunity) error
	Get(ctx context.Context, id string) (Opportunity, error)
	ListActive(ctx context.Context, chainID *uint64) ([]Opportunity, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Opportunity, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// IntentStore persists every execution intent version.
type IntentStore interface {
	Insert(ctx context.Context, intent ExecutionIntent) error
	Update(ctx context.Context, intent ExecutionIntent) error
	Get(ctx context.Context, id string) (ExecutionIntent, error)
	ListByOpportunity(ctx context.Context, opportunityID string) ([]ExecutionIntent, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]ExecutionIntent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PortfolioStore persists the risk ledger. Commit writes state and its
// journal entry atomically; Load returns ErrNotFound when nothing was ever
// committed.
type PortfolioStore interface {
	Load(ctx context.Context) (PortfolioState, error)
	Commit(ctx context.Context, state PortfolioState, entry JournalEntry) error
	Checkpoint(ctx context.Context, state PortfolioState) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Caller    string         `json:"caller"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, caller string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
