package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPortfolioStoreRoundTrip(t *testing.T) {
	s := NewPortfolioStore()
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	state := domain.NewPortfolioState(domain.RiskLimits{MaxTradeSize: big.NewInt(10)}, "2026-03-01", t0)
	state.Version = 3
	state.OpenExposure = big.NewInt(1_250_000)
	state.StrategyExposure["arbitrage"] = big.NewInt(1_250_000)
	require.NoError(t, s.Commit(ctx, state, domain.JournalEntry{Version: 3, RefID: "opp-1", CreatedAt: t0}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, "1250000", got.OpenExposure.String())
	assert.Equal(t, "1250000", got.StrategyExposure["arbitrage"].String())
	assert.Len(t, s.Journal(), 1)

	got.OpenExposure.SetInt64(0)
	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1250000", again.OpenExposure.String(), "loads are independent copies")
}

func TestPortfolioStoreCheckpointFallbackAndFailure(t *testing.T) {
	s := NewPortfolioStore()
	ctx := context.Background()

	cp := domain.NewPortfolioState(domain.RiskLimits{}, "2026-03-01", t0)
	cp.Version = 7
	require.NoError(t, s.Checkpoint(ctx, cp))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Version)

	boom := errors.New("disk full")
	s.Fail(boom)
	assert.ErrorIs(t, s.Commit(ctx, cp, domain.JournalEntry{}), boom)
	assert.NoError(t, s.Commit(ctx, cp, domain.JournalEntry{}), "failure applies once")
}

func TestOpportunityStoreActiveAndRetention(t *testing.T) {
	s := NewOpportunityStore()
	ctx := context.Background()
	for _, o := range []domain.Opportunity{
		{ID: "b", ChainID: 1, Status: domain.OppDetected, DetectedAt: t0},
		{ID: "a", ChainID: 1, Status: domain.OppApproved, DetectedAt: t0},
		{ID: "c", ChainID: 10, Status: domain.OppExecuting, DetectedAt: t0.Add(time.Second)},
		{ID: "d", ChainID: 1, Status: domain.OppExecuted, DetectedAt: t0.Add(-time.Hour)},
	} {
		require.NoError(t, s.Upsert(ctx, o))
	}

	all, err := s.ListActive(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	chain := uint64(10)
	one, err := s.ListActive(ctx, &chain)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "c", one[0].ID)

	old, err := s.ListTerminalBefore(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, old, 1)
	n, err := s.DeleteBefore(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Get(ctx, "d")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIntentStoreVersions(t *testing.T) {
	s := NewIntentStore()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, domain.ExecutionIntent{ID: "i2", OpportunityID: "o", Version: 2}))
	require.NoError(t, s.Insert(ctx, domain.ExecutionIntent{ID: "i1", OpportunityID: "o", Version: 1}))
	assert.ErrorIs(t, s.Insert(ctx, domain.ExecutionIntent{ID: "i1"}), domain.ErrAlreadyExists)
	assert.ErrorIs(t, s.Update(ctx, domain.ExecutionIntent{ID: "missing"}), domain.ErrNotFound)

	versions, err := s.ListByOpportunity(ctx, "o")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "i1", versions[0].ID)
}

func TestAuditStoreNewestFirst(t *testing.T) {
	s := NewAuditStore()
	clock := t0
	s.now = func() time.Time { clock = clock.Add(time.Minute); return clock }
	ctx := context.Background()

	for _, ev := range []string{"control.halt", "control.resume", "control.update_risk_limits"} {
		require.NoError(t, s.Log(ctx, ev, "ops", nil))
	}

	entries, err := s.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "control.update_risk_limits", entries[0].Event)

	since := t0.Add(2 * time.Minute)
	entries, err = s.List(ctx, domain.ListOpts{Since: &since, Offset: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "control.resume", entries[0].Event)
}
