package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/metrics"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAggregator(now *time.Time) *Aggregator {
	a := New(Config{
		MaxDeviationBps: 100,
		StaleAfter:      10 * time.Second,
		Weights:         map[string]int64{"primary": 3},
		Pairs: []PairSpec{
			{ChainID: 1, Pair: "ETH/USD", QuoteDecimals: 6},
			{ChainID: 1, Pair: "USDC/ETH", QuoteDecimals: 18},
		},
	}, nil, metrics.New(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return *now }
	return a
}

func quote(src, v string, at time.Time) domain.PriceQuote {
	return domain.PriceQuote{ChainID: 1, Pair: "ETH/USD", Value: decimal.RequireFromString(v), Source: src, Timestamp: at}
}

func TestSnapshotIsImmutable(t *testing.T) {
	now := t0
	a := newTestAggregator(&now)
	require.NoError(t, a.Update(quote("primary", "3000", now)))

	snap := a.Snapshot()
	require.NoError(t, a.Update(quote("primary", "3100", now.Add(time.Second))))

	p, err := snap.Lookup(1, "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "3000000000", p.Scaled.String(), "old snapshot unchanged")

	p2, err := a.Snapshot().Lookup(1, "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "3100000000", p2.Scaled.String())
	assert.Greater(t, a.Snapshot().Seq, snap.Seq)
}

func TestWeightedMedian(t *testing.T) {
	now := t0
	a := newTestAggregator(&now)
	require.NoError(t, a.Update(quote("primary", "3000.00", now)))
	require.NoError(t, a.Update(quote("b", "3001.00", now)))
	require.NoError(t, a.Update(quote("c", "3002.00", now)))

	p, err := a.Snapshot().Lookup(1, "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "3000", p.Value.String(), "weight 3 of 5 on primary")
	assert.Equal(t, 3, p.Sources)
	assert.False(t, p.Unreliable)
}

func TestDisagreementMarksUnreliable(t *testing.T) {
	now := t0
	a := newTestAggregator(&now)
	require.NoError(t, a.Update(quote("primary", "3000", now)))
	require.NoError(t, a.Update(quote("b", "3100", now)))

	_, err := a.Snapshot().Lookup(1, "ETH/USD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOracleUnreliable))
	assert.Equal(t, domain.KindDataIntegrity, domain.KindOf(err))

	_, err = a.Snapshot().Convert(1, "ETH/USD", big.NewInt(1), 18)
	assert.ErrorIs(t, err, domain.ErrOracleUnreliable, "conversion refuses to guess")

	// the disagreeing source goes stale; the pair recovers
	now = now.Add(11 * time.Second)
	require.NoError(t, a.Update(quote("primary", "3000", now)))
	_, err = a.Snapshot().Lookup(1, "ETH/USD")
	assert.NoError(t, err)
}

func TestStaleWhenNoFreshSource(t *testing.T) {
	now := t0
	a := newTestAggregator(&now)
	require.NoError(t, a.Update(quote("primary", "3000", now)))
	now = now.Add(time.Minute)
	a.Refresh()

	p, err := a.Snapshot().Lookup(1, "ETH/USD")
	require.NoError(t, err)
	assert.True(t, p.Stale)
	assert.Equal(t, "3000000000", p.Scaled.String(), "last price kept")
}

func TestUpdateRejectsBadQuotes(t *testing.T) {
	now := t0
	a := newTestAggregator(&now)
	err := a.Update(domain.PriceQuote{ChainID: 9, Pair: "ETH/USD", Value: decimal.NewFromInt(1)})
	assert.Equal(t, domain.KindDataIntegrity, domain.KindOf(err))
	err = a.Update(quote("primary", "-1", now))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	require.NoError(t, a.Update(quote("primary", "3000", now)))
	require.NoError(t, a.Update(quote("primary", "1", now.Add(-time.Second))), "older quote ignored")
	p, _ := a.Snapshot().Lookup(1, "ETH/USD")
	assert.Equal(t, "3000", p.Value.String())
}

func TestConvertIsIntegerExact(t *testing.T) {
	now := t0
	a := newTestAggregator(&now)
	require.NoError(t, a.Update(quote("primary", "3012.345678", now)))

	// 1.5 ETH in wei -> micro-USD
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	usd, err := a.Snapshot().Convert(1, "ETH/USD", wei, 18)
	require.NoError(t, err)
	assert.Equal(t, "4518518517", usd.String())
}

func TestHTTPFeedPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{"chain_id": 1, "asset_pair": "ETH/USD", "value": "2999.5", "timestamp_ms": t0.UnixMilli()},
			{"chain_id": 1, "asset_pair": "DOGE/USD", "value": "0.1"},
		})
	}))
	defer srv.Close()

	now := t0
	a := newTestAggregator(&now)
	f := NewHTTPFeed("pull", srv.URL, "k", time.Second, a, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := f.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "undeclared pair skipped")

	p, err := a.Snapshot().Lookup(1, "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "2999.5", p.Value.String())
}
