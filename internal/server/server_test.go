package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/chainfeed"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/server/handler"
	"github.com/alanyoungcy/mevengine/internal/store/memory"
)

const apiKey = "test-key"

type stubEngine struct {
	mu      sync.Mutex
	state   domain.PortfolioState
	opps    map[string]domain.Opportunity
	callers []string
	limits  *domain.RiskLimits
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		state: domain.NewPortfolioState(domain.RiskLimits{}, "2026-03-01", time.Now()),
		opps: map[string]domain.Opportunity{
			"a": {ID: "a", ChainID: 1, Status: domain.OppApproved},
			"b": {ID: "b", ChainID: 10, Status: domain.OppDetected},
		},
	}
}

func (s *stubEngine) Uptime() time.Duration { return 90 * time.Second }
func (s *stubEngine) Running() bool         { return true }

func (s *stubEngine) GetPortfolioState() domain.PortfolioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *stubEngine) GetOpportunity(_ context.Context, id string) (domain.Opportunity, error) {
	if o, ok := s.opps[id]; ok {
		return o, nil
	}
	return domain.Opportunity{}, domain.ErrNotFound
}

func (s *stubEngine) ListActiveOpportunities(_ context.Context, chainID *uint64) ([]domain.Opportunity, error) {
	var out []domain.Opportunity
	for _, id := range []string{"a", "b"} {
		if o := s.opps[id]; chainID == nil || o.ChainID == *chainID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *stubEngine) Halt(_ context.Context, caller string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers = append(s.callers, caller)
	changed := !s.state.TradingHalted
	s.state.TradingHalted = true
	return changed, nil
}

func (s *stubEngine) Resume(_ context.Context, caller string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers = append(s.callers, caller)
	changed := s.state.TradingHalted
	s.state.TradingHalted = false
	return changed, nil
}

func (s *stubEngine) UpdateRiskLimits(_ context.Context, caller string, limits domain.RiskLimits) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers = append(s.callers, caller)
	s.limits = &limits
	return true, nil
}

type history struct{ evs []domain.LifecycleEvent }

func (h history) Recent(limit int) []domain.LifecycleEvent {
	if limit < len(h.evs) {
		return h.evs[len(h.evs)-limit:]
	}
	return h.evs
}
func (h history) Seq() uint64     { return uint64(len(h.evs)) }
func (h history) Dropped() uint64 { return 0 }

func newTestServer(t *testing.T, eng *stubEngine, probes map[string]handler.Probe) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	feeds := func() []chainfeed.FeedStatusView {
		return []chainfeed.FeedStatusView{
			{FeedStatus: domain.FeedStatus{ChainID: 1, Name: "mainnet", State: domain.FeedConnected, ConnectLatency: 12 * time.Millisecond}},
		}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "mev_test_total", Help: "test"}))

	srv := NewServer(Config{APIKey: apiKey, JWTSecret: "secret"}, Handlers{
		Health:        handler.NewHealthHandler(eng, feeds, probes, "engine", logger),
		Opportunities: handler.NewOpportunityHandler(eng, logger),
		Portfolio:     handler.NewPortfolioHandler(eng.GetPortfolioState),
		Control:       handler.NewControlHandler(eng, logger),
		Events: handler.NewEventsHandler(history{evs: []domain.LifecycleEvent{
			{Seq: 1, Type: domain.EventDetected}, {Seq: 2, Type: domain.EventApproved},
		}}),
		Audit: handler.NewAuditHandler(memory.NewAuditStore(), logger),
	}, Options{Gatherer: reg}, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if authed {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublicAndReportsDependencies(t *testing.T) {
	eng := newStubEngine()
	h := newTestServer(t, eng, map[string]handler.Probe{
		"postgres": func(context.Context) (time.Duration, error) { return 3 * time.Millisecond, nil },
		"redis":    func(context.Context) (time.Duration, error) { return 0, errors.New("connection refused") },
	})

	rec := do(t, h, http.MethodGet, "/api/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string `json:"status"`
		TradingHalted bool   `json:"trading_halted"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Feeds         []struct {
			ChainID          uint64  `json:"chain_id"`
			State            string  `json:"state"`
			ConnectLatencyMS float64 `json:"connect_latency_ms"`
		} `json:"feeds"`
		Dependencies map[string]struct {
			OK        bool    `json:"ok"`
			LatencyMS float64 `json:"latency_ms"`
			Error     string  `json:"error"`
		} `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, int64(90), body.UptimeSeconds)
	require.Len(t, body.Feeds, 1)
	assert.Equal(t, "connected", body.Feeds[0].State)
	assert.InDelta(t, 12.0, body.Feeds[0].ConnectLatencyMS, 0.001)
	assert.True(t, body.Dependencies["postgres"].OK)
	assert.InDelta(t, 3.0, body.Dependencies["postgres"].LatencyMS, 0.001)
	assert.Equal(t, "connection refused", body.Dependencies["redis"].Error)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	h := newTestServer(t, newStubEngine(), nil)
	for _, path := range []string{"/api/portfolio", "/api/opportunities", "/api/events", "/api/audit"} {
		assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, path, "", false).Code, path)
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, path, "", true).Code, path)
	}
}

func TestOpportunityQueries(t *testing.T) {
	h := newTestServer(t, newStubEngine(), nil)

	rec := do(t, h, http.MethodGet, "/api/opportunities/a", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var opp domain.Opportunity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opp))
	assert.Equal(t, domain.OppApproved, opp.Status)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/opportunities/missing", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/opportunities?chain_id=x", "", true).Code)

	rec = do(t, h, http.MethodGet, "/api/opportunities?chain_id=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Opportunities []domain.Opportunity `json:"opportunities"`
		Count         int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "b", list.Opportunities[0].ID)
}

func TestControlRecordsCaller(t *testing.T) {
	eng := newStubEngine()
	h := newTestServer(t, eng, nil)

	rec := do(t, h, http.MethodPost, "/api/control/halt", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Action  string `json:"action"`
		Caller  string `json:"caller"`
		Changed bool   `json:"changed"`
		Halted  bool   `json:"trading_halted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "halt", resp.Action)
	assert.Equal(t, "api-key", resp.Caller)
	assert.True(t, resp.Changed)
	assert.True(t, resp.Halted)

	rec = do(t, h, http.MethodPost, "/api/control/halt", "", true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Changed, "halt is idempotent")

	rec = do(t, h, http.MethodPost, "/api/control/resume", "", true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.False(t, resp.Halted)

	assert.Equal(t, []string{"api-key", "api-key", "api-key"}, eng.callers)
}

func TestUpdateRiskLimits(t *testing.T) {
	eng := newStubEngine()
	h := newTestServer(t, eng, nil)

	body := `{"max_trade_size":1000000000,"default_strategy_limit":3000000000,"max_daily_loss":100000000,"max_total_exposure":10000000000,"max_strategy_exposure":{"flashloan_bundle":500000000},"cap_oversized":true}`
	rec := do(t, h, http.MethodPut, "/api/control/risk-limits", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, eng.limits)
	assert.Equal(t, 0, eng.limits.MaxTradeSize.Cmp(big.NewInt(1_000_000_000)))
	assert.Equal(t, "500000000", eng.limits.MaxStrategyExposure["flashloan_bundle"].String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/control/risk-limits", `{"max_trade_size":-1}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/control/risk-limits", `{"unknown":1}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/control/risk-limits", `not json`, true).Code)
}

func TestEventsAndMetrics(t *testing.T) {
	h := newTestServer(t, newStubEngine(), nil)

	rec := do(t, h, http.MethodGet, "/api/events?limit=1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs struct {
		Events []domain.LifecycleEvent `json:"events"`
		Seq    uint64                  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs.Events, 1)
	assert.Equal(t, domain.EventApproved, evs.Events[0].Type)
	assert.Equal(t, uint64(2), evs.Seq)

	rec = do(t, h, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mev_test_total")
}

type archiveReader struct{ prefixes []string }

func (a *archiveReader) Get(context.Context, string) (io.ReadCloser, error) { return nil, domain.ErrNotFound }
func (a *archiveReader) Exists(context.Context, string) (bool, error)       { return false, nil }
func (a *archiveReader) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	a.prefixes = append(a.prefixes, prefix)
	return []domain.BlobInfo{{Path: prefix + "20260308T040000Z.jsonl", Size: 42}}, nil
}

func TestArchiveListing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reader := &archiveReader{}
	eng := newStubEngine()
	h := NewServer(Config{}, Handlers{
		Health:        handler.NewHealthHandler(eng, nil, nil, "api", logger),
		Opportunities: handler.NewOpportunityHandler(eng, logger),
		Portfolio:     handler.NewPortfolioHandler(eng.GetPortfolioState),
		Control:       handler.NewControlHandler(eng, logger),
		Archive:       handler.NewArchiveHandler(reader, logger),
	}, Options{}, logger).Handler()

	rec := do(t, h, http.MethodGet, "/api/archive?kind=intents&day=2026-03-01", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"archive/intents/2026-03-01/"}, reader.prefixes)
	assert.Contains(t, rec.Body.String(), `"size":42`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/archive?kind=secrets", "", false).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "", false).Code, "metrics only with a gatherer")
}
