package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/mevengine/internal/chainfeed"
	"github.com/alanyoungcy/mevengine/internal/domain"
)

// probeTimeout bounds each dependency probe.
const probeTimeout = 2 * time.Second

// Probe measures the round trip to a dependency.
type Probe func(ctx context.Context) (time.Duration, error)

// StatusSource is the engine view health reports on.
type StatusSource interface {
	Uptime() time.Duration
	Running() bool
	GetPortfolioState() domain.PortfolioState
}

// HealthHandler serves the engine status endpoint.
type HealthHandler struct {
	engine StatusSource
	feeds  func() []chainfeed.FeedStatusView
	probes map[string]Probe
	mode   string
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. feeds may be nil when no chain
// feeds run (api mode).
func NewHealthHandler(engine StatusSource, feeds func() []chainfeed.FeedStatusView, probes map[string]Probe, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{engine: engine, feeds: feeds, probes: probes, mode: mode, logger: logger}
}

type probeResult struct {
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type feedHealth struct {
	chainfeed.FeedStatusView
	ConnectLatencyMS float64 `json:"connect_latency_ms"`
}

type healthResponse struct {
	Status        string                 `json:"status"`
	Mode          string                 `json:"mode"`
	Running       bool                   `json:"running"`
	TradingHalted bool                   `json:"trading_halted"`
	HaltReason    string                 `json:"halt_reason,omitempty"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Feeds         []feedHealth           `json:"feeds"`
	Dependencies  map[string]probeResult `json:"dependencies"`
	Timestamp     string                 `json:"timestamp"`
}

// HealthCheck reports feed states, the halt flag, uptime and dependency
// latency. Status is "degraded" when a feed is degraded or a probe fails;
// the response is still 200 so the process is not restarted for it.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	state := h.engine.GetPortfolioState()
	resp := healthResponse{
		Status:        "ok",
		Mode:          h.mode,
		Running:       h.engine.Running(),
		TradingHalted: state.TradingHalted,
		HaltReason:    state.HaltReason,
		UptimeSeconds: int64(h.engine.Uptime().Seconds()),
		Feeds:         []feedHealth{},
		Dependencies:  map[string]probeResult{},
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if state.TradingHalted {
		resp.Status = "halted"
	}

	if h.feeds != nil {
		for _, f := range h.feeds() {
			if f.State == domain.FeedDegraded && resp.Status == "ok" {
				resp.Status = "degraded"
			}
			resp.Feeds = append(resp.Feeds, feedHealth{
				FeedStatusView:   f,
				ConnectLatencyMS: millis(f.ConnectLatency),
			})
		}
	}

	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		d, err := h.probes[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("http: health probe failed", slog.String("dependency", name), slog.String("error", err.Error()))
			resp.Dependencies[name] = probeResult{Error: err.Error()}
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			continue
		}
		resp.Dependencies[name] = probeResult{OK: true, LatencyMS: millis(d)}
	}

	writeJSON(w, http.StatusOK, resp)
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
