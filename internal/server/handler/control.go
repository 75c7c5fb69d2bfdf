package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/server/middleware"
)

// maxLimitsBody caps the risk-limits request body.
const maxLimitsBody = 64 << 10

// Controller is the engine's operator control surface.
type Controller interface {
	Halt(ctx context.Context, caller string) (bool, error)
	Resume(ctx context.Context, caller string) (bool, error)
	UpdateRiskLimits(ctx context.Context, caller string, limits domain.RiskLimits) (bool, error)
	GetPortfolioState() domain.PortfolioState
}

// ControlHandler serves halt, resume and limit updates. The caller recorded
// in the audit log is the identity the auth middleware resolved.
type ControlHandler struct {
	engine Controller
	logger *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(engine Controller, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{engine: engine, logger: logger}
}

// Halt stops new launches.
// POST /api/control/halt
func (h *ControlHandler) Halt(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "halt", h.engine.Halt)
}

// Resume re-enables launches.
// POST /api/control/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "resume", h.engine.Resume)
}

// UpdateRiskLimits replaces the portfolio limits with the request body.
// PUT /api/control/risk-limits
func (h *ControlHandler) UpdateRiskLimits(w http.ResponseWriter, r *http.Request) {
	var limits domain.RiskLimits
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLimitsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&limits); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := limits.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(w, r, "update_risk_limits", func(ctx context.Context, caller string) (bool, error) {
		return h.engine.UpdateRiskLimits(ctx, caller, limits)
	})
}

func (h *ControlHandler) run(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (bool, error)) {
	caller := middleware.Caller(r.Context())
	changed, err := fn(r.Context(), caller)
	if err != nil {
		h.logger.Error("http: control failed",
			slog.String("action", action),
			slog.String("caller", caller),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, action+" failed")
		return
	}
	h.logger.Info("http: control applied",
		slog.String("action", action),
		slog.String("caller", caller),
		slog.Bool("changed", changed),
	)
	writeJSON(w, http.StatusOK, controlResponse{
		Action:  action,
		Caller:  caller,
		Changed: changed,
		Halted:  h.engine.GetPortfolioState().TradingHalted,
	})
}
