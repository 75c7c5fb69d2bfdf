package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// OpportunityQuerier is the engine's opportunity query surface.
type OpportunityQuerier interface {
	GetOpportunity(ctx context.Context, id string) (domain.Opportunity, error)
	ListActiveOpportunities(ctx context.Context, chainID *uint64) ([]domain.Opportunity, error)
}

// OpportunityHandler serves opportunity lookups.
type OpportunityHandler struct {
	engine OpportunityQuerier
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(engine OpportunityQuerier, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{engine: engine, logger: logger}
}

// GetOpportunity returns one opportunity with its latest status.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}
	opp, err := h.engine.GetOpportunity(r.Context(), id)
	if err != nil {
		writeStoreError(w, h.logger, "get opportunity", err)
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

// ListActive returns non-terminal opportunities, optionally for one chain.
// GET /api/opportunities?chain_id=1
func (h *OpportunityHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	var chainID *uint64
	if v := r.URL.Query().Get("chain_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "chain_id must be an unsigned integer")
			return
		}
		chainID = &id
	}
	opps, err := h.engine.ListActiveOpportunities(r.Context(), chainID)
	if err != nil {
		writeStoreError(w, h.logger, "list opportunities", err)
		return
	}
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps, "count": len(opps)})
}
