package handler

import (
	"net/http"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// PortfolioHandler serves the committed portfolio snapshot.
type PortfolioHandler struct {
	state func() domain.PortfolioState
}

// NewPortfolioHandler creates a PortfolioHandler over state, typically
// engine.GetPortfolioState.
func NewPortfolioHandler(state func() domain.PortfolioState) *PortfolioHandler {
	return &PortfolioHandler{state: state}
}

// GetPortfolio returns exposure, P&L, the halt flag and limits. Amounts are
// integer micro-USD.
// GET /api/portfolio
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}
