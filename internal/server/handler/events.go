package handler

import (
	"net/http"
	"strconv"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// EventHistory is the lifecycle stream's in-memory tail.
type EventHistory interface {
	Recent(limit int) []domain.LifecycleEvent
	Seq() uint64
	Dropped() uint64
}

// EventsHandler serves recent lifecycle events.
type EventsHandler struct {
	history EventHistory
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(history EventHistory) *EventsHandler {
	return &EventsHandler{history: history}
}

// Recent returns up to limit (default 100) of the newest events, oldest
// first.
// GET /api/events?limit=100
func (h *EventsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs := h.history.Recent(limit)
	if evs == nil {
		evs = []domain.LifecycleEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  evs,
		"seq":     h.history.Seq(),
		"dropped": h.history.Dropped(),
	})
}
