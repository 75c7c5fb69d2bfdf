package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// ArchiveHandler lists archived objects in cold storage.
type ArchiveHandler struct {
	reader domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(reader domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, logger: logger}
}

// List returns objects under archive/<kind>/, optionally narrowed to one
// day (YYYY-MM-DD).
// GET /api/archive?kind=opportunities&day=2026-03-01
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	switch kind {
	case "opportunities", "intents", "portfolio":
	default:
		writeError(w, http.StatusBadRequest, "kind must be opportunities, intents or portfolio")
		return
	}
	prefix := "archive/" + kind + "/"
	if day := q.Get("day"); day != "" {
		if strings.Contains(day, "/") {
			writeError(w, http.StatusBadRequest, "invalid day")
			return
		}
		prefix += day + "/"
	}
	objects, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		writeStoreError(w, h.logger, "list archive", err)
		return
	}
	if objects == nil {
		objects = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "objects": objects})
}
