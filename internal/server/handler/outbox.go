package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/inverstra/predictiondao/internal/domain"
)

// OutboxStats reports ledger outbox counts.
type OutboxStats interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxHandler exposes the state of pending ledger writes.
type OutboxHandler struct {
	outbox OutboxStats
	logger *slog.Logger
}

// NewOutboxHandler creates an OutboxHandler.
func NewOutboxHandler(outbox OutboxStats, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{outbox: outbox, logger: logger}
}

// Stats returns outbox entry counts by status.
// GET /api/outbox/stats
func (h *OutboxHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "outbox stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"outbox":  stats,
	})
}
