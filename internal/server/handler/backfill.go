package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Enqueuer queues backfill jobs for a market.
type Enqueuer interface {
	EnqueueForMarket(ctx context.Context, marketID string, startTS *time.Time) ([]string, error)
}

// BackfillHandler triggers backfills on demand.
type BackfillHandler struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewBackfillHandler creates a BackfillHandler.
func NewBackfillHandler(e Enqueuer, logger *slog.Logger) *BackfillHandler {
	return &BackfillHandler{enqueuer: e, logger: logger}
}

type backfillRequest struct {
	MarketID string `json:"marketId"`
	StartTS  string `json:"startTs,omitempty"`
}

// Trigger queues one job per active token of the market.
// POST /api/backfill {"marketId":"...","startTs":"..."}
func (h *BackfillHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return
	}
	var start *time.Time
	if req.StartTS != "" {
		ts, err := parseTime(req.StartTS)
		if err != nil {
			writeError(w, http.StatusBadRequest, "startTs: "+err.Error())
			return
		}
		start = &ts
	}

	ids, err := h.enqueuer.EnqueueForMarket(r.Context(), req.MarketID, start)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "enqueue backfill failed", slog.String("market_id", req.MarketID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue backfill")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"marketId": req.MarketID, "jobs": ids})
}
