package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 5000
)

// MarketHandler serves the published odds and history of a market.
type MarketHandler struct {
	markets domain.MarketStore
	history domain.HistoryStore
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets domain.MarketStore, history domain.HistoryStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, history: history, logger: logger}
}

// GetOdds returns the current odds of a market.
// GET /api/markets/{id}/odds
func (h *MarketHandler) GetOdds(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	odds, err := h.markets.GetOdds(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get odds failed", slog.String("market_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load odds")
		return
	}
	writeJSON(w, http.StatusOK, odds)
}

type historyResponse struct {
	MarketID string                    `json:"marketId"`
	Points   []domain.OddsHistoryPoint `json:"points"`
}

// GetHistory returns bucketed history, oldest first.
// GET /api/markets/{id}/history?outcome=&from=&to=&limit=
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}

	id := r.PathValue("id")
	points, err := h.history.List(r.Context(), domain.HistoryQuery{
		MarketID:  id,
		OutcomeID: q.Get("outcome"),
		From:      from,
		To:        to,
		Limit:     parseLimit(r, defaultHistoryLimit, maxHistoryLimit),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed", slog.String("market_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if points == nil {
		points = []domain.OddsHistoryPoint{}
	}
	writeJSON(w, http.StatusOK, historyResponse{MarketID: id, Points: points})
}
