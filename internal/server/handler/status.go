package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// StatusSource returns one section of the status document.
type StatusSource func(ctx context.Context) (any, error)

// StatusHandler serves runtime counters of the running components.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	sources   map[string]StatusSource
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. Each source becomes a top-level
// key of the response.
func NewStatusHandler(mode string, startedAt time.Time, sources map[string]StatusSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, sources: sources, logger: logger}
}

// GetStatus reports the mode, uptime and every source. A failing source is
// reported in place instead of failing the whole response.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"mode":          h.mode,
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	}
	for name, src := range h.sources {
		v, err := src(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "status source failed", slog.String("source", name), slog.String("error", err.Error()))
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = v
	}
	writeJSON(w, http.StatusOK, out)
}
