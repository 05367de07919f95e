package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/glassrelay/glassrelay/internal/logger"
)

// LogsHandler serves the recent in-memory log history for quick diagnosis
// without shelling into the deployment.
type LogsHandler struct {
	logger *slog.Logger
	ring   *logger.Ring
}

func NewLogsHandler(log *slog.Logger, ring *logger.Ring) *LogsHandler {
	if ring == nil {
		ring = logger.DefaultRing
	}
	return &LogsHandler{
		logger: log.With(slog.String("handler", "logs")),
		ring:   ring,
	}
}

func (h *LogsHandler) Register(e *echo.Echo) {
	e.GET("/logs", h.List)
}

func (h *LogsHandler) List(c echo.Context) error {
	entries := h.ring.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "success",
		"data":   entries,
	})
}
