package handlers

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

// SystemInfoHandler reports process runtime stats.
type SystemInfoHandler struct {
	logger    *slog.Logger
	startedAt time.Time
}

func NewSystemInfoHandler(log *slog.Logger) *SystemInfoHandler {
	return &SystemInfoHandler{
		logger:    log.With(slog.String("handler", "system_info")),
		startedAt: time.Now(),
	}
}

func (h *SystemInfoHandler) Register(e *echo.Echo) {
	e.GET("/system-info", h.Info)
}

func (h *SystemInfoHandler) Info(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory": map[string]uint64{
			"alloc_bytes":       mem.Alloc,
			"total_alloc_bytes": mem.TotalAlloc,
			"sys_bytes":         mem.Sys,
			"num_gc":            uint64(mem.NumGC),
		},
		"platform":  runtime.GOOS + "/" + runtime.GOARCH,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
