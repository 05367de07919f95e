package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/glassrelay/glassrelay/internal/webhook"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// EventSink consumes classified webhook events.
type EventSink interface {
	HandleEvent(ctx context.Context, ev webhook.Event) error
}

// WebhookHandler receives the messaging platform's webhook callbacks: the
// GET verification handshake and POST event deliveries.
type WebhookHandler struct {
	logger      *slog.Logger
	verifyToken string
	sink        EventSink
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(log *slog.Logger, verifyToken string, sink EventSink) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:      log.With(slog.String("handler", "webhook")),
		verifyToken: verifyToken,
		sink:        sink,
	}
}

// Register registers the webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhook", h.Verify)
	e.POST("/webhook", h.Receive)
}

// Verify answers the platform's subscription handshake: echo the challenge
// when the mode is "subscribe" and the verify token matches.
func (h *WebhookHandler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken {
		h.logger.Info("webhook verified")
		return c.String(http.StatusOK, challenge)
	}
	h.logger.Warn("webhook verification rejected", slog.String("mode", mode))
	return c.NoContent(http.StatusForbidden)
}

// Receive acknowledges the delivery immediately and hands the classified
// event to the relay in the background. The platform's delivery timeout must
// never wait on completion latency, so the 200 goes out regardless of what
// processing later does.
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(body)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	ev := webhook.Classify(body)
	ctx := context.WithoutCancel(c.Request().Context())
	go func() {
		if err := h.sink.HandleEvent(ctx, ev); err != nil {
			h.logger.Error("event processing failed", slog.Any("error", err))
		}
	}()

	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}
