// Package handlers wires the HTTP surface: the public webhook endpoint and
// the JWT-protected admin API.
package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/brokerhq/brokerd/internal/broker"
)

// maxUpdateBytes caps inbound webhook bodies.
const maxUpdateBytes = 10 << 20

// WebhookHandler exposes the public provider webhook endpoint. It is
// deliberately thin: everything beyond HTTP framing lives in the dispatcher.
type WebhookHandler struct {
	dispatcher *broker.Dispatcher
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(dispatcher *broker.Dispatcher, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		dispatcher: dispatcher,
		logger:     log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/broker/:provider/:token/update", h.Update)
	e.GET("/broker/:provider/:token/update", h.Update)
}

// Update handles one webhook delivery. The response is always 200: empty
// JSON for POSTs, the handshake challenge (or nothing) for GETs.
func (h *WebhookHandler) Update(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxUpdateBytes))
	if err != nil {
		h.logger.Warn("read update body failed", slog.Any("error", err))
		body = nil
	}
	ack := h.dispatcher.Receive(req.Context(), c.Param("provider"), c.Param("token"), broker.InboundRequest{
		Method: req.Method,
		Header: req.Header,
		Query:  c.QueryParams(),
		Body:   body,
	})
	if req.Method == http.MethodGet {
		return c.String(http.StatusOK, ack.Body)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}
