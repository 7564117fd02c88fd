package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/message"
)

// MessagePoster posts and edits canonical messages.
type MessagePoster interface {
	Post(ctx context.Context, req message.PostRequest) (message.Message, error)
	UpdateBody(ctx context.Context, messageID, body string) error
}

// PartnerComposer opens partner-directed conversations.
type PartnerComposer interface {
	ComposeToPartner(ctx context.Context, req broker.ComposeRequest) (message.Message, error)
}

// DeliveryController drives manual delivery state changes.
type DeliveryController interface {
	Retry(ctx context.Context, id string, strict bool) error
	Cancel(ctx context.Context, id string) error
}

// MessagesHandler composes outbound messages and drives retries and
// cancellations of queued deliveries.
type MessagesHandler struct {
	messages MessagePoster
	composer PartnerComposer
	delivery DeliveryController
	logger   *slog.Logger
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(messages MessagePoster, composer PartnerComposer, delivery DeliveryController, log *slog.Logger) *MessagesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessagesHandler{
		messages: messages,
		composer: composer,
		delivery: delivery,
		logger:   log.With(slog.String("handler", "messages")),
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/channels/:id/messages", h.Compose)
	e.POST("/partners/:id/messages", h.ComposeToPartner)
	e.PUT("/messages/:id", h.Edit)
	e.POST("/broker-messages/:id/retry", h.Retry)
	e.POST("/broker-messages/:id/cancel", h.Cancel)
}

type composeAttachment struct {
	Name    string `json:"name" validate:"required"`
	Mime    string `json:"mime"`
	Content string `json:"content" validate:"required"`
}

type composeRequest struct {
	Body        string              `json:"body"`
	Attachments []composeAttachment `json:"attachments" validate:"dive"`
}

// Compose posts a canonical message on a channel. Delivery to the provider
// happens through the posted hook, so a 201 means queued, not delivered.
func (h *MessagesHandler) Compose(c echo.Context) error {
	var req composeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	attachments, err := decodeAttachments(req.Attachments)
	if err != nil {
		return err
	}
	post := message.PostRequest{
		ChannelID:   c.Param("id"),
		Body:        req.Body,
		Attachments: attachments,
	}
	if post.IsEmpty() {
		return echo.NewHTTPError(http.StatusBadRequest, "message needs a body or attachments")
	}
	msg, err := h.messages.Post(c.Request().Context(), post)
	if err != nil {
		h.logger.Error("compose failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "compose failed")
	}
	return c.JSON(http.StatusCreated, map[string]string{"message_id": msg.ID})
}

func decodeAttachments(in []composeAttachment) ([]message.Attachment, error) {
	attachments := make([]message.Attachment, 0, len(in))
	for _, a := range in {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "attachment content is not valid base64")
		}
		attachments = append(attachments, message.Attachment{
			Name:    a.Name,
			Mime:    a.Mime,
			Content: content,
		})
	}
	return attachments, nil
}

type partnerComposeRequest struct {
	BrokerID    string              `json:"broker_id" validate:"required"`
	Body        string              `json:"body"`
	Attachments []composeAttachment `json:"attachments" validate:"dive"`
}

// ComposeToPartner opens a conversation toward a registered partner on a
// broker, creating the channel from the partner's phone when needed.
func (h *MessagesHandler) ComposeToPartner(c echo.Context) error {
	var req partnerComposeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	attachments, err := decodeAttachments(req.Attachments)
	if err != nil {
		return err
	}
	if req.Body == "" && len(attachments) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "message needs a body or attachments")
	}
	msg, err := h.composer.ComposeToPartner(c.Request().Context(), broker.ComposeRequest{
		BrokerID:    req.BrokerID,
		PartnerID:   c.Param("id"),
		Body:        req.Body,
		Attachments: attachments,
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, map[string]string{"message_id": msg.ID})
	case errors.Is(err, broker.ErrBrokerNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "broker not found")
	case errors.Is(err, broker.ErrActorNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "partner not found")
	case errors.Is(err, broker.ErrPartnerNoPhone):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "partner has no phone number")
	default:
		h.logger.Error("partner compose failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "compose failed")
	}
}

type editRequest struct {
	Body string `json:"body" validate:"required"`
}

// Edit rewrites a message body. Delivered provider copies are edited through
// the edited hook, so failures there surface in the logs, not here.
func (h *MessagesHandler) Edit(c echo.Context) error {
	var req editRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := h.messages.UpdateBody(c.Request().Context(), c.Param("id"), req.Body)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"message_id": c.Param("id")})
	case errors.Is(err, message.ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	default:
		h.logger.Error("edit failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "edit failed")
	}
}

// Retry re-sends a failed delivery. The record moves back to outgoing first,
// so a transport failure here leaves it retryable again.
func (h *MessagesHandler) Retry(c echo.Context) error {
	err := h.delivery.Retry(c.Request().Context(), c.Param("id"), true)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"state": string(broker.StateSent)})
	case errors.Is(err, broker.ErrMessageRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "broker message not found")
	case errors.Is(err, broker.ErrBadState):
		return echo.NewHTTPError(http.StatusConflict, "broker message is not in a retryable state")
	case errors.Is(err, broker.ErrDelivery):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("retry failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retry failed")
	}
}

func (h *MessagesHandler) Cancel(c echo.Context) error {
	err := h.delivery.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"state": string(broker.StateCancel)})
	case errors.Is(err, broker.ErrMessageRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "broker message not found")
	case errors.Is(err, broker.ErrBadState):
		return echo.NewHTTPError(http.StatusConflict, "broker message cannot be cancelled")
	default:
		h.logger.Error("cancel failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "cancel failed")
	}
}
