package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/brokerhq/brokerd/internal/broker"
)

// BrokerStore is the store surface the admin API needs.
type BrokerStore interface {
	CreateBroker(ctx context.Context, b broker.Broker) (broker.Broker, error)
	GetBroker(ctx context.Context, id string) (broker.Broker, error)
	ListBrokers(ctx context.Context) ([]broker.Broker, error)
	CreatePartner(ctx context.Context, name, phone string) (broker.Actor, error)
}

// BrokersHandler manages broker configuration and webhook lifecycle.
type BrokersHandler struct {
	store    BrokerStore
	registry *broker.Registry
	webhooks *broker.WebhookService
	logger   *slog.Logger
}

// NewBrokersHandler creates a BrokersHandler.
func NewBrokersHandler(store BrokerStore, registry *broker.Registry, webhooks *broker.WebhookService, log *slog.Logger) *BrokersHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BrokersHandler{
		store:    store,
		registry: registry,
		webhooks: webhooks,
		logger:   log.With(slog.String("handler", "brokers")),
	}
}

func (h *BrokersHandler) Register(e *echo.Echo) {
	group := e.Group("/brokers")
	group.POST("", h.CreateBroker)
	group.GET("", h.ListBrokers)
	group.GET("/:id", h.GetBroker)
	group.POST("/:id/webhook", h.SetWebhook)
	group.PUT("/:id/webhook", h.UpdateWebhook)
	group.DELETE("/:id/webhook", h.RemoveWebhook)

	e.POST("/partners", h.CreatePartner)
}

type createBrokerRequest struct {
	Name          string `json:"name" validate:"required"`
	ProviderType  string `json:"provider_type" validate:"required"`
	Token         string `json:"token" validate:"required"`
	WebhookKey    string `json:"webhook_key" validate:"required"`
	WebhookSecret string `json:"webhook_secret"`
	SecurityKey   string `json:"security_key"`
	SenderAccount string `json:"sender_account"`
}

type brokerResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ProviderType  string    `json:"provider_type"`
	WebhookKey    string    `json:"webhook_key"`
	WebhookState  string    `json:"webhook_state"`
	SenderAccount string    `json:"sender_account,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// API credentials and secrets stay out of responses.
func toBrokerResponse(b broker.Broker) brokerResponse {
	return brokerResponse{
		ID:            b.ID,
		Name:          b.Name,
		ProviderType:  string(b.ProviderType),
		WebhookKey:    b.WebhookKey,
		WebhookState:  string(b.WebhookState),
		SenderAccount: b.SenderAccount,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func (h *BrokersHandler) CreateBroker(c echo.Context) error {
	var req createBrokerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	providerType, err := h.registry.ParseProviderType(req.ProviderType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.store.CreateBroker(c.Request().Context(), broker.Broker{
		Name:          req.Name,
		ProviderType:  providerType,
		Token:         req.Token,
		WebhookKey:    req.WebhookKey,
		WebhookSecret: req.WebhookSecret,
		SecurityKey:   req.SecurityKey,
		SenderAccount: req.SenderAccount,
	})
	if errors.Is(err, broker.ErrDuplicate) {
		return echo.NewHTTPError(http.StatusConflict, "webhook key already in use for this provider")
	}
	if err != nil {
		h.logger.Error("create broker failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "create broker failed")
	}
	return c.JSON(http.StatusCreated, toBrokerResponse(created))
}

func (h *BrokersHandler) ListBrokers(c echo.Context) error {
	items, err := h.store.ListBrokers(c.Request().Context())
	if err != nil {
		h.logger.Error("list brokers failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list brokers failed")
	}
	out := make([]brokerResponse, 0, len(items))
	for _, b := range items {
		out = append(out, toBrokerResponse(b))
	}
	return c.JSON(http.StatusOK, map[string]any{"items": out})
}

func (h *BrokersHandler) GetBroker(c echo.Context) error {
	b, err := h.store.GetBroker(c.Request().Context(), c.Param("id"))
	if errors.Is(err, broker.ErrBrokerNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "broker not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid broker id")
	}
	return c.JSON(http.StatusOK, toBrokerResponse(b))
}

func (h *BrokersHandler) SetWebhook(c echo.Context) error {
	state, err := h.webhooks.Set(c.Request().Context(), c.Param("id"))
	if errors.Is(err, broker.ErrBrokerNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "broker not found")
	}
	if err != nil {
		h.logger.Error("set webhook failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"webhook_state": string(state)})
}

// UpdateWebhook re-registers the webhook from scratch.
func (h *BrokersHandler) UpdateWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.webhooks.Remove(ctx, id); err != nil {
		if errors.Is(err, broker.ErrBrokerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "broker not found")
		}
		h.logger.Error("remove webhook failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	state, err := h.webhooks.Set(ctx, id)
	if err != nil {
		h.logger.Error("set webhook failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"webhook_state": string(state)})
}

func (h *BrokersHandler) RemoveWebhook(c echo.Context) error {
	err := h.webhooks.Remove(c.Request().Context(), c.Param("id"))
	if errors.Is(err, broker.ErrBrokerNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "broker not found")
	}
	if err != nil {
		h.logger.Error("remove webhook failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type createPartnerRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone"`
}

// CreatePartner registers a partner so inbound phone matching and outbound
// composition can target a known identity.
func (h *BrokersHandler) CreatePartner(c echo.Context) error {
	var req createPartnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, err := h.store.CreatePartner(c.Request().Context(), req.Name, req.Phone)
	if err != nil {
		h.logger.Error("create partner failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "create partner failed")
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"id":   actor.ID,
		"name": actor.Name,
	})
}
