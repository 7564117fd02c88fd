package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// webhookStore is the store surface webhook lifecycle management needs.
type webhookStore interface {
	GetBroker(ctx context.Context, id string) (Broker, error)
	UpdateWebhookState(ctx context.Context, id string, state WebhookState) error
}

// WebhookService drives provider-side webhook registration for brokers and
// keeps the stored state in sync.
type WebhookService struct {
	registry *Registry
	store    webhookStore
	baseURL  string
	logger   *slog.Logger
}

// NewWebhookService creates a WebhookService. baseURL is the public origin
// inbound webhooks are served under.
func NewWebhookService(registry *Registry, store webhookStore, baseURL string, log *slog.Logger) *WebhookService {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookService{
		registry: registry,
		store:    store,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   log.With(slog.String("component", "webhook")),
	}
}

// URL returns the public webhook endpoint for a broker.
func (s *WebhookService) URL(b Broker) string {
	return fmt.Sprintf("%s/broker/%s/%s/update", s.baseURL, b.ProviderType, b.WebhookKey)
}

// Set registers the broker's webhook with its provider and records the
// resulting state. Re-registering replaces the previous registration.
func (s *WebhookService) Set(ctx context.Context, brokerID string) (WebhookState, error) {
	b, err := s.store.GetBroker(ctx, brokerID)
	if err != nil {
		return WebhookNone, err
	}
	if strings.TrimSpace(b.WebhookKey) == "" {
		return WebhookNone, fmt.Errorf("broker %s has no webhook key", brokerID)
	}
	mgr, ok := s.registry.GetWebhookManager(b.ProviderType)
	if !ok {
		return WebhookNone, fmt.Errorf("provider %s does not manage webhooks", b.ProviderType)
	}
	state, err := mgr.SetWebhook(ctx, b, s.URL(b))
	if err != nil {
		return WebhookNone, err
	}
	if err := s.store.UpdateWebhookState(ctx, b.ID, state); err != nil {
		return WebhookNone, err
	}
	s.logger.Info("webhook set",
		slog.String("broker_id", b.ID),
		slog.String("state", string(state)),
	)
	return state, nil
}

// Remove deregisters the broker's webhook and resets the stored state.
// Removing an unregistered webhook is a no-op.
func (s *WebhookService) Remove(ctx context.Context, brokerID string) error {
	b, err := s.store.GetBroker(ctx, brokerID)
	if err != nil {
		return err
	}
	if b.WebhookState == WebhookNone {
		return nil
	}
	mgr, ok := s.registry.GetWebhookManager(b.ProviderType)
	if !ok {
		return fmt.Errorf("provider %s does not manage webhooks", b.ProviderType)
	}
	if err := mgr.RemoveWebhook(ctx, b); err != nil {
		return err
	}
	if err := s.store.UpdateWebhookState(ctx, b.ID, WebhookNone); err != nil {
		return err
	}
	s.logger.Info("webhook removed", slog.String("broker_id", b.ID))
	return nil
}
