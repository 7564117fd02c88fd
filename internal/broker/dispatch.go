package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// ErrBrokerNotFound indicates no broker matches an inbound route.
var ErrBrokerNotFound = errors.New("broker not found")

// routeStore is the minimal store surface the dispatcher needs.
type routeStore interface {
	GetBrokerByRoute(ctx context.Context, providerType ProviderType, webhookKey string) (Broker, error)
}

// Ack is the uniform webhook response. Body is empty except for
// handshake challenges; its shape never reveals whether a broker exists.
type Ack struct {
	Body string
}

// Dispatcher routes raw inbound webhook deliveries to the matching adapter.
type Dispatcher struct {
	registry *Registry
	brokers  routeStore
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry *Registry, brokers routeStore, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		brokers:  brokers,
		logger:   log.With(slog.String("component", "dispatch")),
	}
}

// Receive processes one inbound webhook delivery. Every failure path
// returns the same empty ack: the endpoint is attacker-reachable and must
// not leak which tokens exist or why an update was dropped.
func (d *Dispatcher) Receive(ctx context.Context, providerRaw, webhookKey string, req InboundRequest) Ack {
	providerType, err := d.registry.ParseProviderType(providerRaw)
	if err != nil {
		d.logger.Debug("unknown provider type", slog.String("provider", providerRaw))
		return Ack{}
	}

	b, err := d.brokers.GetBrokerByRoute(ctx, providerType, webhookKey)
	if err != nil {
		if errors.Is(err, ErrBrokerNotFound) {
			d.logger.Debug("no broker for route", slog.String("provider", providerRaw))
		} else {
			d.logger.Error("broker lookup failed", slog.Any("error", err))
		}
		return Ack{}
	}

	// Handshake GETs are accepted while registration is still pending;
	// regular updates require a fully integrated webhook.
	if req.Method == http.MethodGet {
		if b.WebhookState == WebhookNone {
			d.logger.Debug("handshake for unregistered webhook", slog.String("broker_id", b.ID))
			return Ack{}
		}
	} else if b.WebhookState != WebhookIntegrated {
		d.logger.Debug("update for non-integrated webhook", slog.String("broker_id", b.ID))
		return Ack{}
	}

	// Processing runs as the broker's service account, never as the caller.
	ctx = WithScope(ctx, Scope{
		BrokerID: b.ID,
		ActorID:  b.ServiceAccount,
		Notify:   true,
	})

	verifier, ok := d.registry.GetVerifier(providerType)
	if !ok {
		d.logger.Error("adapter has no verifier", slog.String("provider", providerRaw))
		return Ack{}
	}
	result := verifier.VerifyUpdate(ctx, b, req)
	if !result.OK {
		d.logger.Debug("verification failed", slog.String("broker_id", b.ID))
		return Ack{}
	}
	if result.Challenge != "" {
		return Ack{Body: result.Challenge}
	}
	if req.Method == http.MethodGet {
		return Ack{}
	}

	if pre, ok := d.registry.GetPreprocessor(providerType); ok {
		handled, err := pre.PreprocessUpdate(ctx, b, req.Body)
		if err != nil {
			d.logger.Error("preprocess failed", slog.String("broker_id", b.ID), slog.Any("error", err))
			return Ack{}
		}
		if handled {
			return Ack{}
		}
	}

	resolver, ok := d.registry.GetChannelResolver(providerType)
	if !ok {
		d.logger.Error("adapter has no channel resolver", slog.String("provider", providerRaw))
		return Ack{}
	}
	ch, err := resolver.ResolveChannel(ctx, b, req.Body, false)
	if err != nil {
		d.logger.Error("channel resolution failed", slog.String("broker_id", b.ID), slog.Any("error", err))
		return Ack{}
	}
	if ch == nil {
		d.logger.Debug("update from unknown chat dropped", slog.String("broker_id", b.ID))
		return Ack{}
	}

	poster, ok := d.registry.GetUpdatePoster(providerType)
	if !ok {
		d.logger.Error("adapter has no update poster", slog.String("provider", providerRaw))
		return Ack{}
	}
	if _, err := poster.ParseAndPost(ctx, b, *ch, req.Body); err != nil {
		d.logger.Error("parse and post failed",
			slog.String("broker_id", b.ID),
			slog.String("channel_id", ch.ID),
			slog.Any("error", err),
		)
	}
	return Ack{}
}
