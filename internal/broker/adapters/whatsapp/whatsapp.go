// Package whatsapp adapts a WhatsApp-style Business Cloud provider to the
// broker bridge: HMAC-signed webhook verification, hub challenge handshake,
// update normalization, and outbound sends through the graph API.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/brokerhq/brokerd/internal/broker"
)

// Type is the provider type this adapter registers under.
const Type = broker.ProviderType("whatsapp")

// signatureHeader carries the HMAC-SHA256 signature of the request body.
const signatureHeader = "X-Hub-Signature-256"

const defaultAPIBase = "https://graph.facebook.com/v17.0"

// stateStore persists webhook state transitions triggered by the provider
// handshake.
type stateStore interface {
	UpdateWebhookState(ctx context.Context, id string, state broker.WebhookState) error
}

// Adapter implements the broker capability interfaces for WhatsApp.
type Adapter struct {
	deps    broker.AdapterDeps
	states  stateStore
	logger  *slog.Logger
	apiBase string
}

// New creates a WhatsApp Adapter.
func New(deps broker.AdapterDeps, states stateStore, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		deps:    deps,
		states:  states,
		logger:  log.With(slog.String("adapter", "whatsapp")),
		apiBase: defaultAPIBase,
	}
}

// SetAPIBase overrides the graph API base URL.
func (a *Adapter) SetAPIBase(base string) {
	a.apiBase = strings.TrimRight(base, "/")
}

// Type returns the WhatsApp provider type.
func (a *Adapter) Type() broker.ProviderType {
	return Type
}

// Descriptor returns the WhatsApp provider metadata.
func (a *Adapter) Descriptor() broker.Descriptor {
	return broker.Descriptor{
		Type:        Type,
		DisplayName: "WhatsApp",
	}
}

// VerifyUpdate authenticates an inbound request. GETs run the hub
// handshake; POSTs must carry a valid body signature. A broker without a
// webhook secret rejects every signed update.
func (a *Adapter) VerifyUpdate(ctx context.Context, b broker.Broker, req broker.InboundRequest) broker.VerifyResult {
	if req.Method == http.MethodGet {
		return a.verifyHandshake(ctx, b, req)
	}
	if b.WebhookSecret == "" {
		return broker.VerifyResult{}
	}
	sig := strings.TrimPrefix(req.Header.Get(signatureHeader), "sha256=")
	if sig == "" {
		return broker.VerifyResult{}
	}
	mac := hmac.New(sha256.New, []byte(b.WebhookSecret))
	mac.Write(req.Body)
	want := hex.EncodeToString(mac.Sum(nil))
	return broker.VerifyResult{OK: hmac.Equal([]byte(sig), []byte(want))}
}

// verifyHandshake answers the provider's webhook verification GET. A token
// matching the broker's security key echoes the challenge back and
// completes a pending registration.
func (a *Adapter) verifyHandshake(ctx context.Context, b broker.Broker, req broker.InboundRequest) broker.VerifyResult {
	if b.SecurityKey == "" {
		a.logger.Debug("handshake rejected, no security key configured",
			slog.String("broker_id", b.ID))
		return broker.VerifyResult{}
	}
	token := req.Query.Get("hub.verify_token")
	if !hmac.Equal([]byte(token), []byte(b.SecurityKey)) {
		a.logger.Debug("handshake token mismatch", slog.String("broker_id", b.ID))
		return broker.VerifyResult{}
	}
	if b.WebhookState == broker.WebhookPending {
		if err := a.states.UpdateWebhookState(ctx, b.ID, broker.WebhookIntegrated); err != nil {
			a.logger.Error("webhook state update failed",
				slog.String("broker_id", b.ID),
				slog.Any("error", err))
			return broker.VerifyResult{}
		}
		a.logger.Info("webhook integrated", slog.String("broker_id", b.ID))
	}
	return broker.VerifyResult{OK: true, Challenge: req.Query.Get("hub.challenge")}
}

// ResolveChannel maps the update's sender to a channel. WhatsApp has no
// join command, so unknown senders always get a channel created.
func (a *Adapter) ResolveChannel(ctx context.Context, b broker.Broker, raw []byte, _ bool) (*broker.Channel, error) {
	payload, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	msg, contact, ok := payload.firstMessage()
	if !ok {
		return nil, nil
	}
	vals := broker.ChannelVals{Name: msg.From, AnonymousName: msg.From}
	if contact.Profile.Name != "" {
		vals.Name = contact.Profile.Name
	}
	return a.deps.GetOrCreateChannel(ctx, b, msg.From, vals, true)
}

// SetWebhook marks registration pending. The provider completes it through
// the handshake GET once the callback URL is configured upstream.
func (a *Adapter) SetWebhook(ctx context.Context, b broker.Broker, webhookURL string) (broker.WebhookState, error) {
	a.logger.Info("webhook pending handshake",
		slog.String("broker_id", b.ID),
		slog.String("url", webhookURL))
	return broker.WebhookPending, nil
}

// RemoveWebhook is a local-state operation; nothing is torn down upstream.
func (a *Adapter) RemoveWebhook(ctx context.Context, b broker.Broker) error {
	return nil
}
