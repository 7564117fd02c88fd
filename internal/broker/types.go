// Package broker implements the provider bridge core: webhook dispatch,
// adapter registry, identity resolution, and the outbound delivery pipeline.
package broker

import (
	"strings"
	"time"
)

// ProviderType identifies an external chat provider (e.g. "telegram", "whatsapp").
type ProviderType string

func (p ProviderType) String() string {
	return string(p)
}

// WebhookState tracks provider-side webhook registration.
type WebhookState string

const (
	WebhookNone       WebhookState = "none"
	WebhookPending    WebhookState = "pending"
	WebhookIntegrated WebhookState = "integrated"
)

// DeliveryState is the lifecycle state of a broker message.
type DeliveryState string

const (
	StateOutgoing  DeliveryState = "outgoing"
	StateSent      DeliveryState = "sent"
	StateException DeliveryState = "exception"
	StateCancel    DeliveryState = "cancel"
	StateReceived  DeliveryState = "received"
)

// Broker is a configured external provider integration.
type Broker struct {
	ID           string
	Name         string
	ProviderType ProviderType
	// Token authenticates outbound calls against the provider API.
	Token string
	// WebhookKey is the opaque routing token embedded in the public
	// webhook URL. (ProviderType, WebhookKey) uniquely routes inbound
	// updates to this broker.
	WebhookKey string
	// WebhookSecret signs or gates inbound webhook requests.
	WebhookSecret string
	// SecurityKey gates channel creation ("/start <key>") and
	// handshake-style webhook verification.
	SecurityKey  string
	WebhookState WebhookState
	// SenderAccount is the provider-side sending account id where one is
	// needed (e.g. a WhatsApp phone number id).
	SenderAccount string
	// ServiceAccount is the internal identity webhook processing runs as.
	ServiceAccount string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasChannelSecurity reports whether new-channel creation requires a key.
func (b Broker) HasChannelSecurity() bool {
	return strings.TrimSpace(b.SecurityKey) != ""
}

// Channel is a conversation thread bound to one broker and one external chat id.
type Channel struct {
	ID            string
	BrokerID      string
	Token         string
	Name          string
	AnonymousName string
	ChannelType   string
	CreatedAt     time.Time
}

// ChannelVals carries adapter-provided values for a channel about to be created.
type ChannelVals struct {
	Name          string
	AnonymousName string
}

// BrokerMessage is the delivery-tracking wrapper around a canonical message.
type BrokerMessage struct {
	ID            string
	ChannelID     string
	MessageID     string
	ExternalID    string
	State         DeliveryState
	FailureReason string
	Unread        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActorKind distinguishes registered partners from auto-created guests.
type ActorKind string

const (
	ActorPartner ActorKind = "partner"
	ActorGuest   ActorKind = "guest"
)

// Actor is the resolved author of an inbound message. Phone is only
// populated for partner lookups that load the full record.
type Actor struct {
	Kind  ActorKind
	ID    string
	Name  string
	Phone string
}

// ExternalIdentity describes a sender as seen by the provider.
type ExternalIdentity struct {
	// Token is the provider-scoped user identifier.
	Token string
	// DisplayName is a best-effort human name extracted from the update.
	DisplayName string
	// Phone carries the sender phone number for providers that expose one;
	// it takes part in registered-partner matching.
	Phone string
}
