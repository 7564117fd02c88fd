package broker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/brokerhq/brokerd/internal/message"
)

// InboundRequest is the provider-facing view of one webhook delivery.
type InboundRequest struct {
	Method string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// VerifyResult is the outcome of inbound authenticity verification.
// A non-empty Challenge is returned verbatim as the HTTP response body
// (handshake-style webhook registration).
type VerifyResult struct {
	OK        bool
	Challenge string
}

// Descriptor holds read-only metadata for a registered provider type.
type Descriptor struct {
	Type        ProviderType
	DisplayName string
}

// Adapter is the base interface every provider adapter must implement.
// All behavior beyond identification is expressed through the optional
// capability interfaces below; the Registry dispatches on them.
type Adapter interface {
	Type() ProviderType
	Descriptor() Descriptor
}

// Verifier authenticates an inbound webhook request for a broker.
// Implementations must not distinguish failure causes to the caller.
type Verifier interface {
	VerifyUpdate(ctx context.Context, b Broker, req InboundRequest) VerifyResult
}

// Preprocessor lets an adapter short-circuit control commands (for example
// a "/start" channel-creation command) before normal message processing.
type Preprocessor interface {
	PreprocessUpdate(ctx context.Context, b Broker, raw []byte) (handled bool, err error)
}

// ChannelResolver finds or creates the channel an update belongs to.
// It returns nil (and no error) when the chat is unknown and creation is
// not forced: such updates are dropped.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, b Broker, raw []byte, forceCreate bool) (*Channel, error)
}

// UpdatePoster normalizes a provider update into a canonical message and
// posts it in received state. It returns nil when the update carries
// nothing to post.
type UpdatePoster interface {
	ParseAndPost(ctx context.Context, b Broker, ch Channel, raw []byte) (*BrokerMessage, error)
}

// Outbound is one message ready for provider delivery.
type Outbound struct {
	// ChatToken is the external chat id bound to the target channel.
	ChatToken   string
	Body        string
	Attachments []message.Attachment
}

// Sender delivers one outbound message: body first, then attachments in
// order. It returns the primary external message id (the first successful
// send).
type Sender interface {
	SendMessage(ctx context.Context, b Broker, out Outbound) (externalID string, err error)
}

// MessageEditor rewrites an already delivered message in place. Providers
// without an edit API simply do not implement it.
type MessageEditor interface {
	EditMessage(ctx context.Context, b Broker, chatToken, externalID, body string) error
}

// WebhookManager handles provider-side webhook registration. Both
// operations are idempotent: setting an already-registered webhook replaces
// it, removing an unregistered one is a no-op.
type WebhookManager interface {
	// SetWebhook registers webhookURL with the provider and returns the
	// resulting integration state (some providers complete integration
	// only after a separate handshake).
	SetWebhook(ctx context.Context, b Broker, webhookURL string) (WebhookState, error)
	RemoveWebhook(ctx context.Context, b Broker) error
}
