package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brokerhq/brokerd/internal/message"
)

// ErrPartnerNoPhone is returned when a partner record has no usable phone
// number to open a conversation with.
var ErrPartnerNoPhone = errors.New("partner has no phone number")

type composeStore interface {
	GetBroker(ctx context.Context, id string) (Broker, error)
	GetPartner(ctx context.Context, id string) (Actor, error)
	FindChannel(ctx context.Context, brokerID, token string) (Channel, error)
	CreateChannel(ctx context.Context, ch Channel) (Channel, error)
	CreatePartnerBinding(ctx context.Context, brokerID, token, partnerID string) error
}

// Composer opens a broker conversation toward a registered partner without
// waiting for the partner to write first. The channel token is the partner's
// phone digits, the key phone-addressed providers use for their chats.
type Composer struct {
	store    composeStore
	messages MessagePoster
	logger   *slog.Logger
}

// NewComposer creates a Composer.
func NewComposer(store composeStore, messages MessagePoster, log *slog.Logger) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{
		store:    store,
		messages: messages,
		logger:   log.With(slog.String("component", "composer")),
	}
}

// ComposeRequest is the input for a partner-directed compose.
type ComposeRequest struct {
	BrokerID    string
	PartnerID   string
	Body        string
	Attachments []message.Attachment
}

// ComposeToPartner finds or creates the partner's channel on the broker,
// binds the partner to it, and posts the message. Outbound delivery happens
// through the posted hook, same as any other channel post.
func (c *Composer) ComposeToPartner(ctx context.Context, req ComposeRequest) (message.Message, error) {
	b, err := c.store.GetBroker(ctx, req.BrokerID)
	if err != nil {
		return message.Message{}, err
	}
	partner, err := c.store.GetPartner(ctx, req.PartnerID)
	if err != nil {
		return message.Message{}, err
	}
	token := phoneDigits(partner.Phone)
	if token == "" {
		return message.Message{}, fmt.Errorf("%w: %s", ErrPartnerNoPhone, partner.ID)
	}

	ch, err := c.findOrCreateChannel(ctx, b, partner, token)
	if err != nil {
		return message.Message{}, err
	}
	if err := c.store.CreatePartnerBinding(ctx, b.ID, token, partner.ID); err != nil && !errors.Is(err, ErrDuplicate) {
		return message.Message{}, err
	}

	msg, err := c.messages.Post(ctx, message.PostRequest{
		ChannelID:   ch.ID,
		Body:        req.Body,
		Attachments: req.Attachments,
	})
	if err != nil {
		return message.Message{}, err
	}
	c.logger.Info("composed to partner",
		slog.String("broker_id", b.ID),
		slog.String("partner_id", partner.ID),
		slog.String("channel_id", ch.ID),
	)
	return msg, nil
}

func (c *Composer) findOrCreateChannel(ctx context.Context, b Broker, partner Actor, token string) (Channel, error) {
	ch, err := c.store.FindChannel(ctx, b.ID, token)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return Channel{}, err
	}
	ch, err = c.store.CreateChannel(ctx, Channel{
		BrokerID:    b.ID,
		Token:       token,
		Name:        partner.Name,
		ChannelType: "broker",
	})
	if errors.Is(err, ErrDuplicate) {
		// Lost a create race; the winner's channel serves just as well.
		return c.store.FindChannel(ctx, b.ID, token)
	}
	return ch, err
}
