package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brokerhq/brokerd/internal/bus"
	"github.com/brokerhq/brokerd/internal/message"
)

// ErrChannelNotFound indicates no channel exists for a (broker, token) pair.
var ErrChannelNotFound = errors.New("channel not found")

// channelStore is the store surface channel resolution needs.
type channelStore interface {
	FindChannel(ctx context.Context, brokerID, token string) (Channel, error)
	CreateChannel(ctx context.Context, ch Channel) (Channel, error)
}

// recordStore creates delivery-tracking records.
type recordStore interface {
	CreateBrokerMessage(ctx context.Context, rec BrokerMessage) (BrokerMessage, error)
}

// MessagePoster is the canonical messaging collaborator surface adapters use.
type MessagePoster interface {
	Post(ctx context.Context, req message.PostRequest) (message.Message, error)
}

// AdapterDeps bundles the collaborators every provider adapter composes
// with: channel find-or-create, identity resolution, canonical posting,
// and a bounded HTTP client for provider media fetches.
type AdapterDeps struct {
	Channels channelStore
	Identity *IdentityResolver
	Messages MessagePoster
	Records  recordStore
	Bus      bus.Publisher
	HTTP     *http.Client
	Logger   *slog.Logger
}

// GetOrCreateChannel finds the channel for an external chat token, creating
// it when forceCreate is set. Unknown chats without forceCreate resolve to
// nil so the caller drops the update. Duplicate-create races are retried as
// lookups.
func (d AdapterDeps) GetOrCreateChannel(ctx context.Context, b Broker, chatToken string, vals ChannelVals, forceCreate bool) (*Channel, error) {
	ch, err := d.Channels.FindChannel(ctx, b.ID, chatToken)
	if err == nil {
		return &ch, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return nil, err
	}
	if !forceCreate {
		return nil, nil
	}
	created, err := d.Channels.CreateChannel(ctx, Channel{
		BrokerID:      b.ID,
		Token:         chatToken,
		Name:          vals.Name,
		AnonymousName: vals.AnonymousName,
		ChannelType:   "broker",
	})
	if errors.Is(err, ErrDuplicate) {
		ch, err := d.Channels.FindChannel(ctx, b.ID, chatToken)
		if err != nil {
			return nil, err
		}
		return &ch, nil
	}
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// PostReceived posts a normalized inbound update as a canonical message and
// wraps it in a broker message in received state. When the processing scope
// enables notifications, the broker's update topic is published exactly once
// per created record.
func (d AdapterDeps) PostReceived(ctx context.Context, b Broker, ch Channel, req message.PostRequest) (*BrokerMessage, error) {
	req.ChannelID = ch.ID
	req.Inbound = true
	if req.PostedAt.IsZero() {
		req.PostedAt = time.Now().UTC()
	}
	msg, err := d.Messages.Post(ctx, req)
	if err != nil {
		return nil, err
	}
	rec, err := d.Records.CreateBrokerMessage(ctx, BrokerMessage{
		ChannelID: ch.ID,
		MessageID: msg.ID,
		State:     StateReceived,
		Unread:    true,
	})
	if err != nil {
		return nil, err
	}

	if scope, ok := ScopeFromContext(ctx); ok && scope.Notify && d.Bus != nil {
		payload := map[string]any{
			"message_id":        msg.ID,
			"broker_message_id": rec.ID,
			"channel_id":        ch.ID,
		}
		if err := d.Bus.Publish(ctx, bus.BrokerUpdates(b.ID), payload); err != nil && d.Logger != nil {
			d.Logger.Warn("bus publish failed",
				slog.String("broker_id", b.ID),
				slog.Any("error", err),
			)
		}
	}
	return &rec, nil
}
