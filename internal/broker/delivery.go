package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brokerhq/brokerd/internal/bus"
	"github.com/brokerhq/brokerd/internal/message"
)

// ErrDelivery wraps transport failures surfaced to strict-mode callers.
var ErrDelivery = errors.New("message delivery failed")

// ErrBadState indicates a delivery state transition that is not permitted.
var ErrBadState = errors.New("invalid delivery state transition")

// ErrMessageRecordNotFound indicates an unknown broker message id.
var ErrMessageRecordNotFound = errors.New("broker message not found")

// deliveryStore is the store surface the delivery pipeline needs. State
// transitions rely on the storage layer's row-level update semantics; no
// extra lock is introduced.
type deliveryStore interface {
	GetBroker(ctx context.Context, id string) (Broker, error)
	GetChannel(ctx context.Context, id string) (Channel, error)
	GetBrokerMessage(ctx context.Context, id string) (BrokerMessage, error)
	CreateBrokerMessage(ctx context.Context, rec BrokerMessage) (BrokerMessage, error)
	UpdateDeliveryState(ctx context.Context, id string, state DeliveryState, externalID, failureReason string) error
	TransitionState(ctx context.Context, id string, from, to DeliveryState) (bool, error)
	ListByMessage(ctx context.Context, messageID string) ([]BrokerMessage, error)
	ListOutgoingBefore(ctx context.Context, cutoff time.Time) ([]BrokerMessage, error)
}

// contentReader fetches outbound message content from the canonical store.
type contentReader interface {
	Content(ctx context.Context, messageID string) (string, []message.Attachment, error)
}

// Delivery is the outbound pipeline: it creates broker messages in outgoing
// state, invokes the adapter send, and tracks per-attempt delivery state.
type Delivery struct {
	registry *Registry
	store    deliveryStore
	content  contentReader
	bus      bus.Publisher
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDelivery creates a Delivery pipeline. timeout bounds each provider
// send attempt.
func NewDelivery(registry *Registry, store deliveryStore, content contentReader, publisher bus.Publisher, timeout time.Duration, log *slog.Logger) *Delivery {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = bus.Nop{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Delivery{
		registry: registry,
		store:    store,
		content:  content,
		bus:      publisher,
		timeout:  timeout,
		logger:   log.With(slog.String("component", "delivery")),
	}
}

// EnqueueAndSend creates a broker message in outgoing state for the given
// canonical message and immediately attempts delivery.
func (p *Delivery) EnqueueAndSend(ctx context.Context, messageID string, ch Channel, strict bool) (BrokerMessage, error) {
	rec, err := p.store.CreateBrokerMessage(ctx, BrokerMessage{
		ChannelID: ch.ID,
		MessageID: messageID,
		State:     StateOutgoing,
	})
	if err != nil {
		return BrokerMessage{}, err
	}
	if err := p.Send(ctx, rec, strict); err != nil {
		return rec, err
	}
	return p.store.GetBrokerMessage(ctx, rec.ID)
}

// Send attempts delivery of one outgoing broker message. On success the
// record moves to sent with the external id recorded; on transport failure
// it moves to exception with the failure reason. The message-updated topic
// is published after every attempt regardless of outcome. The error is
// propagated only in strict mode; otherwise it is swallowed so a bulk send
// loop is not aborted by one failure.
func (p *Delivery) Send(ctx context.Context, rec BrokerMessage, strict bool) error {
	sendErr := p.attempt(ctx, rec)

	state := StateSent
	if sendErr != nil {
		state = StateException
	}
	p.publishUpdate(ctx, rec, state)

	if sendErr == nil {
		return nil
	}
	p.logger.Error("send failed",
		slog.String("broker_message_id", rec.ID),
		slog.Any("error", sendErr),
	)
	if strict {
		return fmt.Errorf("%w: %v", ErrDelivery, sendErr)
	}
	return nil
}

func (p *Delivery) attempt(ctx context.Context, rec BrokerMessage) error {
	ch, err := p.store.GetChannel(ctx, rec.ChannelID)
	if err != nil {
		return p.recordFailure(ctx, rec, err)
	}
	b, err := p.store.GetBroker(ctx, ch.BrokerID)
	if err != nil {
		return p.recordFailure(ctx, rec, err)
	}
	sender, ok := p.registry.GetSender(b.ProviderType)
	if !ok {
		return p.recordFailure(ctx, rec, fmt.Errorf("no sender for provider %s", b.ProviderType))
	}
	body, attachments, err := p.content.Content(ctx, rec.MessageID)
	if err != nil {
		return p.recordFailure(ctx, rec, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	externalID, err := sender.SendMessage(sendCtx, b, Outbound{
		ChatToken:   ch.Token,
		Body:        body,
		Attachments: attachments,
	})
	if err != nil {
		return p.recordFailure(ctx, rec, err)
	}

	if err := p.store.UpdateDeliveryState(ctx, rec.ID, StateSent, externalID, ""); err != nil {
		return err
	}
	return nil
}

func (p *Delivery) recordFailure(ctx context.Context, rec BrokerMessage, cause error) error {
	if err := p.store.UpdateDeliveryState(ctx, rec.ID, StateException, "", cause.Error()); err != nil {
		p.logger.Error("record failure state",
			slog.String("broker_message_id", rec.ID),
			slog.Any("error", err),
		)
	}
	return cause
}

func (p *Delivery) publishUpdate(ctx context.Context, rec BrokerMessage, state DeliveryState) {
	payload := map[string]any{
		"broker_message_id": rec.ID,
		"message_id":        rec.MessageID,
		"state":             string(state),
	}
	if err := p.bus.Publish(ctx, bus.MessageUpdated(rec.ID), payload); err != nil {
		p.logger.Warn("bus publish failed",
			slog.String("broker_message_id", rec.ID),
			slog.Any("error", err),
		)
	}
}

// Cancel abandons a broker message. Terminal; used for stale outgoing rows.
func (p *Delivery) Cancel(ctx context.Context, id string) error {
	return p.store.UpdateDeliveryState(ctx, id, StateCancel, "", "")
}

// MarkOutgoing resets a failed message to outgoing for a manual retry.
// Only the exception state may be reset.
func (p *Delivery) MarkOutgoing(ctx context.Context, id string) error {
	ok, err := p.store.TransitionState(ctx, id, StateException, StateOutgoing)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadState
	}
	return nil
}

// Retry re-sends one broker message after MarkOutgoing.
func (p *Delivery) Retry(ctx context.Context, id string, strict bool) error {
	if err := p.MarkOutgoing(ctx, id); err != nil {
		return err
	}
	rec, err := p.store.GetBrokerMessage(ctx, id)
	if err != nil {
		return err
	}
	return p.Send(ctx, rec, strict)
}

// ResendPending re-attempts delivery of outgoing rows older than minAge.
// Used by the cron retry pass; failures stay in exception for manual review.
func (p *Delivery) ResendPending(ctx context.Context, minAge time.Duration) error {
	records, err := p.store.ListOutgoingBefore(ctx, time.Now().UTC().Add(-minAge))
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := p.Send(ctx, rec, false); err != nil {
			return err
		}
	}
	return nil
}

// StartRetryCron schedules the resend pass with the given cron spec.
// The returned cron is already started; callers stop it on shutdown.
func (p *Delivery) StartRetryCron(spec string, minAge time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := p.ResendPending(ctx, minAge); err != nil {
			p.logger.Error("resend pass failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule retry pass: %w", err)
	}
	c.Start()
	return c, nil
}

// PropagateEdit pushes a canonical-message body edit out to every provider
// copy that was already delivered. Providers without an edit capability are
// skipped; per-record failures are logged and do not stop the loop.
func (p *Delivery) PropagateEdit(ctx context.Context, messageID, body string) error {
	records, err := p.store.ListByMessage(ctx, messageID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.State != StateSent || rec.ExternalID == "" {
			continue
		}
		ch, err := p.store.GetChannel(ctx, rec.ChannelID)
		if err != nil {
			p.logger.Error("edit channel lookup", slog.Any("error", err))
			continue
		}
		b, err := p.store.GetBroker(ctx, ch.BrokerID)
		if err != nil {
			p.logger.Error("edit broker lookup", slog.Any("error", err))
			continue
		}
		editor, ok := p.registry.GetMessageEditor(b.ProviderType)
		if !ok {
			continue
		}
		editCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = editor.EditMessage(editCtx, b, ch.Token, rec.ExternalID, body)
		cancel()
		if err != nil {
			p.logger.Error("edit propagation failed",
				slog.String("broker_message_id", rec.ID),
				slog.Any("error", err),
			)
			continue
		}
		p.publishUpdate(ctx, rec, rec.State)
	}
	return nil
}

// EditedHook returns the message_edited subscriber that propagates body
// edits to delivered provider copies.
func (p *Delivery) EditedHook() message.EditedHook {
	return func(ctx context.Context, messageID, body string) {
		if err := p.PropagateEdit(ctx, messageID, body); err != nil {
			p.logger.Error("edit propagation",
				slog.String("message_id", messageID),
				slog.Any("error", err),
			)
		}
	}
}

// PostedHook returns the message_posted subscriber that enqueues outbound
// delivery for application posts on broker channels. Inbound posts are
// ignored: they were created by the dispatch path.
func (p *Delivery) PostedHook() message.PostedHook {
	return func(ctx context.Context, msg message.Message, req message.PostRequest) {
		if req.Inbound {
			return
		}
		ch, err := p.store.GetChannel(ctx, msg.ChannelID)
		if err != nil {
			if !errors.Is(err, ErrChannelNotFound) {
				p.logger.Error("posted hook channel lookup", slog.Any("error", err))
			}
			return
		}
		if ch.ChannelType != "broker" {
			return
		}
		if _, err := p.EnqueueAndSend(ctx, msg.ID, ch, false); err != nil {
			p.logger.Error("enqueue on post failed",
				slog.String("message_id", msg.ID),
				slog.Any("error", err),
			)
		}
	}
}
