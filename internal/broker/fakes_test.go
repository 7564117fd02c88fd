package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/brokerhq/brokerd/internal/message"
)

// memStore is an in-memory stand-in for the pgx Store used across the
// package tests.
type memStore struct {
	brokers      map[string]Broker
	channels     map[string]Channel // keyed brokerID|token
	channelsByID map[string]Channel
	records      map[string]BrokerMessage
	bindings     map[string]Actor // keyed brokerID|token
	phones       map[string]Actor
	partners     map[string]Actor // keyed by partner ID
	guests       map[string]Actor // keyed brokerID|token
	nextID       int

	// guestRaceWinner, when set, makes CreateGuest lose a simulated
	// concurrent create: the winner appears in the store and ErrDuplicate
	// is returned.
	guestRaceWinner *Actor
}

func newMemStore() *memStore {
	return &memStore{
		brokers:      map[string]Broker{},
		channels:     map[string]Channel{},
		channelsByID: map[string]Channel{},
		records:      map[string]BrokerMessage{},
		bindings:     map[string]Actor{},
		phones:       map[string]Actor{},
		partners:     map[string]Actor{},
		guests:       map[string]Actor{},
	}
}

func (s *memStore) id(prefix string) string {
	s.nextID++
	return prefix + "-" + strconv.Itoa(s.nextID)
}

func (s *memStore) addBroker(b Broker) Broker {
	if b.ID == "" {
		b.ID = s.id("b")
	}
	s.brokers[b.ID] = b
	return b
}

func (s *memStore) addChannel(ch Channel) Channel {
	if ch.ID == "" {
		ch.ID = s.id("ch")
	}
	if ch.ChannelType == "" {
		ch.ChannelType = "broker"
	}
	s.channels[ch.BrokerID+"|"+ch.Token] = ch
	s.channelsByID[ch.ID] = ch
	return ch
}

func (s *memStore) GetBroker(_ context.Context, id string) (Broker, error) {
	if b, ok := s.brokers[id]; ok {
		return b, nil
	}
	return Broker{}, ErrBrokerNotFound
}

func (s *memStore) GetBrokerByRoute(_ context.Context, pt ProviderType, key string) (Broker, error) {
	for _, b := range s.brokers {
		if b.ProviderType == pt && b.WebhookKey == key {
			return b, nil
		}
	}
	return Broker{}, ErrBrokerNotFound
}

func (s *memStore) UpdateWebhookState(_ context.Context, id string, state WebhookState) error {
	b, ok := s.brokers[id]
	if !ok {
		return ErrBrokerNotFound
	}
	b.WebhookState = state
	s.brokers[id] = b
	return nil
}

func (s *memStore) FindChannel(_ context.Context, brokerID, token string) (Channel, error) {
	if ch, ok := s.channels[brokerID+"|"+token]; ok {
		return ch, nil
	}
	return Channel{}, ErrChannelNotFound
}

func (s *memStore) GetChannel(_ context.Context, id string) (Channel, error) {
	if ch, ok := s.channelsByID[id]; ok {
		return ch, nil
	}
	return Channel{}, ErrChannelNotFound
}

func (s *memStore) CreateChannel(_ context.Context, ch Channel) (Channel, error) {
	if _, exists := s.channels[ch.BrokerID+"|"+ch.Token]; exists {
		return Channel{}, fmt.Errorf("%w: channel", ErrDuplicate)
	}
	return s.addChannel(ch), nil
}

func (s *memStore) addPartner(a Actor) Actor {
	if a.ID == "" {
		a.ID = s.id("p")
	}
	a.Kind = ActorPartner
	s.partners[a.ID] = a
	if a.Phone != "" {
		s.phones[a.Phone] = a
	}
	return a
}

func (s *memStore) GetPartner(_ context.Context, id string) (Actor, error) {
	if a, ok := s.partners[id]; ok {
		return a, nil
	}
	return Actor{}, ErrActorNotFound
}

func (s *memStore) FindPartnerBinding(_ context.Context, brokerID, token string) (Actor, error) {
	if actor, ok := s.bindings[brokerID+"|"+token]; ok {
		return actor, nil
	}
	return Actor{}, ErrActorNotFound
}

func (s *memStore) FindPartnerByPhone(_ context.Context, phone string) (Actor, error) {
	if actor, ok := s.phones[phone]; ok {
		return actor, nil
	}
	return Actor{}, ErrActorNotFound
}

func (s *memStore) CreatePartnerBinding(_ context.Context, brokerID, token, partnerID string) error {
	key := brokerID + "|" + token
	if _, exists := s.bindings[key]; exists {
		return fmt.Errorf("%w: binding", ErrDuplicate)
	}
	s.bindings[key] = Actor{Kind: ActorPartner, ID: partnerID}
	return nil
}

func (s *memStore) FindGuest(_ context.Context, brokerID, token string) (Actor, error) {
	if actor, ok := s.guests[brokerID+"|"+token]; ok {
		return actor, nil
	}
	return Actor{}, ErrActorNotFound
}

func (s *memStore) CreateGuest(_ context.Context, brokerID, token, name string) (Actor, error) {
	key := brokerID + "|" + token
	if s.guestRaceWinner != nil {
		s.guests[key] = *s.guestRaceWinner
		s.guestRaceWinner = nil
		return Actor{}, fmt.Errorf("%w: guest", ErrDuplicate)
	}
	if _, exists := s.guests[key]; exists {
		return Actor{}, fmt.Errorf("%w: guest", ErrDuplicate)
	}
	actor := Actor{Kind: ActorGuest, ID: s.id("guest"), Name: name}
	s.guests[key] = actor
	return actor, nil
}

func (s *memStore) CreateBrokerMessage(_ context.Context, rec BrokerMessage) (BrokerMessage, error) {
	rec.ID = s.id("rec")
	if rec.State == "" {
		rec.State = StateOutgoing
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *memStore) GetBrokerMessage(_ context.Context, id string) (BrokerMessage, error) {
	if rec, ok := s.records[id]; ok {
		return rec, nil
	}
	return BrokerMessage{}, ErrMessageRecordNotFound
}

func (s *memStore) UpdateDeliveryState(_ context.Context, id string, state DeliveryState, externalID, failureReason string) error {
	rec, ok := s.records[id]
	if !ok {
		return ErrMessageRecordNotFound
	}
	rec.State = state
	rec.ExternalID = externalID
	rec.FailureReason = failureReason
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

func (s *memStore) TransitionState(_ context.Context, id string, from, to DeliveryState) (bool, error) {
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if rec.State != from {
		return false, nil
	}
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return true, nil
}

func (s *memStore) ListByMessage(_ context.Context, messageID string) ([]BrokerMessage, error) {
	var items []BrokerMessage
	for _, rec := range s.records {
		if rec.MessageID == messageID {
			items = append(items, rec)
		}
	}
	return items, nil
}

func (s *memStore) ListOutgoingBefore(_ context.Context, cutoff time.Time) ([]BrokerMessage, error) {
	var items []BrokerMessage
	for _, rec := range s.records {
		if rec.State == StateOutgoing && rec.UpdatedAt.Before(cutoff) {
			items = append(items, rec)
		}
	}
	return items, nil
}

// fakeAdapter implements every capability interface with overridable hooks.
type fakeAdapter struct {
	typ        ProviderType
	verify     func(ctx context.Context, b Broker, req InboundRequest) VerifyResult
	preprocess func(ctx context.Context, b Broker, raw []byte) (bool, error)
	resolve    func(ctx context.Context, b Broker, raw []byte, forceCreate bool) (*Channel, error)
	parse      func(ctx context.Context, b Broker, ch Channel, raw []byte) (*BrokerMessage, error)
	send       func(ctx context.Context, b Broker, out Outbound) (string, error)
	edit       func(ctx context.Context, b Broker, chatToken, externalID, body string) error
	setHook    func(ctx context.Context, b Broker, url string) (WebhookState, error)
	removeHook func(ctx context.Context, b Broker) error
}

func (f *fakeAdapter) Type() ProviderType { return f.typ }

func (f *fakeAdapter) Descriptor() Descriptor {
	return Descriptor{Type: f.typ, DisplayName: string(f.typ)}
}

func (f *fakeAdapter) VerifyUpdate(ctx context.Context, b Broker, req InboundRequest) VerifyResult {
	if f.verify == nil {
		return VerifyResult{OK: true}
	}
	return f.verify(ctx, b, req)
}

func (f *fakeAdapter) PreprocessUpdate(ctx context.Context, b Broker, raw []byte) (bool, error) {
	if f.preprocess == nil {
		return false, nil
	}
	return f.preprocess(ctx, b, raw)
}

func (f *fakeAdapter) ResolveChannel(ctx context.Context, b Broker, raw []byte, forceCreate bool) (*Channel, error) {
	if f.resolve == nil {
		return nil, nil
	}
	return f.resolve(ctx, b, raw, forceCreate)
}

func (f *fakeAdapter) ParseAndPost(ctx context.Context, b Broker, ch Channel, raw []byte) (*BrokerMessage, error) {
	if f.parse == nil {
		return nil, nil
	}
	return f.parse(ctx, b, ch, raw)
}

func (f *fakeAdapter) SendMessage(ctx context.Context, b Broker, out Outbound) (string, error) {
	if f.send == nil {
		return "ext-1", nil
	}
	return f.send(ctx, b, out)
}

func (f *fakeAdapter) EditMessage(ctx context.Context, b Broker, chatToken, externalID, body string) error {
	if f.edit == nil {
		return nil
	}
	return f.edit(ctx, b, chatToken, externalID, body)
}

func (f *fakeAdapter) SetWebhook(ctx context.Context, b Broker, url string) (WebhookState, error) {
	if f.setHook == nil {
		return WebhookIntegrated, nil
	}
	return f.setHook(ctx, b, url)
}

func (f *fakeAdapter) RemoveWebhook(ctx context.Context, b Broker) error {
	if f.removeHook == nil {
		return nil
	}
	return f.removeHook(ctx, b)
}

// fakeContent serves canonical message content by id.
type fakeContent struct {
	bodies      map[string]string
	attachments map[string][]message.Attachment
}

func (f *fakeContent) Content(_ context.Context, messageID string) (string, []message.Attachment, error) {
	body, ok := f.bodies[messageID]
	if !ok {
		return "", nil, message.ErrMessageNotFound
	}
	return body, f.attachments[messageID], nil
}

// capturingBus records published envelopes.
type capturingBus struct {
	topics   []string
	payloads []any
}

func (c *capturingBus) Publish(_ context.Context, topic string, payload any) error {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capturingBus) Close() error { return nil }
