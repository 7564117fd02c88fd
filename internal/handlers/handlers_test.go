package handlers

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/message"
)

type testValidator struct {
	validate *validator.Validate
}

func (v *testValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = &testValidator{validate: validator.New()}
	return e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// stubAdapter implements the base adapter plus whichever capabilities the
// test installs through its func fields.
type stubAdapter struct {
	providerType broker.ProviderType
	verify       func(ctx context.Context, b broker.Broker, req broker.InboundRequest) broker.VerifyResult
	resolve      func(ctx context.Context, b broker.Broker, raw []byte, forceCreate bool) (*broker.Channel, error)
	parse        func(ctx context.Context, b broker.Broker, ch broker.Channel, raw []byte) (*broker.BrokerMessage, error)
	setHook      func(ctx context.Context, b broker.Broker, webhookURL string) (broker.WebhookState, error)
	removeHook   func(ctx context.Context, b broker.Broker) error
}

func (a *stubAdapter) Type() broker.ProviderType { return a.providerType }

func (a *stubAdapter) Descriptor() broker.Descriptor {
	return broker.Descriptor{Type: a.providerType, DisplayName: string(a.providerType)}
}

func (a *stubAdapter) VerifyUpdate(ctx context.Context, b broker.Broker, req broker.InboundRequest) broker.VerifyResult {
	if a.verify == nil {
		return broker.VerifyResult{OK: true}
	}
	return a.verify(ctx, b, req)
}

func (a *stubAdapter) ResolveChannel(ctx context.Context, b broker.Broker, raw []byte, forceCreate bool) (*broker.Channel, error) {
	if a.resolve == nil {
		return &broker.Channel{ID: "chan-1", BrokerID: b.ID, Token: "chat-1"}, nil
	}
	return a.resolve(ctx, b, raw, forceCreate)
}

func (a *stubAdapter) ParseAndPost(ctx context.Context, b broker.Broker, ch broker.Channel, raw []byte) (*broker.BrokerMessage, error) {
	if a.parse == nil {
		return nil, nil
	}
	return a.parse(ctx, b, ch, raw)
}

func (a *stubAdapter) SetWebhook(ctx context.Context, b broker.Broker, webhookURL string) (broker.WebhookState, error) {
	if a.setHook == nil {
		return broker.WebhookIntegrated, nil
	}
	return a.setHook(ctx, b, webhookURL)
}

func (a *stubAdapter) RemoveWebhook(ctx context.Context, b broker.Broker) error {
	if a.removeHook == nil {
		return nil
	}
	return a.removeHook(ctx, b)
}

// adminStore backs the admin API with in-memory brokers. It also serves as
// the dispatcher route store and the webhook state store.
type adminStore struct {
	mu       sync.Mutex
	brokers  map[string]broker.Broker
	partners []broker.Actor
	nextID   int
}

func newAdminStore() *adminStore {
	return &adminStore{brokers: map[string]broker.Broker{}}
}

func (s *adminStore) add(b broker.Broker) broker.Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		s.nextID++
		b.ID = "brk-" + strconv.Itoa(s.nextID)
	}
	s.brokers[b.ID] = b
	return b
}

func (s *adminStore) CreateBroker(_ context.Context, b broker.Broker) (broker.Broker, error) {
	s.mu.Lock()
	for _, existing := range s.brokers {
		if existing.ProviderType == b.ProviderType && existing.WebhookKey == b.WebhookKey {
			s.mu.Unlock()
			return broker.Broker{}, broker.ErrDuplicate
		}
	}
	s.mu.Unlock()
	if b.WebhookState == "" {
		b.WebhookState = broker.WebhookNone
	}
	return s.add(b), nil
}

func (s *adminStore) GetBroker(_ context.Context, id string) (broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.brokers[id]
	if !ok {
		return broker.Broker{}, broker.ErrBrokerNotFound
	}
	return b, nil
}

func (s *adminStore) GetBrokerByRoute(_ context.Context, providerType broker.ProviderType, webhookKey string) (broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.brokers {
		if b.ProviderType == providerType && b.WebhookKey == webhookKey {
			return b, nil
		}
	}
	return broker.Broker{}, broker.ErrBrokerNotFound
}

func (s *adminStore) ListBrokers(_ context.Context) ([]broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.Broker, 0, len(s.brokers))
	for _, b := range s.brokers {
		out = append(out, b)
	}
	return out, nil
}

func (s *adminStore) UpdateWebhookState(_ context.Context, id string, state broker.WebhookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.brokers[id]
	if !ok {
		return broker.ErrBrokerNotFound
	}
	b.WebhookState = state
	s.brokers[id] = b
	return nil
}

func (s *adminStore) CreatePartner(_ context.Context, name, phone string) (broker.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor := broker.Actor{Kind: "partner", ID: "prt-1", Name: name}
	s.partners = append(s.partners, actor)
	_ = phone
	return actor, nil
}

// fakePoster records canonical posts and body edits.
type fakePoster struct {
	posts   []message.PostRequest
	edits   map[string]string
	err     error
	editErr error
}

func (p *fakePoster) Post(_ context.Context, req message.PostRequest) (message.Message, error) {
	if p.err != nil {
		return message.Message{}, p.err
	}
	p.posts = append(p.posts, req)
	return message.Message{ID: "msg-1", ChannelID: req.ChannelID, Body: req.Body}, nil
}

func (p *fakePoster) UpdateBody(_ context.Context, messageID, body string) error {
	if p.editErr != nil {
		return p.editErr
	}
	if p.edits == nil {
		p.edits = map[string]string{}
	}
	p.edits[messageID] = body
	return nil
}

// fakeComposer records partner-directed composes.
type fakeComposer struct {
	composed []broker.ComposeRequest
	err      error
}

func (f *fakeComposer) ComposeToPartner(_ context.Context, req broker.ComposeRequest) (message.Message, error) {
	if f.err != nil {
		return message.Message{}, f.err
	}
	f.composed = append(f.composed, req)
	return message.Message{ID: "msg-1", Body: req.Body}, nil
}

// fakeDelivery records retry and cancel calls.
type fakeDelivery struct {
	retried   []string
	cancelled []string
	retryErr  error
	cancelErr error
}

func (d *fakeDelivery) Retry(_ context.Context, id string, _ bool) error {
	if d.retryErr != nil {
		return d.retryErr
	}
	d.retried = append(d.retried, id)
	return nil
}

func (d *fakeDelivery) Cancel(_ context.Context, id string) error {
	if d.cancelErr != nil {
		return d.cancelErr
	}
	d.cancelled = append(d.cancelled, id)
	return nil
}
