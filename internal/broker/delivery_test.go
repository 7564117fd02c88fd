package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerhq/brokerd/internal/message"
)

type deliveryFixture struct {
	delivery *Delivery
	store    *memStore
	bus      *capturingBus
	adapter  *fakeAdapter
	broker   Broker
	channel  Channel
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	store := newMemStore()
	b := store.addBroker(Broker{Name: "support", ProviderType: "telegram", Token: "tok"})
	ch := store.addChannel(Channel{BrokerID: b.ID, Token: "42"})
	adapter := &fakeAdapter{typ: "telegram"}
	registry := NewRegistry()
	registry.MustRegister(adapter)
	capture := &capturingBus{}
	content := &fakeContent{
		bodies:      map[string]string{"msg-1": "outbound body"},
		attachments: map[string][]message.Attachment{},
	}
	return &deliveryFixture{
		delivery: NewDelivery(registry, store, content, capture, time.Second, nil),
		store:    store,
		bus:      capture,
		adapter:  adapter,
		broker:   b,
		channel:  ch,
	}
}

func TestEnqueueAndSendSuccess(t *testing.T) {
	f := newDeliveryFixture(t)
	var sentOut Outbound
	f.adapter.send = func(_ context.Context, b Broker, out Outbound) (string, error) {
		assert.Equal(t, f.broker.ID, b.ID)
		sentOut = out
		return "ext-99", nil
	}

	rec, err := f.delivery.EnqueueAndSend(context.Background(), "msg-1", f.channel, true)
	require.NoError(t, err)
	assert.Equal(t, StateSent, rec.State)
	assert.Equal(t, "ext-99", rec.ExternalID)
	assert.Empty(t, rec.FailureReason)
	assert.Equal(t, "42", sentOut.ChatToken)
	assert.Equal(t, "outbound body", sentOut.Body)

	require.Len(t, f.bus.topics, 1)
	assert.Equal(t, "message."+rec.ID+".updated", f.bus.topics[0])
}

func TestSendFailureMovesToException(t *testing.T) {
	f := newDeliveryFixture(t)
	f.adapter.send = func(_ context.Context, _ Broker, _ Outbound) (string, error) {
		return "", assert.AnError
	}

	rec, err := f.delivery.EnqueueAndSend(context.Background(), "msg-1", f.channel, true)
	require.ErrorIs(t, err, ErrDelivery)

	stored, err := f.store.GetBrokerMessage(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateException, stored.State)
	assert.NotEmpty(t, stored.FailureReason)
	// The update event fires on failures too.
	require.Len(t, f.bus.topics, 1)
}

func TestSendFailureNonStrictIsSwallowed(t *testing.T) {
	f := newDeliveryFixture(t)
	f.adapter.send = func(_ context.Context, _ Broker, _ Outbound) (string, error) {
		return "", assert.AnError
	}

	rec, err := f.delivery.EnqueueAndSend(context.Background(), "msg-1", f.channel, false)
	require.NoError(t, err)
	assert.Equal(t, StateException, rec.State)
}

func TestMarkOutgoingOnlyFromException(t *testing.T) {
	f := newDeliveryFixture(t)
	rec, err := f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1", State: StateSent})
	require.NoError(t, err)

	err = f.delivery.MarkOutgoing(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrBadState)

	require.NoError(t, f.store.UpdateDeliveryState(context.Background(), rec.ID, StateException, "", "boom"))
	require.NoError(t, f.delivery.MarkOutgoing(context.Background(), rec.ID))
	stored, _ := f.store.GetBrokerMessage(context.Background(), rec.ID)
	assert.Equal(t, StateOutgoing, stored.State)
}

func TestRetryResendsFailedMessage(t *testing.T) {
	f := newDeliveryFixture(t)
	rec, err := f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1", State: StateException})
	require.NoError(t, err)

	require.NoError(t, f.delivery.Retry(context.Background(), rec.ID, true))
	stored, _ := f.store.GetBrokerMessage(context.Background(), rec.ID)
	assert.Equal(t, StateSent, stored.State)
}

func TestCancelAbandonsRecord(t *testing.T) {
	f := newDeliveryFixture(t)
	rec, err := f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1"})
	require.NoError(t, err)

	require.NoError(t, f.delivery.Cancel(context.Background(), rec.ID))
	stored, _ := f.store.GetBrokerMessage(context.Background(), rec.ID)
	assert.Equal(t, StateCancel, stored.State)
}

func TestPropagateEditRewritesSentCopies(t *testing.T) {
	f := newDeliveryFixture(t)
	sent, err := f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1", State: StateSent})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateDeliveryState(context.Background(), sent.ID, StateSent, "ext-7", ""))
	// Still undelivered; no external id to edit.
	_, err = f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1", State: StateOutgoing})
	require.NoError(t, err)

	type editCall struct{ chatToken, externalID, body string }
	var edits []editCall
	f.adapter.edit = func(_ context.Context, b Broker, chatToken, externalID, body string) error {
		assert.Equal(t, f.broker.ID, b.ID)
		edits = append(edits, editCall{chatToken, externalID, body})
		return nil
	}

	require.NoError(t, f.delivery.PropagateEdit(context.Background(), "msg-1", "corrected"))
	require.Len(t, edits, 1)
	assert.Equal(t, "42", edits[0].chatToken)
	assert.Equal(t, "ext-7", edits[0].externalID)
	assert.Equal(t, "corrected", edits[0].body)
	require.Len(t, f.bus.topics, 1)
	assert.Equal(t, "message."+sent.ID+".updated", f.bus.topics[0])
}

func TestPropagateEditFailureDoesNotStopLoop(t *testing.T) {
	f := newDeliveryFixture(t)
	ch2 := f.store.addChannel(Channel{BrokerID: f.broker.ID, Token: "43"})
	for _, chID := range []string{f.channel.ID, ch2.ID} {
		rec, err := f.store.CreateBrokerMessage(context.Background(),
			BrokerMessage{ChannelID: chID, MessageID: "msg-1", State: StateSent})
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateDeliveryState(context.Background(), rec.ID, StateSent, "ext-"+chID, ""))
	}

	calls := 0
	f.adapter.edit = func(_ context.Context, _ Broker, _, _, _ string) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	}

	require.NoError(t, f.delivery.PropagateEdit(context.Background(), "msg-1", "new body"))
	assert.Equal(t, 2, calls)
	// Only the successful copy announces an update.
	assert.Len(t, f.bus.topics, 1)
}

func TestResendPendingPicksStaleOutgoing(t *testing.T) {
	f := newDeliveryFixture(t)
	rec, err := f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1", State: StateOutgoing})
	require.NoError(t, err)
	stale := f.store.records[rec.ID]
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	f.store.records[rec.ID] = stale

	require.NoError(t, f.delivery.ResendPending(context.Background(), 10*time.Minute))
	stored, _ := f.store.GetBrokerMessage(context.Background(), rec.ID)
	assert.Equal(t, StateSent, stored.State)
}

func TestResendPendingSkipsFreshRows(t *testing.T) {
	f := newDeliveryFixture(t)
	rec, err := f.store.CreateBrokerMessage(context.Background(),
		BrokerMessage{ChannelID: f.channel.ID, MessageID: "msg-1", State: StateOutgoing})
	require.NoError(t, err)

	require.NoError(t, f.delivery.ResendPending(context.Background(), 10*time.Minute))
	stored, _ := f.store.GetBrokerMessage(context.Background(), rec.ID)
	assert.Equal(t, StateOutgoing, stored.State)
}

func TestPostedHookEnqueuesAppPosts(t *testing.T) {
	f := newDeliveryFixture(t)
	hook := f.delivery.PostedHook()

	hook(context.Background(),
		message.Message{ID: "msg-1", ChannelID: f.channel.ID},
		message.PostRequest{Body: "outbound body"},
	)
	require.Len(t, f.store.records, 1)
	for _, rec := range f.store.records {
		assert.Equal(t, StateSent, rec.State)
	}
}

func TestPostedHookIgnoresInboundPosts(t *testing.T) {
	f := newDeliveryFixture(t)
	hook := f.delivery.PostedHook()

	hook(context.Background(),
		message.Message{ID: "msg-1", ChannelID: f.channel.ID},
		message.PostRequest{Body: "inbound body", Inbound: true},
	)
	assert.Empty(t, f.store.records)
}

func TestPostedHookIgnoresNonBrokerChannels(t *testing.T) {
	f := newDeliveryFixture(t)
	internal := f.store.addChannel(Channel{BrokerID: f.broker.ID, Token: "internal", ChannelType: "direct"})
	hook := f.delivery.PostedHook()

	hook(context.Background(),
		message.Message{ID: "msg-1", ChannelID: internal.ID},
		message.PostRequest{Body: "note"},
	)
	assert.Empty(t, f.store.records)
}
