package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityFixture(t *testing.T) (*IdentityResolver, *memStore, Broker) {
	t.Helper()
	store := newMemStore()
	b := store.addBroker(Broker{Name: "support", ProviderType: "telegram"})
	return NewIdentityResolver(store, nil), store, b
}

func TestResolvePrefersExplicitBinding(t *testing.T) {
	r, store, b := identityFixture(t)
	store.bindings[b.ID+"|tok-1"] = Actor{Kind: ActorPartner, ID: "p-1", Name: "Partner"}
	store.phones["600"] = Actor{Kind: ActorPartner, ID: "p-other"}

	actor, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1", Phone: "600"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", actor.ID)
}

func TestResolveMatchesPartnerByPhoneAndBinds(t *testing.T) {
	r, store, b := identityFixture(t)
	store.phones["600"] = Actor{Kind: ActorPartner, ID: "p-1", Name: "Partner"}

	actor, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1", Phone: "600"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", actor.ID)
	assert.Contains(t, store.bindings, b.ID+"|tok-1")
}

func TestResolveReturnsExistingGuest(t *testing.T) {
	r, store, b := identityFixture(t)
	store.guests[b.ID+"|tok-1"] = Actor{Kind: ActorGuest, ID: "g-1", Name: "Visitor"}

	actor, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "g-1", actor.ID)
}

func TestResolveCreatesGuestOnFirstContact(t *testing.T) {
	r, store, b := identityFixture(t)

	actor, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, ActorGuest, actor.Kind)
	assert.Equal(t, "Ada", actor.Name)
	assert.Contains(t, store.guests, b.ID+"|tok-1")
}

func TestResolveIsIdempotentPerToken(t *testing.T) {
	r, _, b := identityFixture(t)

	first, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1", DisplayName: "Ada"})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveRetriesLostCreateRace(t *testing.T) {
	r, store, b := identityFixture(t)
	winner := Actor{Kind: ActorGuest, ID: "g-winner", Name: "Winner"}
	store.guestRaceWinner = &winner

	actor, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, winner, actor)
}

func TestResolveRejectsEmptyToken(t *testing.T) {
	r, _, b := identityFixture(t)
	_, err := r.Resolve(context.Background(), b, ExternalIdentity{Token: "  "})
	assert.Error(t, err)
}
