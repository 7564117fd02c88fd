package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrActorNotFound indicates no binding or guest exists for a token.
var ErrActorNotFound = errors.New("actor not found")

// identityStore is the store surface identity resolution needs. Guest
// creation must enforce (broker_id, token) uniqueness and surface duplicate
// creates as a constraint violation the resolver retries as a lookup.
type identityStore interface {
	FindPartnerBinding(ctx context.Context, brokerID, token string) (Actor, error)
	FindPartnerByPhone(ctx context.Context, phone string) (Actor, error)
	CreatePartnerBinding(ctx context.Context, brokerID, token, partnerID string) error
	FindGuest(ctx context.Context, brokerID, token string) (Actor, error)
	CreateGuest(ctx context.Context, brokerID, token, name string) (Actor, error)
}

// IdentityResolver maps external (broker, user token) pairs to internal
// actors, creating guests on first contact. Resolution order: explicit
// partner binding, partner matched by provider field (phone), existing
// guest, new guest.
type IdentityResolver struct {
	store  identityStore
	logger *slog.Logger
}

// NewIdentityResolver creates an IdentityResolver.
func NewIdentityResolver(store identityStore, log *slog.Logger) *IdentityResolver {
	if log == nil {
		log = slog.Default()
	}
	return &IdentityResolver{
		store:  store,
		logger: log.With(slog.String("component", "identity")),
	}
}

// Resolve returns the internal actor for an external identity, creating a
// guest when nothing matches. Resolution is idempotent per (broker, token).
func (r *IdentityResolver) Resolve(ctx context.Context, b Broker, ext ExternalIdentity) (Actor, error) {
	token := strings.TrimSpace(ext.Token)
	if token == "" {
		return Actor{}, fmt.Errorf("resolve identity: empty token")
	}

	actor, err := r.store.FindPartnerBinding(ctx, b.ID, token)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, ErrActorNotFound) {
		return Actor{}, err
	}

	if phone := strings.TrimSpace(ext.Phone); phone != "" {
		partner, err := r.store.FindPartnerByPhone(ctx, phone)
		if err == nil {
			// Bind so later updates skip the phone search. Losing a
			// concurrent create race is fine: the binding exists either way.
			if err := r.store.CreatePartnerBinding(ctx, b.ID, token, partner.ID); err != nil && !errors.Is(err, ErrDuplicate) {
				return Actor{}, err
			}
			return partner, nil
		}
		if !errors.Is(err, ErrActorNotFound) {
			return Actor{}, err
		}
	}

	actor, err = r.store.FindGuest(ctx, b.ID, token)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, ErrActorNotFound) {
		return Actor{}, err
	}

	actor, err = r.store.CreateGuest(ctx, b.ID, token, strings.TrimSpace(ext.DisplayName))
	if errors.Is(err, ErrDuplicate) {
		// Lost a first-contact race; the winner's guest is authoritative.
		return r.store.FindGuest(ctx, b.ID, token)
	}
	if err != nil {
		return Actor{}, err
	}
	r.logger.Debug("guest created",
		slog.String("broker_id", b.ID),
		slog.String("token", token),
	)
	return actor, nil
}
