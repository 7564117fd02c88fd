package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokerhq/brokerd/internal/db"
)

// ErrDuplicate surfaces a storage uniqueness violation. Callers treat it as
// "someone else created the row first" and retry as a lookup.
var ErrDuplicate = errors.New("duplicate row")

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Store is the pgx-backed persistence layer for brokers, channels,
// identity bindings, and broker messages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- brokers ---

const brokerColumns = `id, name, provider_type, token, webhook_key, webhook_secret,
	security_key, webhook_state, sender_account, service_account, created_at, updated_at`

func scanBroker(row pgx.Row) (Broker, error) {
	var b Broker
	var id pgtype.UUID
	err := row.Scan(
		&id, &b.Name, (*string)(&b.ProviderType), &b.Token, &b.WebhookKey,
		&b.WebhookSecret, &b.SecurityKey, (*string)(&b.WebhookState),
		&b.SenderAccount, &b.ServiceAccount, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return Broker{}, err
	}
	b.ID = db.UUIDString(id)
	return b, nil
}

// CreateBroker persists a new broker configuration.
func (s *Store) CreateBroker(ctx context.Context, b Broker) (Broker, error) {
	b.ID = db.NewID()
	if b.WebhookState == "" {
		b.WebhookState = WebhookNone
	}
	id, err := db.ParseUUID(b.ID)
	if err != nil {
		return Broker{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO brokers (id, name, provider_type, token, webhook_key,
			webhook_secret, security_key, webhook_state, sender_account, service_account)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+brokerColumns,
		id, b.Name, b.ProviderType.String(), b.Token, b.WebhookKey,
		b.WebhookSecret, b.SecurityKey, string(b.WebhookState),
		b.SenderAccount, b.ServiceAccount,
	)
	created, err := scanBroker(row)
	if isUniqueViolation(err) {
		return Broker{}, fmt.Errorf("%w: broker route (%s, %s)", ErrDuplicate, b.ProviderType, b.WebhookKey)
	}
	return created, err
}

// GetBroker returns a broker by id.
func (s *Store) GetBroker(ctx context.Context, id string) (Broker, error) {
	brokerUUID, err := db.ParseUUID(id)
	if err != nil {
		return Broker{}, err
	}
	b, err := scanBroker(s.pool.QueryRow(ctx,
		`SELECT `+brokerColumns+` FROM brokers WHERE id = $1`, brokerUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Broker{}, ErrBrokerNotFound
	}
	return b, err
}

// GetBrokerByRoute returns the broker registered for an inbound route.
func (s *Store) GetBrokerByRoute(ctx context.Context, providerType ProviderType, webhookKey string) (Broker, error) {
	b, err := scanBroker(s.pool.QueryRow(ctx,
		`SELECT `+brokerColumns+` FROM brokers
		 WHERE provider_type = $1 AND webhook_key = $2`,
		providerType.String(), webhookKey,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Broker{}, ErrBrokerNotFound
	}
	return b, err
}

// ListBrokers returns all configured brokers.
func (s *Store) ListBrokers(ctx context.Context) ([]Broker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+brokerColumns+` FROM brokers ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// UpdateWebhookState records a webhook registration state transition.
func (s *Store) UpdateWebhookState(ctx context.Context, id string, state WebhookState) error {
	brokerUUID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE brokers SET webhook_state = $2, updated_at = now() WHERE id = $1`,
		brokerUUID, string(state),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBrokerNotFound
	}
	return nil
}

// --- channels ---

const channelColumns = `id, broker_id, token, name, anonymous_name, channel_type, created_at`

func scanChannel(row pgx.Row) (Channel, error) {
	var ch Channel
	var id, brokerID pgtype.UUID
	err := row.Scan(&id, &brokerID, &ch.Token, &ch.Name, &ch.AnonymousName, &ch.ChannelType, &ch.CreatedAt)
	if err != nil {
		return Channel{}, err
	}
	ch.ID = db.UUIDString(id)
	ch.BrokerID = db.UUIDString(brokerID)
	return ch, nil
}

// FindChannel returns the channel bound to (broker, external chat token).
func (s *Store) FindChannel(ctx context.Context, brokerID, token string) (Channel, error) {
	brokerUUID, err := db.ParseUUID(brokerID)
	if err != nil {
		return Channel{}, err
	}
	ch, err := scanChannel(s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE broker_id = $1 AND token = $2`,
		brokerUUID, token,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, ErrChannelNotFound
	}
	return ch, err
}

// GetChannel returns a channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	channelUUID, err := db.ParseUUID(id)
	if err != nil {
		return Channel{}, err
	}
	ch, err := scanChannel(s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, ErrChannelNotFound
	}
	return ch, err
}

// CreateChannel persists a new channel. A concurrent first-contact create
// for the same (broker, token) surfaces as ErrDuplicate.
func (s *Store) CreateChannel(ctx context.Context, ch Channel) (Channel, error) {
	ch.ID = db.NewID()
	if ch.ChannelType == "" {
		ch.ChannelType = "broker"
	}
	id, err := db.ParseUUID(ch.ID)
	if err != nil {
		return Channel{}, err
	}
	brokerUUID, err := db.ParseUUID(ch.BrokerID)
	if err != nil {
		return Channel{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channels (id, broker_id, token, name, anonymous_name, channel_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+channelColumns,
		id, brokerUUID, ch.Token, ch.Name, ch.AnonymousName, ch.ChannelType,
	)
	created, err := scanChannel(row)
	if isUniqueViolation(err) {
		return Channel{}, fmt.Errorf("%w: channel (%s, %s)", ErrDuplicate, ch.BrokerID, ch.Token)
	}
	return created, err
}

// --- identity ---

// phoneDigits strips everything but digits so provider phone tokens and
// configured partner numbers compare equal regardless of formatting.
func phoneDigits(raw string) string {
	var out strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// FindPartnerBinding returns the partner explicitly bound to an external token.
func (s *Store) FindPartnerBinding(ctx context.Context, brokerID, token string) (Actor, error) {
	brokerUUID, err := db.ParseUUID(brokerID)
	if err != nil {
		return Actor{}, err
	}
	var id pgtype.UUID
	var name string
	err = s.pool.QueryRow(ctx, `
		SELECT p.id, p.name
		FROM partner_bindings b
		JOIN partners p ON p.id = b.partner_id
		WHERE b.broker_id = $1 AND b.token = $2`,
		brokerUUID, token,
	).Scan(&id, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Actor{}, ErrActorNotFound
	}
	if err != nil {
		return Actor{}, err
	}
	return Actor{Kind: ActorPartner, ID: db.UUIDString(id), Name: name}, nil
}

// FindPartnerByPhone matches a registered partner by phone digits.
func (s *Store) FindPartnerByPhone(ctx context.Context, phone string) (Actor, error) {
	digits := phoneDigits(phone)
	if digits == "" {
		return Actor{}, ErrActorNotFound
	}
	var id pgtype.UUID
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name FROM partners
		WHERE regexp_replace(phone, '\D', '', 'g') = $1
		ORDER BY created_at LIMIT 1`,
		digits,
	).Scan(&id, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Actor{}, ErrActorNotFound
	}
	if err != nil {
		return Actor{}, err
	}
	return Actor{Kind: ActorPartner, ID: db.UUIDString(id), Name: name}, nil
}

// GetPartner returns a registered partner, phone included.
func (s *Store) GetPartner(ctx context.Context, id string) (Actor, error) {
	partnerUUID, err := db.ParseUUID(id)
	if err != nil {
		return Actor{}, err
	}
	var name, phone string
	err = s.pool.QueryRow(ctx,
		`SELECT name, phone FROM partners WHERE id = $1`,
		partnerUUID,
	).Scan(&name, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Actor{}, ErrActorNotFound
	}
	if err != nil {
		return Actor{}, err
	}
	return Actor{Kind: ActorPartner, ID: id, Name: name, Phone: phone}, nil
}

// CreatePartnerBinding binds an external token to a registered partner.
func (s *Store) CreatePartnerBinding(ctx context.Context, brokerID, token, partnerID string) error {
	brokerUUID, err := db.ParseUUID(brokerID)
	if err != nil {
		return err
	}
	partnerUUID, err := db.ParseUUID(partnerID)
	if err != nil {
		return err
	}
	id, err := db.ParseUUID(db.NewID())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO partner_bindings (id, partner_id, broker_id, token)
		VALUES ($1, $2, $3, $4)`,
		id, partnerUUID, brokerUUID, token,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: partner binding (%s, %s)", ErrDuplicate, brokerID, token)
	}
	return err
}

// CreatePartner registers a partner record.
func (s *Store) CreatePartner(ctx context.Context, name, phone string) (Actor, error) {
	id := db.NewID()
	partnerUUID, err := db.ParseUUID(id)
	if err != nil {
		return Actor{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO partners (id, name, phone) VALUES ($1, $2, $3)`,
		partnerUUID, name, phone,
	)
	if err != nil {
		return Actor{}, err
	}
	return Actor{Kind: ActorPartner, ID: id, Name: name}, nil
}

// FindGuest returns the guest bound to an external token.
func (s *Store) FindGuest(ctx context.Context, brokerID, token string) (Actor, error) {
	brokerUUID, err := db.ParseUUID(brokerID)
	if err != nil {
		return Actor{}, err
	}
	var id pgtype.UUID
	var name string
	err = s.pool.QueryRow(ctx,
		`SELECT id, name FROM guests WHERE broker_id = $1 AND token = $2`,
		brokerUUID, token,
	).Scan(&id, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Actor{}, ErrActorNotFound
	}
	if err != nil {
		return Actor{}, err
	}
	return Actor{Kind: ActorGuest, ID: db.UUIDString(id), Name: name}, nil
}

// CreateGuest creates a guest actor for a first-contact external token.
func (s *Store) CreateGuest(ctx context.Context, brokerID, token, name string) (Actor, error) {
	brokerUUID, err := db.ParseUUID(brokerID)
	if err != nil {
		return Actor{}, err
	}
	id := db.NewID()
	guestUUID, err := db.ParseUUID(id)
	if err != nil {
		return Actor{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO guests (id, broker_id, token, name) VALUES ($1, $2, $3, $4)`,
		guestUUID, brokerUUID, token, name,
	)
	if isUniqueViolation(err) {
		return Actor{}, fmt.Errorf("%w: guest (%s, %s)", ErrDuplicate, brokerID, token)
	}
	if err != nil {
		return Actor{}, err
	}
	return Actor{Kind: ActorGuest, ID: id, Name: name}, nil
}

// --- broker messages ---

const brokerMessageColumns = `id, channel_id, message_id, COALESCE(external_id, ''),
	state, COALESCE(failure_reason, ''), unread, created_at, updated_at`

func scanBrokerMessage(row pgx.Row) (BrokerMessage, error) {
	var rec BrokerMessage
	var id, channelID, messageID pgtype.UUID
	err := row.Scan(
		&id, &channelID, &messageID, &rec.ExternalID,
		(*string)(&rec.State), &rec.FailureReason, &rec.Unread,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return BrokerMessage{}, err
	}
	rec.ID = db.UUIDString(id)
	rec.ChannelID = db.UUIDString(channelID)
	rec.MessageID = db.UUIDString(messageID)
	return rec, nil
}

// CreateBrokerMessage persists a delivery-tracking record.
func (s *Store) CreateBrokerMessage(ctx context.Context, rec BrokerMessage) (BrokerMessage, error) {
	rec.ID = db.NewID()
	if rec.State == "" {
		rec.State = StateOutgoing
	}
	id, err := db.ParseUUID(rec.ID)
	if err != nil {
		return BrokerMessage{}, err
	}
	channelUUID, err := db.ParseUUID(rec.ChannelID)
	if err != nil {
		return BrokerMessage{}, err
	}
	messageUUID, err := db.ParseUUID(rec.MessageID)
	if err != nil {
		return BrokerMessage{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO broker_messages (id, channel_id, message_id, state, unread)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+brokerMessageColumns,
		id, channelUUID, messageUUID, string(rec.State), rec.Unread,
	)
	return scanBrokerMessage(row)
}

// GetBrokerMessage returns a delivery record by id.
func (s *Store) GetBrokerMessage(ctx context.Context, id string) (BrokerMessage, error) {
	recUUID, err := db.ParseUUID(id)
	if err != nil {
		return BrokerMessage{}, err
	}
	rec, err := scanBrokerMessage(s.pool.QueryRow(ctx,
		`SELECT `+brokerMessageColumns+` FROM broker_messages WHERE id = $1`, recUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return BrokerMessage{}, ErrMessageRecordNotFound
	}
	return rec, err
}

// UpdateDeliveryState records the outcome of a delivery attempt.
func (s *Store) UpdateDeliveryState(ctx context.Context, id string, state DeliveryState, externalID, failureReason string) error {
	recUUID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE broker_messages
		SET state = $2,
		    external_id = NULLIF($3, ''),
		    failure_reason = NULLIF($4, ''),
		    updated_at = now()
		WHERE id = $1`,
		recUUID, string(state), externalID, failureReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageRecordNotFound
	}
	return nil
}

// TransitionState moves a record from one state to another, reporting
// whether the row was in the expected state. The conditional update is the
// only coordination between competing retry callers.
func (s *Store) TransitionState(ctx context.Context, id string, from, to DeliveryState) (bool, error) {
	recUUID, err := db.ParseUUID(id)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE broker_messages SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`,
		recUUID, string(from), string(to),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByMessage returns all delivery records wrapping a canonical message.
func (s *Store) ListByMessage(ctx context.Context, messageID string) ([]BrokerMessage, error) {
	messageUUID, err := db.ParseUUID(messageID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+brokerMessageColumns+` FROM broker_messages
		WHERE message_id = $1
		ORDER BY created_at`,
		messageUUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BrokerMessage
	for rows.Next() {
		rec, err := scanBrokerMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// ListOutgoingBefore returns outgoing records last touched before cutoff.
func (s *Store) ListOutgoingBefore(ctx context.Context, cutoff time.Time) ([]BrokerMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+brokerMessageColumns+` FROM broker_messages
		WHERE state = $1 AND updated_at < $2
		ORDER BY created_at`,
		string(StateOutgoing), cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BrokerMessage
	for rows.Next() {
		rec, err := scanBrokerMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
