package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokerhq/brokerd/internal/db"
)

// ErrMessageNotFound indicates an unknown canonical message id.
var ErrMessageNotFound = errors.New("message not found")

// PostedHook observes every successfully posted message.
type PostedHook func(ctx context.Context, msg Message, req PostRequest)

// EditedHook observes every body edit of an existing message.
type EditedHook func(ctx context.Context, messageID, body string)

// Service persists canonical messages and notifies posted hooks.
type Service struct {
	pool        *pgxpool.Pool
	hooks       []PostedHook
	editedHooks []EditedHook
	logger      *slog.Logger
}

// NewService creates a message Service on the shared pool.
func NewService(pool *pgxpool.Pool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("component", "message")),
	}
}

// OnPosted registers a hook fired synchronously after each post.
// Hooks must be registered before the service starts handling traffic.
func (s *Service) OnPosted(hook PostedHook) {
	s.hooks = append(s.hooks, hook)
}

// OnEdited registers a hook fired synchronously after each body edit.
func (s *Service) OnEdited(hook EditedHook) {
	s.editedHooks = append(s.editedHooks, hook)
}

// Post persists the message and its attachments, then fires posted hooks.
func (s *Service) Post(ctx context.Context, req PostRequest) (Message, error) {
	if req.IsEmpty() {
		return Message{}, fmt.Errorf("post: empty message")
	}
	if req.ChannelID == "" {
		return Message{}, fmt.Errorf("post: channel id is required")
	}
	if req.Subtype == "" {
		req.Subtype = "comment"
	}
	if req.PostedAt.IsZero() {
		req.PostedAt = time.Now().UTC()
	}

	msg := Message{
		ID:        db.NewID(),
		ChannelID: req.ChannelID,
		Body:      req.Body,
		Author:    req.Author,
		Subtype:   req.Subtype,
		PostedAt:  req.PostedAt,
	}

	channelUUID, err := db.ParseUUID(req.ChannelID)
	if err != nil {
		return Message{}, err
	}
	msgUUID, err := db.ParseUUID(msg.ID)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback(ctx)

	var authorID any
	if req.Author.ID != "" {
		parsed, err := db.ParseUUID(req.Author.ID)
		if err != nil {
			return Message{}, err
		}
		authorID = parsed
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, channel_id, body, author_kind, author_id, subtype, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msgUUID, channelUUID, req.Body, req.Author.Kind, authorID, req.Subtype, req.PostedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	for i, att := range req.Attachments {
		attID := db.NewID()
		attUUID, err := db.ParseUUID(attID)
		if err != nil {
			return Message{}, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO attachments (id, message_id, name, mimetype, content, position)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			attUUID, msgUUID, att.Name, att.Mime, att.Content, i,
		)
		if err != nil {
			return Message{}, fmt.Errorf("insert attachment: %w", err)
		}
		att.ID = attID
		msg.Attachments = append(msg.Attachments, att)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	s.logger.Debug("posted",
		slog.String("message_id", msg.ID),
		slog.String("channel_id", msg.ChannelID),
		slog.Int("attachments", len(msg.Attachments)),
	)
	for _, hook := range s.hooks {
		hook(ctx, msg, req)
	}
	return msg, nil
}

// UpdateBody rewrites a message body and fires edited hooks so delivered
// provider copies can be updated in place.
func (s *Service) UpdateBody(ctx context.Context, messageID, body string) error {
	msgUUID, err := db.ParseUUID(messageID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET body = $2 WHERE id = $1`, msgUUID, body,
	)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	s.logger.Debug("body updated", slog.String("message_id", messageID))
	for _, hook := range s.editedHooks {
		hook(ctx, messageID, body)
	}
	return nil
}

// Content returns the body and ordered attachments of a canonical message.
func (s *Service) Content(ctx context.Context, messageID string) (string, []Attachment, error) {
	msgUUID, err := db.ParseUUID(messageID)
	if err != nil {
		return "", nil, err
	}
	var body string
	err = s.pool.QueryRow(ctx,
		`SELECT body FROM messages WHERE id = $1`, msgUUID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrMessageNotFound
	}
	if err != nil {
		return "", nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, mimetype, content
		FROM attachments WHERE message_id = $1 ORDER BY position`,
		msgUUID,
	)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var att Attachment
		var id pgtype.UUID
		if err := rows.Scan(&id, &att.Name, &att.Mime, &att.Content); err != nil {
			return "", nil, err
		}
		att.ID = db.UUIDString(id)
		attachments = append(attachments, att)
	}
	return body, attachments, rows.Err()
}
