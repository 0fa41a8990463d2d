package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.civic.realtime/internal/config"
	"sudooom.civic.realtime/internal/model"
)

var ErrNotFound = errors.New("not found")

// Postgres is the persistence collaborator backed by the platform database.
// It reads and writes these tables:
//
//	conversations(id, last_message_at)
//	conversation_participants(conversation_id, user_id)
//	messages(id, conversation_id, sender_id, content, message_type, created_at, deleted_at)
//	profiles(id, display_name, avatar_url, email)
//	device_tokens(user_id, token, last_known_good_at)
//	notification_preferences(user_id, push_enabled, email_enabled)
type Postgres struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool sized from cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// InsertMessage stores one message and returns it with the store assigned id
// and timestamp.
func (s *Postgres) InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, message_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, created_at
	`

	out := model.Message{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
	}
	err := s.db.QueryRow(ctx, query,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		string(msg.MessageType),
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}
	return out, nil
}

// IsParticipant reports whether userID is a member of conversationID.
func (s *Postgres) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`
	var ok bool
	err := s.db.QueryRow(ctx, query, conversationID, userID).Scan(&ok)
	return ok, err
}

// ListParticipants returns the member ids of a conversation.
func (s *Postgres) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id::text FROM conversation_participants WHERE conversation_id = $1`,
		conversationID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpdateConversationTimestamp moves last_message_at forward, never back.
func (s *Postgres) UpdateConversationTimestamp(ctx context.Context, conversationID string, at time.Time) error {
	query := `
		UPDATE conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1
	`
	_, err := s.db.Exec(ctx, query, conversationID, at)
	return err
}

// SoftDeleteMessage marks a message deleted when senderID wrote it. It
// reports false when no live message matched.
func (s *Postgres) SoftDeleteMessage(ctx context.Context, conversationID, messageID, senderID string) (bool, error) {
	query := `
		UPDATE messages SET deleted_at = now()
		WHERE id = $1 AND conversation_id = $2 AND sender_id = $3 AND deleted_at IS NULL
	`
	tag, err := s.db.Exec(ctx, query, messageID, conversationID, senderID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetProfile loads the public profile of a user.
func (s *Postgres) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	query := `
		SELECT id::text, COALESCE(display_name, ''), COALESCE(avatar_url, ''), COALESCE(email, '')
		FROM profiles WHERE id = $1
	`
	var u model.User
	err := s.db.QueryRow(ctx, query, userID).Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListDeliveryTargets returns every device token of the user plus the
// profile email as an email target.
func (s *Postgres) ListDeliveryTargets(ctx context.Context, userID string) ([]model.DeliveryTarget, error) {
	query := `
		SELECT 'push', token, last_known_good_at FROM device_tokens WHERE user_id = $1
		UNION ALL
		SELECT 'email', email, NULL FROM profiles WHERE id = $1 AND COALESCE(email, '') <> ''
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []model.DeliveryTarget
	for rows.Next() {
		var (
			channel string
			t       model.DeliveryTarget
		)
		if err := rows.Scan(&channel, &t.Address, &t.LastKnownGoodAt); err != nil {
			return nil, err
		}
		t.Channel = model.Channel(channel)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// GetChannelPrefs returns the opt-in flags, the defaults when none are saved.
func (s *Postgres) GetChannelPrefs(ctx context.Context, userID string) (model.ChannelPrefs, error) {
	query := `SELECT push_enabled, email_enabled FROM notification_preferences WHERE user_id = $1`

	var prefs model.ChannelPrefs
	err := s.db.QueryRow(ctx, query, userID).Scan(&prefs.Push, &prefs.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultChannelPrefs, nil
	}
	if err != nil {
		return model.ChannelPrefs{}, err
	}
	return prefs, nil
}

// TouchDeviceToken records a successful delivery to token.
func (s *Postgres) TouchDeviceToken(ctx context.Context, token string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE device_tokens SET last_known_good_at = $2 WHERE token = $1`, token, at)
	return err
}
