package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"studybuddy-chat/internal/models"
)

const maxAppendAttempts = 3

// MessageRepository is the append-only, per-chat ordered message log.
type MessageRepository interface {
	Append(ctx context.Context, chatID, senderID uuid.UUID, body string) (models.Message, error)
	List(ctx context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error)
	MaxSeq(ctx context.Context, chatID uuid.UUID) (int64, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, chat_id, sender_id, body, seq, created_at`

// Append assigns the next sequence number of the chat and stores the message in one
// transaction. The increment on chats.last_seq takes the row lock, so concurrent appends
// to the same chat are serialized by the database. A duplicate (chat_id, seq) means
// last_seq drifted from the log; it is resynchronized from MAX(seq) and the append retried.
func (r *MessageRepo) Append(ctx context.Context, chatID, senderID uuid.UUID, body string) (models.Message, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		msg, err := r.appendOnce(ctx, chatID, senderID, body)
		if !errors.Is(err, ErrSequenceConflict) {
			return msg, err
		}
		if err := r.resyncSeq(ctx, chatID); err != nil {
			return models.Message{}, err
		}
	}
	return models.Message{}, ErrSequenceConflict
}

func (r *MessageRepo) appendOnce(ctx context.Context, chatID, senderID uuid.UUID, body string) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	err = tx.QueryRowxContext(ctx, r.db.Rebind(`UPDATE chats SET last_seq = last_seq + 1 WHERE id = ? RETURNING last_seq`), chatID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrChatNotFound
	}
	if err != nil {
		return models.Message{}, err
	}

	msg = models.Message{
		ID:        uuid.New(),
		ChatID:    chatID,
		SenderID:  senderID,
		Body:      body,
		Seq:       seq,
		CreatedAt: now(),
	}
	if _, err = tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ChatID, msg.SenderID, msg.Body, msg.Seq, msg.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return models.Message{}, ErrSequenceConflict
		}
		return models.Message{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (r *MessageRepo) resyncSeq(ctx context.Context, chatID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE chats SET last_seq = (SELECT COALESCE(MAX(seq), 0) FROM messages WHERE chat_id = ?) WHERE id = ?`), chatID, chatID)
	return err
}

// List returns up to limit messages with seq > afterSeq in ascending order. Passing the
// last seen seq as afterSeq continues the listing.
func (r *MessageRepo) List(ctx context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(`SELECT `+messageColumns+` FROM messages
        WHERE chat_id = ? AND seq > ?
        ORDER BY seq ASC
        LIMIT ?`), chatID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		if _, err := r.MaxSeq(ctx, chatID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// MaxSeq returns the highest sequence number assigned in the chat.
func (r *MessageRepo) MaxSeq(ctx context.Context, chatID uuid.UUID) (int64, error) {
	var seq int64
	err := r.db.GetContext(ctx, &seq, r.db.Rebind(`SELECT last_seq FROM chats WHERE id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrChatNotFound
	}
	return seq, err
}
