package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable chat message. Seq is gap-free per chat and starts at 1.
type Message struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ChatID    uuid.UUID `db:"chat_id" json:"chat_id"`
	SenderID  uuid.UUID `db:"sender_id" json:"sender_id"`
	Body      string    `db:"body" json:"body"`
	Seq       int64     `db:"seq" json:"seq"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ReadReceipt records the last sequence a user has read in a chat.
type ReadReceipt struct {
	ChatID      uuid.UUID `db:"chat_id" json:"chat_id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	LastReadSeq int64     `db:"last_read_seq" json:"last_read_seq"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
