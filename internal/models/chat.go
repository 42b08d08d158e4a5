package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatType is fixed at creation.
type ChatType string

const (
	ChatTypeDirect    ChatType = "direct"
	ChatTypeGroup     ChatType = "group"
	ChatTypeCommunity ChatType = "community"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case ChatTypeDirect, ChatTypeGroup, ChatTypeCommunity:
		return true
	}
	return false
}

// Chat is a conversation. LastSeq is the highest sequence number assigned so far.
type Chat struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	Type        ChatType      `db:"type" json:"type"`
	Name        string        `db:"name" json:"name"`
	CommunityID uuid.NullUUID `db:"community_id" json:"community_id"`
	LastSeq     int64         `db:"last_seq" json:"last_seq"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// Participant links a user to a direct or group chat.
type Participant struct {
	ChatID   uuid.UUID `db:"chat_id" json:"chat_id"`
	UserID   uuid.UUID `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}
