package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"studybuddy-chat/internal/models"
)

const directChatName = "Direct Chat"

// ChatRepository abstracts chat and membership persistence.
type ChatRepository interface {
	CreateDirectChat(ctx context.Context, userID, otherID uuid.UUID) (models.Chat, error)
	CreateChat(ctx context.Context, chatType models.ChatType, name string, communityID uuid.NullUUID, ownerID uuid.UUID, memberIDs []uuid.UUID) (models.Chat, error)
	GetChat(ctx context.Context, chatID uuid.UUID) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	ListParticipants(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
	IsCommunityMember(ctx context.Context, communityID, userID uuid.UUID) (bool, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const chatColumns = `id, type, name, community_id, last_seq, created_at`

// CreateDirectChat returns the direct chat between the two users, creating it on first contact.
func (r *ChatRepo) CreateDirectChat(ctx context.Context, userID, otherID uuid.UUID) (models.Chat, error) {
	if userID == otherID {
		return models.Chat{}, ErrSelfChat
	}
	key := directKey(userID, otherID)

	chat, err := r.chatByDirectKey(ctx, key)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, ErrChatNotFound) {
		return models.Chat{}, err
	}

	chat = models.Chat{
		ID:        uuid.New(),
		Type:      models.ChatTypeDirect,
		Name:      directChatName,
		CreatedAt: now(),
	}
	err = r.insertChat(ctx, chat, sql.NullString{String: key, Valid: true}, []uuid.UUID{userID, otherID})
	if isUniqueViolation(err) {
		// the other side won the race
		return r.chatByDirectKey(ctx, key)
	}
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// CreateChat creates a group chat with the owner and members, or a community channel whose
// participants come from community membership.
func (r *ChatRepo) CreateChat(ctx context.Context, chatType models.ChatType, name string, communityID uuid.NullUUID, ownerID uuid.UUID, memberIDs []uuid.UUID) (models.Chat, error) {
	chat := models.Chat{
		ID:          uuid.New(),
		Type:        chatType,
		Name:        name,
		CommunityID: communityID,
		CreatedAt:   now(),
	}
	var participants []uuid.UUID
	if chatType != models.ChatTypeCommunity {
		participants = lo.Uniq(append([]uuid.UUID{ownerID}, memberIDs...))
	}
	if err := r.insertChat(ctx, chat, sql.NullString{}, participants); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

func (r *ChatRepo) insertChat(ctx context.Context, chat models.Chat, key sql.NullString, participants []uuid.UUID) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO chats (id, type, name, community_id, direct_key, last_seq, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`),
		chat.ID, chat.Type, chat.Name, chat.CommunityID, key, chat.CreatedAt); err != nil {
		return err
	}
	for _, userID := range participants {
		if _, err = tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)`),
			chat.ID, userID, chat.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ChatRepo) chatByDirectKey(ctx context.Context, key string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, r.db.Rebind(`SELECT `+chatColumns+` FROM chats WHERE direct_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID uuid.UUID) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, r.db.Rebind(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// IsParticipant checks whether a user belongs to the chat. Community chats defer to
// community membership.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(
            SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?
            UNION ALL
            SELECT 1 FROM chats c JOIN memberships m ON m.community_id = c.community_id
            WHERE c.id = ? AND c.type = 'community' AND m.user_id = ?
        )`), chatID, userID, chatID, userID)
	return exists, err
}

// ListParticipants returns every user allowed in the chat.
func (r *ChatRepo) ListParticipants(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`SELECT user_id FROM chat_participants WHERE chat_id = ?
        UNION
        SELECT m.user_id FROM chats c JOIN memberships m ON m.community_id = c.community_id
        WHERE c.id = ? AND c.type = 'community'`), chatID, chatID)
	return ids, err
}

func (r *ChatRepo) IsCommunityMember(ctx context.Context, communityID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM memberships WHERE community_id = ? AND user_id = ?)`), communityID, userID)
	return exists, err
}

func directKey(a, b uuid.UUID) string {
	ids := []string{a.String(), b.String()}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
