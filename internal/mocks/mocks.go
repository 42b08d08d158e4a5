package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"studybuddy-chat/internal/models"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreateDirectChat(ctx context.Context, userID, otherID uuid.UUID) (models.Chat, error) {
	args := m.Called(ctx, userID, otherID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) CreateChat(ctx context.Context, chatType models.ChatType, name string, communityID uuid.NullUUID, ownerID uuid.UUID, memberIDs []uuid.UUID) (models.Chat, error) {
	args := m.Called(ctx, chatType, name, communityID, ownerID, memberIDs)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID uuid.UUID) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) ListParticipants(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, chatID)
	var ids []uuid.UUID
	if val := args.Get(0); val != nil {
		ids = val.([]uuid.UUID)
	}
	return ids, args.Error(1)
}

func (m *ChatRepositoryMock) IsCommunityMember(ctx context.Context, communityID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, communityID, userID)
	return args.Bool(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, chatID, senderID uuid.UUID, body string) (models.Message, error) {
	args := m.Called(ctx, chatID, senderID, body)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) List(ctx context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, chatID, afterSeq, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MaxSeq(ctx context.Context, chatID uuid.UUID) (int64, error) {
	args := m.Called(ctx, chatID)
	return args.Get(0).(int64), args.Error(1)
}

type ReceiptRepositoryMock struct {
	mock.Mock
}

func (m *ReceiptRepositoryMock) Advance(ctx context.Context, chatID, userID uuid.UUID, seq int64) (models.ReadReceipt, bool, error) {
	args := m.Called(ctx, chatID, userID, seq)
	var receipt models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipt = val.(models.ReadReceipt)
	}
	return receipt, args.Bool(1), args.Error(2)
}

func (m *ReceiptRepositoryMock) GetReceipt(ctx context.Context, chatID, userID uuid.UUID) (models.ReadReceipt, error) {
	args := m.Called(ctx, chatID, userID)
	var receipt models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipt = val.(models.ReadReceipt)
	}
	return receipt, args.Error(1)
}

func (m *ReceiptRepositoryMock) ListReceipts(ctx context.Context, chatID uuid.UUID) ([]models.ReadReceipt, error) {
	args := m.Called(ctx, chatID)
	var receipts []models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipts = val.([]models.ReadReceipt)
	}
	return receipts, args.Error(1)
}

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) ResolveIdentity(ctx context.Context, token string) (uuid.UUID, error) {
	args := m.Called(ctx, token)
	var id uuid.UUID
	if val := args.Get(0); val != nil {
		id = val.(uuid.UUID)
	}
	return id, args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) NotifyOffline(ctx context.Context, msg models.Message, recipients []uuid.UUID) error {
	args := m.Called(ctx, msg, recipients)
	return args.Error(0)
}
