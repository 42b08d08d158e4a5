package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studybuddy-chat/internal/mocks"
	"studybuddy-chat/internal/models"
	"studybuddy-chat/internal/repositories"
	"studybuddy-chat/internal/telemetry"
)

var testUser = uuid.MustParse("5b7a1f64-2f0e-4c55-9d0b-8e3f1a2c4d11")

type chatMocks struct {
	chats    *mocks.ChatRepositoryMock
	messages *mocks.MessageRepositoryMock
	receipts *mocks.ReceiptRepositoryMock
	audit    *mocks.PublisherMock
}

func setupChatRouter(t *testing.T) (*gin.Engine, chatMocks) {
	t.Helper()
	m := chatMocks{
		chats:    new(mocks.ChatRepositoryMock),
		messages: new(mocks.MessageRepositoryMock),
		receipts: new(mocks.ReceiptRepositoryMock),
		audit:    new(mocks.PublisherMock),
	}
	emitter := telemetry.NewAuditEmitter(m.audit, "audit.chat-service", "chat-service", "test", zap.NewNop())
	handler := NewChatHandler(m.chats, m.messages, m.receipts, emitter, 50, zap.NewNop())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", testUser)
		c.Next()
	})
	r.POST("/chats/direct", handler.StartDirectChat)
	r.POST("/chats", handler.CreateChat)
	r.GET("/chats/:chat_id/messages", handler.GetChatMessages)
	r.GET("/chats/:chat_id/receipts", handler.GetReadReceipts)
	t.Cleanup(func() {
		m.chats.AssertExpectations(t)
		m.messages.AssertExpectations(t)
		m.receipts.AssertExpectations(t)
		m.audit.AssertExpectations(t)
	})
	return r, m
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStartDirectChatSuccess(t *testing.T) {
	r, m := setupChatRouter(t)
	other := uuid.New()
	chat := models.Chat{ID: uuid.New(), Type: models.ChatTypeDirect, Name: "Direct Chat"}
	m.chats.On("CreateDirectChat", mock.Anything, testUser, other).Return(chat, nil).Once()

	rec := serve(r, http.MethodPost, "/chats/direct", `{"user_id":"`+other.String()+`"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.Chat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, chat.ID, resp.ID)
}

func TestStartDirectChatWithSelf(t *testing.T) {
	r, m := setupChatRouter(t)
	m.chats.On("CreateDirectChat", mock.Anything, testUser, testUser).Return(nil, repositories.ErrSelfChat).Once()

	rec := serve(r, http.MethodPost, "/chats/direct", `{"user_id":"`+testUser.String()+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartDirectChatBadBody(t *testing.T) {
	r, _ := setupChatRouter(t)
	rec := serve(r, http.MethodPost, "/chats/direct", `{"user_id":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGroupChat(t *testing.T) {
	r, m := setupChatRouter(t)
	member := uuid.New()
	chat := models.Chat{ID: uuid.New(), Type: models.ChatTypeGroup, Name: "algebra"}
	m.chats.On("CreateChat", mock.Anything, models.ChatTypeGroup, "algebra", uuid.NullUUID{}, testUser, []uuid.UUID{member}).Return(chat, nil).Once()
	m.audit.On("Publish", mock.Anything, "audit.chat-service", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()

	rec := serve(r, http.MethodPost, "/chats", `{"type":"group","name":"algebra","member_ids":["`+member.String()+`"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateCommunityChatRequiresMembership(t *testing.T) {
	r, m := setupChatRouter(t)
	community := uuid.New()
	m.chats.On("IsCommunityMember", mock.Anything, community, testUser).Return(false, nil).Once()

	rec := serve(r, http.MethodPost, "/chats", `{"type":"community","name":"general","community_id":"`+community.String()+`"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateCommunityChatRequiresCommunityID(t *testing.T) {
	r, _ := setupChatRouter(t)
	rec := serve(r, http.MethodPost, "/chats", `{"type":"community","name":"general"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateChatRejectsDirectType(t *testing.T) {
	r, _ := setupChatRouter(t)
	rec := serve(r, http.MethodPost, "/chats", `{"type":"direct","name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChatMessagesSuccess(t *testing.T) {
	r, m := setupChatRouter(t)
	chatID := uuid.New()
	m.chats.On("GetChat", mock.Anything, chatID).Return(models.Chat{ID: chatID}, nil).Once()
	m.chats.On("IsParticipant", mock.Anything, chatID, testUser).Return(true, nil).Once()
	m.messages.On("List", mock.Anything, chatID, int64(2), 10).Return([]models.Message{
		{ID: uuid.New(), ChatID: chatID, SenderID: testUser, Body: "a", Seq: 3},
		{ID: uuid.New(), ChatID: chatID, SenderID: testUser, Body: "b", Seq: 4},
	}, nil).Once()

	rec := serve(r, http.MethodGet, "/chats/"+chatID.String()+"/messages?after_seq=2&limit=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages     []models.Message `json:"messages"`
		NextAfterSeq int64            `json:"next_after_seq"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(4), resp.NextAfterSeq)
}

func TestGetChatMessagesClampsLimit(t *testing.T) {
	r, m := setupChatRouter(t)
	chatID := uuid.New()
	m.chats.On("GetChat", mock.Anything, chatID).Return(models.Chat{ID: chatID}, nil).Once()
	m.chats.On("IsParticipant", mock.Anything, chatID, testUser).Return(true, nil).Once()
	m.messages.On("List", mock.Anything, chatID, int64(0), 50).Return(nil, nil).Once()

	rec := serve(r, http.MethodGet, "/chats/"+chatID.String()+"/messages?limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[],"next_after_seq":0}`, rec.Body.String())
}

func TestGetChatMessagesForbidden(t *testing.T) {
	r, m := setupChatRouter(t)
	chatID := uuid.New()
	m.chats.On("GetChat", mock.Anything, chatID).Return(models.Chat{ID: chatID}, nil).Once()
	m.chats.On("IsParticipant", mock.Anything, chatID, testUser).Return(false, nil).Once()

	rec := serve(r, http.MethodGet, "/chats/"+chatID.String()+"/messages", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetChatMessagesNotFound(t *testing.T) {
	r, m := setupChatRouter(t)
	chatID := uuid.New()
	m.chats.On("GetChat", mock.Anything, chatID).Return(nil, repositories.ErrChatNotFound).Once()

	rec := serve(r, http.MethodGet, "/chats/"+chatID.String()+"/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetChatMessagesBadCursor(t *testing.T) {
	r, m := setupChatRouter(t)
	chatID := uuid.New()
	m.chats.On("GetChat", mock.Anything, chatID).Return(models.Chat{ID: chatID}, nil).Once()
	m.chats.On("IsParticipant", mock.Anything, chatID, testUser).Return(true, nil).Once()

	rec := serve(r, http.MethodGet, "/chats/"+chatID.String()+"/messages?after_seq=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChatMessagesInvalidChatID(t *testing.T) {
	r, _ := setupChatRouter(t)
	rec := serve(r, http.MethodGet, "/chats/42/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReadReceipts(t *testing.T) {
	r, m := setupChatRouter(t)
	chatID := uuid.New()
	m.chats.On("GetChat", mock.Anything, chatID).Return(models.Chat{ID: chatID}, nil).Once()
	m.chats.On("IsParticipant", mock.Anything, chatID, testUser).Return(true, nil).Once()
	m.receipts.On("ListReceipts", mock.Anything, chatID).Return([]models.ReadReceipt{{ChatID: chatID, UserID: testUser, LastReadSeq: 9}}, nil).Once()

	rec := serve(r, http.MethodGet, "/chats/"+chatID.String()+"/receipts", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Receipts []models.ReadReceipt `json:"receipts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Receipts, 1)
	assert.Equal(t, int64(9), resp.Receipts[0].LastReadSeq)
}

func TestDebugAuditRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(pub, "audit.chat-service", "chat-service", "test", zap.NewNop())
	pub.On("Publish", mock.Anything, "audit.chat-service", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.RequestID == "req-7" && e.Payload.Text == "audit test"
	})).Return(nil).Once()

	r := gin.New()
	RegisterDebugRoutes(r, emitter, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
