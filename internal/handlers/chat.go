package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"studybuddy-chat/internal/models"
	"studybuddy-chat/internal/repositories"
	"studybuddy-chat/internal/telemetry"
)

// ChatHandler serves the REST side of chats: creation and history.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	receiptRepo repositories.ReceiptRepository
	audit       *telemetry.AuditEmitter
	pageLimit   int
	logger      *zap.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, receiptRepo repositories.ReceiptRepository, audit *telemetry.AuditEmitter, pageLimit int, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		receiptRepo: receiptRepo,
		audit:       audit,
		pageLimit:   pageLimit,
		logger:      logger.Named("handlers"),
	}
}

// StartDirectChat creates or returns the direct chat between the caller and another user.
func (h *ChatHandler) StartDirectChat(c *gin.Context) {
	var req struct {
		UserID uuid.UUID `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := currentUser(c)
	chat, err := h.chatRepo.CreateDirectChat(c.Request.Context(), userID, req.UserID)
	if errors.Is(err, repositories.ErrSelfChat) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}
	if err != nil {
		h.logger.Error("create direct chat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	c.JSON(http.StatusOK, chat)
}

// CreateChat creates a group chat or a community channel.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req struct {
		Type        models.ChatType `json:"type" binding:"required,oneof=group community"`
		Name        string          `json:"name" binding:"required,max=120"`
		MemberIDs   []uuid.UUID     `json:"member_ids"`
		CommunityID *uuid.UUID      `json:"community_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := currentUser(c)
	var communityID uuid.NullUUID
	if req.Type == models.ChatTypeCommunity {
		if req.CommunityID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "community_id is required for community chats"})
			return
		}
		member, err := h.chatRepo.IsCommunityMember(c.Request.Context(), *req.CommunityID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
			return
		}
		if !member {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a community member"})
			return
		}
		communityID = uuid.NullUUID{UUID: *req.CommunityID, Valid: true}
	}

	chat, err := h.chatRepo.CreateChat(c.Request.Context(), req.Type, req.Name, communityID, userID, req.MemberIDs)
	if err != nil {
		h.logger.Error("create chat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("%s chat %s created", chat.Type, chat.ID), requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusCreated, chat)
}

// GetChatMessages pages through the chat history in sequence order.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := h.authorizeChat(c)
	if !ok {
		return
	}

	afterSeq, err := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil || afterSeq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after_seq"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.pageLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	limit = min(limit, h.pageLimit)

	msgs, err := h.messageRepo.List(c.Request.Context(), chatID, afterSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	nextAfterSeq := afterSeq
	if len(msgs) > 0 {
		nextAfterSeq = msgs[len(msgs)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "next_after_seq": nextAfterSeq})
}

// GetReadReceipts returns the read positions of the chat's participants.
func (h *ChatHandler) GetReadReceipts(c *gin.Context) {
	chatID, ok := h.authorizeChat(c)
	if !ok {
		return
	}

	receipts, err := h.receiptRepo.ListReceipts(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load receipts"})
		return
	}
	if receipts == nil {
		receipts = []models.ReadReceipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (h *ChatHandler) authorizeChat(c *gin.Context) (uuid.UUID, bool) {
	chatID, err := uuid.Parse(c.Param("chat_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return uuid.Nil, false
	}

	if _, err := h.chatRepo.GetChat(c.Request.Context(), chatID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "chat not found"})
		return uuid.Nil, false
	}

	member, err := h.chatRepo.IsParticipant(c.Request.Context(), chatID, currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return uuid.Nil, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return uuid.Nil, false
	}
	return chatID, true
}

func currentUser(c *gin.Context) uuid.UUID {
	if id, ok := c.Get("userID"); ok {
		if userID, ok := id.(uuid.UUID); ok {
			return userID
		}
	}
	return uuid.Nil
}
