package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"studybuddy-chat/internal/auth"
	"studybuddy-chat/internal/observability"
	"studybuddy-chat/internal/repositories"
)

// FrameHandler consumes the inbound frames of bound connections.
type FrameHandler interface {
	HandleFrame(ctx context.Context, chatID uuid.UUID, peer Peer, frame Inbound) error
	// Disconnected runs after peer has been removed from the registry.
	Disconnected(ctx context.Context, chatID uuid.UUID, peer Peer)
}

type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	SendTimeout    time.Duration
	MaxBodyLength  int
}

// ChatWebSocketHandler authenticates, upgrades and serves chat websocket connections.
type ChatWebSocketHandler struct {
	registry *Registry
	chatRepo repositories.ChatRepository
	verifier auth.Verifier
	handler  FrameHandler
	decoder  *Decoder
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.Logger
	conns    sync.WaitGroup
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(registry *Registry, chatRepo repositories.ChatRepository, verifier auth.Verifier, handler FrameHandler, opts Options, logger *zap.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		registry: registry,
		chatRepo: chatRepo,
		verifier: verifier,
		handler:  handler,
		decoder:  NewDecoder(opts.MaxBodyLength),
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
		opts:     opts,
		logger:   logger.Named("ws"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return lo.Contains(allowed, "*") || lo.Contains(allowed, origin)
	}
}

// Handle authenticates the request, upgrades it and serves the connection until it closes.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("chat_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	ctx, span := otel.Tracer("studybuddy-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := h.verifier.ResolveIdentity(ctx, tokenFromRequest(c))
	if err != nil {
		observability.IncWSEvent("chat", "ws_rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, err := h.chatRepo.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, repositories.ErrChatNotFound) {
			observability.IncWSEvent("chat", "ws_rejected")
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		h.logger.Error("load chat failed", zap.Stringer("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return
	}

	member, err := h.chatRepo.IsParticipant(ctx, chatID, userID)
	if err != nil {
		h.logger.Error("membership check failed", zap.Stringer("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		observability.IncWSEvent("chat", "ws_rejected")
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for chat"})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		ChatID:      chatID,
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := newConn(wsConn, info, h.opts.SendQueueSize, h.opts.SendTimeout, h.logger)
	span.End()

	h.conns.Add(1)
	defer h.conns.Done()
	h.serve(context.WithoutCancel(ctx), conn)
}

// serve binds conn to its chat and runs the read loop on the calling goroutine.
func (h *ChatWebSocketHandler) serve(ctx context.Context, conn *Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	info := conn.Info()
	conn.bind()
	// Queued before registration so nothing can overtake it.
	_ = conn.Deliver(ConnectionEstablished{ConnectionID: info.ConnID, ChatID: info.ChatID, User: info.UserID})
	h.registry.Register(info.ChatID, conn)
	observability.IncWSActive("chat")
	publishConnEvent(ctx, "ws_connect", info, "")
	conn.logger.Info("websocket connected")

	go conn.writePump(h.opts.PingInterval)

	reason := h.readLoop(ctx, conn)

	h.registry.Unregister(info.ChatID, conn)
	conn.Close(reason)
	h.handler.Disconnected(ctx, info.ChatID, conn)
	observability.DecWSActive("chat")
	if r := conn.CloseReason(); r != "" {
		reason = r
	}
	publishConnEvent(ctx, "ws_disconnect", info, reason)
	conn.logger.Info("websocket disconnected", zap.String("reason", reason))
}

func (h *ChatWebSocketHandler) readLoop(ctx context.Context, conn *Conn) string {
	deadline := h.opts.PingInterval + h.opts.PongTimeout
	conn.ws.SetReadLimit(h.opts.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.State() == StateClosed {
				return conn.CloseReason()
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishConnEvent(ctx, "ws_error", conn.Info(), err.Error())
			}
			return err.Error()
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))

		if msgType != websocket.TextMessage {
			conn.closeWithCode(websocket.CloseUnsupportedData, "text frames only")
			return "text frames only"
		}

		frame, err := h.decoder.Decode(data)
		if err != nil {
			_ = conn.Deliver(ErrorFrame(err))
			continue
		}

		if err := h.handler.HandleFrame(ctx, conn.info.ChatID, conn, frame); err != nil {
			f := ErrorFrame(err)
			if f.Code == "internal" {
				conn.logger.Error("frame handling failed", zap.Error(err))
			}
			_ = conn.Deliver(f)
		}
		if conn.State() == StateClosed {
			return conn.CloseReason()
		}
	}
}

// Wait blocks until every served connection has finished or ctx is done.
func (h *ChatWebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorFrame maps a handling error to the error frame sent back to the client.
func ErrorFrame(err error) Error {
	switch {
	case errors.Is(err, ErrValidation):
		return Error{Code: "validation", Message: err.Error()}
	case errors.Is(err, repositories.ErrChatNotFound):
		return Error{Code: "not_found", Message: "chat not found"}
	case errors.Is(err, repositories.ErrSequenceConflict):
		return Error{Code: "conflict", Message: "message could not be sequenced, retry"}
	default:
		return Error{Code: "internal", Message: "internal error"}
	}
}

func tokenFromRequest(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
