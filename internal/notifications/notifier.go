package notifications

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studybuddy-chat/internal/models"
)

const (
	OfflineMessageRoutingKey = "chat.message.offline"
	previewLength            = 140
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// OfflineMessageEvent asks the notification service to alert users who missed a message.
type OfflineMessageEvent struct {
	EventType  string      `json:"event_type"`
	OccurredAt string      `json:"occurred_at"`
	ChatID     uuid.UUID   `json:"chat_id"`
	MessageID  uuid.UUID   `json:"message_id"`
	SenderID   uuid.UUID   `json:"sender_id"`
	Seq        int64       `json:"seq"`
	Preview    string      `json:"preview"`
	Recipients []uuid.UUID `json:"recipients"`
}

// BrokerNotifier publishes offline-message events to the broker.
type BrokerNotifier struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewBrokerNotifier(publisher Publisher, logger *zap.Logger) *BrokerNotifier {
	return &BrokerNotifier{publisher: publisher, logger: logger.Named("notifications")}
}

func (n *BrokerNotifier) NotifyOffline(ctx context.Context, msg models.Message, recipients []uuid.UUID) error {
	event := OfflineMessageEvent{
		EventType:  OfflineMessageRoutingKey,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		ChatID:     msg.ChatID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		Seq:        msg.Seq,
		Preview:    preview(msg.Body),
		Recipients: recipients,
	}
	if err := n.publisher.Publish(ctx, OfflineMessageRoutingKey, event); err != nil {
		return fmt.Errorf("publish offline notification: %w", err)
	}
	n.logger.Debug("offline notification published",
		zap.Stringer("message_id", msg.ID),
		zap.Int("recipients", len(recipients)))
	return nil
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewLength]) + "…"
}
