package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"studybuddy-chat/internal/models"
	"studybuddy-chat/internal/observability"
	"studybuddy-chat/internal/repositories"
	"studybuddy-chat/internal/ws"
)

var tracer = otel.Tracer("studybuddy-chat/messaging")

// Notifier is told about participants who had no live connection when a message landed.
type Notifier interface {
	NotifyOffline(ctx context.Context, msg models.Message, recipients []uuid.UUID) error
}

// Dispatcher persists inbound messages and fans out frames to the live peers of a chat.
type Dispatcher struct {
	messages repositories.MessageRepository
	receipts repositories.ReceiptRepository
	chats    repositories.ChatRepository
	registry *ws.Registry
	typing   *TypingCoordinator
	notifier Notifier
	locks    *chatLocks
	logger   *zap.Logger
}

func NewDispatcher(
	messages repositories.MessageRepository,
	receipts repositories.ReceiptRepository,
	chats repositories.ChatRepository,
	registry *ws.Registry,
	typing *TypingCoordinator,
	notifier Notifier,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		messages: messages,
		receipts: receipts,
		chats:    chats,
		registry: registry,
		typing:   typing,
		notifier: notifier,
		locks:    newChatLocks(),
		logger:   logger.Named("dispatcher"),
	}
}

// HandleFrame routes one inbound frame from peer.
func (d *Dispatcher) HandleFrame(ctx context.Context, chatID uuid.UUID, peer ws.Peer, frame ws.Inbound) error {
	switch f := frame.(type) {
	case ws.SendMessage:
		observability.IncInboundFrame(string(ws.FrameSendMessage))
		_, err := d.SendMessage(ctx, chatID, peer, f.Body)
		return err
	case ws.Typing:
		observability.IncInboundFrame(string(ws.FrameTyping))
		if f.Stopped {
			d.StopTyping(chatID, peer)
		} else {
			d.Typing(chatID, peer)
		}
		return nil
	case ws.Read:
		observability.IncInboundFrame(string(ws.FrameRead))
		return d.Read(ctx, chatID, peer, f.UpToSeq)
	}
	return fmt.Errorf("%w: unsupported frame %T", ws.ErrValidation, frame)
}

// SendMessage persists body, acks the sending connection and delivers the message
// to every other live connection of the chat in sequence order.
func (d *Dispatcher) SendMessage(ctx context.Context, chatID uuid.UUID, sender ws.Peer, body string) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "dispatch.send_message", trace.WithAttributes(attribute.String("chat.id", chatID.String())))
	defer span.End()

	unlock := d.locks.lock(chatID)

	start := time.Now()
	// Persistence must not be abandoned when the sender disconnects mid-append.
	msg, err := d.messages.Append(context.WithoutCancel(ctx), chatID, sender.UserID(), body)
	if err != nil {
		unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	observability.ObserveMessageAppended(time.Since(start))
	span.SetAttributes(attribute.Int64("message.seq", msg.Seq))

	d.typing.Clear(chatID, sender.UserID())

	frame := ws.NewMessage{
		Seq:       msg.Seq,
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Sender:    msg.SenderID,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	}
	recipients := lo.Filter(d.registry.Live(chatID), func(p ws.Peer, _ int) bool { return p.ID() != sender.ID() })

	deliveries := make([]delivery, 0, len(recipients)+1)
	deliveries = append(deliveries, delivery{peer: sender, frame: ws.Ack{Seq: msg.Seq, MessageID: msg.ID}})
	for _, p := range recipients {
		deliveries = append(deliveries, delivery{peer: p, frame: frame})
	}
	d.deliver(chatID, deliveries)
	unlock()

	d.notifyOffline(context.WithoutCancel(ctx), msg)
	return msg, nil
}

// Typing refreshes the sender's typing window and tells the other participants.
func (d *Dispatcher) Typing(chatID uuid.UUID, sender ws.Peer) {
	peers := d.typing.Signal(chatID, sender.UserID())
	d.broadcast(chatID, peers, ws.TypingBroadcast{User: sender.UserID()})
}

// StopTyping ends the sender's typing window. A stopped event goes out only if the
// sender was typing.
func (d *Dispatcher) StopTyping(chatID uuid.UUID, sender ws.Peer) {
	if d.typing.Clear(chatID, sender.UserID()) {
		d.broadcast(chatID, d.typing.others(chatID, sender.UserID()), ws.TypingBroadcast{User: sender.UserID(), Stopped: true})
	}
}

// Read advances the reader's receipt to upToSeq. Only an actual advance is broadcast.
func (d *Dispatcher) Read(ctx context.Context, chatID uuid.UUID, reader ws.Peer, upToSeq int64) error {
	ctx, span := tracer.Start(ctx, "dispatch.read", trace.WithAttributes(
		attribute.String("chat.id", chatID.String()),
		attribute.Int64("read.up_to_seq", upToSeq),
	))
	defer span.End()

	if upToSeq < 1 {
		return fmt.Errorf("%w: up_to_seq must be at least 1", ws.ErrValidation)
	}

	unlock := d.locks.lock(chatID)
	defer unlock()

	maxSeq, err := d.messages.MaxSeq(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load max seq: %w", err)
	}
	if upToSeq > maxSeq {
		return fmt.Errorf("%w: up_to_seq %d is beyond the last message %d", ws.ErrValidation, upToSeq, maxSeq)
	}

	receipt, advanced, err := d.receipts.Advance(context.WithoutCancel(ctx), chatID, reader.UserID(), upToSeq)
	if err != nil {
		return fmt.Errorf("advance receipt: %w", err)
	}
	if !advanced {
		return nil
	}

	peers := lo.Filter(d.registry.Live(chatID), func(p ws.Peer, _ int) bool { return p.ID() != reader.ID() })
	d.broadcast(chatID, peers, ws.ReadReceipt{User: receipt.UserID, UpToSeq: receipt.LastReadSeq, ReadAt: receipt.UpdatedAt})
	return nil
}

// Disconnected clears the user's typing state once their last connection to the chat is gone.
func (d *Dispatcher) Disconnected(_ context.Context, chatID uuid.UUID, peer ws.Peer) {
	if lo.Contains(d.registry.LiveUsers(chatID), peer.UserID()) {
		return
	}
	if d.typing.Clear(chatID, peer.UserID()) {
		d.broadcast(chatID, d.typing.others(chatID, peer.UserID()), ws.TypingBroadcast{User: peer.UserID(), Stopped: true})
	}
}

// RunTypingSweeper expires typing windows every interval until ctx is done.
func (d *Dispatcher) RunTypingSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.SweepTyping(now)
		}
	}
}

// SweepTyping broadcasts a stopped event for every typing window that ended by now.
func (d *Dispatcher) SweepTyping(now time.Time) int {
	expired := d.typing.ExpireStale(now)
	for _, key := range expired {
		observability.IncTypingExpired()
		d.broadcast(key.ChatID, d.typing.others(key.ChatID, key.UserID), ws.TypingBroadcast{User: key.UserID, Stopped: true})
	}
	return len(expired)
}

type delivery struct {
	peer  ws.Peer
	frame ws.Outbound
}

func (d *Dispatcher) broadcast(chatID uuid.UUID, peers []ws.Peer, frame ws.Outbound) {
	d.deliver(chatID, lo.Map(peers, func(p ws.Peer, _ int) delivery { return delivery{peer: p, frame: frame} }))
}

// deliver hands every frame to its peer in order. Peers enqueue without waiting, so
// a stalled recipient never holds up the chat lock.
func (d *Dispatcher) deliver(chatID uuid.UUID, deliveries []delivery) {
	for _, dl := range deliveries {
		d.deliverOne(chatID, dl)
	}
}

func (d *Dispatcher) deliverOne(chatID uuid.UUID, dl delivery) {
	err := dl.peer.Deliver(dl.frame)
	switch {
	case err == nil:
	case errors.Is(err, ws.ErrSlowConsumer):
		observability.IncSlowConsumer()
		d.logger.Warn("closing slow consumer",
			zap.Stringer("chat_id", chatID),
			zap.String("conn_id", dl.peer.ID()),
			zap.Stringer("user_id", dl.peer.UserID()))
		d.registry.Unregister(chatID, dl.peer)
		dl.peer.Close("slow consumer")
	case errors.Is(err, ws.ErrConnClosed):
		d.registry.Unregister(chatID, dl.peer)
	default:
		d.logger.Error("deliver frame failed", zap.String("conn_id", dl.peer.ID()), zap.Error(err))
	}
}

func (d *Dispatcher) notifyOffline(ctx context.Context, msg models.Message) {
	if d.notifier == nil {
		return
	}
	participants, err := d.chats.ListParticipants(ctx, msg.ChatID)
	if err != nil {
		d.logger.Warn("list participants failed", zap.Stringer("chat_id", msg.ChatID), zap.Error(err))
		return
	}
	online := d.registry.LiveUsers(msg.ChatID)
	offline := lo.Filter(participants, func(id uuid.UUID, _ int) bool {
		return id != msg.SenderID && !lo.Contains(online, id)
	})
	if len(offline) == 0 {
		return
	}
	if err := d.notifier.NotifyOffline(ctx, msg, offline); err != nil {
		d.logger.Warn("offline notification failed", zap.Stringer("message_id", msg.ID), zap.Error(err))
	}
}
