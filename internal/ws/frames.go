package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// FrameType is the "type" discriminator carried by every frame.
type FrameType string

const (
	FrameSendMessage     FrameType = "send_message"
	FrameTyping          FrameType = "typing"
	FrameRead            FrameType = "read"
	FrameNewMessage      FrameType = "new_message"
	FrameTypingBroadcast FrameType = "typing_broadcast"
	FrameReadReceipt     FrameType = "read_receipt"
	FrameAck             FrameType = "ack"
	FrameError           FrameType = "error"
	FrameEstablished     FrameType = "connection_established"
)

// ErrValidation marks inbound frames that are malformed or carry invalid content.
// Only the sender is told; the connection stays open.
var ErrValidation = errors.New("validation failed")

// Inbound is a client frame: SendMessage, Typing or Read.
type Inbound interface {
	inbound()
}

type SendMessage struct {
	Body string `json:"body"`
}

// Typing starts or refreshes the typing indicator. Stopped clears it, sent by
// clients as "is_typing": false.
type Typing struct {
	Stopped bool
}

type Read struct {
	UpToSeq int64 `json:"up_to_seq" validate:"gte=1"`
}

func (SendMessage) inbound() {}
func (Typing) inbound() {}
func (Read) inbound() {}

// Outbound is a server frame: NewMessage, TypingBroadcast, ReadReceipt, Ack, Error
// or ConnectionEstablished.
type Outbound interface {
	// Critical frames are never dropped when the recipient's queue is full.
	Critical() bool
	outbound()
}

type NewMessage struct {
	Seq       int64     `json:"seq"`
	MessageID uuid.UUID `json:"message_id"`
	ChatID    uuid.UUID `json:"chat_id"`
	Sender    uuid.UUID `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type TypingBroadcast struct {
	User    uuid.UUID `json:"user"`
	Stopped bool      `json:"stopped,omitempty"`
}

type ReadReceipt struct {
	User    uuid.UUID `json:"user"`
	UpToSeq int64     `json:"up_to_seq"`
	ReadAt  time.Time `json:"read_at"`
}

type Ack struct {
	Seq       int64     `json:"seq"`
	MessageID uuid.UUID `json:"message_id"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectionEstablished is the first frame of every bound connection.
type ConnectionEstablished struct {
	ConnectionID string    `json:"connection_id"`
	ChatID       uuid.UUID `json:"chat_id"`
	User         uuid.UUID `json:"user"`
}

func (NewMessage) Critical() bool { return true }
func (Ack) Critical() bool { return true }
func (TypingBroadcast) Critical() bool { return false }
func (ReadReceipt) Critical() bool { return false }
func (Error) Critical() bool { return false }
func (ConnectionEstablished) Critical() bool { return true }

func (NewMessage) outbound() {}
func (TypingBroadcast) outbound() {}
func (ReadReceipt) outbound() {}
func (Ack) outbound() {}
func (Error) outbound() {}
func (ConnectionEstablished) outbound() {}

// TypeOf returns the wire discriminator of an outbound frame.
func TypeOf(f Outbound) FrameType {
	switch f.(type) {
	case NewMessage:
		return FrameNewMessage
	case TypingBroadcast:
		return FrameTypingBroadcast
	case ReadReceipt:
		return FrameReadReceipt
	case Ack:
		return FrameAck
	case Error:
		return FrameError
	case ConnectionEstablished:
		return FrameEstablished
	}
	panic(fmt.Sprintf("ws: unknown outbound frame %T", f))
}

// Encode serializes f as a flat JSON object with its "type" field.
func Encode(f Outbound) ([]byte, error) {
	switch f := f.(type) {
	case NewMessage:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			NewMessage
		}{FrameNewMessage, f})
	case TypingBroadcast:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			TypingBroadcast
		}{FrameTypingBroadcast, f})
	case ReadReceipt:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			ReadReceipt
		}{FrameReadReceipt, f})
	case Ack:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			Ack
		}{FrameAck, f})
	case Error:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			Error
		}{FrameError, f})
	case ConnectionEstablished:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			ConnectionEstablished
		}{FrameEstablished, f})
	}
	return nil, fmt.Errorf("ws: unknown outbound frame %T", f)
}

// Decoder parses and validates inbound frames.
type Decoder struct {
	validate      *validator.Validate
	maxBodyLength int
}

// NewDecoder returns a decoder that rejects message bodies longer than maxBodyLength runes.
func NewDecoder(maxBodyLength int) *Decoder {
	return &Decoder{validate: validator.New(), maxBodyLength: maxBodyLength}
}

// Decode parses one text frame. Every failure wraps ErrValidation.
func (d *Decoder) Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: frame is not a JSON object", ErrValidation)
	}

	switch envelope.Type {
	case FrameSendMessage:
		var f SendMessage
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: body must be a string", ErrValidation)
		}
		if d.validate.Var(strings.TrimSpace(f.Body), "required") != nil ||
			d.validate.Var(f.Body, fmt.Sprintf("max=%d", d.maxBodyLength)) != nil {
			return nil, fmt.Errorf("%w: body must be non-empty and at most %d characters", ErrValidation, d.maxBodyLength)
		}
		return f, nil
	case FrameTyping:
		var raw struct {
			IsTyping *bool `json:"is_typing"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: is_typing must be a boolean", ErrValidation)
		}
		return Typing{Stopped: raw.IsTyping != nil && !*raw.IsTyping}, nil
	case FrameRead:
		var f Read
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: up_to_seq must be an integer", ErrValidation)
		}
		if err := d.validate.Struct(f); err != nil {
			return nil, fmt.Errorf("%w: up_to_seq must be at least 1", ErrValidation)
		}
		return f, nil
	case "":
		return nil, fmt.Errorf("%w: missing frame type", ErrValidation)
	}
	return nil, fmt.Errorf("%w: unknown frame type %q", ErrValidation, envelope.Type)
}
