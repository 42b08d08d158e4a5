package ws

import (
	"time"

	"github.com/google/uuid"
)

type ConnInfo struct {
	ConnID      string
	ChatID      uuid.UUID
	UserID      uuid.UUID
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
