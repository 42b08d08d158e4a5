package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"studybuddy-chat/internal/observability"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Peer is a live endpoint frames can be delivered to.
type Peer interface {
	ID() string
	UserID() uuid.UUID
	// Deliver enqueues f without waiting for the network write.
	Deliver(f Outbound) error
	Close(reason string)
}

const writeWait = 10 * time.Second

// Conn is a websocket connection bound to one chat.
type Conn struct {
	info        ConnInfo
	ws          *websocket.Conn
	queue       *sendQueue
	state       atomic.Int32
	closeOnce   sync.Once
	closeReason atomic.Pointer[string]
	logger      *zap.Logger
}

func newConn(ws *websocket.Conn, info ConnInfo, queueSize int, sendTimeout time.Duration, logger *zap.Logger) *Conn {
	c := &Conn{
		info:   info,
		ws:     ws,
		logger: logger.With(zap.String("conn_id", info.ConnID), zap.Stringer("chat_id", info.ChatID), zap.Stringer("user_id", info.UserID)),
	}
	c.queue = newSendQueue(queueSize, sendTimeout, c.stalled)
	c.state.Store(int32(StateAuthenticated))
	return c
}

func (c *Conn) ID() string { return c.info.ConnID }
func (c *Conn) UserID() uuid.UUID { return c.info.UserID }
func (c *Conn) Info() ConnInfo { return c.info }
func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) bind() bool { return c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateBound)) }

// Deliver enqueues f for the write pump without waiting. Non-critical frames may be
// dropped under backpressure. Critical frames that the peer does not drain within the
// send timeout close the connection as a slow consumer.
func (c *Conn) Deliver(f Outbound) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}
	evicted, err := c.queue.push(f)
	if evicted != nil {
		observability.IncFrameDropped(string(TypeOf(evicted)))
		c.logger.Debug("frame dropped", zap.String("frame", string(TypeOf(evicted))))
	}
	return err
}

func (c *Conn) stalled() {
	observability.IncSlowConsumer()
	c.logger.Warn("closing slow consumer")
	c.Close("slow consumer")
}

// Close stops the connection once. Later calls are no-ops.
func (c *Conn) Close(reason string) {
	c.closeWithCode(websocket.CloseNormalClosure, reason)
}

func (c *Conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(&reason)
		c.state.Store(int32(StateClosed))
		c.queue.close()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// CloseReason is empty until the connection is closed.
func (c *Conn) CloseReason() string {
	if r := c.closeReason.Load(); r != nil {
		return *r
	}
	return ""
}

// writePump is the only writer of data frames on the socket.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.queue.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.queue.ready:
			for {
				f, ok := c.queue.tryPop()
				if !ok {
					break
				}
				if err := c.write(f); err != nil {
					if !errors.Is(err, websocket.ErrCloseSent) {
						c.logger.Debug("websocket write failed", zap.Error(err))
					}
					c.Close("write failed")
					return
				}
				select {
				case <-ticker.C:
					if err := c.ping(); err != nil {
						c.Close("ping failed")
						return
					}
				default:
				}
			}
		}
	}
}

func (c *Conn) write(f Outbound) error {
	payload, err := Encode(f)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
