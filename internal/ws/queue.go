package ws

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("slow consumer")
)

// sendQueue is the bounded outbound queue of one connection. When full, the oldest
// pending non-critical frame makes room. Critical frames that still find no room are
// parked in arrival order; push never blocks.
type sendQueue struct {
	mu      sync.Mutex
	items   []Outbound
	parked  []parkedFrame
	limit   int
	timeout time.Duration
	stall   *time.Timer
	onStall func()
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

type parkedFrame struct {
	frame Outbound
	since time.Time
}

// newSendQueue returns a queue holding up to limit frames plus limit parked critical
// frames. onStall runs once the oldest parked frame has waited longer than timeout.
func newSendQueue(limit int, timeout time.Duration, onStall func()) *sendQueue {
	return &sendQueue{
		items:   make([]Outbound, 0, limit),
		limit:   limit,
		timeout: timeout,
		onStall: onStall,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push enqueues f. evicted is the non-critical frame discarded to make room, which may
// be f itself. A critical frame fails with ErrSlowConsumer only when the parking area
// is full too.
func (q *sendQueue) push(f Outbound) (evicted Outbound, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrConnClosed
	}

	// Critical frames never overtake ones already parked.
	if f.Critical() && len(q.parked) > 0 {
		return nil, q.park(f)
	}
	if len(q.items) < q.limit {
		q.items = append(q.items, f)
		notify(q.ready)
		return nil, nil
	}
	if i := q.oldestNonCritical(); i >= 0 {
		evicted = q.items[i]
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.items = append(q.items, f)
		notify(q.ready)
		return evicted, nil
	}
	if !f.Critical() {
		return f, nil
	}
	return nil, q.park(f)
}

func (q *sendQueue) park(f Outbound) error {
	if len(q.parked) >= q.limit {
		return ErrSlowConsumer
	}
	q.parked = append(q.parked, parkedFrame{frame: f, since: time.Now()})
	if len(q.parked) == 1 {
		q.armStall(q.timeout)
	}
	return nil
}

func (q *sendQueue) armStall(d time.Duration) {
	if q.stall != nil {
		q.stall.Stop()
	}
	q.stall = time.AfterFunc(d, q.checkStall)
}

func (q *sendQueue) checkStall() {
	q.mu.Lock()
	if q.closed || len(q.parked) == 0 {
		q.mu.Unlock()
		return
	}
	if wait := q.timeout - time.Since(q.parked[0].since); wait > 0 {
		q.armStall(wait)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	if q.onStall != nil {
		q.onStall()
	}
}

func (q *sendQueue) oldestNonCritical() int {
	for i, item := range q.items {
		if !item.Critical() {
			return i
		}
	}
	return -1
}

// tryPop removes the head of the queue without blocking and moves the oldest parked
// frame into the freed slot.
func (q *sendQueue) tryPop() (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	if len(q.parked) > 0 {
		q.items = append(q.items, q.parked[0].frame)
		q.parked[0] = parkedFrame{}
		q.parked = q.parked[1:]
		if len(q.parked) == 0 {
			q.stall.Stop()
		} else {
			q.armStall(q.timeout - time.Since(q.parked[0].since))
		}
	}
	return f, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.parked)
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.items = nil
		q.parked = nil
		if q.stall != nil {
			q.stall.Stop()
		}
		close(q.done)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
