package ws

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type stubPeer struct {
	id     string
	userID uuid.UUID

	mu     sync.Mutex
	frames []Outbound
	closed string
}

func newStubPeer(userID uuid.UUID) *stubPeer {
	return &stubPeer{id: uuid.NewString(), userID: userID}
}

func (p *stubPeer) ID() string        { return p.id }
func (p *stubPeer) UserID() uuid.UUID { return p.userID }

func (p *stubPeer) Deliver(f Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}

func (p *stubPeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = reason
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	chatID := uuid.New()
	user := uuid.New()
	a, b := newStubPeer(user), newStubPeer(uuid.New())

	r.Register(chatID, a)
	r.Register(chatID, b)
	assert.Len(t, r.Live(chatID), 2)
	assert.Equal(t, 1, r.Chats())

	assert.True(t, r.Unregister(chatID, a))
	assert.False(t, r.Unregister(chatID, a))
	assert.Equal(t, []Peer{b}, r.Live(chatID))

	assert.True(t, r.Unregister(chatID, b))
	assert.Empty(t, r.Live(chatID))
	assert.Equal(t, 0, r.Chats())
}

func TestRegistryUnregisterUnknownChat(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Unregister(uuid.New(), newStubPeer(uuid.New())))
}

func TestRegistryChatsAreIsolated(t *testing.T) {
	r := NewRegistry()
	chatA, chatB := uuid.New(), uuid.New()
	user := uuid.New()
	r.Register(chatA, newStubPeer(user))
	r.Register(chatB, newStubPeer(user))

	assert.Len(t, r.Live(chatA), 1)
	assert.Len(t, r.Live(chatB), 1)
	assert.Equal(t, []uuid.UUID{user}, r.LiveUsers(chatA))
}

func TestRegistryLiveUsersDedupesDevices(t *testing.T) {
	r := NewRegistry()
	chatID, user := uuid.New(), uuid.New()
	r.Register(chatID, newStubPeer(user))
	r.Register(chatID, newStubPeer(user))

	assert.Len(t, r.Live(chatID), 2)
	assert.Equal(t, []uuid.UUID{user}, r.LiveUsers(chatID))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	chatID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := newStubPeer(uuid.New())
			r.Register(chatID, p)
			_ = r.Live(chatID)
			r.Unregister(chatID, p)
		}()
	}
	wg.Wait()
	assert.Empty(t, r.Live(chatID))
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := newStubPeer(uuid.New()), newStubPeer(uuid.New())
	r.Register(uuid.New(), a)
	r.Register(uuid.New(), b)

	r.CloseAll("shutdown")
	assert.Equal(t, "shutdown", a.closed)
	assert.Equal(t, "shutdown", b.closed)
}
