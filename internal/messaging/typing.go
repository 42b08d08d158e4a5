package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"studybuddy-chat/internal/ws"
)

// LiveSource returns the live peers of a chat.
type LiveSource interface {
	Live(chatID uuid.UUID) []ws.Peer
}

type TypingKey struct {
	ChatID uuid.UUID
	UserID uuid.UUID
}

// TypingCoordinator keeps per-(chat, user) typing expiries. An entry is active
// until its window passes without a new signal.
type TypingCoordinator struct {
	mu       sync.Mutex
	window   time.Duration
	expiries map[TypingKey]time.Time
	live     LiveSource
	now      func() time.Time
}

func NewTypingCoordinator(live LiveSource, window time.Duration) *TypingCoordinator {
	return &TypingCoordinator{
		window:   window,
		expiries: make(map[TypingKey]time.Time),
		live:     live,
		now:      time.Now,
	}
}

// Signal refreshes the user's typing window and returns the peers of the other
// participants that should see it.
func (t *TypingCoordinator) Signal(chatID, userID uuid.UUID) []ws.Peer {
	t.mu.Lock()
	t.expiries[TypingKey{ChatID: chatID, UserID: userID}] = t.now().Add(t.window)
	t.mu.Unlock()
	return t.others(chatID, userID)
}

// Clear removes the entry and reports whether it was active.
func (t *TypingCoordinator) Clear(chatID, userID uuid.UUID) bool {
	key := TypingKey{ChatID: chatID, UserID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.expiries[key]; !ok {
		return false
	}
	delete(t.expiries, key)
	return true
}

// ExpireStale removes and returns every entry whose window ended at or before now.
// Each entry is returned by exactly one call.
func (t *TypingCoordinator) ExpireStale(now time.Time) []TypingKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []TypingKey
	for key, at := range t.expiries {
		if !at.After(now) {
			expired = append(expired, key)
			delete(t.expiries, key)
		}
	}
	return expired
}

// Active lists the users currently typing in the chat.
func (t *TypingCoordinator) Active(chatID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var users []uuid.UUID
	for key, at := range t.expiries {
		if key.ChatID == chatID && at.After(now) {
			users = append(users, key.UserID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })
	return users
}

func (t *TypingCoordinator) others(chatID, userID uuid.UUID) []ws.Peer {
	return lo.Filter(t.live.Live(chatID), func(p ws.Peer, _ int) bool { return p.UserID() != userID })
}
