package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Registry tracks the live peers of each chat.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

type session struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*session)}
}

// Register adds p to the chat's session, creating the session on first use.
func (r *Registry) Register(chatID uuid.UUID, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		s = &session{peers: make(map[string]Peer)}
		r.sessions[chatID] = s
	}
	s.mu.Lock()
	s.peers[p.ID()] = p
	s.mu.Unlock()
}

// Unregister removes p. Removing an unknown peer is a no-op.
func (r *Registry) Unregister(chatID uuid.UUID, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.peers[p.ID()]
	if !ok || current != p {
		return false
	}
	delete(s.peers, p.ID())
	if len(s.peers) == 0 {
		delete(r.sessions, chatID)
	}
	return true
}

// Live returns a snapshot of the chat's peers.
func (r *Registry) Live(chatID uuid.UUID) []Peer {
	r.mu.RLock()
	s, ok := r.sessions[chatID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.peers)
}

// LiveUsers returns the distinct users with at least one live peer in the chat.
func (r *Registry) LiveUsers(chatID uuid.UUID) []uuid.UUID {
	return lo.Uniq(lo.Map(r.Live(chatID), func(p Peer, _ int) uuid.UUID { return p.UserID() }))
}

// Chats reports how many chats currently have live peers.
func (r *Registry) Chats() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered peer.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	var peers []Peer
	for _, s := range r.sessions {
		s.mu.RLock()
		peers = append(peers, lo.Values(s.peers)...)
		s.mu.RUnlock()
	}
	r.mu.RUnlock()
	for _, p := range peers {
		p.Close(reason)
	}
}
