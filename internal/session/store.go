package session

import (
	"context"
	"errors"
	"sync"

	"bff-gateway/internal/model"
)

var (
	// ErrNotFound is returned by a Store when no session has the given id.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable wraps transient store failures.
	ErrUnavailable = errors.New("session store unavailable")
)

// Store looks up sessions by id. Implementations must be safe for
// concurrent use and must not mutate the session on read.
type Store interface {
	Lookup(ctx context.Context, id string) (*model.Session, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.Session)}
}

// Put stores a copy of sess under sess.ID.
func (m *MemoryStore) Put(sess *model.Session) {
	cp := *sess
	cp.Claims = append([]model.Claim(nil), sess.Claims...)

	m.mu.Lock()
	m.sessions[sess.ID] = cp
	m.mu.Unlock()
}

// Delete removes the session with id.
func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Lookup returns a copy of the session with id.
func (m *MemoryStore) Lookup(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	sess.Claims = append([]model.Claim(nil), sess.Claims...)
	return &sess, nil
}
