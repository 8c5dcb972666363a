package store

import (
	"sync"
	"time"
)

// MemorySessionStore keeps sessions in process memory. Suitable for tests
// and single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewMemorySessionStore creates a memory-backed session store.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// Create allocates and persists a fresh session in the Created state.
func (m *MemorySessionStore) Create(requestorID string) (*Session, error) {
	s := &Session{
		ID:          NewID(),
		State:       StateCreated,
		RequestorID: requestorID,
		Expiry:      time.Now().Add(m.ttl),
	}
	return s, m.Persist(s)
}

// Get returns the session, or ErrNotFound/ErrExpired.
func (m *MemorySessionStore) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired() {
		return nil, ErrExpired
	}
	cp := *s
	return &cp, nil
}

// Persist stores a snapshot of the session.
func (m *MemorySessionStore) Persist(s *Session) error {
	cp := *s
	m.mu.Lock()
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	return nil
}

// MemoryTGTStore keeps TGTs in process memory.
type MemoryTGTStore struct {
	mu   sync.RWMutex
	tgts map[string]*TGT
	ttl  time.Duration
}

// NewMemoryTGTStore creates a memory-backed TGT store.
func NewMemoryTGTStore(ttl time.Duration) *MemoryTGTStore {
	if ttl <= 0 {
		ttl = DefaultTGTTTL
	}
	return &MemoryTGTStore{
		tgts: make(map[string]*TGT),
		ttl:  ttl,
	}
}

// Create allocates and persists a fresh TGT for the user.
func (m *MemoryTGTStore) Create(user User) (*TGT, error) {
	t := &TGT{
		ID:     NewID(),
		User:   user,
		Expiry: time.Now().Add(m.ttl),
	}
	return t, m.Persist(t)
}

// Get returns the TGT, or ErrNotFound/ErrExpired.
func (m *MemoryTGTStore) Get(id string) (*TGT, error) {
	m.mu.RLock()
	t, ok := m.tgts[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if t.Expired() {
		return nil, ErrExpired
	}
	cp := *t
	return &cp, nil
}

// FindByUser returns a live TGT for the user, or ErrNotFound.
func (m *MemoryTGTStore) FindByUser(userID string) (*TGT, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tgts {
		if t.User.ID == userID && !t.Expired() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Persist stores a snapshot of the TGT.
func (m *MemoryTGTStore) Persist(t *TGT) error {
	cp := *t
	m.mu.Lock()
	m.tgts[t.ID] = &cp
	m.mu.Unlock()
	return nil
}
