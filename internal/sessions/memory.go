package sessions

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store, grounded on the
// teacher's sessions.MemoryStore clone-on-read/write idiom: every
// caller gets its own copy, so mutating a returned Session never
// corrupts the stored one without going through Put.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	events   map[string][]Event
	seq      map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		events:   make(map[string][]Event),
		seq:      make(map[string]uint64),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.events, id)
	delete(s.seq, id)
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[event.SessionID]++
	event.Seq = s.seq[event.SessionID]
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out, nil
}
