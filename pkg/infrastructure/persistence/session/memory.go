package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/domain/presentation"
)

// MemoryStore keeps sessions in process memory. Sessions are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]presentation.Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]presentation.Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, sess presentation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.RequestID]; exists {
		return errors.New(errors.CodeAlreadyExists, "persistence", fmt.Sprintf("session %s already exists", sess.RequestID), nil)
	}
	s.sessions[sess.RequestID] = clone(sess)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (presentation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := s.live(id)
	if err != nil {
		return presentation.Session{}, err
	}
	return clone(sess), nil
}

func (s *MemoryStore) Update(ctx context.Context, sess presentation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.RequestID]; !exists {
		return notFound(sess.RequestID)
	}
	s.sessions[sess.RequestID] = clone(sess)
	return nil
}

func (s *MemoryStore) Mutate(ctx context.Context, id string, fn func(*presentation.Session) error) (presentation.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.live(id)
	if err != nil {
		return presentation.Session{}, err
	}
	sess = clone(sess)
	if err := fn(&sess); err != nil {
		return presentation.Session{}, err
	}
	s.sessions[id] = sess
	return clone(sess), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return notFound(id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filters ...presentation.Filter) ([]presentation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var sessions []presentation.Session
	for _, sess := range s.sessions {
		if sess.IsExpiredAt(now) || !matches(sess, filters) {
			continue
		}
		sessions = append(sessions, clone(sess))
	}
	return sessions, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.IsExpiredAt(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// live must be called with mu held.
func (s *MemoryStore) live(id string) (presentation.Session, error) {
	sess, exists := s.sessions[id]
	if !exists {
		return presentation.Session{}, notFound(id)
	}
	if sess.IsExpiredAt(s.now()) {
		return presentation.Session{}, errors.New(errors.CodeSessionExpired, "persistence", fmt.Sprintf("session %s expired", id), nil)
	}
	return sess, nil
}

func clone(sess presentation.Session) presentation.Session {
	if sess.RawCallback != nil {
		sess.RawCallback = append(json.RawMessage(nil), sess.RawCallback...)
	}
	return sess
}
