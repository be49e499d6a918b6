// Package sessions provides in-memory conversation history per session.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halbridge/halbridge/pkg/models"
)

// DefaultHistory is how many messages a session keeps when no limit is set.
const DefaultHistory = 20

// MemorySessionStore is a thread-safe in-memory session store. Each session
// keeps at most limit messages; older ones are dropped first.
type MemorySessionStore struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string]*models.Session // key: session ID
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore(limit int) *MemorySessionStore {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &MemorySessionStore{
		limit:    limit,
		sessions: make(map[string]*models.Session),
	}
}

// GetSession returns a copy of the session.
func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return clone(session), nil
}

// History returns the messages of a session, oldest first. Unknown sessions
// have no history.
func (s *MemorySessionStore) History(_ context.Context, sessionID string) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]models.ChatMessage(nil), session.Messages...)
}

// Append adds messages to a session, creating it on first use.
func (s *MemorySessionStore) Append(_ context.Context, sessionID string, msgs ...models.ChatMessage) {
	if sessionID == "" || len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	session, ok := s.sessions[sessionID]
	if !ok {
		session = &models.Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = session
	}
	session.Messages = append(session.Messages, msgs...)
	if over := len(session.Messages) - s.limit; over > 0 {
		session.Messages = append([]models.ChatMessage(nil), session.Messages[over:]...)
	}
	session.UpdatedAt = now
}

// ListSessions returns copies of every session, in no particular order.
func (s *MemorySessionStore) ListSessions(_ context.Context) []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *clone(session))
	}
	return out
}

// DeleteSession removes a session.
func (s *MemorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

func clone(s *models.Session) *models.Session {
	c := *s
	c.Messages = append([]models.ChatMessage(nil), s.Messages...)
	return &c
}
