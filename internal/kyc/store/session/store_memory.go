package session

import (
	"context"
	"fmt"
	"sync"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	"kycgate/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in a map guarded by one mutex. Each method is
// atomic, which gives Transition the same compare-and-set semantics as the
// postgres conditional update.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*models.Session
	byUser   map[id.UserID][]id.SessionID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[id.SessionID]*models.Session),
		byUser:   make(map[id.UserID][]id.SessionID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s exists: %w", session.ID, sentinel.ErrConflict)
	}
	for _, sid := range s.byUser[session.UserID] {
		if !s.sessions[sid].IsTerminal() {
			return fmt.Errorf("user has an active session: %w", sentinel.ErrConflict)
		}
	}
	stored := *session
	s.sessions[session.ID] = &stored
	s.byUser[session.UserID] = append(s.byUser[session.UserID], session.ID)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *InMemoryStore) LatestForUser(_ context.Context, userID id.UserID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	if len(ids) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return cloneSession(s.sessions[ids[len(ids)-1]]), nil
}

func (s *InMemoryStore) Transition(_ context.Context, sessionID id.SessionID, t models.Transition) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if session.Status != t.From {
		return nil, sentinel.ErrStaleState
	}
	session.ApplyTransition(t)
	return cloneSession(session), nil
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	if s.VerifiedAt != nil {
		at := *s.VerifiedAt
		out.VerifiedAt = &at
	}
	return &out
}
