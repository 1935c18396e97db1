package otp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	"kycgate/pkg/platform/sentinel"
)

// InMemoryStore keeps codes per session in creation order.
type InMemoryStore struct {
	mu        sync.Mutex
	codes     map[id.OTPID]*models.OTPCode
	bySession map[id.SessionID][]id.OTPID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		codes:     make(map[id.OTPID]*models.OTPCode),
		bySession: make(map[id.SessionID][]id.OTPID),
	}
}

func (s *InMemoryStore) CreateWithinLimit(_ context.Context, code *models.OTPCode, limit int, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := code.CreatedAt.Add(-window)
	issued := 0
	for _, otpID := range s.bySession[code.SessionID] {
		if s.codes[otpID].CreatedAt.After(since) {
			issued++
		}
	}
	if issued >= limit {
		return sentinel.ErrLimitExceeded
	}
	if _, exists := s.codes[code.ID]; exists {
		return fmt.Errorf("otp %s exists: %w", code.ID, sentinel.ErrConflict)
	}
	stored := *code
	s.codes[code.ID] = &stored
	s.bySession[code.SessionID] = append(s.bySession[code.SessionID], code.ID)
	return nil
}

func (s *InMemoryStore) Latest(_ context.Context, sessionID id.SessionID, userID id.UserID) (*models.OTPCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySession[sessionID]
	for i := len(ids) - 1; i >= 0; i-- {
		code := s.codes[ids[i]]
		if code.UserID == userID {
			return cloneCode(code), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) IncrementAttempts(_ context.Context, otpID id.OTPID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[otpID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	code.Attempts++
	return code.Attempts, nil
}

func (s *InMemoryStore) MarkVerified(_ context.Context, otpID id.OTPID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[otpID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if code.VerifiedAt != nil {
		return sentinel.ErrAlreadyUsed
	}
	code.VerifiedAt = &at
	return nil
}

func cloneCode(c *models.OTPCode) *models.OTPCode {
	out := *c
	if c.VerifiedAt != nil {
		at := *c.VerifiedAt
		out.VerifiedAt = &at
	}
	return &out
}
