package document

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	"kycgate/pkg/platform/sentinel"
)

// SessionLookup resolves the owner and status of a session for duplicate
// matching; the in-memory document store has no join.
type SessionLookup interface {
	Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
}

// InMemoryStore keeps documents in a map. ClaimPending holds the write lock
// for the whole scan, so concurrent claimers never receive the same row.
type InMemoryStore struct {
	mu       sync.Mutex
	docs     map[id.DocumentID]*models.Document
	sessions SessionLookup
}

func NewInMemory(sessions SessionLookup) *InMemoryStore {
	return &InMemoryStore{
		docs:     make(map[id.DocumentID]*models.Document),
		sessions: sessions,
	}
}

func (s *InMemoryStore) Create(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s exists: %w", doc.ID, sentinel.ErrConflict)
	}
	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, docID id.DocumentID) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *InMemoryStore) ListBySession(_ context.Context, sessionID id.SessionID) ([]*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Document
	for _, doc := range s.docs {
		if doc.SessionID == sessionID {
			out = append(out, cloneDocument(doc))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemoryStore) ClaimPending(_ context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.Document
	for _, doc := range s.docs {
		if doc.IsPending() && !doc.IsClaimedAt(now) {
			candidates = append(candidates, doc)
		}
	}
	sortByCreated(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	expires := now.Add(lease)
	out := make([]*models.Document, 0, len(candidates))
	for _, doc := range candidates {
		doc.ClaimedBy = owner
		doc.ClaimExpiresAt = &expires
		doc.UpdatedAt = now
		out = append(out, cloneDocument(doc))
	}
	return out, nil
}

func (s *InMemoryStore) Complete(_ context.Context, docID id.DocumentID, owner string, outcome models.DocumentOutcome, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !doc.IsPending() || doc.ClaimedBy != owner || !doc.IsClaimedAt(now) {
		return sentinel.ErrClaimLost
	}
	doc.ScanStatus = outcome.ScanStatus
	doc.OCRStatus = outcome.OCRStatus
	if outcome.Extracted != nil {
		extracted := *outcome.Extracted
		doc.OCRExtracted = &extracted
	}
	doc.DocumentNumberIndex = outcome.Index
	doc.IDExpiry = outcome.IDExpiry
	doc.FailureReason = outcome.FailureReason
	doc.ClaimedBy = ""
	doc.ClaimExpiresAt = nil
	doc.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, docID id.DocumentID, owner string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	if doc.ClaimedBy != owner {
		return 0, sentinel.ErrClaimLost
	}
	doc.ClaimedBy = ""
	doc.ClaimExpiresAt = nil
	doc.TransientFailures++
	doc.UpdatedAt = now
	return doc.TransientFailures, nil
}

func (s *InMemoryStore) FindDoneByIndex(ctx context.Context, index string, excludeUser id.UserID) ([]models.DocumentMatch, error) {
	s.mu.Lock()
	var hits []*models.Document
	for _, doc := range s.docs {
		if doc.OCRStatus == models.OCRDone && doc.DocumentNumberIndex == index {
			hits = append(hits, cloneDocument(doc))
		}
	}
	s.mu.Unlock()
	sortByCreated(hits)

	var matches []models.DocumentMatch
	for _, doc := range hits {
		session, err := s.sessions.Get(ctx, doc.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve session for document %s: %w", doc.ID, err)
		}
		if session.UserID == excludeUser || session.Status == models.StatusRejected {
			continue
		}
		matches = append(matches, models.DocumentMatch{
			DocumentID:    doc.ID,
			SessionID:     session.ID,
			UserID:        session.UserID,
			SessionStatus: session.Status,
		})
	}
	return matches, nil
}

func sortByCreated(docs []*models.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
}

func cloneDocument(d *models.Document) *models.Document {
	out := *d
	if d.OCRExtracted != nil {
		extracted := *d.OCRExtracted
		out.OCRExtracted = &extracted
	}
	if d.IDExpiry != nil {
		at := *d.IDExpiry
		out.IDExpiry = &at
	}
	if d.ClaimExpiresAt != nil {
		at := *d.ClaimExpiresAt
		out.ClaimExpiresAt = &at
	}
	return &out
}
