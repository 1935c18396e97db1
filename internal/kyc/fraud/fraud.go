// Package fraud detects identity documents that are already registered to
// another account.
//
// Matching never touches plaintext or decrypts other users' data: documents
// are compared by the blind index stored at processing time, an HMAC of the
// normalized document type and number under a dedicated key.
package fraud

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"kycgate/internal/kyc/metrics"
	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
)

// ReasonDuplicateDocument is the user-facing reason attached to duplicate hits.
const ReasonDuplicateDocument = "document already registered to another account"

// Indexer computes the blind index for a document number.
type Indexer interface {
	BlindIndex(documentType, documentNumber string) string
}

// DocumentReader is the subset of ports.DocumentStore used for matching.
type DocumentReader interface {
	ListBySession(ctx context.Context, sessionID id.SessionID) ([]*models.Document, error)
	FindDoneByIndex(ctx context.Context, index string, excludeUser id.UserID) ([]models.DocumentMatch, error)
}

// Result is the outcome of a duplicate check.
type Result struct {
	IsDuplicate   bool
	Reason        string
	MatchedUserID *id.UserID
	// DocumentID is the requesting session's document that matched, when the
	// check ran against a session.
	DocumentID id.DocumentID
}

// Checker runs duplicate-document checks.
type Checker struct {
	documents DocumentReader
	indexer   Indexer
	auditor   ports.AuditRecorder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Checker)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

func WithAuditRecorder(recorder ports.AuditRecorder) Option {
	return func(c *Checker) {
		c.auditor = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

func New(documents DocumentReader, indexer Indexer, opts ...Option) (*Checker, error) {
	if documents == nil {
		return nil, errors.New("document store is required")
	}
	if indexer == nil {
		return nil, errors.New("blind indexer is required")
	}
	c := &Checker{
		documents: documents,
		indexer:   indexer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckDuplicateID reports whether documentNumber of documentType is held by
// a user other than requestingUserID in an approved or in-progress session.
func (c *Checker) CheckDuplicateID(ctx context.Context, documentNumber, documentType string, requestingUserID id.UserID) (*Result, error) {
	if strings.TrimSpace(documentNumber) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "document number is required")
	}
	if requestingUserID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user ID is required")
	}
	index := c.indexer.BlindIndex(documentType, documentNumber)
	return c.checkIndex(ctx, index, requestingUserID)
}

// CheckSession runs the duplicate check for every processed document of the
// session using the stored blind index. The first hit wins.
func (c *Checker) CheckSession(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*Result, error) {
	docs, err := c.documents.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list session documents")
	}
	for _, doc := range docs {
		if doc.OCRStatus != models.OCRDone || doc.DocumentNumberIndex == "" {
			continue
		}
		res, err := c.checkIndex(ctx, doc.DocumentNumberIndex, userID)
		if err != nil {
			return nil, err
		}
		if res.IsDuplicate {
			res.DocumentID = doc.ID
			ports.LogAudit(ctx, c.logger, c.auditor, audit.Event{
				Action:    string(audit.EventDuplicateDetected),
				SessionID: sessionID,
				UserID:    userID,
				Details: map[string]any{
					"document_id":     doc.ID.String(),
					"matched_user_id": res.MatchedUserID.String(),
					"document_type":   string(doc.DocType),
				},
			})
			c.metrics.IncDuplicates()
			return res, nil
		}
	}
	return &Result{}, nil
}

func (c *Checker) checkIndex(ctx context.Context, index string, requestingUserID id.UserID) (*Result, error) {
	matches, err := c.documents.FindDoneByIndex(ctx, index, requestingUserID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up document index")
	}
	for _, m := range matches {
		if m.UserID == requestingUserID || m.SessionStatus == models.StatusRejected {
			continue
		}
		matched := m.UserID
		return &Result{
			IsDuplicate:   true,
			Reason:        ReasonDuplicateDocument,
			MatchedUserID: &matched,
		}, nil
	}
	return &Result{}, nil
}
