package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/secrets"
)

// DocumentDetails is the decrypted view of a processed document. Only
// authorized reviewers receive it and every view is audited.
type DocumentDetails struct {
	ID             id.DocumentID
	SessionID      id.SessionID
	DocType        models.DocumentType
	ScanStatus     models.ScanStatus
	OCRStatus      models.OCRStatus
	DocumentNumber string
	FullName       string
	DateOfBirth    string
	ExpiryDate     string
	Nationality    string
	IDExpiry       *time.Time
	FailureReason  string
}

// GetDocumentDetails decrypts the sensitive fields of a document for viewer.
// A tampered envelope returns DecryptionFailed and raises a security audit
// event; it never yields partial plaintext.
func (s *Service) GetDocumentDetails(ctx context.Context, documentID id.DocumentID, viewer string) (*DocumentDetails, error) {
	if strings.TrimSpace(viewer) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "viewer reference is required")
	}
	doc, err := s.documents.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "document not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}
	session, err := s.sessions.Get(ctx, doc.SessionID)
	if err != nil {
		return nil, translateSessionErr(err)
	}

	details := &DocumentDetails{
		ID:            doc.ID,
		SessionID:     doc.SessionID,
		DocType:       doc.DocType,
		ScanStatus:    doc.ScanStatus,
		OCRStatus:     doc.OCRStatus,
		IDExpiry:      doc.IDExpiry,
		FailureReason: doc.FailureReason,
	}
	if fields := doc.OCRExtracted; fields != nil {
		number, err := s.open(fields.DocumentNumber)
		if err == nil {
			details.DateOfBirth, err = s.open(fields.DateOfBirth)
		}
		if err != nil {
			ports.LogAudit(ctx, s.logger, s.auditor, audit.Event{
				Action:    string(audit.EventDecryptionFailed),
				SessionID: session.ID,
				UserID:    session.UserID,
				ActorID:   viewer,
				Details:   map[string]any{"document_id": doc.ID.String()},
			})
			s.logger.ErrorContext(ctx, "document field decryption failed",
				"document_id", doc.ID.String(),
				"error", err,
			)
			return nil, err
		}
		details.DocumentNumber = number
		details.FullName = fields.FullName
		details.ExpiryDate = fields.ExpiryDate
		details.Nationality = fields.Nationality
	}

	ports.LogAudit(ctx, s.logger, s.auditor, audit.Event{
		Action:    string(audit.EventDocumentViewed),
		SessionID: session.ID,
		UserID:    session.UserID,
		ActorID:   viewer,
		Details:   map[string]any{"document_id": doc.ID.String()},
	})
	return details, nil
}

// open decrypts an envelope. Empty values stay empty; non-envelope values are
// treated as tampering since sensitive fields are never stored in plaintext.
func (s *Service) open(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !secrets.IsEncrypted(value) {
		return "", dErrors.New(dErrors.CodeDecryptionFailed, "sensitive field is not encrypted")
	}
	return s.decrypter.Decrypt(value)
}
