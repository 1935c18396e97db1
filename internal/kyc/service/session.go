package service

import (
	"context"
	"errors"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

// SessionStatusView is the caller-facing status of a session.
type SessionStatusView struct {
	Session   *models.Session
	Documents []DocumentSummary
}

// DocumentSummary lists processing progress without extracted data.
type DocumentSummary struct {
	ID            id.DocumentID
	DocType       models.DocumentType
	ScanStatus    models.ScanStatus
	OCRStatus     models.OCRStatus
	FailureReason string
}

// StartSession opens a verification session. A user holds at most one
// non-terminal session at a time.
func (s *Service) StartSession(ctx context.Context, userID id.UserID) (*models.Session, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user ID is required")
	}
	session, err := models.NewSession(id.NewSessionID(), userID, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, translateSessionErr(err)
	}

	ports.LogAudit(ctx, s.logger, s.auditor, audit.Event{
		Action:    string(audit.EventSessionStarted),
		SessionID: session.ID,
		UserID:    userID,
	})
	return session, nil
}

// UploadRequest describes a stored upload handed over by the upload surface.
type UploadRequest struct {
	SessionID  id.SessionID
	UserID     id.UserID
	DocType    models.DocumentType
	StorageRef string
}

// RecordUpload persists a pending document and moves a started session to
// pending_documents. Terminal sessions refuse new documents.
func (s *Service) RecordUpload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	session, err := s.ownedSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.StatusStarted, models.StatusPendingDocuments, models.StatusProcessing:
	default:
		return nil, dErrors.New(dErrors.CodeInvalidStateTransition,
			"session in status "+string(session.Status)+" no longer accepts documents")
	}

	now := requestcontext.Now(ctx)
	doc, err := models.NewDocument(id.NewDocumentID(), session.ID, req.DocType, req.StorageRef, now)
	if err != nil {
		return nil, err
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save document")
	}

	ports.LogAudit(ctx, s.logger, s.auditor, audit.Event{
		Action:    string(audit.EventDocumentUploaded),
		SessionID: session.ID,
		UserID:    session.UserID,
		Details: map[string]any{
			"document_id": doc.ID.String(),
			"doc_type":    string(doc.DocType),
		},
	})

	if session.Status == models.StatusStarted {
		if _, err := s.transitioner.Apply(ctx, TransitionRequest{
			SessionID: session.ID,
			To:        models.StatusPendingDocuments,
		}); err != nil && !dErrors.HasCode(err, dErrors.CodeInvalidStateTransition) {
			return nil, err
		}
	}
	return doc, nil
}

// GetSessionStatus returns the session and its document progress. Sessions
// of other users are reported as not found.
func (s *Service) GetSessionStatus(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*SessionStatusView, error) {
	session, err := s.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	docs, err := s.documents.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents")
	}
	view := &SessionStatusView{Session: session, Documents: make([]DocumentSummary, 0, len(docs))}
	for _, d := range docs {
		view.Documents = append(view.Documents, DocumentSummary{
			ID:            d.ID,
			DocType:       d.DocType,
			ScanStatus:    d.ScanStatus,
			OCRStatus:     d.OCRStatus,
			FailureReason: d.FailureReason,
		})
	}
	return view, nil
}

// LatestStatusForUser returns the user's most recently created session.
func (s *Service) LatestStatusForUser(ctx context.Context, userID id.UserID) (*models.Session, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user ID is required")
	}
	session, err := s.sessions.LatestForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no verification session for user")
		}
		return nil, translateSessionErr(err)
	}
	return session, nil
}

func (s *Service) ownedSession(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*models.Session, error) {
	if sessionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "session ID is required")
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, translateSessionErr(err)
	}
	if session.UserID != userID {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
	}
	return session, nil
}
