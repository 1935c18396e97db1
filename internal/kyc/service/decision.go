package service

import (
	"context"
	"strings"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
)

// ApproveSession runs the duplicate-document check and approves an
// otp_verified session. A duplicate rejects the session and returns
// DuplicateDocument. Approving an already approved session is a no-op.
func (s *Service) ApproveSession(ctx context.Context, sessionID id.SessionID, approverRef, notes string) (*models.Session, error) {
	if strings.TrimSpace(approverRef) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "approver reference is required")
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, translateSessionErr(err)
	}
	if session.Status == models.StatusApproved {
		return session, nil
	}
	if session.Status != models.StatusOTPVerified {
		return nil, models.InvalidTransition(session.Status, models.StatusApproved)
	}

	check, err := s.fraud.CheckSession(ctx, session.ID, session.UserID)
	if err != nil {
		return nil, err
	}
	if check.IsDuplicate {
		reason := "duplicate document: " + check.Reason
		res, err := s.transitioner.Apply(ctx, TransitionRequest{
			SessionID: session.ID,
			To:        models.StatusRejected,
			Reason:    reason,
			Details:   map[string]any{"approver": approverRef},
		})
		if err != nil {
			return nil, err
		}
		if res.Applied {
			s.auditDecision(ctx, audit.EventSessionRejected, res.Session, approverRef, map[string]any{
				"reason": reason,
			})
		}
		return nil, dErrors.New(dErrors.CodeDuplicateDocument, check.Reason)
	}

	res, err := s.transitioner.Apply(ctx, TransitionRequest{
		SessionID: session.ID,
		To:        models.StatusApproved,
		Details:   map[string]any{"approver": approverRef},
	})
	if err != nil {
		return nil, err
	}
	if res.Applied {
		details := map[string]any{}
		if notes != "" {
			details["notes"] = notes
		}
		s.auditDecision(ctx, audit.EventSessionApproved, res.Session, approverRef, details)
	}
	return res.Session, nil
}

// RejectSession rejects a non-terminal session. A reason is required.
func (s *Service) RejectSession(ctx context.Context, sessionID id.SessionID, approverRef, reason string) (*models.Session, error) {
	if strings.TrimSpace(approverRef) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "approver reference is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "rejection reason is required")
	}

	res, err := s.transitioner.Apply(ctx, TransitionRequest{
		SessionID: sessionID,
		To:        models.StatusRejected,
		Reason:    reason,
		Details:   map[string]any{"approver": approverRef},
	})
	if err != nil {
		return nil, err
	}
	if res.Applied {
		s.auditDecision(ctx, audit.EventSessionRejected, res.Session, approverRef, map[string]any{
			"reason": reason,
		})
	}
	return res.Session, nil
}

func (s *Service) auditDecision(ctx context.Context, event audit.AuditEvent, session *models.Session, approverRef string, details map[string]any) {
	ports.LogAudit(ctx, s.logger, s.auditor, audit.Event{
		Action:    string(event),
		SessionID: session.ID,
		UserID:    session.UserID,
		ActorID:   approverRef,
		Details:   details,
	})
}
