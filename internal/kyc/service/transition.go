package service

import (
	"context"
	"errors"
	"log/slog"

	"kycgate/internal/kyc/metrics"
	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

// maxTransitionRetries bounds re-reads after losing a conditional update.
// Only rejection can legally follow a state another writer just moved to, so
// one or two retries always settle.
const maxTransitionRetries = 3

// TransitionRequest asks for the session to move to To.
type TransitionRequest struct {
	SessionID id.SessionID
	To        models.SessionStatus
	Reason    string
	// Details are merged into the audit entry of an applied transition.
	Details map[string]any
}

// TransitionResult is the session after the request settled.
type TransitionResult struct {
	Session *models.Session
	// Applied is false when the session was already in the target state.
	Applied bool
	From    models.SessionStatus
}

// Transitioner applies session transitions as atomic conditional updates and
// audits every applied edge. It is shared by the session service, the OTP
// challenge and the document processor.
type Transitioner struct {
	sessions ports.SessionStore
	auditor  ports.AuditRecorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewTransitioner(sessions ports.SessionStore, auditor ports.AuditRecorder, logger *slog.Logger, m *metrics.Metrics) *Transitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transitioner{sessions: sessions, auditor: auditor, logger: logger, metrics: m}
}

// Apply moves the session to req.To. A session already in a terminal req.To
// is a benign no-op, as is losing a race to a writer that reached req.To
// first. Any other illegal edge, including a non-terminal self-loop, returns
// InvalidStateTransition and leaves the session unchanged.
func (t *Transitioner) Apply(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if req.To == models.StatusRejected && req.Reason == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "rejection requires a reason")
	}

	session, err := t.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, translateSessionErr(err)
	}

	for attempt := 0; ; attempt++ {
		if session.Status == req.To && (attempt > 0 || req.To.IsTerminal()) {
			return &TransitionResult{Session: session, From: session.Status}, nil
		}
		transition := models.Transition{
			From:   session.Status,
			To:     req.To,
			Reason: req.Reason,
			At:     requestcontext.Now(ctx),
		}
		if err := transition.Validate(); err != nil {
			return nil, err
		}

		updated, err := t.sessions.Transition(ctx, req.SessionID, transition)
		if err == nil {
			t.audit(ctx, updated, transition, req.Details)
			return &TransitionResult{Session: updated, Applied: true, From: transition.From}, nil
		}
		if !errors.Is(err, sentinel.ErrStaleState) {
			return nil, translateSessionErr(err)
		}
		if attempt+1 >= maxTransitionRetries {
			return nil, models.InvalidTransition(transition.From, req.To)
		}

		session, err = t.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return nil, translateSessionErr(err)
		}
	}
}

func (t *Transitioner) audit(ctx context.Context, session *models.Session, tr models.Transition, extra map[string]any) {
	details := map[string]any{
		"from": string(tr.From),
		"to":   string(tr.To),
	}
	if tr.Reason != "" {
		details["reason"] = tr.Reason
	}
	for k, v := range extra {
		details[k] = v
	}
	ports.LogAudit(ctx, t.logger, t.auditor, audit.Event{
		Action:    string(audit.EventSessionTransition),
		SessionID: session.ID,
		UserID:    session.UserID,
		Details:   details,
	})
	t.metrics.IncTransition(string(tr.To))
}

func translateSessionErr(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "user already has an active verification session")
	default:
		var de *dErrors.Error
		if errors.As(err, &de) {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "session store failure")
	}
}
