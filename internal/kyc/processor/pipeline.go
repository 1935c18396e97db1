package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	"kycgate/internal/kyc/service"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

// Document outcomes, used as BatchResult keys and metric labels.
const (
	OutcomeProcessed = "processed"
	OutcomeInfected  = "infected"
	OutcomeExpired   = "expired"
	OutcomeRejected  = "rejected"
	OutcomeClosed    = "session_closed"
	OutcomeDeferred  = "deferred"
	OutcomeClaimLost = "claim_lost"
	OutcomeAbandoned = "abandoned"
)

var errSessionClosed = errors.New("session closed")

// failure is a terminal result for one document.
type failure struct {
	result  string
	event   audit.AuditEvent
	outcome models.DocumentOutcome
	// reason is stored on the document; derived from result and err when
	// empty.
	reason string
	// rejectWith is the session rejection reason; empty leaves the session.
	rejectWith string
	details    map[string]any
	err        error
}

// process runs the pipeline for one claimed document and returns its
// outcome. It never panics and never returns an error: every failure is
// written to the document.
func (p *Processor) process(ctx context.Context, doc *models.Document) (outcome string) {
	start := p.clock.Now()
	ctx = requestcontext.WithActor(ctx, ActorProcessor)
	ctx = requestcontext.WithTime(ctx, start)
	ctx, span := p.tracer.Start(ctx, "kyc.process_document", trace.WithAttributes(
		attribute.String("kyc.document_id", doc.ID.String()),
		attribute.String("kyc.session_id", doc.SessionID.String()),
		attribute.String("kyc.doc_type", string(doc.DocType)),
	))

	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "document processing panicked",
				"document_id", doc.ID.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			outcome = p.fail(ctx, doc, failure{
				result:     OutcomeRejected,
				outcome:    models.DocumentOutcome{ScanStatus: models.ScanFailed, OCRStatus: models.OCRError},
				rejectWith: "document processing failed",
				err:        fmt.Errorf("panic: %v", r),
			})
		}
		span.SetAttributes(attribute.String("kyc.outcome", outcome))
		if outcome != OutcomeProcessed && outcome != OutcomeDeferred {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		p.metrics.IncDocumentOutcome(outcome)
		p.metrics.ObserveDocumentLatency(p.clock.Now().Sub(start))
	}()

	if err := p.ensureProcessing(ctx, doc); err != nil {
		if errors.Is(err, errSessionClosed) {
			return p.fail(ctx, doc, failure{
				result:  OutcomeClosed,
				outcome: models.DocumentOutcome{ScanStatus: models.ScanFailed, OCRStatus: models.OCRError},
				err:     err,
			})
		}
		p.logger.ErrorContext(ctx, "failed to prepare session for processing",
			"document_id", doc.ID.String(),
			"session_id", doc.SessionID.String(),
			"error", err,
		)
		return OutcomeAbandoned
	}

	// Scan
	scan, err := callTimed(ctx, p, "scanner", func(ctx context.Context) (ports.ScanResult, error) {
		return p.scanner.Scan(ctx, doc.Ref())
	})
	if err != nil {
		return p.capabilityFailure(ctx, doc, "scanner", err, failure{
			result:     OutcomeRejected,
			outcome:    models.DocumentOutcome{ScanStatus: models.ScanFailed, OCRStatus: models.OCRError},
			rejectWith: "document scan failed",
		})
	}
	if !scan.Clean {
		return p.fail(ctx, doc, failure{
			result:     OutcomeInfected,
			event:      audit.EventDocumentInfected,
			outcome:    models.DocumentOutcome{ScanStatus: models.ScanFailed, OCRStatus: models.OCRError},
			rejectWith: "document failed malware scan",
			details:    map[string]any{"threats": scan.Threats},
			err:        dErrors.New(dErrors.CodeScanFailed, "malware detected"),
		})
	}

	// Extract
	extraction, err := callTimed(ctx, p, "ocr", func(ctx context.Context) (*ports.Extraction, error) {
		return p.extractor.Extract(ctx, doc.Ref())
	})
	unreadable := failure{
		result:     OutcomeRejected,
		outcome:    models.DocumentOutcome{ScanStatus: models.ScanClean, OCRStatus: models.OCRError},
		rejectWith: "document could not be read",
	}
	if err != nil {
		return p.capabilityFailure(ctx, doc, "ocr", err, unreadable)
	}
	if extraction == nil || strings.TrimSpace(extraction.DocumentNumber) == "" {
		unreadable.err = dErrors.New(dErrors.CodeExtractionFailed, "no document number extracted")
		return p.fail(ctx, doc, unreadable)
	}
	if extraction.Confidence < p.settings.MinConfidence {
		unreadable.err = dErrors.New(dErrors.CodeExtractionFailed, "extraction confidence below threshold")
		unreadable.details = map[string]any{"confidence": extraction.Confidence}
		return p.fail(ctx, doc, unreadable)
	}
	expiry, err := parseExpiry(extraction.ExpiryDate)
	if err != nil {
		unreadable.err = dErrors.Wrap(err, dErrors.CodeExtractionFailed, "unreadable expiry date")
		return p.fail(ctx, doc, unreadable)
	}

	// Encrypt at rest
	fields, err := p.seal(extraction)
	if err != nil {
		return p.fail(ctx, doc, failure{
			result:     OutcomeRejected,
			outcome:    models.DocumentOutcome{ScanStatus: models.ScanClean, OCRStatus: models.OCRError},
			rejectWith: "document processing failed",
			err:        err,
		})
	}
	done := models.DocumentOutcome{
		ScanStatus: models.ScanClean,
		OCRStatus:  models.OCRDone,
		Extracted:  fields,
		Index:      p.secrets.BlindIndex(string(doc.DocType), extraction.DocumentNumber),
		IDExpiry:   expiry,
	}

	// Expiry validation
	check := checkExpiry(expiry, start)
	if check.Expired {
		return p.fail(ctx, doc, failure{
			result:     OutcomeExpired,
			event:      audit.EventDocumentExpired,
			outcome:    done,
			rejectWith: "identity document expired on " + expiry.Format(dateLayout),
			details:    map[string]any{"expired_on": expiry.Format(dateLayout)},
			err:        dErrors.New(dErrors.CodeDocumentExpired, "document expired"),
		})
	}

	// Persist and transition
	if err := p.documents.Complete(ctx, doc.ID, p.owner, done, p.clock.Now()); err != nil {
		return p.completeFailed(ctx, doc, err)
	}
	details := map[string]any{
		"document_id":   doc.ID.String(),
		"doc_type":      string(doc.DocType),
		"confidence":    extraction.Confidence,
		"expiring_soon": check.ExpiringSoon,
	}
	if expiry != nil {
		details["days_until_expiry"] = check.DaysUntilExpiry
	}
	p.auditDocument(ctx, doc, audit.EventDocumentProcessed, details)
	p.advanceToOTP(ctx, doc)
	return OutcomeProcessed
}

// ensureProcessing moves the owning session forward to processing. Sessions
// already past processing are left alone; terminal sessions are refused.
func (p *Processor) ensureProcessing(ctx context.Context, doc *models.Document) error {
	session, err := p.sessions.Get(ctx, doc.SessionID)
	if err != nil {
		return err
	}
	for _, next := range []models.SessionStatus{models.StatusPendingDocuments, models.StatusProcessing} {
		if session.IsTerminal() {
			return errSessionClosed
		}
		if !session.Status.CanTransitionTo(next) {
			continue
		}
		res, err := p.transitioner.Apply(ctx, service.TransitionRequest{
			SessionID: doc.SessionID,
			To:        next,
			Details:   map[string]any{"document_id": doc.ID.String()},
		})
		if err != nil {
			if !dErrors.HasCode(err, dErrors.CodeInvalidStateTransition) {
				return err
			}
			// Lost a race; re-read and carry on from wherever the session is.
			if session, err = p.sessions.Get(ctx, doc.SessionID); err != nil {
				return err
			}
			continue
		}
		session = res.Session
	}
	if session.IsTerminal() {
		return errSessionClosed
	}
	return nil
}

// advanceToOTP requests pending_otp only while the session is processing;
// with several documents the first success moves it.
func (p *Processor) advanceToOTP(ctx context.Context, doc *models.Document) {
	session, err := p.sessions.Get(ctx, doc.SessionID)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to reload session after processing",
			"session_id", doc.SessionID.String(),
			"error", err,
		)
		return
	}
	if session.Status != models.StatusProcessing {
		return
	}
	_, err = p.transitioner.Apply(ctx, service.TransitionRequest{
		SessionID: doc.SessionID,
		To:        models.StatusPendingOTP,
		Details:   map[string]any{"document_id": doc.ID.String()},
	})
	if err != nil {
		p.logger.WarnContext(ctx, "session not moved to pending_otp",
			"session_id", doc.SessionID.String(),
			"error", err,
		)
	}
}

// capabilityFailure releases the claim for transient errors until the retry
// budget is spent, then fails the document with f.
func (p *Processor) capabilityFailure(ctx context.Context, doc *models.Document, capability string, err error, f failure) string {
	if ctx.Err() != nil {
		p.logger.WarnContext(ctx, "document processing interrupted",
			"document_id", doc.ID.String(),
			"capability", capability,
		)
		return OutcomeAbandoned
	}
	if ports.IsTransient(err) && doc.TransientFailures+1 < p.settings.RetryBudget {
		return p.release(ctx, doc, capability, err)
	}
	if ports.IsTransient(err) {
		f.details = map[string]any{"transient_failures": doc.TransientFailures + 1}
	}
	f.details = withCapability(f.details, capability)
	f.err = err
	if f.reason == "" {
		f.reason = capability + " failed"
		if ports.IsTransient(err) {
			f.reason = capability + " timed out"
		}
	}
	return p.fail(ctx, doc, f)
}

func (p *Processor) release(ctx context.Context, doc *models.Document, capability string, cause error) string {
	count, err := p.documents.Release(ctx, doc.ID, p.owner, p.clock.Now())
	if err != nil {
		if errors.Is(err, sentinel.ErrClaimLost) {
			return OutcomeClaimLost
		}
		p.logger.ErrorContext(ctx, "failed to release document claim",
			"document_id", doc.ID.String(),
			"error", err,
		)
		return OutcomeAbandoned
	}
	p.logger.WarnContext(ctx, "document deferred after transient failure",
		"document_id", doc.ID.String(),
		"capability", capability,
		"transient_failures", count,
		"error", cause,
	)
	p.auditDocument(ctx, doc, audit.EventDocumentDeferred, map[string]any{
		"document_id":        doc.ID.String(),
		"capability":         capability,
		"transient_failures": count,
	})
	return OutcomeDeferred
}

// fail writes a terminal outcome and, when the write wins, rejects the
// session.
func (p *Processor) fail(ctx context.Context, doc *models.Document, f failure) string {
	reason := failureReason(f)
	f.outcome.FailureReason = reason
	if err := p.documents.Complete(ctx, doc.ID, p.owner, f.outcome, p.clock.Now()); err != nil {
		return p.completeFailed(ctx, doc, err)
	}

	p.logger.WarnContext(ctx, "document failed",
		"document_id", doc.ID.String(),
		"session_id", doc.SessionID.String(),
		"reason", reason,
		"error", f.err,
	)
	event := f.event
	if event == "" {
		event = audit.EventDocumentFailed
	}
	details := map[string]any{
		"document_id": doc.ID.String(),
		"reason":      reason,
	}
	for k, v := range f.details {
		details[k] = v
	}
	p.auditDocument(ctx, doc, event, details)

	if f.rejectWith != "" {
		p.reject(ctx, doc.SessionID, f.rejectWith, doc.ID)
	}
	return f.result
}

func (p *Processor) completeFailed(ctx context.Context, doc *models.Document, err error) string {
	if errors.Is(err, sentinel.ErrClaimLost) {
		p.logger.WarnContext(ctx, "document claim lost before completion",
			"document_id", doc.ID.String(),
			"owner", p.owner,
		)
		return OutcomeClaimLost
	}
	p.logger.ErrorContext(ctx, "failed to persist document outcome",
		"document_id", doc.ID.String(),
		"error", err,
	)
	return OutcomeAbandoned
}

// reject moves the session to rejected. A session that already reached a
// terminal state is left as it is.
func (p *Processor) reject(ctx context.Context, sessionID id.SessionID, reason string, docID id.DocumentID) {
	_, err := p.transitioner.Apply(ctx, service.TransitionRequest{
		SessionID: sessionID,
		To:        models.StatusRejected,
		Reason:    reason,
		Details:   map[string]any{"document_id": docID.String()},
	})
	if err == nil {
		return
	}
	if dErrors.HasCode(err, dErrors.CodeInvalidStateTransition) {
		p.logger.InfoContext(ctx, "session already closed, rejection skipped",
			"session_id", sessionID.String(),
			"reason", reason,
		)
		return
	}
	p.logger.ErrorContext(ctx, "failed to reject session",
		"session_id", sessionID.String(),
		"reason", reason,
		"error", err,
	)
}

// seal encrypts the sensitive fields of an extraction.
func (p *Processor) seal(x *ports.Extraction) (*models.ExtractedFields, error) {
	number, err := p.secrets.Encrypt(x.DocumentNumber)
	if err != nil {
		return nil, fmt.Errorf("encrypt document number: %w", err)
	}
	var dob string
	if x.DateOfBirth != "" {
		if dob, err = p.secrets.Encrypt(x.DateOfBirth); err != nil {
			return nil, fmt.Errorf("encrypt date of birth: %w", err)
		}
	}
	return &models.ExtractedFields{
		DocumentType:   x.DocumentType,
		DocumentNumber: number,
		FullName:       x.FullName,
		DateOfBirth:    dob,
		IssueDate:      x.IssueDate,
		ExpiryDate:     x.ExpiryDate,
		Nationality:    x.Nationality,
		Confidence:     x.Confidence,
	}, nil
}

func (p *Processor) auditDocument(ctx context.Context, doc *models.Document, event audit.AuditEvent, details map[string]any) {
	var userID id.UserID
	if session, err := p.sessions.Get(ctx, doc.SessionID); err == nil {
		userID = session.UserID
	}
	ports.LogAudit(ctx, p.logger, p.auditor, audit.Event{
		Action:    string(event),
		SessionID: doc.SessionID,
		UserID:    userID,
		Details:   details,
	})
}

// callTimed bounds a capability call with the configured timeout and records
// its latency.
func callTimed[T any](ctx context.Context, p *Processor, capability string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := ports.Call(ctx, capability, p.settings.CapabilityTimeout, fn)
	p.metrics.ObserveCapabilityLatency(capability, time.Since(start))
	return v, err
}

func failureReason(f failure) string {
	if f.reason != "" {
		return f.reason
	}
	switch f.result {
	case OutcomeClosed:
		return "session closed"
	case OutcomeInfected:
		return "malware detected"
	case OutcomeExpired:
		return "document expired"
	}
	if dErrors.HasCode(f.err, dErrors.CodeExtractionFailed) {
		return "extraction failed"
	}
	return "processing failed"
}

func withCapability(details map[string]any, capability string) map[string]any {
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["capability"] = capability
	return details
}
