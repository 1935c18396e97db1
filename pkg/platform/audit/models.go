package audit

import (
	"context"
	"time"

	id "kycgate/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// Retention and alert routing downstream of the outbox key off it.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: session
	// decisions, OTP verification, access to decrypted identity data.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to fraud monitoring and alerting:
	// infected uploads, failed codes, lockouts, integrity faults.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine processing milestones.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and the outbox relay can fan out.
type Event struct {
	ID        id.AuditID
	Category  EventCategory
	Timestamp time.Time
	SessionID id.SessionID
	UserID    id.UserID
	Action    string
	// Details is the structured payload serialized as JSON. Values must never
	// carry plaintext codes, document numbers or full destinations.
	Details map[string]any
	// ActorID tracks who performed the action when different from UserID
	// (an admin reference or "system:document-processor").
	ActorID   string
	RequestID string
}

type AuditEvent string

const (
	// Session lifecycle
	EventSessionStarted    AuditEvent = "kyc_session_started"
	EventSessionTransition AuditEvent = "kyc_status_changed"
	EventSessionApproved   AuditEvent = "kyc_session_approved"
	EventSessionRejected   AuditEvent = "kyc_session_rejected"
	EventDocumentUploaded  AuditEvent = "kyc_document_uploaded"
	EventDocumentViewed    AuditEvent = "kyc_document_viewed"
	EventDuplicateDetected AuditEvent = "kyc_duplicate_detected"
	EventDecryptionFailed  AuditEvent = "kyc_decryption_failed"

	// Document processing
	EventDocumentProcessed AuditEvent = "kyc_document_processed"
	EventDocumentInfected  AuditEvent = "kyc_document_infected"
	EventDocumentExpired   AuditEvent = "kyc_document_expired"
	EventDocumentFailed    AuditEvent = "kyc_document_failed"
	EventDocumentDeferred  AuditEvent = "kyc_document_deferred"

	// OTP challenge
	EventOTPSent             AuditEvent = "otp_sent"
	EventOTPSendFailed       AuditEvent = "otp_send_failed"
	EventOTPRateLimited      AuditEvent = "otp_rate_limited"
	EventOTPVerified         AuditEvent = "otp_verified"
	EventOTPInvalid          AuditEvent = "otp_invalid"
	EventOTPAttemptsExceeded AuditEvent = "otp_attempts_exceeded"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventSessionApproved:   CategoryCompliance,
	EventSessionRejected:   CategoryCompliance,
	EventDocumentViewed:    CategoryCompliance,
	EventOTPVerified:       CategoryCompliance,
	EventSessionTransition: CategoryCompliance,

	EventDocumentInfected:    CategorySecurity,
	EventDuplicateDetected:   CategorySecurity,
	EventDecryptionFailed:    CategorySecurity,
	EventOTPRateLimited:      CategorySecurity,
	EventOTPInvalid:          CategorySecurity,
	EventOTPAttemptsExceeded: CategorySecurity,

	EventSessionStarted:    CategoryOperations,
	EventDocumentUploaded:  CategoryOperations,
	EventDocumentProcessed: CategoryOperations,
	EventDocumentExpired:   CategoryOperations,
	EventDocumentFailed:    CategoryOperations,
	EventDocumentDeferred:  CategoryOperations,
	EventOTPSent:           CategoryOperations,
	EventOTPSendFailed:     CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Implementations are append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySession(ctx context.Context, sessionID id.SessionID) ([]Event, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}

// Recorder is the write side domain services depend on. Record never fails
// the caller; see the recorder package for the delivery guarantees.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Prepare fills ID, category and timestamp when the caller left them empty.
func Prepare(event Event, now time.Time) Event {
	if uuidZero(event.ID) {
		event.ID = id.NewAuditID()
	}
	if event.Category == "" {
		event.Category = AuditEvent(event.Action).Category()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	return event
}

func uuidZero(a id.AuditID) bool {
	return a == id.AuditID{}
}
