package models

import (
	"fmt"
	"time"

	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
)

// SessionStatus is a state of the KYC session machine.
type SessionStatus string

const (
	StatusStarted          SessionStatus = "started"
	StatusPendingDocuments SessionStatus = "pending_documents"
	StatusProcessing       SessionStatus = "processing"
	StatusPendingOTP       SessionStatus = "pending_otp"
	StatusOTPVerified      SessionStatus = "otp_verified"
	StatusApproved         SessionStatus = "approved"
	StatusRejected         SessionStatus = "rejected"
)

// forwardEdges lists the non-rejection transitions. Rejection is legal from
// every non-terminal state and is handled in CanTransitionTo.
var forwardEdges = map[SessionStatus]SessionStatus{
	StatusStarted:          StatusPendingDocuments,
	StatusPendingDocuments: StatusProcessing,
	StatusProcessing:       StatusPendingOTP,
	StatusPendingOTP:       StatusOTPVerified,
	StatusOTPVerified:      StatusApproved,
}

func (s SessionStatus) String() string { return string(s) }

func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusStarted, StatusPendingDocuments, StatusProcessing, StatusPendingOTP,
		StatusOTPVerified, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is defined.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransitionTo reports whether from → to is an edge of the state machine.
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	if s.IsTerminal() || !s.IsValid() {
		return false
	}
	if to == StatusRejected {
		return true
	}
	next, ok := forwardEdges[s]
	return ok && next == to
}

// ParseSessionStatus validates a persisted or caller-supplied status.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	s := SessionStatus(raw)
	if !s.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown session status %q", raw))
	}
	return s, nil
}

// Session is the aggregate root for one verification attempt.
//
// Invariants:
//   - Status only moves along CanTransitionTo edges
//   - VerifiedAt is set iff Status is approved
//   - RejectionReason is set iff Status is rejected
//   - OTPVerified becomes true before the session can reach otp_verified
//   - At most one non-terminal session exists per user
type Session struct {
	ID              id.SessionID  `json:"id"`
	UserID          id.UserID     `json:"user_id"`
	Status          SessionStatus `json:"status"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	VerifiedAt      *time.Time    `json:"verified_at,omitempty"`
	OTPVerified     bool          `json:"otp_verified"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func NewSession(sessionID id.SessionID, userID id.UserID, now time.Time) (*Session, error) {
	if sessionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "session ID cannot be nil")
	}
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "user ID cannot be nil")
	}
	return &Session{
		ID:        sessionID,
		UserID:    userID,
		Status:    StatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Session) IsTerminal() bool { return s.Status.IsTerminal() }

// CanTransitionTo returns an InvalidStateTransition error when the edge is
// not part of the state machine.
func (s *Session) CanTransitionTo(to SessionStatus) error {
	if !s.Status.CanTransitionTo(to) {
		return InvalidTransition(s.Status, to)
	}
	return nil
}

// ApplyTransition moves the session to the target state.
// Must only be called after CanTransitionTo returns nil.
func (s *Session) ApplyTransition(t Transition) {
	s.Status = t.To
	s.UpdatedAt = t.At
	switch t.To {
	case StatusApproved:
		at := t.At
		s.VerifiedAt = &at
	case StatusRejected:
		s.RejectionReason = t.Reason
	case StatusOTPVerified:
		s.OTPVerified = true
	}
}

// Transition describes one conditional status change.
type Transition struct {
	From   SessionStatus
	To     SessionStatus
	Reason string
	At     time.Time
}

// Validate checks the edge and the reason requirement for rejections.
func (t Transition) Validate() error {
	if !t.From.CanTransitionTo(t.To) {
		return InvalidTransition(t.From, t.To)
	}
	if t.To == StatusRejected && t.Reason == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "rejection requires a reason")
	}
	return nil
}

// InvalidTransition builds the typed error for an illegal edge.
func InvalidTransition(from, to SessionStatus) error {
	return dErrors.New(dErrors.CodeInvalidStateTransition,
		fmt.Sprintf("cannot transition session from %s to %s", from, to))
}
