package models

import (
	"time"

	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
)

const (
	// MaxOTPAttempts bounds verification attempts per code.
	MaxOTPAttempts = 5
	// MaxOTPIssuesPerWindow bounds codes issued per session per OTPIssueWindow.
	MaxOTPIssuesPerWindow = 5
	OTPIssueWindow        = time.Hour
	OTPTTL                = 10 * time.Minute
	OTPLength             = 6
)

type OTPMethod string

const (
	OTPMethodSMS   OTPMethod = "sms"
	OTPMethodEmail OTPMethod = "email"
)

func (m OTPMethod) IsValid() bool {
	return m == OTPMethodSMS || m == OTPMethodEmail
}

// OTPState is derived, never stored.
type OTPState string

const (
	OTPIssued    OTPState = "issued"
	OTPVerified  OTPState = "verified"
	OTPExpired   OTPState = "expired"
	OTPExhausted OTPState = "exhausted"
)

// OTPCode is one issued challenge. Only its keyed digest is stored.
//
// Invariants:
//   - Attempts only increases
//   - Once verified, expired or exhausted the code is terminal
//   - Only the most recently created code for a session can be verified
type OTPCode struct {
	ID          id.OTPID     `json:"id"`
	SessionID   id.SessionID `json:"kyc_session_id"`
	UserID      id.UserID    `json:"user_id"`
	OTPHash     string       `json:"-"`
	Method      OTPMethod    `json:"method"`
	Destination string       `json:"-"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Attempts    int          `json:"attempts"`
	VerifiedAt  *time.Time   `json:"verified_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

func NewOTPCode(otpID id.OTPID, sessionID id.SessionID, userID id.UserID, hash string, method OTPMethod, destination string, now time.Time) (*OTPCode, error) {
	if hash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "otp digest cannot be empty")
	}
	if !method.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unsupported otp method")
	}
	if destination == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "destination is required")
	}
	return &OTPCode{
		ID:          otpID,
		SessionID:   sessionID,
		UserID:      userID,
		OTPHash:     hash,
		Method:      method,
		Destination: destination,
		ExpiresAt:   now.Add(OTPTTL),
		CreatedAt:   now,
	}, nil
}

// StateAt derives the lifecycle state at now.
func (c *OTPCode) StateAt(now time.Time) OTPState {
	switch {
	case c.VerifiedAt != nil:
		return OTPVerified
	case c.Attempts >= MaxOTPAttempts:
		return OTPExhausted
	case !now.Before(c.ExpiresAt):
		return OTPExpired
	default:
		return OTPIssued
	}
}

// RedactDestination keeps the last four characters of a phone number or
// email address for logs and audit entries.
func RedactDestination(destination string) string {
	r := []rune(destination)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}
