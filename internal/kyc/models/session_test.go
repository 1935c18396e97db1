package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
)

var allStatuses = []SessionStatus{
	StatusStarted, StatusPendingDocuments, StatusProcessing, StatusPendingOTP,
	StatusOTPVerified, StatusApproved, StatusRejected,
}

// Justification: the edge table is the whole safety property of the session;
// every pair is checked so an accidental new edge fails loudly.
func TestSessionStatus_EdgeTableIsExhaustive(t *testing.T) {
	legal := map[[2]SessionStatus]bool{
		{StatusStarted, StatusPendingDocuments}:    true,
		{StatusPendingDocuments, StatusProcessing}: true,
		{StatusProcessing, StatusPendingOTP}:       true,
		{StatusPendingOTP, StatusOTPVerified}:      true,
		{StatusOTPVerified, StatusApproved}:        true,
		{StatusStarted, StatusRejected}:            true,
		{StatusPendingDocuments, StatusRejected}:   true,
		{StatusProcessing, StatusRejected}:         true,
		{StatusPendingOTP, StatusRejected}:         true,
		{StatusOTPVerified, StatusRejected}:        true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, legal[[2]SessionStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestSession_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	now := time.Now()
	s, err := NewSession(id.NewSessionID(), id.UserID(id.NewSessionID()), now)
	require.NoError(t, err)

	err = s.CanTransitionTo(StatusApproved)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	assert.Equal(t, StatusStarted, s.Status)
	assert.Nil(t, s.VerifiedAt)
}

func TestSession_ApplyTransitionSideEffects(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("approved sets verifiedAt", func(t *testing.T) {
		s := &Session{Status: StatusOTPVerified, OTPVerified: true}
		s.ApplyTransition(Transition{From: StatusOTPVerified, To: StatusApproved, At: now})
		require.NotNil(t, s.VerifiedAt)
		assert.Equal(t, now, *s.VerifiedAt)
	})

	t.Run("rejected records reason and no verifiedAt", func(t *testing.T) {
		s := &Session{Status: StatusProcessing}
		s.ApplyTransition(Transition{From: StatusProcessing, To: StatusRejected, Reason: "document expired", At: now})
		assert.Equal(t, "document expired", s.RejectionReason)
		assert.Nil(t, s.VerifiedAt)
	})
}

func TestTransition_ValidateRequiresRejectionReason(t *testing.T) {
	err := Transition{From: StatusPendingOTP, To: StatusRejected}.Validate()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	err = Transition{From: StatusRejected, To: StatusApproved}.Validate()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
}

func TestOTPCode_StateAt(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	code, err := NewOTPCode(id.NewOTPID(), id.NewSessionID(), id.UserID(id.NewSessionID()), "digest", OTPMethodSMS, "+15551234567", now)
	require.NoError(t, err)

	assert.Equal(t, OTPIssued, code.StateAt(now))
	assert.Equal(t, OTPExpired, code.StateAt(now.Add(OTPTTL)))

	code.Attempts = MaxOTPAttempts
	assert.Equal(t, OTPExhausted, code.StateAt(now))

	code.VerifiedAt = &now
	assert.Equal(t, OTPVerified, code.StateAt(now.Add(time.Hour)))
}

func TestRedactDestination(t *testing.T) {
	assert.Equal(t, "****4567", RedactDestination("+15551234567"))
	assert.Equal(t, "****.com", RedactDestination("user@example.com"))
	assert.Equal(t, "****", RedactDestination("123"))
}
