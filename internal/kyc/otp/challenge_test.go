package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports/mocks"
	"kycgate/internal/kyc/service"
	otpstore "kycgate/internal/kyc/store/otp"
	"kycgate/internal/kyc/store/ratelimit"
	sessionstore "kycgate/internal/kyc/store/session"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/audit/recorder"
	auditmemory "kycgate/pkg/platform/audit/store/memory"
	"kycgate/pkg/requestcontext"
	"kycgate/pkg/secrets"
)

const phone = "+15551234567"

type ChallengeSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	sms       *mocks.MockSender
	sessions  *sessionstore.InMemoryStore
	codes     *otpstore.InMemoryStore
	secrets   *secrets.Store
	audit     *auditmemory.InMemoryStore
	challenge *Challenge
	now       time.Time
	ctx       context.Context

	mu       sync.Mutex
	lastCode string
}

func TestChallengeSuite(t *testing.T) {
	suite.Run(t, new(ChallengeSuite))
}

func (s *ChallengeSuite) SetupTest() {
	var err error
	s.ctrl = gomock.NewController(s.T())
	s.sms = mocks.NewMockSender(s.ctrl)
	s.sessions = sessionstore.NewInMemory()
	s.codes = otpstore.NewInMemory()
	s.secrets, err = secrets.NewStore("0123456789abcdef0123456789abcdef")
	s.Require().NoError(err)
	s.audit = auditmemory.NewInMemoryStore()
	s.now = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)

	s.challenge = s.newChallenge(WithSender(models.OTPMethodSMS, s.sms))
}

func (s *ChallengeSuite) newChallenge(opts ...Option) *Challenge {
	rec := recorder.New(s.audit)
	transitioner := service.NewTransitioner(s.sessions, rec, nil, nil)
	opts = append([]Option{WithAuditRecorder(rec)}, opts...)
	c, err := New(s.sessions, s.codes, s.secrets, service.NewMemoryTx(), transitioner, opts...)
	s.Require().NoError(err)
	return c
}

func (s *ChallengeSuite) TearDownTest() {
	s.ctrl.Finish()
}

// pendingOTPSession creates a session already waiting for a code.
func (s *ChallengeSuite) pendingOTPSession() *models.Session {
	session, err := models.NewSession(id.NewSessionID(), id.UserID(uuid.New()), s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.sessions.Create(s.ctx, session))
	from := models.StatusStarted
	for _, to := range []models.SessionStatus{models.StatusPendingDocuments, models.StatusProcessing, models.StatusPendingOTP} {
		session, err = s.sessions.Transition(s.ctx, session.ID, models.Transition{From: from, To: to, At: s.now})
		s.Require().NoError(err)
		from = to
	}
	return session
}

func (s *ChallengeSuite) captureSends(times int) {
	s.sms.EXPECT().Send(gomock.Any(), phone, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, code string) error {
			s.mu.Lock()
			s.lastCode = code
			s.mu.Unlock()
			return nil
		}).Times(times)
}

func (s *ChallengeSuite) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

func (s *ChallengeSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(d))
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// =============================================================================
// Issue
// =============================================================================

func (s *ChallengeSuite) TestIssueDeliversAndRedacts() {
	session := s.pendingOTPSession()
	s.captureSends(1)

	res, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)
	s.True(res.Delivered)
	s.Equal(s.now.Add(models.OTPTTL), res.ExpiresAt)
	s.Len(s.code(), models.OTPLength)

	stored, err := s.codes.Latest(s.ctx, session.ID, session.UserID)
	s.Require().NoError(err)
	s.NotEqual(s.code(), stored.OTPHash)
	s.True(secrets.IsEncrypted(stored.Destination))
	s.Equal(0, stored.Attempts)

	events := s.audit.ListByAction(s.ctx, audit.EventOTPSent)
	s.Require().Len(events, 1)
	s.Equal("****4567", events[0].Details["destination"])
	for _, v := range events[0].Details {
		s.NotEqual(s.code(), v)
		s.NotEqual(phone, v)
	}
}

func (s *ChallengeSuite) TestIssuePreconditions() {
	session := s.pendingOTPSession()

	s.Run("unknown method", func() {
		_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, "pigeon", phone)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("other user's session", func() {
		_, err := s.challenge.Issue(s.ctx, session.ID, id.UserID(uuid.New()), models.OTPMethodSMS, phone)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("session not awaiting a code", func() {
		fresh, err := models.NewSession(id.NewSessionID(), id.UserID(uuid.New()), s.now)
		s.Require().NoError(err)
		s.Require().NoError(s.sessions.Create(s.ctx, fresh))
		_, err = s.challenge.Issue(s.ctx, fresh.ID, fresh.UserID, models.OTPMethodSMS, phone)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})
}

// Justification: at most five codes per session in a trailing hour.
func (s *ChallengeSuite) TestSixthIssueIsRateLimited() {
	session := s.pendingOTPSession()
	s.captureSends(5)

	for i := range 5 {
		res, err := s.challenge.Issue(s.at(time.Duration(i)*time.Minute), session.ID, session.UserID, models.OTPMethodSMS, phone)
		s.Require().NoError(err, "issue %d", i+1)
		s.True(res.Delivered)
	}
	_, err := s.challenge.Issue(s.at(10*time.Minute), session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	s.Len(s.audit.ListByAction(s.ctx, audit.EventOTPRateLimited), 1)
}

func (s *ChallengeSuite) TestIssueAllowedAgainAfterWindow() {
	session := s.pendingOTPSession()
	s.captureSends(6)

	for i := range 5 {
		_, err := s.challenge.Issue(s.at(time.Duration(i)*time.Minute), session.ID, session.UserID, models.OTPMethodSMS, phone)
		s.Require().NoError(err)
	}
	_, err := s.challenge.Issue(s.at(61*time.Minute), session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.NoError(err)
}

func (s *ChallengeSuite) TestDestinationLimiterSpansSessions() {
	limited := s.newChallenge(
		WithSender(models.OTPMethodSMS, s.sms),
		WithDestinationLimiter(ratelimit.NewInMemoryBucketStore(), 2, time.Hour),
	)
	s.captureSends(2)

	for range 2 {
		session := s.pendingOTPSession()
		_, err := limited.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
		s.Require().NoError(err)
	}
	session := s.pendingOTPSession()
	_, err := limited.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
}

func (s *ChallengeSuite) TestDeliveryFailures() {
	s.Run("sender error is reported, not returned", func() {
		session := s.pendingOTPSession()
		s.sms.EXPECT().Send(gomock.Any(), phone, gomock.Any()).Return(errors.New("gateway 503"))

		res, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
		s.Require().NoError(err)
		s.False(res.Delivered)
		s.Equal("delivery failed", res.FailureReason)
		s.NotEmpty(s.audit.ListByAction(s.ctx, audit.EventOTPSendFailed))
	})

	s.Run("missing sender", func() {
		session := s.pendingOTPSession()
		res, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodEmail, "ada@example.com")
		s.Require().NoError(err)
		s.False(res.Delivered)
		s.Equal("delivery not configured", res.FailureReason)
	})

	s.Run("slow sender times out", func() {
		slow := s.newChallenge(WithSender(models.OTPMethodSMS, s.sms), WithSendTimeout(20*time.Millisecond))
		session := s.pendingOTPSession()
		s.sms.EXPECT().Send(gomock.Any(), phone, gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ string, _ string) error {
				<-ctx.Done()
				return ctx.Err()
			})

		res, err := slow.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
		s.Require().NoError(err)
		s.False(res.Delivered)
		s.Equal("delivery timed out", res.FailureReason)
	})
}

// =============================================================================
// Verify
// =============================================================================

func (s *ChallengeSuite) TestVerifySuccess() {
	session := s.pendingOTPSession()
	s.captureSends(1)
	_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)

	verified, err := s.challenge.Verify(s.at(time.Minute), session.ID, session.UserID, s.code())
	s.Require().NoError(err)
	s.Equal(models.StatusOTPVerified, verified.Status)
	s.True(verified.OTPVerified)

	stored, err := s.codes.Latest(s.ctx, session.ID, session.UserID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.VerifiedAt)
	s.Len(s.audit.ListByAction(s.ctx, audit.EventOTPVerified), 1)

	s.Run("code cannot be reused", func() {
		_, err := s.challenge.Verify(s.at(2*time.Minute), session.ID, session.UserID, s.code())
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidCode))
	})
}

// Justification: a session closed after issuance must not consume the code
// or an attempt, even with the correct code.
func (s *ChallengeSuite) TestVerifyRefusedOnceSessionClosed() {
	session := s.pendingOTPSession()
	s.captureSends(1)
	_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)

	_, err = s.sessions.Transition(s.ctx, session.ID, models.Transition{
		From: models.StatusPendingOTP, To: models.StatusRejected, Reason: "manual review", At: s.now,
	})
	s.Require().NoError(err)

	_, err = s.challenge.Verify(s.at(time.Minute), session.ID, session.UserID, s.code())
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))

	stored, err := s.codes.Latest(s.ctx, session.ID, session.UserID)
	s.Require().NoError(err)
	s.Nil(stored.VerifiedAt)
	s.Zero(stored.Attempts)
	s.Empty(s.audit.ListByAction(s.ctx, audit.EventOTPVerified))
}

func (s *ChallengeSuite) TestVerifyWithoutCode() {
	session := s.pendingOTPSession()
	_, err := s.challenge.Verify(s.ctx, session.ID, session.UserID, "123456")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ChallengeSuite) TestVerifyExpired() {
	session := s.pendingOTPSession()
	s.captureSends(1)
	_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)

	_, err = s.challenge.Verify(s.at(models.OTPTTL+time.Second), session.ID, session.UserID, s.code())
	s.True(dErrors.HasCode(err, dErrors.CodeExpired))
}

// Justification: beyond the fifth attempt the result is AttemptsExceeded
// regardless of code correctness.
func (s *ChallengeSuite) TestAttemptsExceededAfterFive() {
	session := s.pendingOTPSession()
	s.captureSends(1)
	_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)
	good := s.code()

	for i := range models.MaxOTPAttempts {
		_, err := s.challenge.Verify(s.ctx, session.ID, session.UserID, wrongCode(good))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidCode), "attempt %d", i+1)
	}
	_, err = s.challenge.Verify(s.ctx, session.ID, session.UserID, good)
	s.True(dErrors.HasCode(err, dErrors.CodeAttemptsExceeded))

	s.Len(s.audit.ListByAction(s.ctx, audit.EventOTPInvalid), models.MaxOTPAttempts)
	s.Len(s.audit.ListByAction(s.ctx, audit.EventOTPAttemptsExceeded), 1)

	got, err := s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPendingOTP, got.Status)
}

func (s *ChallengeSuite) TestConcurrentWrongAttemptsNeverExceedLimit() {
	session := s.pendingOTPSession()
	s.captureSends(1)
	_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)
	bad := wrongCode(s.code())

	const callers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		invalid  int
		exceeded int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.challenge.Verify(s.ctx, session.ID, session.UserID, bad)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case dErrors.HasCode(err, dErrors.CodeInvalidCode):
				invalid++
			case dErrors.HasCode(err, dErrors.CodeAttemptsExceeded):
				exceeded++
			}
		}()
	}
	wg.Wait()

	s.Equal(models.MaxOTPAttempts, invalid)
	s.Equal(callers-models.MaxOTPAttempts, exceeded)
}

// Justification: re-issuing never re-validates an older code.
func (s *ChallengeSuite) TestOldCodeFailsAfterReissue() {
	session := s.pendingOTPSession()
	s.captureSends(2)

	_, err := s.challenge.Issue(s.ctx, session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)
	first := s.code()
	_, err = s.challenge.Issue(s.at(time.Minute), session.ID, session.UserID, models.OTPMethodSMS, phone)
	s.Require().NoError(err)
	second := s.code()

	if first != second {
		_, err = s.challenge.Verify(s.at(2*time.Minute), session.ID, session.UserID, first)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidCode))
	}

	verified, err := s.challenge.Verify(s.at(3*time.Minute), session.ID, session.UserID, second)
	s.Require().NoError(err)
	s.Equal(models.StatusOTPVerified, verified.Status)
}

func (s *ChallengeSuite) TestGenerateCodeShape() {
	seen := make(map[string]bool)
	for range 50 {
		code, err := generateCode()
		s.Require().NoError(err)
		s.Len(code, models.OTPLength)
		for _, r := range code {
			s.True(r >= '0' && r <= '9')
		}
		seen[code] = true
	}
	s.Greater(len(seen), 1)
}
