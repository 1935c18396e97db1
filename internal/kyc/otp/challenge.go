// Package otp issues and verifies the one-time code challenge that moves a
// KYC session from pending_otp to otp_verified.
//
// Codes are six random digits. Only a keyed digest bound to the code record
// is stored, the destination is encrypted at rest, and neither ever appears
// in logs or audit entries beyond the last four characters of the
// destination.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"kycgate/internal/kyc/metrics"
	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	"kycgate/internal/kyc/service"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

const (
	defaultSendTimeout       = 10 * time.Second
	defaultDestinationLimit  = 10
	defaultDestinationWindow = time.Hour
)

var codeSpace = big.NewInt(1_000_000)

var errNoSender = errors.New("delivery not configured")

// Secrets covers the key material the challenge needs.
type Secrets interface {
	DigestOTP(binding, code string) string
	EqualOTP(digest, binding, candidate string) bool
	Encrypt(plaintext string) (string, error)
}

// IssueResult reports delivery. It never carries the code.
type IssueResult struct {
	Delivered     bool
	Method        models.OTPMethod
	ExpiresAt     time.Time
	FailureReason string
}

// Challenge issues and verifies codes.
type Challenge struct {
	sessions     ports.SessionStore
	codes        ports.OTPStore
	secrets      Secrets
	tx           ports.TxRunner
	transitioner *service.Transitioner
	senders      map[models.OTPMethod]ports.Sender

	limiter           ports.DestinationLimiter
	destinationLimit  int
	destinationWindow time.Duration
	sendTimeout       time.Duration

	auditor ports.AuditRecorder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Challenge)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Challenge) {
		c.logger = logger
	}
}

func WithAuditRecorder(recorder ports.AuditRecorder) Option {
	return func(c *Challenge) {
		c.auditor = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Challenge) {
		c.metrics = m
	}
}

// WithSender registers the delivery capability for method.
func WithSender(method models.OTPMethod, sender ports.Sender) Option {
	return func(c *Challenge) {
		if sender != nil {
			c.senders[method] = sender
		}
	}
}

// WithDestinationLimiter throttles issuance per destination across sessions.
func WithDestinationLimiter(limiter ports.DestinationLimiter, limit int, window time.Duration) Option {
	return func(c *Challenge) {
		c.limiter = limiter
		if limit > 0 {
			c.destinationLimit = limit
		}
		if window > 0 {
			c.destinationWindow = window
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Challenge) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

func New(sessions ports.SessionStore, codes ports.OTPStore, secrets Secrets, tx ports.TxRunner, transitioner *service.Transitioner, opts ...Option) (*Challenge, error) {
	if sessions == nil || codes == nil {
		return nil, errors.New("session and otp stores are required")
	}
	if secrets == nil {
		return nil, errors.New("secrets are required")
	}
	if tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if transitioner == nil {
		return nil, errors.New("transitioner is required")
	}
	c := &Challenge{
		sessions:          sessions,
		codes:             codes,
		secrets:           secrets,
		tx:                tx,
		transitioner:      transitioner,
		senders:           make(map[models.OTPMethod]ports.Sender),
		destinationLimit:  defaultDestinationLimit,
		destinationWindow: defaultDestinationWindow,
		sendTimeout:       defaultSendTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue generates, stores and dispatches a new code for a pending_otp session.
// A delivery failure is reported in the result, not as an error: the code is
// stored and counts against the issuance limit either way.
func (c *Challenge) Issue(ctx context.Context, sessionID id.SessionID, userID id.UserID, method models.OTPMethod, destination string) (*IssueResult, error) {
	destination = strings.TrimSpace(destination)
	if !method.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "method must be sms or email")
	}
	if destination == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "destination is required")
	}
	session, err := c.pendingSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if err := c.checkDestination(ctx, session, method, destination); err != nil {
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate code")
	}
	sealedDestination, err := c.secrets.Encrypt(destination)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to protect destination")
	}
	otpID := id.NewOTPID()
	record, err := models.NewOTPCode(otpID, session.ID, userID, c.secrets.DigestOTP(otpID.String(), code),
		method, sealedDestination, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	err = c.codes.CreateWithinLimit(ctx, record, models.MaxOTPIssuesPerWindow, models.OTPIssueWindow)
	if errors.Is(err, sentinel.ErrLimitExceeded) {
		c.auditOTP(ctx, audit.EventOTPRateLimited, session, map[string]any{
			"method": string(method),
			"scope":  "session",
		})
		c.metrics.IncOTPIssued(string(method), "rate_limited")
		return nil, dErrors.New(dErrors.CodeRateLimited, "too many codes requested, try again later")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store code")
	}

	result := &IssueResult{Method: method, ExpiresAt: record.ExpiresAt}
	redacted := models.RedactDestination(destination)
	if err := c.send(ctx, method, destination, code); err != nil {
		result.FailureReason = deliveryFailure(err)
		c.logger.WarnContext(ctx, "otp delivery failed",
			"session_id", session.ID.String(),
			"method", string(method),
			"destination", redacted,
			"error", err,
		)
		c.auditOTP(ctx, audit.EventOTPSendFailed, session, map[string]any{
			"method":      string(method),
			"destination": redacted,
			"reason":      result.FailureReason,
		})
		c.metrics.IncOTPIssued(string(method), "undelivered")
		return result, nil
	}

	result.Delivered = true
	c.auditOTP(ctx, audit.EventOTPSent, session, map[string]any{
		"method":      string(method),
		"destination": redacted,
		"expires_at":  record.ExpiresAt,
	})
	c.metrics.IncOTPIssued(string(method), "sent")
	return result, nil
}

// Verify checks code against the most recent code of the session. On a match
// the code is consumed and the session moves to otp_verified in one
// transaction.
func (c *Challenge) Verify(ctx context.Context, sessionID id.SessionID, userID id.UserID, code string) (*models.Session, error) {
	if sessionID.IsNil() || userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "session and user are required")
	}
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if session.UserID != userID {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
	}

	latest, err := c.codes.Latest(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no code issued for this session")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load code")
	}

	now := requestcontext.Now(ctx)
	switch latest.StateAt(now) {
	case models.OTPVerified:
		c.metrics.IncOTPVerified("used")
		return nil, dErrors.New(dErrors.CodeInvalidCode, "code already used")
	case models.OTPExhausted:
		c.metrics.IncOTPVerified("exhausted")
		return nil, dErrors.New(dErrors.CodeAttemptsExceeded, "too many attempts, request a new code")
	case models.OTPExpired:
		c.metrics.IncOTPVerified("expired")
		return nil, dErrors.New(dErrors.CodeExpired, "code expired, request a new code")
	}
	if err := awaitingCode(session); err != nil {
		return nil, err
	}

	attempts, err := c.codes.IncrementAttempts(ctx, latest.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record attempt")
	}
	if attempts > models.MaxOTPAttempts {
		c.metrics.IncOTPVerified("exhausted")
		return nil, dErrors.New(dErrors.CodeAttemptsExceeded, "too many attempts, request a new code")
	}

	if !c.secrets.EqualOTP(latest.OTPHash, latest.ID.String(), strings.TrimSpace(code)) {
		remaining := models.MaxOTPAttempts - attempts
		c.auditOTP(ctx, audit.EventOTPInvalid, session, map[string]any{
			"attempts":  attempts,
			"remaining": remaining,
		})
		if remaining == 0 {
			c.auditOTP(ctx, audit.EventOTPAttemptsExceeded, session, map[string]any{"attempts": attempts})
		}
		c.metrics.IncOTPVerified("invalid")
		return nil, dErrors.New(dErrors.CodeInvalidCode, fmt.Sprintf("invalid code, %d attempts remaining", remaining))
	}

	var verified *models.Session
	txCtx := service.WithTxShard(ctx, sessionID.String())
	err = c.tx.RunInTx(txCtx, func(ctx context.Context) error {
		current, err := c.sessions.Get(ctx, sessionID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
		}
		if err := awaitingCode(current); err != nil {
			return err
		}
		if err := c.codes.MarkVerified(ctx, latest.ID, now); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.Wrap(err, dErrors.CodeInvalidCode, "code already used")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume code")
		}
		res, err := c.transitioner.Apply(ctx, service.TransitionRequest{
			SessionID: sessionID,
			To:        models.StatusOTPVerified,
			Details:   map[string]any{"method": string(latest.Method)},
		})
		if err != nil {
			return err
		}
		verified = res.Session
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.auditOTP(ctx, audit.EventOTPVerified, verified, map[string]any{
		"method":   string(latest.Method),
		"attempts": attempts,
	})
	c.metrics.IncOTPVerified("verified")
	return verified, nil
}

func (c *Challenge) pendingSession(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*models.Session, error) {
	if sessionID.IsNil() || userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "session and user are required")
	}
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if session.UserID != userID {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
	}
	if err := awaitingCode(session); err != nil {
		return nil, err
	}
	return session, nil
}

// awaitingCode refuses sessions that are not in pending_otp, so a closed
// session never consumes a code or an attempt.
func awaitingCode(session *models.Session) error {
	if session.Status != models.StatusPendingOTP {
		return dErrors.New(dErrors.CodeInvalidStateTransition,
			"session in status "+string(session.Status)+" is not awaiting a code")
	}
	return nil
}

// checkDestination applies the cross-session limiter. Limiter outages fail
// open: the per-session limit in the code store still holds.
func (c *Challenge) checkDestination(ctx context.Context, session *models.Session, method models.OTPMethod, destination string) error {
	if c.limiter == nil {
		return nil
	}
	key := string(method) + ":" + c.secrets.DigestOTP("destination", strings.ToLower(destination))
	allowed, err := c.limiter.Allow(ctx, key, c.destinationLimit, c.destinationWindow)
	if err != nil {
		c.logger.WarnContext(ctx, "destination limiter unavailable, continuing",
			"session_id", session.ID.String(),
			"error", err,
		)
		return nil
	}
	if allowed {
		return nil
	}
	c.auditOTP(ctx, audit.EventOTPRateLimited, session, map[string]any{
		"method":      string(method),
		"scope":       "destination",
		"destination": models.RedactDestination(destination),
	})
	c.metrics.IncOTPIssued(string(method), "rate_limited")
	return dErrors.New(dErrors.CodeRateLimited, "too many codes sent to this destination, try again later")
}

func (c *Challenge) send(ctx context.Context, method models.OTPMethod, destination, code string) error {
	sender, ok := c.senders[method]
	if !ok {
		return errNoSender
	}
	_, err := ports.Call(ctx, "otp_"+string(method), c.sendTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, sender.Send(ctx, destination, code)
	})
	return err
}

func (c *Challenge) auditOTP(ctx context.Context, event audit.AuditEvent, session *models.Session, details map[string]any) {
	ports.LogAudit(ctx, c.logger, c.auditor, audit.Event{
		Action:    string(event),
		SessionID: session.ID,
		UserID:    session.UserID,
		Details:   details,
	})
}

func deliveryFailure(err error) string {
	if dErrors.HasCode(err, dErrors.CodeCapabilityTimeout) {
		return "delivery timed out"
	}
	if errors.Is(err, errNoSender) {
		return errNoSender.Error()
	}
	return "delivery failed"
}

// generateCode returns a uniformly random zero-padded six digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", models.OTPLength, n.Int64()), nil
}
