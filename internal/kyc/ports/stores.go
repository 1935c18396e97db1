package ports

import (
	"context"
	"time"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
)

// SessionStore persists KYC sessions. Store errors are pkg/platform/sentinel
// values, optionally wrapped.
type SessionStore interface {
	// Create inserts a new session. ErrConflict if the user already has a
	// non-terminal session.
	Create(ctx context.Context, session *models.Session) error

	// Get returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error)

	// LatestForUser returns the most recently created session of a user.
	LatestForUser(ctx context.Context, userID id.UserID) (*models.Session, error)

	// Transition applies t as one conditional update on (id, t.From).
	// ErrStaleState if the session is no longer in t.From.
	Transition(ctx context.Context, sessionID id.SessionID, t models.Transition) (*models.Session, error)
}

// DocumentStore persists uploaded documents and processing claims.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, docID id.DocumentID) (*models.Document, error)
	ListBySession(ctx context.Context, sessionID id.SessionID) ([]*models.Document, error)

	// ClaimPending atomically leases up to limit pending documents whose claim
	// is absent or lapsed. A document is returned to exactly one caller.
	ClaimPending(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]*models.Document, error)

	// Complete writes the final outcome. ErrClaimLost if owner no longer
	// holds a live claim on a pending document.
	Complete(ctx context.Context, docID id.DocumentID, owner string, outcome models.DocumentOutcome, now time.Time) error

	// Release drops owner's claim after a transient failure and returns the
	// updated transient failure count.
	Release(ctx context.Context, docID id.DocumentID, owner string, now time.Time) (int, error)

	// FindDoneByIndex returns processed documents with the given blind index
	// owned by users other than excludeUser, skipping rejected sessions.
	FindDoneByIndex(ctx context.Context, index string, excludeUser id.UserID) ([]models.DocumentMatch, error)
}

// OTPStore persists one-time code records.
type OTPStore interface {
	// CreateWithinLimit inserts code unless limit codes already exist for the
	// session since code.CreatedAt-window; the check and insert are atomic.
	// ErrLimitExceeded when over the limit.
	CreateWithinLimit(ctx context.Context, code *models.OTPCode, limit int, window time.Duration) error

	// Latest returns the most recently created code for the session and user.
	Latest(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*models.OTPCode, error)

	// IncrementAttempts atomically increments and returns the attempt count.
	IncrementAttempts(ctx context.Context, otpID id.OTPID) (int, error)

	// MarkVerified sets verified_at once. ErrAlreadyUsed if already set.
	MarkVerified(ctx context.Context, otpID id.OTPID, at time.Time) error
}

// TxRunner runs fn inside a transaction carried by the context.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditRecorder is the audit write path. It never fails the caller.
type AuditRecorder = audit.Recorder

// DestinationLimiter throttles code delivery per destination across sessions.
type DestinationLimiter interface {
	// Allow consumes one slot for key. It reports false when the window is full.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
