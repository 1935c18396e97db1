package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	"kycgate/pkg/platform/sentinel"
	txcontext "kycgate/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists sessions in kyc_sessions. A partial unique index on
// user_id for non-terminal statuses enforces one active session per user.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_id, status, rejection_reason, verified_at, otp_verified, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO kyc_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(session.ID),
		uuid.UUID(session.UserID),
		string(session.Status),
		nullString(session.RejectionReason),
		session.VerifiedAt,
		session.OTPVerified,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create session: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions WHERE id = $1`
	session, err := scanSession(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(sessionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) LatestForUser(ctx context.Context, userID id.UserID) (*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM kyc_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	session, err := scanSession(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(userID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("latest session for user: %w", err)
	}
	return session, nil
}

// Transition is a single conditional UPDATE; concurrent callers racing on the
// same From state see exactly one winner.
func (s *PostgresStore) Transition(ctx context.Context, sessionID id.SessionID, t models.Transition) (*models.Session, error) {
	query := `
		UPDATE kyc_sessions
		SET status = $3,
			updated_at = $4,
			verified_at = CASE WHEN $3 = 'approved' THEN $4 ELSE verified_at END,
			rejection_reason = CASE WHEN $3 = 'rejected' THEN $5 ELSE rejection_reason END,
			otp_verified = otp_verified OR $3 = 'otp_verified'
		WHERE id = $1 AND status = $2
		RETURNING ` + sessionColumns
	session, err := scanSession(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(sessionID),
		string(t.From),
		string(t.To),
		t.At,
		nullString(t.Reason),
	))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition session: %w", err)
	}
	if _, getErr := s.Get(ctx, sessionID); getErr != nil {
		return nil, getErr
	}
	return nil, sentinel.ErrStaleState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session   models.Session
		sessionID uuid.UUID
		userID    uuid.UUID
		status    string
		reason    sql.NullString
		verified  sql.NullTime
	)
	if err := row.Scan(&sessionID, &userID, &status, &reason, &verified,
		&session.OTPVerified, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.ID = id.SessionID(sessionID)
	session.UserID = id.UserID(userID)
	session.Status = models.SessionStatus(status)
	session.RejectionReason = reason.String
	if verified.Valid {
		at := verified.Time
		session.VerifiedAt = &at
	}
	return &session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
