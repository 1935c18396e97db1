package otp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	"kycgate/pkg/platform/sentinel"
	txcontext "kycgate/pkg/platform/tx"
)

// PostgresStore persists codes in kyc_otp_codes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const otpColumns = `id, kyc_session_id, user_id, otp_hash, method, destination, expires_at, attempts, verified_at, created_at`

// CreateWithinLimit locks the owning session row so concurrent issuers for the
// same session serialize on the count.
func (s *PostgresStore) CreateWithinLimit(ctx context.Context, code *models.OTPCode, limit int, window time.Duration) error {
	if tx, ok := txcontext.From(ctx); ok {
		return createWithinLimit(ctx, tx, code, limit, window)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin otp insert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := createWithinLimit(ctx, tx, code, limit, window); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit otp insert: %w", err)
	}
	return nil
}

func createWithinLimit(ctx context.Context, tx *sql.Tx, code *models.OTPCode, limit int, window time.Duration) error {
	var locked uuid.UUID
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM kyc_sessions WHERE id = $1 FOR UPDATE`,
		uuid.UUID(code.SessionID),
	).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("lock session for otp: %w", err)
	}

	var issued int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kyc_otp_codes WHERE kyc_session_id = $1 AND created_at > $2`,
		uuid.UUID(code.SessionID), code.CreatedAt.Add(-window),
	).Scan(&issued)
	if err != nil {
		return fmt.Errorf("count issued otp: %w", err)
	}
	if issued >= limit {
		return sentinel.ErrLimitExceeded
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kyc_otp_codes (`+otpColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9)
	`,
		uuid.UUID(code.ID),
		uuid.UUID(code.SessionID),
		uuid.UUID(code.UserID),
		code.OTPHash,
		string(code.Method),
		code.Destination,
		code.ExpiresAt,
		code.Attempts,
		code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert otp: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*models.OTPCode, error) {
	query := `
		SELECT ` + otpColumns + `
		FROM kyc_otp_codes
		WHERE kyc_session_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	code, err := scanCode(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(sessionID), uuid.UUID(userID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("latest otp: %w", err)
	}
	return code, nil
}

// IncrementAttempts is a single UPDATE ... RETURNING so two concurrent
// verifications can never both observe the same count.
func (s *PostgresStore) IncrementAttempts(ctx context.Context, otpID id.OTPID) (int, error) {
	var attempts int
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`UPDATE kyc_otp_codes SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		uuid.UUID(otpID),
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) MarkVerified(ctx context.Context, otpID id.OTPID, at time.Time) error {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`UPDATE kyc_otp_codes SET verified_at = $2 WHERE id = $1 AND verified_at IS NULL`,
		uuid.UUID(otpID), at,
	)
	if err != nil {
		return fmt.Errorf("mark otp verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark otp verified rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*models.OTPCode, error) {
	var (
		code      models.OTPCode
		otpID     uuid.UUID
		sessionID uuid.UUID
		userID    uuid.UUID
		method    string
		verified  sql.NullTime
	)
	err := row.Scan(&otpID, &sessionID, &userID, &code.OTPHash, &method, &code.Destination,
		&code.ExpiresAt, &code.Attempts, &verified, &code.CreatedAt)
	if err != nil {
		return nil, err
	}
	code.ID = id.OTPID(otpID)
	code.SessionID = id.SessionID(sessionID)
	code.UserID = id.UserID(userID)
	code.Method = models.OTPMethod(method)
	if verified.Valid {
		at := verified.Time
		code.VerifiedAt = &at
	}
	return &code, nil
}
