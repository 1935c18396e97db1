package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	"kycgate/pkg/platform/sentinel"
	txcontext "kycgate/pkg/platform/tx"
)

// PostgresStore persists documents in kyc_documents.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const documentColumns = `id, kyc_session_id, doc_type, storage_ref, scan_status, ocr_status,
	ocr_extracted, document_number_index, id_expiry, failure_reason,
	claimed_by, claim_expires_at, transient_failures, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO kyc_documents (id, kyc_session_id, doc_type, storage_ref, scan_status, ocr_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(doc.ID),
		uuid.UUID(doc.SessionID),
		string(doc.DocType),
		doc.StorageRef,
		string(doc.ScanStatus),
		string(doc.OCRStatus),
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, docID id.DocumentID) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM kyc_documents WHERE id = $1`
	doc, err := scanDocument(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(docID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID id.SessionID) ([]*models.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM kyc_documents
		WHERE kyc_session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, uuid.UUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ClaimPending leases a batch with FOR UPDATE SKIP LOCKED so that concurrent
// pollers, in this process or another, partition the pending rows.
func (s *PostgresStore) ClaimPending(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]*models.Document, error) {
	query := `
		UPDATE kyc_documents
		SET claimed_by = $1, claim_expires_at = $3, updated_at = $2
		WHERE id IN (
			SELECT id FROM kyc_documents
			WHERE scan_status = 'uploaded'
			  AND ocr_status = 'pending'
			  AND (claim_expires_at IS NULL OR claim_expires_at <= $2)
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + documentColumns
	rows, err := s.db.QueryContext(ctx, query, owner, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending documents: %w", err)
	}
	defer rows.Close()
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	sortByCreated(docs)
	return docs, nil
}

func (s *PostgresStore) Complete(ctx context.Context, docID id.DocumentID, owner string, outcome models.DocumentOutcome, now time.Time) error {
	var extracted []byte
	if outcome.Extracted != nil {
		b, err := json.Marshal(outcome.Extracted)
		if err != nil {
			return fmt.Errorf("marshal extracted fields: %w", err)
		}
		extracted = b
	}
	query := `
		UPDATE kyc_documents
		SET scan_status = $3,
			ocr_status = $4,
			ocr_extracted = $5,
			document_number_index = $6,
			id_expiry = $7,
			failure_reason = $8,
			claimed_by = NULL,
			claim_expires_at = NULL,
			updated_at = $9
		WHERE id = $1
		  AND claimed_by = $2
		  AND claim_expires_at > $9
		  AND scan_status = 'uploaded'
		  AND ocr_status = 'pending'
	`
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(docID),
		owner,
		string(outcome.ScanStatus),
		string(outcome.OCRStatus),
		extracted,
		nullString(outcome.Index),
		outcome.IDExpiry,
		nullString(outcome.FailureReason),
		now,
	)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete document rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, docID id.DocumentID, owner string, now time.Time) (int, error) {
	query := `
		UPDATE kyc_documents
		SET claimed_by = NULL,
			claim_expires_at = NULL,
			transient_failures = transient_failures + 1,
			updated_at = $3
		WHERE id = $1 AND claimed_by = $2
		RETURNING transient_failures
	`
	var failures int
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(docID), owner, now).Scan(&failures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrClaimLost
		}
		return 0, fmt.Errorf("release document: %w", err)
	}
	return failures, nil
}

func (s *PostgresStore) FindDoneByIndex(ctx context.Context, index string, excludeUser id.UserID) ([]models.DocumentMatch, error) {
	query := `
		SELECT d.id, s.id, s.user_id, s.status
		FROM kyc_documents d
		JOIN kyc_sessions s ON s.id = d.kyc_session_id
		WHERE d.document_number_index = $1
		  AND d.ocr_status = 'done'
		  AND s.user_id <> $2
		  AND s.status <> 'rejected'
		ORDER BY d.created_at ASC
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, index, uuid.UUID(excludeUser))
	if err != nil {
		return nil, fmt.Errorf("find documents by index: %w", err)
	}
	defer rows.Close()

	var matches []models.DocumentMatch
	for rows.Next() {
		var (
			docID, sessionID, userID uuid.UUID
			status                   string
		)
		if err := rows.Scan(&docID, &sessionID, &userID, &status); err != nil {
			return nil, fmt.Errorf("scan document match: %w", err)
		}
		matches = append(matches, models.DocumentMatch{
			DocumentID:    id.DocumentID(docID),
			SessionID:     id.SessionID(sessionID),
			UserID:        id.UserID(userID),
			SessionStatus: models.SessionStatus(status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document matches: %w", err)
	}
	return matches, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc        models.Document
		docID      uuid.UUID
		sessionID  uuid.UUID
		docType    string
		scanStatus string
		ocrStatus  string
		extracted  []byte
		index      sql.NullString
		expiry     sql.NullTime
		reason     sql.NullString
		claimedBy  sql.NullString
		claimUntil sql.NullTime
	)
	err := row.Scan(
		&docID, &sessionID, &docType, &doc.StorageRef, &scanStatus, &ocrStatus,
		&extracted, &index, &expiry, &reason,
		&claimedBy, &claimUntil, &doc.TransientFailures, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.ID = id.DocumentID(docID)
	doc.SessionID = id.SessionID(sessionID)
	doc.DocType = models.DocumentType(docType)
	doc.ScanStatus = models.ScanStatus(scanStatus)
	doc.OCRStatus = models.OCRStatus(ocrStatus)
	if len(extracted) > 0 {
		var fields models.ExtractedFields
		if err := json.Unmarshal(extracted, &fields); err != nil {
			return nil, fmt.Errorf("decode extracted fields: %w", err)
		}
		doc.OCRExtracted = &fields
	}
	doc.DocumentNumberIndex = index.String
	if expiry.Valid {
		at := expiry.Time
		doc.IDExpiry = &at
	}
	doc.FailureReason = reason.String
	doc.ClaimedBy = claimedBy.String
	if claimUntil.Valid {
		at := claimUntil.Time
		doc.ClaimExpiresAt = &at
	}
	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]*models.Document, error) {
	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
