package models

import (
	"strings"
	"time"

	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
)

type ScanStatus string

const (
	ScanUploaded ScanStatus = "uploaded"
	ScanClean    ScanStatus = "clean"
	ScanFailed   ScanStatus = "failed"
)

type OCRStatus string

const (
	OCRPending OCRStatus = "pending"
	OCRDone    OCRStatus = "done"
	OCRError   OCRStatus = "error"
)

// DocumentType names the kind of identity document uploaded.
type DocumentType string

const (
	DocumentPassport       DocumentType = "passport"
	DocumentNationalID     DocumentType = "national_id"
	DocumentDriversLicense DocumentType = "drivers_license"
)

func (t DocumentType) IsValid() bool {
	switch t {
	case DocumentPassport, DocumentNationalID, DocumentDriversLicense:
		return true
	}
	return false
}

// ExpiringSoonWindow flags documents that expire within this window of
// processing time.
const ExpiringSoonWindow = 30 * 24 * time.Hour

// ExtractedFields is the OCR payload as persisted. DocumentNumber and
// DateOfBirth hold SecretStore envelopes, never plaintext.
type ExtractedFields struct {
	DocumentType   string  `json:"document_type"`
	DocumentNumber string  `json:"document_number"`
	FullName       string  `json:"full_name"`
	DateOfBirth    string  `json:"date_of_birth"`
	IssueDate      string  `json:"issue_date,omitempty"`
	ExpiryDate     string  `json:"expiry_date,omitempty"`
	Nationality    string  `json:"nationality,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Document is an uploaded identity document owned by one session.
//
// Invariants:
//   - SessionID never changes
//   - A document is pending while ScanStatus=uploaded and OCRStatus=pending
//   - ClaimedBy/ClaimExpiresAt are set only while a processor owns the row
//   - DocumentNumberIndex is set iff OCRStatus=done
type Document struct {
	ID                  id.DocumentID    `json:"id"`
	SessionID           id.SessionID     `json:"kyc_session_id"`
	DocType             DocumentType     `json:"doc_type"`
	StorageRef          string           `json:"storage_ref"`
	ScanStatus          ScanStatus       `json:"scan_status"`
	OCRStatus           OCRStatus        `json:"ocr_status"`
	OCRExtracted        *ExtractedFields `json:"ocr_extracted,omitempty"`
	DocumentNumberIndex string           `json:"-"`
	IDExpiry            *time.Time       `json:"id_expiry,omitempty"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	ClaimedBy           string           `json:"-"`
	ClaimExpiresAt      *time.Time       `json:"-"`
	TransientFailures   int              `json:"-"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func NewDocument(docID id.DocumentID, sessionID id.SessionID, docType DocumentType, storageRef string, now time.Time) (*Document, error) {
	if docID.IsNil() || sessionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "document and session IDs are required")
	}
	if !docType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unsupported document type")
	}
	if strings.TrimSpace(storageRef) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "storage reference is required")
	}
	return &Document{
		ID:         docID,
		SessionID:  sessionID,
		DocType:    docType,
		StorageRef: storageRef,
		ScanStatus: ScanUploaded,
		OCRStatus:  OCRPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// IsPending reports whether the processor still has work to do.
func (d *Document) IsPending() bool {
	return d.ScanStatus == ScanUploaded && d.OCRStatus == OCRPending
}

// IsClaimedAt reports whether a live lease exists at now.
func (d *Document) IsClaimedAt(now time.Time) bool {
	return d.ClaimedBy != "" && d.ClaimExpiresAt != nil && d.ClaimExpiresAt.After(now)
}

// Ref is the handle passed to scanner and OCR capabilities.
func (d *Document) Ref() DocumentRef {
	return DocumentRef{DocumentID: d.ID, SessionID: d.SessionID, DocType: d.DocType, StorageRef: d.StorageRef}
}

// DocumentRef identifies a stored upload without exposing the document row.
type DocumentRef struct {
	DocumentID id.DocumentID
	SessionID  id.SessionID
	DocType    DocumentType
	StorageRef string
}

// Claim is a processor's lease on a pending document.
type Claim struct {
	Owner     string
	ExpiresAt time.Time
}

// DocumentOutcome is the final write for a claimed document.
type DocumentOutcome struct {
	ScanStatus    ScanStatus
	OCRStatus     OCRStatus
	Extracted     *ExtractedFields
	Index         string
	IDExpiry      *time.Time
	FailureReason string
}

// DocumentMatch is a processed document sharing a blind index with another.
type DocumentMatch struct {
	DocumentID    id.DocumentID
	SessionID     id.SessionID
	UserID        id.UserID
	SessionStatus SessionStatus
}
