// Package ports defines the narrow contracts between the KYC core and the
// capabilities it consumes: malware scanning, OCR, code delivery and access to
// uploaded bytes. Implementations live in internal/kyc/adapters or outside
// this module.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Scanner,Extractor,Sender,DocumentSource

import (
	"context"
	"io"

	"kycgate/internal/kyc/models"
)

// ScanResult is the outcome of a malware scan.
type ScanResult struct {
	Clean   bool
	Threats []string
}

// Scanner inspects an uploaded document for malicious content.
type Scanner interface {
	Scan(ctx context.Context, ref models.DocumentRef) (ScanResult, error)
}

// Extraction is the raw OCR payload. It carries plaintext and must be
// encrypted before it is persisted.
type Extraction struct {
	DocumentType   string
	DocumentNumber string
	FullName       string
	DateOfBirth    string
	IssueDate      string
	ExpiryDate     string
	Nationality    string
	Confidence     float64
}

// Extractor reads identity fields from an uploaded document.
type Extractor interface {
	Extract(ctx context.Context, ref models.DocumentRef) (*Extraction, error)
}

// Sender delivers a one-time code to a destination (phone number or email).
type Sender interface {
	Send(ctx context.Context, destination, code string) error
}

// DocumentSource opens the stored bytes behind a storage reference.
type DocumentSource interface {
	Open(ctx context.Context, storageRef string) (io.ReadCloser, int64, error)
}
