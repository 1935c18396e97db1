package adapters

import (
	"context"
	"strings"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	"kycgate/pkg/platform/clock"
)

// StubExtractor returns a fixed, well-formed extraction for every document.
// The document number is derived from the document ID so different uploads
// do not collide in duplicate detection. Development only.
type StubExtractor struct {
	clock clock.Clock
}

func NewStubExtractor(c clock.Clock) *StubExtractor {
	if c == nil {
		c = clock.Real()
	}
	return &StubExtractor{clock: c}
}

func (e *StubExtractor) Extract(ctx context.Context, ref models.DocumentRef) (*ports.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	number := strings.ToUpper(strings.ReplaceAll(ref.DocumentID.String(), "-", "")[:9])
	return &ports.Extraction{
		DocumentType:   string(ref.DocType),
		DocumentNumber: "STUB" + number,
		FullName:       "Test User",
		DateOfBirth:    "1990-01-01",
		IssueDate:      now.AddDate(-1, 0, 0).Format("2006-01-02"),
		ExpiryDate:     now.AddDate(5, 0, 0).Format("2006-01-02"),
		Nationality:    "GB",
		Confidence:     0.95,
	}, nil
}
