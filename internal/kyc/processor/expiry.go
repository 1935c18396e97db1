package processor

import (
	"fmt"
	"strings"
	"time"

	"kycgate/internal/kyc/models"
)

const dateLayout = "2006-01-02"

type expiryCheck struct {
	Expired         bool
	ExpiringSoon    bool
	DaysUntilExpiry int
}

// parseExpiry accepts a calendar date or an RFC 3339 timestamp. An empty
// value means the document carries no expiry.
func parseExpiry(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized expiry date %q", raw)
}

// checkExpiry compares expiry with now. A document is expired once now
// passes its expiry instant, and expiring soon when it expires within
// models.ExpiringSoonWindow.
func checkExpiry(expiry *time.Time, now time.Time) expiryCheck {
	if expiry == nil {
		return expiryCheck{}
	}
	until := expiry.Sub(now)
	days := int(until / (24 * time.Hour))
	return expiryCheck{
		Expired:         expiry.Before(now),
		ExpiringSoon:    until > 0 && until <= models.ExpiringSoonWindow,
		DaysUntilExpiry: days,
	}
}
