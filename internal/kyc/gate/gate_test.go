package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/testutil"
)

type stubLookup struct {
	session *models.Session
	err     error
}

func (s stubLookup) LatestStatusForUser(context.Context, id.UserID) (*models.Session, error) {
	return s.session, s.err
}

func sessionIn(status models.SessionStatus) *models.Session {
	now := time.Now()
	s := &models.Session{ID: id.NewSessionID(), UserID: id.UserID(uuid.New()), Status: status}
	if status == models.StatusApproved {
		s.VerifiedAt = &now
	}
	return s
}

func serve(t *testing.T, lookup StatusLookup, userID id.UserID) (*httptest.ResponseRecorder, *models.Session) {
	t.Helper()
	var seen *models.Session
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = VerifiedSession(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	req := testutil.AsUser(httptest.NewRequest(http.MethodPost, "/payments", nil), userID)
	rec := testutil.DoRequest(RequireApproved(lookup, slog.Default())(next), req)
	return rec, seen
}

func TestRequireApproved(t *testing.T) {
	user := id.UserID(uuid.New())

	t.Run("approved session passes and is attached", func(t *testing.T) {
		approved := sessionIn(models.StatusApproved)
		rec, seen := serve(t, stubLookup{session: approved}, user)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, approved, seen)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec, seen := serve(t, stubLookup{}, id.UserID{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)
	})

	t.Run("no session", func(t *testing.T) {
		rec, _ := serve(t, stubLookup{err: dErrors.New(dErrors.CodeNotFound, "none")}, user)
		testutil.AssertStatusAndError(t, rec, http.StatusForbidden, "kyc_required")
	})

	for _, status := range []models.SessionStatus{models.StatusPendingOTP, models.StatusOTPVerified, models.StatusRejected} {
		t.Run("status "+string(status), func(t *testing.T) {
			rec, seen := serve(t, stubLookup{session: sessionIn(status)}, user)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Nil(t, seen)
			body := testutil.DecodeJSON[map[string]string](t, rec)
			assert.Equal(t, "kyc_not_approved", body["error"])
			assert.Equal(t, string(status), body["kyc_status"])
		})
	}

	t.Run("lookup failure hides details", func(t *testing.T) {
		rec, _ := serve(t, stubLookup{err: errors.New("db down")}, user)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := testutil.DecodeJSON[map[string]string](t, rec)
		assert.Equal(t, "internal_error", body["error"])
		assert.NotContains(t, body, "error_description")
	})
}
