// Package gate guards regulated routes behind an approved KYC session.
package gate

import (
	"context"
	"log/slog"
	"net/http"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/platform/httputil"
	"kycgate/pkg/requestcontext"
)

// StatusLookup is satisfied by *service.Service.
type StatusLookup interface {
	LatestStatusForUser(ctx context.Context, userID id.UserID) (*models.Session, error)
}

type contextKeyVerifiedSession struct{}

// VerifiedSession returns the approved session attached by RequireApproved.
func VerifiedSession(ctx context.Context) *models.Session {
	session, _ := ctx.Value(contextKeyVerifiedSession{}).(*models.Session)
	return session
}

// RequireApproved lets a request through only when the authenticated user's
// most recent session is approved. It expects requestcontext.WithUserID to
// have been applied by the authentication layer.
func RequireApproved(lookup StatusLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := requestcontext.UserID(ctx)
			if userID.IsNil() {
				httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
					"error":             "unauthorized",
					"error_description": "authentication required",
				})
				return
			}

			session, err := lookup.LatestStatusForUser(ctx, userID)
			if err != nil {
				if dErrors.HasCode(err, dErrors.CodeNotFound) {
					httputil.WriteJSON(w, http.StatusForbidden, map[string]string{
						"error":             "kyc_required",
						"error_description": "complete identity verification to access this feature",
					})
					return
				}
				logger.ErrorContext(ctx, "kyc gate lookup failed",
					"user_id", userID.String(),
					"error", err,
				)
				httputil.WriteError(w, err)
				return
			}

			if session.Status != models.StatusApproved {
				httputil.WriteJSON(w, http.StatusForbidden, map[string]string{
					"error":             "kyc_not_approved",
					"error_description": "identity verification is " + string(session.Status),
					"kyc_status":        string(session.Status),
				})
				return
			}

			ctx = context.WithValue(ctx, contextKeyVerifiedSession{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
