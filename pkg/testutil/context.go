package testutil

import (
	"net/http"

	id "kycgate/pkg/domain"
	"kycgate/pkg/requestcontext"
)

// AsUser marks the request as authenticated for userID, the way the host
// application's auth layer would before the KYC gate runs. A nil ID leaves
// the request anonymous.
func AsUser(req *http.Request, userID id.UserID) *http.Request {
	if userID.IsNil() {
		return req
	}
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}
