package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) and services translate them into domain errors.
//
//   - ErrNotFound: entity does not exist in store
//   - ErrConflict: a uniqueness rule was violated (e.g. second active session)
//   - ErrStaleState: a conditional update matched no row because the current
//     state differs from the expected one
//   - ErrAlreadyUsed: a one-shot record (OTP code) was already consumed
//   - ErrClaimLost: the caller no longer owns the document claim it is writing under
//   - ErrLimitExceeded: a counted insert would exceed its window limit
//   - ErrUnavailable: backing store temporarily unavailable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrStaleState  = errors.New("stale state")
	ErrAlreadyUsed = errors.New("already used")
	ErrClaimLost   = errors.New("claim lost")
	ErrUnavailable = errors.New("unavailable")

	ErrLimitExceeded = errors.New("limit exceeded")
)
