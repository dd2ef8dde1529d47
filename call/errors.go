package call

import "errors"

var (
	// ErrCallInProgress indicates a call session already exists; at
	// most one non-idle session may exist at a time.
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoActiveCall indicates the operation needs a session and none
	// exists.
	ErrNoActiveCall = errors.New("no active call")
	// ErrInvalidState indicates the operation is not legal in the
	// session's current state.
	ErrInvalidState = errors.New("operation not valid in current call state")
	// ErrHandshakeFailed indicates the crypto handshake with the peer
	// failed; the call is torn down, nothing else is affected.
	ErrHandshakeFailed = errors.New("call handshake failed")
)
