package auth

import "errors"

var (
	// ErrNotAuthenticated indicates no token set exists for the identity.
	// The caller must complete one of the login flows first.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAlreadyAuthenticated indicates a login was initiated while an
	// unexpired session already exists.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrNoPendingLogin indicates CompleteInteractiveLogin was called
	// without a matching BeginInteractiveLogin, or the pending login
	// timed out.
	ErrNoPendingLogin = errors.New("no pending login")

	// ErrInvalidOrExpiredCode indicates the authorization service
	// rejected the authorization code.
	ErrInvalidOrExpiredCode = errors.New("invalid or expired authorization code")

	// ErrInvalidCredentials indicates the authorization service rejected
	// the service client credentials.
	ErrInvalidCredentials = errors.New("invalid client credentials")

	// ErrReauthenticationRequired indicates the stored token expired and
	// could not be refreshed. The identity must log in again.
	ErrReauthenticationRequired = errors.New("reauthentication required")
)

// rejectedError marks a provider failure as a definitive rejection (bad
// code, bad credentials, revoked refresh token) as opposed to a transient
// network or service failure. Rejections are never retried.
type rejectedError struct {
	err error
}

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// markRejected wraps err so IsRejected reports true for it.
func markRejected(err error) error {
	return &rejectedError{err: err}
}

// IsRejected reports whether err is a definitive provider rejection.
func IsRejected(err error) bool {
	var re *rejectedError
	return errors.As(err, &re)
}
