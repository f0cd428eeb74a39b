package auth

import "errors"

var (
	// ErrMFARequired means the console presented a one-time-code
	// challenge but no code provider is configured. This is fatal: the
	// run must stop before any discovery or retrieval work.
	ErrMFARequired = errors.New("auth: mfa challenge presented but no code provider configured")

	// ErrMFAFailed means every code submission attempt was rejected.
	ErrMFAFailed = errors.New("auth: mfa attempts exhausted")

	// ErrLoginNotConfirmed means credentials were submitted but the
	// post-login landmark never appeared within the bounded wait.
	ErrLoginNotConfirmed = errors.New("auth: login not confirmed")

	// ErrLostAuthentication means a cloned session did not inherit the
	// authenticated identity. Never retried by the factory; the caller
	// decides whether to abandon or re-authenticate.
	ErrLostAuthentication = errors.New("auth: cloned session lost authentication")
)

// IsFatal reports whether err must terminate the run before any page
// work begins.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMFARequired)
}
