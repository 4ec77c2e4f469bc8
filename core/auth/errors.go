package auth

import "github.com/pkg/errors"

var (
	// ErrUnauthenticated means there is no usable session: the caller must sign in.
	ErrUnauthenticated = errors.New("user not authenticated")
	// ErrInactiveUser means the session references a user that was deleted or deactivated:
	// the caller must be signed out.
	ErrInactiveUser = errors.New("account deactivated or deleted")
	// ErrInsufficientPermissions means the user is authenticated but lacks the required permission.
	ErrInsufficientPermissions = errors.New("permission denied")
	// ErrAuthenticationFailed means the provided credentials do not match an account.
	ErrAuthenticationFailed = errors.New("invalid credentials")
)

// IsAuthError reports whether err is one of the errors above.
func IsAuthError(err error) bool {
	switch errors.Cause(err) {
	case ErrUnauthenticated, ErrInactiveUser, ErrInsufficientPermissions, ErrAuthenticationFailed:
		return true
	}
	return false
}
