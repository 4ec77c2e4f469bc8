package auth

import (
	"time"

	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
)

// State is the lifecycle state of a Session.
//
//	Unauthenticated --login--> Valid
//	Stale --Revalidate(active user)--> Valid
//	Stale --Revalidate(missing|inactive user)--> Invalidated
//
// Invalidated is terminal until a fresh login.
type State int

const (
	StateUnauthenticated State = iota
	StateValid
	StateStale
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateStale:
		return "stale"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unauthenticated"
	}
}

// Session is the identity carried by a request.
type Session struct {
	UserID       string
	Email        string
	Username     string
	Name         string
	SystemRole   permission.SystemRole
	IsActive     bool
	IsSuperAdmin bool
	OrigIssuedAt time.Time
	State        State
}

// NewSession returns a Valid session for a freshly authenticated user.
func NewSession(usr user.User, origIssuedAt time.Time) Session {
	return Session{
		UserID:       usr.ID,
		Email:        usr.Email,
		Username:     usr.Username,
		Name:         usr.Name,
		SystemRole:   usr.SystemRole,
		IsActive:     usr.IsActive,
		IsSuperAdmin: usr.IsSuperAdmin(),
		OrigIssuedAt: origIssuedAt.UTC(),
		State:        StateValid,
	}
}

// Stale marks a session decoded from a token: its flags must not be trusted until revalidated.
func (s Session) Stale() Session {
	if s.UserID == "" {
		return Session{}
	}
	s.State = StateStale
	return s
}

func (s Session) IsValid() bool {
	return s.State == StateValid && s.UserID != "" && s.IsActive
}

// User returns the minimal user.User represented by the session (for logging).
func (s Session) User() user.User {
	return user.User{ID: s.UserID, Username: s.Username, Email: s.Email, Name: s.Name}
}

// Revalidate recomputes cur from the current user record. fresh is nil when the user no longer exists.
// It returns the new session and whether it is valid. A missing or inactive user yields an
// Invalidated session holding no identity.
func Revalidate(cur Session, fresh *user.User) (Session, bool) {
	switch cur.State {
	case StateUnauthenticated:
		return Session{}, false
	case StateInvalidated:
		return invalidated(), false
	}
	if cur.UserID == "" || fresh == nil || fresh.ID != cur.UserID || !fresh.IsActive {
		return invalidated(), false
	}

	next := NewSession(*fresh, cur.OrigIssuedAt)
	return next, true
}

func invalidated() Session {
	return Session{State: StateInvalidated}
}

// CheckAuth maps a revalidated session to the guard errors.
func CheckAuth(s Session) error {
	switch {
	case s.State == StateInvalidated:
		return ErrInactiveUser
	case s.State == StateUnauthenticated || s.UserID == "":
		return ErrUnauthenticated
	case !s.IsActive:
		return ErrInactiveUser
	case s.State != StateValid:
		return ErrUnauthenticated
	}
	return nil
}
