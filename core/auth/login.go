package auth

import (
	"context"
	"regexp"
	"strings"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
)

var schoolCodeRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// Authenticator verifies login credentials.
//
// Identifiers of the form `username@schoolcode` (a code holds no dot, unlike an e-mail domain)
// naming an existing school are resolved within that school only: the user must hold an active
// membership there, and no fallback happens on failure. Any other identifier is matched against
// raw usernames & e-mails, if legacy login is allowed.
type Authenticator struct {
	users       user.Service
	schools     school.Service
	allowLegacy bool
}

func NewAuthenticator(users user.Service, schools school.Service, conf *core.Config) *Authenticator {
	vala.BeginValidation().Validate(
		vala.IsNotNil(users, "users"),
		vala.IsNotNil(schools, "schools"),
		vala.IsNotNil(conf, "conf"),
	).CheckAndPanic()

	return &Authenticator{users: users, schools: schools, allowLegacy: conf.Auth.AllowLegacyLogin}
}

// splitScoped splits `username@schoolcode`; ok is false for anything else (e-mails included).
func splitScoped(identifier string) (uname, code string, ok bool) {
	i := strings.LastIndex(identifier, "@")
	if i <= 0 || i == len(identifier)-1 {
		return "", "", false
	}
	uname, code = identifier[:i], identifier[i+1:]
	if !schoolCodeRegex.MatchString(code) {
		return "", "", false
	}
	return uname, code, true
}

// Authenticate returns the user matching the credentials, with its last login updated.
func (a *Authenticator) Authenticate(ctx context.Context, identifier, pwd string) (user.User, error) {
	identifier = core.CleanString(identifier, true /* lower */)
	if identifier == "" || pwd == "" {
		return user.User{}, ErrAuthenticationFailed
	}

	usr, err := a.lookup(ctx, identifier)
	if err != nil {
		return user.User{}, err
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return user.User{}, ErrAuthenticationFailed
	}
	if !usr.IsActive {
		return user.User{}, ErrInactiveUser
	}

	usr, err = a.users.SetLastLogin(ctx, usr)
	if err != nil {
		return user.User{}, errors.Wrap(err, "setting lastLogin")
	}
	return usr, nil
}

func (a *Authenticator) lookup(ctx context.Context, identifier string) (user.User, error) {
	if uname, code, ok := splitScoped(identifier); ok {
		sch, err := a.schools.GetByCode(ctx, code)
		switch {
		case err == nil:
			return a.lookupInSchool(ctx, uname, sch)
		case !core.IsNotFound(err):
			return user.User{}, errors.Wrap(err, "finding school by code")
		}
	}

	if !a.allowLegacy {
		return user.User{}, ErrAuthenticationFailed
	}
	usr, err := a.users.GetByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if core.IsNotFound(err) {
			return user.User{}, ErrAuthenticationFailed
		}
		return user.User{}, errors.Wrap(err, "finding user by username or email")
	}
	return usr, nil
}

func (a *Authenticator) lookupInSchool(ctx context.Context, uname string, sch school.School) (user.User, error) {
	if !sch.IsActive {
		return user.User{}, ErrAuthenticationFailed
	}
	usr, err := a.users.GetByUsername(ctx, uname)
	if err != nil {
		if core.IsNotFound(err) {
			return user.User{}, ErrAuthenticationFailed
		}
		return user.User{}, errors.Wrap(err, "finding user by username")
	}
	m, err := a.schools.Membership(ctx, usr.ID, sch.ID)
	if err != nil {
		if core.IsNotFound(err) {
			return user.User{}, ErrAuthenticationFailed
		}
		return user.User{}, errors.Wrap(err, "finding membership")
	}
	if !m.IsActive {
		return user.User{}, ErrAuthenticationFailed
	}
	return usr, nil
}
