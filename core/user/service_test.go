package user_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/testutil"
)

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var flds []string
	var vErrs validator.ValidationErrors
	var vErr *core.ValidationError
	var cErr *core.ConflictError
	switch {
	case errors.As(err, &vErrs):
		for _, fe := range vErrs {
			flds = append(flds, fe.Field())
		}
	case errors.As(err, &vErr):
		for _, fe := range vErr.Fields {
			flds = append(flds, fe.Field)
		}
	case errors.As(err, &cErr):
		flds = append(flds, cErr.Field)
	default:
		t.Fatalf("not a validation error: %v", err)
	}
	return flds
}

func TestNewUser_Validate(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.CreateUser(t, "taken", permission.RoleNone, true)

	valid := func() user.NewUser {
		return user.NewUser{
			Name:            "Jane Doe",
			Username:        "jane",
			Email:           "jane@x.com",
			Password:        testutil.Password,
			PasswordConfirm: testutil.Password,
		}
	}

	tests := []struct {
		name       string
		mutate     func(nu *user.NewUser)
		wantFields []string
	}{
		{"valid", func(nu *user.NewUser) {}, nil},
		{"missing name", func(nu *user.NewUser) { nu.Name = " " }, []string{"name"}},
		{"no username nor email", func(nu *user.NewUser) { nu.Username, nu.Email = "", "" }, []string{"username", "email"}},
		{"bad username", func(nu *user.NewUser) { nu.Username = "ja-ne" }, []string{"username"}},
		{"bad email", func(nu *user.NewUser) { nu.Email = "jane" }, []string{"email"}},
		{"passwords mismatch", func(nu *user.NewUser) { nu.PasswordConfirm = "other" }, []string{"password_confirm"}},
		{"short password", func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "Ab1.", "Ab1." }, []string{"password"}},
		{"numeric password", func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "1234567890", "1234567890" }, []string{"password"}},
		{"simple password", func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "abcdefghij", "abcdefghij" }, []string{"password"}},
		{"common password", func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "P@$$w0rd", "P@$$w0rd" }, []string{"password"}},
		{"password like username", func(nu *user.NewUser) {
			nu.Username = "jeanmarc"
			nu.Password, nu.PasswordConfirm = "Jeanmarc.1", "Jeanmarc.1"
		}, []string{"password"}},
		{"bad system role", func(nu *user.NewUser) { nu.SystemRole = "KING" }, []string{"system_role"}},
		{"username taken", func(nu *user.NewUser) { nu.Username = "Taken" }, []string{"username"}},
		{"email taken", func(nu *user.NewUser) { nu.Email = "taken@masomo.test" }, []string{"email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nu := valid()
			tt.mutate(&nu)
			err := nu.Validate(ctx, env.Validate, env.Users)
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ElementsMatch(t, tt.wantFields, fieldsOf(t, err))
		})
	}
}

func TestService_CreateAndGet(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	usr, err := env.Users.Create(ctx, user.NewUser{
		Name:     "Jane",
		Username: "jane",
		Email:    "jane@x.com",
		Password: testutil.Password,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, usr.ID)
	assert.True(t, usr.IsActive)
	assert.NoError(t, usr.CheckPassword(testutil.Password))

	for _, get := range []func() (user.User, error){
		func() (user.User, error) { return env.Users.GetByID(ctx, usr.ID) },
		func() (user.User, error) { return env.Users.GetByUsername(ctx, "JANE") },
		func() (user.User, error) { return env.Users.GetByEmail(ctx, "jane@x.com") },
		func() (user.User, error) { return env.Users.GetByUsernameOrEmail(ctx, "jane@x.com") },
	} {
		got, err := get()
		require.NoError(t, err)
		assert.Equal(t, usr.ID, got.ID)
	}

	_, err = env.Users.GetByID(ctx, "nope")
	assert.True(t, core.IsNotFound(err))
}

func TestService_Query(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.CreateUser(t, "alice", permission.RoleSuperAdmin, true)
	env.CreateUser(t, "bob", permission.RoleNone, false)
	env.CreateUser(t, "carol", permission.RoleNone, true)

	active := true
	users, err := env.Users.Query(ctx, &user.QueryFilter{IsActive: &active}, []core.DBOrdering{{Field: "username", Ascending: false}})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "carol", users[0].Username)

	users, err = env.Users.Query(ctx, &user.QueryFilter{Roles: []permission.SystemRole{permission.RoleSuperAdmin}}, nil)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	users, err = env.Users.Query(ctx, &user.QueryFilter{Search: "BO"}, nil)
	require.NoError(t, err)
	require.Len(t, users, 1)

	// unknown ordering fields are ignored
	users, err = env.Users.Query(ctx, nil, []core.DBOrdering{{Field: "password_hash"}})
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestService_UpdateAndDeactivate(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	usr := env.CreateUser(t, "jane", permission.RoleNone, true)
	env.CreateUser(t, "john", permission.RoleNone, true)

	uu := user.UpdateUser{Username: "john"}
	err := uu.Validate(ctx, usr, env.Validate, env.Users)
	assert.Equal(t, []string{"username"}, fieldsOf(t, err))

	role := permission.RoleSuperAdmin
	uu = user.UpdateUser{Name: "Jane D.", SystemRole: &role}
	require.NoError(t, uu.Validate(ctx, usr, env.Validate, env.Users))
	usr, err = env.Users.Update(ctx, usr, uu)
	require.NoError(t, err)
	assert.Equal(t, "Jane D.", usr.Name)
	assert.Equal(t, "jane", usr.Username)
	assert.True(t, usr.IsSuperAdmin())
	assert.NoError(t, usr.CheckPassword(testutil.Password), "password hash must be kept")

	usr, err = env.Users.Deactivate(ctx, usr.ID)
	require.NoError(t, err)
	assert.False(t, usr.IsActive)

	n, err := env.Users.Delete(ctx, usr.ID, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_ChangePassword(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	usr := env.CreateUser(t, "jane", permission.RoleNone, true)
	newPwd := "N3w.Passw0rd!"

	cp := user.ChangePassword{CurrentPassword: "wrong", Password: newPwd, PasswordConfirm: newPwd}
	assert.Equal(t, []string{"current_password"}, fieldsOf(t, cp.Validate(usr, env.Validate)))

	cp = user.ChangePassword{CurrentPassword: testutil.Password, Password: newPwd, PasswordConfirm: newPwd}
	require.NoError(t, cp.Validate(usr, env.Validate))
	usr, err := env.Users.ChangePassword(ctx, usr, cp)
	require.NoError(t, err)
	assert.NoError(t, usr.CheckPassword(newPwd))
}

func TestService_PasswordReset(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	usr := env.CreateUser(t, "jane", permission.RoleNone, true)

	assert.True(t, core.IsNotFound(env.Users.RequestPasswordReset(ctx, "nobody@x.com")))
	require.NoError(t, env.Users.RequestPasswordReset(ctx, usr.Email))

	msg, ok := env.Mail.Last()
	require.True(t, ok)
	assert.Equal(t, usr.Email, msg.To[0].Address)
	assert.Contains(t, msg.TextContent, "Hello "+usr.Name)
	assert.NotEmpty(t, msg.HTMLContent)

	m := regexp.MustCompile(`/password-reset/([^/\s]+)/([^/\s]+)`).FindStringSubmatch(msg.TextContent)
	require.Len(t, m, 3)
	uid, token := m[1], m[2]
	newPwd := "N3w.Passw0rd!"

	tests := []struct {
		name      string
		data      user.ResetUserPassword
		wantField string
	}{
		{"bad uid", user.ResetUserPassword{UID: "!!", Token: token, Password: newPwd, PasswordConfirm: newPwd}, "uid"},
		{"bad token", user.ResetUserPassword{UID: uid, Token: "1-abc", Password: newPwd, PasswordConfirm: newPwd}, "token"},
		{"ok", user.ResetUserPassword{UID: uid, Token: token, Password: newPwd, PasswordConfirm: newPwd}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.Users.ResetPassword(ctx, tt.data)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			assert.Equal(t, []string{tt.wantField}, fieldsOf(t, err))
		})
	}

	usr, err := env.Users.GetByID(ctx, usr.ID)
	require.NoError(t, err)
	assert.NoError(t, usr.CheckPassword(newPwd))

	// a token is single use: the password hash is part of it
	assert.Equal(t, []string{"token"}, fieldsOf(t, env.Users.ResetPassword(ctx, user.ResetUserPassword{
		UID: uid, Token: token, Password: "An0ther.Pwd!", PasswordConfirm: "An0ther.Pwd!",
	})))
}
