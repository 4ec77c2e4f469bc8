package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
)

func TestRevalidate(t *testing.T) {
	issued := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	usr := user.User{ID: "u1", Name: "Jane", Username: "jane", Email: "jane@x.com", IsActive: true}
	valid := auth.NewSession(usr, issued)

	promoted := usr
	promoted.SystemRole = permission.RoleSuperAdmin
	promoted.Name = "Jane D."

	inactive := usr
	inactive.IsActive = false

	other := usr
	other.ID = "u2"

	tests := []struct {
		name      string
		cur       auth.Session
		fresh     *user.User
		wantOK    bool
		wantState auth.State
		wantID    string
	}{
		{"unauthenticated stays unauthenticated", auth.Session{}, &usr, false, auth.StateUnauthenticated, ""},
		{"invalidated is terminal", auth.Session{State: auth.StateInvalidated}, &usr, false, auth.StateInvalidated, ""},
		{"stale with active user", valid.Stale(), &usr, true, auth.StateValid, "u1"},
		{"valid with active user", valid, &usr, true, auth.StateValid, "u1"},
		{"deleted user", valid.Stale(), nil, false, auth.StateInvalidated, ""},
		{"deactivated user", valid.Stale(), &inactive, false, auth.StateInvalidated, ""},
		{"mismatched user", valid.Stale(), &other, false, auth.StateInvalidated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := auth.Revalidate(tt.cur, tt.fresh)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantID, got.UserID)
			if !ok {
				assert.Empty(t, got.Email)
				assert.False(t, got.IsSuperAdmin)
			}
		})
	}

	t.Run("fresh data wins over token claims", func(t *testing.T) {
		got, ok := auth.Revalidate(valid.Stale(), &promoted)
		assert.True(t, ok)
		assert.True(t, got.IsSuperAdmin)
		assert.Equal(t, permission.RoleSuperAdmin, got.SystemRole)
		assert.Equal(t, "Jane D.", got.Name)
		assert.Equal(t, issued, got.OrigIssuedAt)
	})

	t.Run("is pure", func(t *testing.T) {
		cur := valid.Stale()
		first, _ := auth.Revalidate(cur, &usr)
		second, _ := auth.Revalidate(cur, &usr)
		assert.Equal(t, first, second)
		assert.Equal(t, auth.StateStale, cur.State)
	})
}

func TestCheckAuth(t *testing.T) {
	usr := user.User{ID: "u1", IsActive: true}
	valid := auth.NewSession(usr, time.Now())

	assert.NoError(t, auth.CheckAuth(valid))
	assert.Equal(t, auth.ErrUnauthenticated, auth.CheckAuth(auth.Session{}))
	assert.Equal(t, auth.ErrUnauthenticated, auth.CheckAuth(valid.Stale()))
	assert.Equal(t, auth.ErrInactiveUser, auth.CheckAuth(auth.Session{State: auth.StateInvalidated}))

	inactive := valid
	inactive.IsActive = false
	assert.Equal(t, auth.ErrInactiveUser, auth.CheckAuth(inactive))
}

func TestSession_Stale(t *testing.T) {
	assert.Equal(t, auth.Session{}, auth.Session{State: auth.StateValid}.Stale())

	s := auth.NewSession(user.User{ID: "u1", IsActive: true}, time.Now()).Stale()
	assert.Equal(t, auth.StateStale, s.State)
	assert.False(t, s.IsValid())
	assert.Equal(t, "stale", s.State.String())
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, auth.IsAuthError(auth.ErrUnauthenticated))
	assert.True(t, auth.IsAuthError(auth.ErrInactiveUser))
	assert.True(t, auth.IsAuthError(auth.ErrInsufficientPermissions))
	assert.False(t, auth.IsAuthError(assert.AnError))
	assert.False(t, auth.IsAuthError(nil))
}
