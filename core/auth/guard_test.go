package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/testutil"
)

type check struct {
	kind    string
	perm    permission.Permission
	allowed bool
}

type recorder struct {
	mu     sync.Mutex
	checks []check
}

func (r *recorder) RecordCheck(kind string, perm permission.Permission, allowed bool) {
	r.mu.Lock()
	r.checks = append(r.checks, check{kind, perm, allowed})
	r.mu.Unlock()
}

// brokenUsers fails every user lookup.
type brokenUsers struct {
	user.Service
}

func (brokenUsers) GetByID(context.Context, string) (user.User, error) {
	return user.User{}, errors.New("connection refused")
}

// countingSchools counts the membership lookups.
type countingSchools struct {
	school.Service
	mu    sync.Mutex
	calls int
}

func (s *countingSchools) Membership(ctx context.Context, userID, schoolID string) (school.Membership, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Service.Membership(ctx, userID, schoolID)
}

func TestAuthorizer_HasSystemPermission(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	rec := new(recorder)
	authz := auth.NewAuthorizer(env.Users, env.Schools, env.Logger, rec)

	super := env.CreateUser(t, "root", permission.RoleSuperAdmin, true)
	plain := env.CreateUser(t, "plain", permission.RoleNone, true)
	inactiveSuper := env.CreateUser(t, "retired", permission.RoleSuperAdmin, false)

	for _, p := range permission.All() {
		assert.True(t, authz.HasSystemPermission(ctx, super.ID, p), p)
		assert.False(t, authz.HasSystemPermission(ctx, plain.ID, p), p)
		assert.False(t, authz.HasSystemPermission(ctx, inactiveSuper.ID, p), p)
	}
	assert.False(t, authz.HasSystemPermission(ctx, "unknown", permission.CreateSchool))
	assert.False(t, authz.HasSystemPermission(ctx, "", permission.CreateSchool))
	assert.False(t, authz.HasSystemPermission(ctx, super.ID, permission.Permission("LAUNCH_ROCKETS")))

	require.NotEmpty(t, rec.checks)
	assert.Equal(t, auth.CheckSystem, rec.checks[0].kind)
}

func TestAuthorizer_HasSchoolPermission(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	schools := &countingSchools{Service: env.Schools}
	authz := auth.NewAuthorizer(env.Users, schools, env.Logger)

	schA := env.CreateSchool(t, "school-a", 0)
	schB := env.CreateSchool(t, "school-b", 0)

	super := env.CreateUser(t, "root", permission.RoleSuperAdmin, true)
	admin := env.CreateUser(t, "admin", permission.RoleNone, true)
	teacher := env.CreateUser(t, "teacher", permission.RoleNone, true)
	student := env.CreateUser(t, "student", permission.RoleNone, true)
	outsider := env.CreateUser(t, "outsider", permission.RoleNone, true)
	env.AddMember(t, admin, schA, permission.RoleAdmin)
	env.AddMember(t, teacher, schA, permission.RoleTeacher)
	env.AddMember(t, student, schA, permission.RoleStudent)

	t.Run("super admin needs no membership", func(t *testing.T) {
		before := schools.calls
		for _, p := range permission.All() {
			assert.True(t, authz.HasSchoolPermission(ctx, super.ID, schA.ID, p), p)
			assert.True(t, authz.HasSchoolPermission(ctx, super.ID, "no-such-school", p), p)
		}
		assert.Equal(t, before, schools.calls, "membership must not be looked up for super admins")
	})

	t.Run("role tables", func(t *testing.T) {
		for _, p := range permission.All() {
			assert.Equal(t, permission.SchoolRoleHas(permission.RoleAdmin, p), authz.HasSchoolPermission(ctx, admin.ID, schA.ID, p), p)
			assert.Equal(t, permission.SchoolRoleHas(permission.RoleTeacher, p), authz.HasSchoolPermission(ctx, teacher.ID, schA.ID, p), p)
			assert.Equal(t, permission.SchoolRoleHas(permission.RoleStudent, p), authz.HasSchoolPermission(ctx, student.ID, schA.ID, p), p)
		}
		assert.False(t, authz.HasSchoolPermission(ctx, admin.ID, schA.ID, permission.CreateSchool))
	})

	t.Run("tenant isolation", func(t *testing.T) {
		assert.True(t, authz.HasSchoolPermission(ctx, admin.ID, schA.ID, permission.ManageUsers))
		assert.False(t, authz.HasSchoolPermission(ctx, admin.ID, schB.ID, permission.ManageUsers))
	})

	t.Run("non member is denied", func(t *testing.T) {
		for _, p := range permission.All() {
			assert.False(t, authz.HasSchoolPermission(ctx, outsider.ID, schA.ID, p), p)
		}
	})

	t.Run("unknown permission is denied", func(t *testing.T) {
		assert.False(t, authz.HasSchoolPermission(ctx, admin.ID, schA.ID, permission.Permission("LOL")))
	})

	t.Run("idempotent", func(t *testing.T) {
		first := authz.HasSchoolPermission(ctx, teacher.ID, schA.ID, permission.GradeAssignments)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, authz.HasSchoolPermission(ctx, teacher.ID, schA.ID, permission.GradeAssignments))
		}
	})

	t.Run("inactive membership is denied", func(t *testing.T) {
		m, err := env.Schools.Membership(ctx, student.ID, schA.ID)
		require.NoError(t, err)
		inactive := false
		_, err = env.Schools.UpdateMember(ctx, m, school.UpdateMembership{IsActive: &inactive})
		require.NoError(t, err)
		assert.False(t, authz.HasSchoolPermission(ctx, student.ID, schA.ID, permission.ViewClasses))
	})

	t.Run("deactivated user is denied", func(t *testing.T) {
		_, err := env.Users.Deactivate(ctx, teacher.ID)
		require.NoError(t, err)
		assert.False(t, authz.HasSchoolPermission(ctx, teacher.ID, schA.ID, permission.ViewClasses))
	})
}

func TestAuthorizer_FailsClosed(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	super := env.CreateUser(t, "root", permission.RoleSuperAdmin, true)
	authz := auth.NewAuthorizer(&brokenUsers{env.Users}, env.Schools, env.Logger)

	assert.False(t, authz.HasSystemPermission(ctx, super.ID, permission.CreateSchool))
	assert.False(t, authz.HasSchoolPermission(ctx, super.ID, "any", permission.ViewClasses))
	assert.NotEmpty(t, env.Logger.Entries("error"))

	_, err := authz.RequireAuth(ctx, auth.NewSession(super, time.Now()).Stale())
	assert.Error(t, err)
}

func TestAuthorizer_Guards(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	authz := auth.NewAuthorizer(env.Users, env.Schools, env.Logger)

	schA := env.CreateSchool(t, "school-a", 0)
	schB := env.CreateSchool(t, "school-b", 0)
	admin := env.CreateUser(t, "admin", permission.RoleNone, true)
	env.AddMember(t, admin, schA, permission.RoleAdmin)
	super := env.CreateUser(t, "root", permission.RoleSuperAdmin, true)

	t.Run("no session", func(t *testing.T) {
		_, err := authz.RequireAuth(ctx, auth.Session{})
		assert.Equal(t, auth.ErrUnauthenticated, err)
		_, err = authz.RequireSchoolPermission(ctx, auth.Session{}, schA.ID, permission.ViewClasses)
		assert.Equal(t, auth.ErrUnauthenticated, err)
	})

	t.Run("school admin in its own school only", func(t *testing.T) {
		s := auth.NewSession(admin, time.Now()).Stale()
		got, err := authz.RequireSchoolPermission(ctx, s, schA.ID, permission.ManageUsers)
		require.NoError(t, err)
		assert.Equal(t, auth.StateValid, got.State)

		_, err = authz.RequireSchoolPermission(ctx, s, schB.ID, permission.ManageUsers)
		assert.Equal(t, auth.ErrInsufficientPermissions, err)
	})

	t.Run("system permission", func(t *testing.T) {
		_, err := authz.RequireSystemPermission(ctx, auth.NewSession(super, time.Now()).Stale(), permission.CreateSchool)
		assert.NoError(t, err)
		_, err = authz.RequireSystemPermission(ctx, auth.NewSession(admin, time.Now()).Stale(), permission.CreateSchool)
		assert.Equal(t, auth.ErrInsufficientPermissions, err)
	})

	t.Run("token claims are not trusted", func(t *testing.T) {
		forged := auth.NewSession(admin, time.Now())
		forged.IsSuperAdmin = true
		forged.SystemRole = permission.RoleSuperAdmin
		_, err := authz.RequireSystemPermission(ctx, forged.Stale(), permission.CreateSchool)
		assert.Equal(t, auth.ErrInsufficientPermissions, err)
	})

	t.Run("deleted user", func(t *testing.T) {
		gone := env.CreateUser(t, "gone", permission.RoleNone, true)
		s := auth.NewSession(gone, time.Now()).Stale()
		_, err := env.Users.Delete(ctx, gone.ID)
		require.NoError(t, err)

		got, err := authz.RequireAuth(ctx, s)
		assert.Equal(t, auth.ErrInactiveUser, err)
		assert.Equal(t, auth.StateInvalidated, got.State)
		assert.Empty(t, got.UserID)
	})

	t.Run("deactivated user with an old token", func(t *testing.T) {
		old := env.CreateUser(t, "old", permission.RoleSuperAdmin, true)
		s := auth.NewSession(old, time.Now().Add(-24*time.Hour)).Stale()
		_, err := env.Users.Deactivate(ctx, old.ID)
		require.NoError(t, err)

		_, err = authz.RequireSystemPermission(ctx, s, permission.CreateSchool)
		assert.Equal(t, auth.ErrInactiveUser, err)
	})
}

func TestAuthorizer_EffectivePermissions(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	authz := auth.NewAuthorizer(env.Users, env.Schools, env.Logger)

	schA := env.CreateSchool(t, "school-a", 0)
	schB := env.CreateSchool(t, "school-b", 0)
	usr := env.CreateUser(t, "jane", permission.RoleNone, true)
	env.AddMember(t, usr, schA, permission.RoleTeacher)
	env.AddMember(t, usr, schB, permission.RoleStudent)

	sum, err := authz.EffectivePermissions(ctx, usr.ID)
	require.NoError(t, err)
	assert.False(t, sum.IsSuperAdmin)
	assert.Empty(t, sum.System)
	require.Len(t, sum.Schools, 2)
	assert.Equal(t, "School school-a", sum.Schools[0].SchoolName)
	assert.Equal(t, permission.RoleTeacher, sum.Schools[0].Role)
	assert.ElementsMatch(t, permission.PermissionsOfSchoolRole(permission.RoleTeacher), sum.Schools[0].Permissions)
	assert.Equal(t, permission.RoleStudent, sum.Schools[1].Role)

	super := env.CreateUser(t, "root", permission.RoleSuperAdmin, true)
	sum, err = authz.EffectivePermissions(ctx, super.ID)
	require.NoError(t, err)
	assert.True(t, sum.IsSuperAdmin)
	assert.ElementsMatch(t, []permission.Permission{
		permission.CreateSchool, permission.ViewAllSchools, permission.ManageCredits, permission.ManageSystem,
	}, sum.System)

	_, err = authz.EffectivePermissions(ctx, "unknown")
	assert.Equal(t, auth.ErrInactiveUser, err)
}

func TestAuthorizer_ManagedSchools(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	authz := auth.NewAuthorizer(env.Users, env.Schools, env.Logger)

	schA := env.CreateSchool(t, "school-a", 0)
	schB := env.CreateSchool(t, "school-b", 0)
	env.CreateSchool(t, "school-c", 0)

	usr := env.CreateUser(t, "jane", permission.RoleNone, true)
	env.AddMember(t, usr, schA, permission.RoleAdmin)
	env.AddMember(t, usr, schB, permission.RoleTeacher)

	schools, err := authz.ManagedSchools(ctx, usr.ID)
	require.NoError(t, err)
	require.Len(t, schools, 1)
	assert.Equal(t, schA.ID, schools[0].ID)

	loner := env.CreateUser(t, "loner", permission.RoleNone, true)
	schools, err = authz.ManagedSchools(ctx, loner.ID)
	require.NoError(t, err)
	assert.Empty(t, schools)

	super := env.CreateUser(t, "root", permission.RoleSuperAdmin, true)
	schools, err = authz.ManagedSchools(ctx, super.ID)
	require.NoError(t, err)
	assert.Len(t, schools, 3)
	assert.Equal(t, "School school-a", schools[0].Name)
}
