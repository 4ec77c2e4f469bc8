package school_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/testutil"
)

func TestNewSchool_Validate(t *testing.T) {
	env := testutil.NewEnv(t)

	tests := []struct {
		name      string
		ns        school.NewSchool
		wantField string
	}{
		{"valid", school.NewSchool{Name: "Lycée A", Code: " Lycee-A ", Email: "A@x.com"}, ""},
		{"missing name", school.NewSchool{Code: "a", Email: "a@x.com"}, "name"},
		{"bad code", school.NewSchool{Name: "A", Code: "lycée a", Email: "a@x.com"}, "code"},
		{"dangling dash", school.NewSchool{Name: "A", Code: "a-", Email: "a@x.com"}, "code"},
		{"bad email", school.NewSchool{Name: "A", Code: "a", Email: "nope"}, "email"},
		{"negative credits", school.NewSchool{Name: "A", Code: "a", Email: "a@x.com", Credits: -1}, "credits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ns.Validate(env.Validate)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "lycee-a", tt.ns.Code)
				assert.Equal(t, "a@x.com", tt.ns.Email)
				return
			}
			var vErrs validator.ValidationErrors
			require.True(t, errors.As(err, &vErrs))
			assert.Equal(t, tt.wantField, vErrs[0].Field())
		})
	}
}

func TestService_CreateDuplicate(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.CreateSchool(t, "lycee-a", 0)

	before, err := env.Schools.Query(ctx, nil, nil)
	require.NoError(t, err)

	_, err = env.Schools.Create(ctx, school.NewSchool{Name: "Other", Code: "lycee-a", Email: "other@x.com"})
	var cErr *core.ConflictError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "code", cErr.Field)

	_, err = env.Schools.Create(ctx, school.NewSchool{Name: "Other", Code: "other", Email: "lycee-a@school.test"})
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "email", cErr.Field)

	after, err := env.Schools.Query(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "nothing must be written")
}

func TestService_QueryAndUpdate(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	schA := env.CreateSchool(t, "a", 10)
	schB := env.CreateSchool(t, "b", 0)

	schools, err := env.Schools.Query(ctx, &school.QueryFilter{IDs: []string{}}, nil)
	require.NoError(t, err)
	assert.Empty(t, schools)

	schools, err = env.Schools.Query(ctx, &school.QueryFilter{IDs: []string{schB.ID}}, nil)
	require.NoError(t, err)
	require.Len(t, schools, 1)
	assert.Equal(t, schB.ID, schools[0].ID)

	schools, err = env.Schools.Query(ctx, nil, []core.DBOrdering{{Field: "credits", Ascending: false}})
	require.NoError(t, err)
	assert.Equal(t, schA.ID, schools[0].ID)

	us := school.UpdateSchool{Code: "b"}
	require.NoError(t, us.Validate(schA, env.Validate))
	_, err = env.Schools.Update(ctx, schA, us)
	var cErr *core.ConflictError
	require.True(t, errors.As(err, &cErr))

	phone := " +243 81 000 "
	us = school.UpdateSchool{Name: "School A+", Phone: &phone}
	require.NoError(t, us.Validate(schA, env.Validate))
	sch, err := env.Schools.Update(ctx, schA, us)
	require.NoError(t, err)
	assert.Equal(t, "School A+", sch.Name)
	assert.Equal(t, "a", sch.Code)
	assert.Equal(t, "+243 81 000", sch.Phone)
	assert.Equal(t, 10, sch.Credits)

	got, err := env.Schools.GetByCode(ctx, " A ")
	require.NoError(t, err)
	assert.Equal(t, schA.ID, got.ID)

	_, err = env.Schools.GetByID(ctx, "")
	assert.True(t, core.IsNotFound(err))
}

func TestService_AdjustCredits(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	sch := env.CreateSchool(t, "a", 5)

	sch, err := env.Schools.AdjustCredits(ctx, sch.ID, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, sch.Credits)

	_, err = env.Schools.AdjustCredits(ctx, sch.ID, -1)
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "credits", vErr.Fields[0].Field)

	_, err = env.Schools.AdjustCredits(ctx, "nope", 1)
	assert.True(t, core.IsNotFound(err))

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		sch, err := env.Schools.AdjustCredits(ctx, sch.ID, 10)
		require.NoError(t, err)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := env.Schools.AdjustCredits(ctx, sch.ID, -1); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, ok)
		sch, err = env.Schools.GetByID(ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, sch.Credits)
	})
}

func TestService_Members(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	schA := env.CreateSchool(t, "a", 0)
	schB := env.CreateSchool(t, "b", 0)
	jane := env.CreateUser(t, "jane", permission.RoleNone, true)
	john := env.CreateUser(t, "john", permission.RoleNone, true)

	m := env.AddMember(t, jane, schA, permission.RoleAdmin)
	assert.True(t, m.IsActive)
	env.AddMember(t, john, schA, permission.RoleStudent)
	env.AddMember(t, jane, schB, permission.RoleTeacher)

	_, err := env.Schools.AddMember(ctx, schA.ID, school.NewMembership{UserID: jane.ID, Role: permission.RoleTeacher})
	var cErr *core.ConflictError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "user_id", cErr.Field)

	members, err := env.Schools.Members(ctx, schA.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "User jane", members[0].Name)

	role := permission.RoleTeacher
	inactive := false
	m, err = env.Schools.UpdateMember(ctx, m, school.UpdateMembership{Role: &role, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, permission.RoleTeacher, m.Role)
	assert.False(t, m.IsActive)

	mine, err := env.Schools.MembershipsOf(ctx, jane.ID, true)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, schB.ID, mine[0].SchoolID)

	mine, err = env.Schools.MembershipsOf(ctx, jane.ID, false)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = env.Schools.Membership(ctx, john.ID, schB.ID)
	assert.True(t, core.IsNotFound(err))
}

func TestNewMembership_Validate(t *testing.T) {
	env := testutil.NewEnv(t)

	nm := school.NewMembership{UserID: "u1", Role: "PRINCIPAL"}
	var vErrs validator.ValidationErrors
	require.True(t, errors.As(nm.Validate(env.Validate), &vErrs))
	assert.Equal(t, "role", vErrs[0].Field())

	nm.Role = permission.RoleTeacher
	assert.NoError(t, nm.Validate(env.Validate))
}
