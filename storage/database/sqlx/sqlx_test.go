package sqlxrepos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
	"github.com/trezcool/masomo/core/user"
)

var userCols = []string{"id", "name", "username", "email", "is_active", "system_role", "password_hash", "created_at", "updated_at", "last_login"}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestUserRepository_GetUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(`SELECT .+ FROM "user" WHERE id = \$1 LIMIT 1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "Jane", "jane", nil, true, "SUPER_ADMIN", []byte("hash"), now, now, nil))

	usr, err := repo.GetUser(ctx, user.GetFilter{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "jane", usr.Username)
	assert.Equal(t, "", usr.Email)
	assert.Equal(t, permission.RoleSuperAdmin, usr.SystemRole)
	assert.True(t, usr.LastLogin.IsZero())

	mock.ExpectQuery(`SELECT .+ FROM "user" WHERE \(username = \$1 OR email = \$2\) LIMIT 1`).
		WithArgs("ghost", "ghost").
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err = repo.GetUser(ctx, user.GetFilter{UsernameOrEmail: "ghost"})
	assert.True(t, core.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_CheckUniqueness(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT username FROM "user" WHERE \(username = \$1 OR email = \$2\) AND id NOT IN \(\$3\) ORDER BY \(username = \$4\) DESC LIMIT 1`).
		WithArgs("jane", "jane@x.com", "u2", "jane").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("jane"))
	assert.Equal(t, user.ErrUsernameExists, repo.CheckUniqueness(ctx, "jane", "jane@x.com", user.User{ID: "u2"}))

	mock.ExpectQuery(`SELECT username FROM "user"`).
		WithArgs("bob", "jane@x.com", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("jane"))
	assert.Equal(t, user.ErrEmailExists, repo.CheckUniqueness(ctx, "bob", "jane@x.com"))

	mock.ExpectQuery(`SELECT username FROM "user"`).
		WillReturnRows(sqlmock.NewRows([]string{"username"}))
	assert.NoError(t, repo.CheckUniqueness(ctx, "bob", "bob@x.com"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_CreateUserConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(`INSERT INTO "user"`).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "user_email_key"})

	_, err := repo.CreateUser(context.Background(), user.User{Username: "jane", Email: "jane@x.com"})
	var cErr *core.ConflictError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "email", cErr.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_QueryUsers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)
	active := true

	mock.ExpectQuery(`SELECT .+ FROM "user" WHERE \(name ILIKE \$1 OR username ILIKE \$2 OR email ILIKE \$3\) AND system_role IN \(\$4\) AND is_active = \$5 ORDER BY "name" ASC, created_at ASC`).
		WithArgs("%ja\\_ne%", "%ja\\_ne%", "%ja\\_ne%", "SUPER_ADMIN", true).
		WillReturnRows(sqlmock.NewRows(userCols))

	users, err := repo.QueryUsers(context.Background(), &user.QueryFilter{
		Search:   "ja_ne",
		Roles:    []permission.SystemRole{permission.RoleSuperAdmin},
		IsActive: &active,
	}, []core.DBOrdering{{Field: "name", Ascending: true}})
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.NotNil(t, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var schoolCols = []string{"id", "name", "code", "email", "phone", "address", "is_active", "credits", "created_at", "updated_at"}

func TestSchoolRepository_AdjustCredits(t *testing.T) {
	now := time.Now().UTC()

	t.Run("debit", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSchoolRepository(db)

		mock.ExpectQuery(`UPDATE school SET credits = credits \+ \$2`).
			WithArgs("s1", -5, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(schoolCols).AddRow("s1", "A", "a", "a@x.com", "", "", true, 5, now, now))

		sch, err := repo.AdjustCredits(context.Background(), "s1", -5)
		require.NoError(t, err)
		assert.Equal(t, 5, sch.Credits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient credits", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSchoolRepository(db)

		mock.ExpectQuery(`UPDATE school SET credits`).
			WithArgs("s1", -5, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(schoolCols))
		mock.ExpectQuery(`SELECT .+ FROM school WHERE id = \$1 LIMIT 1`).
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows(schoolCols).AddRow("s1", "A", "a", "a@x.com", "", "", true, 4, now, now))

		_, err := repo.AdjustCredits(context.Background(), "s1", -5)
		assert.Equal(t, school.ErrInsufficientCredits, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown school", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSchoolRepository(db)

		mock.ExpectQuery(`UPDATE school SET credits`).WillReturnRows(sqlmock.NewRows(schoolCols))
		mock.ExpectQuery(`SELECT .+ FROM school WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(schoolCols))

		_, err := repo.AdjustCredits(context.Background(), "nope", 5)
		assert.True(t, core.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSchoolRepository_CheckUniqueness(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSchoolRepository(db)
	ctx := context.Background()

	// one school holds the email, another the code: the code wins
	mock.ExpectQuery(`SELECT code FROM school WHERE \(code = \$1 OR email = \$2\) ORDER BY \(code = \$3\) DESC LIMIT 1`).
		WithArgs("lycee-a", "b@school.test", "lycee-a").
		WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("lycee-a"))
	assert.Equal(t, school.ErrCodeExists, repo.CheckUniqueness(ctx, "lycee-a", "b@school.test"))

	mock.ExpectQuery(`SELECT code FROM school WHERE \(code = \$1 OR email = \$2\) AND id NOT IN \(\$3\) ORDER BY \(code = \$4\) DESC LIMIT 1`).
		WithArgs("lycee-c", "b@school.test", "s1", "lycee-c").
		WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("lycee-b"))
	assert.Equal(t, school.ErrEmailExists, repo.CheckUniqueness(ctx, "lycee-c", "b@school.test", school.School{ID: "s1"}))

	mock.ExpectQuery(`SELECT code FROM school`).
		WillReturnRows(sqlmock.NewRows([]string{"code"}))
	assert.NoError(t, repo.CheckUniqueness(ctx, "lycee-c", "c@school.test"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchoolRepository_CreateSchoolConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSchoolRepository(db)

	mock.ExpectExec(`INSERT INTO school`).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "school_code_key"})

	_, err := repo.CreateSchool(context.Background(), school.School{Name: "A", Code: "a"})
	var cErr *core.ConflictError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "code", cErr.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchoolRepository_QueryMembers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSchoolRepository(db)
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "school_id", "role", "is_active", "joined_at", "name", "username", "email", "school_name", "school_code"}
	mock.ExpectQuery(`FROM membership m .+ WHERE m.user_id = \$1 AND m.is_active AND s.is_active ORDER BY s.name, u.name`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("m1", "u1", "s1", "ADMIN", true, now, "Jane", "jane", "", "School A", "a"))

	members, err := repo.QueryMembers(context.Background(), school.MembershipFilter{UserID: "u1", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, permission.RoleAdmin, members[0].Role)
	assert.Equal(t, "School A", members[0].SchoolName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_AggregateByFeature(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT feature, COUNT\(\*\) AS count .+ WHERE school_id = \$1 AND created_at >= \$2 GROUP BY feature`).
		WithArgs("s1", from).
		WillReturnRows(sqlmock.NewRows([]string{"feature", "count", "credits"}).
			AddRow("trading_card", 2, 10).
			AddRow("translate", 3, 3))

	res, err := repo.AggregateByFeature(context.Background(), usage.Filter{SchoolID: "s1", From: from})
	require.NoError(t, err)
	assert.Equal(t, []usage.FeatureUsage{
		{Feature: usage.FeatureTradingCard, Count: 2, Credits: 10},
		{Feature: usage.FeatureTranslate, Count: 3, Credits: 3},
	}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_DebitAndCreate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	rec := usage.Record{SchoolID: "s1", UserID: "u1", Feature: usage.FeatureTradingCard, Credits: 5, CreatedAt: now}

	t.Run("committed", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE school SET credits = credits - \$2, updated_at = \$3\s+WHERE id = \$1 AND credits >= \$2`).
			WithArgs("s1", 5, now).
			WillReturnRows(sqlmock.NewRows(schoolCols).AddRow("s1", "A", "a", "a@x.com", "", "", true, 3, now, now))
		mock.ExpectExec(`INSERT INTO usage_record`).
			WithArgs(sqlmock.AnyArg(), "s1", "u1", "trading_card", 5, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, sch, err := repo.DebitAndCreate(context.Background(), rec)
		require.NoError(t, err)
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, 3, sch.Credits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient credits", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE school SET credits`).WillReturnRows(sqlmock.NewRows(schoolCols))
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("s1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, _, err := repo.DebitAndCreate(context.Background(), rec)
		assert.Equal(t, school.ErrInsufficientCredits, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown school", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE school SET credits`).WillReturnRows(sqlmock.NewRows(schoolCols))
		mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		_, _, err := repo.DebitAndCreate(context.Background(), rec)
		assert.True(t, core.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed insert rolls the debit back", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE school SET credits`).
			WillReturnRows(sqlmock.NewRows(schoolCols).AddRow("s1", "A", "a", "a@x.com", "", "", true, 3, now, now))
		mock.ExpectExec(`INSERT INTO usage_record`).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, _, err := repo.DebitAndCreate(context.Background(), rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
