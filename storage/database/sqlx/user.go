package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
)

const userColumns = `id, name, username, email, is_active, system_role, password_hash, created_at, updated_at, last_login`

type userRow struct {
	ID           string      `db:"id"`
	Name         string      `db:"name"`
	Username     string      `db:"username"`
	Email        null.String `db:"email"`
	IsActive     bool        `db:"is_active"`
	SystemRole   string      `db:"system_role"`
	PasswordHash []byte      `db:"password_hash"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
	LastLogin    null.Time   `db:"last_login"`
}

func newUserRow(usr user.User) userRow {
	return userRow{
		ID:           usr.ID,
		Name:         usr.Name,
		Username:     usr.Username,
		Email:        null.NewString(usr.Email, usr.Email != ""),
		IsActive:     usr.IsActive,
		SystemRole:   string(usr.SystemRole),
		PasswordHash: usr.PasswordHash,
		CreatedAt:    usr.CreatedAt,
		UpdatedAt:    usr.UpdatedAt,
		LastLogin:    null.NewTime(usr.LastLogin, !usr.LastLogin.IsZero()),
	}
}

func (r userRow) user() user.User {
	return user.User{
		ID:           r.ID,
		Name:         r.Name,
		Username:     r.Username,
		Email:        r.Email.String,
		IsActive:     r.IsActive,
		SystemRole:   permission.SystemRole(r.SystemRole),
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		LastLogin:    r.LastLogin.Time.UTC(),
	}
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func userConflict(err error) error {
	switch c, _ := uniqueConstraint(err); c {
	case "user_username_key":
		return core.NewConflictError("username", user.ErrUsernameExists)
	case "user_email_key":
		return core.NewConflictError("email", user.ErrEmailExists)
	}
	return err
}

func (repo *userRepository) CheckUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	w := new(where)
	w.add("(username = ? OR email = ?)", username, email)
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, usr := range excludedUsers {
			ids = append(ids, usr.ID)
		}
		w.add("id NOT IN (?)", ids)
	}
	// a username match ranks first so it is the one reported
	q, args, err := build(repo.db, `SELECT username FROM "user"`+w.String()+` ORDER BY (username = ?) DESC LIMIT 1`, append(w.args, username))
	if err != nil {
		return err
	}

	var found string
	if err = repo.db.GetContext(ctx, &found, q, args...); err != nil {
		if isNoRows(err) {
			return nil
		}
		return errors.Wrap(err, "checking user uniqueness")
	}
	if username != "" && found == username {
		return user.ErrUsernameExists
	}
	return user.ErrEmailExists
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	usr.ID = newID()
	q := `INSERT INTO "user" (` + userColumns + `)
		VALUES (:id, :name, :username, :email, :is_active, :system_role, :password_hash, :created_at, :updated_at, :last_login)`
	if _, err := repo.db.NamedExecContext(ctx, q, newUserRow(usr)); err != nil {
		return user.User{}, userConflict(errors.Wrap(err, "inserting user"))
	}
	return usr, nil
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering) ([]user.User, error) {
	w := new(where)
	if filter != nil {
		if filter.Search != "" {
			p := likePattern(filter.Search)
			w.add("(name ILIKE ? OR username ILIKE ? OR email ILIKE ?)", p, p, p)
		}
		if filter.Roles != nil {
			if len(filter.Roles) == 0 {
				w.add("FALSE")
			} else {
				roles := make([]string, 0, len(filter.Roles))
				for _, r := range filter.Roles {
					roles = append(roles, string(r))
				}
				w.add("system_role IN (?)", roles)
			}
		}
		if filter.IsActive != nil {
			w.add("is_active = ?", *filter.IsActive)
		}
		if !filter.CreatedFrom.IsZero() {
			w.add("created_at >= ?", filter.CreatedFrom)
		}
		if !filter.CreatedTo.IsZero() {
			w.add("created_at < ?", filter.CreatedTo)
		}
	}
	q, args, err := build(repo.db, `SELECT `+userColumns+` FROM "user"`+w.String()+orderBy(ordering, "created_at ASC"), w.args)
	if err != nil {
		return nil, err
	}

	var rows []userRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	users := make([]user.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.user())
	}
	return users, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	w := new(where)
	switch {
	case filter.ID != "":
		w.add("id = ?", filter.ID)
	case filter.Username != "":
		w.add("username = ?", filter.Username)
	case filter.Email != "":
		w.add("email = ?", filter.Email)
	case filter.UsernameOrEmail != "":
		w.add("(username = ? OR email = ?)", filter.UsernameOrEmail, filter.UsernameOrEmail)
	default:
		return user.User{}, user.ErrNotFound
	}
	q, args, err := build(repo.db, `SELECT `+userColumns+` FROM "user"`+w.String()+` LIMIT 1`, w.args)
	if err != nil {
		return user.User{}, err
	}

	var row userRow
	if err = repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if isNoRows(err) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "getting user")
	}
	return row.user(), nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	q := `UPDATE "user" SET name = :name, username = :username, email = :email, is_active = :is_active,
		system_role = :system_role, password_hash = COALESCE(:password_hash, password_hash),
		updated_at = :updated_at, last_login = :last_login
		WHERE id = :id`
	res, err := repo.db.NamedExecContext(ctx, q, newUserRow(usr))
	if err != nil {
		return user.User{}, userConflict(errors.Wrap(err, "updating user"))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return repo.GetUser(ctx, user.GetFilter{ID: usr.ID})
}

// DeleteUsersByID also deletes the memberships of the users (ON DELETE CASCADE).
func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := build(repo.db, `DELETE FROM "user" WHERE id IN (?)`, []interface{}{ids})
	if err != nil {
		return 0, err
	}
	res, err := repo.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting users")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting deleted users")
	}
	return int(n), nil
}
