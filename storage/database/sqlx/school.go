package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
)

const (
	schoolColumns     = `id, name, code, email, phone, address, is_active, credits, created_at, updated_at`
	membershipColumns = `id, user_id, school_id, role, is_active, joined_at`
)

type schoolRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Code      string    `db:"code"`
	Email     string    `db:"email"`
	Phone     string    `db:"phone"`
	Address   string    `db:"address"`
	IsActive  bool      `db:"is_active"`
	Credits   int       `db:"credits"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r schoolRow) school() school.School {
	return school.School{
		ID:        r.ID,
		Name:      r.Name,
		Code:      r.Code,
		Email:     r.Email,
		Phone:     r.Phone,
		Address:   r.Address,
		IsActive:  r.IsActive,
		Credits:   r.Credits,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// dest lists the fields of r in schoolColumns order, for Scan.
func (r *schoolRow) dest() []interface{} {
	return []interface{}{&r.ID, &r.Name, &r.Code, &r.Email, &r.Phone, &r.Address, &r.IsActive, &r.Credits, &r.CreatedAt, &r.UpdatedAt}
}

type membershipRow struct {
	ID       string    `db:"id"`
	UserID   string    `db:"user_id"`
	SchoolID string    `db:"school_id"`
	Role     string    `db:"role"`
	IsActive bool      `db:"is_active"`
	JoinedAt time.Time `db:"joined_at"`
}

func (r membershipRow) membership() school.Membership {
	return school.Membership{
		ID:       r.ID,
		UserID:   r.UserID,
		SchoolID: r.SchoolID,
		Role:     permission.SchoolRole(r.Role),
		IsActive: r.IsActive,
		JoinedAt: r.JoinedAt.UTC(),
	}
}

type memberRow struct {
	membershipRow
	Name       string `db:"name"`
	Username   string `db:"username"`
	Email      string `db:"email"`
	SchoolName string `db:"school_name"`
	SchoolCode string `db:"school_code"`
}

type schoolRepository struct {
	db *sqlx.DB
}

var _ school.Repository = (*schoolRepository)(nil)

func NewSchoolRepository(db *sqlx.DB) school.Repository {
	return &schoolRepository{db: db}
}

func schoolConflict(err error) error {
	switch c, _ := uniqueConstraint(err); c {
	case "school_code_key":
		return core.NewConflictError("code", school.ErrCodeExists)
	case "school_email_key":
		return core.NewConflictError("email", school.ErrEmailExists)
	case "membership_user_school_key":
		return core.NewConflictError("user_id", school.ErrMembershipExists)
	}
	return err
}

func (repo *schoolRepository) CheckUniqueness(ctx context.Context, code, email string, excludedSchools ...school.School) error {
	w := new(where)
	w.add("(code = ? OR email = ?)", code, email)
	if len(excludedSchools) > 0 {
		ids := make([]string, 0, len(excludedSchools))
		for _, sch := range excludedSchools {
			ids = append(ids, sch.ID)
		}
		w.add("id NOT IN (?)", ids)
	}
	// a code match ranks first so it is the one reported
	q, args, err := build(repo.db, `SELECT code FROM school`+w.String()+` ORDER BY (code = ?) DESC LIMIT 1`, append(w.args, code))
	if err != nil {
		return err
	}

	var found string
	if err = repo.db.GetContext(ctx, &found, q, args...); err != nil {
		if isNoRows(err) {
			return nil
		}
		return errors.Wrap(err, "checking school uniqueness")
	}
	if code != "" && found == code {
		return school.ErrCodeExists
	}
	return school.ErrEmailExists
}

func (repo *schoolRepository) CreateSchool(ctx context.Context, sch school.School) (school.School, error) {
	sch.ID = newID()
	q := `INSERT INTO school (` + schoolColumns + `)
		VALUES (:id, :name, :code, :email, :phone, :address, :is_active, :credits, :created_at, :updated_at)`
	if _, err := repo.db.NamedExecContext(ctx, q, schoolRow(sch)); err != nil {
		return school.School{}, schoolConflict(errors.Wrap(err, "inserting school"))
	}
	return sch, nil
}

func (repo *schoolRepository) QuerySchools(ctx context.Context, filter *school.QueryFilter, ordering []core.DBOrdering) ([]school.School, error) {
	w := new(where)
	if filter != nil {
		if filter.Search != "" {
			p := likePattern(filter.Search)
			w.add("(name ILIKE ? OR code ILIKE ? OR email ILIKE ?)", p, p, p)
		}
		if filter.IsActive != nil {
			w.add("is_active = ?", *filter.IsActive)
		}
		if filter.IDs != nil {
			if len(filter.IDs) == 0 {
				w.add("FALSE")
			} else {
				w.add("id IN (?)", filter.IDs)
			}
		}
	}
	q, args, err := build(repo.db, `SELECT `+schoolColumns+` FROM school`+w.String()+orderBy(ordering, "created_at ASC"), w.args)
	if err != nil {
		return nil, err
	}

	var rows []schoolRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying schools")
	}
	schools := make([]school.School, 0, len(rows))
	for _, r := range rows {
		schools = append(schools, r.school())
	}
	return schools, nil
}

func (repo *schoolRepository) getSchool(ctx context.Context, cond string, arg interface{}) (school.School, error) {
	var row schoolRow
	q := repo.db.Rebind(`SELECT ` + schoolColumns + ` FROM school WHERE ` + cond + ` LIMIT 1`)
	if err := repo.db.GetContext(ctx, &row, q, arg); err != nil {
		if isNoRows(err) {
			return school.School{}, school.ErrNotFound
		}
		return school.School{}, errors.Wrap(err, "getting school")
	}
	return row.school(), nil
}

func (repo *schoolRepository) GetSchool(ctx context.Context, filter school.GetFilter) (school.School, error) {
	switch {
	case filter.ID != "":
		return repo.getSchool(ctx, "id = ?", filter.ID)
	case filter.Code != "":
		return repo.getSchool(ctx, "code = ?", filter.Code)
	}
	return school.School{}, school.ErrNotFound
}

// UpdateSchool never touches the credits; see AdjustCredits.
func (repo *schoolRepository) UpdateSchool(ctx context.Context, sch school.School) (school.School, error) {
	q := `UPDATE school SET name = :name, code = :code, email = :email, phone = :phone, address = :address,
		is_active = :is_active, updated_at = :updated_at
		WHERE id = :id`
	res, err := repo.db.NamedExecContext(ctx, q, schoolRow(sch))
	if err != nil {
		return school.School{}, schoolConflict(errors.Wrap(err, "updating school"))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return school.School{}, school.ErrNotFound
	}
	return repo.GetSchool(ctx, school.GetFilter{ID: sch.ID})
}

// AdjustCredits relies on a single conditional UPDATE, so concurrent debits never overdraw.
func (repo *schoolRepository) AdjustCredits(ctx context.Context, id string, delta int) (school.School, error) {
	var row schoolRow
	q := `UPDATE school SET credits = credits + $2, updated_at = $3
		WHERE id = $1 AND credits + $2 >= 0
		RETURNING ` + schoolColumns
	err := repo.db.GetContext(ctx, &row, q, id, delta, time.Now().UTC())
	if err == nil {
		return row.school(), nil
	}
	if !isNoRows(err) {
		return school.School{}, errors.Wrap(err, "adjusting credits")
	}

	// no row: either unknown school or insufficient balance
	if _, err = repo.GetSchool(ctx, school.GetFilter{ID: id}); err != nil {
		return school.School{}, err
	}
	return school.School{}, school.ErrInsufficientCredits
}

func (repo *schoolRepository) CreateMembership(ctx context.Context, m school.Membership) (school.Membership, error) {
	m.ID = newID()
	q := `INSERT INTO membership (` + membershipColumns + `)
		VALUES (:id, :user_id, :school_id, :role, :is_active, :joined_at)`
	row := membershipRow{
		ID:       m.ID,
		UserID:   m.UserID,
		SchoolID: m.SchoolID,
		Role:     string(m.Role),
		IsActive: m.IsActive,
		JoinedAt: m.JoinedAt,
	}
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return school.Membership{}, schoolConflict(errors.Wrap(err, "inserting membership"))
	}
	return m, nil
}

func (repo *schoolRepository) GetMembership(ctx context.Context, userID, schoolID string) (school.Membership, error) {
	var row membershipRow
	q := `SELECT ` + membershipColumns + ` FROM membership WHERE user_id = $1 AND school_id = $2`
	if err := repo.db.GetContext(ctx, &row, q, userID, schoolID); err != nil {
		if isNoRows(err) {
			return school.Membership{}, school.ErrMembershipNotFound
		}
		return school.Membership{}, errors.Wrap(err, "getting membership")
	}
	return row.membership(), nil
}

func (repo *schoolRepository) UpdateMembership(ctx context.Context, m school.Membership) (school.Membership, error) {
	var row membershipRow
	q := `UPDATE membership SET role = $2, is_active = $3 WHERE id = $1 RETURNING ` + membershipColumns
	if err := repo.db.GetContext(ctx, &row, q, m.ID, string(m.Role), m.IsActive); err != nil {
		if isNoRows(err) {
			return school.Membership{}, school.ErrMembershipNotFound
		}
		return school.Membership{}, errors.Wrap(err, "updating membership")
	}
	return row.membership(), nil
}

func (repo *schoolRepository) QueryMembers(ctx context.Context, filter school.MembershipFilter) ([]school.Member, error) {
	w := new(where)
	if filter.UserID != "" {
		w.add("m.user_id = ?", filter.UserID)
	}
	if filter.SchoolID != "" {
		w.add("m.school_id = ?", filter.SchoolID)
	}
	if filter.Roles != nil {
		if len(filter.Roles) == 0 {
			w.add("FALSE")
		} else {
			roles := make([]string, 0, len(filter.Roles))
			for _, r := range filter.Roles {
				roles = append(roles, string(r))
			}
			w.add("m.role IN (?)", roles)
		}
	}
	if filter.ActiveOnly {
		w.add("m.is_active AND s.is_active")
	}
	q, args, err := build(repo.db, `SELECT m.id, m.user_id, m.school_id, m.role, m.is_active, m.joined_at,
		u.name, u.username, COALESCE(u.email, '') AS email, s.name AS school_name, s.code AS school_code
		FROM membership m
		JOIN "user" u ON u.id = m.user_id
		JOIN school s ON s.id = m.school_id`+w.String()+` ORDER BY s.name, u.name`, w.args)
	if err != nil {
		return nil, err
	}

	var rows []memberRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying members")
	}
	members := make([]school.Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, school.Member{
			Membership: r.membership(),
			Name:       r.Name,
			Username:   r.Username,
			Email:      r.Email,
			SchoolName: r.SchoolName,
			SchoolCode: r.SchoolCode,
		})
	}
	return members, nil
}
