package inmemdb

import (
	"context"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/school"
)

type schoolRepository struct {
	db *DB
}

var _ school.Repository = (*schoolRepository)(nil)

func NewSchoolRepository(db *DB) school.Repository {
	return &schoolRepository{db: db}
}

func (repo *schoolRepository) CheckUniqueness(_ context.Context, code, email string, excludedSchools ...school.School) error {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	excluded := make(map[string]bool, len(excludedSchools))
	for _, sch := range excludedSchools {
		excluded[sch.ID] = true
	}
	for _, sch := range repo.db.schools {
		if excluded[sch.ID] {
			continue
		}
		if code != "" && sch.Code == code {
			return school.ErrCodeExists
		}
		if email != "" && sch.Email == email {
			return school.ErrEmailExists
		}
	}
	return nil
}

// CreateSchool re-checks the code under the write lock, as the unique index does in SQL.
func (repo *schoolRepository) CreateSchool(_ context.Context, sch school.School) (school.School, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, s := range repo.db.schools {
		switch {
		case s.Code == sch.Code:
			return school.School{}, core.NewConflictError("code", school.ErrCodeExists)
		case sch.Email != "" && s.Email == sch.Email:
			return school.School{}, core.NewConflictError("email", school.ErrEmailExists)
		}
	}
	sch.ID = newID()
	repo.db.schools[sch.ID] = &sch
	return sch, nil
}

func matchSchool(sch school.School, filter *school.QueryFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Search != "" &&
		!containsFold(sch.Name, filter.Search) &&
		!containsFold(sch.Code, filter.Search) &&
		!containsFold(sch.Email, filter.Search) {
		return false
	}
	if filter.IsActive != nil && sch.IsActive != *filter.IsActive {
		return false
	}
	if filter.IDs != nil {
		for _, id := range filter.IDs {
			if sch.ID == id {
				return true
			}
		}
		return false
	}
	return true
}

func (repo *schoolRepository) QuerySchools(_ context.Context, filter *school.QueryFilter, ordering []core.DBOrdering) ([]school.School, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	schools := make([]school.School, 0, len(repo.db.schools))
	for _, sch := range repo.db.schools {
		if matchSchool(*sch, filter) {
			schools = append(schools, *sch)
		}
	}

	sortByOrdering(len(schools), func(i, j int) { schools[i], schools[j] = schools[j], schools[i] }, ordering, func(i, j int, field string) int {
		a, b := schools[i], schools[j]
		switch field {
		case "name":
			return compareStrings(a.Name, b.Name)
		case "code":
			return compareStrings(a.Code, b.Code)
		case "email":
			return compareStrings(a.Email, b.Email)
		case "is_active":
			return compareBools(a.IsActive, b.IsActive)
		case "credits":
			return compareInts(a.Credits, b.Credits)
		case "updated_at":
			return compareTimes(a.UpdatedAt, b.UpdatedAt)
		default:
			return compareTimes(a.CreatedAt, b.CreatedAt)
		}
	}, "created_at")
	return schools, nil
}

func (repo *schoolRepository) GetSchool(_ context.Context, filter school.GetFilter) (school.School, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if filter.ID != "" {
		if sch, ok := repo.db.schools[filter.ID]; ok {
			return *sch, nil
		}
		return school.School{}, school.ErrNotFound
	}
	if filter.Code != "" {
		for _, sch := range repo.db.schools {
			if sch.Code == filter.Code {
				return *sch, nil
			}
		}
	}
	return school.School{}, school.ErrNotFound
}

// UpdateSchool never touches the credits; see AdjustCredits.
func (repo *schoolRepository) UpdateSchool(_ context.Context, sch school.School) (school.School, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	orig, ok := repo.db.schools[sch.ID]
	if !ok {
		return school.School{}, school.ErrNotFound
	}
	sch.Credits = orig.Credits
	sch.CreatedAt = orig.CreatedAt
	repo.db.schools[sch.ID] = &sch
	return sch, nil
}

func (repo *schoolRepository) AdjustCredits(_ context.Context, id string, delta int) (school.School, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	sch, ok := repo.db.schools[id]
	if !ok {
		return school.School{}, school.ErrNotFound
	}
	if sch.Credits+delta < 0 {
		return school.School{}, school.ErrInsufficientCredits
	}
	sch.Credits += delta
	return *sch, nil
}

func (repo *schoolRepository) findMembership(userID, schoolID string) (*school.Membership, bool) {
	for _, m := range repo.db.memberships {
		if m.UserID == userID && m.SchoolID == schoolID {
			return m, true
		}
	}
	return nil, false
}

func (repo *schoolRepository) CreateMembership(_ context.Context, m school.Membership) (school.Membership, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.users[m.UserID]; !ok {
		return school.Membership{}, core.NewValidationError(nil, core.FieldError{Field: "user_id", Error: "unknown user"})
	}
	if _, ok := repo.db.schools[m.SchoolID]; !ok {
		return school.Membership{}, school.ErrNotFound
	}
	if _, ok := repo.findMembership(m.UserID, m.SchoolID); ok {
		return school.Membership{}, core.NewConflictError("user_id", school.ErrMembershipExists)
	}
	m.ID = newID()
	repo.db.memberships[m.ID] = &m
	return m, nil
}

func (repo *schoolRepository) GetMembership(_ context.Context, userID, schoolID string) (school.Membership, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if m, ok := repo.findMembership(userID, schoolID); ok {
		return *m, nil
	}
	return school.Membership{}, school.ErrMembershipNotFound
}

func (repo *schoolRepository) UpdateMembership(_ context.Context, m school.Membership) (school.Membership, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	orig, ok := repo.db.memberships[m.ID]
	if !ok {
		return school.Membership{}, school.ErrMembershipNotFound
	}
	orig.Role = m.Role
	orig.IsActive = m.IsActive
	return *orig, nil
}

// QueryMembers joins memberships with their user & school, ordered by school then user name.
func (repo *schoolRepository) QueryMembers(_ context.Context, filter school.MembershipFilter) ([]school.Member, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	members := make([]school.Member, 0)
	for _, m := range repo.db.memberships {
		if filter.UserID != "" && m.UserID != filter.UserID {
			continue
		}
		if filter.SchoolID != "" && m.SchoolID != filter.SchoolID {
			continue
		}
		if filter.Roles != nil {
			found := false
			for _, role := range filter.Roles {
				if m.Role == role {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		usr, uok := repo.db.users[m.UserID]
		sch, sok := repo.db.schools[m.SchoolID]
		if !uok || !sok {
			continue
		}
		if filter.ActiveOnly && (!m.IsActive || !sch.IsActive) {
			continue
		}
		members = append(members, school.Member{
			Membership: *m,
			Name:       usr.Name,
			Username:   usr.Username,
			Email:      usr.Email,
			SchoolName: sch.Name,
			SchoolCode: sch.Code,
		})
	}

	sortByOrdering(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] }, nil, func(i, j int, field string) int {
		a, b := members[i], members[j]
		if c := compareStrings(a.SchoolName, b.SchoolName); c != 0 {
			return c
		}
		return compareStrings(a.Name, b.Name)
	}, "name")
	return members, nil
}
