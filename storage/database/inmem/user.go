package inmemdb

import (
	"context"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

type userRepository struct {
	db *DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckUniqueness(_ context.Context, username, email string, excludedUsers ...user.User) error {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	excluded := make(map[string]bool, len(excludedUsers))
	for _, usr := range excludedUsers {
		excluded[usr.ID] = true
	}
	for _, usr := range repo.db.users {
		if excluded[usr.ID] {
			continue
		}
		if username != "" && usr.Username == username {
			return user.ErrUsernameExists
		}
		if email != "" && usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, u := range repo.db.users {
		switch {
		case usr.Username != "" && u.Username == usr.Username:
			return user.User{}, core.NewConflictError("username", user.ErrUsernameExists)
		case usr.Email != "" && u.Email == usr.Email:
			return user.User{}, core.NewConflictError("email", user.ErrEmailExists)
		}
	}
	usr.ID = newID()
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

func matchUser(usr user.User, filter *user.QueryFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Search != "" &&
		!containsFold(usr.Name, filter.Search) &&
		!containsFold(usr.Username, filter.Search) &&
		!containsFold(usr.Email, filter.Search) {
		return false
	}
	if filter.Roles != nil {
		found := false
		for _, role := range filter.Roles {
			if usr.SystemRole == role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.IsActive != nil && usr.IsActive != *filter.IsActive {
		return false
	}
	return inRange(usr.CreatedAt, filter.CreatedFrom, filter.CreatedTo)
}

func (repo *userRepository) QueryUsers(_ context.Context, filter *user.QueryFilter, ordering []core.DBOrdering) ([]user.User, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	users := make([]user.User, 0, len(repo.db.users))
	for _, usr := range repo.db.users {
		if matchUser(*usr, filter) {
			users = append(users, *usr)
		}
	}

	sortByOrdering(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] }, ordering, func(i, j int, field string) int {
		a, b := users[i], users[j]
		switch field {
		case "name":
			return compareStrings(a.Name, b.Name)
		case "username":
			return compareStrings(a.Username, b.Username)
		case "email":
			return compareStrings(a.Email, b.Email)
		case "is_active":
			return compareBools(a.IsActive, b.IsActive)
		case "system_role":
			return compareStrings(string(a.SystemRole), string(b.SystemRole))
		case "updated_at":
			return compareTimes(a.UpdatedAt, b.UpdatedAt)
		case "last_login":
			return compareTimes(a.LastLogin, b.LastLogin)
		default:
			return compareTimes(a.CreatedAt, b.CreatedAt)
		}
	}, "created_at")
	return users, nil
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if filter.ID != "" {
		if usr, ok := repo.db.users[filter.ID]; ok {
			return *usr, nil
		}
		return user.User{}, user.ErrNotFound
	}

	for _, usr := range repo.db.users {
		switch {
		case filter.Username != "":
			if usr.Username == filter.Username {
				return *usr, nil
			}
		case filter.Email != "":
			if usr.Email == filter.Email {
				return *usr, nil
			}
		case filter.UsernameOrEmail != "":
			if usr.Username == filter.UsernameOrEmail || usr.Email == filter.UsernameOrEmail {
				return *usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	orig, ok := repo.db.users[usr.ID]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	if usr.PasswordHash == nil {
		usr.PasswordHash = orig.PasswordHash
	}
	usr.CreatedAt = orig.CreatedAt
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

// DeleteUsersByID also drops the memberships of the deleted users.
func (repo *userRepository) DeleteUsersByID(_ context.Context, ids ...string) (int, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	var n int
	for _, id := range ids {
		if _, ok := repo.db.users[id]; !ok {
			continue
		}
		delete(repo.db.users, id)
		n++
		for mid, m := range repo.db.memberships {
			if m.UserID == id {
				delete(repo.db.memberships, mid)
			}
		}
	}
	return n, nil
}
