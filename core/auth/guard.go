package auth

import (
	"context"
	"sort"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
)

// Check kinds reported to the Recorder.
const (
	CheckSystem = "system"
	CheckSchool = "school"
)

type (
	// Recorder is notified of every permission check outcome.
	Recorder interface {
		RecordCheck(kind string, perm permission.Permission, allowed bool)
	}

	// Authorizer answers permission checks against the system of record.
	// Every check re-reads the store; any lookup failure denies.
	Authorizer struct {
		users    user.Service
		schools  school.Service
		logger   core.Logger
		recorder Recorder
	}

	// SchoolPermissions lists what a user may do in one school.
	SchoolPermissions struct {
		SchoolID    string                  `json:"school_id"`
		SchoolName  string                  `json:"school_name"`
		SchoolCode  string                  `json:"school_code"`
		Role        permission.SchoolRole   `json:"role"`
		Permissions []permission.Permission `json:"permissions"`
		Groups      []permission.Group      `json:"groups"`
	}

	// PermissionSummary lists the effective permissions of a user.
	PermissionSummary struct {
		UserID       string                  `json:"user_id"`
		SystemRole   permission.SystemRole   `json:"system_role"`
		IsSuperAdmin bool                    `json:"is_super_admin"`
		System       []permission.Permission `json:"system"`
		Schools      []SchoolPermissions     `json:"schools"`
	}
)

func NewAuthorizer(users user.Service, schools school.Service, logger core.Logger, recorder ...Recorder) *Authorizer {
	vala.BeginValidation().Validate(
		vala.IsNotNil(users, "users"),
		vala.IsNotNil(schools, "schools"),
		vala.IsNotNil(logger, "logger"),
	).CheckAndPanic()

	a := &Authorizer{users: users, schools: schools, logger: logger}
	if len(recorder) > 0 {
		a.recorder = recorder[0]
	}
	return a
}

func (a *Authorizer) record(kind string, perm permission.Permission, allowed bool) bool {
	if a.recorder != nil {
		a.recorder.RecordCheck(kind, perm, allowed)
	}
	return allowed
}

// activeUser loads the user; missing, inactive & failed lookups all yield false.
func (a *Authorizer) activeUser(ctx context.Context, userID string) (user.User, bool) {
	if userID == "" {
		return user.User{}, false
	}
	usr, err := a.users.GetByID(ctx, userID)
	if err != nil {
		if !core.IsNotFound(err) {
			a.logger.Error("auth: finding user", errors.Wrap(err, "finding user by ID"), user.User{ID: userID})
		}
		return user.User{}, false
	}
	return usr, usr.IsActive
}

// HasSystemPermission reports whether the user's system role grants perm.
func (a *Authorizer) HasSystemPermission(ctx context.Context, userID string, perm permission.Permission) bool {
	usr, ok := a.activeUser(ctx, userID)
	if !ok {
		return a.record(CheckSystem, perm, false)
	}
	return a.record(CheckSystem, perm, permission.SystemRoleHas(usr.SystemRole, perm))
}

// HasSchoolPermission reports whether the user may exercise perm in the school.
// Super-admins are allowed everywhere, before any membership lookup.
// Everyone else needs an active membership whose role grants perm.
func (a *Authorizer) HasSchoolPermission(ctx context.Context, userID, schoolID string, perm permission.Permission) bool {
	usr, ok := a.activeUser(ctx, userID)
	if !ok {
		return a.record(CheckSchool, perm, false)
	}
	if usr.IsSuperAdmin() {
		return a.record(CheckSchool, perm, permission.SystemRoleHas(usr.SystemRole, perm))
	}

	m, err := a.schools.Membership(ctx, userID, schoolID)
	if err != nil {
		if !core.IsNotFound(err) {
			a.logger.Error("auth: finding membership", errors.Wrap(err, "finding membership"), usr)
		}
		return a.record(CheckSchool, perm, false)
	}
	return a.record(CheckSchool, perm, m.IsActive && permission.SchoolRoleHas(m.Role, perm))
}

// IsSchoolMember reports whether the user is a super-admin or holds an active membership in the school.
func (a *Authorizer) IsSchoolMember(ctx context.Context, userID, schoolID string) bool {
	usr, ok := a.activeUser(ctx, userID)
	if !ok {
		return false
	}
	if usr.IsSuperAdmin() {
		return true
	}
	m, err := a.schools.Membership(ctx, userID, schoolID)
	if err != nil {
		if !core.IsNotFound(err) {
			a.logger.Error("auth: finding membership", errors.Wrap(err, "finding membership"), usr)
		}
		return false
	}
	return m.IsActive
}

// Resolve revalidates a stale session against the user record.
// Store failures are returned as errors (the session is not trusted).
func (a *Authorizer) Resolve(ctx context.Context, s Session) (Session, error) {
	if s.State != StateStale && s.State != StateValid {
		next, _ := Revalidate(s, nil)
		return next, nil
	}

	var fresh *user.User
	usr, err := a.users.GetByID(ctx, s.UserID)
	switch {
	case err == nil:
		fresh = &usr
	case core.IsNotFound(err):
	default:
		return Session{}, errors.Wrap(err, "finding session user")
	}

	next, _ := Revalidate(s, fresh)
	return next, nil
}

// RequireAuth returns the revalidated session, or ErrUnauthenticated / ErrInactiveUser.
func (a *Authorizer) RequireAuth(ctx context.Context, s Session) (Session, error) {
	if s.State == StateStale {
		var err error
		if s, err = a.Resolve(ctx, s); err != nil {
			return Session{}, err
		}
	}
	if err := CheckAuth(s); err != nil {
		return s, err
	}
	return s, nil
}

// RequireSystemPermission composes RequireAuth with HasSystemPermission.
func (a *Authorizer) RequireSystemPermission(ctx context.Context, s Session, perm permission.Permission) (Session, error) {
	s, err := a.RequireAuth(ctx, s)
	if err != nil {
		return s, err
	}
	if !a.HasSystemPermission(ctx, s.UserID, perm) {
		return s, ErrInsufficientPermissions
	}
	return s, nil
}

// RequireSchoolPermission composes RequireAuth with HasSchoolPermission.
func (a *Authorizer) RequireSchoolPermission(ctx context.Context, s Session, schoolID string, perm permission.Permission) (Session, error) {
	s, err := a.RequireAuth(ctx, s)
	if err != nil {
		return s, err
	}
	if !a.HasSchoolPermission(ctx, s.UserID, schoolID, perm) {
		return s, ErrInsufficientPermissions
	}
	return s, nil
}

// EffectivePermissions summarises the permissions held by the user, per school.
func (a *Authorizer) EffectivePermissions(ctx context.Context, userID string) (PermissionSummary, error) {
	usr, ok := a.activeUser(ctx, userID)
	if !ok {
		return PermissionSummary{}, ErrInactiveUser
	}

	summary := PermissionSummary{
		UserID:       usr.ID,
		SystemRole:   usr.SystemRole,
		IsSuperAdmin: usr.IsSuperAdmin(),
		System:       []permission.Permission{},
		Schools:      []SchoolPermissions{},
	}
	for _, p := range permission.PermissionsOfSystemRole(usr.SystemRole) {
		if permission.IsSystemLevel(p) {
			summary.System = append(summary.System, p)
		}
	}

	members, err := a.schools.MembershipsOf(ctx, usr.ID, true /* activeOnly */)
	if err != nil {
		return PermissionSummary{}, errors.Wrap(err, "querying memberships")
	}
	for _, m := range members {
		perms := permission.PermissionsOfSchoolRole(m.Role)
		summary.Schools = append(summary.Schools, SchoolPermissions{
			SchoolID:    m.SchoolID,
			SchoolName:  m.SchoolName,
			SchoolCode:  m.SchoolCode,
			Role:        m.Role,
			Permissions: perms,
			Groups:      permission.GroupByCategory(perms),
		})
	}
	sort.Slice(summary.Schools, func(i, j int) bool { return summary.Schools[i].SchoolName < summary.Schools[j].SchoolName })
	return summary, nil
}

// ManagedSchools returns the schools the user may manage: every school for super-admins,
// otherwise the active schools where an active membership grants permission.ManageSchool.
func (a *Authorizer) ManagedSchools(ctx context.Context, userID string) ([]school.School, error) {
	usr, ok := a.activeUser(ctx, userID)
	if !ok {
		return nil, ErrInactiveUser
	}
	ordering := []core.DBOrdering{{Field: "name", Ascending: true}}
	if usr.IsSuperAdmin() {
		return a.schools.Query(ctx, nil, ordering)
	}

	members, err := a.schools.MembershipsOf(ctx, usr.ID, true /* activeOnly */)
	if err != nil {
		return nil, errors.Wrap(err, "querying memberships")
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if permission.SchoolRoleHas(m.Role, permission.ManageSchool) {
			ids = append(ids, m.SchoolID)
		}
	}
	return a.schools.Query(ctx, &school.QueryFilter{IDs: ids}, ordering)
}
