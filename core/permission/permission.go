// Package permission holds the static role to permission table.
// The table is built once when the package is initialised and is never mutated afterwards;
// accessors only ever hand out copies.
package permission

import "sort"

type (
	// Permission is an enumerated capability identifier.
	Permission string

	// SystemRole is a global role held by a user, independent of any school.
	SystemRole string

	// SchoolRole is a role scoped to one school membership.
	SchoolRole string
)

// System level permissions
const (
	CreateSchool   Permission = "CREATE_SCHOOL"
	ViewAllSchools Permission = "VIEW_ALL_SCHOOLS"
	ManageCredits  Permission = "MANAGE_CREDITS"
	ManageSystem   Permission = "MANAGE_SYSTEM"
)

// School level permissions
const (
	ManageSchool      Permission = "MANAGE_SCHOOL"
	ManageUsers       Permission = "MANAGE_USERS"
	InviteUsers       Permission = "INVITE_USERS"
	ViewUsage         Permission = "VIEW_USAGE"
	ManageClasses     Permission = "MANAGE_CLASSES"
	ManageAssignments Permission = "MANAGE_ASSIGNMENTS"
	GradeAssignments  Permission = "GRADE_ASSIGNMENTS"
	UseAITools        Permission = "USE_AI_TOOLS"
	ViewClasses       Permission = "VIEW_CLASSES"
	SubmitAssignments Permission = "SUBMIT_ASSIGNMENTS"
	ViewAssignments   Permission = "VIEW_ASSIGNMENTS"
)

// Roles
const (
	RoleNone       SystemRole = ""
	RoleSuperAdmin SystemRole = "SUPER_ADMIN"

	RoleAdmin   SchoolRole = "ADMIN"
	RoleTeacher SchoolRole = "TEACHER"
	RoleStudent SchoolRole = "STUDENT"
)

// UI categories
const (
	CategorySchool      = "school"
	CategoryUsers       = "users"
	CategoryUsage       = "usage"
	CategoryClasses     = "classes"
	CategoryAssignments = "assignments"
	CategoryAI          = "ai"
	CategorySystem      = "system"
)

type permissionSet map[Permission]struct{}

func newSet(perms ...Permission) permissionSet {
	set := make(permissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s permissionSet) has(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s permissionSet) sorted() []Permission {
	perms := make([]Permission, 0, len(s))
	for p := range s {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

var (
	systemPermissions = []Permission{CreateSchool, ViewAllSchools, ManageCredits, ManageSystem}
	schoolPermissions = []Permission{
		ManageSchool, ManageUsers, InviteUsers, ViewUsage, ManageClasses,
		ManageAssignments, GradeAssignments, UseAITools, ViewClasses,
		SubmitAssignments, ViewAssignments,
	}

	categories = map[Permission]string{
		CreateSchool:      CategorySystem,
		ViewAllSchools:    CategorySystem,
		ManageCredits:     CategorySystem,
		ManageSystem:      CategorySystem,
		ManageSchool:      CategorySchool,
		ManageUsers:       CategoryUsers,
		InviteUsers:       CategoryUsers,
		ViewUsage:         CategoryUsage,
		ManageClasses:     CategoryClasses,
		ViewClasses:       CategoryClasses,
		ManageAssignments: CategoryAssignments,
		GradeAssignments:  CategoryAssignments,
		SubmitAssignments: CategoryAssignments,
		ViewAssignments:   CategoryAssignments,
		UseAITools:        CategoryAI,
	}

	allPermissions = newSet(append(append([]Permission{}, systemPermissions...), schoolPermissions...)...)

	systemRoles = map[SystemRole]permissionSet{
		RoleSuperAdmin: allPermissions,
	}

	schoolRoles = map[SchoolRole]permissionSet{
		RoleAdmin:   newSet(ManageSchool, ManageUsers, InviteUsers, ViewUsage, ManageClasses),
		RoleTeacher: newSet(ManageAssignments, GradeAssignments, UseAITools, ViewClasses),
		RoleStudent: newSet(SubmitAssignments, ViewAssignments),
	}

	schoolRoleOrder = []SchoolRole{RoleAdmin, RoleTeacher, RoleStudent}
)

// SystemRoleHas reports whether the system role grants the permission.
// Unknown roles and permissions are denied.
func SystemRoleHas(role SystemRole, perm Permission) bool {
	set, ok := systemRoles[role]
	return ok && set.has(perm)
}

// SchoolRoleHas reports whether the school role grants the permission.
// Unknown roles and permissions are denied.
func SchoolRoleHas(role SchoolRole, perm Permission) bool {
	set, ok := schoolRoles[role]
	return ok && set.has(perm)
}

// PermissionsOfSystemRole returns a sorted copy of the permissions granted by the system role.
func PermissionsOfSystemRole(role SystemRole) []Permission {
	if set, ok := systemRoles[role]; ok {
		return set.sorted()
	}
	return []Permission{}
}

// PermissionsOfSchoolRole returns a sorted copy of the permissions granted by the school role.
func PermissionsOfSchoolRole(role SchoolRole) []Permission {
	if set, ok := schoolRoles[role]; ok {
		return set.sorted()
	}
	return []Permission{}
}

// All returns every known permission, sorted.
func All() []Permission {
	return allPermissions.sorted()
}

// SchoolRoles returns the assignable school roles, highest first.
func SchoolRoles() []SchoolRole {
	return append([]SchoolRole{}, schoolRoleOrder...)
}

// IsKnown reports whether perm belongs to the permission table.
func IsKnown(perm Permission) bool {
	return allPermissions.has(perm)
}

// IsSystemLevel reports whether perm is a system level permission.
func IsSystemLevel(perm Permission) bool {
	for _, p := range systemPermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Category returns the UI category of the permission, or "" if unknown.
func Category(perm Permission) string {
	return categories[perm]
}

func ValidSchoolRole(role SchoolRole) bool {
	_, ok := schoolRoles[role]
	return ok
}

func ValidSystemRole(role SystemRole) bool {
	if role == RoleNone {
		return true
	}
	_, ok := systemRoles[role]
	return ok
}

// Group is a set of permissions sharing a UI category.
type Group struct {
	Category    string       `json:"category"`
	Permissions []Permission `json:"permissions"`
}

// GroupByCategory groups perms by category, categories and permissions sorted.
// Unknown permissions are dropped.
func GroupByCategory(perms []Permission) []Group {
	byCat := make(map[string][]Permission)
	for _, p := range perms {
		if cat := Category(p); cat != "" {
			byCat[cat] = append(byCat[cat], p)
		}
	}
	groups := make([]Group, 0, len(byCat))
	for cat, ps := range byCat {
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
		groups = append(groups, Group{Category: cat, Permissions: ps})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Category < groups[j].Category })
	return groups
}
