package school

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
)

type School struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

// NewSchool contains information needed to create a new School.
type NewSchool struct {
	Name    string `json:"name" validate:"required,max=200"`
	Code    string `json:"code" validate:"required,max=50,slug"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone" validate:"omitempty,max=30"`
	Address string `json:"address" validate:"omitempty,max=500"`
	Credits int    `json:"credits" validate:"gte=0"`
}

func (ns *NewSchool) Validate(validate *validator.Validate) error {
	ns.Name = core.CleanString(ns.Name)
	ns.Code = core.CleanString(ns.Code, true /* lower */)
	ns.Email = core.CleanString(ns.Email, true /* lower */)
	ns.Phone = core.CleanString(ns.Phone)
	ns.Address = core.CleanString(ns.Address)
	return validate.Struct(ns)
}

// UpdateSchool defines what information may be provided to modify an existing School.
type UpdateSchool struct {
	Name     string  `json:"name" validate:"omitempty,max=200"`
	Code     string  `json:"code" validate:"omitempty,max=50,slug"`
	Email    string  `json:"email" validate:"omitempty,email"`
	Phone    *string `json:"phone" validate:"omitempty,max=30"`
	Address  *string `json:"address" validate:"omitempty,max=500"`
	IsActive *bool   `json:"is_active"`
}

// Validate fills blank fields from orig before validating.
func (us *UpdateSchool) Validate(orig School, validate *validator.Validate) error {
	if name := core.CleanString(us.Name); name != "" {
		us.Name = name
	} else {
		us.Name = orig.Name
	}
	if code := core.CleanString(us.Code, true /* lower */); code != "" {
		us.Code = code
	} else {
		us.Code = orig.Code
	}
	if email := core.CleanString(us.Email, true /* lower */); email != "" {
		us.Email = email
	} else {
		us.Email = orig.Email
	}
	if us.Phone != nil {
		phone := core.CleanString(*us.Phone)
		us.Phone = &phone
	}
	if us.Address != nil {
		addr := core.CleanString(*us.Address)
		us.Address = &addr
	}
	return validate.Struct(us)
}

// GrantCredits adds (or, when negative, removes) credits from a school balance.
type GrantCredits struct {
	Amount int    `json:"amount" validate:"required,ne=0"`
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

func (gc *GrantCredits) Validate(validate *validator.Validate) error {
	gc.Reason = core.CleanString(gc.Reason)
	return validate.Struct(gc)
}

type QueryFilter struct {
	Search   string
	IsActive *bool
	IDs      []string // restricts the results to these schools; nil means no restriction
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

// GetFilter selects a single School; the first non-empty field wins.
type GetFilter struct {
	ID   string
	Code string
}

// OrderingFields lists the fields schools can be ordered by.
var OrderingFields = []string{"name", "code", "email", "is_active", "credits", "created_at", "updated_at"}

// Membership grants a user a role within a school.
type Membership struct {
	ID       string                `json:"id"`
	UserID   string                `json:"user_id"`
	SchoolID string                `json:"school_id"`
	Role     permission.SchoolRole `json:"role"`
	IsActive bool                  `json:"is_active"`
	JoinedAt time.Time             `json:"joined_at"` // UTC
}

// Member is a Membership along with its user & school details.
type Member struct {
	Membership
	Name       string `json:"name"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	SchoolName string `json:"school_name"`
	SchoolCode string `json:"school_code"`
}

type NewMembership struct {
	UserID string                `json:"user_id" validate:"required"`
	Role   permission.SchoolRole `json:"role" validate:"required,schoolrole"`
}

func (nm *NewMembership) Validate(validate *validator.Validate) error {
	nm.UserID = core.CleanString(nm.UserID)
	return validate.Struct(nm)
}

type UpdateMembership struct {
	Role     *permission.SchoolRole `json:"role" validate:"omitempty,schoolrole"`
	IsActive *bool                  `json:"is_active"`
}

func (um *UpdateMembership) Validate(validate *validator.Validate) error {
	return validate.Struct(um)
}

// MembershipFilter selects memberships; blank fields are ignored.
type MembershipFilter struct {
	UserID   string
	SchoolID string
	Roles    []permission.SchoolRole
	// ActiveOnly only keeps active memberships of active schools.
	ActiveOnly bool
}
