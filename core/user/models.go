package user

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
)

type User struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Username     string                `json:"username"`
	Email        string                `json:"email"`
	IsActive     bool                  `json:"is_active"`
	SystemRole   permission.SystemRole `json:"system_role"`
	PasswordHash []byte                `json:"-"`
	CreatedAt    time.Time             `json:"created_at"` // UTC
	UpdatedAt    time.Time             `json:"updated_at"` // UTC
	LastLogin    time.Time             `json:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u User) IsSuperAdmin() bool {
	return u.SystemRole == permission.RoleSuperAdmin
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Name            string                `json:"name" validate:"required"`
	Username        string                `json:"username" validate:"omitempty,min=3,max=50,alphanum_"`
	Email           string                `json:"email" validate:"omitempty,email"`
	Password        string                `json:"password" validate:"required"`
	PasswordConfirm string                `json:"password_confirm" validate:"required,eqfield=Password"`
	SystemRole      permission.SystemRole `json:"system_role" validate:"systemrole"`
}

func (nu *NewUser) Validate(ctx context.Context, validate *validator.Validate, svc Service) error {
	nu.Name = core.CleanString(nu.Name)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)

	if err := validate.Struct(nu); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, nu.Username, nu.Email)
}

// UpdateUser defines what information may be provided to modify an existing User.
type UpdateUser struct {
	Name       string                 `json:"name"`
	Username   string                 `json:"username" validate:"omitempty,min=3,max=50,alphanum_"`
	Email      string                 `json:"email" validate:"omitempty,email"`
	IsActive   *bool                  `json:"is_active"`
	SystemRole *permission.SystemRole `json:"system_role" validate:"omitempty,systemrole"`
}

// Validate fills blank fields from origUsr before validating.
func (uu *UpdateUser) Validate(ctx context.Context, origUsr User, validate *validator.Validate, svc Service) error {
	if name := core.CleanString(uu.Name); name != "" {
		uu.Name = name
	} else {
		uu.Name = origUsr.Name
	}
	if uname := core.CleanString(uu.Username, true /* lower */); uname != "" {
		uu.Username = uname
	} else {
		uu.Username = origUsr.Username
	}
	if email := core.CleanString(uu.Email, true /* lower */); email != "" {
		uu.Email = email
	} else {
		uu.Email = origUsr.Email
	}

	if err := validate.Struct(uu); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, uu.Username, uu.Email, origUsr)
}

// ChangePassword is a verified password update: the current password must be provided.
type ChangePassword struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`

	user User // used by the password policy
}

func (cp *ChangePassword) Validate(usr User, validate *validator.Validate) error {
	cp.user = usr
	if err := validate.Struct(cp); err != nil {
		return err
	}
	if usr.CheckPassword(cp.CurrentPassword) != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "current_password", Error: errWrongPassword.Error()})
	}
	return nil
}

type ResetUserPassword struct {
	Token           string `json:"token,omitempty" validate:"required"`
	UID             string `json:"uid,omitempty" validate:"required"`
	Password        string `json:"password,omitempty" validate:"required"`
	PasswordConfirm string `json:"password_confirm,omitempty" validate:"required,eqfield=Password"`
}

func (rp *ResetUserPassword) Validate(validate *validator.Validate) error {
	rp.Token = core.CleanString(rp.Token)
	rp.UID = core.CleanString(rp.UID)
	return validate.Struct(rp)
}

type QueryFilter struct {
	Search      string
	Roles       []permission.SystemRole
	IsActive    *bool
	CreatedFrom time.Time
	CreatedTo   time.Time
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Roles == nil && qf.IsActive == nil && qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

// GetFilter selects a single User; the first non-empty field wins.
type GetFilter struct {
	ID              string
	Username        string
	Email           string
	UsernameOrEmail string
}

// OrderingFields lists the fields users can be ordered by.
var OrderingFields = []string{"name", "username", "email", "is_active", "system_role", "created_at", "updated_at", "last_login"}
