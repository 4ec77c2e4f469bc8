package school

import (
	"context"
	"fmt"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

var (
	// errors
	ErrNotFound            = fmt.Errorf("school %w", core.ErrNotFound)
	ErrMembershipNotFound  = fmt.Errorf("membership %w", core.ErrNotFound)
	ErrCodeExists          = errors.New("a school with this code already exists")
	ErrEmailExists         = errors.New("a school with this email already exists")
	ErrMembershipExists    = errors.New("user is already a member of this school")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

type (
	Repository interface {
		// CheckUniqueness returns ErrCodeExists or ErrEmailExists when another school
		// (not part of excludedSchools) already holds the code or email.
		CheckUniqueness(ctx context.Context, code, email string, excludedSchools ...School) error
		CreateSchool(ctx context.Context, sch School) (School, error)
		QuerySchools(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]School, error)
		GetSchool(ctx context.Context, filter GetFilter) (School, error)
		UpdateSchool(ctx context.Context, sch School) (School, error)
		// AdjustCredits atomically adds delta to the school credits.
		// It returns ErrInsufficientCredits, leaving the balance untouched, when the balance would drop below 0.
		AdjustCredits(ctx context.Context, id string, delta int) (School, error)

		CreateMembership(ctx context.Context, m Membership) (Membership, error)
		GetMembership(ctx context.Context, userID, schoolID string) (Membership, error)
		UpdateMembership(ctx context.Context, m Membership) (Membership, error)
		QueryMembers(ctx context.Context, filter MembershipFilter) ([]Member, error)
	}

	Service interface {
		Create(ctx context.Context, ns NewSchool) (School, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]School, error)
		GetByID(ctx context.Context, id string) (School, error)
		GetByCode(ctx context.Context, code string) (School, error)
		Update(ctx context.Context, sch School, us UpdateSchool) (School, error)
		AdjustCredits(ctx context.Context, id string, delta int) (School, error)

		AddMember(ctx context.Context, schoolID string, nm NewMembership) (Membership, error)
		UpdateMember(ctx context.Context, m Membership, um UpdateMembership) (Membership, error)
		Members(ctx context.Context, schoolID string) ([]Member, error)
		MembershipsOf(ctx context.Context, userID string, activeOnly bool) ([]Member, error)
		Membership(ctx context.Context, userID, schoolID string) (Membership, error)
	}

	service struct {
		repo Repository
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository) Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(repo, "repo"),
	).CheckAndPanic()

	return &service{repo: repo}
}

// checkUniqueness maps uniqueness violations to core.ConflictError.
func (svc *service) checkUniqueness(ctx context.Context, code, email string, exclSchools ...School) error {
	if err := svc.repo.CheckUniqueness(ctx, code, email, exclSchools...); err != nil {
		switch err {
		case ErrCodeExists:
			return core.NewConflictError("code", err)
		case ErrEmailExists:
			return core.NewConflictError("email", err)
		default:
			return errors.Wrap(err, "checking school uniqueness")
		}
	}
	return nil
}

// Create stores a new School. A code or email already in use is a core.ConflictError and nothing is written.
func (svc *service) Create(ctx context.Context, ns NewSchool) (School, error) {
	if err := svc.checkUniqueness(ctx, ns.Code, ns.Email); err != nil {
		return School{}, err
	}

	now := time.Now().UTC()
	return svc.repo.CreateSchool(ctx, School{
		Name:      ns.Name,
		Code:      ns.Code,
		Email:     ns.Email,
		Phone:     ns.Phone,
		Address:   ns.Address,
		IsActive:  true,
		Credits:   ns.Credits,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]School, error) {
	if filter != nil {
		filter.Clean()
		if filter.IDs != nil && len(filter.IDs) == 0 {
			return []School{}, nil
		}
	}
	return svc.repo.QuerySchools(ctx, filter, core.FilterOrderings(ordering, OrderingFields...))
}

func (svc *service) GetByID(ctx context.Context, id string) (School, error) {
	if id == "" {
		return School{}, ErrNotFound
	}
	return svc.repo.GetSchool(ctx, GetFilter{ID: id})
}

func (svc *service) GetByCode(ctx context.Context, code string) (School, error) {
	code = core.CleanString(code, true /* lower */)
	if code == "" {
		return School{}, ErrNotFound
	}
	return svc.repo.GetSchool(ctx, GetFilter{Code: code})
}

// Update applies validated changes to sch.
func (svc *service) Update(ctx context.Context, sch School, us UpdateSchool) (School, error) {
	if err := svc.checkUniqueness(ctx, us.Code, us.Email, sch); err != nil {
		return School{}, err
	}

	sch.Name = us.Name
	sch.Code = us.Code
	sch.Email = us.Email
	if us.Phone != nil {
		sch.Phone = *us.Phone
	}
	if us.Address != nil {
		sch.Address = *us.Address
	}
	if us.IsActive != nil {
		sch.IsActive = *us.IsActive
	}
	sch.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateSchool(ctx, sch)
}

// AdjustCredits adds delta (which may be negative) to the school balance.
// A balance that would drop below 0 is a validation error.
func (svc *service) AdjustCredits(ctx context.Context, id string, delta int) (School, error) {
	sch, err := svc.repo.AdjustCredits(ctx, id, delta)
	if errors.Is(err, ErrInsufficientCredits) {
		return School{}, core.NewValidationError(err, core.FieldError{Field: "credits", Error: err.Error()})
	}
	return sch, err
}

// AddMember gives a user a role in the school; a user holds at most one membership per school.
func (svc *service) AddMember(ctx context.Context, schoolID string, nm NewMembership) (Membership, error) {
	if _, err := svc.repo.GetMembership(ctx, nm.UserID, schoolID); err == nil {
		return Membership{}, core.NewConflictError("user_id", ErrMembershipExists)
	} else if !core.IsNotFound(err) {
		return Membership{}, errors.Wrap(err, "finding membership")
	}

	return svc.repo.CreateMembership(ctx, Membership{
		UserID:   nm.UserID,
		SchoolID: schoolID,
		Role:     nm.Role,
		IsActive: true,
		JoinedAt: time.Now().UTC(),
	})
}

func (svc *service) UpdateMember(ctx context.Context, m Membership, um UpdateMembership) (Membership, error) {
	if um.Role != nil {
		m.Role = *um.Role
	}
	if um.IsActive != nil {
		m.IsActive = *um.IsActive
	}
	return svc.repo.UpdateMembership(ctx, m)
}

func (svc *service) Members(ctx context.Context, schoolID string) ([]Member, error) {
	return svc.repo.QueryMembers(ctx, MembershipFilter{SchoolID: schoolID})
}

func (svc *service) MembershipsOf(ctx context.Context, userID string, activeOnly bool) ([]Member, error) {
	if userID == "" {
		return []Member{}, nil
	}
	return svc.repo.QueryMembers(ctx, MembershipFilter{UserID: userID, ActiveOnly: activeOnly})
}

func (svc *service) Membership(ctx context.Context, userID, schoolID string) (Membership, error) {
	if userID == "" || schoolID == "" {
		return Membership{}, ErrMembershipNotFound
	}
	return svc.repo.GetMembership(ctx, userID, schoolID)
}
