package invitation

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
)

const tokenBytes = 32

var (
	NowFunc = time.Now // mockable

	// errors
	ErrNotFound        = fmt.Errorf("invitation %w", core.ErrNotFound)
	ErrPendingExists   = errors.New("a pending invitation already exists for this email")
	ErrAlreadyMember   = errors.New("this user is already a member of the school")
	errInvalidToken    = "invalid value"
	errAlreadyAccepted = "invitation has already been accepted"
	errExpired         = "invitation has expired"
	errSchoolInactive  = "school is not active"
	errUserInactive    = "account deactivated"
)

type (
	Repository interface {
		CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error)
		GetInvitation(ctx context.Context, filter GetFilter) (Invitation, error)
		QueryInvitations(ctx context.Context, filter QueryFilter) ([]Invitation, error)
		UpdateInvitation(ctx context.Context, inv Invitation) (Invitation, error)
		DeleteInvitation(ctx context.Context, id string) error
	}

	Service interface {
		// Invite stores an invitation and e-mails its token. The returned token is never stored.
		Invite(ctx context.Context, sch school.School, inviter user.User, ni NewInvitation) (Invitation, string, error)
		Pending(ctx context.Context, schoolID string) ([]Invitation, error)
		Get(ctx context.Context, schoolID, id string) (Invitation, error)
		Accept(ctx context.Context, data AcceptInvitation) (user.User, school.Membership, error)
		Revoke(ctx context.Context, inv Invitation) error
	}

	service struct {
		repo     Repository
		users    user.Service
		schools  school.Service
		mailSvc  core.EmailService
		validate *validator.Validate
		ttl      time.Duration
	}
)

var _ Service = (*service)(nil)

func NewService(
	repo Repository,
	users user.Service,
	schools school.Service,
	mailSvc core.EmailService,
	validate *validator.Validate,
	conf *core.Config,
) Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(repo, "repo"),
		vala.IsNotNil(users, "users"),
		vala.IsNotNil(schools, "schools"),
		vala.IsNotNil(mailSvc, "mailSvc"),
		vala.IsNotNil(validate, "validate"),
		vala.IsNotNil(conf, "conf"),
	).CheckAndPanic()

	return &service{
		repo:     repo,
		users:    users,
		schools:  schools,
		mailSvc:  mailSvc,
		validate: validate,
		ttl:      conf.Auth.InvitationTTL,
	}
}

func (svc *service) Invite(ctx context.Context, sch school.School, inviter user.User, ni NewInvitation) (Invitation, string, error) {
	now := NowFunc().UTC()

	// one pending invitation per (school, email)
	pending, err := svc.repo.QueryInvitations(ctx, QueryFilter{SchoolID: sch.ID, Email: ni.Email, PendingOnly: true, Now: now})
	if err != nil {
		return Invitation{}, "", errors.Wrap(err, "querying invitations")
	}
	if len(pending) > 0 {
		return Invitation{}, "", core.NewConflictError("email", ErrPendingExists)
	}

	// existing active members need no invitation
	if usr, err := svc.users.GetByEmail(ctx, ni.Email); err == nil {
		if m, err := svc.schools.Membership(ctx, usr.ID, sch.ID); err == nil && m.IsActive {
			return Invitation{}, "", core.NewConflictError("email", ErrAlreadyMember)
		} else if err != nil && !core.IsNotFound(err) {
			return Invitation{}, "", errors.Wrap(err, "finding membership")
		}
	} else if !core.IsNotFound(err) {
		return Invitation{}, "", errors.Wrap(err, "finding user by email")
	}

	token, err := core.RandomToken(tokenBytes)
	if err != nil {
		return Invitation{}, "", errors.Wrap(err, "generating token")
	}
	inv, err := svc.repo.CreateInvitation(ctx, Invitation{
		SchoolID:  sch.ID,
		Email:     ni.Email,
		Role:      ni.Role,
		TokenHash: HashToken(token),
		InvitedBy: inviter.ID,
		ExpiresAt: now.Add(svc.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return Invitation{}, "", errors.Wrap(err, "creating invitation")
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Address: inv.Email}},
		Subject:      "Invitation to join " + sch.Name,
		TemplateName: "invitation",
		TemplateData: map[string]interface{}{
			"SchoolName":  sch.Name,
			"InviterName": inviter.Name,
			"Role":        string(inv.Role),
			"Token":       token,
			"ExpiresAt":   inv.ExpiresAt.Format(time.RFC1123),
		},
	})
	return inv, token, nil
}

func (svc *service) Pending(ctx context.Context, schoolID string) ([]Invitation, error) {
	return svc.repo.QueryInvitations(ctx, QueryFilter{SchoolID: schoolID, PendingOnly: true, Now: NowFunc().UTC()})
}

// Get returns the invitation only if it belongs to the school.
func (svc *service) Get(ctx context.Context, schoolID, id string) (Invitation, error) {
	inv, err := svc.repo.GetInvitation(ctx, GetFilter{ID: id})
	if err != nil {
		return Invitation{}, err
	}
	if inv.SchoolID != schoolID {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

// Accept redeems an invitation token: the invited e-mail's account (created if missing) joins the
// school with the invited role, and the invitation can no longer be used.
func (svc *service) Accept(ctx context.Context, data AcceptInvitation) (user.User, school.Membership, error) {
	now := NowFunc().UTC()

	inv, err := svc.repo.GetInvitation(ctx, GetFilter{TokenHash: HashToken(data.Token)})
	if err != nil {
		if core.IsNotFound(err) {
			return user.User{}, school.Membership{}, tokenError(err, errInvalidToken)
		}
		return user.User{}, school.Membership{}, errors.Wrap(err, "finding invitation")
	}
	switch inv.Status(now) {
	case StatusAccepted:
		return user.User{}, school.Membership{}, tokenError(nil, errAlreadyAccepted)
	case StatusExpired:
		return user.User{}, school.Membership{}, tokenError(nil, errExpired)
	}

	sch, err := svc.schools.GetByID(ctx, inv.SchoolID)
	if err != nil {
		if core.IsNotFound(err) {
			return user.User{}, school.Membership{}, tokenError(err, errInvalidToken)
		}
		return user.User{}, school.Membership{}, errors.Wrap(err, "finding school")
	}
	if !sch.IsActive {
		return user.User{}, school.Membership{}, tokenError(nil, errSchoolInactive)
	}

	usr, err := svc.invitedUser(ctx, inv, data)
	if err != nil {
		return user.User{}, school.Membership{}, err
	}

	m, err := svc.join(ctx, usr, inv)
	if err != nil {
		return user.User{}, school.Membership{}, err
	}

	inv.AcceptedAt = now
	if _, err = svc.repo.UpdateInvitation(ctx, inv); err != nil {
		return user.User{}, school.Membership{}, errors.Wrap(err, "updating invitation")
	}
	return usr, m, nil
}

// invitedUser returns the account owning the invited e-mail, creating it from data when missing.
func (svc *service) invitedUser(ctx context.Context, inv Invitation, data AcceptInvitation) (user.User, error) {
	usr, err := svc.users.GetByEmail(ctx, inv.Email)
	if err == nil {
		if !usr.IsActive {
			return user.User{}, tokenError(nil, errUserInactive)
		}
		return usr, nil
	}
	if !core.IsNotFound(err) {
		return user.User{}, errors.Wrap(err, "finding user by email")
	}

	nu := user.NewUser{
		Name:            data.Name,
		Username:        data.Username,
		Email:           inv.Email,
		Password:        data.Password,
		PasswordConfirm: data.PasswordConfirm,
	}
	if err = nu.Validate(ctx, svc.validate, svc.users); err != nil {
		return user.User{}, err
	}
	usr, err = svc.users.Create(ctx, nu)
	if err != nil {
		return user.User{}, errors.Wrap(err, "creating user")
	}
	return usr, nil
}

// join creates the membership, or reactivates an existing one with the invited role.
func (svc *service) join(ctx context.Context, usr user.User, inv Invitation) (school.Membership, error) {
	m, err := svc.schools.Membership(ctx, usr.ID, inv.SchoolID)
	if err == nil {
		active := true
		role := inv.Role
		m, err = svc.schools.UpdateMember(ctx, m, school.UpdateMembership{Role: &role, IsActive: &active})
		return m, errors.Wrap(err, "updating membership")
	}
	if !core.IsNotFound(err) {
		return school.Membership{}, errors.Wrap(err, "finding membership")
	}
	m, err = svc.schools.AddMember(ctx, inv.SchoolID, school.NewMembership{UserID: usr.ID, Role: inv.Role})
	return m, errors.Wrap(err, "adding member")
}

// Revoke deletes a pending invitation; accepted ones are kept as history.
func (svc *service) Revoke(ctx context.Context, inv Invitation) error {
	if inv.IsAccepted() {
		return core.NewValidationError(nil, core.FieldError{Field: "invitation", Error: errAlreadyAccepted})
	}
	return svc.repo.DeleteInvitation(ctx, inv.ID)
}

func tokenError(err error, msg string) error {
	return core.NewValidationError(err, core.FieldError{Field: "token", Error: msg})
}
