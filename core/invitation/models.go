package invitation

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
)

// Invitation statuses
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusExpired  = "expired"
)

// Invitation invites an e-mail address to join a school with a role.
// Only the sha256 hash of its secret token is stored; the token itself is only ever e-mailed.
type Invitation struct {
	ID         string                `json:"id"`
	SchoolID   string                `json:"school_id"`
	Email      string                `json:"email"`
	Role       permission.SchoolRole `json:"role"`
	TokenHash  string                `json:"-"`
	InvitedBy  string                `json:"invited_by"`
	ExpiresAt  time.Time             `json:"expires_at"`  // UTC
	AcceptedAt time.Time             `json:"accepted_at"` // UTC; zero while pending
	CreatedAt  time.Time             `json:"created_at"`  // UTC
}

func (inv Invitation) IsAccepted() bool { return !inv.AcceptedAt.IsZero() }

func (inv Invitation) IsExpired(now time.Time) bool { return !now.Before(inv.ExpiresAt) }

func (inv Invitation) Status(now time.Time) string {
	switch {
	case inv.IsAccepted():
		return StatusAccepted
	case inv.IsExpired(now):
		return StatusExpired
	default:
		return StatusPending
	}
}

// HashToken returns the stored form of an invitation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type NewInvitation struct {
	Email string                `json:"email" validate:"required,email"`
	Role  permission.SchoolRole `json:"role" validate:"required,schoolrole"`
}

func (ni *NewInvitation) Validate(validate *validator.Validate) error {
	ni.Email = core.CleanString(ni.Email, true /* lower */)
	return validate.Struct(ni)
}

// AcceptInvitation carries the token and, when the invited e-mail has no account yet,
// the details of the account to create.
type AcceptInvitation struct {
	Token           string `json:"token" validate:"required"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

func (ai *AcceptInvitation) Validate(validate *validator.Validate) error {
	ai.Token = core.CleanString(ai.Token)
	ai.Name = core.CleanString(ai.Name)
	ai.Username = core.CleanString(ai.Username, true /* lower */)
	return validate.Struct(ai)
}

// GetFilter selects a single Invitation; the first non-empty field wins.
type GetFilter struct {
	ID        string
	TokenHash string
}

type QueryFilter struct {
	SchoolID    string
	Email       string
	PendingOnly bool
	Now         time.Time // reference time for PendingOnly
}
