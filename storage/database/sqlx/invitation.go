package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo/core/invitation"
	"github.com/trezcool/masomo/core/permission"
)

const invitationColumns = `id, school_id, email, role, token_hash, invited_by, expires_at, accepted_at, created_at`

type invitationRow struct {
	ID         string      `db:"id"`
	SchoolID   string      `db:"school_id"`
	Email      string      `db:"email"`
	Role       string      `db:"role"`
	TokenHash  string      `db:"token_hash"`
	InvitedBy  null.String `db:"invited_by"`
	ExpiresAt  time.Time   `db:"expires_at"`
	AcceptedAt null.Time   `db:"accepted_at"`
	CreatedAt  time.Time   `db:"created_at"`
}

func newInvitationRow(inv invitation.Invitation) invitationRow {
	return invitationRow{
		ID:         inv.ID,
		SchoolID:   inv.SchoolID,
		Email:      inv.Email,
		Role:       string(inv.Role),
		TokenHash:  inv.TokenHash,
		InvitedBy:  null.NewString(inv.InvitedBy, inv.InvitedBy != ""),
		ExpiresAt:  inv.ExpiresAt,
		AcceptedAt: null.NewTime(inv.AcceptedAt, !inv.AcceptedAt.IsZero()),
		CreatedAt:  inv.CreatedAt,
	}
}

func (r invitationRow) invitation() invitation.Invitation {
	inv := invitation.Invitation{
		ID:        r.ID,
		SchoolID:  r.SchoolID,
		Email:     r.Email,
		Role:      permission.SchoolRole(r.Role),
		TokenHash: r.TokenHash,
		InvitedBy: r.InvitedBy.String,
		ExpiresAt: r.ExpiresAt.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.AcceptedAt.Valid {
		inv.AcceptedAt = r.AcceptedAt.Time.UTC()
	}
	return inv
}

type invitationRepository struct {
	db *sqlx.DB
}

var _ invitation.Repository = (*invitationRepository)(nil)

func NewInvitationRepository(db *sqlx.DB) invitation.Repository {
	return &invitationRepository{db: db}
}

func (repo *invitationRepository) CreateInvitation(ctx context.Context, inv invitation.Invitation) (invitation.Invitation, error) {
	inv.ID = newID()
	q := `INSERT INTO invitation (` + invitationColumns + `)
		VALUES (:id, :school_id, :email, :role, :token_hash, :invited_by, :expires_at, :accepted_at, :created_at)`
	if _, err := repo.db.NamedExecContext(ctx, q, newInvitationRow(inv)); err != nil {
		return invitation.Invitation{}, errors.Wrap(err, "inserting invitation")
	}
	return inv, nil
}

func (repo *invitationRepository) GetInvitation(ctx context.Context, filter invitation.GetFilter) (invitation.Invitation, error) {
	var cond, arg string
	switch {
	case filter.ID != "":
		cond, arg = "id = $1", filter.ID
	case filter.TokenHash != "":
		cond, arg = "token_hash = $1", filter.TokenHash
	default:
		return invitation.Invitation{}, invitation.ErrNotFound
	}

	var row invitationRow
	if err := repo.db.GetContext(ctx, &row, `SELECT `+invitationColumns+` FROM invitation WHERE `+cond, arg); err != nil {
		if isNoRows(err) {
			return invitation.Invitation{}, invitation.ErrNotFound
		}
		return invitation.Invitation{}, errors.Wrap(err, "getting invitation")
	}
	return row.invitation(), nil
}

func (repo *invitationRepository) QueryInvitations(ctx context.Context, filter invitation.QueryFilter) ([]invitation.Invitation, error) {
	w := new(where)
	if filter.SchoolID != "" {
		w.add("school_id = ?", filter.SchoolID)
	}
	if filter.Email != "" {
		w.add("email = ?", filter.Email)
	}
	if filter.PendingOnly {
		w.add("accepted_at IS NULL AND expires_at > ?", filter.Now)
	}
	q, args, err := build(repo.db, `SELECT `+invitationColumns+` FROM invitation`+w.String()+` ORDER BY created_at DESC`, w.args)
	if err != nil {
		return nil, err
	}

	var rows []invitationRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying invitations")
	}
	invs := make([]invitation.Invitation, 0, len(rows))
	for _, r := range rows {
		invs = append(invs, r.invitation())
	}
	return invs, nil
}

func (repo *invitationRepository) UpdateInvitation(ctx context.Context, inv invitation.Invitation) (invitation.Invitation, error) {
	q := `UPDATE invitation SET role = :role, expires_at = :expires_at, accepted_at = :accepted_at WHERE id = :id`
	res, err := repo.db.NamedExecContext(ctx, q, newInvitationRow(inv))
	if err != nil {
		return invitation.Invitation{}, errors.Wrap(err, "updating invitation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return invitation.Invitation{}, invitation.ErrNotFound
	}
	return inv, nil
}

func (repo *invitationRepository) DeleteInvitation(ctx context.Context, id string) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM invitation WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting invitation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return invitation.ErrNotFound
	}
	return nil
}
