package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/masomo/core/invitation"
)

type invitationRepository struct {
	db *DB
}

var _ invitation.Repository = (*invitationRepository)(nil)

func NewInvitationRepository(db *DB) invitation.Repository {
	return &invitationRepository{db: db}
}

func (repo *invitationRepository) CreateInvitation(_ context.Context, inv invitation.Invitation) (invitation.Invitation, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	inv.ID = newID()
	repo.db.invitations[inv.ID] = &inv
	return inv, nil
}

func (repo *invitationRepository) GetInvitation(_ context.Context, filter invitation.GetFilter) (invitation.Invitation, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if filter.ID != "" {
		if inv, ok := repo.db.invitations[filter.ID]; ok {
			return *inv, nil
		}
		return invitation.Invitation{}, invitation.ErrNotFound
	}
	if filter.TokenHash != "" {
		for _, inv := range repo.db.invitations {
			if inv.TokenHash == filter.TokenHash {
				return *inv, nil
			}
		}
	}
	return invitation.Invitation{}, invitation.ErrNotFound
}

// QueryInvitations returns the newest invitations first.
func (repo *invitationRepository) QueryInvitations(_ context.Context, filter invitation.QueryFilter) ([]invitation.Invitation, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	invs := make([]invitation.Invitation, 0)
	for _, inv := range repo.db.invitations {
		if filter.SchoolID != "" && inv.SchoolID != filter.SchoolID {
			continue
		}
		if filter.Email != "" && inv.Email != filter.Email {
			continue
		}
		if filter.PendingOnly && inv.Status(filter.Now) != invitation.StatusPending {
			continue
		}
		invs = append(invs, *inv)
	}
	sort.Slice(invs, func(i, j int) bool { return invs[i].CreatedAt.After(invs[j].CreatedAt) })
	return invs, nil
}

func (repo *invitationRepository) UpdateInvitation(_ context.Context, inv invitation.Invitation) (invitation.Invitation, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.invitations[inv.ID]; !ok {
		return invitation.Invitation{}, invitation.ErrNotFound
	}
	repo.db.invitations[inv.ID] = &inv
	return inv, nil
}

func (repo *invitationRepository) DeleteInvitation(_ context.Context, id string) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.invitations[id]; !ok {
		return invitation.ErrNotFound
	}
	delete(repo.db.invitations, id)
	return nil
}
