package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
)

type usageRepository struct {
	db *DB
}

var _ usage.Repository = (*usageRepository)(nil)

func NewUsageRepository(db *DB) usage.Repository {
	return &usageRepository{db: db}
}

// DebitAndCreate holds the write lock across the debit and the insert.
func (repo *usageRepository) DebitAndCreate(_ context.Context, r usage.Record) (usage.Record, school.School, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	sch, ok := repo.db.schools[r.SchoolID]
	if !ok {
		return usage.Record{}, school.School{}, school.ErrNotFound
	}
	if sch.Credits < r.Credits {
		return usage.Record{}, school.School{}, school.ErrInsufficientCredits
	}
	sch.Credits -= r.Credits

	r.ID = newID()
	repo.db.usage = append(repo.db.usage, r)
	return r, *sch, nil
}

func (repo *usageRepository) filter(filter usage.Filter) []usage.Record {
	recs := make([]usage.Record, 0)
	for _, r := range repo.db.usage {
		if r.SchoolID == filter.SchoolID && inRange(r.CreatedAt, filter.From, filter.To) {
			recs = append(recs, r)
		}
	}
	return recs
}

func (repo *usageRepository) QueryRecords(_ context.Context, filter usage.Filter) ([]usage.Record, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	recs := repo.filter(filter)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return recs, nil
}

// AggregateByFeature sums the records per feature, ordered by feature.
func (repo *usageRepository) AggregateByFeature(_ context.Context, filter usage.Filter) ([]usage.FeatureUsage, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	byFeature := make(map[usage.Feature]*usage.FeatureUsage)
	for _, r := range repo.filter(filter) {
		fu, ok := byFeature[r.Feature]
		if !ok {
			fu = &usage.FeatureUsage{Feature: r.Feature}
			byFeature[r.Feature] = fu
		}
		fu.Count++
		fu.Credits += r.Credits
	}

	res := make([]usage.FeatureUsage, 0, len(byFeature))
	for _, fu := range byFeature {
		res = append(res, *fu)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Feature < res[j].Feature })
	return res, nil
}
