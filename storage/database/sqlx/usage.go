package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
)

type usageRow struct {
	ID        string      `db:"id"`
	SchoolID  string      `db:"school_id"`
	UserID    null.String `db:"user_id"`
	Feature   string      `db:"feature"`
	Credits   int         `db:"credits"`
	CreatedAt time.Time   `db:"created_at"`
}

type usageRepository struct {
	db *sqlx.DB
}

var _ usage.Repository = (*usageRepository)(nil)

func NewUsageRepository(db *sqlx.DB) usage.Repository {
	return &usageRepository{db: db}
}

// DebitAndCreate runs the conditional debit and the insert in one transaction.
func (repo *usageRepository) DebitAndCreate(ctx context.Context, r usage.Record) (usage.Record, school.School, error) {
	r.ID = newID()
	var row schoolRow
	err := core.WithTx(ctx, repo.db, func(tx core.DBTransactor) error {
		err := tx.QueryRowContext(ctx, `UPDATE school SET credits = credits - $2, updated_at = $3
			WHERE id = $1 AND credits >= $2
			RETURNING `+schoolColumns, r.SchoolID, r.Credits, r.CreatedAt).Scan(row.dest()...)
		if isNoRows(err) {
			var exists bool
			if err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM school WHERE id = $1)`, r.SchoolID).Scan(&exists); err != nil {
				return errors.Wrap(err, "finding school")
			}
			if !exists {
				return school.ErrNotFound
			}
			return school.ErrInsufficientCredits
		}
		if err != nil {
			return errors.Wrap(err, "debiting credits")
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO usage_record (id, school_id, user_id, feature, credits, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.SchoolID, null.NewString(r.UserID, r.UserID != ""), string(r.Feature), r.Credits, r.CreatedAt)
		return errors.Wrap(err, "inserting usage record")
	})
	if err != nil {
		return usage.Record{}, school.School{}, err
	}
	return r, row.school(), nil
}

func usageWhere(filter usage.Filter) *where {
	w := new(where)
	w.add("school_id = ?", filter.SchoolID)
	if !filter.From.IsZero() {
		w.add("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		w.add("created_at < ?", filter.To)
	}
	return w
}

func (repo *usageRepository) QueryRecords(ctx context.Context, filter usage.Filter) ([]usage.Record, error) {
	w := usageWhere(filter)
	query := `SELECT id, school_id, user_id, feature, credits, created_at FROM usage_record` + w.String() + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		w.args = append(w.args, filter.Limit)
	}
	q, args, err := build(repo.db, query, w.args)
	if err != nil {
		return nil, err
	}

	var rows []usageRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying usage records")
	}
	recs := make([]usage.Record, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, usage.Record{
			ID:        r.ID,
			SchoolID:  r.SchoolID,
			UserID:    r.UserID.String,
			Feature:   usage.Feature(r.Feature),
			Credits:   r.Credits,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return recs, nil
}

func (repo *usageRepository) AggregateByFeature(ctx context.Context, filter usage.Filter) ([]usage.FeatureUsage, error) {
	w := usageWhere(filter)
	q, args, err := build(repo.db, `SELECT feature, COUNT(*) AS count, COALESCE(SUM(credits), 0) AS credits
		FROM usage_record`+w.String()+` GROUP BY feature ORDER BY feature`, w.args)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Feature string `db:"feature"`
		Count   int    `db:"count"`
		Credits int    `db:"credits"`
	}
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "aggregating usage records")
	}
	res := make([]usage.FeatureUsage, 0, len(rows))
	for _, r := range rows {
		res = append(res, usage.FeatureUsage{Feature: usage.Feature(r.Feature), Count: r.Count, Credits: r.Credits})
	}
	return res, nil
}
