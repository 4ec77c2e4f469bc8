package sqlxrepos

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

const uniqueViolation = "23505"

var newID = func() string { return uuid.New().String() } // mockable

// where accumulates AND-ed conditions using `?` placeholders; slices are expanded by sqlx.In.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// build expands the slice args of query & rebinds it for db.
func build(db *sqlx.DB, query string, args []interface{}) (string, []interface{}, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expanding query args")
	}
	return db.Rebind(query), args, nil
}

// orderBy renders the orderings (already restricted to known fields), with fallback last.
func orderBy(ordering []core.DBOrdering, fallback string) string {
	parts := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		parts = append(parts, pq.QuoteIdentifier(ord.Field)+" "+strings.Fields(ord.String())[1])
	}
	parts = append(parts, fallback)
	return " ORDER BY " + strings.Join(parts, ", ")
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// uniqueConstraint returns the name of the violated unique constraint, if err is one.
func uniqueConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
