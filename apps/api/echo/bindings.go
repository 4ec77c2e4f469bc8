package echoapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field == "" {
			continue
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

func queryBool(ctx echo.Context, name string) (*bool, error) {
	val := ctx.QueryParam(name)
	if val == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return nil, core.NewValidationError(err, core.FieldError{Field: name, Error: "must be a boolean"})
	}
	return &b, nil
}

// queryTime parses an RFC 3339 timestamp, or a date (YYYY-MM-DD) taken as UTC midnight.
func queryTime(ctx echo.Context, name string) (time.Time, error) {
	val := ctx.QueryParam(name)
	if val == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", val)
	if err != nil {
		return time.Time{}, core.NewValidationError(err, core.FieldError{Field: name, Error: "must be an RFC 3339 timestamp or a date"})
	}
	return t, nil
}

// bindUserFilter reads `search`, `role` (repeatable), `is_active`, `created_from` & `created_to`.
func bindUserFilter(ctx echo.Context) (*user.QueryFilter, error) {
	filter := &user.QueryFilter{Search: ctx.QueryParam("search")}
	if roles, ok := ctx.QueryParams()["role"]; ok {
		filter.Roles = make([]permission.SystemRole, 0, len(roles))
		for _, r := range roles {
			filter.Roles = append(filter.Roles, permission.SystemRole(strings.ToUpper(strings.TrimSpace(r))))
		}
	}

	var err error
	if filter.IsActive, err = queryBool(ctx, "is_active"); err != nil {
		return nil, err
	}
	if filter.CreatedFrom, err = queryTime(ctx, "created_from"); err != nil {
		return nil, err
	}
	if filter.CreatedTo, err = queryTime(ctx, "created_to"); err != nil {
		return nil, err
	}
	return filter, nil
}

// bindSchoolFilter reads `search` & `is_active`.
func bindSchoolFilter(ctx echo.Context) (*school.QueryFilter, error) {
	filter := &school.QueryFilter{Search: ctx.QueryParam("search")}
	var err error
	if filter.IsActive, err = queryBool(ctx, "is_active"); err != nil {
		return nil, err
	}
	return filter, nil
}

// bindPeriod reads the `from` & `to` bounds of a period; both are optional.
func bindPeriod(ctx echo.Context) (from, to time.Time, err error) {
	if from, err = queryTime(ctx, "from"); err != nil {
		return
	}
	to, err = queryTime(ctx, "to")
	return
}
