package inmemdb

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/invitation"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
	"github.com/trezcool/masomo/core/user"
)

// DB keeps every table in memory, behind a single lock so that joins see a consistent state.
type DB struct {
	mu          sync.RWMutex
	users       map[string]*user.User
	schools     map[string]*school.School
	memberships map[string]*school.Membership
	invitations map[string]*invitation.Invitation
	usage       []usage.Record
}

func Open() (*DB, error) {
	return &DB{
		users:       make(map[string]*user.User),
		schools:     make(map[string]*school.School),
		memberships: make(map[string]*school.Membership),
		invitations: make(map[string]*invitation.Invitation),
	}, nil
}

func newID() string {
	return uuid.New().String()
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// inRange reports whether t lies within [from, to); zero bounds are open.
func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// compareFunc compares items i & j on a field: <0, 0 or >0.
type compareFunc func(i, j int, field string) int

// sortByOrdering sorts n items on the orderings, falling back on fallback (ascending).
func sortByOrdering(n int, swap func(i, j int), ordering []core.DBOrdering, cmp compareFunc, fallback string) {
	ordering = append(append([]core.DBOrdering{}, ordering...), core.DBOrdering{Field: fallback, Ascending: true})
	sort.Sort(&sorter{n: n, swap: swap, less: func(i, j int) bool {
		for _, ord := range ordering {
			c := cmp(i, j, ord.Field)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	}})
}

type sorter struct {
	n    int
	swap func(i, j int)
	less func(i, j int) bool
}

func (s *sorter) Len() int           { return s.n }
func (s *sorter) Swap(i, j int)      { s.swap(i, j) }
func (s *sorter) Less(i, j int) bool { return s.less(i, j) }

func compareStrings(a, b string) int { return strings.Compare(strings.ToLower(a), strings.ToLower(b)) }

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
