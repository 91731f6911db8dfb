// Package threshold maps petition types to their escalation thresholds.
package threshold

import (
	"fmt"

	"github.com/civisign/petitiond/pkg/contracts"
)

// Result is the outcome of one threshold check.
type Result struct {
	Reached bool
	// Value is the configured threshold for the type; zero when the type has
	// no threshold (Reached is then always false).
	Value int64
}

// Checker is a pure lookup over an immutable threshold table. Types absent
// from the table never escalate on count.
type Checker struct {
	table map[contracts.PetitionType]int64
}

// DefaultTable returns the built-in thresholds.
func DefaultTable() map[contracts.PetitionType]int64 {
	return map[contracts.PetitionType]int64{
		contracts.PetitionUrgent:    100,
		contracts.PetitionGrievance: 50,
	}
}

// NewChecker builds a checker over the given table, copying it so later
// mutation of the argument cannot change runtime behavior. A nil table means
// the defaults.
func NewChecker(table map[contracts.PetitionType]int64) (*Checker, error) {
	if table == nil {
		table = DefaultTable()
	}
	copied := make(map[contracts.PetitionType]int64, len(table))
	for t, v := range table {
		if !t.Valid() {
			return nil, fmt.Errorf("threshold table: unknown petition type %q", t)
		}
		if v <= 0 {
			return nil, fmt.Errorf("threshold table: non-positive threshold %d for %s", v, t)
		}
		copied[t] = v
	}
	return &Checker{table: copied}, nil
}

// Check reports whether count has reached the type's threshold. The
// comparison is >= so a count that jumps past the threshold (batch imports)
// still reports reached.
func (c *Checker) Check(petitionType contracts.PetitionType, count int64) Result {
	value, ok := c.table[petitionType]
	if !ok {
		return Result{}
	}
	return Result{Reached: count >= value, Value: value}
}
