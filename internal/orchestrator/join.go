package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetql/fleet/internal/adapters"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// ConflictPolicy decides what happens when the same logical column
// from two sources disagrees on joined rows.
type ConflictPolicy string

const (
	// ConflictWarn logs the disagreement and keeps both values.
	ConflictWarn ConflictPolicy = "warn"

	// ConflictReject fails the query.
	ConflictReject ConflictPolicy = "reject"

	// ConflictIgnore keeps both values silently; projection order
	// decides which one the caller sees.
	ConflictIgnore ConflictPolicy = "ignore"
)

// findColumn locates a column by reference: exact name first, then a
// unique ".name" suffix so unqualified references resolve against
// qualified result columns.
func findColumn(rs *adapters.RowSet, ref string) int {
	if i := rs.ColumnIndex(ref); i >= 0 {
		return i
	}
	if strings.Contains(ref, ".") {
		return -1
	}
	found := -1
	for i, c := range rs.Columns {
		if strings.HasSuffix(c, "."+ref) {
			if found >= 0 {
				return -1
			}
			found = i
		}
	}
	return found
}

// joinKey normalizes a join key value so 42 (int64) and 42.0 hash
// identically regardless of the backend's numeric representation.
func joinKey(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	if f, ok := adapters.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64), true
	}
	return fmt.Sprintf("%v", v), true
}

// hashJoin joins two materialized results on a single equality key.
// NULL keys never match, per SQL semantics.
func hashJoin(left, right *adapters.RowSet, spec JoinSpec) (*adapters.RowSet, error) {
	li := findColumn(left, spec.LeftKey)
	if li < 0 {
		return nil, fleeterrors.NewInternal("orchestrator",
			fmt.Errorf("join key %s missing from fetched result", spec.LeftKey))
	}
	ri := findColumn(right, spec.RightKey)
	if ri < 0 {
		return nil, fleeterrors.NewInternal("orchestrator",
			fmt.Errorf("join key %s missing from fetched result", spec.RightKey))
	}

	byKey := make(map[string][]int, len(right.Rows))
	for i, row := range right.Rows {
		if k, ok := joinKey(row[ri]); ok {
			byKey[k] = append(byKey[k], i)
		}
	}

	out := &adapters.RowSet{
		Columns: append(append([]string(nil), left.Columns...), right.Columns...),
	}
	matchedRight := make([]bool, len(right.Rows))

	combine := func(lrow, rrow []interface{}) []interface{} {
		row := make([]interface{}, 0, len(left.Columns)+len(right.Columns))
		if lrow != nil {
			row = append(row, lrow...)
		} else {
			row = append(row, make([]interface{}, len(left.Columns))...)
		}
		if rrow != nil {
			row = append(row, rrow...)
		} else {
			row = append(row, make([]interface{}, len(right.Columns))...)
		}
		return row
	}

	for _, lrow := range left.Rows {
		k, ok := joinKey(lrow[li])
		var matches []int
		if ok {
			matches = byKey[k]
		}
		if len(matches) == 0 {
			if spec.Type == sqlparse.JoinLeft || spec.Type == sqlparse.JoinFull {
				out.Rows = append(out.Rows, combine(lrow, nil))
			}
			continue
		}
		for _, i := range matches {
			matchedRight[i] = true
			out.Rows = append(out.Rows, combine(lrow, right.Rows[i]))
		}
	}

	if spec.Type == sqlparse.JoinRight || spec.Type == sqlparse.JoinFull {
		for i, rrow := range right.Rows {
			if !matchedRight[i] {
				out.Rows = append(out.Rows, combine(nil, rrow))
			}
		}
	}
	return out, nil
}

// checkConflicts scans joined rows for columns that share a base name
// across the two sides but disagree in value. What happens next is the
// configured policy's call.
func checkConflicts(joined *adapters.RowSet, leftWidth int,
	policy ConflictPolicy, warn func(column string, leftVal, rightVal interface{})) error {

	if policy == ConflictIgnore {
		return nil
	}

	type pair struct{ li, ri int }
	var pairs []pair
	var names []string
	for i := 0; i < leftWidth && i < len(joined.Columns); i++ {
		base := baseName(joined.Columns[i])
		for j := leftWidth; j < len(joined.Columns); j++ {
			if baseName(joined.Columns[j]) == base {
				pairs = append(pairs, pair{li: i, ri: j})
				names = append(names, base)
			}
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	for _, row := range joined.Rows {
		for k, pr := range pairs {
			lv, rv := row[pr.li], row[pr.ri]
			if lv == nil || rv == nil {
				continue
			}
			if adapters.CompareValues(lv, rv) == 0 {
				continue
			}
			if policy == ConflictReject {
				return fleeterrors.NewConflict(names[k],
					fmt.Sprintf("sources disagree: %v vs %v", lv, rv))
			}
			if warn != nil {
				warn(names[k], lv, rv)
			}
		}
	}
	return nil
}

func baseName(qualified string) string {
	if i := strings.LastIndex(qualified, "."); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}
