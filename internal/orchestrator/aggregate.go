package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fleetql/fleet/internal/adapters"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// applyPostFilter drops rows failing the residual conditions. Named
// parameters were bound by the caller; their values arrive in params.
func applyPostFilter(rs *adapters.RowSet, conds []PostCondition,
	params map[string]interface{}) (*adapters.RowSet, error) {

	if len(conds) == 0 {
		return rs, nil
	}
	idxs := make([]int, len(conds))
	vals := make([]interface{}, len(conds))
	for i, c := range conds {
		idx := findColumn(rs, c.Column)
		if idx < 0 {
			return nil, fleeterrors.NewUnknownColumn("", c.Column)
		}
		idxs[i] = idx
		if c.Value.IsParam() {
			v, ok := params[c.Value.Param]
			if !ok {
				return nil, fleeterrors.NewMissingParameter(c.Value.Param)
			}
			vals[i] = v
		} else {
			vals[i] = c.Value.Literal
		}
	}

	out := &adapters.RowSet{Columns: rs.Columns}
	for _, row := range rs.Rows {
		keep := true
		for i, c := range conds {
			ok, err := adapters.Compare(row[idxs[i]], c.Operator, vals[i])
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// applyAggregate groups the merged rows and computes the aggregate
// projection. The output takes the query's final column shape.
func applyAggregate(rs *adapters.RowSet, q *sqlparse.Query) (*adapters.RowSet, error) {
	groupIdx := make([]int, len(q.GroupBy))
	for i, g := range q.GroupBy {
		idx := findColumn(rs, g)
		if idx < 0 {
			return nil, fleeterrors.NewUnknownColumn("", g)
		}
		groupIdx[i] = idx
	}

	type group struct{ rows [][]interface{} }
	groups := make(map[string]*group)
	var order []string
	for _, row := range rs.Rows {
		var kb strings.Builder
		for _, idx := range groupIdx {
			fmt.Fprintf(&kb, "%v\x00", row[idx])
		}
		k := kb.String()
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, row)
	}
	if len(groupIdx) == 0 && len(order) == 0 {
		groups[""] = &group{}
		order = append(order, "")
	}

	out := &adapters.RowSet{}
	for _, c := range q.Columns {
		out.Columns = append(out.Columns, c.OutputName())
	}
	for _, k := range order {
		g := groups[k]
		row := make([]interface{}, len(q.Columns))
		for i, c := range q.Columns {
			if c.Aggregate != "" {
				v, err := computeAggregate(rs, g.rows, c)
				if err != nil {
					return nil, err
				}
				row[i] = v
				continue
			}
			ref := c.Name
			if c.Table != "" {
				ref = c.Table + "." + c.Name
			}
			idx := findColumn(rs, ref)
			if idx < 0 {
				return nil, fleeterrors.NewUnknownColumn(c.Table, c.Name)
			}
			if len(g.rows) > 0 {
				row[i] = g.rows[0][idx]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func computeAggregate(rs *adapters.RowSet, rows [][]interface{}, c sqlparse.SelectColumn) (interface{}, error) {
	if c.Aggregate == "count" && c.Star {
		return int64(len(rows)), nil
	}
	ref := c.Name
	if c.Table != "" {
		ref = c.Table + "." + c.Name
	}
	idx := findColumn(rs, ref)
	if idx < 0 {
		return nil, fleeterrors.NewUnknownColumn(c.Table, c.Name)
	}
	switch c.Aggregate {
	case "count":
		n := int64(0)
		for _, row := range rows {
			if row[idx] != nil {
				n++
			}
		}
		return n, nil
	case "sum", "avg":
		sum := 0.0
		n := 0
		for _, row := range rows {
			if row[idx] == nil {
				continue
			}
			f, ok := adapters.ToFloat(row[idx])
			if !ok {
				return nil, fleeterrors.NewTranslationFailed("",
					fmt.Sprintf("cannot %s non-numeric column %s", c.Aggregate, c.Name))
			}
			sum += f
			n++
		}
		if c.Aggregate == "avg" {
			if n == 0 {
				return nil, nil
			}
			return sum / float64(n), nil
		}
		return sum, nil
	case "min", "max":
		var best interface{}
		for _, row := range rows {
			if row[idx] == nil {
				continue
			}
			if best == nil {
				best = row[idx]
				continue
			}
			cmp := adapters.CompareValues(row[idx], best)
			if (c.Aggregate == "min" && cmp < 0) || (c.Aggregate == "max" && cmp > 0) {
				best = row[idx]
			}
		}
		return best, nil
	default:
		return nil, fleeterrors.NewTranslationFailed("", "unknown aggregate "+c.Aggregate)
	}
}

// applySort orders the merged rows. References resolve against the
// current columns first, then through projection aliases.
func applySort(rs *adapters.RowSet, q *sqlparse.Query) error {
	type term struct {
		idx  int
		desc bool
	}
	terms := make([]term, 0, len(q.OrderBy))
	for _, o := range q.OrderBy {
		ref := o.Column
		if o.Table != "" {
			ref = o.Table + "." + o.Column
		}
		idx := findColumn(rs, ref)
		if idx < 0 {
			// The reference may be a projection alias.
			for _, c := range q.Columns {
				if c.OutputName() == o.Column {
					alt := c.Name
					if c.Table != "" {
						alt = c.Table + "." + c.Name
					}
					idx = findColumn(rs, alt)
					break
				}
			}
		}
		if idx < 0 {
			return fleeterrors.NewUnknownColumn(o.Table, o.Column)
		}
		terms = append(terms, term{idx: idx, desc: o.Desc})
	}
	sort.SliceStable(rs.Rows, func(i, j int) bool {
		for _, t := range terms {
			cmp := adapters.CompareValues(rs.Rows[i][t.idx], rs.Rows[j][t.idx])
			if cmp == 0 {
				continue
			}
			if t.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

// applyProject trims the merged result to the query's projection.
func applyProject(rs *adapters.RowSet, q *sqlparse.Query) (*adapters.RowSet, error) {
	out := &adapters.RowSet{}
	var idxs []int
	for _, c := range q.Columns {
		if c.Star {
			for i, name := range rs.Columns {
				if c.Table != "" && !strings.HasPrefix(name, c.Table+".") {
					continue
				}
				idxs = append(idxs, i)
				out.Columns = append(out.Columns, name)
			}
			continue
		}
		ref := c.Name
		if c.Table != "" {
			ref = c.Table + "." + c.Name
		}
		idx := findColumn(rs, ref)
		if idx < 0 {
			return nil, fleeterrors.NewUnknownColumn(c.Table, c.Name)
		}
		idxs = append(idxs, idx)
		out.Columns = append(out.Columns, c.OutputName())
	}
	for _, row := range rs.Rows {
		projected := make([]interface{}, len(idxs))
		for i, idx := range idxs {
			projected[i] = row[idx]
		}
		out.Rows = append(out.Rows, projected)
	}
	return out, nil
}
