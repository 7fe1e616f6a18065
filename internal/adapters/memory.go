package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
	"github.com/fleetql/fleet/internal/translate"
)

// MemoryAdapter serves custom in-process backends: bespoke systems
// whose driver evaluates the structured query form directly instead of
// SQL text. Backends are registered per data source id.
type MemoryAdapter struct {
	mu       sync.RWMutex
	backends map[string]*MemoryBackend
}

// NewMemoryAdapter creates the custom adapter with no backends.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{backends: make(map[string]*MemoryBackend)}
}

// Kind implements Adapter.
func (a *MemoryAdapter) Kind() capabilities.SourceKind {
	return capabilities.KindCustom
}

// AddBackend attaches a backend under a data source id.
func (a *MemoryAdapter) AddBackend(id string, b *MemoryBackend) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backends[id] = b
}

func (a *MemoryAdapter) backend(id string) (*MemoryBackend, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.backends[id]
	if !ok {
		return nil, fleeterrors.NewValidation("data source config",
			"no custom backend attached for "+id)
	}
	return b, nil
}

// Connect implements Adapter.
func (a *MemoryAdapter) Connect(ctx context.Context, cfg registry.DataSourceConfig) (BackendConn, error) {
	b, err := a.backend(cfg.ID)
	if err != nil {
		return nil, err
	}
	return &memoryConn{id: cfg.ID, backend: b}, nil
}

// Probe implements Adapter.
func (a *MemoryAdapter) Probe(ctx context.Context, cfg registry.DataSourceConfig) error {
	b, err := a.backend(cfg.ID)
	if err != nil {
		return err
	}
	return b.err()
}

// MemoryBackend is an in-process table store. Safe for concurrent use.
// SetError makes every subsequent call fail, which is how outage
// behavior is exercised end to end.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]*RowSet
	forced error
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]*RowSet)}
}

// SetTable loads a table wholesale.
func (b *MemoryBackend) SetTable(name string, columns []string, rows [][]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[name] = &RowSet{Columns: columns, Rows: rows}
}

// SetError forces every call to fail with err until cleared with nil.
func (b *MemoryBackend) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = err
}

func (b *MemoryBackend) err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.forced
}

type memoryConn struct {
	id      string
	backend *MemoryBackend
}

func (c *memoryConn) ExecuteNative(ctx context.Context, q *translate.TranslatedQuery) (*RowSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Structured == nil {
		return nil, fleeterrors.NewTranslationFailed(c.id,
			"custom backend requires the structured query form")
	}
	rs, err := c.backend.evaluate(q.Structured)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (c *memoryConn) HealthCheck(ctx context.Context) error {
	return c.backend.err()
}

func (c *memoryConn) Close() error { return nil }

// evaluate runs a single-table fragment: filter, project or aggregate,
// order, limit. Joins never reach a custom backend; the orchestrator
// joins across fetches.
func (b *MemoryBackend) evaluate(sq *sqlparse.SourceQuery) (*RowSet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.forced != nil {
		// A forced typed error surfaces as-is so callers can exercise
		// exact failure shapes; anything else reads as a transient
		// backend fault.
		if fe, ok := fleeterrors.As(b.forced); ok {
			return nil, fe
		}
		return nil, fleeterrors.NewExecutionFailed(sq.Source, b.forced, true)
	}
	if len(sq.Tables) != 1 || len(sq.Joins) > 0 {
		return nil, fleeterrors.NewUnsupportedOperation(
			string(capabilities.OperationJoin), sq.Source)
	}
	table, ok := b.tables[sq.Tables[0].Name]
	if !ok {
		return nil, fleeterrors.NewUnknownTable(sq.Tables[0].Name)
	}

	rows, err := filterRows(table, sq.Where)
	if err != nil {
		return nil, err
	}

	var out *RowSet
	if sq.HasAggregate() || len(sq.GroupBy) > 0 {
		out, err = aggregateRows(table, rows, sq)
	} else {
		out, err = projectRows(table, rows, sq.Columns)
	}
	if err != nil {
		return nil, err
	}

	if len(sq.OrderBy) > 0 {
		sortRows(out, sq.OrderBy)
	}
	if sq.Limit != nil && len(out.Rows) > *sq.Limit {
		out.Rows = out.Rows[:*sq.Limit]
	}
	return out, nil
}

func filterRows(table *RowSet, where []sqlparse.Condition) ([][]interface{}, error) {
	rows := make([][]interface{}, 0, len(table.Rows))
	for _, row := range table.Rows {
		keep := true
		for _, c := range where {
			idx := table.ColumnIndex(c.Column)
			if idx < 0 {
				return nil, fleeterrors.NewUnknownColumn("", c.Column)
			}
			ok, err := Compare(row[idx], c.Operator, c.Value.Literal)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func projectRows(table *RowSet, rows [][]interface{}, cols []sqlparse.SelectColumn) (*RowSet, error) {
	if len(cols) == 1 && cols[0].Star && cols[0].Aggregate == "" {
		out := &RowSet{Columns: append([]string(nil), table.Columns...)}
		out.Rows = append(out.Rows, rows...)
		return out, nil
	}
	out := &RowSet{}
	idxs := make([]int, len(cols))
	for i, c := range cols {
		idx := table.ColumnIndex(c.Name)
		if idx < 0 {
			return nil, fleeterrors.NewUnknownColumn("", c.Name)
		}
		idxs[i] = idx
		out.Columns = append(out.Columns, c.OutputName())
	}
	for _, row := range rows {
		projected := make([]interface{}, len(idxs))
		for i, idx := range idxs {
			projected[i] = row[idx]
		}
		out.Rows = append(out.Rows, projected)
	}
	return out, nil
}

func aggregateRows(table *RowSet, rows [][]interface{}, sq *sqlparse.SourceQuery) (*RowSet, error) {
	groupIdx := make([]int, len(sq.GroupBy))
	for i, g := range sq.GroupBy {
		idx := table.ColumnIndex(g)
		if idx < 0 {
			return nil, fleeterrors.NewUnknownColumn("", g)
		}
		groupIdx[i] = idx
	}

	type group struct {
		key  []interface{}
		rows [][]interface{}
	}
	groups := make(map[string]*group)
	var order []string
	for _, row := range rows {
		var kb strings.Builder
		for _, idx := range groupIdx {
			fmt.Fprintf(&kb, "%v\x00", row[idx])
		}
		k := kb.String()
		g, ok := groups[k]
		if !ok {
			key := make([]interface{}, len(groupIdx))
			for i, idx := range groupIdx {
				key[i] = row[idx]
			}
			g = &group{key: key}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, row)
	}
	// A global aggregate over zero rows still yields one row.
	if len(groupIdx) == 0 && len(order) == 0 {
		groups[""] = &group{}
		order = append(order, "")
	}

	out := &RowSet{}
	for _, c := range sq.Columns {
		out.Columns = append(out.Columns, c.OutputName())
	}
	for _, k := range order {
		g := groups[k]
		row := make([]interface{}, len(sq.Columns))
		for i, c := range sq.Columns {
			switch {
			case c.Aggregate != "":
				v, err := applyAggregate(table, g.rows, c)
				if err != nil {
					return nil, err
				}
				row[i] = v
			default:
				idx := table.ColumnIndex(c.Name)
				if idx < 0 {
					return nil, fleeterrors.NewUnknownColumn("", c.Name)
				}
				if len(g.rows) > 0 {
					row[i] = g.rows[0][idx]
				}
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func applyAggregate(table *RowSet, rows [][]interface{}, c sqlparse.SelectColumn) (interface{}, error) {
	if c.Aggregate == "count" && c.Star {
		return int64(len(rows)), nil
	}
	idx := table.ColumnIndex(c.Name)
	if idx < 0 {
		return nil, fleeterrors.NewUnknownColumn("", c.Name)
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
			f, ok := ToFloat(row[idx])
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
			cmp := CompareValues(row[idx], best)
			if (c.Aggregate == "min" && cmp < 0) || (c.Aggregate == "max" && cmp > 0) {
				best = row[idx]
			}
		}
		return best, nil
	default:
		return nil, fleeterrors.NewTranslationFailed("",
			"unknown aggregate "+c.Aggregate)
	}
}

func sortRows(rs *RowSet, terms []sqlparse.OrderBy) {
	idxs := make([]int, 0, len(terms))
	for _, t := range terms {
		if idx := rs.ColumnIndex(t.Column); idx >= 0 {
			idxs = append(idxs, idx)
		} else {
			idxs = append(idxs, -1)
		}
	}
	sort.SliceStable(rs.Rows, func(i, j int) bool {
		for k, t := range terms {
			idx := idxs[k]
			if idx < 0 {
				continue
			}
			cmp := CompareValues(rs.Rows[i][idx], rs.Rows[j][idx])
			if cmp == 0 {
				continue
			}
			if t.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

