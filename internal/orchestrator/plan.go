// Package orchestrator plans and executes federated queries: it splits
// the unified query into per-source fetch steps, runs the fetches in
// parallel, joins and post-processes the results in process, and wires
// the cache, breaker, and pool layers around every backend call.
package orchestrator

import (
	"sort"
	"strings"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// Step is one per-source fetch: a query fragment executed natively
// against a single data source.
type Step struct {
	// Source is the data source the fragment targets. Execution may
	// reroute to the source's fallback while its circuit is open.
	Source string

	// Fragment is the per-source slice of the query.
	Fragment *sqlparse.SourceQuery

	// OutputColumns are the post-fetch column names. When set, the
	// fetched result's columns are renamed positionally so downstream
	// processing is independent of backend identifier casing. Empty for
	// star fetches, which keep the backend's names.
	OutputColumns []string
}

// JoinSpec is one cross-source join performed in process. Keys are the
// post-fetch qualified column names.
type JoinSpec struct {
	Type      sqlparse.JoinType
	LeftStep  int
	RightStep int
	LeftKey   string
	RightKey  string
}

// PostCondition is a filter applied after fetch because the owning
// source cannot evaluate it natively.
type PostCondition struct {
	Column   string
	Operator string
	Value    sqlparse.Value
}

// Plan is the executable form of one query.
type Plan struct {
	Query *sqlparse.Query
	Steps []*Step
	Joins []JoinSpec

	// Post-merge pipeline stages. Stages the single fetch step executed
	// natively are switched off.
	PostFilter    []PostCondition
	PostAggregate bool
	PostOrder     bool
	PostLimit     bool
	PostProject   bool

	// Sources are the distinct data sources touched, sorted.
	Sources []string
}

// Describe renders the plan for the explain endpoint.
func (p *Plan) Describe() *PlanDescription {
	d := &PlanDescription{Sources: p.Sources}
	for _, s := range p.Steps {
		sd := StepDescription{
			DataSource: s.Source,
			Tables:     make([]string, 0, len(s.Fragment.Tables)),
			Columns:    s.OutputColumns,
		}
		for _, t := range s.Fragment.Tables {
			sd.Tables = append(sd.Tables, t.Name)
		}
		sd.PushedFilters = len(s.Fragment.Where)
		sd.PushedJoins = len(s.Fragment.Joins)
		d.Steps = append(d.Steps, sd)
	}
	for _, j := range p.Joins {
		d.Joins = append(d.Joins, JoinDescription{
			Type:     string(j.Type),
			LeftKey:  j.LeftKey,
			RightKey: j.RightKey,
		})
	}
	d.PostMerge = PostMergeDescription{
		Filters:   len(p.PostFilter),
		Aggregate: p.PostAggregate,
		OrderBy:   p.PostOrder,
		Limit:     p.PostLimit,
	}
	return d
}

// PlanDescription is the explain endpoint's response body.
type PlanDescription struct {
	Sources   []string             `json:"data_sources"`
	Steps     []StepDescription    `json:"steps"`
	Joins     []JoinDescription    `json:"joins,omitempty"`
	PostMerge PostMergeDescription `json:"post_merge"`
}

// StepDescription describes one fetch step.
type StepDescription struct {
	DataSource    string   `json:"data_source"`
	Tables        []string `json:"tables"`
	Columns       []string `json:"columns,omitempty"`
	PushedFilters int      `json:"pushed_filters"`
	PushedJoins   int      `json:"pushed_joins"`
}

// JoinDescription describes one in-process join.
type JoinDescription struct {
	Type     string `json:"type"`
	LeftKey  string `json:"left_key"`
	RightKey string `json:"right_key"`
}

// PostMergeDescription describes the post-merge pipeline.
type PostMergeDescription struct {
	Filters   int  `json:"filters"`
	Aggregate bool `json:"aggregate"`
	OrderBy   bool `json:"order_by"`
	Limit     bool `json:"limit"`
}

// Planner builds executable plans against the live registry.
type Planner struct {
	reg *registry.Registry
}

// NewPlanner creates a planner.
func NewPlanner(reg *registry.Registry) *Planner {
	return &Planner{reg: reg}
}

type binding struct {
	ref    sqlparse.TableRef
	src    *registry.DataSource
	schema *registry.Schema
	step   int
}

// Build resolves every table to its source and splits the query into
// fetch steps. Tables on the same source fold into one step when the
// source can join natively; everything else joins in process.
func (p *Planner) Build(q *sqlparse.Query) (*Plan, error) {
	bindings, byDisplay, err := p.bind(q)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Query: q}
	stepBySource := make(map[string]int)
	for _, b := range bindings {
		if idx, ok := stepBySource[b.src.ID]; ok && b.src.Supports(capabilities.OperationJoin) {
			b.step = idx
			continue
		}
		b.step = len(plan.Steps)
		plan.Steps = append(plan.Steps, &Step{Source: b.src.ID})
		if _, ok := stepBySource[b.src.ID]; !ok {
			stepBySource[b.src.ID] = b.step
		}
	}

	seen := make(map[string]struct{})
	for _, b := range bindings {
		if _, ok := seen[b.src.ID]; !ok {
			seen[b.src.ID] = struct{}{}
			plan.Sources = append(plan.Sources, b.src.ID)
		}
	}
	sort.Strings(plan.Sources)

	// Split joins into native (both sides on one step) and in-process.
	var pushedJoins [][]sqlparse.JoinClause
	pushedJoins = make([][]sqlparse.JoinClause, len(plan.Steps))
	for _, j := range q.Joins {
		left, err := p.owner(j.LeftTable, j.LeftColumn, bindings, byDisplay)
		if err != nil {
			return nil, err
		}
		right, err := p.owner(j.RightTable, j.RightColumn, bindings, byDisplay)
		if err != nil {
			return nil, err
		}
		if left.step == right.step {
			pushedJoins[left.step] = append(pushedJoins[left.step], j)
			continue
		}
		plan.Joins = append(plan.Joins, JoinSpec{
			Type:      j.Type,
			LeftStep:  left.step,
			RightStep: right.step,
			LeftKey:   left.ref.DisplayName() + "." + j.LeftColumn,
			RightKey:  right.ref.DisplayName() + "." + j.RightColumn,
		})
	}

	if len(plan.Steps) == 1 {
		err = p.buildSingle(q, plan, bindings[0], pushedJoins[0])
	} else {
		err = p.buildMulti(q, plan, bindings, byDisplay, pushedJoins)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// bind resolves table references to data sources, substituting the
// configured fallback for offline sources.
func (p *Planner) bind(q *sqlparse.Query) ([]*binding, map[string]*binding, error) {
	bindings := make([]*binding, 0, len(q.From))
	byDisplay := make(map[string]*binding, len(q.From))
	for _, ref := range q.From {
		sourceID := ref.Source
		if sourceID == "" {
			id, err := p.reg.ResolveTable(ref.Name)
			if err != nil {
				return nil, nil, err
			}
			sourceID = id
		}
		src, err := p.reg.Get(sourceID)
		if err != nil {
			return nil, nil, err
		}
		if !src.Active {
			return nil, nil, fleeterrors.NewUnknownDataSource(sourceID)
		}
		if src.Status == registry.StatusOffline {
			fb, ok := p.reg.FallbackFor(sourceID)
			if !ok {
				return nil, nil, fleeterrors.NewSourceOffline(sourceID)
			}
			fbSrc, err := p.reg.Get(fb)
			if err != nil || !fbSrc.Active || fbSrc.Status == registry.StatusOffline {
				return nil, nil, fleeterrors.NewSourceOffline(sourceID)
			}
			src = fbSrc
			sourceID = fb
		}
		schema, _ := p.reg.GetSchema(sourceID)
		if schema != nil {
			if _, ok := schema.Table(ref.Name); !ok {
				return nil, nil, fleeterrors.NewUnknownTable(ref.Name)
			}
		}
		ref.Source = sourceID
		b := &binding{ref: ref, src: src, schema: schema}
		bindings = append(bindings, b)
		byDisplay[ref.DisplayName()] = b
	}
	return bindings, byDisplay, nil
}

// owner resolves a column reference to the table that holds it.
func (p *Planner) owner(qualifier, column string,
	bindings []*binding, byDisplay map[string]*binding) (*binding, error) {

	if qualifier != "" {
		b, ok := byDisplay[qualifier]
		if !ok {
			return nil, fleeterrors.NewUnknownColumn(qualifier, column)
		}
		return b, nil
	}
	var matches []*binding
	for _, b := range bindings {
		if b.schema == nil {
			continue
		}
		t, ok := b.schema.Table(b.ref.Name)
		if !ok {
			continue
		}
		if _, ok := t.Column(column); ok {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		if len(bindings) == 1 {
			return bindings[0], nil
		}
		return nil, fleeterrors.NewUnknownColumn("", column)
	default:
		return nil, fleeterrors.NewValidation("column reference",
			column+" is ambiguous; qualify it with a table name or alias")
	}
}

// buildSingle plans the one-source case: every operation the source
// supports is pushed down, the rest runs post-fetch. A residual filter
// forces the whole downstream pipeline post-fetch, since filtering must
// precede aggregation.
func (p *Planner) buildSingle(q *sqlparse.Query, plan *Plan,
	b *binding, joins []sqlparse.JoinClause) error {

	src := b.src
	needAgg := q.HasAggregate() || len(q.GroupBy) > 0

	pushFilter := len(q.Where) == 0 || src.Supports(capabilities.OperationFilter)
	aggNative := pushFilter && (!needAgg || src.Supports(capabilities.OperationAggregate))
	pushOrder := aggNative && (len(q.OrderBy) == 0 || src.Supports(capabilities.OperationOrderBy))
	pushLimit := pushOrder && (q.Limit == nil || src.Supports(capabilities.OperationLimit))

	frag := &sqlparse.SourceQuery{
		Source: src.ID,
		Tables: q.From,
		Joins:  joins,
	}
	step := plan.Steps[0]

	starFetch := !pushFilter || (needAgg && !aggNative)
	if starFetch {
		frag.Columns = []sqlparse.SelectColumn{{Star: true}}
	} else {
		frag.Columns = q.Columns
		for _, c := range q.Columns {
			if c.Star {
				step.OutputColumns = nil
				break
			}
			step.OutputColumns = append(step.OutputColumns, c.OutputName())
		}
	}

	if pushFilter {
		frag.Where = q.Where
	} else {
		for _, c := range q.Where {
			plan.PostFilter = append(plan.PostFilter, PostCondition{
				Column: c.Column, Operator: c.Operator, Value: c.Value,
			})
		}
	}
	if aggNative {
		frag.GroupBy = q.GroupBy
	}
	if pushOrder {
		frag.OrderBy = q.OrderBy
	}
	if pushLimit {
		frag.Limit = q.Limit
	}

	plan.PostAggregate = needAgg && !aggNative
	plan.PostOrder = len(q.OrderBy) > 0 && !pushOrder
	plan.PostLimit = q.Limit != nil && !pushLimit
	plan.PostProject = starFetch && !plan.PostAggregate && !isStarQuery(q)
	step.Fragment = frag
	return nil
}

// buildMulti plans the cross-source case. Steps fetch plain rows with
// filters pushed where the source allows; joins, aggregation, ordering,
// and the limit all run post-merge.
func (p *Planner) buildMulti(q *sqlparse.Query, plan *Plan,
	bindings []*binding, byDisplay map[string]*binding,
	pushedJoins [][]sqlparse.JoinClause) error {

	needAgg := q.HasAggregate() || len(q.GroupBy) > 0

	type colNeed struct {
		b      *binding
		column string
	}
	var needs []colNeed
	seen := make(map[string]struct{})
	addNeed := func(b *binding, column string) {
		key := b.ref.DisplayName() + "." + column
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		needs = append(needs, colNeed{b: b, column: column})
	}
	addRef := func(qualifier, column string) error {
		b, err := p.owner(qualifier, column, bindings, byDisplay)
		if err != nil {
			return err
		}
		addNeed(b, column)
		return nil
	}

	for _, c := range q.Columns {
		if c.Star && c.Aggregate != "" {
			// count(*) counts joined rows; no column fetch needed.
			continue
		}
		if c.Star {
			// Star across sources needs schemas to expand.
			for _, b := range bindings {
				if c.Table != "" && b.ref.DisplayName() != c.Table {
					continue
				}
				if b.schema == nil {
					return fleeterrors.NewTranslationFailed(b.src.ID,
						"select * across data sources requires a registered schema")
				}
				t, _ := b.schema.Table(b.ref.Name)
				for _, col := range t.Columns {
					addNeed(b, col.Name)
				}
			}
			continue
		}
		if err := addRef(c.Table, c.Name); err != nil {
			return err
		}
	}
	for _, g := range q.GroupBy {
		if err := addRef("", g); err != nil {
			return err
		}
	}
	for _, o := range q.OrderBy {
		if err := addRef(o.Table, o.Column); err != nil {
			return err
		}
	}
	for _, j := range plan.Joins {
		lb := byDisplay[strings.SplitN(j.LeftKey, ".", 2)[0]]
		rb := byDisplay[strings.SplitN(j.RightKey, ".", 2)[0]]
		addNeed(lb, strings.SplitN(j.LeftKey, ".", 2)[1])
		addNeed(rb, strings.SplitN(j.RightKey, ".", 2)[1])
	}

	// Filters push to their owning step when the source can evaluate
	// them; the rest apply post-merge and need their columns fetched.
	stepWhere := make([][]sqlparse.Condition, len(plan.Steps))
	for _, c := range q.Where {
		b, err := p.owner(c.Table, c.Column, bindings, byDisplay)
		if err != nil {
			return err
		}
		if b.src.Supports(capabilities.OperationFilter) {
			cond := c
			cond.Table = "" // single-table fragments need no qualifier
			stepWhere[b.step] = append(stepWhere[b.step], cond)
			continue
		}
		addNeed(b, c.Column)
		plan.PostFilter = append(plan.PostFilter, PostCondition{
			Column:   b.ref.DisplayName() + "." + c.Column,
			Operator: c.Operator,
			Value:    c.Value,
		})
	}

	for i, step := range plan.Steps {
		frag := &sqlparse.SourceQuery{Source: step.Source, Joins: pushedJoins[i]}
		for _, b := range bindings {
			if b.step == i {
				frag.Tables = append(frag.Tables, b.ref)
			}
		}
		for _, n := range needs {
			if n.b.step != i {
				continue
			}
			qualifier := ""
			if len(frag.Tables) > 1 {
				qualifier = n.b.ref.DisplayName()
			}
			frag.Columns = append(frag.Columns, sqlparse.SelectColumn{
				Table: qualifier,
				Name:  n.column,
			})
			step.OutputColumns = append(step.OutputColumns,
				n.b.ref.DisplayName()+"."+n.column)
		}
		if len(frag.Columns) == 0 {
			// A table contributing nothing but its presence (pure join
			// filter) still needs its join key; reaching here means no
			// column referenced this step at all.
			return fleeterrors.NewValidation("query",
				"table "+frag.Tables[0].Name+" contributes no columns to the query")
		}
		frag.Where = stepWhere[i]
		step.Fragment = frag
	}

	plan.PostAggregate = needAgg
	plan.PostOrder = len(q.OrderBy) > 0
	plan.PostLimit = q.Limit != nil
	plan.PostProject = !needAgg
	return nil
}

func isStarQuery(q *sqlparse.Query) bool {
	return len(q.Columns) == 1 && q.Columns[0].Star && q.Columns[0].Aggregate == ""
}
