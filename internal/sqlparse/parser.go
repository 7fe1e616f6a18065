package sqlparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

// Parser parses unified query text into a Query AST.
type Parser struct{}

// NewParser creates a new parser.
func NewParser() *Parser {
	return &Parser{}
}

var positionRE = regexp.MustCompile(`position (\d+)`)

// aggregates the unified language understands.
var aggregateFuncs = map[string]bool{
	"count": true,
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
}

// Parse parses unified query text. Syntax errors carry the offending
// token position; valid SQL outside the unified subset is rejected with
// a construct-naming error.
func (p *Parser) Parse(sql string) (*Query, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, fleeterrors.NewSyntaxError(1, "empty query")
	}

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		pos := 0
		if m := positionRE.FindStringSubmatch(err.Error()); m != nil {
			pos, _ = strconv.Atoi(m[1])
		}
		return nil, fleeterrors.NewSyntaxError(pos, err.Error())
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, fleeterrors.NewUnsupportedSyntax(
			"only SELECT queries are supported by the unified language")
	}

	q := &Query{
		Raw:        sql,
		Normalized: sqlparser.String(sel),
	}

	if err := p.parseFrom(sel.From, q); err != nil {
		return nil, err
	}
	if err := p.parseSelect(sel.SelectExprs, q); err != nil {
		return nil, err
	}
	if sel.Where != nil {
		conds, err := p.parseWhere(sel.Where.Expr)
		if err != nil {
			return nil, err
		}
		q.Where = conds
	}
	if err := p.parseGroupBy(sel.GroupBy, q); err != nil {
		return nil, err
	}
	if err := p.parseOrderBy(sel.OrderBy, q); err != nil {
		return nil, err
	}
	if err := p.parseLimit(sel.Limit, q); err != nil {
		return nil, err
	}

	if sel.Distinct != "" {
		return nil, fleeterrors.NewUnsupportedSyntax("SELECT DISTINCT is not supported")
	}
	if sel.Having != nil {
		return nil, fleeterrors.NewUnsupportedSyntax("HAVING is not supported")
	}

	return q, nil
}

// parseFrom walks the FROM clause, collecting table references and
// explicit joins. Comma-separated tables are rejected: cross-source
// work requires an explicit JOIN with an ON condition.
func (p *Parser) parseFrom(exprs sqlparser.TableExprs, q *Query) error {
	if len(exprs) != 1 {
		return fleeterrors.NewUnsupportedSyntax(
			"comma-separated tables are not supported; use explicit JOIN ... ON")
	}
	return p.walkTableExpr(exprs[0], q)
}

func (p *Parser) walkTableExpr(expr sqlparser.TableExpr, q *Query) error {
	switch t := expr.(type) {
	case *sqlparser.AliasedTableExpr:
		name, ok := t.Expr.(sqlparser.TableName)
		if !ok {
			return fleeterrors.NewUnsupportedSyntax("subqueries in FROM are not supported")
		}
		q.From = append(q.From, TableRef{
			Source: name.Qualifier.String(),
			Name:   name.Name.String(),
			Alias:  t.As.String(),
		})
		return nil

	case *sqlparser.JoinTableExpr:
		if err := p.walkTableExpr(t.LeftExpr, q); err != nil {
			return err
		}
		if err := p.walkTableExpr(t.RightExpr, q); err != nil {
			return err
		}
		join, err := p.parseJoin(t)
		if err != nil {
			return err
		}
		q.Joins = append(q.Joins, join)
		return nil

	case *sqlparser.ParenTableExpr:
		if len(t.Exprs) != 1 {
			return fleeterrors.NewUnsupportedSyntax("parenthesized table lists are not supported")
		}
		return p.walkTableExpr(t.Exprs[0], q)

	default:
		return fleeterrors.NewUnsupportedSyntax("unsupported FROM clause construct")
	}
}

func (p *Parser) parseJoin(t *sqlparser.JoinTableExpr) (JoinClause, error) {
	var jt JoinType
	switch t.Join {
	case sqlparser.JoinStr:
		jt = JoinInner
	case sqlparser.LeftJoinStr:
		jt = JoinLeft
	case sqlparser.RightJoinStr:
		jt = JoinRight
	default:
		return JoinClause{}, fleeterrors.NewUnsupportedSyntax(
			"unsupported join type: " + t.Join)
	}

	cmp, ok := t.Condition.On.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return JoinClause{}, fleeterrors.NewUnsupportedSyntax(
			"joins require a single equality ON condition")
	}
	left, ok := cmp.Left.(*sqlparser.ColName)
	if !ok {
		return JoinClause{}, fleeterrors.NewUnsupportedSyntax("join keys must be plain columns")
	}
	right, ok := cmp.Right.(*sqlparser.ColName)
	if !ok {
		return JoinClause{}, fleeterrors.NewUnsupportedSyntax("join keys must be plain columns")
	}

	return JoinClause{
		Type:        jt,
		LeftTable:   left.Qualifier.Name.String(),
		LeftColumn:  left.Name.String(),
		RightTable:  right.Qualifier.Name.String(),
		RightColumn: right.Name.String(),
	}, nil
}

func (p *Parser) parseSelect(exprs sqlparser.SelectExprs, q *Query) error {
	for _, expr := range exprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			q.Columns = append(q.Columns, SelectColumn{
				Table: e.TableName.Name.String(),
				Star:  true,
			})

		case *sqlparser.AliasedExpr:
			col, err := p.parseSelectExpr(e)
			if err != nil {
				return err
			}
			q.Columns = append(q.Columns, col)

		default:
			return fleeterrors.NewUnsupportedSyntax("unsupported select expression")
		}
	}
	return nil
}

func (p *Parser) parseSelectExpr(e *sqlparser.AliasedExpr) (SelectColumn, error) {
	switch expr := e.Expr.(type) {
	case *sqlparser.ColName:
		return SelectColumn{
			Table: expr.Qualifier.Name.String(),
			Name:  expr.Name.String(),
			Alias: e.As.String(),
		}, nil

	case *sqlparser.FuncExpr:
		name := strings.ToLower(expr.Name.String())
		if !aggregateFuncs[name] {
			return SelectColumn{}, fleeterrors.NewUnsupportedSyntax(
				"unsupported function: " + name)
		}
		if len(expr.Exprs) != 1 {
			return SelectColumn{}, fleeterrors.NewUnsupportedSyntax(
				name + " takes exactly one argument")
		}
		switch arg := expr.Exprs[0].(type) {
		case *sqlparser.StarExpr:
			if name != "count" {
				return SelectColumn{}, fleeterrors.NewUnsupportedSyntax(
					name + "(*) is not supported")
			}
			return SelectColumn{Aggregate: name, Star: true, Alias: e.As.String()}, nil
		case *sqlparser.AliasedExpr:
			col, ok := arg.Expr.(*sqlparser.ColName)
			if !ok {
				return SelectColumn{}, fleeterrors.NewUnsupportedSyntax(
					"aggregate arguments must be plain columns")
			}
			return SelectColumn{
				Table:     col.Qualifier.Name.String(),
				Name:      col.Name.String(),
				Aggregate: name,
				Alias:     e.As.String(),
			}, nil
		default:
			return SelectColumn{}, fleeterrors.NewUnsupportedSyntax(
				"aggregate arguments must be plain columns")
		}

	default:
		return SelectColumn{}, fleeterrors.NewUnsupportedSyntax(
			"only plain columns and aggregates may be selected")
	}
}

// parseWhere flattens an AND-combined predicate tree. OR and other
// boolean constructs are outside the unified subset.
func (p *Parser) parseWhere(expr sqlparser.Expr) ([]Condition, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		left, err := p.parseWhere(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := p.parseWhere(e.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	case *sqlparser.ParenExpr:
		return p.parseWhere(e.Expr)

	case *sqlparser.ComparisonExpr:
		cond, err := p.parseComparison(e)
		if err != nil {
			return nil, err
		}
		return []Condition{cond}, nil

	case *sqlparser.OrExpr:
		return nil, fleeterrors.NewUnsupportedSyntax("OR predicates are not supported")

	default:
		return nil, fleeterrors.NewUnsupportedSyntax("unsupported WHERE construct")
	}
}

var comparisonOps = map[string]string{
	sqlparser.EqualStr:        "=",
	sqlparser.NotEqualStr:     "!=",
	sqlparser.LessThanStr:     "<",
	sqlparser.LessEqualStr:    "<=",
	sqlparser.GreaterThanStr:  ">",
	sqlparser.GreaterEqualStr: ">=",
	sqlparser.LikeStr:         "LIKE",
}

func (p *Parser) parseComparison(e *sqlparser.ComparisonExpr) (Condition, error) {
	op, ok := comparisonOps[e.Operator]
	if !ok {
		return Condition{}, fleeterrors.NewUnsupportedSyntax(
			"unsupported comparison operator: " + e.Operator)
	}
	col, ok := e.Left.(*sqlparser.ColName)
	if !ok {
		return Condition{}, fleeterrors.NewUnsupportedSyntax(
			"comparisons must have a column on the left side")
	}
	val, err := p.parseValue(e.Right)
	if err != nil {
		return Condition{}, err
	}
	return Condition{
		Table:    col.Qualifier.Name.String(),
		Column:   col.Name.String(),
		Operator: op,
		Value:    val,
	}, nil
}

func (p *Parser) parseValue(expr sqlparser.Expr) (Value, error) {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.StrVal:
			return Value{Literal: string(v.Val)}, nil
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(v.Val), 10, 64)
			if err != nil {
				return Value{}, fleeterrors.NewUnsupportedSyntax("invalid integer literal")
			}
			return Value{Literal: n}, nil
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(v.Val), 64)
			if err != nil {
				return Value{}, fleeterrors.NewUnsupportedSyntax("invalid float literal")
			}
			return Value{Literal: f}, nil
		case sqlparser.ValArg:
			return Value{Param: strings.TrimPrefix(string(v.Val), ":")}, nil
		default:
			return Value{}, fleeterrors.NewUnsupportedSyntax("unsupported literal type")
		}
	case sqlparser.BoolVal:
		return Value{Literal: bool(v)}, nil
	default:
		return Value{}, fleeterrors.NewUnsupportedSyntax(
			"comparison values must be literals or named parameters")
	}
}

func (p *Parser) parseGroupBy(exprs sqlparser.GroupBy, q *Query) error {
	for _, expr := range exprs {
		col, ok := expr.(*sqlparser.ColName)
		if !ok {
			return fleeterrors.NewUnsupportedSyntax("GROUP BY terms must be plain columns")
		}
		q.GroupBy = append(q.GroupBy, col.Name.String())
	}
	return nil
}

func (p *Parser) parseOrderBy(exprs sqlparser.OrderBy, q *Query) error {
	for _, order := range exprs {
		col, ok := order.Expr.(*sqlparser.ColName)
		if !ok {
			return fleeterrors.NewUnsupportedSyntax("ORDER BY terms must be plain columns")
		}
		q.OrderBy = append(q.OrderBy, OrderBy{
			Table:  col.Qualifier.Name.String(),
			Column: col.Name.String(),
			Desc:   order.Direction == sqlparser.DescScr,
		})
	}
	return nil
}

func (p *Parser) parseLimit(limit *sqlparser.Limit, q *Query) error {
	if limit == nil {
		return nil
	}
	if limit.Offset != nil {
		return fleeterrors.NewUnsupportedSyntax(
			"OFFSET is not supported; use page tokens for pagination")
	}
	val, ok := limit.Rowcount.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return fleeterrors.NewUnsupportedSyntax("LIMIT must be an integer literal")
	}
	n, err := strconv.Atoi(string(val.Val))
	if err != nil || n < 0 {
		return fleeterrors.NewUnsupportedSyntax("LIMIT must be a non-negative integer")
	}
	q.Limit = &n
	return nil
}

// Validate parses a query without executing it, returning the AST if
// valid.
func (p *Parser) Validate(sql string) (*Query, error) {
	return p.Parse(sql)
}
