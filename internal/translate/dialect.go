package translate

import (
	"fmt"
	"strings"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/sqlparse"
)

// dialect captures the rendering differences between SQL backends.
// placeholder is nil for backends that cannot take bound parameters;
// those get inline escaped literals instead.
type dialect struct {
	// quote renders an identifier.
	quote func(string) string

	// placeholder renders the i-th (1-based) parameter slot. name is
	// the parameter name for name-addressed backends, empty for
	// synthesized literal bindings.
	placeholder func(i int, name string) string

	// named selects name-addressed bindings over positional ones.
	named bool

	// limit renders the row limit clause.
	limit func(n int) string
}

func quoteDouble(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteBacktick(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// quoteUpper is the mainframe form: bare uppercase identifiers.
func quoteUpper(s string) string {
	return strings.ToUpper(s)
}

// render turns a source-query fragment into SQL text plus parameter
// bindings. The planner aligns Tables and Joins so that join i attaches
// table i+1; render relies on that ordering.
func render(sq *sqlparse.SourceQuery, d dialect,
	params map[string]interface{}) (string, []interface{}, []NamedArg, error) {

	var (
		b     strings.Builder
		args  []interface{}
		named []NamedArg
	)
	qualify := len(sq.Tables) > 1

	ident := func(qualifier, name string) string {
		if qualifier != "" && qualify {
			return d.quote(qualifier) + "." + d.quote(name)
		}
		return d.quote(name)
	}

	// bind emits the placeholder for one operand and records its value.
	bind := func(v sqlparse.Value) (string, error) {
		if v.IsParam() {
			value, err := resolveParam(v.Param, params)
			if err != nil {
				return "", err
			}
			if d.placeholder == nil {
				return inlineLiteral(value)
			}
			if d.named {
				named = append(named, NamedArg{Name: v.Param, Value: value})
				return d.placeholder(len(named), v.Param), nil
			}
			args = append(args, value)
			return d.placeholder(len(args), ""), nil
		}
		if d.placeholder == nil {
			return inlineLiteral(v.Literal)
		}
		if d.named {
			name := fmt.Sprintf("p%d", len(named)+1)
			named = append(named, NamedArg{Name: name, Value: v.Literal})
			return d.placeholder(len(named), name), nil
		}
		args = append(args, v.Literal)
		return d.placeholder(len(args), ""), nil
	}

	b.WriteString("SELECT ")
	for i, c := range sq.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		switch {
		case c.Star && c.Aggregate != "":
			fmt.Fprintf(&b, "%s(*) AS %s",
				strings.ToUpper(c.Aggregate), d.quote(c.OutputName()))
		case c.Star:
			b.WriteString("*")
		case c.Aggregate != "":
			fmt.Fprintf(&b, "%s(%s) AS %s",
				strings.ToUpper(c.Aggregate), ident(c.Table, c.Name), d.quote(c.OutputName()))
		case c.OutputName() != c.Name:
			fmt.Fprintf(&b, "%s AS %s", ident(c.Table, c.Name), d.quote(c.OutputName()))
		default:
			b.WriteString(ident(c.Table, c.Name))
		}
	}

	b.WriteString(" FROM ")
	b.WriteString(tableExpr(sq.Tables[0], d))
	for i, j := range sq.Joins {
		if i+1 >= len(sq.Tables) {
			return "", nil, nil, fleeterrors.NewTranslationFailed(sq.Source,
				"join without a matching table reference")
		}
		fmt.Fprintf(&b, " %s JOIN %s ON %s = %s",
			string(j.Type), tableExpr(sq.Tables[i+1], d),
			d.quote(j.LeftTable)+"."+d.quote(j.LeftColumn),
			d.quote(j.RightTable)+"."+d.quote(j.RightColumn))
	}

	if len(sq.Where) > 0 {
		b.WriteString(" WHERE ")
		for i, c := range sq.Where {
			if i > 0 {
				b.WriteString(" AND ")
			}
			operand, err := bind(c.Value)
			if err != nil {
				return "", nil, nil, err
			}
			fmt.Fprintf(&b, "%s %s %s", ident(c.Table, c.Column), c.Operator, operand)
		}
	}

	if len(sq.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, g := range sq.GroupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.quote(g))
		}
	}

	if len(sq.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range sq.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ident(o.Table, o.Column))
			if o.Desc {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}

	if sq.Limit != nil {
		b.WriteString(" ")
		b.WriteString(d.limit(*sq.Limit))
	}

	return b.String(), args, named, nil
}

func tableExpr(t sqlparse.TableRef, d dialect) string {
	expr := d.quote(t.Name)
	if t.Alias != "" {
		expr += " AS " + d.quote(t.Alias)
	}
	return expr
}

// inlineLiteral renders a literal for backends without bound
// parameters. Strings are single-quoted with quote doubling; anything
// that cannot be rendered safely is rejected.
func inlineLiteral(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'", nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case int:
		return fmt.Sprintf("%d", x), nil
	case int32:
		return fmt.Sprintf("%d", x), nil
	case int64:
		return fmt.Sprintf("%d", x), nil
	case float32:
		return fmt.Sprintf("%g", x), nil
	case float64:
		return fmt.Sprintf("%g", x), nil
	default:
		return "", fleeterrors.NewTranslationFailed("",
			fmt.Sprintf("cannot render literal of type %T inline", v))
	}
}
