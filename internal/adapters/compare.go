package adapters

import (
	"fmt"
	"strings"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

// Compare evaluates one WHERE predicate against a scalar. A NULL on
// either side never matches, the answer a backend gives the same
// predicate when it is pushed down.
func Compare(left interface{}, operator string, right interface{}) (bool, error) {
	switch operator {
	case "=", "!=", "<", "<=", ">", ">=", "LIKE":
		if left == nil || right == nil {
			return false, nil
		}
	}
	switch operator {
	case "=":
		return CompareValues(left, right) == 0, nil
	case "!=":
		return CompareValues(left, right) != 0, nil
	case "<":
		return CompareValues(left, right) < 0, nil
	case "<=":
		return CompareValues(left, right) <= 0, nil
	case ">":
		return CompareValues(left, right) > 0, nil
	case ">=":
		return CompareValues(left, right) >= 0, nil
	case "LIKE":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, nil
		}
		return likeMatch(ls, rs), nil
	default:
		return false, fleeterrors.NewUnsupportedSyntax("unknown operator " + operator)
	}
}

// CompareValues orders two scalars: numbers numerically, everything
// else by string form. NULL sorts before any value.
func CompareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := ToFloat(a)
	bf, bok := ToFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// ToFloat widens any numeric scalar to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// likeMatch evaluates a SQL LIKE pattern with % and _ wildcards.
func likeMatch(s, p string) bool {
	if p == "" {
		return s == ""
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && likeMatch(s[1:], p[1:])
	default:
		return s != "" && s[0] == p[0] && likeMatch(s[1:], p[1:])
	}
}
