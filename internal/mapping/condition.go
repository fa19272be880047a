package mapping

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/graphloom-io/graphloom/internal/jsonpath"
)

// Expression is a subexpression combinator.
type Expression string

// Combinators.
const (
	ExpressionAnd Expression = "AND"
	ExpressionOr  Expression = "OR"
)

// Operator is a condition comparison operator.
type Operator string

// Operators. Numeric operators compare coerced float64 values, "contains"
// is a substring test on the stringified resolved value, and "in" is a
// membership test against the comma-split expected value.
const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpIn           Operator = "in"
	OpContains     Operator = "contains"
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
)

// Subexpression is one step of a condition's ordered fold.
type Subexpression struct {
	Expression Expression `json:"expression"`
	Key        string     `json:"key"`
	Operator   Operator   `json:"operator"`
	Value      any        `json:"value"`
}

// Condition decides whether a transformation applies to a payload.
//
// The base comparison evaluates first; each subexpression then combines
// with the running result in list order using its combinator. The fold is
// strictly left to right with no operator-precedence grouping; the order
// is observable: base=true with [AND false, OR true] is true, while
// [OR true, AND false] is false.
type Condition struct {
	Key            string          `json:"key"`
	Operator       Operator        `json:"operator"`
	Value          any             `json:"value"`
	Subexpressions []Subexpression `json:"subexpressions,omitempty"`
}

// EvaluateCondition evaluates the condition tree against a payload.
// Implemented as an iterative fold over the subexpression list to keep
// evaluation order auditable. A key that fails to resolve makes its
// comparison false; it never aborts the fold.
func EvaluateCondition(c Condition, payload any, indices []int) bool {
	result := compareResolved(c.Key, c.Operator, c.Value, payload, indices)

	for _, sub := range c.Subexpressions {
		subResult := compareResolved(sub.Key, sub.Operator, sub.Value, payload, indices)

		switch sub.Expression {
		case ExpressionAnd:
			result = result && subResult
		case ExpressionOr:
			result = result || subResult
		}
	}

	return result
}

func compareResolved(key string, op Operator, expected any, payload any, indices []int) bool {
	value, ok := jsonpath.Resolve(key, payload, indices)
	if !ok {
		return false
	}

	return compare(op, value, expected)
}

func compare(op Operator, value, expected any) bool {
	switch op {
	case OpEqual:
		return looselyEqual(value, expected)
	case OpNotEqual:
		return !looselyEqual(value, expected)
	case OpIn:
		needle := stringify(value)
		for _, candidate := range strings.Split(stringify(expected), ",") {
			if strings.TrimSpace(candidate) == needle {
				return true
			}
		}

		return false
	case OpContains:
		return strings.Contains(stringify(value), stringify(expected))
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		left, leftOK := toFloat(value)
		right, rightOK := toFloat(expected)

		if !leftOK || !rightOK {
			return false
		}

		switch op {
		case OpLess:
			return left < right
		case OpLessEqual:
			return left <= right
		case OpGreater:
			return left > right
		default:
			return left >= right
		}
	default:
		return false
	}
}

// looselyEqual compares numerically when both sides coerce to numbers,
// otherwise by stringified value. Payload numbers arrive as float64 from
// JSON decoding while stored expectations may be strings, so "0.1" and 0.1
// must compare equal.
func looselyEqual(value, expected any) bool {
	left, leftOK := toFloat(value)
	right, rightOK := toFloat(expected)

	if leftOK && rightOK {
		return left == right
	}

	return stringify(value) == stringify(expected)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)

		return parsed, err == nil
	default:
		return 0, false
	}
}
