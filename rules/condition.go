package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Operator is a comparison used by conditional inputs and the service action.
type Operator string

const (
	OpEqual       Operator = "eq"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
)

// ParseOperator accepts the short names and their spelled-out aliases.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "equals", "==":
		return OpEqual, nil
	case "gt", "greater-than", ">":
		return OpGreaterThan, nil
	case "lt", "less-than", "<":
		return OpLessThan, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidParam, s)
}

// Ordering is the outcome of comparing two values.
type Ordering int

const (
	// Incomparable means the values have no defined order, e.g. a string and a
	// number, or a path that did not resolve.
	Incomparable Ordering = iota
	Less
	Equal
	Greater
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

// Compare orders a against b. Numbers (every numeric kind, booleans as 1 and 0)
// compare numerically and strings lexically. Structured values can only be Equal.
func Compare(a, b interface{}) Ordering {
	if IsNotFound(a) || IsNotFound(b) {
		return Incomparable
	}

	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case math.IsNaN(af) || math.IsNaN(bf):
			return Incomparable
		case af < bf:
			return Less
		case af > bf:
			return Greater
		}
		return Equal
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		switch strings.Compare(as, bs) {
		case -1:
			return Less
		case 1:
			return Greater
		}
		return Equal
	}
	if aNum || bNum || aStr || bStr {
		return Incomparable
	}

	if reflect.DeepEqual(a, b) {
		return Equal
	}
	return Incomparable
}

// Evaluate applies op to value and comparand. Incomparable values never satisfy a
// condition.
func Evaluate(value interface{}, op Operator, comparand interface{}) bool {
	o := Compare(value, comparand)
	switch op {
	case OpEqual:
		return o == Equal
	case OpGreaterThan:
		return o == Greater
	case OpLessThan:
		return o == Less
	}
	return false
}

// Condition tests the value at a dotted path.
type Condition struct {
	Path     string
	Operator Operator
	Value    interface{}
}

// Holds looks the path up in root and evaluates the condition. A miss is false.
func (c Condition) Holds(root interface{}) bool {
	v, ok := Lookup(root, c.Path)
	if !ok {
		v = NotFound
	}
	return Evaluate(v, c.Operator, c.Value)
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Path, c.Operator, c.Value)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
