package rules

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Expression is one rule input. Resolving never fails: misses degrade to the
// literal text, false or NotFound so the tick keeps running with incomplete history.
type Expression interface {
	Resolve(results Results) interface{}
}

// Literal is passed through unchanged, structured values included.
type Literal struct {
	Value interface{}
}

func (l Literal) Resolve(Results) interface{} {
	return l.Value
}

// Reference names a stored result. A name with no stored result resolves to the
// name itself.
type Reference string

func (r Reference) Resolve(results Results) interface{} {
	if v, ok := results[string(r)]; ok {
		return v
	}
	return string(r)
}

// ListItem is either a single expression or a nested AND group.
type ListItem struct {
	Expr  Expression
	Group []Expression
}

// ReferenceList combines its items by truthiness. Without nested groups the result
// is the AND of all items. With at least one nested group it is the OR of the items,
// each group counting as the AND of its members.
type ReferenceList struct {
	Items []ListItem
}

func (l ReferenceList) Resolve(results Results) interface{} {
	nested := false
	values := make([]bool, 0, len(l.Items))
	for _, item := range l.Items {
		if item.Group != nil {
			nested = true
			values = append(values, allTruthy(item.Group, results))
			continue
		}
		values = append(values, Truthy(item.Expr.Resolve(results)))
	}

	if nested {
		for _, v := range values {
			if v {
				return true
			}
		}
		return false
	}
	for _, v := range values {
		if !v {
			return false
		}
	}
	return true
}

func allTruthy(group []Expression, results Results) bool {
	for _, e := range group {
		if !Truthy(e.Resolve(results)) {
			return false
		}
	}
	return true
}

// Conditional is true when every Must condition holds, or when any Should condition
// holds. An empty Must is vacuously true, an empty Should vacuously false.
type Conditional struct {
	Must   []Condition
	Should []Condition
}

func (c Conditional) Resolve(results Results) interface{} {
	must := true
	for _, cond := range c.Must {
		if !cond.Holds(results) {
			must = false
			break
		}
	}
	if must {
		return true
	}
	for _, cond := range c.Should {
		if cond.Holds(results) {
			return true
		}
	}
	return false
}

// ParseExpression turns a raw configuration value into an Expression.
// Strings become references, sequences reference lists, maps whose only keys are
// "must" and "should" conditionals, and everything else a literal.
func ParseExpression(raw interface{}) (Expression, error) {
	switch v := raw.(type) {
	case string:
		return Reference(v), nil
	case []interface{}:
		return parseList(v)
	case map[string]interface{}:
		if isConditional(v) {
			return parseConditional(v)
		}
	}
	return Literal{Value: raw}, nil
}

func parseList(raw []interface{}) (Expression, error) {
	l := ReferenceList{Items: make([]ListItem, 0, len(raw))}
	for i, item := range raw {
		nested, ok := item.([]interface{})
		if !ok {
			e, err := ParseExpression(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			l.Items = append(l.Items, ListItem{Expr: e})
			continue
		}

		group := make([]Expression, 0, len(nested))
		for j, member := range nested {
			e, err := ParseExpression(member)
			if err != nil {
				return nil, fmt.Errorf("item %d.%d: %w", i, j, err)
			}
			group = append(group, e)
		}
		l.Items = append(l.Items, ListItem{Group: group})
	}
	return l, nil
}

func isConditional(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if k != "must" && k != "should" {
			return false
		}
	}
	return true
}

func parseConditional(m map[string]interface{}) (Expression, error) {
	var c Conditional
	var err error
	if c.Must, err = parseConditions(m["must"]); err != nil {
		return nil, fmt.Errorf("must: %w", err)
	}
	if c.Should, err = parseConditions(m["should"]); err != nil {
		return nil, fmt.Errorf("should: %w", err)
	}
	return c, nil
}

// parseConditions accepts {"path": {...}, ...} or [{"path": {...}}, ...].
func parseConditions(raw interface{}) ([]Condition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return conditionsFromMap(v)
	case []interface{}:
		var out []Condition
		for i, entry := range v {
			m, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: entry %d is %T, want a map", ErrInvalidParam, i, entry)
			}
			conds, err := conditionsFromMap(m)
			if err != nil {
				return nil, err
			}
			out = append(out, conds...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: condition group is %T", ErrInvalidParam, raw)
}

func conditionsFromMap(m map[string]interface{}) ([]Condition, error) {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]Condition, 0, len(m))
	for _, p := range paths {
		c, err := ParseCondition(p, m[p])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseCondition builds a condition from a {"operator": ..., "value": ...} map.
func ParseCondition(path string, raw interface{}) (Condition, error) {
	spec, ok := raw.(map[string]interface{})
	if !ok {
		return Condition{}, fmt.Errorf("%w: condition for %q is %T, want a map", ErrInvalidParam, path, raw)
	}
	opName, _ := spec["operator"].(string)
	op, err := ParseOperator(opName)
	if err != nil {
		return Condition{}, fmt.Errorf("condition for %q: %w", path, err)
	}
	if strings.TrimSpace(path) == "" {
		return Condition{}, fmt.Errorf("%w: empty condition path", ErrInvalidParam)
	}
	return Condition{Path: path, Operator: op, Value: spec["value"]}, nil
}

// Truthy reports the boolean meaning of a resolved value: nil, false, zero numbers,
// empty strings, empty collections and NotFound are false.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case notFound:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
