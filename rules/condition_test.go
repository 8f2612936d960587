package rules

import (
	"encoding/json"
	"math"
	"testing"
)

func TestEvaluate(t *testing.T) {
	var tests = []struct {
		value     interface{}
		op        Operator
		comparand interface{}
		want      bool
	}{
		{NotFound, OpGreaterThan, 10, false},
		{NotFound, OpEqual, NotFound, false},
		{5, OpLessThan, 10, true},
		{5, OpGreaterThan, 10, false},
		{"x", OpGreaterThan, 10, false},
		{"x", OpEqual, "x", true},
		{"b", OpGreaterThan, "a", true},
		{10, OpEqual, 10.0, true},
		{json.Number("12"), OpGreaterThan, 11, true},
		{true, OpEqual, 1, true},
		{false, OpLessThan, true, true},
		{nil, OpEqual, nil, true},
		{nil, OpEqual, 0, false},
		{math.NaN(), OpEqual, math.NaN(), false},
		{[]interface{}{1, 2}, OpEqual, []interface{}{1, 2}, true},
		{[]interface{}{1, 2}, OpGreaterThan, []interface{}{1}, false},
		{5, Operator("ne"), 4, false},
	}

	for _, test := range tests {
		if got := Evaluate(test.value, test.op, test.comparand); got != test.want {
			t.Errorf("Evaluate(%v, %s, %v) = %v, want %v", test.value, test.op, test.comparand, got, test.want)
		}
	}
}

func TestCompare_Incomparable(t *testing.T) {
	if o := Compare("10", 10); o != Incomparable {
		t.Errorf("Compare(\"10\", 10) = %s, want %s", o, Incomparable)
	}
	if o := Compare(map[string]interface{}{"a": 1}, "a"); o != Incomparable {
		t.Errorf("Compare(map, string) = %s, want %s", o, Incomparable)
	}
	var zero Ordering
	if zero != Incomparable {
		t.Errorf("zero Ordering must be Incomparable")
	}
}

func TestParseOperator(t *testing.T) {
	var tests = []struct {
		in   string
		want Operator
	}{
		{"eq", OpEqual},
		{"equals", OpEqual},
		{"==", OpEqual},
		{"gt", OpGreaterThan},
		{"greater-than", OpGreaterThan},
		{">", OpGreaterThan},
		{"lt", OpLessThan},
		{"less-than", OpLessThan},
		{"<", OpLessThan},
	}
	for _, test := range tests {
		got, err := ParseOperator(test.in)
		if err != nil || got != test.want {
			t.Errorf("ParseOperator(%q) = %q, %v; want %q", test.in, got, err, test.want)
		}
	}

	if _, err := ParseOperator("between"); err == nil {
		t.Errorf("ParseOperator(between) should fail")
	}
}
