package rules

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestLookup(t *testing.T) {
	readings := map[string]interface{}{
		"readings": []interface{}{
			map[string]interface{}{"temp": 21},
			map[string]interface{}{"temp": 23.5},
		},
		"status": map[string]interface{}{"healthy": true},
		"name":   "greenhouse",
	}

	var tests = []struct {
		path  string
		want  interface{}
		found bool
	}{
		{"readings.0.temp", 21, true},
		{"readings.1.temp", 23.5, true},
		{"readings.-1.temp", 23.5, true},
		{"readings.2.temp", nil, false},
		{"readings.x", nil, false},
		{"status.healthy", true, true},
		{"status.missing", nil, false},
		{"name.first", nil, false},
		{"", nil, false},
	}

	for _, test := range tests {
		got, ok := Lookup(readings, test.path)
		if ok != test.found || got != test.want {
			t.Errorf("Lookup(%q) = %v, %v; want %v, %v", test.path, got, ok, test.want, test.found)
		}
	}
}

func TestLookup_EmptySequence(t *testing.T) {
	root := map[string]interface{}{"readings": []interface{}{}}
	if v, ok := Lookup(root, "readings.0.temp"); ok {
		t.Errorf("expected a miss, got %s", spew.Sdump(v))
	}

	c := Condition{Path: "readings.0.temp", Operator: OpGreaterThan, Value: 10}
	if c.Holds(root) {
		t.Errorf("condition on a missing path must not hold")
	}
}

func TestLookup_Results(t *testing.T) {
	results := Results{"climate": map[string]interface{}{"temperature": 31.2}}
	v, ok := Lookup(results, "climate.temperature")
	if !ok || v != 31.2 {
		t.Errorf("Lookup(climate.temperature) = %v, %v", v, ok)
	}
}

func TestLookup_TypedValues(t *testing.T) {
	root := map[string]interface{}{
		"ints":  []int{4, 5, 6},
		"table": map[string]int{"a": 1},
	}
	if v, ok := Lookup(root, "ints.2"); !ok || v != 6 {
		t.Errorf("Lookup(ints.2) = %v, %v", v, ok)
	}
	if v, ok := Lookup(root, "table.a"); !ok || v != 1 {
		t.Errorf("Lookup(table.a) = %v, %v", v, ok)
	}
	if _, ok := Lookup(nil, "a"); ok {
		t.Errorf("Lookup on nil must miss")
	}
}
