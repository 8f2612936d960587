package rules

import (
	"reflect"
	"strconv"
	"strings"
)

type notFound struct{}

func (notFound) String() string { return "<not found>" }

// NotFound stands in for the value of a path that does not resolve. It never
// compares equal, greater or less than anything.
var NotFound interface{} = notFound{}

// IsNotFound reports whether v is the NotFound sentinel.
func IsNotFound(v interface{}) bool {
	_, ok := v.(notFound)
	return ok
}

// Lookup resolves a dotted path such as "readings.0.temp" inside nested maps and
// sequences. Each segment is tried as a sequence index first and as a map key
// otherwise. A missing key, an index out of range or a step into a scalar yields
// (nil, false); Lookup never panics on malformed data.
func Lookup(root interface{}, path string) (interface{}, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur interface{}, seg string) (interface{}, bool) {
	switch c := cur.(type) {
	case nil:
		return nil, false
	case Results:
		v, ok := c[seg]
		return v, ok
	case map[string]interface{}:
		v, ok := c[seg]
		return v, ok
	case []interface{}:
		if i, ok := index(seg, len(c)); ok {
			return c[i], true
		}
		return nil, false
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if i, ok := index(seg, rv.Len()); ok {
			return rv.Index(i).Interface(), true
		}
	case reflect.Map:
		kt := rv.Type().Key()
		if kt.Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(seg).Convert(kt))
		if mv.IsValid() {
			return mv.Interface(), true
		}
	case reflect.Ptr, reflect.Interface:
		if !rv.IsNil() {
			return step(rv.Elem().Interface(), seg)
		}
	}
	return nil, false
}

// index parses seg as a sequence index. Negative indices count from the end.
func index(seg string, n int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}
