package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Params are the resolved inputs of one rule invocation.
type Params map[string]interface{}

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Int returns the parameter as an integer, def when it is absent.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	if f, ok := toFloat(v); ok {
		return int(f), nil
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidParam, key, v)
}

// Float returns the parameter as a float, def when it is absent.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be a number, got %v", ErrInvalidParam, key, v)
}

// Bool returns the truthiness of the parameter, def when it is absent.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	return Truthy(v)
}

// String returns the parameter formatted as text. Absent parameters are an error.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParam, key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// OptionalString is String with "" for absent parameters.
func (p Params) OptionalString(key string) string {
	s, err := p.String(key)
	if err != nil {
		return ""
	}
	return s
}

// Map returns a structured parameter.
func (p Params) Map(key string) (map[string]interface{}, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidParam, key)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a map, got %T", ErrInvalidParam, key, v)
	}
	return m, nil
}
