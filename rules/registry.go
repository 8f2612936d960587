package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidParam  = errors.New("invalid parameter")
	ErrWrongHandle   = errors.New("pin handle does not fit action")
)

// ActionFunc runs one rule. pin is nil for pin-less rules. The returned value is
// stored under the pin's identifier.
type ActionFunc func(ctx context.Context, env *Env, pin pins.Handle, rule config.Rule, params Params) (interface{}, error)

// ActionSpec describes an action and what it needs from its configuration.
type ActionSpec struct {
	Name string
	Func ActionFunc

	// Handle is the pin kind the action reads or drives, KindNone for pin-less
	// actions. Output marks actions that write to the pin.
	Handle pins.Kind
	Output bool

	// Required input keys.
	Required []string

	// Validate checks the literal (non-reference) inputs at compile time.
	Validate func(literals Params) error

	// Prepare compiles literal inputs once. known reports whether a name resolves
	// at run time. The returned values replace their inputs on every execution.
	Prepare func(literals Params, known func(name string) bool) (Params, error)
}

// Registry is the closed catalog of actions rules may name.
type Registry struct {
	actions map[string]ActionSpec
}

// NewRegistry builds a registry from specs. A later spec replaces an earlier one
// with the same name.
func NewRegistry(specs ...ActionSpec) *Registry {
	r := &Registry{actions: make(map[string]ActionSpec, len(specs))}
	for _, s := range specs {
		r.actions[s.Name] = s
	}
	return r
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (ActionSpec, bool) {
	s, ok := r.actions[name]
	return s, ok
}

// Names lists the registered actions in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns every built-in action.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ActionSpec{Name: "read", Func: read, Handle: pins.KindDigital},
		ActionSpec{Name: "read_avg_sample", Func: readAvgSample, Handle: pins.KindDigital, Validate: validateSampleSize},
		ActionSpec{Name: "read_min_sample", Func: readMinSample, Handle: pins.KindDigital, Validate: validateSampleSize},
		ActionSpec{Name: "read_max_sample", Func: readMaxSample, Handle: pins.KindDigital, Validate: validateSampleSize},
		ActionSpec{Name: "read_bool_sample", Func: readBoolSample, Handle: pins.KindDigital, Validate: validateSampleSize},
		ActionSpec{Name: "read_analog", Func: readAnalog, Handle: pins.KindAnalog},
		ActionSpec{Name: "read_bool_analog", Func: readBoolAnalog, Handle: pins.KindAnalog},
		ActionSpec{Name: "read_percent_analog", Func: readPercentAnalog, Handle: pins.KindAnalog, Validate: validateResolution},
		ActionSpec{Name: "read_avg_analog_sample", Func: readAvgAnalogSample, Handle: pins.KindAnalog, Validate: validateSampleSize},
		ActionSpec{Name: "read_bool_analog_sample", Func: readBoolAnalogSample, Handle: pins.KindAnalog, Validate: validateSampleSize},
		ActionSpec{Name: "read_bus", Func: readBus, Handle: pins.KindBus},
		ActionSpec{Name: "toggle", Func: toggle, Handle: pins.KindDigital, Output: true, Required: []string{"on"}},
		ActionSpec{Name: "timer", Func: timer, Required: []string{"gmt_start_time", "gmt_end_time"}},
		ActionSpec{Name: "service", Func: service, Required: []string{"url", "condition"}, Validate: validateServiceCondition},
		ActionSpec{Name: "mqtt_toggle", Func: mqttToggle, Required: []string{"queue"}},
		ActionSpec{Name: "expression", Func: expression, Required: []string{"expression"}, Prepare: prepareExpression},
	)
}

func validateSampleSize(literals Params) error {
	if !literals.Has("sample_size") {
		return nil
	}
	n, err := literals.Int("sample_size", defaultSampleSize)
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: sample_size must be at least 1, got %d", ErrInvalidParam, n)
	}
	return nil
}

func validateResolution(literals Params) error {
	if !literals.Has("resolution") {
		return nil
	}
	r, err := literals.Float("resolution", 0)
	if err != nil {
		return err
	}
	if r <= 0 {
		return fmt.Errorf("%w: resolution must be positive", ErrInvalidParam)
	}
	return nil
}

func validateServiceCondition(literals Params) error {
	if !literals.Has("condition") {
		return nil
	}
	_, err := serviceCondition(literals)
	return err
}
