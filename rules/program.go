package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
)

// Program is the compiled, validated form of the pins list. Pins keep their
// configured order; nothing is reordered to satisfy references.
type Program struct {
	Pins []*Pin
}

// Pin is one compiled rule.
type Pin struct {
	Config config.Pin
	Action ActionSpec
	Inputs map[string]Expression

	keys     []string
	prepared Params
	schedule cron.Schedule
	next     time.Time
}

// ID is the identifier results are stored under.
func (p *Pin) ID() string {
	return p.Config.Identifier
}

// KindOf maps a pin configuration to the handle it needs.
func KindOf(p config.Pin) pins.Kind {
	switch {
	case p.PinNumber == nil:
		return pins.KindNone
	case p.Bus:
		return pins.KindBus
	case p.Analog:
		return pins.KindAnalog
	}
	return pins.KindDigital
}

// SpecOf returns the driver spec for p and false for pin-less rules.
func SpecOf(p config.Pin) (pins.Spec, bool) {
	kind := KindOf(p)
	if kind == pins.KindNone {
		return pins.Spec{}, false
	}
	return pins.Spec{Number: *p.PinNumber, Kind: kind, Input: p.Read, Address: p.Address}, true
}

// Compile validates every rule against the registry: the action must exist, fit
// the pin kind, get its required inputs and pass its literal checks.
func Compile(cfgPins []config.Pin, reg *Registry) (*Program, error) {
	ids := make(map[string]bool, len(cfgPins))
	for _, cp := range cfgPins {
		ids[cp.Identifier] = true
	}

	prog := &Program{Pins: make([]*Pin, 0, len(cfgPins))}
	for _, cp := range cfgPins {
		p, err := compilePin(cp, reg, ids)
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", cp.Identifier, err)
		}
		prog.Pins = append(prog.Pins, p)
	}
	return prog, nil
}

func compilePin(cp config.Pin, reg *Registry, ids map[string]bool) (*Pin, error) {
	spec, ok := reg.Lookup(cp.Rule.Action)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, cp.Rule.Action)
	}

	kind := KindOf(cp)
	if spec.Handle != pins.KindNone && spec.Handle != kind {
		return nil, fmt.Errorf("%w: %s needs a %s pin, configured as %s", ErrWrongHandle, spec.Name, spec.Handle, kind)
	}
	if spec.Output && cp.Read {
		return nil, fmt.Errorf("%w: %s drives the pin, configured as input", ErrWrongHandle, spec.Name)
	}

	p := &Pin{Config: cp, Action: spec, Inputs: make(map[string]Expression, len(cp.Rule.Input))}
	literals := Params{}
	for key, raw := range cp.Rule.Input {
		e, err := ParseExpression(raw)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		p.Inputs[key] = e
		p.keys = append(p.keys, key)
		switch v := e.(type) {
		case Literal:
			literals[key] = v.Value
		case Reference:
			// names no pin, so it always resolves to its own text
			if !ids[string(v)] {
				literals[key] = string(v)
			}
		}
	}
	sort.Strings(p.keys)

	for _, key := range spec.Required {
		if _, ok := p.Inputs[key]; !ok {
			return nil, fmt.Errorf("%w: %s requires input %q", ErrInvalidParam, spec.Name, key)
		}
	}
	if spec.Validate != nil {
		if err := spec.Validate(literals); err != nil {
			return nil, err
		}
	}
	if spec.Prepare != nil {
		known := func(name string) bool {
			_, input := p.Inputs[name]
			return ids[name] || input
		}
		prepared, err := spec.Prepare(literals, known)
		if err != nil {
			return nil, err
		}
		p.prepared = prepared
	}

	if cp.Schedule != "" {
		s, err := cron.ParseStandard(cp.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidParam, cp.Schedule, err)
		}
		p.schedule = s
	}
	return p, nil
}

// Resolve evaluates every input against the current results.
func (p *Pin) Resolve(results Results) Params {
	params := make(Params, len(p.Inputs))
	for _, key := range p.keys {
		params[key] = p.Inputs[key].Resolve(results)
	}
	return params
}

// Due reports whether the rule runs on this tick: the tick must be a multiple of
// the interval and, with a schedule, its next activation must have come.
func (p *Pin) Due(tick uint64, now time.Time) bool {
	interval := p.Config.Interval
	if interval < 1 {
		interval = 1
	}
	if tick%uint64(interval) != 0 {
		return false
	}
	if p.schedule != nil && !p.next.IsZero() && now.Before(p.next) {
		return false
	}
	return true
}

// Execute runs the action and, on success, advances the schedule. Inputs prepared
// at compile time replace their entries in params.
func (p *Pin) Execute(ctx context.Context, env *Env, handle pins.Handle, params Params) (interface{}, error) {
	for k, v := range p.prepared {
		params[k] = v
	}
	v, err := p.Action.Func(ctx, env, handle, p.Config.Rule, params)
	if err != nil {
		return nil, err
	}
	if p.schedule != nil {
		p.next = p.schedule.Next(env.clock().Now())
	}
	return v, nil
}
