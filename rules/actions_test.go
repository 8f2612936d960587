package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
	"github.com/crenz/sensornode/retry"
	"github.com/crenz/sensornode/test"
)

func newTestEnv() (*Env, *test.Clock) {
	clock := test.NewClock(time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC))
	return &Env{
		Clock:       clock,
		Results:     Results{},
		SensorRetry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, clock
}

func run(t *testing.T, name string, env *Env, pin pins.Handle, params Params) interface{} {
	t.Helper()
	spec, ok := DefaultRegistry().Lookup(name)
	if !ok {
		t.Fatalf("action %s not registered", name)
	}
	v, err := spec.Func(context.Background(), env, pin, config.Rule{Action: name}, params)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

func TestInWindow(t *testing.T) {
	var tests = []struct {
		now  string
		want bool
	}{
		{"11:59", true},
		{"06:00", false},
		{"06:01", true},
		{"17:59", true},
		{"18:00", false},
		{"18:01", false},
		{"00:30", false},
	}
	for _, test := range tests {
		now, err := time.Parse("15:04", test.now)
		if err != nil {
			t.Fatal(err)
		}
		if got := InWindow(now, "0600", "1800"); got != test.want {
			t.Errorf("InWindow(%s, 0600, 1800) = %v, want %v", test.now, got, test.want)
		}
	}

	now, _ := time.Parse("15:04", "07:15")
	if !InWindow(now, "6:00", "18:00") {
		t.Errorf("colon and unpadded bounds should be normalised")
	}
}

func TestTimer(t *testing.T) {
	env, clock := newTestEnv()
	params := Params{"gmt_start_time": "0600", "gmt_end_time": "1800"}

	if v := run(t, "timer", env, nil, params); v != true {
		t.Errorf("timer at 11:59 = %v, want true", v)
	}
	clock.Set(time.Date(2026, 3, 1, 18, 1, 0, 0, time.UTC))
	if v := run(t, "timer", env, nil, params); v != false {
		t.Errorf("timer at 18:01 = %v, want false", v)
	}
}

func TestRead(t *testing.T) {
	env, _ := newTestEnv()
	sim := pins.NewSim()
	sim.Pin(4).SetValue(1)

	if v := run(t, "read", env, sim.Pin(4), Params{}); v != 1 {
		t.Errorf("read = %v, want 1", v)
	}
	if v := run(t, "read", env, sim.Pin(4), Params{"reverse": true}); v != 0 {
		t.Errorf("reversed read = %v, want 0", v)
	}
}

func TestRead_RetriesTransientFaults(t *testing.T) {
	env, _ := newTestEnv()
	sim := pins.NewSim()
	sim.Pin(4).SetValue(1)
	sim.Pin(4).FailNext(2)

	if v := run(t, "read", env, sim.Pin(4), Params{}); v != 1 {
		t.Errorf("read = %v, want 1", v)
	}

	sim.Pin(4).FailNext(3)
	spec, _ := DefaultRegistry().Lookup("read")
	_, err := spec.Func(context.Background(), env, sim.Pin(4), config.Rule{}, Params{})
	if !errors.Is(err, pins.ErrSimulatedFault) {
		t.Errorf("expected the pin fault after exhausting retries, got %v", err)
	}
}

func TestSampleAggregates(t *testing.T) {
	var tests = []struct {
		action string
		value  int
		want   interface{}
	}{
		{"read_avg_sample", 1, 1},
		{"read_min_sample", 1, 1},
		{"read_max_sample", 0, 0},
		{"read_bool_sample", 1, true},
		{"read_bool_sample", 0, false},
	}
	for _, test := range tests {
		env, clock := newTestEnv()
		sim := pins.NewSim()
		sim.Pin(2).SetValue(test.value)

		got := run(t, test.action, env, sim.Pin(2), Params{"sample_size": 3})
		if got != test.want {
			t.Errorf("%s = %v, want %v", test.action, got, test.want)
		}
		if slept := clock.Slept(); len(slept) != 2 || slept[0] != samplePacing {
			t.Errorf("%s: expected two pacing sleeps, got %s", test.action, spew.Sdump(slept))
		}
	}
}

func TestSampleSize_DefaultAndInvalid(t *testing.T) {
	env, clock := newTestEnv()
	sim := pins.NewSim()
	run(t, "read_avg_sample", env, sim.Pin(2), Params{})
	if n := len(clock.Slept()); n != defaultSampleSize-1 {
		t.Errorf("default sampling slept %d times, want %d", n, defaultSampleSize-1)
	}

	spec, _ := DefaultRegistry().Lookup("read_avg_sample")
	_, err := spec.Func(context.Background(), env, sim.Pin(2), config.Rule{}, Params{"sample_size": 0})
	if !errors.Is(err, ErrInvalidParam) {
		t.Errorf("sample_size 0 should be rejected, got %v", err)
	}
}

func TestAnalogActions(t *testing.T) {
	var tests = []struct {
		action   string
		readings []int
		params   Params
		want     interface{}
	}{
		{"read_analog", []int{512}, Params{}, 512},
		{"read_bool_analog", []int{700}, Params{"threshold": 600}, true},
		{"read_bool_analog", []int{600}, Params{"threshold": 600}, false},
		{"read_bool_analog", []int{1023}, Params{}, false},
		{"read_percent_analog", []int{512}, Params{}, 50.0},
		{"read_percent_analog", []int{1}, Params{"resolution": 3}, 33.3},
		{"read_percent_analog", []int{2000}, Params{}, 100.0},
		{"read_avg_analog_sample", []int{10, 20, 31}, Params{"sample_size": 3}, 20},
		{"read_bool_analog_sample", []int{700, 800, 650}, Params{"sample_size": 3, "threshold": 600}, true},
		{"read_bool_analog_sample", []int{700, 500, 650}, Params{"sample_size": 3, "threshold": 600}, false},
	}

	for _, test := range tests {
		env, _ := newTestEnv()
		sim := pins.NewSim()
		sim.Pin(0).SetAnalog(test.readings...)

		if got := run(t, test.action, env, sim.Pin(0), test.params); got != test.want {
			t.Errorf("%s(%v, %v) = %v, want %v", test.action, test.readings, test.params, got, test.want)
		}
	}
}

func TestReadBus(t *testing.T) {
	env, _ := newTestEnv()
	sim := pins.NewSim()
	sim.Pin(1).SetReading(map[string]interface{}{"temperature": 21.5, "humidity": 40})

	got, ok := run(t, "read_bus", env, sim.Pin(1), Params{}).(map[string]interface{})
	if !ok || got["temperature"] != 21.5 {
		t.Errorf("read_bus = %s", spew.Sdump(got))
	}
}

func TestToggle(t *testing.T) {
	env, _ := newTestEnv()
	sim := pins.NewSim()
	pump := sim.Pin(17)

	if v := run(t, "toggle", env, pump, Params{"on": []interface{}{}}); v != 0 {
		t.Errorf("toggle(empty list) = %v, want 0", v)
	}
	if v := run(t, "toggle", env, pump, Params{"on": true}); v != 1 {
		t.Errorf("toggle(true) = %v, want 1", v)
	}
	if v := run(t, "toggle", env, pump, Params{"on": "door"}); v != 1 {
		t.Errorf("toggle(unresolved name) = %v, want 1", v)
	}
	if pump.Writes() != 3 {
		t.Errorf("expected 3 writes, got %d", pump.Writes())
	}
}

func TestWrongHandle(t *testing.T) {
	env, _ := newTestEnv()
	spec, _ := DefaultRegistry().Lookup("read")
	if _, err := spec.Func(context.Background(), env, nil, config.Rule{}, Params{}); !errors.Is(err, ErrWrongHandle) {
		t.Errorf("read without a pin: got %v, want ErrWrongHandle", err)
	}
}
