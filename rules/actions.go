package rules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
	"github.com/crenz/sensornode/retry"
)

const (
	defaultSampleSize = 5
	samplePacing      = 500 * time.Millisecond
)

func digital(pin pins.Handle) (pins.Digital, error) {
	d, ok := pin.(pins.Digital)
	if !ok {
		return nil, fmt.Errorf("%w: want digital, got %T", ErrWrongHandle, pin)
	}
	return d, nil
}

func analog(pin pins.Handle) (pins.Analog, error) {
	a, ok := pin.(pins.Analog)
	if !ok {
		return nil, fmt.Errorf("%w: want analog, got %T", ErrWrongHandle, pin)
	}
	return a, nil
}

func readDigital(ctx context.Context, env *Env, pin pins.Handle, params Params) (int, error) {
	d, err := digital(pin)
	if err != nil {
		return 0, err
	}
	v, err := retry.DoWithResult(ctx, env.sensorRetry(), d.Value)
	if err != nil {
		return 0, err
	}
	if params.Bool("reverse", false) {
		if v == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return v, nil
}

func readAnalogValue(ctx context.Context, env *Env, pin pins.Handle) (int, error) {
	a, err := analog(pin)
	if err != nil {
		return 0, err
	}
	return retry.DoWithResult(ctx, env.sensorRetry(), a.Read)
}

func sampleSize(params Params) (int, error) {
	n, err := params.Int("sample_size", defaultSampleSize)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: sample_size must be at least 1, got %d", ErrInvalidParam, n)
	}
	return n, nil
}

// collect takes sample_size readings spaced by samplePacing.
func collect(ctx context.Context, env *Env, params Params, readOne func() (int, error)) ([]int, error) {
	n, err := sampleSize(params)
	if err != nil {
		return nil, err
	}
	readings := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := env.clock().Sleep(ctx, samplePacing); err != nil {
				return nil, err
			}
		}
		v, err := readOne()
		if err != nil {
			return nil, err
		}
		readings = append(readings, v)
	}
	return readings, nil
}

func threshold(env *Env, params Params) (float64, error) {
	return params.Float("threshold", float64(env.resolution()))
}

func read(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	return readDigital(ctx, env, pin, params)
}

func readDigitalSamples(ctx context.Context, env *Env, pin pins.Handle, params Params) ([]int, error) {
	return collect(ctx, env, params, func() (int, error) {
		return readDigital(ctx, env, pin, params)
	})
}

func readAvgSample(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	readings, err := readDigitalSamples(ctx, env, pin, params)
	if err != nil {
		return nil, err
	}
	return mean(readings), nil
}

func readMinSample(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	readings, err := readDigitalSamples(ctx, env, pin, params)
	if err != nil {
		return nil, err
	}
	m := readings[0]
	for _, v := range readings[1:] {
		if v < m {
			m = v
		}
	}
	return m, nil
}

func readMaxSample(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	readings, err := readDigitalSamples(ctx, env, pin, params)
	if err != nil {
		return nil, err
	}
	m := readings[0]
	for _, v := range readings[1:] {
		if v > m {
			m = v
		}
	}
	return m, nil
}

func readBoolSample(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	readings, err := readDigitalSamples(ctx, env, pin, params)
	if err != nil {
		return nil, err
	}
	for _, v := range readings {
		if v == 0 {
			return false, nil
		}
	}
	return true, nil
}

func readAnalog(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, _ Params) (interface{}, error) {
	return readAnalogValue(ctx, env, pin)
}

func readBoolAnalog(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	limit, err := threshold(env, params)
	if err != nil {
		return nil, err
	}
	v, err := readAnalogValue(ctx, env, pin)
	if err != nil {
		return nil, err
	}
	return float64(v) > limit, nil
}

// readPercentAnalog scales the reading to 0..100 of the ADC range, one decimal.
func readPercentAnalog(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	resolution, err := params.Float("resolution", float64(env.resolution()))
	if err != nil {
		return nil, err
	}
	if resolution <= 0 {
		return nil, fmt.Errorf("%w: resolution must be positive", ErrInvalidParam)
	}
	v, err := readAnalogValue(ctx, env, pin)
	if err != nil {
		return nil, err
	}
	pct := math.Min(100, math.Max(0, float64(v)*100/resolution))
	return math.Round(pct*10) / 10, nil
}

func readAvgAnalogSample(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	readings, err := collect(ctx, env, params, func() (int, error) {
		return readAnalogValue(ctx, env, pin)
	})
	if err != nil {
		return nil, err
	}
	return mean(readings), nil
}

func readBoolAnalogSample(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	limit, err := threshold(env, params)
	if err != nil {
		return nil, err
	}
	readings, err := collect(ctx, env, params, func() (int, error) {
		return readAnalogValue(ctx, env, pin)
	})
	if err != nil {
		return nil, err
	}
	for _, v := range readings {
		if float64(v) <= limit {
			return false, nil
		}
	}
	return true, nil
}

func readBus(ctx context.Context, env *Env, pin pins.Handle, _ config.Rule, _ Params) (interface{}, error) {
	b, ok := pin.(pins.Bus)
	if !ok {
		return nil, fmt.Errorf("%w: want bus, got %T", ErrWrongHandle, pin)
	}
	r, err := retry.DoWithResult(ctx, env.sensorRetry(), b.Sample)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func toggle(_ context.Context, _ *Env, pin pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	d, err := digital(pin)
	if err != nil {
		return nil, err
	}
	if err := d.Set(params.Bool("on", false)); err != nil {
		return nil, err
	}
	return d.Value()
}

// timer is true while the current UTC time lies strictly between gmt_start_time
// and gmt_end_time. Windows crossing midnight are not supported.
func timer(_ context.Context, env *Env, _ pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	start, err := params.String("gmt_start_time")
	if err != nil {
		return nil, err
	}
	end, err := params.String("gmt_end_time")
	if err != nil {
		return nil, err
	}
	now := env.clock().Now().UTC()
	return InWindow(now, start, end), nil
}

// InWindow compares now as zero-padded HHMM against colon-stripped bounds,
// exclusive on both ends.
func InWindow(now time.Time, start, end string) bool {
	current := fmt.Sprintf("%02d%02d", now.Hour(), now.Minute())
	s, e := hhmm(start), hhmm(end)
	return e > current && current > s
}

func hhmm(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

func mean(readings []int) int {
	sum := 0
	for _, v := range readings {
		sum += v
	}
	return sum / len(readings)
}
