package pins

import (
	"errors"
	"sync"
)

// ErrSimulatedFault is returned by a SimPin that was told to fail.
var ErrSimulatedFault = errors.New("simulated read failure")

// Sim is an in-memory driver. Handles are keyed by pin number and survive Close so a
// test can keep poking values into a pin across agent restarts.
type Sim struct {
	mu   sync.Mutex
	pins map[int]*SimPin
}

// NewSim creates an empty simulator.
func NewSim() *Sim {
	return &Sim{pins: make(map[int]*SimPin)}
}

// Pin returns the simulated pin for number, creating it on first use.
func (s *Sim) Pin(number int) *SimPin {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pins[number]
	if !ok {
		p = &SimPin{number: number}
		s.pins[number] = p
	}
	return p
}

func (s *Sim) Open(spec Spec) (Handle, error) {
	p := s.Pin(spec.Number)
	p.mu.Lock()
	p.spec = spec
	p.mu.Unlock()
	return p, nil
}

func (s *Sim) Close() error {
	return nil
}

// SimPin implements Digital, Analog and Bus at once.
type SimPin struct {
	mu      sync.Mutex
	number  int
	spec    Spec
	value   int
	analog  []int
	reading map[string]interface{}
	fail    int
	writes  int
}

func (p *SimPin) Close() error {
	return nil
}

// SetValue sets the digital level.
func (p *SimPin) SetValue(v int) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

// SetAnalog queues analog readings. The last one repeats once the queue is drained.
func (p *SimPin) SetAnalog(readings ...int) {
	p.mu.Lock()
	p.analog = append([]int(nil), readings...)
	p.mu.Unlock()
}

// SetReading sets the bus sample.
func (p *SimPin) SetReading(r map[string]interface{}) {
	p.mu.Lock()
	p.reading = r
	p.mu.Unlock()
}

// FailNext makes the next n reads return ErrSimulatedFault.
func (p *SimPin) FailNext(n int) {
	p.mu.Lock()
	p.fail = n
	p.mu.Unlock()
}

// Writes reports how many times Set was called.
func (p *SimPin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *SimPin) failing() bool {
	if p.fail > 0 {
		p.fail--
		return true
	}
	return false
}

func (p *SimPin) Value() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failing() {
		return 0, ErrSimulatedFault
	}
	return p.value, nil
}

func (p *SimPin) Set(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes++
	if on {
		p.value = 1
	} else {
		p.value = 0
	}
	return nil
}

func (p *SimPin) Read() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failing() {
		return 0, ErrSimulatedFault
	}
	switch len(p.analog) {
	case 0:
		return 0, nil
	case 1:
		return p.analog[0], nil
	}
	v := p.analog[0]
	p.analog = p.analog[1:]
	return v, nil
}

func (p *SimPin) Sample() (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failing() {
		return nil, ErrSimulatedFault
	}
	out := make(map[string]interface{}, len(p.reading))
	for k, v := range p.reading {
		out[k] = v
	}
	return out, nil
}
