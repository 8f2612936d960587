// Package pins defines the hardware handles the rule engine reads from and writes to.
//
// The engine never talks to registers itself: it asks a Driver for a handle matching a
// pin's configuration and calls the small interfaces below. Two drivers ship with the
// module, a Raspberry Pi GPIO driver and an in-memory simulator used by tests and by
// the -simulate flag.
package pins

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by drivers for handle kinds they cannot provide.
var ErrUnsupported = errors.New("pin kind not supported by driver")

// Kind is the type of handle a pin configuration maps to.
type Kind int

const (
	KindNone Kind = iota
	KindDigital
	KindAnalog
	KindBus
)

func (k Kind) String() string {
	switch k {
	case KindDigital:
		return "digital"
	case KindAnalog:
		return "analog"
	case KindBus:
		return "bus"
	default:
		return "none"
	}
}

// Handle is implemented by every pin or bus binding.
type Handle interface {
	Close() error
}

// Digital is a GPIO line. Value returns 0 or 1.
type Digital interface {
	Handle
	Value() (int, error)
	Set(on bool) error
}

// Analog is an ADC channel returning the raw reading.
type Analog interface {
	Handle
	Read() (int, error)
}

// Bus is a sensor behind a shared bus (I2C). Sample returns one structured reading,
// e.g. {"temperature": 21.5, "pressure": 1013}.
type Bus interface {
	Handle
	Sample() (map[string]interface{}, error)
}

// Spec describes the handle to open.
type Spec struct {
	Number  int
	Kind    Kind
	Input   bool
	Address int
}

func (s Spec) String() string {
	if s.Kind == KindBus {
		return fmt.Sprintf("%s pin %d addr 0x%02x", s.Kind, s.Number, s.Address)
	}
	return fmt.Sprintf("%s pin %d", s.Kind, s.Number)
}

// Driver opens handles.
type Driver interface {
	Open(spec Spec) (Handle, error)
	Close() error
}
