package pins

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// RPIO drives BCM-numbered GPIO lines through /dev/gpiomem. The Pi has no ADC and
// bus sensors need a chip driver, so only digital handles are provided.
type RPIO struct {
	once    sync.Once
	openErr error
	invert  bool
}

// NewRPIO creates the driver. With invert set, a low line reads as 1 and Set(true)
// drives the line low (active-low relays and LEDs).
func NewRPIO(invert bool) *RPIO {
	return &RPIO{invert: invert}
}

func (r *RPIO) Open(spec Spec) (Handle, error) {
	if spec.Kind != KindDigital {
		return nil, fmt.Errorf("rpio %s: %w", spec, ErrUnsupported)
	}
	r.once.Do(func() {
		r.openErr = rpio.Open()
	})
	if r.openErr != nil {
		return nil, fmt.Errorf("rpio open: %w", r.openErr)
	}

	p := rpio.Pin(uint8(spec.Number))
	if spec.Input {
		p.Input()
	} else {
		p.Output()
	}
	return &rpioPin{pin: p, invert: r.invert}, nil
}

func (r *RPIO) Close() error {
	if r.openErr != nil {
		return nil
	}
	return rpio.Close()
}

type rpioPin struct {
	pin    rpio.Pin
	invert bool
}

func (p *rpioPin) Value() (int, error) {
	high := p.pin.Read() == rpio.High
	if high != p.invert {
		return 1, nil
	}
	return 0, nil
}

func (p *rpioPin) Set(on bool) error {
	if on != p.invert {
		p.pin.High()
	} else {
		p.pin.Low()
	}
	return nil
}

func (p *rpioPin) Close() error {
	return nil
}
