package sensors

import (
	"fmt"

	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// Pump drives the pump MOSFET from a PWM capable pin.
type Pump struct {
	pin  gpio.PinOut
	freq physic.Frequency
}

func NewPump(name string, freq physic.Frequency) (*Pump, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("failed to find %v - pump pin", name)
	}
	logger.Infof("%s: %s", p, p.Function())
	pump := &Pump{pin: p, freq: freq}
	if err := pump.SetDuty(0); err != nil {
		return nil, err
	}
	return pump, nil
}

// SetDuty runs the pump at d. Zero drives the pin low rather than leaving a
// 0% PWM running.
func (p *Pump) SetDuty(d gpio.Duty) error {
	if d <= 0 {
		return p.pin.Out(gpio.Low)
	}
	if d >= gpio.DutyMax {
		d = gpio.DutyMax
	}
	return p.pin.PWM(d, p.freq)
}

func (p *Pump) MaxDuty() gpio.Duty {
	return gpio.DutyMax
}
