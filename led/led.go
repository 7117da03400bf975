package led

import (
	"sync"
	"time"

	"github.com/gr-butler/irrigation/env"
	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

type LED struct {
	Name    string
	lock    sync.Mutex
	on      bool
	flash   time.Duration
	gpioPin gpio.PinOut
}

// NewLEDByName looks the pin up in the gpio registry. A missing pin is not
// fatal, the LED just does nothing.
func NewLEDByName(name string, GPIOPin string) *LED {
	logger.Infof("Creating new LED on pin [%v] called [%v]", GPIOPin, name)
	p := gpioreg.ByName(GPIOPin)
	if p == nil {
		logger.Errorf("Failed to find %v pin", GPIOPin)
		return NewLED(name, nil)
	}
	l := NewLED(name, p)
	// flicker to show it's working
	l.Flicker(2)
	return l
}

func NewLED(name string, pin gpio.PinOut) *LED {
	l := &LED{
		Name:    name,
		flash:   env.LEDFlashDuration,
		gpioPin: pin,
	}
	if pin != nil {
		_ = pin.Out(gpio.Low)
	}
	return l
}

func (l *LED) On() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.on = true
	if l.gpioPin != nil {
		_ = l.gpioPin.Out(gpio.High)
	}
}

func (l *LED) Off() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.on = false
	if l.gpioPin != nil {
		_ = l.gpioPin.Out(gpio.Low)
	}
}

// Flash inverts the LED briefly. A flash already in progress swallows the
// request.
func (l *LED) Flash() {
	if l.gpioPin == nil {
		return
	}
	if !l.lock.TryLock() {
		logger.Debugf("LED [%v] busy", l.Name)
		return
	}
	defer l.lock.Unlock()
	if !l.on {
		_ = l.gpioPin.Out(gpio.High)
		time.Sleep(l.flash)
		_ = l.gpioPin.Out(gpio.Low)
	} else {
		// 'off' flash
		_ = l.gpioPin.Out(gpio.Low)
		time.Sleep(l.flash)
		_ = l.gpioPin.Out(gpio.High)
	}
}

func (l *LED) Flicker(pulses int) {
	if l.gpioPin == nil {
		return
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if pulses < 1 || pulses > 100 {
		// reject daft or excessive requests
		return
	}
	for i := 0; i < pulses; i++ {
		_ = l.gpioPin.Out(gpio.High)
		time.Sleep(l.flash)
		_ = l.gpioPin.Out(gpio.Low)
		time.Sleep(l.flash)
	}
	if l.on {
		_ = l.gpioPin.Out(gpio.High)
	}
}

func (l *LED) IsOn() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.on
}
