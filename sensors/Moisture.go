package sensors

import (
	"errors"
	"fmt"

	"github.com/gr-butler/irrigation/env"
	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
)

// ErrNotCalibrated is logged for negative ADC counts. Near 0V, on dry soil,
// single conversions can dip below zero.
var ErrNotCalibrated = errors.New("moisture probe reading below zero")

// adcReader is the part of ads1x15.PinADC used here.
type adcReader interface {
	Read() (analog.Sample, error)
	Halt() error
}

type Moisture struct {
	pin adcReader
}

func NewMoisture(bus i2c.Bus) (*Moisture, error) {
	adc, err := ads1x15.NewADS1115(bus, &ads1x15.DefaultOpts)
	if err != nil {
		return nil, fmt.Errorf("ads1115: %w", err)
	}
	pin, err := adc.PinForChannel(ads1x15.Channel0, env.MoistureADCMaxVolts*physic.Volt, 1*physic.Hertz, ads1x15.SaveEnergy)
	if err != nil {
		return nil, fmt.Errorf("ads1115 channel 0: %w", err)
	}
	return &Moisture{pin: pin}, nil
}

// SampleRaw returns one 12 bit count (0..4095). The ADS1115 gives 15 bits
// of positive range, the low three are dropped. Negative counts read as 0.
func (m *Moisture) SampleRaw() (int32, error) {
	sample, err := m.pin.Read()
	if err != nil {
		return 0, fmt.Errorf("read moisture adc: %w", err)
	}
	if sample.Raw < 0 {
		logger.Debugf("Moisture ADC [%v] [%v]: %v", sample.Raw, sample.V, ErrNotCalibrated)
		return 0, nil
	}
	return sample.Raw >> 3, nil
}

func (m *Moisture) Halt() error {
	return m.pin.Halt()
}
