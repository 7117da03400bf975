package sensors

import (
	"fmt"

	"github.com/gr-butler/irrigation/env"
	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

/*
 * Sensors owns the buses and the hardware on them: the EEPROM on SPI, the
 * moisture probe ADC on I²C and the pump driver pin.
 */

type Sensors struct {
	IIC  IIC
	SPI  SPI
	Pump *Pump
}

type IIC struct {
	Bus      i2c.BusCloser
	Moisture *Moisture
}

type SPI struct {
	Port spi.PortCloser
	// EEPROM is the connection the 25LC040 driver talks over.
	EEPROM spi.Conn
}

// InitSensors brings up the host drivers and opens every bus. On failure
// anything already opened is closed again.
func (s *Sensors) InitSensors() (err error) {
	if _, err := host.Init(); err != nil {
		logger.Errorf("Failed to init host drivers [%v]", err)
		return err
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	logger.Infof("Opening SPI port [%v]", env.SPIPort)
	s.SPI.Port, err = spireg.Open(env.SPIPort)
	if err != nil {
		return fmt.Errorf("open spi: %w", err)
	}
	s.SPI.EEPROM, err = s.SPI.Port.Connect(env.EEPROMSpeed, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("connect eeprom: %w", err)
	}

	logger.Infof("Opening I²C bus [%v]", env.I2CBus)
	s.IIC.Bus, err = i2creg.Open(env.I2CBus)
	if err != nil {
		return fmt.Errorf("open i2c: %w", err)
	}

	logger.Info("Starting moisture ADC")
	s.IIC.Moisture, err = NewMoisture(s.IIC.Bus)
	if err != nil {
		return err
	}

	s.Pump, err = NewPump(env.PumpPin, env.PumpPWMFrequency)
	if err != nil {
		return err
	}

	logger.Info("Sensors initialized.")
	return nil
}

// Close switches the pump off and releases the buses.
func (s *Sensors) Close() {
	if s.Pump != nil {
		_ = s.Pump.SetDuty(0)
	}
	if s.IIC.Moisture != nil {
		_ = s.IIC.Moisture.Halt()
	}
	if s.IIC.Bus != nil {
		_ = s.IIC.Bus.Close()
	}
	if s.SPI.Port != nil {
		_ = s.SPI.Port.Close()
	}
}
