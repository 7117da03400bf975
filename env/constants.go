package env

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

const (
	GPIO02 = "GPIO02" // SDA
	GPIO03 = "GPIO03" // SCL
	GPIO08 = "GPIO08" // CE0  25LC040
	GPIO09 = "GPIO09" // MISO 25LC040
	GPIO10 = "GPIO10" // MOSI 25LC040
	GPIO11 = "GPIO11" // SCK  25LC040
	GPIO18 = "GPIO18" // PWM0 pump driver
	GPIO19 = "GPIO19" // sample LED
	GPIO20 = "GPIO20" // watering LED

	PumpPin     = GPIO18
	WateringLed = GPIO20
	SampleLed   = GPIO19

	SPIPort = "" // first SPI port, /dev/spidev0.0
	I2CBus  = "" // first I²C bus, /dev/i2c-1

	// the probe sits on channel 0 of the ADS1115 at the default address 0x48
	MoistureADCMaxVolts = 5

	// 25LC040: 10MHz at 4.5V, 5MHz at 2.5V
	EEPROMSpeed = 1 * physic.MegaHertz

	PumpPWMFrequency = 5 * physic.KiloHertz

	LEDFlashDuration = time.Millisecond * 100

	// WOW accepts one observation per 15 minutes
	ReportFreqMin = 15

	HTTPAddr = ":80"

	MQTTPrefix   = "irrigation"
	MQTTClientID = "irrigation-controller"

	HomeKitStore = "./hk-db"
	HomeKitPin   = "00102003"
)
