// Package homekit exposes the controller as HomeKit accessories: a switch
// for auto watering, a switch that starts a manual watering and a humidity
// sensor showing soil moisture.
package homekit

import (
	"context"
	"fmt"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/service"
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/scheduler"
	"github.com/gr-butler/irrigation/telemetry"
	logger "github.com/sirupsen/logrus"
)

const manufacturer = "gr-butler"

type Bridge struct {
	cmd telemetry.Commander

	bridge   *accessory.Bridge
	auto     *accessory.Switch
	pump     *accessory.Switch
	sensor   *accessory.A
	humidity *service.HumiditySensor
}

func NewBridge(name string, cmd telemetry.Commander) *Bridge {
	b := &Bridge{
		cmd:      cmd,
		bridge:   accessory.NewBridge(accessory.Info{Name: name, Manufacturer: manufacturer}),
		auto:     accessory.NewSwitch(accessory.Info{Name: "Auto watering", Manufacturer: manufacturer}),
		pump:     accessory.NewSwitch(accessory.Info{Name: "Water now", Manufacturer: manufacturer}),
		sensor:   accessory.New(accessory.Info{Name: "Soil moisture", Manufacturer: manufacturer}, accessory.TypeSensor),
		humidity: service.NewHumiditySensor(),
	}
	// ID 1 is the bridge, the devices follow
	b.bridge.Id = 1
	b.auto.Id = 2
	b.pump.Id = 3
	b.sensor.Id = 4
	b.sensor.AddS(b.humidity.S)

	b.auto.Switch.On.OnValueRemoteUpdate(b.setAutoWatering)
	b.pump.Switch.On.OnValueRemoteUpdate(b.waterNow)
	return b
}

// Serve runs the HAP server until ctx is done. Pairing state lives in dir.
func (b *Bridge) Serve(ctx context.Context, dir, pin, addr string) error {
	server, err := hap.NewServer(hap.NewFsStore(dir), b.bridge.A, b.auto.A, b.pump.A, b.sensor)
	if err != nil {
		return fmt.Errorf("could not make hap server: %w", err)
	}
	server.Pin = pin
	if addr != "" {
		server.Addr = addr
	}
	logger.Infof("HomeKit bridge serving, state in [%v]", dir)
	return server.ListenAndServe(ctx)
}

func (b *Bridge) setAutoWatering(on bool) {
	logger.Infof("HomeKit auto watering [%v]", on)
	b.cmd.SetAutoWatering(on)
}

func (b *Bridge) waterNow(on bool) {
	if !on {
		return
	}
	logger.Info("HomeKit manual watering")
	if err := b.cmd.TriggerManualWater(0); err != nil {
		logger.Errorf("HomeKit manual watering rejected [%v]", err)
		b.pump.Switch.On.SetValue(false)
	}
}

func (b *Bridge) ReportMoisture(p uint8) {
	b.humidity.CurrentRelativeHumidity.SetValue(float64(p))
}

func (b *Bridge) ReportWateringStatus(status string) {
	b.pump.Switch.On.SetValue(status == scheduler.StatusWatering)
}

func (b *Bridge) ReportAutoWatering(on bool) {
	b.auto.Switch.On.SetValue(on)
}

func (b *Bridge) RaiseAlert(string)                 {}
func (b *Bridge) ReportHistory(moisturelog.History) {}
