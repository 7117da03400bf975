package led

import (
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/scheduler"
)

// Indicator shows controller state on two LEDs: one lit while the pump
// runs, one flashed for each moisture reading.
type Indicator struct {
	Watering *LED
	Sample   *LED
}

func (i *Indicator) ReportMoisture(uint8) {
	go i.Sample.Flash()
}

func (i *Indicator) ReportWateringStatus(status string) {
	if status == scheduler.StatusWatering {
		i.Watering.On()
		return
	}
	i.Watering.Off()
}

func (i *Indicator) RaiseAlert(msg string) {
	if msg == scheduler.AlertCritical {
		go i.Sample.Flicker(5)
	}
}

func (i *Indicator) ReportAutoWatering(on bool) {
	if on {
		go i.Watering.Flicker(1)
	}
}

func (i *Indicator) ReportHistory(moisturelog.History) {}
