// Package telemetry carries controller state out (MQTT, Prometheus, Met
// Office WOW) and operator commands in (MQTT).
package telemetry

import (
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/scheduler"
)

// Multi fans every report out to each reporter in order.
type Multi []scheduler.Reporter

func (m Multi) ReportMoisture(p uint8) {
	for _, r := range m {
		r.ReportMoisture(p)
	}
}

func (m Multi) ReportWateringStatus(status string) {
	for _, r := range m {
		r.ReportWateringStatus(status)
	}
}

func (m Multi) RaiseAlert(msg string) {
	for _, r := range m {
		r.RaiseAlert(msg)
	}
}

func (m Multi) ReportAutoWatering(on bool) {
	for _, r := range m {
		r.ReportAutoWatering(on)
	}
}

func (m Multi) ReportHistory(h moisturelog.History) {
	for _, r := range m {
		r.ReportHistory(h)
	}
}

// Commander is what operators can ask the controller to do.
type Commander interface {
	SetAutoWatering(on bool)
	TriggerManualWater(seconds int) error
	TriggerManualSample()
	DumpHistory()
}
