package telemetry

import (
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

var Prom_moisture = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "soil_moisture",
		Help: "Soil moisture %",
	},
)

var Prom_watering = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pump_running",
		Help: "1 while the pump is running",
	},
)

var Prom_autoWatering = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "auto_watering_enabled",
		Help: "1 when auto watering is on",
	},
)

var Prom_historyLength = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "moisture_log_readings",
		Help: "Readings in the last history dump",
	},
)

var Prom_alerts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "irrigation_alerts_total",
		Help: "Alerts raised",
	},
	[]string{"alert"},
)

func init() {
	prometheus.MustRegister(
		Prom_moisture,
		Prom_watering,
		Prom_autoWatering,
		Prom_historyLength,
		Prom_alerts)
}

// Prometheus mirrors reports into the gauges served on /metrics.
type Prometheus struct{}

func (Prometheus) ReportMoisture(p uint8) {
	Prom_moisture.Set(float64(p))
}

func (Prometheus) ReportWateringStatus(status string) {
	Prom_watering.Set(boolGauge(status == scheduler.StatusWatering))
}

func (Prometheus) RaiseAlert(msg string) {
	Prom_alerts.WithLabelValues(msg).Inc()
}

func (Prometheus) ReportAutoWatering(on bool) {
	Prom_autoWatering.Set(boolGauge(on))
}

func (Prometheus) ReportHistory(h moisturelog.History) {
	Prom_historyLength.Set(float64(len(h.Readings)))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
