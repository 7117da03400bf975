package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gr-butler/irrigation/archive"
	"github.com/gr-butler/irrigation/eeprom"
	"github.com/gr-butler/irrigation/env"
	"github.com/gr-butler/irrigation/homekit"
	"github.com/gr-butler/irrigation/led"
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/scheduler"
	"github.com/gr-butler/irrigation/sensors"
	"github.com/gr-butler/irrigation/telemetry"
	"github.com/gr-butler/irrigation/watering"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logger "github.com/sirupsen/logrus"
)

const version = "GRB-Irrigation-1.0.0"

type controller struct {
	sched *scheduler.Scheduler
}

type webdata struct {
	TimeNow string `json:"time"`
	scheduler.Status
}

func main() {
	logger.Infof("Starting irrigation controller [%v]", version)

	args := env.Args{
		Test:     flag.Bool("test", false, "test mode, short periods and no met office data"),
		NoWow:    flag.Bool("nowow", false, "do not send data to the met office"),
		Verbose:  flag.Bool("verbose", false, "debug logging"),
		Config:   flag.String("config", "", "YAML config file"),
		HomeKit:  flag.Bool("homekit", false, "serve the HomeKit bridge"),
		Terminal: flag.Bool("terminal", false, "read single key commands from stdin (h, r, w)"),
	}
	flag.Parse()

	if *args.Verbose {
		logger.SetLevel(logger.DebugLevel)
	}

	cfg, err := env.LoadConfig(*args.Config)
	if err != nil {
		logger.Fatalf("config load failed [%v]", err)
	}
	if *args.Test {
		logger.Info("TEST MODE")
		cfg.Sampling.Interval = 30 * time.Second
		cfg.Pump.Cooldown = time.Minute
		cfg.WOW.Enabled = false
	}
	if *args.NoWow {
		cfg.WOW.Enabled = false
	}
	if err := env.Validate(cfg); err != nil {
		logger.Fatalf("config validation failed [%v]", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("%v: Initialize sensors...", time.Now().Format(time.RFC822))
	s := &sensors.Sensors{}
	if err := s.InitSensors(); err != nil {
		logger.Errorf("Failed to initialise sensors!! [%v]", err)
		logger.Exit(1)
	}
	defer s.Close()

	dev, err := eeprom.New(s.SPI.EEPROM, &eeprom.Opts{
		PollTimeout:  cfg.EEPROM.PollTimeout,
		PollInterval: eeprom.DefaultOpts.PollInterval,
		EnableSettle: cfg.EEPROM.EnableSettle,
	})
	if err != nil {
		logger.Errorf("Failed to open EEPROM [%v]", err)
		logger.Exit(1)
	}
	logger.Infof("Using [%v]", dev)

	mlog := moisturelog.New(dev, cfg.Sampling.Interval)
	if err := mlog.Reset(time.Now()); err != nil {
		logger.Errorf("Failed to reset moisture log [%v]", err)
		logger.Exit(1)
	}

	indicator := &led.Indicator{
		Watering: led.NewLEDByName("watering", env.WateringLed),
		Sample:   led.NewLEDByName("sample", env.SampleLed),
	}
	reporters := telemetry.Multi{telemetry.Prometheus{}, indicator}

	deps := scheduler.Deps{
		Log:      mlog,
		Sensor:   s.IIC.Moisture,
		Pump:     watering.NewPump(s.Pump),
		Reporter: &reporters,
	}
	if cfg.Archive.Enabled {
		pg, err := archive.Open(ctx, cfg.Archive.DSN, cfg.Archive.Table)
		if err != nil {
			// the controller runs without the archive
			logger.Errorf("Failed to open archive [%v]", err)
		} else {
			defer pg.Close()
			deps.Recorder = pg
		}
	}
	sched := scheduler.New(schedulerConfig(cfg), deps)

	// outputs that also take commands need the scheduler, so they join the
	// fan-out before it starts
	if cfg.MQTT.Enabled {
		m, err := telemetry.NewMQTT(telemetry.MQTTOpts{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
		}, sched)
		if err != nil {
			logger.Errorf("Failed to connect MQTT [%v]", err)
		} else {
			defer m.Close()
			reporters = append(reporters, m)
		}
	}
	if cfg.WOW.Enabled {
		wow := telemetry.NewWOW(telemetry.WOWOpts{
			SiteID:       cfg.WOW.SiteID,
			AuthKey:      cfg.WOW.AuthKey,
			SoftwareType: version,
			FreqMin:      cfg.WOW.FreqMin,
		})
		reporters = append(reporters, wow)
		go wow.Run(ctx)
	}
	if *args.HomeKit {
		bridge := homekit.NewBridge(cfg.HomeKit.Name, sched)
		reporters = append(reporters, bridge)
		go func() {
			err := bridge.Serve(ctx, cfg.HomeKit.StateDir, cfg.HomeKit.Pin, cfg.HomeKit.Addr)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("HomeKit bridge stopped [%v]", err)
			}
		}()
	}
	if *args.Terminal {
		go runTerminal(ctx, os.Stdin, sched)
	}

	sched.SetAutoWatering(cfg.Pump.AutoWatering)

	c := &controller{sched: sched}
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handler)
	mux.HandleFunc("/history", c.historyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		logger.Infof("Starting webservice on [%v]", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Webservice stopped [%v]", err)
		}
	}()

	go heartbeat(ctx, indicator.Sample)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Scheduler stopped [%v]", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("Exiting...")
}

func schedulerConfig(cfg *env.Config) scheduler.Config {
	return scheduler.Config{
		SampleInterval:       cfg.Sampling.Interval,
		IdleTimeout:          cfg.Sampling.IdleTimeout,
		SampleAtStart:        true,
		SampleCount:          cfg.Sampling.Count,
		SampleDelay:          cfg.Sampling.Delay,
		RawFullScale:         cfg.Sampling.RawFullScale,
		InvertRaw:            cfg.Sampling.Invert,
		AutoSettle:           cfg.Pump.AutoSettle,
		Cooldown:             cfg.Pump.Cooldown,
		DefaultManualSeconds: cfg.Pump.ManualSeconds,
		CriticalLevel:        cfg.Sampling.CriticalLevel,
		CriticalClear:        cfg.Sampling.CriticalClear,
	}
}

func heartbeat(ctx context.Context, l *led.LED) {
	logger.Info("Heartbeat started")
	// we can add complexity later, for now just flash to say we're alive!
	t := time.NewTicker(time.Second * 30)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			logger.Debug("Sending heartbeat")
			l.Flash()
		}
	}
}

func (c *controller) handler(rw http.ResponseWriter, r *http.Request) {
	wd := webdata{
		TimeNow: time.Now().Format(time.RFC822),
		Status:  c.sched.Status(),
	}
	writeJSON(rw, wd)
}

func (c *controller) historyHandler(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	h, err := c.sched.History(ctx)
	if err != nil {
		logger.Errorf("History read failed [%v]", err)
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, h.Entries())
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	js, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("JSON error [%v]", err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Debugf("Web read: \n[%v]", string(js))
	_, _ = rw.Write(js) // not much we can do if this fails
}
