package env

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gr-butler/irrigation/watering"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Sampling SamplingConfig `yaml:"sampling"`
	Pump     PumpConfig     `yaml:"pump"`
	EEPROM   EEPROMConfig   `yaml:"eeprom"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	WOW      WOWConfig      `yaml:"wow"`
	Archive  ArchiveConfig  `yaml:"archive"`
	HomeKit  HomeKitConfig  `yaml:"homekit"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// ---- SAMPLING ----

type SamplingConfig struct {
	Interval     time.Duration `yaml:"interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Count        int           `yaml:"count"`
	Delay        time.Duration `yaml:"delay"`
	RawFullScale int32         `yaml:"raw_full_scale"`
	// Invert suits capacitive probes, which read high when dry.
	Invert        bool  `yaml:"invert"`
	CriticalLevel uint8 `yaml:"critical_level"`
	CriticalClear uint8 `yaml:"critical_clear"`
}

// ---- PUMP ----

type PumpConfig struct {
	AutoWatering  bool          `yaml:"auto_watering"`
	AutoSettle    time.Duration `yaml:"auto_settle"`
	Cooldown      time.Duration `yaml:"cooldown"`
	ManualSeconds int           `yaml:"manual_seconds"`
}

type EEPROMConfig struct {
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	EnableSettle time.Duration `yaml:"enable_settle"`
}

// ---- OUTPUTS ----

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Prefix   string `yaml:"prefix"`
	// from MQTT_PASSWORD
	Password string `yaml:"-"`
}

type WOWConfig struct {
	Enabled bool `yaml:"enabled"`
	FreqMin int  `yaml:"freq_min"`
	// from WOWSITEID and WOWPIN
	SiteID  string `yaml:"-"`
	AuthKey string `yaml:"-"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Table   string `yaml:"table"`
	// from ARCHIVE_DSN
	DSN string `yaml:"-"`
}

type HomeKitConfig struct {
	Name     string `yaml:"name"`
	StateDir string `yaml:"state_dir"`
	Addr     string `yaml:"addr"`
	// from HOMEKIT_PIN
	Pin string `yaml:"-"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Sampling: SamplingConfig{
			Interval:      3 * time.Minute,
			IdleTimeout:   4 * time.Minute,
			Count:         50,
			Delay:         20 * time.Millisecond,
			RawFullScale:  4095,
			CriticalLevel: 10,
			CriticalClear: 20,
		},
		Pump: PumpConfig{
			AutoSettle:    3 * time.Second,
			Cooldown:      15 * time.Minute,
			ManualSeconds: watering.ManualMinSeconds,
		},
		EEPROM: EEPROMConfig{
			PollTimeout:  50 * time.Millisecond,
			EnableSettle: 10 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			ClientID: MQTTClientID,
			Prefix:   MQTTPrefix,
		},
		WOW: WOWConfig{
			FreqMin: ReportFreqMin,
		},
		Archive: ArchiveConfig{
			Table: "moisture_readings",
		},
		HomeKit: HomeKitConfig{
			Name:     "Irrigation",
			StateDir: HomeKitStore,
			Pin:      HomeKitPin,
		},
		HTTP: HTTPConfig{
			Addr: HTTPAddr,
		},
	}
}

// LoadConfig reads path over the defaults and then takes secrets from the
// environment. An empty path gives the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv copies secrets that never live in the config file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("MQTT_PASSWORD"); ok {
		cfg.MQTT.Password = v
	}
	if v, ok := lookup("WOWSITEID"); ok {
		cfg.WOW.SiteID = v
	}
	if v, ok := lookup("WOWPIN"); ok {
		cfg.WOW.AuthKey = v
	}
	if v, ok := lookup("ARCHIVE_DSN"); ok {
		cfg.Archive.DSN = v
	}
	if v, ok := lookup("HOMEKIT_PIN"); ok {
		cfg.HomeKit.Pin = v
	}
}

// Validate reports the first bad setting in cfg.
func Validate(cfg *Config) error {
	s := cfg.Sampling
	if s.Interval <= 0 {
		return fmt.Errorf("sampling.interval must be positive, got %v", s.Interval)
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("sampling.idle_timeout must be positive, got %v", s.IdleTimeout)
	}
	if s.Count < 1 || s.Count > 1000 {
		return fmt.Errorf("sampling.count must be 1-1000, got %d", s.Count)
	}
	if s.Delay < 0 {
		return fmt.Errorf("sampling.delay must not be negative, got %v", s.Delay)
	}
	if s.RawFullScale <= 0 {
		return fmt.Errorf("sampling.raw_full_scale must be positive, got %d", s.RawFullScale)
	}
	if s.CriticalLevel >= s.CriticalClear || s.CriticalClear > 100 {
		return fmt.Errorf(
			"sampling: need critical_level < critical_clear <= 100, got %d and %d",
			s.CriticalLevel,
			s.CriticalClear,
		)
	}

	p := cfg.Pump
	if p.AutoSettle < 0 || p.Cooldown < 0 {
		return fmt.Errorf("pump: auto_settle and cooldown must not be negative")
	}
	if _, err := watering.ValidateManual(p.ManualSeconds); err != nil {
		return fmt.Errorf("pump.manual_seconds: %w", err)
	}

	if cfg.EEPROM.PollTimeout <= 0 {
		return fmt.Errorf("eeprom.poll_timeout must be positive, got %v", cfg.EEPROM.PollTimeout)
	}

	if m := cfg.MQTT; m.Enabled {
		if m.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if m.Prefix == "" || strings.ContainsAny(m.Prefix, "+#") {
			return fmt.Errorf("mqtt.prefix %q must be non empty and free of wildcards", m.Prefix)
		}
	}

	if w := cfg.WOW; w.Enabled {
		if w.SiteID == "" || w.AuthKey == "" {
			return fmt.Errorf("wow enabled but WOWSITEID and WOWPIN are not both set")
		}
		if w.FreqMin < 1 || w.FreqMin > 60 {
			return fmt.Errorf("wow.freq_min must be 1-60, got %d", w.FreqMin)
		}
	}

	if a := cfg.Archive; a.Enabled && a.DSN == "" {
		return fmt.Errorf("archive enabled but ARCHIVE_DSN is not set")
	}

	if pin := cfg.HomeKit.Pin; len(pin) != 8 || strings.Trim(pin, "0123456789") != "" {
		return fmt.Errorf("homekit pin must be 8 digits")
	}
	return nil
}
