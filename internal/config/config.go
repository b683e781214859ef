// Package config loads and validates the instrument configuration for
// the acquisition CLIs.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that parsed but failed validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete rig configuration.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"` // debug, info, warn, error (default: info)
	Driver     string `yaml:"driver"`    // device driver, "sim" is the only built-in

	Reference ChannelConfig `yaml:"reference"`
	Probe     ChannelConfig `yaml:"probe"`

	Acquisition  AcquisitionConfig `yaml:"acquisition"`
	Timing       TimingConfig      `yaml:"timing"`
	Output       OutputConfig      `yaml:"output"`
	MQTT         MQTTConfig        `yaml:"mqtt"`
	QualityGates []GateConfig      `yaml:"quality_gates"`
}

// ChannelConfig identifies one spectrometer and, for the sim driver,
// describes the simulated instrument.
type ChannelConfig struct {
	Serial string `yaml:"serial"`

	// Sim-driver fields; ignored by real drivers.
	Pixels      int     `yaml:"pixels"`        // detector length (default 2048)
	Level       float64 `yaml:"level"`         // baseline counts (default 1000)
	OnLevel     float64 `yaml:"on_level"`      // baseline while pump is ON; 0 keeps Level
	Noise       float64 `yaml:"noise"`         // uniform noise amplitude in counts
	Seed        int64   `yaml:"seed"`          // RNG seed
	ReadDelayMS float64 `yaml:"read_delay_ms"` // emulated exposure+transfer per read
}

// AcquisitionConfig holds the pump-probe batch parameters.
type AcquisitionConfig struct {
	ShotsPerState int     `yaml:"shots_per_state"` // shots per OFF/ON batch (default 200)
	IntegrationMS float64 `yaml:"integration_ms"`  // requested integration time (default 5.0)
}

// TimingConfig holds the external-trigger timing-evaluation parameters.
type TimingConfig struct {
	TriggerHz    float64 `yaml:"trigger_hz"`    // external trigger frequency
	Scans        int     `yaml:"scans"`         // scans to collect (default 100)
	SafetyMargin float64 `yaml:"safety_margin"` // integration fraction of the period (default 0.70)
	Channel      string  `yaml:"channel"`       // "reference" or "probe" (default reference)
}

// OutputConfig controls where runs land on disk.
type OutputConfig struct {
	Root     string `yaml:"root"`      // run directory root (default raw_data)
	FullDump *bool  `yaml:"full_dump"` // write full_data.msgpack (default true)
	Catalog  string `yaml:"catalog"`   // bbolt catalog path (default <root>/runs.db)
}

// MQTTConfig contains the telemetry broker settings.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`  // default deltaspec-<instance_id>
	BaseTopic       string `yaml:"base_topic"` // default lab/deltaspec
	QoS             byte   `yaml:"qos"`
	ConnectTimeoutS int    `yaml:"connect_timeout_s"` // default 5
}

// GateConfig is one quality-gate expression evaluated on completion.
type GateConfig struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Load reads and parses a YAML configuration file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a ready-to-run configuration against two simulated
// spectrometers, with the probe level dropping when the pump turns on.
// Used by the CLIs when no config file is given.
func Default() *Config {
	cfg := &Config{
		InstanceID: "sim-bench",
		Reference:  ChannelConfig{Serial: "SIM-REF-001", Level: 1000},
		Probe:      ChannelConfig{Serial: "SIM-PRB-001", Level: 1000, OnLevel: 500},
	}
	if err := Validate(cfg); err != nil {
		// The built-in defaults must always validate.
		panic(err)
	}
	return cfg
}

// SlogLevel maps the configured log level to its slog value.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FullDumpEnabled reports whether the msgpack full-data dump is on.
func (c *Config) FullDumpEnabled() bool {
	return c.Output.FullDump == nil || *c.Output.FullDump
}
