package config

import (
	"fmt"
	"path/filepath"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults in place.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is required", ErrInvalid)
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("%w: instance_id must match pattern [a-z0-9-]+", ErrInvalid)
	}

	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q (must be debug, info, warn or error)", ErrInvalid, cfg.LogLevel)
	}

	switch cfg.Driver {
	case "":
		cfg.Driver = "sim"
	case "sim":
	default:
		return fmt.Errorf("%w: driver %q is not supported (only \"sim\" is built in)", ErrInvalid, cfg.Driver)
	}

	if cfg.Reference.Serial == "" {
		return fmt.Errorf("%w: reference.serial is required", ErrInvalid)
	}
	if cfg.Probe.Serial == "" {
		return fmt.Errorf("%w: probe.serial is required", ErrInvalid)
	}
	if cfg.Reference.Serial == cfg.Probe.Serial {
		return fmt.Errorf("%w: reference and probe must be different devices, both are %q",
			ErrInvalid, cfg.Reference.Serial)
	}
	for _, ch := range []struct {
		name string
		cfg  *ChannelConfig
	}{{"reference", &cfg.Reference}, {"probe", &cfg.Probe}} {
		if ch.cfg.Pixels < 0 {
			return fmt.Errorf("%w: %s.pixels must not be negative", ErrInvalid, ch.name)
		}
		if ch.cfg.Noise < 0 {
			return fmt.Errorf("%w: %s.noise must not be negative", ErrInvalid, ch.name)
		}
		if ch.cfg.ReadDelayMS < 0 {
			return fmt.Errorf("%w: %s.read_delay_ms must not be negative", ErrInvalid, ch.name)
		}
	}

	if cfg.Acquisition.ShotsPerState == 0 {
		cfg.Acquisition.ShotsPerState = 200
	}
	if cfg.Acquisition.ShotsPerState < 1 {
		return fmt.Errorf("%w: acquisition.shots_per_state must be at least 1", ErrInvalid)
	}
	if cfg.Acquisition.IntegrationMS == 0 {
		cfg.Acquisition.IntegrationMS = 5.0
	}
	if cfg.Acquisition.IntegrationMS < 0 {
		return fmt.Errorf("%w: acquisition.integration_ms must be positive", ErrInvalid)
	}

	if cfg.Timing.TriggerHz < 0 {
		return fmt.Errorf("%w: timing.trigger_hz must not be negative", ErrInvalid)
	}
	if cfg.Timing.Scans == 0 {
		cfg.Timing.Scans = 100
	}
	if cfg.Timing.Scans < 2 {
		return fmt.Errorf("%w: timing.scans must be at least 2 for interval statistics", ErrInvalid)
	}
	if cfg.Timing.SafetyMargin == 0 {
		cfg.Timing.SafetyMargin = 0.70
	}
	if cfg.Timing.SafetyMargin <= 0 || cfg.Timing.SafetyMargin > 1 {
		return fmt.Errorf("%w: timing.safety_margin must be in (0, 1]", ErrInvalid)
	}
	switch cfg.Timing.Channel {
	case "":
		cfg.Timing.Channel = "reference"
	case "reference", "probe":
	default:
		return fmt.Errorf("%w: timing.channel %q (must be \"reference\" or \"probe\")", ErrInvalid, cfg.Timing.Channel)
	}

	if cfg.Output.Root == "" {
		cfg.Output.Root = "raw_data"
	}
	if cfg.Output.Catalog == "" {
		cfg.Output.Catalog = filepath.Join(cfg.Output.Root, "runs.db")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
		}
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "deltaspec-" + cfg.InstanceID
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "lab/deltaspec"
	}
	if cfg.MQTT.ConnectTimeoutS <= 0 {
		cfg.MQTT.ConnectTimeoutS = 5
	}

	for i, gate := range cfg.QualityGates {
		if gate.Name == "" {
			return fmt.Errorf("%w: quality_gates[%d].name is required", ErrInvalid, i)
		}
		if gate.Expr == "" {
			return fmt.Errorf("%w: quality_gates[%d] (%s): expr is required", ErrInvalid, i, gate.Name)
		}
	}

	return nil
}
