package spectro

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Default simulated hardware limits, modeled on a typical bench CCD
// spectrometer (1 ms to 65 s exposure, 2048 pixel Si detector).
const (
	simDefaultPixels = 2048
	simDefaultFirst  = 340.0
	simDefaultStep   = 0.38
	simDefaultLevel  = 1000.0
	simDefaultMinUS  = 1000
	simDefaultMaxUS  = 65_000_000
)

// SimConfig configures a simulated spectrometer.
type SimConfig struct {
	Serial string
	Model  string

	// Pixels is the detector length; FirstNM/StepNM lay out the
	// wavelength table linearly.
	Pixels  int
	FirstNM float64
	StepNM  float64

	// Level is the baseline intensity in counts; Noise adds uniform
	// noise in [-Noise, +Noise] from a seeded generator.
	Level float64
	Noise float64
	Seed  int64

	// ReadDelay, when positive, is slept inside every Read to emulate
	// exposure plus transfer time. Zero keeps reads immediate; real
	// exposure timing is not modeled unless asked for.
	ReadDelay time.Duration

	// FailAtRead makes the Nth read (1-based) fail, for exercising
	// mid-run failure paths. Zero disables.
	FailAtRead int

	MinIntegrationUS int64
	MaxIntegrationUS int64
}

// SimDevice is a deterministic simulated spectrometer. It implements
// Device and additionally allows the baseline level to be changed at
// runtime, which is how the sim mode emulates a pump-induced intensity
// change between the OFF and ON batches.
type SimDevice struct {
	mu      sync.Mutex
	cfg     SimConfig
	axis    []float64
	level   float64
	integUS int64
	reads   int
	closed  bool
	rng     *rand.Rand
}

// NewSimDevice builds a simulated device, filling zero-valued config
// fields with bench-plausible defaults.
func NewSimDevice(cfg SimConfig) *SimDevice {
	if cfg.Serial == "" {
		cfg.Serial = "SIM-0000"
	}
	if cfg.Model == "" {
		cfg.Model = "SIM-2048"
	}
	if cfg.Pixels <= 0 {
		cfg.Pixels = simDefaultPixels
	}
	if cfg.FirstNM == 0 {
		cfg.FirstNM = simDefaultFirst
	}
	if cfg.StepNM == 0 {
		cfg.StepNM = simDefaultStep
	}
	if cfg.Level == 0 {
		cfg.Level = simDefaultLevel
	}
	if cfg.MinIntegrationUS <= 0 {
		cfg.MinIntegrationUS = simDefaultMinUS
	}
	if cfg.MaxIntegrationUS <= 0 {
		cfg.MaxIntegrationUS = simDefaultMaxUS
	}

	axis := make([]float64, cfg.Pixels)
	for i := range axis {
		axis[i] = cfg.FirstNM + float64(i)*cfg.StepNM
	}
	return &SimDevice{
		cfg:     cfg,
		axis:    axis,
		level:   cfg.Level,
		integUS: cfg.MinIntegrationUS,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (d *SimDevice) Info() DeviceInfo {
	return DeviceInfo{
		Serial:    d.cfg.Serial,
		Model:     d.cfg.Model,
		Pixels:    d.cfg.Pixels,
		Simulated: true,
	}
}

func (d *SimDevice) Wavelengths() ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("sim: device closed")
	}
	return d.axis, nil
}

func (d *SimDevice) IntegrationLimits() (min, max int64) {
	return d.cfg.MinIntegrationUS, d.cfg.MaxIntegrationUS
}

func (d *SimDevice) SetIntegrationMicros(micros int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("sim: device closed")
	}
	d.integUS = micros
	return nil
}

// IntegrationMicros reports the currently applied integration time.
func (d *SimDevice) IntegrationMicros() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.integUS
}

// SetLevel changes the baseline intensity for subsequent reads.
func (d *SimDevice) SetLevel(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = level
}

func (d *SimDevice) Read() ([]float64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("sim: device closed")
	}
	d.reads++
	n := d.reads
	fail := d.cfg.FailAtRead > 0 && n == d.cfg.FailAtRead
	var out []float64
	if !fail {
		out = make([]float64, len(d.axis))
		for i := range out {
			out[i] = d.level
			if d.cfg.Noise > 0 {
				out[i] += d.cfg.Noise * (2*d.rng.Float64() - 1)
			}
		}
	}
	delay := d.cfg.ReadDelay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("sim: scripted failure at read %d", n)
	}
	return out, nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// SimDriver enumerates and opens a fixed set of simulated devices.
type SimDriver struct {
	configs []SimConfig
}

// NewSimDriver builds a driver over the given simulated instruments.
func NewSimDriver(configs ...SimConfig) *SimDriver {
	return &SimDriver{configs: configs}
}

func (d *SimDriver) Enumerate() ([]DeviceInfo, error) {
	infos := make([]DeviceInfo, 0, len(d.configs))
	for _, cfg := range d.configs {
		infos = append(infos, NewSimDevice(cfg).Info())
	}
	return infos, nil
}

func (d *SimDriver) Open(serial string) (Device, error) {
	for _, cfg := range d.configs {
		if cfg.Serial == serial {
			return NewSimDevice(cfg), nil
		}
	}
	return nil, fmt.Errorf("sim: no device with serial %q", serial)
}
