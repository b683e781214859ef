package spectro

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
)

// Channel is one spectrometer bound for acquisition. It caches the
// wavelength axis and integration limits at bind time, attributes every
// failure to its role ("reference" or "probe"), and keeps acquisition
// counters for telemetry.
//
// The mutex guards only the device binding itself; the blocking read
// runs outside it. Exclusive read access is the protocol's job, not a
// lock's.
type Channel struct {
	role string

	mu       sync.Mutex
	dev      Device
	axis     run.WavelengthAxis
	minUS    int64
	maxUS    int64
	integUS  int64
	acquired atomic.Uint64
	failed   atomic.Uint64
}

// ChannelStats is a snapshot of a channel's acquisition counters.
type ChannelStats struct {
	Role                string
	Acquisitions        uint64
	Failures            uint64
	IntegrationMicros   int64
	IntegrationLimitsUS [2]int64
}

// Bind takes ownership of dev as the channel for the given role and
// fetches the wavelength table and integration limits up front.
func Bind(role string, dev Device) (*Channel, error) {
	axis, err := dev.Wavelengths()
	if err != nil {
		return nil, fmt.Errorf("%s channel: read wavelength table: %w", role, err)
	}
	if len(axis) == 0 {
		return nil, fmt.Errorf("%s channel: device reported an empty wavelength table", role)
	}
	minUS, maxUS := dev.IntegrationLimits()
	return &Channel{
		role:  role,
		dev:   dev,
		axis:  run.WavelengthAxis(axis),
		minUS: minUS,
		maxUS: maxUS,
	}, nil
}

// Role returns the channel role used in error attribution and logging.
func (c *Channel) Role() string { return c.role }

// Wavelengths returns the wavelength axis cached at bind time.
func (c *Channel) Wavelengths() (run.WavelengthAxis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, fmt.Errorf("%s channel: %w", c.role, ErrNotConnected)
	}
	return c.axis, nil
}

// Pixels returns the axis length, 0 when unbound.
func (c *Channel) Pixels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return 0
	}
	return len(c.axis)
}

// SetIntegrationTime applies an integration time in microseconds,
// silently clamping to the hardware-reported [min, max] range.
func (c *Channel) SetIntegrationTime(micros int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return fmt.Errorf("%s channel: %w", c.role, ErrNotConnected)
	}
	if micros < c.minUS {
		micros = c.minUS
	}
	if micros > c.maxUS {
		micros = c.maxUS
	}
	if err := c.dev.SetIntegrationMicros(micros); err != nil {
		return fmt.Errorf("%s channel: set integration time: %w", c.role, err)
	}
	c.integUS = micros
	return nil
}

// IntegrationTime returns the last applied integration time in
// microseconds (after clamping), 0 if never set.
func (c *Channel) IntegrationTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.integUS
}

// AcquireOne blocks until the device returns one frame and stamps the
// timestamp immediately after the read returns, not before. Driver
// errors surface as ErrAcquisition with the channel role attached.
// There are no retries at this layer.
func (c *Channel) AcquireOne() (time.Time, []float64, error) {
	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return time.Time{}, nil, fmt.Errorf("%s channel: %w", c.role, ErrNotConnected)
	}

	intensities, err := dev.Read()
	ts := time.Now()
	if err != nil {
		c.failed.Add(1)
		return time.Time{}, nil, fmt.Errorf("%s channel: %w: %w", c.role, ErrAcquisition, err)
	}
	c.acquired.Add(1)
	return ts, intensities, nil
}

// Close releases the underlying device. Subsequent operations fail
// with ErrNotConnected. Closing an already released channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	c.axis = nil
	if err != nil {
		return fmt.Errorf("%s channel: close device: %w", c.role, err)
	}
	return nil
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	integ := c.integUS
	limits := [2]int64{c.minUS, c.maxUS}
	c.mu.Unlock()
	return ChannelStats{
		Role:                c.role,
		Acquisitions:        c.acquired.Load(),
		Failures:            c.failed.Load(),
		IntegrationMicros:   integ,
		IntegrationLimitsUS: limits,
	}
}
