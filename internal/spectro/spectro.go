package spectro

import "errors"

var (
	// ErrNotConnected is returned when an operation requires a bound device.
	ErrNotConnected = errors.New("spectro: device not connected")

	// ErrAcquisition is returned when a hardware read fails.
	ErrAcquisition = errors.New("spectro: acquisition failed")
)

// DeviceInfo describes one attached spectrometer as reported by
// enumeration.
type DeviceInfo struct {
	Serial    string
	Model     string
	Pixels    int
	Simulated bool
}

// Device is the driver seam: everything the acquisition layer needs
// from a concrete spectrometer SDK binding.
//
// Read blocks until the device returns a frame; it is treated as an
// opaque call with no timeout at this layer. Implementations are not
// required to be safe for concurrent Read calls.
type Device interface {
	Info() DeviceInfo

	// Wavelengths returns the device wavelength table in nm.
	Wavelengths() ([]float64, error)

	// IntegrationLimits returns the hardware [min, max] integration
	// time range in microseconds.
	IntegrationLimits() (min, max int64)

	// SetIntegrationMicros applies an integration time already clamped
	// by the caller to the device limits.
	SetIntegrationMicros(micros int64) error

	// Read blocks until one intensity frame is available.
	Read() ([]float64, error)

	Close() error
}

// Driver enumerates attached spectrometers and opens them by serial.
type Driver interface {
	Enumerate() ([]DeviceInfo, error)
	Open(serial string) (Device, error)
}
