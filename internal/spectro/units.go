package spectro

import "math"

// Integration window floor in milliseconds. Shorter requests make no
// sense on the supported detectors.
const minIntegrationMS = 0.01

// MicrosFromMillis converts an integration time from the millisecond
// unit operators work in to the microsecond unit of the device
// boundary, rounding to the nearest microsecond.
func MicrosFromMillis(ms float64) int64 {
	return int64(math.Round(ms * 1000))
}

// IntegrationForPeriod returns the integration window in milliseconds
// that fits inside an external-trigger period, keeping the given margin
// as headroom for readout and transfer. The result never goes below
// 0.01 ms.
func IntegrationForPeriod(periodMS, margin float64) float64 {
	w := periodMS * margin
	if w < minIntegrationMS {
		return minIntegrationMS
	}
	return w
}
