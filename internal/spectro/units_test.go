package spectro

import (
	"math"
	"testing"
)

// TestMicrosFromMillis verifies the ms-to-us conversion rounds to the
// nearest microsecond.
func TestMicrosFromMillis(t *testing.T) {
	cases := []struct {
		ms   float64
		want int64
	}{
		{5.0, 5000},
		{0.5, 500},
		{2.5, 2500},
		{0.3333, 333},
		{0.99999, 1000},
	}
	for _, tc := range cases {
		if got := MicrosFromMillis(tc.ms); got != tc.want {
			t.Errorf("MicrosFromMillis(%g): expected %d, got %d", tc.ms, tc.want, got)
		}
	}
}

// TestIntegrationForPeriod verifies the trigger-period headroom rule
// and the 0.01 ms floor.
func TestIntegrationForPeriod(t *testing.T) {
	cases := []struct {
		periodMS float64
		margin   float64
		want     float64
	}{
		{10, 0.7, 7},
		{1, 1, 1},
		{0.001, 0.5, 0.01}, // floored
	}
	for _, tc := range cases {
		got := IntegrationForPeriod(tc.periodMS, tc.margin)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("IntegrationForPeriod(%g, %g): expected %g, got %g",
				tc.periodMS, tc.margin, tc.want, got)
		}
	}
}
