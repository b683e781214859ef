package absorbance

import (
	"errors"
	"math"
	"testing"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
)

const tolerance = 1e-12

// fill returns a vector of n copies of v.
func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// aggregate builds a StateAggregate with uniform mean spectra, the way
// a completed batch over a flat source would look.
func aggregate(label run.Label, pixels int, meanAbs, meanRef, meanProbe float64) *run.StateAggregate {
	axis := make(run.WavelengthAxis, pixels)
	for i := range axis {
		axis[i] = 340 + float64(i)*0.38
	}
	return &run.StateAggregate{
		Label:              label,
		Wavelengths:        axis,
		MeanAbsorbance:     fill(pixels, meanAbs),
		MeanIntensityRef:   fill(pixels, meanRef),
		MeanIntensityProbe: fill(pixels, meanProbe),
	}
}

// TestSpectrumHalvedIntensity verifies -log10(sample/reference) for a
// clean factor-of-two drop.
func TestSpectrumHalvedIntensity(t *testing.T) {
	spec, err := Spectrum(fill(8, 1000), fill(8, 500))
	if err != nil {
		t.Fatalf("Spectrum failed: %v", err)
	}
	want := math.Log10(2)
	for i, a := range spec {
		if math.Abs(a-want) > tolerance {
			t.Errorf("Pixel %d: expected %g, got %g", i, want, a)
		}
	}
}

// TestSpectrumAxisMismatch verifies mismatched vector lengths fail with
// the sentinel error.
func TestSpectrumAxisMismatch(t *testing.T) {
	_, err := Spectrum(fill(8, 1000), fill(4, 500))
	if !errors.Is(err, ErrAxisMismatch) {
		t.Fatalf("Expected ErrAxisMismatch, got %v", err)
	}
}

// TestSpectrumNonFinitePropagation verifies the IEEE policy: dark or
// saturated pixels produce non-finite absorbance values, never errors.
func TestSpectrumNonFinitePropagation(t *testing.T) {
	spec, err := Spectrum(
		[]float64{1000, 0, 1000},
		[]float64{0, 1000, -500},
	)
	if err != nil {
		t.Fatalf("Spectrum must not fail on non-finite pixels: %v", err)
	}
	if !math.IsInf(spec[0], 1) {
		t.Errorf("Dark sample pixel: expected +Inf, got %g", spec[0])
	}
	if !math.IsInf(spec[1], -1) {
		t.Errorf("Dark reference pixel: expected -Inf, got %g", spec[1])
	}
	if !math.IsNaN(spec[2]) {
		t.Errorf("Negative ratio: expected NaN, got %g", spec[2])
	}
}

// TestCombineZeroDelta verifies identical OFF and ON aggregates produce
// zero across all three products.
func TestCombineZeroDelta(t *testing.T) {
	off := aggregate(run.LabelOff, 16, 0.1, 1000, 800)
	on := aggregate(run.LabelOn, 16, 0.1, 1000, 800)

	res, err := Combine(off, on)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	for i := range res.DeltaAConventional {
		if math.Abs(res.DeltaAConventional[i]) > tolerance {
			t.Errorf("Conventional pixel %d: expected 0, got %g", i, res.DeltaAConventional[i])
		}
		if math.Abs(res.DeltaAProbe[i]) > tolerance {
			t.Errorf("Probe pixel %d: expected 0, got %g", i, res.DeltaAProbe[i])
		}
		if math.Abs(res.DeltaARef[i]) > tolerance {
			t.Errorf("Ref pixel %d: expected 0, got %g", i, res.DeltaARef[i])
		}
	}
}

// TestCombineProbeHalved verifies a probe-only intensity drop shows the
// same magnitude in the conventional and direct-probe products while
// the reference product stays flat.
func TestCombineProbeHalved(t *testing.T) {
	// OFF: probe == ref, per-shot absorbance 0.
	// ON: probe halved, per-shot absorbance log10(2).
	off := aggregate(run.LabelOff, 16, 0, 1000, 1000)
	on := aggregate(run.LabelOn, 16, math.Log10(2), 1000, 500)

	res, err := Combine(off, on)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	want := math.Log10(2)
	for i := range res.DeltaAConventional {
		if math.Abs(res.DeltaAConventional[i]-want) > tolerance {
			t.Errorf("Conventional pixel %d: expected %g, got %g", i, want, res.DeltaAConventional[i])
		}
		if math.Abs(res.DeltaAProbe[i]-want) > tolerance {
			t.Errorf("Probe pixel %d: expected %g, got %g", i, want, res.DeltaAProbe[i])
		}
		if math.Abs(res.DeltaARef[i]) > tolerance {
			t.Errorf("Ref pixel %d: expected 0, got %g", i, res.DeltaARef[i])
		}
	}
}

// TestCombineCommonModeCancels verifies a drop hitting both arms
// equally cancels out of the conventional product but stays visible in
// the direct per-channel products.
func TestCombineCommonModeCancels(t *testing.T) {
	// Both arms halve between OFF and ON: the probe/ref ratio is
	// unchanged, so per-shot absorbance stays 0 in both states.
	off := aggregate(run.LabelOff, 16, 0, 1000, 1000)
	on := aggregate(run.LabelOn, 16, 0, 500, 500)

	res, err := Combine(off, on)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	want := math.Log10(2)
	for i := range res.DeltaAConventional {
		if math.Abs(res.DeltaAConventional[i]) > tolerance {
			t.Errorf("Conventional pixel %d: expected 0, got %g", i, res.DeltaAConventional[i])
		}
		if math.Abs(res.DeltaAProbe[i]-want) > tolerance {
			t.Errorf("Probe pixel %d: expected %g, got %g", i, want, res.DeltaAProbe[i])
		}
		if math.Abs(res.DeltaARef[i]-want) > tolerance {
			t.Errorf("Ref pixel %d: expected %g, got %g", i, want, res.DeltaARef[i])
		}
	}
}

// TestCombineAxisMismatch verifies aggregates with different pixel
// counts fail with the sentinel error.
func TestCombineAxisMismatch(t *testing.T) {
	off := aggregate(run.LabelOff, 16, 0, 1000, 1000)
	on := aggregate(run.LabelOn, 8, 0, 1000, 1000)

	_, err := Combine(off, on)
	if !errors.Is(err, ErrAxisMismatch) {
		t.Fatalf("Expected ErrAxisMismatch, got %v", err)
	}
}
