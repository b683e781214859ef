// Package absorbance computes per-shot absorbance spectra and combines
// OFF/ON state aggregates into the differential-absorbance products.
//
// Numeric policy: division by zero and log of a non-positive value
// follow IEEE float rules and propagate as +Inf/-Inf/NaN. They are
// never filtered or turned into errors; a saturated or unlit pixel
// should stay visible in the result, not be hidden by the math.
package absorbance

import (
	"errors"
	"fmt"
	"math"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
)

// ErrAxisMismatch is returned when two spectra or aggregates that must
// share a wavelength axis have different lengths. This is a programming
// error, not a runtime data condition to recover from.
var ErrAxisMismatch = errors.New("absorbance: wavelength axis mismatch")

// Result holds the differential-absorbance products of one completed
// run, each aligned to the shared wavelength axis. Derived once, never
// mutated.
type Result struct {
	// DeltaAConventional = ON.MeanAbsorbance - OFF.MeanAbsorbance.
	DeltaAConventional []float64
	// DeltaAProbe = -log10(ON.MeanIntensityProbe / OFF.MeanIntensityProbe).
	DeltaAProbe []float64
	// DeltaARef = -log10(ON.MeanIntensityRef / OFF.MeanIntensityRef).
	DeltaARef []float64
}

// Spectrum computes -log10(sample/reference) element-wise, the
// absorbance of one shot when called with the two intensity vectors of
// a shot, and a differential absorbance when called with two state
// means.
func Spectrum(reference, sample []float64) ([]float64, error) {
	if len(reference) != len(sample) {
		return nil, fmt.Errorf("%w: reference=%d sample=%d",
			ErrAxisMismatch, len(reference), len(sample))
	}
	out := make([]float64, len(reference))
	for i := range out {
		out[i] = -math.Log10(sample[i] / reference[i])
	}
	return out, nil
}

// Combine derives the differential-absorbance products from the OFF and
// ON aggregates of one run. Both aggregates must share the wavelength
// axis length; a mismatch fails with ErrAxisMismatch.
func Combine(off, on *run.StateAggregate) (*Result, error) {
	if len(off.Wavelengths) != len(on.Wavelengths) {
		return nil, fmt.Errorf("%w: off=%d on=%d pixels",
			ErrAxisMismatch, len(off.Wavelengths), len(on.Wavelengths))
	}

	conventional := make([]float64, len(off.MeanAbsorbance))
	for i := range conventional {
		conventional[i] = on.MeanAbsorbance[i] - off.MeanAbsorbance[i]
	}

	probe, err := Spectrum(off.MeanIntensityProbe, on.MeanIntensityProbe)
	if err != nil {
		return nil, err
	}
	ref, err := Spectrum(off.MeanIntensityRef, on.MeanIntensityRef)
	if err != nil {
		return nil, err
	}

	return &Result{
		DeltaAConventional: conventional,
		DeltaAProbe:        probe,
		DeltaARef:          ref,
	}, nil
}
