// Package acquire drives the shot-by-shot acquisition protocol: paired
// concurrent channel reads, per-state batch collection with running
// absorbance accumulation, and the single-channel scan series used by
// timing-evaluation runs.
//
// Shots are strictly sequential: shot i+1 never starts before shot i's
// pair has fully completed. Cancellation is cooperative and polled at
// the loop head only; an in-flight shot always finishes first, and a
// cancelled batch discards all partial data rather than exposing a
// partial aggregate.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/absorbance"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
)

// progressLogEvery throttles Info-level shot logging; every shot is
// still visible at Debug and through the progress callback.
const progressLogEvery = 10

// ProgressFunc is invoked after each completed shot with the number of
// shots completed so far (1-based) and the batch label.
type ProgressFunc func(completed int, label run.Label)

// Config configures an Acquirer.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnProgress, when set, fires after every completed shot.
	OnProgress ProgressFunc
}

// Acquirer collects N-shot batches from a channel pair.
type Acquirer struct {
	logger     *slog.Logger
	onProgress ProgressFunc
}

// New builds an Acquirer.
func New(cfg Config) *Acquirer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		logger:     logger.With("component", "acquire"),
		onProgress: cfg.OnProgress,
	}
}

// Run collects exactly nShots synchronized shots for the given state
// label and returns the averaged aggregate.
//
// A running sum of per-shot absorbance (-log10(Iprobe/Iref)) and of the
// raw intensities is maintained across the loop and averaged at the
// end. Non-finite values from dark or saturated pixels propagate into
// the means unfiltered.
//
// On cancellation or a channel failure no aggregate is returned and the
// data collected so far is discarded; the error identifies the failing
// channel and the shot index.
func (a *Acquirer) Run(ctx context.Context, ref, probe *spectro.Channel, nShots int, label run.Label) (*run.StateAggregate, error) {
	if nShots < 1 {
		return nil, fmt.Errorf("acquire: shot count must be at least 1, got %d", nShots)
	}
	axis, err := ref.Wavelengths()
	if err != nil {
		return nil, err
	}
	pixels := len(axis)
	if pp := probe.Pixels(); pp != pixels {
		return nil, fmt.Errorf("acquire: %w: ref=%d probe=%d pixels",
			absorbance.ErrAxisMismatch, pixels, pp)
	}

	sumAbs := make([]float64, pixels)
	sumRef := make([]float64, pixels)
	sumProbe := make([]float64, pixels)
	tsRef := make([]time.Time, 0, nShots)
	tsProbe := make([]time.Time, 0, nShots)

	a.logger.Info("state acquisition started",
		"label", label,
		"shots", nShots,
		"pixels", pixels,
	)
	started := time.Now()

	for i := 0; i < nShots; i++ {
		// Cancellation is observed here only, between shots.
		select {
		case <-ctx.Done():
			a.logger.Warn("state acquisition cancelled, partial data discarded",
				"label", label,
				"completed", i,
				"total", nShots,
			)
			return nil, fmt.Errorf("acquire: %s cancelled after %d/%d shots: %w",
				label, i, nShots, ctx.Err())
		default:
		}

		shot, err := SamplePair(ref, probe)
		if err != nil {
			return nil, fmt.Errorf("acquire: %s shot %d/%d: %w", label, i+1, nShots, err)
		}
		if len(shot.IntensityRef) != pixels || len(shot.IntensityProbe) != pixels {
			return nil, fmt.Errorf("acquire: %s shot %d/%d: %w: frame length ref=%d probe=%d, want %d",
				label, i+1, nShots, spectro.ErrAcquisition,
				len(shot.IntensityRef), len(shot.IntensityProbe), pixels)
		}

		shotAbs, err := absorbance.Spectrum(shot.IntensityRef, shot.IntensityProbe)
		if err != nil {
			return nil, fmt.Errorf("acquire: %s shot %d/%d: %w", label, i+1, nShots, err)
		}
		for p := 0; p < pixels; p++ {
			sumAbs[p] += shotAbs[p]
			sumRef[p] += shot.IntensityRef[p]
			sumProbe[p] += shot.IntensityProbe[p]
		}
		tsRef = append(tsRef, shot.TimestampRef)
		tsProbe = append(tsProbe, shot.TimestampProbe)

		completed := i + 1
		if a.onProgress != nil {
			a.onProgress(completed, label)
		}
		if completed%progressLogEvery == 0 || completed == nShots {
			a.logger.Info("shots completed",
				"label", label,
				"completed", completed,
				"total", nShots,
			)
		} else {
			a.logger.Debug("shot completed",
				"label", label,
				"completed", completed,
				"lag_ms", shot.TimestampProbe.Sub(shot.TimestampRef).Seconds()*1e3,
			)
		}
	}

	inv := 1.0 / float64(nShots)
	meanAbs := make([]float64, pixels)
	meanRef := make([]float64, pixels)
	meanProbe := make([]float64, pixels)
	for p := 0; p < pixels; p++ {
		meanAbs[p] = sumAbs[p] * inv
		meanRef[p] = sumRef[p] * inv
		meanProbe[p] = sumProbe[p] * inv
	}

	a.logger.Info("state acquisition complete",
		"label", label,
		"shots", nShots,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	return &run.StateAggregate{
		Label:              label,
		Wavelengths:        axis,
		MeanAbsorbance:     meanAbs,
		MeanIntensityRef:   meanRef,
		MeanIntensityProbe: meanProbe,
		TimestampsRef:      tsRef,
		TimestampsProbe:    tsProbe,
	}, nil
}
