package acquire

import (
	"context"
	"fmt"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
)

// RunSeries collects nScans sequential scans from a single channel, the
// acquisition loop of timing-evaluation runs. Cancellation and failure
// behave exactly as in Run: polled between scans, partial data
// discarded, errors carry the scan index.
func (a *Acquirer) RunSeries(ctx context.Context, ch *spectro.Channel, nScans int) (*run.Series, error) {
	if nScans < 1 {
		return nil, fmt.Errorf("acquire: scan count must be at least 1, got %d", nScans)
	}
	axis, err := ch.Wavelengths()
	if err != nil {
		return nil, err
	}
	pixels := len(axis)

	timestamps := make([]time.Time, 0, nScans)
	intensities := make([][]float64, 0, nScans)

	a.logger.Info("scan series started",
		"channel", ch.Role(),
		"scans", nScans,
		"pixels", pixels,
	)

	for i := 0; i < nScans; i++ {
		select {
		case <-ctx.Done():
			a.logger.Warn("scan series cancelled, partial data discarded",
				"completed", i,
				"total", nScans,
			)
			return nil, fmt.Errorf("acquire: series cancelled after %d/%d scans: %w",
				i, nScans, ctx.Err())
		default:
		}

		ts, iv, err := ch.AcquireOne()
		if err != nil {
			return nil, fmt.Errorf("acquire: scan %d/%d: %w", i+1, nScans, err)
		}
		if len(iv) != pixels {
			return nil, fmt.Errorf("acquire: scan %d/%d: %w: frame length %d, want %d",
				i+1, nScans, spectro.ErrAcquisition, len(iv), pixels)
		}
		timestamps = append(timestamps, ts)
		intensities = append(intensities, iv)

		completed := i + 1
		if a.onProgress != nil {
			a.onProgress(completed, run.LabelScan)
		}
		if completed%progressLogEvery == 0 || completed == nScans {
			a.logger.Info("scans completed", "completed", completed, "total", nScans)
		}
	}

	return &run.Series{
		Wavelengths: axis,
		Timestamps:  timestamps,
		Intensities: intensities,
	}, nil
}
