// Package timing quantifies acquisition synchronization quality from
// timestamp series.
//
// Two distinct measurements live here and stay separate on purpose:
//
//   - LagAnalysis: inter-channel lag per shot (probe minus reference),
//     used after every pump-probe batch.
//   - IntervalAnalysis: per-channel interval error against an expected
//     ideal period, used only in external-trigger timing-evaluation
//     runs.
//
// They share the relative-offset and statistics primitives but are
// separate entry points; neither switches semantics based on its input.
// Both are pure functions of their arguments.
package timing

import (
	"fmt"
	"time"
)

const (
	// droppedCycleFactor marks an interval as a suspected dropped
	// trigger cycle when it exceeds this multiple of the ideal period.
	// Example: ideal 1 ms → a 2 ms interval counts as one dropped cycle.
	droppedCycleFactor = 1.5
)

// Summary holds the statistics of one timing measurement, all in
// milliseconds.
//
// LagAnalysis fills PerShotLagMS and the mean/stddev/max-abs fields;
// IntervalAnalysis fills mean/stddev/max-abs and DroppedCycleEstimate.
// StdDevErrorMS uses the sample denominator (N-1) and is NaN when only
// one value is available.
type Summary struct {
	MeanErrorMS          float64
	StdDevErrorMS        float64
	MaxAbsErrorMS        float64
	DroppedCycleEstimate int
	PerShotLagMS         []float64
}

// LagAnalysis computes the inter-channel lag series from the two
// timestamp sequences of one state's shots.
//
// All timestamps are first reduced to relative millisecond offsets from
// shot 0's reference timestamp, then lag[i] = relProbe[i] - relRef[i].
// The reduction keeps the subtraction in small relative numbers instead
// of absolute time, so sub-millisecond differences survive intact.
func LagAnalysis(tsRef, tsProbe []time.Time) (*Summary, error) {
	if len(tsRef) == 0 {
		return nil, fmt.Errorf("timing: empty timestamp series")
	}
	if len(tsRef) != len(tsProbe) {
		return nil, fmt.Errorf("timing: series length mismatch: ref=%d probe=%d",
			len(tsRef), len(tsProbe))
	}

	zero := tsRef[0]
	relRef := RelativeMillis(tsRef, zero)
	relProbe := RelativeMillis(tsProbe, zero)

	lags := make([]float64, len(relRef))
	for i := range lags {
		lags[i] = relProbe[i] - relRef[i]
	}

	m := mean(lags)
	return &Summary{
		MeanErrorMS:   m,
		StdDevErrorMS: sampleStdDev(lags, m),
		MaxAbsErrorMS: maxAbs(lags),
		PerShotLagMS:  lags,
	}, nil
}

// IntervalAnalysis computes per-interval error statistics for one
// channel's timestamp series against an expected ideal period.
//
// Successive intervals minus the ideal period give the per-interval
// errors. An interval longer than 1.5x the ideal period counts toward
// the dropped-cycle estimate.
func IntervalAnalysis(ts []time.Time, idealMS float64) (*Summary, error) {
	if idealMS <= 0 {
		return nil, fmt.Errorf("timing: ideal period must be positive, got %g ms", idealMS)
	}
	if len(ts) < 2 {
		return nil, fmt.Errorf("timing: need at least 2 timestamps for interval analysis, got %d", len(ts))
	}

	intervals := IntervalsMillis(ts)

	errs := make([]float64, len(intervals))
	dropped := 0
	for i, iv := range intervals {
		errs[i] = iv - idealMS
		if iv > droppedCycleFactor*idealMS {
			dropped++
		}
	}

	m := mean(errs)
	return &Summary{
		MeanErrorMS:          m,
		StdDevErrorMS:        sampleStdDev(errs, m),
		MaxAbsErrorMS:        maxAbs(errs),
		DroppedCycleEstimate: dropped,
	}, nil
}

// RelativeMillis reduces a timestamp series to millisecond offsets from
// the given zero instant.
func RelativeMillis(ts []time.Time, zero time.Time) []float64 {
	rel := make([]float64, len(ts))
	for i, t := range ts {
		rel[i] = t.Sub(zero).Seconds() * 1e3
	}
	return rel
}

// IntervalsMillis returns the successive differences of a timestamp
// series in milliseconds; length is len(ts)-1.
func IntervalsMillis(ts []time.Time) []float64 {
	if len(ts) < 2 {
		return nil
	}
	intervals := make([]float64, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		intervals[i-1] = ts[i].Sub(ts[i-1]).Seconds() * 1e3
	}
	return intervals
}
