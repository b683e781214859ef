package acquire

import (
	"errors"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
)

// grab carries one channel's read result through the join.
type grab struct {
	ts          time.Time
	intensities []float64
	err         error
}

// SamplePair acquires one synchronized shot from both channels.
//
// The two reads are issued as two goroutines without waiting for one
// another to start, so the pair of timestamps reflects genuinely
// parallel reads rather than a serialized sequence. The call blocks
// until both reads have completed; there is no ordering between which
// finishes first.
//
// A failure on either channel propagates with the channel role already
// attached by the channel layer; if both fail, both errors are joined.
func SamplePair(ref, probe *spectro.Channel) (run.Shot, error) {
	refCh := make(chan grab, 1)
	probeCh := make(chan grab, 1)

	go func() {
		ts, iv, err := ref.AcquireOne()
		refCh <- grab{ts: ts, intensities: iv, err: err}
	}()
	go func() {
		ts, iv, err := probe.AcquireOne()
		probeCh <- grab{ts: ts, intensities: iv, err: err}
	}()

	r := <-refCh
	p := <-probeCh

	switch {
	case r.err != nil && p.err != nil:
		return run.Shot{}, errors.Join(r.err, p.err)
	case r.err != nil:
		return run.Shot{}, r.err
	case p.err != nil:
		return run.Shot{}, p.err
	}

	return run.Shot{
		TimestampRef:   r.ts,
		TimestampProbe: p.ts,
		IntensityRef:   r.intensities,
		IntensityProbe: p.intensities,
	}, nil
}
