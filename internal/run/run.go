// Package run holds the records shared across the acquisition pipeline:
// experimental state labels, synchronized per-shot samples, per-state
// aggregates, and single-channel scan series.
package run

import "time"

// Label identifies the experimental state a batch of shots belongs to.
type Label string

const (
	// LabelOff marks acquisition with the pump stimulus off.
	LabelOff Label = "OFF"
	// LabelOn marks acquisition with the pump stimulus on.
	LabelOn Label = "ON"
	// LabelScan marks a single-channel timing-evaluation series.
	LabelScan Label = "SCAN"
)

// WavelengthAxis is the ordered wavelength table (nm) of a channel.
//
// The axis is fixed for the duration of a run and shared by reference
// between all spectra taken on that channel; nothing downstream mutates it.
type WavelengthAxis []float64

// Shot is one synchronized sample across both channels.
//
// Both intensity vectors have length equal to the channel pixel count.
// Timestamps are stamped immediately after each hardware read returns,
// so their difference reflects real inter-channel lag.
type Shot struct {
	TimestampRef   time.Time
	TimestampProbe time.Time
	IntensityRef   []float64
	IntensityProbe []float64
}

// StateAggregate is the result of one state's acquisition: the averaged
// spectra plus the raw per-shot timestamp series.
//
// The acquirer that produced it owns it until handed to the session;
// after that it is treated as immutable.
type StateAggregate struct {
	Label              Label
	Wavelengths        WavelengthAxis
	MeanAbsorbance     []float64
	MeanIntensityRef   []float64
	MeanIntensityProbe []float64
	TimestampsRef      []time.Time
	TimestampsProbe    []time.Time
}

// Shots returns the number of shots aggregated.
func (a *StateAggregate) Shots() int { return len(a.TimestampsRef) }

// Series is a single-channel scan series collected in timing-evaluation
// mode: one timestamp and one intensity vector per scan.
type Series struct {
	Wavelengths WavelengthAxis
	Timestamps  []time.Time
	Intensities [][]float64
}

// Scans returns the number of scans collected.
func (s *Series) Scans() int { return len(s.Timestamps) }
