package export

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/absorbance"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/gate"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/session"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(t *testing.T, fullDump bool) *Writer {
	t.Helper()
	w, err := NewWriter(Config{Root: t.TempDir(), FullDump: fullDump, Logger: quietLogger()})
	require.NoError(t, err)
	return w
}

// buildAggregate fabricates one state's aggregate over a 4-pixel axis:
// flat 1000-count reference, flat probe at the given level, shots 10 ms
// apart with the probe trailing by 0.5 ms.
func buildAggregate(label run.Label, shots int, probeLevel float64, base time.Time) *run.StateAggregate {
	const pixels = 4
	axis := make(run.WavelengthAxis, pixels)
	meanAbs := make([]float64, pixels)
	meanRef := make([]float64, pixels)
	meanProbe := make([]float64, pixels)
	for i := 0; i < pixels; i++ {
		axis[i] = 500 + float64(i)
		meanAbs[i] = -math.Log10(probeLevel / 1000)
		meanRef[i] = 1000
		meanProbe[i] = probeLevel
	}
	tsRef := make([]time.Time, shots)
	tsProbe := make([]time.Time, shots)
	for i := 0; i < shots; i++ {
		tsRef[i] = base.Add(time.Duration(i) * 10 * time.Millisecond)
		tsProbe[i] = tsRef[i].Add(500 * time.Microsecond)
	}
	return &run.StateAggregate{
		Label:              label,
		Wavelengths:        axis,
		MeanAbsorbance:     meanAbs,
		MeanIntensityRef:   meanRef,
		MeanIntensityProbe: meanProbe,
		TimestampsRef:      tsRef,
		TimestampsProbe:    tsProbe,
	}
}

// sampleResults derives a complete ΔA result set the way a finished
// session would: pump on halves the probe arm.
func sampleResults(t *testing.T, shots int) *session.Results {
	t.Helper()
	base := time.Date(2025, 8, 25, 15, 30, 45, 0, time.UTC)
	off := buildAggregate(run.LabelOff, shots, 1000, base)
	on := buildAggregate(run.LabelOn, shots, 500, base.Add(time.Minute))

	diff, err := absorbance.Combine(off, on)
	require.NoError(t, err)
	timingOff, err := timing.LagAnalysis(off.TimestampsRef, off.TimestampsProbe)
	require.NoError(t, err)
	timingOn, err := timing.LagAnalysis(on.TimestampsRef, on.TimestampsProbe)
	require.NoError(t, err)

	return &session.Results{
		RunID:        "run-test",
		Off:          off,
		On:           on,
		Differential: diff,
		TimingOff:    timingOff,
		TimingOn:     timingOn,
	}
}

func sampleMeta(shots int) Meta {
	return Meta{
		RunID:         "run-test",
		Instance:      "bench",
		Started:       time.Date(2025, 8, 25, 15, 30, 45, 123456789, time.UTC),
		ShotsPerState: shots,
		IntegrationMS: 5.0,
		Channels: []ChannelMeta{
			{Role: "reference", Info: spectro.DeviceInfo{Serial: "R1", Model: "SIM-2048", Pixels: 4, Simulated: true}},
			{Role: "probe", Info: spectro.DeviceInfo{Serial: "P1", Model: "SIM-2048", Pixels: 4, Simulated: true}},
		},
	}
}

func TestWriteRunProducesArtifacts(t *testing.T) {
	w := newTestWriter(t, true)
	res := sampleResults(t, 2)

	artifacts, err := w.WriteRun(sampleMeta(2), res, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w.RunsWritten())

	assert.Equal(t, "20250825_153045_123456Z", filepath.Base(artifacts.Dir))
	assert.ElementsMatch(t, []string{SummaryFile, ReportFile, FullDataFile}, artifacts.Files)
	for _, name := range artifacts.Files {
		_, err := os.Stat(filepath.Join(artifacts.Dir, name))
		assert.NoError(t, err, "artifact %s must exist", name)
	}

	s := artifacts.Summary
	assert.Equal(t, "delta_a", s.Kind)
	assert.Equal(t, "run-test", s.RunID)
	assert.Equal(t, 4, s.Pixels)
	assert.Equal(t, 2, s.ShotsPerState)
	assert.True(t, s.GatesPassed, "no gates configured means nothing failed")
	require.NotNil(t, s.Timing.Off)
	require.NotNil(t, s.Timing.On)
	assert.Equal(t, 2, s.Timing.Off.N)
	assert.InDelta(t, 0.5, float64(s.Timing.Off.MeanMS), 1e-9)

	// The written bytes themselves satisfy the contract.
	require.NoError(t, ValidateSummary(artifacts.SummaryJSON))

	raw, err := os.ReadFile(filepath.Join(artifacts.Dir, FullDataFile))
	require.NoError(t, err)
	var full FullData
	require.NoError(t, msgpack.Unmarshal(raw, &full))
	assert.Equal(t, fullDataSchemaVersion, full.SchemaVersion)
	assert.Equal(t, "run-test", full.RunID)
	assert.InDelta(t, math.Log10(2), full.DeltaAConventional[0], 1e-9)
	assert.Len(t, full.Off.TimestampsRef, 2)
	assert.Len(t, full.TimingOn.PerShotLagMS, 2)
}

func TestWriteRunSkipsFullDumpWhenDisabled(t *testing.T) {
	w := newTestWriter(t, false)
	res := sampleResults(t, 2)

	artifacts, err := w.WriteRun(sampleMeta(2), res, nil)
	require.NoError(t, err)

	assert.NotContains(t, artifacts.Files, FullDataFile)
	_, err = os.Stat(filepath.Join(artifacts.Dir, FullDataFile))
	assert.True(t, os.IsNotExist(err))
}

// TestWriteRunNaNBecomesNull verifies an undefined statistic (sample
// stddev of a single shot) lands in the JSON summary as null rather
// than breaking the encoder.
func TestWriteRunNaNBecomesNull(t *testing.T) {
	w := newTestWriter(t, false)
	res := sampleResults(t, 1)
	require.True(t, math.IsNaN(res.TimingOff.StdDevErrorMS))

	artifacts, err := w.WriteRun(sampleMeta(1), res, nil)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(artifacts.SummaryJSON, &doc))
	timingDoc, ok := doc["timing"].(map[string]any)
	require.True(t, ok)
	offDoc, ok := timingDoc["off"].(map[string]any)
	require.True(t, ok)
	assert.Nil(t, offDoc["stddev_ms"])
	assert.InDelta(t, 0.5, offDoc["mean_ms"], 1e-9)
}

func TestWriteRunRejectsIncompleteResults(t *testing.T) {
	w := newTestWriter(t, false)

	_, err := w.WriteRun(sampleMeta(2), nil, nil)
	assert.Error(t, err)

	res := sampleResults(t, 2)
	res.Differential = nil
	_, err = w.WriteRun(sampleMeta(2), res, nil)
	assert.Error(t, err)
}

func TestWriteSeriesProducesArtifacts(t *testing.T) {
	w := newTestWriter(t, false)

	base := time.Date(2025, 8, 25, 16, 0, 0, 0, time.UTC)
	series := &run.Series{
		Wavelengths: run.WavelengthAxis{500, 501, 502, 503},
		Timestamps: []time.Time{
			base,
			base.Add(10 * time.Millisecond),
			base.Add(20 * time.Millisecond),
		},
		Intensities: [][]float64{
			{1, 2, 3, 4},
			{5, 6, 7, 8},
			{9, 10, 11, 12},
		},
	}
	summary, err := timing.IntervalAnalysis(series.Timestamps, 10.0)
	require.NoError(t, err)

	meta := sampleMeta(0)
	meta.Scans = 3
	meta.TriggerHz = 100
	meta.IdealMS = 10
	gates := []gate.Result{{Name: "drops", Expr: "dropped_cycles == 0", Pass: true}}

	artifacts, err := w.WriteSeries(meta, series, summary, gates)
	require.NoError(t, err)

	assert.Contains(t, artifacts.Files, WavelengthsFile)
	assert.Contains(t, artifacts.Files, "scan_000.json")
	assert.Contains(t, artifacts.Files, "scan_002.json")
	assert.Contains(t, artifacts.Files, TimingReportFile)
	assert.Contains(t, artifacts.Files, SummaryFile)

	raw, err := os.ReadFile(filepath.Join(artifacts.Dir, WavelengthsFile))
	require.NoError(t, err)
	var axis []float64
	require.NoError(t, json.Unmarshal(raw, &axis))
	assert.Equal(t, []float64{500, 501, 502, 503}, axis)

	raw, err = os.ReadFile(filepath.Join(artifacts.Dir, "scan_001.json"))
	require.NoError(t, err)
	var scan scanRecord
	require.NoError(t, json.Unmarshal(raw, &scan))
	assert.Equal(t, 1, scan.ScanIndex)
	assert.Equal(t, []float64{5, 6, 7, 8}, scan.Intensities)
	assert.NotEmpty(t, scan.TimestampUTC)

	s := artifacts.Summary
	assert.Equal(t, "timing", s.Kind)
	assert.Equal(t, 3, s.Scans)
	assert.True(t, s.GatesPassed)
	require.Len(t, s.Gates, 1)
	assert.Equal(t, "drops", s.Gates[0].Name)
	require.NotNil(t, s.Timing.Scan)
	assert.Equal(t, 3, s.Timing.Scan.N)
	assert.Equal(t, 0, s.Timing.Scan.DroppedCycles)
	require.NoError(t, ValidateSummary(artifacts.SummaryJSON))
}

func TestFloatMarshal(t *testing.T) {
	cases := []struct {
		value float64
		want  string
	}{
		{math.NaN(), "null"},
		{math.Inf(1), "null"},
		{math.Inf(-1), "null"},
		{1.5, "1.5"},
		{0, "0"},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(Float(tc.value))
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(raw))
	}
}

func TestValidateSummary(t *testing.T) {
	assert.Error(t, ValidateSummary([]byte(`{"schema_version": 1}`)),
		"a record missing required fields must be rejected")
	assert.Error(t, ValidateSummary([]byte(`{not json`)))
}

func TestRunDirName(t *testing.T) {
	ts := time.Date(2025, 8, 25, 15, 30, 45, 123456789, time.UTC)
	assert.Equal(t, "20250825_153045_123456Z", runDirName(ts))

	// Local times are rendered in UTC.
	jst := time.FixedZone("JST", 9*3600)
	assert.Equal(t, "20250825_153045_123456Z", runDirName(ts.In(jst)))
}
