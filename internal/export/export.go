// Package export persists finished runs to disk.
//
// Every run gets its own directory under the configured root, named
// after the UTC start instant (20060102_150405_micros + "Z"). A ΔA run
// produces a schema-validated run_summary.json, a human-readable
// deltaA_report.txt and, when enabled, a loss-free full_data.msgpack
// dump. A scan-timing run produces the wavelength axis, one JSON file
// per scan, a timing report and the same summary record with
// kind "timing".
//
// JSON cannot represent IEEE non-finite values, so summary numbers go
// through the Float type which marshals NaN and ±Inf as null. The
// msgpack dump keeps the exact bit patterns.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/gate"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/session"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"
)

// Artifact file names inside a run directory.
const (
	SummaryFile      = "run_summary.json"
	ReportFile       = "deltaA_report.txt"
	FullDataFile     = "full_data.msgpack"
	WavelengthsFile  = "wavelengths_nm.json"
	TimingReportFile = "timing_report.txt"
)

const fullDataSchemaVersion = 1

// Config controls where and how much a Writer persists.
type Config struct {
	Root     string       // destination for run directories
	FullDump bool         // also write full_data.msgpack for ΔA runs
	Logger   *slog.Logger // optional; defaults to slog.Default()
}

// Writer persists run artifacts. Safe for sequential use; the
// acquisition protocol never exports two runs at once.
type Writer struct {
	root     string
	fullDump bool
	logger   *slog.Logger

	runs atomic.Uint64
}

// Artifacts reports what WriteRun and WriteSeries produced.
type Artifacts struct {
	Dir         string   // absolute or root-relative run directory
	Files       []string // file names inside Dir
	Summary     *Summary
	SummaryJSON []byte // the exact bytes written to run_summary.json
}

// NewWriter creates the output root if needed.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("export: output root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output root: %w", err)
	}
	return &Writer{
		root:     cfg.Root,
		fullDump: cfg.FullDump,
		logger:   cfg.Logger.With("component", "export"),
	}, nil
}

// RunsWritten reports how many runs this writer has persisted.
func (w *Writer) RunsWritten() uint64 { return w.runs.Load() }

// WriteRun persists a completed ΔA run.
func (w *Writer) WriteRun(meta Meta, res *session.Results, gates []gate.Result) (*Artifacts, error) {
	if res == nil || res.Off == nil || res.On == nil || res.Differential == nil {
		return nil, fmt.Errorf("export: incomplete ΔA results")
	}
	dir, err := w.makeRunDir(meta.Started)
	if err != nil {
		return nil, err
	}

	files := []string{SummaryFile, ReportFile}
	if w.fullDump {
		files = append(files, FullDataFile)
	}

	summary := &Summary{
		SchemaVersion: summarySchemaVersion,
		RunID:         meta.RunID,
		Kind:          "delta_a",
		Instance:      meta.Instance,
		StartedUTC:    meta.Started.UTC().Format(time.RFC3339Nano),
		ShotsPerState: meta.ShotsPerState,
		Pixels:        len(res.Off.Wavelengths),
		IntegrationMS: Float(meta.IntegrationMS),
		Channels:      channelRecords(meta.Channels),
		Timing: TimingSection{
			Off: timingRecord(res.TimingOff, res.Off.Shots()),
			On:  timingRecord(res.TimingOn, res.On.Shots()),
		},
		Gates:       gateRecords(gates),
		GatesPassed: gate.AllPassed(gates),
		Files:       files,
	}
	raw, err := w.writeSummary(dir, summary)
	if err != nil {
		return nil, err
	}

	report := renderRunReport(meta, res, gates)
	if err := os.WriteFile(filepath.Join(dir, ReportFile), []byte(report), 0o644); err != nil {
		return nil, fmt.Errorf("export: write report: %w", err)
	}

	if w.fullDump {
		if err := w.writeFullData(filepath.Join(dir, FullDataFile), meta, res); err != nil {
			return nil, err
		}
	}

	w.runs.Add(1)
	w.logger.Info("ΔA run exported",
		"run_id", meta.RunID,
		"dir", dir,
		"files", len(files),
		"gates_passed", summary.GatesPassed)
	return &Artifacts{Dir: dir, Files: files, Summary: summary, SummaryJSON: raw}, nil
}

// WriteSeries persists a completed scan-timing run.
func (w *Writer) WriteSeries(meta Meta, series *run.Series, summary *timing.Summary, gates []gate.Result) (*Artifacts, error) {
	if series == nil || summary == nil {
		return nil, fmt.Errorf("export: incomplete timing results")
	}
	dir, err := w.makeRunDir(meta.Started)
	if err != nil {
		return nil, err
	}

	axis, err := json.Marshal([]float64(series.Wavelengths))
	if err != nil {
		return nil, fmt.Errorf("export: marshal wavelength axis: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, WavelengthsFile), axis, 0o644); err != nil {
		return nil, fmt.Errorf("export: write wavelength axis: %w", err)
	}

	files := []string{WavelengthsFile}
	for i := range series.Intensities {
		name := fmt.Sprintf("scan_%03d.json", i)
		rec := scanRecord{
			ScanIndex:     i,
			TimestampUTC:  series.Timestamps[i].UTC().Format(time.RFC3339Nano),
			WavelengthsNM: series.Wavelengths,
			Intensities:   series.Intensities[i],
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("export: marshal scan %d: %w", i, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
			return nil, fmt.Errorf("export: write scan %d: %w", i, err)
		}
		files = append(files, name)
	}
	files = append(files, TimingReportFile, SummaryFile)

	rec := &Summary{
		SchemaVersion: summarySchemaVersion,
		RunID:         meta.RunID,
		Kind:          "timing",
		Instance:      meta.Instance,
		StartedUTC:    meta.Started.UTC().Format(time.RFC3339Nano),
		Scans:         series.Scans(),
		Pixels:        len(series.Wavelengths),
		IntegrationMS: Float(meta.IntegrationMS),
		TriggerHz:     Float(meta.TriggerHz),
		Channels:      channelRecords(meta.Channels),
		Timing: TimingSection{
			Scan: timingRecord(summary, series.Scans()),
		},
		Gates:       gateRecords(gates),
		GatesPassed: gate.AllPassed(gates),
		Files:       files,
	}
	raw, err := w.writeSummary(dir, rec)
	if err != nil {
		return nil, err
	}

	report := renderSeriesReport(meta, series.Scans(), summary, gates)
	if err := os.WriteFile(filepath.Join(dir, TimingReportFile), []byte(report), 0o644); err != nil {
		return nil, fmt.Errorf("export: write timing report: %w", err)
	}

	w.runs.Add(1)
	w.logger.Info("timing run exported",
		"run_id", meta.RunID,
		"dir", dir,
		"scans", series.Scans(),
		"gates_passed", rec.GatesPassed)
	return &Artifacts{Dir: dir, Files: files, Summary: rec, SummaryJSON: raw}, nil
}

// scanRecord is the per-scan JSON file of a timing run.
type scanRecord struct {
	ScanIndex     int       `json:"scan_index"`
	TimestampUTC  string    `json:"timestamp_utc"`
	WavelengthsNM []float64 `json:"wavelengths_nm"`
	Intensities   []float64 `json:"intensities"`
}

func (w *Writer) makeRunDir(started time.Time) (string, error) {
	dir := filepath.Join(w.root, runDirName(started))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create run directory: %w", err)
	}
	return dir, nil
}

// writeSummary marshals, validates and writes run_summary.json,
// returning the exact bytes written.
func (w *Writer) writeSummary(dir string, s *Summary) ([]byte, error) {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal summary: %w", err)
	}
	if err := ValidateSummary(raw); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("export: write summary: %w", err)
	}
	return raw, nil
}

// runDirName formats the UTC start instant with microsecond precision,
// e.g. 20250825_153045_123456Z, so repeated runs sort chronologically.
func runDirName(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s_%06dZ", u.Format("20060102_150405"), u.Nanosecond()/1000)
}

// FullData is the loss-free msgpack dump of a ΔA run. It carries every
// per-shot timestamp and the full spectra, including any non-finite
// absorbance values the acquisition produced.
type FullData struct {
	SchemaVersion      int       `msgpack:"schema_version"`
	RunID              string    `msgpack:"run_id"`
	WavelengthsNM      []float64 `msgpack:"wavelengths_nm"`
	Off                FullState `msgpack:"off"`
	On                 FullState `msgpack:"on"`
	DeltaAConventional []float64 `msgpack:"delta_a_conventional"`
	DeltaAProbe        []float64 `msgpack:"delta_a_probe"`
	DeltaARef          []float64 `msgpack:"delta_a_ref"`
	TimingOff          FullLag   `msgpack:"timing_off"`
	TimingOn           FullLag   `msgpack:"timing_on"`
}

// FullState is one pump state inside FullData.
type FullState struct {
	Label              string      `msgpack:"label"`
	MeanAbsorbance     []float64   `msgpack:"mean_absorbance"`
	MeanIntensityRef   []float64   `msgpack:"mean_intensity_ref"`
	MeanIntensityProbe []float64   `msgpack:"mean_intensity_probe"`
	TimestampsRef      []time.Time `msgpack:"timestamps_ref"`
	TimestampsProbe    []time.Time `msgpack:"timestamps_probe"`
}

// FullLag is a lag summary inside FullData, per-shot series included.
type FullLag struct {
	MeanMS        float64   `msgpack:"mean_ms"`
	StdDevMS      float64   `msgpack:"stddev_ms"`
	MaxAbsMS      float64   `msgpack:"max_abs_ms"`
	DroppedCycles int       `msgpack:"dropped_cycles"`
	PerShotLagMS  []float64 `msgpack:"per_shot_lag_ms"`
}

func (w *Writer) writeFullData(path string, meta Meta, res *session.Results) error {
	full := FullData{
		SchemaVersion:      fullDataSchemaVersion,
		RunID:              meta.RunID,
		WavelengthsNM:      res.Off.Wavelengths,
		Off:                fullState(res.Off),
		On:                 fullState(res.On),
		DeltaAConventional: res.Differential.DeltaAConventional,
		DeltaAProbe:        res.Differential.DeltaAProbe,
		DeltaARef:          res.Differential.DeltaARef,
		TimingOff:          fullLag(res.TimingOff),
		TimingOn:           fullLag(res.TimingOn),
	}
	raw, err := msgpack.Marshal(&full)
	if err != nil {
		return fmt.Errorf("export: marshal full dump: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("export: write full dump: %w", err)
	}
	return nil
}

func fullState(agg *run.StateAggregate) FullState {
	return FullState{
		Label:              string(agg.Label),
		MeanAbsorbance:     agg.MeanAbsorbance,
		MeanIntensityRef:   agg.MeanIntensityRef,
		MeanIntensityProbe: agg.MeanIntensityProbe,
		TimestampsRef:      agg.TimestampsRef,
		TimestampsProbe:    agg.TimestampsProbe,
	}
}

func fullLag(s *timing.Summary) FullLag {
	return FullLag{
		MeanMS:        s.MeanErrorMS,
		StdDevMS:      s.StdDevErrorMS,
		MaxAbsMS:      s.MaxAbsErrorMS,
		DroppedCycles: s.DroppedCycleEstimate,
		PerShotLagMS:  s.PerShotLagMS,
	}
}
