package export

import (
	"encoding/json"
	"math"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/gate"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"
)

// summarySchemaVersion tracks the run_summary.json contract; bump it
// together with run_summary.schema.json.
const summarySchemaVersion = 1

// Float is a float64 that encodes NaN and infinities as JSON null,
// which encoding/json otherwise rejects outright. The msgpack dump
// keeps the exact bit patterns; the JSON summary is for humans and
// dashboards.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// Meta carries the run-level facts the exporter cannot derive from the
// result records themselves.
type Meta struct {
	RunID         string
	Instance      string
	Started       time.Time
	ShotsPerState int
	Scans         int
	IntegrationMS float64
	TriggerHz     float64
	IdealMS       float64
	Channels      []ChannelMeta
}

// ChannelMeta identifies one channel in the summary record.
type ChannelMeta struct {
	Role string
	Info spectro.DeviceInfo
}

// Summary is the run_summary.json record, validated against the
// embedded schema before it is written.
type Summary struct {
	SchemaVersion int             `json:"schema_version"`
	RunID         string          `json:"run_id"`
	Kind          string          `json:"kind"` // "delta_a" or "timing"
	Instance      string          `json:"instance"`
	StartedUTC    string          `json:"started_utc"`
	ShotsPerState int             `json:"shots_per_state,omitempty"`
	Scans         int             `json:"scans,omitempty"`
	Pixels        int             `json:"pixels"`
	IntegrationMS Float           `json:"integration_ms"`
	TriggerHz     Float           `json:"trigger_hz,omitempty"`
	Channels      []ChannelRecord `json:"channels"`
	Timing        TimingSection   `json:"timing"`
	Gates         []GateRecord    `json:"gates"`
	GatesPassed   bool            `json:"gates_passed"`
	Files         []string        `json:"files"`
}

// ChannelRecord is the wire form of ChannelMeta.
type ChannelRecord struct {
	Role      string `json:"role"`
	Serial    string `json:"serial"`
	Model     string `json:"model,omitempty"`
	Pixels    int    `json:"pixels"`
	Simulated bool   `json:"simulated"`
}

// TimingSection groups the timing summaries by measurement.
type TimingSection struct {
	Off  *TimingRecord `json:"off,omitempty"`
	On   *TimingRecord `json:"on,omitempty"`
	Scan *TimingRecord `json:"scan,omitempty"`
}

// TimingRecord is the wire form of a timing summary.
type TimingRecord struct {
	MeanMS        Float `json:"mean_ms"`
	StdDevMS      Float `json:"stddev_ms"`
	MaxAbsMS      Float `json:"max_abs_ms"`
	DroppedCycles int   `json:"dropped_cycles"`
	N             int   `json:"n"`
}

// GateRecord is the wire form of a gate result.
type GateRecord struct {
	Name  string `json:"name"`
	Expr  string `json:"expr"`
	Pass  bool   `json:"pass"`
	Error string `json:"error,omitempty"`
}

func timingRecord(s *timing.Summary, n int) *TimingRecord {
	return &TimingRecord{
		MeanMS:        Float(s.MeanErrorMS),
		StdDevMS:      Float(s.StdDevErrorMS),
		MaxAbsMS:      Float(s.MaxAbsErrorMS),
		DroppedCycles: s.DroppedCycleEstimate,
		N:             n,
	}
}

func channelRecords(channels []ChannelMeta) []ChannelRecord {
	out := make([]ChannelRecord, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelRecord{
			Role:      ch.Role,
			Serial:    ch.Info.Serial,
			Model:     ch.Info.Model,
			Pixels:    ch.Info.Pixels,
			Simulated: ch.Info.Simulated,
		})
	}
	return out
}

func gateRecords(results []gate.Result) []GateRecord {
	out := make([]GateRecord, 0, len(results))
	for _, r := range results {
		rec := GateRecord{Name: r.Name, Expr: r.Expr, Pass: r.Pass}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		out = append(out, rec)
	}
	return out
}
