package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/gate"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/session"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"
)

// renderRunReport builds the human-readable ΔA report.
func renderRunReport(meta Meta, res *session.Results, gates []gate.Result) string {
	var b strings.Builder
	b.WriteString("Pump-Probe ΔA Run Report\n")
	b.WriteString("========================\n\n")
	fmt.Fprintf(&b, "run_id:      %s\n", meta.RunID)
	fmt.Fprintf(&b, "instance:    %s\n", meta.Instance)
	fmt.Fprintf(&b, "started:     %s\n", meta.Started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "shots/state: %d\n", meta.ShotsPerState)
	fmt.Fprintf(&b, "integration: %.3f ms\n", meta.IntegrationMS)
	b.WriteString("\nChannels\n")
	for _, ch := range meta.Channels {
		fmt.Fprintf(&b, "  %-6s %s (%s, %d px)\n", ch.Role+":", ch.Info.Serial, ch.Info.Model, ch.Info.Pixels)
	}

	b.WriteString("\nInter-channel lag Δt (probe - ref)\n")
	writeLagLine(&b, "OFF", res.TimingOff, res.Off.Shots())
	writeLagLine(&b, "ON", res.TimingOn, res.On.Shots())

	b.WriteString("\n")
	renderGates(&b, gates)
	return b.String()
}

// renderSeriesReport builds the human-readable scan timing report.
func renderSeriesReport(meta Meta, scans int, s *timing.Summary, gates []gate.Result) string {
	var b strings.Builder
	b.WriteString("Scan Timing Report\n")
	b.WriteString("==================\n\n")
	fmt.Fprintf(&b, "run_id:      %s\n", meta.RunID)
	fmt.Fprintf(&b, "instance:    %s\n", meta.Instance)
	fmt.Fprintf(&b, "started:     %s\n", meta.Started.UTC().Format(time.RFC3339))
	for _, ch := range meta.Channels {
		fmt.Fprintf(&b, "channel:     %s (%s, %d px)\n", ch.Info.Serial, ch.Info.Model, ch.Info.Pixels)
	}
	fmt.Fprintf(&b, "scans:       %d\n", scans)
	fmt.Fprintf(&b, "trigger:     %.3f Hz (ideal period %.4f ms)\n", meta.TriggerHz, meta.IdealMS)
	fmt.Fprintf(&b, "integration: %.3f ms\n", meta.IntegrationMS)

	b.WriteString("\nInterval error vs ideal period\n")
	fmt.Fprintf(&b, "  mean:    %+.4f ms\n", s.MeanErrorMS)
	fmt.Fprintf(&b, "  stddev:  %.4f ms\n", s.StdDevErrorMS)
	fmt.Fprintf(&b, "  max abs: %.4f ms\n", s.MaxAbsErrorMS)
	fmt.Fprintf(&b, "  dropped cycles (interval > 1.5x ideal): %d\n", s.DroppedCycleEstimate)

	b.WriteString("\n")
	renderGates(&b, gates)
	return b.String()
}

func writeLagLine(b *strings.Builder, state string, s *timing.Summary, n int) {
	fmt.Fprintf(b, "  %-4s %+.4f ± %.4f ms (max |%.4f| ms, N=%d)\n",
		state+":", s.MeanErrorMS, s.StdDevErrorMS, s.MaxAbsErrorMS, n)
}

func renderGates(b *strings.Builder, gates []gate.Result) {
	b.WriteString("Quality gates\n")
	if len(gates) == 0 {
		b.WriteString("  (none configured)\n")
		return
	}
	for _, g := range gates {
		status := "PASS"
		if g.Err != nil {
			status = "ERROR"
		} else if !g.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(b, "  %-5s %s  (%s)\n", status, g.Name, g.Expr)
		if g.Err != nil {
			fmt.Fprintf(b, "        %v\n", g.Err)
		}
	}
}
