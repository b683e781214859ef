// Command scantiming evaluates acquisition timing against an external
// trigger: it collects a series of scans from one spectrometer, then
// reports how the observed scan intervals track the ideal trigger
// period, including an estimate of dropped trigger cycles.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/acquire"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/catalog"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/config"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/export"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/gate"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"

	"github.com/google/uuid"
)

const version = "v0.2.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (default: built-in sim bench)")
	triggerHz := flag.Float64("hz", 0, "Override external trigger frequency (0 = use configuration)")
	scans := flag.Int("scans", 0, "Override scan count (0 = use configuration)")
	outDir := flag.String("out", "", "Override output root directory")
	assumeYes := flag.Bool("yes", false, "Skip confirmation prompts (unattended runs)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scantiming %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *triggerHz > 0 {
		cfg.Timing.TriggerHz = *triggerHz
	}
	if *scans > 0 {
		cfg.Timing.Scans = *scans
	}
	if *outDir != "" {
		cfg.Output.Root = *outDir
		cfg.Output.Catalog = filepath.Join(*outDir, "runs.db")
	}
	if cfg.Timing.TriggerHz <= 0 {
		log.Fatalf("Trigger frequency required: set timing.trigger_hz in the configuration or pass -hz")
	}
	if cfg.Timing.Scans < 2 {
		log.Fatalf("Interval analysis needs at least 2 scans, got %d", cfg.Timing.Scans)
	}

	level := cfg.SlogLevel()
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived %s, cancelling run...\n", sig)
		cancel()
	}()

	if err := runTiming(ctx, cfg, *assumeYes, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("\nRun cancelled. No artifacts were written.\n")
			os.Exit(1)
		}
		slog.Error("run failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runTiming(ctx context.Context, cfg *config.Config, assumeYes bool, logger *slog.Logger) error {
	eng, err := gate.New(cfg.QualityGates)
	if err != nil {
		return err
	}
	writer, err := export.NewWriter(export.Config{
		Root:   cfg.Output.Root,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	chCfg := cfg.Reference
	if cfg.Timing.Channel == "probe" {
		chCfg = cfg.Probe
	}

	var driver spectro.Driver
	switch cfg.Driver {
	case "sim":
		driver = spectro.NewSimDriver(spectro.SimConfig{
			Serial:    chCfg.Serial,
			Pixels:    chCfg.Pixels,
			Level:     chCfg.Level,
			Noise:     chCfg.Noise,
			Seed:      chCfg.Seed,
			ReadDelay: time.Duration(chCfg.ReadDelayMS * float64(time.Millisecond)),
		})
	default:
		return fmt.Errorf("unknown driver %q (only \"sim\" is built in)", cfg.Driver)
	}

	idealMS := 1000.0 / cfg.Timing.TriggerHz
	integMS := spectro.IntegrationForPeriod(idealMS, cfg.Timing.SafetyMargin)

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║         Scan Timing Evaluation  (scantiming %s)        ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Instance:      %s\n", cfg.InstanceID)
	fmt.Printf("  Channel:       %s (%s)\n", cfg.Timing.Channel, chCfg.Serial)
	fmt.Printf("  Trigger:       %.3f Hz (ideal period %.4f ms)\n", cfg.Timing.TriggerHz, idealMS)
	fmt.Printf("  Scans:         %d\n", cfg.Timing.Scans)
	fmt.Printf("  Integration:   %.3f ms (%.0f%% of period)\n", integMS, cfg.Timing.SafetyMargin*100)
	fmt.Printf("  Output root:   %s\n", cfg.Output.Root)
	fmt.Printf("\n")

	dev, err := driver.Open(chCfg.Serial)
	if err != nil {
		return fmt.Errorf("open spectrometer: %w", err)
	}
	ch, err := spectro.Bind(cfg.Timing.Channel, dev)
	if err != nil {
		dev.Close()
		return err
	}
	defer ch.Close()

	if err := ch.SetIntegrationTime(spectro.MicrosFromMillis(integMS)); err != nil {
		return err
	}
	fmt.Printf("Applied integration: %.3f ms\n", float64(ch.IntegrationTime())/1000)
	fmt.Printf("Press Ctrl+C to cancel at any time\n\n")

	if !assumeYes {
		prompt := fmt.Sprintf("Ensure the external trigger is running at %.3f Hz, then press Enter...", cfg.Timing.TriggerHz)
		if err := confirm(ctx, prompt); err != nil {
			return err
		}
	}

	acq := acquire.New(acquire.Config{
		Logger: logger,
		OnProgress: func(completed int, _ run.Label) {
			fmt.Printf("  [%s] scan %4d/%d\n",
				time.Now().Format("15:04:05.000"), completed, cfg.Timing.Scans)
		},
	})

	runID := uuid.NewString()
	started := time.Now()
	series, err := acq.RunSeries(ctx, ch, cfg.Timing.Scans)
	if err != nil {
		return err
	}

	summary, err := timing.IntervalAnalysis(series.Timestamps, idealMS)
	if err != nil {
		return err
	}

	var gates []gate.Result
	if !eng.Empty() {
		gates = eng.EvalInterval(series.Scans(), idealMS, summary)
	}

	meta := export.Meta{
		RunID:         runID,
		Instance:      cfg.InstanceID,
		Started:       started,
		Scans:         series.Scans(),
		IntegrationMS: float64(ch.IntegrationTime()) / 1000,
		TriggerHz:     cfg.Timing.TriggerHz,
		IdealMS:       idealMS,
		Channels: []export.ChannelMeta{
			{Role: cfg.Timing.Channel, Info: dev.Info()},
		},
	}
	artifacts, err := writer.WriteSeries(meta, series, summary, gates)
	if err != nil {
		return err
	}

	catalogRun(cfg, logger, catalog.Record{
		RunID:       runID,
		Kind:        "timing",
		Instance:    cfg.InstanceID,
		StartedUTC:  started.UTC(),
		Dir:         artifacts.Dir,
		Scans:       series.Scans(),
		MeanMS:      summary.MeanErrorMS,
		StdDevMS:    summary.StdDevErrorMS,
		GatesPassed: gate.AllPassed(gates),
	})

	printTimingSummary(cfg, summary, gates, artifacts, series.Scans(), idealMS, time.Since(started))
	return nil
}

func confirm(ctx context.Context, prompt string) error {
	fmt.Print(prompt)
	lineCh := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(os.Stdin).ReadString('\n')
		lineCh <- err
	}()
	select {
	case <-ctx.Done():
		fmt.Println()
		return ctx.Err()
	case err := <-lineCh:
		if err != nil {
			return fmt.Errorf("confirmation aborted: %w", err)
		}
		return nil
	}
}

func catalogRun(cfg *config.Config, logger *slog.Logger, rec catalog.Record) {
	cat, err := catalog.Open(catalog.Config{Path: cfg.Output.Catalog, Logger: logger})
	if err != nil {
		logger.Warn("catalog unavailable", "error", err)
		return
	}
	defer cat.Close()
	if err := cat.Put(rec); err != nil {
		logger.Warn("catalog update failed", "error", err)
	}
}

func printTimingSummary(cfg *config.Config, s *timing.Summary, gates []gate.Result, artifacts *export.Artifacts, scans int, idealMS float64, elapsed time.Duration) {
	verdict := "TIMING OK"
	if s.DroppedCycleEstimate > 0 || !gate.AllPassed(gates) {
		verdict = "TIMING DEGRADED"
	}

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                      %s\n", verdict)
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Scans:          %d in %s\n", scans, elapsed.Round(time.Millisecond))
	fmt.Printf("  Ideal period:   %.4f ms (%.3f Hz)\n", idealMS, cfg.Timing.TriggerHz)
	fmt.Printf("  Interval error: %+.4f ± %.4f ms\n", s.MeanErrorMS, s.StdDevErrorMS)
	fmt.Printf("  Max abs error:  %.4f ms\n", s.MaxAbsErrorMS)
	fmt.Printf("  Dropped cycles: %d\n", s.DroppedCycleEstimate)
	if len(gates) > 0 {
		passed := 0
		for _, g := range gates {
			if g.Pass && g.Err == nil {
				passed++
			}
		}
		fmt.Printf("  Quality gates:  %d/%d passed\n", passed, len(gates))
	}
	fmt.Printf("  Artifacts:      %s\n", artifacts.Dir)
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")
}
