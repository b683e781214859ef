// Command deltaspec runs the interactive pump-probe ΔA protocol:
// an OFF batch with the pump blocked, an ON batch with the pump
// applied, then the differential absorbance, timing diagnostics,
// quality gates and export.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/catalog"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/config"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/emitter"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/export"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/gate"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/runbus"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/session"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
)

const version = "v0.2.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (default: built-in sim bench)")
	shots := flag.Int("shots", 0, "Override shots per state (0 = use configuration)")
	outDir := flag.String("out", "", "Override output root directory")
	listDevices := flag.Bool("list", false, "List available spectrometers and exit")
	history := flag.Int("history", 0, "Show the N most recent cataloged runs and exit")
	assumeYes := flag.Bool("yes", false, "Skip confirmation prompts (unattended runs)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("deltaspec %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *shots > 0 {
		cfg.Acquisition.ShotsPerState = *shots
	}
	if *outDir != "" {
		cfg.Output.Root = *outDir
		cfg.Output.Catalog = filepath.Join(*outDir, "runs.db")
	}

	// Structured logs go to stderr; stdout stays clean for the
	// operator console.
	level := cfg.SlogLevel()
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	driver, err := buildDriver(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize driver: %v", err)
	}

	if *listDevices {
		if err := printDevices(driver, cfg.Driver); err != nil {
			log.Fatalf("Failed to enumerate devices: %v", err)
		}
		return
	}
	if *history > 0 {
		if err := printHistory(cfg, *history); err != nil {
			log.Fatalf("Failed to read catalog: %v", err)
		}
		return
	}

	// Cancel the run on Ctrl+C or SIGTERM. The acquisition loops poll
	// the context between shots, so partial batches are discarded and
	// the session falls back to its pre-attempt state.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived %s, cancelling run...\n", sig)
		cancel()
	}()

	if err := runProtocol(ctx, cfg, driver, *assumeYes, logger); err != nil {
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

func buildDriver(cfg *config.Config) (spectro.Driver, error) {
	switch cfg.Driver {
	case "sim":
		return spectro.NewSimDriver(simConfig(cfg.Reference), simConfig(cfg.Probe)), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (only \"sim\" is built in)", cfg.Driver)
	}
}

func simConfig(ch config.ChannelConfig) spectro.SimConfig {
	return spectro.SimConfig{
		Serial:    ch.Serial,
		Pixels:    ch.Pixels,
		Level:     ch.Level,
		Noise:     ch.Noise,
		Seed:      ch.Seed,
		ReadDelay: time.Duration(ch.ReadDelayMS * float64(time.Millisecond)),
	}
}

func runProtocol(ctx context.Context, cfg *config.Config, driver spectro.Driver, assumeYes bool, logger *slog.Logger) error {
	printBanner(cfg)

	eng, err := gate.New(cfg.QualityGates)
	if err != nil {
		return err
	}
	writer, err := export.NewWriter(export.Config{
		Root:     cfg.Output.Root,
		FullDump: cfg.FullDumpEnabled(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	refDev, err := driver.Open(cfg.Reference.Serial)
	if err != nil {
		return fmt.Errorf("open reference spectrometer: %w", err)
	}
	refCh, err := spectro.Bind("reference", refDev)
	if err != nil {
		refDev.Close()
		return err
	}
	probeDev, err := driver.Open(cfg.Probe.Serial)
	if err != nil {
		refCh.Close()
		return fmt.Errorf("open probe spectrometer: %w", err)
	}
	probeCh, err := spectro.Bind("probe", probeDev)
	if err != nil {
		refCh.Close()
		probeDev.Close()
		return err
	}

	integUS := spectro.MicrosFromMillis(cfg.Acquisition.IntegrationMS)
	if err := refCh.SetIntegrationTime(integUS); err != nil {
		refCh.Close()
		probeCh.Close()
		return err
	}
	if err := probeCh.SetIntegrationTime(integUS); err != nil {
		refCh.Close()
		probeCh.Close()
		return err
	}

	bus := runbus.New(runbus.Config{Logger: logger})
	events, err := bus.Subscribe("console")
	if err != nil {
		refCh.Close()
		probeCh.Close()
		return err
	}
	consoleDone := make(chan struct{})
	go consoleProgress(events, consoleDone)

	var em *emitter.Emitter
	bridgeDone := make(chan struct{})
	close(bridgeDone) // replaced when a bridge actually starts
	defer func() {
		bus.Close()
		<-consoleDone
		<-bridgeDone
		if em != nil {
			em.Disconnect()
		}
	}()

	if cfg.MQTT.Enabled {
		em = emitter.New(cfg.MQTT, cfg.InstanceID, logger)
		if err := em.Connect(); err != nil {
			logger.Warn("telemetry unavailable, continuing without MQTT", "error", err)
			em = nil
		} else {
			mqttEvents, err := bus.Subscribe("mqtt")
			if err == nil {
				bridgeDone = make(chan struct{})
				go func() {
					em.Bridge(mqttEvents)
					close(bridgeDone)
				}()
			}
		}
	}

	sess, err := session.New(session.Config{
		Shots:  cfg.Acquisition.ShotsPerState,
		Logger: logger,
		Bus:    bus,
	})
	if err != nil {
		refCh.Close()
		probeCh.Close()
		return err
	}
	defer sess.Close()

	if err := sess.Initialize(refCh, probeCh); err != nil {
		refCh.Close()
		probeCh.Close()
		return err
	}

	fmt.Printf("Run ID:        %s\n", sess.ID())
	fmt.Printf("Reference:     %s (%d px)\n", refDev.Info().Serial, refCh.Pixels())
	fmt.Printf("Probe:         %s (%d px)\n", probeDev.Info().Serial, probeCh.Pixels())
	fmt.Printf("Integration:   %.3f ms requested, %.3f ms applied\n",
		cfg.Acquisition.IntegrationMS, float64(refCh.IntegrationTime())/1000)
	fmt.Printf("Press Ctrl+C to cancel at any time\n\n")

	stdin := bufio.NewReader(os.Stdin)

	fmt.Printf("Step 1/2: pump OFF batch (%d shots)\n", cfg.Acquisition.ShotsPerState)
	if err := confirm(ctx, stdin, assumeYes, "  Block the pump beam, then press Enter to start..."); err != nil {
		return err
	}
	started := time.Now()
	if err := sess.StartOff(ctx); err != nil {
		return err
	}

	fmt.Printf("\nStep 2/2: pump ON batch (%d shots)\n", cfg.Acquisition.ShotsPerState)
	if err := confirm(ctx, stdin, assumeYes, "  Apply the pump beam, then press Enter to start..."); err != nil {
		return err
	}
	applyOnLevels(cfg, refDev, probeDev)
	if err := sess.StartOn(ctx); err != nil {
		return err
	}

	res, err := sess.Results()
	if err != nil {
		return err
	}

	gates := evalLagGates(eng, res, cfg.Acquisition.ShotsPerState)

	meta := export.Meta{
		RunID:         res.RunID,
		Instance:      cfg.InstanceID,
		Started:       started,
		ShotsPerState: cfg.Acquisition.ShotsPerState,
		IntegrationMS: float64(refCh.IntegrationTime()) / 1000,
		Channels: []export.ChannelMeta{
			{Role: "reference", Info: refDev.Info()},
			{Role: "probe", Info: probeDev.Info()},
		},
	}
	artifacts, err := writer.WriteRun(meta, res, gates)
	if err != nil {
		return err
	}

	catalogRun(cfg, logger, catalog.Record{
		RunID:       res.RunID,
		Kind:        "delta_a",
		Instance:    cfg.InstanceID,
		StartedUTC:  started.UTC(),
		Dir:         artifacts.Dir,
		Shots:       cfg.Acquisition.ShotsPerState,
		MeanMS:      res.TimingOn.MeanErrorMS,
		StdDevMS:    res.TimingOn.StdDevErrorMS,
		GatesPassed: gate.AllPassed(gates),
	})

	if em != nil {
		if err := em.PublishResult(artifacts.SummaryJSON); err != nil {
			logger.Warn("result publish failed", "error", err)
		}
	}

	printRunSummary(res, gates, artifacts, time.Since(started))
	return nil
}

// confirm blocks until the operator presses Enter, the -yes flag is
// set, or the run is cancelled.
func confirm(ctx context.Context, stdin *bufio.Reader, assumeYes bool, prompt string) error {
	if assumeYes {
		fmt.Printf("%s auto-confirmed (-yes)\n", prompt)
		return nil
	}
	fmt.Print(prompt)
	lineCh := make(chan error, 1)
	go func() {
		_, err := stdin.ReadString('\n')
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

// applyOnLevels switches simulated devices to their pump-ON baseline.
// Real drivers see the physical pump and ignore this.
func applyOnLevels(cfg *config.Config, refDev, probeDev spectro.Device) {
	type levelSetter interface{ SetLevel(float64) }
	if cfg.Reference.OnLevel > 0 {
		if d, ok := refDev.(levelSetter); ok {
			d.SetLevel(cfg.Reference.OnLevel)
		}
	}
	if cfg.Probe.OnLevel > 0 {
		if d, ok := probeDev.(levelSetter); ok {
			d.SetLevel(cfg.Probe.OnLevel)
		}
	}
}

// evalLagGates runs every configured gate against the OFF and ON lag
// statistics, tagging each result with the state it was evaluated for.
func evalLagGates(eng *gate.Engine, res *session.Results, shots int) []gate.Result {
	if eng.Empty() {
		return nil
	}
	off := eng.EvalLag(run.LabelOff, shots, res.TimingOff)
	for i := range off {
		off[i].Name += " (OFF)"
	}
	on := eng.EvalLag(run.LabelOn, shots, res.TimingOn)
	for i := range on {
		on[i].Name += " (ON)"
	}
	return append(off, on...)
}

// catalogRun records the run in the local catalog. The artifacts on
// disk are the authority, so a catalog failure only warns.
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

func consoleProgress(events <-chan runbus.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		if ev.Kind != runbus.KindShot {
			continue
		}
		fmt.Printf("  [%s] %-3s shot %4d/%d\n",
			ev.At.Format("15:04:05.000"), ev.Label, ev.Shot, ev.Total)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║          Pump-Probe ΔA Acquisition  (deltaspec %s)     ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Instance:      %s\n", cfg.InstanceID)
	fmt.Printf("  Driver:        %s\n", cfg.Driver)
	fmt.Printf("  Shots/state:   %d\n", cfg.Acquisition.ShotsPerState)
	fmt.Printf("  Output root:   %s\n", cfg.Output.Root)
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:          %s (topic %s)\n", cfg.MQTT.Broker, cfg.MQTT.BaseTopic)
	} else {
		fmt.Printf("  MQTT:          disabled\n")
	}
	fmt.Printf("  Quality gates: %d configured\n", len(cfg.QualityGates))
	fmt.Printf("\n")
}

func printRunSummary(res *session.Results, gates []gate.Result, artifacts *export.Artifacts, elapsed time.Duration) {
	maxAbs, maxNM := headlineDelta(res)

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                       Run Complete                        \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Run ID:        %s\n", res.RunID)
	fmt.Printf("  Elapsed:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Shots:         %d OFF + %d ON\n", res.Off.Shots(), res.On.Shots())
	fmt.Printf("  Pixels:        %d\n", len(res.Off.Wavelengths))
	if !math.IsNaN(maxAbs) {
		fmt.Printf("  Max |ΔA|:      %.6f at %.1f nm (conventional)\n", maxAbs, maxNM)
	}
	fmt.Printf("  Lag OFF:       %+.4f ± %.4f ms\n", res.TimingOff.MeanErrorMS, res.TimingOff.StdDevErrorMS)
	fmt.Printf("  Lag ON:        %+.4f ± %.4f ms\n", res.TimingOn.MeanErrorMS, res.TimingOn.StdDevErrorMS)
	if len(gates) > 0 {
		passed := 0
		for _, g := range gates {
			if g.Pass && g.Err == nil {
				passed++
			}
		}
		verdict := "PASS"
		if passed != len(gates) {
			verdict = "FAIL"
		}
		fmt.Printf("  Quality gates: %d/%d passed (%s)\n", passed, len(gates), verdict)
	}
	fmt.Printf("  Artifacts:     %s\n", artifacts.Dir)
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")
}

// headlineDelta finds the largest finite conventional ΔA value and the
// wavelength it occurred at. Returns NaN when nothing is finite.
func headlineDelta(res *session.Results) (maxAbs, atNM float64) {
	maxAbs = math.NaN()
	for i, v := range res.Differential.DeltaAConventional {
		a := math.Abs(v)
		if math.IsNaN(a) || math.IsInf(a, 0) {
			continue
		}
		if math.IsNaN(maxAbs) || a > maxAbs {
			maxAbs = a
			atNM = res.Off.Wavelengths[i]
		}
	}
	return maxAbs, atNM
}

func printDevices(driver spectro.Driver, driverName string) error {
	infos, err := driver.Enumerate()
	if err != nil {
		return err
	}
	fmt.Printf("Available spectrometers (driver: %s):\n", driverName)
	if len(infos) == 0 {
		fmt.Printf("  (none found)\n")
		return nil
	}
	for _, info := range infos {
		tag := ""
		if info.Simulated {
			tag = "  [simulated]"
		}
		fmt.Printf("  %-14s %-14s %5d px%s\n", info.Serial, info.Model, info.Pixels, tag)
	}
	return nil
}

func printHistory(cfg *config.Config, limit int) error {
	cat, err := catalog.Open(catalog.Config{Path: cfg.Output.Catalog})
	if err != nil {
		return err
	}
	defer cat.Close()

	records, err := cat.List(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No cataloged runs in %s\n", cfg.Output.Catalog)
		return nil
	}
	fmt.Printf("%-20s %-8s %-36s %-6s %s\n", "STARTED (UTC)", "KIND", "RUN ID", "GATES", "DIR")
	for _, rec := range records {
		verdict := "PASS"
		if !rec.GatesPassed {
			verdict = "FAIL"
		}
		fmt.Printf("%-20s %-8s %-36s %-6s %s\n",
			rec.StartedUTC.Format("2006-01-02 15:04:05"),
			rec.Kind, rec.RunID, verdict, rec.Dir)
	}
	return nil
}
