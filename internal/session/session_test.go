package session

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/absorbance"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/runbus"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simCfg(serial string, pixels int, level float64) spectro.SimConfig {
	return spectro.SimConfig{Serial: serial, Pixels: pixels, Level: level}
}

// newBoundPair binds a reference/probe pair over fresh simulated
// devices, returning the device handles for mid-test level changes.
func newBoundPair(t *testing.T, refCfg, probeCfg spectro.SimConfig) (ref, probe *spectro.Channel, refDev, probeDev *spectro.SimDevice) {
	t.Helper()
	refDev = spectro.NewSimDevice(refCfg)
	probeDev = spectro.NewSimDevice(probeCfg)

	var err error
	ref, err = spectro.Bind("reference", refDev)
	require.NoError(t, err)
	probe, err = spectro.Bind("probe", probeDev)
	require.NoError(t, err)
	return ref, probe, refDev, probeDev
}

func TestProtocolHappyPath(t *testing.T) {
	bus := runbus.New(runbus.Config{Logger: quietLogger()})
	events, err := bus.Subscribe("test")
	require.NoError(t, err)

	sess, err := New(Config{Shots: 4, Logger: quietLogger(), Bus: bus})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, sess.State())
	assert.NotEmpty(t, sess.ID())

	ref, probe, _, probeDev := newBoundPair(t,
		simCfg("R", 16, 1000),
		simCfg("P", 16, 1000),
	)

	require.NoError(t, sess.Initialize(ref, probe))
	assert.Equal(t, StateInitialized, sess.State())
	assert.Len(t, sess.Wavelengths(), 16)

	ctx := context.Background()
	require.NoError(t, sess.StartOff(ctx))
	assert.Equal(t, StateReadyForOn, sess.State())

	// Pump on: the probe arm drops to half while the reference arm
	// stays put.
	probeDev.SetLevel(500)

	require.NoError(t, sess.StartOn(ctx))
	assert.Equal(t, StateComplete, sess.State())

	res, err := sess.Results()
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), res.RunID)
	assert.Equal(t, run.LabelOff, res.Off.Label)
	assert.Equal(t, run.LabelOn, res.On.Label)
	assert.Equal(t, 4, res.Off.Shots())
	assert.Equal(t, 4, res.On.Shots())

	want := math.Log10(2)
	assert.InDelta(t, want, res.Differential.DeltaAConventional[0], 1e-9)
	assert.InDelta(t, want, res.Differential.DeltaAProbe[0], 1e-9)
	assert.InDelta(t, 0, res.Differential.DeltaARef[0], 1e-9)

	require.NotNil(t, res.TimingOff)
	require.NotNil(t, res.TimingOn)
	assert.Len(t, res.TimingOff.PerShotLagMS, 4)

	require.NoError(t, sess.Close())
	bus.Close()

	counts := map[runbus.Kind]int{}
	for ev := range events {
		counts[ev.Kind]++
	}
	assert.Equal(t, 8, counts[runbus.KindShot], "one shot event per shot in both batches")
	assert.GreaterOrEqual(t, counts[runbus.KindState], 5, "every protocol transition published")
	assert.Equal(t, 1, counts[runbus.KindResult])
}

func TestOperationsRejectedInWrongState(t *testing.T) {
	sess, err := New(Config{Shots: 2, Logger: quietLogger()})
	require.NoError(t, err)
	defer sess.Close()

	ctx := context.Background()

	// Idle: nothing but Initialize is allowed.
	assert.ErrorIs(t, sess.StartOff(ctx), ErrInvalidState)
	assert.ErrorIs(t, sess.StartOn(ctx), ErrInvalidState)
	_, err = sess.Results()
	assert.ErrorIs(t, err, ErrInvalidState)

	ref, probe, _, _ := newBoundPair(t, simCfg("R", 8, 1000), simCfg("P", 8, 1000))
	require.NoError(t, sess.Initialize(ref, probe))

	// Initialized: ON before OFF is out of order, as is re-initializing.
	assert.ErrorIs(t, sess.StartOn(ctx), ErrInvalidState)
	assert.ErrorIs(t, sess.Initialize(ref, probe), ErrInvalidState)
	_, err = sess.Results()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFailureRestoresState(t *testing.T) {
	sess, err := New(Config{Shots: 3, Logger: quietLogger()})
	require.NoError(t, err)
	defer sess.Close()

	ref, probe, _, _ := newBoundPair(t,
		simCfg("R", 8, 1000),
		spectro.SimConfig{Serial: "P", Pixels: 8, Level: 1000, FailAtRead: 2},
	)
	require.NoError(t, sess.Initialize(ref, probe))

	err = sess.StartOff(context.Background())
	assert.ErrorIs(t, err, spectro.ErrAcquisition)
	assert.Equal(t, StateInitialized, sess.State(), "failure returns to the pre-attempt state")

	// The scripted failure is one-shot; the retry goes through.
	require.NoError(t, sess.StartOff(context.Background()))
	assert.Equal(t, StateReadyForOn, sess.State())
}

func TestCancellationRestoresState(t *testing.T) {
	sess, err := New(Config{Shots: 20, Logger: quietLogger()})
	require.NoError(t, err)
	defer sess.Close()

	ref, probe, _, _ := newBoundPair(t, simCfg("R", 8, 1000), simCfg("P", 8, 1000))
	require.NoError(t, sess.Initialize(ref, probe))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.OnProgress(func(completed int, _ run.Label) {
		if completed == 2 {
			cancel()
		}
	}))

	err = sess.StartOff(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateInitialized, sess.State(), "cancellation returns to the pre-attempt state")

	require.NoError(t, sess.OnProgress(nil))
	require.NoError(t, sess.StartOff(context.Background()))
	assert.Equal(t, StateReadyForOn, sess.State())
}

func TestOnProgressLockedDuringAcquisition(t *testing.T) {
	sess, err := New(Config{Shots: 3, Logger: quietLogger()})
	require.NoError(t, err)
	defer sess.Close()

	ref, probe, _, _ := newBoundPair(t, simCfg("R", 8, 1000), simCfg("P", 8, 1000))
	require.NoError(t, sess.Initialize(ref, probe))

	var once sync.Once
	var progressErr error
	require.NoError(t, sess.OnProgress(func(int, run.Label) {
		once.Do(func() {
			progressErr = sess.OnProgress(nil)
		})
	}))

	require.NoError(t, sess.StartOff(context.Background()))
	assert.ErrorIs(t, progressErr, ErrInvalidState)
}

func TestResetReleasesChannels(t *testing.T) {
	sess, err := New(Config{Shots: 2, Logger: quietLogger()})
	require.NoError(t, err)

	ref, probe, _, _ := newBoundPair(t, simCfg("R", 8, 1000), simCfg("P", 8, 1000))
	require.NoError(t, sess.Initialize(ref, probe))

	require.NoError(t, sess.Reset())
	assert.Equal(t, StateIdle, sess.State())

	_, _, err = ref.AcquireOne()
	assert.ErrorIs(t, err, spectro.ErrNotConnected, "reset must release the channel bindings")
	_, _, err = probe.AcquireOne()
	assert.ErrorIs(t, err, spectro.ErrNotConnected)

	// The session is reusable with a fresh pair.
	ref2, probe2, _, _ := newBoundPair(t, simCfg("R2", 8, 1000), simCfg("P2", 8, 1000))
	require.NoError(t, sess.Initialize(ref2, probe2))
	assert.Equal(t, StateInitialized, sess.State())
	require.NoError(t, sess.Close())
}

func TestResetDuringAcquisitionWins(t *testing.T) {
	sess, err := New(Config{Shots: 50, Logger: quietLogger()})
	require.NoError(t, err)

	ref, probe, _, _ := newBoundPair(t,
		spectro.SimConfig{Serial: "R", Pixels: 8, Level: 1000, ReadDelay: 15 * time.Millisecond},
		spectro.SimConfig{Serial: "P", Pixels: 8, Level: 1000, ReadDelay: 15 * time.Millisecond},
	)
	require.NoError(t, sess.Initialize(ref, probe))

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.StartOff(context.Background())
	}()

	require.Eventually(t, func() bool {
		return sess.State() == StateAcquiringOff
	}, time.Second, time.Millisecond)

	require.NoError(t, sess.Reset())
	assert.Equal(t, StateIdle, sess.State())

	select {
	case err := <-errCh:
		assert.Error(t, err, "an acquisition interrupted by reset must not report success")
	case <-time.After(5 * time.Second):
		t.Fatal("StartOff did not return after reset")
	}
	assert.Equal(t, StateIdle, sess.State(), "the reset outcome stands")
}

func TestCompleteIsTerminal(t *testing.T) {
	sess, err := New(Config{Shots: 2, Logger: quietLogger()})
	require.NoError(t, err)
	defer sess.Close()

	ref, probe, _, _ := newBoundPair(t, simCfg("R", 8, 1000), simCfg("P", 8, 1000))
	require.NoError(t, sess.Initialize(ref, probe))

	ctx := context.Background()
	require.NoError(t, sess.StartOff(ctx))
	require.NoError(t, sess.StartOn(ctx))
	assert.Equal(t, StateComplete, sess.State())

	assert.ErrorIs(t, sess.StartOff(ctx), ErrInvalidState)

	res1, err := sess.Results()
	require.NoError(t, err)
	res2, err := sess.Results()
	require.NoError(t, err)
	assert.Equal(t, res1.RunID, res2.RunID, "results remain readable until reset")

	require.NoError(t, sess.Reset())
	assert.Equal(t, StateIdle, sess.State())
	_, err = sess.Results()
	assert.ErrorIs(t, err, ErrInvalidState, "reset discards results")
}

func TestNewRejectsBadShots(t *testing.T) {
	_, err := New(Config{Shots: 0, Logger: quietLogger()})
	assert.Error(t, err)
}

func TestInitializeAxisMismatch(t *testing.T) {
	sess, err := New(Config{Shots: 2, Logger: quietLogger()})
	require.NoError(t, err)
	defer sess.Close()

	ref, probe, _, _ := newBoundPair(t, simCfg("R", 16, 1000), simCfg("P", 8, 1000))
	defer ref.Close()
	defer probe.Close()

	err = sess.Initialize(ref, probe)
	assert.ErrorIs(t, err, absorbance.ErrAxisMismatch)
	assert.Equal(t, StateIdle, sess.State(), "a failed initialize leaves the session idle")
}
