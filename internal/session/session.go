// Package session implements the pump-probe run protocol as an explicit
// state machine:
//
//	Idle -> Initialized -> AcquiringOff -> ReadyForOn -> AcquiringOn -> Complete
//
// Reset returns to Idle from every state, discarding aggregates and
// releasing the channel bindings. Acquisition failure or cancellation
// returns the session to the state it was in immediately before the
// attempt, never to Idle, so the operator can retry without
// re-initializing. Complete is terminal except for Reset.
//
// The session owns the two channels exclusively for its lifetime and is
// deliberately free of any presentation concern; UIs observe the state
// and derive their own behavior from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/absorbance"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/acquire"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/runbus"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/spectro"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"
)

// ErrInvalidState is returned when an operation is called in a state
// that does not allow it; the state is left unchanged.
var ErrInvalidState = errors.New("session: operation not valid in current state")

// State is the session state-machine value.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateAcquiringOff
	StateReadyForOn
	StateAcquiringOn
	StateComplete
)

var stateNames = map[State]string{
	StateIdle:         "Idle",
	StateInitialized:  "Initialized",
	StateAcquiringOff: "AcquiringOff",
	StateReadyForOn:   "ReadyForOn",
	StateAcquiringOn:  "AcquiringOn",
	StateComplete:     "Complete",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Results holds everything a completed run exposes to persistence and
// reporting collaborators. All fields are immutable once published.
type Results struct {
	RunID        string
	Off          *run.StateAggregate
	On           *run.StateAggregate
	Differential *absorbance.Result
	TimingOff    *timing.Summary
	TimingOn     *timing.Summary
}

// Config configures a Session.
type Config struct {
	// Shots is the number of shots per state batch.
	Shots int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Bus, when set, receives shot, state-transition and result events.
	Bus *runbus.Bus
}

// Session sequences one pump-probe run against a pair of channels.
//
// Methods are safe for concurrent use; the state machine rejects calls
// that protocol sequencing does not allow. Only one acquisition runs at
// a time by construction.
type Session struct {
	id     string
	shots  int
	logger *slog.Logger
	bus    *runbus.Bus

	mu         sync.Mutex
	state      State
	ref        *spectro.Channel
	probe      *spectro.Channel
	axis       run.WavelengthAxis
	off        *run.StateAggregate
	on         *run.StateAggregate
	results    *Results
	onProgress acquire.ProgressFunc
}

// New builds an idle session with a fresh run ID.
func New(cfg Config) (*Session, error) {
	if cfg.Shots < 1 {
		return nil, fmt.Errorf("session: shots per state must be at least 1, got %d", cfg.Shots)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		shots:  cfg.Shots,
		logger: logger.With("component", "session", "run_id", id),
		bus:    cfg.Bus,
		state:  StateIdle,
	}, nil
}

// ID returns the run identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state-machine value.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wavelengths returns the shared axis recorded at initialization.
func (s *Session) Wavelengths() run.WavelengthAxis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axis
}

// OnProgress registers the progress callback invoked after every
// completed shot. It must be registered before StartOff/StartOn and
// cannot change while an acquisition is in flight. The callback runs on
// the acquisition goroutine and should return quickly.
func (s *Session) OnProgress(fn acquire.ProgressFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAcquiringOff || s.state == StateAcquiringOn {
		return fmt.Errorf("session: progress callback locked during acquisition: %w", ErrInvalidState)
	}
	s.onProgress = fn
	return nil
}

// Initialize binds the reference and probe channels and records the
// shared wavelength axis. The two channels must agree on pixel count;
// otherwise the session stays Idle and the channels stay with the
// caller.
func (s *Session) Initialize(ref, probe *spectro.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLocked("Initialize", StateIdle); err != nil {
		return err
	}

	refAxis, err := ref.Wavelengths()
	if err != nil {
		return fmt.Errorf("session: initialize: %w", err)
	}
	probeAxis, err := probe.Wavelengths()
	if err != nil {
		return fmt.Errorf("session: initialize: %w", err)
	}
	if len(refAxis) != len(probeAxis) {
		return fmt.Errorf("session: initialize: %w: ref=%d probe=%d pixels",
			absorbance.ErrAxisMismatch, len(refAxis), len(probeAxis))
	}

	s.ref = ref
	s.probe = probe
	s.axis = refAxis
	s.setStateLocked(StateInitialized)
	s.logger.Info("session initialized",
		"ref", ref.Role(),
		"probe", probe.Role(),
		"pixels", len(refAxis),
		"shots_per_state", s.shots,
	)
	return nil
}

// StartOff acquires the OFF-state batch. On success the session moves
// to ReadyForOn; on failure or cancellation it returns to Initialized
// with all partial data discarded.
func (s *Session) StartOff(ctx context.Context) error {
	return s.acquireState(ctx, run.LabelOff, StateInitialized, StateAcquiringOff)
}

// StartOn acquires the ON-state batch and, on success, computes the
// differential result and per-state timing summaries, moving the
// session to Complete. On failure or cancellation it returns to
// ReadyForOn.
func (s *Session) StartOn(ctx context.Context) error {
	return s.acquireState(ctx, run.LabelOn, StateReadyForOn, StateAcquiringOn)
}

// acquireState runs one state batch with the transition discipline
// shared by StartOff and StartOn: enter the acquiring state, run
// unlocked, then commit or restore. If Reset intervened while the batch
// was in flight, the result is discarded and the reset wins.
func (s *Session) acquireState(ctx context.Context, label run.Label, from, during State) error {
	op := "StartOff"
	if label == run.LabelOn {
		op = "StartOn"
	}

	s.mu.Lock()
	if err := s.requireLocked(op, from); err != nil {
		s.mu.Unlock()
		return err
	}
	ref, probe := s.ref, s.probe
	acq := acquire.New(acquire.Config{
		Logger:     s.logger,
		OnProgress: s.bridgedProgressLocked(),
	})
	s.setStateLocked(during)
	s.mu.Unlock()

	agg, err := acq.Run(ctx, ref, probe, s.shots, label)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != during {
		// Reset won while the batch was in flight.
		if err == nil {
			err = fmt.Errorf("session: reset during %s acquisition: %w", label, ErrInvalidState)
		}
		return err
	}
	if err != nil {
		s.setStateLocked(from)
		return err
	}

	switch label {
	case run.LabelOff:
		s.off = agg
		s.setStateLocked(StateReadyForOn)
	case run.LabelOn:
		s.on = agg
		if err := s.completeLocked(); err != nil {
			s.on = nil
			s.setStateLocked(from)
			return err
		}
	}
	return nil
}

// completeLocked derives the run results from the two stored aggregates
// and moves to Complete. Called with the mutex held.
func (s *Session) completeLocked() error {
	diff, err := absorbance.Combine(s.off, s.on)
	if err != nil {
		return fmt.Errorf("session: combine aggregates: %w", err)
	}
	timingOff, err := timing.LagAnalysis(s.off.TimestampsRef, s.off.TimestampsProbe)
	if err != nil {
		return fmt.Errorf("session: timing analysis (OFF): %w", err)
	}
	timingOn, err := timing.LagAnalysis(s.on.TimestampsRef, s.on.TimestampsProbe)
	if err != nil {
		return fmt.Errorf("session: timing analysis (ON): %w", err)
	}

	s.results = &Results{
		RunID:        s.id,
		Off:          s.off,
		On:           s.on,
		Differential: diff,
		TimingOff:    timingOff,
		TimingOn:     timingOn,
	}
	s.setStateLocked(StateComplete)
	s.logger.Info("run complete",
		"shots_per_state", s.shots,
		"off_mean_lag_ms", timingOff.MeanErrorMS,
		"on_mean_lag_ms", timingOn.MeanErrorMS,
	)
	if s.bus != nil {
		s.bus.Publish(runbus.Event{
			RunID: s.id,
			Kind:  runbus.KindResult,
			Total: s.shots,
		})
	}
	return nil
}

// Results exposes the completed run's records. Only valid in Complete.
func (s *Session) Results() (*Results, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLocked("Results", StateComplete); err != nil {
		return nil, err
	}
	return s.results, nil
}

// Reset returns to Idle from any state, discarding all aggregates and
// releasing both channel bindings. Safe to call repeatedly.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle && s.ref == nil && s.probe == nil {
		return nil
	}

	var closeErr error
	if s.ref != nil {
		closeErr = errors.Join(closeErr, s.ref.Close())
	}
	if s.probe != nil {
		closeErr = errors.Join(closeErr, s.probe.Close())
	}
	s.ref = nil
	s.probe = nil
	s.axis = nil
	s.off = nil
	s.on = nil
	s.results = nil
	s.setStateLocked(StateIdle)
	s.logger.Info("session reset, channels released")
	return closeErr
}

// Close is session teardown; it funnels through Reset so channel
// release is guaranteed on every exit path.
func (s *Session) Close() error { return s.Reset() }

// bridgedProgressLocked wraps the registered callback so every
// completed shot also lands on the bus. Called with the mutex held.
func (s *Session) bridgedProgressLocked() acquire.ProgressFunc {
	userFn := s.onProgress
	total := s.shots
	if s.bus == nil {
		return userFn
	}
	bus := s.bus
	id := s.id
	return func(completed int, label run.Label) {
		bus.Publish(runbus.Event{
			RunID: id,
			Kind:  runbus.KindShot,
			Label: label,
			Shot:  completed,
			Total: total,
		})
		if userFn != nil {
			userFn(completed, label)
		}
	}
}

// requireLocked guards an operation on its required state. Called with
// the mutex held.
func (s *Session) requireLocked(op string, want State) error {
	if s.state != want {
		return fmt.Errorf("session: %s requires state %s, current state %s: %w",
			op, want, s.state, ErrInvalidState)
	}
	return nil
}

// setStateLocked transitions the state machine, logging and publishing
// the change. Called with the mutex held.
func (s *Session) setStateLocked(next State) {
	prev := s.state
	s.state = next
	s.logger.Debug("state transition", "from", prev.String(), "to", next.String())
	if s.bus != nil {
		s.bus.Publish(runbus.Event{
			RunID: s.id,
			Kind:  runbus.KindState,
			State: next.String(),
		})
	}
}
