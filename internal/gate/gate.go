// Package gate evaluates operator-supplied acceptance checks against a
// run's timing results.
//
// Gates are CEL boolean expressions from the configuration, compiled
// once at startup and evaluated after acquisition completes. A failing
// gate marks the run in the report, summary and catalog; it never
// aborts or retries anything.
//
// Variables available to expressions:
//
//	state            string  "OFF", "ON" or "SCAN"
//	shots            int     shots (or scans) in the batch
//	mean_lag_ms      double  inter-channel lag mean
//	stddev_lag_ms    double  inter-channel lag sample stddev
//	max_abs_lag_ms   double  largest absolute per-shot lag
//	ideal_ms         double  expected trigger period (interval mode)
//	mean_error_ms    double  interval error mean (interval mode)
//	stddev_error_ms  double  interval error sample stddev (interval mode)
//	max_abs_error_ms double  largest absolute interval error (interval mode)
//	dropped_cycles   int     suspected dropped trigger cycles (interval mode)
//
// Variables outside the evaluated mode are bound to NaN (doubles) or 0
// so that any well-formed expression evaluates; operators write gates
// for the mode they run.
package gate

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/config"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/run"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/timing"
)

// Result is one gate's outcome for one variable binding.
type Result struct {
	Name string
	Expr string
	Pass bool
	// Err records an evaluation failure; Pass is false in that case.
	Err error
}

type compiledGate struct {
	name string
	expr string
	prog cel.Program
}

// Engine holds the compiled gate programs.
type Engine struct {
	gates []compiledGate
}

// New compiles all configured gates against the gate variable set.
// Compile failures and non-boolean expressions are configuration
// errors.
func New(gates []config.GateConfig) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.StringType),
		cel.Variable("shots", cel.IntType),
		cel.Variable("mean_lag_ms", cel.DoubleType),
		cel.Variable("stddev_lag_ms", cel.DoubleType),
		cel.Variable("max_abs_lag_ms", cel.DoubleType),
		cel.Variable("ideal_ms", cel.DoubleType),
		cel.Variable("mean_error_ms", cel.DoubleType),
		cel.Variable("stddev_error_ms", cel.DoubleType),
		cel.Variable("max_abs_error_ms", cel.DoubleType),
		cel.Variable("dropped_cycles", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: build environment: %w", err)
	}

	engine := &Engine{gates: make([]compiledGate, 0, len(gates))}
	for _, g := range gates {
		ast, issues := env.Compile(g.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: quality gate %q: %v", config.ErrInvalid, g.Name, issues.Err())
		}
		if ast.OutputType().String() != "bool" {
			return nil, fmt.Errorf("%w: quality gate %q: expression must return bool, got %s",
				config.ErrInvalid, g.Name, ast.OutputType())
		}
		prog, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("%w: quality gate %q: %v", config.ErrInvalid, g.Name, err)
		}
		engine.gates = append(engine.gates, compiledGate{name: g.Name, expr: g.Expr, prog: prog})
	}
	return engine, nil
}

// Empty reports whether no gates are configured.
func (e *Engine) Empty() bool { return len(e.gates) == 0 }

// Eval runs every gate against one variable binding.
func (e *Engine) Eval(vars map[string]any) []Result {
	results := make([]Result, 0, len(e.gates))
	for _, g := range e.gates {
		res := Result{Name: g.name, Expr: g.expr}
		out, _, err := g.prog.Eval(vars)
		if err != nil {
			res.Err = fmt.Errorf("gate: eval %q: %w", g.name, err)
		} else if pass, ok := out.Value().(bool); ok {
			res.Pass = pass
		} else {
			res.Err = fmt.Errorf("gate: eval %q: expected bool, got %T", g.name, out.Value())
		}
		results = append(results, res)
	}
	return results
}

// EvalLag evaluates all gates against one state's inter-channel lag
// summary.
func (e *Engine) EvalLag(label run.Label, shots int, s *timing.Summary) []Result {
	return e.Eval(LagVars(label, shots, s))
}

// EvalInterval evaluates all gates against an interval-jitter summary.
func (e *Engine) EvalInterval(scans int, idealMS float64, s *timing.Summary) []Result {
	return e.Eval(IntervalVars(scans, idealMS, s))
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if r.Err != nil || !r.Pass {
			return false
		}
	}
	return true
}

// LagVars binds the gate variables for lag mode; interval-mode
// variables are bound to NaN/0.
func LagVars(label run.Label, shots int, s *timing.Summary) map[string]any {
	return map[string]any{
		"state":            string(label),
		"shots":            int64(shots),
		"mean_lag_ms":      s.MeanErrorMS,
		"stddev_lag_ms":    s.StdDevErrorMS,
		"max_abs_lag_ms":   s.MaxAbsErrorMS,
		"ideal_ms":         math.NaN(),
		"mean_error_ms":    math.NaN(),
		"stddev_error_ms":  math.NaN(),
		"max_abs_error_ms": math.NaN(),
		"dropped_cycles":   int64(0),
	}
}

// IntervalVars binds the gate variables for interval mode; lag-mode
// variables are bound to NaN.
func IntervalVars(scans int, idealMS float64, s *timing.Summary) map[string]any {
	return map[string]any{
		"state":            string(run.LabelScan),
		"shots":            int64(scans),
		"mean_lag_ms":      math.NaN(),
		"stddev_lag_ms":    math.NaN(),
		"max_abs_lag_ms":   math.NaN(),
		"ideal_ms":         idealMS,
		"mean_error_ms":    s.MeanErrorMS,
		"stddev_error_ms":  s.StdDevErrorMS,
		"max_abs_error_ms": s.MaxAbsErrorMS,
		"dropped_cycles":   int64(s.DroppedCycleEstimate),
	}
}
