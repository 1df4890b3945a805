// Package wave executes typed stage plans. A plan is a list of waves;
// stages inside a wave have no mutual dependency and run concurrently,
// waves run in order with a synchronization barrier between them. Stage
// outputs land in a shared scope under disjoint keys.
package wave

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Capability invokes one named stage: given its declared string inputs and
// target output key it returns a single JSON-serializable value. Capability
// implementations must be safe for concurrent invocation across stages with
// distinct output keys.
type Capability interface {
	Invoke(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error)
}

// Func adapts a plain function into a Capability. Used for deterministic
// in-process stages that run inside a plan alongside reasoning stages.
type Func func(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error)

// Invoke implements Capability.
func (f Func) Invoke(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error) {
	return f(ctx, name, inputs, outputKey)
}

// Mux dispatches stage invocations by stage name. Names without a
// registered handler go to the fallback capability.
type Mux struct {
	fallback Capability
	handlers map[string]Capability
}

// NewMux builds a Mux around a fallback capability.
func NewMux(fallback Capability) *Mux {
	return &Mux{
		fallback: fallback,
		handlers: make(map[string]Capability),
	}
}

// Handle registers a capability for one stage name.
func (m *Mux) Handle(name string, c Capability) {
	m.handlers[name] = c
}

// HandleFunc registers a function for one stage name.
func (m *Mux) HandleFunc(name string, f Func) {
	m.handlers[name] = f
}

// Invoke implements Capability.
func (m *Mux) Invoke(ctx context.Context, name string, inputs map[string]string, outputKey string) (string, error) {
	if c, ok := m.handlers[name]; ok {
		return c.Invoke(ctx, name, inputs, outputKey)
	}
	if m.fallback == nil {
		return "", eris.Errorf("wave: no capability registered for stage %q", name)
	}
	return m.fallback.Invoke(ctx, name, inputs, outputKey)
}

// Stage is one plan node: a named capability invocation with declared input
// keys and exactly one output key. Optional stages degrade on failure
// instead of aborting the run; the downstream merge keeps base values for
// their fields.
type Stage struct {
	Name      string
	InputKeys []string
	OutputKey string
	Optional  bool
	Timeout   time.Duration
}

// Wave groups stages that run concurrently, plus an optional fan-in merge
// executed after the wave's barrier.
type Wave struct {
	Stages []Stage
	Merge  *MergeSpec
}

// Plan is an ordered list of waves.
type Plan struct {
	Waves []Wave
}

// StageError reports a failed stage with its position in the plan.
type StageError struct {
	Stage string
	Wave  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q (wave %d): %v", e.Stage, e.Wave, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Validate checks the plan's wiring against a set of seed keys: stage names
// are unique, output keys are disjoint within each wave, and every declared
// input key is produced by a seed or an earlier wave. Merge overlay keys are
// exempt, missing overlays degrade at run time.
func (p Plan) Validate(seedKeys ...string) error {
	available := make(map[string]bool, len(seedKeys))
	for _, k := range seedKeys {
		available[k] = true
	}
	names := make(map[string]bool)

	for i, wv := range p.Waves {
		produced := make(map[string]bool)
		for _, st := range wv.Stages {
			if st.Name == "" {
				return eris.Errorf("wave %d: stage with empty name", i)
			}
			if names[st.Name] {
				return eris.Errorf("wave %d: duplicate stage name %q", i, st.Name)
			}
			names[st.Name] = true
			if st.OutputKey == "" {
				return eris.Errorf("stage %q (wave %d): empty output key", st.Name, i)
			}
			if produced[st.OutputKey] {
				return eris.Errorf("stage %q (wave %d): output key %q written twice in one wave", st.Name, i, st.OutputKey)
			}
			for _, k := range st.InputKeys {
				if !available[k] {
					return eris.Errorf("stage %q (wave %d): input key %q not produced by any earlier wave", st.Name, i, k)
				}
			}
			produced[st.OutputKey] = true
		}
		if wv.Merge != nil {
			if wv.Merge.OutputKey == "" {
				return eris.Errorf("merge %q (wave %d): empty output key", wv.Merge.Name, i)
			}
			if !available[wv.Merge.BaseKey] && !produced[wv.Merge.BaseKey] {
				return eris.Errorf("merge %q (wave %d): base key %q not produced by any earlier wave", wv.Merge.Name, i, wv.Merge.BaseKey)
			}
			produced[wv.Merge.OutputKey] = true
		}
		for k := range produced {
			available[k] = true
		}
	}
	return nil
}

// Executor runs plans against a capability.
type Executor struct {
	capability Capability
}

// NewExecutor creates a plan executor.
func NewExecutor(capability Capability) *Executor {
	return &Executor{capability: capability}
}

// Run executes the plan wave by wave. The first failed required stage
// aborts the run with a StageError; optional stage failures are logged and
// leave their output key unset.
func (e *Executor) Run(ctx context.Context, plan Plan, scope *Scope) error {
	for i, wv := range plan.Waves {
		if err := e.runWave(ctx, i, wv.Stages, scope); err != nil {
			return err
		}
		if wv.Merge != nil {
			if err := e.runMerge(i, *wv.Merge, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) runWave(ctx context.Context, idx int, stages []Stage, scope *Scope) error {
	if len(stages) == 0 {
		return nil
	}
	snapshot := scope.Snapshot()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range stages {
		g.Go(func() error {
			start := time.Now()
			value, err := e.runStage(gctx, st, snapshot)
			if err != nil {
				if st.Optional {
					zap.L().Warn("wave: optional stage degraded, base values survive",
						zap.String("stage", st.Name),
						zap.Int("wave", idx),
						zap.Error(err),
					)
					return nil
				}
				return &StageError{Stage: st.Name, Wave: idx, Err: err}
			}
			scope.Set(st.OutputKey, value)
			zap.L().Debug("wave: stage complete",
				zap.String("stage", st.Name),
				zap.Int("wave", idx),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) runStage(ctx context.Context, st Stage, snapshot map[string]string) (string, error) {
	inputs := make(map[string]string, len(st.InputKeys))
	for _, k := range st.InputKeys {
		v, ok := snapshot[k]
		if !ok {
			return "", eris.Errorf("input key %q not present", k)
		}
		inputs[k] = v
	}

	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}
	return e.capability.Invoke(ctx, st.Name, inputs, st.OutputKey)
}
