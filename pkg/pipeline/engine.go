package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StatusOK        StepStatus = "ok"
	StatusRecovered StepStatus = "recovered"
	StatusFailed    StepStatus = "failed"
)

// StepReport records one executed step, including steps run inside each.
type StepReport struct {
	Step     string        `json:"step"`
	Status   StepStatus    `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is the outcome of a run. On failure State is the last
// successfully produced State.
type Result struct {
	RunID string
	Job   string
	State state.State
	Steps []StepReport
}

// Engine runs pipelines one step at a time.
type Engine struct {
	log            zerolog.Logger
	strict         bool
	checkpointPath string
	clock          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Operations reach it through
// zerolog.Ctx.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithStrict selects how contract violations are treated: as step
// failures (strict, the default) or as warnings that keep the previous
// State.
func WithStrict(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithCheckpoint writes a checkpoint after every top-level step.
func WithCheckpoint(path string) Option {
	return func(e *Engine) { e.checkpointPath = path }
}

// WithClock replaces time.Now for cursors and run timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:    zerolog.Nop(),
		strict: true,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run validates p, seals it and executes its steps in order starting
// from a copy of initial.
func (e *Engine) Run(ctx context.Context, p *Pipeline, initial state.State) (*Result, error) {
	return e.execute(ctx, p, initial, 0, "")
}

// Resume continues a run from a checkpoint written by WithCheckpoint.
func (e *Engine) Resume(ctx context.Context, p *Pipeline, cp *state.Checkpoint) (*Result, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint must not be nil")
	}
	if p != nil && cp.NextStep > p.Len() {
		return nil, fmt.Errorf("checkpoint next step %d is beyond pipeline %q (%d steps)", cp.NextStep, p.Name, p.Len())
	}
	return e.execute(ctx, p, cp.State, cp.NextStep, cp.RunID)
}

func (e *Engine) execute(ctx context.Context, p *Pipeline, initial state.State, start int, runID string) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline must not be nil")
	}
	if err := ValidateErr(p); err != nil {
		return nil, err
	}
	p.Seal()

	if runID == "" {
		runID = uuid.NewString()
	}
	st := initial.Clone()
	if st == nil {
		st = state.New()
	}

	log := e.log.With().Str("run", runID).Str("job", p.Name).Logger()
	ctx = withRun(ctx, runInfo{id: runID, started: e.clock(), clock: e.clock})
	ctx = log.WithContext(ctx)

	r := &runner{engine: e, root: p, runID: runID}
	log.Info().Int("steps", p.Len()).Int("from", start).Msg("pipeline started")

	final, err := r.steps(ctx, p, st, nil, start, "")
	res := &Result{RunID: runID, Job: p.Name, State: final, Steps: r.reports}
	if err != nil {
		var of *OperationFailure
		if errors.As(err, &of) {
			err = &UnrecoverableFailure{Failure: of, LastState: final}
		}
		log.Error().Err(err).Msg("pipeline halted")
		return res, err
	}
	log.Info().Msg("pipeline complete")
	return res, nil
}

// runner holds the per-run state shared by nested each invocations.
type runner struct {
	engine  *Engine
	root    *Pipeline
	runID   string
	reports []StepReport
}

// steps runs p from index start. On failure it returns the State at the
// point of failure together with an *OperationFailure.
func (r *runner) steps(ctx context.Context, p *Pipeline, st state.State, vars map[string]any, start int, prefix string) (state.State, error) {
	steps := p.Steps()
	for i := start; i < len(steps); i++ {
		s := steps[i]
		name := qualify(prefix, s.Name)

		// Respect context cancellation between steps.
		if err := ctx.Err(); err != nil {
			return st, fmt.Errorf("pipeline cancelled at step %q: %w", name, err)
		}

		next, err := r.step(ctx, s, name, st, vars)
		if err != nil {
			var of *OperationFailure
			if errors.As(err, &of) && of.State != nil {
				return of.State, err
			}
			return st, err
		}
		st = next

		if err := r.violation(); err != nil {
			return st, err
		}

		if prefix == "" && r.engine.checkpointPath != "" {
			cp := &state.Checkpoint{RunID: r.runID, Job: p.Name, NextStep: i + 1, LastStep: s.Name, State: st}
			if cpErr := cp.Save(r.engine.checkpointPath); cpErr != nil {
				return st, fmt.Errorf("step %q: save checkpoint: %w", name, cpErr)
			}
		}
	}
	return st, nil
}

// violation returns the first registration rejected by a sealed pipeline.
func (r *runner) violation() error {
	if v := r.root.Violations(); len(v) > 0 {
		return v[0]
	}
	return nil
}

// step invokes one operation and resolves its chain.
func (r *runner) step(ctx context.Context, s *Step, name string, st state.State, vars map[string]any) (state.State, error) {
	log := zerolog.Ctx(ctx).With().Str("step", name).Logger()
	started := time.Now()
	log.Info().Str("op", s.Op.Name).Msg("executing step")

	out, attempts, err := r.invoke(ctx, s.Op, name, st, vars, s.Retry)
	if structural(err) {
		r.reports = append(r.reports, StepReport{
			Step: name, Attempts: attempts, Duration: time.Since(started),
			Status: StatusFailed, Error: err.Error(),
		})
		return st, err
	}
	var failure *OperationFailure
	if err != nil {
		failure = &OperationFailure{Step: name, Err: err, State: st}
		log.Warn().Err(err).Int("attempts", attempts).Msg("operation failed")
		out = st
	}

	final, failure, recovered, fatal := r.chain(ctx, s, name, out, failure, vars)
	if fatal != nil {
		r.reports = append(r.reports, StepReport{
			Step: name, Attempts: attempts, Duration: time.Since(started),
			Status: StatusFailed, Error: fatal.Error(),
		})
		return st, fatal
	}

	report := StepReport{Step: name, Attempts: attempts, Duration: time.Since(started), Status: StatusOK}
	switch {
	case failure != nil:
		report.Status = StatusFailed
		report.Error = failure.Error()
	case recovered:
		report.Status = StatusRecovered
	}
	r.reports = append(r.reports, report)

	if failure != nil {
		return failure.State, failure
	}
	log.Debug().Dur("duration", report.Duration).Str("status", string(report.Status)).Msg("step complete")
	return final, nil
}

// structural reports errors that no catch handler may recover from.
func structural(err error) bool {
	if err == nil {
		return false
	}
	var (
		nested *NestedOperationError
		eval   *lazy.EvaluationError
		write  *lazy.WriteError
	)
	return errors.As(err, &nested) || errors.As(err, &eval) || errors.As(err, &write)
}

// invoke resolves op's arguments against st and runs it, retrying as the
// policy allows. It returns the number of attempts made.
func (r *runner) invoke(ctx context.Context, op *Operation, name string, st state.State, vars map[string]any, policy RetryPolicy) (state.State, int, error) {
	attempts := 0
	call := func() (state.State, error) {
		attempts++
		args, err := r.resolve(name, op, st, vars)
		if err != nil {
			return nil, retry.Unrecoverable(err)
		}
		in := st.Clone()
		var out state.State
		if op.each != nil {
			out, err = r.each(ctx, op, name, in, args, vars)
		} else {
			out, err = op.Run(ctx, in, args)
		}
		if err != nil {
			return nil, err
		}
		if out == nil {
			out, err = r.contract(ctx, name, nil, st)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
		}
		return out, nil
	}

	if policy.Attempts <= 1 {
		out, err := call()
		return out, attempts, unwrapUnrecoverable(err)
	}

	log := zerolog.Ctx(ctx)
	out, err := retry.DoWithData(call,
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Str("step", name).Uint("attempt", n+1).Err(err).Msg("retrying operation")
		}),
	)
	if err != nil && attempts > 1 {
		err = fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return out, attempts, err
}

func unwrapUnrecoverable(err error) error {
	if err != nil && !retry.IsRecoverable(err) {
		return errors.Unwrap(err)
	}
	return err
}

// resolve opens a single-use scope over st and resolves op's arguments.
// A value resolving to an operation is a nesting violation.
func (r *runner) resolve(name string, op *Operation, st state.State, vars map[string]any) ([]any, error) {
	scope := lazy.Open(st, vars)
	defer scope.Close()

	args, err := lazy.ResolveAll(scope, op.Args)
	if err != nil {
		return nil, err
	}
	var nested error
	for i, a := range args {
		findNested(a, fmt.Sprintf("%s.args[%d]", op.Name, i), 1, func(path string, depth int) {
			if nested == nil {
				nested = &NestedOperationError{
					Step:   name,
					Path:   path,
					Depth:  depth,
					Reason: "argument resolved to an operation; declare it as a step instead",
				}
			}
		})
	}
	return args, nested
}

// chain walks the handlers in attachment order with promise semantics.
// It returns the resulting State, the failure still pending at the end
// (if any) and whether a catch handler recovered. A structural error from
// a handler stops the walk and is returned as fatal.
func (r *runner) chain(ctx context.Context, s *Step, name string, st state.State, failure *OperationFailure, vars map[string]any) (state.State, *OperationFailure, bool, error) {
	recovered := false
	for i, h := range s.Chain {
		label := fmt.Sprintf("%s.%s[%d]", name, h.Kind, i)
		switch {
		case h.Kind == OnSuccess && failure == nil:
			out, err := r.then(ctx, h, label, st, vars)
			if structural(err) {
				return st, nil, false, err
			}
			if err != nil {
				failure = &OperationFailure{Step: label, Err: err, State: st}
				continue
			}
			st = out
		case h.Kind == OnFailure && failure != nil:
			out, err := r.catch(ctx, h, label, failure, vars)
			if structural(err) {
				return st, nil, false, err
			}
			if err != nil {
				failure = &OperationFailure{Step: label, Err: err, State: failure.State}
				continue
			}
			zerolog.Ctx(ctx).Info().Str("step", name).Str("handler", label).Msg("failure recovered")
			st, failure, recovered = out, nil, true
		}
	}
	return st, failure, recovered, nil
}

func (r *runner) then(ctx context.Context, h Handler, label string, st state.State, vars map[string]any) (state.State, error) {
	if h.Op != nil {
		out, _, err := r.invoke(ctx, h.Op, label, st, vars, RetryPolicy{})
		return out, err
	}
	v, err := h.Then(ctx, st.Clone())
	if err != nil {
		return nil, err
	}
	if out, ok := state.Coerce(v); ok {
		return out, nil
	}
	return r.contract(ctx, label, v, st)
}

func (r *runner) catch(ctx context.Context, h Handler, label string, failure *OperationFailure, vars map[string]any) (state.State, error) {
	at := failure.State
	if h.Op != nil {
		cvars := make(map[string]any, len(vars)+1)
		for k, v := range vars {
			cvars[k] = v
		}
		cvars[lazy.VarError] = causeMessage(failure)
		out, _, err := r.invoke(ctx, h.Op, label, at, cvars, RetryPolicy{})
		return out, err
	}
	v, err := h.Catch(ctx, failure, at.Clone())
	if err != nil {
		return nil, err
	}
	if out, ok := state.Coerce(v); ok {
		return out, nil
	}
	return r.contract(ctx, label, v, at)
}

// contract handles a handler or operation result that is not a State.
func (r *runner) contract(ctx context.Context, step string, got any, prev state.State) (state.State, error) {
	cerr := &ContractError{Step: step, Got: fmt.Sprintf("%T", got)}
	if got == nil {
		cerr.Got = "nil"
	}
	if r.engine.strict {
		return nil, cerr
	}
	zerolog.Ctx(ctx).Warn().Err(cerr).Msg("contract violation; keeping previous state")
	return prev, nil
}

// causeMessage returns the innermost operation failure's cause.
func causeMessage(f *OperationFailure) string {
	err := error(f)
	for err != nil {
		var of *OperationFailure
		if !errors.As(err, &of) {
			return err.Error()
		}
		err = of.Err
	}
	return ""
}
