package pipeline_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func set(key string, value any) *pipeline.Operation {
	return pipeline.NewOperation("set", func(_ context.Context, st state.State, args []any) (state.State, error) {
		st[key] = args[0]
		return st, nil
	}, value)
}

func appendTo(key string, value any) *pipeline.Operation {
	return pipeline.NewOperation("append", func(_ context.Context, st state.State, args []any) (state.State, error) {
		list, _ := st[key].([]any)
		st[key] = append(list, args[0])
		return st, nil
	}, value)
}

func fail(msg string) *pipeline.Operation {
	return pipeline.Fn("fail", func(context.Context, state.State) (state.State, error) {
		return nil, errors.New(msg)
	})
}

func record(log *[]string, name string) *pipeline.Operation {
	return pipeline.Fn(name, func(_ context.Context, st state.State) (state.State, error) {
		*log = append(*log, name)
		return st, nil
	})
}

func run(t *testing.T, p *pipeline.Pipeline, initial state.State, opts ...pipeline.Option) (*pipeline.Result, error) {
	t.Helper()
	return pipeline.NewEngine(opts...).Run(t.Context(), p, initial)
}

// ─── sequencing ──────────────────────────────────────────────────────────────

func TestEmptyPipelineReturnsInitialState(t *testing.T) {
	t.Parallel()
	initial := state.State{"a": 1}
	res, err := run(t, pipeline.New("empty"), initial)
	require.NoError(t, err)
	assert.Equal(t, initial, res.State)
	assert.NotEmpty(t, res.RunID)
}

func TestStepsRunInDeclarationOrder(t *testing.T) {
	t.Parallel()
	var calls []string
	p := pipeline.New("order")
	for _, n := range []string{"a", "b", "c", "d"} {
		p.Add(record(&calls, n))
	}
	_, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, calls)
}

func TestSetThenAppendScenario(t *testing.T) {
	t.Parallel()
	p := pipeline.New("results")
	p.Add(set("results", []any{}))
	p.Add(appendTo("results", 1))
	p.Add(appendTo("results", 2))

	res, err := run(t, p, state.State{})
	require.NoError(t, err)
	assert.Equal(t, state.State{"results": []any{1, 2}}, res.State)
}

func TestOutputIsLeftToRightComposition(t *testing.T) {
	t.Parallel()
	inc := func(st state.State) state.State {
		n, _ := st["n"].(int)
		st["n"] = n*2 + 1
		return st
	}
	p := pipeline.New("compose")
	for range 4 {
		p.Add(pipeline.Fn("inc", func(_ context.Context, st state.State) (state.State, error) { return inc(st), nil }))
	}
	res, err := run(t, p, state.State{"n": 0})
	require.NoError(t, err)

	want := state.State{"n": 0}
	for range 4 {
		want = inc(want)
	}
	assert.Equal(t, want, res.State)
}

func TestInitialStateIsNotMutated(t *testing.T) {
	t.Parallel()
	initial := state.State{"data": map[string]any{"n": 1}}
	p := pipeline.New("copy")
	p.Add(pipeline.Fn("mutate", func(_ context.Context, st state.State) (state.State, error) {
		st["data"].(map[string]any)["n"] = 2
		return st, nil
	}))
	res, err := run(t, p, initial)
	require.NoError(t, err)
	assert.Equal(t, 1, initial["data"].(map[string]any)["n"])
	assert.Equal(t, 2, res.State["data"].(map[string]any)["n"])
}

func TestOperationsNeverOverlap(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		running int
		overlap bool
	)
	slow := pipeline.Fn("slow", func(ctx context.Context, st state.State) (state.State, error) {
		mu.Lock()
		running++
		if running > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return st, nil
	})
	p := pipeline.New("serial")
	for range 3 {
		p.Add(slow)
	}
	_, err := run(t, p, nil)
	require.NoError(t, err)
	assert.False(t, overlap)
}

func TestIdempotentRuns(t *testing.T) {
	t.Parallel()
	build := func() *pipeline.Pipeline {
		p := pipeline.New("idem")
		p.Add(set("data", map[string]any{"items": []any{1, 2, 3}}))
		p.Add(set("count", lazy.MustQuery(".data.items | length")))
		p.Add(pipeline.Cursor("now"))
		return p
	}
	clock := func() time.Time { return time.Date(2024, 4, 8, 10, 0, 0, 0, time.UTC) }
	initial := state.State{"configuration": map[string]any{"k": "v"}}

	first, err := run(t, build(), initial, pipeline.WithClock(clock))
	require.NoError(t, err)
	second, err := run(t, build(), initial, pipeline.WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
}

// ─── lazy arguments ──────────────────────────────────────────────────────────

func TestLazyArgumentSeesPreviousStepState(t *testing.T) {
	t.Parallel()
	p := pipeline.New("cursor")
	p.Add(set("cursor", "2024-04-08"))
	p.Add(set("seen", lazy.S.Get("cursor")))

	res, err := run(t, p, state.State{"cursor": "yesterday"})
	require.NoError(t, err)
	assert.Equal(t, "2024-04-08", res.State["seen"])
}

func TestLazyArgumentInsideStateLiteral(t *testing.T) {
	t.Parallel()
	p := pipeline.New("literal")
	p.Add(set("x", state.State{"y": lazy.S.Get("a")}))

	res, err := run(t, p, state.State{"a": 42})
	require.NoError(t, err)
	assert.Equal(t, state.State{"y": 42}, res.State["x"])

	out, err := state.Export(res.State)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": 42}, out["x"])
}

func TestCallbackArgumentMatchesPath(t *testing.T) {
	t.Parallel()
	p := pipeline.New("forms")
	p.Add(set("byPath", lazy.MustPath("$.data.name")))
	p.Add(set("byFn", lazy.Fn(func(st state.State) (any, error) {
		return st["data"].(map[string]any)["name"], nil
	})))
	res, err := run(t, p, state.State{"data": map[string]any{"name": "x"}})
	require.NoError(t, err)
	assert.Equal(t, res.State["byPath"], res.State["byFn"])
}

// scopeThief keeps the scope it was resolved in.
type scopeThief struct{ scope **lazy.Scope }

func (c scopeThief) Resolve(s *lazy.Scope) (any, error) {
	*c.scope = s
	return nil, nil
}

func (scopeThief) String() string { return "thief" }

func TestEscapedScopeIsEvaluationError(t *testing.T) {
	t.Parallel()
	var escaped *lazy.Scope
	use := pipeline.NewOperation("use", func(_ context.Context, st state.State, _ []any) (state.State, error) {
		_, err := lazy.S.Get("x").Resolve(escaped)
		return st, err
	})
	p := pipeline.New("escape")
	p.Add(set("stolen", scopeThief{&escaped}))
	p.Add(use).Catch(func(context.Context, error, state.State) (any, error) {
		return state.State{"recovered": true}, nil
	})

	res, err := run(t, p, state.State{"x": 1})
	require.Error(t, err)
	var ee *lazy.EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Nil(t, res.State["recovered"])
}

// ─── chains and failure policy ───────────────────────────────────────────────

func TestUncaughtFailureHaltsWithDiagnostics(t *testing.T) {
	t.Parallel()
	var calls []string
	p := pipeline.New("halt")
	p.Add(set("a", 1))
	p.AddNamed("boom", fail("kaput"))
	p.Add(record(&calls, "after"))

	res, err := run(t, p, nil)
	require.Error(t, err)
	assert.Empty(t, calls)

	var uf *pipeline.UnrecoverableFailure
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, "boom", uf.Step())
	assert.EqualError(t, errors.Unwrap(uf.Failure), "kaput")
	assert.Equal(t, state.State{"a": 1}, uf.LastState)
	assert.Equal(t, state.State{"a": 1}, uf.Failure.State)
	assert.Equal(t, state.State{"a": 1}, res.State)

	require.Len(t, res.Steps, 2)
	assert.Equal(t, pipeline.StatusFailed, res.Steps[1].Status)
}

func TestCatchReturningStateContinues(t *testing.T) {
	t.Parallel()
	var calls []string
	p := pipeline.New("recover")
	p.Add(fail("nope")).Catch(func(_ context.Context, err error, st state.State) (any, error) {
		st["handled"] = err.Error()
		return st, nil
	})
	p.Add(record(&calls, "next"))

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, calls)
	assert.Equal(t, `step "fail": nope`, res.State["handled"])
}

func TestCatchRethrowHalts(t *testing.T) {
	t.Parallel()
	var calls []string
	rethrown := errors.New("rethrown")
	p := pipeline.New("rethrow")
	p.Add(fail("nope")).Catch(func(context.Context, error, state.State) (any, error) {
		return nil, rethrown
	})
	p.Add(record(&calls, "next"))

	_, err := run(t, p, nil)
	require.ErrorIs(t, err, rethrown)
	assert.Empty(t, calls)
}

func TestChainResolvesInAttachmentOrder(t *testing.T) {
	t.Parallel()
	var order []string
	then := func(name string) pipeline.ThenFunc {
		return func(_ context.Context, st state.State) (any, error) {
			order = append(order, name)
			return st, nil
		}
	}
	p := pipeline.New("order")
	p.Add(set("x", 1)).
		Then(then("t1")).
		Catch(func(_ context.Context, _ error, st state.State) (any, error) {
			order = append(order, "c1")
			return st, nil
		}).
		Then(then("t2"))

	_, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, order)
}

func TestThenFailureIsCaughtByLaterCatch(t *testing.T) {
	t.Parallel()
	p := pipeline.New("promise")
	p.Add(set("x", 1)).
		Then(func(context.Context, state.State) (any, error) { return nil, errors.New("then broke") }).
		Then(func(_ context.Context, st state.State) (any, error) {
			st["skipped"] = false
			return st, nil
		}).
		Catch(func(_ context.Context, err error, st state.State) (any, error) {
			st["caught"] = true
			return st, nil
		}).
		Then(func(_ context.Context, st state.State) (any, error) {
			st["after"] = true
			return st, nil
		})

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, state.State{"x": 1, "caught": true, "after": true}, res.State)
}

func TestThenOpAndCatchOpResolveLazily(t *testing.T) {
	t.Parallel()
	p := pipeline.New("ops")
	p.Add(set("n", 5)).ThenOp(set("copy", lazy.S.Get("n")))
	p.Add(fail("bad input")).CatchOp(appendTo("errors", errorVar{}))
	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.State["copy"])
	assert.Equal(t, []any{"bad input"}, res.State["errors"])
}

func TestCatchOpSeesErrorVariable(t *testing.T) {
	t.Parallel()
	msg := pipeline.NewOperation("remember", func(_ context.Context, st state.State, args []any) (state.State, error) {
		st["message"] = args[0]
		return st, nil
	}, errorVar{})
	p := pipeline.New("errvar")
	p.Add(fail("disk full")).CatchOp(msg)

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, "disk full", res.State["message"])
}

// errorVar resolves the error scope variable.
type errorVar struct{}

func (errorVar) Resolve(s *lazy.Scope) (any, error) {
	v, _, err := s.Var(lazy.VarError)
	return v, err
}

func (errorVar) String() string { return "error" }

// ─── contract checks ─────────────────────────────────────────────────────────

func TestNonStateHandlerResultStrict(t *testing.T) {
	t.Parallel()
	p := pipeline.New("strict")
	p.Add(set("x", 1)).Then(func(context.Context, state.State) (any, error) { return "oops", nil })

	_, err := run(t, p, nil)
	var ce *pipeline.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "string", ce.Got)
}

func TestNonStateHandlerResultLax(t *testing.T) {
	t.Parallel()
	p := pipeline.New("lax")
	p.Add(set("x", 1)).Then(func(context.Context, state.State) (any, error) { return 42, nil })
	p.Add(pipeline.Fn("nil", func(context.Context, state.State) (state.State, error) { return nil, nil }))
	p.Add(set("y", 2))

	res, err := run(t, p, nil, pipeline.WithStrict(false), pipeline.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, state.State{"x": 1, "y": 2}, res.State)
}

func TestContractViolationIsCatchable(t *testing.T) {
	t.Parallel()
	p := pipeline.New("catchable")
	p.Add(pipeline.Fn("nil", func(context.Context, state.State) (state.State, error) { return nil, nil })).
		Catch(func(_ context.Context, err error, st state.State) (any, error) {
			var ce *pipeline.ContractError
			st["contract"] = errors.As(err, &ce)
			return st, nil
		})
	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.State["contract"])
}

// ─── nesting ─────────────────────────────────────────────────────────────────

func TestNestedOperationArgumentFailsBeforeExecution(t *testing.T) {
	t.Parallel()
	for depth := 1; depth <= 3; depth++ {
		var arg any = set("inner", 1)
		for d := 1; d < depth; d++ {
			arg = appendTo("wrap", arg)
		}
		var calls []string
		p := pipeline.New("nested")
		p.Add(record(&calls, "first"))
		p.AddNamed("outer", set("x", map[string]any{"list": []any{arg}}))

		_, err := run(t, p, nil)
		var ne *pipeline.NestedOperationError
		require.ErrorAs(t, err, &ne, "depth %d", depth)
		assert.Equal(t, "outer", ne.Step)
		assert.Equal(t, 1, ne.Depth)
		assert.Equal(t, "set.args[0].list[0]", ne.Path)
		assert.Empty(t, calls, "no step may run at depth %d", depth)
	}
}

func TestNestedOperationReportsEveryDepth(t *testing.T) {
	t.Parallel()
	p := pipeline.New("deep")
	p.Add(set("x", appendTo("y", set("z", 1))))

	errs := pipeline.Validate(p)
	var depths []int
	for _, le := range errs {
		var ne *pipeline.NestedOperationError
		if errors.As(le, &ne) {
			depths = append(depths, ne.Depth)
		}
	}
	assert.Equal(t, []int{1, 2}, depths)
}

func TestRegistrationDuringExecutionIsRejected(t *testing.T) {
	t.Parallel()
	var calls []string
	p := pipeline.New("sealed")
	p.Add(pipeline.Fn("register", func(_ context.Context, st state.State) (state.State, error) {
		p.Add(record(&calls, "sneaky"))
		return st, nil
	}))
	p.Add(record(&calls, "next"))

	_, err := run(t, p, nil)
	var ne *pipeline.NestedOperationError
	require.ErrorAs(t, err, &ne)
	assert.Contains(t, ne.Reason, "executing")
	assert.Empty(t, calls)
	assert.Equal(t, 2, p.Len())
}

func TestHandlerAttachmentDuringExecutionIsRejected(t *testing.T) {
	t.Parallel()
	p := pipeline.New("sealed")
	var step *pipeline.Step
	step = p.Add(pipeline.Fn("attach", func(_ context.Context, st state.State) (state.State, error) {
		step.Then(func(_ context.Context, st state.State) (any, error) { return st, nil })
		return st, nil
	}))

	_, err := run(t, p, nil)
	var ne *pipeline.NestedOperationError
	require.ErrorAs(t, err, &ne)
	assert.Empty(t, step.Chain)
}

func TestCallbackReturningOperationIsNested(t *testing.T) {
	t.Parallel()
	p := pipeline.New("dynamic")
	p.Add(set("x", lazy.Fn(func(state.State) (any, error) {
		return set("inner", 1), nil
	}))).Catch(func(_ context.Context, _ error, st state.State) (any, error) {
		return st, nil
	})

	_, err := run(t, p, nil)
	var ne *pipeline.NestedOperationError
	require.ErrorAs(t, err, &ne)
}

func TestHandlerStructuralErrorIsFatal(t *testing.T) {
	t.Parallel()
	nested := func() *pipeline.Operation {
		return set("x", lazy.Fn(func(state.State) (any, error) {
			return set("inner", 1), nil
		}))
	}
	markRecovered := func(_ context.Context, _ error, st state.State) (any, error) {
		st["recovered"] = true
		return st, nil
	}

	t.Run("then", func(t *testing.T) {
		t.Parallel()
		var calls []string
		p := pipeline.New("then")
		p.Add(set("a", 1)).ThenOp(nested()).Catch(markRecovered)
		p.Add(record(&calls, "after"))

		res, err := run(t, p, nil)
		var ne *pipeline.NestedOperationError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, "set.then[0]", ne.Step)
		assert.Empty(t, calls)
		assert.Nil(t, res.State["recovered"])
		require.Len(t, res.Steps, 1)
		assert.Equal(t, pipeline.StatusFailed, res.Steps[0].Status)
	})

	t.Run("catch", func(t *testing.T) {
		t.Parallel()
		var calls []string
		p := pipeline.New("catch")
		p.Add(fail("boom")).CatchOp(nested()).Catch(markRecovered)
		p.Add(record(&calls, "after"))

		res, err := run(t, p, nil)
		var ne *pipeline.NestedOperationError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, "fail.catch[0]", ne.Step)
		assert.Empty(t, calls)
		assert.Nil(t, res.State["recovered"])
	})
}

func TestHandlerFailureNamesStepOnce(t *testing.T) {
	t.Parallel()
	p := pipeline.New("once")
	p.Add(set("a", 1)).Then(func(context.Context, state.State) (any, error) { return "oops", nil })

	_, err := run(t, p, nil)
	require.Error(t, err)
	assert.Equal(t, 1, strings.Count(err.Error(), `step "set.then[0]"`), err.Error())
}

func TestDetachedStepHandlersNeverRun(t *testing.T) {
	t.Parallel()
	var calls []string
	p := pipeline.New("detached")
	p.Add(pipeline.Fn("register", func(_ context.Context, st state.State) (state.State, error) {
		p.Add(record(&calls, "late")).ThenOp(record(&calls, "late-then"))
		return st, nil
	}))

	_, err := run(t, p, nil)
	var ne *pipeline.NestedOperationError
	require.ErrorAs(t, err, &ne)
	assert.Len(t, p.Violations(), 1, "only the registration itself is a violation")
	assert.Empty(t, calls)
}

// ─── cancellation and checkpoints ────────────────────────────────────────────

func TestCancelledBetweenSteps(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	var calls []string
	p := pipeline.New("cancel")
	p.Add(pipeline.Fn("stop", func(_ context.Context, st state.State) (state.State, error) {
		cancel()
		return st, nil
	}))
	p.Add(record(&calls, "never"))

	_, err := pipeline.NewEngine().Run(ctx, p, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestCheckpointAndResume(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cp.json")
	var calls []string
	p := pipeline.New("resumable")
	p.Add(set("a", 1))
	p.AddNamed("broken", fail("later"))
	p.Add(record(&calls, "tail"))

	res, err := run(t, p, nil, pipeline.WithCheckpoint(path))
	require.Error(t, err)

	cp, err := state.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.NextStep)
	assert.Equal(t, res.RunID, cp.RunID)
	assert.Equal(t, state.State{"a": 1}, cp.State)

	cp.NextStep = 2
	resumed, err := pipeline.NewEngine().Resume(t.Context(), p, cp)
	require.NoError(t, err)
	assert.Equal(t, []string{"tail"}, calls)
	assert.Equal(t, res.RunID, resumed.RunID)
}

func TestResumeBeyondEnd(t *testing.T) {
	t.Parallel()
	p := pipeline.New("short")
	p.Add(set("a", 1))
	_, err := pipeline.NewEngine().Resume(t.Context(), p, &state.Checkpoint{NextStep: 5})
	require.Error(t, err)
}

func TestRunContextCarriesRunInfo(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := pipeline.New("ctx")
	p.Add(pipeline.Fn("peek", func(ctx context.Context, st state.State) (state.State, error) {
		st["run"] = pipeline.RunID(ctx)
		st["now"] = pipeline.Now(ctx)
		st["started"] = pipeline.Started(ctx)
		return st, nil
	}))
	res, err := run(t, p, nil, pipeline.WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	assert.Equal(t, res.RunID, res.State["run"])
	assert.Equal(t, fixed, res.State["now"])
	assert.Equal(t, fixed, res.State["started"])
}
