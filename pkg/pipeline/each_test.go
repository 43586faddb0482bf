package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

func TestEachVisitsItemsInOrder(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.Add(appendTo("seen", lazy.Item))
	sub.Add(appendTo("positions", lazy.Index))

	p := pipeline.New("each")
	p.Add(pipeline.Each([]any{"a", "b", "c"}, sub))

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, res.State["seen"])
	assert.Equal(t, []any{0, 1, 2}, res.State["positions"])
}

func TestEachFailureCaughtInsideIterationContinues(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.Add(pipeline.NewOperation("process", func(_ context.Context, st state.State, args []any) (state.State, error) {
		if args[0] == 2 {
			return nil, fmt.Errorf("item %v rejected", args[0])
		}
		list, _ := st["done"].([]any)
		st["done"] = append(list, args[0])
		return st, nil
	}, lazy.Item)).Catch(func(_ context.Context, err error, st state.State) (any, error) {
		list, _ := st["errors"].([]any)
		st["errors"] = append(list, err.Error())
		return st, nil
	})

	p := pipeline.New("each")
	p.AddNamed("items", pipeline.Each(lazy.S.Get("items"), sub))

	res, err := run(t, p, state.State{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 3}, res.State["done"])
	assert.Equal(t, []any{`step "items[1]/process": item 2 rejected`}, res.State["errors"])
}

func TestEachUncaughtFailureHaltsPipeline(t *testing.T) {
	t.Parallel()
	var calls []string
	sub := pipeline.New("body")
	sub.Add(pipeline.NewOperation("check", func(_ context.Context, st state.State, args []any) (state.State, error) {
		if args[0] == "bad" {
			return nil, fmt.Errorf("bad item")
		}
		return st, nil
	}, lazy.Item))

	p := pipeline.New("each")
	p.AddNamed("loop", pipeline.Each([]any{"ok", "bad", "never"}, sub))
	p.Add(record(&calls, "after"))

	_, err := run(t, p, nil)
	var uf *pipeline.UnrecoverableFailure
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, "loop", uf.Step())
	assert.ErrorContains(t, err, `step "loop[1]/check": bad item`)
	assert.Empty(t, calls)
}

func TestEachFailureCaughtOnEachStep(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.Add(fail("inner"))

	p := pipeline.New("each")
	p.AddNamed("loop", pipeline.Each([]any{1}, sub)).Catch(func(_ context.Context, _ error, st state.State) (any, error) {
		st["recovered"] = true
		return st, nil
	})

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.State["recovered"])
}

func TestEachIsolatedCollectsData(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.Add(set("data", lazy.MustQuery("$item * 10")))
	sub.Add(appendTo("leak", lazy.Item))

	p := pipeline.New("each")
	p.Add(pipeline.Each([]any{1, 2, 3}, sub, pipeline.Isolate()))

	res, err := run(t, p, state.State{"keep": "me"})
	require.NoError(t, err)
	assert.Equal(t, state.State{"keep": "me", "data": []any{10, 20, 30}}, res.State)
}

func TestEachNestedItemShadowsOuter(t *testing.T) {
	t.Parallel()
	inner := pipeline.New("inner")
	inner.Add(appendTo("pairs", lazy.Format("%v", lazy.Item)))

	outer := pipeline.New("outer")
	outer.Add(appendTo("outerSeen", lazy.Item))
	outer.Add(pipeline.Each(lazy.MustQuery("$item.children"), inner))

	p := pipeline.New("nested")
	p.Add(pipeline.Each([]any{
		map[string]any{"id": "a", "children": []any{"a1", "a2"}},
		map[string]any{"id": "b", "children": []any{"b1"}},
	}, outer))

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a1", "a2", "b1"}, res.State["pairs"])
	assert.Len(t, res.State["outerSeen"], 2)
}

func TestEachInnerMutationsVisibleToOuterChain(t *testing.T) {
	t.Parallel()
	inner := pipeline.New("inner")
	inner.Add(appendTo("touched", lazy.Item))

	outer := pipeline.New("outer")
	outer.Add(pipeline.Each(lazy.Item, inner)).Then(func(_ context.Context, st state.State) (any, error) {
		st["innerCount"] = len(st["touched"].([]any))
		return st, nil
	})

	p := pipeline.New("nested")
	p.Add(pipeline.Each([]any{[]any{1, 2}, []any{3}}, outer))

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.State["innerCount"])
}

func TestEachEmptyAndNilSources(t *testing.T) {
	t.Parallel()
	for name, src := range map[string]any{"nil": nil, "empty": []any{}, "missing": lazy.S.Get("nope")} {
		t.Run(name, func(t *testing.T) {
			var calls []string
			sub := pipeline.New("body")
			sub.Add(record(&calls, "body"))
			p := pipeline.New("each")
			p.Add(pipeline.Each(src, sub))

			res, err := run(t, p, state.State{"a": 1})
			require.NoError(t, err)
			assert.Empty(t, calls)
			assert.Equal(t, state.State{"a": 1}, res.State)
		})
	}
}

func TestEachTypedSliceSource(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.Add(appendTo("seen", lazy.Item))
	p := pipeline.New("each")
	p.Add(pipeline.Each([]string{"x", "y"}, sub))

	res, err := run(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, res.State["seen"])
}

func TestEachNonSequenceSourceFails(t *testing.T) {
	t.Parallel()
	p := pipeline.New("each")
	p.Add(pipeline.Each("not a list", pipeline.New("body")))

	_, err := run(t, p, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "source must be a sequence")
}

func TestEachReportsSubSteps(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.AddNamed("mark", set("m", true))
	p := pipeline.New("each")
	p.AddNamed("loop", pipeline.Each([]any{1, 2}, sub))

	res, err := run(t, p, nil)
	require.NoError(t, err)
	var names []string
	for _, r := range res.Steps {
		names = append(names, r.Step)
	}
	assert.Equal(t, []string{"loop[0]/mark", "loop[1]/mark", "loop"}, names)
}

func TestEachSubPipelineSealedDuringRun(t *testing.T) {
	t.Parallel()
	sub := pipeline.New("body")
	sub.Add(pipeline.Fn("grow", func(_ context.Context, st state.State) (state.State, error) {
		sub.Add(set("late", 1))
		return st, nil
	}))
	p := pipeline.New("each")
	p.Add(pipeline.Each([]any{1, 2}, sub))

	_, err := run(t, p, nil)
	var ne *pipeline.NestedOperationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 1, sub.Len())
}
