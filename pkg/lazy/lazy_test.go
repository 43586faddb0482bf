package lazy_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

func sample() state.State {
	return state.State{
		"cursor": "2024-04-08",
		"data": map[string]any{
			"items": []any{
				map[string]any{"id": 1, "name": "a"},
				map[string]any{"id": 2, "name": "b"},
			},
		},
	}
}

func resolve(t *testing.T, st state.State, vars map[string]any, v any) any {
	t.Helper()
	s := lazy.Open(st, vars)
	defer s.Close()
	got, err := lazy.Resolve(s, v)
	require.NoError(t, err)
	return got
}

func TestPathResolvesAgainstScopeState(t *testing.T) {
	t.Parallel()
	st := sample()
	assert.Equal(t, "2024-04-08", resolve(t, st, nil, lazy.S.Get("cursor")))
	assert.Equal(t, "b", resolve(t, st, nil, lazy.S.Get("data").Get("items").At(1).Get("name")))
	assert.Equal(t, "b", resolve(t, st, nil, lazy.S.Get("data").Get("items").At(-1).Get("name")))
}

func TestPathMissingYieldsNil(t *testing.T) {
	t.Parallel()
	st := sample()
	assert.Nil(t, resolve(t, st, nil, lazy.S.Get("nope").Get("deeper")))
	assert.Nil(t, resolve(t, st, nil, lazy.S.Get("data").Get("items").At(7)))
}

func TestPathIndexIntoScalarFails(t *testing.T) {
	t.Parallel()
	s := lazy.Open(sample(), nil)
	defer s.Close()
	_, err := lazy.Resolve(s, lazy.S.Get("cursor").Get("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.cursor.x")
}

func TestParsePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src  string
		want string
	}{
		{"$", "$"},
		{"$.a.b[0]", "$.a.b[0]"},
		{"state.a", "$.a"},
		{`$["odd key"].x`, `$["odd key"].x`},
		{"item.name", "item.name"},
		{"index", "index"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			t.Parallel()
			p, err := lazy.ParsePath(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())
		})
	}

	for _, bad := range []string{"a.b", "$.", "$[x", "$[abc]"} {
		_, err := lazy.ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestMustPathPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { lazy.MustPath("nope") })
}

func TestItemAndIndexRoots(t *testing.T) {
	t.Parallel()
	vars := map[string]any{lazy.VarItem: map[string]any{"id": 7}, lazy.VarIndex: 2}
	assert.Equal(t, 7, resolve(t, state.New(), vars, lazy.Item.Get("id")))
	assert.Equal(t, 2, resolve(t, state.New(), vars, lazy.Index))
}

func TestCallbackAndPathAgree(t *testing.T) {
	t.Parallel()
	st := sample()
	path := lazy.MustPath("$.data.items[0].name")
	fn := lazy.Fn(func(s state.State) (any, error) {
		items := s["data"].(map[string]any)["items"].([]any)
		return items[0].(map[string]any)["name"], nil
	})
	assert.Equal(t, resolve(t, st, nil, path), resolve(t, st, nil, fn))
}

func TestCallbackCannotMutateState(t *testing.T) {
	t.Parallel()
	st := sample()
	fn := lazy.Fn(func(s state.State) (any, error) {
		s["cursor"] = "changed"
		return nil, nil
	})
	resolve(t, st, nil, fn)
	assert.Equal(t, "2024-04-08", st["cursor"])
}

func TestCallbackReturningExprIsEvaluationError(t *testing.T) {
	t.Parallel()
	fn := lazy.Fn(func(state.State) (any, error) { return lazy.S.Get("cursor"), nil })
	s := lazy.Open(sample(), nil)
	defer s.Close()
	_, err := lazy.Resolve(s, fn)

	var ee *lazy.EvaluationError
	require.ErrorAs(t, err, &ee)
}

func TestCallbackReturningNestedExprIsEvaluationError(t *testing.T) {
	t.Parallel()
	fn := lazy.Fn(func(state.State) (any, error) {
		return map[string]any{"y": []any{lazy.S.Get("cursor")}}, nil
	})
	s := lazy.Open(sample(), nil)
	defer s.Close()
	_, err := lazy.Resolve(s, fn)

	var ee *lazy.EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "fn(state)", ee.Expr)
}

func TestResolveWalksStateValues(t *testing.T) {
	t.Parallel()
	v := state.State{"y": lazy.S.Get("cursor"), "z": []any{state.State{"w": lazy.S.Get("cursor")}}}
	assert.True(t, lazy.Contains(v))

	got := resolve(t, sample(), nil, v)
	assert.Equal(t, state.State{"y": "2024-04-08", "z": []any{state.State{"w": "2024-04-08"}}}, got)
	assert.False(t, lazy.Contains(got))
}

func TestUnresolvedExprIsNotSerialised(t *testing.T) {
	t.Parallel()
	for _, e := range []lazy.Expr{
		lazy.S.Get("cursor"),
		lazy.Fn(func(state.State) (any, error) { return nil, nil }),
		lazy.Format("%v", lazy.S.Get("cursor")),
	} {
		_, err := json.Marshal(map[string]any{"x": e})
		var ee *lazy.EvaluationError
		assert.ErrorAs(t, err, &ee, e.String())
	}

	_, err := state.Export(state.State{"x": state.State{"y": lazy.S.Get("a")}})
	assert.ErrorContains(t, err, "not resolved")
}

func TestEvaluationOutsideScope(t *testing.T) {
	t.Parallel()
	expr := lazy.S.Get("cursor")

	_, err := expr.Resolve(nil)
	var ee *lazy.EvaluationError
	require.ErrorAs(t, err, &ee)

	s := lazy.Open(sample(), nil)
	s.Close()
	_, err = lazy.Resolve(s, expr)
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "$.cursor", ee.Expr)
}

func TestEscapedExprFailsInsideCallback(t *testing.T) {
	t.Parallel()
	var captured *lazy.Scope
	grab := lazy.Fn(func(state.State) (any, error) { return nil, nil })
	s := lazy.Open(sample(), nil)
	_, err := lazy.Resolve(s, grab)
	require.NoError(t, err)
	captured = s
	s.Close()

	_, err = lazy.S.Get("cursor").Resolve(captured)
	var ee *lazy.EvaluationError
	assert.ErrorAs(t, err, &ee)
}

func TestWritesAreRejected(t *testing.T) {
	t.Parallel()
	var we *lazy.WriteError

	err := lazy.S.Get("cursor").Set("x")
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "$.cursor", we.Expr)

	_, err = lazy.Target(lazy.S.Get("results"))
	require.ErrorAs(t, err, &we)

	key, err := lazy.Target("results")
	require.NoError(t, err)
	assert.Equal(t, "results", key)

	_, err = lazy.Target(3)
	require.Error(t, err)
	assert.False(t, errors.As(err, &we))
}

func TestResolveWalksNestedArguments(t *testing.T) {
	t.Parallel()
	args := []any{
		"literal",
		map[string]any{"since": lazy.S.Get("cursor"), "list": []any{lazy.Index, 1}},
	}
	s := lazy.Open(sample(), map[string]any{lazy.VarIndex: 4})
	defer s.Close()
	got, err := lazy.ResolveAll(s, args)
	require.NoError(t, err)
	assert.Equal(t, []any{
		"literal",
		map[string]any{"since": "2024-04-08", "list": []any{4, 1}},
	}, got)
	assert.True(t, lazy.Contains(args))
	assert.False(t, lazy.Contains(got))
}

func TestQuery(t *testing.T) {
	t.Parallel()
	st := sample()
	assert.Equal(t, "2024-04-08", resolve(t, st, nil, lazy.MustQuery(".cursor")))
	assert.Equal(t, []any{1, 2}, resolve(t, st, nil, lazy.MustQuery(".data.items[].id")))
	assert.Nil(t, resolve(t, st, nil, lazy.MustQuery("empty")))

	vars := map[string]any{lazy.VarItem: map[string]any{"id": 2}, lazy.VarIndex: 1}
	assert.Equal(t, "b", resolve(t, st, vars, lazy.MustQuery(".data.items[$index].name")))
	assert.Equal(t, 3, resolve(t, st, vars, lazy.MustQuery("$item.id + 1")))
}

func TestQueryErrors(t *testing.T) {
	t.Parallel()
	_, err := lazy.Query(".[")
	require.Error(t, err)

	s := lazy.Open(sample(), nil)
	defer s.Close()
	_, err = lazy.Resolve(s, lazy.MustQuery(`error("boom")`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestFormat(t *testing.T) {
	t.Parallel()
	got := resolve(t, sample(), nil, lazy.Format("since=%v", lazy.S.Get("cursor")))
	assert.Equal(t, "since=2024-04-08", got)
}
