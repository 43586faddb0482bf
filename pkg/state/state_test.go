package state_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := state.State{
		"data":  map[string]any{"items": []any{1, 2}},
		"count": 1,
	}
	cp := orig.Clone()
	cp["count"] = 2
	cp["data"].(map[string]any)["items"].([]any)[0] = 99

	assert.Equal(t, 1, orig["count"])
	assert.Equal(t, 1, orig["data"].(map[string]any)["items"].([]any)[0])
}

func TestCloneNil(t *testing.T) {
	t.Parallel()
	var s state.State
	assert.Nil(t, s.Clone())
}

func TestCoerce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		ok   bool
	}{
		{"state", state.State{"a": 1}, true},
		{"map", map[string]any{"a": 1}, true},
		{"nil", nil, false},
		{"nil map", map[string]any(nil), false},
		{"string", "x", false},
		{"slice", []any{1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, ok := state.Coerce(tt.in)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestPlainKeepsIntegers(t *testing.T) {
	t.Parallel()
	type point struct {
		X int     `json:"x"`
		Y float64 `json:"y"`
	}
	got, err := state.Plain(map[string]any{
		"n":     int64(3),
		"point": point{X: 1, Y: 2.5},
		"tags":  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     3,
		"point": map[string]any{"x": 1, "y": 2.5},
		"tags":  []any{"a", "b"},
	}, got)
}

func TestPlainRejectsFunctions(t *testing.T) {
	t.Parallel()
	_, err := state.Plain(map[string]any{"fn": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fn")
}

func TestExportRedactsConfigurationAndFunctions(t *testing.T) {
	t.Parallel()
	st := state.State{
		"configuration": map[string]any{"password": "secret"},
		"data":          []any{1, func() {}},
		"hook":          func() {},
		"nested":        map[string]any{"fn": func() {}, "keep": true},
	}
	got, err := state.Export(st)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"data":   []any{1},
		"nested": map[string]any{"keep": true},
	}, got)
}

func TestExportCustomKeys(t *testing.T) {
	t.Parallel()
	got, err := state.Export(state.State{"token": "x", "configuration": 1}, "token")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"configuration": 1}, got)
}

func TestDecodeJSONAndYAML(t *testing.T) {
	t.Parallel()
	js, err := state.Decode(strings.NewReader(`{"a": 1, "b": [1.5, "x"]}`), state.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, state.State{"a": 1, "b": []any{1.5, "x"}}, js)

	ym, err := state.Decode(strings.NewReader("a: 1\nb:\n  - 1.5\n  - x\n"), state.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, js, ym)
}

func TestDecodeEmptyAndNonMapping(t *testing.T) {
	t.Parallel()
	st, err := state.Decode(strings.NewReader("  "), state.FormatJSON)
	require.NoError(t, err)
	assert.Empty(t, st)

	_, err = state.Decode(strings.NewReader(`[1,2]`), state.FormatJSON)
	require.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, state.FormatYAML, state.FormatFromPath("x.yml"))
	assert.Equal(t, state.FormatYAML, state.FormatFromPath("x.YAML"))
	assert.Equal(t, state.FormatJSON, state.FormatFromPath("x.json"))
	assert.Equal(t, state.FormatJSON, state.FormatFromPath("x"))
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cp.json")
	cp := &state.Checkpoint{
		RunID:    "run-1",
		Job:      "sync",
		NextStep: 2,
		LastStep: "fetch",
		State:    state.State{"cursor": "2024-04-08", "n": 3},
	}
	require.NoError(t, cp.Save(path))

	got, err := state.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestLoadCheckpointMissing(t *testing.T) {
	t.Parallel()
	_, err := state.LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
