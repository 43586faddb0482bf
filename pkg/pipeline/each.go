package pipeline

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

type eachSpec struct {
	sub     *Pipeline
	isolate bool
}

// EachOption configures Each.
type EachOption func(*eachSpec)

// Isolate starts every iteration from a copy of the State each was
// entered with. The resulting State is the entry State with data set to
// the list of every iteration's final data.
func Isolate() EachOption {
	return func(s *eachSpec) { s.isolate = true }
}

// Each runs sub once per element of the sequence source resolves to,
// in order. source may be a slice, a lazy expression or a callback.
// Inside sub the current element and its position are the item and
// index scope variables. By default one State is threaded through every
// iteration.
func Each(source any, sub *Pipeline, opts ...EachOption) *Operation {
	spec := &eachSpec{sub: sub}
	for _, opt := range opts {
		opt(spec)
	}
	if sub == nil {
		spec.sub = New("each")
	}
	return &Operation{Name: "each", Args: []any{source}, each: spec}
}

func (r *runner) each(ctx context.Context, op *Operation, name string, st state.State, args []any, vars map[string]any) (state.State, error) {
	items, err := sequence(args[0])
	if err != nil {
		return nil, fmt.Errorf("each: %w", err)
	}
	spec := op.each
	log := zerolog.Ctx(ctx)
	log.Debug().Str("step", name).Int("items", len(items)).Bool("isolate", spec.isolate).Msg("each started")

	entry := st
	var collected []any
	if spec.isolate {
		collected = make([]any, 0, len(items))
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("each cancelled at item %d: %w", i, err)
		}
		iv := make(map[string]any, len(vars)+2)
		for k, v := range vars {
			iv[k] = v
		}
		iv[lazy.VarItem] = item
		iv[lazy.VarIndex] = i
		prefix := fmt.Sprintf("%s[%d]", name, i)

		if spec.isolate {
			out, err := r.steps(ctx, spec.sub, entry.Clone(), iv, 0, prefix)
			if err != nil {
				return nil, err
			}
			collected = append(collected, out[state.KeyData])
			continue
		}

		out, err := r.steps(ctx, spec.sub, st, iv, 0, prefix)
		if err != nil {
			return nil, err
		}
		st = out
	}

	if spec.isolate {
		entry[state.KeyData] = collected
		return entry, nil
	}
	return st, nil
}

// sequence turns a resolved source into items. nil is an empty sequence.
func sequence(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("source must be a sequence, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
