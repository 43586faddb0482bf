// Package common provides the State manipulation adaptor every job can
// use without declaring it.
package common

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/baton/pkg/adaptor"
	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Name is the namespace of this adaptor.
const Name = "common"

// Version of the common adaptor.
var Version = semver.MustParse("1.0.0")

// New returns the common adaptor.
func New() *adaptor.Adaptor {
	return &adaptor.Adaptor{
		Name:        Name,
		Version:     Version,
		Description: "read and write State",
		Funcs: map[string]adaptor.Func{
			"set":     Set,
			"unset":   Unset,
			"merge":   Merge,
			"append":  Append,
			"data":    Data,
			"log":     Log,
			"assert":  Assert,
			"fail":    Fail,
			"sleep":   Sleep,
			"env":     Env,
			"split":   Split,
			"regex":   Regex,
			"extract": Extract,
			"cursor":  Cursor,
		},
	}
}

// Set stores value under key: set(key, value).
func Set(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 2); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("set", func(_ context.Context, st state.State, a []any) (state.State, error) {
		st[key] = a[1]
		return st, nil
	}, args...), nil
}

// Unset removes keys: unset(key, ...).
func Unset(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, -1); err != nil {
		return nil, err
	}
	keys := make([]string, len(args))
	for i := range args {
		k, err := adaptor.Key(args, i)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return pipeline.NewOperation("unset", func(_ context.Context, st state.State, _ []any) (state.State, error) {
		for _, k := range keys {
			delete(st, k)
		}
		return st, nil
	}, args...), nil
}

// Merge copies an object's keys into the State, or into the object stored
// under key: merge(value) or merge(key, value).
func Merge(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, 2); err != nil {
		return nil, err
	}
	key := ""
	if len(args) == 2 {
		k, err := adaptor.Key(args, 0)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return pipeline.NewOperation("merge", func(_ context.Context, st state.State, a []any) (state.State, error) {
		src, err := adaptor.Options(a[len(a)-1], "merge value")
		if err != nil {
			return nil, err
		}
		if key == "" {
			maps.Copy(st, src)
			return st, nil
		}
		dst, err := adaptor.Options(st[key], fmt.Sprintf("%q", key))
		if err != nil {
			return nil, err
		}
		dst = maps.Clone(dst)
		maps.Copy(dst, src)
		st[key] = dst
		return st, nil
	}, args...), nil
}

// Append adds values to the list under key, creating it if absent:
// append(key, value, ...).
func Append(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, -1); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("append", func(_ context.Context, st state.State, a []any) (state.State, error) {
		var list []any
		switch cur := st[key].(type) {
		case nil:
		case []any:
			list = cur
		default:
			return nil, fmt.Errorf("%q is not a list, got %T", key, cur)
		}
		st[key] = append(list, a[1:]...)
		return st, nil
	}, args...), nil
}

// Data replaces the data key: data(value).
func Data(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, 1); err != nil {
		return nil, err
	}
	return pipeline.NewOperation("data", func(_ context.Context, st state.State, a []any) (state.State, error) {
		st[state.KeyData] = a[0]
		return st, nil
	}, args...), nil
}

// Log writes its arguments to the run logger and leaves State unchanged.
func Log(args ...any) (*pipeline.Operation, error) {
	return pipeline.NewOperation("log", func(ctx context.Context, st state.State, a []any) (state.State, error) {
		parts := make([]string, len(a))
		for i, v := range a {
			if s, ok := v.(string); ok {
				parts[i] = s
				continue
			}
			parts[i] = fmt.Sprintf("%v", v)
		}
		zerolog.Ctx(ctx).Info().Str("source", "job").Msg(strings.Join(parts, " "))
		return st, nil
	}, args...), nil
}

// Assert fails unless cond is truthy: assert(cond[, message]).
func Assert(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, 2); err != nil {
		return nil, err
	}
	return pipeline.NewOperation("assert", func(_ context.Context, st state.State, a []any) (state.State, error) {
		if truthy(a[0]) {
			return st, nil
		}
		msg := "assertion failed"
		if m := adaptor.Opt(a, 1); m != nil {
			msg = fmt.Sprintf("assertion failed: %v", m)
		}
		return nil, errors.New(msg)
	}, args...), nil
}

// Fail always fails with message: fail(message).
func Fail(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, 1); err != nil {
		return nil, err
	}
	return pipeline.NewOperation("fail", func(_ context.Context, _ state.State, a []any) (state.State, error) {
		return nil, fmt.Errorf("%v", a[0])
	}, args...), nil
}

// Sleep pauses for a duration: sleep("1s") or sleep(milliseconds).
func Sleep(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, 1); err != nil {
		return nil, err
	}
	return pipeline.NewOperation("sleep", func(ctx context.Context, st state.State, a []any) (state.State, error) {
		d, err := adaptor.Duration(a[0], "duration")
		if err != nil {
			return nil, err
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sleep cancelled: %w", ctx.Err())
		case <-timer.C:
			return st, nil
		}
	}, args...), nil
}

// Env stores an environment variable under key: env(key, name[, default]).
// A variable that is unset with no default is an error.
func Env(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("env", func(_ context.Context, st state.State, a []any) (state.State, error) {
		name, err := adaptor.String(a[1], "variable name")
		if err != nil {
			return nil, err
		}
		if v, ok := os.LookupEnv(name); ok {
			st[key] = v
			return st, nil
		}
		if len(a) < 3 {
			return nil, fmt.Errorf("required environment variable %q is not set", name)
		}
		st[key] = a[2]
		return st, nil
	}, args...), nil
}

// Split stores the parts of input under key: split(key, input[, sep]).
// The separator defaults to a newline.
func Split(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("split", func(_ context.Context, st state.State, a []any) (state.State, error) {
		input, err := adaptor.String(a[1], "input")
		if err != nil {
			return nil, err
		}
		sep := "\n"
		if v := adaptor.Opt(a, 2); v != nil {
			if sep, err = adaptor.String(v, "separator"); err != nil {
				return nil, err
			}
		}
		parts := strings.Split(input, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		st[key] = out
		return st, nil
	}, args...), nil
}

// Regex stores a capture group of the first match under key, or null when
// nothing matches: regex(key, pattern, input[, group]).
func Regex(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 3, 4); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	// A literal pattern is compiled once, while the job is parsed.
	var static *regexp.Regexp
	if p, ok := args[1].(string); ok {
		if static, err = regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
	}
	return pipeline.NewOperation("regex", func(_ context.Context, st state.State, a []any) (state.State, error) {
		re := static
		if re == nil {
			p, err := adaptor.String(a[1], "pattern")
			if err != nil {
				return nil, err
			}
			if re, err = regexp.Compile(p); err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
		}
		input, err := adaptor.String(a[2], "input")
		if err != nil {
			return nil, err
		}
		group := 0
		if v := adaptor.Opt(a, 3); v != nil {
			if group, err = adaptor.Int(v, "group"); err != nil {
				return nil, err
			}
		}
		m := re.FindStringSubmatch(input)
		if m == nil {
			st[key] = nil
			return st, nil
		}
		if group < 0 || group >= len(m) {
			return nil, fmt.Errorf("group %d out of range (pattern has %d groups)", group, len(m)-1)
		}
		st[key] = m[group]
		return st, nil
	}, args...), nil
}

// Extract runs a jq query and stores the result under key:
// extract(key, query[, input]). Without input the query runs over the
// whole State.
func Extract(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	src, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("query must be a literal string")
	}
	code, err := lazy.CompileQuery(src)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("extract", func(ctx context.Context, st state.State, a []any) (state.State, error) {
		var input any = st
		if len(a) > 2 {
			input = a[2]
		}
		v, err := lazy.RunQuery(ctx, code, input, nil, nil)
		if err != nil {
			return nil, err
		}
		st[key] = v
		return st, nil
	}, args...), nil
}

// Cursor sets the State cursor: cursor(value[, {key = "...", default = ...}]).
func Cursor(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 1, 2); err != nil {
		return nil, err
	}
	var opts []pipeline.CursorOption
	if len(args) == 2 {
		m, ok := args[1].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cursor options must be an object literal")
		}
		if k, present := m["key"]; present {
			key, err := lazy.Target(k)
			if err != nil {
				return nil, fmt.Errorf("cursor key: %w", err)
			}
			opts = append(opts, pipeline.CursorKey(key))
		}
		if def, present := m["default"]; present {
			opts = append(opts, pipeline.CursorDefault(def))
		}
	}
	return pipeline.Cursor(args[0], opts...), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
