// Package file reads and writes local files from a job.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/baton/pkg/adaptor"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Name is the namespace of this adaptor.
const Name = "file"

// Version of the file adaptor.
var Version = semver.MustParse("1.0.0")

// New returns the file adaptor.
func New() *adaptor.Adaptor {
	return &adaptor.Adaptor{
		Name:        Name,
		Version:     Version,
		Description: "read and write local files",
		Funcs: map[string]adaptor.Func{
			"read":  Read,
			"write": Write,
		},
	}
}

// Read stores a file's contents under key: read(key, path[, options]).
// Options: format ("text", "json" or "yaml"; by default from the
// extension) and required (default true; a missing optional file stores
// null).
func Read(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("read", func(_ context.Context, st state.State, a []any) (state.State, error) {
		path, err := adaptor.String(a[1], "path")
		if err != nil {
			return nil, err
		}
		opts, err := adaptor.Options(adaptor.Opt(a, 2), "options")
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !adaptor.Bool(opts["required"], true) {
				st[key] = nil
				return st, nil
			}
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		v, err := decode(raw, format(path, opts["format"]))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		st[key] = v
		return st, nil
	}, args...), nil
}

// Write stores value in a file: write(path, value[, options]). Options:
// format, append (text only) and mode (octal string, default "0644").
// Parent directories are created.
func Write(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	return pipeline.NewOperation("write", func(_ context.Context, st state.State, a []any) (state.State, error) {
		path, err := adaptor.String(a[0], "path")
		if err != nil {
			return nil, err
		}
		opts, err := adaptor.Options(adaptor.Opt(a, 2), "options")
		if err != nil {
			return nil, err
		}
		mode := fs.FileMode(0o644)
		if m, ok := opts["mode"]; ok {
			s, err := adaptor.String(m, "mode")
			if err != nil {
				return nil, err
			}
			parsed, err := strconv.ParseUint(s, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid mode %q: %w", s, err)
			}
			mode = fs.FileMode(parsed)
		}
		raw, err := encode(a[1], format(path, opts["format"]))
		if err != nil {
			return nil, fmt.Errorf("write %q: %w", path, err)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create dirs %q: %w", dir, err)
			}
		}
		if adaptor.Bool(opts["append"], false) {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, mode)
			if err != nil {
				return nil, fmt.Errorf("open %q: %w", path, err)
			}
			_, werr := f.Write(raw)
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				return nil, fmt.Errorf("write %q: %w", path, err)
			}
			return st, nil
		}
		if err := os.WriteFile(path, raw, mode); err != nil {
			return nil, fmt.Errorf("write %q: %w", path, err)
		}
		return st, nil
	}, args...), nil
}

func format(path string, v any) string {
	if s, ok := v.(string); ok && s != "" {
		return strings.ToLower(s)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "text"
	}
}

func decode(raw []byte, format string) (any, error) {
	switch format {
	case "text":
		return string(raw), nil
	case "json":
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return state.Plain(v)
	case "yaml":
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return state.Plain(v)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func encode(v any, format string) ([]byte, error) {
	switch format {
	case "text":
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return []byte(fmt.Sprintf("%v", v)), nil
	case "json":
		p, err := state.Plain(v)
		if err != nil {
			return nil, err
		}
		raw, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(raw, '\n'), nil
	case "yaml":
		p, err := state.Plain(v)
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(p)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
