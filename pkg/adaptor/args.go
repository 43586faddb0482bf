package adaptor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
)

// Arity checks the number of call arguments. hi < 0 means unbounded.
func Arity(args []any, lo, hi int) error {
	switch {
	case len(args) < lo:
		return fmt.Errorf("expected at least %d arguments, got %d", lo, len(args))
	case hi >= 0 && len(args) > hi:
		return fmt.Errorf("expected at most %d arguments, got %d", hi, len(args))
	}
	return nil
}

// Key validates a write target at build time. A lazy expression in
// this position is a *lazy.WriteError.
func Key(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("argument %d: missing key", i)
	}
	k, err := lazy.Target(args[i])
	if err != nil {
		return "", fmt.Errorf("argument %d: %w", i, err)
	}
	return k, nil
}

// Opt returns args[i], or nil when the call has fewer arguments.
func Opt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// String converts a resolved argument to a string. Numbers and booleans
// are formatted; anything else is an error.
func String(v any, what string) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", fmt.Errorf("%s must not be null", what)
	default:
		return "", fmt.Errorf("%s must be a string, got %T", what, v)
	}
}

// Int converts a resolved argument to an int.
func Int(v any, what string) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", what, t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", what, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", what, v)
	}
}

// Bool reports whether v is set and true. Strings "true" and "false" are
// accepted.
func Bool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// Duration accepts Go duration strings ("1s", "250ms") or a number of
// milliseconds.
func Duration(v any, what string) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", what, err)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("%s must be a duration, got %T", what, v)
	}
}

// Options converts a resolved options argument. nil is an empty map.
func Options(v any, what string) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	default:
		return nil, fmt.Errorf("%s must be an object, got %T", what, v)
	}
}
