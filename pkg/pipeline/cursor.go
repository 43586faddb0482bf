package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Cursor keywords resolved through the engine clock.
const (
	CursorNow   = "now"
	CursorToday = "today"
	CursorStart = "start"
)

type cursorConfig struct {
	key string
	def any
}

// CursorOption configures Cursor.
type CursorOption func(*cursorConfig)

// CursorKey stores the cursor under key instead of "cursor".
func CursorKey(key string) CursorOption {
	return func(c *cursorConfig) { c.key = key }
}

// CursorDefault is used when the value resolves to nil. It may itself be a
// lazy expression.
func CursorDefault(v any) CursorOption {
	return func(c *cursorConfig) { c.def = v }
}

// Cursor sets the cursor field to the resolved value, which may be a
// literal, a lazy expression or a State-reading callback. The keywords
// "now", "today" and "start" become RFC 3339 timestamps. A nil value
// with no default leaves the State unchanged.
func Cursor(value any, opts ...CursorOption) *Operation {
	cfg := cursorConfig{key: state.KeyCursor}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewOperation("cursor", func(ctx context.Context, st state.State, args []any) (state.State, error) {
		v := args[0]
		if v == nil {
			v = args[1]
		}
		if v == nil {
			return st, nil
		}
		v = cursorKeyword(ctx, v)
		st[cfg.key] = v
		zerolog.Ctx(ctx).Info().Str("key", cfg.key).Interface("cursor", v).Msg("setting cursor")
		return st, nil
	}, value, cfg.def)
}

// CursorValue reads the cursor, from key when given.
func CursorValue(st state.State, key ...string) any {
	k := state.KeyCursor
	if len(key) > 0 && key[0] != "" {
		k = key[0]
	}
	return st[k]
}

func cursorKeyword(ctx context.Context, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case CursorNow:
		return Now(ctx).UTC().Format(time.RFC3339)
	case CursorToday:
		now := Now(ctx).UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	case CursorStart:
		started := Started(ctx)
		if started.IsZero() {
			started = Now(ctx)
		}
		return started.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
