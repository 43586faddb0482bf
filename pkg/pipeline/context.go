package pipeline

import (
	"context"
	"time"
)

type runKey struct{}

type runInfo struct {
	id      string
	started time.Time
	clock   func() time.Time
}

func withRun(ctx context.Context, info runInfo) context.Context {
	return context.WithValue(ctx, runKey{}, info)
}

func runFrom(ctx context.Context) (runInfo, bool) {
	info, ok := ctx.Value(runKey{}).(runInfo)
	return info, ok
}

// RunID returns the ID of the run executing ctx, or "".
func RunID(ctx context.Context) string {
	info, _ := runFrom(ctx)
	return info.id
}

// Now reads the engine clock, falling back to time.Now outside a run.
func Now(ctx context.Context) time.Time {
	if info, ok := runFrom(ctx); ok && info.clock != nil {
		return info.clock()
	}
	return time.Now()
}

// Started returns the time the current run began, or the zero time
// outside a run.
func Started(ctx context.Context) time.Time {
	info, _ := runFrom(ctx)
	return info.started
}
