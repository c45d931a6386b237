package entity

import (
	"context"

	"golang.org/x/net/trace"
)

// addTrace writes a lazily-formatted trace line to the trace.Trace bound to
// ctx, if any. It's a no-op otherwise: narrates state-machine transitions
// without paying formatting cost when nobody's watching.
func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
