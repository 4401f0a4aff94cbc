// Package groutine starts named goroutines. Names show up as pprof
// labels, which makes the per-device supervisor and bridge workers easy
// to tell apart in goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go starts a goroutine with a name and a parent context.
//
//	groutine.Go(ctx, "supervise-AA:BB:CC:DD:EE:FF", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, fn)
}
