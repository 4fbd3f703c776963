// Package lifter specifies and drives the external lifter library: the
// collaborator that turns a batch of decoded traces into a module of
// host functions. This package owns only the interface and the bounded
// worker pool the executor uses to invoke it off the dispatch thread.
package lifter

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/isabella232/vmill/internal/runtimeabi"
	"github.com/isabella232/vmill/pkg/decoder"
	"github.com/isabella232/vmill/pkg/vmid"
)

// Module is a batch of compiled host functions produced from one
// DecodeTracesFromTask call, keyed by trace entry PC.
type Module struct {
	Functions map[vmid.PC]runtimeabi.LiftedFunction
}

// Lifter is the external collaborator that lifts and compiles decoded
// traces. A real implementation hands the traces to a compiler backend
// (e.g. an LLVM-based one, as in the original) and returns callable host
// functions; ReferenceLifter in this package (built only with the
// unicorn tag) is a small Unicorn-backed stand-in, not a production
// backend.
type Lifter interface {
	Lift(ctx context.Context, traces []decoder.Trace) (*Module, error)
}

// Pool runs Lift calls across a bounded set of goroutines, so that
// lifting and compilation never happen on the dispatch thread. It uses
// golang.org/x/sync/semaphore the way a worker pool built from the
// standard library primitives normally would: acquire before starting
// work, release when done.
type Pool struct {
	lifter Lifter
	sem    *semaphore.Weighted
}

// NewPool builds a pool that runs at most `workers` Lift calls
// concurrently.
func NewPool(l Lifter, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{lifter: l, sem: semaphore.NewWeighted(int64(workers))}
}

// Result is delivered on the channel Submit returns.
type Result struct {
	Module *Module
	Err    error
}

// Submit lifts traces on a pooled goroutine and returns a channel that
// receives exactly one Result. The caller (the executor) is expected to
// suspend the requesting task and resume it when a value arrives.
func (p *Pool) Submit(ctx context.Context, traces []decoder.Trace) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			out <- Result{Err: errors.Wrap(err, "lifter pool: acquire")}
			return
		}
		defer p.sem.Release(1)

		mod, err := p.lifter.Lift(ctx, traces)
		out <- Result{Module: mod, Err: err}
	}()
	return out
}
