// Package coroutine models the per-task native stack the guest runtime
// parks on to perform a potentially-blocking system call without
// blocking the host dispatch thread.
//
// The original gives every task a real stack and does a symmetric
// context switch onto it. Go has no user-level stack switching, but the
// same contract — "this call may block; the dispatch loop must not" —
// is exactly what a dedicated goroutine plus a result channel gives you,
// so that's what this package uses.
package coroutine

import "sync/atomic"

// Context stands in for one task's coroutine stack.
type Context struct {
	busy   atomic.Bool
	result chan error
}

// New allocates a coroutine context. Called from the runtime intrinsic
// __vmill_allocate_coroutine.
func New() *Context {
	return &Context{result: make(chan error, 1)}
}

// Go runs fn on a dedicated goroutine standing in for this task's
// coroutine stack. The dispatch loop calling Go never blocks; it should
// mark the owning task Blocked and move on to other runnable tasks,
// later checking Done or calling Wait.
func (c *Context) Go(fn func() error) {
	c.busy.Store(true)
	go func() {
		err := fn()
		c.result <- err
		c.busy.Store(false)
	}()
}

// Busy reports whether a Go call is still in flight.
func (c *Context) Busy() bool { return c.busy.Load() }

// Done returns a channel that's ready to receive once the in-flight Go
// call finishes, for use in a select alongside other task events.
func (c *Context) Done() <-chan error { return c.result }

// Wait blocks until the in-flight Go call finishes and returns its
// error. Only the coroutine's own owner should call this — it is not
// the dispatch loop's job to block here.
func (c *Context) Wait() error { return <-c.result }

// Free releases the coroutine. Called from __vmill_free_coroutine.
// There is no native stack to unmap in this implementation; Free exists
// so the intrinsic boundary has a symmetric counterpart to
// New/AllocateCoroutine, and so future resource tracking (e.g. a stack
// pool) has a place to live.
func (c *Context) Free() {}
