// Package runtimeabi specifies the boundary with the guest runtime:
// system-call shims, the coroutine stack library, and FPU state helpers,
// whose only visible contracts, from this module's point of view, are
// the runtime intrinsics listed below. This module never implements the
// guest OS; it calls through this interface and expects a concrete
// runtime (linked per --os/--arch/--runtime) to satisfy it.
package runtimeabi

import (
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/task"
	"github.com/isabella232/vmill/pkg/vmid"
)

// LiftedFunction is the signature every compiled trace exposes: it
// mutates task-visible state and memory and returns a (possibly new)
// memory handle, per the lifter's Memory*-threading ABI.
type LiftedFunction func(state []byte, pc vmid.PC, mem *memory.AddressSpace) *memory.AddressSpace

// Runtime is the guest runtime's intrinsic surface. An Executor is
// constructed with one Runtime implementation and calls these methods at
// well-defined points in its run loop and at each task's suspension
// points; it never constructs a Task directly.
type Runtime interface {
	// Init/Fini bracket a run: Init brings up emulated OS state, Fini
	// tears it down.
	Init() error
	Fini() error

	// CreateTask allocates a Task for one initial guest thread.
	CreateTask(state []byte, pc vmid.PC, mem *memory.AddressSpace) (*task.Task, error)

	// Resume hands control to the runtime's scheduling loop, which
	// calls back into Dispatch (below) for each runnable task until
	// none remain runnable or blocked.
	Resume(dispatch func(*task.Task) LiftedFunction) error

	// Current returns the task presently executing on the calling
	// goroutine, or nil outside of a Resume callback.
	Current() *task.Task

	// InitialHeapEnd computes the initial top of an allocated heap for
	// t, consulting whatever OS policy the runtime implements.
	InitialHeapEnd(t *task.Task) uint64

	// GetRoundingMode decodes the FPU rounding mode out of a raw
	// register-state blob.
	GetRoundingMode(state []byte) task.RoundingMode

	// Strace records a diagnostic trace line (__vmill_strace).
	Strace(format string, args ...any)

	// Error is __remill_error: the fallback lifted function invoked
	// for PCs the decoder could not successfully decode.
	Error(state []byte, pc vmid.PC, mem *memory.AddressSpace) *memory.AddressSpace
}
