// Package task implements the per-task state the executor dispatches:
// register state, program counter, address-space handle, status, and
// coroutine context.
package task

import (
	"sync"

	"github.com/isabella232/vmill/pkg/coroutine"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/vmid"
)

// Status is a task's scheduling state.
type Status int

const (
	StatusRunnable Status = iota
	StatusBlocked
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusBlocked:
		return "blocked"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// RoundingMode mirrors the FPU rounding modes the guest runtime reads
// via __vmill_get_rounding_mode.
type RoundingMode uint8

const (
	RoundNearestEven RoundingMode = iota
	RoundTowardZero
	RoundTowardPositive
	RoundTowardNegative
)

// Task owns everything one cooperative guest thread needs between
// dispatches.
type Task struct {
	mu sync.Mutex

	// State is the architecture-specific register blob produced by
	// snapshot deserialization or runtime fork; its layout is owned by
	// the external lifter library, not this package.
	State []byte

	PC     vmid.PC
	Memory *memory.AddressSpace

	status Status

	Coroutine *coroutine.Context

	Rounding RoundingMode

	// ProgramBreak is the task's current program-break pointer (distinct
	// from AddressSpace.InitialProgramBreak, which is fixed at snapshot
	// load time: ProgramBreak moves as the guest calls brk/sbrk).
	ProgramBreak uint64
}

// New constructs a runnable task.
func New(state []byte, pc vmid.PC, mem *memory.AddressSpace) *Task {
	return &Task{
		State:        state,
		PC:           pc,
		Memory:       mem,
		status:       StatusRunnable,
		Coroutine:    coroutine.New(),
		ProgramBreak: mem.InitialProgramBreak(),
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Exit transitions the task to exited and releases its coroutine.
func (t *Task) Exit() {
	t.mu.Lock()
	t.status = StatusExited
	coro := t.Coroutine
	t.mu.Unlock()
	if coro != nil {
		coro.Free()
	}
}
