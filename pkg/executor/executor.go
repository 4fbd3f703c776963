// Package executor drives task execution: for each runnable task it
// resolves the lifted function to run at the task's current (PC,
// CodeVersion), decoding and lifting on a miss, then hands control back
// to the guest runtime. It owns the live dispatch table, the lifter
// pool, and the persisted trace index; it never constructs guest OS
// state itself — that is the Runtime's job.
package executor

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/isabella232/vmill/internal/runtimeabi"
	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/codecache"
	"github.com/isabella232/vmill/pkg/decoder"
	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/livetrace"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/task"
	"github.com/isabella232/vmill/pkg/vmid"
)

// InitialTaskInfo describes a task the executor should spin up once
// Run's runtime is initialized.
type InitialTaskInfo struct {
	State  []byte
	PC     vmid.PC
	Memory *memory.AddressSpace
}

// Executor manages the code cache, lifter pool, and live dispatch table
// for one program run.
type Executor struct {
	Arch    *arch.Arch
	Runtime runtimeabi.Runtime

	lifters *lifter.Pool
	live    *livetrace.Table
	index   *codecache.Index

	initialTasks []InitialTaskInfo

	// VersioningEnabled controls whether ComputeCodeVersion actually
	// hashes range contents (true) or returns the zero version (false,
	// useful for workloads that never self-modify and don't want the
	// hashing cost on every miss).
	VersioningEnabled bool
}

// New constructs an executor. index may be nil, in which case trace
// identities are never persisted across runs.
func New(a *arch.Arch, rt runtimeabi.Runtime, l lifter.Lifter, lifterWorkers, liveTableCapacity int, index *codecache.Index) *Executor {
	return &Executor{
		Arch:              a,
		Runtime:           rt,
		lifters:           lifter.NewPool(l, lifterWorkers),
		live:              livetrace.New(liveTableCapacity),
		index:             index,
		VersioningEnabled: true,
	}
}

// AddInitialTask registers a task to be created once Run's runtime is up.
func (e *Executor) AddInitialTask(state []byte, pc vmid.PC, mem *memory.AddressSpace) {
	e.initialTasks = append(e.initialTasks, InitialTaskInfo{State: state, PC: pc, Memory: mem})
}

// Run brings up the runtime, creates every registered initial task, and
// hands control to the runtime's scheduling loop until no task remains
// runnable or blocked.
func (e *Executor) Run() error {
	if err := e.Runtime.Init(); err != nil {
		return errors.Wrap(err, "runtime init")
	}
	defer func() {
		if err := e.Runtime.Fini(); err != nil {
			log.WithError(err).Error("vmill/executor: runtime fini failed")
		}
	}()

	var g errgroup.Group
	var mu sync.Mutex
	for _, info := range e.initialTasks {
		info := info
		g.Go(func() error {
			t, err := e.Runtime.CreateTask(info.State, info.PC, info.Memory)
			if err != nil {
				return errors.Wrapf(err, "create task at %s", info.PC)
			}
			mu.Lock()
			log.WithField("pc", info.PC.String()).Info("vmill/executor: created task")
			mu.Unlock()
			_ = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return e.Runtime.Resume(e.dispatch)
}

// dispatch is the callback the runtime invokes once per runnable task:
// resolve and return the host function the runtime should call next.
func (e *Executor) dispatch(t *task.Task) runtimeabi.LiftedFunction {
	fn, err := e.FindLiftedFunctionForTask(t)
	if err != nil {
		log.WithError(err).WithField("pc", t.PC.String()).
			Warn("vmill/executor: falling back to error intrinsic")
		return e.Runtime.Error
	}
	return fn
}

// FindLiftedFunctionForTask resolves the function to run at t's current
// PC and address-space code version, decoding and lifting a fresh batch
// of traces on a miss.
func (e *Executor) FindLiftedFunctionForTask(t *task.Task) (runtimeabi.LiftedFunction, error) {
	version := t.Memory.ComputeCodeVersion(t.PC, e.VersioningEnabled)
	liveId := vmid.LiveTraceId{PC: t.PC, Version: version}

	if fn, ok := e.live.Lookup(liveId); ok {
		return fn, nil
	}

	traces, err := e.decodeTracesFromTask(t)
	if err != nil {
		return nil, errors.Wrap(err, "decode traces")
	}
	if len(traces) == 0 {
		return nil, errors.Errorf("no traces decoded at %s", t.PC)
	}

	mod, err := e.lift(traces)
	if err != nil {
		return nil, errors.Wrap(err, "lift traces")
	}

	var entryFn runtimeabi.LiftedFunction
	for _, tr := range traces {
		fn, ok := mod.Functions[tr.EntryPC]
		if !ok {
			continue
		}
		id := vmid.LiveTraceId{PC: tr.EntryPC, Version: tr.CodeVersion}
		e.live.Install(id, fn)
		if e.index != nil {
			if err := e.index.Record(tr.Id, id); err != nil {
				log.WithError(err).Warn("vmill/executor: failed to persist trace index entry")
			}
		}
		if tr.EntryPC == t.PC {
			entryFn = fn
		}
	}
	if entryFn == nil {
		return nil, errors.Errorf("lifter produced no function for entry %s", t.PC)
	}
	return entryFn, nil
}

// decodeTracesFromTask runs the recursive trace decoder starting at the
// task's current PC against its address space.
func (e *Executor) decodeTracesFromTask(t *task.Task) ([]decoder.Trace, error) {
	traces := decoder.DecodeTraces(e.Arch, t.Memory, t.PC, e.VersioningEnabled)
	if len(traces) == 0 {
		return nil, errors.New("decoder produced no traces")
	}
	return traces, nil
}

func (e *Executor) lift(traces []decoder.Trace) (*lifter.Module, error) {
	result := <-e.lifters.Submit(context.Background(), traces)
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Module, nil
}

// Forget evicts every live trace at pc from the dispatch table. Callers
// invoke this after an address space reports self-modifying code, since
// a write to executable memory invalidates the code version for every
// trace head, not just the one being dispatched.
func (e *Executor) Forget(pc vmid.PC) {
	e.live.Forget(pc)
}
