package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/isabella232/vmill/internal/runtimeabi"
	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/decoder"
	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/task"
	"github.com/isabella232/vmill/pkg/vmid"
)

// fakeRuntime is a minimal runtimeabi.Runtime double: Resume immediately
// dispatches every task it was told about via CreateTask, once each, then
// returns. CreateTask may be called concurrently by Run's task-creation
// group, so access to created is guarded by mu.
type fakeRuntime struct {
	mu      sync.Mutex
	created []*task.Task
}

func (f *fakeRuntime) Init() error { return nil }
func (f *fakeRuntime) Fini() error { return nil }

func (f *fakeRuntime) CreateTask(state []byte, pc vmid.PC, mem *memory.AddressSpace) (*task.Task, error) {
	tk := task.New(state, pc, mem)
	f.mu.Lock()
	f.created = append(f.created, tk)
	f.mu.Unlock()
	return tk, nil
}

func (f *fakeRuntime) Resume(dispatch func(*task.Task) runtimeabi.LiftedFunction) error {
	for _, tk := range f.created {
		fn := dispatch(tk)
		if fn == nil {
			continue
		}
		fn(tk.State, tk.PC, tk.Memory)
	}
	return nil
}

func (f *fakeRuntime) Current() *task.Task { return nil }
func (f *fakeRuntime) InitialHeapEnd(t *task.Task) uint64 { return 0 }
func (f *fakeRuntime) GetRoundingMode(state []byte) task.RoundingMode { return task.RoundNearestEven }
func (f *fakeRuntime) Strace(format string, args ...any) {}

func (f *fakeRuntime) Error(state []byte, pc vmid.PC, mem *memory.AddressSpace) *memory.AddressSpace {
	return mem
}

// fakeLifter turns every trace into a no-op function so the executor's
// dispatch path can be exercised without a real compiler backend.
type fakeLifter struct {
	lifted int
}

func (f *fakeLifter) Lift(ctx context.Context, traces []decoder.Trace) (*lifter.Module, error) {
	f.lifted++
	fns := make(map[vmid.PC]runtimeabi.LiftedFunction, len(traces))
	for _, tr := range traces {
		fns[tr.EntryPC] = func(state []byte, pc vmid.PC, mem *memory.AddressSpace) *memory.AddressSpace {
			return mem
		}
	}
	return &lifter.Module{Functions: fns}, nil
}

func newExecSpace(t *testing.T) (*arch.Arch, *memory.AddressSpace) {
	t.Helper()
	a := &arch.Arch{
		AddressSize:        64,
		MaxInstructionSize: 4,
		Decoder: decoderFunc(func(pc vmid.PC, bytes []byte) (arch.Instruction, bool) {
			return arch.Instruction{PC: pc, Category: arch.CategoryFunctionReturn}, true
		}),
	}
	space := memory.NewAddressSpace(a)
	space.AddMap(0x1000, 0x1000, "", 0)
	space.SetPermissions(0x1000, 0x1000, true, true, true)
	return a, space
}

type decoderFunc func(pc vmid.PC, bytes []byte) (arch.Instruction, bool)

func (f decoderFunc) DecodeInstruction(pc vmid.PC, bytes []byte) (arch.Instruction, bool) {
	return f(pc, bytes)
}

func TestFindLiftedFunctionForTaskDecodesAndLiftsOnMiss(t *testing.T) {
	a, space := newExecSpace(t)
	fl := &fakeLifter{}
	exec := New(a, &fakeRuntime{}, fl, 2, 16, nil)

	tk := task.New(nil, 0x1000, space)
	fn, err := exec.FindLiftedFunctionForTask(tk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn == nil {
		t.Fatal("expected a non-nil lifted function")
	}
	if fl.lifted != 1 {
		t.Errorf("expected exactly one Lift call on a cache miss, got %d", fl.lifted)
	}
}

func TestFindLiftedFunctionForTaskHitsLiveTable(t *testing.T) {
	a, space := newExecSpace(t)
	fl := &fakeLifter{}
	exec := New(a, &fakeRuntime{}, fl, 2, 16, nil)

	tk := task.New(nil, 0x1000, space)
	if _, err := exec.FindLiftedFunctionForTask(tk); err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	if _, err := exec.FindLiftedFunctionForTask(tk); err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if fl.lifted != 1 {
		t.Errorf("second lookup should hit the live table, not re-lift; Lift called %d times", fl.lifted)
	}
}

func TestRunCreatesInitialTasksAndDispatches(t *testing.T) {
	a, space := newExecSpace(t)
	fl := &fakeLifter{}
	rt := &fakeRuntime{}
	exec := New(a, rt, fl, 2, 16, nil)

	exec.AddInitialTask(nil, 0x1000, space)
	if err := exec.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rt.created) != 1 {
		t.Errorf("expected exactly one task to be created, got %d", len(rt.created))
	}
}

func TestForgetEvictsLiveTable(t *testing.T) {
	a, space := newExecSpace(t)
	fl := &fakeLifter{}
	exec := New(a, &fakeRuntime{}, fl, 2, 16, nil)

	tk := task.New(nil, 0x1000, space)
	exec.FindLiftedFunctionForTask(tk)
	exec.Forget(0x1000)

	if _, err := exec.FindLiftedFunctionForTask(tk); err != nil {
		t.Fatalf("unexpected error after Forget: %v", err)
	}
	if fl.lifted != 2 {
		t.Errorf("Forget should force a re-lift on the next lookup, Lift called %d times, want 2", fl.lifted)
	}
}
