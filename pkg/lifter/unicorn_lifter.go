//go:build unicorn

package lifter

import (
	"context"

	"github.com/apex/log"
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/isabella232/vmill/internal/runtimeabi"
	"github.com/isabella232/vmill/pkg/decoder"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/vmid"
)

// ReferenceLifter is a small, non-production Lift implementation backed
// by the Unicorn CPU emulator. Rather than compiling IR to native host
// code the way a real lifter backend (e.g. an LLVM-based one) would, the
// function it builds for a trace runs only the instruction at the
// trace's entry PC on a scratch Unicorn context with one 64KiB window
// mapped, and copies the task's raw state blob into scratch memory
// before the run and back out after it; no registers are loaded from
// the blob. It is gated behind the "unicorn" build tag because it
// requires the native libunicorn shared library to be present.
type ReferenceLifter struct {
	UnicornArch int // uc.ARCH_X86 or uc.ARCH_ARM64
	UnicornMode int // uc.MODE_64, uc.MODE_32, uc.MODE_ARM
}

const scratchWindow = 0x10000 // one 64KiB scratch window per call

func (l *ReferenceLifter) Lift(ctx context.Context, traces []decoder.Trace) (*Module, error) {
	mod := &Module{Functions: make(map[vmid.PC]runtimeabi.LiftedFunction)}
	for _, t := range traces {
		t := t
		mod.Functions[t.EntryPC] = l.makeFunction(t)
	}
	return mod, nil
}

func (l *ReferenceLifter) makeFunction(t decoder.Trace) func([]byte, vmid.PC, *memory.AddressSpace) *memory.AddressSpace {
	return func(state []byte, pc vmid.PC, mem *memory.AddressSpace) *memory.AddressSpace {
		mu, err := uc.NewUnicorn(l.UnicornArch, l.UnicornMode)
		if err != nil {
			return mem // best-effort: leave memory untouched on setup failure
		}
		defer mu.Close()

		base := memory.AlignDown(uint64(t.EntryPC))
		if err := mu.MemMap(base, scratchWindow); err != nil {
			return mem
		}

		inst, ok := t.Instructions[t.EntryPC]
		if !ok || len(inst.Bytes) == 0 {
			return mem
		}
		if err := mu.MemWrite(uint64(t.EntryPC), inst.Bytes); err != nil {
			return mem
		}

		// The guest register-state blob layout belongs to the external
		// lifter ABI; here we only need enough of a round-trip to
		// demonstrate that control actually reached Unicorn, so we stage
		// the blob verbatim into a scratch region and let the guest code
		// touch it like ordinary memory.
		stateAddr := base + scratchWindow - uint64(len(state)) - 0x100
		if len(state) > 0 {
			if err := mu.MemWrite(stateAddr, state); err != nil {
				return mem
			}
		}

		end := uint64(t.EntryPC) + uint64(len(inst.Bytes))
		if err := mu.Start(uint64(t.EntryPC), end); err != nil {
			// Guest fault or undecodable instruction: the executor's
			// caller falls back to the error intrinsic on a non-nil,
			// non-advancing result; here we just surface the error via
			// memory being unchanged.
			log.WithError(errors.Wrapf(err, "unicorn start at %s", t.EntryPC)).
				Debug("vmill/lifter: reference lift trap")
			return mem
		}

		if len(state) > 0 {
			if out, err := mu.MemRead(stateAddr, uint64(len(state))); err == nil {
				copy(state, out)
			}
		}
		return mem
	}
}
