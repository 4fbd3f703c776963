// Package decoder implements the recursive trace decoder: starting from
// an entry PC, it walks guest instructions via an AddressSpace and an
// external arch.Decoder, partitioning the code graph into single-entry,
// multiple-exit traces.
package decoder

import (
	"sort"

	"github.com/apex/log"
	"github.com/cespare/xxhash/v2"

	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/vmid"
)

// Trace is one single-entry, multiple-exit region of guest code,
// statically reachable from EntryPC without crossing a call or an
// indirect edge.
type Trace struct {
	EntryPC      vmid.PC
	Id           vmid.TraceId
	CodeVersion  vmid.CodeVersion
	Instructions map[vmid.PC]arch.Instruction
}

// sortedPCs returns the trace's instruction PCs in ascending order, used
// both for hashing (deterministic byte order) and for iteration in
// tests/logging.
func (t *Trace) sortedPCs() []vmid.PC {
	pcs := make([]vmid.PC, 0, len(t.Instructions))
	for pc := range t.Instructions {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	return pcs
}

// workList is the decoder's PC queue. A plain map gives the original's
// std::set the "visit each PC at most once, order doesn't matter for
// correctness" behavior the algorithm actually relies on.
type workList map[uint64]struct{}

func (w workList) insert(pc vmid.PC) { w[uint64(pc)] = struct{}{} }
func (w workList) pop() (vmid.PC, bool) {
	for k := range w {
		delete(w, k)
		return vmid.PC(k), true
	}
	return 0, false
}

// readInstructionBytes reads up to arch's max instruction size starting
// at pc, stopping at the first non-executable byte.
func readInstructionBytes(a *arch.Arch, space *memory.AddressSpace, pc vmid.PC) []byte {
	out := make([]byte, 0, a.MaxInstructionSize)
	for i := 0; i < a.MaxInstructionSize; i++ {
		var b byte
		bytePC := pc.Add(uint64(i))
		if !space.TryReadExecutable(bytePC, &b) {
			break
		}
		out = append(out, b)
	}
	return out
}

// addSuccessorsToWorkList enqueues PCs reachable within the current
// trace, based on the instruction's control-flow category.
func addSuccessorsToWorkList(inst arch.Instruction, work workList) {
	switch inst.Category {
	case arch.CategoryInvalid, arch.CategoryError,
		arch.CategoryIndirectJump, arch.CategoryFunctionReturn,
		arch.CategoryAsyncHyperCall:
		// Resolved at run time via the executor's dispatch path.

	case arch.CategoryIndirectFunctionCall, arch.CategoryDirectFunctionCall:
		work.insert(inst.BranchNotTakenPC)

	case arch.CategoryNormal, arch.CategoryNoOp:
		work.insert(inst.NextPC)

	case arch.CategoryConditionalAsyncHyperCall:
		work.insert(inst.BranchNotTakenPC)

	case arch.CategoryDirectJump:
		work.insert(inst.BranchTakenPC)

	case arch.CategoryConditionalBranch:
		work.insert(inst.BranchTakenPC)
		work.insert(inst.NextPC)
	}
}

// addSuccessorsToTraceList enqueues PCs that start new traces: only a
// direct call's target, and only when it differs from the return site —
// a call that falls straight through isn't worth a separate trace.
func addSuccessorsToTraceList(inst arch.Instruction, traces workList) {
	if inst.Category == arch.CategoryDirectFunctionCall &&
		inst.BranchTakenPC != inst.BranchNotTakenPC {
		traces.insert(inst.BranchTakenPC)
	}
}

// hashTrace computes the TraceId for a fully-decoded trace: the content
// hash is seeded with min_pc*max_pc*instruction_count so that identical
// byte sequences at different entry PCs don't collide.
func hashTrace(t *Trace) vmid.TraceId {
	pcs := t.sortedPCs()
	var minPC, maxPC vmid.TraceHashBaseType = 1, 1
	if len(pcs) > 0 {
		minPC = vmid.TraceHashBaseType(pcs[0])
		maxPC = vmid.TraceHashBaseType(pcs[len(pcs)-1])
	}
	seed := minPC * maxPC * vmid.TraceHashBaseType(len(t.Instructions))

	h := xxhash.NewWithSeed(seed)
	for _, pc := range pcs {
		h.Write(t.Instructions[pc].Bytes)
	}
	return vmid.TraceId{EntryPC: t.EntryPC, Hash: vmid.TraceHash(h.Sum64())}
}

// verifyTraces asserts every trace's instruction map contains its own
// entry PC. This is an always-on invariant check, not gated behind a
// debug build.
func verifyTraces(traces []Trace) bool {
	ok := true
	for _, t := range traces {
		if _, has := t.Instructions[t.EntryPC]; !has {
			log.WithField("entry_pc", t.EntryPC.String()).
				Warn("vmill/decoder: trace missing instruction at its own entry PC")
			ok = false
		}
	}
	return ok
}

// DecodeTraces recursively decodes guest instructions starting at
// startPC, returning every trace reached. It marks each new trace's
// entry PC as a trace head in space so repeat calls with the same code
// version are no-ops for PCs already decoded.
func DecodeTraces(a *arch.Arch, space *memory.AddressSpace, startPC vmid.PC, versioningEnabled bool) []Trace {
	var traces []Trace
	traceList := workList{}
	traceList.insert(startPC)

	for {
		tracePC, ok := traceList.pop()
		if !ok {
			break
		}
		if space.IsMarkedTraceHead(tracePC) {
			continue
		}
		space.MarkAsTraceHead(tracePC)

		trace := Trace{
			EntryPC:      tracePC,
			CodeVersion:  space.ComputeCodeVersion(tracePC, versioningEnabled),
			Instructions: make(map[vmid.PC]arch.Instruction),
		}

		work := workList{}
		work.insert(tracePC)

		for {
			pc, ok := work.pop()
			if !ok {
				break
			}
			if _, already := trace.Instructions[pc]; already {
				continue
			}

			bytes := readInstructionBytes(a, space, pc)
			inst, decoded := a.Decoder.DecodeInstruction(pc, bytes)
			inst.PC = pc
			if inst.Bytes == nil {
				inst.Bytes = bytes
			}
			trace.Instructions[pc] = inst

			if !decoded {
				log.WithField("pc", pc.String()).Warn("vmill/decoder: could not decode instruction")
				continue
			}
			addSuccessorsToWorkList(inst, work)
			addSuccessorsToTraceList(inst, traceList)
		}

		trace.Id = hashTrace(&trace)
		log.WithField("entry_pc", trace.EntryPC.String()).
			WithField("instructions", len(trace.Instructions)).
			Debug("vmill/decoder: decoded trace")
		traces = append(traces, trace)
	}

	if !verifyTraces(traces) {
		log.Warn("vmill/decoder: trace verification failed")
	}
	return traces
}
