// Package aarch64 implements arch.Decoder for the AArch64 instruction
// set on top of blacktop/arm64-cgo/disassemble. It only needs enough of
// that library's output — the mnemonic and branch-target operands — to
// classify control flow the way the trace decoder requires; it is not a
// full disassembly pretty-printer.
package aarch64

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"

	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/vmid"
)

// Decoder decodes one AArch64 instruction at a time. Instructions are
// fixed-width, so callers only ever need the first 4 bytes of whatever
// window they read.
type Decoder struct{}

// New returns an AArch64 instruction decoder.
func New() *Decoder { return &Decoder{} }

func (d *Decoder) DecodeInstruction(pc vmid.PC, bytes []byte) (arch.Instruction, bool) {
	inst := arch.Instruction{PC: pc}
	if len(bytes) < 4 {
		inst.Category = arch.CategoryInvalid
		return inst, false
	}
	raw := binary.LittleEndian.Uint32(bytes[:4])
	inst.Bytes = bytes[:4]
	inst.NextPC = pc.Add(4)

	var scratch [1024]byte
	decoded, err := disassemble.Decompose(uint64(pc), raw, &scratch)
	if err != nil {
		inst.Category = arch.CategoryError
		return inst, false
	}

	op := strings.ToLower(decoded.Operation.String())
	inst.Category, inst.BranchTakenPC, inst.BranchNotTakenPC = classify(op, decoded, inst.NextPC)
	return inst, true
}

func operandTarget(decoded *disassemble.Instruction, index int) vmid.PC {
	if index < 0 || index >= len(decoded.Operands) {
		return 0
	}
	return vmid.PC(uint64(decoded.Operands[index].Immediate))
}

func classify(op string, decoded *disassemble.Instruction, fallthroughPC vmid.PC) (arch.Category, vmid.PC, vmid.PC) {
	switch {
	case op == "ret":
		return arch.CategoryFunctionReturn, 0, 0

	case op == "bl":
		return arch.CategoryDirectFunctionCall, operandTarget(decoded, 0), fallthroughPC

	case op == "blr":
		return arch.CategoryIndirectFunctionCall, 0, fallthroughPC

	case op == "br":
		return arch.CategoryIndirectJump, 0, 0

	case op == "b":
		return arch.CategoryDirectJump, operandTarget(decoded, 0), 0

	case strings.HasPrefix(op, "b.") ||
		op == "cbz" || op == "cbnz" || op == "tbz" || op == "tbnz":
		target := operandTarget(decoded, len(decoded.Operands)-1)
		return arch.CategoryConditionalBranch, target, fallthroughPC

	case op == "svc" || op == "hvc" || op == "smc":
		return arch.CategoryAsyncHyperCall, 0, 0

	case op == "nop":
		return arch.CategoryNoOp, fallthroughPC, 0

	default:
		return arch.CategoryNormal, fallthroughPC, 0
	}
}
