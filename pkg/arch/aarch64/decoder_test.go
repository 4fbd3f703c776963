package aarch64

import (
	"testing"

	"github.com/isabella232/vmill/pkg/arch"
)

func TestDecodeInstructionTooShort(t *testing.T) {
	d := New()
	inst, ok := d.DecodeInstruction(0x1000, []byte{0x01, 0x02})
	if ok {
		t.Fatal("expected ok=false for a short byte window")
	}
	if inst.Category != arch.CategoryInvalid {
		t.Errorf("Category = %v, want CategoryInvalid", inst.Category)
	}
}

func TestDecodeInstructionRet(t *testing.T) {
	d := New()
	// ret x30, encoding 0xD65F03C0, little-endian bytes.
	inst, ok := d.DecodeInstruction(0x2000, []byte{0xC0, 0x03, 0x5F, 0xD6})
	if !ok {
		t.Fatal("expected ret to decode successfully")
	}
	if inst.Category != arch.CategoryFunctionReturn {
		t.Errorf("Category = %v, want CategoryFunctionReturn", inst.Category)
	}
	if inst.NextPC != 0x2004 {
		t.Errorf("NextPC = %s, want 0x2004", inst.NextPC)
	}
}

func TestDecodeInstructionNop(t *testing.T) {
	d := New()
	// nop, encoding 0xD503201F, little-endian bytes.
	inst, ok := d.DecodeInstruction(0x3000, []byte{0x1F, 0x20, 0x03, 0xD5})
	if !ok {
		t.Fatal("expected nop to decode successfully")
	}
	if inst.Category != arch.CategoryNoOp {
		t.Errorf("Category = %v, want CategoryNoOp", inst.Category)
	}
	if inst.BranchTakenPC != inst.NextPC {
		t.Errorf("nop should fall through to NextPC")
	}
}
