package memory

import (
	"testing"

	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/vmid"
)

func newSpace64() *AddressSpace {
	return NewAddressSpace(&arch.Arch{AddressSize: 64})
}

func TestNewAddressSpaceStartsWithOneSentinel(t *testing.T) {
	as := newSpace64()
	if len(as.Maps()) != 0 {
		t.Errorf("a fresh address space should report zero valid maps, got %d", len(as.Maps()))
	}
	if as.IsMapped(0x1000) {
		t.Error("nothing should be mapped in a fresh address space")
	}
}

func TestAddMapGrantsDefaultReadWrite(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)

	if !as.CanRead(0x1000) || !as.CanWrite(0x1000) {
		t.Error("AddMap should grant read+write by default")
	}
	if as.CanExecute(0x1000) {
		t.Error("AddMap should not grant execute by default")
	}
}

func TestSetPermissionsExecutable(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.SetPermissions(0x1000, PageSize, true, false, true)

	if as.CanWrite(0x1000) {
		t.Error("SetPermissions should have revoked write")
	}
	if !as.CanExecute(0x1000) {
		t.Error("SetPermissions should have granted execute")
	}
}

func TestTryReadWriteRoundTrip(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)

	in := []byte{1, 2, 3, 4}
	if !as.TryWrite(0x1000, in) {
		t.Fatal("TryWrite should succeed on a writable range")
	}
	out := make([]byte, 4)
	if !as.TryRead(0x1000, out) {
		t.Fatal("TryRead should succeed on a readable range")
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("byte %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestTryReadFailsOutsideAnyRange(t *testing.T) {
	as := newSpace64()
	out := make([]byte, 1)
	if as.TryRead(0xDEADBEEF, out) {
		t.Error("reading unmapped memory should fail")
	}
}

func TestTryWriteFailsWithoutWritePermission(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.SetPermissions(0x1000, PageSize, true, false, false)

	if as.TryWrite(0x1000, []byte{1}) {
		t.Error("write to a read-only page should fail")
	}
}

func TestSMCWriteInvalidatesVersionAndTraceHeads(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.SetPermissions(0x1000, PageSize, true, true, true) // R+W+X

	as.MarkAsTraceHead(0x1000)
	as.MarkAsTraceHead(0x2000) // a different range's head, still cleared

	before := as.ComputeCodeVersion(vmid.PC(0x1000), true)

	if !as.TryWrite(0x1004, []byte{0x90}) {
		t.Fatal("write to writable+executable page should succeed")
	}

	after := as.ComputeCodeVersion(vmid.PC(0x1000), true)
	if before == after {
		t.Error("a write to an executable page must invalidate its range's code version")
	}
	if as.IsMarkedTraceHead(0x1000) {
		t.Error("SMC write should clear the entire trace-head set, including the written PC")
	}
	if as.IsMarkedTraceHead(0x2000) {
		t.Error("SMC write should clear the entire trace-head set globally, not just the written range")
	}
}

func TestWriteToNonExecutablePageDoesNotClearTraceHeads(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.SetPermissions(0x1000, PageSize, true, true, false)
	as.MarkAsTraceHead(0x3000)

	if !as.TryWrite(0x1000, []byte{1}) {
		t.Fatal("write should succeed")
	}
	if !as.IsMarkedTraceHead(0x3000) {
		t.Error("a write to a non-executable page should not touch the trace-head set")
	}
}

func TestComputeCodeVersionDisabledReturnsZero(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	if v := as.ComputeCodeVersion(vmid.PC(0x1000), false); v != vmid.ZeroVersion {
		t.Errorf("versioning disabled should yield ZeroVersion, got %v", v)
	}
}

func TestAddMapSplitsExistingMap(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, 0x3000, "", 0) // [0x1000, 0x4000)
	as.AddMap(0x2000, 0x1000, "hole", 0) // punches [0x2000, 0x3000) out of it

	maps := as.Maps()
	var total uint64
	for _, m := range maps {
		total += m.LimitAddress() - m.BaseAddress()
	}
	if len(maps) != 3 {
		t.Fatalf("expected 3 surviving ranges after the split, got %d", len(maps))
	}
	if total != 0x3000 {
		t.Errorf("total mapped bytes = %#x, want %#x", total, 0x3000)
	}
}

func TestRemoveMapLeavesTombstone(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.RemoveMap(0x1000, PageSize)

	if as.IsMapped(0x1000) {
		t.Error("RemoveMap should leave the region unmapped")
	}
	if as.CanRead(0x1000) {
		t.Error("RemoveMap should revoke all permissions")
	}
}

func TestDeadAddressSpaceRejectsIO(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.Kill()

	if !as.IsDead() {
		t.Fatal("IsDead should be true after Kill")
	}
	if as.TryRead(0x1000, make([]byte, 1)) {
		t.Error("reads must fail after Kill")
	}
	if as.TryWrite(0x1000, []byte{1}) {
		t.Error("writes must fail after Kill")
	}
}

func TestCloneIsCopyOnWrite(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.TryWrite(0x1000, []byte{1, 2, 3})

	child := as.Clone()

	child.TryWrite(0x1000, []byte{9, 9, 9})

	out := make([]byte, 3)
	as.TryRead(0x1000, out)
	if out[0] != 1 {
		t.Errorf("parent observed child's write: got %v, want [1 2 3]", out)
	}

	child.TryRead(0x1000, out)
	if out[0] != 9 {
		t.Errorf("child lost its own write: got %v, want [9 9 9]", out)
	}
}

func TestCloneSharesInitialContent(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0)
	as.TryWrite(0x1000, []byte{0x55})

	child := as.Clone()
	out := make([]byte, 1)
	child.TryRead(0x1000, out)
	if out[0] != 0x55 {
		t.Errorf("clone should start with the parent's content, got %#x", out[0])
	}
}

func TestFindHolePlacesAllocationBelowTopOfGap(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x10000, PageSize, "", 0)

	addr, ok := as.FindHole(0, 0x10000, PageSize)
	if !ok {
		t.Fatal("expected a hole to be found below the mapped range")
	}
	if addr+PageSize > 0x10000 {
		t.Errorf("hole [%#x, %#x) overlaps the mapped range at 0x10000", addr, addr+PageSize)
	}
}

func TestFindHoleFailsWhenNoRoom(t *testing.T) {
	as := newSpace64()
	as.AddMap(0, 0x2000, "", 0)

	if _, ok := as.FindHole(0, 0x2000, PageSize); ok {
		t.Error("expected no hole when the whole range is mapped")
	}
}

func TestAddressMaskAppliedBeforeAccess(t *testing.T) {
	as := NewAddressSpace(&arch.Arch{AddressSize: 32})
	as.AddMap(0x1000, PageSize, "", 0)

	highAddr := uint64(0x1_0000_1000) // upper bits should be masked off for a 32-bit space
	out := make([]byte, 1)
	as.TryWrite(0x1000, []byte{0x7A})
	if !as.TryRead(highAddr, out) {
		t.Fatal("a 32-bit address space should mask addr_mask before every access")
	}
	if out[0] != 0x7A {
		t.Errorf("masked read = %#x, want 0x7a", out[0])
	}
}

func TestTypedFastPathWithinPageRoundTrips(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0) // maps [0x1000, 0x2000)

	if !as.TryWriteUint32(0x1FFC, 0xDEADBEEF) {
		t.Fatal("a word write fully inside the mapped page should succeed")
	}
	got, ok := as.TryReadUint32(0x1FFC)
	if !ok || got != 0xDEADBEEF {
		t.Errorf("TryReadUint32(0x1FFC) = %#x, %v, want 0xdeadbeef, true", got, ok)
	}

	if !as.TryWriteUint16(0x1FFE, 0xBEEF) {
		t.Fatal("a halfword write ending exactly at the page boundary should succeed")
	}
	if got16, ok := as.TryReadUint16(0x1FFE); !ok || got16 != 0xBEEF {
		t.Errorf("TryReadUint16(0x1FFE) = %#x, %v, want 0xbeef, true", got16, ok)
	}
}

func TestTypedFastPathStraddlingUnmappedNextPageFails(t *testing.T) {
	as := newSpace64()
	as.AddMap(0x1000, PageSize, "", 0) // maps [0x1000, 0x2000); 0x2000 is unmapped

	if as.TryWriteUint32(0x1FFE, 0xDEADBEEF) {
		t.Error("a u32 write straddling into the unmapped next page should fail")
	}
	if as.TryWriteUint16(0x1FFF, 0xBEEF) {
		t.Error("a u16 write straddling into the unmapped next page should fail")
	}
	if _, ok := as.TryReadUint32(0x1FFE); ok {
		t.Error("a u32 read straddling into the unmapped next page should fail")
	}
	if _, ok := as.TryReadUint16(0x1FFF); ok {
		t.Error("a u16 read straddling into the unmapped next page should fail")
	}
}
