// Package memory implements the guest virtual-memory abstraction:
// page-aligned MappedRanges grouped into an AddressSpace with
// permission tracking, copy-on-fork semantics, and self-modifying-code
// detection via code versions.
package memory

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/vmid"
)

// ErrDead is returned (or logged, for the void-returning mutators that
// mirror the original's fire-and-forget API) when an operation targets a
// killed AddressSpace.
var ErrDead = errors.New("address space is dead")

// rangeCacheSize is the number of direct-mapped slots in the range
// lookup accelerator, indexed by bits 12..19 of the page address, plus
// one "last used" slot at index rangeCacheSize.
const rangeCacheSize = 256
const rangeCacheMask = rangeCacheSize - 1

type rangeCache struct {
	slots [rangeCacheSize + 1]*MappedRange
}

func (c *rangeCache) lookup(pageAddr uint64) *MappedRange {
	if last := c.slots[rangeCacheSize]; last != nil && last.Contains(pageAddr) {
		return last
	}
	idx := (pageAddr >> 12) & rangeCacheMask
	if r := c.slots[idx]; r != nil && r.Contains(pageAddr) {
		c.slots[rangeCacheSize] = r
		return r
	}
	return nil
}

func (c *rangeCache) store(pageAddr uint64, r *MappedRange) {
	idx := (pageAddr >> 12) & rangeCacheMask
	c.slots[idx] = r
	c.slots[rangeCacheSize] = r
}

func (c *rangeCache) clear() {
	for i := range c.slots {
		c.slots[i] = nil
	}
}

// AddressSpace is the collection of mapped ranges that forms one guest
// process's virtual memory.
type AddressSpace struct {
	mu sync.RWMutex

	arch *arch.Arch

	maps    []*MappedRange
	invalid *MappedRange

	pageToMap    map[uint64]*MappedRange
	wnxPageToMap map[uint64]*MappedRange

	readable   map[uint64]struct{}
	writable   map[uint64]struct{}
	executable map[uint64]struct{}

	traceHeads map[uint64]struct{}

	addrMask uint64
	minAddr  uint64
	dead     bool

	initialProgramBreak uint64

	cache    rangeCache
	wnxCache rangeCache

	// OnRead, if non-nil, is called with every address passed to TryRead
	// (byte granularity). It exists for instrumentation tools (fuzzing,
	// coverage, taint) that want to observe guest reads without modifying
	// this package; it is not on the fast scalar path.
	OnRead func(addr uint64)
}

// NewAddressSpace creates an empty address space for the given
// architecture, with the whole address range covered by the invalid
// sentinel.
func NewAddressSpace(a *arch.Arch) *AddressSpace {
	mask := a.AddressMask()
	invalid := NewInvalidRange(0, mask)
	as := &AddressSpace{
		arch:         a,
		invalid:      invalid,
		pageToMap:    make(map[uint64]*MappedRange),
		wnxPageToMap: make(map[uint64]*MappedRange),
		readable:     make(map[uint64]struct{}),
		writable:     make(map[uint64]struct{}),
		executable:   make(map[uint64]struct{}),
		traceHeads:   make(map[uint64]struct{}),
		addrMask:     mask,
	}
	as.maps = append(as.maps, invalid)
	as.rebuildIndices()
	return as
}

// Clone creates a child address space whose valid ranges are copies made
// by MappedRange.Clone, each with its own backing bytes.
// The two spaces must never observe each other's subsequent writes.
func (as *AddressSpace) Clone() *AddressSpace {
	as.mu.RLock()
	defer as.mu.RUnlock()

	child := &AddressSpace{
		arch:                 as.arch,
		invalid:              as.invalid,
		pageToMap:            make(map[uint64]*MappedRange),
		wnxPageToMap:         make(map[uint64]*MappedRange),
		readable:             copySet(as.readable),
		writable:             copySet(as.writable),
		executable:           copySet(as.executable),
		traceHeads:           copySet(as.traceHeads),
		addrMask:             as.addrMask,
		minAddr:              as.minAddr,
		dead:                 as.dead,
		initialProgramBreak:  as.initialProgramBreak,
	}
	child.maps = make([]*MappedRange, len(as.maps))
	for i, r := range as.maps {
		if r.IsValid() {
			child.maps[i] = r.Clone()
		} else {
			child.maps[i] = r
		}
	}
	child.rebuildIndices()
	return child
}

func copySet(in map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Kill renders the address space permanently unreadable and unwritable.
// It remains observable (maps, LogMaps) but all I/O fails afterward.
func (as *AddressSpace) Kill() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.dead = true
	as.pageToMap = make(map[uint64]*MappedRange)
	as.wnxPageToMap = make(map[uint64]*MappedRange)
	as.cache.clear()
	as.wnxCache.clear()
}

func (as *AddressSpace) IsDead() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.dead
}

func (as *AddressSpace) MarkAsTraceHead(pc vmid.PC) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.traceHeads[uint64(pc)] = struct{}{}
}

func (as *AddressSpace) IsMarkedTraceHead(pc vmid.PC) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	_, ok := as.traceHeads[uint64(pc)]
	return ok
}

func (as *AddressSpace) alignAddr(addr uint64) uint64 {
	return addr & as.addrMask
}

func (as *AddressSpace) canReadAligned(pageAddr uint64) bool {
	_, ok := as.readable[pageAddr]
	return ok
}
func (as *AddressSpace) canWriteAligned(pageAddr uint64) bool {
	_, ok := as.writable[pageAddr]
	return ok
}
func (as *AddressSpace) canExecuteAligned(pageAddr uint64) bool {
	_, ok := as.executable[pageAddr]
	return ok
}

func (as *AddressSpace) CanRead(addr uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.canReadAligned(AlignDown(as.alignAddr(addr)))
}
func (as *AddressSpace) CanWrite(addr uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.canWriteAligned(AlignDown(as.alignAddr(addr)))
}
func (as *AddressSpace) CanExecute(addr uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.canExecuteAligned(AlignDown(as.alignAddr(addr)))
}

// findRangeAligned returns the range covering the given page-aligned
// address, consulting the direct-mapped cache before the full index.
func (as *AddressSpace) findRangeAligned(pageAddr uint64) *MappedRange {
	if r := as.cache.lookup(pageAddr); r != nil {
		return r
	}
	if r, ok := as.pageToMap[pageAddr]; ok {
		as.cache.store(pageAddr, r)
		return r
	}
	return as.invalid
}

func (as *AddressSpace) findWNXRangeAligned(pageAddr uint64) *MappedRange {
	if r := as.wnxCache.lookup(pageAddr); r != nil {
		return r
	}
	if r, ok := as.wnxPageToMap[pageAddr]; ok {
		as.wnxCache.store(pageAddr, r)
		return r
	}
	return as.invalid
}

// FindRange returns the (possibly invalid) range covering addr.
func (as *AddressSpace) FindRange(addr uint64) *MappedRange {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findRangeAligned(AlignDown(as.alignAddr(addr)))
}

// TryRead reads size bytes starting at addr into out, which must have
// length >= size. It fails (returns false, leaving out partially
// written) as soon as it crosses into an unreadable page.
func (as *AddressSpace) TryRead(addr uint64, out []byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return false
	}
	addr = as.alignAddr(addr)
	size := uint64(len(out))
	end := addr + size
	o := 0
	for pageAddr := AlignDown(addr); pageAddr < end; pageAddr += PageSize {
		if !as.canReadAligned(pageAddr) {
			return false
		}
		r := as.findRangeAligned(pageAddr)
		pageEnd := pageAddr + PageSize
		next := min64(end, pageEnd)
		for a := max64(addr, pageAddr); a < next; a++ {
			if as.OnRead != nil {
				as.OnRead(a)
			}
			if !r.Read(a, &out[o]) {
				return false
			}
			o++
		}
	}
	return true
}

// TryWrite writes len(in) bytes starting at addr. Writes that land on a
// page that is also executable invalidate that page's range's code
// version and clear the whole trace-head set: self-modifying code
// anywhere forces every previously-decoded trace head to be reconsidered,
// not just the ones inside the modified range.
func (as *AddressSpace) TryWrite(addr uint64, in []byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return false
	}
	addr = as.alignAddr(addr)
	size := uint64(len(in))
	end := addr + size

	for pageAddr := AlignDown(addr); pageAddr < end; pageAddr += PageSize {
		if !as.canWriteAligned(pageAddr) {
			return false
		}
		r := as.findRangeAligned(pageAddr)
		if as.canExecuteAligned(pageAddr) {
			r.InvalidateCodeVersion()
			as.traceHeads = make(map[uint64]struct{})
			log.WithField("page", pageAddr).Debug("vmill/memory: SMC write invalidated code version")
		}
		pageEnd := pageAddr + PageSize
		next := min64(end, pageEnd)
		for a := max64(addr, pageAddr); a < next; a++ {
			if !r.Write(a, in[a-addr]) {
				return false
			}
		}
	}
	return true
}

// TryReadExecutable performs a byte read that additionally requires the
// page to be executable; it's the primitive the trace decoder uses.
func (as *AddressSpace) TryReadExecutable(pc vmid.PC, out *byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return false
	}
	addr := as.alignAddr(uint64(pc))
	pageAddr := AlignDown(addr)
	r := as.findRangeAligned(pageAddr)
	return r.Read(addr, out) && as.canExecuteAligned(pageAddr)
}

// IsMapped reports whether addr has any permission at all (i.e. belongs
// to a valid range).
func (as *AddressSpace) IsMapped(addr uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return false
	}
	r, ok := as.pageToMap[AlignDown(as.alignAddr(addr))]
	return ok && r.IsValid()
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// --- typed scalar fast paths -----------------------------------------
//
// Each mirrors one instantiation of the original's MAKE_TRY_READ /
// MAKE_TRY_WRITE macro: try a direct slice access that doesn't cross a
// page boundary, and fall back to the byte-wise path otherwise.

func (as *AddressSpace) tryFastRead(addr uint64, size int) ([]byte, bool) {
	as.mu.Lock()
	r := as.findRangeAligned(AlignDown(addr))
	as.mu.Unlock()
	if r == nil || !r.IsValid() {
		return nil, false
	}
	end := addr + uint64(size) - 1
	if !(r.BaseAddress() <= addr && end < r.LimitAddress()) {
		return nil, false
	}
	if AlignDown(addr) != AlignDown(end) {
		return nil, false
	}
	ptr := r.ToReadOnlyPtr(addr)
	if ptr == nil || len(ptr) < size {
		return nil, false
	}
	return ptr[:size], true
}

func (as *AddressSpace) tryFastWrite(addr uint64, size int) ([]byte, bool) {
	as.mu.Lock()
	r := as.findWNXRangeAligned(AlignDown(addr))
	as.mu.Unlock()
	if r == nil || !r.IsValid() {
		return nil, false
	}
	end := addr + uint64(size) - 1
	if !(r.BaseAddress() <= addr && end < r.LimitAddress()) {
		return nil, false
	}
	if AlignDown(addr) != AlignDown(end) {
		return nil, false
	}
	ptr := r.ToReadWritePtr(addr)
	if ptr == nil || len(ptr) < size {
		return nil, false
	}
	return ptr[:size], true
}

func (as *AddressSpace) TryReadUint16(addr uint64) (uint16, bool) {
	addr = as.alignAddr(addr)
	if p, ok := as.tryFastRead(addr, 2); ok {
		return binary.LittleEndian.Uint16(p), true
	}
	var buf [2]byte
	if !as.TryRead(addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[:]), true
}

func (as *AddressSpace) TryReadUint32(addr uint64) (uint32, bool) {
	addr = as.alignAddr(addr)
	if p, ok := as.tryFastRead(addr, 4); ok {
		return binary.LittleEndian.Uint32(p), true
	}
	var buf [4]byte
	if !as.TryRead(addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

func (as *AddressSpace) TryReadUint64(addr uint64) (uint64, bool) {
	addr = as.alignAddr(addr)
	if p, ok := as.tryFastRead(addr, 8); ok {
		return binary.LittleEndian.Uint64(p), true
	}
	var buf [8]byte
	if !as.TryRead(addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (as *AddressSpace) TryReadFloat32(addr uint64) (float32, bool) {
	bits, ok := as.TryReadUint32(addr)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(bits), true
}

func (as *AddressSpace) TryReadFloat64(addr uint64) (float64, bool) {
	bits, ok := as.TryReadUint64(addr)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

func (as *AddressSpace) TryWriteUint16(addr uint64, val uint16) bool {
	addr = as.alignAddr(addr)
	if p, ok := as.tryFastWrite(addr, 2); ok {
		binary.LittleEndian.PutUint16(p, val)
		return true
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	return as.TryWrite(addr, buf[:])
}

func (as *AddressSpace) TryWriteUint32(addr uint64, val uint32) bool {
	addr = as.alignAddr(addr)
	if p, ok := as.tryFastWrite(addr, 4); ok {
		binary.LittleEndian.PutUint32(p, val)
		return true
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return as.TryWrite(addr, buf[:])
}

func (as *AddressSpace) TryWriteUint64(addr uint64, val uint64) bool {
	addr = as.alignAddr(addr)
	if p, ok := as.tryFastWrite(addr, 8); ok {
		binary.LittleEndian.PutUint64(p, val)
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return as.TryWrite(addr, buf[:])
}

func (as *AddressSpace) TryWriteFloat32(addr uint64, val float32) bool {
	return as.TryWriteUint32(addr, math.Float32bits(val))
}

func (as *AddressSpace) TryWriteFloat64(addr uint64, val float64) bool {
	return as.TryWriteUint64(addr, math.Float64bits(val))
}

// --- mapping, permissions, holes --------------------------------------

// removeRange returns ranges with [base,limit) carved out, applying the
// five overlap cases a new mapping can have against an existing one: no
// overlap, full containment either direction, and overlap on either edge.
func removeRange(ranges []*MappedRange, base, limit uint64) []*MappedRange {
	out := make([]*MappedRange, 0, len(ranges)+1)
	for _, m := range ranges {
		mb, ml := m.BaseAddress(), m.LimitAddress()
		switch {
		case ml <= base || mb >= limit: // no overlap
			out = append(out, m)
		case mb >= base && ml <= limit: // fully contained in new map
			continue
		case mb < base && ml > limit: // new map fully contained in m
			out = append(out, m.Copy(mb, base))
			out = append(out, m.Copy(limit, ml))
		case mb == base: // prefix overlap
			out = append(out, m.Copy(limit, ml))
		default: // suffix overlap
			out = append(out, m.Copy(mb, base))
		}
	}
	return out
}

// AddMap inserts a new mapping, splitting/removing any overlapping
// existing maps, and grants default R+W (not executable) permissions;
// call SetPermissions afterward to adjust. Returns the new range, or nil
// if the address space is dead.
func (as *AddressSpace) AddMap(base uint64, size uint64, name string, offset uint64) *MappedRange {
	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		log.WithField("base", base).Error("vmill/memory: AddMap on dead address space")
		return nil
	}
	alignedBase := AlignDown(base)
	limit := alignedBase + RoundUp(size)
	if as.addrMask != ^uint64(0) {
		limit = min64(limit, as.addrMask)
	}

	origin := OriginAnonymous
	if name != "" {
		origin = OriginFileBacked
	}
	newRange := NewMappedRange(alignedBase, limit, origin, name, offset, nil)

	as.maps = removeRange(as.maps, alignedBase, limit)
	as.maps = append(as.maps, newRange)
	as.mu.Unlock()

	as.SetPermissions(alignedBase, limit-alignedBase, true, true, false)
	log.WithField("base", alignedBase).WithField("limit", limit).WithField("name", name).
		Info("vmill/memory: mapped range")
	return newRange
}

// AddAnonymousZeroMap is like AddMap but for lazily-zeroed anonymous
// ranges (e.g. BSS, heap growth) that materialize backing only on first
// write.
func (as *AddressSpace) AddAnonymousZeroMap(base, size uint64) *MappedRange {
	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		return nil
	}
	alignedBase := AlignDown(base)
	limit := min64(alignedBase+RoundUp(size), as.addrMask)
	newRange := NewMappedRange(alignedBase, limit, OriginAnonymousZero, "", 0, nil)
	as.maps = removeRange(as.maps, alignedBase, limit)
	as.maps = append(as.maps, newRange)
	as.mu.Unlock()
	as.SetPermissions(alignedBase, limit-alignedBase, true, true, false)
	return newRange
}

// RemoveMap replaces the covered region with a tombstone.
func (as *AddressSpace) RemoveMap(base, size uint64) {
	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		return
	}
	alignedBase := AlignDown(base)
	limit := min64(alignedBase+RoundUp(size), as.addrMask)
	as.maps = removeRange(as.maps, alignedBase, limit)
	as.maps = append(as.maps, NewInvalidRange(alignedBase, limit))
	as.mu.Unlock()
	as.SetPermissions(alignedBase, limit-alignedBase, false, false, false)
	log.WithField("base", alignedBase).WithField("limit", limit).Info("vmill/memory: unmapped range")
}

// SetPermissions updates page-granularity permissions over [base,
// base+size) and rebuilds the lookup indices.
func (as *AddressSpace) SetPermissions(base uint64, size uint64, canRead, canWrite, canExec bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	alignedBase := AlignDown(base)
	limit := alignedBase + RoundUp(size)
	for addr := alignedBase; addr < limit; addr += PageSize {
		setBit(as.readable, addr, canRead)
		setBit(as.writable, addr, canWrite)
		setBit(as.executable, addr, canExec)
	}
	as.rebuildIndices()
}

func setBit(set map[uint64]struct{}, addr uint64, on bool) {
	if on {
		set[addr] = struct{}{}
	} else {
		delete(set, addr)
	}
}

// rebuildIndices re-sorts as.maps by base address and rebuilds the
// page-to-range indices. Caller must hold as.mu.
func (as *AddressSpace) rebuildIndices() {
	sort.Slice(as.maps, func(i, j int) bool {
		return as.maps[i].BaseAddress() < as.maps[j].BaseAddress()
	})

	as.pageToMap = make(map[uint64]*MappedRange)
	as.wnxPageToMap = make(map[uint64]*MappedRange)
	as.cache.clear()
	as.wnxCache.clear()

	as.minAddr = ^uint64(0)
	for _, m := range as.maps {
		if !m.IsValid() {
			continue
		}
		base, limit := m.BaseAddress(), m.LimitAddress()
		if base < as.minAddr {
			as.minAddr = base
		}
		for addr := base; addr < limit; addr += PageSize {
			canRead := as.canReadAligned(addr)
			canWrite := as.canWriteAligned(addr)
			canExec := as.canExecuteAligned(addr)
			if canRead || canWrite || canExec {
				as.pageToMap[addr] = m
			}
			if canWrite && !canExec {
				as.wnxPageToMap[addr] = m
			}
		}
	}
}

// FindHole returns the highest page-aligned address in [min, max) at
// which a size-byte allocation fits without touching any valid range.
func (as *AddressSpace) FindHole(min, max, size uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	min = AlignDown(min)
	max = AlignDown(max)
	if min >= max {
		return 0, false
	}
	size = RoundUp(size)
	if size > max-min {
		return 0, false
	}

	as.mu.RLock()
	defer as.mu.RUnlock()

	for i := len(as.maps) - 1; i >= 0; i-- {
		rangeHigh := as.maps[i]
		var highBase, lowLimit uint64

		if !rangeHigh.IsValid() {
			highBase = rangeHigh.LimitAddress()
			lowLimit = rangeHigh.BaseAddress()
		} else if i == 0 {
			break
		} else {
			highBase = rangeHigh.BaseAddress()
			lowLimit = as.maps[i-1].LimitAddress()
		}

		if highBase < min {
			break
		}
		if lowLimit >= max {
			continue
		}

		allocMax := min64(max, highBase)
		allocMin := maxU(min, lowLimit)
		avail := allocMax - allocMin
		if avail < size {
			continue
		}
		return allocMax - size, true
	}
	return 0, false
}

func maxU(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// ComputeCodeVersion delegates to the range containing pc, or returns
// vmid.ZeroVersion if versioning is disabled (the caller — typically the
// executor — decides that policy and passes it down via enabled).
func (as *AddressSpace) ComputeCodeVersion(pc vmid.PC, enabled bool) vmid.CodeVersion {
	if !enabled {
		return vmid.ZeroVersion
	}
	r := as.FindRange(as.alignAddr(uint64(pc)))
	return r.ComputeCodeVersion()
}

// InitialProgramBreak returns the limit address of the heap-kind range,
// recorded when it was mapped.
func (as *AddressSpace) InitialProgramBreak() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.initialProgramBreak
}

// SetInitialProgramBreak is called by the snapshot loader when it maps
// the heap range.
func (as *AddressSpace) SetInitialProgramBreak(brk uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.initialProgramBreak = brk
}

// Maps returns a snapshot slice of the currently-valid ranges, sorted by
// base address, for diagnostics (vmill execute --verbose) and tests.
func (as *AddressSpace) Maps() []*MappedRange {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]*MappedRange, 0, len(as.maps))
	for _, m := range as.maps {
		if m.IsValid() {
			out = append(out, m)
		}
	}
	return out
}
