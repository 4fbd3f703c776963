package memory

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/isabella232/vmill/pkg/vmid"
)

// Origin identifies how a MappedRange's bytes are backed.
type Origin int

const (
	// OriginInvalid marks a tombstone range: it covers addresses that
	// aren't mapped to anything.
	OriginInvalid Origin = iota
	OriginAnonymous
	OriginAnonymousZero
	OriginFileBacked
)

// PageSize is the guest page granularity used throughout this package.
const PageSize = 4096

// AlignDown rounds addr down to the nearest page boundary.
func AlignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// RoundUp rounds size up to a whole number of pages.
func RoundUp(size uint64) uint64 { return (size + PageSize - 1) &^ (PageSize - 1) }

// MappedRange is the backing store for one contiguous, page-aligned
// region of a guest address space. It is safe to Read and
// Write concurrently with ComputeCodeVersion. Clone and Copy give the
// new range its own backing array, so no backing is shared between
// ranges.
type MappedRange struct {
	base, limit uint64
	origin      Origin
	name        string
	offset      uint64

	mu      sync.RWMutex
	backing []byte // nil for the invalid tombstone
	touched []bool // per-page touch bitmap, only used for OriginAnonymousZero

	versionMu    sync.Mutex
	version      vmid.CodeVersion
	versionValid bool
}

// NewMappedRange constructs a range backed by an already-materialized
// buffer (used for anonymous and file-backed origins; the caller — the
// snapshot loader for file-backed ranges — is responsible for producing
// the initial bytes since file I/O is outside this package's concern).
func NewMappedRange(base, limit uint64, origin Origin, name string, offset uint64, backing []byte) *MappedRange {
	size := limit - base
	if backing == nil && origin != OriginInvalid {
		backing = make([]byte, size)
	}
	var touched []bool
	if origin == OriginAnonymousZero {
		touched = make([]bool, (size+PageSize-1)/PageSize)
	}
	return &MappedRange{
		base:    base,
		limit:   limit,
		origin:  origin,
		name:    name,
		offset:  offset,
		backing: backing,
		touched: touched,
	}
}

// NewInvalidRange builds the sentinel tombstone covering [base, limit).
func NewInvalidRange(base, limit uint64) *MappedRange {
	return &MappedRange{base: base, limit: limit, origin: OriginInvalid}
}

func (r *MappedRange) BaseAddress() uint64  { return r.base }
func (r *MappedRange) LimitAddress() uint64 { return r.limit }
func (r *MappedRange) Name() string         { return r.name }
func (r *MappedRange) Offset() uint64       { return r.offset }
func (r *MappedRange) IsValid() bool        { return r.origin != OriginInvalid }

// Contains reports whether addr falls in [base, limit). It does not
// imply the range is valid — callers check IsValid separately.
func (r *MappedRange) Contains(addr uint64) bool {
	return r.base <= addr && addr < r.limit
}

func (r *MappedRange) touchedIndex(addr uint64) int {
	return int((addr - r.base) / PageSize)
}

func (r *MappedRange) markTouched(addr uint64) {
	if r.touched == nil {
		return
	}
	r.touched[r.touchedIndex(addr)] = true
}

func (r *MappedRange) isTouched(addr uint64) bool {
	if r.touched == nil {
		return true
	}
	return r.touched[r.touchedIndex(addr)]
}

// Read reads one byte at addr. It fails if addr falls outside the range
// or the range is a tombstone.
func (r *MappedRange) Read(addr uint64, out *byte) bool {
	if !r.IsValid() || !r.Contains(addr) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.origin == OriginAnonymousZero && !r.isTouched(addr) {
		*out = 0
		return true
	}
	*out = r.backing[addr-r.base]
	return true
}

// Write writes one byte at addr. It fails if addr falls outside the
// range or the range is a tombstone.
func (r *MappedRange) Write(addr uint64, val byte) bool {
	if !r.IsValid() || !r.Contains(addr) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backing[addr-r.base] = val
	r.markTouched(addr)
	return true
}

// ToReadOnlyPtr returns the host backing slice for addr, running to the
// end of the range, or nil if the range can't materialize bytes there
// yet (an untouched anonymous-zero page, or an invalid range). Callers
// use this for fast scalar reads and check themselves that the access
// does not cross a page.
func (r *MappedRange) ToReadOnlyPtr(addr uint64) []byte {
	if !r.IsValid() || !r.Contains(addr) {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.origin == OriginAnonymousZero && !r.isTouched(addr) {
		return nil
	}
	return r.backing[addr-r.base:]
}

// ToReadWritePtr is like ToReadOnlyPtr but additionally marks the touched
// bit for anonymous-zero ranges, since callers use it to write in place.
func (r *MappedRange) ToReadWritePtr(addr uint64) []byte {
	if !r.IsValid() || !r.Contains(addr) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markTouched(addr)
	return r.backing[addr-r.base:]
}

// Copy returns a sub-range of r covering [newBase, newLimit), used by
// AddressSpace's map-splitting logic. The sub-range gets a fresh copy of
// the covered bytes for every origin, so it shares no backing array with
// r past this call.
func (r *MappedRange) Copy(newBase, newLimit uint64) *MappedRange {
	if !r.IsValid() {
		return NewInvalidRange(newBase, newLimit)
	}
	r.mu.RLock()
	sub := make([]byte, newLimit-newBase)
	copy(sub, r.backing[newBase-r.base:newLimit-r.base])
	var subTouched []bool
	if r.touched != nil {
		subTouched = make([]bool, len(sub)/PageSize+1)
		for i := range subTouched {
			addr := newBase + uint64(i)*PageSize
			if addr < newLimit {
				subTouched[i] = r.isTouched(addr)
			}
		}
	}
	r.mu.RUnlock()
	return &MappedRange{
		base:    newBase,
		limit:   newLimit,
		origin:  r.origin,
		name:    r.name,
		offset:  r.offset + (newBase - r.base),
		backing: sub,
		touched: subTouched,
	}
}

// Clone returns a new range with independent mutable backing but equal
// content and its own, independently-invalidatable code version token,
// which starts out equal to r's cached version.
// Writes through the clone must never be observed by the parent.
func (r *MappedRange) Clone() *MappedRange {
	if !r.IsValid() {
		return NewInvalidRange(r.base, r.limit)
	}
	r.mu.RLock()
	backing := make([]byte, len(r.backing))
	copy(backing, r.backing)
	var touched []bool
	if r.touched != nil {
		touched = make([]bool, len(r.touched))
		copy(touched, r.touched)
	}
	r.mu.RUnlock()

	r.versionMu.Lock()
	version, versionValid := r.version, r.versionValid
	r.versionMu.Unlock()

	return &MappedRange{
		base:         r.base,
		limit:        r.limit,
		origin:       r.origin,
		name:         r.name,
		offset:       r.offset,
		backing:      backing,
		touched:      touched,
		version:      version,
		versionValid: versionValid,
	}
}

// ComputeCodeVersion lazily digests this range's current bytes with
// xxHash and caches the result until InvalidateCodeVersion is called.
func (r *MappedRange) ComputeCodeVersion() vmid.CodeVersion {
	r.versionMu.Lock()
	defer r.versionMu.Unlock()
	if r.versionValid {
		return r.version
	}
	r.mu.RLock()
	r.version = vmid.CodeVersion(xxhash.Sum64(r.backing))
	r.mu.RUnlock()
	r.versionValid = true
	return r.version
}

// InvalidateCodeVersion assigns a fresh, previously-unobserved token to
// this range. Unlike the lazily-computed content digest, the new token
// is generated and stored immediately so any observer racing the write
// sees a version no older than this call.
func (r *MappedRange) InvalidateCodeVersion() {
	r.versionMu.Lock()
	defer r.versionMu.Unlock()
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	r.version = vmid.CodeVersion(v)
	r.versionValid = true
}
