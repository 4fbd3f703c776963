// Package vmid defines the identifier types shared by every other package
// in this module: guest program counters, code versions, and the two
// composite keys (TraceId, LiveTraceId) used to deduplicate translations
// and to drive dispatch.
package vmid

import "fmt"

// PC is a guest program counter. It is a distinct type, not a bare
// uint64, so that arithmetic against host addresses is a compile error
// rather than a silent bug.
type PC uint64

func (pc PC) String() string {
	return fmt.Sprintf("%#016x", uint64(pc))
}

// Add returns pc+n, staying in the PC domain.
func (pc PC) Add(n uint64) PC {
	return PC(uint64(pc) + n)
}

// CodeVersion is an opaque token identifying the byte content of an
// executable range at some point in time. Two PCs living in ranges with
// byte-identical executable content produce equal versions; a write to
// executable bytes invalidates the token for its enclosing range.
type CodeVersion uint64

// ZeroVersion is returned by AddressSpace.ComputeCodeVersion when code
// versioning is disabled by configuration.
const ZeroVersion CodeVersion = 0

func (v CodeVersion) String() string {
	return fmt.Sprintf("v%x", uint64(v))
}

// TraceHashBaseType is the integer domain the trace content hash is
// seeded and computed in, kept distinct so a future switch to a wider
// or narrower digest doesn't ripple through call sites silently.
type TraceHashBaseType = uint64

// TraceHash is the 64-bit digest of a trace's decoded instruction bytes.
type TraceHash uint64

// TraceId identifies a decoded trace by its entry point and the content
// hash of the instructions reachable from it. Two traces with identical
// byte sequences at identical entry PCs collide; identical bytes at
// different PCs do not, because the hash is seeded with PC-derived values.
type TraceId struct {
	EntryPC PC
	Hash    TraceHash
}

func (id TraceId) String() string {
	return fmt.Sprintf("trace(%s,%016x)", id.EntryPC, uint64(id.Hash))
}

// LiveTraceId is the key of the hot dispatch table: a program counter
// paired with the code version that was in effect when it was resolved.
type LiveTraceId struct {
	PC      PC
	Version CodeVersion
}

func (id LiveTraceId) String() string {
	return fmt.Sprintf("live(%s,%s)", id.PC, id.Version)
}
