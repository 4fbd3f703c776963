// Package livetrace is the executor's hot dispatch table: given a task's
// current (PC, CodeVersion), find the compiled host function to run next
// without re-decoding or re-lifting. It is purely in-memory; durable
// identity reuse across runs is pkg/codecache's job.
package livetrace

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/isabella232/vmill/internal/runtimeabi"
	"github.com/isabella232/vmill/pkg/vmid"
)

// Table maps LiveTraceId to its compiled function. Entries evict on an
// LRU basis once the table holds more distinct live traces than its
// capacity, bounding host memory for programs with pathologically large
// working sets of trace heads.
type Table struct {
	cache *lru.Cache[vmid.LiveTraceId, runtimeabi.LiftedFunction]
}

// New builds a table holding at most capacity live traces at once.
func New(capacity int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	c, _ := lru.New[vmid.LiveTraceId, runtimeabi.LiftedFunction](capacity)
	return &Table{cache: c}
}

// Lookup returns the function installed for id, if the table still holds
// it.
func (t *Table) Lookup(id vmid.LiveTraceId) (runtimeabi.LiftedFunction, bool) {
	return t.cache.Get(id)
}

// Install associates id with fn, evicting the least-recently-used entry
// if the table is at capacity.
func (t *Table) Install(id vmid.LiveTraceId, fn runtimeabi.LiftedFunction) {
	t.cache.Add(id, fn)
}

// Forget removes every live trace at pc, regardless of code version. The
// executor calls this after an address space reports self-modifying
// code, since the old LiveTraceId at that PC is no longer reachable —
// the next lookup will miss and a fresh CodeVersion will be computed.
func (t *Table) Forget(pc vmid.PC) {
	for _, id := range t.cache.Keys() {
		if id.PC == pc {
			t.cache.Remove(id)
		}
	}
}

// Len reports how many live traces the table currently holds.
func (t *Table) Len() int { return t.cache.Len() }
