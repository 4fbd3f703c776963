// Package snapshot describes the frozen program image an execute run
// starts from: one or more guest address spaces (possibly related by
// fork), and one or more guest tasks pointing into them. It reads that
// image from a workspace and replays it into a fresh set of
// memory.AddressSpace and executor.InitialTaskInfo values.
//
// The wire format is a single JSON document rather than the protobuf
// schema an external capture tool would produce for this data: this
// module never runs the capture tool or its protoc-generated bindings,
// so it defines a plain Go struct model instead and decodes it with the
// standard library's encoding/json, matching the shape (address spaces
// with optional parent ids, page ranges with a kind/base/limit/name, and
// tasks referencing an address space id and entry PC) the original
// snapshot protobuf carries.
package snapshot

import (
	"encoding/json"
	"io"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/isabella232/vmill/pkg/arch"
	"github.com/isabella232/vmill/pkg/executor"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/vmid"
	"github.com/isabella232/vmill/pkg/workspace"
)

// PageRangeKind classifies a mapped range's origin and permission intent
// the way the capture tool would have observed it in the guest process.
type PageRangeKind string

const (
	KindAnonymous     PageRangeKind = "anonymous"
	KindAnonymousZero PageRangeKind = "anonymous-zero"
	KindFileBacked    PageRangeKind = "file-backed"
	KindStack         PageRangeKind = "stack"
	KindHeap          PageRangeKind = "heap"
	KindVDSO          PageRangeKind = "vdso"
	KindVVar          PageRangeKind = "vvar"
	KindVSyscall      PageRangeKind = "vsyscall"
)

// PageRange is one mapped region of one address space.
type PageRange struct {
	Base       uint64        `json:"base"`
	Limit      uint64        `json:"limit"`
	Kind       PageRangeKind `json:"kind"`
	Name       string        `json:"name"`
	Offset     uint64        `json:"offset"`
	Readable   bool          `json:"readable"`
	Writable   bool          `json:"writable"`
	Executable bool          `json:"executable"`
}

// AddressSpace is one guest address space, optionally cloned (COW) from
// a parent captured earlier in the same snapshot.
type AddressSpace struct {
	ID         int64       `json:"id"`
	ParentID   *int64      `json:"parent_id,omitempty"`
	PageRanges []PageRange `json:"page_ranges"`
}

// Task is one guest thread's entry point into an address space.
type Task struct {
	AddressSpaceID int64   `json:"address_space_id"`
	PC             vmid.PC `json:"pc"`
	State          []byte  `json:"state"`
}

// Snapshot is the full program image: every address space and every
// task, in an order such that a child address space's ParentID always
// names an AddressSpace earlier in the slice.
type Snapshot struct {
	AddressSpaces []AddressSpace `json:"address_spaces"`
	Tasks         []Task         `json:"tasks"`
}

// Load reads and decodes the snapshot document from a workspace.
func Load(ws *workspace.Workspace) (*Snapshot, error) {
	f, err := ws.Fs.Open(ws.SnapshotPath())
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot at %q", ws.SnapshotPath())
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a Snapshot document from r.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return &s, nil
}

// Encode writes s as a Snapshot document, for tools that produce
// snapshots (tests, fixtures) rather than only consuming them.
func Encode(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(s), "encode snapshot")
}

func kindOrigin(k PageRangeKind) bool {
	return k == KindAnonymousZero
}

// loadPageRangeFile reads the named page range's backing bytes from the
// workspace's memory directory into the address space at [base, limit).
// Anonymous-zero ranges have no backing file: they materialize on first
// write.
func loadPageRangeFile(fs afero.Fs, ws *workspace.Workspace, as *memory.AddressSpace, r PageRange) error {
	if kindOrigin(r.Kind) {
		return nil
	}
	path, err := ws.PageRangeFile(r.Name)
	if err != nil {
		return err
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.Wrapf(err, "read page range file %q", path)
	}
	size := r.Limit - r.Base
	if uint64(len(data)) < size {
		return errors.Errorf("page range file %q is too small for [%#x, %#x)", path, r.Base, r.Limit)
	}
	if !as.TryWrite(r.Base, data[:size]) {
		return errors.Errorf("failed to load page range data into [%#x, %#x)", r.Base, r.Limit)
	}
	return nil
}

// LoadIntoExecutor builds every address space and task described by s
// and registers the tasks as initial tasks on exec.
func LoadIntoExecutor(fs afero.Fs, ws *workspace.Workspace, a *arch.Arch, s *Snapshot, exec *executor.Executor) error {
	spaces := make(map[int64]*memory.AddressSpace, len(s.AddressSpaces))

	for _, desc := range s.AddressSpaces {
		if _, exists := spaces[desc.ID]; exists {
			return errors.Errorf("duplicate address space id %d", desc.ID)
		}
		var as *memory.AddressSpace
		if desc.ParentID != nil {
			parent, ok := spaces[*desc.ParentID]
			if !ok {
				return errors.Errorf("address space %d references unknown parent %d", desc.ID, *desc.ParentID)
			}
			as = parent.Clone()
		} else {
			as = memory.NewAddressSpace(a)
		}
		spaces[desc.ID] = as

		for _, pr := range desc.PageRanges {
			if pr.Limit <= pr.Base {
				return errors.Errorf("address space %d: page range [%#x, %#x) is empty or inverted", desc.ID, pr.Base, pr.Limit)
			}
			name := pr.Name
			if kindOrigin(pr.Kind) {
				as.AddAnonymousZeroMap(pr.Base, pr.Limit-pr.Base)
			} else {
				as.AddMap(pr.Base, pr.Limit-pr.Base, name, pr.Offset)
				if err := loadPageRangeFile(fs, ws, as, pr); err != nil {
					return err
				}
			}
			as.SetPermissions(pr.Base, pr.Limit-pr.Base, pr.Readable, pr.Writable, pr.Executable)
			if pr.Kind == KindHeap {
				as.SetInitialProgramBreak(pr.Limit)
			}
		}
	}

	for _, t := range s.Tasks {
		as, ok := spaces[t.AddressSpaceID]
		if !ok {
			return errors.Errorf("task references unknown address space %d", t.AddressSpaceID)
		}
		log.WithField("pc", t.PC.String()).WithField("address_space", t.AddressSpaceID).
			Info("vmill/snapshot: adding initial task")
		exec.AddInitialTask(t.State, t.PC, as)
	}
	return nil
}
