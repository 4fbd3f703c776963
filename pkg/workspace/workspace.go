// Package workspace lays out the directory a run reads its snapshot
// from and writes its derived state (page contents, the persisted trace
// index, compiled code) into. The layout mirrors the original tool's
// convention of one workspace directory per snapshot: a snapshot file,
// a memory directory holding one file per page range, an index, and a
// per-tool bitcode/library area keyed by a hash of the tool name and
// runtime path.
package workspace

import (
	"hash/fnv"
	"path/filepath"

	"github.com/spf13/afero"
)

// Workspace resolves and creates the well-known subdirectories of one
// run's working directory. Fs is an afero.Fs so tests and tools can
// substitute an in-memory filesystem instead of touching disk.
type Workspace struct {
	Fs   afero.Fs
	root string
}

// New roots a Workspace at dir on fs. fs may be afero.NewOsFs() for real
// use or afero.NewMemMapFs() for tests.
func New(fs afero.Fs, dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	return &Workspace{Fs: fs, root: abs}, nil
}

// Dir is the workspace root.
func (w *Workspace) Dir() string { return w.root }

// SnapshotPath is the frozen program snapshot this workspace was built
// from.
func (w *Workspace) SnapshotPath() string {
	return filepath.Join(w.root, "snapshot")
}

// IndexPath is the persisted TraceId<->LiveTraceId index.
func (w *Workspace) IndexPath() string {
	return filepath.Join(w.root, "index")
}

// MemoryDir holds one file per named page range, created on demand.
func (w *Workspace) MemoryDir() (string, error) {
	dir := filepath.Join(w.root, "memory")
	if err := w.Fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// PageRangeFile is the path a named page range's contents are read from
// or written to.
func (w *Workspace) PageRangeFile(name string) (string, error) {
	dir, err := w.MemoryDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// BitcodeDir holds lifted-but-not-yet-tool-specific compiled output.
func (w *Workspace) BitcodeDir() (string, error) {
	dir := filepath.Join(w.root, "bitcode")
	if err := w.Fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// ToolDir returns the tool-specific subdirectory for a given tool name
// and runtime path, creating it if needed. Distinct (tool, runtime)
// pairs never share a code cache, since instrumented code compiled
// against one tool/runtime combination isn't valid for another.
func (w *Workspace) ToolDir(runtimePath, tool string) (string, error) {
	h := fnv.New64a()
	h.Write([]byte(runtimePath))
	h.Write([]byte(tool))
	dir := filepath.Join(w.root, hex64(h.Sum64()))
	if err := w.Fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// LibraryDir is the tool-specific code cache directory beneath ToolDir.
func (w *Workspace) LibraryDir(runtimePath, tool string) (string, error) {
	toolDir, err := w.ToolDir(runtimePath, tool)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(toolDir, "lib")
	if err := w.Fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func hex64(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
