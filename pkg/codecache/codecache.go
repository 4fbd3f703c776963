// Package codecache persists the mapping from a trace's content hash
// (vmid.TraceId) to the live identity (vmid.LiveTraceId) a previous run
// compiled it under, so a later run of the same program doesn't have to
// re-decode and re-lift code it has already seen. It is the durable
// counterpart to pkg/livetrace's in-memory dispatch table.
package codecache

import (
	"encoding/binary"
	"encoding/json"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/isabella232/vmill/pkg/vmid"
)

// Entry is one persisted index record.
type Entry struct {
	TraceId     vmid.TraceId
	LiveTraceId vmid.LiveTraceId
}

// Index is a file-backed TraceId -> LiveTraceId index, opened once per
// workspace and shared across runs against the same snapshot.
type Index struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the index at path. An empty path
// gives an in-memory index, useful for tests and for workspaces that
// choose not to persist across runs.
func Open(path string) (*Index, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open code cache index at %q", path)
	}
	return &Index{db: db}, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

func encodeKey(id vmid.TraceId) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(id.EntryPC))
	binary.BigEndian.PutUint64(key[8:16], uint64(id.Hash))
	return key
}

// Lookup returns the LiveTraceId previously recorded for id, if any.
func (i *Index) Lookup(id vmid.TraceId) (vmid.LiveTraceId, bool) {
	data, err := i.db.Get(encodeKey(id), nil)
	if err != nil {
		return vmid.LiveTraceId{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.WithError(err).Warn("vmill/codecache: corrupt index entry")
		return vmid.LiveTraceId{}, false
	}
	return e.LiveTraceId, true
}

// Record persists a fresh TraceId -> LiveTraceId association, overwriting
// any previous entry for the same TraceId.
func (i *Index) Record(id vmid.TraceId, live vmid.LiveTraceId) error {
	data, err := json.Marshal(Entry{TraceId: id, LiveTraceId: live})
	if err != nil {
		return errors.Wrap(err, "marshal code cache entry")
	}
	if err := i.db.Put(encodeKey(id), data, nil); err != nil {
		return errors.Wrap(err, "put code cache entry")
	}
	return nil
}

// All returns every persisted entry, primarily for diagnostics and tests.
func (i *Index) All() ([]Entry, error) {
	iter := i.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}
