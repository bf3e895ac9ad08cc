package injector

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"

	"github.com/meshkit/injector/monitor"
	"github.com/meshkit/injector/worker"
)

// activeEntry is the Active Set's stored record: a (factory id,
// argument tuple) paired with the worker it started and the monitor
// token watching that worker. seq orders entries by insertion so
// multi-entry lookups enumerate in registration order — cascade
// teardown must stop dependents deterministically.
type activeEntry struct {
	FactoryID string
	Gen       uint64
	Tuple     ArgumentTuple
	Handle    worker.Handle
	Token     monitor.Token
	seq       uint64
}

// idIndexer keys an entry by its composite (factory id, tuple) string,
// the Active Set's primary, unique lookup.
type idIndexer struct{}

func (idIndexer) FromObject(obj any) (bool, []byte, error) {
	e := obj.(*activeEntry)
	return true, append([]byte(activeKey(e.FactoryID, e.Gen, e.Tuple)), 0), nil
}

func (idIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("id index: need exactly one argument")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("id index: argument must be a string")
	}
	return append([]byte(s), 0), nil
}

// workerIndexer supports entries_by_worker, the symmetric lookup
// worker-death handling needs.
type workerIndexer struct{}

func (workerIndexer) FromObject(obj any) (bool, []byte, error) {
	e := obj.(*activeEntry)
	return true, append([]byte(e.Handle.String()), 0), nil
}

func (workerIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("worker index: need exactly one argument")
	}
	h, ok := args[0].(worker.Handle)
	if !ok {
		return nil, fmt.Errorf("worker index: argument must be a worker.Handle")
	}
	return append([]byte(h.String()), 0), nil
}

// itemIndexer is a multi-valued index: an entry is indexed once per
// distinct Item appearing anywhere in its tuple, supporting
// entries_involving(item) for cascade teardown.
type itemIndexer struct{}

func (itemIndexer) FromObject(obj any) (bool, [][]byte, error) {
	e := obj.(*activeEntry)
	out := make([][]byte, 0, len(e.Tuple))
	seen := make(map[string]bool, len(e.Tuple))
	for _, item := range e.Tuple {
		key := fmt.Sprintf("%p", item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, append([]byte(key), 0))
	}
	return true, out, nil
}

func (itemIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("item index: need exactly one argument")
	}
	item, ok := args[0].(*Item)
	if !ok {
		return nil, fmt.Errorf("item index: argument must be an *Item")
	}
	return append([]byte(fmt.Sprintf("%p", item)), 0), nil
}

var activeSetSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"active": {
			Name: "active",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: idIndexer{},
				},
				"worker": {
					Name:    "worker",
					Unique:  true,
					Indexer: workerIndexer{},
				},
				"item": {
					Name:    "item",
					Unique:  false,
					Indexer: itemIndexer{},
				},
			},
		},
	},
}

// ActiveSet is the map from (factory id, argument tuple) to the worker
// instance started for it, backed by an in-memory, multi-indexed
// database so entries_involving and entries_by_worker are O(1) lookups
// rather than table scans.
type ActiveSet struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

func newActiveSet() (*ActiveSet, error) {
	db, err := memdb.NewMemDB(activeSetSchema)
	if err != nil {
		return nil, fmt.Errorf("injector: building active set: %w", err)
	}
	return &ActiveSet{db: db}, nil
}

// Contains reports whether (factoryID, gen, tuple) already has an
// active entry — the idempotence check the Matcher relies on. Entries
// from a prior registration of the same id carry a different gen and do
// not match.
func (s *ActiveSet) Contains(factoryID string, gen uint64, tuple ArgumentTuple) bool {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("active", "id", activeKey(factoryID, gen, tuple))
	return err == nil && raw != nil
}

// Put inserts or replaces the active entry for (factoryID, gen, tuple).
func (s *ActiveSet) Put(factoryID string, gen uint64, tuple ArgumentTuple, handle worker.Handle, tok monitor.Token) {
	txn := s.db.Txn(true)
	_ = txn.Insert("active", &activeEntry{
		FactoryID: factoryID,
		Gen:       gen,
		Tuple:     tuple,
		Handle:    handle,
		Token:     tok,
		seq:       s.seq.Add(1),
	})
	txn.Commit()
}

// Remove deletes the entry for (factoryID, gen, tuple), if present.
func (s *ActiveSet) Remove(factoryID string, gen uint64, tuple ArgumentTuple) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("active", "id", activeKey(factoryID, gen, tuple))
	if err != nil || raw == nil {
		return
	}
	_ = txn.Delete("active", raw)
	txn.Commit()
}

// EntriesInvolving returns every active entry whose tuple contains item,
// by ref.
func (s *ActiveSet) EntriesInvolving(item *Item) []*activeEntry {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("active", "item", item)
	if err != nil {
		return nil
	}
	var out []*activeEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*activeEntry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// EntryByWorker returns the active entry started for handle, if any —
// the symmetric lookup worker-death handling needs.
func (s *ActiveSet) EntryByWorker(handle worker.Handle) (*activeEntry, bool) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("active", "worker", handle)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*activeEntry), true
}

// All returns every active entry, for snapshotting/introspection.
func (s *ActiveSet) All() []*activeEntry {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("active", "id")
	if err != nil {
		return nil
	}
	var out []*activeEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*activeEntry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
