package fetchdb

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// The range index is an in-memory B-tree over the sortable encoding of
// one (type, field) column. Indexes are built lazily: the first range
// lookup on an unindexed column kicks off a background build from a type
// scan, and lookups fall back to the unindexed path until the build
// finishes. Versions are not indexed; the tree always reflects latest
// live values, so it is rebuilt per process.

type rangeState uint8

const (
	rangeBuilding rangeState = iota + 1
	rangeReady
	rangeFailed
)

// rangeEntry orders by (sortable value encoding, id). The two parts
// compare separately; concatenating them would let a value that is a
// strict prefix of a bound sort past the bound on its id bytes.
type rangeEntry struct {
	val []byte
	id  ID
}

func lessRangeEntry(a, b rangeEntry) bool {
	if c := bytes.Compare(a.val, b.val); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// maxEntryID is the upper id pivot for bound construction.
var maxEntryID = func() ID {
	var id ID
	for i := range id {
		id[i] = 0xFF
	}
	return id
}()

type rangeIndex struct {
	typ   string
	field string

	mu    sync.RWMutex
	state rangeState
	tree  *btree.BTreeG[rangeEntry]

	// Mutations arriving while the build scan runs; applied before the
	// index flips to ready so the scan never misses a concurrent write.
	pending []rangeMutation
}

type rangeMutation struct {
	id   ID
	old  Value
	new  Value
	has  bool // old value present
	live bool // new value present
}

type rangeRegistry struct {
	eng *Engine

	mu      sync.RWMutex
	indexes map[string]*rangeIndex
	closed  bool
}

func newRangeRegistry(eng *Engine) *rangeRegistry {
	return &rangeRegistry{eng: eng, indexes: make(map[string]*rangeIndex)}
}

func rangeKey(typ, field string) string {
	return typ + "\x00" + field
}

func (rr *rangeRegistry) close() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.closed = true
	rr.indexes = nil
}

// entityChanged propagates one committed write into every index over the
// entity's type. prev/next follow the Put/Delete convention: nil means
// absent or deleted.
func (rr *rangeRegistry) entityChanged(typ string, id ID, prev, next Fields) {
	rr.mu.RLock()
	var touched []*rangeIndex
	for _, idx := range rr.indexes {
		if idx.typ == typ {
			touched = append(touched, idx)
		}
	}
	rr.mu.RUnlock()

	for _, idx := range touched {
		old, hasOld := prev[idx.field]
		nv, hasNew := next[idx.field]
		if hasOld && old.IsNull() {
			hasOld = false
		}
		if hasNew && nv.IsNull() {
			hasNew = false
		}
		if !hasOld && !hasNew {
			continue
		}
		m := rangeMutation{id: id, old: old, new: nv, has: hasOld, live: hasNew}

		idx.mu.Lock()
		switch idx.state {
		case rangeBuilding:
			idx.pending = append(idx.pending, m)
		case rangeReady:
			idx.apply(m)
		}
		idx.mu.Unlock()
	}
}

func (idx *rangeIndex) apply(m rangeMutation) {
	if m.has {
		idx.tree.Delete(rangeEntry{val: m.old.appendSortable(nil), id: m.id})
	}
	if m.live {
		idx.tree.ReplaceOrInsert(rangeEntry{val: m.new.appendSortable(nil), id: m.id})
	}
}

// lookup returns the ids of entities whose field value falls in
// [min, max] (nil Value bound means unbounded on that side). ok is false
// when the index isn't ready yet; the first such call triggers the
// background build.
func (rr *rangeRegistry) lookup(typ, field string, min, max Value, minOK, maxOK bool) ([]ID, bool) {
	key := rangeKey(typ, field)

	rr.mu.RLock()
	idx := rr.indexes[key]
	closed := rr.closed
	rr.mu.RUnlock()
	if closed {
		return nil, false
	}

	if idx == nil {
		rr.mu.Lock()
		if rr.closed {
			rr.mu.Unlock()
			return nil, false
		}
		idx = rr.indexes[key]
		if idx == nil {
			idx = &rangeIndex{typ: typ, field: field, state: rangeBuilding}
			rr.indexes[key] = idx
			go rr.build(idx)
		}
		rr.mu.Unlock()
		return nil, false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state != rangeReady {
		return nil, false
	}

	var out []ID
	visit := func(e rangeEntry) bool {
		out = append(out, e.id)
		return true
	}
	switch {
	case minOK && maxOK:
		lo := rangeEntry{val: min.appendSortable(nil)}
		hi := rangeEntry{val: max.appendSortable(nil), id: maxEntryID}
		idx.tree.AscendRange(lo, hi, visit)
		// AscendRange excludes the upper pivot itself, which is only a
		// real entry when an all-0xFF id holds the bound value exactly.
		if e, ok := idx.tree.Get(hi); ok {
			visit(e)
		}
	case minOK:
		idx.tree.AscendGreaterOrEqual(rangeEntry{val: min.appendSortable(nil)}, visit)
	case maxOK:
		hi := rangeEntry{val: max.appendSortable(nil), id: maxEntryID}
		idx.tree.AscendLessThan(hi, visit)
		if e, ok := idx.tree.Get(hi); ok {
			visit(e)
		}
	default:
		idx.tree.Ascend(visit)
	}
	return out, true
}

func (rr *rangeRegistry) build(idx *rangeIndex) {
	tree := btree.NewG(16, lessRangeEntry)

	scan, err := rr.eng.ScanType(idx.typ)
	if err != nil {
		rr.buildFailed(idx, err)
		return
	}
	defer scan.Close()
	for scan.Next() {
		row := scan.Row()
		v, ok := row.Fields[idx.field]
		if !ok || v.IsNull() {
			continue
		}
		tree.ReplaceOrInsert(rangeEntry{val: v.appendSortable(nil), id: row.ID})
	}

	idx.mu.Lock()
	idx.tree = tree
	for _, m := range idx.pending {
		idx.apply(m)
	}
	idx.pending = nil
	idx.state = rangeReady
	idx.mu.Unlock()
}

func (rr *rangeRegistry) buildFailed(idx *rangeIndex, err error) {
	rr.eng.logger.Warn("range index build failed", "type", idx.typ, "field", idx.field, "err", err)
	idx.mu.Lock()
	idx.state = rangeFailed
	idx.pending = nil
	idx.mu.Unlock()

	// Drop the entry so a later lookup can retry the build.
	rr.mu.Lock()
	if rr.indexes != nil {
		delete(rr.indexes, rangeKey(idx.typ, idx.field))
	}
	rr.mu.Unlock()
}
