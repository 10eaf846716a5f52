package fetchdb

import (
	"errors"
	"testing"
)

func TestPutGetLatest(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	fields := Fields{"name": Str("Ada"), "age": Int(36)}
	v1 := must[uint64](t)(eng.Put("User", id, fields))

	got, version, ok, err := eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, true)
	eq(t, version, v1)
	deepEqual(t, got, fields)
}

func TestGetLatestAbsent(t *testing.T) {
	eng := testEngine(t)
	_, _, ok, err := eng.GetLatest(NewID())
	ensure(t, err)
	eq(t, ok, false)
}

func TestVersionsAreMonotonicPerEntity(t *testing.T) {
	eng, err := OpenMemory(Options{Clock: func() int64 { return 42 }})
	ensure(t, err)
	defer eng.Close()

	id := NewID()
	v1 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(1)}))
	v2 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(2)}))
	v3 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(3)}))
	if !(v1 < v2 && v2 < v3) {
		t.Errorf("** versions not increasing: %d %d %d", v1, v2, v3)
	}
}

func TestGetAtMultiVersion(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	v1 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(1)}))
	v2 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(2)}))
	v3 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(3)}))

	for _, tt := range []struct {
		ts   uint64
		want int64
	}{
		{v1, 1},
		{v2 - 1, 1},
		{v2, 2},
		{v3, 3},
		{v3 + 100000, 3},
	} {
		fields, _, ok, err := eng.GetAt(id, tt.ts)
		ensure(t, err)
		eq(t, ok, true)
		eq(t, fields["n"].IntVal(), tt.want)
	}

	_, _, ok, err := eng.GetAt(id, v1-1)
	ensure(t, err)
	eq(t, ok, false)
}

func TestDeleteTombstone(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	v1 := must[uint64](t)(eng.Put("User", id, Fields{"n": Int(1)}))
	ensure(t, eng.Delete("User", id))

	_, _, ok, err := eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, false)

	// Old version still readable as of its own timestamp.
	fields, _, ok, err := eng.GetAt(id, v1)
	ensure(t, err)
	eq(t, ok, true)
	eq(t, fields["n"].IntVal(), int64(1))

	// A read after the tombstone sees nothing.
	_, _, ok, err = eng.GetAt(id, v1+1000000)
	ensure(t, err)
	eq(t, ok, false)

	// Deleting again is a no-op.
	ensure(t, eng.Delete("User", id))
}

func TestRecreateAfterDelete(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	must[uint64](t)(eng.Put("User", id, Fields{"n": Int(1)}))
	ensure(t, eng.Delete("User", id))
	must[uint64](t)(eng.Put("User", id, Fields{"n": Int(2)}))

	fields, _, ok, err := eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, true)
	eq(t, fields["n"].IntVal(), int64(2))
}

func TestScanVersions(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	must[uint64](t)(eng.Put("User", id, Fields{"n": Int(1)}))
	must[uint64](t)(eng.Put("User", id, Fields{"n": Int(2)}))
	ensure(t, eng.Delete("User", id))

	history := must[[]Version](t)(eng.ScanVersions(id))
	eq(t, len(history), 3)
	eq(t, history[0].Fields["n"].IntVal(), int64(1))
	eq(t, history[1].Fields["n"].IntVal(), int64(2))
	eq(t, history[2].Deleted, true)
	if !(history[0].Version < history[1].Version && history[1].Version < history[2].Version) {
		t.Errorf("** history out of order")
	}
}

func TestScanType(t *testing.T) {
	eng := testEngine(t)
	ids := []ID{NewID(), NewID(), NewID()}
	for i, id := range ids {
		must[uint64](t)(eng.Put("User", id, Fields{"n": Int(int64(i))}))
	}
	must[uint64](t)(eng.Put("Post", NewID(), Fields{"title": Str("x")}))
	ensure(t, eng.Delete("User", ids[1]))

	scan := must[*TypeScan](t)(eng.ScanType("User"))
	defer scan.Close()
	var got []ID
	for scan.Next() {
		got = append(got, scan.Row().ID)
	}
	eq(t, len(got), 2)
	for _, id := range got {
		if id == ids[1] {
			t.Errorf("** deleted entity surfaced in scan")
		}
	}
}

func TestListTypeIDs(t *testing.T) {
	eng := testEngine(t)
	a, b := NewID(), NewID()
	must[uint64](t)(eng.Put("User", a, Fields{}))
	must[uint64](t)(eng.Put("User", b, Fields{}))
	ensure(t, eng.Delete("User", b))

	ids := must[[]ID](t)(eng.ListTypeIDs("User"))
	deepEqual(t, ids, []ID{a})
}

func TestBatchGetLatest(t *testing.T) {
	eng := testEngine(t)
	a, b := NewID(), NewID()
	must[uint64](t)(eng.Put("User", a, Fields{"n": Int(1)}))
	must[uint64](t)(eng.Put("User", b, Fields{"n": Int(2)}))
	ensure(t, eng.Delete("User", b))

	rows := must[[]*Row](t)(eng.BatchGetLatest([]ID{a, b, NewID()}))
	eq(t, len(rows), 3)
	eq(t, rows[0].Fields["n"].IntVal(), int64(1))
	if rows[1] != nil || rows[2] != nil {
		t.Errorf("** deleted/absent entities must yield nil rows")
	}
}

func TestHashLookup(t *testing.T) {
	eng := testEngine(t)
	a, b, c := NewID(), NewID(), NewID()
	must[uint64](t)(eng.Put("User", a, Fields{"status": Str("active")}))
	must[uint64](t)(eng.Put("User", b, Fields{"status": Str("active")}))
	must[uint64](t)(eng.Put("User", c, Fields{"status": Str("banned")}))

	ids := must[[]ID](t)(eng.HashLookup("User", "status", Str("active")))
	eq(t, len(ids), 2)

	// Value change migrates the index entry.
	must[uint64](t)(eng.Put("User", a, Fields{"status": Str("banned")}))
	ids = must[[]ID](t)(eng.HashLookup("User", "status", Str("active")))
	deepEqual(t, ids, []ID{b})
	ids = must[[]ID](t)(eng.HashLookup("User", "status", Str("banned")))
	eq(t, len(ids), 2)

	// Delete removes the entity from its slots.
	ensure(t, eng.Delete("User", c))
	ids = must[[]ID](t)(eng.HashLookup("User", "status", Str("banned")))
	deepEqual(t, ids, []ID{a})
}

func TestPutRejectsZeroID(t *testing.T) {
	eng := testEngine(t)
	_, err := eng.Put("User", ID{}, Fields{})
	if err == nil {
		t.Errorf("** zero id accepted")
	}
	_, err = eng.Put("", NewID(), Fields{})
	if err == nil {
		t.Errorf("** empty type accepted")
	}
}

func TestScanTypeSkipsUndecodableRecord(t *testing.T) {
	eng := testEngine(t)
	good := testID(1)
	bad := testID(2)
	must[uint64](t)(eng.Put("User", good, Fields{"name": Str("a")}))
	ver := must[uint64](t)(eng.Put("User", bad, Fields{"name": Str("b")}))

	// Overwrite the second record with bytes that fail to decode.
	tx := must[storageTx](t)(eng.store.BeginTx(true))
	key := VersionedKey{ID: bad, Version: ver}.encode()
	ensure(t, tx.Bucket(dataBucket).Put(key, []byte{0xFF, 0xFF, 0xFF}))
	ensure(t, tx.Commit())

	scan := must[*TypeScan](t)(eng.ScanType("User"))
	defer scan.Close()
	var got []ID
	for scan.Next() {
		got = append(got, scan.Row().ID)
	}
	deepEqual(t, got, []ID{good})

	// A point read of the same entity surfaces the error.
	_, _, _, err := eng.GetLatest(bad)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Errorf("** got %v, wanted a storage error", err)
	}
}

func TestBoltBackendRoundtrip(t *testing.T) {
	path := t.TempDir() + "/test.db"
	eng, err := Open(path, Options{IsTesting: true})
	ensure(t, err)

	id := NewID()
	must[uint64](t)(eng.Put("User", id, Fields{"name": Str("Ada")}))
	fields, _, ok, err := eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, true)
	eq(t, fields["name"].StrVal(), "Ada")
	ensure(t, eng.Close())

	// Data survives reopen.
	eng, err = Open(path, Options{IsTesting: true})
	ensure(t, err)
	defer eng.Close()
	fields, _, ok, err = eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, true)
	eq(t, fields["name"].StrVal(), "Ada")
}
