package fetchdb

import (
	"testing"
	"time"
)

func TestCompactTrimsOldVersions(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	v1 := must[uint64](t)(eng.Put("User", id, Fields{"age": Int(1)}))
	must[uint64](t)(eng.Put("User", id, Fields{"age": Int(2)}))
	v3 := must[uint64](t)(eng.Put("User", id, Fields{"age": Int(3)}))

	stats := must[CompactionStats](t)(eng.Compact(RetentionPolicy{MaxVersions: 2}))
	eq(t, stats.Entities, 1)
	eq(t, stats.VersionsRemoved, 1)
	eq(t, stats.TombstonesRemoved, 0)

	vers := must[[]Version](t)(eng.ScanVersions(id))
	eq(t, len(vers), 2)

	fields, ver, ok, err := eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, true)
	eq(t, ver, v3)
	deepEqual(t, fields["age"], Int(3))

	// The trimmed version is gone from point-in-time reads.
	_, _, ok, err = eng.GetAt(id, v1)
	ensure(t, err)
	eq(t, ok, false)
}

func TestCompactMinAgeProtectsRecentVersions(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	for i := int64(0); i < 3; i++ {
		must[uint64](t)(eng.Put("User", id, Fields{"age": Int(i)}))
	}

	stats := must[CompactionStats](t)(eng.Compact(RetentionPolicy{MaxVersions: 1, MinAge: time.Hour}))
	eq(t, stats.VersionsRemoved, 0)

	vers := must[[]Version](t)(eng.ScanVersions(id))
	eq(t, len(vers), 3)
}

func TestCompactPurgesAgedTombstoneChains(t *testing.T) {
	eng := testEngine(t)
	gone := NewID()
	must[uint64](t)(eng.Put("User", gone, Fields{"age": Int(1)}))
	ensure(t, eng.Delete("User", gone))
	keep := NewID()
	must[uint64](t)(eng.Put("User", keep, Fields{"age": Int(2)}))

	stats := must[CompactionStats](t)(eng.Compact(RetentionPolicy{DropTombstones: true}))
	eq(t, stats.TombstonesRemoved, 1)

	vers := must[[]Version](t)(eng.ScanVersions(gone))
	eq(t, len(vers), 0)
	_, _, ok, err := eng.GetLatest(gone)
	ensure(t, err)
	eq(t, ok, false)

	// The orphaned type index entry is skipped by scans.
	ids := must[[]ID](t)(eng.ListTypeIDs("User"))
	deepEqual(t, ids, []ID{keep})
	_, _, ok, err = eng.GetLatest(keep)
	ensure(t, err)
	eq(t, ok, true)
}

func TestCompactKeepsTombstonesByDefault(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	must[uint64](t)(eng.Put("User", id, Fields{"age": Int(1)}))
	ensure(t, eng.Delete("User", id))

	stats := must[CompactionStats](t)(eng.Compact(RetentionPolicy{MaxVersions: 1}))
	eq(t, stats.TombstonesRemoved, 0)
	eq(t, stats.VersionsRemoved, 1)

	vers := must[[]Version](t)(eng.ScanVersions(id))
	eq(t, len(vers), 1)
	eq(t, vers[0].Deleted, true)
}

func TestCompactLatestAlwaysSurvives(t *testing.T) {
	eng := testEngine(t)
	id := NewID()
	must[uint64](t)(eng.Put("User", id, Fields{"age": Int(7)}))

	stats := must[CompactionStats](t)(eng.Compact(RetentionPolicy{MaxVersions: 1, DropTombstones: true}))
	eq(t, stats.VersionsRemoved, 0)
	eq(t, stats.TombstonesRemoved, 0)

	_, _, ok, err := eng.GetLatest(id)
	ensure(t, err)
	eq(t, ok, true)
}
