package fetchdb

import "time"

// RetentionPolicy controls how much version history Compact keeps.
type RetentionPolicy struct {
	// MinAge protects recent history: versions younger than this are
	// never removed, regardless of the other limits.
	MinAge time.Duration

	// MaxVersions bounds the history kept per entity, newest first.
	// 0 means unlimited.
	MaxVersions int

	// DropTombstones purges entities whose newest version is a
	// tombstone older than MinAge: every version goes, along with the
	// latest pointer, so the id disappears from reads entirely.
	DropTombstones bool
}

// CompactionStats reports one Compact run.
type CompactionStats struct {
	Entities          int
	VersionsRemoved   int
	TombstonesRemoved int
}

// Compact removes old versions per the retention policy in one write
// transaction. The newest version of every entity always survives
// unless DropTombstones purges the whole chain. Type index entries of
// purged entities are left behind; reads and scans already skip ids
// with no latest pointer.
func (eng *Engine) Compact(pol RetentionPolicy) (CompactionStats, error) {
	var stats CompactionStats

	var cutoff uint64
	if now := eng.clock(); now > int64(pol.MinAge/time.Microsecond) {
		cutoff = uint64(now) - uint64(pol.MinAge/time.Microsecond)
	}

	tx, err := eng.store.BeginTx(true)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	data := tx.Bucket(dataBucket)
	latest := tx.Bucket(latestBucket)

	// Data keys sort by id then version, so one pass groups each
	// entity's chain in ascending version order.
	type chain struct {
		id       ID
		versions []uint64
	}
	var chains []chain
	c := data.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		vk, err := decodeVersionedKey(k)
		if err != nil {
			continue
		}
		if n := len(chains); n > 0 && chains[n-1].id == vk.ID {
			chains[n-1].versions = append(chains[n-1].versions, vk.Version)
		} else {
			chains = append(chains, chain{id: vk.ID, versions: []uint64{vk.Version}})
		}
	}

	for _, ch := range chains {
		stats.Entities++
		last := ch.versions[len(ch.versions)-1]

		if pol.DropTombstones && last < cutoff {
			raw := latest.Get(ch.id[:])
			if raw != nil {
				v, deleted, err := decodeLatest(raw)
				if err == nil && deleted && v == last {
					for _, ver := range ch.versions {
						if err := data.Delete(VersionedKey{ID: ch.id, Version: ver}.encode()); err != nil {
							return stats, storageErrf("compact", ch.id[:], err, "")
						}
					}
					if err := latest.Delete(ch.id[:]); err != nil {
						return stats, storageErrf("compact", ch.id[:], err, "")
					}
					stats.VersionsRemoved += len(ch.versions) - 1
					stats.TombstonesRemoved++
					continue
				}
			}
		}

		if pol.MaxVersions <= 0 || len(ch.versions) <= pol.MaxVersions {
			continue
		}
		for _, ver := range ch.versions[:len(ch.versions)-pol.MaxVersions] {
			if ver >= cutoff {
				break
			}
			if err := data.Delete(VersionedKey{ID: ch.id, Version: ver}.encode()); err != nil {
				return stats, storageErrf("compact", ch.id[:], err, "")
			}
			stats.VersionsRemoved++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, err
	}

	if stats.VersionsRemoved > 0 || stats.TombstonesRemoved > 0 {
		eng.logger.Info("compaction finished",
			"entities", stats.Entities,
			"versions_removed", stats.VersionsRemoved,
			"tombstones_removed", stats.TombstonesRemoved)
	}
	return stats, nil
}
