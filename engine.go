package fetchdb

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const (
	dataBucket    = "data"
	latestBucket  = "latest"
	typeIdxBucket = "typeidx"
	hashIdxBucket = "hashidx"
)

var allBuckets = []string{dataBucket, latestBucket, typeIdxBucket, hashIdxBucket}

// Options configure an Engine.
type Options struct {
	Logger *slog.Logger

	// IsTesting relaxes durability for faster test runs.
	IsTesting bool

	MmapSize int

	// Clock overrides the version clock; it must return microseconds since
	// the Unix epoch. Nil means time.Now.
	Clock func() int64
}

// Engine is the versioned storage engine. Every write produces a new
// immutable version keyed by (entity id, timestamp); old versions remain
// readable until compaction. All methods are safe for concurrent use.
type Engine struct {
	store  storage
	logger *slog.Logger
	clock  func() int64

	ranges  *rangeRegistry
	columns *columnarStore

	reads atomic.Int64
}

// Open opens or creates an engine backed by a Bolt file at the given path.
func Open(path string, opt Options) (*Engine, error) {
	bopt := *bbolt.DefaultOptions
	bopt.InitialMmapSize = opt.MmapSize
	if opt.IsTesting {
		bopt.NoSync = true
	}
	bdb, err := bbolt.Open(path, 0o644, &bopt)
	if err != nil {
		return nil, err
	}
	return newEngine(newBoltStorage(bdb), opt)
}

// OpenMemory opens a transient in-memory engine, mainly for tests.
func OpenMemory(opt Options) (*Engine, error) {
	return newEngine(newMemStorage(), opt)
}

func newEngine(store storage, opt Options) (*Engine, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opt.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMicro() }
	}

	eng := &Engine{
		store:  store,
		logger: logger,
		clock:  clock,
	}
	eng.ranges = newRangeRegistry(eng)
	eng.columns = newColumnarStore(eng)

	tx, err := store.BeginTx(true)
	if err != nil {
		store.Close()
		return nil, err
	}
	defer tx.Rollback()
	for _, name := range allBuckets {
		if _, err := tx.CreateBucket(name); err != nil {
			store.Close()
			return nil, storageErrf("init", nil, err, "create bucket %s", name)
		}
	}
	if err := tx.Commit(); err != nil {
		store.Close()
		return nil, err
	}
	return eng, nil
}

func (eng *Engine) Close() error {
	eng.ranges.close()
	return eng.store.Close()
}

// ReadCount returns the cumulative number of storage read operations.
func (eng *Engine) ReadCount() int64 {
	return eng.reads.Load()
}

func (eng *Engine) countRead() {
	eng.reads.Add(1)
}

// typeIndexKey is the type-index entry for one entity: the type name, a
// zero separator, then the raw id. Type names must not contain NUL.
func typeIndexKey(typ string, id ID) []byte {
	buf := make([]byte, 0, len(typ)+1+idSize)
	buf = append(buf, typ...)
	buf = append(buf, 0)
	buf = append(buf, id[:]...)
	return buf
}

func typeIndexPrefix(typ string) []byte {
	buf := make([]byte, 0, len(typ)+1)
	buf = append(buf, typ...)
	buf = append(buf, 0)
	return buf
}

// latest bucket value: 8-byte big-endian version followed by the record
// flags byte, so liveness checks avoid a data bucket read.
func encodeLatest(version uint64, deleted bool) []byte {
	buf := make([]byte, versionSize+1)
	putUint64BE(buf, version)
	if deleted {
		buf[versionSize] = flagDeleted
	}
	return buf
}

func decodeLatest(b []byte) (version uint64, deleted bool, err error) {
	if len(b) != versionSize+1 {
		return 0, false, fmt.Errorf("latest entry is %d bytes, expected %d", len(b), versionSize+1)
	}
	return uint64BE(b), b[versionSize]&flagDeleted != 0, nil
}

// Put stores a new version of the entity and updates all indexes. The
// version timestamp is the current clock reading, bumped if needed so that
// versions of one entity are strictly increasing. Returns the assigned
// version.
func (eng *Engine) Put(typ string, id ID, fields Fields) (uint64, error) {
	if typ == "" {
		return 0, fmt.Errorf("empty entity type")
	}
	if id.IsZero() {
		return 0, fmt.Errorf("zero entity id")
	}
	payload, err := encodeFields(fields)
	if err != nil {
		return 0, storageErrf("put", nil, err, "encode %s", id)
	}

	tx, err := eng.store.BeginTx(true)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	data := tx.Bucket(dataBucket)
	latest := tx.Bucket(latestBucket)
	typeIdx := tx.Bucket(typeIdxBucket)

	var prevFields Fields
	version := uint64(eng.clock())
	if raw := latest.Get(id[:]); raw != nil {
		prevVersion, prevDeleted, err := decodeLatest(raw)
		if err != nil {
			return 0, storageErrf("put", id[:], err, "")
		}
		if version <= prevVersion {
			version = prevVersion + 1
		}
		if !prevDeleted {
			prevFields, err = eng.loadVersion(data, id, prevVersion)
			if err != nil {
				return 0, err
			}
		}
	}

	key := VersionedKey{ID: id, Version: version}.encode()
	if err := data.Put(key, encodeRecord(Record{Payload: payload})); err != nil {
		return 0, storageErrf("put", key, err, "")
	}
	if err := latest.Put(id[:], encodeLatest(version, false)); err != nil {
		return 0, storageErrf("put", id[:], err, "")
	}
	if err := typeIdx.Put(typeIndexKey(typ, id), nil); err != nil {
		return 0, storageErrf("put", nil, err, "type index %s", typ)
	}
	if err := updateHashIndex(tx, typ, id, prevFields, fields); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	eng.ranges.entityChanged(typ, id, prevFields, fields)
	eng.columns.update(typ, id, fields)
	return version, nil
}

// Delete writes a tombstone version for the entity. Older versions remain
// readable through GetAt. Deleting an absent or already-deleted entity is
// a no-op.
func (eng *Engine) Delete(typ string, id ID) error {
	tx, err := eng.store.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	data := tx.Bucket(dataBucket)
	latest := tx.Bucket(latestBucket)

	raw := latest.Get(id[:])
	if raw == nil {
		return nil
	}
	prevVersion, prevDeleted, err := decodeLatest(raw)
	if err != nil {
		return storageErrf("delete", id[:], err, "")
	}
	if prevDeleted {
		return nil
	}
	prevFields, err := eng.loadVersion(data, id, prevVersion)
	if err != nil {
		return err
	}

	version := uint64(eng.clock())
	if version <= prevVersion {
		version = prevVersion + 1
	}
	key := VersionedKey{ID: id, Version: version}.encode()
	if err := data.Put(key, encodeRecord(tombstone())); err != nil {
		return storageErrf("delete", key, err, "")
	}
	if err := latest.Put(id[:], encodeLatest(version, true)); err != nil {
		return storageErrf("delete", id[:], err, "")
	}
	if err := updateHashIndex(tx, typ, id, prevFields, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	eng.ranges.entityChanged(typ, id, prevFields, nil)
	eng.columns.remove(typ, id)
	return nil
}

func (eng *Engine) loadVersion(data storageBucket, id ID, version uint64) (Fields, error) {
	eng.countRead()
	key := VersionedKey{ID: id, Version: version}.encode()
	raw := data.Get(key)
	if raw == nil {
		return nil, storageErrf("get", key, nil, "missing version record")
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, storageErrf("get", key, err, "")
	}
	if rec.Deleted {
		return nil, nil
	}
	return decodeFields(rec.Payload)
}

// GetLatest returns the newest live version of the entity. ok is false if
// the entity was never written or its newest version is a tombstone.
func (eng *Engine) GetLatest(id ID) (Fields, uint64, bool, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, 0, false, err
	}
	defer tx.Rollback()
	return eng.getLatestTx(tx, id)
}

func (eng *Engine) getLatestTx(tx storageTx, id ID) (Fields, uint64, bool, error) {
	eng.countRead()
	raw := tx.Bucket(latestBucket).Get(id[:])
	if raw == nil {
		return nil, 0, false, nil
	}
	version, deleted, err := decodeLatest(raw)
	if err != nil {
		return nil, 0, false, storageErrf("get", id[:], err, "")
	}
	if deleted {
		return nil, 0, false, nil
	}
	fields, err := eng.loadVersion(tx.Bucket(dataBucket), id, version)
	if err != nil {
		return nil, 0, false, err
	}
	return fields, version, true, nil
}

// GetAt returns the entity as of the given timestamp: the newest live
// version whose timestamp is <= ts. Tombstones at or before ts hide the
// entity only if no earlier live version precedes them; a tombstone is
// itself a version, so a read between a delete and a re-create sees
// nothing.
func (eng *Engine) GetAt(id ID, ts uint64) (Fields, uint64, bool, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, 0, false, err
	}
	defer tx.Rollback()

	eng.countRead()
	c := tx.Bucket(dataBucket).Cursor()
	bound := VersionedKey{ID: id, Version: ts}.encode()
	k, v := c.SeekLast(bound)
	if k == nil || !bytes.HasPrefix(k, id[:]) {
		return nil, 0, false, nil
	}
	vk, err := decodeVersionedKey(k)
	if err != nil {
		return nil, 0, false, storageErrf("get_at", k, err, "")
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return nil, 0, false, storageErrf("get_at", k, err, "")
	}
	if rec.Deleted {
		return nil, 0, false, nil
	}
	fields, err := decodeFields(rec.Payload)
	if err != nil {
		return nil, 0, false, storageErrf("get_at", k, err, "")
	}
	return fields, vk.Version, true, nil
}

// Row is one entity in a batch or scan result.
type Row struct {
	ID      ID
	Version uint64
	Fields  Fields
}

// BatchGetLatest fetches the newest live versions of several entities in
// one transaction. The result is positionally aligned with ids; absent or
// deleted entities yield nil entries.
func (eng *Engine) BatchGetLatest(ids []ID) ([]*Row, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]*Row, len(ids))
	for i, id := range ids {
		fields, version, ok, err := eng.getLatestTx(tx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = &Row{ID: id, Version: version, Fields: fields}
		}
	}
	return out, nil
}

// ListTypeIDs returns the ids of all live entities of the given type, in
// id order.
func (eng *Engine) ListTypeIDs(typ string) ([]ID, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	eng.countRead()
	latest := tx.Bucket(latestBucket)
	prefix := typeIndexPrefix(typ)
	var out []ID
	c := tx.Bucket(typeIdxBucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		rest := k[len(prefix):]
		if len(rest) != idSize {
			continue
		}
		var id ID
		copy(id[:], rest)
		raw := latest.Get(id[:])
		if raw == nil {
			continue
		}
		_, deleted, err := decodeLatest(raw)
		if err != nil || deleted {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// TypeScan iterates the live entities of one type in id order. Close must
// be called to release the underlying transaction.
type TypeScan struct {
	eng    *Engine
	tx     storageTx
	cursor storageCursor
	prefix []byte
	first  bool

	row Row
}

// ScanType starts a scan over the live entities of the given type.
func (eng *Engine) ScanType(typ string) (*TypeScan, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, err
	}
	eng.countRead()
	return &TypeScan{
		eng:    eng,
		tx:     tx,
		cursor: tx.Bucket(typeIdxBucket).Cursor(),
		prefix: typeIndexPrefix(typ),
		first:  true,
	}, nil
}

// Next advances to the next live entity, skipping deleted entities and
// entries whose records fail to decode. Returns false at the end of the
// scan.
func (s *TypeScan) Next() bool {
	var k []byte
	if s.first {
		s.first = false
		k, _ = s.cursor.Seek(s.prefix)
	} else {
		k, _ = s.cursor.Next()
	}
	for ; k != nil && bytes.HasPrefix(k, s.prefix); k, _ = s.cursor.Next() {
		rest := k[len(s.prefix):]
		if len(rest) != idSize {
			continue
		}
		var id ID
		copy(id[:], rest)
		fields, version, ok, err := s.eng.getLatestTx(s.tx, id)
		if err != nil {
			// Skip undecodable records; the scan keeps going.
			s.eng.logger.Warn("skipping bad record in type scan", hexAttr("key", k), slog.Any("err", err))
			continue
		}
		if !ok {
			continue
		}
		s.row = Row{ID: id, Version: version, Fields: fields}
		return true
	}
	return false
}

// Row returns the current entity. Valid after Next returns true.
func (s *TypeScan) Row() Row { return s.row }

func (s *TypeScan) Close() error {
	return s.tx.Rollback()
}

// Version is one entry in an entity's version history.
type Version struct {
	Version uint64
	Deleted bool
	Fields  Fields
}

// ScanVersions returns the full version history of one entity, oldest
// first. Tombstones are included with Deleted set.
func (eng *Engine) ScanVersions(id ID) ([]Version, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	eng.countRead()
	var out []Version
	c := tx.Bucket(dataBucket).Cursor()
	for k, v := c.Seek(id[:]); k != nil && bytes.HasPrefix(k, id[:]); k, v = c.Next() {
		vk, err := decodeVersionedKey(k)
		if err != nil {
			return nil, storageErrf("scan_versions", k, err, "")
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, storageErrf("scan_versions", k, err, "")
		}
		ver := Version{Version: vk.Version, Deleted: rec.Deleted}
		if !rec.Deleted {
			ver.Fields, err = decodeFields(rec.Payload)
			if err != nil {
				return nil, storageErrf("scan_versions", k, err, "")
			}
		}
		out = append(out, ver)
	}
	return out, nil
}

// HashLookup returns the ids of live entities whose field currently hashes
// to the same slot as the given value. Callers must re-check candidates
// against the actual filter; hash collisions can surface false positives.
func (eng *Engine) HashLookup(typ, field string, value Value) ([]ID, error) {
	tx, err := eng.store.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	eng.countRead()
	return lookupHashIndex(tx, typ, field, value)
}
