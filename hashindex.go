package fetchdb

// The hash index maps (type, field, value hash) to the packed ids of live
// entities holding that value. It serves equality and membership lookups;
// because only a 64-bit hash of the value is stored, callers must re-check
// candidates against the real filter.

func hashIndexKey(typ, field string, value Value) []byte {
	buf := make([]byte, 0, len(typ)+len(field)+2*2+8)
	buf = appendVarstring(buf, typ)
	buf = appendVarstring(buf, field)
	off, buf := grow(buf, 8)
	putUint64BE(buf[off:], value.hash64())
	return buf
}

// updateHashIndex reconciles the index entries of one entity after a
// write. prev is the entity's previous live field map (nil if absent or
// deleted); next is the new one (nil on delete). Null values are not
// indexed.
func updateHashIndex(tx storageTx, typ string, id ID, prev, next Fields) error {
	bucket := tx.Bucket(hashIdxBucket)

	for name, old := range prev {
		if old.IsNull() {
			continue
		}
		if nv, ok := next[name]; ok && nv.Equal(old) {
			continue
		}
		if err := hashIndexRemove(bucket, hashIndexKey(typ, name, old), id); err != nil {
			return err
		}
	}
	for name, nv := range next {
		if nv.IsNull() {
			continue
		}
		if old, ok := prev[name]; ok && old.Equal(nv) {
			continue
		}
		if err := hashIndexInsert(bucket, hashIndexKey(typ, name, nv), id); err != nil {
			return err
		}
	}
	return nil
}

func hashIndexInsert(bucket storageBucket, key []byte, id ID) error {
	existing := bucket.Get(key)
	for i := 0; i+idSize <= len(existing); i += idSize {
		if ID(existing[i:i+idSize]) == id {
			return nil
		}
	}
	merged := make([]byte, 0, len(existing)+idSize)
	merged = append(merged, existing...)
	merged = append(merged, id[:]...)
	if err := bucket.Put(key, merged); err != nil {
		return storageErrf("hashidx", key, err, "insert")
	}
	return nil
}

func hashIndexRemove(bucket storageBucket, key []byte, id ID) error {
	existing := bucket.Get(key)
	if existing == nil {
		return nil
	}
	remaining := make([]byte, 0, len(existing))
	for i := 0; i+idSize <= len(existing); i += idSize {
		if ID(existing[i:i+idSize]) != id {
			remaining = append(remaining, existing[i:i+idSize]...)
		}
	}
	if len(remaining) == len(existing) {
		return nil
	}
	if len(remaining) == 0 {
		if err := bucket.Delete(key); err != nil {
			return storageErrf("hashidx", key, err, "delete")
		}
		return nil
	}
	if err := bucket.Put(key, remaining); err != nil {
		return storageErrf("hashidx", key, err, "remove")
	}
	return nil
}

func lookupHashIndex(tx storageTx, typ, field string, value Value) ([]ID, error) {
	key := hashIndexKey(typ, field, value)
	packed := tx.Bucket(hashIdxBucket).Get(key)
	if len(packed) == 0 {
		return nil, nil
	}
	out := make([]ID, 0, len(packed)/idSize)
	for i := 0; i+idSize <= len(packed); i += idSize {
		out = append(out, ID(packed[i:i+idSize]))
	}
	return out, nil
}
