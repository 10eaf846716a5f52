package fetchdb

import (
	"bytes"
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb *bbolt.DB
}

func newBoltStorage(bdb *bbolt.DB) storage {
	return &boltStorage{bdb: bdb}
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltStorageTx{btx: btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltStorageTx struct {
	btx *bbolt.Tx
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Bucket(name string) storageBucket {
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b == nil {
		return nil
	}
	return boltBucket{b: b}
}

func (tx *boltStorageTx) CreateBucket(name string) (storageBucket, error) {
	b, err := tx.btx.CreateBucketIfNotExists(unsafeBytesFromString(name))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: b}, nil
}

func (tx *boltStorageTx) Commit() error {
	return tx.btx.Commit()
}

func (tx *boltStorageTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte       { return b.b.Get(key) }
func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }
func (b boltBucket) Delete(key []byte) error     { return b.b.Delete(key) }

func (b boltBucket) Cursor() storageCursor {
	return &boltCursor{c: b.b.Cursor()}
}

func (b boltBucket) KeyCount() int {
	return b.b.Stats().KeyN
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c *boltCursor) First() ([]byte, []byte)           { return c.c.First() }
func (c *boltCursor) Last() ([]byte, []byte)            { return c.c.Last() }
func (c *boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }
func (c *boltCursor) Next() ([]byte, []byte)            { return c.c.Next() }
func (c *boltCursor) Prev() ([]byte, []byte)            { return c.c.Prev() }

func (c *boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	limit := append([]byte(nil), prefix...)
	if inc(limit) {
		k, _ := c.c.Seek(limit)
		if k == nil {
			return c.c.Last()
		}
		return c.c.Prev()
	}
	// All-0xFF prefix: nothing sorts after it.
	k, v := c.c.Last()
	for k != nil && bytes.Compare(k, prefix) > 0 && !bytes.HasPrefix(k, prefix) {
		k, v = c.c.Prev()
	}
	return k, v
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
