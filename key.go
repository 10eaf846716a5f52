package fetchdb

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	idSize           = 16
	versionSize      = 8
	versionedKeySize = idSize + versionSize
)

// ID is a 128-bit entity identifier (UUID bytes).
type ID [idSize]byte

// NewID returns a fresh random entity id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical UUID string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }
func (id ID) IsZero() bool   { return id == ID{} }

// VersionedKey addresses one version of one entity. The version timestamp
// is encoded big-endian so that key order within an entity's range is
// chronological order.
type VersionedKey struct {
	ID      ID
	Version uint64
}

func (k VersionedKey) encode() []byte {
	buf := make([]byte, versionedKeySize)
	copy(buf, k.ID[:])
	binary.BigEndian.PutUint64(buf[idSize:], k.Version)
	return buf
}

func decodeVersionedKey(b []byte) (VersionedKey, error) {
	if len(b) != versionedKeySize {
		return VersionedKey{}, fmt.Errorf("versioned key is %d bytes, expected %d", len(b), versionedKeySize)
	}
	var k VersionedKey
	copy(k.ID[:], b[:idSize])
	k.Version = binary.BigEndian.Uint64(b[idSize:])
	return k, nil
}

func (k VersionedKey) String() string {
	return fmt.Sprintf("%s@%d", k.ID, k.Version)
}
