// Package pageid defines the Key and LSN primitives shared by every layer
// of the storage engine: a Key identifies an 8KiB page, an LSN identifies a
// point in the write-ahead log.
package pageid

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeySize is the on-disk and in-memory width of a Key: 1+4+4+4+1+4 bytes.
const KeySize = 18

// PageSize is the fixed size of a materialized page image.
const PageSize = 8192

// Key is an 18-byte, totally ordered, densely packed page identifier.
// Field6 is the block number; the other fields identify the relation/fork
// the block belongs to.
type Key struct {
	Field1 uint8
	Field2 uint32
	Field3 uint32
	Field4 uint32
	Field5 uint8
	Field6 uint32
}

// MinKey and MaxKey bound the entire keyspace; used as default range
// endpoints when a layer or partition covers "everything".
var (
	MinKey = Key{}
	MaxKey = Key{
		Field1: 0xff, Field2: 0xffffffff, Field3: 0xffffffff,
		Field4: 0xffffffff, Field5: 0xff, Field6: 0xffffffff,
	}
)

// Bytes encodes the key into its canonical 18-byte big-endian form, which
// is also the on-disk sort order used to break ties between overlapping
// layers and for the delta/image layer file-naming scheme.
func (k Key) Bytes() [KeySize]byte {
	var b [KeySize]byte
	b[0] = k.Field1
	binary.BigEndian.PutUint32(b[1:5], k.Field2)
	binary.BigEndian.PutUint32(b[5:9], k.Field3)
	binary.BigEndian.PutUint32(b[9:13], k.Field4)
	b[13] = k.Field5
	binary.BigEndian.PutUint32(b[14:18], k.Field6)
	return b
}

// KeyFromBytes decodes the canonical 18-byte form produced by Bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("pageid: key must be %d bytes, got %d", KeySize, len(b))
	}
	return Key{
		Field1: b[0],
		Field2: binary.BigEndian.Uint32(b[1:5]),
		Field3: binary.BigEndian.Uint32(b[5:9]),
		Field4: binary.BigEndian.Uint32(b[9:13]),
		Field5: b[13],
		Field6: binary.BigEndian.Uint32(b[14:18]),
	}, nil
}

// Compare orders keys the same way the on-disk B-tree and layer map do:
// byte-lexicographic over the canonical encoding.
func (k Key) Compare(o Key) int {
	a, b := k.Bytes(), o.Bytes()
	return bytes.Compare(a[:], b[:])
}

// Less reports whether k sorts strictly before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// String renders the key the way layer filenames do: one unbroken hex run.
func (k Key) String() string {
	b := k.Bytes()
	return fmt.Sprintf("%x", b[:])
}

// NextKey returns the immediate successor of k in key space, saturating at
// MaxKey. Used to turn an inclusive single-key range into a half-open one.
func (k Key) NextKey() Key {
	b := k.Bytes()
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			for j := i + 1; j < len(b); j++ {
				b[j] = 0
			}
			next, _ := KeyFromBytes(b[:])
			return next
		}
	}
	return MaxKey
}

// ShardHash hashes every field of the key except the block number (Field6),
// so that all blocks of one relation scatter evenly across shards while
// staying ordered within a shard, using crypto.Keccak256 for the content
// addressing.
func (k Key) ShardHash() [32]byte {
	var buf [13]byte
	buf[0] = k.Field1
	binary.BigEndian.PutUint32(buf[1:5], k.Field2)
	binary.BigEndian.PutUint32(buf[5:9], k.Field3)
	binary.BigEndian.PutUint32(buf[9:13], k.Field4)
	h := crypto.Keccak256Hash(buf[:], []byte{k.Field5})
	return [32]byte(h)
}

// ShardIndex computes the shard index of k for a keyspace sharded into n
// shards (n must be > 0).
func (k Key) ShardIndex(n uint32) uint32 {
	if n <= 1 {
		return 0
	}
	h := k.ShardHash()
	return binary.BigEndian.Uint32(h[:4]) % n
}

// RelTag identifies one relation fork: every field of a Key except the
// block number, which numbers the individual pages within it.
type RelTag struct {
	Field1 uint8
	Field2 uint32
	Field3 uint32
	Field4 uint32
	Field5 uint8
}

// Rel extracts the relation fork k belongs to.
func (k Key) Rel() RelTag {
	return RelTag{Field1: k.Field1, Field2: k.Field2, Field3: k.Field3, Field4: k.Field4, Field5: k.Field5}
}

// BlockKey returns the key for block blk within this relation fork.
func (r RelTag) BlockKey(blk uint32) Key {
	return Key{Field1: r.Field1, Field2: r.Field2, Field3: r.Field3, Field4: r.Field4, Field5: r.Field5, Field6: blk}
}

// KeyRange returns the half-open range spanning every block of this
// relation fork.
func (r RelTag) KeyRange() KeyRange {
	return KeyRange{Lo: r.BlockKey(0), Hi: r.BlockKey(0xffffffff).NextKey()}
}

// KeyRange is a half-open [Lo, Hi) range over the keyspace.
type KeyRange struct {
	Lo, Hi Key
}

// Contains reports whether k falls inside [r.Lo, r.Hi).
func (r KeyRange) Contains(k Key) bool {
	return !k.Less(r.Lo) && k.Less(r.Hi)
}

// Overlaps reports whether r and o share any keys.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return r.Lo.Less(o.Hi) && o.Lo.Less(r.Hi)
}

// IsFullRange reports whether r spans the entire keyspace -- the defining
// property of an L0 delta layer (see layer map's get_level0_deltas).
func (r KeyRange) IsFullRange() bool {
	return r.Lo == MinKey && r.Hi == MaxKey
}
