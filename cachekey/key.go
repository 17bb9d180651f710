// Package cachekey builds the 128-bit cache fingerprint used by l1cache and
// l2cache: a pair of 64-bit hash halves over (store, policy model, object
// type/id, subject type/id, relation).
package cachekey

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// seedHi salts the high half so Hi and Lo are independent digests of the
// same canonical byte stream, approximating a 128-bit hash from a 64-bit
// primitive (xxhash only exports Sum64).
const seedHi uint64 = 0x9e3779b97f4a7c15

// Key is a 128-bit fingerprint. Equality is full 128-bit comparison;
// collisions are treated as cache misses, bounded by 2^-128.
type Key struct {
	Hi uint64
	Lo uint64
}

// Fields is the identity tuple a Key fingerprints.
type Fields struct {
	StoreID       string
	ModelID       string
	ObjectType    string
	ObjectID      string
	SubjectType   string
	SubjectID     string
	Relation      string
}

// Build computes the fingerprint of f. Both halves digest every field;
// Key.Lo is not the object key used for partial invalidation, which
// ObjectKey computes separately.
func Build(f Fields) Key {
	buf := canonicalize(f)

	lo := xxhash.Sum64(buf)

	d := xxhash.New()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], seedHi)
	_, _ = d.Write(seed[:])
	_, _ = d.Write(buf)
	hi := d.Sum64()

	return Key{Hi: hi, Lo: lo}
}

// ObjectKey computes a 64-bit digest of only the object identity (type,
// id) — used by generation.Registry to scope a bump to a single object
// without needing the full tuple. It is not equal to Build's Key.Lo.
func ObjectKey(objectType, objectID string) uint64 {
	buf := appendField(nil, objectType)
	buf = appendField(buf, objectID)
	return xxhash.Sum64(buf)
}

// canonicalize builds a length-prefixed byte stream over f's fields, in a
// fixed order, so no field boundary can be confused with another (e.g.
// ("ab", "c") must not fingerprint the same as ("a", "bc")).
func canonicalize(f Fields) []byte {
	var buf []byte
	buf = appendField(buf, f.StoreID)
	buf = appendField(buf, f.ModelID)
	buf = appendField(buf, f.ObjectType)
	buf = appendField(buf, f.ObjectID)
	buf = appendField(buf, f.SubjectType)
	buf = appendField(buf, f.SubjectID)
	buf = appendField(buf, f.Relation)
	return buf
}

func appendField(buf []byte, s string) []byte {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(s)))
	buf = append(buf, length[:]...)
	buf = append(buf, s...)
	return buf
}
