package cache

import (
	"encoding/binary"
	"hash/fnv"
)

// Key is the fingerprint of a cacheable request: which handler instance
// produced it (OwnerID) plus the canonical resolved name within that
// handler's namespace. Ordering is total (hash first, then name), so a
// Cache can keep its entries in an ordered structure if it needs to.
type Key struct {
	OwnerID uint64
	Name    string
	hash    uint64
}

// NewKey builds a Key and precomputes its hash.
func NewKey(ownerID uint64, name string) Key {
	h := fnv.New64a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ownerID)
	h.Write(b[:])
	h.Write([]byte(name))
	return Key{OwnerID: ownerID, Name: name, hash: h.Sum64()}
}

// Hash returns the precomputed fingerprint hash.
func (k Key) Hash() uint64 { return k.hash }

// Less gives Key a total order: hash first, then name.
func (k Key) Less(o Key) bool {
	if k.hash != o.hash {
		return k.hash < o.hash
	}
	return k.Name < o.Name
}

// Token is returned by Loading and is required by Add and Cancel. It binds
// a caller to the specific producer generation it started, the way an
// arena generation counter detects a stale, already-superseded handle
// (spec.md §9's ownership-graph guidance, translated to Go): if another
// goroutine cancelled and a waiting subscriber took over production, the
// original producer's Token goes stale and its later Add/Cancel calls are
// no-ops, which is how it "discovers cancellation" per spec.md §4.4.
type Token struct {
	key Key
	gen uint64
}

// Key returns the cache key this token was issued for.
func (t Token) Key() Key { return t.key }
