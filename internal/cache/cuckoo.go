// Package cache implements the metadata cache backing file and directory
// lookups on the hot path: a two-function cuckoo hash from a 64-bit key to
// a 64-bit value with lock-free readers.
//
// Mutations come from a single writer (the control-plane dispatcher);
// readers run on the polling thread and skip slots whose occupancy mark is
// set mid-update. Inserts relocate residents along a bounded eviction path
// and restore the table exactly when the path is exhausted.
package cache

import (
	"math/bits"
	"sync/atomic"

	"github.com/codezyu/dds/internal/constants"
)

// BucketSize is the number of elements per bucket.
const BucketSize = constants.CacheBucketSize

type slot struct {
	// storedHash is the hash that placed the element in this bucket;
	// zero marks the slot vacant.
	storedHash uint64
	altHash    uint64
	key        uint64
	value      uint64
	occ        atomic.Uint32
}

// Table is a fixed-capacity cuckoo hash table. The bucket count is a
// power of two.
type Table struct {
	buckets  []slot
	nBuckets uint64
	maxDepth int
	// victimCursor rotates the eviction slot so one hot bucket does not
	// always sacrifice the same resident.
	victimCursor int
	len          int
}

// NewTable creates a table with nBuckets buckets (rounded up to a power
// of two, minimum 2).
func NewTable(nBuckets int) *Table {
	if nBuckets < 2 {
		nBuckets = 2
	}
	n := uint64(1) << uint(bits.Len64(uint64(nBuckets-1)))
	capacity := int(n) * BucketSize
	depth := 4 * bits.Len64(n-1)
	if depth > capacity {
		depth = capacity
	}
	return &Table{
		buckets:  make([]slot, capacity),
		nBuckets: n,
		maxDepth: depth,
	}
}

// Len returns the number of resident elements.
func (t *Table) Len() int { return t.len }

// Capacity returns the total slot count.
func (t *Table) Capacity() int { return len(t.buckets) }

// Close clears the table.
func (t *Table) Close() {
	for i := range t.buckets {
		t.buckets[i] = slot{}
	}
	t.len = 0
}

// Two independent mixers over the key. The stored hash must never be the
// vacant sentinel.
func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func hashPair(key uint64) (uint64, uint64) {
	h1 := mix(key ^ 0x9e3779b97f4a7c15)
	h2 := mix(key ^ 0x2545f4914f6cdd1d)
	if h1 == 0 {
		h1 = 1
	}
	if h2 == 0 {
		h2 = 1
	}
	if h1 == h2 {
		h2 = ^h1
		if h2 == 0 {
			h2 = 1
		}
	}
	return h1, h2
}

func (t *Table) bucket(h uint64) []slot {
	base := (h & (t.nBuckets - 1)) * BucketSize
	return t.buckets[base : base+BucketSize]
}

type carryElem struct {
	storedHash uint64
	altHash    uint64
	key        uint64
	value      uint64
}

func swapped(e carryElem) carryElem {
	return carryElem{storedHash: e.altHash, altHash: e.storedHash, key: e.key, value: e.value}
}

// writeSlot publishes e into s with the occupancy mark held across the
// field writes.
func writeSlot(s *slot, e carryElem) {
	s.occ.Store(1)
	s.storedHash = e.storedHash
	s.altHash = e.altHash
	s.key = e.key
	s.value = e.value
	s.occ.Store(0)
}

type pathStep struct {
	bucket uint64
	slot   int
}

// Insert places or updates key. It returns false when the bounded
// eviction path is exhausted; the table is then exactly as it was before
// the call.
func (t *Table) Insert(key, value uint64) bool {
	h1, h2 := hashPair(key)

	// Update in place when the key is resident in either bucket.
	if s := t.find(key, h1, h2); s != nil {
		s.occ.Store(1)
		s.value = value
		s.occ.Store(0)
		return true
	}

	carry := carryElem{storedHash: h1, altHash: h2, key: key, value: value}
	var path []pathStep

	for depth := 0; depth <= t.maxDepth; depth++ {
		bIdx := carry.storedHash & (t.nBuckets - 1)
		b := t.bucket(carry.storedHash)
		for i := range b {
			if b[i].storedHash == 0 {
				writeSlot(&b[i], carry)
				t.len++
				return true
			}
		}

		// Bucket full: evict the resident at the rotating offset and
		// carry it to its alternate bucket.
		v := t.victimCursor % BucketSize
		t.victimCursor++
		victim := carryElem{
			storedHash: b[v].storedHash,
			altHash:    b[v].altHash,
			key:        b[v].key,
			value:      b[v].value,
		}
		writeSlot(&b[v], carry)
		path = append(path, pathStep{bucket: bIdx, slot: v})
		carry = swapped(victim)
	}

	// Path exhausted: unwind, restoring every displaced resident to its
	// original slot with its original hash orientation.
	for i := len(path) - 1; i >= 0; i-- {
		st := path[i]
		b := t.buckets[st.bucket*BucketSize : st.bucket*BucketSize+BucketSize]
		displaced := carryElem{
			storedHash: b[st.slot].storedHash,
			altHash:    b[st.slot].altHash,
			key:        b[st.slot].key,
			value:      b[st.slot].value,
		}
		writeSlot(&b[st.slot], swapped(carry))
		carry = displaced
	}
	return false
}

// find returns the resident slot for key, or nil. Writer-side: ignores
// occupancy marks.
func (t *Table) find(key, h1, h2 uint64) *slot {
	b := t.bucket(h1)
	for i := range b {
		if b[i].storedHash == h1 && b[i].key == key {
			return &b[i]
		}
	}
	b = t.bucket(h2)
	for i := range b {
		if b[i].storedHash == h2 && b[i].key == key {
			return &b[i]
		}
	}
	return nil
}

// Lookup returns the value for key. Reader-side: slots marked occupied by
// an in-flight relocation are skipped.
func (t *Table) Lookup(key uint64) (uint64, bool) {
	h1, h2 := hashPair(key)
	b := t.bucket(h1)
	for i := range b {
		if b[i].occ.Load() != 0 {
			continue
		}
		if b[i].storedHash == h1 && b[i].key == key {
			return b[i].value, true
		}
	}
	b = t.bucket(h2)
	for i := range b {
		if b[i].occ.Load() != 0 {
			continue
		}
		if b[i].storedHash == h2 && b[i].key == key {
			return b[i].value, true
		}
	}
	return 0, false
}

// Delete removes key. It returns false when the key is not resident.
func (t *Table) Delete(key uint64) bool {
	h1, h2 := hashPair(key)
	s := t.find(key, h1, h2)
	if s == nil {
		return false
	}
	s.occ.Store(1)
	s.storedHash = 0
	s.altHash = 0
	s.key = 0
	s.value = 0
	s.occ.Store(0)
	t.len--
	return true
}
