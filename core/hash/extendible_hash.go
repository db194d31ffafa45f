// Package hash implements the in-memory extendible hash table the buffer
// pool uses as its page table: a concurrent map from page id to frame,
// growing by bucket splits and directory doubling instead of full rehashes.
package hash

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Func hashes a key to the 64-bit value whose low bits address the directory.
type Func[K comparable] func(K) uint64

// Uint64 is the default hash for integer-like keys.
func Uint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

// bucket holds the entries whose hashes share the low localDepth bits id.
type bucket[K comparable, V any] struct {
	localDepth int
	id         uint64
	items      map[K]V
}

func newBucket[K comparable, V any](depth int, id uint64) *bucket[K, V] {
	return &bucket[K, V]{
		localDepth: depth,
		id:         id,
		items:      make(map[K]V),
	}
}

// ExtendibleHashTable is a mutex-guarded extendible hash map. Buckets hold at
// most bucketSize entries; an overfull bucket splits, doubling the directory
// when its local depth has caught up with the global depth. Buckets are never
// merged back.
type ExtendibleHashTable[K comparable, V any] struct {
	mu          sync.Mutex
	globalDepth int
	bucketSize  int
	directory   []*bucket[K, V]
	hash        Func[K]
	size        int
}

// DefaultBucketSize bounds entries per bucket when the caller passes 0.
const DefaultBucketSize = 32

// NewExtendibleHashTable builds a table with two buckets at depth 1.
func NewExtendibleHashTable[K comparable, V any](bucketSize int, hashFn Func[K]) *ExtendibleHashTable[K, V] {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	t := &ExtendibleHashTable[K, V]{
		globalDepth: 1,
		bucketSize:  bucketSize,
		directory:   make([]*bucket[K, V], 2),
		hash:        hashFn,
	}
	t.directory[0] = newBucket[K, V](1, 0)
	t.directory[1] = newBucket[K, V](1, 1)
	return t
}

func lowBits(h uint64, n int) uint64 {
	return h & (uint64(1)<<n - 1)
}

func (t *ExtendibleHashTable[K, V]) slotOf(key K) uint64 {
	return lowBits(t.hash(key), t.globalDepth)
}

// Find reports the value stored under key, if any.
func (t *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.directory[t.slotOf(key)].items[key]
	return v, ok
}

// Remove deletes the entry for key and reports whether it existed.
// Buckets are not shrunk or merged.
func (t *ExtendibleHashTable[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.directory[t.slotOf(key)]
	if _, ok := b.items[key]; !ok {
		return false
	}
	delete(b.items, key)
	t.size--
	return true
}

// Insert stores value under key, overwriting any previous value, then splits
// buckets until none exceeds the configured size.
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.directory[t.slotOf(key)]
	if _, ok := b.items[key]; !ok {
		t.size++
	}
	b.items[key] = value

	// Splitting can leave either half still overfull when the entries'
	// hashes collide past the new depth bit, so iterate until stable.
	pending := []*bucket[K, V]{b}
	for len(pending) > 0 {
		target := pending[0]
		pending = pending[1:]
		if len(target.items) <= t.bucketSize {
			continue
		}
		if target.localDepth == t.globalDepth {
			t.doubleDirectory()
		}
		sibling := t.splitBucket(target)
		pending = append(pending, target, sibling)
	}
}

// doubleDirectory grows the directory to twice its size. Each new slot points
// at the bucket of the slot addressed by its low globalDepth bits.
func (t *ExtendibleHashTable[K, V]) doubleDirectory() {
	next := make([]*bucket[K, V], 2*len(t.directory))
	for i := range next {
		next[i] = t.directory[lowBits(uint64(i), t.globalDepth)]
	}
	t.globalDepth++
	t.directory = next
}

// splitBucket splits target into itself and one sibling one bit deeper,
// redistributing entries on bit localDepth of their hashes and rewiring the
// directory slots that now address the sibling. Caller holds t.mu and has
// ensured target.localDepth < t.globalDepth.
func (t *ExtendibleHashTable[K, V]) splitBucket(target *bucket[K, V]) *bucket[K, V] {
	depth := target.localDepth + 1
	sibling := newBucket[K, V](depth, target.id|uint64(1)<<target.localDepth)

	snapshot := target.items
	target.items = make(map[K]V)
	target.localDepth = depth

	for k, v := range snapshot {
		if lowBits(t.hash(k), depth) == sibling.id {
			sibling.items[k] = v
		} else {
			target.items[k] = v
		}
	}

	for i := range t.directory {
		if lowBits(uint64(i), depth) == sibling.id {
			t.directory[i] = sibling
		}
	}
	return sibling
}

// GlobalDepth reports the number of low hash bits addressing the directory.
func (t *ExtendibleHashTable[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

// LocalDepth reports the depth of the bucket referenced by directory slot i.
func (t *ExtendibleHashTable[K, V]) LocalDepth(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directory[i].localDepth
}

// NumBuckets reports the number of distinct buckets behind the directory.
func (t *ExtendibleHashTable[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*bucket[K, V]]struct{}, len(t.directory))
	for _, b := range t.directory {
		seen[b] = struct{}{}
	}
	return len(seen)
}

// Size reports the number of stored entries.
func (t *ExtendibleHashTable[K, V]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}
