package chm

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	// maximumCapacity bounds the table length. sizeCtl is an int32 and
	// must be able to hold a threshold for the largest table.
	maximumCapacity = 1 << 30
	// defaultCapacity is the table length when no hint is given.
	defaultCapacity = 16
	// treeifyThreshold is the chain length at which a bin becomes a tree.
	treeifyThreshold = 8
	// untreeifyThreshold is the live count at or below which a tree bin
	// reverts to a chain.
	untreeifyThreshold = 6
	// minTreeifyCapacity is the smallest table whose bins may be
	// treeified. Smaller tables grow instead.
	minTreeifyCapacity = 64
	// minTransferStride is the fewest bins a resizer claims at once.
	minTransferStride = 16
	// resizeStampBits is the number of sizeCtl bits used for the stamp.
	resizeStampBits = 16
	// maxResizers bounds the helpers of a single resize.
	maxResizers = (1 << (32 - resizeStampBits)) - 1
	// resizeStampShift positions the stamp in sizeCtl.
	resizeStampShift = 32 - resizeStampBits
)

const (
	// bucketLocked is the held state of bucketLock.
	bucketLocked = 1
)

// bucketLock is a spinlock embedded in each bin. Critical sections are a
// handful of pointer writes, except for compute callbacks, which is why
// contended waiters back off through delay.
type bucketLock struct {
	state atomic.Uint32
}

func (l *bucketLock) lock() {
	if l.state.CompareAndSwap(0, bucketLocked) {
		return
	}
	l.slowLock()
}

func (l *bucketLock) slowLock() {
	spins := 0
	for !l.tryLock() {
		delay(&spins)
	}
}

func (l *bucketLock) tryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, bucketLocked)
}

func (l *bucketLock) unlock() {
	l.state.Store(0)
}

// bin is one slot of the table: the head of whatever the bin holds, and
// the exclusion domain for writers of that bin.
type bin[K comparable, V any] struct {
	head atomic.Pointer[node[K, V]]
	mu   bucketLock
}

// load reads the bin head with acquire semantics.
func (b *bin[K, V]) load() *node[K, V] {
	return b.head.Load()
}

// cas replaces the bin head if it is still old.
func (b *bin[K, V]) cas(old, new *node[K, V]) bool {
	return b.head.CompareAndSwap(old, new)
}

// publish stores the bin head with release semantics. Callers hold the
// bin lock, or own a table nobody else can see yet.
func (b *bin[K, V]) publish(n *node[K, V]) {
	b.head.Store(n)
}

// table is one generation of the map's directory. Its length never
// changes; growing the map replaces the whole table.
type table[K comparable, V any] struct {
	bins []bin[K, V]
	mask uintptr
}

func newTable[K comparable, V any](n int) *table[K, V] {
	return &table[K, V]{
		bins: make([]bin[K, V], n),
		mask: uintptr(n - 1),
	}
}

func (t *table[K, V]) len() int {
	return len(t.bins)
}

func (t *table[K, V]) index(hash uintptr) int {
	return int(hash & t.mask)
}

func (t *table[K, V]) bin(hash uintptr) *bin[K, V] {
	return &t.bins[hash&t.mask]
}

// allocator creates tables. Replaceable so that allocation failure can be
// exercised; the default turns a runtime allocation panic into an error.
type allocator[K comparable, V any] func(n int) (*table[K, V], error)

func defaultAllocator[K comparable, V any](n int) (tab *table[K, V], err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrapf(e, "chm: allocate table of %d bins", n)
				return
			}
			err = errors.Errorf("chm: allocate table of %d bins: %v", n, r)
		}
	}()
	return newTable[K, V](n), nil
}

// threshold is the element count at which a table of n bins grows.
func threshold(n int) int32 {
	return int32(n - n>>2)
}
