package chm

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Map is a concurrent hash map in the design of Java's ConcurrentHashMap.
//
// Reads never lock: Load finds its entry through atomic loads only.
// Writers take a spinlock scoped to a single bin, and the first entry of
// an empty bin is published with a CAS without any lock. When the element
// count crosses 3/4 of the table length, the table doubles; every
// goroutine that touches the map while a resize is running helps move
// bins to the new table, a stride of bins at a time. Bins whose chains
// grow long turn into red-black trees.
//
// Size is an estimate kept by a striped counter. Iteration is weakly
// consistent: it sees every entry present for the whole walk, and may
// or may not see entries added or removed during it.
//
// The zero Map is empty and ready for use. A Map must not be copied
// after first use.
//
// Nil keys and nil values are rejected with a panic wrapping ErrNilKey
// or ErrNilValue when K or V is a pointer, interface, or other nilable
// kind.
type Map[K comparable, V any] struct {
	table     atomic.Pointer[table[K, V]]
	nextTable atomic.Pointer[table[K, V]]
	// sizeCtl controls table initialization and resizing.
	//   0: not initialized, default capacity
	//   > 0 before initialization: initial table length
	//   -1: initializing
	//   < -1: resizing, stamp<<resizeStampShift + 1 + active resizers
	//   > 0 after initialization: element count at which to grow next
	//   growthDisabled: a table allocation failed, never grow again
	sizeCtl atomic.Int32
	// transferIndex is the next bin index (plus one) to split while
	// resizing.
	transferIndex atomic.Int32
	count         counter
	totalGrowths  atomic.Uint32

	initOnce   sync.Once
	seed       uintptr
	keyHash    hashFunc[K]
	keyCompare func(a, b K) int
	valEqual   func(a, b V) bool
	nilableKey bool
	nilableVal bool
	ncpu       int
	log        logrus.FieldLogger
	alloc      allocator[K, V]
}

// growthDisabled pins sizeCtl after a table allocation failed.
const growthDisabled = math.MaxInt32

// NewMap creates a new Map instance. Direct initialization is also
// supported.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithLogger option for resize events
//   - WithKeyHasher, WithKeyCompare, WithValueEqual for custom key and
//     value handling
func NewMap[K comparable, V any](options ...func(*MapConfig)) *Map[K, V] {
	return NewMapWithHasher[K, V](nil, nil, options...)
}

// NewMapWithHasher creates a Map with custom hashing and equality
// functions.
//
// Parameters:
//   - keyHash: nil uses the built-in hasher
//   - valEqual: nil uses the built-in comparison, but if the value is not
//     of a comparable type, CompareAndSwap and CompareAndDelete panic
func NewMapWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(keyHash, valEqual, options...)
	return m
}

// Init configures a zero Map. It has no effect once the map has been
// configured, either by an earlier Init or by first use.
//
// Notes:
//   - This function is not thread-safe and can only be used before the
//     Map is utilized.
func (m *Map[K, V]) Init(
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) {
	m.initOnce.Do(func() {
		m.init(keyHash, valEqual, options...)
	})
}

func (m *Map[K, V]) init(
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) {
	c := &MapConfig{}
	for _, o := range options {
		o(c)
	}

	m.seed = uintptr(rand.Uint64())
	m.keyHash = defaultHasher[K]()
	if c.keyHash != nil {
		m.keyHash = typedOption[func(K, uintptr) uintptr]("WithKeyHasher", c.keyHash)
	}
	if keyHash != nil {
		m.keyHash = keyHash
	}
	m.keyCompare = defaultKeyCompare[K]()
	if c.keyCompare != nil {
		m.keyCompare = typedOption[func(a, b K) int]("WithKeyCompare", c.keyCompare)
	}
	m.valEqual = defaultValEqual[V]()
	if c.valEqual != nil {
		m.valEqual = typedOption[func(a, b V) bool]("WithValueEqual", c.valEqual)
	}
	if valEqual != nil {
		m.valEqual = valEqual
	}
	m.nilableKey = nilable[K]()
	m.nilableVal = nilable[V]()

	m.log = c.logger
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	m.ncpu = runtime.GOMAXPROCS(0)
	m.alloc = defaultAllocator[K, V]
	m.count.init()
	if c.sizeHint > 0 {
		m.sizeCtl.Store(int32(presizeLen(c.sizeHint)))
	}
}

func (m *Map[K, V]) ensureInit() {
	m.initOnce.Do(func() {
		m.init(nil, nil)
	})
}

func (m *Map[K, V]) hash(key K) uintptr {
	return spread(m.keyHash(key, m.seed))
}

func (m *Map[K, V]) checkKey(key K) {
	if m.nilableKey && isNil(key) {
		panic(errors.WithStack(ErrNilKey))
	}
}

func (m *Map[K, V]) checkValue(val V) {
	if m.nilableVal && isNil(val) {
		panic(errors.WithStack(ErrNilValue))
	}
}

// Load returns the value stored in the map for a key, or the zero value
// if no value is present. The ok result indicates whether value was found
// in the map. Load never blocks.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	tab := m.table.Load()
	if tab == nil {
		return
	}
	hash := m.hash(key)
	f := tab.bin(hash).load()
	if f == nil {
		return
	}
	if f.kind == entryNode && f.hash == hash && f.key == key {
		if v := f.live(); v != nil {
			return *v, true
		}
		return
	}
	if e := f.find(hash, key); e != nil {
		if v := e.live(); v != nil {
			return *v, true
		}
	}
	return
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores a value for a key and returns the previous value if any.
// The loaded result reports whether the key was present.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	m.ensureInit()
	m.checkKey(key)
	m.checkValue(value)
	if old := m.putVal(key, &value, false); old != nil {
		return *old, true
	}
	return
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	m.ensureInit()
	m.checkKey(key)
	m.checkValue(value)
	if old := m.putVal(key, &value, true); old != nil {
		return *old, true
	}
	return value, false
}

// putVal is the insert path shared by Swap and LoadOrStore. It returns
// the previous value, or nil if key was inserted.
func (m *Map[K, V]) putVal(key K, val *V, onlyIfAbsent bool) *V {
	hash := m.hash(key)
	binCount := 0
	for tab := m.table.Load(); ; {
		if tab == nil {
			tab = m.initTable()
			continue
		}
		b := tab.bin(hash)
		f := b.load()
		if f == nil {
			if b.cas(nil, newEntry(hash, key, val, nil)) {
				break
			}
			continue
		}
		if f.kind == forwardingNode {
			tab = m.helpTransfer(tab, f)
			continue
		}
		if onlyIfAbsent && f.kind == entryNode && f.hash == hash && f.key == key {
			if v := f.live(); v != nil {
				return v
			}
		}

		var old *V
		binCount = 0
		b.mu.lock()
		if b.load() == f {
			switch f.kind {
			case entryNode:
				for e := f; ; {
					binCount++
					if e.hash == hash && e.key == key {
						old = e.live()
						if !onlyIfAbsent {
							e.val.Store(val)
						}
						break
					}
					next := e.next.Load()
					if next == nil {
						e.next.Store(newEntry(hash, key, val, nil))
						binCount++
						break
					}
					e = next
				}
			case treeBinNode:
				// Never treeify, and check for growth on insert.
				binCount = 2
				if p, inserted := f.asTreeBin().putTreeVal(hash, key, val); !inserted {
					old = p.live()
					if !onlyIfAbsent {
						p.val.Store(val)
					}
				}
			}
		}
		b.mu.unlock()
		if binCount == 0 {
			continue
		}
		if old != nil {
			return old
		}
		if binCount >= treeifyThreshold {
			m.treeifyBin(tab, tab.index(hash))
		}
		break
	}
	m.addCount(1, binCount)
	return nil
}

// LoadAndDelete deletes the value for a key, returning the previous
// value if any. The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	m.ensureInit()
	m.checkKey(key)
	if old := m.replaceNode(key, nil, nil); old != nil {
		return *old, true
	}
	return
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) {
	m.ensureInit()
	m.checkKey(key)
	m.replaceNode(key, nil, nil)
}

// CompareAndSwap swaps the old and new values for key if the value
// stored in the map is equal to old.
//
// Panics with ErrNotComparable if V is not comparable and no value
// equality was configured.
func (m *Map[K, V]) CompareAndSwap(key K, old, new V) (swapped bool) {
	eq := m.mustValEqual()
	m.checkKey(key)
	m.checkValue(new)
	return m.replaceNode(key, &new, func(cur *V) bool {
		return eq(*cur, old)
	}) != nil
}

// CompareAndDelete deletes the entry for key if its value is equal to
// old.
//
// Panics with ErrNotComparable if V is not comparable and no value
// equality was configured.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	eq := m.mustValEqual()
	m.checkKey(key)
	return m.replaceNode(key, nil, func(cur *V) bool {
		return eq(*cur, old)
	}) != nil
}

func (m *Map[K, V]) mustValEqual() func(a, b V) bool {
	m.ensureInit()
	if m.valEqual == nil {
		panic(errors.WithStack(ErrNotComparable))
	}
	return m.valEqual
}

// replaceNode removes key, or replaces its value with val when val is
// not nil. With match set, only an entry whose current value satisfies
// match is changed. It returns the value that was replaced or removed,
// or nil when nothing changed.
func (m *Map[K, V]) replaceNode(key K, val *V, match func(cur *V) bool) *V {
	tab := m.table.Load()
	if tab == nil {
		return nil
	}
	hash := m.hash(key)
	for {
		b := tab.bin(hash)
		f := b.load()
		if f == nil {
			return nil
		}
		if f.kind == forwardingNode {
			tab = m.helpTransfer(tab, f)
			continue
		}

		var old *V
		validated := false
		b.mu.lock()
		if b.load() == f {
			validated = true
			switch f.kind {
			case entryNode:
				var pred *node[K, V]
				for e := f; e != nil; pred, e = e, e.next.Load() {
					if e.hash != hash || e.key != key {
						continue
					}
					ev := e.live()
					if match != nil && !match(ev) {
						break
					}
					old = ev
					if val != nil {
						e.val.Store(val)
						break
					}
					e.val.Store(nil)
					if next := e.next.Load(); pred != nil {
						pred.next.Store(next)
					} else {
						b.publish(next)
					}
					break
				}
			case treeBinNode:
				t := f.asTreeBin()
				p := t.root.findTreeNode(hash, key, t.cmp)
				if p == nil {
					break
				}
				pv := p.live()
				if match != nil && !match(pv) {
					break
				}
				old = pv
				if val != nil {
					p.val.Store(val)
					break
				}
				p.val.Store(nil)
				if t.removeTreeNode(p) {
					b.publish(untreeify(t.first.Load()))
				}
			}
		}
		b.mu.unlock()
		if !validated {
			continue
		}
		if old != nil && val == nil {
			m.addCount(-1, -1)
		}
		return old
	}
}

// ComputeOp tells Compute what to do with the value returned by its
// callback.
type ComputeOp int

const (
	// CancelOp signals to Compute to not do anything as a result
	// of executing the lambda. If the entry was not present in
	// the map, nothing happens, and if it was present, the
	// returned value is ignored.
	CancelOp ComputeOp = iota
	// UpdateOp signals to Compute to update the entry to the
	// value returned by the lambda, creating it if necessary.
	UpdateOp
	// DeleteOp signals to Compute to always delete the entry
	// from the map.
	DeleteOp
)

// Compute either sets the computed new value for the key, deletes the
// value for the key, or does nothing, based on the returned ComputeOp.
// The ok result indicates whether the entry is present in the map after
// the compute operation. The actual result contains the value now in the
// map, the removed value for DeleteOp, or the zero value otherwise.
//
// valueFn is called exactly once, while the key's bin is locked. Other
// writers to that bin wait until it returns, and readers see the state
// before the call. valueFn must not modify the map.
func (m *Map[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	actual, ok, _ = m.TryCompute(key, func(oldValue V, loaded bool) (V, ComputeOp, error) {
		newValue, op := valueFn(oldValue, loaded)
		return newValue, op, nil
	})
	return
}

// TryCompute is Compute with a callback that may fail. If valueFn
// returns an error, the map is left as it was and the error is returned
// unchanged. A panic in valueFn also leaves the map unchanged.
func (m *Map[K, V]) TryCompute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp, err error),
) (actual V, ok bool, err error) {
	m.ensureInit()
	m.checkKey(key)
	var removed *V
	val, err := m.compute(key, func(cur *V) (*V, error) {
		var oldValue V
		if cur != nil {
			oldValue = *cur
		}
		newValue, op, err := valueFn(oldValue, cur != nil)
		if err != nil {
			return nil, err
		}
		switch op {
		case UpdateOp:
			m.checkValue(newValue)
			return &newValue, nil
		case DeleteOp:
			removed = cur
			return nil, nil
		}
		return cur, nil
	})
	switch {
	case err != nil:
		return actual, false, err
	case val != nil:
		return *val, true, nil
	case removed != nil:
		return *removed, false, nil
	}
	return
}

// LoadOrCompute returns the existing value for the key if present.
// Otherwise, it calls valueFn and stores the result unless cancel is
// true. The loaded result is true if the value was loaded.
//
// valueFn is called at most once, while the key's bin is locked; it
// must not modify the map.
func (m *Map[K, V]) LoadOrCompute(
	key K,
	valueFn func() (newValue V, cancel bool),
) (value V, loaded bool) {
	if v, ok := m.Load(key); ok {
		return v, true
	}
	m.ensureInit()
	m.checkKey(key)
	val, _ := m.compute(key, func(cur *V) (*V, error) {
		if cur != nil {
			loaded = true
			return cur, nil
		}
		newValue, cancel := valueFn()
		if cancel {
			return nil, nil
		}
		m.checkValue(newValue)
		return &newValue, nil
	})
	if val != nil {
		value = *val
	}
	return value, loaded
}

// compute runs fn under the bin lock for key. fn receives the current
// value, or nil if absent, and returns the value to keep: cur itself to
// leave the entry alone, nil to remove it, anything else to store it.
// compute returns the value present afterwards.
func (m *Map[K, V]) compute(key K, fn func(cur *V) (*V, error)) (*V, error) {
	hash := m.hash(key)
	var val *V
	var delta int64
	binCount := 0
	for tab := m.table.Load(); ; {
		if tab == nil {
			tab = m.initTable()
			continue
		}
		b := tab.bin(hash)
		f := b.load()
		if f == nil {
			done, v, err := computeInEmptyBin(b, hash, key, fn)
			if !done {
				continue
			}
			if err != nil {
				return nil, err
			}
			if val = v; val != nil {
				delta, binCount = 1, 1
			}
			break
		}
		if f.kind == forwardingNode {
			tab = m.helpTransfer(tab, f)
			continue
		}
		done, v, d, n, err := computeInBin(b, f, hash, key, fn)
		if !done {
			continue
		}
		if err != nil {
			return nil, err
		}
		val, delta, binCount = v, d, n
		if binCount >= treeifyThreshold {
			m.treeifyBin(tab, tab.index(hash))
		}
		break
	}
	if delta != 0 {
		m.addCount(delta, binCount)
	}
	return val, nil
}

// computeInEmptyBin claims an empty bin with a reservation while fn runs.
// Readers treat the reservation as absent; writers wait on the bin lock
// and retry. On error or panic the bin is emptied again.
func computeInEmptyBin[K comparable, V any](
	b *bin[K, V], hash uintptr, key K, fn func(cur *V) (*V, error),
) (done bool, val *V, err error) {
	r := newReservation[K, V]()
	b.mu.lock()
	defer b.mu.unlock()
	if !b.cas(nil, r) {
		return false, nil, nil
	}
	published := false
	defer func() {
		if !published {
			b.publish(nil)
		}
	}()
	if val, err = fn(nil); err != nil {
		return true, nil, err
	}
	if val != nil {
		b.publish(newEntry(hash, key, val, nil))
	} else {
		b.publish(nil)
	}
	published = true
	return true, val, nil
}

// computeInBin runs fn for key in a non-empty bin headed by f. done is
// false if the head changed before the lock was taken. binCount is the
// chain length after an insert, for the treeify decision.
func computeInBin[K comparable, V any](
	b *bin[K, V], f *node[K, V], hash uintptr, key K, fn func(cur *V) (*V, error),
) (done bool, val *V, delta int64, binCount int, err error) {
	b.mu.lock()
	defer b.mu.unlock()
	if b.load() != f {
		return false, nil, 0, 0, nil
	}
	switch f.kind {
	case entryNode:
		var pred *node[K, V]
		for e := f; e != nil; pred, e = e, e.next.Load() {
			binCount++
			if e.hash != hash || e.key != key {
				continue
			}
			cur := e.live()
			nv, err := fn(cur)
			switch {
			case err != nil:
				return true, nil, 0, 0, err
			case nv == cur:
				return true, cur, 0, binCount, nil
			case nv == nil:
				e.val.Store(nil)
				if next := e.next.Load(); pred != nil {
					pred.next.Store(next)
				} else {
					b.publish(next)
				}
				return true, nil, -1, binCount, nil
			}
			e.val.Store(nv)
			return true, nv, 0, binCount, nil
		}
		nv, err := fn(nil)
		if err != nil || nv == nil {
			return true, nil, 0, 0, err
		}
		pred.next.Store(newEntry(hash, key, nv, nil))
		return true, nv, 1, binCount + 1, nil

	case treeBinNode:
		t := f.asTreeBin()
		p := t.root.findTreeNode(hash, key, t.cmp)
		var cur *V
		if p != nil {
			cur = p.live()
		}
		nv, err := fn(cur)
		switch {
		case err != nil:
			return true, nil, 0, 0, err
		case nv == cur:
			return true, cur, 0, 1, nil
		case nv == nil:
			p.val.Store(nil)
			if t.removeTreeNode(p) {
				b.publish(untreeify(t.first.Load()))
			}
			return true, nil, -1, 1, nil
		case p != nil:
			p.val.Store(nv)
			return true, nv, 0, 1, nil
		}
		t.putTreeVal(hash, key, nv)
		return true, nv, 1, 1, nil
	}
	// Reservations are held with the bin lock, so one can never be
	// observed here.
	return false, nil, 0, 0, nil
}

// Clear removes every entry. Entries added concurrently may survive.
func (m *Map[K, V]) Clear() {
	var delta int64
	tab := m.table.Load()
	for i := 0; tab != nil && i < tab.len(); {
		b := &tab.bins[i]
		f := b.load()
		if f == nil {
			i++
			continue
		}
		if f.kind == forwardingNode {
			tab = m.helpTransfer(tab, f)
			i = 0
			continue
		}
		b.mu.lock()
		if b.load() == f {
			var p *node[K, V]
			switch f.kind {
			case entryNode:
				p = f
			case treeBinNode:
				if first := f.asTreeBin().first.Load(); first != nil {
					p = &first.node
				}
			}
			for ; p != nil; p = p.next.Load() {
				p.val.Store(nil)
				delta--
			}
			b.publish(nil)
			i++
		}
		b.mu.unlock()
	}
	if delta != 0 {
		m.addCount(delta, -1)
	}
}

// Presize grows the table so that expectedCount entries fit without
// further resizing. It is advisory: it gives up if another resize is
// running or growth has been disabled.
func (m *Map[K, V]) Presize(expectedCount int) {
	if expectedCount <= 0 {
		return
	}
	m.ensureInit()
	m.tryPresize(presizeLen(expectedCount))
}

// Size returns the estimated number of entries. It is O(1) in the number
// of entries, and may be stale by the time it returns when the map is
// being modified concurrently.
func (m *Map[K, V]) Size() int {
	s := m.count.sum()
	if s < 0 {
		return 0
	}
	return int(s)
}

// IsZero reports whether the map has no entries.
func (m *Map[K, V]) IsZero() bool {
	return !m.NewCursor().Next()
}

// String returns the map contents in fmt's map syntax, truncated to the
// first 1024 entries.
func (m *Map[K, V]) String() string {
	const limit = 1024
	a := make(map[K]V, min(m.Size(), limit))
	for c := m.NewCursor(); len(a) < limit && c.Next(); {
		a[c.Key()] = c.Value()
	}
	return strings.Replace(fmt.Sprint(a), "map[", "Map[", 1)
}
