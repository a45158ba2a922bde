package chm

// Cursor walks the entries of a Map. It is weakly consistent: every entry
// present from NewCursor until Next returns false is seen exactly once;
// entries added or removed during the walk may or may not be seen. A
// Cursor is single use and not safe for concurrent use by multiple
// goroutines.
//
//	for c := m.NewCursor(); c.Next(); {
//		fmt.Println(c.Key(), c.Value())
//	}
type Cursor[K comparable, V any] struct {
	tab  *table[K, V]
	next *node[K, V]
	// stack holds the tables and indices left behind when the walk
	// followed a forwarding node; spare recycles popped frames.
	stack *tableStack[K, V]
	spare *tableStack[K, V]
	// index is the next bin to visit in tab. baseIndex and baseLimit
	// bound the walk over the initial table, of length baseSize.
	index     int
	baseIndex int
	baseLimit int
	baseSize  int

	key K
	val V
}

// tableStack records a table to return to after visiting the bins of a
// larger table that its forwarding nodes point at.
type tableStack[K comparable, V any] struct {
	length int
	index  int
	tab    *table[K, V]
	next   *tableStack[K, V]
}

// NewCursor returns a cursor positioned before the first entry.
func (m *Map[K, V]) NewCursor() *Cursor[K, V] {
	tab := m.table.Load()
	c := &Cursor[K, V]{tab: tab}
	if tab != nil {
		c.baseSize = tab.len()
		c.baseLimit = c.baseSize
	}
	return c
}

// Next advances to the next live entry and reports whether there is one.
// Once it returns false it keeps returning false.
func (c *Cursor[K, V]) Next() bool {
	for {
		e := c.advance()
		if e == nil {
			return false
		}
		if v := e.live(); v != nil {
			c.key, c.val = e.key, *v
			return true
		}
	}
}

// Key returns the key of the current entry.
func (c *Cursor[K, V]) Key() K {
	return c.key
}

// Value returns the value of the current entry as of when Next reached it.
func (c *Cursor[K, V]) Value() V {
	return c.val
}

// advance returns the next entry node, or nil when the walk is done.
func (c *Cursor[K, V]) advance() *node[K, V] {
	e := c.next
	if e != nil {
		e = e.next.Load()
	}
	for {
		if e != nil {
			c.next = e
			return e
		}
		t := c.tab
		if c.baseIndex >= c.baseLimit || t == nil {
			c.next = nil
			return nil
		}
		n := t.len()
		i := c.index
		if i < 0 || i >= n {
			c.next = nil
			return nil
		}
		if e = t.bins[i].load(); e != nil {
			switch e.kind {
			case forwardingNode:
				c.tab = e.asForwarding().nextTable
				e = nil
				c.pushState(t, i, n)
				continue
			case treeBinNode:
				if first := e.asTreeBin().first.Load(); first != nil {
					e = &first.node
				} else {
					e = nil
				}
			case reservationNode:
				e = nil
			}
		}
		if c.stack != nil {
			c.recoverState(n)
		} else if c.index = i + c.baseSize; c.index >= n {
			c.baseIndex++
			c.index = c.baseIndex
		}
	}
}

// pushState saves the position in t before descending into the table its
// forwarding node points at.
func (c *Cursor[K, V]) pushState(t *table[K, V], i, n int) {
	s := c.spare
	if s != nil {
		c.spare = s.next
	} else {
		s = &tableStack[K, V]{}
	}
	s.tab, s.length, s.index = t, n, i
	s.next = c.stack
	c.stack = s
}

// recoverState moves to the next bin after a bin of a larger table has
// been visited, popping back to the smaller table once both halves of
// the split are done.
func (c *Cursor[K, V]) recoverState(n int) {
	s := c.stack
	for s != nil {
		c.index += s.length
		if c.index < n {
			break
		}
		n = s.length
		c.index = s.index
		c.tab = s.tab
		s.tab = nil
		next := s.next
		s.next = c.spare
		c.stack = next
		c.spare = s
		s = next
	}
	if s == nil {
		if c.index += c.baseSize; c.index >= n {
			c.baseIndex++
			c.index = c.baseIndex
		}
	}
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	for c := m.NewCursor(); c.Next(); {
		if !f(c.key, c.val) {
			return
		}
	}
}

// All returns an iterator over the map's entries.
func (m *Map[K, V]) All() func(yield func(K, V) bool) {
	return m.Range
}

// Keys is the iterator version for iterating over all keys.
func (m *Map[K, V]) Keys() func(yield func(K) bool) {
	return func(yield func(K) bool) {
		for c := m.NewCursor(); c.Next(); {
			if !yield(c.key) {
				return
			}
		}
	}
}

// Values is the iterator version for iterating over all values.
func (m *Map[K, V]) Values() func(yield func(V) bool) {
	return func(yield func(V) bool) {
		for c := m.NewCursor(); c.Next(); {
			if !yield(c.val) {
				return
			}
		}
	}
}

// ToMap collects all entries into a map[K]V.
func (m *Map[K, V]) ToMap() map[K]V {
	a := make(map[K]V, m.Size())
	for c := m.NewCursor(); c.Next(); {
		a[c.key] = c.val
	}
	return a
}

// ExactSize counts the entries by walking the whole map. It is O(n) and
// not atomic: entries added or removed during the walk may or may not be
// counted.
func (m *Map[K, V]) ExactSize() int {
	n := 0
	for c := m.NewCursor(); c.Next(); {
		n++
	}
	return n
}
