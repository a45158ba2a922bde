package chm

import (
	"math/bits"

	"github.com/sirupsen/logrus"
)

// resizeStamp returns the sizeCtl prefix identifying a resize of a table
// of length n. Shifted into the upper half it makes sizeCtl negative.
func resizeStamp(n int) int32 {
	s := uint32(bits.LeadingZeros32(uint32(n))) | 1<<(resizeStampBits-1)
	return int32(s << resizeStampShift)
}

// sameResize reports whether sizeCtl value sc belongs to the resize with
// stamp rs.
func sameResize(sc, rs int32) bool {
	return uint32(sc)>>resizeStampShift == uint32(rs)>>resizeStampShift
}

// initTable creates the first table, sized from sizeCtl.
func (m *Map[K, V]) initTable() *table[K, V] {
	spins := 0
	for {
		if tab := m.table.Load(); tab != nil {
			return tab
		}
		sc := m.sizeCtl.Load()
		if sc < 0 {
			// Lost the initialization race; wait for the winner.
			delay(&spins)
			continue
		}
		if !m.sizeCtl.CompareAndSwap(sc, -1) {
			continue
		}
		tab := m.table.Load()
		if tab == nil {
			n := defaultCapacity
			if sc > 0 {
				n = int(sc)
			}
			var err error
			if tab, err = m.alloc(n); err != nil {
				m.log.WithError(err).WithField("len", n).
					Warn("chm: initial table allocation failed, using default capacity")
				n = defaultCapacity
				tab = newTable[K, V](n)
			}
			m.table.Store(tab)
			sc = threshold(n)
		}
		m.sizeCtl.Store(sc)
		return tab
	}
}

// addCount adds x to the element count. If check is non-negative, it
// starts a resize when the count has reached the threshold, or joins the
// one in progress. check is the length of the bin just inserted into;
// 0 and 1 only look at the threshold when the count is cheap to read.
func (m *Map[K, V]) addCount(x int64, check int) {
	s, ok := m.count.add(x, check > 1)
	if !ok || check < 0 {
		return
	}
	for {
		sc := m.sizeCtl.Load()
		tab := m.table.Load()
		if tab == nil || s < int64(sc) {
			return
		}
		n := tab.len()
		if n >= maximumCapacity {
			return
		}
		rs := resizeStamp(n)
		if sc < 0 {
			if !sameResize(sc, rs) || sc == rs+maxResizers || sc == rs+1 ||
				m.nextTable.Load() == nil || m.transferIndex.Load() <= 0 {
				return
			}
			if m.sizeCtl.CompareAndSwap(sc, sc+1) {
				m.transfer(tab, m.nextTable.Load())
			}
		} else if m.sizeCtl.CompareAndSwap(sc, rs+2) {
			m.transfer(tab, nil)
		}
		s = m.count.sum()
	}
}

// helpTransfer joins the resize that left f in tab and returns the table
// to retry against.
func (m *Map[K, V]) helpTransfer(tab *table[K, V], f *node[K, V]) *table[K, V] {
	nextTab := f.asForwarding().nextTable
	rs := resizeStamp(tab.len())
	for m.nextTable.Load() == nextTab && m.table.Load() == tab {
		sc := m.sizeCtl.Load()
		if sc >= 0 || !sameResize(sc, rs) || sc == rs+maxResizers || sc == rs+1 ||
			m.transferIndex.Load() <= 0 {
			break
		}
		if m.sizeCtl.CompareAndSwap(sc, sc+1) {
			m.transfer(tab, nextTab)
			break
		}
	}
	return nextTab
}

// tryPresize grows the table until it has at least c bins. It stops
// early when another resize is running or growth has been disabled.
func (m *Map[K, V]) tryPresize(c int) {
	c = tableSizeFor(c)
	for {
		sc := m.sizeCtl.Load()
		if sc < 0 || sc == growthDisabled {
			return
		}
		tab := m.table.Load()
		if tab == nil {
			n := max(int(sc), c)
			if !m.sizeCtl.CompareAndSwap(sc, -1) {
				continue
			}
			if m.table.Load() == nil {
				nt, err := m.alloc(n)
				if err != nil {
					m.log.WithError(err).WithField("len", n).
						Warn("chm: presize allocation failed")
					m.sizeCtl.Store(sc)
					m.initTable()
					return
				}
				m.table.Store(nt)
				sc = threshold(n)
			}
			m.sizeCtl.Store(sc)
			continue
		}
		n := tab.len()
		if c <= n || n >= maximumCapacity {
			return
		}
		if tab == m.table.Load() {
			if m.sizeCtl.CompareAndSwap(sc, resizeStamp(n)+2) {
				m.transfer(tab, nil)
			}
		}
	}
}

// treeifyBin replaces the chain in bin i with a tree. Tables under
// minTreeifyCapacity double instead, unless growth has been disabled.
func (m *Map[K, V]) treeifyBin(tab *table[K, V], i int) {
	if n := tab.len(); n < minTreeifyCapacity && m.sizeCtl.Load() != growthDisabled {
		m.tryPresize(n << 1)
		if m.sizeCtl.Load() != growthDisabled {
			return
		}
	}
	b := &tab.bins[i]
	f := b.load()
	if f == nil || f.kind != entryNode {
		return
	}
	b.mu.lock()
	if b.load() == f {
		t := treeify(f, m.keyCompare)
		b.publish(&t.node)
		m.log.WithFields(logrus.Fields{"bin": i, "len": t.count}).Debug("chm: bin treeified")
	}
	b.mu.unlock()
}

// transfer moves bins of tab into nextTab. The goroutine that starts a
// resize passes a nil nextTab and allocates it; helpers pass the one
// already published. Each participant claims strides of bins from
// transferIndex downwards until none are left; the last one to leave
// installs the new table.
func (m *Map[K, V]) transfer(tab, nextTab *table[K, V]) {
	n := tab.len()
	stride := n
	if m.ncpu > 1 {
		stride = (n >> 3) / m.ncpu
	}
	stride = max(stride, minTransferStride)

	if nextTab == nil {
		nt, err := m.alloc(n << 1)
		if err != nil {
			m.sizeCtl.Store(growthDisabled)
			m.log.WithError(err).WithFields(logrus.Fields{"from": n, "to": n << 1}).
				Warn("chm: resize aborted, growth disabled")
			return
		}
		m.log.WithFields(logrus.Fields{"from": n, "to": n << 1}).Debug("chm: resize started")
		nextTab = nt
		m.nextTable.Store(nextTab)
		m.transferIndex.Store(int32(n))
	}

	nextn := nextTab.len()
	fwd := newForwarding(nextTab)
	advance := true
	finishing := false
	for i, bound := 0, 0; ; {
		for advance {
			i--
			if i >= bound || finishing {
				advance = false
				break
			}
			nextIndex := int(m.transferIndex.Load())
			if nextIndex <= 0 {
				i = -1
				advance = false
				break
			}
			nextBound := max(nextIndex-stride, 0)
			if m.transferIndex.CompareAndSwap(int32(nextIndex), int32(nextBound)) {
				bound = nextBound
				i = nextIndex - 1
				advance = false
			}
		}

		if i < 0 || i >= n || i+n >= nextn {
			if finishing {
				m.nextTable.Store(nil)
				m.table.Store(nextTab)
				m.sizeCtl.Store(threshold(nextn))
				m.totalGrowths.Add(1)
				m.log.WithFields(logrus.Fields{"from": n, "to": nextn}).Debug("chm: resize completed")
				return
			}
			sc := m.sizeCtl.Load()
			if m.sizeCtl.CompareAndSwap(sc, sc-1) {
				if sc-2 != resizeStamp(n) {
					return
				}
				finishing = true
				advance = true
				// Recheck every bin before committing.
				i = n
			}
			continue
		}

		b := &tab.bins[i]
		f := b.load()
		switch {
		case f == nil:
			advance = b.cas(nil, fwd)
		case f.kind == forwardingNode:
			advance = true
		default:
			advance = migrateBin(tab, nextTab, i, f, fwd)
		}
	}
}

// migrateBin splits bin i of tab into bins i and i+n of nextTab and
// leaves fwd behind. It reports false if the bin head changed before the
// lock was taken.
func migrateBin[K comparable, V any](tab, nextTab *table[K, V], i int, f, fwd *node[K, V]) bool {
	n := tab.len()
	b := &tab.bins[i]
	b.mu.lock()
	defer b.mu.unlock()
	if b.load() != f {
		return false
	}

	var ln, hn *node[K, V]
	switch f.kind {
	case entryNode:
		// The tail sharing the same split bit moves as is; only the
		// nodes before it are copied.
		runBit := f.hash & uintptr(n)
		lastRun := f
		for p := f.next.Load(); p != nil; p = p.next.Load() {
			if bit := p.hash & uintptr(n); bit != runBit {
				runBit = bit
				lastRun = p
			}
		}
		if runBit == 0 {
			ln = lastRun
		} else {
			hn = lastRun
		}
		for p := f; p != lastRun; p = p.next.Load() {
			if p.hash&uintptr(n) == 0 {
				ln = newEntry(p.hash, p.key, p.live(), ln)
			} else {
				hn = newEntry(p.hash, p.key, p.live(), hn)
			}
		}

	case treeBinNode:
		t := f.asTreeBin()
		var lo, loTail, hi, hiTail *treeNode[K, V]
		lc, hc := 0, 0
		for e := t.first.Load(); e != nil; e = e.nextNode() {
			p := newTreeNode(e.hash, e.key, e.live())
			if e.hash&uintptr(n) == 0 {
				if p.prev = loTail; loTail == nil {
					lo = p
				} else {
					loTail.next.Store(&p.node)
				}
				loTail = p
				lc++
			} else {
				if p.prev = hiTail; hiTail == nil {
					hi = p
				} else {
					hiTail.next.Store(&p.node)
				}
				hiTail = p
				hc++
			}
		}
		ln = splitHalf(t, lo, lc, hc)
		hn = splitHalf(t, hi, hc, lc)

	default:
		return false
	}

	nextTab.bins[i].publish(ln)
	nextTab.bins[i+n].publish(hn)
	b.publish(fwd)
	return true
}

// splitHalf returns the bin head for one half of a split tree bin: a
// chain if the half is small, the original bin if the other half is
// empty, a new tree otherwise.
func splitHalf[K comparable, V any](t *treeBin[K, V], half *treeNode[K, V], count, other int) *node[K, V] {
	switch {
	case count <= untreeifyThreshold:
		return untreeify(half)
	case other == 0:
		return &t.node
	}
	return &newTreeBin(half, t.cmp).node
}
