package chm

import (
	"sync/atomic"
	"unsafe"
)

// treeBin lock states. The bin lock already serializes writers, so the
// tree lock only has to keep readers out of the tree while a writer
// restructures it.
const (
	treeWriter = 1 // set while holding the write lock
	treeWaiter = 2 // set when waiting for the write lock
	treeReader = 4 // increment value for setting read lock
)

// treeNode is an entry of a tree bin. It sits in two structures at once:
// the red-black tree used by writers and uncontended readers, and the
// next-linked list that readers fall back to while the tree is being
// restructured.
type treeNode[K comparable, V any] struct {
	node[K, V]
	parent *treeNode[K, V]
	left   *treeNode[K, V]
	right  *treeNode[K, V]
	// prev is needed to unlink next upon deletion. Writers only.
	prev *treeNode[K, V]
	red  bool
}

func newTreeNode[K comparable, V any](hash uintptr, key K, val *V) *treeNode[K, V] {
	p := &treeNode[K, V]{}
	p.kind = entryNode
	p.hash = hash
	p.key = key
	p.val.Store(val)
	return p
}

func (p *treeNode[K, V]) nextNode() *treeNode[K, V] {
	if n := p.next.Load(); n != nil {
		return n.asTreeNode()
	}
	return nil
}

// tieBreak orders two distinct tree nodes that have equal hashes and no key
// order. Go's heap does not move objects, so addresses are stable.
func tieBreak[K comparable, V any](a, b *treeNode[K, V]) int {
	if uintptr(unsafe.Pointer(a)) <= uintptr(unsafe.Pointer(b)) {
		return -1
	}
	return 1
}

// findTreeNode returns the node for key in the subtree rooted at p.
func (p *treeNode[K, V]) findTreeNode(hash uintptr, key K, cmp func(a, b K) int) *treeNode[K, V] {
	for p != nil {
		pl, pr := p.left, p.right
		switch {
		case p.hash > hash:
			p = pl
		case p.hash < hash:
			p = pr
		case p.key == key:
			return p
		case pl == nil:
			p = pr
		case pr == nil:
			p = pl
		default:
			if cmp != nil {
				if dir := cmp(key, p.key); dir != 0 {
					if dir < 0 {
						p = pl
					} else {
						p = pr
					}
					continue
				}
			}
			if q := pr.findTreeNode(hash, key, cmp); q != nil {
				return q
			}
			p = pl
		}
	}
	return nil
}

// treeBin heads a bin holding a red-black tree. Writers hold the bin
// lock; the tree lock below keeps readers off the tree while a writer
// changes its shape.
type treeBin[K comparable, V any] struct {
	node[K, V]
	root  *treeNode[K, V]
	first atomic.Pointer[treeNode[K, V]]
	// count is the number of nodes in the tree. Writers only.
	count     int
	lockState atomic.Int32
	cmp       func(a, b K) int
}

// newTreeBin builds a tree from the list of nodes starting at b.
func newTreeBin[K comparable, V any](b *treeNode[K, V], cmp func(a, b K) int) *treeBin[K, V] {
	t := &treeBin[K, V]{cmp: cmp}
	t.kind = treeBinNode
	t.first.Store(b)
	var r *treeNode[K, V]
	for x := b; x != nil; x = x.nextNode() {
		t.count++
		x.left, x.right = nil, nil
		if r == nil {
			x.parent = nil
			x.red = false
			r = x
			continue
		}
		for p := r; ; {
			dir := t.order(x, p)
			xp := p
			if dir <= 0 {
				p = p.left
			} else {
				p = p.right
			}
			if p == nil {
				x.parent = xp
				if dir <= 0 {
					xp.left = x
				} else {
					xp.right = x
				}
				r = balanceInsertion(r, x)
				break
			}
		}
	}
	t.root = r
	return t
}

// order places x relative to p when building or inserting.
func (t *treeBin[K, V]) order(x, p *treeNode[K, V]) int {
	switch {
	case p.hash > x.hash:
		return -1
	case p.hash < x.hash:
		return 1
	}
	if t.cmp != nil {
		if dir := t.cmp(x.key, p.key); dir != 0 {
			return dir
		}
	}
	return tieBreak(x, p)
}

// lockRoot acquires the write lock for tree restructuring.
func (t *treeBin[K, V]) lockRoot() {
	if !t.lockState.CompareAndSwap(0, treeWriter) {
		t.contendedLock()
	}
}

func (t *treeBin[K, V]) unlockRoot() {
	t.lockState.Store(0)
}

// contendedLock waits for readers to leave the tree. Setting the waiter
// bit sends new readers down the list instead, so the wait is bounded.
func (t *treeBin[K, V]) contendedLock() {
	spins := 0
	for {
		s := t.lockState.Load()
		switch {
		case s&^treeWaiter == 0:
			if t.lockState.CompareAndSwap(s, treeWriter) {
				return
			}
		case s&treeWaiter == 0:
			t.lockState.CompareAndSwap(s, s|treeWaiter)
		default:
			delay(&spins)
		}
	}
}

// find returns the node for key. It takes the read lock when the tree is
// free and otherwise walks the list, so it never waits on a writer.
func (t *treeBin[K, V]) find(hash uintptr, key K) *node[K, V] {
	for e := t.first.Load(); e != nil; {
		s := t.lockState.Load()
		if s&(treeWaiter|treeWriter) != 0 {
			if e.hash == hash && e.key == key {
				return &e.node
			}
			e = e.nextNode()
			continue
		}
		if t.lockState.CompareAndSwap(s, s+treeReader) {
			p := t.root.findTreeNode(hash, key, t.cmp)
			t.lockState.Add(-treeReader)
			if p == nil {
				return nil
			}
			return &p.node
		}
	}
	return nil
}

// putTreeVal returns the node holding key, inserting a new one with val
// if there is none. inserted reports which case happened. The caller
// holds the bin lock.
func (t *treeBin[K, V]) putTreeVal(hash uintptr, key K, val *V) (p *treeNode[K, V], inserted bool) {
	var x *treeNode[K, V]
	searched := false
	for p = t.root; ; {
		var dir int
		switch {
		case p == nil:
			x = newTreeNode(hash, key, val)
			t.lockRoot()
			t.linkFirst(x)
			t.root = x
			t.count++
			t.unlockRoot()
			return x, true
		case p.hash > hash:
			dir = -1
		case p.hash < hash:
			dir = 1
		case p.key == key:
			return p, false
		default:
			if t.cmp != nil {
				dir = t.cmp(key, p.key)
			}
			if dir == 0 {
				if !searched {
					searched = true
					if q := p.left.findTreeNode(hash, key, t.cmp); q != nil {
						return q, false
					}
					if q := p.right.findTreeNode(hash, key, t.cmp); q != nil {
						return q, false
					}
				}
				if x == nil {
					x = newTreeNode(hash, key, val)
				}
				dir = tieBreak(x, p)
			}
		}
		xp := p
		if dir <= 0 {
			p = p.left
		} else {
			p = p.right
		}
		if p != nil {
			continue
		}
		if x == nil {
			x = newTreeNode(hash, key, val)
		}
		t.lockRoot()
		t.linkFirst(x)
		x.parent = xp
		if dir <= 0 {
			xp.left = x
		} else {
			xp.right = x
		}
		if xp.red {
			t.root = balanceInsertion(t.root, x)
		} else {
			x.red = true
		}
		t.count++
		t.unlockRoot()
		return x, true
	}
}

// linkFirst pushes x onto the front of the list.
func (t *treeBin[K, V]) linkFirst(x *treeNode[K, V]) {
	f := t.first.Load()
	if f != nil {
		x.next.Store(&f.node)
		f.prev = x
	}
	t.first.Store(x)
}

// removeTreeNode unlinks p, which must be present. It reports true when
// the bin has become small enough to convert back to a chain, in which
// case the tree itself is left as is and the caller replaces the bin
// with untreeify(t.first).
func (t *treeBin[K, V]) removeTreeNode(p *treeNode[K, V]) bool {
	next := p.nextNode()
	pred := p.prev
	if pred == nil {
		t.first.Store(next)
	} else if next == nil {
		pred.next.Store(nil)
	} else {
		pred.next.Store(&next.node)
	}
	if next != nil {
		next.prev = pred
	}
	t.count--
	if t.first.Load() == nil || t.count <= untreeifyThreshold {
		return true
	}

	t.lockRoot()
	defer t.unlockRoot()
	r := t.root
	var replacement *treeNode[K, V]
	pl, pr := p.left, p.right
	switch {
	case pl != nil && pr != nil:
		s := pr
		for s.left != nil {
			s = s.left
		}
		s.red, p.red = p.red, s.red
		sr := s.right
		pp := p.parent
		if s == pr {
			p.parent = s
			s.right = p
		} else {
			sp := s.parent
			p.parent = sp
			if sp != nil {
				if s == sp.left {
					sp.left = p
				} else {
					sp.right = p
				}
			}
			s.right = pr
			pr.parent = s
		}
		p.left = nil
		p.right = sr
		if sr != nil {
			sr.parent = p
		}
		s.left = pl
		pl.parent = s
		s.parent = pp
		switch {
		case pp == nil:
			r = s
		case p == pp.left:
			pp.left = s
		default:
			pp.right = s
		}
		if sr != nil {
			replacement = sr
		} else {
			replacement = p
		}
	case pl != nil:
		replacement = pl
	case pr != nil:
		replacement = pr
	default:
		replacement = p
	}
	if replacement != p {
		pp := p.parent
		replacement.parent = pp
		switch {
		case pp == nil:
			r = replacement
		case p == pp.left:
			pp.left = replacement
		default:
			pp.right = replacement
		}
		p.left, p.right, p.parent = nil, nil, nil
	}

	if p.red {
		t.root = r
	} else {
		t.root = balanceDeletion(r, replacement)
	}

	if p == replacement {
		if pp := p.parent; pp != nil {
			if p == pp.left {
				pp.left = nil
			} else if p == pp.right {
				pp.right = nil
			}
			p.parent = nil
		}
	}
	return false
}

func rotateLeft[K comparable, V any](root, p *treeNode[K, V]) *treeNode[K, V] {
	if p == nil || p.right == nil {
		return root
	}
	r := p.right
	rl := r.left
	p.right = rl
	if rl != nil {
		rl.parent = p
	}
	pp := p.parent
	r.parent = pp
	switch {
	case pp == nil:
		root = r
		r.red = false
	case pp.left == p:
		pp.left = r
	default:
		pp.right = r
	}
	r.left = p
	p.parent = r
	return root
}

func rotateRight[K comparable, V any](root, p *treeNode[K, V]) *treeNode[K, V] {
	if p == nil || p.left == nil {
		return root
	}
	l := p.left
	lr := l.right
	p.left = lr
	if lr != nil {
		lr.parent = p
	}
	pp := p.parent
	l.parent = pp
	switch {
	case pp == nil:
		root = l
		l.red = false
	case pp.right == p:
		pp.right = l
	default:
		pp.left = l
	}
	l.right = p
	p.parent = l
	return root
}

func isRed[K comparable, V any](p *treeNode[K, V]) bool {
	return p != nil && p.red
}

// balanceInsertion restores the red-black properties after x was linked
// as a leaf and returns the new root.
func balanceInsertion[K comparable, V any](root, x *treeNode[K, V]) *treeNode[K, V] {
	x.red = true
	for {
		xp := x.parent
		if xp == nil {
			x.red = false
			return x
		}
		xpp := xp.parent
		if !xp.red || xpp == nil {
			return root
		}
		if xppl := xpp.left; xp == xppl {
			if xppr := xpp.right; isRed(xppr) {
				xppr.red = false
				xp.red = false
				xpp.red = true
				x = xpp
				continue
			}
			if x == xp.right {
				x = xp
				root = rotateLeft(root, x)
				xp = x.parent
				xpp = nil
				if xp != nil {
					xpp = xp.parent
				}
			}
			if xp != nil {
				xp.red = false
				if xpp != nil {
					xpp.red = true
					root = rotateRight(root, xpp)
				}
			}
		} else {
			if isRed(xppl) {
				xppl.red = false
				xp.red = false
				xpp.red = true
				x = xpp
				continue
			}
			if x == xp.left {
				x = xp
				root = rotateRight(root, x)
				xp = x.parent
				xpp = nil
				if xp != nil {
					xpp = xp.parent
				}
			}
			if xp != nil {
				xp.red = false
				if xpp != nil {
					xpp.red = true
					root = rotateLeft(root, xpp)
				}
			}
		}
	}
}

// balanceDeletion restores the red-black properties after a black node
// above x was removed and returns the new root.
func balanceDeletion[K comparable, V any](root, x *treeNode[K, V]) *treeNode[K, V] {
	for {
		if x == nil {
			return root
		}
		if x == root {
			x.red = false
			return root
		}
		xp := x.parent
		if xp == nil {
			x.red = false
			return x
		}
		if x.red {
			x.red = false
			return root
		}
		if xpl := xp.left; xpl == x {
			xpr := xp.right
			if isRed(xpr) {
				xpr.red = false
				xp.red = true
				root = rotateLeft(root, xp)
				xp = x.parent
				xpr = nil
				if xp != nil {
					xpr = xp.right
				}
			}
			if xpr == nil {
				x = xp
				continue
			}
			sl, sr := xpr.left, xpr.right
			if !isRed(sr) && !isRed(sl) {
				xpr.red = true
				x = xp
				continue
			}
			if !isRed(sr) {
				if sl != nil {
					sl.red = false
				}
				xpr.red = true
				root = rotateRight(root, xpr)
				xp = x.parent
				xpr = nil
				if xp != nil {
					xpr = xp.right
				}
			}
			if xpr != nil {
				xpr.red = xp != nil && xp.red
				if sr = xpr.right; sr != nil {
					sr.red = false
				}
			}
			if xp != nil {
				xp.red = false
				root = rotateLeft(root, xp)
			}
			x = root
		} else {
			if isRed(xpl) {
				xpl.red = false
				xp.red = true
				root = rotateRight(root, xp)
				xp = x.parent
				xpl = nil
				if xp != nil {
					xpl = xp.left
				}
			}
			if xpl == nil {
				x = xp
				continue
			}
			sl, sr := xpl.left, xpl.right
			if !isRed(sl) && !isRed(sr) {
				xpl.red = true
				x = xp
				continue
			}
			if !isRed(sl) {
				if sr != nil {
					sr.red = false
				}
				xpl.red = true
				root = rotateLeft(root, xpl)
				xp = x.parent
				xpl = nil
				if xp != nil {
					xpl = xp.left
				}
			}
			if xpl != nil {
				xpl.red = xp != nil && xp.red
				if sl = xpl.left; sl != nil {
					sl.red = false
				}
			}
			if xp != nil {
				xp.red = false
				root = rotateRight(root, xp)
			}
			x = root
		}
	}
}

// treeify converts the chain starting at e into a tree bin.
func treeify[K comparable, V any](e *node[K, V], cmp func(a, b K) int) *treeBin[K, V] {
	var hd, tl *treeNode[K, V]
	for ; e != nil; e = e.next.Load() {
		p := newTreeNode(e.hash, e.key, e.live())
		p.prev = tl
		if tl == nil {
			hd = p
		} else {
			tl.next.Store(&p.node)
		}
		tl = p
	}
	return newTreeBin(hd, cmp)
}

// untreeify returns a chain of plain entries holding the nodes of the
// list starting at b, in list order.
func untreeify[K comparable, V any](b *treeNode[K, V]) *node[K, V] {
	var hd, tl *node[K, V]
	for q := b; q != nil; q = q.nextNode() {
		p := newEntry[K, V](q.hash, q.key, q.live(), nil)
		if tl == nil {
			hd = p
		} else {
			tl.next.Store(p)
		}
		tl = p
	}
	return hd
}
