package chm

import (
	"sync/atomic"
	"unsafe"
)

// nodeKind tags what a bin head is. Only entryNode carries a live
// key/value; the other kinds are bin-level markers whose payload lives in
// the struct that embeds the node.
type nodeKind uint8

const (
	// entryNode is a (hash, key, value) record in a chain, or in the
	// insertion-order list threaded through a tree bin.
	entryNode nodeKind = iota
	// treeBinNode heads a bin whose entries are kept in a red-black tree.
	treeBinNode
	// forwardingNode marks a bin that has been migrated to nextTable.
	forwardingNode
	// reservationNode holds an empty bin while a compute callback runs.
	reservationNode
)

func (k nodeKind) String() string {
	switch k {
	case entryNode:
		return "entry"
	case treeBinNode:
		return "tree"
	case forwardingNode:
		return "forwarding"
	case reservationNode:
		return "reservation"
	}
	return "unknown"
}

// node is the common header of everything stored in a bin.
//
// hash and key never change once the node is published. val is swapped in
// place on update; a nil val means the entry has been removed and must be
// treated as absent. next is replaced, never mutated in the node it used
// to point to, so a reader holding any node can always keep walking.
type node[K comparable, V any] struct {
	kind nodeKind
	hash uintptr
	key  K
	val  atomic.Pointer[V]
	next atomic.Pointer[node[K, V]]
}

func newEntry[K comparable, V any](hash uintptr, key K, val *V, next *node[K, V]) *node[K, V] {
	e := &node[K, V]{kind: entryNode, hash: hash, key: key}
	e.val.Store(val)
	if next != nil {
		e.next.Store(next)
	}
	return e
}

// forwarding is written into each bin of a table being resized once the
// bin's entries live in nextTable.
type forwarding[K comparable, V any] struct {
	node[K, V]
	nextTable *table[K, V]
}

func newForwarding[K comparable, V any](nextTable *table[K, V]) *node[K, V] {
	f := &forwarding[K, V]{nextTable: nextTable}
	f.kind = forwardingNode
	return &f.node
}

func newReservation[K comparable, V any]() *node[K, V] {
	return &node[K, V]{kind: reservationNode}
}

// The variant structs embed node as their first field, so a *node whose
// kind says so is the address of the enclosing struct.

func (n *node[K, V]) asForwarding() *forwarding[K, V] {
	return (*forwarding[K, V])(unsafe.Pointer(n))
}

func (n *node[K, V]) asTreeBin() *treeBin[K, V] {
	return (*treeBin[K, V])(unsafe.Pointer(n))
}

// asTreeNode is only valid for entries that belong to a tree bin's list.
func (n *node[K, V]) asTreeNode() *treeNode[K, V] {
	return (*treeNode[K, V])(unsafe.Pointer(n))
}

// live returns the current value, or nil if the entry was removed.
func (n *node[K, V]) live() *V {
	return n.val.Load()
}

// find looks up key in the bin headed by n. It never blocks.
func (n *node[K, V]) find(hash uintptr, key K) *node[K, V] {
	switch n.kind {
	case forwardingNode:
		return n.asForwarding().find(hash, key)
	case treeBinNode:
		return n.asTreeBin().find(hash, key)
	case reservationNode:
		return nil
	}
	for e := n; e != nil; e = e.next.Load() {
		if e.hash == hash && e.key == key {
			return e
		}
	}
	return nil
}

// find follows the forwarding chain, which may cross several tables when
// resizes overlap.
func (f *forwarding[K, V]) find(hash uintptr, key K) *node[K, V] {
	tab := f.nextTable
outer:
	for {
		e := tab.bin(hash).load()
		if e == nil {
			return nil
		}
		for {
			switch e.kind {
			case entryNode:
				if e.hash == hash && e.key == key {
					return e
				}
			case forwardingNode:
				tab = e.asForwarding().nextTable
				continue outer
			default:
				return e.find(hash, key)
			}
			if e = e.next.Load(); e == nil {
				return nil
			}
		}
	}
}
