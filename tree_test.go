package chm

import (
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// checkTree verifies the red-black and list invariants of a tree bin.
func checkTree[K comparable, V any](t *testing.T, tb *treeBin[K, V]) {
	t.Helper()
	n := 0
	var prev *treeNode[K, V]
	for e := tb.first.Load(); e != nil; e = e.nextNode() {
		if e.prev != prev {
			t.Fatalf("broken prev link at %v", e.key)
		}
		if e.live() == nil {
			t.Fatalf("removed node %v still listed", e.key)
		}
		if found := tb.root.findTreeNode(e.hash, e.key, tb.cmp); found != e {
			t.Fatalf("listed node %v not reachable in tree", e.key)
		}
		prev = e
		n++
	}
	require.Equal(t, tb.count, n, "count does not match list length")

	root := tb.root
	require.NotNil(t, root)
	require.Nil(t, root.parent)
	require.False(t, root.red, "root must be black")

	seen := 0
	var walk func(p *treeNode[K, V]) int
	walk = func(p *treeNode[K, V]) int {
		if p == nil {
			return 1
		}
		seen++
		if l := p.left; l != nil {
			if l.parent != p {
				t.Fatalf("left child of %v has wrong parent", p.key)
			}
			if l.hash > p.hash {
				t.Fatalf("left child hash %x above parent hash %x", l.hash, p.hash)
			}
		}
		if r := p.right; r != nil {
			if r.parent != p {
				t.Fatalf("right child of %v has wrong parent", p.key)
			}
			if r.hash < p.hash {
				t.Fatalf("right child hash %x below parent hash %x", r.hash, p.hash)
			}
		}
		if p.red && (isRed(p.left) || isRed(p.right)) {
			t.Fatalf("red node %v has a red child", p.key)
		}
		lh, rh := walk(p.left), walk(p.right)
		if lh != rh {
			t.Fatalf("black height differs under %v: %d vs %d", p.key, lh, rh)
		}
		if !p.red {
			lh++
		}
		return lh
	}
	walk(root)
	require.Equal(t, n, seen, "tree and list hold different nodes")
}

func binHead[K comparable, V any](m *Map[K, V], key K) *node[K, V] {
	return m.table.Load().bin(m.hash(key)).load()
}

func constHash[K comparable](h uintptr) func(K, uintptr) uintptr {
	return func(K, uintptr) uintptr { return h }
}

func TestTree_SmallTableGrowsBeforeTreeify(t *testing.T) {
	m := NewMap[int, int](WithKeyHasher(constHash[int](0)))
	for i := 0; i < 8; i++ {
		m.Store(i, i)
	}
	// The eighth key doubles the table instead.
	stats := m.Stats()
	require.Equal(t, 32, stats.TableLen)
	require.Zero(t, stats.TreeBins)
	require.Equal(t, 8, stats.MaxChain)

	m.Store(8, 8)
	m.Store(9, 9)
	stats = m.Stats()
	require.Equal(t, 64, stats.TableLen)
	require.Equal(t, 1, stats.TreeBins)
	require.EqualValues(t, 2, stats.TotalGrowths)
	require.Equal(t, 10, stats.MaxChain)

	f := binHead(m, 0)
	require.Equal(t, treeBinNode, f.kind)
	checkTree(t, f.asTreeBin())
	for i := 0; i < 10; i++ {
		v, ok := m.Load(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestTree_TreeifyAndUntreeify(t *testing.T) {
	m := NewMap[int, int](WithKeyHasher(constHash[int](3)), WithPresize(64))
	for i := 0; i < 7; i++ {
		m.Store(i, i)
	}
	require.Zero(t, m.Stats().TreeBins)
	m.Store(7, 7)
	stats := m.Stats()
	require.Equal(t, 128, stats.TableLen)
	require.Equal(t, 1, stats.TreeBins)
	require.Zero(t, stats.ChainBins)
	checkTree(t, binHead(m, 0).asTreeBin())

	// Updates keep the tree.
	m.Store(3, 30)
	v, _ := m.Load(3)
	require.Equal(t, 30, v)
	require.Equal(t, 1, m.Stats().TreeBins)

	m.Delete(0)
	require.Equal(t, 1, m.Stats().TreeBins)
	checkTree(t, binHead(m, 1).asTreeBin())

	m.Delete(1)
	stats = m.Stats()
	require.Zero(t, stats.TreeBins)
	require.Equal(t, 1, stats.ChainBins)
	require.Equal(t, 6, stats.MaxChain)
	require.Equal(t, map[int]int{2: 2, 3: 30, 4: 4, 5: 5, 6: 6, 7: 7}, m.ToMap())
}

func TestTree_SplitOnResize(t *testing.T) {
	// Even keys hash to 5, odd keys to 133: one bin of a 128 table, two
	// bins of a 256 table.
	hasher := func(k int, _ uintptr) uintptr { return 5 | uintptr(k&1)<<7 }
	m := NewMap[int, int](WithKeyHasher(hasher), WithPresize(64))
	for i := 0; i < 16; i++ {
		m.Store(i, i)
	}
	stats := m.Stats()
	require.Equal(t, 128, stats.TableLen)
	require.Equal(t, 1, stats.TreeBins)
	require.Equal(t, 16, stats.MaxChain)

	m.Presize(200)
	stats = m.Stats()
	require.Equal(t, 512, stats.TableLen)
	require.Equal(t, 2, stats.TreeBins)
	require.Zero(t, stats.ChainBins)
	require.Equal(t, 8, stats.MaxChain)
	require.EqualValues(t, 2, stats.TotalGrowths)

	tab := m.table.Load()
	for _, i := range []int{5, 133} {
		f := tab.bins[i].load()
		require.Equal(t, treeBinNode, f.kind, "bin %d", i)
		checkTree(t, f.asTreeBin())
	}
	for i := 0; i < 16; i++ {
		v, ok := m.Load(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestTree_SplitUntreeifiesSmallHalf(t *testing.T) {
	hasher := func(k int, _ uintptr) uintptr { return 5 | uintptr(k&1)<<7 }
	m := NewMap[int, int](WithKeyHasher(hasher), WithPresize(64))
	for i := 0; i < 16; i += 2 {
		m.Store(i, i)
	}
	for i := 1; i < 8; i += 2 {
		m.Store(i, i)
	}
	require.Equal(t, 1, m.Stats().TreeBins)

	m.Presize(200)
	stats := m.Stats()
	require.Equal(t, 512, stats.TableLen)
	require.Equal(t, 1, stats.TreeBins)
	require.Equal(t, 1, stats.ChainBins)
	tab := m.table.Load()
	require.Equal(t, treeBinNode, tab.bins[5].load().kind)
	require.Equal(t, entryNode, tab.bins[133].load().kind)
	require.Equal(t, 12, m.ExactSize())
}

func TestTree_RandomOpsKeepInvariants(t *testing.T) {
	const numKeys = 400
	// Three hashes shared by all keys, so trees hold many equal hashes
	// ordered by key.
	m := NewMap[int, int](WithKeyHasher(func(k int, _ uintptr) uintptr { return uintptr(k % 3) }),
		WithPresize(64))
	expected := make(map[int]int)
	for i := 0; i < 20_000; i++ {
		k := rand.IntN(numKeys)
		if rand.IntN(3) == 0 {
			m.Delete(k)
			delete(expected, k)
		} else {
			m.Store(k, i)
			expected[k] = i
		}
		if i%1000 == 0 {
			for b := uintptr(0); b < 3; b++ {
				f := m.table.Load().bins[b].load()
				if f != nil && f.kind == treeBinNode {
					checkTree(t, f.asTreeBin())
				}
			}
		}
	}
	require.Equal(t, expected, m.ToMap())
	for k, v := range expected {
		got, ok := m.Load(k)
		require.True(t, ok)
		require.Equal(t, v, got)
	}
}

func TestTree_UnorderedKeys(t *testing.T) {
	// Struct keys have no natural order, so equal-hash nodes are placed
	// by address and found by searching both subtrees.
	m := NewMap[structKey, int](WithKeyHasher(constHash[structKey](7)), WithPresize(64))
	const numKeys = 200
	for i := 0; i < numKeys; i++ {
		m.Store(structKey{uint32(i), uint64(i * 3)}, i)
	}
	f := binHead(m, structKey{})
	require.Equal(t, treeBinNode, f.kind)
	checkTree(t, f.asTreeBin())
	for i := 0; i < numKeys; i++ {
		v, ok := m.Load(structKey{uint32(i), uint64(i * 3)})
		require.True(t, ok, "key %d", i)
		require.Equal(t, i, v)
	}
	for i := 0; i < numKeys; i += 2 {
		m.Delete(structKey{uint32(i), uint64(i * 3)})
	}
	checkTree(t, binHead(m, structKey{}).asTreeBin())
	require.Equal(t, numKeys/2, m.ExactSize())
	_, ok := m.Load(structKey{0, 0})
	require.False(t, ok)
}

func TestTree_KeyCompareOption(t *testing.T) {
	var calls int
	byInstance := func(a, b structKey) int {
		calls++
		switch {
		case a.Instance < b.Instance:
			return -1
		case a.Instance > b.Instance:
			return 1
		}
		return 0
	}
	m := NewMap[structKey, int](WithKeyHasher(constHash[structKey](1)),
		WithKeyCompare(byInstance), WithPresize(64))
	for i := 0; i < 64; i++ {
		m.Store(structKey{Instance: uint64(i)}, i)
	}
	checkTree(t, binHead(m, structKey{}).asTreeBin())
	require.Positive(t, calls)
	for i := 0; i < 64; i++ {
		v, ok := m.Load(structKey{Instance: uint64(i)})
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestTree_ReadersDuringRestructure(t *testing.T) {
	m := NewMap[int, int](WithKeyHasher(constHash[int](0)), WithPresize(64))
	const stable = 32
	for i := 0; i < stable; i++ {
		m.Store(i, i)
	}
	done := make(chan struct{})
	cdone := make(chan bool)
	go func() {
		defer close(cdone)
		for {
			select {
			case <-done:
				return
			default:
			}
			for i := 0; i < stable; i++ {
				if v, ok := m.Load(i); !ok || v != i {
					t.Errorf("stable key %d: %d, %v", i, v, ok)
					return
				}
			}
		}
	}()
	for i := 0; i < 20_000; i++ {
		k := stable + i%64
		m.Store(k, k)
		m.Delete(k)
	}
	close(done)
	<-cdone
	checkTree(t, binHead(m, 0).asTreeBin())
}

func TestTree_LockState(t *testing.T) {
	tb := treeify(newEntry[int, int](0, 1, new(int), nil), nil)
	tb.lockRoot()
	require.EqualValues(t, treeWriter, tb.lockState.Load())
	// A writer holds the tree, so find walks the list.
	require.NotNil(t, tb.find(0, 1))
	require.Nil(t, tb.find(0, 2))
	tb.unlockRoot()
	require.Zero(t, tb.lockState.Load())

	tb.lockState.Add(treeReader)
	released := make(chan struct{})
	go func() {
		tb.lockRoot()
		close(released)
	}()
	for tb.lockState.Load()&treeWaiter == 0 {
		runtime.Gosched()
	}
	// New readers are sent down the list while a writer waits.
	require.NotNil(t, tb.find(0, 1))
	tb.lockState.Add(-treeReader)
	<-released
	require.EqualValues(t, treeWriter, tb.lockState.Load())
	tb.unlockRoot()
}
