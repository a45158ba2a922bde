package chm

import (
	"math/rand/v2"
	"runtime"
	"sync/atomic"
)

// counter is a striped adder for the map's element count.
//
// Updates go to base while it is uncontended. Once a CAS on base fails,
// updates spread over a power-of-two array of cells picked by a random
// probe, and the array doubles while collisions persist, up to maxCells.
// The sum of base and every cell is an estimate: concurrent updates may
// or may not be reflected in it.
type counter struct {
	base  atomic.Int64
	cells atomic.Pointer[[]*counterCell]
	// busy guards creating and growing cells.
	busy     atomic.Uint32
	maxCells int
}

func (c *counter) init() {
	c.maxCells = nextPowOf2(runtime.GOMAXPROCS(0))
}

// nextProbe advances a cell probe with xorshift.
func nextProbe(p uint32) uint32 {
	p ^= p << 13
	p ^= p >> 17
	p ^= p << 5
	return p
}

func newProbe() uint32 {
	if p := rand.Uint32(); p != 0 {
		return p
	}
	return 1
}

// add adds x to the count. When the update landed without contention it
// returns the resulting estimate and true; a cell update only computes
// the estimate if wantSum is set. A contended update returns false and
// the caller skips whatever it wanted to do with the sum.
func (c *counter) add(x int64, wantSum bool) (int64, bool) {
	cellsPtr := c.cells.Load()
	if cellsPtr == nil {
		b := c.base.Load()
		if c.base.CompareAndSwap(b, b+x) {
			return b + x, true
		}
		c.slowAdd(x, newProbe(), true)
		return 0, false
	}
	probe := newProbe()
	cells := *cellsPtr
	cell := cells[int(probe)&(len(cells)-1)]
	v := cell.v.Load()
	if !cell.v.CompareAndSwap(v, v+x) {
		c.slowAdd(x, probe, false)
		return 0, false
	}
	if !wantSum {
		return 0, false
	}
	return c.sum(), true
}

// slowAdd retries an update that lost a race, creating or growing the
// cell array as needed.
func (c *counter) slowAdd(x int64, probe uint32, uncontended bool) {
	collide := false
	for {
		cellsPtr := c.cells.Load()
		if cellsPtr == nil {
			if c.busy.Load() == 0 && c.busy.CompareAndSwap(0, 1) {
				created := false
				if c.cells.Load() == nil {
					cells := []*counterCell{{}, {}}
					cells[probe&1].v.Store(x)
					c.cells.Store(&cells)
					created = true
				}
				c.busy.Store(0)
				if created {
					return
				}
				continue
			}
			if b := c.base.Load(); c.base.CompareAndSwap(b, b+x) {
				return
			}
			continue
		}

		cells := *cellsPtr
		n := len(cells)
		cell := cells[int(probe)&(n-1)]
		switch {
		case !uncontended:
			// The caller already failed on this cell; rehash first.
			uncontended = true
		case casAdd(&cell.v, x):
			return
		case n >= c.maxCells || c.cells.Load() != cellsPtr:
			collide = false
		case !collide:
			collide = true
		case c.busy.CompareAndSwap(0, 1):
			if c.cells.Load() == cellsPtr {
				grown := make([]*counterCell, n<<1)
				copy(grown, cells)
				for i := n; i < len(grown); i++ {
					grown[i] = &counterCell{}
				}
				c.cells.Store(&grown)
			}
			c.busy.Store(0)
			collide = false
			continue
		}
		probe = nextProbe(probe)
	}
}

func casAdd(v *atomic.Int64, x int64) bool {
	old := v.Load()
	return v.CompareAndSwap(old, old+x)
}

// sum returns the current estimate. It may be negative while removals
// race ahead of the insertions they undo.
func (c *counter) sum() int64 {
	s := c.base.Load()
	if cellsPtr := c.cells.Load(); cellsPtr != nil {
		for _, cell := range *cellsPtr {
			s += cell.v.Load()
		}
	}
	return s
}

func (c *counter) cellCount() int {
	if cellsPtr := c.cells.Load(); cellsPtr != nil {
		return len(*cellsPtr)
	}
	return 0
}
