package chm

import (
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCursor_Empty(t *testing.T) {
	var m Map[string, int]
	c := m.NewCursor()
	require.False(t, c.Next())
	require.False(t, c.Next())

	m.Store("a", 1)
	c = m.NewCursor()
	require.True(t, c.Next())
	require.Equal(t, "a", c.Key())
	require.Equal(t, 1, c.Value())
	require.False(t, c.Next())
	// Exhaustion is sticky, even if entries are added afterwards.
	m.Store("b", 2)
	require.False(t, c.Next())
}

func TestCursor_SkipsRemovedEntries(t *testing.T) {
	m := NewMap[int, int]()
	for i := 0; i < 100; i++ {
		m.Store(i, i)
	}
	// Integer keys hash to themselves, so the walk is in key order and
	// each deletion is ahead of the cursor.
	var seen []int
	for c := m.NewCursor(); c.Next(); {
		seen = append(seen, c.Key())
		m.Delete(c.Key() + 1)
	}
	want := make([]int, 0, 50)
	for i := 0; i < 100; i += 2 {
		want = append(want, i)
	}
	require.Equal(t, want, seen)
	require.Equal(t, 50, m.Size())
}

func TestCursor_TreeBins(t *testing.T) {
	m := NewMap[string, int](WithKeyHasher(constHash[string](9)), WithPresize(64))
	want := make(map[string]int)
	for i := 0; i < 50; i++ {
		k := strconv.Itoa(i)
		m.Store(k, i)
		want[k] = i
	}
	require.Equal(t, 1, m.Stats().TreeBins)
	got := make(map[string]int)
	for c := m.NewCursor(); c.Next(); {
		_, dup := got[c.Key()]
		require.False(t, dup, "key %s seen twice", c.Key())
		got[c.Key()] = c.Value()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("cursor mismatch (-want +got):\n%s", diff)
	}
}

func TestCursor_WeaklyConsistentDuringGrowth(t *testing.T) {
	const numStable = 1000
	const numInserted = 100_000
	m := NewMap[int, int]()
	for i := 0; i < numStable; i++ {
		m.Store(i, i)
	}
	var g errgroup.Group
	g.Go(func() error {
		for i := numStable; i < numStable+numInserted; i++ {
			m.Store(i, i)
		}
		return nil
	})
	for round := 0; round < 5; round++ {
		seen := make(map[int]int)
		for c := m.NewCursor(); c.Next(); {
			require.Equal(t, c.Key(), c.Value())
			seen[c.Key()]++
		}
		for k, n := range seen {
			if n != 1 {
				t.Fatalf("key %d seen %d times", k, n)
			}
		}
		for i := 0; i < numStable; i++ {
			if seen[i] != 1 {
				t.Fatalf("stable key %d not seen in round %d", i, round)
			}
		}
	}
	require.NoError(t, g.Wait())
	require.Equal(t, numStable+numInserted, m.ExactSize())
}

func TestCursor_ValueIsSnapshot(t *testing.T) {
	m := NewMap[string, int]()
	m.Store("k", 1)
	c := m.NewCursor()
	require.True(t, c.Next())
	m.Store("k", 2)
	require.Equal(t, 1, c.Value())
	v, _ := m.Load("k")
	require.Equal(t, 2, v)
}
