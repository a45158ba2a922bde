package chm

import (
	"fmt"
	"strings"
)

// MapStats is Map statistics.
//
// Warning: map statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// TableLen is the number of bins in the current table.
	TableLen int
	// Threshold is the estimated size at which the table grows next,
	// or 0 while a resize is running or once growth is disabled.
	Threshold int
	// EmptyBins is the number of bins that hold nothing.
	EmptyBins int
	// ChainBins is the number of bins holding a linked chain.
	ChainBins int
	// TreeBins is the number of bins holding a red-black tree.
	TreeBins int
	// ForwardingBins is the number of bins already moved to the next
	// table by a resize in progress.
	ForwardingBins int
	// ReservationBins is the number of bins claimed by a running
	// LoadOrCompute or Compute on an absent key.
	ReservationBins int
	// MaxChain is the length of the longest chain or tree.
	MaxChain int
	// Size is the exact number of entries stored in the map.
	Size int
	// Counter is the number of entries stored in the map according
	// to the internal striped counter. In case of concurrent map
	// modifications this number may be different from Size.
	Counter int
	// CounterCells is the number of counter stripes in use. Zero
	// until updates contend.
	CounterCells int
	// TotalGrowths is the number of times the hash table grew.
	TotalGrowths uint32
	// GrowthDisabled is set once a table allocation has failed.
	GrowthDisabled bool
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("TableLen:        %d\n", s.TableLen))
	sb.WriteString(fmt.Sprintf("Threshold:       %d\n", s.Threshold))
	sb.WriteString(fmt.Sprintf("EmptyBins:       %d\n", s.EmptyBins))
	sb.WriteString(fmt.Sprintf("ChainBins:       %d\n", s.ChainBins))
	sb.WriteString(fmt.Sprintf("TreeBins:        %d\n", s.TreeBins))
	sb.WriteString(fmt.Sprintf("ForwardingBins:  %d\n", s.ForwardingBins))
	sb.WriteString(fmt.Sprintf("ReservationBins: %d\n", s.ReservationBins))
	sb.WriteString(fmt.Sprintf("MaxChain:        %d\n", s.MaxChain))
	sb.WriteString(fmt.Sprintf("Size:            %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:         %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("CounterCells:    %d\n", s.CounterCells))
	sb.WriteString(fmt.Sprintf("TotalGrowths:    %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("GrowthDisabled:  %t\n", s.GrowthDisabled))
	sb.WriteString("}\n")
	return sb.String()
}

// Stats returns statistics for the Map. Just like other map
// methods, this one is thread-safe. Yet it's an O(N) operation,
// so it should be used only for diagnostics or debugging purposes.
func (m *Map[K, V]) Stats() *MapStats {
	stats := &MapStats{
		Counter:      m.Size(),
		CounterCells: m.count.cellCount(),
		TotalGrowths: m.totalGrowths.Load(),
	}
	sc := m.sizeCtl.Load()
	stats.GrowthDisabled = sc == growthDisabled
	tab := m.table.Load()
	if tab == nil {
		return stats
	}
	stats.TableLen = tab.len()
	if sc > 0 && sc != growthDisabled {
		stats.Threshold = int(sc)
	}
	for i := range tab.bins {
		b := &tab.bins[i]
		f := b.load()
		if f == nil {
			stats.EmptyBins++
			continue
		}
		n := 0
		switch f.kind {
		case entryNode:
			stats.ChainBins++
			for e := f; e != nil; e = e.next.Load() {
				if e.live() != nil {
					n++
				}
			}
		case treeBinNode:
			stats.TreeBins++
			for e := f.asTreeBin().first.Load(); e != nil; e = e.nextNode() {
				if e.live() != nil {
					n++
				}
			}
		case forwardingNode:
			stats.ForwardingBins++
		case reservationNode:
			stats.ReservationBins++
		}
		stats.MaxChain = max(stats.MaxChain, n)
	}
	stats.Size = m.ExactSize()
	return stats
}
