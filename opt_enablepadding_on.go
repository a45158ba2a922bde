//go:build chm_opt_enablepadding

package chm

import (
	"sync/atomic"
	"unsafe"
)

// enablePadding is true, each counterCell is padded to a full cache line.
// Cells are hit by different goroutines on every insert and delete, so on
// machines where adjacent cells share a line this removes the ping-pong
// at the cost of CacheLineSize bytes per cell.
const enablePadding = true

// counterCell is one stripe of the size estimator.
type counterCell struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		v atomic.Int64
	}{})%CacheLineSize) % CacheLineSize]byte
	v atomic.Int64
}
