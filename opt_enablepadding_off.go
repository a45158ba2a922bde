//go:build !chm_opt_enablepadding

package chm

import "sync/atomic"

// enablePadding is off by default: counterCell holds only its counter.
// Cells are allocated one at a time, so the allocator already spreads
// them out in practice. Build with chm_opt_enablepadding to pad each
// cell to a full cache line.
const enablePadding = false

// counterCell is one stripe of the size estimator.
type counterCell struct {
	v atomic.Int64
}
