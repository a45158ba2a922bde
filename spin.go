package chm

import (
	"time"
	_ "unsafe"
)

// enableSpin controls whether spinning is enabled in the bucket and tree
// locks. When true, waiting operations call runtime_doSpin() directly,
// which uses the CPU's PAUSE instruction to reduce contention latency.
const enableSpin = true

// delay backs off a contended CAS loop: a few PAUSE rounds while the
// runtime allows active spinning, then a short sleep.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if //goland:noinspection ALL
	enableSpin && runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		// time.Sleep with non-zero duration (Millisecond level) works effectively
		// as backoff under high concurrency.
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
