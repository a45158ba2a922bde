package chm

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MapConfig defines configurable Map options.
type MapConfig struct {
	sizeHint   int
	logger     logrus.FieldLogger
	keyHash    any // func(key K, seed uintptr) uintptr
	keyCompare any // func(a, b K) int
	valEqual   any // func(a, b V) bool
}

// WithPresize configures new Map instance with capacity enough
// to hold sizeHint entries without growing. If sizeHint is zero or
// negative, the value is ignored.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// WithLogger sets the logger that receives resize and degradation events.
// Defaults to logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) func(*MapConfig) {
	return func(c *MapConfig) {
		c.logger = l
	}
}

// WithKeyHasher replaces the built-in key hash. seed is a per-map random
// value the hasher may mix in. K must match the map's key type.
func WithKeyHasher[K comparable](keyHash func(key K, seed uintptr) uintptr) func(*MapConfig) {
	return func(c *MapConfig) {
		if keyHash != nil {
			c.keyHash = keyHash
		}
	}
}

// WithKeyCompare gives tree bins a total order over keys whose hashes
// collide. Without it, built-in ordered types use their natural order and
// other keys are located by searching both subtrees.
func WithKeyCompare[K comparable](keyCompare func(a, b K) int) func(*MapConfig) {
	return func(c *MapConfig) {
		if keyCompare != nil {
			c.keyCompare = keyCompare
		}
	}
}

// WithValueEqual sets the equality used by CompareAndSwap and
// CompareAndDelete. Required when V is not comparable.
func WithValueEqual[V any](valEqual func(a, b V) bool) func(*MapConfig) {
	return func(c *MapConfig) {
		if valEqual != nil {
			c.valEqual = valEqual
		}
	}
}

// typedOption asserts that an option function was built for T.
func typedOption[T any](name string, fn any) T {
	f, ok := fn.(T)
	if !ok {
		panic(errors.Errorf("chm: %s option has type %T, want %T", name, fn, *new(T)))
	}
	return f
}
