package chm

import "github.com/pkg/errors"

var (
	// ErrNilKey is the panic value (wrapped with a stack) raised when a nil
	// pointer, interface, or channel is used as a key in a mutation.
	ErrNilKey = errors.New("chm: nil key")
	// ErrNilValue is raised when a nil value is stored. A nil value is how
	// the map marks an entry as removed, so it can never be a live value.
	ErrNilValue = errors.New("chm: nil value")
	// ErrNotComparable is raised by CompareAndSwap and CompareAndDelete
	// when V is not comparable and no WithValueEqual was configured.
	ErrNotComparable = errors.New("chm: value type is not comparable")
)
