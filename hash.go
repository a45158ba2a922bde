package chm

import (
	"cmp"
	"hash/maphash"
	"math/bits"
	"reflect"
	"unsafe"

	"github.com/zeebo/xxh3"
)

type hashFunc[K comparable] func(key K, seed uintptr) uintptr

// spread folds the high bits of h into the low bits. Bucket indices
// only look at the low bits, so without this, keys whose hashes differ
// only in their upper bits would all land in the same bucket.
func spread(h uintptr) uintptr {
	h = foldHigh(h)
	return h ^ (h >> 16)
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << (bits.UintSize - bits.LeadingZeros(uint(n-1)))
}

// tableSizeFor returns the power-of-two table length for a requested
// capacity, clamped to maximumCapacity.
func tableSizeFor(c int) int {
	if c >= maximumCapacity {
		return maximumCapacity
	}
	return nextPowOf2(c)
}

// presizeLen is the table length that holds expected entries without
// growing: expected * 1.5, rounded up to a power of two.
func presizeLen(expected int) int {
	if expected >= maximumCapacity>>1 {
		return maximumCapacity
	}
	return tableSizeFor(expected + expected>>1 + 1)
}

// defaultHasher picks the key hash used when none is configured.
//
// Integer keys hash to themselves, as their natural distribution is
// already good after spread. Strings go through xxh3 with the map's seed.
// Everything else uses the runtime's hash for comparable values.
func defaultHasher[K comparable]() hashFunc[K] {
	switch any(*new(K)).(type) {
	case string:
		return func(key K, seed uintptr) uintptr {
			return uintptr(xxh3.HashStringSeed(*(*string)(unsafe.Pointer(&key)), uint64(seed)))
		}
	case int, uint, uintptr:
		return func(key K, _ uintptr) uintptr {
			return *(*uintptr)(unsafe.Pointer(&key))
		}
	case int64, uint64:
		if bits.UintSize == 32 {
			return func(key K, _ uintptr) uintptr {
				v := *(*uint64)(unsafe.Pointer(&key))
				return uintptr(v) ^ uintptr(v>>32)
			}
		}
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint64)(unsafe.Pointer(&key)))
		}
	case int32, uint32:
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint32)(unsafe.Pointer(&key)))
		}
	case int16, uint16:
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint16)(unsafe.Pointer(&key)))
		}
	case int8, uint8:
		return func(key K, _ uintptr) uintptr {
			return uintptr(*(*uint8)(unsafe.Pointer(&key)))
		}
	default:
		seed := maphash.MakeSeed()
		return func(key K, _ uintptr) uintptr {
			return uintptr(maphash.Comparable(seed, key))
		}
	}
}

func orderedCompare[K comparable, T cmp.Ordered]() func(a, b K) int {
	return func(a, b K) int {
		return cmp.Compare(*(*T)(unsafe.Pointer(&a)), *(*T)(unsafe.Pointer(&b)))
	}
}

// defaultKeyCompare returns the natural order of K, or nil when K has none.
// Tree bins fall back to searching both subtrees for keys without an order.
func defaultKeyCompare[K comparable]() func(a, b K) int {
	switch any(*new(K)).(type) {
	case string:
		return orderedCompare[K, string]()
	case int:
		return orderedCompare[K, int]()
	case int8:
		return orderedCompare[K, int8]()
	case int16:
		return orderedCompare[K, int16]()
	case int32:
		return orderedCompare[K, int32]()
	case int64:
		return orderedCompare[K, int64]()
	case uint:
		return orderedCompare[K, uint]()
	case uint8:
		return orderedCompare[K, uint8]()
	case uint16:
		return orderedCompare[K, uint16]()
	case uint32:
		return orderedCompare[K, uint32]()
	case uint64:
		return orderedCompare[K, uint64]()
	case uintptr:
		return orderedCompare[K, uintptr]()
	case float32:
		return orderedCompare[K, float32]()
	case float64:
		return orderedCompare[K, float64]()
	default:
		return nil
	}
}

// defaultValEqual returns == for comparable V, nil otherwise.
func defaultValEqual[V any]() func(a, b V) bool {
	if !reflect.TypeFor[V]().Comparable() {
		return nil
	}
	return func(a, b V) bool {
		return any(a) == any(b)
	}
}

// nilable reports whether values of T can be nil.
func nilable[T any]() bool {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Chan, reflect.Map,
		reflect.Slice, reflect.Func, reflect.UnsafePointer:
		return true
	}
	return false
}

func isNil[T any](v T) bool {
	return reflect.ValueOf(&v).Elem().IsNil()
}
