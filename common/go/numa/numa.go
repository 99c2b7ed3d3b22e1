// Package numa represents small bitmaps of NUMA node or CPU indices.
//
// It backs the "allowed CPUs" computation used to pin a station-set's
// producer goroutine close to the NIC or file it reads from.
package numa

import (
	"iter"
	"math/bits"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/bitset"
)

const MAX = Map(^uint32(0))

// Map is a bitmap over at most 32 NUMA nodes or CPU indices.
type Map uint32

// NewWithOneBitSet returns a new Map with a single bit set at the
// specified index (zero-based).
//
// Panics if idx >= 32.
func NewWithOneBitSet(idx uint32) Map {
	if idx >= 32 {
		panic("index is out of range")
	}

	return Map(1 << idx)
}

// NewWithTrailingOnes returns a new Map with the specified number of
// trailing ones.
func NewWithTrailingOnes(numOnes int) Map {
	if numOnes == 0 {
		return Map(0)
	}
	if numOnes > 32 {
		return MAX
	}

	return Map(^uint32(0) >> (32 - numOnes))
}

func (m Map) IsEmpty() bool {
	return m == 0
}

func (m Map) Len() int {
	return bits.OnesCount32(uint32(m))
}

func (m Map) Intersect(other Map) Map {
	return m & other
}

func (m Map) Iter() iter.Seq[uint32] {
	return bitset.NewBitsTraverser(uint64(m)).Iter()
}
