package gcinfo

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// AggLayout is the managed-pointer layout of one stack aggregate, at
// pointer-word granularity. It is the word-level view of GCPointerOffsets,
// used for the debug logs and for runtime consumers that want a bitmap
// instead of an offset list.
type AggLayout struct {
	// Words is the aggregate size in pointer words, rounded up.
	Words uint64

	ptrWords []int
}

// NewAggLayout computes the layout of aggregate type t. Pointer fields are
// assumed to be pointer-aligned, which frame layout guarantees for
// recorded aggregates.
func NewAggLayout(t llvm.Type, td llvm.TargetData) AggLayout {
	ptrSize := uint64(td.PointerSize())
	size := td.TypeAllocSize(t)
	layout := AggLayout{Words: (size + ptrSize - 1) / ptrSize}
	for _, off := range GCPointerOffsets(t, td, nil) {
		layout.ptrWords = append(layout.ptrWords, int(uint64(off)/ptrSize))
	}
	return layout
}

// PointerWords returns the word indices holding managed pointers, in
// increasing order.
func (l AggLayout) PointerWords() []int {
	return l.ptrWords
}

// NumPointers returns the number of managed pointer fields.
func (l AggLayout) NumPointers() int {
	return len(l.ptrWords)
}

// Compact packs the layout into a single word of ptrSize bytes, in the
// form pp…pss…s1: pointer bits, then size bits, then a set low bit that
// distinguishes the value from an out-of-line layout pointer. Returns
// false when the layout does not fit.
func (l AggLayout) Compact(ptrSize int) (uint64, bool) {
	sizeBits := uint(4 + ptrSize/4)
	avail := uint(ptrSize*8) - 1 - sizeBits
	if l.Words >= 1<<sizeBits || uint64(avail) < l.Words {
		return 0, false
	}
	var mask uint64
	for _, w := range l.ptrWords {
		mask |= 1 << uint(w)
	}
	return mask<<(1+sizeBits) | l.Words<<1 | 1, true
}

// Bitmap returns the pointer bitstring as little endian bytes, one bit per
// word, ceil(Words/8) bytes long. Used for layouts too large for Compact.
func (l AggLayout) Bitmap() []byte {
	bits := make([]byte, (l.Words+7)/8)
	for _, w := range l.ptrWords {
		bits[w/8] |= 1 << uint(w%8)
	}
	return bits
}

func (l AggLayout) String() string {
	return fmt.Sprintf("%d words, pointers at %v", l.Words, l.ptrWords)
}
