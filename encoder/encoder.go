// Package encoder defines the runtime encoder sink: the sequential,
// write-only interface through which a function's GC info reaches the
// runtime. The call order is a hard contract: header, tracked slots,
// untracked slots, finalize, emit. A sink rejects out-of-order calls.
//
// ByteSink is a reference implementation that packs the declarations into a
// little-endian byte stream with a trailing checksum. The production
// runtime ships its own bit-packing implementation behind the same
// interface.
package encoder

import (
	"errors"

	"github.com/RoaringBitmap/roaring"
)

// SlotID identifies a declared slot. IDs are assigned by the sink in
// declaration order, so all tracked IDs form one contiguous range and all
// untracked IDs another.
type SlotID uint32

// SlotFlags qualifies an untracked slot declaration.
type SlotFlags uint8

const (
	SlotObjectRef SlotFlags = 1 << iota // the slot holds an object reference
	SlotPinned                          // the referent must not be relocated
	SlotInterior                        // the slot may hold an interior pointer
)

// Generics context parameter kinds, mirrored from the function header.
const (
	GenericsContextNone uint8 = iota
	GenericsContextThis
	GenericsContextMethodDesc
	GenericsContextClassDesc
)

// Header carries the function-level facts written before any slot.
type Header struct {
	FPBased       bool
	FrameSize     uint32
	NumSafepoints uint32

	HasCookie    bool
	CookieOffset int32
	CookieStart  uint32 // valid instruction range [start, end)
	CookieEnd    uint32

	HasSecurityObject    bool
	SecurityObjectOffset int32

	HasGenericsContext    bool
	GenericsContextOffset int32
	GenericsContextKind   uint8

	// CallSites holds per-safepoint instruction offsets. Only populated
	// when partially interruptible reporting is enabled.
	CallSites []uint32
}

// ErrOutOfOrder is returned when a sink operation is invoked outside the
// mandated header → tracked → untracked → finalize → emit order.
var ErrOutOfOrder = errors.New("encoder: operation out of sequence")

// Sink accepts one function's GC info in encoding order.
type Sink interface {
	// WriteHeader must be called exactly once, before any slot.
	WriteHeader(h Header) error

	// DeclareTrackedSlot declares a stack slot whose liveness varies per
	// safepoint. live holds the ordinals of safepoints at which the slot
	// contains a live reference; it may be empty but not nil. Returns the
	// assigned slot ID.
	DeclareTrackedSlot(offset int32, live *roaring.Bitmap) (SlotID, error)

	// DeclareUntrackedSlot declares a stack slot reported live for the
	// whole function. Returns the assigned slot ID.
	DeclareUntrackedSlot(offset int32, flags SlotFlags) (SlotID, error)

	// Finalize computes the final byte layout. No declarations are
	// accepted afterwards.
	Finalize() error

	// Bytes returns the finalized stream. Valid only after Finalize.
	Bytes() ([]byte, error)

	// Emit hands the finalized stream to the runtime consumer. The sink
	// is spent afterwards.
	Emit(consume func([]byte) error) error
}
