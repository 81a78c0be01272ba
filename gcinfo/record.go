package gcinfo

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// FuncInfo is the per-function record of stack allocations that need GC or
// runtime attention. It is filled by the collection pass while the function
// is being compiled and is read-only afterwards.
//
// Plain unpinned GC pointer slots are tracked per safepoint through the
// stack map. The stack map has no entries for pointers inside stack
// allocated aggregates or for pinned slots, so those are reported
// untracked (live for the whole function); the collection pass marks all
// recorded GC values frame-escaped so that this is sound.
type FuncInfo struct {
	// Fn is the function this record describes.
	Fn llvm.Value

	// Handle is the stable identifier assigned by the module registry.
	Handle FuncHandle

	// FPBased is set when the function addresses its frame through a
	// dedicated frame pointer register.
	FPBased bool

	// Valid instruction range of the stack guard cookie, [start, end).
	CookieStart uint32
	CookieEnd   uint32

	// ContextKind describes the generics context parameter, if recorded.
	ContextKind ContextParamKind

	allocas []llvm.Value // recording order
	records map[llvm.Value]*SlotRecord
	offsets map[int32]llvm.Value
}

func newFuncInfo(fn llvm.Value, handle FuncHandle) *FuncInfo {
	return &FuncInfo{
		Fn:      fn,
		Handle:  handle,
		records: make(map[llvm.Value]*SlotRecord),
		offsets: make(map[int32]llvm.Value),
	}
}

// HasRecord reports whether alloca has already been recorded.
func (fi *FuncInfo) HasRecord(alloca llvm.Value) bool {
	_, ok := fi.records[alloca]
	return ok
}

// Record returns the slot record for alloca, or nil.
func (fi *FuncInfo) Record(alloca llvm.Value) *SlotRecord {
	return fi.records[alloca]
}

// NeedsGCInfo reports whether the function has anything to encode.
func (fi *FuncInfo) NeedsGCInfo() bool {
	return len(fi.records) > 0
}

// NumRecords returns the number of recorded allocations.
func (fi *FuncInfo) NumRecords() int {
	return len(fi.records)
}

// Allocas returns the recorded allocations in recording order.
func (fi *FuncInfo) Allocas() []llvm.Value {
	return fi.allocas
}

// RecordGCAlloca records a stack allocated GC value, deriving the pointer or
// aggregate flag from its type. Recording the same alloca again augments the
// existing record.
func (fi *FuncInfo) RecordGCAlloca(alloca llvm.Value) {
	t := alloca.AllocatedType()
	switch {
	case IsGCPointer(t):
		fi.mark(alloca, FlagGCPointer)
	case IsGCAggregate(t):
		fi.mark(alloca, FlagGCAggregate)
	default:
		panic(fmt.Sprintf("gcinfo: recording non-GC alloca %q as GC value", alloca.Name()))
	}
}

// RecordPinned records alloca as a pinned GC value. The alloca must be of a
// GC type; if it was not recorded yet it is recorded first.
func (fi *FuncInfo) RecordPinned(alloca llvm.Value) {
	if !fi.HasRecord(alloca) {
		fi.RecordGCAlloca(alloca)
	}
	fi.mark(alloca, FlagPinned)
}

// RecordStackGuardCookie records the stack guard cookie slot together with
// the instruction range [start, end) over which it is valid.
func (fi *FuncInfo) RecordStackGuardCookie(alloca llvm.Value, start, end uint32) {
	fi.markNonGC(alloca, FlagStackGuardCookie)
	fi.CookieStart = start
	fi.CookieEnd = end
}

// RecordSecurityObject records the security object slot.
func (fi *FuncInfo) RecordSecurityObject(alloca llvm.Value) {
	fi.markNonGC(alloca, FlagSecurityObject)
}

// RecordGenericsContext records the generics context parameter slot and its
// kind.
func (fi *FuncInfo) RecordGenericsContext(alloca llvm.Value, kind ContextParamKind) {
	fi.markNonGC(alloca, FlagGenericsContext)
	fi.ContextKind = kind
}

// SetOffset assigns the final frame offset of a recorded alloca. Offsets are
// assigned by frame layout before encoding and must be unique: assigning an
// offset already held by a different alloca is a contract violation.
func (fi *FuncInfo) SetOffset(alloca llvm.Value, offset int32) {
	rec, ok := fi.records[alloca]
	if !ok {
		panic(fmt.Sprintf("gcinfo: offset assigned to unrecorded alloca %q", alloca.Name()))
	}
	if prev, ok := fi.offsets[offset]; ok && prev != alloca {
		panic(fmt.Sprintf("gcinfo: offset %d assigned to both %q and %q",
			offset, prev.Name(), alloca.Name()))
	}
	if rec.Offset != NoOffset && rec.Offset != offset {
		delete(fi.offsets, rec.Offset)
	}
	rec.Offset = offset
	fi.offsets[offset] = alloca
}

// EscapingLocations returns the recorded GC value allocas in recording
// order. The caller must mark these frame-escaped: their liveness is not
// tracked by the stack map, so their storage has to stay observable for the
// whole function.
func (fi *FuncInfo) EscapingLocations() []llvm.Value {
	var escaping []llvm.Value
	for _, a := range fi.allocas {
		if fi.records[a].Flags.IsGCValue() {
			escaping = append(escaping, a)
		}
	}
	return escaping
}

func (fi *FuncInfo) mark(alloca llvm.Value, flags AllocFlags) {
	rec, ok := fi.records[alloca]
	if !ok {
		rec = &SlotRecord{Offset: NoOffset}
		fi.records[alloca] = rec
		fi.allocas = append(fi.allocas, alloca)
	}
	if flags.IsGCValue() && rec.Flags.IsSpecial() || flags.IsSpecial() && rec.Flags.IsGCValue() {
		panic(fmt.Sprintf("gcinfo: alloca %q flagged both GC value and special slot", alloca.Name()))
	}
	rec.Flags |= flags
}

func (fi *FuncInfo) markNonGC(alloca llvm.Value, flags AllocFlags) {
	if rec, ok := fi.records[alloca]; ok && rec.Flags.IsGCValue() {
		panic(fmt.Sprintf("gcinfo: special slot %q already recorded as GC value", alloca.Name()))
	}
	fi.mark(alloca, flags)
}
