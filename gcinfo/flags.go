// Package gcinfo translates LLVM stack map data into the runtime's GC info
// encoding. It records, per compiled function, the stack allocations that the
// garbage collector must know about (GC pointers, GC aggregates, pinned
// pointers, and the special runtime slots), and drives the per-function
// encoding pipeline against the runtime encoder sink.
package gcinfo

import "math"

// AllocFlags describes what kind of GC attention a stack allocation needs.
// Flags may combine: a pinned GC pointer carries FlagGCPointer|FlagPinned.
// A slot is either a GC value (pointer or aggregate) or one of the special
// non-GC slots, never both.
type AllocFlags uint8

const (
	FlagGCPointer AllocFlags = 1 << iota
	FlagGCAggregate
	FlagPinned
	FlagStackGuardCookie
	FlagSecurityObject
	FlagGenericsContext

	// FlagGCValue is the union of the two GC value kinds.
	FlagGCValue = FlagGCPointer | FlagGCAggregate

	flagSpecial = FlagStackGuardCookie | FlagSecurityObject | FlagGenericsContext
)

// Has reports whether all bits of q are set.
func (f AllocFlags) Has(q AllocFlags) bool { return f&q == q }

// IsGCPointer reports whether the slot holds a single managed pointer.
func (f AllocFlags) IsGCPointer() bool { return f&FlagGCPointer != 0 }

// IsGCAggregate reports whether the slot holds a value type containing
// managed pointers.
func (f AllocFlags) IsGCAggregate() bool { return f&FlagGCAggregate != 0 }

// IsGCValue reports whether the slot is a GC pointer or GC aggregate.
func (f AllocFlags) IsGCValue() bool { return f&FlagGCValue != 0 }

// IsPinned reports whether the slot's referent must not be relocated.
func (f AllocFlags) IsPinned() bool { return f&FlagPinned != 0 }

// IsSpecial reports whether the slot is one of the non-GC special slots.
func (f AllocFlags) IsSpecial() bool { return f&flagSpecial != 0 }

func (f AllocFlags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f.IsGCPointer() {
		add("gc-pointer")
	}
	if f.IsGCAggregate() {
		add("gc-aggregate")
	}
	if f.IsPinned() {
		add("pinned")
	}
	if f.Has(FlagStackGuardCookie) {
		add("stack-guard-cookie")
	}
	if f.Has(FlagSecurityObject) {
		add("security-object")
	}
	if f.Has(FlagGenericsContext) {
		add("generics-context")
	}
	return s
}

// NoOffset marks a slot whose frame offset has not been assigned yet.
const NoOffset int32 = math.MinInt32

// SlotRecord is the per-allocation record: the allocation's offset from the
// function's frame base (stack pointer relative) and its flag set.
type SlotRecord struct {
	Offset int32
	Flags  AllocFlags
}

// ContextParamKind identifies how the generics context parameter resolves
// generic type arguments at runtime.
type ContextParamKind uint8

const (
	ContextNone ContextParamKind = iota
	ContextThis
	ContextMethodDesc
	ContextClassDesc
)

func (k ContextParamKind) String() string {
	switch k {
	case ContextNone:
		return "none"
	case ContextThis:
		return "this"
	case ContextMethodDesc:
		return "method-desc"
	case ContextClassDesc:
		return "class-desc"
	}
	return "unknown"
}
