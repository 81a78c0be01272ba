package gcinfo

import (
	"strings"

	"tinygo.org/x/go-llvm"
)

// Managed pointers are distinguished from unmanaged ones by their LLVM
// address space. Address space 0 is the normal unmanaged space; the managed
// heap lives in address space 1.
const (
	UnmanagedAddrSpace = 0
	ManagedAddrSpace   = 1
)

// Runtime allocation helpers. A call to one of these produces a new managed
// object reference.
var gcAllocFuncs = map[string]struct{}{
	"coralrt.newobj": {},
	"coralrt.newarr": {},
	"coralrt.newstr": {},
	"coralrt.box":    {},
}

const statepointPrefix = "llvm.experimental.gc.statepoint"

// IsGCPointer reports whether t is a pointer into the managed heap.
func IsGCPointer(t llvm.Type) bool {
	return t.TypeKind() == llvm.PointerTypeKind && t.PointerAddressSpace() == ManagedAddrSpace
}

// IsGCAggregate reports whether t is a value type whose layout contains one
// or more managed pointers.
func IsGCAggregate(t llvm.Type) bool {
	switch t.TypeKind() {
	case llvm.StructTypeKind:
		for _, elem := range t.StructElementTypes() {
			if IsGCPointer(elem) || IsGCAggregate(elem) {
				return true
			}
		}
	case llvm.ArrayTypeKind:
		elem := t.ElementType()
		return IsGCPointer(elem) || IsGCAggregate(elem)
	}
	return false
}

// IsGCType reports whether t needs any GC reporting when stored on the stack.
func IsGCType(t llvm.Type) bool {
	return IsGCPointer(t) || IsGCAggregate(t)
}

// IsUnmanagedPointer reports whether t is a pointer the GC must ignore.
func IsUnmanagedPointer(t llvm.Type) bool {
	return t.TypeKind() == llvm.PointerTypeKind && !IsGCPointer(t)
}

// IsGCValue reports whether v's type is a GC type.
func IsGCValue(v llvm.Value) bool {
	return IsGCType(v.Type())
}

// IsGCAllocation reports whether v is a call to a recognized runtime
// allocation helper.
func IsGCAllocation(v llvm.Value) bool {
	if v.IsACallInst().IsNil() {
		return false
	}
	callee := v.CalledValue()
	if callee.IsNil() {
		return false
	}
	_, ok := gcAllocFuncs[callee.Name()]
	return ok
}

// IsGCFunction reports whether fn needs GC info at all: it has a GC-typed
// stack allocation or at least one statepoint. Functions for which this
// returns false produce no encoding.
func IsGCFunction(fn llvm.Value) bool {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if !inst.IsAAllocaInst().IsNil() {
				if IsGCType(inst.AllocatedType()) {
					return true
				}
				continue
			}
			if inst.IsACallInst().IsNil() {
				continue
			}
			callee := inst.CalledValue()
			if !callee.IsNil() && strings.HasPrefix(callee.Name(), statepointPrefix) {
				return true
			}
		}
	}
	return false
}

// IsFPBasedFunction reports whether fn addresses its frame through a
// dedicated frame pointer register instead of the stack pointer.
func IsFPBasedFunction(fn llvm.Value) bool {
	attr := fn.GetStringAttributeAtIndex(-1, "frame-pointer")
	if attr.IsNil() {
		return false
	}
	return attr.GetStringValue() == "all"
}

// GCPointerOffsets appends to offsets the byte offsets, within one instance
// of aggregate type t, at which a managed pointer field begins. Nested
// structs and fixed arrays are walked recursively. The result is ordered by
// increasing offset.
func GCPointerOffsets(t llvm.Type, td llvm.TargetData, offsets []uint32) []uint32 {
	return gcPointerOffsets(t, td, 0, offsets)
}

func gcPointerOffsets(t llvm.Type, td llvm.TargetData, base uint32, offsets []uint32) []uint32 {
	switch t.TypeKind() {
	case llvm.PointerTypeKind:
		if IsGCPointer(t) {
			offsets = append(offsets, base)
		}
	case llvm.StructTypeKind:
		for i, elem := range t.StructElementTypes() {
			elemOff := base + uint32(td.ElementOffset(t, i))
			offsets = gcPointerOffsets(elem, td, elemOff, offsets)
		}
	case llvm.ArrayTypeKind:
		elem := t.ElementType()
		elemSize := uint32(td.TypeAllocSize(elem))
		for i := 0; i < t.ArrayLength(); i++ {
			offsets = gcPointerOffsets(elem, td, base+uint32(i)*elemSize, offsets)
		}
	}
	return offsets
}
