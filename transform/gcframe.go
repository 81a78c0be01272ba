// Package transform contains the per-function IR passes that feed GC info
// generation. The collection pass runs right after frame layout is fixed:
// it walks the function's stack allocations, records the GC-relevant and
// special ones in the module registry, and reports which locations must be
// kept frame-escaped.
package transform

import (
	"fmt"

	"tinygo.org/x/go-llvm"

	"github.com/coralclr/coral/gcinfo"
)

// FrameLayout exposes the backend's finished frame layout for one function.
// Offsets are relative to the function's stack pointer at entry.
type FrameLayout interface {
	// AllocaOffset returns the frame offset of a stack allocation, and
	// whether an offset was assigned at all.
	AllocaOffset(alloca llvm.Value) (int32, bool)

	// FPBased reports whether the frame is addressed through a dedicated
	// frame pointer register.
	FPBased() bool
}

// SpecialKind is the special-slot marking applied by earlier compilation
// phases.
type SpecialKind uint8

const (
	SpecialNone SpecialKind = iota
	SpecialStackGuardCookie
	SpecialSecurityObject
	SpecialGenericsContext
)

// Marks exposes the per-allocation annotations set by earlier phases. How
// those annotations come to be is not this pass's concern.
type Marks interface {
	// Pinned reports whether upstream analysis pinned the allocation.
	Pinned(alloca llvm.Value) bool

	// Special returns the allocation's special-slot kind, if any.
	Special(alloca llvm.Value) SpecialKind

	// CookieRange returns the instruction range [start, end) over which
	// the stack guard cookie is valid.
	CookieRange() (start, end uint32)

	// ContextKind returns the generics context parameter kind.
	ContextKind() gcinfo.ContextParamKind
}

// CollectStackRoots populates the registry record for fn. It must run after
// frame layout is fixed, so every relevant allocation already has a final
// offset. The returned record's EscapingLocations must be handed back to
// the optimizer: the stack map does not track those allocations, so their
// storage has to stay observable for the whole function.
func CollectStackRoots(fn llvm.Value, layout FrameLayout, marks Marks, mi *gcinfo.ModuleInfo) (*gcinfo.FuncInfo, error) {
	fi := mi.GetOrCreate(fn)
	fi.FPBased = layout.FPBased()

	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.IsAAllocaInst().IsNil() {
				continue
			}
			if err := collectAlloca(fi, inst, layout, marks); err != nil {
				return nil, err
			}
		}
	}

	return fi, nil
}

func collectAlloca(fi *gcinfo.FuncInfo, alloca llvm.Value, layout FrameLayout, marks Marks) error {
	special := marks.Special(alloca)
	gcType := gcinfo.IsGCType(alloca.AllocatedType())
	if !gcType && special == SpecialNone {
		// Not GC-relevant and not special: nothing to record.
		return nil
	}

	switch special {
	case SpecialNone:
		fi.RecordGCAlloca(alloca)
		if marks.Pinned(alloca) {
			fi.RecordPinned(alloca)
		}
	case SpecialStackGuardCookie:
		start, end := marks.CookieRange()
		fi.RecordStackGuardCookie(alloca, start, end)
	case SpecialSecurityObject:
		fi.RecordSecurityObject(alloca)
	case SpecialGenericsContext:
		fi.RecordGenericsContext(alloca, marks.ContextKind())
	default:
		return fmt.Errorf("transform: alloca %q has unknown special kind %d", alloca.Name(), special)
	}

	offset, ok := layout.AllocaOffset(alloca)
	if !ok {
		return fmt.Errorf("transform: alloca %q has no frame offset; layout must run first", alloca.Name())
	}
	fi.SetOffset(alloca, offset)
	return nil
}
