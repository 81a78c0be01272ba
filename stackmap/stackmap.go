// Package stackmap parses the .llvm_stackmaps section emitted by the code
// generation backend (stack map format version 3). The blob is read-only:
// one size record per function plus one record per safepoint, each listing
// the locations that hold live references at that point.
package stackmap

// LocKind is the location type of a stack map location entry.
type LocKind uint8

const (
	LocRegister      LocKind = 1 // value is in a register
	LocDirect        LocKind = 2 // frame pointer + offset (alloca address)
	LocIndirect      LocKind = 3 // spilled value at [reg + offset]
	LocConstant      LocKind = 4 // small constant
	LocConstantIndex LocKind = 5 // index into the large constant pool
)

func (k LocKind) String() string {
	switch k {
	case LocRegister:
		return "register"
	case LocDirect:
		return "direct"
	case LocIndirect:
		return "indirect"
	case LocConstant:
		return "constant"
	case LocConstantIndex:
		return "constant-index"
	}
	return "invalid"
}

// Location is one live value location within a safepoint record.
type Location struct {
	Kind     LocKind
	Size     uint16
	DwarfReg uint16
	Offset   int32 // offset or small constant, depending on Kind
}

// LiveOut is a register holding a live value across the safepoint.
type LiveOut struct {
	DwarfReg uint16
	Size     uint8
}

// Record describes one safepoint.
type Record struct {
	ID                uint64 // patchpoint / statepoint ID
	InstructionOffset uint32 // code offset from function entry
	Locations         []Location
	LiveOuts          []LiveOut
}

// HasLiveOffset reports whether the record lists a spilled live reference at
// the given frame offset.
func (r *Record) HasLiveOffset(offset int32) bool {
	for i := range r.Locations {
		loc := &r.Locations[i]
		if (loc.Kind == LocIndirect || loc.Kind == LocDirect) && loc.Offset == offset {
			return true
		}
	}
	return false
}

// FuncRecords groups the safepoint records of one function, ordered by
// instruction offset. The index of a record is its safepoint ordinal.
type FuncRecords struct {
	Address   uint64
	StackSize uint64
	Records   []Record
}

// NumSafepoints returns the number of safepoints in the function.
func (f *FuncRecords) NumSafepoints() int {
	return len(f.Records)
}

// StackMap is a parsed stack map section.
type StackMap struct {
	Version   uint8
	Constants []uint64
	Funcs     []FuncRecords
}

// FuncByAddress returns the records of the function with the given entry
// address, or nil.
func (sm *StackMap) FuncByAddress(addr uint64) *FuncRecords {
	for i := range sm.Funcs {
		if sm.Funcs[i].Address == addr {
			return &sm.Funcs[i]
		}
	}
	return nil
}
