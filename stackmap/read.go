package stackmap

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Stack map format version 3, as written by LLVM into .llvm_stackmaps:
//
//	uint8  version, uint8 reserved, uint16 reserved
//	uint32 numFunctions, uint32 numConstants, uint32 numRecords
//	numFunctions * { uint64 address, uint64 stackSize, uint64 recordCount }
//	numConstants * uint64
//	numRecords * {
//	    uint64 id, uint32 instructionOffset, uint16 reserved,
//	    uint16 numLocations, numLocations * location,
//	    pad to 8, uint16 pad, uint16 numLiveOuts,
//	    numLiveOuts * liveOut, pad to 8
//	}
//
// All fields are little endian.

const supportedVersion = 3

type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("stackmap: truncated blob: need %d bytes at offset %d, have %d",
			n, r.pos, len(r.data)-r.pos)
	}
	return nil
}

func (r *reader) u8() uint8 {
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) align8() {
	if rem := r.pos % 8; rem != 0 {
		r.pos += 8 - rem
	}
}

// Parse decodes a stack map blob. The input slice is not copied or
// modified; the returned StackMap does not alias it.
func Parse(data []byte) (*StackMap, error) {
	r := &reader{data: data}
	if err := r.need(16); err != nil {
		return nil, err
	}
	version := r.u8()
	if version != supportedVersion {
		return nil, fmt.Errorf("stackmap: unsupported format version %d", version)
	}
	r.u8()  // reserved
	r.u16() // reserved
	numFunctions := r.u32()
	numConstants := r.u32()
	numRecords := r.u32()

	sm := &StackMap{Version: version}

	if err := r.need(24 * int(numFunctions)); err != nil {
		return nil, err
	}
	recordCounts := make([]uint64, numFunctions)
	sm.Funcs = make([]FuncRecords, numFunctions)
	for i := range sm.Funcs {
		sm.Funcs[i].Address = r.u64()
		sm.Funcs[i].StackSize = r.u64()
		recordCounts[i] = r.u64()
	}

	if err := r.need(8 * int(numConstants)); err != nil {
		return nil, err
	}
	sm.Constants = make([]uint64, numConstants)
	for i := range sm.Constants {
		sm.Constants[i] = r.u64()
	}

	records := make([]Record, 0, numRecords)
	for i := uint32(0); i < numRecords; i++ {
		rec, err := parseRecord(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	// Records appear in function order; distribute them by record count.
	var total uint64
	for i := range sm.Funcs {
		count := recordCounts[i]
		if total+count > uint64(len(records)) {
			return nil, fmt.Errorf("stackmap: function %d claims %d records, only %d remain",
				i, count, uint64(len(records))-total)
		}
		funcRecs := records[total : total+count]
		sort.SliceStable(funcRecs, func(a, b int) bool {
			return funcRecs[a].InstructionOffset < funcRecs[b].InstructionOffset
		})
		sm.Funcs[i].Records = funcRecs
		total += count
	}
	if total != uint64(len(records)) {
		return nil, fmt.Errorf("stackmap: %d records not claimed by any function",
			uint64(len(records))-total)
	}

	return sm, nil
}

func parseRecord(r *reader) (Record, error) {
	var rec Record
	if err := r.need(16); err != nil {
		return rec, err
	}
	rec.ID = r.u64()
	rec.InstructionOffset = r.u32()
	r.u16() // reserved
	numLocations := r.u16()

	if err := r.need(12 * int(numLocations)); err != nil {
		return rec, err
	}
	rec.Locations = make([]Location, numLocations)
	for i := range rec.Locations {
		kind := LocKind(r.u8())
		if kind < LocRegister || kind > LocConstantIndex {
			return rec, fmt.Errorf("stackmap: record %d: invalid location kind %d", rec.ID, kind)
		}
		r.u8() // reserved
		rec.Locations[i] = Location{
			Kind:     kind,
			Size:     r.u16(),
			DwarfReg: r.u16(),
		}
		r.u16() // reserved
		rec.Locations[i].Offset = int32(r.u32())
	}

	r.align8()
	if err := r.need(4); err != nil {
		return rec, err
	}
	r.u16() // padding
	numLiveOuts := r.u16()
	if err := r.need(4 * int(numLiveOuts)); err != nil {
		return rec, err
	}
	rec.LiveOuts = make([]LiveOut, numLiveOuts)
	for i := range rec.LiveOuts {
		rec.LiveOuts[i].DwarfReg = r.u16()
		r.u8() // reserved
		rec.LiveOuts[i].Size = r.u8()
	}
	r.align8()

	return rec, nil
}
