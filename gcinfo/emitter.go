package gcinfo

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/inhies/go-bytesize"
	"tinygo.org/x/go-llvm"

	"github.com/coralclr/coral/diagnostics"
	"github.com/coralclr/coral/encoder"
	"github.com/coralclr/coral/stackmap"
)

type emitStage uint8

const (
	stageStart emitStage = iota
	stageHeader
	stageTracked
	stageUntracked
	stageFinalized
	stageEmitted
	stageSkipped
)

// Emitter translates one function's FuncInfo plus its stack map records
// into the runtime encoding. It is strictly sequential and single use:
// header, tracked slots, untracked slots, finalize, emit.
//
// Slot IDs are assigned by the sink in declaration order. All tracked slots
// are declared before any untracked slot, so each group occupies one
// contiguous ID range; isTracked depends on that and is wrong if the
// grouping is ever broken. The relative order of the two groups is not part
// of the contract.
type Emitter struct {
	cfg  *Config
	fi   *FuncInfo
	sm   *stackmap.FuncRecords // nil when the blob has no records for fn
	td   llvm.TargetData
	sink encoder.Sink

	stage        emitStage
	slots        map[int32]encoder.SlotID
	firstTracked encoder.SlotID
	numTracked   int
	numUntracked int
}

// NewEmitter returns an emitter for one function. sm may be nil if the
// stack map has no entry for the function; that is only an error if the
// function turns out to need tracked slots.
func NewEmitter(cfg *Config, fi *FuncInfo, sm *stackmap.FuncRecords, td llvm.TargetData, sink encoder.Sink) *Emitter {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Emitter{
		cfg:   cfg,
		fi:    fi,
		sm:    sm,
		td:    td,
		sink:  sink,
		slots: make(map[int32]encoder.SlotID),
	}
}

// Run drives the whole pipeline and hands the finalized stream to consume.
// Functions that are not GC functions produce no output and never touch
// the sink. A function with statepoints but no recorded slots still gets a
// header (frame size, safepoint count) with no slot declarations. The
// emitter is spent after Run returns.
func (e *Emitter) Run(consume func([]byte) error) error {
	e.expect(stageStart)
	if !e.fi.NeedsGCInfo() && !IsGCFunction(e.fi.Fn) {
		e.stage = stageSkipped
		e.cfg.logf("gcinfo: %s: no GC info needed", e.fi.Fn.Name())
		return nil
	}
	if err := e.encodeHeader(); err != nil {
		return err
	}
	if err := e.encodeTracked(); err != nil {
		return err
	}
	if err := e.encodeUntracked(); err != nil {
		return err
	}
	if err := e.finalize(); err != nil {
		return err
	}
	return e.emit(consume)
}

func (e *Emitter) encodeHeader() error {
	e.expect(stageStart)

	h := encoder.Header{FPBased: e.fi.FPBased}
	if e.sm != nil {
		h.FrameSize = uint32(e.sm.StackSize)
		h.NumSafepoints = uint32(len(e.sm.Records))
	}

	if off, ok := e.specialOffset(FlagStackGuardCookie); ok {
		h.HasCookie = true
		h.CookieOffset = off
		h.CookieStart = e.fi.CookieStart
		h.CookieEnd = e.fi.CookieEnd
	}
	if off, ok := e.specialOffset(FlagSecurityObject); ok {
		h.HasSecurityObject = true
		h.SecurityObjectOffset = off
	}
	if off, ok := e.specialOffset(FlagGenericsContext); ok {
		h.HasGenericsContext = true
		h.GenericsContextOffset = off
		h.GenericsContextKind = contextKindByte(e.fi.ContextKind)
	}

	if e.cfg.PartiallyInterruptible && e.sm != nil {
		h.CallSites = make([]uint32, len(e.sm.Records))
		for i := range e.sm.Records {
			h.CallSites[i] = e.sm.Records[i].InstructionOffset
		}
	}

	if err := e.sink.WriteHeader(h); err != nil {
		return err
	}
	e.stage = stageHeader
	return nil
}

func (e *Emitter) encodeTracked() error {
	e.expect(stageHeader)

	first := true
	for _, alloca := range e.fi.Allocas() {
		rec := e.fi.Record(alloca)
		if !trackedEligible(rec.Flags) {
			continue
		}
		offset := e.slotOffset(alloca, rec)
		if e.sm == nil {
			return fmt.Errorf("gcinfo: %s: stack map absent but %q needs tracking",
				e.fi.Fn.Name(), alloca.Name())
		}

		// A slot that is dead at every safepoint still gets declared:
		// omitting it would break the contiguity of the ID range.
		live := roaring.New()
		for i := range e.sm.Records {
			if e.sm.Records[i].HasLiveOffset(offset) {
				live.Add(uint32(i))
			}
		}

		id, err := e.sink.DeclareTrackedSlot(offset, live)
		if err != nil {
			return err
		}
		e.addSlot(offset, id)
		if first {
			e.firstTracked = id
			first = false
		}
		e.numTracked++
		e.cfg.logf("gcinfo: %s: tracked slot %d at offset %d, live at %v",
			e.fi.Fn.Name(), id, offset, live.ToArray())
	}

	e.stage = stageTracked
	return nil
}

func (e *Emitter) encodeUntracked() error {
	e.expect(stageTracked)

	for _, alloca := range e.fi.Allocas() {
		rec := e.fi.Record(alloca)
		if trackedEligible(rec.Flags) {
			continue
		}
		var err error
		switch {
		case rec.Flags.IsGCAggregate():
			err = e.encodeAggregate(alloca, rec)
		case rec.Flags.IsGCPointer():
			// Pinned pointer: always live, referent may not move.
			err = e.declareUntracked(alloca, rec, encoder.SlotObjectRef|encoder.SlotPinned)
		default:
			// Special slot. The generics context may hold an object
			// reference when the context is the receiver.
			var flags encoder.SlotFlags
			if rec.Flags.Has(FlagGenericsContext) && e.fi.ContextKind == ContextThis {
				flags |= encoder.SlotObjectRef
			}
			err = e.declareUntracked(alloca, rec, flags)
		}
		if err != nil {
			return err
		}
	}

	e.stage = stageUntracked
	return nil
}

// encodeAggregate expands a stack aggregate into one untracked entry per
// managed pointer field. The stack map never tracks sub-fields of a stack
// resident aggregate, and the aggregate's base is frame-escaped and thus
// live for the whole function, so every pointer field must be reported
// unconditionally.
func (e *Emitter) encodeAggregate(alloca llvm.Value, rec *SlotRecord) error {
	base := e.slotOffset(alloca, rec)
	t := alloca.AllocatedType()
	flags := encoder.SlotObjectRef
	if rec.Flags.IsPinned() {
		flags |= encoder.SlotPinned
	}

	members := GCPointerOffsets(t, e.td, nil)
	if len(members) == 0 {
		panic(fmt.Sprintf("gcinfo: aggregate %q recorded with no pointer fields", alloca.Name()))
	}
	e.cfg.logf("gcinfo: %s: aggregate %q at offset %d: %s",
		e.fi.Fn.Name(), alloca.Name(), base, NewAggLayout(t, e.td))

	for _, member := range members {
		offset := base + int32(member)
		id, err := e.sink.DeclareUntrackedSlot(offset, flags)
		if err != nil {
			return err
		}
		e.addSlot(offset, id)
		e.numUntracked++
		e.cfg.logf("gcinfo: %s: untracked slot %d at offset %d (%s, member +%d)",
			e.fi.Fn.Name(), id, offset, rec.Flags, member)
	}
	return nil
}

func (e *Emitter) declareUntracked(alloca llvm.Value, rec *SlotRecord, flags encoder.SlotFlags) error {
	offset := e.slotOffset(alloca, rec)
	id, err := e.sink.DeclareUntrackedSlot(offset, flags)
	if err != nil {
		return err
	}
	e.addSlot(offset, id)
	e.numUntracked++
	e.cfg.logf("gcinfo: %s: untracked slot %d at offset %d (%s)",
		e.fi.Fn.Name(), id, offset, rec.Flags)
	return nil
}

func (e *Emitter) finalize() error {
	e.expect(stageUntracked)
	if err := e.sink.Finalize(); err != nil {
		return err
	}
	e.stage = stageFinalized
	if e.cfg.EmitLogs {
		if stream, err := e.sink.Bytes(); err == nil {
			e.cfg.logf("gcinfo: %s: %d slots (%d tracked), encoded %s",
				e.fi.Fn.Name(), len(e.slots), e.numTracked,
				bytesize.New(float64(len(stream))))
		}
	}
	return nil
}

func (e *Emitter) emit(consume func([]byte) error) error {
	e.expect(stageFinalized)
	if err := e.sink.Emit(consume); err != nil {
		return err
	}
	e.stage = stageEmitted
	return nil
}

// hasSlot reports whether a slot ID was assigned for the given offset.
func (e *Emitter) hasSlot(offset int32) bool {
	_, ok := e.slots[offset]
	return ok
}

// slotID returns the ID assigned to offset. Querying an offset that was
// never declared is a contract violation.
func (e *Emitter) slotID(offset int32) encoder.SlotID {
	id, ok := e.slots[offset]
	if !ok {
		panic(fmt.Sprintf("gcinfo: %s: no slot recorded at offset %d", e.fi.Fn.Name(), offset))
	}
	return id
}

// isTracked reports whether the slot ID belongs to the tracked group. This
// is a single range check and relies on tracked IDs forming one contiguous
// block.
func (e *Emitter) isTracked(id encoder.SlotID) bool {
	if int(id) >= e.numTracked+e.numUntracked {
		panic(fmt.Sprintf("gcinfo: %s: unknown slot ID %d", e.fi.Fn.Name(), id))
	}
	return id >= e.firstTracked && int(id) < int(e.firstTracked)+e.numTracked
}

func (e *Emitter) addSlot(offset int32, id encoder.SlotID) {
	if prev, ok := e.slots[offset]; ok {
		panic(fmt.Sprintf("gcinfo: %s: offset %d already has slot %d", e.fi.Fn.Name(), offset, prev))
	}
	e.slots[offset] = id
}

// slotOffset returns the recorded frame offset, checking that frame layout
// actually assigned one.
func (e *Emitter) slotOffset(alloca llvm.Value, rec *SlotRecord) int32 {
	if rec.Offset == NoOffset {
		panic(fmt.Sprintf("gcinfo: %s: alloca %q has no frame offset", e.fi.Fn.Name(), alloca.Name()))
	}
	return rec.Offset
}

func (e *Emitter) specialOffset(flag AllocFlags) (int32, bool) {
	for _, alloca := range e.fi.Allocas() {
		rec := e.fi.Record(alloca)
		if rec.Flags.Has(flag) {
			return e.slotOffset(alloca, rec), true
		}
	}
	return 0, false
}

func (e *Emitter) expect(stage emitStage) {
	if e.stage != stage {
		panic(fmt.Sprintf("gcinfo: %s: encode stage out of order (at %d, want %d)",
			e.fi.Fn.Name(), e.stage, stage))
	}
}

// trackedEligible reports whether a slot's liveness is reported per
// safepoint: plain GC pointers that are not pinned. Everything else is
// reported untracked.
func trackedEligible(flags AllocFlags) bool {
	return flags.IsGCPointer() && !flags.IsPinned() && !flags.IsSpecial()
}

func contextKindByte(kind ContextParamKind) uint8 {
	switch kind {
	case ContextThis:
		return encoder.GenericsContextThis
	case ContextMethodDesc:
		return encoder.GenericsContextMethodDesc
	case ContextClassDesc:
		return encoder.GenericsContextClassDesc
	}
	return encoder.GenericsContextNone
}

// EmitModule encodes every function recorded in the registry. Failures do
// not stop the loop; they are collected per function and returned as a
// *diagnostics.MultiError. maps resolves a function record to its stack
// map records (may return nil), sinks produces a fresh sink per function,
// and consume receives each finalized stream.
func EmitModule(mi *ModuleInfo, cfg *Config, td llvm.TargetData,
	maps func(fi *FuncInfo) *stackmap.FuncRecords,
	sinks func() encoder.Sink,
	consume func(fi *FuncInfo, stream []byte) error) error {

	var errs []error
	for _, fi := range mi.Funcs() {
		fi := fi
		err := runGuarded(func() error {
			em := NewEmitter(cfg, fi, maps(fi), td, sinks())
			return em.Run(func(stream []byte) error {
				return consume(fi, stream)
			})
		})
		if err != nil {
			errs = append(errs, &diagnostics.FuncError{
				Function: fi.Fn.Name(),
				Err:      err,
			})
		}
	}
	if len(errs) > 0 {
		return &diagnostics.MultiError{Errs: errs}
	}
	return nil
}

// runGuarded converts a contract violation panic into an error so that one
// broken function does not take down the emit loop for the whole module.
// The compilation of that function still fails as a whole.
func runGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint(r))
		}
	}()
	return fn()
}
