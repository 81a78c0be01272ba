package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/sigurn/crc16"
)

// Stream layout produced by ByteSink:
//
//	4  magic "CGCI"
//	1  format version
//	1  header flag byte
//	4  frame size
//	4  safepoint count
//	cookie offset/range, security object offset, generics context
//	    offset/kind (each group present only when its flag bit is set)
//	4  call site count + 4*n offsets (only with the call-sites flag)
//	4  tracked slot count
//	    per slot: 4 id, 4 offset, 4 bitmap length, bitmap bytes
//	4  untracked slot count
//	    per slot: 4 id, 4 offset, 1 flags
//	2  CRC-16/CCITT-FALSE over everything above
const (
	streamMagic   = "CGCI"
	streamVersion = 1
)

// Header flag bits.
const (
	hdrFPBased = 1 << iota
	hdrCookie
	hdrSecurityObject
	hdrGenericsContext
	hdrCallSites
)

type sinkState uint8

const (
	stateStart sinkState = iota
	stateHeader
	stateTracked
	stateUntracked
	stateFinalized
	stateEmitted
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ByteSink is the reference Sink implementation.
type ByteSink struct {
	state     sinkState
	header    bytes.Buffer
	tracked   bytes.Buffer
	untracked bytes.Buffer

	nextID       SlotID
	numTracked   uint32
	numUntracked uint32
	finalized    []byte
}

// NewByteSink returns an empty sink ready for WriteHeader.
func NewByteSink() *ByteSink {
	return &ByteSink{}
}

func (s *ByteSink) WriteHeader(h Header) error {
	if s.state != stateStart {
		return ErrOutOfOrder
	}

	var flags uint8
	if h.FPBased {
		flags |= hdrFPBased
	}
	if h.HasCookie {
		flags |= hdrCookie
	}
	if h.HasSecurityObject {
		flags |= hdrSecurityObject
	}
	if h.HasGenericsContext {
		flags |= hdrGenericsContext
	}
	if len(h.CallSites) > 0 {
		flags |= hdrCallSites
	}

	s.header.WriteByte(flags)
	putU32(&s.header, h.FrameSize)
	putU32(&s.header, h.NumSafepoints)
	if h.HasCookie {
		putU32(&s.header, uint32(h.CookieOffset))
		putU32(&s.header, h.CookieStart)
		putU32(&s.header, h.CookieEnd)
	}
	if h.HasSecurityObject {
		putU32(&s.header, uint32(h.SecurityObjectOffset))
	}
	if h.HasGenericsContext {
		putU32(&s.header, uint32(h.GenericsContextOffset))
		s.header.WriteByte(h.GenericsContextKind)
	}
	if len(h.CallSites) > 0 {
		putU32(&s.header, uint32(len(h.CallSites)))
		for _, off := range h.CallSites {
			putU32(&s.header, off)
		}
	}

	s.state = stateHeader
	return nil
}

func (s *ByteSink) DeclareTrackedSlot(offset int32, live *roaring.Bitmap) (SlotID, error) {
	if s.state != stateHeader && s.state != stateTracked {
		return 0, ErrOutOfOrder
	}
	if live == nil {
		return 0, fmt.Errorf("encoder: tracked slot at offset %d has nil liveness", offset)
	}
	s.state = stateTracked

	id := s.nextID
	s.nextID++
	s.numTracked++

	bm, err := live.ToBytes()
	if err != nil {
		return 0, fmt.Errorf("encoder: serializing liveness for offset %d: %w", offset, err)
	}
	putU32(&s.tracked, uint32(id))
	putU32(&s.tracked, uint32(offset))
	putU32(&s.tracked, uint32(len(bm)))
	s.tracked.Write(bm)

	return id, nil
}

func (s *ByteSink) DeclareUntrackedSlot(offset int32, flags SlotFlags) (SlotID, error) {
	switch s.state {
	case stateHeader, stateTracked, stateUntracked:
	default:
		return 0, ErrOutOfOrder
	}
	s.state = stateUntracked

	id := s.nextID
	s.nextID++
	s.numUntracked++

	putU32(&s.untracked, uint32(id))
	putU32(&s.untracked, uint32(offset))
	s.untracked.WriteByte(uint8(flags))

	return id, nil
}

func (s *ByteSink) Finalize() error {
	switch s.state {
	case stateHeader, stateTracked, stateUntracked:
	default:
		return ErrOutOfOrder
	}

	var out bytes.Buffer
	out.WriteString(streamMagic)
	out.WriteByte(streamVersion)
	out.Write(s.header.Bytes())
	putU32(&out, s.numTracked)
	out.Write(s.tracked.Bytes())
	putU32(&out, s.numUntracked)
	out.Write(s.untracked.Bytes())

	sum := crc16.Checksum(out.Bytes(), crcTable)
	var crc [2]byte
	binary.LittleEndian.PutUint16(crc[:], sum)
	out.Write(crc[:])

	s.finalized = out.Bytes()
	s.state = stateFinalized
	return nil
}

func (s *ByteSink) Bytes() ([]byte, error) {
	if s.state != stateFinalized {
		return nil, ErrOutOfOrder
	}
	return s.finalized, nil
}

func (s *ByteSink) Emit(consume func([]byte) error) error {
	if s.state != stateFinalized {
		return ErrOutOfOrder
	}
	if err := consume(s.finalized); err != nil {
		return err
	}
	s.state = stateEmitted
	return nil
}

// Verify checks the trailing checksum of a finalized stream.
func Verify(stream []byte) error {
	if len(stream) < len(streamMagic)+1+2 {
		return fmt.Errorf("encoder: stream too short (%d bytes)", len(stream))
	}
	if string(stream[:4]) != streamMagic {
		return fmt.Errorf("encoder: bad magic %q", stream[:4])
	}
	body, tail := stream[:len(stream)-2], stream[len(stream)-2:]
	want := binary.LittleEndian.Uint16(tail)
	if got := crc16.Checksum(body, crcTable); got != want {
		return fmt.Errorf("encoder: checksum mismatch: %#04x != %#04x", got, want)
	}
	return nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
