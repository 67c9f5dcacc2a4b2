package ring

import (
	"encoding/binary"

	"github.com/codezyu/dds/internal/msg"
)

// RequestFrame is one parsed request-ring record.
type RequestFrame struct {
	// Pos is the offset of the length word within the ring.
	Pos uint32
	// Len is the frame length including the length word.
	Len uint32
	Hdr msg.BuffMsgF2BReqHeader
	// Payload addresses the write payload inside the ring. Empty for
	// reads.
	Payload SplittableBuffer
	// IsRead is true when the frame carries no payload.
	IsRead bool
}

// Consumed returns the ring bytes the frame consumed including any
// boundary padding that preceded it.
func (f *RequestFrame) Consumed(prevPos uint32, capacity uint32) uint32 {
	return ((f.Pos - prevPos) & (capacity - 1)) + f.Len
}

// AppendRequest frames a request at tail and returns the new tail. The
// caller has already checked free space (including worst-case boundary
// padding). Read requests are exactly the frame prefix; write requests
// append the payload, wrapping if needed.
func AppendRequest(buf []byte, tail uint32, hdr *msg.BuffMsgF2BReqHeader, payload []byte) uint32 {
	capacity := uint32(len(buf))
	start, skipped := SkipToBoundary(tail, capacity, msg.ReqFrameOverhead)
	if skipped > 0 {
		for i := tail & (capacity - 1); i < capacity; i++ {
			buf[i] = 0
		}
	}

	frameLen := uint32(msg.ReqFrameOverhead) + uint32(len(payload))
	binary.LittleEndian.PutUint32(buf[start:start+4], frameLen)
	hdr.MarshalInto(buf[start+4 : start+msg.ReqFrameOverhead])
	if len(payload) > 0 {
		sb := Slice(buf, start+msg.ReqFrameOverhead, uint32(len(payload)))
		sb.CopyIn(payload)
	}
	return tail + skipped + frameLen
}

// RequestFrameSpace returns the ring bytes a request consumes from pos,
// worst case, counting boundary padding.
func RequestFrameSpace(pos, capacity uint32, payloadLen uint32) uint32 {
	_, skipped := SkipToBoundary(pos, capacity, msg.ReqFrameOverhead)
	return skipped + msg.ReqFrameOverhead + payloadLen
}

// ParseRequest decodes the frame starting at head. avail is the bytes
// known to be available from head; a frame extending past avail reports
// msg.ErrInsufficientData. The parser keeps no state, so the same call can
// be repeated with a larger avail.
func ParseRequest(buf []byte, head, avail uint32) (*RequestFrame, error) {
	capacity := uint32(len(buf))
	start, skipped := SkipToBoundary(head, capacity, msg.ReqFrameOverhead)
	if skipped >= avail || avail-skipped < msg.ReqFrameOverhead {
		return nil, msg.ErrInsufficientData
	}

	frameLen := binary.LittleEndian.Uint32(buf[start : start+4])
	if frameLen < msg.ReqFrameOverhead || skipped+frameLen > avail {
		return nil, msg.ErrInsufficientData
	}

	f := &RequestFrame{Pos: start, Len: frameLen}
	if err := f.Hdr.Unmarshal(buf[start+4 : start+msg.ReqFrameOverhead]); err != nil {
		return nil, err
	}
	payloadLen := frameLen - msg.ReqFrameOverhead
	f.IsRead = payloadLen == 0
	if payloadLen > 0 {
		f.Payload = Slice(buf, start+msg.ReqFrameOverhead, payloadLen)
	}
	return f, nil
}

// ResponseSlot addresses one allocated response-ring slot.
type ResponseSlot struct {
	// Pos is the offset of the length word.
	Pos uint32
	// Size is the slot size including padding to the slot alignment.
	Size uint32
	// Payload addresses the read-payload region after the header; empty
	// for write responses.
	Payload SplittableBuffer
}

// AllocResponse reserves a response slot of respSize bytes at tailA and
// returns the slot and the advanced tail. respSize is already aligned via
// msg.RespSizeFor. The fixed prefix never wraps; boundary padding counts
// toward the advanced tail.
func AllocResponse(buf []byte, tailA uint32, respSize uint32) (ResponseSlot, uint32) {
	capacity := uint32(len(buf))
	start, skipped := SkipToBoundary(tailA, capacity, msg.RespSlotAlign)
	slot := ResponseSlot{Pos: start, Size: respSize}
	if respSize > msg.RespSlotAlign {
		slot.Payload = Slice(buf, start+msg.RespSlotAlign, respSize-msg.RespSlotAlign)
	}
	return slot, tailA + skipped + respSize
}

// ResponseSpace returns the ring bytes a response consumes from pos,
// counting boundary padding.
func ResponseSpace(pos, capacity, respSize uint32) uint32 {
	_, skipped := SkipToBoundary(pos, capacity, msg.RespSlotAlign)
	return skipped + respSize
}

// WriteResponseHeader stamps the length word and ack header into a slot.
func WriteResponseHeader(buf []byte, slot ResponseSlot, hdr *msg.BuffMsgB2FAckHeader) {
	binary.LittleEndian.PutUint32(buf[slot.Pos:slot.Pos+4], slot.Size)
	hdr.MarshalInto(buf[slot.Pos+4 : slot.Pos+msg.RespSlotAlign])
}

// ResponseFrame is one parsed response-ring record, as seen by the host.
type ResponseFrame struct {
	Pos     uint32
	Size    uint32
	Hdr     msg.BuffMsgB2FAckHeader
	Payload SplittableBuffer
}

// Consumed returns the ring bytes the frame consumed including any
// boundary padding that preceded it.
func (f *ResponseFrame) Consumed(prevPos uint32, capacity uint32) uint32 {
	return ((f.Pos - prevPos) & (capacity - 1)) + f.Size
}

// ParseResponse decodes the response slot at head. Batch-header words
// (slots whose ack header is all zero except the length word) are the
// caller's concern; this decodes raw slots.
func ParseResponse(buf []byte, head, avail uint32) (*ResponseFrame, error) {
	capacity := uint32(len(buf))
	start, skipped := SkipToBoundary(head, capacity, msg.RespSlotAlign)
	if skipped >= avail || avail-skipped < msg.RespSlotAlign {
		return nil, msg.ErrInsufficientData
	}
	size := binary.LittleEndian.Uint32(buf[start : start+4])
	if size < msg.RespSlotAlign || skipped+size > avail {
		return nil, msg.ErrInsufficientData
	}
	f := &ResponseFrame{Pos: start, Size: size}
	if err := f.Hdr.Unmarshal(buf[start+4 : start+msg.RespSlotAlign]); err != nil {
		return nil, err
	}
	if size > msg.RespSlotAlign {
		f.Payload = Slice(buf, start+msg.RespSlotAlign, size-msg.RespSlotAlign)
	}
	return f, nil
}
