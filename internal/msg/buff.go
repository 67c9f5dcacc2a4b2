package msg

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrUnknownMsgId     = errors.New("unknown message id")
)

// BuffMsgF2BReqHeader is the fixed header of every request-ring frame.
// A write request carries Bytes of payload immediately after the header;
// a read request carries none.
type BuffMsgF2BReqHeader struct {
	RequestId uint64
	FileId    uint32
	Offset    uint64
	Bytes     uint32
	Flags     uint32
}

// BuffMsgB2FAckHeader is the fixed header of every response-ring frame.
// A read response carries BytesServiced of payload after the header.
type BuffMsgB2FAckHeader struct {
	RequestId     uint64
	Result        uint32
	BytesServiced uint32
}

// Wire sizes. FileIOSize is the u32 length word that opens every frame.
const (
	FileIOSize        = 4
	F2BReqHeaderSize  = 8 + 4 + 8 + 4 + 4
	B2FAckHeaderSize  = 8 + 4 + 4
	ReqFrameOverhead  = FileIOSize + F2BReqHeaderSize
	// RespSlotAlign is the response slot allocation granularity. Every
	// response occupies a multiple of it, and batch-header words occupy
	// exactly one unit.
	RespSlotAlign = FileIOSize + B2FAckHeaderSize
)

// Offsets of BuffMsgB2FAckHeader fields within a response slot, after the
// length word. Result sits 4-byte aligned so the completion scanner and the
// file service can access it atomically.
const (
	RespResultOffset = FileIOSize + 8
	RespBytesOffset  = FileIOSize + 12
)

// MarshalInto writes h packed at buf[0:F2BReqHeaderSize].
func (h *BuffMsgF2BReqHeader) MarshalInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.RequestId)
	binary.LittleEndian.PutUint32(buf[8:12], h.FileId)
	binary.LittleEndian.PutUint64(buf[12:20], h.Offset)
	binary.LittleEndian.PutUint32(buf[20:24], h.Bytes)
	binary.LittleEndian.PutUint32(buf[24:28], h.Flags)
}

// Unmarshal reads h from buf[0:F2BReqHeaderSize].
func (h *BuffMsgF2BReqHeader) Unmarshal(buf []byte) error {
	if len(buf) < F2BReqHeaderSize {
		return ErrInsufficientData
	}
	h.RequestId = binary.LittleEndian.Uint64(buf[0:8])
	h.FileId = binary.LittleEndian.Uint32(buf[8:12])
	h.Offset = binary.LittleEndian.Uint64(buf[12:20])
	h.Bytes = binary.LittleEndian.Uint32(buf[20:24])
	h.Flags = binary.LittleEndian.Uint32(buf[24:28])
	return nil
}

// MarshalInto writes h packed at buf[0:B2FAckHeaderSize].
func (h *BuffMsgB2FAckHeader) MarshalInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.RequestId)
	binary.LittleEndian.PutUint32(buf[8:12], h.Result)
	binary.LittleEndian.PutUint32(buf[12:16], h.BytesServiced)
}

// Unmarshal reads h from buf[0:B2FAckHeaderSize].
func (h *BuffMsgB2FAckHeader) Unmarshal(buf []byte) error {
	if len(buf) < B2FAckHeaderSize {
		return ErrInsufficientData
	}
	h.RequestId = binary.LittleEndian.Uint64(buf[0:8])
	h.Result = binary.LittleEndian.Uint32(buf[8:12])
	h.BytesServiced = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}

// AlignRespSize rounds n up to a multiple of RespSlotAlign.
func AlignRespSize(n uint32) uint32 {
	rem := n % RespSlotAlign
	if rem == 0 {
		return n
	}
	return n + RespSlotAlign - rem
}

// RespSizeFor returns the response-ring bytes a request consumes: read
// responses stage the payload, write responses are the bare slot.
func RespSizeFor(isRead bool, bytes uint32) uint32 {
	if isRead {
		return AlignRespSize(RespSlotAlign + bytes)
	}
	return RespSlotAlign
}

// BuffSetupMsg binds a buffer channel to an established control session
// and hands the backend the host ring geometry. ReqMetaAddr and
// RespMetaAddr are host-published cursors the backend reads (producer
// tail, consumer head); ReqHeadAddr and RespTailAddr are the mirrors the
// backend writes back.
type BuffSetupMsg struct {
	ClientId     uint16
	AccessToken  uint32
	ReqRingAddr  uint64
	ReqMetaAddr  uint64
	ReqHeadAddr  uint64
	RespRingAddr uint64
	RespMetaAddr uint64
	RespTailAddr uint64
	ReqCapacity  uint32
	RespCapacity uint32
}

// BuffSetupMsgSize is the wire size of BuffSetupMsg.
const BuffSetupMsgSize = 2 + 4 + 6*8 + 4 + 4

// MarshalInto writes m packed at buf[0:BuffSetupMsgSize].
func (m *BuffSetupMsg) MarshalInto(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], m.ClientId)
	binary.LittleEndian.PutUint32(buf[2:6], m.AccessToken)
	binary.LittleEndian.PutUint64(buf[6:14], m.ReqRingAddr)
	binary.LittleEndian.PutUint64(buf[14:22], m.ReqMetaAddr)
	binary.LittleEndian.PutUint64(buf[22:30], m.ReqHeadAddr)
	binary.LittleEndian.PutUint64(buf[30:38], m.RespRingAddr)
	binary.LittleEndian.PutUint64(buf[38:46], m.RespMetaAddr)
	binary.LittleEndian.PutUint64(buf[46:54], m.RespTailAddr)
	binary.LittleEndian.PutUint32(buf[54:58], m.ReqCapacity)
	binary.LittleEndian.PutUint32(buf[58:62], m.RespCapacity)
}

// Unmarshal reads m from buf[0:BuffSetupMsgSize].
func (m *BuffSetupMsg) Unmarshal(buf []byte) error {
	if len(buf) < BuffSetupMsgSize {
		return ErrInsufficientData
	}
	m.ClientId = binary.LittleEndian.Uint16(buf[0:2])
	m.AccessToken = binary.LittleEndian.Uint32(buf[2:6])
	m.ReqRingAddr = binary.LittleEndian.Uint64(buf[6:14])
	m.ReqMetaAddr = binary.LittleEndian.Uint64(buf[14:22])
	m.ReqHeadAddr = binary.LittleEndian.Uint64(buf[22:30])
	m.RespRingAddr = binary.LittleEndian.Uint64(buf[30:38])
	m.RespMetaAddr = binary.LittleEndian.Uint64(buf[38:46])
	m.RespTailAddr = binary.LittleEndian.Uint64(buf[46:54])
	m.ReqCapacity = binary.LittleEndian.Uint32(buf[54:58])
	m.RespCapacity = binary.LittleEndian.Uint32(buf[58:62])
	return nil
}

// EncodeBuffSetup marshals a buffer setup request with its header.
func EncodeBuffSetup(buf []byte, setup *BuffSetupMsg) int {
	binary.LittleEndian.PutUint16(buf[0:2], F2BBuffSetup)
	setup.MarshalInto(buf[MsgHeaderSize:])
	return MsgHeaderSize + BuffSetupMsgSize
}
