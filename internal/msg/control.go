// Package msg defines the wire formats exchanged between the host file
// bridge (F2B) and the backend (B2F): typed control messages on the control
// channel and framed request/response records on the buffer rings.
//
// Everything on the wire is little-endian with fixed layout per message id;
// there are no length prefixes on the control channel. The marshal helpers
// write the packed wire layout explicitly so the Go structs stay free of
// padding concerns.
package msg

import "encoding/binary"

// Connection private data, carried in the single CM private-data byte.
const (
	CtrlConnPrivData byte = 0xC1
	BuffConnPrivData byte = 0xB1
)

// MaxFilePath bounds path payloads in control messages.
const MaxFilePath = 256

// Message ids (MsgHeader.MsgId).
const (
	MsgInvalid uint16 = iota
	F2BRequestID
	B2FRespondID
	F2BTerminate
	F2BReqCreateDir
	B2FAckCreateDir
	F2BReqRemoveDir
	B2FAckRemoveDir
	F2BReqCreateFile
	B2FAckCreateFile
	F2BReqDeleteFile
	B2FAckDeleteFile
	F2BReqChangeFileSize
	B2FAckChangeFileSize
	F2BReqGetFileSize
	B2FAckGetFileSize
	F2BReqGetFileInfo
	B2FAckGetFileInfo
	F2BReqGetFileAttr
	B2FAckGetFileAttr
	F2BReqGetFreeSpace
	B2FAckGetFreeSpace
	F2BReqMoveFile
	B2FAckMoveFile
	F2BBuffSetup
	B2FBuffSetupAck
)

// Result codes carried in acknowledgement and response frames.
const (
	ResultSuccess uint32 = 0
	// ResultIOPending marks a slot whose file-service completion has not
	// arrived yet. The completion scanners key off this value.
	ResultIOPending     uint32 = 0xFFFFFFFF
	ResultNotFound      uint32 = 1
	ResultAlreadyExists uint32 = 2
	ResultIOError       uint32 = 3
	ResultInvalidArg    uint32 = 4
	ResultNoCapacity    uint32 = 5
)

// MsgHeader prefixes every control message.
type MsgHeader struct {
	MsgId uint16
}

// MsgHeaderSize is the wire size of MsgHeader.
const MsgHeaderSize = 2

// FileProperties mirrors the attribute block returned by GetFileInfo.
type FileProperties struct {
	FileId         uint32
	FileAttributes uint32
	FileSize       uint64
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
}

// FilePropertiesSize is the wire size of FileProperties.
const FilePropertiesSize = 4 + 4 + 8 + 8 + 8 + 8

// MarshalInto writes p at buf[0:FilePropertiesSize].
func (p *FileProperties) MarshalInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], p.FileId)
	binary.LittleEndian.PutUint32(buf[4:8], p.FileAttributes)
	binary.LittleEndian.PutUint64(buf[8:16], p.FileSize)
	binary.LittleEndian.PutUint64(buf[16:24], p.CreationTime)
	binary.LittleEndian.PutUint64(buf[24:32], p.LastAccessTime)
	binary.LittleEndian.PutUint64(buf[32:40], p.LastWriteTime)
}

// Unmarshal reads p from buf[0:FilePropertiesSize].
func (p *FileProperties) Unmarshal(buf []byte) error {
	if len(buf) < FilePropertiesSize {
		return ErrInsufficientData
	}
	p.FileId = binary.LittleEndian.Uint32(buf[0:4])
	p.FileAttributes = binary.LittleEndian.Uint32(buf[4:8])
	p.FileSize = binary.LittleEndian.Uint64(buf[8:16])
	p.CreationTime = binary.LittleEndian.Uint64(buf[16:24])
	p.LastAccessTime = binary.LittleEndian.Uint64(buf[24:32])
	p.LastWriteTime = binary.LittleEndian.Uint64(buf[32:40])
	return nil
}

// ControlRequestBody is the typed payload union for F2B control requests.
// Exactly the fields named by the message id are meaningful.
type ControlRequestBody struct {
	ClientId  uint16
	DirId     uint32
	ParentId  uint32
	FileId    uint32
	FileAttrs uint32
	NewDirId  uint32
	Size      uint64
	Path      string
}

// ControlResponseBody is the typed payload union for B2F acknowledgements.
type ControlResponseBody struct {
	ClientId   uint16
	BufferId   uint16
	Result     uint32
	Size       uint64
	Bytes      uint64
	Attr       uint32
	Properties FileProperties
}

// ControlMsg is a decoded control message.
type ControlMsg struct {
	Header   MsgHeader
	Request  ControlRequestBody
	Response ControlResponseBody
	Setup    BuffSetupMsg
}

// path layout on the wire: u16 length followed by MaxFilePath bytes.
const pathWireSize = 2 + MaxFilePath

func putPath(buf []byte, path string) int {
	n := len(path)
	if n > MaxFilePath {
		n = MaxFilePath
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n))
	copy(buf[2:2+MaxFilePath], path[:n])
	for i := 2 + n; i < pathWireSize; i++ {
		buf[i] = 0
	}
	return pathWireSize
}

func getPath(buf []byte) (string, int) {
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if n > MaxFilePath {
		n = MaxFilePath
	}
	return string(buf[2 : 2+n]), pathWireSize
}

// EncodeControlRequest marshals a request message into buf and returns the
// wire length. buf must hold at least CtrlMsgSize bytes.
func EncodeControlRequest(buf []byte, msgId uint16, req *ControlRequestBody) int {
	binary.LittleEndian.PutUint16(buf[0:2], msgId)
	off := MsgHeaderSize
	switch msgId {
	case F2BRequestID:
		// header only
	case F2BTerminate:
		binary.LittleEndian.PutUint16(buf[off:], req.ClientId)
		off += 2
	case F2BReqCreateDir:
		binary.LittleEndian.PutUint32(buf[off:], req.DirId)
		binary.LittleEndian.PutUint32(buf[off+4:], req.ParentId)
		off += 8
		off += putPath(buf[off:], req.Path)
	case F2BReqRemoveDir:
		binary.LittleEndian.PutUint32(buf[off:], req.DirId)
		off += 4
	case F2BReqCreateFile:
		binary.LittleEndian.PutUint32(buf[off:], req.FileId)
		binary.LittleEndian.PutUint32(buf[off+4:], req.FileAttrs)
		binary.LittleEndian.PutUint32(buf[off+8:], req.DirId)
		off += 12
		off += putPath(buf[off:], req.Path)
	case F2BReqDeleteFile:
		binary.LittleEndian.PutUint32(buf[off:], req.FileId)
		binary.LittleEndian.PutUint32(buf[off+4:], req.DirId)
		off += 8
	case F2BReqChangeFileSize:
		binary.LittleEndian.PutUint32(buf[off:], req.FileId)
		binary.LittleEndian.PutUint64(buf[off+4:], req.Size)
		off += 12
	case F2BReqGetFileSize, F2BReqGetFileInfo, F2BReqGetFileAttr:
		binary.LittleEndian.PutUint32(buf[off:], req.FileId)
		off += 4
	case F2BReqGetFreeSpace:
		// header only
	case F2BReqMoveFile:
		binary.LittleEndian.PutUint32(buf[off:], req.FileId)
		binary.LittleEndian.PutUint32(buf[off+4:], req.DirId)
		binary.LittleEndian.PutUint32(buf[off+8:], req.NewDirId)
		off += 12
		off += putPath(buf[off:], req.Path)
	}
	return off
}

// DecodeControlRequest parses a request message from buf.
func DecodeControlRequest(buf []byte) (*ControlMsg, error) {
	if len(buf) < MsgHeaderSize {
		return nil, ErrInsufficientData
	}
	m := &ControlMsg{Header: MsgHeader{MsgId: binary.LittleEndian.Uint16(buf[0:2])}}
	body := buf[MsgHeaderSize:]
	req := &m.Request
	switch m.Header.MsgId {
	case F2BRequestID:
	case F2BTerminate:
		if len(body) < 2 {
			return nil, ErrInsufficientData
		}
		req.ClientId = binary.LittleEndian.Uint16(body)
	case F2BReqCreateDir:
		if len(body) < 8+pathWireSize {
			return nil, ErrInsufficientData
		}
		req.DirId = binary.LittleEndian.Uint32(body)
		req.ParentId = binary.LittleEndian.Uint32(body[4:])
		req.Path, _ = getPath(body[8:])
	case F2BReqRemoveDir:
		if len(body) < 4 {
			return nil, ErrInsufficientData
		}
		req.DirId = binary.LittleEndian.Uint32(body)
	case F2BReqCreateFile:
		if len(body) < 12+pathWireSize {
			return nil, ErrInsufficientData
		}
		req.FileId = binary.LittleEndian.Uint32(body)
		req.FileAttrs = binary.LittleEndian.Uint32(body[4:])
		req.DirId = binary.LittleEndian.Uint32(body[8:])
		req.Path, _ = getPath(body[12:])
	case F2BReqDeleteFile:
		if len(body) < 8 {
			return nil, ErrInsufficientData
		}
		req.FileId = binary.LittleEndian.Uint32(body)
		req.DirId = binary.LittleEndian.Uint32(body[4:])
	case F2BReqChangeFileSize:
		if len(body) < 12 {
			return nil, ErrInsufficientData
		}
		req.FileId = binary.LittleEndian.Uint32(body)
		req.Size = binary.LittleEndian.Uint64(body[4:])
	case F2BReqGetFileSize, F2BReqGetFileInfo, F2BReqGetFileAttr:
		if len(body) < 4 {
			return nil, ErrInsufficientData
		}
		req.FileId = binary.LittleEndian.Uint32(body)
	case F2BReqGetFreeSpace:
	case F2BReqMoveFile:
		if len(body) < 12+pathWireSize {
			return nil, ErrInsufficientData
		}
		req.FileId = binary.LittleEndian.Uint32(body)
		req.DirId = binary.LittleEndian.Uint32(body[4:])
		req.NewDirId = binary.LittleEndian.Uint32(body[8:])
		req.Path, _ = getPath(body[12:])
	case F2BBuffSetup:
		if err := m.Setup.Unmarshal(body); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownMsgId
	}
	return m, nil
}

// EncodeControlResponse marshals an acknowledgement into buf and returns
// the wire length.
func EncodeControlResponse(buf []byte, msgId uint16, resp *ControlResponseBody) int {
	binary.LittleEndian.PutUint16(buf[0:2], msgId)
	off := MsgHeaderSize
	switch msgId {
	case B2FRespondID:
		binary.LittleEndian.PutUint16(buf[off:], resp.ClientId)
		off += 2
	case B2FAckCreateDir, B2FAckRemoveDir, B2FAckCreateFile,
		B2FAckDeleteFile, B2FAckChangeFileSize, B2FAckMoveFile:
		binary.LittleEndian.PutUint32(buf[off:], resp.Result)
		off += 4
	case B2FAckGetFileSize:
		binary.LittleEndian.PutUint32(buf[off:], resp.Result)
		binary.LittleEndian.PutUint64(buf[off+4:], resp.Size)
		off += 12
	case B2FAckGetFileInfo:
		binary.LittleEndian.PutUint32(buf[off:], resp.Result)
		off += 4
		resp.Properties.MarshalInto(buf[off:])
		off += FilePropertiesSize
	case B2FAckGetFileAttr:
		binary.LittleEndian.PutUint32(buf[off:], resp.Result)
		binary.LittleEndian.PutUint32(buf[off+4:], resp.Attr)
		off += 8
	case B2FAckGetFreeSpace:
		binary.LittleEndian.PutUint32(buf[off:], resp.Result)
		binary.LittleEndian.PutUint64(buf[off+4:], resp.Bytes)
		off += 12
	case B2FBuffSetupAck:
		binary.LittleEndian.PutUint32(buf[off:], resp.Result)
		binary.LittleEndian.PutUint16(buf[off+4:], resp.BufferId)
		off += 6
	}
	return off
}

// DecodeControlResponse parses an acknowledgement from buf.
func DecodeControlResponse(buf []byte) (*ControlMsg, error) {
	if len(buf) < MsgHeaderSize {
		return nil, ErrInsufficientData
	}
	m := &ControlMsg{Header: MsgHeader{MsgId: binary.LittleEndian.Uint16(buf[0:2])}}
	body := buf[MsgHeaderSize:]
	resp := &m.Response
	switch m.Header.MsgId {
	case B2FRespondID:
		if len(body) < 2 {
			return nil, ErrInsufficientData
		}
		resp.ClientId = binary.LittleEndian.Uint16(body)
	case B2FAckCreateDir, B2FAckRemoveDir, B2FAckCreateFile,
		B2FAckDeleteFile, B2FAckChangeFileSize, B2FAckMoveFile:
		if len(body) < 4 {
			return nil, ErrInsufficientData
		}
		resp.Result = binary.LittleEndian.Uint32(body)
	case B2FAckGetFileSize:
		if len(body) < 12 {
			return nil, ErrInsufficientData
		}
		resp.Result = binary.LittleEndian.Uint32(body)
		resp.Size = binary.LittleEndian.Uint64(body[4:])
	case B2FAckGetFileInfo:
		if len(body) < 4+FilePropertiesSize {
			return nil, ErrInsufficientData
		}
		resp.Result = binary.LittleEndian.Uint32(body)
		if err := resp.Properties.Unmarshal(body[4:]); err != nil {
			return nil, err
		}
	case B2FAckGetFileAttr:
		if len(body) < 8 {
			return nil, ErrInsufficientData
		}
		resp.Result = binary.LittleEndian.Uint32(body)
		resp.Attr = binary.LittleEndian.Uint32(body[4:])
	case B2FAckGetFreeSpace:
		if len(body) < 12 {
			return nil, ErrInsufficientData
		}
		resp.Result = binary.LittleEndian.Uint32(body)
		resp.Bytes = binary.LittleEndian.Uint64(body[4:])
	case B2FBuffSetupAck:
		if len(body) < 6 {
			return nil, ErrInsufficientData
		}
		resp.Result = binary.LittleEndian.Uint32(body)
		resp.BufferId = binary.LittleEndian.Uint16(body[4:])
	default:
		return nil, ErrUnknownMsgId
	}
	return m, nil
}

// AckFor maps a request message id to its acknowledgement id, or MsgInvalid
// for requests that have none.
func AckFor(msgId uint16) uint16 {
	switch msgId {
	case F2BRequestID:
		return B2FRespondID
	case F2BReqCreateDir:
		return B2FAckCreateDir
	case F2BReqRemoveDir:
		return B2FAckRemoveDir
	case F2BReqCreateFile:
		return B2FAckCreateFile
	case F2BReqDeleteFile:
		return B2FAckDeleteFile
	case F2BReqChangeFileSize:
		return B2FAckChangeFileSize
	case F2BReqGetFileSize:
		return B2FAckGetFileSize
	case F2BReqGetFileInfo:
		return B2FAckGetFileInfo
	case F2BReqGetFileAttr:
		return B2FAckGetFileAttr
	case F2BReqGetFreeSpace:
		return B2FAckGetFreeSpace
	case F2BReqMoveFile:
		return B2FAckMoveFile
	case F2BBuffSetup:
		return B2FBuffSetupAck
	}
	return MsgInvalid
}
