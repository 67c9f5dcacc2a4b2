// Package session tracks the per-client state on the backend: the fixed
// slot arrays for control and buffer sessions and the connection-manager
// state machine that fills them.
package session

import (
	"github.com/codezyu/dds/internal/constants"
	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/rdma"
)

// State of a session slot.
type State uint8

const (
	Available State = iota
	// Occupied means the CM handshake is in progress.
	Occupied
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Available:
		return "Available"
	case Occupied:
		return "Occupied"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	}
	return "Unknown"
}

// Work-request id encoding on the shared completion queues: the operation
// kind in the high bits, the session slot below it, free bits for the
// poster.
const (
	WROpCtrlRecv uint64 = iota + 1
	WROpCtrlSend
	WROpBuffSetupRecv
	WROpBuffSetupSend
	WROpMetaRead
	WROpRingReadOne
	WROpRingReadTwo
	WROpHeadWrite
	WROpRespMetaRead
	WROpRespWriteOne
	WROpRespWriteTwo
	WROpRespTailWrite
)

// MakeWRID packs an operation kind and a slot index.
func MakeWRID(op uint64, slot int) uint64 {
	return op<<48 | uint64(uint16(slot))
}

// SplitWRID unpacks a work-request id.
func SplitWRID(wrid uint64) (op uint64, slot int) {
	return wrid >> 48, int(uint16(wrid))
}

// ControlSession is one control channel slot: typed bidirectional
// messages with at most one outstanding operation.
type ControlSession struct {
	Id    uint16
	State State
	CM    *rdma.CMID

	// SendBuf and RecvBuf are the staging regions for one control
	// message each.
	SendBuf []byte
	RecvBuf []byte

	// Pending is the single outstanding typed request slot.
	Pending interfaces.ControlRequest

	// RespMsgId is the message id of the acknowledgement staged in
	// SendBuf once Pending completes.
	RespMsgId uint16
}

// BufferSession is one buffer channel slot: RDMA-only ring transport,
// bound to a control session during setup.
type BufferSession struct {
	Id    uint16
	State State
	CM    *rdma.CMID

	// ClientId is the bound control session; valid once Bound.
	ClientId uint16
	Bound    bool

	// SetupBuf receives the one-shot ring-geometry message.
	SetupBuf []byte
	// AckBuf stages the setup acknowledgement.
	AckBuf []byte

	// Setup holds the host ring geometry after binding.
	Setup struct {
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
}

func newControlSession(id int) *ControlSession {
	return &ControlSession{
		Id:      uint16(id),
		SendBuf: make([]byte, constants.CtrlMsgSize),
		RecvBuf: make([]byte, constants.CtrlMsgSize),
	}
}

func newBufferSession(id int) *BufferSession {
	return &BufferSession{
		Id:       uint16(id),
		SetupBuf: make([]byte, constants.CtrlMsgSize),
		AckBuf:   make([]byte, constants.CtrlMsgSize),
	}
}
