// Package interfaces defines the contracts between the transport-facing
// backend and its collaborators. They live here, separate from the public
// package, to avoid circular imports between the root package and the
// internal machinery.
package interfaces

import (
	"sync/atomic"
	"unsafe"

	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/ring"
)

// ControlRequest is the single pending control-plane operation of one
// control session. Kind is msg.MsgInvalid while the slot is idle. The
// file service fills Resp and calls Complete; the completion scanner polls
// Done from the event loop.
type ControlRequest struct {
	Kind uint16
	Req  msg.ControlRequestBody
	Resp msg.ControlResponseBody

	result atomic.Uint32
}

// Reset arms the slot for a new operation of the given kind.
func (r *ControlRequest) Reset(kind uint16) {
	r.Kind = kind
	r.Resp = msg.ControlResponseBody{Result: msg.ResultIOPending}
	r.result.Store(msg.ResultIOPending)
}

// Clear returns the slot to idle.
func (r *ControlRequest) Clear() {
	r.Kind = msg.MsgInvalid
}

// Complete publishes the response. Resp must be fully written before the
// call; the atomic store orders it for the scanning thread.
func (r *ControlRequest) Complete(result uint32) {
	r.Resp.Result = result
	r.result.Store(result)
}

// Done reports whether the operation has completed and its result.
func (r *ControlRequest) Done() (uint32, bool) {
	v := r.result.Load()
	return v, v != msg.ResultIOPending
}

// RespSlot is the fixed prefix of a response-ring slot. Result and
// BytesServiced are stored with atomics because the file service writes
// them while the polling thread scans.
type RespSlot struct {
	buf []byte
}

// NewRespSlot wraps the slot prefix bytes. The prefix is 4-byte aligned
// within the staging ring by the allocation discipline.
func NewRespSlot(buf []byte) RespSlot {
	return RespSlot{buf: buf}
}

func (s *RespSlot) resultPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.buf[msg.RespResultOffset]))
}

func (s *RespSlot) bytesPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.buf[msg.RespBytesOffset]))
}

// Complete stores the serviced byte count, then the result. The result
// store is the publication point.
func (s *RespSlot) Complete(result uint32, bytesServiced uint32) {
	atomic.StoreUint32(s.bytesPtr(), bytesServiced)
	atomic.StoreUint32(s.resultPtr(), result)
}

// Result atomically loads the slot result.
func (s *RespSlot) Result() uint32 {
	return atomic.LoadUint32(s.resultPtr())
}

// BytesServiced atomically loads the serviced byte count.
func (s *RespSlot) BytesServiced() uint32 {
	return atomic.LoadUint32(s.bytesPtr())
}

// DataPlaneRequest is one parsed data-plane operation in flight between
// the pipeline and the file service.
type DataPlaneRequest struct {
	Hdr    msg.BuffMsgF2BReqHeader
	IsRead bool
	// Data addresses the write source (request-ring mirror) or the read
	// destination (response-ring staging), split across the ring boundary
	// when needed.
	Data ring.SplittableBuffer
	// Resp is the response slot the operation completes into.
	Resp RespSlot
}

// FileService executes namespace and file I/O operations. Submissions
// never block; completion is signalled by writing the pending slots.
// Implementations may complete synchronously from the submitting thread
// or asynchronously from their own.
type FileService interface {
	// SubmitControlPlaneRequest starts the control operation held in req.
	SubmitControlPlaneRequest(req *ControlRequest)

	// SubmitDataPlaneRequests starts a parsed batch in ring order.
	SubmitDataPlaneRequests(reqs []*DataPlaneRequest)

	// TotalSpace reports the service capacity in bytes.
	TotalSpace() uint64

	Close() error
}

// Observer receives dataplane measurements. Implementations must be
// thread-safe; methods are called from the polling loop.
type Observer interface {
	ObserveRead(bytes uint64, success bool)
	ObserveWrite(bytes uint64, success bool)
	ObserveControlOp(msgId uint16, success bool)
	ObserveBatch(requests int, respBytes uint64)
	ObserveSession(connected bool)
}
