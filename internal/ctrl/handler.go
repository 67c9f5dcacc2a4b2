// Package ctrl decodes typed control requests, forwards them to the file
// service and pushes typed acknowledgements back on the control channel.
package ctrl

import (
	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/session"
)

// Handler serves the control plane for every control session. It runs on
// the polling thread: PollCQ consumes one completion, ScanPending reposts
// acknowledgements for operations the file service has finished.
type Handler struct {
	reg *session.Registry
	svc interfaces.FileService
	obs interfaces.Observer
	log *zap.Logger
}

// NewHandler wires the control plane over the registry and file service.
func NewHandler(reg *session.Registry, svc interfaces.FileService, obs interfaces.Observer, log *zap.Logger) *Handler {
	return &Handler{reg: reg, svc: svc, obs: obs, log: log}
}

// PollCQ consumes at most one control-channel completion.
func (h *Handler) PollCQ(cq *rdma.CompletionQueue) {
	c, ok, err := cq.PollOne()
	if err != nil {
		h.log.Error("control cq", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	op, slot := session.SplitWRID(c.WRID)
	if slot >= len(h.reg.Ctrl) {
		h.log.Error("control completion for bad slot", zap.Int("slot", slot))
		return
	}
	s := h.reg.Ctrl[slot]
	if c.Status != rdma.StatusSuccess {
		// A failed work request is fatal for the session only.
		h.log.Warn("control wr failed",
			zap.Uint16("client", s.Id), zap.String("status", c.Status.String()))
		h.reg.TeardownCtrl(s)
		return
	}

	switch op {
	case session.WROpCtrlRecv:
		h.handleRequest(s)
	case session.WROpCtrlSend:
		// Acknowledgement drained; the pending-slot discipline already
		// allows the next request.
	default:
		h.log.Error("unexpected control completion", zap.Uint64("op", op))
	}
}

func (h *Handler) handleRequest(s *session.ControlSession) {
	m, err := msg.DecodeControlRequest(s.RecvBuf)
	if err != nil {
		// Unrecognized control messages are logged and dropped without
		// acknowledgement.
		h.log.Warn("control message dropped",
			zap.Uint16("client", s.Id), zap.Error(err))
		h.repostRecv(s)
		return
	}

	switch m.Header.MsgId {
	case msg.F2BRequestID:
		// Synchronous: reply with the slot index immediately.
		h.repostRecv(s)
		n := msg.EncodeControlResponse(s.SendBuf, msg.B2FRespondID,
			&msg.ControlResponseBody{ClientId: s.Id})
		h.postSend(s, n)
		h.obs.ObserveControlOp(m.Header.MsgId, true)

	case msg.F2BTerminate:
		if m.Request.ClientId != s.Id {
			h.log.Warn("terminate with mismatched client id",
				zap.Uint16("client", s.Id),
				zap.Uint16("claimed", m.Request.ClientId))
			h.repostRecv(s)
			return
		}
		h.reg.TeardownCtrl(s)

	case msg.F2BReqCreateDir, msg.F2BReqRemoveDir, msg.F2BReqCreateFile,
		msg.F2BReqDeleteFile, msg.F2BReqChangeFileSize, msg.F2BReqGetFileSize,
		msg.F2BReqGetFileInfo, msg.F2BReqGetFileAttr, msg.F2BReqGetFreeSpace,
		msg.F2BReqMoveFile:
		if s.Pending.Kind != msg.MsgInvalid {
			// At most one outstanding control operation per session; a
			// second request before the ack is a protocol violation.
			h.log.Warn("control request while one is pending",
				zap.Uint16("client", s.Id), zap.Uint16("msg", m.Header.MsgId))
			h.repostRecv(s)
			return
		}
		// Fresh recv before the submission so the channel never stalls.
		h.repostRecv(s)
		s.Pending.Reset(m.Header.MsgId)
		s.Pending.Req = m.Request
		s.RespMsgId = msg.AckFor(m.Header.MsgId)
		h.svc.SubmitControlPlaneRequest(&s.Pending)

	default:
		h.log.Warn("unknown control message id",
			zap.Uint16("client", s.Id), zap.Uint16("msg", m.Header.MsgId))
		h.repostRecv(s)
	}
}

// ScanPending walks the control sessions and transmits acknowledgements
// for completed operations.
func (h *Handler) ScanPending() {
	for _, s := range h.reg.Ctrl {
		if s.State != session.Connected || s.Pending.Kind == msg.MsgInvalid {
			continue
		}
		result, done := s.Pending.Done()
		if !done {
			continue
		}
		n := msg.EncodeControlResponse(s.SendBuf, s.RespMsgId, &s.Pending.Resp)
		h.obs.ObserveControlOp(s.Pending.Kind, result == msg.ResultSuccess)
		s.Pending.Clear()
		h.postSend(s, n)
	}
}

func (h *Handler) repostRecv(s *session.ControlSession) {
	if err := s.CM.QP.PostRecv(session.MakeWRID(session.WROpCtrlRecv, int(s.Id)), s.RecvBuf); err != nil {
		h.log.Error("repost control recv", zap.Uint16("client", s.Id), zap.Error(err))
		h.reg.TeardownCtrl(s)
	}
}

func (h *Handler) postSend(s *session.ControlSession, n int) {
	if err := s.CM.QP.PostSend(session.MakeWRID(session.WROpCtrlSend, int(s.Id)), s.SendBuf[:n]); err != nil {
		h.log.Error("post control send", zap.Uint16("client", s.Id), zap.Error(err))
		h.reg.TeardownCtrl(s)
	}
}
