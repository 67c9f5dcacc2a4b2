package ctrl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/session"
)

// echoService completes every control operation synchronously.
type echoService struct {
	controlCalls int
	lastKind     uint16
	result       uint32
}

func (e *echoService) SubmitControlPlaneRequest(req *interfaces.ControlRequest) {
	e.controlCalls++
	e.lastKind = req.Kind
	if req.Kind == msg.F2BReqGetFileSize {
		req.Resp.Size = 777
	}
	req.Complete(e.result)
}

func (e *echoService) SubmitDataPlaneRequests(reqs []*interfaces.DataPlaneRequest) {}
func (e *echoService) TotalSpace() uint64                                          { return 1 << 30 }
func (e *echoService) Close() error                                                { return nil }

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, bool)          {}
func (nopObserver) ObserveWrite(uint64, bool)         {}
func (nopObserver) ObserveControlOp(uint16, bool)     {}
func (nopObserver) ObserveBatch(int, uint64)          {}
func (nopObserver) ObserveSession(bool)               {}

type harness struct {
	reg     *session.Registry
	handler *Handler
	ctrlCQ  *rdma.CompletionQueue
	svc     *echoService

	cliQP *rdma.QueuePair
	cliCQ *rdma.CompletionQueue
	send  []byte
	recv  []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ev := rdma.NewEventChannel(zap.NewNop())
	require.NoError(t, ev.Listen("127.0.0.1:0"))
	t.Cleanup(func() { ev.Close() })

	ctrlCQ := rdma.NewCompletionQueue(128)
	reg := session.NewRegistry(ev, session.Config{
		MaxClients: 2,
		MaxBuffs:   2,
		QueueDepth: 32,
		PD:         rdma.NewProtectionDomain(),
		CtrlCQ:     ctrlCQ,
		BuffCQ:     rdma.NewCompletionQueue(128),
		Logger:     zap.NewNop(),
	})
	t.Cleanup(reg.Close)

	svc := &echoService{result: msg.ResultSuccess}
	h := &harness{
		reg:     reg,
		handler: NewHandler(reg, svc, nopObserver{}, zap.NewNop()),
		ctrlCQ:  ctrlCQ,
		svc:     svc,
		cliCQ:   rdma.NewCompletionQueue(64),
		send:    make([]byte, 1024),
		recv:    make([]byte, 1024),
	}

	qpCh := make(chan *rdma.QueuePair, 1)
	go func() {
		qp, _ := rdma.Connect(ev.Addr().String(), msg.CtrlConnPrivData,
			rdma.NewProtectionDomain(), rdma.QPConfig{
				SendDepth: 32, RecvDepth: 32, SendCQ: h.cliCQ, RecvCQ: h.cliCQ,
			}, 2*time.Second)
		qpCh <- qp
	}()
	h.pump(t, func() bool { return reg.Ctrl[0].State == session.Connected })
	h.cliQP = <-qpCh
	require.NotNil(t, h.cliQP)
	t.Cleanup(func() { h.cliQP.Close() })
	return h
}

// pump runs registry, CQ and pending scans until cond holds.
func (h *harness) pump(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.reg.Poll()
		h.handler.PollCQ(h.ctrlCQ)
		h.handler.ScanPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// roundTrip sends a request and waits for its acknowledgement.
func (h *harness) roundTrip(t *testing.T, msgId uint16, req *msg.ControlRequestBody) *msg.ControlMsg {
	t.Helper()
	require.NoError(t, h.cliQP.PostRecv(0, h.recv))
	n := msg.EncodeControlRequest(h.send, msgId, req)
	require.NoError(t, h.cliQP.PostSend(1, h.send[:n]))

	var got *msg.ControlMsg
	h.pump(t, func() bool {
		c, ok, err := h.cliCQ.PollOne()
		require.NoError(t, err)
		if !ok || c.Op != rdma.OpRecv {
			return false
		}
		m, err := msg.DecodeControlResponse(h.recv)
		require.NoError(t, err)
		got = m
		return true
	})
	return got
}

func TestRequestIDIsSynchronous(t *testing.T) {
	h := newHarness(t)
	m := h.roundTrip(t, msg.F2BRequestID, &msg.ControlRequestBody{})
	require.Equal(t, uint16(msg.B2FRespondID), m.Header.MsgId)
	require.Equal(t, uint16(0), m.Response.ClientId)
	// The id path never reaches the file service.
	require.Equal(t, 0, h.svc.controlCalls)
}

func TestFileOpsFlowThroughService(t *testing.T) {
	h := newHarness(t)

	m := h.roundTrip(t, msg.F2BReqCreateFile,
		&msg.ControlRequestBody{FileId: 7, DirId: 0, Path: "/f"})
	require.Equal(t, uint16(msg.B2FAckCreateFile), m.Header.MsgId)
	require.Equal(t, msg.ResultSuccess, m.Response.Result)
	require.Equal(t, uint16(msg.F2BReqCreateFile), h.svc.lastKind)

	m = h.roundTrip(t, msg.F2BReqGetFileSize, &msg.ControlRequestBody{FileId: 7})
	require.Equal(t, uint16(msg.B2FAckGetFileSize), m.Header.MsgId)
	require.Equal(t, uint64(777), m.Response.Size)

	// Errors are forwarded verbatim in Result.
	h.svc.result = msg.ResultNotFound
	m = h.roundTrip(t, msg.F2BReqDeleteFile, &msg.ControlRequestBody{FileId: 9})
	require.Equal(t, msg.ResultNotFound, m.Response.Result)

	// The pending slot is idle again after each acknowledgement.
	require.Equal(t, uint16(msg.MsgInvalid), h.reg.Ctrl[0].Pending.Kind)
}

func TestTerminateMismatchedClientIdDropped(t *testing.T) {
	h := newHarness(t)

	n := msg.EncodeControlRequest(h.send, msg.F2BTerminate,
		&msg.ControlRequestBody{ClientId: 42})
	require.NoError(t, h.cliQP.PostSend(1, h.send[:n]))

	// The message is dropped without acknowledgement and the session
	// stays connected.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.reg.Poll()
		h.handler.PollCQ(h.ctrlCQ)
		h.handler.ScanPending()
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, session.Connected, h.reg.Ctrl[0].State)
}

func TestTerminateReleasesSlot(t *testing.T) {
	h := newHarness(t)

	n := msg.EncodeControlRequest(h.send, msg.F2BTerminate,
		&msg.ControlRequestBody{ClientId: 0})
	require.NoError(t, h.cliQP.PostSend(1, h.send[:n]))
	h.pump(t, func() bool { return h.reg.Ctrl[0].State == session.Available })
}

func TestUnknownMessageDropped(t *testing.T) {
	h := newHarness(t)

	h.send[0] = 0xEE
	h.send[1] = 0xEE
	require.NoError(t, h.cliQP.PostSend(1, h.send[:8]))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.reg.Poll()
		h.handler.PollCQ(h.ctrlCQ)
		time.Sleep(time.Millisecond)
	}
	// Dropped without acknowledgement; the channel still works.
	m := h.roundTrip(t, msg.F2BRequestID, &msg.ControlRequestBody{})
	require.Equal(t, uint16(msg.B2FRespondID), m.Header.MsgId)
	require.Equal(t, session.Connected, h.reg.Ctrl[0].State)
}
