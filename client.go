package dds

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/constants"
	"github.com/codezyu/dds/internal/logging"
	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/ring"
)

// FileProperties is the attribute block returned by GetFileInfo.
type FileProperties = msg.FileProperties

// ClientParams configures a host-side client.
type ClientParams struct {
	// Addr is the backend CM address, host:port.
	Addr string

	RequestRingBytes  uint32
	ResponseRingBytes uint32
	QueueDepth        int
	CQDepth           int

	// Batching must match the backend's response batching setting.
	Batching bool

	// DialTimeout bounds the whole connect attempt including backoff.
	DialTimeout time.Duration
}

// DefaultClientParams returns defaults for addr.
func DefaultClientParams(addr string) ClientParams {
	return ClientParams{
		Addr:              addr,
		RequestRingBytes:  constants.RequestRingBytes,
		ResponseRingBytes: constants.BackendResponseBufferSize,
		QueueDepth:        constants.DefaultQueueDepth,
		CQDepth:           constants.DefaultCompletionQueueDepth,
		Batching:          true,
		DialTimeout:       10 * time.Second,
	}
}

// IO is one in-flight data-plane operation. Wait blocks until the
// response frame arrives.
type IO struct {
	RequestId uint64
	IsRead    bool

	dst    []byte
	done   chan struct{}
	result uint32
	bytes  uint32
}

// Wait blocks until the operation completes or ctx is cancelled and
// returns the serviced byte count.
func (io *IO) Wait(ctx context.Context) (int, error) {
	select {
	case <-io.done:
	case <-ctx.Done():
		return 0, WrapError("IO_WAIT", ErrCodeTimeout, ctx.Err())
	}
	if io.result != msg.ResultSuccess {
		return int(io.bytes), NewError("IO", resultToCode(io.result), "data plane operation failed")
	}
	return int(io.bytes), nil
}

// Client is the host-resident library: one control channel plus an
// optional buffer channel bound into a named session. Control operations
// serialize per client; data-plane operations run concurrently up to the
// outstanding-I/O bound.
type Client struct {
	params ClientParams
	log    *zap.Logger

	pd     *rdma.ProtectionDomain
	ctrlCQ *rdma.CompletionQueue
	ctrlQP *rdma.QueuePair

	clientId uint16
	sendBuf  []byte
	recvBuf  []byte
	ctrlMu   sync.Mutex

	// Buffer channel state.
	buffCQ   *rdma.CompletionQueue
	buffQP   *rdma.QueuePair
	bufferId uint16

	// The rings and their cursors live in one contiguous registered
	// region so a single remote key covers everything.
	region   []byte
	mr       *rdma.MemoryRegion
	reqMeta  []byte
	reqHead  []byte
	respHead []byte
	respTail []byte
	reqRing  []byte
	respRing []byte

	ringMu      sync.Mutex
	reqTail     uint32
	respHeadCur uint32

	nextRequestId atomic.Uint64
	inflightMu    sync.Mutex
	inflight      map[uint64]*IO

	pollerStop chan struct{}
	pollerDone chan struct{}
	closed     atomic.Bool
}

// Connect dials the backend control channel with exponential backoff and
// performs the REQUEST_ID handshake.
func Connect(params ClientParams, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		params:   params,
		log:      logger,
		pd:       rdma.NewProtectionDomain(),
		ctrlCQ:   rdma.NewCompletionQueue(params.CQDepth),
		sendBuf:  make([]byte, constants.CtrlMsgSize),
		recvBuf:  make([]byte, constants.CtrlMsgSize),
		inflight: make(map[uint64]*IO),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = constants.ConnectRetryInterval
	ctx, cancel := context.WithTimeout(context.Background(), params.DialTimeout)
	defer cancel()

	qp, err := backoff.Retry(ctx, func() (*rdma.QueuePair, error) {
		return rdma.Connect(params.Addr, msg.CtrlConnPrivData, c.pd, rdma.QPConfig{
			SendDepth: params.QueueDepth,
			RecvDepth: params.QueueDepth,
			SendCQ:    c.ctrlCQ,
			RecvCQ:    c.ctrlCQ,
		}, constants.AddrResolveTimeout)
	}, backoff.WithBackOff(bo))
	if err != nil {
		return nil, WrapError("CONNECT", ErrCodeRdma, err)
	}
	c.ctrlQP = qp

	if err := qp.PostRecv(0, c.recvBuf); err != nil {
		_ = qp.Close()
		return nil, WrapError("CONNECT", ErrCodeRdma, err)
	}
	resp, err := c.roundTrip(msg.F2BRequestID, &msg.ControlRequestBody{})
	if err != nil {
		_ = qp.Close()
		return nil, err
	}
	c.clientId = resp.ClientId
	logger.Info("control session established", zap.Uint16("client", c.clientId))
	return c, nil
}

// roundTrip sends one control request and blocks for its acknowledgement.
// The recv for the next message is posted before the request goes out.
func (c *Client) roundTrip(msgId uint16, req *msg.ControlRequestBody) (*msg.ControlResponseBody, error) {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	n := msg.EncodeControlRequest(c.sendBuf, msgId, req)
	if err := c.ctrlQP.PostSend(1, c.sendBuf[:n]); err != nil {
		return nil, WrapError("CTRL_SEND", ErrCodeRdma, err)
	}

	for {
		comp, err := c.ctrlCQ.Wait(c.params.DialTimeout)
		if err != nil {
			return nil, WrapError("CTRL_WAIT", ErrCodeTimeout, err)
		}
		if comp.Status != rdma.StatusSuccess {
			return nil, NewClientError("CTRL_WAIT", int(c.clientId), ErrCodeRdma, comp.Status.String())
		}
		if comp.Op != rdma.OpRecv {
			continue
		}
		m, err := msg.DecodeControlResponse(c.recvBuf)
		if err != nil {
			return nil, WrapError("CTRL_DECODE", ErrCodeProtocol, err)
		}
		if err := c.ctrlQP.PostRecv(0, c.recvBuf); err != nil {
			return nil, WrapError("CTRL_RECV", ErrCodeRdma, err)
		}
		if m.Header.MsgId != msg.AckFor(msgId) {
			return nil, NewError("CTRL_DECODE", ErrCodeProtocol, "unexpected acknowledgement id")
		}
		return &m.Response, nil
	}
}

// control performs a file-service control operation and maps the result.
func (c *Client) control(msgId uint16, req *msg.ControlRequestBody) (*msg.ControlResponseBody, error) {
	resp, err := c.roundTrip(msgId, req)
	if err != nil {
		return nil, err
	}
	if resp.Result != msg.ResultSuccess {
		return resp, NewClientError("CTRL", int(c.clientId), resultToCode(resp.Result), "")
	}
	return resp, nil
}

// ClientId returns the backend-assigned session slot.
func (c *Client) ClientId() uint16 { return c.clientId }

// CreateDirectory creates a directory node.
func (c *Client) CreateDirectory(path string, dirId, parentId uint32) error {
	_, err := c.control(msg.F2BReqCreateDir,
		&msg.ControlRequestBody{Path: path, DirId: dirId, ParentId: parentId})
	return err
}

// RemoveDirectory removes an empty directory.
func (c *Client) RemoveDirectory(dirId uint32) error {
	_, err := c.control(msg.F2BReqRemoveDir, &msg.ControlRequestBody{DirId: dirId})
	return err
}

// CreateFile creates a file under dirId.
func (c *Client) CreateFile(fileId, fileAttrs, dirId uint32, path string) error {
	_, err := c.control(msg.F2BReqCreateFile,
		&msg.ControlRequestBody{FileId: fileId, FileAttrs: fileAttrs, DirId: dirId, Path: path})
	return err
}

// DeleteFile removes a file.
func (c *Client) DeleteFile(fileId, dirId uint32) error {
	_, err := c.control(msg.F2BReqDeleteFile,
		&msg.ControlRequestBody{FileId: fileId, DirId: dirId})
	return err
}

// ChangeFileSize truncates or extends a file.
func (c *Client) ChangeFileSize(fileId uint32, size uint64) error {
	_, err := c.control(msg.F2BReqChangeFileSize,
		&msg.ControlRequestBody{FileId: fileId, Size: size})
	return err
}

// GetFileSize returns a file's current size.
func (c *Client) GetFileSize(fileId uint32) (uint64, error) {
	resp, err := c.control(msg.F2BReqGetFileSize, &msg.ControlRequestBody{FileId: fileId})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// GetFileInfo returns a file's properties.
func (c *Client) GetFileInfo(fileId uint32) (FileProperties, error) {
	resp, err := c.control(msg.F2BReqGetFileInfo, &msg.ControlRequestBody{FileId: fileId})
	if err != nil {
		return FileProperties{}, err
	}
	return resp.Properties, nil
}

// GetFileAttributes returns a file's attribute word.
func (c *Client) GetFileAttributes(fileId uint32) (uint32, error) {
	resp, err := c.control(msg.F2BReqGetFileAttr, &msg.ControlRequestBody{FileId: fileId})
	if err != nil {
		return 0, err
	}
	return resp.Attr, nil
}

// GetFreeSpace returns the service's free bytes.
func (c *Client) GetFreeSpace() (uint64, error) {
	resp, err := c.control(msg.F2BReqGetFreeSpace, &msg.ControlRequestBody{})
	if err != nil {
		return 0, err
	}
	return resp.Bytes, nil
}

// MoveFile reparents and renames a file.
func (c *Client) MoveFile(fileId, oldDirId, newDirId uint32, newPath string) error {
	_, err := c.control(msg.F2BReqMoveFile,
		&msg.ControlRequestBody{FileId: fileId, DirId: oldDirId, NewDirId: newDirId, Path: newPath})
	return err
}

// Terminate asks the backend to release the session slot.
func (c *Client) Terminate() error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	n := msg.EncodeControlRequest(c.sendBuf, msg.F2BTerminate,
		&msg.ControlRequestBody{ClientId: c.clientId})
	if err := c.ctrlQP.PostSend(1, c.sendBuf[:n]); err != nil {
		return WrapError("TERMINATE", ErrCodeRdma, err)
	}
	return nil
}

// Close terminates the session and releases both channels.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.pollerStop != nil {
		close(c.pollerStop)
		<-c.pollerDone
	}
	_ = c.Terminate()
	if c.buffQP != nil {
		_ = c.buffQP.Close()
	}
	if c.ctrlQP != nil {
		_ = c.ctrlQP.Close()
	}
	c.ctrlCQ.Close()
	if c.buffCQ != nil {
		c.buffCQ.Close()
	}
	return nil
}

// region layout: four cursor areas followed by the two rings.
func (c *Client) layoutRegion() {
	metaTotal := 4 * ring.MetaSize
	total := uint32(metaTotal) + c.params.RequestRingBytes + c.params.ResponseRingBytes
	c.region = make([]byte, total)
	c.reqMeta = c.region[0:ring.MetaSize]
	c.reqHead = c.region[ring.MetaSize : 2*ring.MetaSize]
	c.respHead = c.region[2*ring.MetaSize : 3*ring.MetaSize]
	c.respTail = c.region[3*ring.MetaSize : 4*ring.MetaSize]
	reqStart := uint32(metaTotal)
	c.reqRing = c.region[reqStart : reqStart+c.params.RequestRingBytes]
	respStart := reqStart + c.params.RequestRingBytes
	c.respRing = c.region[respStart : respStart+c.params.ResponseRingBytes]
}

// OpenBuffer dials the buffer channel, registers the ring region and
// binds it to this client's session. The response poller starts on
// success.
func (c *Client) OpenBuffer() error {
	c.layoutRegion()
	c.mr = c.pd.RegisterMemoryRegion(c.region,
		rdma.AccessLocalWrite|rdma.AccessRemoteRead|rdma.AccessRemoteWrite)

	c.buffCQ = rdma.NewCompletionQueue(c.params.CQDepth)
	qp, err := rdma.Connect(c.params.Addr, msg.BuffConnPrivData, c.pd, rdma.QPConfig{
		SendDepth: c.params.QueueDepth,
		RecvDepth: c.params.QueueDepth,
		SendCQ:    c.buffCQ,
		RecvCQ:    c.buffCQ,
	}, constants.AddrResolveTimeout)
	if err != nil {
		return WrapError("BUFF_CONNECT", ErrCodeRdma, err)
	}
	c.buffQP = qp

	ackBuf := make([]byte, constants.CtrlMsgSize)
	if err := qp.PostRecv(0, ackBuf); err != nil {
		return WrapError("BUFF_CONNECT", ErrCodeRdma, err)
	}

	base := c.mr.Addr
	metaTotal := uint64(4 * ring.MetaSize)
	setup := msg.BuffSetupMsg{
		ClientId:     c.clientId,
		AccessToken:  c.mr.RKey,
		ReqRingAddr:  base + metaTotal,
		ReqMetaAddr:  base,
		ReqHeadAddr:  base + uint64(ring.MetaSize),
		RespRingAddr: base + metaTotal + uint64(c.params.RequestRingBytes),
		RespMetaAddr: base + uint64(2*ring.MetaSize),
		RespTailAddr: base + uint64(3*ring.MetaSize),
		ReqCapacity:  c.params.RequestRingBytes,
		RespCapacity: c.params.ResponseRingBytes,
	}
	buf := make([]byte, constants.CtrlMsgSize)
	n := msg.EncodeBuffSetup(buf, &setup)
	if err := qp.PostSend(1, buf[:n]); err != nil {
		return WrapError("BUFF_SETUP", ErrCodeRdma, err)
	}

	for {
		comp, err := c.buffCQ.Wait(c.params.DialTimeout)
		if err != nil {
			return WrapError("BUFF_SETUP", ErrCodeTimeout, err)
		}
		if comp.Op != rdma.OpRecv {
			continue
		}
		m, derr := msg.DecodeControlResponse(ackBuf)
		if derr != nil || m.Header.MsgId != msg.B2FBuffSetupAck {
			return NewError("BUFF_SETUP", ErrCodeProtocol, "bad setup acknowledgement")
		}
		if m.Response.Result != msg.ResultSuccess {
			return NewError("BUFF_SETUP", resultToCode(m.Response.Result), "setup rejected")
		}
		c.bufferId = m.Response.BufferId
		break
	}

	// A few receives for tail-publish immediates.
	for i := 0; i < 4; i++ {
		_ = qp.PostRecv(uint64(100+i), make([]byte, 4))
	}

	c.pollerStop = make(chan struct{})
	c.pollerDone = make(chan struct{})
	go c.pollResponses()

	c.log.Info("buffer session bound",
		zap.Uint16("client", c.clientId), zap.Uint16("buffer", c.bufferId))
	return nil
}

// BufferId returns the backend-assigned buffer slot.
func (c *Client) BufferId() uint16 { return c.bufferId }

// nextId hands out request ids; zero is never used.
func (c *Client) nextId() uint64 {
	return c.nextRequestId.Add(1)
}

// push frames one request into the producer ring, blocking while the ring
// or the outstanding-I/O budget is full.
func (c *Client) push(ctx context.Context, hdr *msg.BuffMsgF2BReqHeader, payload []byte, io *IO) error {
	capacity := c.params.RequestRingBytes
	for {
		c.ringMu.Lock()
		head, _ := ring.ReadCursor(c.reqHead)
		need := ring.RequestFrameSpace(c.reqTail, capacity, uint32(len(payload)))
		free := capacity - (c.reqTail - head)

		c.inflightMu.Lock()
		outstanding := len(c.inflight)
		c.inflightMu.Unlock()

		if need <= free && outstanding < constants.MaxOutstandingIO {
			c.inflightMu.Lock()
			c.inflight[hdr.RequestId] = io
			c.inflightMu.Unlock()

			c.reqTail = ring.AppendRequest(c.reqRing, c.reqTail, hdr, payload)
			ring.PutCursor(c.reqMeta, c.reqTail)
			c.ringMu.Unlock()
			return nil
		}
		c.ringMu.Unlock()

		select {
		case <-ctx.Done():
			return WrapError("RING_PUSH", ErrCodeTimeout, ctx.Err())
		default:
			runtime.Gosched()
		}
	}
}

// WriteFileAsync enqueues an offset-addressed write and returns without
// waiting for the response.
func (c *Client) WriteFileAsync(ctx context.Context, fileId uint32, offset uint64, data []byte) (*IO, error) {
	if c.buffQP == nil {
		return nil, NewError("WRITE", ErrCodeInvalid, "buffer channel not open")
	}
	io := &IO{RequestId: c.nextId(), done: make(chan struct{})}
	hdr := msg.BuffMsgF2BReqHeader{
		RequestId: io.RequestId,
		FileId:    fileId,
		Offset:    offset,
		Bytes:     uint32(len(data)),
	}
	if err := c.push(ctx, &hdr, data, io); err != nil {
		return nil, err
	}
	return io, nil
}

// ReadFileAsync enqueues an offset-addressed read into dst and returns
// without waiting for the response.
func (c *Client) ReadFileAsync(ctx context.Context, fileId uint32, offset uint64, dst []byte) (*IO, error) {
	if c.buffQP == nil {
		return nil, NewError("READ", ErrCodeInvalid, "buffer channel not open")
	}
	io := &IO{RequestId: c.nextId(), IsRead: true, dst: dst, done: make(chan struct{})}
	hdr := msg.BuffMsgF2BReqHeader{
		RequestId: io.RequestId,
		FileId:    fileId,
		Offset:    offset,
		Bytes:     uint32(len(dst)),
	}
	if err := c.push(ctx, &hdr, nil, io); err != nil {
		return nil, err
	}
	return io, nil
}

// WriteFile writes data at offset and waits for the acknowledgement.
func (c *Client) WriteFile(ctx context.Context, fileId uint32, offset uint64, data []byte) (int, error) {
	io, err := c.WriteFileAsync(ctx, fileId, offset, data)
	if err != nil {
		return 0, err
	}
	return io.Wait(ctx)
}

// ReadFile reads len(dst) bytes at offset and waits for the payload.
func (c *Client) ReadFile(ctx context.Context, fileId uint32, offset uint64, dst []byte) (int, error) {
	io, err := c.ReadFileAsync(ctx, fileId, offset, dst)
	if err != nil {
		return 0, err
	}
	return io.Wait(ctx)
}

// pollResponses consumes the response ring: it watches the transmit tail
// the backend pushes into local memory, parses response frames in order
// and completes the matching in-flight operations.
func (c *Client) pollResponses() {
	defer close(c.pollerDone)
	capacity := c.params.ResponseRingBytes
	for {
		select {
		case <-c.pollerStop:
			return
		default:
		}

		tail, consistent := ring.ReadCursor(c.respTail)
		if !consistent || tail == c.respHeadCur {
			runtime.Gosched()
			continue
		}

		if c.params.Batching {
			c.consumeBatch(tail, capacity)
		} else {
			c.consumeLinear(tail, capacity)
		}
		// Publish the consumer head for the backend's transmit gating.
		ring.PutCursor(c.respHead, c.respHeadCur)
	}
}

// consumeBatch eats one batch: the total-size word, then that many bytes
// of response slots.
func (c *Client) consumeBatch(tail, capacity uint32) {
	avail := tail - c.respHeadCur
	if avail < msg.RespSlotAlign {
		return
	}
	pos, skipped := ring.SkipToBoundary(c.respHeadCur, capacity, msg.RespSlotAlign)
	total := binary.LittleEndian.Uint32(c.respRing[pos : pos+4])
	batchStart := c.respHeadCur + skipped + msg.RespSlotAlign
	if tail-batchStart < total {
		// Batch not fully transmitted yet; the backend pushes whole
		// batches, so this only happens on a torn tail read.
		return
	}
	cur := batchStart
	for cur != batchStart+total {
		f, err := ring.ParseResponse(c.respRing, cur, batchStart+total-cur)
		if err != nil {
			c.log.Error("response parse failed", zap.Error(err))
			c.respHeadCur = batchStart + total
			return
		}
		c.complete(f)
		cur += f.Consumed(cur&(capacity-1), capacity)
	}
	c.respHeadCur = cur
}

// consumeLinear eats responses up to the published tail.
func (c *Client) consumeLinear(tail, capacity uint32) {
	for c.respHeadCur != tail {
		f, err := ring.ParseResponse(c.respRing, c.respHeadCur, tail-c.respHeadCur)
		if err != nil {
			return
		}
		c.complete(f)
		c.respHeadCur += f.Consumed(c.respHeadCur&(capacity-1), capacity)
	}
}

// complete finishes the in-flight operation named by the frame.
func (c *Client) complete(f *ring.ResponseFrame) {
	c.inflightMu.Lock()
	io, ok := c.inflight[f.Hdr.RequestId]
	delete(c.inflight, f.Hdr.RequestId)
	c.inflightMu.Unlock()
	if !ok {
		c.log.Warn("response for unknown request", zap.Uint64("request", f.Hdr.RequestId))
		return
	}
	io.result = f.Hdr.Result
	io.bytes = f.Hdr.BytesServiced
	if io.IsRead && f.Hdr.Result == msg.ResultSuccess && f.Hdr.BytesServiced > 0 {
		n := f.Hdr.BytesServiced
		if int(n) > len(io.dst) {
			n = uint32(len(io.dst))
		}
		view := f.Payload
		view.Total = n
		if first := uint32(len(view.First)); n <= first {
			view.First = view.First[:n]
			view.Second = nil
		} else if view.Second != nil {
			view.Second = view.Second[:n-first]
		}
		view.CopyOut(io.dst[:n])
	}
	close(io.done)
}
