package rdma

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Wire opcodes for the RC engine. Frames travel over the CM connection in
// post order, which is what gives the QP its in-order delivery.
const (
	wireSend     = 0x01
	wireWrite    = 0x02
	wireWriteImm = 0x03
	wireRead     = 0x04
	wireReadResp = 0x05
)

type postedRecv struct {
	wrid uint64
	buf  []byte
}

type pendingRead struct {
	wrid uint64
	dst  []byte
}

// QueuePair is a reliable-connected endpoint bound to one peer. All posts
// are signalled; completions land on the configured CQs. A transport error
// moves the QP to the error state, flushes pending reads and fires the
// disconnect hook; posted receives get no completion.
type QueuePair struct {
	pd   *ProtectionDomain
	cfg  QPConfig
	conn net.Conn

	writeMu sync.Mutex
	w       *bufio.Writer

	recvMu    sync.Mutex
	recvQueue []postedRecv

	readMu   sync.Mutex
	pending  map[uint32]pendingRead
	nextSeq  uint32
	closed   atomic.Bool
	started  atomic.Bool
	onClosed func(*QueuePair)
}

// newQueuePair wraps an established connection. Start launches the
// passive engine; the acceptor delays it until its first receive buffer
// is posted.
func newQueuePair(conn net.Conn, pd *ProtectionDomain, cfg QPConfig) *QueuePair {
	return &QueuePair{
		pd:      pd,
		cfg:     cfg,
		conn:    conn,
		w:       bufio.NewWriter(conn),
		pending: make(map[uint32]pendingRead),
	}
}

// Start launches the QP's passive engine. Idempotent.
func (qp *QueuePair) Start() {
	if qp.started.CompareAndSwap(false, true) {
		go qp.serviceLoop()
	}
}

// PostRecv posts a receive buffer consumed by inbound sends or
// write-with-immediate notifications.
func (qp *QueuePair) PostRecv(wrid uint64, buf []byte) error {
	if qp.closed.Load() {
		return ErrQPClosed
	}
	qp.recvMu.Lock()
	defer qp.recvMu.Unlock()
	if len(qp.recvQueue) >= qp.cfg.RecvDepth {
		return fmt.Errorf("recv queue full (depth %d)", qp.cfg.RecvDepth)
	}
	qp.recvQueue = append(qp.recvQueue, postedRecv{wrid: wrid, buf: buf})
	return nil
}

// PostSend transmits buf to the peer's next posted receive buffer.
func (qp *QueuePair) PostSend(wrid uint64, buf []byte) error {
	if qp.closed.Load() {
		return ErrQPClosed
	}
	qp.writeMu.Lock()
	err := qp.writeFrame(wireSend, func(hdr []byte) int {
		binary.LittleEndian.PutUint32(hdr, uint32(len(buf)))
		return 4
	}, buf)
	qp.writeMu.Unlock()
	if err != nil {
		qp.fault()
		return err
	}
	qp.cfg.SendCQ.push(Completion{WRID: wrid, Status: StatusSuccess, Op: OpSend, ByteLen: uint32(len(buf))})
	return nil
}

// PostWrite performs a one-sided write of src into the peer's memory at
// remoteAddr under rkey.
func (qp *QueuePair) PostWrite(wrid uint64, src []byte, remoteAddr uint64, rkey uint32) error {
	return qp.postWrite(wrid, src, remoteAddr, rkey, 0, false)
}

// PostWriteImm is PostWrite plus an immediate value delivered to a peer
// receive completion.
func (qp *QueuePair) PostWriteImm(wrid uint64, src []byte, remoteAddr uint64, rkey uint32, imm uint32) error {
	return qp.postWrite(wrid, src, remoteAddr, rkey, imm, true)
}

func (qp *QueuePair) postWrite(wrid uint64, src []byte, remoteAddr uint64, rkey uint32, imm uint32, withImm bool) error {
	if qp.closed.Load() {
		return ErrQPClosed
	}
	op := byte(wireWrite)
	if withImm {
		op = wireWriteImm
	}
	qp.writeMu.Lock()
	err := qp.writeFrame(op, func(hdr []byte) int {
		binary.LittleEndian.PutUint64(hdr[0:8], remoteAddr)
		binary.LittleEndian.PutUint32(hdr[8:12], rkey)
		binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(src)))
		if withImm {
			binary.LittleEndian.PutUint32(hdr[16:20], imm)
			return 20
		}
		return 16
	}, src)
	qp.writeMu.Unlock()
	if err != nil {
		qp.fault()
		return err
	}
	o := OpWrite
	if withImm {
		o = OpWriteImm
	}
	qp.cfg.SendCQ.push(Completion{WRID: wrid, Status: StatusSuccess, Op: o, ByteLen: uint32(len(src))})
	return nil
}

// PostRead performs a one-sided read of len(dst) bytes from the peer's
// memory at remoteAddr into dst. The completion arrives when the data has
// landed.
func (qp *QueuePair) PostRead(wrid uint64, dst []byte, remoteAddr uint64, rkey uint32) error {
	if qp.closed.Load() {
		return ErrQPClosed
	}
	qp.readMu.Lock()
	seq := qp.nextSeq
	qp.nextSeq++
	qp.pending[seq] = pendingRead{wrid: wrid, dst: dst}
	qp.readMu.Unlock()

	qp.writeMu.Lock()
	err := qp.writeFrame(wireRead, func(hdr []byte) int {
		binary.LittleEndian.PutUint32(hdr[0:4], seq)
		binary.LittleEndian.PutUint64(hdr[4:12], remoteAddr)
		binary.LittleEndian.PutUint32(hdr[12:16], rkey)
		binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(dst)))
		return 20
	}, nil)
	qp.writeMu.Unlock()
	if err != nil {
		qp.readMu.Lock()
		delete(qp.pending, seq)
		qp.readMu.Unlock()
		qp.fault()
		return err
	}
	return nil
}

// writeFrame writes [op][header][payload] and flushes. Callers hold
// writeMu; the single flush per post keeps frames contiguous on the wire.
func (qp *QueuePair) writeFrame(op byte, fill func([]byte) int, payload []byte) error {
	var hdr [21]byte
	hdr[0] = op
	n := fill(hdr[1:])
	if _, err := qp.w.Write(hdr[:1+n]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := qp.w.Write(payload); err != nil {
			return err
		}
	}
	return qp.w.Flush()
}

// serviceLoop is the QP's passive engine: it applies inbound one-sided
// operations against the protection domain and turns inbound sends into
// receive completions.
func (qp *QueuePair) serviceLoop() {
	r := bufio.NewReader(qp.conn)
	var hdr [20]byte
	for {
		op, err := r.ReadByte()
		if err != nil {
			qp.fault()
			return
		}
		switch op {
		case wireSend:
			if _, err := io.ReadFull(r, hdr[:4]); err != nil {
				qp.fault()
				return
			}
			length := binary.LittleEndian.Uint32(hdr[:4])
			if err := qp.deliverSend(r, length); err != nil {
				qp.fault()
				return
			}
		case wireWrite, wireWriteImm:
			hlen := 16
			if op == wireWriteImm {
				hlen = 20
			}
			if _, err := io.ReadFull(r, hdr[:hlen]); err != nil {
				qp.fault()
				return
			}
			addr := binary.LittleEndian.Uint64(hdr[0:8])
			rkey := binary.LittleEndian.Uint32(hdr[8:12])
			length := binary.LittleEndian.Uint32(hdr[12:16])
			dst, rerr := qp.pd.resolve(addr, length, rkey, true)
			if rerr != nil {
				// An RC responder NAKs a bad write and the connection is
				// torn down.
				qp.fault()
				return
			}
			if _, err := io.ReadFull(r, dst); err != nil {
				qp.fault()
				return
			}
			if op == wireWriteImm {
				imm := binary.LittleEndian.Uint32(hdr[16:20])
				qp.deliverImm(imm, length)
			}
		case wireRead:
			if _, err := io.ReadFull(r, hdr[:20]); err != nil {
				qp.fault()
				return
			}
			seq := binary.LittleEndian.Uint32(hdr[0:4])
			addr := binary.LittleEndian.Uint64(hdr[4:12])
			rkey := binary.LittleEndian.Uint32(hdr[12:16])
			length := binary.LittleEndian.Uint32(hdr[16:20])
			src, rerr := qp.pd.resolve(addr, length, rkey, false)
			status := byte(0)
			if rerr != nil {
				status = 1
				src = nil
			}
			qp.writeMu.Lock()
			err := qp.writeFrame(wireReadResp, func(h []byte) int {
				binary.LittleEndian.PutUint32(h[0:4], seq)
				h[4] = status
				binary.LittleEndian.PutUint32(h[5:9], uint32(len(src)))
				return 9
			}, src)
			qp.writeMu.Unlock()
			if err != nil {
				qp.fault()
				return
			}
		case wireReadResp:
			if _, err := io.ReadFull(r, hdr[:9]); err != nil {
				qp.fault()
				return
			}
			seq := binary.LittleEndian.Uint32(hdr[0:4])
			status := hdr[4]
			length := binary.LittleEndian.Uint32(hdr[5:9])

			qp.readMu.Lock()
			pr, ok := qp.pending[seq]
			delete(qp.pending, seq)
			qp.readMu.Unlock()

			if length > 0 {
				dst := pr.dst
				if !ok || int(length) > len(dst) {
					// Drain unclaimed payload to keep the stream aligned.
					if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
						qp.fault()
						return
					}
				} else if _, err := io.ReadFull(r, dst[:length]); err != nil {
					qp.fault()
					return
				}
			}
			if ok {
				st := StatusSuccess
				if status != 0 {
					st = StatusRemoteAccessError
				}
				qp.cfg.SendCQ.push(Completion{WRID: pr.wrid, Status: st, Op: OpRead, ByteLen: length})
			}
		default:
			qp.fault()
			return
		}
	}
}

func (qp *QueuePair) deliverSend(r io.Reader, length uint32) error {
	qp.recvMu.Lock()
	var rv postedRecv
	hasRecv := len(qp.recvQueue) > 0
	if hasRecv {
		rv = qp.recvQueue[0]
		qp.recvQueue = qp.recvQueue[1:]
	}
	qp.recvMu.Unlock()

	if !hasRecv {
		// RNR on a reliable connection: fatal here rather than retried.
		return ErrRecvQueueEmpty
	}
	if int(length) > len(rv.buf) {
		return fmt.Errorf("send of %d bytes overruns %d-byte recv buffer", length, len(rv.buf))
	}
	if _, err := io.ReadFull(r, rv.buf[:length]); err != nil {
		return err
	}
	qp.cfg.RecvCQ.push(Completion{WRID: rv.wrid, Status: StatusSuccess, Op: OpRecv, ByteLen: length})
	return nil
}

func (qp *QueuePair) deliverImm(imm uint32, length uint32) {
	qp.recvMu.Lock()
	var rv postedRecv
	hasRecv := len(qp.recvQueue) > 0
	if hasRecv {
		rv = qp.recvQueue[0]
		qp.recvQueue = qp.recvQueue[1:]
	}
	qp.recvMu.Unlock()
	if !hasRecv {
		return
	}
	qp.cfg.RecvCQ.push(Completion{WRID: rv.wrid, Status: StatusSuccess, Op: OpRecvImm, ByteLen: length, Imm: imm, HasImm: true})
}

// fault moves the QP to the error state: pending reads flush with error
// completions and the disconnect hook fires once.
func (qp *QueuePair) fault() {
	if !qp.closed.CompareAndSwap(false, true) {
		return
	}
	_ = qp.conn.Close()

	qp.readMu.Lock()
	pending := qp.pending
	qp.pending = make(map[uint32]pendingRead)
	qp.readMu.Unlock()
	for _, pr := range pending {
		qp.cfg.SendCQ.push(Completion{WRID: pr.wrid, Status: StatusFlushed, Op: OpRead})
	}
	if qp.onClosed != nil {
		qp.onClosed(qp)
	}
}

// Close tears the QP down. Safe to call more than once.
func (qp *QueuePair) Close() error {
	qp.fault()
	return nil
}

// Closed reports whether the QP has left the connected state.
func (qp *QueuePair) Closed() bool { return qp.closed.Load() }
