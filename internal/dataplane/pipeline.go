// Package dataplane drives the offset-addressed read/write path for every
// bound buffer session: it polls the remote request ring, fetches and
// parses request batches, stages responses in the response ring and pushes
// completed batches back to the host.
package dataplane

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/constants"
	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/ring"
	"github.com/codezyu/dds/internal/session"
)

// Config tunes the pipeline.
type Config struct {
	// Batching submits each parse batch to the file service as one call
	// and prepends the batch-total word to the response region.
	Batching bool
	// UseImmNotify publishes the transmit tail with write-with-immediate
	// instead of a plain write.
	UseImmNotify bool

	MaxOutstandingIO int

	Logger   *zap.Logger
	Observer interfaces.Observer
}

// batchRec tracks one parsed batch through completion and transmit. The
// cursors are free-running; hdrTail is TailA when the batch-header slot
// was reserved, dataTail the first response slot, endTail one past the
// last.
type batchRec struct {
	hdrPos   uint32
	hdrTail  uint32
	dataTail uint32
	endTail  uint32
	ctxs     []*interfaces.DataPlaneRequest
}

// state is the per-buffer-session dataplane state machine.
type state struct {
	slot int
	sess *session.BufferSession
	qp   *rdma.QueuePair

	// Local mirror of the remote request ring and local staging of the
	// response ring.
	reqMirror []byte
	respStage []byte

	// Staging regions for cursor transfers.
	tailMeta     []byte
	headMeta     []byte
	respHeadMeta []byte
	respTailMeta []byte

	// Request-ring cursors (free-running).
	head     uint32
	seenTail uint32

	// Response-ring cursors: TailA reserves at parse, TailB covers the
	// completed prefix, TailC the transmitted prefix. hostRespHead is the
	// host consumer head as of the last metadata read.
	tailA        uint32
	tailB        uint32
	tailC        uint32
	hostRespHead uint32

	reqSplit  ring.SplitState
	respSplit ring.SplitState

	pollInFlight     bool
	fetchAvail       uint32
	fetchFrom        uint32
	respMetaInFlight bool
	transmitting     bool
	transmitEnd      uint32
	tornReads        int

	// pending is the fixed context pool. The producer bounds its
	// in-flight requests to the pool size, so the rolling cursor never
	// laps a live context.
	pending []interfaces.DataPlaneRequest
	nextCtx int

	batches []batchRec
}

// Pipeline runs the data plane for every buffer session. All methods run
// on the single polling thread.
type Pipeline struct {
	cfg Config
	reg *session.Registry
	svc interfaces.FileService
	log *zap.Logger
	obs interfaces.Observer

	states []*state
}

// NewPipeline builds the pipeline over the registry and file service.
func NewPipeline(reg *session.Registry, svc interfaces.FileService, cfg Config) *Pipeline {
	if cfg.MaxOutstandingIO <= 0 {
		cfg.MaxOutstandingIO = constants.MaxOutstandingIO
	}
	return &Pipeline{
		cfg:    cfg,
		reg:    reg,
		svc:    svc,
		log:    cfg.Logger,
		obs:    cfg.Observer,
		states: make([]*state, len(reg.Buffs)),
	}
}

// Detach drops the per-session state when a buffer channel disconnects.
func (p *Pipeline) Detach(slot int) {
	if slot >= 0 && slot < len(p.states) {
		p.states[slot] = nil
	}
}

// PollCQ consumes at most one buffer-channel completion and advances the
// owning session's state machine. The returned error is fatal for the
// backend (response-ring overflow), not for a session.
func (p *Pipeline) PollCQ(cq *rdma.CompletionQueue) error {
	c, ok, err := cq.PollOne()
	if err != nil {
		return fmt.Errorf("buffer cq: %w", err)
	}
	if !ok {
		return nil
	}
	op, slot := session.SplitWRID(c.WRID)
	if slot >= len(p.reg.Buffs) {
		p.log.Error("buffer completion for bad slot", zap.Int("slot", slot))
		return nil
	}
	sess := p.reg.Buffs[slot]

	if c.Status != rdma.StatusSuccess {
		// Any failed work request is fatal for the session. The QP fault
		// surfaces a CM disconnect which releases the slot.
		p.log.Warn("buffer wr failed",
			zap.Uint16("buffer", sess.Id),
			zap.Uint64("op", op),
			zap.String("status", c.Status.String()))
		if sess.CM != nil && sess.CM.QP != nil {
			_ = sess.CM.QP.Close()
		}
		return nil
	}

	switch op {
	case session.WROpBuffSetupRecv:
		p.handleSetup(sess)
		return nil
	case session.WROpBuffSetupSend, session.WROpHeadWrite, session.WROpRespTailWrite:
		return nil
	}

	s := p.states[slot]
	if s == nil {
		return nil
	}
	switch op {
	case session.WROpMetaRead:
		return p.onTailMeta(s)
	case session.WROpRingReadOne, session.WROpRingReadTwo:
		return p.onRingRead(s, op)
	case session.WROpRespMetaRead:
		p.onRespHeadMeta(s)
	case session.WROpRespWriteOne, session.WROpRespWriteTwo:
		p.onRespWrite(s, op)
	default:
		p.log.Error("unexpected buffer completion", zap.Uint64("op", op))
	}
	return nil
}

// handleSetup binds a buffer session to its control session and starts
// the polling state machine.
func (p *Pipeline) handleSetup(sess *session.BufferSession) {
	m, err := msg.DecodeControlRequest(sess.SetupBuf)
	if err != nil || m.Header.MsgId != msg.F2BBuffSetup {
		p.log.Warn("bad buffer setup message", zap.Uint16("buffer", sess.Id), zap.Error(err))
		p.setupAck(sess, msg.ResultInvalidArg)
		if sess.CM != nil && sess.CM.QP != nil {
			_ = sess.CM.QP.Close()
		}
		return
	}
	setup := &m.Setup

	// The named control session must exist and be connected.
	if int(setup.ClientId) >= len(p.reg.Ctrl) ||
		p.reg.Ctrl[setup.ClientId].State != session.Connected {
		p.log.Warn("buffer setup names unknown client",
			zap.Uint16("buffer", sess.Id), zap.Uint16("client", setup.ClientId))
		p.setupAck(sess, msg.ResultInvalidArg)
		if sess.CM != nil && sess.CM.QP != nil {
			_ = sess.CM.QP.Close()
		}
		return
	}

	sess.ClientId = setup.ClientId
	sess.Bound = true
	sess.Setup.AccessToken = setup.AccessToken
	sess.Setup.ReqRingAddr = setup.ReqRingAddr
	sess.Setup.ReqMetaAddr = setup.ReqMetaAddr
	sess.Setup.ReqHeadAddr = setup.ReqHeadAddr
	sess.Setup.RespRingAddr = setup.RespRingAddr
	sess.Setup.RespMetaAddr = setup.RespMetaAddr
	sess.Setup.RespTailAddr = setup.RespTailAddr
	sess.Setup.ReqCapacity = setup.ReqCapacity
	sess.Setup.RespCapacity = setup.RespCapacity

	s := &state{
		slot:         int(sess.Id),
		sess:         sess,
		qp:           sess.CM.QP,
		reqMirror:    make([]byte, setup.ReqCapacity),
		respStage:    make([]byte, setup.RespCapacity),
		tailMeta:     make([]byte, ring.MetaSize),
		headMeta:     make([]byte, ring.MetaSize),
		respHeadMeta: make([]byte, ring.MetaSize),
		respTailMeta: make([]byte, ring.MetaSize),
		pending:      make([]interfaces.DataPlaneRequest, p.cfg.MaxOutstandingIO),
	}
	p.states[sess.Id] = s

	p.setupAck(sess, msg.ResultSuccess)
	p.obs.ObserveSession(true)
	p.log.Info("buffer session bound",
		zap.Uint16("buffer", sess.Id),
		zap.Uint16("client", sess.ClientId),
		zap.Uint32("req_capacity", setup.ReqCapacity),
		zap.Uint32("resp_capacity", setup.RespCapacity))

	p.postTailPoll(s)
}

func (p *Pipeline) setupAck(sess *session.BufferSession, result uint32) {
	n := msg.EncodeControlResponse(sess.AckBuf, msg.B2FBuffSetupAck,
		&msg.ControlResponseBody{Result: result, BufferId: sess.Id})
	if err := sess.CM.QP.PostSend(session.MakeWRID(session.WROpBuffSetupSend, int(sess.Id)), sess.AckBuf[:n]); err != nil {
		p.log.Error("post setup ack", zap.Error(err))
	}
}

// postTailPoll issues the RDMA read of the producer tail metadata.
func (p *Pipeline) postTailPoll(s *state) {
	if s.pollInFlight || s.qp.Closed() {
		return
	}
	s.pollInFlight = true
	err := s.qp.PostRead(session.MakeWRID(session.WROpMetaRead, s.slot),
		s.tailMeta, s.sess.Setup.ReqMetaAddr, s.sess.Setup.AccessToken)
	if err != nil {
		p.log.Warn("post tail poll", zap.Int("slot", s.slot), zap.Error(err))
		s.pollInFlight = false
	}
}

// onTailMeta handles completion of the tail metadata read: re-poll on a
// torn or unchanged tail, otherwise fetch the available region.
func (p *Pipeline) onTailMeta(s *state) error {
	s.pollInFlight = false
	tail, consistent := ring.ReadCursor(s.tailMeta)
	if !consistent {
		if s.tornReads++; s.tornReads > constants.TornRetryBudget {
			p.log.Error("tail metadata torn past retry budget", zap.Int("slot", s.slot))
			_ = s.qp.Close()
			return nil
		}
		p.postTailPoll(s)
		return nil
	}
	s.tornReads = 0
	if tail == s.head {
		p.postTailPoll(s)
		return nil
	}
	s.seenTail = tail
	return p.fetchRequests(s)
}

// fetchRequests reads [head, tail) from the remote request ring into the
// mirror, split into two reads on wrap, then claims the bytes by pushing
// the advanced head back to the producer.
func (p *Pipeline) fetchRequests(s *state) error {
	capacity := s.sess.Setup.ReqCapacity
	avail := s.seenTail - s.head
	if avail > capacity {
		// The producer overran its own ring; corruption is fatal for the
		// session only.
		p.log.Error("request ring overrun",
			zap.Int("slot", s.slot),
			zap.Uint32("avail", avail),
			zap.Uint32("capacity", capacity))
		_ = s.qp.Close()
		return nil
	}
	pos := s.head & (capacity - 1)
	s.fetchFrom = s.head
	s.fetchAvail = avail

	if pos+avail <= capacity {
		s.reqSplit = ring.NotSplit
		if err := s.qp.PostRead(session.MakeWRID(session.WROpRingReadOne, s.slot),
			s.reqMirror[pos:pos+avail],
			s.sess.Setup.ReqRingAddr+uint64(pos), s.sess.Setup.AccessToken); err != nil {
			return nil
		}
	} else {
		s.reqSplit = ring.SplitPartOne
		first := capacity - pos
		if err := s.qp.PostRead(session.MakeWRID(session.WROpRingReadOne, s.slot),
			s.reqMirror[pos:capacity],
			s.sess.Setup.ReqRingAddr+uint64(pos), s.sess.Setup.AccessToken); err != nil {
			return nil
		}
		if err := s.qp.PostRead(session.MakeWRID(session.WROpRingReadTwo, s.slot),
			s.reqMirror[:avail-first],
			s.sess.Setup.ReqRingAddr, s.sess.Setup.AccessToken); err != nil {
			return nil
		}
	}

	// The consumer has claimed these bytes: publish the advanced head
	// right behind the reads.
	s.head = s.seenTail
	ring.PutCursor(s.headMeta, s.head)
	if err := s.qp.PostWrite(session.MakeWRID(session.WROpHeadWrite, s.slot),
		s.headMeta, s.sess.Setup.ReqHeadAddr, s.sess.Setup.AccessToken); err != nil {
		return nil
	}
	return nil
}

// onRingRead advances the split state machine; the batch executes when
// the full region has landed in the mirror.
func (p *Pipeline) onRingRead(s *state, op uint64) error {
	switch s.reqSplit {
	case ring.NotSplit:
		return p.executeBatch(s)
	case ring.SplitPartOne:
		s.reqSplit = ring.SplitPartTwo
		return nil
	case ring.SplitPartTwo:
		s.reqSplit = ring.NotSplit
		return p.executeBatch(s)
	}
	return nil
}
