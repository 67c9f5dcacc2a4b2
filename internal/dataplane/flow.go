package dataplane

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/ring"
	"github.com/codezyu/dds/internal/session"
)

// ErrResponseRingOverflow means a parse batch reserved more response-ring
// bytes than the ring can ever hold or than are currently free. The
// producer sizing makes this unreachable; hitting it is a bug and aborts
// the backend.
var ErrResponseRingOverflow = errors.New("response ring overflow")

// executeBatch parses the fetched request region in order, reserves
// response slots, records the request contexts and submits the batch to
// the file service.
func (p *Pipeline) executeBatch(s *state) error {
	reqCap := s.sess.Setup.ReqCapacity
	respCap := s.sess.Setup.RespCapacity

	// First walk the frames to learn the batch's response footprint. The
	// reservation must never outrun the free response-ring bytes.
	type parsed struct {
		frame    *ring.RequestFrame
		respSize uint32
	}
	var frames []parsed
	pos := s.fetchFrom
	remaining := s.fetchAvail
	simTail := s.tailA
	if p.cfg.Batching {
		simTail += ring.ResponseSpace(simTail, respCap, msg.RespSlotAlign)
	}
	for remaining > 0 {
		f, err := ring.ParseRequest(s.reqMirror, pos, remaining)
		if err != nil {
			// The producer publishes whole frames only; a short or
			// malformed frame is corruption and kills the session.
			p.log.Error("request frame parse failed",
				zap.Int("slot", s.slot), zap.Error(err))
			_ = s.qp.Close()
			return nil
		}
		consumed := f.Consumed(pos&(reqCap-1), reqCap)
		pos += consumed
		remaining -= consumed
		respSize := msg.RespSizeFor(f.IsRead, f.Hdr.Bytes)
		simTail += ring.ResponseSpace(simTail, respCap, respSize)
		frames = append(frames, parsed{frame: f, respSize: respSize})
	}

	totalResp := simTail - s.tailA
	free := respCap - (s.tailA - s.hostRespHead)
	if totalResp > free || totalResp >= respCap {
		return fmt.Errorf("%w: batch needs %d bytes, %d free (slot %d)",
			ErrResponseRingOverflow, totalResp, free, s.slot)
	}

	// Reserve for real: batch-header word first, then one slot per frame
	// in ring order.
	rec := batchRec{hdrTail: s.tailA}
	if p.cfg.Batching {
		hdrSlot, next := ring.AllocResponse(s.respStage, s.tailA, msg.RespSlotAlign)
		rec.hdrPos = hdrSlot.Pos
		s.tailA = next
	}
	rec.dataTail = s.tailA

	batch := make([]*interfaces.DataPlaneRequest, 0, len(frames))
	for i := range frames {
		f := frames[i].frame
		slot, next := ring.AllocResponse(s.respStage, s.tailA, frames[i].respSize)
		s.tailA = next

		hdr := msg.BuffMsgB2FAckHeader{
			RequestId: f.Hdr.RequestId,
			Result:    msg.ResultIOPending,
		}
		ring.WriteResponseHeader(s.respStage, slot, &hdr)

		ctx := &s.pending[s.nextCtx]
		s.nextCtx = (s.nextCtx + 1) % len(s.pending)
		ctx.Hdr = f.Hdr
		ctx.IsRead = f.IsRead
		if f.IsRead {
			ctx.Data = slot.Payload
		} else {
			ctx.Data = f.Payload
		}
		ctx.Resp = interfaces.NewRespSlot(s.respStage[slot.Pos : slot.Pos+msg.RespSlotAlign])
		batch = append(batch, ctx)
	}
	rec.endTail = s.tailA
	rec.ctxs = batch

	if p.cfg.Batching {
		binary.LittleEndian.PutUint32(s.respStage[rec.hdrPos:rec.hdrPos+4], rec.endTail-rec.dataTail)
	}
	s.batches = append(s.batches, rec)

	p.obs.ObserveBatch(len(batch), uint64(totalResp))

	if p.cfg.Batching {
		p.svc.SubmitDataPlaneRequests(batch)
	} else {
		for i := range batch {
			p.svc.SubmitDataPlaneRequests(batch[i : i+1])
		}
	}

	// Resume polling for the next producer publish.
	p.postTailPoll(s)
	return nil
}

// ScanCompletions walks every session's response region and starts the
// transmit of fully completed batches.
func (p *Pipeline) ScanCompletions() {
	for _, s := range p.states {
		if s == nil {
			continue
		}
		p.scanState(s)
	}
}

// scanState advances TailB over the committed prefix of the front batch.
// TailB only ever rests on a slot start or the batch end, never inside
// the batch-header word: the header is stepped together with entering the
// batch data.
func (p *Pipeline) scanState(s *state) {
	if len(s.batches) == 0 {
		return
	}
	respCap := s.sess.Setup.RespCapacity
	b := &s.batches[0]

	if s.tailB == b.hdrTail {
		s.tailB = b.dataTail
	}
	for s.tailB != b.endTail {
		pos, skipped := ring.SkipToBoundary(s.tailB, respCap, msg.RespSlotAlign)
		size := binary.LittleEndian.Uint32(s.respStage[pos : pos+4])
		slot := interfaces.NewRespSlot(s.respStage[pos : pos+msg.RespSlotAlign])
		if slot.Result() == msg.ResultIOPending {
			break
		}
		s.tailB += skipped + size
	}

	if s.tailB == b.endTail && !s.respMetaInFlight && !s.transmitting {
		p.postRespHeadPoll(s)
	}
}

// postRespHeadPoll reads the host's response-ring consumer head before
// pushing a batch.
func (p *Pipeline) postRespHeadPoll(s *state) {
	if s.qp.Closed() {
		return
	}
	s.respMetaInFlight = true
	err := s.qp.PostRead(session.MakeWRID(session.WROpRespMetaRead, s.slot),
		s.respHeadMeta, s.sess.Setup.RespMetaAddr, s.sess.Setup.AccessToken)
	if err != nil {
		s.respMetaInFlight = false
	}
}

// onRespHeadMeta decides whether the host has room for the pending batch
// and starts the data writes.
func (p *Pipeline) onRespHeadMeta(s *state) {
	s.respMetaInFlight = false
	if len(s.batches) == 0 || s.transmitting {
		return
	}
	head, consistent := ring.ReadCursor(s.respHeadMeta)
	if !consistent {
		p.postRespHeadPoll(s)
		return
	}
	s.hostRespHead = head

	b := &s.batches[0]
	pendingBytes := b.endTail - s.tailC
	free := s.sess.Setup.RespCapacity - (s.tailC - head)
	if free < pendingBytes {
		// Host has not drained enough; poll again.
		p.postRespHeadPoll(s)
		return
	}
	p.transmitBatch(s, b)
}

// transmitBatch pushes [TailC, endTail) of the staging ring to the host
// response ring, split on wrap.
func (p *Pipeline) transmitBatch(s *state, b *batchRec) {
	respCap := s.sess.Setup.RespCapacity
	length := b.endTail - s.tailC
	pos := s.tailC & (respCap - 1)
	s.transmitting = true
	s.transmitEnd = b.endTail

	if pos+length <= respCap {
		s.respSplit = ring.NotSplit
		if err := s.qp.PostWrite(session.MakeWRID(session.WROpRespWriteOne, s.slot),
			s.respStage[pos:pos+length],
			s.sess.Setup.RespRingAddr+uint64(pos), s.sess.Setup.AccessToken); err != nil {
			s.transmitting = false
		}
		return
	}

	s.respSplit = ring.SplitPartOne
	first := respCap - pos
	if err := s.qp.PostWrite(session.MakeWRID(session.WROpRespWriteOne, s.slot),
		s.respStage[pos:respCap],
		s.sess.Setup.RespRingAddr+uint64(pos), s.sess.Setup.AccessToken); err != nil {
		s.transmitting = false
		return
	}
	if err := s.qp.PostWrite(session.MakeWRID(session.WROpRespWriteTwo, s.slot),
		s.respStage[:length-first],
		s.sess.Setup.RespRingAddr, s.sess.Setup.AccessToken); err != nil {
		s.transmitting = false
	}
}

// onRespWrite advances the transmit split state; the tail publish goes
// out when the last data write has completed.
func (p *Pipeline) onRespWrite(s *state, op uint64) {
	switch s.respSplit {
	case ring.NotSplit:
		p.finishTransmit(s)
	case ring.SplitPartOne:
		s.respSplit = ring.SplitPartTwo
	case ring.SplitPartTwo:
		s.respSplit = ring.NotSplit
		p.finishTransmit(s)
	}
}

// finishTransmit publishes the advanced transmit tail. The data writes
// were posted first on the same queue pair, so the host observes the data
// before the cursor.
func (p *Pipeline) finishTransmit(s *state) {
	s.tailC = s.transmitEnd
	s.transmitting = false
	if len(s.batches) > 0 && s.batches[0].endTail == s.tailC {
		for _, ctx := range s.batches[0].ctxs {
			ok := ctx.Resp.Result() == msg.ResultSuccess
			if ctx.IsRead {
				p.obs.ObserveRead(uint64(ctx.Resp.BytesServiced()), ok)
			} else {
				p.obs.ObserveWrite(uint64(ctx.Resp.BytesServiced()), ok)
			}
		}
		s.batches = s.batches[1:]
	}

	ring.PutCursor(s.respTailMeta, s.tailC)
	wrid := session.MakeWRID(session.WROpRespTailWrite, s.slot)
	var err error
	if p.cfg.UseImmNotify {
		err = s.qp.PostWriteImm(wrid, s.respTailMeta,
			s.sess.Setup.RespTailAddr, s.sess.Setup.AccessToken, s.tailC)
	} else {
		err = s.qp.PostWrite(wrid, s.respTailMeta,
			s.sess.Setup.RespTailAddr, s.sess.Setup.AccessToken)
	}
	if err != nil {
		p.log.Warn("publish transmit tail", zap.Int("slot", s.slot), zap.Error(err))
	}
}
