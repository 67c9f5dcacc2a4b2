package session

import (
	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/rdma"
)

// Config sizes the registry and supplies the transport resources shared
// across sessions.
type Config struct {
	MaxClients int
	MaxBuffs   int
	QueueDepth int

	PD     *rdma.ProtectionDomain
	CtrlCQ *rdma.CompletionQueue
	BuffCQ *rdma.CompletionQueue

	Logger *zap.Logger
}

// Registry owns the session slot arrays and drives the CM state machine.
// One event is consumed per Poll call; everything runs on the single
// polling thread.
type Registry struct {
	cfg   Config
	ev    *rdma.EventChannel
	log   *zap.Logger
	Ctrl  []*ControlSession
	Buffs []*BufferSession

	// OnBuffDisconnected lets the dataplane drop its per-session state
	// when a buffer channel goes away.
	OnBuffDisconnected func(slot int)
}

// NewRegistry builds the slot arrays over an event channel.
func NewRegistry(ev *rdma.EventChannel, cfg Config) *Registry {
	r := &Registry{
		cfg:   cfg,
		ev:    ev,
		log:   cfg.Logger,
		Ctrl:  make([]*ControlSession, cfg.MaxClients),
		Buffs: make([]*BufferSession, cfg.MaxBuffs),
	}
	for i := range r.Ctrl {
		r.Ctrl[i] = newControlSession(i)
	}
	for i := range r.Buffs {
		r.Buffs[i] = newBufferSession(i)
	}
	return r
}

// Poll consumes at most one CM event.
func (r *Registry) Poll() {
	ev, ok := r.ev.GetEvent()
	if !ok {
		return
	}
	switch ev.Kind {
	case rdma.EventConnectRequest:
		r.handleConnectRequest(ev)
	case rdma.EventEstablished:
		r.handleEstablished(ev)
	case rdma.EventDisconnected:
		r.handleDisconnected(ev)
	case rdma.EventAddrResolved, rdma.EventRouteResolved:
		// Host-side milestones; nothing to do beyond the acknowledgement
		// implicit in consuming the event.
	default:
		r.log.Error("cm event", zap.String("kind", ev.Kind.String()))
	}
}

func (r *Registry) handleConnectRequest(ev rdma.Event) {
	switch ev.PrivData {
	case msg.CtrlConnPrivData:
		r.acceptCtrl(ev.ID)
	case msg.BuffConnPrivData:
		r.acceptBuff(ev.ID)
	default:
		r.log.Warn("connect request with unknown private data",
			zap.Uint8("priv", ev.PrivData))
		_ = r.ev.Reject(ev.ID)
	}
}

func (r *Registry) acceptCtrl(id *rdma.CMID) {
	for _, s := range r.Ctrl {
		if s.State != Available {
			continue
		}
		qpCfg := rdma.QPConfig{
			SendDepth: r.cfg.QueueDepth,
			RecvDepth: r.cfg.QueueDepth,
			SendCQ:    r.cfg.CtrlCQ,
			RecvCQ:    r.cfg.CtrlCQ,
		}
		if err := r.ev.Accept(id, r.cfg.PD, qpCfg); err != nil {
			r.log.Error("accept control channel", zap.Error(err))
			return
		}
		s.CM = id
		s.State = Occupied
		// One recv outstanding before the engine starts delivering.
		if err := id.QP.PostRecv(MakeWRID(WROpCtrlRecv, int(s.Id)), s.RecvBuf); err != nil {
			r.log.Error("post control recv", zap.Error(err))
			r.teardownCtrl(s)
			return
		}
		id.QP.Start()
		r.log.Info("control session occupied", zap.Uint16("client", s.Id))
		return
	}
	r.log.Warn("control slots exhausted, rejecting")
	_ = r.ev.Reject(id)
}

func (r *Registry) acceptBuff(id *rdma.CMID) {
	for _, s := range r.Buffs {
		if s.State != Available {
			continue
		}
		qpCfg := rdma.QPConfig{
			SendDepth: r.cfg.QueueDepth,
			RecvDepth: r.cfg.QueueDepth,
			SendCQ:    r.cfg.BuffCQ,
			RecvCQ:    r.cfg.BuffCQ,
		}
		if err := r.ev.Accept(id, r.cfg.PD, qpCfg); err != nil {
			r.log.Error("accept buffer channel", zap.Error(err))
			return
		}
		s.CM = id
		s.State = Occupied
		if err := id.QP.PostRecv(MakeWRID(WROpBuffSetupRecv, int(s.Id)), s.SetupBuf); err != nil {
			r.log.Error("post buffer setup recv", zap.Error(err))
			r.teardownBuff(s)
			return
		}
		id.QP.Start()
		r.log.Info("buffer session occupied", zap.Uint16("buffer", s.Id))
		return
	}
	r.log.Warn("buffer slots exhausted, rejecting")
	_ = r.ev.Reject(id)
}

func (r *Registry) handleEstablished(ev rdma.Event) {
	if s := r.findCtrl(ev.ID); s != nil {
		s.State = Connected
		r.log.Info("control session connected", zap.Uint16("client", s.Id))
		return
	}
	if s := r.findBuff(ev.ID); s != nil {
		s.State = Connected
		r.log.Info("buffer session connected", zap.Uint16("buffer", s.Id))
		return
	}
	r.log.Warn("established event for unknown cm id")
}

func (r *Registry) handleDisconnected(ev rdma.Event) {
	if s := r.findCtrl(ev.ID); s != nil {
		r.teardownCtrl(s)
		return
	}
	if s := r.findBuff(ev.ID); s != nil {
		r.teardownBuff(s)
		return
	}
}

// findCtrl resolves a cm id to its slot. Linear scan; the slot arrays are
// small.
func (r *Registry) findCtrl(id *rdma.CMID) *ControlSession {
	for _, s := range r.Ctrl {
		if s.State != Available && s.CM == id {
			return s
		}
	}
	return nil
}

func (r *Registry) findBuff(id *rdma.CMID) *BufferSession {
	for _, s := range r.Buffs {
		if s.State != Available && s.CM == id {
			return s
		}
	}
	return nil
}

// TeardownCtrl tears a control session down and returns the slot to the
// pool.
func (r *Registry) TeardownCtrl(s *ControlSession) { r.teardownCtrl(s) }

func (r *Registry) teardownCtrl(s *ControlSession) {
	if s.CM != nil && s.CM.QP != nil {
		_ = s.CM.QP.Close()
	}
	s.CM = nil
	s.Pending.Clear()
	s.State = Available
	r.log.Info("control session released", zap.Uint16("client", s.Id))
}

func (r *Registry) teardownBuff(s *BufferSession) {
	if s.CM != nil && s.CM.QP != nil {
		_ = s.CM.QP.Close()
	}
	if r.OnBuffDisconnected != nil {
		r.OnBuffDisconnected(int(s.Id))
	}
	s.CM = nil
	s.Bound = false
	s.ClientId = 0
	s.State = Available
	r.log.Info("buffer session released", zap.Uint16("buffer", s.Id))
}

// Close releases every session.
func (r *Registry) Close() {
	for _, s := range r.Ctrl {
		if s.State != Available {
			r.teardownCtrl(s)
		}
	}
	for _, s := range r.Buffs {
		if s.State != Available {
			r.teardownBuff(s)
		}
	}
}
