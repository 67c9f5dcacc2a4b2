// Package engine runs the backend's single polling thread: a weighted
// round-robin over the connection registry, the control handler and the
// data-plane pipeline.
package engine

import (
	"errors"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/codezyu/dds/internal/constants"
	"github.com/codezyu/dds/internal/ctrl"
	"github.com/codezyu/dds/internal/dataplane"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/session"
)

// Config tunes the loop.
type Config struct {
	// DataPlaneWeight is how many data-plane iterations run per
	// control-plane iteration.
	DataPlaneWeight int
	// PinCPU pins the polling thread to a core; negative disables.
	PinCPU int

	Logger *zap.Logger
}

// Loop owns the polling thread.
type Loop struct {
	cfg      Config
	reg      *session.Registry
	handler  *ctrl.Handler
	pipeline *dataplane.Pipeline
	ctrlCQ   *rdma.CompletionQueue
	buffCQ   *rdma.CompletionQueue
	stop     *atomic.Bool
	log      *zap.Logger
}

// NewLoop wires the components under one polling thread.
func NewLoop(reg *session.Registry, handler *ctrl.Handler, pipeline *dataplane.Pipeline,
	ctrlCQ, buffCQ *rdma.CompletionQueue, stop *atomic.Bool, cfg Config) *Loop {
	if cfg.DataPlaneWeight <= 0 {
		cfg.DataPlaneWeight = constants.DataPlaneWeight
	}
	return &Loop{
		cfg:      cfg,
		reg:      reg,
		handler:  handler,
		pipeline: pipeline,
		ctrlCQ:   ctrlCQ,
		buffCQ:   buffCQ,
		stop:     stop,
		log:      cfg.Logger,
	}
}

// Run polls until the stop flag is set or a fatal error surfaces. The
// thread is locked for the duration and optionally pinned to a core; the
// loop never blocks.
func (l *Loop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.cfg.PinCPU >= 0 {
		var mask unix.CPUSet
		mask.Set(l.cfg.PinCPU)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			// Not fatal; continue without affinity.
			l.log.Warn("set cpu affinity", zap.Int("cpu", l.cfg.PinCPU), zap.Error(err))
		} else {
			l.log.Info("polling thread pinned", zap.Int("cpu", l.cfg.PinCPU))
		}
	}

	dp := 0
	for !l.stop.Load() {
		if dp == 0 {
			// Control-plane progress is sampled once per weight window.
			l.reg.Poll()
			l.handler.PollCQ(l.ctrlCQ)
			l.handler.ScanPending()
		}

		if err := l.pipeline.PollCQ(l.buffCQ); err != nil {
			if errors.Is(err, dataplane.ErrResponseRingOverflow) {
				l.log.Error("response ring overflow, aborting backend", zap.Error(err))
			}
			return err
		}
		l.pipeline.ScanCompletions()

		dp = (dp + 1) % l.cfg.DataPlaneWeight

		// Yield so the transport engines get scheduled; the loop itself
		// never blocks.
		runtime.Gosched()
	}
	l.log.Info("polling loop stopped")
	return nil
}
