// Package dds implements a disaggregated storage dataplane: a backend
// service that exposes a file-like namespace over an RDMA-style transport,
// and the host-resident client library that talks to it.
//
// Control operations (directory and file lifecycle, attribute queries)
// travel as typed messages on a control channel; offset-addressed reads
// and writes travel through shared-memory rings polled by the backend's
// single polling thread.
package dds

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codezyu/dds/internal/constants"
	"github.com/codezyu/dds/internal/ctrl"
	"github.com/codezyu/dds/internal/dataplane"
	"github.com/codezyu/dds/internal/engine"
	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/logging"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/session"
)

// FileService executes the namespace and file I/O operations submitted by
// the backend. See the backend package for implementations.
type FileService = interfaces.FileService

// ControlRequest is a pending control-plane operation handed to a
// FileService.
type ControlRequest = interfaces.ControlRequest

// DataPlaneRequest is a parsed data-plane operation handed to a
// FileService.
type DataPlaneRequest = interfaces.DataPlaneRequest

// Observer receives dataplane measurements.
type Observer = interfaces.Observer

// BackEndParams configures a backend instance.
type BackEndParams struct {
	// Service executes the submitted operations.
	Service FileService

	// ListenAddr is the CM listen address, host:port.
	ListenAddr string

	MaxClients int // Control session slots (default 32)
	MaxBuffs   int // Buffer session slots (default 32)
	QueueDepth int // Send/recv depth per queue pair
	CQDepth    int // Completion queue depth per channel

	// DataPlaneWeight is the control-plane sampling divisor of the event
	// loop.
	DataPlaneWeight int
	// PollCPU pins the polling thread to a core; negative disables.
	PollCPU int

	// Batching submits parse batches to the file service as single calls
	// and frames response batches with a total-size word.
	Batching bool
	// UseImmNotify publishes response tails with write-with-immediate.
	UseImmNotify bool
}

// DefaultBackEndParams returns defaults over the given service.
func DefaultBackEndParams(svc FileService) BackEndParams {
	return BackEndParams{
		Service:         svc,
		ListenAddr:      fmt.Sprintf("%s:%d", constants.DefaultServerIP, constants.DefaultServerPort),
		MaxClients:      constants.DefaultMaxClients,
		MaxBuffs:        constants.DefaultMaxBuffs,
		QueueDepth:      constants.DefaultQueueDepth,
		CQDepth:         constants.DefaultCompletionQueueDepth,
		DataPlaneWeight: constants.DataPlaneWeight,
		PollCPU:         -1,
		Batching:        true,
	}
}

// Options carries optional collaborators for RunFileBackEnd.
type Options struct {
	// Logger for the backend (if nil, the package default)
	Logger *zap.Logger

	// Observer for metrics collection (if nil, the built-in metrics)
	Observer Observer
}

// BackEnd is a running backend instance.
type BackEnd struct {
	params BackEndParams
	log    *zap.Logger

	dev    *rdma.Device
	ev     *rdma.EventChannel
	pd     *rdma.ProtectionDomain
	ctrlCQ *rdma.CompletionQueue
	buffCQ *rdma.CompletionQueue

	registry *session.Registry
	pipeline *dataplane.Pipeline
	loop     *engine.Loop

	stop    atomic.Bool
	metrics *Metrics

	group  *errgroup.Group
	cancel context.CancelFunc
}

// RunFileBackEnd starts a backend: it binds the CM listener, builds the
// session registry, control handler and data-plane pipeline, and spins up
// the polling thread. The backend serves until Stop is called or a fatal
// error surfaces.
func RunFileBackEnd(params BackEndParams, options *Options) (*BackEnd, error) {
	if params.Service == nil {
		return nil, NewError("RUN", ErrCodeInvalid, "no file service")
	}
	if params.MaxClients <= 0 {
		params.MaxClients = constants.DefaultMaxClients
	}
	if params.MaxBuffs <= 0 {
		params.MaxBuffs = constants.DefaultMaxBuffs
	}
	if params.QueueDepth <= 0 {
		params.QueueDepth = constants.DefaultQueueDepth
	}
	if params.CQDepth <= 0 {
		params.CQDepth = constants.DefaultCompletionQueueDepth
	}
	if params.DataPlaneWeight <= 0 {
		params.DataPlaneWeight = constants.DataPlaneWeight
	}
	if options == nil {
		options = &Options{}
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	metrics := NewMetrics()
	var obs Observer = &metricsObserver{m: metrics}
	if options.Observer != nil {
		obs = options.Observer
	}

	dev, err := rdma.OpenDevice("")
	if err != nil {
		return nil, WrapError("OPEN_DEVICE", ErrCodeRdma, err)
	}

	be := &BackEnd{
		params:  params,
		log:     log,
		dev:     dev,
		ev:      rdma.NewEventChannel(log),
		pd:      dev.AllocProtectionDomain(),
		ctrlCQ:  dev.CreateCompletionQueue(params.CQDepth),
		buffCQ:  dev.CreateCompletionQueue(params.CQDepth),
		metrics: metrics,
	}

	be.registry = session.NewRegistry(be.ev, session.Config{
		MaxClients: params.MaxClients,
		MaxBuffs:   params.MaxBuffs,
		QueueDepth: params.QueueDepth,
		PD:         be.pd,
		CtrlCQ:     be.ctrlCQ,
		BuffCQ:     be.buffCQ,
		Logger:     log,
	})
	handler := ctrl.NewHandler(be.registry, params.Service, obs, log)
	be.pipeline = dataplane.NewPipeline(be.registry, params.Service, dataplane.Config{
		Batching:     params.Batching,
		UseImmNotify: params.UseImmNotify,
		Logger:       log,
		Observer:     obs,
	})
	be.registry.OnBuffDisconnected = func(slot int) {
		be.pipeline.Detach(slot)
		obs.ObserveSession(false)
	}

	be.loop = engine.NewLoop(be.registry, handler, be.pipeline, be.ctrlCQ, be.buffCQ,
		&be.stop, engine.Config{
			DataPlaneWeight: params.DataPlaneWeight,
			PinCPU:          params.PollCPU,
			Logger:          log,
		})

	if err := be.ev.Listen(params.ListenAddr); err != nil {
		return nil, WrapError("LISTEN", ErrCodeRdma, err)
	}
	log.Info("backend listening", zap.String("addr", be.ev.Addr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	be.cancel = cancel
	g, _ := errgroup.WithContext(ctx)
	be.group = g
	g.Go(be.loop.Run)

	return be, nil
}

// Addr returns the bound CM listen address (useful with port 0).
func (b *BackEnd) Addr() string {
	if a := b.ev.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Metrics returns the backend counters.
func (b *BackEnd) Metrics() *Metrics { return b.metrics }

// MetricsSnapshot returns a point-in-time copy of the counters.
func (b *BackEnd) MetricsSnapshot() MetricsSnapshot { return b.metrics.Snapshot() }

// Stop sets the shared stop flag, waits for the polling thread, and tears
// the transport down. In-flight operations are abandoned.
func (b *BackEnd) Stop() error {
	b.stop.Store(true)
	err := b.group.Wait()
	b.cancel()

	b.registry.Close()
	b.ctrlCQ.Close()
	b.buffCQ.Close()
	_ = b.ev.Close()
	_ = b.dev.Close()
	b.metrics.Stop()
	b.log.Info("backend stopped")
	return err
}

// StopFileBackEnd stops a backend started with RunFileBackEnd.
func StopFileBackEnd(b *BackEnd) error {
	if b == nil {
		return NewError("STOP", ErrCodeInvalid, "nil backend")
	}
	return b.Stop()
}
