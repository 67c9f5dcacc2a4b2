package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/ctrl"
	"github.com/codezyu/dds/internal/dataplane"
	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/rdma"
	"github.com/codezyu/dds/internal/session"
)

type nopService struct{}

func (nopService) SubmitControlPlaneRequest(req *interfaces.ControlRequest)    {}
func (nopService) SubmitDataPlaneRequests(reqs []*interfaces.DataPlaneRequest) {}
func (nopService) TotalSpace() uint64                                          { return 0 }
func (nopService) Close() error                                                { return nil }

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, bool)      {}
func (nopObserver) ObserveWrite(uint64, bool)     {}
func (nopObserver) ObserveControlOp(uint16, bool) {}
func (nopObserver) ObserveBatch(int, uint64)      {}
func (nopObserver) ObserveSession(bool)           {}

func TestLoopStopsOnFlag(t *testing.T) {
	log := zap.NewNop()
	ev := rdma.NewEventChannel(log)
	defer ev.Close()

	ctrlCQ := rdma.NewCompletionQueue(16)
	buffCQ := rdma.NewCompletionQueue(16)
	reg := session.NewRegistry(ev, session.Config{
		MaxClients: 1, MaxBuffs: 1, QueueDepth: 4,
		PD:     rdma.NewProtectionDomain(),
		CtrlCQ: ctrlCQ,
		BuffCQ: buffCQ,
		Logger: log,
	})
	handler := ctrl.NewHandler(reg, nopService{}, nopObserver{}, log)
	pipe := dataplane.NewPipeline(reg, nopService{}, dataplane.Config{
		Logger: log, Observer: nopObserver{},
	})

	var stop atomic.Bool
	loop := NewLoop(reg, handler, pipe, ctrlCQ, buffCQ, &stop, Config{
		DataPlaneWeight: 4,
		PinCPU:          -1,
		Logger:          log,
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()

	time.Sleep(20 * time.Millisecond)
	stop.Store(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
