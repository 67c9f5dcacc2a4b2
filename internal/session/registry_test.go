package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/rdma"
)

func TestWRIDEncoding(t *testing.T) {
	wrid := MakeWRID(WROpMetaRead, 17)
	op, slot := SplitWRID(wrid)
	if op != WROpMetaRead || slot != 17 {
		t.Fatalf("got op=%d slot=%d", op, slot)
	}
}

func newTestRegistry(t *testing.T, maxClients, maxBuffs int) (*Registry, *rdma.EventChannel) {
	t.Helper()
	ev := rdma.NewEventChannel(zap.NewNop())
	require.NoError(t, ev.Listen("127.0.0.1:0"))
	t.Cleanup(func() { ev.Close() })

	reg := NewRegistry(ev, Config{
		MaxClients: maxClients,
		MaxBuffs:   maxBuffs,
		QueueDepth: 16,
		PD:         rdma.NewProtectionDomain(),
		CtrlCQ:     rdma.NewCompletionQueue(64),
		BuffCQ:     rdma.NewCompletionQueue(64),
		Logger:     zap.NewNop(),
	})
	t.Cleanup(reg.Close)
	return reg, ev
}

// pump polls the registry until the condition holds or the deadline
// passes.
func pump(t *testing.T, reg *Registry, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reg.Poll()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// dial connects to addr, polling reg while it waits: the accept reply is
// only sent once the registry consumes the connect request.
func dial(t *testing.T, reg *Registry, addr string, priv byte) (*rdma.QueuePair, chan error) {
	t.Helper()
	errCh := make(chan error, 1)
	qpCh := make(chan *rdma.QueuePair, 1)
	go func() {
		cq := rdma.NewCompletionQueue(16)
		qp, err := rdma.Connect(addr, priv, rdma.NewProtectionDomain(), rdma.QPConfig{
			SendDepth: 16, RecvDepth: 16, SendCQ: cq, RecvCQ: cq,
		}, 2*time.Second)
		errCh <- err
		qpCh <- qp
	}()
	var err error
	for waiting := true; waiting; {
		select {
		case err = <-errCh:
			waiting = false
		default:
			reg.Poll()
			time.Sleep(time.Millisecond)
		}
	}
	if err != nil {
		return nil, errCh
	}
	qp := <-qpCh
	t.Cleanup(func() { qp.Close() })
	return qp, errCh
}

func TestControlSessionLifecycle(t *testing.T) {
	reg, ev := newTestRegistry(t, 2, 2)
	addr := ev.Addr().String()

	qp, _ := dial(t, reg, addr, msg.CtrlConnPrivData)
	require.NotNil(t, qp)

	pump(t, reg, func() bool { return reg.Ctrl[0].State == Connected })
	require.Equal(t, Available, reg.Ctrl[1].State)

	// Peer disconnect returns the slot.
	require.NoError(t, qp.Close())
	pump(t, reg, func() bool { return reg.Ctrl[0].State == Available })

	// The slot is reusable by a fresh handshake.
	qp2, _ := dial(t, reg, addr, msg.CtrlConnPrivData)
	require.NotNil(t, qp2)
	pump(t, reg, func() bool { return reg.Ctrl[0].State == Connected })
}

func TestBufferSessionUsesBuffSlots(t *testing.T) {
	reg, ev := newTestRegistry(t, 1, 1)

	qp, _ := dial(t, reg, ev.Addr().String(), msg.BuffConnPrivData)
	require.NotNil(t, qp)
	pump(t, reg, func() bool { return reg.Buffs[0].State == Connected })
	require.Equal(t, Available, reg.Ctrl[0].State)
}

// A handshake with every slot occupied must be rejected without touching
// the existing sessions.
func TestSlotExhaustionRejects(t *testing.T) {
	reg, ev := newTestRegistry(t, 1, 1)
	addr := ev.Addr().String()

	qp, _ := dial(t, reg, addr, msg.CtrlConnPrivData)
	require.NotNil(t, qp)
	pump(t, reg, func() bool { return reg.Ctrl[0].State == Connected })

	rejCh := make(chan error, 1)
	go func() {
		cq := rdma.NewCompletionQueue(16)
		_, err := rdma.Connect(addr, msg.CtrlConnPrivData, rdma.NewProtectionDomain(), rdma.QPConfig{
			SendDepth: 16, RecvDepth: 16, SendCQ: cq, RecvCQ: cq,
		}, 2*time.Second)
		rejCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		reg.Poll()
		select {
		case err := <-rejCh:
			require.Error(t, err)
			require.Equal(t, Connected, reg.Ctrl[0].State)
			return
		default:
		}
		if !time.Now().Before(deadline) {
			t.Fatal("second dial never resolved")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnknownPrivDataRejected(t *testing.T) {
	reg, ev := newTestRegistry(t, 1, 1)

	rejCh := make(chan error, 1)
	go func() {
		cq := rdma.NewCompletionQueue(16)
		_, err := rdma.Connect(ev.Addr().String(), 0x55, rdma.NewProtectionDomain(), rdma.QPConfig{
			SendDepth: 16, RecvDepth: 16, SendCQ: cq, RecvCQ: cq,
		}, 2*time.Second)
		rejCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		reg.Poll()
		select {
		case err := <-rejCh:
			require.Error(t, err)
			require.Equal(t, Available, reg.Ctrl[0].State)
			require.Equal(t, Available, reg.Buffs[0].State)
			return
		default:
		}
		if !time.Now().Before(deadline) {
			t.Fatal("dial never resolved")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStateStrings(t *testing.T) {
	for st, want := range map[State]string{
		Available:    "Available",
		Occupied:     "Occupied",
		Connected:    "Connected",
		Disconnected: "Disconnected",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
