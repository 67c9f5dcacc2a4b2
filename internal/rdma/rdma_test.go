package rdma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pair establishes a connected QP pair over loopback: srv is the
// accepting side, cli the dialing side.
func pair(t *testing.T, srvPD, cliPD *ProtectionDomain) (srv, cli *QueuePair, srvCQ, cliCQ *CompletionQueue) {
	t.Helper()
	ev := NewEventChannel(zap.NewNop())
	require.NoError(t, ev.Listen("127.0.0.1:0"))
	t.Cleanup(func() { ev.Close() })

	srvCQ = NewCompletionQueue(64)
	cliCQ = NewCompletionQueue(64)

	done := make(chan *QueuePair, 1)
	go func() {
		qp, err := Connect(ev.Addr().String(), 0x7A, cliPD, QPConfig{
			SendDepth: 16, RecvDepth: 16, SendCQ: cliCQ, RecvCQ: cliCQ,
		}, 2*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- qp
	}()

	var id *CMID
	deadline := time.After(2 * time.Second)
	for id == nil {
		ev2, ok := ev.GetEvent()
		if ok && ev2.Kind == EventConnectRequest {
			require.Equal(t, byte(0x7A), ev2.PrivData)
			id = ev2.ID
			break
		}
		select {
		case <-deadline:
			t.Fatal("no connect request")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	require.NoError(t, ev.Accept(id, srvPD, QPConfig{
		SendDepth: 16, RecvDepth: 16, SendCQ: srvCQ, RecvCQ: srvCQ,
	}))
	id.QP.Start()

	cli = <-done
	require.NotNil(t, cli)
	srv = id.QP
	t.Cleanup(func() { srv.Close(); cli.Close() })
	return srv, cli, srvCQ, cliCQ
}

func TestSendRecv(t *testing.T) {
	srvPD, cliPD := NewProtectionDomain(), NewProtectionDomain()
	srv, cli, srvCQ, cliCQ := pair(t, srvPD, cliPD)

	recvBuf := make([]byte, 64)
	require.NoError(t, srv.PostRecv(7, recvBuf))
	require.NoError(t, cli.PostSend(8, []byte("hello")))

	c, err := srvCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, OpRecv, c.Op)
	require.Equal(t, uint64(7), c.WRID)
	require.Equal(t, uint32(5), c.ByteLen)
	require.Equal(t, "hello", string(recvBuf[:5]))

	c, err = cliCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, OpSend, c.Op)
	require.Equal(t, uint64(8), c.WRID)
}

func TestOneSidedWriteAndRead(t *testing.T) {
	srvPD, cliPD := NewProtectionDomain(), NewProtectionDomain()
	region := make([]byte, 4096)
	mr := srvPD.RegisterMemoryRegion(region, AccessLocalWrite|AccessRemoteRead|AccessRemoteWrite)

	_, cli, _, cliCQ := pair(t, srvPD, cliPD)

	// One-sided write lands in the registered region without server
	// software involvement.
	require.NoError(t, cli.PostWrite(1, []byte("remote data"), mr.Addr+100, mr.RKey))
	c, err := cliCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, OpWrite, c.Op)

	// One-sided read observes it back.
	dst := make([]byte, 11)
	require.NoError(t, cli.PostRead(2, dst, mr.Addr+100, mr.RKey))
	c, err = cliCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, OpRead, c.Op)
	require.Equal(t, StatusSuccess, c.Status)
	require.Equal(t, "remote data", string(dst))
}

func TestReadOutOfBoundsFaults(t *testing.T) {
	srvPD, cliPD := NewProtectionDomain(), NewProtectionDomain()
	region := make([]byte, 128)
	mr := srvPD.RegisterMemoryRegion(region, AccessRemoteRead)

	_, cli, _, cliCQ := pair(t, srvPD, cliPD)

	dst := make([]byte, 64)
	require.NoError(t, cli.PostRead(3, dst, mr.Addr+100, mr.RKey))
	c, err := cliCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusRemoteAccessError, c.Status)
}

func TestBadRKeyFaults(t *testing.T) {
	srvPD, cliPD := NewProtectionDomain(), NewProtectionDomain()
	region := make([]byte, 128)
	mr := srvPD.RegisterMemoryRegion(region, AccessRemoteRead)

	_, cli, _, cliCQ := pair(t, srvPD, cliPD)

	dst := make([]byte, 16)
	require.NoError(t, cli.PostRead(4, dst, mr.Addr, mr.RKey+999))
	c, err := cliCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusRemoteAccessError, c.Status)
}

func TestWriteWithImmediate(t *testing.T) {
	srvPD, cliPD := NewProtectionDomain(), NewProtectionDomain()
	region := make([]byte, 128)
	mr := srvPD.RegisterMemoryRegion(region, AccessRemoteWrite)

	srv, cli, srvCQ, _ := pair(t, srvPD, cliPD)

	require.NoError(t, srv.PostRecv(9, make([]byte, 4)))
	require.NoError(t, cli.PostWriteImm(10, []byte{1, 2, 3, 4}, mr.Addr, mr.RKey, 0xCAFE))

	c, err := srvCQ.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, OpRecvImm, c.Op)
	require.True(t, c.HasImm)
	require.Equal(t, uint32(0xCAFE), c.Imm)
	require.Equal(t, []byte{1, 2, 3, 4}, region[:4])
}

func TestRejectedConnection(t *testing.T) {
	ev := NewEventChannel(zap.NewNop())
	require.NoError(t, ev.Listen("127.0.0.1:0"))
	defer ev.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Connect(ev.Addr().String(), 0x01, NewProtectionDomain(), QPConfig{
			SendDepth: 4, RecvDepth: 4,
			SendCQ: NewCompletionQueue(8), RecvCQ: NewCompletionQueue(8),
		}, 2*time.Second)
		errCh <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		ev2, ok := ev.GetEvent()
		if ok && ev2.Kind == EventConnectRequest {
			require.NoError(t, ev.Reject(ev2.ID))
			break
		}
		select {
		case <-deadline:
			t.Fatal("no connect request")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	require.Error(t, <-errCh)
}

func TestDisconnectEvent(t *testing.T) {
	ev := NewEventChannel(zap.NewNop())
	require.NoError(t, ev.Listen("127.0.0.1:0"))
	defer ev.Close()

	cliCQ := NewCompletionQueue(8)
	done := make(chan *QueuePair, 1)
	go func() {
		qp, _ := Connect(ev.Addr().String(), 0x01, NewProtectionDomain(), QPConfig{
			SendDepth: 4, RecvDepth: 4, SendCQ: cliCQ, RecvCQ: cliCQ,
		}, 2*time.Second)
		done <- qp
	}()

	var id *CMID
	deadline := time.After(2 * time.Second)
	for id == nil {
		ev2, ok := ev.GetEvent()
		if ok && ev2.Kind == EventConnectRequest {
			id = ev2.ID
		} else {
			select {
			case <-deadline:
				t.Fatal("no connect request")
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}
	srvCQ := NewCompletionQueue(8)
	require.NoError(t, ev.Accept(id, NewProtectionDomain(), QPConfig{
		SendDepth: 4, RecvDepth: 4, SendCQ: srvCQ, RecvCQ: srvCQ,
	}))
	id.QP.Start()

	// Drain the Established event.
	var sawEstablished bool
	for !sawEstablished {
		ev2, ok := ev.GetEvent()
		if ok && ev2.Kind == EventEstablished {
			sawEstablished = true
		} else {
			select {
			case <-deadline:
				t.Fatal("no established event")
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}

	cli := <-done
	require.NotNil(t, cli)
	require.NoError(t, cli.Close())

	for {
		ev2, ok := ev.GetEvent()
		if ok && ev2.Kind == EventDisconnected {
			require.Equal(t, id, ev2.ID)
			return
		}
		select {
		case <-deadline:
			t.Fatal("no disconnect event")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestMemoryRegionBookkeeping(t *testing.T) {
	pd := NewProtectionDomain()
	a := pd.RegisterMemoryRegion(make([]byte, 4096), AccessRemoteRead)
	b := pd.RegisterMemoryRegion(make([]byte, 4096), AccessRemoteRead)
	if a.Addr == b.Addr {
		t.Fatal("regions share a base address")
	}
	if a.RKey == b.RKey {
		t.Fatal("regions share a remote key")
	}

	pd.DeregisterMemoryRegion(a)
	if _, err := pd.resolve(a.Addr, 16, a.RKey, false); err == nil {
		t.Fatal("resolve succeeded after deregistration")
	}
}

func TestCompletionQueuePollAndOverrun(t *testing.T) {
	cq := NewCompletionQueue(2)
	if _, ok, err := cq.PollOne(); ok || err != nil {
		t.Fatalf("empty poll: ok=%v err=%v", ok, err)
	}
	cq.push(Completion{WRID: 1})
	cq.push(Completion{WRID: 2})
	cq.push(Completion{WRID: 3}) // exceeds depth

	if _, _, err := cq.PollOne(); err != ErrCQOverrun {
		t.Fatalf("err = %v, want ErrCQOverrun", err)
	}
}
