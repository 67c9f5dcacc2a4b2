package rdma

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CM event kinds, mirroring the connection-manager state machine.
type EventKind uint8

const (
	EventAddrResolved EventKind = iota + 1
	EventRouteResolved
	EventConnectRequest
	EventEstablished
	EventDisconnected
	EventAddrError
	EventRouteError
	EventConnectError
	EventUnreachable
	EventRejected
	EventDeviceRemoval
)

func (k EventKind) String() string {
	switch k {
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventAddrError:
		return "ADDR_ERROR"
	case EventRouteError:
		return "ROUTE_ERROR"
	case EventConnectError:
		return "CONNECT_ERROR"
	case EventUnreachable:
		return "UNREACHABLE"
	case EventRejected:
		return "REJECTED"
	case EventDeviceRemoval:
		return "DEVICE_REMOVAL"
	}
	return "UNKNOWN"
}

const (
	cmMagic      = uint32(0x44445331) // "DDS1"
	cmAcceptByte = 0x01
	cmRejectByte = 0x00
)

// Event is one CM notification. ConnectRequest events carry the 1-byte
// connection private data.
type Event struct {
	Kind     EventKind
	ID       *CMID
	PrivData byte
}

// CMID identifies one connection through its CM lifetime, from the connect
// request until disconnect. After Accept it carries the queue pair.
type CMID struct {
	conn net.Conn
	ev   *EventChannel
	QP   *QueuePair
}

// EventChannel delivers CM events without blocking the poller.
type EventChannel struct {
	events chan Event
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewEventChannel creates a non-blocking CM event channel.
func NewEventChannel(log *zap.Logger) *EventChannel {
	return &EventChannel{
		events: make(chan Event, 128),
		log:    log,
	}
}

// Listen binds the channel to addr (TCP port-space) and starts queueing
// ConnectRequest events for incoming handshakes.
func (ec *EventChannel) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	ec.listener = ln
	ec.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go ec.handshake(conn)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (ec *EventChannel) Addr() net.Addr {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.listener == nil {
		return nil
	}
	return ec.listener.Addr()
}

func (ec *EventChannel) handshake(conn net.Conn) {
	var hello [5]byte
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if binary.LittleEndian.Uint32(hello[:4]) != cmMagic {
		_ = conn.Close()
		return
	}
	ec.push(Event{
		Kind:     EventConnectRequest,
		ID:       &CMID{conn: conn, ev: ec},
		PrivData: hello[4],
	})
}

func (ec *EventChannel) push(ev Event) {
	ec.mu.Lock()
	closed := ec.closed
	ec.mu.Unlock()
	if closed {
		return
	}
	select {
	case ec.events <- ev:
	default:
		if ec.log != nil {
			ec.log.Warn("cm event dropped", zap.String("kind", ev.Kind.String()))
		}
	}
}

// GetEvent returns the next pending event without blocking. The second
// return is false when no event is queued.
func (ec *EventChannel) GetEvent() (Event, bool) {
	select {
	case ev := <-ec.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Accept completes the handshake on a ConnectRequest, builds the queue
// pair under pd and queues an Established event. The QP is returned
// unstarted so the acceptor can post receives before the peer's first
// send can land; call QP.Start when ready.
func (ec *EventChannel) Accept(id *CMID, pd *ProtectionDomain, cfg QPConfig) error {
	if _, err := id.conn.Write([]byte{cmAcceptByte}); err != nil {
		_ = id.conn.Close()
		return err
	}
	id.QP = newQueuePair(id.conn, pd, cfg)
	id.QP.onClosed = func(*QueuePair) {
		ec.push(Event{Kind: EventDisconnected, ID: id})
	}
	ec.push(Event{Kind: EventEstablished, ID: id})
	return nil
}

// Reject refuses a ConnectRequest and closes the connection.
func (ec *EventChannel) Reject(id *CMID) error {
	_, err := id.conn.Write([]byte{cmRejectByte})
	_ = id.conn.Close()
	return err
}

// Close stops the listener; events raised after it are dropped.
func (ec *EventChannel) Close() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closed {
		return nil
	}
	ec.closed = true
	if ec.listener != nil {
		_ = ec.listener.Close()
	}
	return nil
}

// Connect dials addr, presents priv as connection private data and builds
// a queue pair on acceptance. resolveTimeout bounds address resolution and
// the handshake, mirroring the CM resolve timeout.
func Connect(addr string, priv byte, pd *ProtectionDomain, cfg QPConfig, resolveTimeout time.Duration) (*QueuePair, error) {
	conn, err := net.DialTimeout("tcp", addr, resolveTimeout)
	if err != nil {
		return nil, fmt.Errorf("address resolution for %s: %w", addr, err)
	}
	var hello [5]byte
	binary.LittleEndian.PutUint32(hello[:4], cmMagic)
	hello[4] = priv
	if _, err := conn.Write(hello[:]); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var reply [1]byte
	_ = conn.SetReadDeadline(time.Now().Add(resolveTimeout))
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if reply[0] != cmAcceptByte {
		_ = conn.Close()
		return nil, fmt.Errorf("connection rejected by %s", addr)
	}
	qp := newQueuePair(conn, pd, cfg)
	qp.Start()
	return qp, nil
}
