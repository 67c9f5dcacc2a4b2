package constants

import "time"

// Default configuration constants
const (
	// DefaultMaxClients is the default size of the client session slot array
	DefaultMaxClients = 32

	// DefaultMaxBuffs is the default size of the buffer session slot array
	DefaultMaxBuffs = 32

	// DefaultServerPort is the default CM listen port (TCP port-space)
	DefaultServerPort = 4242

	// DefaultServerIP is the default CM listen address
	DefaultServerIP = "0.0.0.0"

	// DataPlaneWeight is how many data-plane iterations run per
	// control-plane iteration in the backend event loop
	DataPlaneWeight = 8

	// DefaultCompletionQueueDepth is the default CQ depth per channel
	DefaultCompletionQueueDepth = 512

	// DefaultQueueDepth is the default send/recv queue depth per QP
	DefaultQueueDepth = 256
)

// Ring and message sizing.
//
// Ring capacities must be powers of two so that cursor arithmetic reduces
// to a mask. The request ring mirror and the response ring staging live in
// backend memory registered for RDMA; the host owns the originals.
const (
	// CtrlMsgSize is the size of each control channel staging region.
	// Every control message, request or acknowledgement, fits in one; the
	// largest is a create/move request carrying a full path buffer.
	CtrlMsgSize = 512

	// BackendRequestBufferSize is the capacity of the request ring and of
	// its backend-local mirror, in bytes.
	BackendRequestBufferSize = 1 << 20

	// BackendResponseBufferSize is the capacity of the response ring and of
	// its backend-local staging, in bytes.
	BackendResponseBufferSize = 1 << 20

	// RequestRingBytes is the portion of the request ring actually used.
	RequestRingBytes = BackendRequestBufferSize

	// MaxOutstandingIO bounds the pending data-plane request contexts per
	// buffer session.
	MaxOutstandingIO = 256

	// RingMetaSize is the size of a ring metadata region: two 4-byte tail
	// words on separate cache lines to detect torn reads.
	RingMetaSize = 2 * CacheLineSize

	// CacheLineSize separates the two metadata words.
	CacheLineSize = 64

	// TornRetryBudget bounds consecutive torn metadata reads before the
	// session is declared broken.
	TornRetryBudget = 4096
)

// Connection establishment timing
const (
	// AddrResolveTimeout bounds CM address resolution.
	AddrResolveTimeout = 2 * time.Second

	// ConnectRetryInterval is the host-side pause between dial attempts.
	ConnectRetryInterval = 100 * time.Millisecond
)

// Metadata cache sizing
const (
	// CacheBucketSize is the number of elements per cuckoo bucket
	CacheBucketSize = 4

	// DefaultCacheBuckets is the default bucket count (power of two)
	DefaultCacheBuckets = 1 << 12

	// CachePreloadChunk is the read granularity for preload files, in items
	CachePreloadChunk = 512
)
