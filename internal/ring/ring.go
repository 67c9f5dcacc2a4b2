// Package ring implements the shared-memory ring protocol carried between
// the host and the backend: cursor arithmetic, the two-word tail metadata
// with torn-read detection, and the framing rules for the request and
// response rings.
//
// Capacities are powers of two. Cursors are free-running 32-bit byte
// indices reduced modulo capacity; (tail - head) mod cap is the number of
// bytes available to consume. A frame's fixed prefix (length word plus
// header) never straddles the ring boundary: when fewer prefix bytes than
// that remain before the boundary, both sides skip to offset zero. Frame
// payloads may wrap and are then handled as two contiguous segments.
package ring

import (
	"encoding/binary"

	"github.com/codezyu/dds/internal/constants"
)

// SplitState tracks a two-part RDMA transfer across the ring boundary.
type SplitState uint8

const (
	NotSplit SplitState = iota
	SplitPartOne
	SplitPartTwo
)

func (s SplitState) String() string {
	switch s {
	case NotSplit:
		return "NotSplit"
	case SplitPartOne:
		return "SplitPartOne"
	case SplitPartTwo:
		return "SplitPartTwo"
	}
	return "Unknown"
}

// MetaSize is the size of a ring metadata region: the cursor mirrored on
// two cache lines so the remote reader can detect torn transfers.
const MetaSize = constants.RingMetaSize

// PutCursor publishes cursor into both metadata words.
func PutCursor(meta []byte, cursor uint32) {
	binary.LittleEndian.PutUint32(meta[0:4], cursor)
	binary.LittleEndian.PutUint32(meta[constants.CacheLineSize:constants.CacheLineSize+4], cursor)
}

// ReadCursor returns the published cursor and whether the two words agree.
// A disagreement means the read raced a remote update; re-poll.
func ReadCursor(meta []byte) (uint32, bool) {
	a := binary.LittleEndian.Uint32(meta[0:4])
	b := binary.LittleEndian.Uint32(meta[constants.CacheLineSize : constants.CacheLineSize+4])
	return a, a == b
}

// Avail returns (tail - head) mod capacity.
func Avail(head, tail, capacity uint32) uint32 {
	return (tail - head) & (capacity - 1)
}

// SplittableBuffer addresses a region of ring memory that may wrap: First
// holds the bytes up to the boundary, Second the remainder from offset
// zero. Total is len(First)+len(Second).
type SplittableBuffer struct {
	First  []byte
	Second []byte
	Total  uint32
}

// Slice builds a SplittableBuffer over buf[pos:pos+length) modulo the
// buffer's capacity.
func Slice(buf []byte, pos, length uint32) SplittableBuffer {
	capacity := uint32(len(buf))
	pos &= capacity - 1
	if pos+length <= capacity {
		return SplittableBuffer{First: buf[pos : pos+length], Total: length}
	}
	first := capacity - pos
	return SplittableBuffer{
		First:  buf[pos:capacity],
		Second: buf[:length-first],
		Total:  length,
	}
}

// CopyIn copies src into the (possibly wrapped) region.
func (sb *SplittableBuffer) CopyIn(src []byte) {
	n := copy(sb.First, src)
	if n < len(src) {
		copy(sb.Second, src[n:])
	}
}

// CopyOut assembles the region into dst and returns the byte count.
func (sb *SplittableBuffer) CopyOut(dst []byte) int {
	n := copy(dst, sb.First)
	if sb.Second != nil {
		n += copy(dst[n:], sb.Second)
	}
	return n
}

// IsSplit reports whether the region wraps.
func (sb *SplittableBuffer) IsSplit() bool { return sb.Second != nil }

// SkipToBoundary reports whether a frame whose fixed prefix is prefixLen
// bytes can start at pos, and the start position to use. When fewer than
// prefixLen bytes remain before the boundary the frame starts at zero and
// the skipped bytes count as consumed.
func SkipToBoundary(pos, capacity, prefixLen uint32) (start uint32, skipped uint32) {
	pos &= capacity - 1
	remain := capacity - pos
	if remain < prefixLen {
		return 0, remain
	}
	return pos, 0
}
