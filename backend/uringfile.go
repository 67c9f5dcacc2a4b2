//go:build linux && uring

// Package backend: io_uring-backed file store. Built with -tags uring;
// data-plane payloads are served from a backing file through giouring
// while the namespace and control plane are shared with the memory
// service.
package backend

import (
	"fmt"
	"os"
	"sync"

	"github.com/pawelgaczynski/giouring"
	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
)

// FileExtentSize is the fixed extent reserved per FileId in the backing
// file. Writes past the extent fail with the capacity result.
const FileExtentSize = 16 << 20

const uringDepth = 256

// UringFile serves file data from one backing file via io_uring. Each
// FileId owns a fixed extent addressed by its file-table slot; the
// namespace bookkeeping reuses the memory service.
type UringFile struct {
	*Memory

	mu   sync.Mutex
	ring *giouring.Ring
	f    *os.File
	log  *zap.Logger
}

// NewUringFile opens or creates the backing file at path with room for
// extents covering totalBytes.
func NewUringFile(path string, totalBytes uint64, opts *MemoryOptions) (FileService, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(totalBytes)); err != nil {
		_ = f.Close()
		return nil, err
	}
	ring, err := giouring.CreateRing(uringDepth)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	log := zap.NewNop()
	if opts != nil && opts.Logger != nil {
		log = opts.Logger
	}
	return &UringFile{
		Memory: NewMemory(totalBytes, opts),
		ring:   ring,
		f:      f,
		log:    log,
	}, nil
}

// Close implements the FileService interface.
func (u *UringFile) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ring.QueueExit()
	_ = u.f.Close()
	return u.Memory.Close()
}

// extentBase maps a FileId to its extent offset in the backing file.
func (u *UringFile) extentBase(fileId uint32) (uint64, bool) {
	slot, ok := u.table.Lookup(uint64(fileId))
	if !ok {
		u.Memory.mu.RLock()
		s, found := u.byId[fileId]
		u.Memory.mu.RUnlock()
		if !found {
			return 0, false
		}
		slot = uint64(s)
	}
	return slot * FileExtentSize, true
}

// SubmitDataPlaneRequests implements the FileService interface: the whole
// batch is prepared as submission entries and driven by one
// submit-and-wait.
func (u *UringFile) SubmitDataPlaneRequests(reqs []*interfaces.DataPlaneRequest) {
	u.mu.Lock()
	defer u.mu.Unlock()

	type pendingOp struct {
		req *interfaces.DataPlaneRequest
		buf []byte
	}
	pending := make(map[uint64]pendingOp, len(reqs))
	prepared := 0

	for i, r := range reqs {
		base, ok := u.extentBase(r.Hdr.FileId)
		if !ok {
			r.Resp.Complete(msg.ResultNotFound, 0)
			continue
		}
		if r.Hdr.Offset+uint64(r.Hdr.Bytes) > FileExtentSize {
			r.Resp.Complete(msg.ResultNoCapacity, 0)
			continue
		}
		sqe := u.ring.GetSQE()
		if sqe == nil {
			r.Resp.Complete(msg.ResultIOError, 0)
			continue
		}
		// Split ring buffers bounce through a linear scratch buffer; the
		// kernel sees one contiguous range either way.
		buf := make([]byte, r.Hdr.Bytes)
		off := base + r.Hdr.Offset
		if r.IsRead {
			sqe.PrepareRead(int(u.f.Fd()), buf, off)
		} else {
			r.Data.CopyOut(buf)
			sqe.PrepareWrite(int(u.f.Fd()), buf, off)
		}
		sqe.UserData = uint64(i) + 1
		pending[uint64(i)+1] = pendingOp{req: r, buf: buf}
		prepared++
	}
	if prepared == 0 {
		return
	}

	if _, err := u.ring.SubmitAndWait(uint32(prepared)); err != nil {
		u.log.Error("io_uring submit", zap.Error(err))
		for _, p := range pending {
			p.req.Resp.Complete(msg.ResultIOError, 0)
		}
		return
	}

	for done := 0; done < prepared; {
		cqe, err := u.ring.PeekCQE()
		if err != nil || cqe == nil {
			continue
		}
		op, ok := pending[cqe.UserData]
		if ok {
			if cqe.Res < 0 {
				op.req.Resp.Complete(msg.ResultIOError, 0)
			} else {
				if op.req.IsRead {
					op.req.Data.CopyIn(op.buf[:cqe.Res])
				}
				op.req.Resp.Complete(msg.ResultSuccess, uint32(cqe.Res))
			}
			done++
		}
		u.ring.CQESeen(cqe)
	}
}
