// Package backend provides standard file service implementations for the
// dds backend.
package backend

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/cache"
	"github.com/codezyu/dds/internal/constants"
	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
)

// FileService is the contract this package implements.
type FileService = interfaces.FileService

// RootDirId is the preexisting root directory.
const RootDirId = 0

type dirNode struct {
	id       uint32
	parent   uint32
	path     string
	children int
	files    int
}

type fileNode struct {
	mu    sync.RWMutex
	id    uint32
	dirId uint32
	path  string
	attrs uint32
	size  uint64
	data  []byte

	created    uint64
	lastAccess uint64
	lastWrite  uint64
}

// Memory is a RAM-backed file service: a directory tree plus a file table
// with the hot-path FileId lookups served by the cuckoo metadata cache.
// Control operations complete synchronously from the submitting thread;
// data operations lock per file.
type Memory struct {
	mu    sync.RWMutex
	dirs  map[uint32]*dirNode
	files []*fileNode // table indexed by the cache value
	free  []int       // recycled table slots
	byId  map[uint32]int

	table *cache.Table
	total uint64
	used  uint64
	log   *zap.Logger
}

// MemoryOptions tunes a Memory service.
type MemoryOptions struct {
	// CacheBuckets sizes the metadata cache (power of two).
	CacheBuckets int
	// CachePreloadPath optionally streams packed items into the cache at
	// startup.
	CachePreloadPath string
	Logger           *zap.Logger
}

// NewMemory creates a memory file service with the given capacity.
func NewMemory(totalBytes uint64, opts *MemoryOptions) *Memory {
	if opts == nil {
		opts = &MemoryOptions{}
	}
	buckets := opts.CacheBuckets
	if buckets <= 0 {
		buckets = constants.DefaultCacheBuckets
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &Memory{
		dirs:  map[uint32]*dirNode{RootDirId: {id: RootDirId, path: "/"}},
		byId:  make(map[uint32]int),
		table: cache.NewTable(buckets),
		total: totalBytes,
		log:   log,
	}
	if opts.CachePreloadPath != "" {
		n, err := m.table.LoadFile(opts.CachePreloadPath, log)
		if err != nil {
			log.Warn("cache preload failed", zap.Error(err))
		} else {
			log.Info("cache preloaded", zap.Int("items", n))
		}
	}
	return m
}

// TotalSpace implements the FileService interface.
func (m *Memory) TotalSpace() uint64 { return m.total }

// Close implements the FileService interface.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = nil
	m.free = nil
	m.byId = nil
	m.table.Close()
	return nil
}

func now() uint64 { return uint64(time.Now().UnixNano()) }

// lookupFile resolves a FileId through the cache, falling back to the id
// map when the cache misses.
func (m *Memory) lookupFile(fileId uint32) *fileNode {
	if slot, ok := m.table.Lookup(uint64(fileId)); ok {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if int(slot) < len(m.files) && m.files[slot] != nil && m.files[slot].id == fileId {
			return m.files[slot]
		}
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if slot, ok := m.byId[fileId]; ok {
		return m.files[slot]
	}
	return nil
}

// SubmitControlPlaneRequest implements the FileService interface.
func (m *Memory) SubmitControlPlaneRequest(req *interfaces.ControlRequest) {
	switch req.Kind {
	case msg.F2BReqCreateDir:
		req.Complete(m.createDir(&req.Req))
	case msg.F2BReqRemoveDir:
		req.Complete(m.removeDir(&req.Req))
	case msg.F2BReqCreateFile:
		req.Complete(m.createFile(&req.Req))
	case msg.F2BReqDeleteFile:
		req.Complete(m.deleteFile(&req.Req))
	case msg.F2BReqChangeFileSize:
		req.Complete(m.changeFileSize(&req.Req))
	case msg.F2BReqGetFileSize:
		f := m.lookupFile(req.Req.FileId)
		if f == nil {
			req.Complete(msg.ResultNotFound)
			return
		}
		f.mu.RLock()
		req.Resp.Size = f.size
		f.mu.RUnlock()
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqGetFileInfo:
		f := m.lookupFile(req.Req.FileId)
		if f == nil {
			req.Complete(msg.ResultNotFound)
			return
		}
		f.mu.RLock()
		req.Resp.Properties = msg.FileProperties{
			FileId:         f.id,
			FileAttributes: f.attrs,
			FileSize:       f.size,
			CreationTime:   f.created,
			LastAccessTime: f.lastAccess,
			LastWriteTime:  f.lastWrite,
		}
		f.mu.RUnlock()
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqGetFileAttr:
		// FileId-addressed, like every other data-bearing operation.
		f := m.lookupFile(req.Req.FileId)
		if f == nil {
			req.Complete(msg.ResultNotFound)
			return
		}
		f.mu.RLock()
		req.Resp.Attr = f.attrs
		f.mu.RUnlock()
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqGetFreeSpace:
		m.mu.RLock()
		req.Resp.Bytes = m.total - m.used
		m.mu.RUnlock()
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqMoveFile:
		req.Complete(m.moveFile(&req.Req))
	default:
		req.Complete(msg.ResultInvalidArg)
	}
}

func (m *Memory) createDir(r *msg.ControlRequestBody) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dirs[r.DirId]; exists {
		return msg.ResultAlreadyExists
	}
	parent, ok := m.dirs[r.ParentId]
	if !ok {
		return msg.ResultNotFound
	}
	m.dirs[r.DirId] = &dirNode{id: r.DirId, parent: r.ParentId, path: r.Path}
	parent.children++
	return msg.ResultSuccess
}

func (m *Memory) removeDir(r *msg.ControlRequestBody) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[r.DirId]
	if !ok {
		return msg.ResultNotFound
	}
	if r.DirId == RootDirId || d.children > 0 || d.files > 0 {
		return msg.ResultInvalidArg
	}
	if p, ok := m.dirs[d.parent]; ok {
		p.children--
	}
	delete(m.dirs, r.DirId)
	return msg.ResultSuccess
}

func (m *Memory) createFile(r *msg.ControlRequestBody) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byId[r.FileId]; exists {
		return msg.ResultAlreadyExists
	}
	d, ok := m.dirs[r.DirId]
	if !ok {
		return msg.ResultNotFound
	}
	f := &fileNode{
		id:         r.FileId,
		dirId:      r.DirId,
		path:       r.Path,
		attrs:      r.FileAttrs,
		created:    now(),
		lastAccess: now(),
		lastWrite:  now(),
	}
	var slot int
	if n := len(m.free); n > 0 {
		slot = m.free[n-1]
		m.free = m.free[:n-1]
		m.files[slot] = f
	} else {
		slot = len(m.files)
		m.files = append(m.files, f)
	}
	m.byId[r.FileId] = slot
	d.files++
	m.table.Insert(uint64(r.FileId), uint64(slot))
	return msg.ResultSuccess
}

func (m *Memory) deleteFile(r *msg.ControlRequestBody) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.byId[r.FileId]
	if !ok {
		return msg.ResultNotFound
	}
	f := m.files[slot]
	if f.dirId != r.DirId {
		return msg.ResultInvalidArg
	}
	m.used -= f.size
	if d, ok := m.dirs[f.dirId]; ok {
		d.files--
	}
	m.files[slot] = nil
	m.free = append(m.free, slot)
	delete(m.byId, r.FileId)
	m.table.Delete(uint64(r.FileId))
	return msg.ResultSuccess
}

func (m *Memory) changeFileSize(r *msg.ControlRequestBody) uint32 {
	f := m.lookupFile(r.FileId)
	if f == nil {
		return msg.ResultNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	m.mu.Lock()
	if r.Size > f.size {
		grow := r.Size - f.size
		if m.used+grow > m.total {
			m.mu.Unlock()
			return msg.ResultNoCapacity
		}
		m.used += grow
	} else {
		m.used -= f.size - r.Size
	}
	m.mu.Unlock()

	if r.Size <= uint64(len(f.data)) {
		f.data = f.data[:r.Size]
	} else {
		grown := make([]byte, r.Size)
		copy(grown, f.data)
		f.data = grown
	}
	f.size = r.Size
	f.lastWrite = now()
	return msg.ResultSuccess
}

func (m *Memory) moveFile(r *msg.ControlRequestBody) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.byId[r.FileId]
	if !ok {
		return msg.ResultNotFound
	}
	f := m.files[slot]
	if f.dirId != r.DirId {
		return msg.ResultInvalidArg
	}
	newDir, ok := m.dirs[r.NewDirId]
	if !ok {
		return msg.ResultNotFound
	}
	if old, ok := m.dirs[f.dirId]; ok {
		old.files--
	}
	newDir.files++
	// dirId and path are only touched under the namespace lock.
	f.dirId = r.NewDirId
	f.path = r.Path
	return msg.ResultSuccess
}

// SubmitDataPlaneRequests implements the FileService interface. Requests
// complete in submission order.
func (m *Memory) SubmitDataPlaneRequests(reqs []*interfaces.DataPlaneRequest) {
	for _, r := range reqs {
		m.serveOne(r)
	}
}

func (m *Memory) serveOne(r *interfaces.DataPlaneRequest) {
	f := m.lookupFile(r.Hdr.FileId)
	if f == nil {
		r.Resp.Complete(msg.ResultNotFound, 0)
		return
	}
	if r.IsRead {
		m.serveRead(f, r)
	} else {
		m.serveWrite(f, r)
	}
}

// serveRead copies file bytes into the staged response buffer. A read
// past the current size returns the readable prefix; a hole reads as
// zeroes because the extent is zero-filled on growth.
func (m *Memory) serveRead(f *fileNode, r *interfaces.DataPlaneRequest) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	want := uint64(r.Hdr.Bytes)
	if r.Hdr.Offset >= f.size {
		r.Resp.Complete(msg.ResultSuccess, 0)
		return
	}
	if r.Hdr.Offset+want > f.size {
		want = f.size - r.Hdr.Offset
	}
	src := f.data[r.Hdr.Offset : r.Hdr.Offset+want]
	r.Data.CopyIn(src)
	f.lastAccess = now()
	r.Resp.Complete(msg.ResultSuccess, uint32(want))
}

// serveWrite copies the staged payload into the file, growing it as
// needed.
func (m *Memory) serveWrite(f *fileNode, r *interfaces.DataPlaneRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()

	end := r.Hdr.Offset + uint64(r.Hdr.Bytes)
	if end > f.size {
		grow := end - f.size
		m.mu.Lock()
		if m.used+grow > m.total {
			m.mu.Unlock()
			r.Resp.Complete(msg.ResultNoCapacity, 0)
			return
		}
		m.used += grow
		m.mu.Unlock()

		if end > uint64(len(f.data)) {
			grown := make([]byte, end)
			copy(grown, f.data)
			f.data = grown
		}
		f.size = end
	}

	buf := f.data[r.Hdr.Offset:end]
	r.Data.CopyOut(buf)
	f.lastWrite = now()
	r.Resp.Complete(msg.ResultSuccess, r.Hdr.Bytes)
}
