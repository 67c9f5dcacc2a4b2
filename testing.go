package dds

import (
	"sync"

	"github.com/codezyu/dds/internal/msg"
)

// MockFileService is a FileService for testing consumers of this package.
// It stores file payloads keyed by FileId, completes synchronously and
// tracks method calls for verification.
type MockFileService struct {
	mu    sync.Mutex
	files map[uint32][]byte
	total uint64

	controlCalls int
	dataCalls    int

	// FailNext forces the next submission to complete with an I/O error.
	FailNext bool
}

// NewMockFileService creates a mock with the given capacity.
func NewMockFileService(total uint64) *MockFileService {
	return &MockFileService{
		files: make(map[uint32][]byte),
		total: total,
	}
}

// ControlCalls returns the number of control-plane submissions.
func (m *MockFileService) ControlCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlCalls
}

// DataCalls returns the number of data-plane submissions.
func (m *MockFileService) DataCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataCalls
}

// TotalSpace implements the FileService interface.
func (m *MockFileService) TotalSpace() uint64 { return m.total }

// Close implements the FileService interface.
func (m *MockFileService) Close() error { return nil }

// SubmitControlPlaneRequest implements the FileService interface.
func (m *MockFileService) SubmitControlPlaneRequest(req *ControlRequest) {
	m.mu.Lock()
	m.controlCalls++
	fail := m.FailNext
	m.FailNext = false
	m.mu.Unlock()

	if fail {
		req.Complete(msg.ResultIOError)
		return
	}
	switch req.Kind {
	case msg.F2BReqCreateFile:
		m.mu.Lock()
		m.files[req.Req.FileId] = nil
		m.mu.Unlock()
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqDeleteFile:
		m.mu.Lock()
		delete(m.files, req.Req.FileId)
		m.mu.Unlock()
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqGetFileSize:
		m.mu.Lock()
		data, ok := m.files[req.Req.FileId]
		m.mu.Unlock()
		if !ok {
			req.Complete(msg.ResultNotFound)
			return
		}
		req.Resp.Size = uint64(len(data))
		req.Complete(msg.ResultSuccess)
	case msg.F2BReqGetFreeSpace:
		req.Resp.Bytes = m.total
		req.Complete(msg.ResultSuccess)
	default:
		req.Complete(msg.ResultSuccess)
	}
}

// SubmitDataPlaneRequests implements the FileService interface.
func (m *MockFileService) SubmitDataPlaneRequests(reqs []*DataPlaneRequest) {
	m.mu.Lock()
	m.dataCalls++
	fail := m.FailNext
	m.FailNext = false
	m.mu.Unlock()

	for _, r := range reqs {
		if fail {
			r.Resp.Complete(msg.ResultIOError, 0)
			continue
		}
		m.mu.Lock()
		data := m.files[r.Hdr.FileId]
		if r.IsRead {
			want := uint64(r.Hdr.Bytes)
			if r.Hdr.Offset >= uint64(len(data)) {
				want = 0
			} else if r.Hdr.Offset+want > uint64(len(data)) {
				want = uint64(len(data)) - r.Hdr.Offset
			}
			if want > 0 {
				r.Data.CopyIn(data[r.Hdr.Offset : r.Hdr.Offset+want])
			}
			m.mu.Unlock()
			r.Resp.Complete(msg.ResultSuccess, uint32(want))
			continue
		}
		end := r.Hdr.Offset + uint64(r.Hdr.Bytes)
		if end > uint64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		r.Data.CopyOut(data[r.Hdr.Offset:end])
		m.files[r.Hdr.FileId] = data
		m.mu.Unlock()
		r.Resp.Complete(msg.ResultSuccess, r.Hdr.Bytes)
	}
}
