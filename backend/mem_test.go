package backend

import (
	"bytes"
	"testing"

	"github.com/codezyu/dds/internal/interfaces"
	"github.com/codezyu/dds/internal/msg"
	"github.com/codezyu/dds/internal/ring"
)

func control(t *testing.T, m *Memory, kind uint16, body msg.ControlRequestBody) *interfaces.ControlRequest {
	t.Helper()
	req := &interfaces.ControlRequest{}
	req.Reset(kind)
	req.Req = body
	m.SubmitControlPlaneRequest(req)
	if _, done := req.Done(); !done {
		t.Fatalf("control op %d did not complete synchronously", kind)
	}
	return req
}

func expectResult(t *testing.T, req *interfaces.ControlRequest, want uint32) {
	t.Helper()
	if got, _ := req.Done(); got != want {
		t.Fatalf("result = %d, want %d", got, want)
	}
}

func dataOp(t *testing.T, m *Memory, fileId uint32, offset uint64, isRead bool, payload []byte, readLen uint32) (*interfaces.DataPlaneRequest, []byte) {
	t.Helper()
	bytesLen := readLen
	if !isRead {
		bytesLen = uint32(len(payload))
	}
	slot := make([]byte, msg.RespSlotAlign)
	dataBuf := make([]byte, bytesLen)
	req := &interfaces.DataPlaneRequest{
		Hdr: msg.BuffMsgF2BReqHeader{
			RequestId: 1,
			FileId:    fileId,
			Offset:    offset,
			Bytes:     bytesLen,
		},
		IsRead: isRead,
		Data:   ring.SplittableBuffer{First: dataBuf, Total: bytesLen},
		Resp:   interfaces.NewRespSlot(slot),
	}
	if !isRead {
		copy(dataBuf, payload)
	}
	req.Resp.Complete(msg.ResultIOPending, 0)
	m.SubmitDataPlaneRequests([]*interfaces.DataPlaneRequest{req})
	return req, dataBuf
}

func TestDirectoryLifecycle(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()

	expectResult(t, control(t, m, msg.F2BReqCreateDir,
		msg.ControlRequestBody{DirId: 1, ParentId: RootDirId, Path: "/a"}), msg.ResultSuccess)

	// Duplicate id.
	expectResult(t, control(t, m, msg.F2BReqCreateDir,
		msg.ControlRequestBody{DirId: 1, ParentId: RootDirId, Path: "/a"}), msg.ResultAlreadyExists)

	// Unknown parent.
	expectResult(t, control(t, m, msg.F2BReqCreateDir,
		msg.ControlRequestBody{DirId: 2, ParentId: 99, Path: "/x"}), msg.ResultNotFound)

	// Non-empty parent cannot be removed.
	expectResult(t, control(t, m, msg.F2BReqCreateDir,
		msg.ControlRequestBody{DirId: 3, ParentId: 1, Path: "/a/b"}), msg.ResultSuccess)
	expectResult(t, control(t, m, msg.F2BReqRemoveDir,
		msg.ControlRequestBody{DirId: 1}), msg.ResultInvalidArg)

	expectResult(t, control(t, m, msg.F2BReqRemoveDir,
		msg.ControlRequestBody{DirId: 3}), msg.ResultSuccess)
	expectResult(t, control(t, m, msg.F2BReqRemoveDir,
		msg.ControlRequestBody{DirId: 1}), msg.ResultSuccess)
}

func TestFileLifecycle(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()

	expectResult(t, control(t, m, msg.F2BReqCreateFile,
		msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f", FileAttrs: 3}), msg.ResultSuccess)

	// Create then query round-trips.
	info := control(t, m, msg.F2BReqGetFileInfo, msg.ControlRequestBody{FileId: 7})
	expectResult(t, info, msg.ResultSuccess)
	if info.Resp.Properties.FileId != 7 || info.Resp.Properties.FileAttributes != 3 {
		t.Fatalf("properties = %+v", info.Resp.Properties)
	}

	attr := control(t, m, msg.F2BReqGetFileAttr, msg.ControlRequestBody{FileId: 7})
	expectResult(t, attr, msg.ResultSuccess)
	if attr.Resp.Attr != 3 {
		t.Fatalf("attr = %d, want 3", attr.Resp.Attr)
	}

	expectResult(t, control(t, m, msg.F2BReqChangeFileSize,
		msg.ControlRequestBody{FileId: 7, Size: 8192}), msg.ResultSuccess)
	size := control(t, m, msg.F2BReqGetFileSize, msg.ControlRequestBody{FileId: 7})
	if size.Resp.Size != 8192 {
		t.Fatalf("size = %d, want 8192", size.Resp.Size)
	}

	// Delete then query returns not found.
	expectResult(t, control(t, m, msg.F2BReqDeleteFile,
		msg.ControlRequestBody{FileId: 7, DirId: RootDirId}), msg.ResultSuccess)
	expectResult(t, control(t, m, msg.F2BReqGetFileInfo,
		msg.ControlRequestBody{FileId: 7}), msg.ResultNotFound)
}

func TestMoveFile(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()

	control(t, m, msg.F2BReqCreateDir, msg.ControlRequestBody{DirId: 1, ParentId: RootDirId, Path: "/a"})
	control(t, m, msg.F2BReqCreateFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f"})

	expectResult(t, control(t, m, msg.F2BReqMoveFile,
		msg.ControlRequestBody{FileId: 7, DirId: RootDirId, NewDirId: 1, Path: "/a/f"}), msg.ResultSuccess)

	// Old directory reference no longer matches.
	expectResult(t, control(t, m, msg.F2BReqMoveFile,
		msg.ControlRequestBody{FileId: 7, DirId: RootDirId, NewDirId: 1, Path: "/a/f"}), msg.ResultInvalidArg)
}

func TestGetFreeSpace(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()

	free := control(t, m, msg.F2BReqGetFreeSpace, msg.ControlRequestBody{})
	if free.Resp.Bytes != 1<<20 {
		t.Fatalf("free = %d, want %d", free.Resp.Bytes, 1<<20)
	}

	control(t, m, msg.F2BReqCreateFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f"})
	control(t, m, msg.F2BReqChangeFileSize, msg.ControlRequestBody{FileId: 7, Size: 4096})

	free = control(t, m, msg.F2BReqGetFreeSpace, msg.ControlRequestBody{})
	if free.Resp.Bytes != 1<<20-4096 {
		t.Fatalf("free = %d after growth", free.Resp.Bytes)
	}
}

func TestWriteThenRead(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()
	control(t, m, msg.F2BReqCreateFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f"})

	payload := bytes.Repeat([]byte{0x5A}, 4096)
	w, _ := dataOp(t, m, 7, 0, false, payload, 0)
	if w.Resp.Result() != msg.ResultSuccess || w.Resp.BytesServiced() != 4096 {
		t.Fatalf("write result=%d serviced=%d", w.Resp.Result(), w.Resp.BytesServiced())
	}

	r, buf := dataOp(t, m, 7, 0, true, nil, 4096)
	if r.Resp.Result() != msg.ResultSuccess || r.Resp.BytesServiced() != 4096 {
		t.Fatalf("read result=%d serviced=%d", r.Resp.Result(), r.Resp.BytesServiced())
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("read returned different bytes than written")
	}
}

func TestReadPastEnd(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()
	control(t, m, msg.F2BReqCreateFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f"})
	dataOp(t, m, 7, 0, false, []byte("abc"), 0)

	// Read past the end returns the readable prefix.
	r, buf := dataOp(t, m, 7, 1, true, nil, 16)
	if r.Resp.BytesServiced() != 2 {
		t.Fatalf("serviced = %d, want 2", r.Resp.BytesServiced())
	}
	if string(buf[:2]) != "bc" {
		t.Fatalf("read %q", buf[:2])
	}

	// Read at the end services nothing.
	r, _ = dataOp(t, m, 7, 3, true, nil, 16)
	if r.Resp.Result() != msg.ResultSuccess || r.Resp.BytesServiced() != 0 {
		t.Fatalf("result=%d serviced=%d", r.Resp.Result(), r.Resp.BytesServiced())
	}
}

func TestUnknownFileDataOp(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()
	r, _ := dataOp(t, m, 99, 0, true, nil, 16)
	if r.Resp.Result() != msg.ResultNotFound {
		t.Fatalf("result = %d, want not found", r.Resp.Result())
	}
}

func TestWriteBeyondCapacity(t *testing.T) {
	m := NewMemory(1024, nil)
	defer m.Close()
	control(t, m, msg.F2BReqCreateFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f"})

	w, _ := dataOp(t, m, 7, 0, false, make([]byte, 4096), 0)
	if w.Resp.Result() != msg.ResultNoCapacity {
		t.Fatalf("result = %d, want no capacity", w.Resp.Result())
	}
}

func TestCachePopulatedOnCreate(t *testing.T) {
	m := NewMemory(1<<20, nil)
	defer m.Close()
	control(t, m, msg.F2BReqCreateFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId, Path: "/f"})

	if _, ok := m.table.Lookup(7); !ok {
		t.Fatal("cache missing created file")
	}
	control(t, m, msg.F2BReqDeleteFile, msg.ControlRequestBody{FileId: 7, DirId: RootDirId})
	if _, ok := m.table.Lookup(7); ok {
		t.Fatal("cache still holds deleted file")
	}
}
