package msg

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestF2BReqHeaderLayout(t *testing.T) {
	h := BuffMsgF2BReqHeader{
		RequestId: 0x1122334455667788,
		FileId:    7,
		Offset:    4096,
		Bytes:     512,
		Flags:     3,
	}
	buf := make([]byte, F2BReqHeaderSize)
	h.MarshalInto(buf)

	// Little-endian, packed, no padding.
	require.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(buf[0:8]))
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[8:12]))
	require.Equal(t, uint64(4096), binary.LittleEndian.Uint64(buf[12:20]))
	require.Equal(t, uint32(512), binary.LittleEndian.Uint32(buf[20:24]))
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[24:28]))

	var got BuffMsgF2BReqHeader
	require.NoError(t, got.Unmarshal(buf))
	require.Empty(t, cmp.Diff(h, got))
}

func TestB2FAckHeaderRoundTrip(t *testing.T) {
	h := BuffMsgB2FAckHeader{RequestId: 99, Result: ResultSuccess, BytesServiced: 4096}
	buf := make([]byte, B2FAckHeaderSize)
	h.MarshalInto(buf)

	var got BuffMsgB2FAckHeader
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, h, got)

	require.Error(t, got.Unmarshal(buf[:B2FAckHeaderSize-1]))
}

func TestRespSizeAlignment(t *testing.T) {
	require.Equal(t, uint32(RespSlotAlign), AlignRespSize(1))
	require.Equal(t, uint32(RespSlotAlign), AlignRespSize(RespSlotAlign))
	require.Equal(t, uint32(2*RespSlotAlign), AlignRespSize(RespSlotAlign+1))

	// Write responses are the bare slot; read responses add the payload.
	require.Equal(t, uint32(RespSlotAlign), RespSizeFor(false, 4096))
	require.Equal(t, AlignRespSize(RespSlotAlign+4096), RespSizeFor(true, 4096))
}

func TestControlRequestRoundTrips(t *testing.T) {
	cases := []struct {
		name  string
		msgId uint16
		req   ControlRequestBody
	}{
		{"request_id", F2BRequestID, ControlRequestBody{}},
		{"terminate", F2BTerminate, ControlRequestBody{ClientId: 5}},
		{"create_dir", F2BReqCreateDir, ControlRequestBody{DirId: 10, ParentId: 0, Path: "/a"}},
		{"remove_dir", F2BReqRemoveDir, ControlRequestBody{DirId: 10}},
		{"create_file", F2BReqCreateFile, ControlRequestBody{FileId: 7, FileAttrs: 1, DirId: 10, Path: "/a/f"}},
		{"delete_file", F2BReqDeleteFile, ControlRequestBody{FileId: 7, DirId: 10}},
		{"change_size", F2BReqChangeFileSize, ControlRequestBody{FileId: 7, Size: 1 << 30}},
		{"get_size", F2BReqGetFileSize, ControlRequestBody{FileId: 7}},
		{"get_info", F2BReqGetFileInfo, ControlRequestBody{FileId: 7}},
		{"get_attr", F2BReqGetFileAttr, ControlRequestBody{FileId: 7}},
		{"free_space", F2BReqGetFreeSpace, ControlRequestBody{}},
		{"move_file", F2BReqMoveFile, ControlRequestBody{FileId: 7, DirId: 10, NewDirId: 11, Path: "/b/f"}},
	}
	buf := make([]byte, 1024)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := EncodeControlRequest(buf, tc.msgId, &tc.req)
			require.Greater(t, n, 0)
			m, err := DecodeControlRequest(buf[:n])
			require.NoError(t, err)
			require.Equal(t, tc.msgId, m.Header.MsgId)
			require.Empty(t, cmp.Diff(tc.req, m.Request))
		})
	}
}

func TestControlResponseRoundTrips(t *testing.T) {
	buf := make([]byte, 1024)

	props := FileProperties{
		FileId:         7,
		FileAttributes: 2,
		FileSize:       123456,
		CreationTime:   1,
		LastAccessTime: 2,
		LastWriteTime:  3,
	}
	n := EncodeControlResponse(buf, B2FAckGetFileInfo,
		&ControlResponseBody{Result: ResultSuccess, Properties: props})
	m, err := DecodeControlResponse(buf[:n])
	if err != nil {
		t.Fatalf("decode get_file_info ack: %v", err)
	}
	if diff := cmp.Diff(props, m.Response.Properties); diff != "" {
		t.Fatalf("properties mismatch (-want +got):\n%s", diff)
	}

	n = EncodeControlResponse(buf, B2FRespondID, &ControlResponseBody{ClientId: 3})
	m, err = DecodeControlResponse(buf[:n])
	if err != nil {
		t.Fatalf("decode respond_id: %v", err)
	}
	if m.Response.ClientId != 3 {
		t.Fatalf("ClientId = %d, want 3", m.Response.ClientId)
	}

	n = EncodeControlResponse(buf, B2FAckGetFreeSpace,
		&ControlResponseBody{Result: ResultSuccess, Bytes: 1 << 40})
	m, err = DecodeControlResponse(buf[:n])
	if err != nil {
		t.Fatalf("decode free_space ack: %v", err)
	}
	if m.Response.Bytes != 1<<40 {
		t.Fatalf("Bytes = %d", m.Response.Bytes)
	}
}

func TestUnknownMsgIdRejected(t *testing.T) {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint16(buf, 0xEEEE)
	if _, err := DecodeControlRequest(buf); err != ErrUnknownMsgId {
		t.Fatalf("err = %v, want ErrUnknownMsgId", err)
	}
	if _, err := DecodeControlResponse(buf); err != ErrUnknownMsgId {
		t.Fatalf("err = %v, want ErrUnknownMsgId", err)
	}
}

func TestAckForCoversEveryRequest(t *testing.T) {
	reqs := []uint16{
		F2BRequestID, F2BReqCreateDir, F2BReqRemoveDir, F2BReqCreateFile,
		F2BReqDeleteFile, F2BReqChangeFileSize, F2BReqGetFileSize,
		F2BReqGetFileInfo, F2BReqGetFileAttr, F2BReqGetFreeSpace,
		F2BReqMoveFile, F2BBuffSetup,
	}
	for _, r := range reqs {
		if AckFor(r) == MsgInvalid {
			t.Errorf("AckFor(%d) = MsgInvalid", r)
		}
	}
	if AckFor(F2BTerminate) != MsgInvalid {
		t.Error("terminate has no acknowledgement")
	}
}

func TestBuffSetupRoundTrip(t *testing.T) {
	setup := BuffSetupMsg{
		ClientId:     2,
		AccessToken:  0x10,
		ReqRingAddr:  0x1_0000_0000,
		ReqMetaAddr:  0x1_0000_1000,
		ReqHeadAddr:  0x1_0000_1080,
		RespRingAddr: 0x1_0010_0000,
		RespMetaAddr: 0x1_0000_1100,
		RespTailAddr: 0x1_0000_1180,
		ReqCapacity:  1 << 20,
		RespCapacity: 1 << 20,
	}
	buf := make([]byte, 256)
	n := EncodeBuffSetup(buf, &setup)
	require.Equal(t, MsgHeaderSize+BuffSetupMsgSize, n)

	m, err := DecodeControlRequest(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint16(F2BBuffSetup), m.Header.MsgId)
	require.Empty(t, cmp.Diff(setup, m.Setup))
}

func TestPathTruncation(t *testing.T) {
	long := make([]byte, MaxFilePath+50)
	for i := range long {
		long[i] = 'x'
	}
	buf := make([]byte, 1024)
	n := EncodeControlRequest(buf, F2BReqCreateDir,
		&ControlRequestBody{DirId: 1, Path: string(long)})
	m, err := DecodeControlRequest(buf[:n])
	require.NoError(t, err)
	require.Len(t, m.Request.Path, MaxFilePath)
}
