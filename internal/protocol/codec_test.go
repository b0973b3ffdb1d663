package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 123456789)
	in := &Message{
		Kind:       KindBroadcast,
		SenderName: "alice",
		RoomID:     7,
		SenderID:   3,
		Timestamp:  ts,
		Encrypted:  true,
		Ciphertext: []byte{0xde, 0xad, 0xbe, 0xef},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))

	out, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, in.Kind, out.Kind)
	require.Equal(t, in.SenderName, out.SenderName)
	require.Equal(t, in.RoomID, out.RoomID)
	require.Equal(t, in.SenderID, out.SenderID)
	require.True(t, out.Timestamp.Equal(ts))
	require.True(t, out.Encrypted)
	require.Equal(t, in.Ciphertext, out.Ciphertext)
	require.Empty(t, out.Content)
	require.Zero(t, buf.Len(), "reader must consume exactly one frame")
}

func TestChunkRoundTrip(t *testing.T) {
	in := &FileChunk{
		Filename:   "notes.txt",
		FileSize:   5000,
		SenderID:   2,
		SenderName: "bob",
		Index:      1,
		Total:      2,
		Data:       bytes.Repeat([]byte{'x'}, 904),
	}

	frame, err := EncodeChunk(in)
	require.NoError(t, err)

	rec, err := ReadRecord(bytes.NewReader(frame))
	require.NoError(t, err)
	out, ok := rec.(*FileChunk)
	require.True(t, ok, "expected *FileChunk, got %T", rec)
	require.Equal(t, in, out)
	require.True(t, out.IsLast())
}

func TestReadRecordSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{Kind: KindFileRequest, Content: "a.bin"}))
	require.NoError(t, WriteChunk(&buf, &FileChunk{Filename: "a.bin", Total: 1}))
	require.NoError(t, WriteMessage(&buf, &Message{Kind: KindQuit}))

	first, err := ReadRecord(&buf)
	require.NoError(t, err)
	require.Equal(t, RecordMessage, first.RecordType())

	second, err := ReadRecord(&buf)
	require.NoError(t, err)
	require.Equal(t, RecordChunk, second.RecordType())

	third, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, KindQuit, third.Kind)

	_, err = ReadRecord(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadRecordTruncated(t *testing.T) {
	frame, err := EncodeMessage(&Message{Kind: KindText, Content: "hello there"})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty stream", data: nil, want: io.EOF},
		{name: "partial header", data: frame[:3], want: io.ErrUnexpectedEOF},
		{name: "partial body", data: frame[:len(frame)-2], want: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRecord(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadRecordRejectsBadHeaders(t *testing.T) {
	frame, err := EncodeMessage(&Message{Kind: KindListRooms})
	require.NoError(t, err)

	badVersion := append([]byte(nil), frame...)
	badVersion[0] = 9
	_, err = ReadRecord(bytes.NewReader(badVersion))
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	badType := append([]byte(nil), frame...)
	badType[1] = 42
	_, err = ReadRecord(bytes.NewReader(badType))
	require.ErrorIs(t, err, ErrUnknownRecord)

	huge := []byte{Version, byte(RecordMessage), 0xff, 0xff, 0xff, 0xff}
	_, err = ReadRecord(bytes.NewReader(huge))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadMessageRejectsChunk(t *testing.T) {
	frame, err := EncodeChunk(&FileChunk{Filename: "x", Total: 1})
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(frame))
	require.ErrorIs(t, err, ErrUnexpectedRecord)
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	_, err := EncodeMessage(&Message{Kind: KindJoin, SenderName: strings.Repeat("n", MaxNameLen+1)})
	require.ErrorIs(t, err, ErrFieldTooLong)

	_, err = EncodeChunk(&FileChunk{Data: make([]byte, ChunkSize+1)})
	require.ErrorIs(t, err, ErrFieldTooLong)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	body := protowire.AppendTag(nil, msgKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(KindText))
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendString(body, "from a newer peer")
	body = appendString(body, msgContent, "hi")

	frame := append(make([]byte, HeaderSize), body...)
	frame, err := finishFrame(frame, RecordMessage)
	require.NoError(t, err)

	m, err := ReadMessage(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, KindText, m.Kind)
	require.Equal(t, "hi", m.Content)
}

func TestDecodeRejectsWrongWireType(t *testing.T) {
	body := protowire.AppendTag(nil, msgKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(KindText))
	body = protowire.AppendTag(body, msgRoomID, protowire.VarintType)
	body = protowire.AppendVarint(body, 5)

	frame, err := finishFrame(append(make([]byte, HeaderSize), body...), RecordMessage)
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(frame))
	require.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	frame, err := EncodeMessage(&Message{Kind: Kind(200)})
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(frame))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsOversizedKind(t *testing.T) {
	// 257 would wrap to join if narrowed before validation.
	for _, v := range []uint64{257, 1 << 40} {
		body := protowire.AppendTag(nil, msgKind, protowire.VarintType)
		body = protowire.AppendVarint(body, v)

		frame, err := finishFrame(append(make([]byte, HeaderSize), body...), RecordMessage)
		require.NoError(t, err)

		m, err := ReadMessage(bytes.NewReader(frame))
		require.ErrorIs(t, err, ErrMalformed, "kind %d", v)
		require.Nil(t, m)
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size int64
		want uint32
	}{
		{0, 1},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{10 * ChunkSize, 10},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ChunkCount(tt.size), "size %d", tt.size)
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "room-key", KindRoomKey.String())
	require.Equal(t, "kind(250)", Kind(250).String())
	require.False(t, Kind(0).Valid())
	require.True(t, KindFileAccepted.Valid())
}
