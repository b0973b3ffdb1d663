package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/crypto"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// pipe returns a client and the server end of its connection.
func pipe(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := New(local)
	t.Cleanup(func() {
		_ = c.Close()
		_ = remote.Close()
	})
	return c, remote
}

func next(t *testing.T, c *Client) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := c.Next(ctx)
	require.NoError(t, err)
	return ev
}

func serverWrite(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(conn, msg))
}

func serverRead(t *testing.T, conn net.Conn) protocol.Record {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	rec, err := protocol.ReadRecord(conn)
	require.NoError(t, err)
	return rec
}

func testKey(t *testing.T) crypto.KeyMaterial {
	t.Helper()
	km, err := crypto.GenerateKeyMaterial()
	require.NoError(t, err)
	return km
}

func TestClientTracksIdentityAndRoom(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindWelcome, SenderID: 42})
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindRoomJoined, RoomID: 3})
	}()

	require.Equal(t, protocol.KindWelcome, next(t, c).Message.Kind)
	require.Equal(t, uint32(42), c.ID())
	require.Equal(t, protocol.KindRoomJoined, next(t, c).Message.Kind)
	require.Equal(t, uint32(3), c.RoomID())

	go func() {
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindRoomLeft, RoomID: 3})
	}()
	require.Equal(t, protocol.KindRoomLeft, next(t, c).Message.Kind)
	require.Zero(t, c.RoomID())
}

func TestClientSendPlainAndEncrypted(t *testing.T) {
	c, srv := pipe(t)
	km := testKey(t)

	go func() {
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindRoomJoined, RoomID: 7})
	}()
	next(t, c)

	done := make(chan error, 1)
	go func() { done <- c.Send("plain") }()
	msg := serverRead(t, srv).(*protocol.Message)
	require.NoError(t, <-done)
	require.Equal(t, protocol.KindText, msg.Kind)
	require.Equal(t, "plain", msg.Content)
	require.False(t, msg.Encrypted)

	go func() {
		_ = protocol.WriteMessage(srv, &protocol.Message{
			Kind: protocol.KindRoomKey, RoomID: 7, KeyHex: km.KeyHex(), IVHex: km.IVHex(),
		})
	}()
	next(t, c)
	stored, ok := c.RoomKey(7)
	require.True(t, ok)
	require.Equal(t, km, stored)

	go func() { done <- c.Send("hidden") }()
	msg = serverRead(t, srv).(*protocol.Message)
	require.NoError(t, <-done)
	require.True(t, msg.Encrypted)
	require.Empty(t, msg.Content)

	pt, err := crypto.Decrypt(msg.Ciphertext, km)
	require.NoError(t, err)
	require.Equal(t, "hidden", string(pt))
}

func TestClientDecryptsBroadcasts(t *testing.T) {
	c, srv := pipe(t)
	km := testKey(t)
	ct, err := crypto.Encrypt([]byte("psst"), km)
	require.NoError(t, err)

	go func() {
		// Before the key arrives the ciphertext cannot be read.
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindBroadcast, RoomID: 1, Encrypted: true, Ciphertext: ct})
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindRoomKey, RoomID: 1, KeyHex: km.KeyHex(), IVHex: km.IVHex()})
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindBroadcast, RoomID: 1, Encrypted: true, Ciphertext: ct})
		_ = protocol.WriteMessage(srv, &protocol.Message{Kind: protocol.KindBroadcast, RoomID: 1, Content: "clear"})
	}()

	ev := next(t, c)
	require.Error(t, ev.DecryptErr)
	require.Empty(t, ev.Plaintext)

	next(t, c)

	ev = next(t, c)
	require.NoError(t, ev.DecryptErr)
	require.Equal(t, "psst", ev.Plaintext)

	ev = next(t, c)
	require.Empty(t, ev.Plaintext)
	require.Equal(t, "clear", ev.Message.Content)
}

func TestClientSendFile(t *testing.T) {
	c, srv := pipe(t)
	data := bytes.Repeat([]byte("abcdefgh"), protocol.ChunkSize/4)

	errc := make(chan error, 1)
	go func() {
		errc <- c.SendFile(context.Background(), "/tmp/data.bin", bytes.NewReader(data), int64(len(data)))
	}()

	req := serverRead(t, srv).(*protocol.Message)
	require.Equal(t, protocol.KindFileRequest, req.Kind)
	require.Equal(t, "/tmp/data.bin", req.Content)
	serverWrite(t, srv, &protocol.Message{Kind: protocol.KindFileAccepted, Content: "data.bin"})

	asm := NewFileAssembler()
	var file *File
	for i := uint32(0); i < 2; i++ {
		chunk := serverRead(t, srv).(*protocol.FileChunk)
		require.Equal(t, i, chunk.Index)
		require.Equal(t, uint32(2), chunk.Total)
		require.Equal(t, "data.bin", chunk.Filename)
		var err error
		file, err = asm.Add(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, <-errc)
	require.NotNil(t, file)
	require.Equal(t, data, file.Data)

	// The acknowledgement is still delivered as an event.
	require.Equal(t, protocol.KindFileAccepted, next(t, c).Message.Kind)
}

func TestClientSendFileRejected(t *testing.T) {
	c, srv := pipe(t)

	errc := make(chan error, 1)
	go func() {
		errc <- c.SendFile(context.Background(), "x.txt", bytes.NewReader(nil), 0)
	}()

	serverRead(t, srv)
	serverWrite(t, srv, &protocol.Message{
		Kind:    protocol.KindError,
		Content: protocol.RejectFile("x.txt", errors.New("you have not joined a room")).Error(),
	})

	err := <-errc
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "not joined")
}

func TestClientSendFileIgnoresUnrelatedErrors(t *testing.T) {
	c, srv := pipe(t)

	errc := make(chan error, 1)
	go func() {
		errc <- c.SendFile(context.Background(), "notes.txt", bytes.NewReader(nil), 0)
	}()

	serverRead(t, srv)
	serverWrite(t, srv, &protocol.Message{Kind: protocol.KindError, Content: "rate limit exceeded, message discarded, retry in 80ms"})
	serverWrite(t, srv, &protocol.Message{Kind: protocol.KindError, Content: protocol.RejectFile("other.txt", errors.New("no")).Error()})
	serverWrite(t, srv, &protocol.Message{Kind: protocol.KindFileAccepted, Content: "notes.txt"})

	chunk := serverRead(t, srv).(*protocol.FileChunk)
	require.Equal(t, "notes.txt", chunk.Filename)
	require.True(t, chunk.IsLast())
	require.NoError(t, <-errc)

	// Both errors still reach the caller as events.
	require.Equal(t, protocol.KindError, next(t, c).Message.Kind)
	require.Equal(t, protocol.KindError, next(t, c).Message.Kind)
}

func TestClientSendFileNameTooLong(t *testing.T) {
	c, _ := pipe(t)
	err := c.SendFile(context.Background(), strings.Repeat("n", protocol.MaxFilenameLen+1), bytes.NewReader(nil), 0)
	require.ErrorIs(t, err, ErrFilenameTooLong)
}

func TestClientSendFileShortReader(t *testing.T) {
	c, srv := pipe(t)

	errc := make(chan error, 1)
	go func() {
		errc <- c.SendFile(context.Background(), "short.bin", bytes.NewReader([]byte("abc")), 10)
	}()

	serverRead(t, srv)
	serverWrite(t, srv, &protocol.Message{Kind: protocol.KindFileAccepted, Content: "short.bin"})
	require.Error(t, <-errc)
}

func TestClientNextAfterClose(t *testing.T) {
	c, srv := pipe(t)
	require.NoError(t, srv.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}

	_, err := c.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
