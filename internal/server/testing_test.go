package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// pipeClient registers one end of a net.Pipe with h and returns the
// client and the peer end the test reads from.
func pipeClient(t *testing.T, h *Hub) (*Client, net.Conn) {
	t.Helper()

	local, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })

	c, err := h.Register(local, "pipe")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, peer
}

func readMessage(t *testing.T, r net.Conn) *protocol.Message {
	t.Helper()

	require.NoError(t, r.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := protocol.ReadMessage(r)
	require.NoError(t, err)
	return msg
}

// gatedTransport blocks every Write until it is closed and reports each
// Write that starts.
type gatedTransport struct {
	entered chan struct{}
	closed  chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{entered: make(chan struct{}, 16), closed: make(chan struct{})}
}

func (g *gatedTransport) Read([]byte) (int, error) {
	<-g.closed
	return 0, io.EOF
}

func (g *gatedTransport) Write(p []byte) (int, error) {
	g.entered <- struct{}{}
	<-g.closed
	return 0, io.ErrClosedPipe
}

func (g *gatedTransport) Close() error {
	select {
	case <-g.closed:
	default:
		close(g.closed)
	}
	return nil
}

// valveTransport holds every Write until release is called and then
// records what was written.
type valveTransport struct {
	open      chan struct{}
	closed    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	buf bytes.Buffer
}

func newValveTransport() *valveTransport {
	return &valveTransport{open: make(chan struct{}), closed: make(chan struct{})}
}

func (v *valveTransport) release() { v.openOnce.Do(func() { close(v.open) }) }

func (v *valveTransport) Read([]byte) (int, error) {
	<-v.closed
	return 0, io.EOF
}

func (v *valveTransport) Write(p []byte) (int, error) {
	select {
	case <-v.open:
	case <-v.closed:
		return 0, io.ErrClosedPipe
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.Write(p)
}

func (v *valveTransport) Close() error {
	v.closeOnce.Do(func() { close(v.closed) })
	return nil
}

// records decodes everything written so far.
func (v *valveTransport) records(t *testing.T) []protocol.Record {
	t.Helper()

	v.mu.Lock()
	r := bytes.NewReader(append([]byte(nil), v.buf.Bytes()...))
	v.mu.Unlock()

	var out []protocol.Record
	for {
		rec, err := protocol.ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}
