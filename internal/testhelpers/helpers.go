// Package testhelpers provides common utilities for exercising a running
// relay in tests: starting servers on loopback, connecting clients and
// asserting on the records they receive.
package testhelpers

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/client"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/server"
)

// EventTimeout bounds every wait for a record in these helpers.
const EventTimeout = 3 * time.Second

// TestConfig returns a configuration suited to tests: loopback addresses
// and a rate limit loose enough not to interfere.
func TestConfig() *server.Config {
	cfg := server.NewConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.RateLimit.Burst = 1000
	return cfg
}

// StartRelay serves a new relay on a loopback port and shuts it down when
// the test ends. A nil cfg uses TestConfig.
func StartRelay(t *testing.T, cfg *server.Config, opts ...server.Option) (*server.Server, string) {
	t.Helper()

	if cfg == nil {
		cfg = TestConfig()
	}
	srv := server.New(cfg, opts...)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		_ = srv.Shutdown(5 * time.Second)
	})

	return srv, l.Addr().String()
}

// Dial connects a client to addr and closes it when the test ends.
func Dial(t *testing.T, addr string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), EventTimeout)
	defer cancel()

	c, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// DialNamed connects and joins as name, consuming the welcome.
func DialNamed(t *testing.T, addr, name string) *client.Client {
	t.Helper()

	c := Dial(t, addr)
	require.NoError(t, c.Join(name))
	Expect(t, c, protocol.KindWelcome)
	return c
}

// CreateRoom creates a room through c and returns its id.
func CreateRoom(t *testing.T, c *client.Client, name string) uint32 {
	t.Helper()

	require.NoError(t, c.CreateRoom(name))
	msg := Expect(t, c, protocol.KindRoomCreated)
	require.Equal(t, name, msg.Content)
	return msg.RoomID
}

// JoinRoom moves c into room id and consumes the room-joined reply.
func JoinRoom(t *testing.T, c *client.Client, id uint32) {
	t.Helper()

	require.NoError(t, c.JoinRoom(id))
	msg := Expect(t, c, protocol.KindRoomJoined)
	require.Equal(t, id, msg.RoomID)
}

// Next returns the next event from c or fails the test.
func Next(t *testing.T, c *client.Client) client.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), EventTimeout)
	defer cancel()

	ev, err := c.Next(ctx)
	require.NoError(t, err)
	return ev
}

// Expect requires the next event from c to be a message of kind.
func Expect(t *testing.T, c *client.Client, kind protocol.Kind) *protocol.Message {
	t.Helper()

	ev := Next(t, c)
	require.NotNil(t, ev.Message, "expected %s, got a file chunk", kind)
	require.Equal(t, kind, ev.Message.Kind, "unexpected message: %q", ev.Message.Content)
	return ev.Message
}

// ExpectEvent requires the next event from c to be a message of kind and
// returns the whole event.
func ExpectEvent(t *testing.T, c *client.Client, kind protocol.Kind) client.Event {
	t.Helper()

	ev := Next(t, c)
	require.NotNil(t, ev.Message, "expected %s, got a file chunk", kind)
	require.Equal(t, kind, ev.Message.Kind, "unexpected message: %q", ev.Message.Content)
	return ev
}

// ExpectChunk requires the next event from c to be a file chunk.
func ExpectChunk(t *testing.T, c *client.Client) *protocol.FileChunk {
	t.Helper()

	ev := Next(t, c)
	if ev.Message != nil {
		t.Fatalf("expected a file chunk, got %s %q", ev.Message.Kind, ev.Message.Content)
	}
	return ev.Chunk
}

// ExpectSilence requires that c receives nothing for d.
func ExpectSilence(t *testing.T, c *client.Client, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	ev, err := c.Next(ctx)
	if err == nil {
		if ev.Message != nil {
			t.Fatalf("expected no traffic, got %s %q", ev.Message.Kind, ev.Message.Content)
		}
		t.Fatalf("expected no traffic, got chunk %d of %s", ev.Chunk.Index, ev.Chunk.Filename)
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// ExpectClosed requires the server to close c's connection.
func ExpectClosed(t *testing.T, c *client.Client) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(EventTimeout):
		t.Fatal("connection was not closed")
	}
}

// Eventually retries cond until it holds or the event timeout passes.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, EventTimeout, 10*time.Millisecond, msgAndArgs...)
}

// ConnectWebSocket dials the gateway at url with origin set.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	httpClient := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
