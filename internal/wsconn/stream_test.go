package wsconn

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer sends a text message, then echoes binary messages back
// through a Stream.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
			return
		}
		s := New(conn)
		defer s.Close()
		_, _ = io.Copy(s, s)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *Stream {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	s := New(conn)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamRoundTrip(t *testing.T) {
	s := dial(t, echoServer(t))

	_, err := s.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = s.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))
}

func TestStreamReadsAcrossMessages(t *testing.T) {
	s := dial(t, echoServer(t))

	_, err := s.Write([]byte("abcdef"))
	require.NoError(t, err)

	small := make([]byte, 4)
	n, err := s.Read(small)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(small[:n]))

	_, err = s.Write([]byte("gh"))
	require.NoError(t, err)

	rest := make([]byte, 4)
	_, err = io.ReadFull(s, rest)
	require.NoError(t, err)
	require.Equal(t, "efgh", string(rest))
}

func TestStreamCloseIsEOF(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = New(conn).Close()
	}))
	defer ts.Close()

	s := dial(t, ts)
	_, err := s.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}
