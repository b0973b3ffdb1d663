// Package wsconn presents a WebSocket connection as a byte stream, so relay
// frames can travel over the HTTP gateway exactly as they do over TCP.
package wsconn

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// Stream reads and writes binary WebSocket messages as a continuous byte
// stream. Each Write is sent as one message; text messages are skipped on
// read. Only one goroutine may Write at a time.
type Stream struct {
	conn   *websocket.Conn
	reader io.Reader
}

// New wraps conn.
func New(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetWriteDeadline bounds the next Write.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close sends a normal closure and closes the connection.
func (s *Stream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
