// Package client is a programmatic relay endpoint. It speaks the same frames
// as the server, keeps the room keys it is handed and decrypts encrypted
// room traffic before returning it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/crypto"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

const eventBuffer = 1024

var (
	// ErrClosed is returned once the connection has gone away.
	ErrClosed = errors.New("client closed")
	// ErrRejected wraps the server's reply when it refuses a request.
	ErrRejected = errors.New("request rejected")
	// ErrFilenameTooLong is returned by SendFile before anything is sent.
	ErrFilenameTooLong = errors.New("file name too long")
)

// Event is one record received from the server. Exactly one of Message and
// Chunk is set. For encrypted broadcasts Plaintext holds the decrypted text,
// or DecryptErr says why it could not be recovered.
type Event struct {
	Message    *protocol.Message
	Chunk      *protocol.FileChunk
	Plaintext  string
	DecryptErr error
}

// Client is one connection to the relay. Next must be called steadily
// while the client is in use; events are not dropped.
type Client struct {
	conn io.ReadWriteCloser

	wmu sync.Mutex

	mu     sync.Mutex
	id     uint32
	name   string
	roomID uint32
	keys   map[uint32]crypto.KeyMaterial
	acks   chan *protocol.Message
	ackFor string
	err    error

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a relay listening on addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established stream and starts reading from it.
func New(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:   conn,
		keys:   make(map[uint32]crypto.KeyMaterial),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID returns the connection id from the last welcome, or 0.
func (c *Client) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// RoomID returns the room the server last confirmed, or 0.
func (c *Client) RoomID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// RoomKey returns the key material received for room id.
func (c *Client) RoomKey(id uint32) (crypto.KeyMaterial, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	km, ok := c.keys[id]
	return km, ok
}

// Join sets the display name used for everything that follows.
func (c *Client) Join(name string) error {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
	return c.write(&protocol.Message{Kind: protocol.KindJoin, SenderName: name, Content: name})
}

// CreateRoom asks for a new room. The id arrives in a room-created event.
func (c *Client) CreateRoom(name string) error {
	return c.write(&protocol.Message{Kind: protocol.KindCreateRoom, Content: name})
}

// JoinRoom moves into room id, leaving the current room first.
func (c *Client) JoinRoom(id uint32) error {
	return c.write(&protocol.Message{Kind: protocol.KindJoinRoom, RoomID: id})
}

// LeaveRoom leaves the current room.
func (c *Client) LeaveRoom() error {
	return c.write(&protocol.Message{Kind: protocol.KindLeaveRoom})
}

// ListRooms requests the room listing.
func (c *Client) ListRooms() error {
	return c.write(&protocol.Message{Kind: protocol.KindListRooms})
}

// EnableEncryption turns encryption on for the current room.
func (c *Client) EnableEncryption() error {
	return c.write(&protocol.Message{Kind: protocol.KindEnableEncryption, RoomID: c.RoomID()})
}

// Send posts text to the current room, encrypted when the room has a key.
func (c *Client) Send(text string) error {
	c.mu.Lock()
	roomID := c.roomID
	name := c.name
	km, encrypted := c.keys[roomID]
	c.mu.Unlock()

	msg := &protocol.Message{
		Kind:       protocol.KindText,
		SenderName: name,
		RoomID:     roomID,
		Timestamp:  time.Now(),
	}
	if encrypted {
		ct, err := crypto.Encrypt([]byte(text), km)
		if err != nil {
			return fmt.Errorf("encrypt message: %w", err)
		}
		msg.Encrypted = true
		msg.Ciphertext = ct
	} else {
		msg.Content = text
	}
	return c.write(msg)
}

// SendFile announces filename to the current room, waits for the server to
// accept it and streams size bytes from r as chunks. Events that arrive
// meanwhile, including the acknowledgement, are still delivered by Next.
func (c *Client) SendFile(ctx context.Context, filename string, r io.Reader, size int64) error {
	if len(filename) > protocol.MaxFilenameLen {
		return ErrFilenameTooLong
	}

	acks := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.acks != nil {
		c.mu.Unlock()
		return errors.New("another file send is in progress")
	}
	c.acks = acks
	c.ackFor = filename
	name := c.name
	id := c.id
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.acks = nil
		c.ackFor = ""
		c.mu.Unlock()
	}()

	if err := c.write(&protocol.Message{Kind: protocol.KindFileRequest, SenderName: name, Content: filename}); err != nil {
		return err
	}

	select {
	case ack := <-acks:
		if ack.Kind == protocol.KindError {
			return fmt.Errorf("%w: %s", ErrRejected, ack.Content)
		}
		filename = ack.Content
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	total := protocol.ChunkCount(size)
	buf := make([]byte, protocol.ChunkSize)
	for i := uint32(0); i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := 0
		if size > 0 {
			want := protocol.ChunkSize
			if remaining := size - int64(i)*protocol.ChunkSize; remaining < int64(want) {
				want = int(remaining)
			}
			var err error
			n, err = io.ReadFull(r, buf[:want])
			if err != nil {
				return fmt.Errorf("read chunk %d of %s: %w", i, filename, err)
			}
		}

		err := c.writeChunk(&protocol.FileChunk{
			Filename:   filename,
			FileSize:   size,
			SenderID:   id,
			SenderName: name,
			Index:      i,
			Total:      total,
			Data:       buf[:n],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Quit tells the server to end the session and closes the connection.
func (c *Client) Quit() error {
	err := c.write(&protocol.Message{Kind: protocol.KindQuit})
	_ = c.Close()
	return err
}

// Close closes the connection without saying goodbye.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Next returns the next event, or the read error once the connection is
// gone and every buffered event has been consumed.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, c.closedErr()
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Done is closed when the read loop has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && !errors.Is(c.err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Client) write(msg *protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

func (c *Client) writeChunk(chunk *protocol.FileChunk) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteChunk(c.conn, chunk); err != nil {
		return fmt.Errorf("send chunk %d of %s: %w", chunk.Index, chunk.Filename, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		rec, err := protocol.ReadRecord(c.conn)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Relay connection read error: %v", err)
			}
			return
		}

		switch r := rec.(type) {
		case *protocol.Message:
			c.events <- c.observe(r)
		case *protocol.FileChunk:
			c.events <- Event{Chunk: r}
		}
	}
}

// observe updates local state from a server message and builds its event.
func (c *Client) observe(msg *protocol.Message) Event {
	ev := Event{Message: msg}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Kind {
	case protocol.KindWelcome:
		c.id = msg.SenderID
	case protocol.KindRoomJoined:
		c.roomID = msg.RoomID
	case protocol.KindRoomLeft:
		c.roomID = 0
	case protocol.KindRoomKey:
		km, err := crypto.ParseKeyMaterial(msg.KeyHex, msg.IVHex)
		if err != nil {
			log.Printf("Ignoring bad key material for room %d: %v", msg.RoomID, err)
			break
		}
		c.keys[msg.RoomID] = km
	case protocol.KindBroadcast:
		if msg.Encrypted {
			ev.Plaintext, ev.DecryptErr = c.decryptLocked(msg)
		}
	case protocol.KindFileAccepted:
		c.ackLocked(msg)
	case protocol.KindError:
		if c.acks != nil && protocol.IsFileRejection(msg.Content, c.ackFor) {
			c.ackLocked(msg)
		}
	}
	return ev
}

func (c *Client) ackLocked(msg *protocol.Message) {
	if c.acks == nil {
		return
	}
	select {
	case c.acks <- msg:
	default:
	}
}

func (c *Client) decryptLocked(msg *protocol.Message) (string, error) {
	km, ok := c.keys[msg.RoomID]
	if !ok {
		return "", fmt.Errorf("no key for room %d", msg.RoomID)
	}
	pt, err := crypto.Decrypt(msg.Ciphertext, km)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
