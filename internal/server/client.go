// Package server manages individual relay connections: the outbound queue
// and write pump, identity fields, and lifecycle control for each client.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// Client is one accepted connection. The session goroutine is the only
// reader of its transport; the write pump is the only writer, so whole
// frames never interleave no matter how many rooms or relays send to it.
type Client struct {
	id        uint32
	addr      string
	transport io.ReadWriteCloser
	reader    *bufio.Reader

	mu     sync.RWMutex
	name   string
	roomID uint32

	send         chan []byte
	files        chan []byte
	done         chan struct{}
	drain        chan struct{}
	closeOnce    sync.Once
	drainOnce    sync.Once
	writeTimeout time.Duration
}

// NewClient wraps transport. The caller must start writePump.
func NewClient(id uint32, transport io.ReadWriteCloser, addr string, queueSize int, writeTimeout time.Duration) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Client{
		id:           id,
		addr:         addr,
		transport:    transport,
		reader:       bufio.NewReader(transport),
		send:         make(chan []byte, queueSize),
		files:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		drain:        make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection id assigned at accept time.
func (c *Client) ID() uint32 { return c.id }

// Addr returns the remote address the connection came from.
func (c *Client) Addr() string { return c.addr }

// Name returns the display name, empty until the client joins.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// RoomID returns the id of the room the client is in, or 0.
func (c *Client) RoomID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) setRoomID(id uint32) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// Summary copies the client's identity fields.
func (c *Client) Summary() ConnSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnSummary{ID: c.id, Name: c.name, RoomID: c.roomID, Addr: c.addr}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send encodes msg and queues it without blocking.
func (c *Client) Send(msg *protocol.Message) error {
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// enqueue queues an encoded frame without blocking. A client whose queue is
// full is disconnected rather than allowed to stall the sender.
func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		log.Printf("Client %d (%s) send queue full; disconnecting", c.id, c.addr)
		c.Close()
		return ErrSlowConsumer
	}
}

// enqueueWait queues an encoded file chunk, waiting for room until ctx is
// done or the client closes. Chunks have their own queue, so a backlog of
// them never fills the queue enqueue uses.
func (c *Client) enqueueWait(ctx context.Context, frame []byte) error {
	select {
	case c.files <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump and closes the transport. Frames still queued
// are dropped.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection %d (%s): %v", c.id, c.addr, err)
		}
	})
}

// CloseAfterFlush lets the write pump finish the frames already queued and
// then closes the client.
func (c *Client) CloseAfterFlush() {
	c.drainOnce.Do(func() { close(c.drain) })
}

func (c *Client) readRecord() (protocol.Record, error) {
	return protocol.ReadRecord(c.reader)
}

// writePump writes queued frames until the client closes. Control frames
// go out ahead of any chunk already waiting.
func (c *Client) writePump() {
	defer c.Close()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
			continue
		default:
		}

		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		case frame := <-c.files:
			if !c.writeFrame(frame) {
				return
			}
		case <-c.drain:
			c.flushQueued()
			return
		case <-c.done:
			return
		}
	}
}

// flushQueued writes whatever is queued right now, control frames first.
func (c *Client) flushQueued() {
	for _, queue := range []chan []byte{c.send, c.files} {
		for pending := true; pending; {
			select {
			case frame := <-queue:
				if !c.writeFrame(frame) {
					return
				}
			default:
				pending = false
			}
		}
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (c *Client) writeFrame(frame []byte) bool {
	if d, ok := c.transport.(writeDeadliner); ok && c.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			log.Printf("Error setting write deadline for %s: %v", c.addr, err)
			return false
		}
	}

	if _, err := c.transport.Write(frame); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing to client %d (%s): %v", c.id, c.addr, err)
		}
		return false
	}
	return true
}

// handleReadError logs a receive failure at the level it deserves.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		log.Printf("Client %d (%s) disconnected", c.id, c.addr)
	case errors.Is(err, io.ErrUnexpectedEOF):
		log.Printf("Client %d (%s) closed the connection mid-record", c.id, c.addr)
	case errors.Is(err, protocol.ErrUnsupportedVersion),
		errors.Is(err, protocol.ErrUnknownRecord),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, protocol.ErrFieldTooLong):
		log.Printf("Client %d (%s) sent an undecodable record: %v", c.id, c.addr, err)
	case isExpectedCloseError(err):
		log.Printf("Client %d (%s) connection closed: %v", c.id, c.addr, err)
	default:
		log.Printf("Read error from client %d (%s): %v", c.id, c.addr, err)
	}
}
