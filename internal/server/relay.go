package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// chunkBacklog is how many chunks the uploader's session may hand over
// before it waits for the relay to catch up.
const chunkBacklog = 16

// TransferSummary describes an active relay worker.
type TransferSummary struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	UploaderID uint32 `json:"uploader_id"`
	RoomID     uint32 `json:"room_id"`
	Relayed    uint32 `json:"chunks_relayed"`
}

// transfer is one file being streamed from an uploader to its room. The
// uploader's session hands chunks over with deliver; run forwards them.
type transfer struct {
	id       string
	filename string
	uploader *Client
	roomID   uint32
	rooms    *RoomRegistry

	chunks chan *protocol.FileChunk
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// release runs as the worker exits, before done is closed.
	release func()

	mu   sync.Mutex
	next uint32
}

func (t *transfer) summary() TransferSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransferSummary{
		ID:         t.id,
		Filename:   t.filename,
		UploaderID: t.uploader.ID(),
		RoomID:     t.roomID,
		Relayed:    t.next,
	}
}

// deliver hands c to the worker. It returns false once the worker has
// stopped.
func (t *transfer) deliver(c *protocol.FileChunk) bool {
	select {
	case <-t.done:
		return false
	default:
	}

	select {
	case t.chunks <- c:
		return true
	case <-t.done:
		return false
	case <-t.ctx.Done():
		return false
	}
}

// finished reports whether the worker has exited.
func (t *transfer) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// wait blocks until the worker has exited.
func (t *transfer) wait() {
	<-t.done
}

// stop cancels the worker and waits for it to exit and deregister.
func (t *transfer) stop() {
	t.cancel()
	<-t.done
}

func (t *transfer) run() {
	defer close(t.done)
	defer t.cancel()
	if t.release != nil {
		defer t.release()
	}

	for {
		select {
		case <-t.ctx.Done():
			log.Printf("[RELAY %s] Transfer of %q aborted after %d chunks", t.id, t.filename, t.relayed())
			return
		case c := <-t.chunks:
			if err := t.relay(c); err != nil {
				log.Printf("[RELAY %s] Transfer of %q aborted: %v", t.id, t.filename, err)
				return
			}
			if c.IsLast() {
				t.complete(c)
				return
			}
		}
	}
}

func (t *transfer) relayed() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// relay forwards one chunk to every current member except the uploader.
// Membership is looked up again for each chunk.
func (t *transfer) relay(c *protocol.FileChunk) error {
	t.mu.Lock()
	expected := t.next
	t.mu.Unlock()

	if c.Total == 0 {
		return fmt.Errorf("chunk %d declares zero total chunks", c.Index)
	}
	if c.Index != expected {
		return fmt.Errorf("chunk %d arrived, expected %d", c.Index, expected)
	}

	frame, err := protocol.EncodeChunk(c)
	if err != nil {
		return err
	}

	room, ok := t.rooms.Find(t.roomID)
	if !ok {
		return ErrRoomNotFound
	}

	for _, member := range room.Members() {
		if member.ID() == t.uploader.ID() {
			continue
		}
		if err := member.enqueueWait(t.ctx, frame); err != nil {
			if t.ctx.Err() != nil {
				return t.ctx.Err()
			}
			log.Printf("[RELAY %s] Skipping client %d: %v", t.id, member.ID(), err)
		}
	}

	t.mu.Lock()
	t.next++
	t.mu.Unlock()
	return nil
}

func (t *transfer) complete(c *protocol.FileChunk) {
	err := t.uploader.Send(&protocol.Message{
		Kind:       protocol.KindFileComplete,
		SenderName: serverName,
		RoomID:     t.roomID,
		Content:    fmt.Sprintf("File %s sent (%d chunks)", t.filename, c.Total),
		Timestamp:  time.Now(),
	})
	if err != nil {
		log.Printf("[RELAY %s] Could not confirm completion to client %d: %v", t.id, t.uploader.ID(), err)
		return
	}
	log.Printf("[RELAY %s] Transfer of %q complete: %d chunks", t.id, t.filename, c.Total)
}

// RelayManager supervises every running transfer worker.
type RelayManager struct {
	rooms *RoomRegistry

	mu        sync.Mutex
	transfers map[string]*transfer
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRelayManager creates a manager whose workers look rooms up in rooms.
func NewRelayManager(rooms *RoomRegistry) *RelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayManager{
		rooms:     rooms,
		transfers: make(map[string]*transfer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// start launches a worker relaying filename from uploader to room roomID.
func (rm *RelayManager) start(uploader *Client, roomID uint32, filename string) *transfer {
	ctx, cancel := context.WithCancel(rm.ctx)
	t := &transfer{
		id:       uuid.NewString(),
		filename: filename,
		uploader: uploader,
		roomID:   roomID,
		rooms:    rm.rooms,
		chunks:   make(chan *protocol.FileChunk, chunkBacklog),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	t.release = func() { rm.forget(t) }

	rm.mu.Lock()
	rm.transfers[t.id] = t
	rm.mu.Unlock()

	log.Printf("[RELAY %s] Client %d sending %q to room %d", t.id, uploader.ID(), filename, roomID)

	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()
		t.run()
	}()
	return t
}

func (rm *RelayManager) forget(t *transfer) {
	rm.mu.Lock()
	delete(rm.transfers, t.id)
	rm.mu.Unlock()
}

// Active returns the running transfers.
func (rm *RelayManager) Active() []TransferSummary {
	rm.mu.Lock()
	transfers := make([]*transfer, 0, len(rm.transfers))
	for _, t := range rm.transfers {
		transfers = append(transfers, t)
	}
	rm.mu.Unlock()

	out := make([]TransferSummary, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, t.summary())
	}
	return out
}

// Shutdown cancels every worker and waits for them to exit.
func (rm *RelayManager) Shutdown() {
	rm.cancel()
	rm.wg.Wait()
}
