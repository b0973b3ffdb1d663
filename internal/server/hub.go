// Package server coordinates client registration and connection cleanup for
// the relay via the Hub type, the registry of live connections.
package server

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

// Hub owns the set of active connections. A single mutex guards the set;
// per-connection state lives on the Client itself.
type Hub struct {
	mu         sync.RWMutex
	clients    map[uint32]*Client
	nextID     uint32
	maxClients int
	queueSize  int
	writeTO    time.Duration

	wg sync.WaitGroup
}

// NewHub creates an empty registry using cfg's connection limits.
func NewHub(cfg Config) *Hub {
	cfg = sanitizeConfig(cfg)
	return &Hub{
		clients:    make(map[uint32]*Client),
		maxClients: cfg.MaxConnections,
		queueSize:  cfg.SendQueueSize,
		writeTO:    cfg.WriteTimeout,
	}
}

// Register adds a new connection and starts its write pump. When the hub
// is full the client is still returned, together with ErrServerFull, so
// the caller can tell it why before closing it.
func (h *Hub) Register(transport io.ReadWriteCloser, addr string) (*Client, error) {
	h.mu.Lock()
	h.nextID++
	client := NewClient(h.nextID, transport, addr, h.queueSize, h.writeTO)
	full := len(h.clients) >= h.maxClients
	if !full {
		h.clients[client.id] = client
	}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()

	if full {
		log.Printf("Rejected connection from %s: %d clients connected", addr, clientCount)
		return client, ErrServerFull
	}

	log.Printf("Client %d registered from %s. Total clients: %d", client.id, addr, clientCount)
	return client, nil
}

// Unregister removes client from the set. It is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	delete(h.clients, client.id)
	clientCount := len(h.clients)
	h.mu.Unlock()

	if ok {
		log.Printf("Client %d unregistered from %s. Total clients: %d", client.id, client.addr, clientCount)
	}
}

// Track runs fn on its own goroutine and makes Shutdown wait for it.
func (h *Hub) Track(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Snapshot returns the registered clients ordered by id.
func (h *Hub) Snapshot() []ConnSummary {
	clients := h.getClientSnapshot()
	out := make([]ConnSummary, 0, len(clients))
	for _, client := range clients {
		out = append(out, client.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// shutdownClients closes all active client connections
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		client.Close()
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown closes every connection and waits for sessions and write pumps
// to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
