// Package server exposes the HTTP side of the relay: the WebSocket gateway,
// the health check and the JSON stats endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/wsconn"
)

// StatsResponse is the body served by StatsHandler.
type StatsResponse struct {
	Connections int               `json:"connections"`
	Clients     []ConnSummary     `json:"clients"`
	Rooms       []RoomSummary     `json:"rooms"`
	Transfers   []TransferSummary `json:"transfers"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.check,
	}
}

// WebSocketHandler upgrades the request and serves the connection exactly
// like a TCP client. Each binary message carries whole relay frames.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(protocol.HeaderSize + protocol.MaxFrameSize)

	stream := wsconn.New(conn)
	s.hub.Track(func() {
		s.HandleStream(stream, r.RemoteAddr)
	})
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// StatsHandler reports live rooms, connections and file transfers as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clients := s.hub.Snapshot()
	resp := StatsResponse{
		Connections: len(clients),
		Clients:     clients,
		Rooms:       s.rooms.List(),
		Transfers:   s.relays.Active(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Error writing stats response: %v", err)
	}
}
