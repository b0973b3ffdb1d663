package server

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server ties the registries, the encryption manager and the relay workers
// to the TCP listener and the optional HTTP gateway.
type Server struct {
	cfg     Config
	hub     *Hub
	rooms   *RoomRegistry
	enc     *EncryptionManager
	relays  *RelayManager
	origins *originPolicy

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	closing    bool
}

// Option customises a Server built by New.
type Option func(*Server)

// WithKeyGenerator replaces the source of room key material.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(s *Server) {
		s.enc = NewEncryptionManager(gen)
	}
}

// New builds a Server from cfg. A nil cfg uses the defaults.
func New(cfg *Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := sanitizeConfig(*cfg)

	rooms := NewRoomRegistry(c)
	s := &Server{
		cfg:     c,
		hub:     NewHub(c),
		rooms:   rooms,
		enc:     NewEncryptionManager(nil),
		relays:  NewRelayManager(rooms),
		origins: newOriginPolicy(c.AllowedOrigins),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the sanitized configuration the server runs with.
func (s *Server) Config() Config { return s.cfg }

// Hub returns the connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// Rooms returns the room registry.
func (s *Server) Rooms() *RoomRegistry { return s.rooms }

// Relays returns the file relay supervisor.
func (s *Server) Relays() *RelayManager { return s.relays }

// HandleStream serves one connection until it quits or fails. It blocks.
func (s *Server) HandleStream(transport io.ReadWriteCloser, addr string) {
	client, err := s.hub.Register(transport, addr)
	if err != nil {
		_ = client.Send(&protocol.Message{
			Kind:       protocol.KindError,
			SenderName: serverName,
			Content:    err.Error(),
			Timestamp:  time.Now(),
		})
		client.CloseAfterFlush()
		return
	}

	newSession(s, client).run()
}

// Serve accepts connections on l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = l.Close()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	log.Printf("Relay listening on %s", l.Addr())

	var retry time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosing() {
				return nil
			}
			retry = nextAcceptDelay(retry)
			log.Printf("Failed to accept connection: %v; retrying in %v", err, retry)
			time.Sleep(retry)
			continue
		}
		retry = 0

		s.hub.Track(func() {
			s.HandleStream(conn, conn.RemoteAddr().String())
		})
	}
}

// nextAcceptDelay doubles the pause after a failed Accept, from
// minAcceptDelay up to maxAcceptDelay.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(2*prev, maxAcceptDelay)
}

// ListenAndServe listens on the configured TCP address and serves it.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// ListenAndServeHTTP runs the health, stats and WebSocket gateway endpoints
// on the configured HTTP address. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) ListenAndServeHTTP() error {
	if s.cfg.HTTPAddr == "" {
		return nil
	}

	hs := CreateServer(s.cfg.HTTPAddr, s.Routes())
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = hs
	s.mu.Unlock()

	return StartServer(hs)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, cancels every relay worker and closes every
// connection, waiting up to timeout for their goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closing = true
	l := s.listener
	hs := s.httpServer
	s.mu.Unlock()

	var errs []error
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if hs != nil {
		if err := ShutdownServer(hs, timeout); err != nil {
			errs = append(errs, err)
		}
	}

	s.relays.Shutdown()

	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
