package server

import (
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/Tyrowin/roomrelay/internal/crypto"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// serverName is the sender name on every server-originated message.
const serverName = "SERVER"

type handlerFunc func(s *session, msg *protocol.Message) error

// handlers maps each client request kind to its handler. quit is handled
// by the receive loop itself.
var handlers = map[protocol.Kind]handlerFunc{
	protocol.KindJoin:             (*session).handleJoin,
	protocol.KindCreateRoom:       (*session).handleCreateRoom,
	protocol.KindJoinRoom:         (*session).handleJoinRoom,
	protocol.KindLeaveRoom:        (*session).handleLeaveRoom,
	protocol.KindText:             (*session).handleText,
	protocol.KindListRooms:        (*session).handleListRooms,
	protocol.KindEnableEncryption: (*session).handleEnableEncryption,
	protocol.KindFileRequest:      (*session).handleFileRequest,
}

// session runs the receive loop for one client. Its fields are only
// touched from that loop, so they need no lock.
type session struct {
	srv    *Server
	client *Client

	named   bool
	room    *Room
	limiter *rateLimiter

	// upload is the transfer this client is sending, if any. sealed is
	// set once its last chunk has been handed over.
	upload *transfer
	sealed bool
}

func newSession(srv *Server, client *Client) *session {
	return &session{
		srv:     srv,
		client:  client,
		limiter: newRateLimiter(srv.cfg.RateLimit),
	}
}

func (s *session) run() {
	defer s.cleanup()

	for {
		rec, err := s.client.readRecord()
		if err != nil {
			s.client.handleReadError(err)
			return
		}

		switch r := rec.(type) {
		case *protocol.Message:
			if r.Kind == protocol.KindQuit {
				log.Printf("Client %d (%s) quit", s.client.id, s.client.Name())
				return
			}
			s.dispatch(r)
		case *protocol.FileChunk:
			s.routeChunk(r)
		}
	}
}

func (s *session) dispatch(msg *protocol.Message) {
	handler, ok := handlers[msg.Kind]
	if !ok {
		s.replyError(fmt.Errorf("%w: %s", ErrUnsupportedKind, msg.Kind))
		return
	}
	if err := handler(s, msg); err != nil {
		s.replyError(err)
	}
}

// cleanup is shared by quit and every receive failure.
func (s *session) cleanup() {
	s.leaveRoom()
	s.stopUpload()
	s.srv.hub.Unregister(s.client)
	s.client.CloseAfterFlush()
}

func (s *session) reply(msg *protocol.Message) {
	if msg.SenderName == "" {
		msg.SenderName = serverName
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := s.client.Send(msg); err != nil {
		log.Printf("Could not reply %s to client %d: %v", msg.Kind, s.client.id, err)
	}
}

func (s *session) replyError(err error) {
	var roomID uint32
	if s.room != nil {
		roomID = s.room.ID()
	}
	s.reply(&protocol.Message{Kind: protocol.KindError, Content: err.Error(), RoomID: roomID})
}

func (s *session) handleJoin(msg *protocol.Message) error {
	name := strings.TrimSpace(msg.SenderName)
	if name == "" {
		name = strings.TrimSpace(msg.Content)
	}
	if name == "" || len(name) > protocol.MaxNameLen {
		return ErrInvalidName
	}
	if s.named && !s.srv.cfg.AllowRename {
		return ErrAlreadyJoined
	}

	if old := s.client.Name(); old != "" && old != name {
		log.Printf("Client %d renamed %q -> %q", s.client.id, old, name)
	}
	s.client.setName(name)
	s.named = true

	s.reply(&protocol.Message{
		Kind:     protocol.KindWelcome,
		SenderID: s.client.id,
		Content:  fmt.Sprintf("Welcome to the chat server, %s!", name),
	})
	return nil
}

func (s *session) handleCreateRoom(msg *protocol.Message) error {
	room, err := s.srv.rooms.Create(msg.Content)
	if err != nil {
		return err
	}

	s.reply(&protocol.Message{
		Kind:    protocol.KindRoomCreated,
		Content: room.Name(),
		RoomID:  room.ID(),
	})
	return nil
}

func (s *session) handleJoinRoom(msg *protocol.Message) error {
	if !s.named {
		return ErrNotAuthenticated
	}
	if s.room != nil && s.room.ID() == msg.RoomID {
		return ErrAlreadyInRoom
	}

	s.leaveRoom()

	name := s.client.Name()
	room, err := s.srv.rooms.AddMember(msg.RoomID, s.client, func(room *Room, key *crypto.KeyMaterial) {
		now := time.Now()
		if key != nil {
			s.reply(roomKeyMessage(room, *key, now))
		}
		s.reply(&protocol.Message{
			Kind:      protocol.KindRoomJoined,
			Content:   room.Name(),
			RoomID:    room.ID(),
			Timestamp: now,
		})
	})
	if err != nil {
		return err
	}
	s.room = room

	room.Broadcast(&protocol.Message{
		Kind:       protocol.KindBroadcast,
		SenderName: serverName,
		SenderID:   s.client.id,
		Content:    fmt.Sprintf("%s joined the room", name),
		RoomID:     room.ID(),
		Timestamp:  time.Now(),
	}, s.client)
	return nil
}

func (s *session) handleLeaveRoom(_ *protocol.Message) error {
	if s.room == nil {
		return nil
	}

	room := s.room
	s.leaveRoom()

	s.reply(&protocol.Message{
		Kind:    protocol.KindRoomLeft,
		Content: fmt.Sprintf("You left room %s", room.Name()),
		RoomID:  room.ID(),
	})
	return nil
}

// leaveRoom removes the client from its current room, if any, and tells
// the remaining members. Any upload into that room is cancelled.
func (s *session) leaveRoom() {
	room := s.room
	if room == nil {
		return
	}

	s.stopUpload()
	s.srv.rooms.RemoveMember(room.ID(), s.client)
	s.room = nil

	room.Broadcast(&protocol.Message{
		Kind:       protocol.KindBroadcast,
		SenderName: serverName,
		SenderID:   s.client.id,
		Content:    fmt.Sprintf("%s left the room", s.client.Name()),
		RoomID:     room.ID(),
		Timestamp:  time.Now(),
	}, s.client)
}

func (s *session) handleEnableEncryption(_ *protocol.Message) error {
	if s.room == nil {
		return ErrNotInRoom
	}
	return s.srv.enc.Enable(s.room, s.client)
}

// handleText relays a chat message to the rest of the room. Encrypted
// content is forwarded as-is; the server cannot read it.
func (s *session) handleText(msg *protocol.Message) error {
	if s.room == nil {
		return ErrNotInRoom
	}
	if ok, wait := s.limiter.allow(); !ok {
		log.Printf("Rate limit exceeded for client %d (%d messages per %s); discarding message",
			s.client.id, s.srv.cfg.RateLimit.Burst, s.srv.cfg.RateLimit.RefillInterval)
		return fmt.Errorf("%w, retry in %s", ErrRateLimited, wait)
	}
	if msg.Encrypted && len(msg.Ciphertext) == 0 {
		return ErrMissingCiphertext
	}

	out := &protocol.Message{
		Kind:       protocol.KindBroadcast,
		SenderName: s.client.Name(),
		SenderID:   s.client.id,
		RoomID:     s.room.ID(),
		Timestamp:  time.Now(),
		Encrypted:  msg.Encrypted,
	}
	if msg.Encrypted {
		out.Ciphertext = msg.Ciphertext
	} else {
		out.Content = msg.Content
	}

	s.room.Broadcast(out, s.client)
	return nil
}

func (s *session) handleListRooms(_ *protocol.Message) error {
	s.reply(&protocol.Message{
		Kind:    protocol.KindRoomList,
		Content: formatRoomList(s.srv.rooms.List()),
	})
	return nil
}

// formatRoomList renders one line per room, trimmed to what fits in a
// single message.
func formatRoomList(rooms []RoomSummary) string {
	if len(rooms) == 0 {
		return "No rooms available"
	}

	var b strings.Builder
	for _, r := range rooms {
		line := fmt.Sprintf("ID:%d Name:%s Members:%d", r.ID, r.Name, r.Members)
		if r.Encrypted {
			line += " [encrypted]"
		}
		line += "\n"
		if b.Len()+len(line) > protocol.MaxContentLen {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// handleFileRequest starts relaying a file to the room. A refusal names
// the file as requested so the sender can tell it from other errors.
func (s *session) handleFileRequest(msg *protocol.Message) error {
	err := s.startUpload(msg.Content)
	if err == nil {
		return nil
	}
	rejected := protocol.RejectFile(msg.Content, err)
	if len(rejected.Error()) > protocol.MaxContentLen {
		return err
	}
	return rejected
}

func (s *session) startUpload(requested string) error {
	if s.room == nil {
		return ErrNotInRoom
	}
	if s.upload != nil {
		if !s.sealed && !s.upload.finished() {
			return ErrTransferInProgress
		}
		// The previous file is fully received. Its worker finishes
		// relaying before the next file is announced.
		s.upload.wait()
		s.upload = nil
	}

	filename := baseName(requested)
	if filename == "" || len(filename) > protocol.MaxFilenameLen {
		return ErrFilenameRequired
	}

	name := s.client.Name()
	s.room.Broadcast(&protocol.Message{
		Kind:       protocol.KindFileNotification,
		SenderName: name,
		SenderID:   s.client.id,
		Content:    fmt.Sprintf("%s is sending %s", name, filename),
		RoomID:     s.room.ID(),
		Timestamp:  time.Now(),
	}, s.client)

	s.upload = s.srv.relays.start(s.client, s.room.ID(), filename)
	s.sealed = false

	s.reply(&protocol.Message{
		Kind:    protocol.KindFileAccepted,
		Content: filename,
		RoomID:  s.room.ID(),
	})
	return nil
}

// routeChunk hands a chunk from this client to its upload worker.
func (s *session) routeChunk(c *protocol.FileChunk) {
	if s.upload == nil || s.sealed || s.upload.finished() {
		log.Printf("Client %d sent chunk %d of %q with no transfer in progress", s.client.id, c.Index, c.Filename)
		s.replyError(ErrNoTransfer)
		return
	}
	c.SenderID = s.client.id
	c.SenderName = s.client.Name()
	if !s.upload.deliver(c) {
		s.upload = nil
		s.replyError(ErrNoTransfer)
		return
	}
	if c.IsLast() {
		s.sealed = true
	}
}

func (s *session) stopUpload() {
	if s.upload == nil {
		return
	}
	s.upload.stop()
	s.upload = nil
}

// baseName strips any directory part, accepting either separator.
func baseName(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
