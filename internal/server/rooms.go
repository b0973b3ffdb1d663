package server

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/Tyrowin/roomrelay/internal/crypto"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// Room is a named broadcast domain. Its member set and encryption state
// only change while mu is held.
type Room struct {
	id   uint32
	name string

	mu      sync.Mutex
	members map[uint32]*Client
	key     *crypto.KeyMaterial
}

// ID returns the room id.
func (r *Room) ID() uint32 { return r.id }

// Name returns the room's display name.
func (r *Room) Name() string { return r.name }

// Summary copies the listing fields under the room lock.
func (r *Room) Summary() RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomSummary{ID: r.id, Name: r.name, Members: len(r.members), Encrypted: r.key != nil}
}

// MemberCount returns the current number of members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns a snapshot of the current members.
func (r *Room) Members() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

// KeyMaterial returns the room key if encryption is enabled.
func (r *Room) KeyMaterial() (crypto.KeyMaterial, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.key == nil {
		return crypto.KeyMaterial{}, false
	}
	return *r.key, true
}

// RoomRegistry owns every room. The set lock and a room lock are never held
// at the same time: lookups copy the *Room out under the set lock, release
// it, and only then lock the room.
type RoomRegistry struct {
	mu         sync.Mutex
	rooms      map[uint32]*Room
	nextID     uint32
	maxRooms   int
	maxMembers int
}

// NewRoomRegistry creates an empty registry using cfg's room limits.
func NewRoomRegistry(cfg Config) *RoomRegistry {
	cfg = sanitizeConfig(cfg)
	return &RoomRegistry{
		rooms:      make(map[uint32]*Room),
		maxRooms:   cfg.MaxRooms,
		maxMembers: cfg.MaxMembersPerRoom,
	}
}

// Create allocates the next id and registers an empty, unencrypted room.
// Rooms are never deleted.
func (rr *RoomRegistry) Create(name string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > protocol.MaxRoomNameLen {
		return nil, ErrRoomNameRequired
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	if len(rr.rooms) >= rr.maxRooms {
		log.Printf("[ROOMS] Create %q failed: %d rooms already exist", name, len(rr.rooms))
		return nil, ErrTooManyRooms
	}

	rr.nextID++
	room := &Room{
		id:      rr.nextID,
		name:    name,
		members: make(map[uint32]*Client),
	}
	rr.rooms[room.id] = room

	log.Printf("[ROOMS] Room %d %q created. Total rooms: %d", room.id, room.name, len(rr.rooms))
	return room, nil
}

// Find looks a room up by id.
func (rr *RoomRegistry) Find(id uint32) (*Room, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	room, ok := rr.rooms[id]
	return room, ok
}

// AddMember puts client into room id. onJoined, if non-nil, runs with the
// room lock still held and receives the room key when encryption is on, so
// anything it queues reaches the client before later room traffic.
func (rr *RoomRegistry) AddMember(id uint32, client *Client, onJoined func(room *Room, key *crypto.KeyMaterial)) (*Room, error) {
	room, ok := rr.Find(id)
	if !ok {
		return nil, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, exists := room.members[client.id]; exists {
		return room, ErrAlreadyInRoom
	}
	if len(room.members) >= rr.maxMembers {
		return room, ErrRoomFull
	}

	room.members[client.id] = client
	client.setRoomID(room.id)

	if onJoined != nil {
		var key *crypto.KeyMaterial
		if room.key != nil {
			km := *room.key
			key = &km
		}
		onJoined(room, key)
	}

	log.Printf("[ROOMS] Client %d joined room %d. Members: %d", client.id, room.id, len(room.members))
	return room, nil
}

// RemoveMember takes client out of room id. It reports whether the client
// was a member.
func (rr *RoomRegistry) RemoveMember(id uint32, client *Client) bool {
	room, ok := rr.Find(id)
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, exists := room.members[client.id]; !exists {
		return false
	}
	delete(room.members, client.id)
	if client.RoomID() == room.id {
		client.setRoomID(0)
	}

	log.Printf("[ROOMS] Client %d left room %d. Members: %d", client.id, room.id, len(room.members))
	return true
}

// List returns a summary of every room ordered by id.
func (rr *RoomRegistry) List() []RoomSummary {
	rooms := rr.snapshot()

	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Summary())
	}
	return out
}

// Count returns the number of rooms.
func (rr *RoomRegistry) Count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.rooms)
}

func (rr *RoomRegistry) snapshot() []*Room {
	rr.mu.Lock()
	rooms := make([]*Room, 0, len(rr.rooms))
	for _, room := range rr.rooms {
		rooms = append(rooms, room)
	}
	rr.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}
