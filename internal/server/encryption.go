package server

import (
	"fmt"
	"log"
	"time"

	"github.com/Tyrowin/roomrelay/internal/crypto"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// KeyGenerator produces fresh room key material.
type KeyGenerator func() (crypto.KeyMaterial, error)

// EncryptionManager turns encryption on for a room and hands the key to
// its members. The server keeps the key only to give it to later joiners.
type EncryptionManager struct {
	generate KeyGenerator
}

// NewEncryptionManager uses generate, or crypto.GenerateKeyMaterial when nil.
func NewEncryptionManager(generate KeyGenerator) *EncryptionManager {
	if generate == nil {
		generate = crypto.GenerateKeyMaterial
	}
	return &EncryptionManager{generate: generate}
}

// Enable generates the room key, sends a room-key message to every member
// and then an encryption-enabled notice to all of them. It returns
// ErrEncryptionEnabled if the room already has a key.
func (em *EncryptionManager) Enable(room *Room, by *Client) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.key != nil {
		return ErrEncryptionEnabled
	}

	km, err := em.generate()
	if err != nil {
		return fmt.Errorf("enable encryption for room %d: %w", room.id, err)
	}
	now := time.Now()
	keyFrame, err := protocol.EncodeMessage(roomKeyMessage(room, km, now))
	if err != nil {
		return err
	}
	noticeFrame, err := protocol.EncodeMessage(&protocol.Message{
		Kind:       protocol.KindEncryptionEnabled,
		SenderName: serverName,
		SenderID:   by.ID(),
		Content:    fmt.Sprintf("%s enabled encryption for room %s", by.Name(), room.name),
		RoomID:     room.id,
		Timestamp:  now,
	})
	if err != nil {
		return err
	}

	room.key = &km
	room.broadcastLocked(keyFrame, nil)
	room.broadcastLocked(noticeFrame, nil)

	log.Printf("[ROOMS] Encryption enabled for room %d by client %d; key sent to %d members", room.id, by.ID(), len(room.members))
	return nil
}

func roomKeyMessage(room *Room, km crypto.KeyMaterial, now time.Time) *protocol.Message {
	return &protocol.Message{
		Kind:       protocol.KindRoomKey,
		SenderName: serverName,
		RoomID:     room.id,
		Content:    room.name,
		KeyHex:     km.KeyHex(),
		IVHex:      km.IVHex(),
		Timestamp:  now,
	}
}
