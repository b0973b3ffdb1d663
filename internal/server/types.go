// Package server defines shared summary types, sentinel errors and utility
// helpers reused across the registries, sessions and relay workers.
package server

import (
	"errors"
	"strings"
)

// Protocol errors are answered with an error message; the connection stays open.
var (
	ErrNotAuthenticated   = errors.New("join with a display name first")
	ErrInvalidName        = errors.New("display name must be 1-50 characters")
	ErrAlreadyJoined      = errors.New("display name is already set")
	ErrRoomNameRequired   = errors.New("room name must be 1-100 characters")
	ErrRoomNotFound       = errors.New("room does not exist")
	ErrRoomFull           = errors.New("room is full")
	ErrAlreadyInRoom      = errors.New("already in this room")
	ErrNotInRoom          = errors.New("you have not joined a room")
	ErrEncryptionEnabled  = errors.New("encryption is already enabled for this room")
	ErrMissingCiphertext  = errors.New("encrypted message carries no ciphertext")
	ErrRateLimited        = errors.New("rate limit exceeded, message discarded")
	ErrTransferInProgress = errors.New("a file transfer is already in progress")
	ErrNoTransfer         = errors.New("no file transfer in progress")
	ErrFilenameRequired   = errors.New("file request needs a file name")
	ErrUnsupportedKind    = errors.New("unsupported request")
)

// Resource errors are fatal to the single operation that hit them.
var (
	ErrTooManyRooms = errors.New("room limit reached")
	ErrServerFull   = errors.New("server is full, try again later")
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send queue full")
)

var errMalformedOrigin = errors.New("origin needs a scheme and host")

// RoomSummary is a point-in-time copy of a room's listing fields.
type RoomSummary struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Members   int    `json:"members"`
	Encrypted bool   `json:"encrypted"`
}

// ConnSummary is a point-in-time copy of a connection's identity fields.
type ConnSummary struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	RoomID uint32 `json:"room_id,omitempty"`
	Addr   string `json:"addr"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "io: read/write on closed pipe")
}
