// Package protocol defines the records exchanged between relay clients and
// the server, and the framed binary codec that carries them over a stream.
package protocol

import "fmt"

// Kind identifies what a control Message asks for or reports.
type Kind uint8

// Client → server kinds.
const (
	KindJoin Kind = iota + 1
	KindCreateRoom
	KindJoinRoom
	KindLeaveRoom
	KindText
	KindListRooms
	KindQuit
)

// Server → client kinds.
const (
	KindWelcome Kind = iota + 8
	KindRoomCreated
	KindRoomJoined
	KindRoomLeft
	KindRoomList
	KindError
	KindBroadcast
)

// Encryption and file transfer kinds.
const (
	KindEnableEncryption Kind = iota + 15
	KindRoomKey
	KindEncryptionEnabled
	KindFileRequest
	KindFileNotification
	KindFileComplete
	KindFileAccepted
)

var kindNames = map[Kind]string{
	KindJoin:              "join",
	KindCreateRoom:        "create-room",
	KindJoinRoom:          "join-room",
	KindLeaveRoom:         "leave-room",
	KindText:              "text",
	KindListRooms:         "list-rooms",
	KindQuit:              "quit",
	KindWelcome:           "welcome",
	KindRoomCreated:       "room-created",
	KindRoomJoined:        "room-joined",
	KindRoomLeft:          "room-left",
	KindRoomList:          "room-list",
	KindError:             "error",
	KindBroadcast:         "broadcast",
	KindEnableEncryption:  "enable-encryption",
	KindRoomKey:           "room-key",
	KindEncryptionEnabled: "encryption-enabled",
	KindFileRequest:       "file-request",
	KindFileNotification:  "file-notification",
	KindFileComplete:      "file-complete",
	KindFileAccepted:      "file-accepted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a kind this protocol version knows about.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}
