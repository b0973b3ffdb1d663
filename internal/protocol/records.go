package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Field bounds enforced by the codec on both encode and decode.
const (
	MaxNameLen       = 50
	MaxRoomNameLen   = 100
	MaxContentLen    = 4096
	MaxCiphertextLen = 8192
	MaxHexLen        = 64
	MaxFilenameLen   = 255

	// ChunkSize is the largest payload a single FileChunk may carry.
	ChunkSize = 4096
)

// RecordType tells the two record shapes apart in the frame header.
type RecordType uint8

const (
	RecordMessage RecordType = 1
	RecordChunk   RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordMessage:
		return "message"
	case RecordChunk:
		return "file-chunk"
	default:
		return "unknown"
	}
}

// Record is either a *Message or a *FileChunk.
type Record interface {
	RecordType() RecordType
}

// Message is a control-plane or chat record. When Encrypted is set the
// Ciphertext carries the payload and Content is not meaningful.
type Message struct {
	Kind       Kind
	SenderName string
	Content    string
	RoomID     uint32
	SenderID   uint32
	Timestamp  time.Time
	Encrypted  bool
	Ciphertext []byte
	KeyHex     string
	IVHex      string
}

// RecordType implements Record.
func (*Message) RecordType() RecordType { return RecordMessage }

// FileChunk is one piece of a file being relayed to a room.
type FileChunk struct {
	Filename   string
	FileSize   int64
	SenderID   uint32
	SenderName string
	Index      uint32
	Total      uint32
	Data       []byte
}

// RecordType implements Record.
func (*FileChunk) RecordType() RecordType { return RecordChunk }

// IsLast reports whether c completes its transfer.
func (c *FileChunk) IsLast() bool {
	return c.Total > 0 && c.Index == c.Total-1
}

// RejectFile wraps reason as the error reply to a file request for
// filename, exactly as the requester spelled it. IsFileRejection matches it.
func RejectFile(filename string, reason error) error {
	return fmt.Errorf("%s%w", fileRejectionPrefix(filename), reason)
}

// IsFileRejection reports whether an error reply's content refuses the
// file request for filename.
func IsFileRejection(content, filename string) bool {
	return strings.HasPrefix(content, fileRejectionPrefix(filename))
}

func fileRejectionPrefix(filename string) string {
	return fmt.Sprintf("file %q: ", filename)
}

// ChunkCount returns how many chunks a file of size bytes is split into.
// Empty files still travel as a single empty chunk.
func ChunkCount(size int64) uint32 {
	if size <= 0 {
		return 1
	}
	return uint32((size + ChunkSize - 1) / ChunkSize)
}
