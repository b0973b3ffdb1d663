package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame layout: version (1 byte), record type (1 byte), body length
// (4 bytes, big-endian), then the body in protobuf wire format.
const (
	Version      = 1
	HeaderSize   = 6
	MaxFrameSize = 64 << 10
)

// Message body field numbers.
const (
	msgKind       protowire.Number = 1
	msgSenderName protowire.Number = 2
	msgContent    protowire.Number = 3
	msgRoomID     protowire.Number = 4
	msgSenderID   protowire.Number = 5
	msgTimestamp  protowire.Number = 6
	msgEncrypted  protowire.Number = 7
	msgCiphertext protowire.Number = 8
	msgKeyHex     protowire.Number = 9
	msgIVHex      protowire.Number = 10
)

// FileChunk body field numbers.
const (
	chunkFilename   protowire.Number = 1
	chunkFileSize   protowire.Number = 2
	chunkSenderID   protowire.Number = 3
	chunkSenderName protowire.Number = 4
	chunkIndex      protowire.Number = 5
	chunkTotal      protowire.Number = 6
	chunkData       protowire.Number = 7
)

// EncodeMessage returns the complete frame for m.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	b := make([]byte, HeaderSize, HeaderSize+64+len(m.Content)+len(m.Ciphertext))
	b = protowire.AppendTag(b, msgKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = appendString(b, msgSenderName, m.SenderName)
	b = appendString(b, msgContent, m.Content)
	b = appendFixed32(b, msgRoomID, m.RoomID)
	b = appendFixed32(b, msgSenderID, m.SenderID)
	b = appendFixed64(b, msgTimestamp, encodeTime(m.Timestamp))
	b = protowire.AppendTag(b, msgEncrypted, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Encrypted))
	b = protowire.AppendTag(b, msgCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	b = appendString(b, msgKeyHex, m.KeyHex)
	b = appendString(b, msgIVHex, m.IVHex)

	return finishFrame(b, RecordMessage)
}

// EncodeChunk returns the complete frame for c.
func EncodeChunk(c *FileChunk) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	b := make([]byte, HeaderSize, HeaderSize+48+len(c.Filename)+len(c.Data))
	b = appendString(b, chunkFilename, c.Filename)
	b = appendFixed64(b, chunkFileSize, uint64(c.FileSize))
	b = appendFixed32(b, chunkSenderID, c.SenderID)
	b = appendString(b, chunkSenderName, c.SenderName)
	b = appendFixed32(b, chunkIndex, c.Index)
	b = appendFixed32(b, chunkTotal, c.Total)
	b = protowire.AppendTag(b, chunkData, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Data)

	return finishFrame(b, RecordChunk)
}

// WriteMessage encodes m and writes it with a single Write call.
func WriteMessage(w io.Writer, m *Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// WriteChunk encodes c and writes it with a single Write call.
func WriteChunk(w io.Writer, c *FileChunk) error {
	frame, err := EncodeChunk(c)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadRecord blocks until one full frame has been read from r. It returns
// io.EOF if the stream ended cleanly between frames and io.ErrUnexpectedEOF
// if it ended inside one.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr[0])
	}

	size := binary.BigEndian.Uint32(hdr[2:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch RecordType(hdr[1]) {
	case RecordMessage:
		m := &Message{}
		if err := m.unmarshal(body); err != nil {
			return nil, err
		}
		return m, nil
	case RecordChunk:
		c := &FileChunk{}
		if err := c.unmarshal(body); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRecord, hdr[1])
	}
}

// ReadMessage reads one record and requires it to be a Message.
func ReadMessage(r io.Reader) (*Message, error) {
	rec, err := ReadRecord(r)
	if err != nil {
		return nil, err
	}
	m, ok := rec.(*Message)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedRecord, rec.RecordType())
	}
	return m, nil
}

// ReadChunk reads one record and requires it to be a FileChunk.
func ReadChunk(r io.Reader) (*FileChunk, error) {
	rec, err := ReadRecord(r)
	if err != nil {
		return nil, err
	}
	c, ok := rec.(*FileChunk)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedRecord, rec.RecordType())
	}
	return c, nil
}

func (m *Message) validate() error {
	switch {
	case len(m.SenderName) > MaxNameLen:
		return fmt.Errorf("%w: sender name", ErrFieldTooLong)
	case len(m.Content) > MaxContentLen:
		return fmt.Errorf("%w: content", ErrFieldTooLong)
	case len(m.Ciphertext) > MaxCiphertextLen:
		return fmt.Errorf("%w: ciphertext", ErrFieldTooLong)
	case len(m.KeyHex) > MaxHexLen, len(m.IVHex) > MaxHexLen:
		return fmt.Errorf("%w: key material", ErrFieldTooLong)
	}
	return nil
}

func (c *FileChunk) validate() error {
	switch {
	case len(c.Filename) > MaxFilenameLen:
		return fmt.Errorf("%w: filename", ErrFieldTooLong)
	case len(c.SenderName) > MaxNameLen:
		return fmt.Errorf("%w: sender name", ErrFieldTooLong)
	case len(c.Data) > ChunkSize:
		return fmt.Errorf("%w: chunk payload", ErrFieldTooLong)
	}
	return nil
}

func (m *Message) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.more() {
		num, typ := d.tag()
		switch num {
		case msgKind:
			m.Kind = d.kind(typ)
		case msgSenderName:
			m.SenderName = d.string(typ, MaxNameLen)
		case msgContent:
			m.Content = d.string(typ, MaxContentLen)
		case msgRoomID:
			m.RoomID = d.fixed32(typ)
		case msgSenderID:
			m.SenderID = d.fixed32(typ)
		case msgTimestamp:
			m.Timestamp = decodeTime(d.fixed64(typ))
		case msgEncrypted:
			m.Encrypted = protowire.DecodeBool(d.varint(typ))
		case msgCiphertext:
			m.Ciphertext = d.bytes(typ, MaxCiphertextLen)
		case msgKeyHex:
			m.KeyHex = d.string(typ, MaxHexLen)
		case msgIVHex:
			m.IVHex = d.string(typ, MaxHexLen)
		default:
			d.skip(num, typ)
		}
	}
	if d.err == nil && !m.Kind.Valid() {
		d.err = fmt.Errorf("%w: unknown message kind %d", ErrMalformed, m.Kind)
	}
	return d.err
}

func (c *FileChunk) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.more() {
		num, typ := d.tag()
		switch num {
		case chunkFilename:
			c.Filename = d.string(typ, MaxFilenameLen)
		case chunkFileSize:
			c.FileSize = int64(d.fixed64(typ))
		case chunkSenderID:
			c.SenderID = d.fixed32(typ)
		case chunkSenderName:
			c.SenderName = d.string(typ, MaxNameLen)
		case chunkIndex:
			c.Index = d.fixed32(typ)
		case chunkTotal:
			c.Total = d.fixed32(typ)
		case chunkData:
			c.Data = d.bytes(typ, ChunkSize)
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

func finishFrame(b []byte, t RecordType) ([]byte, error) {
	size := len(b) - HeaderSize
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	b[0] = Version
	b[1] = byte(t)
	binary.BigEndian.PutUint32(b[2:HeaderSize], uint32(size))
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

// decoder walks a record body and keeps the first error it hits; every
// accessor is a no-op once err is set.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) more() bool {
	return d.err == nil && len(d.b) > 0
}

func (d *decoder) fail(n int) {
	d.err = fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

func (d *decoder) expect(got, want protowire.Type) bool {
	if d.err != nil {
		return false
	}
	if got != want {
		d.err = fmt.Errorf("%w: wire type %d, want %d", ErrMalformed, got, want)
		return false
	}
	return true
}

func (d *decoder) tag() (protowire.Number, protowire.Type) {
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.fail(n)
		return 0, 0
	}
	d.b = d.b[n:]
	return num, typ
}

func (d *decoder) varint(typ protowire.Type) uint64 {
	if !d.expect(typ, protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.fail(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

// kind reads a message kind, rejecting values that do not fit a Kind
// rather than truncating them.
func (d *decoder) kind(typ protowire.Type) Kind {
	v := d.varint(typ)
	if v > math.MaxUint8 {
		if d.err == nil {
			d.err = fmt.Errorf("%w: message kind %d out of range", ErrMalformed, v)
		}
		return 0
	}
	return Kind(v)
}

func (d *decoder) fixed32(typ protowire.Type) uint32 {
	if !d.expect(typ, protowire.Fixed32Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed32(d.b)
	if n < 0 {
		d.fail(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) fixed64(typ protowire.Type) uint64 {
	if !d.expect(typ, protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.b)
	if n < 0 {
		d.fail(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bytes(typ protowire.Type, limit int) []byte {
	if !d.expect(typ, protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(n)
		return nil
	}
	if len(v) > limit {
		d.err = ErrFieldTooLong
		return nil
	}
	d.b = d.b[n:]
	if len(v) == 0 {
		return nil
	}
	return v
}

func (d *decoder) string(typ protowire.Type, limit int) string {
	return string(d.bytes(typ, limit))
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	if d.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		d.fail(n)
		return
	}
	d.b = d.b[n:]
}
