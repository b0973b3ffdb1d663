package client

import (
	"bytes"
	"fmt"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// File is a fully received transfer.
type File struct {
	Name       string
	SenderID   uint32
	SenderName string
	Data       []byte
}

type partial struct {
	next uint32
	buf  bytes.Buffer
}

// FileAssembler rebuilds files from relayed chunks in memory. It is not
// safe for concurrent use.
type FileAssembler struct {
	files map[string]*partial
}

// NewFileAssembler returns an empty assembler.
func NewFileAssembler() *FileAssembler {
	return &FileAssembler{files: make(map[string]*partial)}
}

// Add appends chunk to its file. It returns the file once its last chunk
// has arrived and nil before that. Chunks must arrive in index order.
func (a *FileAssembler) Add(chunk *protocol.FileChunk) (*File, error) {
	key := fmt.Sprintf("%d/%s", chunk.SenderID, chunk.Filename)

	p, ok := a.files[key]
	if !ok {
		if chunk.Index != 0 {
			return nil, fmt.Errorf("chunk %d of %s arrived before chunk 0", chunk.Index, chunk.Filename)
		}
		p = &partial{}
		a.files[key] = p
	}
	if chunk.Index != p.next {
		delete(a.files, key)
		return nil, fmt.Errorf("chunk %d of %s arrived, expected %d", chunk.Index, chunk.Filename, p.next)
	}

	p.buf.Write(chunk.Data)
	p.next++

	if !chunk.IsLast() {
		return nil, nil
	}
	delete(a.files, key)
	return &File{
		Name:       chunk.Filename,
		SenderID:   chunk.SenderID,
		SenderName: chunk.SenderName,
		Data:       p.buf.Bytes(),
	}, nil
}

// Pending returns how many files are partially received.
func (a *FileAssembler) Pending() int { return len(a.files) }
