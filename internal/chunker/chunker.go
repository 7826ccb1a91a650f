// Package chunker packs encoded JSON items into size-bounded JSON arrays.
package chunker

import (
	"bytes"

	"github.com/opencontainers/go-digest"
)

// Chunk is one closed JSON array. Hash is the hex SHA256 of Data.
type Chunk struct {
	Data       []byte
	OrderIndex int
	Hash       string
	Size       int64
	Items      int
}

// Chunker handles chunking of a stream of items
type Chunker struct {
	limit  int
	buf    bytes.Buffer
	items  int
	chunks []*Chunk
}

// NewChunker creates a new chunker whose chunks stay within limit bytes. An empty
// chunk always accepts its first item, so an oversized item gets a chunk of its own.
func NewChunker(limit int) *Chunker {
	c := &Chunker{limit: limit}
	c.buf.WriteByte('[')
	return c
}

// Add appends one encoded item, closing the current chunk first if the item would overflow it
func (c *Chunker) Add(item []byte) {
	// separator plus closing bracket. An item too big for any chunk still lands
	// alone in a fresh one, over the limit, rather than being dropped.
	if c.items > 0 && c.buf.Len()+1+len(item)+1 > c.limit {
		c.flush()
	}
	if c.items > 0 {
		c.buf.WriteByte(',')
	}
	c.buf.Write(item)
	c.items++
}

func (c *Chunker) flush() {
	c.buf.WriteByte(']')
	data := append([]byte(nil), c.buf.Bytes()...)
	c.chunks = append(c.chunks, &Chunk{
		Data:       data,
		OrderIndex: len(c.chunks),
		Hash:       ComputeHash(data),
		Size:       int64(len(data)),
		Items:      c.items,
	})
	c.buf.Reset()
	c.buf.WriteByte('[')
	c.items = 0
}

// Close closes the tail chunk, empty or not, and returns every chunk in order
func (c *Chunker) Close() []*Chunk {
	c.flush()
	return c.chunks
}

// ComputeHash computes the hex SHA256 of data
func ComputeHash(data []byte) string {
	return digest.FromBytes(data).Encoded()
}
