package chunker

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(n int) []byte {
	return []byte(fmt.Sprintf(`{"name":"pkg%03d"}`, n))
}

func TestEmpty(t *testing.T) {
	chunks := NewChunker(100).Close()
	require.Len(t, chunks, 1)
	assert.Equal(t, "[]", string(chunks[0].Data))
	assert.Equal(t, 0, chunks[0].Items)
	assert.Equal(t, ComputeHash([]byte("[]")), chunks[0].Hash)
	assert.Equal(t, int64(2), chunks[0].Size)
}

func TestLimit(t *testing.T) {
	const limit = 64
	c := NewChunker(limit)
	var all []json.RawMessage
	for i := 0; i < 20; i++ {
		c.Add(item(i))
		all = append(all, item(i))
	}
	chunks := c.Close()

	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.OrderIndex)
		assert.LessOrEqual(t, len(chunk.Data), limit)
		var decoded []json.RawMessage
		require.NoError(t, json.Unmarshal(chunk.Data, &decoded))
		assert.Len(t, decoded, chunk.Items)
	}

	var joined []json.RawMessage
	for _, chunk := range chunks {
		var decoded []json.RawMessage
		require.NoError(t, json.Unmarshal(chunk.Data, &decoded))
		joined = append(joined, decoded...)
	}
	assert.Equal(t, all, joined)
}

func TestOversizedItem(t *testing.T) {
	big := []byte(`"` + strings.Repeat("x", 200) + `"`)
	c := NewChunker(50)
	c.Add(big)
	c.Add(item(1))
	c.Add(big)
	chunks := c.Close()

	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].Items)
	assert.Equal(t, 1, chunks[1].Items)
	assert.Equal(t, 1, chunks[2].Items)
}

func TestDeterministic(t *testing.T) {
	build := func() []*Chunk {
		c := NewChunker(40)
		for i := 0; i < 7; i++ {
			c.Add(item(i))
		}
		return c.Close()
	}
	a, b := build(), build()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Hash, b[i].Hash)
	}
}
