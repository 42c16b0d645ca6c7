// Package stream owns the per-connection audio stream lifecycle: the bounded
// chunk buffer, voice activity detection, and the manager that turns finished
// streams into transcription jobs.
package stream

import (
	"sort"
	"sync"
)

// Chunk is one PCM16 audio chunk as received from the client.
type Chunk struct {
	PCM       []byte
	Sequence  uint32
	Timestamp float64
}

// Buffer is a bounded chunk FIFO. Push never blocks; overflow is reported to
// the caller instead of silently dropping data. Chunks are accepted in
// arrival order and reassembled by sequence at drain time.
type Buffer struct {
	mu     sync.Mutex
	chunks []Chunk
	max    int
}

// NewBuffer creates a Buffer holding at most max chunks.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 50
	}
	return &Buffer{max: max}
}

// Push appends a chunk. Returns false when the buffer is full; the chunk is
// not stored and the caller surfaces the overflow to the client.
func (b *Buffer) Push(c Chunk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) >= b.max {
		return false
	}
	b.chunks = append(b.chunks, c)
	return true
}

// Drain empties the buffer and returns all audio bytes concatenated in
// sequence order. The sort is stable so duplicate sequences keep arrival
// order.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	chunks := b.chunks
	b.chunks = nil
	b.mu.Unlock()

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Sequence < chunks[j].Sequence
	})

	var total int
	for _, c := range chunks {
		total += len(c.PCM)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.PCM...)
	}
	return out
}

// Len reports the number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Clear discards all buffered chunks.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.mu.Unlock()
}
