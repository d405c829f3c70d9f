package audio

import "github.com/yoockh/callguard/internal/models"

// chunkRing is a fixed capacity FIFO. Pushing into a full ring evicts the oldest chunk.
type chunkRing struct {
	buf  []models.AudioChunk
	head int // index of the oldest element
	size int
}

func newChunkRing(capacity int) *chunkRing {
	if capacity < 1 {
		capacity = 1
	}
	return &chunkRing{buf: make([]models.AudioChunk, capacity)}
}

func (r *chunkRing) Cap() int { return len(r.buf) }
func (r *chunkRing) Len() int { return r.size }

// Push returns true when an older chunk was evicted to make room.
func (r *chunkRing) Push(c models.AudioChunk) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = c
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = c
	r.size++
	return false
}

// Items returns the buffered chunks oldest first.
func (r *chunkRing) Items() []models.AudioChunk {
	out := make([]models.AudioChunk, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Drain empties the ring and returns what it held, oldest first.
func (r *chunkRing) Drain() []models.AudioChunk {
	out := r.Items()
	for i := range r.buf {
		r.buf[i] = models.AudioChunk{}
	}
	r.head, r.size = 0, 0
	return out
}
