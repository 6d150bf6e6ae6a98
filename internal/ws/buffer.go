package ws

// initialBufferSize is the starting capacity of a connection buffer.
const initialBufferSize = 4096

// Buffer is a growing per-connection byte buffer. A validLength cursor is
// kept separate from the allocated capacity so the steady state appends
// without reallocating. The buffer never shrinks.
type Buffer struct {
	data   []byte
	length int
}

// NewBuffer returns an empty buffer with the initial 4 KiB capacity.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, initialBufferSize)}
}

// Append copies p after the valid prefix, growing to
// max(2*cap, length+len(p)) when needed.
func (b *Buffer) Append(p []byte) {
	need := b.length + len(p)
	if need > len(b.data) {
		newCap := 2 * len(b.data)
		if need > newCap {
			newCap = need
		}
		grown := make([]byte, newCap)
		copy(grown, b.data[:b.length])
		b.data = grown
	}
	copy(b.data[b.length:], p)
	b.length = need
}

// Compact discards the first consumed bytes, shifting the tail to offset 0.
// Consuming everything just resets the cursor without copying.
func (b *Buffer) Compact(consumed int) {
	if consumed <= 0 {
		return
	}
	if consumed >= b.length {
		b.length = 0
		return
	}
	copy(b.data, b.data[consumed:b.length])
	b.length -= consumed
}

// Bytes returns the valid prefix. The slice aliases the buffer and is
// invalidated by the next Append or Compact.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int {
	return b.length
}

// Cap returns the allocated capacity, for tests and stats.
func (b *Buffer) Cap() int {
	return len(b.data)
}
