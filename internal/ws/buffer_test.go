package ws

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendAndCompact(t *testing.T) {
	b := NewBuffer()
	require.Zero(t, b.Len())
	require.Equal(t, initialBufferSize, b.Cap())

	b.Append([]byte("hello world"))
	assert.Equal(t, 11, b.Len())
	assert.Equal(t, "hello world", string(b.Bytes()))

	b.Compact(6)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, "world", string(b.Bytes()))
}

func TestBufferCompactEverything(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))

	b.Compact(3)
	assert.Zero(t, b.Len())

	b.Compact(100)
	assert.Zero(t, b.Len())
}

func TestBufferGrowth(t *testing.T) {
	b := NewBuffer()

	// Doubling path: one byte over capacity.
	b.Append(make([]byte, initialBufferSize+1))
	assert.Equal(t, 2*initialBufferSize, b.Cap())
	assert.Equal(t, initialBufferSize+1, b.Len())

	// Oversized append jumps straight to the needed size.
	big := 10 * initialBufferSize
	b.Compact(b.Len())
	b.Append(make([]byte, big))
	assert.Equal(t, big, b.Cap())
}

func TestBufferNeverShrinks(t *testing.T) {
	b := NewBuffer()
	b.Append(make([]byte, 3*initialBufferSize))
	grown := b.Cap()

	b.Compact(b.Len())
	assert.Equal(t, grown, b.Cap())
}

func TestBufferConservationRoundTrip(t *testing.T) {
	original := make([]byte, 1000)
	for i := range original {
		original[i] = byte(i * 7)
	}

	for _, k := range []int{0, 1, 13, 500, 999, 1000} {
		b := NewBuffer()
		b.Append(original)
		b.Compact(k)

		require.Equal(t, len(original)-k, b.Len(), "compact(%d)", k)
		assert.True(t, bytes.Equal(original[k:], b.Bytes()), "compact(%d)", k)
	}
}

func TestBufferSteadyStateNoRealloc(t *testing.T) {
	b := NewBuffer()
	chunk := make([]byte, 512)

	for range 100 {
		b.Append(chunk)
		b.Compact(len(chunk))
	}
	assert.Equal(t, initialBufferSize, b.Cap())
}
