package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(n byte) []byte { return []byte{n} }

func TestSequenceWindowInOrderPassThrough(t *testing.T) {
	w := NewSequenceWindow(16)

	assert.Equal(t, [][]byte{frame(1)}, w.Push(1, frame(1)))
	assert.Equal(t, [][]byte{frame(2)}, w.Push(2, frame(2)))
	assert.Equal(t, [][]byte{frame(3)}, w.Push(3, frame(3)))
	assert.Equal(t, 0, w.Pending())
}

func TestSequenceWindowBuffersOutOfOrder(t *testing.T) {
	w := NewSequenceWindow(16)

	require.Len(t, w.Push(1, frame(1)), 1)

	// 3 arrives before 2: held.
	assert.Nil(t, w.Push(3, frame(3)))
	assert.Equal(t, 1, w.Pending())

	// 2 releases both in order.
	got := w.Push(2, frame(2))
	assert.Equal(t, [][]byte{frame(2), frame(3)}, got)
	assert.Equal(t, 0, w.Pending())
}

func TestSequenceWindowDropsDuplicatesAndStale(t *testing.T) {
	w := NewSequenceWindow(16)

	w.Push(1, frame(1))
	w.Push(2, frame(2))

	assert.Nil(t, w.Push(1, frame(1)), "stale frame must be dropped")
	assert.Nil(t, w.Push(2, frame(2)), "duplicate frame must be dropped")
	assert.Equal(t, [][]byte{frame(3)}, w.Push(3, frame(3)))
}

func TestSequenceWindowPrimesFromFirstFrame(t *testing.T) {
	w := NewSequenceWindow(16)

	// Streams don't have to start at index 1.
	assert.Equal(t, [][]byte{frame(9)}, w.Push(100, frame(9)))
	assert.Nil(t, w.Push(102, frame(11)))
	assert.Equal(t, [][]byte{frame(10), frame(11)}, w.Push(101, frame(10)))
}

func TestSequenceWindowSkipsAheadWhenFull(t *testing.T) {
	w := NewSequenceWindow(2)

	require.Len(t, w.Push(1, frame(1)), 1)

	// Frame 2 never arrives; the hold buffer fills past its limit.
	assert.Nil(t, w.Push(3, frame(3)))
	assert.Nil(t, w.Push(4, frame(4)))

	// Third held frame overflows: 2 is presumed lost, 3..4 are released.
	got := w.Push(6, frame(6))
	assert.Equal(t, [][]byte{frame(3), frame(4)}, got)
	assert.Equal(t, 1, w.Pending(), "frame 6 stays held until 5 arrives")

	assert.Equal(t, [][]byte{frame(5), frame(6)}, w.Push(5, frame(5)))
	assert.Equal(t, 0, w.Pending())
}

func TestSequenceWindowMinimumLimit(t *testing.T) {
	w := NewSequenceWindow(0)

	w.Push(1, frame(1))
	assert.Nil(t, w.Push(3, frame(3)))

	// Limit clamps to 1, so the second held frame forces the skip.
	got := w.Push(5, frame(5))
	assert.Equal(t, [][]byte{frame(3)}, got)
}
