package termbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_KeepsRecentBytes(t *testing.T) {
	b := NewBuffer()

	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	assert.Equal(t, []byte("hello world"), b.Snapshot())
}

func TestBuffer_OverflowDropsFront(t *testing.T) {
	b := NewBuffer()

	// Inject 200 KiB of distinguishable bytes; the snapshot must be
	// exactly the last 100 KiB.
	total := 200 * 1024
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 251)
	}
	for i := 0; i < total; i += 4096 {
		b.Write(data[i : i+4096])
	}

	snap := b.Snapshot()
	require.Len(t, snap, bufferSize)
	assert.True(t, bytes.Equal(snap, data[total-bufferSize:]),
		"snapshot must equal the suffix of the input")
}

func TestBuffer_SingleOversizedWrite(t *testing.T) {
	b := NewBuffer()

	data := make([]byte, bufferSize+5000)
	for i := range data {
		data[i] = byte(i % 13)
	}
	b.Write(data)

	snap := b.Snapshot()
	require.Len(t, snap, bufferSize)
	assert.True(t, bytes.Equal(snap, data[len(data)-bufferSize:]))
}

func TestBuffer_Restore(t *testing.T) {
	b := NewBuffer()
	b.Write([]byte("old contents"))

	b.Restore([]byte("restored"))
	assert.Equal(t, []byte("restored"), b.Snapshot())
}

func TestBuffer_EmptySnapshot(t *testing.T) {
	b := NewBuffer()
	assert.Empty(t, b.Snapshot())
}
