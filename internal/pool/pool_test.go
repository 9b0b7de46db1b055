package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocWriteRead(t *testing.T) {
	a := NewArena(1024)
	off, err := a.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, a.WriteAt(off, []byte("hello world!!!!!")[:16]))
	got, err := a.ReadAt(off, 16)
	require.NoError(t, err)
	assert.Equal(t, "hello world!!!!!"[:16], string(got))
}

func TestArenaAllocTooLarge(t *testing.T) {
	a := NewArena(16)
	_, err := a.Alloc(32)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestArenaFreeAndReuse(t *testing.T) {
	a := NewArena(16)
	off, err := a.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, a.Free(off, 16))
	assert.EqualValues(t, 16, a.FreeSpace())
	off2, err := a.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, off, off2)
}

func TestArenaFragmentation(t *testing.T) {
	a := NewArena(16)
	_, err := a.Alloc(10)
	require.NoError(t, err)
	_, err = a.Alloc(10)
	assert.ErrorIs(t, err, ErrFragment)
}

func TestArenaMove(t *testing.T) {
	src := NewArena(64)
	dst := NewArena(64)
	off, err := src.Alloc(8)
	require.NoError(t, err)
	require.NoError(t, src.WriteAt(off, []byte("deadbeef")))

	newOff, err := src.Move(dst, off, 8)
	require.NoError(t, err)

	got, err := dst.ReadAt(newOff, 8)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", string(got))
	assert.EqualValues(t, 64, src.FreeSpace())
}
