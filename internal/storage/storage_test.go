package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTmpFile_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chunks")
	b, err := NewTmpFile(dir)
	require.NoError(t, err)

	require.NoError(t, b.Prepare(0))
	n, err := b.Write(0, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	size, err := b.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, b.MergeInto(0, out, 0, 11))
	buf := make([]byte, 11)
	_, err = out.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	_, err = os.Stat(filepath.Join(dir, "0"))
	assert.True(t, os.IsNotExist(err), "MergeInto should drop the chunk file")
}

func TestTmpFile_ResetTruncates(t *testing.T) {
	dir := t.TempDir()
	b, err := NewTmpFile(dir)
	require.NoError(t, err)
	require.NoError(t, b.Prepare(0))
	_, err = b.Write(0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, b.Reset(0, 4))
	size, err := b.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
}

func TestMemory_RoundTrip(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Prepare(0))
	n, err := m.Write(0, []byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	size, err := m.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, m.MergeInto(0, out, 0, 6))
	buf := make([]byte, 6)
	_, err = out.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(buf))
}

func TestMemory_ResetTruncates(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Prepare(0))
	_, err := m.Write(0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, m.Reset(0, 4))
	size, err := m.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	n, err := m.Write(0, []byte("X"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	size, err = m.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestSingleFile_WritesAtOffset(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "part")
	require.NoError(t, err)
	defer f.Close()

	s := NewSingleFile(f)
	require.NoError(t, s.Prepare(0))
	n, err := s.Write(0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = s.Write(0, []byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	size, err := s.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	assert.NoError(t, s.MergeInto(0, f, 0, 11))
}

func TestNullSink_AllNoOps(t *testing.T) {
	n := NewNullSink()
	require.NoError(t, n.Prepare(0))
	written, err := n.Write(0, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, written)
	size, err := n.OnDiskSize(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assert.NoError(t, n.Reset(0, 0))
	assert.NoError(t, n.MergeInto(0, nil, 0, 0))
	assert.NoError(t, n.Drop(0))
	assert.NoError(t, n.Close())
}
