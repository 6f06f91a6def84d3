package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "a_b_c.txt", SanitizePath("a/b:c.txt"))
	assert.Equal(t, "plain.txt", SanitizePath("plain.txt"))
}

func TestTruncateFilename_NoOpWhenShort(t *testing.T) {
	assert.Equal(t, "short.txt", TruncateFilename("short.txt", true))
}

func TestTruncateFilename_SmartPreservesExtension(t *testing.T) {
	long := strings.Repeat("a", 300) + ".tar.gz"
	out := TruncateFilename(long, true)
	assert.LessOrEqual(t, len(out), maxFilenameLen)
	assert.True(t, strings.HasSuffix(out, ".gz"))
}

func TestTruncateFilename_DumbTruncatesRaw(t *testing.T) {
	long := strings.Repeat("b", 300)
	out := TruncateFilename(long, false)
	assert.Equal(t, maxFilenameLen, len(out))
}

func TestUniqueFilename_NoCollision(t *testing.T) {
	dir := t.TempDir()
	got := UniqueFilename(dir, "file.txt")
	assert.Equal(t, filepath.Join(dir, "file.txt"), got)
}

func TestUniqueFilename_Collision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o644))

	got := UniqueFilename(dir, "file.txt")
	assert.Equal(t, filepath.Join(dir, "file (1).txt"), got)
}

func TestUniqueFilename_MultipleCollisions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file (1).txt"), []byte("x"), 0o644))

	got := UniqueFilename(dir, "file.txt")
	assert.Equal(t, filepath.Join(dir, "file (2).txt"), got)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a")
	assert.False(t, Exists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, Exists(path))
}

func TestNewLayout(t *testing.T) {
	l := NewLayout("/tmp/out/movie.mp4")
	assert.Equal(t, "/tmp/out/movie.mp4", l.Final)
	assert.Equal(t, "/tmp/out/movie.mp4.part.sal", l.Part)
	assert.Equal(t, "/tmp/out/movie.mp4.ctrl.sal", l.Control)
	assert.Equal(t, "/tmp/out/movie.mp4.tmp.sal", l.TmpDir)
}

func TestMkdirAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, MkdirAll(dir))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
