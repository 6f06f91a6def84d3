package merger

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/internal/storage"
)

type fakeSink struct {
	writes []int64
}

func (f *fakeSink) WriteAt(p []byte, off int64) (int, error) {
	f.writes = append(f.writes, off)
	return len(p), nil
}

func newTestRegistryAndBackend(t *testing.T, chunkSize int64, count int) (*chunk.Registry, *storage.Memory) {
	t.Helper()
	chunks := chunk.Split(chunkSize*int64(count), chunkSize)
	require.Len(t, chunks, count)
	reg := chunk.NewRegistry(chunks)
	backend := storage.NewMemory()
	for i := 0; i < count; i++ {
		require.NoError(t, backend.Prepare(i))
		_, err := backend.Write(i, make([]byte, chunkSize))
		require.NoError(t, err)
	}
	return reg, backend
}

func TestMerger_ToStdout_StrictOrder(t *testing.T) {
	// Scenario 6 from spec.md §8: chunks finish in the order {2,1,3,0}.
	// The merger must still emit 0,1,2,3 in that order, with chunk 2
	// waiting until chunk 1 (and 0) have merged.
	reg, backend := newTestRegistryAndBackend(t, 10, 4)
	sink := &fakeSink{}
	log := logrus.NewEntry(logrus.New())
	m := New(reg, backend, sink, 10, true, log)

	reg.SetProgress(2, chunk.Finished)
	n, err := m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "chunk 2 must wait for chunks 0 and 1")
	assert.Equal(t, chunk.Finished, reg.At(2).Progress())

	reg.SetProgress(1, chunk.Finished)
	n, err = m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "chunk 1 must still wait for chunk 0")

	reg.SetProgress(3, chunk.Finished)
	n, err = m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "chunk 3 must wait for chunks 0..2")

	reg.SetProgress(0, chunk.Finished)
	n, err = m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 4, n, "merging chunk 0 cascades through 1, 2, 3")

	assert.Equal(t, []int64{0, 10, 20, 30}, sink.writes)
	for i := 0; i < 4; i++ {
		assert.Equal(t, chunk.Merged, reg.At(i).Progress())
	}
}

func TestMerger_NotToStdout_AnyOrder(t *testing.T) {
	reg, backend := newTestRegistryAndBackend(t, 10, 3)
	sink := &fakeSink{}
	log := logrus.NewEntry(logrus.New())
	m := New(reg, backend, sink, 10, false, log)

	reg.SetProgress(2, chunk.Finished)
	n, err := m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "non-stdout merges complete chunks regardless of order")
	assert.Equal(t, chunk.Merged, reg.At(2).Progress())
}

func TestMerger_Done(t *testing.T) {
	reg, backend := newTestRegistryAndBackend(t, 10, 1)
	log := logrus.NewEntry(logrus.New())
	m := New(reg, backend, &fakeSink{}, 10, false, log)

	assert.False(t, m.Done(false))

	reg.SetProgress(0, chunk.Finished)
	_, err := m.Tick()
	require.NoError(t, err)
	assert.True(t, m.Done(false))
}

var _ io.WriterAt = (*fakeSink)(nil)
