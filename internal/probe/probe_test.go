package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/saldl-go/saldl/internal/params"
)

func TestSizeChunks_SegmentedHappyPath(t *testing.T) {
	opts := params.Default()
	chunkSize, numConnections, remSize, chunkCount, single := SizeChunks(5242880, opts, 80)

	assert.Equal(t, int64(1048576), chunkSize)
	assert.Equal(t, params.DefaultNumConnections, numConnections)
	assert.Equal(t, int64(0), remSize)
	assert.Equal(t, 5, chunkCount)
	assert.False(t, single)
}

func TestSizeChunks_ChunkCountOneCollapsesToSingleMode(t *testing.T) {
	opts := params.Default()
	opts.ChunkSize = 10 * 1024 * 1024
	_, numConnections, _, chunkCount, single := SizeChunks(1024*1024, opts, 80)

	assert.Equal(t, 1, chunkCount)
	assert.Equal(t, 1, numConnections)
	assert.True(t, single)
}

func TestSizeChunks_MinChunkSize(t *testing.T) {
	opts := params.Default()
	opts.ChunkSize = 100
	chunkSize, _, _, _, _ := SizeChunks(100*1024*1024, opts, 80)
	assert.GreaterOrEqual(t, chunkSize, params.MinChunkSize)
}

func TestSizeChunks_HalvesNearDegenerateBoundary(t *testing.T) {
	opts := params.Default()
	opts.ChunkSize = 1024 * 1024
	// file_size in (0.5*chunk_size, chunk_size] halves chunk_size
	chunkSize, _, _, _, single := SizeChunks(900*1024, opts, 80)
	assert.Equal(t, int64(512*1024), chunkSize)
	assert.False(t, single)
}

func TestDecideMode_NoRangeSupportForcesSingleAndDisablesResume(t *testing.T) {
	opts := params.Default()
	opts.Resume = true
	info := &Info{RangeSupport: false, EffectiveURL: "https://example.com/f"}

	single, resume := DecideMode(info, opts)
	assert.True(t, single)
	assert.False(t, resume)
}

func TestDecideMode_FTPWithoutSegmentsForcesSingle(t *testing.T) {
	opts := params.Default()
	info := &Info{RangeSupport: true, EffectiveURL: "ftp://example.com/f"}

	single, _ := DecideMode(info, opts)
	assert.True(t, single)
}

func TestDecideMode_CompressedContentForcesSingle(t *testing.T) {
	opts := params.Default()
	info := &Info{RangeSupport: true, ContentEncoded: true, EffectiveURL: "https://example.com/f"}

	single, _ := DecideMode(info, opts)
	assert.True(t, single)
}

func TestParseContentDisposition(t *testing.T) {
	name, ok := ParseContentDisposition(`attachment; filename="archive.zip"`)
	assert.True(t, ok)
	assert.Equal(t, "archive.zip", name)
}
