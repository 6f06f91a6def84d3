// Package scheduler picks the next chunk to hand to a free worker,
// honoring the last-N-chunks-first and last-N-bytes-first bias policies,
// grounded on saldl's queue.c (pick_next_last_first/pick_next).
package scheduler

import (
	"github.com/saldl-go/saldl/internal/chunk"
)

// Policy carries the subset of params.Options the scheduler consults.
type Policy struct {
	LastSizeFirst   int64
	LastChunksFirst int
	ChunkSize       int64
	RemSize         int64
}

// PickNext selects the next NOT_STARTED chunk per spec.md §4.3's
// three-step policy. Returns nil if no NOT_STARTED chunk remains.
func PickNext(registry *chunk.Registry, pol Policy) *chunk.Chunk {
	if c := pickLastFirst(registry, pol); c != nil {
		return c
	}
	return registry.First(chunk.NotStarted, true)
}

func pickLastFirst(registry *chunk.Registry, pol Policy) *chunk.Chunk {
	count := registry.Len()
	endIdx := count - 1

	if pol.LastSizeFirst == 0 && pol.LastChunksFirst == 0 {
		return nil
	}

	var lastFirst int
	if pol.LastSizeFirst > 0 {
		lastFirst = lastChunkFromLastSize(pol, count)
	} else if pol.RemSize != 0 {
		lastFirst = min(pol.LastChunksFirst+1, endIdx)
	} else {
		lastFirst = min(pol.LastChunksFirst, endIdx)
	}

	startIdx := 0
	if lastFirst > 0 {
		startIdx = count - lastFirst
	}

	return registry.FirstInRange(chunk.NotStarted, true, startIdx, endIdx)
}

// lastChunkFromLastSize computes how many trailing chunks are covered by
// last_size_first bytes, capped at chunkCount-1, matching
// last_chunk_from_last_size. An oversized last_size_first is capped
// silently; no warning is emitted.
func lastChunkFromLastSize(pol Policy, chunkCount int) int {
	lastSizeFirst := pol.LastSizeFirst

	if lastSizeFirst <= pol.RemSize {
		if lastSizeFirst > 0 {
			return 1
		}
		return 0
	}

	remaining := lastSizeFirst - pol.RemSize
	n := remaining / pol.ChunkSize
	if remaining%pol.ChunkSize != 0 {
		n++
	}
	if pol.RemSize != 0 {
		n++
	}
	if int(n) > chunkCount-1 {
		return chunkCount - 1
	}
	return int(n)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
