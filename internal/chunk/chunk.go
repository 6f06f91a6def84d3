// Package chunk implements the per-chunk progress state machine and the
// progress registry: predicates and iterators answering "first chunk
// matching state P" and "any chunk not in state P", with wakeups fanned
// out on every state transition.
package chunk

import (
	"sync"

	"github.com/saldl-go/saldl/internal/assert"
)

// Progress is the state of one chunk. Values are stable since the control
// file encodes them as the single digit '0'+Progress.
type Progress int

const (
	NotStarted Progress = iota
	Queued
	Started
	Finished
	Merged
)

func (p Progress) Char() byte { return byte('0' + p) }

// FromChar parses a control-file progress digit. ok is false for any
// character outside '0'..'4'.
func FromChar(c byte) (Progress, bool) {
	if c < '0' || c > '4' {
		return 0, false
	}
	return Progress(c - '0'), true
}

func (p Progress) String() string {
	switch p {
	case NotStarted:
		return "NOT_STARTED"
	case Queued:
		return "QUEUED"
	case Started:
		return "STARTED"
	case Finished:
		return "FINISHED"
	case Merged:
		return "MERGED"
	default:
		return "UNKNOWN"
	}
}

// Chunk is one contiguous byte range of the remote object.
type Chunk struct {
	mu sync.Mutex

	Index    int
	Size     int64
	RangeStart int64
	RangeEnd   int64

	// CurrRangeStart is updated on retry/reset, tracking the resume point
	// within the chunk independent of the original RangeStart.
	CurrRangeStart int64

	sizeComplete int64
	progress     Progress

	// FromMirror records whether the bytes currently on storage for this
	// chunk came from the validated mirror URL rather than the primary.
	FromMirror bool
}

// NewChunk builds a chunk covering [start, end] inclusive.
func NewChunk(index int, start, end int64) *Chunk {
	assert.True(end >= start, "chunk %d has end %d < start %d", index, end, start)
	return &Chunk{
		Index:          index,
		Size:           end - start + 1,
		RangeStart:     start,
		RangeEnd:       end,
		CurrRangeStart: start,
		progress:       NotStarted,
	}
}

func (c *Chunk) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

func (c *Chunk) SizeComplete() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeComplete
}

// SetSizeComplete updates bytes-on-storage for this chunk. It is the
// worker's progress callback's job to keep this monotonic within a single
// attempt and to invoke Reset between attempts.
func (c *Chunk) SetSizeComplete(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(n >= 0 && n <= c.Size, "chunk %d size_complete %d out of [0,%d]", c.Index, n, c.Size)
	c.sizeComplete = n
}

// Reset rewinds the chunk for a retry: size_complete is reduced to
// resumeOffset and curr_range_start advances accordingly. progress stays
// STARTED throughout (the state machine only moves STARTED->STARTED here).
func (c *Chunk) Reset(resumeOffset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(c.progress == Started, "chunk %d reset while in state %s", c.Index, c.progress)
	c.sizeComplete = resumeOffset
	c.CurrRangeStart = c.RangeStart + resumeOffset
}

// Registry owns the chunk array and answers progress predicates. Wakeups
// on transition are delivered via a Notifier set by the session
// orchestrator once the event engine is wired; nil Notifier is a no-op,
// which keeps this package importable by tests without an event engine.
type Registry struct {
	mu       sync.RWMutex
	chunks   []*Chunk
	Notifier func(idx int, newState Progress)
}

func NewRegistry(chunks []*Chunk) *Registry {
	return &Registry{chunks: chunks}
}

func (r *Registry) Len() int { return len(r.chunks) }

func (r *Registry) At(idx int) *Chunk { return r.chunks[idx] }

// SetProgress writes the new state then (after releasing the chunk's own
// lock) fans out the notification, so a callback re-reading the chunk's
// state during the notification always observes the new value.
func (r *Registry) SetProgress(idx int, newState Progress) {
	c := r.chunks[idx]
	c.mu.Lock()
	assert.True(newState >= c.progress, "chunk %d state regressed from %s to %s", idx, c.progress, newState)
	c.progress = newState
	c.mu.Unlock()

	if r.Notifier != nil {
		r.Notifier(idx, newState)
	}
}

// Exists reports whether any chunk's state equals (match=true) or differs
// from (match=false) the given state.
func (r *Registry) Exists(state Progress, match bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.chunks {
		if (c.Progress() == state) == match {
			return true
		}
	}
	return false
}

// First returns the first chunk whose state equals/differs from state, or
// nil if none qualifies.
func (r *Registry) First(state Progress, match bool) *Chunk {
	return r.FirstInRange(state, match, 0, len(r.chunks)-1)
}

// FirstInRange restricts the scan to chunk indices [lo, hi] inclusive.
func (r *Registry) FirstInRange(state Progress, match bool, lo, hi int) *Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lo < 0 {
		lo = 0
	}
	if hi > len(r.chunks)-1 {
		hi = len(r.chunks) - 1
	}
	for i := lo; i <= hi; i++ {
		c := r.chunks[i]
		if (c.Progress() == state) == match {
			return c
		}
	}
	return nil
}

// LastInRange is the range-bounded mirror of FirstInRange, scanning from hi
// down to lo.
func (r *Registry) LastInRange(state Progress, match bool, lo, hi int) *Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lo < 0 {
		lo = 0
	}
	if hi > len(r.chunks)-1 {
		hi = len(r.chunks) - 1
	}
	for i := hi; i >= lo; i-- {
		c := r.chunks[i]
		if (c.Progress() == state) == match {
			return c
		}
	}
	return nil
}

// Counts tallies chunks per state, used by the status aggregator.
type Counts struct {
	Merged, Finished, Started, Queued, NotStarted int
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c Counts
	for _, ch := range r.chunks {
		switch ch.Progress() {
		case Merged:
			c.Merged++
		case Finished:
			c.Finished++
		case Started:
			c.Started++
		case Queued:
			c.Queued++
		case NotStarted:
			c.NotStarted++
		}
	}
	return c
}

// CompleteSize sums size_complete across all chunks.
func (r *Registry) CompleteSize() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, c := range r.chunks {
		total += c.SizeComplete()
	}
	return total
}

// Split partitions fileSize bytes into chunkSize-sized chunks, the
// remainder (if any) going to the final chunk, per DESIGN.md's note on
// adapting the teacher's DivideChunks to the original's convention.
func Split(fileSize, chunkSize int64) []*Chunk {
	assert.True(chunkSize > 0, "chunk size must be positive, got %d", chunkSize)
	if fileSize == 0 {
		return []*Chunk{NewChunk(0, 0, 0)}
	}
	count := fileSize / chunkSize
	rem := fileSize % chunkSize
	if rem > 0 {
		count++
	}
	chunks := make([]*Chunk, 0, count)
	var offset int64
	for i := int64(0); i < count; i++ {
		end := offset + chunkSize - 1
		if end > fileSize-1 {
			end = fileSize - 1
		}
		chunks = append(chunks, NewChunk(int(i), offset, end))
		offset = end + 1
	}
	return chunks
}
