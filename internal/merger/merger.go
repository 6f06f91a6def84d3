// Package merger implements the merge loop: consume FINISHED chunks in
// monotonic order when streaming to a sink, otherwise in any order,
// appending bytes at the correct output offset then releasing storage.
// Grounded on saldl's merge.c (merge_finished_cb's piping-order check).
package merger

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/internal/storage"
)

// Merger drains FINISHED chunks into the output, honoring strict index
// order when ToStdout is set.
type Merger struct {
	registry  *chunk.Registry
	backend   storage.Backend
	out       io.WriterAt
	chunkSize int64
	toStdout  bool
	log       *logrus.Entry
}

func New(registry *chunk.Registry, backend storage.Backend, out io.WriterAt, chunkSize int64, toStdout bool, log *logrus.Entry) *Merger {
	return &Merger{registry: registry, backend: backend, out: out, chunkSize: chunkSize, toStdout: toStdout, log: log}
}

// Tick attempts to merge every currently-mergeable FINISHED chunk and
// returns the number merged. It is the Go rendering of merge_finished_cb's
// body, called once per event tick.
func (m *Merger) Tick() (int, error) {
	merged := 0
	for {
		c := m.registry.First(chunk.Finished, true)
		if c == nil {
			return merged, nil
		}

		if m.toStdout && c.Index != 0 {
			if m.registry.FirstInRange(chunk.Merged, false, 0, c.Index-1) != nil {
				// an earlier chunk isn't merged yet; wait for it
				return merged, nil
			}
		}

		if err := m.mergeOne(c); err != nil {
			return merged, err
		}
		merged++
	}
}

func (m *Merger) mergeOne(c *chunk.Chunk) error {
	offset := int64(c.Index) * m.chunkSize
	if err := m.backend.MergeInto(c.Index, m.out, offset, c.Size); err != nil {
		return err
	}
	m.registry.SetProgress(c.Index, chunk.Merged)
	m.log.WithField("chunk", c.Index).Debug("merged chunk")
	return nil
}

// Done reports whether the merge loop should deactivate: either every
// chunk is MERGED, or (passed in by the caller) the session has been
// interrupted.
func (m *Merger) Done(interrupted bool) bool {
	return interrupted || !m.registry.Exists(chunk.Merged, false)
}
