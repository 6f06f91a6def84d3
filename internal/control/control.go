// Package control implements the control-file writer and the resume
// reconstructor, grounded one-to-one at the semantics level on saldl's
// ctrl.c (the 4-line text format, the fixed-pos in-place progress
// rewrite) and resume.c (extra_resume/resume_was_single/
// resume_was_default/check_resume).
package control

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/saldl-go/saldl/internal/assert"
	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/internal/saldlerr"
)

// Snapshot is the parsed contents of a control file.
type Snapshot struct {
	FileSize    int64
	ChunkSize   int64
	RemSize     int64
	ChunkCount  int
	ProgressStr string
}

// Parse reads the control file's 4-line textual format:
// "<file_size>\n<chunk_size>\n<rem_size>\n<progress_string>\n".
func Parse(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	fileSize, err := readNumLine(r)
	if err != nil {
		return nil, saldlerr.NewFatal("control file: reading file_size: %w", err)
	}
	chunkSize, err := readNumLine(r)
	if err != nil {
		return nil, saldlerr.NewFatal("control file: reading chunk_size: %w", err)
	}
	remSize, err := readNumLine(r)
	if err != nil {
		return nil, saldlerr.NewFatal("control file: reading rem_size: %w", err)
	}
	progress, err := r.ReadString('\n')
	if err != nil {
		return nil, saldlerr.NewFatal("control file: reading progress string: %w", err)
	}
	progress = strings.TrimSuffix(progress, "\n")
	if progress == "" {
		return nil, saldlerr.NewFatal("control file: empty progress string")
	}

	return &Snapshot{
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		RemSize:     remSize,
		ChunkCount:  len(progress),
		ProgressStr: progress,
	}, nil
}

func readNumLine(r *bufio.Reader) (int64, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(line, "\n")
	return strconv.ParseInt(line, 10, 64)
}

// Writer owns the on-disk control file and rewrites only the progress
// string in place after the initial header write, matching sync_ctrl's
// ctrl->pos capture and ctrl_update_cb's fseek-to-pos rewrite.
type Writer struct {
	path     string
	lock     *flock.Flock
	f        *os.File
	pos      int64
	rawStatus []byte
}

// Open creates (truncating) the control file at path, writes the header
// lines, and records pos -- the byte offset where the progress string
// begins -- for later in-place rewrites. It also takes an exclusive
// advisory lock on path+".lock" for the run's duration, so two saldl
// processes can never race on the same control/part file pair.
func Open(path string, fileSize, chunkSize, remSize int64, chunkCount int) (*Writer, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, saldlerr.NewFatal("control file: acquiring lock: %w", err)
	}
	if !locked {
		return nil, saldlerr.NewFatal("control file: %s is locked by another saldl process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, saldlerr.NewFatal("control file: open %s: %w", path, err)
	}

	w := &Writer{path: path, lock: lock, f: f, rawStatus: make([]byte, chunkCount)}
	for i := range w.rawStatus {
		w.rawStatus[i] = chunk.NotStarted.Char()
	}

	header := fmt.Sprintf("%d\n%d\n%d\n", fileSize, chunkSize, remSize)
	if _, err := f.WriteString(header); err != nil {
		return nil, saldlerr.NewFatal("control file: write header: %w", err)
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	w.pos = pos

	if _, err := f.Write(append(append([]byte{}, w.rawStatus...), '\n')); err != nil {
		return nil, saldlerr.NewFatal("control file: write initial progress string: %w", err)
	}
	return w, f.Sync()
}

// OpenExisting reopens an existing control file for rewriting, used when
// resuming: the header stays as-is, only pos is recomputed.
func OpenExisting(path string, snap *Snapshot) (*Writer, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, saldlerr.NewFatal("control file: acquiring lock: %w", err)
	}
	if !locked {
		return nil, saldlerr.NewFatal("control file: %s is locked by another saldl process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, saldlerr.NewFatal("control file: reopen %s: %w", path, err)
	}

	header := fmt.Sprintf("%d\n%d\n%d\n", snap.FileSize, snap.ChunkSize, snap.RemSize)
	pos := int64(len(header))

	return &Writer{path: path, lock: lock, f: f, pos: pos, rawStatus: []byte(snap.ProgressStr)}, nil
}

// Update rewrites the progress character for chunk idx and flushes the
// full progress string to disk at the fixed pos offset, mirroring
// ctrl_update_cb's fseek(ctrl_file, ctrl->pos, SEEK_SET) + fputs.
func (w *Writer) Update(idx int, p chunk.Progress) error {
	assert.True(idx >= 0 && idx < len(w.rawStatus), "control writer: chunk index %d out of range", idx)
	w.rawStatus[idx] = p.Char()

	if _, err := w.f.Seek(w.pos, io.SeekStart); err != nil {
		return fmt.Errorf("control file: seek to progress string: %w", err)
	}
	if _, err := w.f.Write(append(append([]byte{}, w.rawStatus...), '\n')); err != nil {
		return fmt.Errorf("control file: rewrite progress string: %w", err)
	}
	return w.f.Sync()
}

// Close flushes, releases the lock, and closes the underlying file.
// Callers remove the file separately on successful completion.
func (w *Writer) Close() error {
	err := w.f.Close()
	w.lock.Unlock()
	return err
}

// Remove deletes the control file and its lock file, called on
// successful completion.
func (w *Writer) Remove() error {
	os.Remove(w.path + ".lock")
	return os.Remove(w.path)
}

// ReconstructResult is the outcome of resuming from a prior control file.
type ReconstructResult struct {
	InitialMergedCount int
	AlreadyFinished    bool
	DoneSize           int64
	NumConnections     int
	// ChunkStates[i] is the progress to seed chunk i with.
	ChunkStates []chunk.Progress
	// ResumeOffsets[i] is the size_complete to seed chunk i with, for
	// chunks being resumed mid-flight (FINISHED/STARTED).
	ResumeOffsets []int64
}

// TornTailGuard rounds a measured on-disk size down by 4KiB to guard
// against a torn tail left by an interrupted write, per resume.c's
// "saldl_max(4096, size) - 4096".
func TornTailGuard(size int64) int64 {
	if size < 4096 {
		size = 4096
	}
	return size - 4096
}

// Reconstruct implements check_resume/extra_resume: parses the control
// file, validates it against the current run's file size, and produces
// the seed state for every chunk plus the reduced connection count.
//
// partFileSize is the actual on-disk size of the .part file, matching
// resume_was_single's saldl_fsizeo(info_ptr->part_filename, ...) stat --
// done_size for a prior single-mode run is derived from it, never from
// the remote fileSize.
//
// statFn reports the on-disk size of the temp artifact for chunk idx
// (or (0, false) if it doesn't exist); it is nil when mem_bufs is set,
// since there is no temp file to inspect in that case.
func Reconstruct(snap *Snapshot, fileSize int64, requestedChunkSize, requestedRemSize int64, requestedNumConnections int, memBufs bool, singleMode bool, partFileSize int64, statFn func(idx int) (int64, bool)) (*ReconstructResult, error) {
	if snap.FileSize != fileSize {
		if snap.FileSize == 0 {
			// a stored size of 0 is accepted as an unknown prior size;
			// no warning is emitted
		} else {
			return nil, saldlerr.NewFatal("resume: control file size %d does not match current file size %d", snap.FileSize, fileSize)
		}
	}

	result := &ReconstructResult{
		ChunkStates:   make([]chunk.Progress, snap.ChunkCount),
		ResumeOffsets: make([]int64, snap.ChunkCount),
	}
	for i := range result.ChunkStates {
		result.ChunkStates[i] = chunk.NotStarted
	}

	singlePriorRun := snap.ChunkSize == snap.FileSize

	if singlePriorRun {
		result.DoneSize = TornTailGuard(partFileSize)
		if requestedChunkSize > 0 {
			result.InitialMergedCount = int(result.DoneSize / requestedChunkSize)
		}
	} else {
		mergedPrefix := 0
		for mergedPrefix < len(snap.ProgressStr) {
			p, ok := chunk.FromChar(snap.ProgressStr[mergedPrefix])
			if !ok {
				return nil, saldlerr.NewFatal("resume: invalid progress char %q at index %d", snap.ProgressStr[mergedPrefix], mergedPrefix)
			}
			if p != chunk.Merged {
				break
			}
			mergedPrefix++
		}
		if mergedPrefix == len(snap.ProgressStr) {
			result.DoneSize = fileSize
		} else {
			result.DoneSize = snap.ChunkSize * int64(mergedPrefix)
		}
		result.InitialMergedCount = mergedPrefix
		for i := 0; i < mergedPrefix; i++ {
			result.ChunkStates[i] = chunk.Merged
		}
	}

	// extra_resume only runs if config is unchanged since the prior run
	// and this isn't the single-mode case.
	if snap.ChunkSize == requestedChunkSize && snap.RemSize == requestedRemSize && snap.ChunkSize != snap.FileSize {
		for i := result.InitialMergedCount; i < len(snap.ProgressStr); i++ {
			p, ok := chunk.FromChar(snap.ProgressStr[i])
			if !ok {
				return nil, saldlerr.NewFatal("resume: invalid progress char %q at index %d", snap.ProgressStr[i], i)
			}
			switch p {
			case chunk.Merged:
				result.ChunkStates[i] = chunk.Merged
				result.InitialMergedCount++
			case chunk.Finished, chunk.Started:
				if memBufs || statFn == nil {
					result.ChunkStates[i] = chunk.NotStarted
					continue
				}
				size, exists := statFn(i)
				if !exists {
					result.ChunkStates[i] = chunk.NotStarted
					continue
				}
				result.ChunkStates[i] = chunk.Started
				result.ResumeOffsets[i] = TornTailGuard(size)
			case chunk.Queued, chunk.NotStarted:
				result.ChunkStates[i] = chunk.NotStarted
			default:
				return nil, saldlerr.NewFatal("resume: unexpected progress state %s at index %d", p, i)
			}
		}
	}

	result.NumConnections = requestedNumConnections
	if remaining := len(snap.ProgressStr) - result.InitialMergedCount; remaining < result.NumConnections {
		result.NumConnections = remaining
	}
	if result.NumConnections < 1 {
		result.NumConnections = 1
	}

	if result.DoneSize == fileSize {
		result.AlreadyFinished = true
	}

	// check_resume seeds chunk 0's size_complete from done_size
	// unconditionally whenever the current run is single-mode, regardless
	// of which branch above computed done_size.
	if singleMode && len(result.ChunkStates) > 0 {
		result.ResumeOffsets[0] = result.DoneSize
		if result.AlreadyFinished {
			result.ChunkStates[0] = chunk.Merged
		} else if result.DoneSize > 0 {
			result.ChunkStates[0] = chunk.Started
		}
	}

	return result, nil
}
