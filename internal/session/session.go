// Package session owns the Info aggregate and the global orchestrator:
// it initializes every collaborator, starts the service loops, waits for
// the terminal condition, joins, and performs the final rename/cleanup.
// This is the Go rendering of spec.md's "Global orchestrator" component
// and of the original's info_s as a value owned by one goroutine instead
// of a process-global consulted by a signal handler (see DESIGN.md's
// Open Question / Design Note entries).
package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/internal/control"
	"github.com/saldl-go/saldl/internal/event"
	"github.com/saldl-go/saldl/internal/fsutil"
	"github.com/saldl-go/saldl/internal/merger"
	"github.com/saldl-go/saldl/internal/params"
	"github.com/saldl-go/saldl/internal/probe"
	"github.com/saldl-go/saldl/internal/saldlerr"
	"github.com/saldl-go/saldl/internal/scheduler"
	"github.com/saldl-go/saldl/internal/status"
	"github.com/saldl-go/saldl/internal/storage"
	"github.com/saldl-go/saldl/internal/transport"
	"github.com/saldl-go/saldl/internal/worker"
)

// Session is the per-run state aggregate (Info in spec.md's Data Model).
type Session struct {
	Opts      *params.Options
	Log       *logrus.Entry
	Client    transport.Client
	SessionID string

	layout     fsutil.Layout
	fileSize   int64
	chunkSize  int64
	remSize    int64
	singleMode bool
	resume     bool

	registry *chunk.Registry
	backend  storage.Backend
	ctrl     *control.Writer
	merge    *merger.Merger
	agg      *status.Aggregator
	metrics  *status.Metrics

	alreadyFinished bool
	initialComplete int64
	numConnections  int
	partFile        *os.File
}

// New builds a Session with a fresh correlation id, used as the logrus
// "session" field throughout every collaborator.
func New(opts *params.Options, baseLog *logrus.Logger, client transport.Client) *Session {
	id := uuid.New().String()
	return &Session{
		Opts:      opts,
		Log:       baseLog.WithField("session", id),
		Client:    client,
		SessionID: id,
	}
}

// SetMetrics attaches Prometheus instrumentation, wired in by cmd/saldl
// when --metrics-addr is set. Must be called before Run.
func (s *Session) SetMetrics(m *status.Metrics) {
	s.metrics = m
}

// ProbeOnly runs just the remote probe, used by `saldl info URL`; it never
// creates on-disk artifacts.
func (s *Session) ProbeOnly(ctx context.Context) (*probe.Info, error) {
	return probe.Probe(ctx, s.Client, s.Log, s.Opts)
}

// Run executes the full session lifecycle: probe, size, (resume), spawn
// workers, merge, persist control state, finalize.
func (s *Session) Run(ctx context.Context) error {
	info, err := probe.Probe(ctx, s.Client, s.Log.WithField("component", "probe"), s.Opts)
	if err != nil {
		return err
	}

	if info.NotModified {
		s.Log.Info("remote resource unchanged since time condition, nothing to do")
		return nil
	}

	s.singleMode, s.resume = probe.DecideMode(info, s.Opts)
	s.fileSize = info.FileSize

	if s.Opts.MirrorURL != "" {
		if _, err := probe.ValidateMirror(ctx, s.Client, s.Log, s.Opts, info); err != nil {
			return err
		}
	}

	filename := s.Opts.OutputFilename
	if filename == "" {
		filename = info.Filename
	}
	if s.Opts.NoPath {
		filename = fsutil.SanitizePath(filename)
	}
	if s.Opts.AutoTrunc || s.Opts.SmartTrunc {
		filename = fsutil.TruncateFilename(filename, s.Opts.SmartTrunc)
	}
	root := s.Opts.RootDir
	if root == "" {
		root = "."
	}
	finalPath := root + string(os.PathSeparator) + filename
	s.layout = fsutil.NewLayout(finalPath)

	if s.Opts.DryRun {
		s.Log.WithField("file_size", info.FileSize).Info("dry run: probe complete")
		return nil
	}

	if fsutil.Exists(s.layout.Final) && !s.Opts.Force && !s.Opts.Resume {
		return saldlerr.NewFatal("output path %s already exists", s.layout.Final)
	}

	var chunkCount int
	s.chunkSize, s.numConnections, s.remSize, chunkCount, s.singleMode = probe.SizeChunks(s.fileSize, s.Opts, 80)

	var reconstruction *control.ReconstructResult
	if s.resume && fsutil.Exists(s.layout.Part) && fsutil.Exists(s.layout.Control) {
		snap, err := control.Parse(s.layout.Control)
		if err != nil {
			return err
		}
		statFn := func(idx int) (int64, bool) {
			fi, err := os.Stat(fmt.Sprintf("%s/%d", s.layout.TmpDir, idx))
			if err != nil {
				return 0, false
			}
			return fi.Size(), true
		}
		var partFileSize int64
		if fi, statErr := os.Stat(s.layout.Part); statErr == nil {
			partFileSize = fi.Size()
		}
		reconstruction, err = control.Reconstruct(snap, s.fileSize, s.chunkSize, s.remSize, s.numConnections, s.Opts.MemBufs, s.singleMode, partFileSize, statFn)
		if err != nil {
			return err
		}
		s.numConnections = reconstruction.NumConnections
		s.alreadyFinished = reconstruction.AlreadyFinished
		s.initialComplete = reconstruction.DoneSize
	}

	chunks := chunk.Split(s.fileSize, s.chunkSize)
	s.registry = chunk.NewRegistry(chunks)
	if reconstruction != nil {
		for i, st := range reconstruction.ChunkStates {
			if i >= len(chunks) {
				break
			}
			s.registry.SetProgress(i, st)
			if reconstruction.ResumeOffsets[i] > 0 {
				chunks[i].SetSizeComplete(reconstruction.ResumeOffsets[i])
				chunks[i].CurrRangeStart = chunks[i].RangeStart + reconstruction.ResumeOffsets[i]
			}
		}
	}

	if err := fsutil.MkdirAll(root); err != nil {
		return saldlerr.NewFatal("mkdir %s: %w", root, err)
	}

	partFile, err := os.OpenFile(s.layout.Part, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return saldlerr.NewFatal("open part file: %w", err)
	}
	s.partFile = partFile
	defer partFile.Close()
	if err := partFile.Truncate(s.fileSize); err != nil {
		return saldlerr.NewFatal("truncate part file: %w", err)
	}

	switch {
	case s.Opts.ReadOnly:
		s.backend = storage.NewNullSink()
	case s.singleMode:
		s.backend = storage.NewSingleFile(partFile)
	case s.Opts.MemBufs:
		s.backend = storage.NewMemory()
	default:
		tf, err := storage.NewTmpFile(s.layout.TmpDir)
		if err != nil {
			return err
		}
		s.backend = tf
	}
	defer s.backend.Close()

	if s.alreadyFinished {
		s.Log.Info("resume: download already complete, skipping to finalize")
	} else if err := s.download(ctx); err != nil {
		return err
	}

	if err := s.finalize(); err != nil {
		return err
	}

	return nil
}

func (s *Session) download(ctx context.Context) error {
	var err error
	if s.resume && fsutil.Exists(s.layout.Control) {
		snap, perr := control.Parse(s.layout.Control)
		if perr == nil {
			s.ctrl, err = control.OpenExisting(s.layout.Control, snap)
		}
	}
	if s.ctrl == nil {
		s.ctrl, err = control.Open(s.layout.Control, s.fileSize, s.chunkSize, s.remSize, s.registry.Len())
	}
	if err != nil {
		return err
	}
	defer s.ctrl.Close()

	inOrder := (s.Opts.Stdout && !s.Opts.RandomOrder) || s.Opts.MergeInOrder
	s.merge = merger.New(s.registry, s.backend, s.partFile, s.chunkSize, inOrder, s.Log.WithField("component", "merger"))

	s.agg = status.NewAggregator(s.Log.WithField("component", "status"), s.registry, s.fileSize, s.initialComplete, s.metrics, s.Opts.NoStatus)

	interrupted := false

	mergeEvent := event.New(event.FDMerge, 2*time.Second)
	ctrlEvent := event.New(event.FDCtrl, 500*time.Millisecond)
	statusEvent := event.New(event.FDStatus, s.Opts.StatusRefreshInterval)
	trigger := event.NewTrigger(mergeEvent, ctrlEvent, statusEvent)

	s.registry.Notifier = func(idx int, newState chunk.Progress) {
		mergeEvent.Queue()
		ctrlEvent.Queue()
		statusEvent.Queue()
	}

	g, gctx := errgroup.WithContext(ctx)

	pool := &worker.Pool{
		Registry: s.registry,
		Backend:  s.backend,
		Client:   s.Client,
		Opts:     withConnections(s.Opts, s.numConnections),
		Log:      s.Log.WithField("component", "worker"),
		Policy: scheduler.Policy{
			LastSizeFirst:   s.Opts.LastSizeFirst,
			LastChunksFirst: s.Opts.LastChunksFirst,
			ChunkSize:       s.chunkSize,
			RemSize:         s.remSize,
		},
		URL:        s.Opts.URL,
		SingleMode: s.singleMode,
	}

	g.Go(func() error {
		err := pool.Run(gctx)
		interrupted = interrupted || err != nil
		return err
	})

	g.Go(func() error { return s.runTriggerLoop(gctx, trigger, &interrupted) })
	g.Go(func() error { return s.runMergeLoop(gctx, mergeEvent, &interrupted) })
	g.Go(func() error { return s.runCtrlLoop(gctx, ctrlEvent, &interrupted) })
	if status.IsInteractive(os.Stdout.Fd(), s.Opts.NoStatus) {
		g.Go(func() error {
			defer statusEvent.Deactivate()
			return status.RunInteractive(s.registry, s.agg)
		})
	} else {
		g.Go(func() error { return s.runStatusLoop(gctx, statusEvent, &interrupted) })
	}

	return g.Wait()
}

func withConnections(opts *params.Options, n int) *params.Options {
	clone := *opts
	clone.NumConnections = n
	return &clone
}

// runTriggerLoop drives the central Trigger (events.c's EVENT_TRIGGER):
// on every tick it takes each target's queued count and, if nonzero, fires
// that target's callback immediately rather than waiting out its own
// period, giving merge/ctrl/status a faster reaction to chunk state
// changes than their own fixed-period tickers alone would.
func (s *Session) runTriggerLoop(ctx context.Context, trigger *event.Trigger, interrupted *bool) error {
	trigger.Done = func() bool {
		return *interrupted || !s.registry.Exists(chunk.Merged, false)
	}
	go func() {
		<-ctx.Done()
		trigger.Deactivate()
	}()
	trigger.Run()
	return nil
}

func (s *Session) runMergeLoop(ctx context.Context, ev *event.Event, interrupted *bool) error {
	ev.MarkThreadStarted()
	ev.Init(func(event.FD) {
		if !*interrupted {
			s.merge.Tick()
		}
	})
	if s.registry.Exists(chunk.Merged, false) {
		go func() {
			for {
				select {
				case <-ctx.Done():
					ev.Deactivate()
					return
				case <-time.After(50 * time.Millisecond):
					if s.merge.Done(*interrupted) {
						ev.Deactivate()
						return
					}
				}
			}
		}()
		ev.Activate()
	}
	ev.Deinit()
	return nil
}

func (s *Session) runCtrlLoop(ctx context.Context, ev *event.Event, interrupted *bool) error {
	if s.singleMode {
		return nil
	}
	ev.MarkThreadStarted()
	ev.Init(func(event.FD) {
		if *interrupted {
			return
		}
		for i := 0; i < s.registry.Len(); i++ {
			s.ctrl.Update(i, s.registry.At(i).Progress())
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				ev.Deactivate()
				return
			case <-time.After(200 * time.Millisecond):
				if *interrupted || !s.registry.Exists(chunk.Merged, false) {
					ev.Deactivate()
					return
				}
			}
		}
	}()
	ev.Activate()
	ev.Deinit()
	return nil
}

func (s *Session) runStatusLoop(ctx context.Context, ev *event.Event, interrupted *bool) error {
	ev.MarkThreadStarted()
	ev.Init(func(event.FD) {
		if *interrupted {
			return
		}
		snap := s.agg.Tick()
		s.Log.Info(status.LogLine(snap))
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				ev.Deactivate()
				return
			case <-time.After(200 * time.Millisecond):
				if *interrupted || (!s.registry.Exists(chunk.Merged, false)) {
					ev.Deactivate()
					return
				}
			}
		}
	}()
	ev.Activate()
	ev.Deinit()
	return nil
}

// finalize renames the part file to its final name, then removes the
// control file and temp directory, matching the orchestrator's
// exit-on-success routine.
func (s *Session) finalize() error {
	if !s.registry.Exists(chunk.Merged, false) {
		if err := os.Rename(s.layout.Part, s.layout.Final); err != nil {
			return saldlerr.NewFatal("rename %s to %s: %w", s.layout.Part, s.layout.Final, err)
		}
	}

	if s.ctrl != nil {
		s.ctrl.Remove()
	} else {
		os.Remove(s.layout.Control)
	}

	if !s.Opts.MemBufs && !s.singleMode {
		os.RemoveAll(s.layout.TmpDir)
	}

	return nil
}
