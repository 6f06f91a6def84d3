// Package status is the status/progress aggregator: it periodically
// summarizes aggregate bytes, per-chunk progress, instantaneous and
// cumulative rates, and ETA, rendering either an interactive Bubble Tea
// display (adapted from the teacher's ProgressManager.go/
// UDMProgressBar.go) or a plain log-line summary when stdout isn't a
// tty, with optional Prometheus metrics grounded on docker/model-runner's
// pkg/metrics/metrics.go tracker pattern.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/pkg/readable"
)

// Snapshot is one tick's worth of aggregate progress, computed by
// Aggregator.Tick.
type Snapshot struct {
	FileSize       int64
	CompleteSize   int64
	InitialComplete int64
	Rate           float64
	CurrRate       float64
	Duration       time.Duration
	ETA            time.Duration
	Counts         chunk.Counts
	ChunkCount     int
	SingleMode     bool
}

// Metrics holds the optional Prometheus instrumentation, registered only
// when --metrics-addr is set.
type Metrics struct {
	chunkState   *prometheus.GaugeVec
	bytesTotal   prometheus.Counter
	rateBytes    prometheus.Gauge
	lastBytes    int64
}

// NewMetrics registers the saldl_* gauges/counters on reg, mirroring
// docker/model-runner's promauto-registered tracker metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saldl_chunk_state",
			Help: "Count of chunks currently in each progress state.",
		}, []string{"state"}),
		bytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "saldl_bytes_complete_total",
			Help: "Cumulative bytes written to local storage.",
		}),
		rateBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "saldl_download_rate_bytes",
			Help: "Instantaneous download rate in bytes/sec.",
		}),
	}
}

func (m *Metrics) Observe(s Snapshot) {
	if m == nil {
		return
	}
	m.chunkState.WithLabelValues("merged").Set(float64(s.Counts.Merged))
	m.chunkState.WithLabelValues("finished").Set(float64(s.Counts.Finished))
	m.chunkState.WithLabelValues("started").Set(float64(s.Counts.Started))
	m.chunkState.WithLabelValues("queued").Set(float64(s.Counts.Queued))
	m.chunkState.WithLabelValues("not_started").Set(float64(s.Counts.NotStarted))
	if d := s.CompleteSize - s.InitialComplete - m.lastBytes; d > 0 {
		m.bytesTotal.Add(float64(d))
		m.lastBytes += d
	}
	m.rateBytes.Set(s.CurrRate)
}

// Aggregator computes Snapshot values from live state every tick.
type Aggregator struct {
	log      *logrus.Entry
	registry *chunk.Registry
	fileSize int64
	start    time.Time
	prevTime time.Time
	prevSize int64
	initial  int64
	metrics  *Metrics
	noStatus bool
}

func NewAggregator(log *logrus.Entry, registry *chunk.Registry, fileSize, initialComplete int64, metrics *Metrics, noStatus bool) *Aggregator {
	now := time.Now()
	return &Aggregator{
		log: log, registry: registry, fileSize: fileSize,
		start: now, prevTime: now, initial: initialComplete,
		metrics: metrics, noStatus: noStatus,
	}
}

// Tick computes a fresh Snapshot, matching status_update_cb's rate/ETA
// derivation in status.c.
func (a *Aggregator) Tick() Snapshot {
	now := time.Now()
	complete := a.registry.CompleteSize() + a.initial
	dur := now.Sub(a.start).Seconds()
	currDur := now.Sub(a.prevTime).Seconds()

	var rate, currRate float64
	if dur > 0 {
		rate = float64(complete-a.initial) / dur
	}
	if currDur > 0 {
		currRate = float64(complete-a.prevSize) / currDur
	}

	var eta time.Duration
	if rate > 0 {
		remaining := a.fileSize - complete
		eta = time.Duration(float64(remaining)/rate) * time.Second
	}

	a.prevTime = now
	a.prevSize = complete

	snap := Snapshot{
		FileSize:        a.fileSize,
		CompleteSize:    complete,
		InitialComplete: a.initial,
		Rate:            rate,
		CurrRate:        currRate,
		Duration:        time.Duration(dur) * time.Second,
		ETA:             eta,
		Counts:          a.registry.Counts(),
		ChunkCount:      a.registry.Len(),
	}

	if a.metrics != nil {
		a.metrics.Observe(snap)
	}

	return snap
}

// IsInteractive decides whether to run the Bubble Tea display or fall
// back to plain log-line summaries, the narrow "OS specifics for isatty"
// collaborator.
func IsInteractive(fd uintptr, noStatus bool) bool {
	return !noStatus && isatty.IsTerminal(fd)
}

// LogLine renders one plain-text summary line, used when not interactive.
func LogLine(s Snapshot) string {
	return fmt.Sprintf("%s / %s (%s) rate=%s eta=%s merged=%d/%d",
		readable.FileSize(s.CompleteSize), readable.FileSize(s.FileSize),
		readable.Percentage(s.CompleteSize, s.FileSize),
		readable.Rate(s.CurrRate), readable.Duration(s.ETA.Seconds()),
		s.Counts.Merged, s.ChunkCount)
}

var (
	mergedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	finishedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	startedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	notStartedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// chunkCell renders one chunk as a single colored cell, the Go rendering
// of status.c's colorset: one character per chunk, colored by state.
func chunkCell(p chunk.Progress) string {
	switch p {
	case chunk.Merged:
		return mergedStyle.Render("█")
	case chunk.Finished:
		return finishedStyle.Render("█")
	case chunk.Started:
		return startedStyle.Render("█")
	default:
		return notStartedStyle.Render("░")
	}
}

// model is the Bubble Tea program state, adapted from the teacher's
// UDMProgressModel: a gradient aggregate bar plus a per-chunk grid.
type model struct {
	bar      progress.Model
	registry *chunk.Registry
	agg      *Aggregator
	last     Snapshot
	done     bool
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(registry *chunk.Registry, agg *Aggregator) model {
	return model{
		bar:      progress.New(progress.WithDefaultGradient()),
		registry: registry,
		agg:      agg,
	}
}

func (m model) Init() tea.Cmd { return tickCmd() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tickMsg:
		m.last = m.agg.Tick()
		if m.last.Counts.Merged == m.last.ChunkCount {
			m.done = true
			return m, tea.Quit
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	if m.done {
		return "download complete\n"
	}

	var grid strings.Builder
	for i := 0; i < m.registry.Len(); i++ {
		grid.WriteString(chunkCell(m.registry.At(i).Progress()))
		if (i+1)%64 == 0 {
			grid.WriteString("\n")
		}
	}

	frac := 0.0
	if m.last.FileSize > 0 {
		frac = float64(m.last.CompleteSize) / float64(m.last.FileSize)
	}

	return fmt.Sprintf("%s\n%s\n%s\n",
		grid.String(),
		m.bar.ViewAs(frac),
		LogLine(m.last),
	)
}

// RunInteractive drives the Bubble Tea program until the download
// completes or the user quits.
func RunInteractive(registry *chunk.Registry, agg *Aggregator) error {
	p := tea.NewProgram(newModel(registry, agg))
	_, err := p.Run()
	return err
}
