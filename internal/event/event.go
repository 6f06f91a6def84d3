// Package event is a small dispatcher of named event kinds (queue, merge,
// control, status, trigger), each owning a mutex, a timer, an
// active/inactive state machine, and a callback, modeled directly on
// saldl's libevent-based event_s/events.c.
package event

import (
	"sync"
	"time"

	"github.com/saldl-go/saldl/internal/assert"
)

// Status is the activation state of one event slot.
type Status int

const (
	Null Status = iota
	ThreadStarted
	Init
	Active
)

// FD is the virtual "fd" tag identifying which named event a slot is,
// mirroring the negative fake fd values in saldl's EVENT_FD enum.
type FD int

const (
	FDStatus FD = -1
	FDCtrl   FD = -2
	FDMerge  FD = -3
	FDQueue  FD = -4
	FDTrigger FD = -62
)

func (fd FD) String() string {
	switch fd {
	case FDStatus:
		return "EVENT_STATUS"
	case FDCtrl:
		return "EVENT_CTRL"
	case FDMerge:
		return "EVENT_MERGE_FINISHED"
	case FDQueue:
		return "EVENT_QUEUE"
	case FDTrigger:
		return "EVENT_TRIGGER"
	default:
		return "EVENT_NONE"
	}
}

// Callback is invoked on every tick while the event is Active.
type Callback func(fd FD)

// Event is one named, independently triggerable, cooperatively scheduled
// callback slot served by a dedicated goroutine.
type Event struct {
	mu     sync.Mutex
	status Status
	fd     FD
	cb     Callback
	period time.Duration
	queued int64

	calls uint64

	stop chan struct{}
	done chan struct{}
}

// New allocates an event in the NULL state. Init/Activate follow later,
// from the goroutine that will run its loop.
func New(fd FD, period time.Duration) *Event {
	return &Event{fd: fd, status: Null, period: period}
}

func (e *Event) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Init transitions THREAD_STARTED -> INIT and records the callback.
// Must be called from the goroutine that owns this event.
func (e *Event) Init(cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.True(e.status == ThreadStarted, "event %s init from status %d", e.fd, e.status)
	e.cb = cb
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	if e.period == 0 {
		e.period = 500 * time.Millisecond
	}
	e.status = Init
}

// MarkThreadStarted records that the owning goroutine has entered,
// matching the THREAD_STARTED state the original sets immediately after
// pthread entry, before events_init.
func (e *Event) MarkThreadStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.True(e.status == Null, "event %s thread-started from status %d", e.fd, e.status)
	e.status = ThreadStarted
}

// Activate runs the cooperative loop until Deactivate is called or stop
// fires. It blocks the calling goroutine, exactly like
// event_base_loop(... EVLOOP_NONBLOCK unset) in the original.
func (e *Event) Activate() {
	e.mu.Lock()
	assert.True(e.status == Init, "event %s activate from status %d", e.fd, e.status)
	e.status = Active
	period := e.period
	e.mu.Unlock()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			active := e.status == Active
			e.mu.Unlock()
			if !active {
				return
			}
			e.calls++
			e.cb(e.fd)
		}
	}
}

// Deactivate is idempotent; if currently Active it requests the loop exit
// and waits for the in-flight tick (if any) to finish, mirroring
// events_deactivate's "drain active callbacks" behavior.
func (e *Event) Deactivate() {
	e.mu.Lock()
	if e.status != Active {
		e.mu.Unlock()
		return
	}
	e.status = Init
	stop := e.stop
	done := e.done
	e.mu.Unlock()

	close(stop)
	<-done
}

// Deinit releases the loop resources and returns the event to
// THREAD_STARTED, ready for a future Init.
func (e *Event) Deinit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.True(e.status == Init, "event %s deinit from status %d", e.fd, e.status)
	e.status = ThreadStarted
	e.stop = nil
	e.done = nil
}

// Queue increments the queued counter under the event's own mutex, the Go
// rendering of event_queue's "ev_to_queue->queued += 1".
func (e *Event) Queue() {
	e.mu.Lock()
	e.queued++
	e.mu.Unlock()
}

// TakeQueued returns the queued count and resets it to zero, used by the
// trigger's fan-out tick (events_check_queues).
func (e *Event) TakeQueued() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.queued
	e.queued = 0
	return n
}

// TriggerOnce runs the event's callback once, immediately and
// synchronously on the calling goroutine, when the event is Active (and
// does nothing otherwise); used directly by the trigger fan-out rather
// than libevent's event_active, since Go's ticker already drives periodic
// callbacks.
func (e *Event) TriggerOnce() {
	e.mu.Lock()
	active := e.status == Active
	cb := e.cb
	fd := e.fd
	e.mu.Unlock()
	if active {
		cb(fd)
	}
}

// Trigger is the central event that fans out wakeups to the named events
// (queue, ctrl, merge, status) whenever any of them has been Queued. It
// runs its own loop on a longer period (3s default, matching the original).
type Trigger struct {
	*Event
	targets []*Event
	// Done is polled once per tick; when true the trigger deactivates
	// itself, mirroring events_queue_done.
	Done func() bool
}

// NewTrigger builds a trigger event fanning out to targets.
func NewTrigger(targets ...*Event) *Trigger {
	return &Trigger{Event: New(FDTrigger, 3 * time.Second), targets: targets}
}

// Run starts the trigger's own lifecycle (MarkThreadStarted, Init,
// conditionally Activate) and blocks until it exits.
func (t *Trigger) Run() {
	t.MarkThreadStarted()
	t.Init(func(FD) {
		if t.Done != nil && t.Done() {
			// Deactivate waits for the in-flight tick, which is this one,
			// so it must run off this goroutine.
			go t.Deactivate()
			return
		}
		t.checkQueues()
	})
	if t.Done == nil || !t.Done() {
		t.Activate()
	}
	t.checkQueues()
	t.Deinit()
}

func (t *Trigger) checkQueues() {
	for _, ev := range t.targets {
		if n := ev.TakeQueued(); n > 0 {
			ev.TriggerOnce()
		}
	}
}
