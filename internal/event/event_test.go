package event

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Lifecycle(t *testing.T) {
	e := New(FDQueue, 5*time.Millisecond)
	assert.Equal(t, Null, e.Status())

	e.MarkThreadStarted()
	assert.Equal(t, ThreadStarted, e.Status())

	var calls int64
	e.Init(func(FD) { atomic.AddInt64(&calls, 1) })
	assert.Equal(t, Init, e.Status())

	activated := make(chan struct{})
	go func() {
		close(activated)
		e.Activate()
	}()
	<-activated

	require.Eventually(t, func() bool { return e.Status() == Active }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) > 0 }, time.Second, time.Millisecond)

	e.Deactivate()
	assert.Equal(t, Init, e.Status())

	e.Deinit()
	assert.Equal(t, ThreadStarted, e.Status())
}

func TestEvent_QueueAndTakeQueued(t *testing.T) {
	e := New(FDMerge, time.Second)
	assert.Equal(t, int64(0), e.TakeQueued())

	e.Queue()
	e.Queue()
	e.Queue()
	assert.Equal(t, int64(3), e.TakeQueued())
	assert.Equal(t, int64(0), e.TakeQueued())
}

func TestEvent_TriggerOnce_OnlyFiresWhenActive(t *testing.T) {
	e := New(FDStatus, 5*time.Millisecond)
	var calls int64
	e.MarkThreadStarted()
	e.Init(func(FD) { atomic.AddInt64(&calls, 1) })

	e.TriggerOnce()
	assert.Equal(t, int64(0), calls, "callback must not fire while INIT (not ACTIVE)")

	go e.Activate()
	require.Eventually(t, func() bool { return e.Status() == Active }, time.Second, time.Millisecond)

	e.TriggerOnce()
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&calls) >= 1 }, time.Second, time.Millisecond)

	e.Deactivate()
	e.Deinit()
}

func TestTrigger_CheckQueues_FiresOnlyQueuedTargets(t *testing.T) {
	var mergeFired, ctrlFired int64

	merge := New(FDMerge, time.Second)
	merge.MarkThreadStarted()
	merge.Init(func(FD) { atomic.AddInt64(&mergeFired, 1) })
	go merge.Activate()
	require.Eventually(t, func() bool { return merge.Status() == Active }, time.Second, time.Millisecond)

	ctrl := New(FDCtrl, time.Second)
	ctrl.MarkThreadStarted()
	ctrl.Init(func(FD) { atomic.AddInt64(&ctrlFired, 1) })
	go ctrl.Activate()
	require.Eventually(t, func() bool { return ctrl.Status() == Active }, time.Second, time.Millisecond)

	trig := NewTrigger(merge, ctrl)

	merge.Queue()
	trig.checkQueues()

	assert.Equal(t, int64(1), atomic.LoadInt64(&mergeFired))
	assert.Equal(t, int64(0), atomic.LoadInt64(&ctrlFired))

	merge.Deactivate()
	merge.Deinit()
	ctrl.Deactivate()
	ctrl.Deinit()
}
