package sched

import (
	"testing"

	"github.com/nimbusos/corekernel/task"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowNanos() int64 { return c.now }

type fakeIPI struct{ woken []int }

func (f *fakeIPI) SendWakeup(coreID int) { f.woken = append(f.woken, coreID) }

func mkTask(name string, prio int) *task.Task {
	return task.New(name, prio, make([]byte, 4096), make([]byte, 4096), nil)
}

func mkCore(id int) *task.Core {
	idle := mkTask("idle", 0)
	idle.MarkReady(task.WakeupNone)
	idle.MarkIdle()
	c := &task.Core{ID: id, Idle: idle, Current: idle}
	return c
}

func TestReadyQueuePriorityOrder(t *testing.T) {
	q := NewReadyQueue(8)
	low := mkTask("low", 1)
	hi := mkTask("hi", 7)
	mid := mkTask("mid", 4)
	q.Push(low)
	q.Push(hi)
	q.Push(mid)

	require.Equal(t, hi, q.PopHighest())
	require.Equal(t, mid, q.PopHighest())
	require.Equal(t, low, q.PopHighest())
	require.Nil(t, q.PopHighest())
}

func TestReadyQueueFIFOWithinPriority(t *testing.T) {
	q := NewReadyQueue(8)
	a := mkTask("a", 3)
	b := mkTask("b", 3)
	q.Push(a)
	q.Push(b)
	require.Equal(t, a, q.PopHighest())
	require.Equal(t, b, q.PopHighest())
}

func TestBlockedQueueOrdersByDeadline(t *testing.T) {
	bq := NewBlockedQueue()
	t3 := mkTask("t3", 0)
	t1 := mkTask("t1", 0)
	t2 := mkTask("t2", 0)
	d3, d1, d2 := int64(300), int64(100), int64(200)
	bq.Insert(t3, &d3)
	bq.Insert(t1, &d1)
	bq.Insert(t2, &d2)

	woke := bq.PopExpired(250)
	require.Equal(t, []*task.Task{t1, t2}, woke)

	next, ok := bq.NextDeadline()
	require.True(t, ok)
	require.Equal(t, d3, next)
}

func TestBlockedQueueIndefiniteSortsLast(t *testing.T) {
	bq := NewBlockedQueue()
	indefinite := mkTask("indef", 0)
	timed := mkTask("timed", 0)
	d := int64(50)
	bq.Insert(indefinite, nil)
	bq.Insert(timed, &d)

	_, ok := bq.NextDeadline()
	require.True(t, ok)

	woke := bq.PopExpired(1_000_000)
	require.Equal(t, []*task.Task{timed}, woke)
}

func TestReschedulePicksHigherPriorityOverCurrent(t *testing.T) {
	s := New(8, &fakeClock{}, &fakeIPI{})
	c := mkCore(0)
	s.RegisterCore(c)

	cur := mkTask("cur", 3)
	cur.MarkReady(task.WakeupNone)
	cur.MarkRunning(0)
	c.Current = cur

	hi := mkTask("hi", 5)
	s.Ready.Push(hi)

	s.Reschedule(c)
	require.Equal(t, hi, c.Current)
	require.Equal(t, task.Running, hi.Status())
	require.Equal(t, task.Ready, cur.Status())
}

func TestRescheduleKeepsCurrentWhenHigherPriority(t *testing.T) {
	s := New(8, &fakeClock{}, &fakeIPI{})
	c := mkCore(0)
	s.RegisterCore(c)

	cur := mkTask("cur", 5)
	cur.MarkReady(task.WakeupNone)
	cur.MarkRunning(0)
	c.Current = cur

	low := mkTask("low", 2)
	s.Ready.Push(low)

	s.Reschedule(c)
	require.Equal(t, cur, c.Current)
}

func TestRescheduleFallsBackToIdle(t *testing.T) {
	s := New(8, &fakeClock{}, &fakeIPI{})
	c := mkCore(0)
	s.RegisterCore(c)

	cur := mkTask("cur", 3)
	cur.MarkReady(task.WakeupNone)
	cur.MarkRunning(0)
	cur.MarkBlocked(nil) // simulate having just blocked
	c.Current = cur

	s.Reschedule(c)
	require.Equal(t, c.Idle, c.Current)
}

func TestTimerTickWakesExpiredAndReschedules(t *testing.T) {
	clock := &fakeClock{now: 1000}
	s := New(8, clock, &fakeIPI{})
	c := mkCore(0)
	s.RegisterCore(c)

	blocked := mkTask("blocked", 9)
	deadline := int64(500)
	s.BlockCurrent2ForTest(blocked, &deadline)

	s.TimerTick(c)
	require.Equal(t, blocked, c.Current)
	require.Equal(t, task.Running, blocked.Status())
}

// BlockCurrent2ForTest inserts an already-blocked task directly into
// the blocked queue without going through a running core, for tests
// that only want to exercise timer wakeup.
func (s *Scheduler) BlockCurrent2ForTest(t *task.Task, wakeupTime *int64) {
	t.MarkReady(task.WakeupNone)
	t.MarkRunning(0)
	t.MarkBlocked(wakeupTime)
	s.Blocked.Insert(t, wakeupTime)
}

func TestCustomWakeupRemovesFromBlockedAndReadies(t *testing.T) {
	s := New(8, &fakeClock{}, &fakeIPI{})
	blocked := mkTask("blocked", 2)
	s.BlockCurrent2ForTest(blocked, nil)

	s.CustomWakeup(blocked)
	require.Equal(t, task.Ready, blocked.Status())
	require.Equal(t, task.WakeupEvent, blocked.LastWakeupReason)
	require.False(t, s.Blocked.Remove(blocked))
}
