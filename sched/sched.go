package sched

import (
	"sync"

	"github.com/nimbusos/corekernel/task"
)

// Clock abstracts "nanoseconds since boot" so tests can drive time
// without a real hardware timer; the out-of-scope arch layer supplies
// the real implementation (spec §1 excludes clock/RTC reading).
type Clock interface {
	NowNanos() int64
}

// IPISender abstracts sending an inter-processor interrupt to wake an
// idle core (spec §4.E-G "Cross-core wakeup"); the real implementation
// lives in the out-of-scope arch/APIC layer.
type IPISender interface {
	SendWakeup(coreID int)
}

// Scheduler ties one ready queue and one blocked queue to the set of
// cores it schedules across, implementing reschedule/block/wakeup per
// spec §4.E-G.
type Scheduler struct {
	mu      sync.Mutex
	Ready   *ReadyQueue
	Blocked *BlockedQueue
	clock   Clock
	ipi     IPISender
	cores   map[int]*task.Core
}

// New creates a scheduler with nprio priority levels.
func New(nprio int, clock Clock, ipi IPISender) *Scheduler {
	return &Scheduler{
		Ready:   NewReadyQueue(nprio),
		Blocked: NewBlockedQueue(),
		clock:   clock,
		ipi:     ipi,
		cores:   make(map[int]*task.Core),
	}
}

// RegisterCore attaches a core to this scheduler, with its idle task.
func (s *Scheduler) RegisterCore(c *task.Core) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cores[c.ID] = c
}

// Spawn marks t Ready and enqueues it on the shared ready queue, then
// sends a wakeup IPI to the first idle registered core found, if any.
// The IPI is not aimed at the core t last ran on: tasks are not bound to
// a core, and every core pulls from the same ready queue.
func (s *Scheduler) Spawn(t *task.Task) {
	t.MarkReady(task.WakeupNone)
	s.Ready.Push(t)
	s.wakeIfIdle(t)
}

func (s *Scheduler) wakeIfIdle(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cores {
		if c.Current == c.Idle && s.ipi != nil {
			s.ipi.SendWakeup(c.ID)
			return
		}
	}
}

// BlockCurrent blocks the core's current task, optionally with a
// wakeup deadline (nil blocks indefinitely), then reschedules the
// core. Returns the reason the task eventually woke.
func (s *Scheduler) BlockCurrent(c *task.Core, wakeupTime *int64) task.WakeupReason {
	cur := c.Current
	cur.MarkBlocked(wakeupTime)
	s.Blocked.Insert(cur, wakeupTime)
	s.Reschedule(c)
	return cur.LastWakeupReason
}

// CustomWakeup marks a blocked task ready ahead of any timeout,
// removing it from the blocked queue, and wakes its core if idle
// (spec §4.E-G "custom_wakeup").
func (s *Scheduler) CustomWakeup(t *task.Task) {
	if !s.Blocked.Remove(t) {
		return
	}
	t.MarkReady(task.WakeupEvent)
	s.Ready.Push(t)
	s.wakeIfIdle(t)
}

// TimerTick is invoked by the timer interrupt handler (component M):
// it pops every blocked task whose deadline has elapsed, marks each
// ready, then reschedules the calling core. Matches spec §4.E-G
// "Preemption": "increments tick state, invokes blocked-queue wakeups
// for elapsed deadlines, then calls reschedule()".
func (s *Scheduler) TimerTick(c *task.Core) {
	now := s.clock.NowNanos()
	woken := s.Blocked.PopExpired(now)
	for _, t := range woken {
		t.MarkReady(task.WakeupTimeout)
		s.Ready.Push(t)
	}
	s.Reschedule(c)
}

// Reschedule implements spec §4.E-G's scheduling policy: pick the
// highest-priority ready task whose priority >= the current task's; if
// none, the current task continues; if the current task just
// blocked/finished, any highest-priority ready task runs; if the ready
// queue is empty, the core's idle task runs.
func (s *Scheduler) Reschedule(c *task.Core) {
	cur := c.Current
	curRunnable := cur != nil && cur.Status() == task.Running

	if curRunnable {
		hi, any := s.Ready.HighestPrio()
		if !any || hi < cur.Prio {
			return // current task continues
		}
	}

	next := s.Ready.PopHighest()
	if next == nil {
		s.switchTo(c, c.Idle)
		return
	}
	if curRunnable {
		cur.MarkReady(task.WakeupNone)
		s.Ready.Push(cur)
	}
	s.switchTo(c, next)
}

// switchTo performs the context-switch bookkeeping contract from spec
// §4.E-G: the outgoing task's saved_sp/saved_fpu already live in its
// control block (saved by the arch-specific trap stub before calling
// into the scheduler); this only updates which task is Running/Idle
// and which core owns it. The actual register/stack swap is an
// out-of-scope arch concern (spec §1).
func (s *Scheduler) switchTo(c *task.Core, next *task.Task) {
	if next != c.Idle {
		next.MarkRunning(c.ID)
	}
	c.Current = next
}
