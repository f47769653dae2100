// Package executor implements the single-threaded cooperative future
// runner layered over the scheduler (component H, spec §4.H).
//
// Grounded on biscuit's use of goroutines as its concurrency unit
// (kernel threads are plain goroutines parked on channels); this
// kernel instead needs an explicit poll-to-completion executor since
// spec §4.H describes futures driven by repeated Poll calls rather
// than goroutines blocking on channels. The waker/re-poll bookkeeping
// follows the shape of Go's own `golang.org/x/sync/errgroup` Group in
// spirit (a set of in-flight units of work tracked together) while
// matching spec's single-threaded, one-poll-per-round contract.
package executor

import (
	"sync"

	"github.com/nimbusos/corekernel/sched"
	"github.com/nimbusos/corekernel/task"
)

// PollResult is what a Future reports each time it's polled.
type PollResult int

const (
	Pending PollResult = iota
	Ready
)

// Future is something the executor drives to completion. Its output
// is always () per spec §4.H; Poll is handed a Waker it may stash and
// invoke later from an interrupt handler or another future.
type Future interface {
	Poll(w *Waker) PollResult
}

// FutureFunc adapts a plain poll function into a Future.
type FutureFunc func(w *Waker) PollResult

func (f FutureFunc) Poll(w *Waker) PollResult { return f(w) }

// Waker lets a future (or the interrupt handler backing it) mark
// itself for re-polling, and optionally perform a custom wakeup on the
// scheduler task blocked on this executor's progress.
type Waker struct {
	mu      sync.Mutex
	woken   bool
	exec    *Executor
	blocked *task.Task
}

// Wake sets the waker's woken flag and, if a scheduler task is parked
// waiting on this executor, wakes it. Run polls every task each round
// regardless of that flag.
func (w *Waker) Wake() {
	w.mu.Lock()
	w.woken = true
	w.mu.Unlock()
	if w.blocked != nil && w.exec != nil && w.exec.sched != nil {
		w.exec.sched.CustomWakeup(w.blocked)
	}
}

func (w *Waker) takeWoken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	woken := w.woken
	w.woken = false
	return woken
}

type entry struct {
	f     Future
	waker *Waker
}

// Executor is the per-core cooperative future runner.
type Executor struct {
	mu      sync.Mutex
	tasks   []*entry
	sched   *sched.Scheduler
	blocked *task.Task // scheduler task parked in block_on, if any
}

// New creates an executor layered over sch (nil is valid for
// standalone use/tests that never call block_on).
func New(sch *sched.Scheduler) *Executor {
	return &Executor{sched: sch}
}

// Spawn appends f to the per-core task list.
func (e *Executor) Spawn(f Future) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, &entry{f: f, waker: &Waker{exec: e}})
}

// Run polls every task once, whether or not its waker was invoked since
// its last poll; tasks polled to Ready are dropped. The woken flag a
// Waker sets is not consulted here.
func (e *Executor) Run() {
	e.mu.Lock()
	pending := make([]*entry, len(e.tasks))
	copy(pending, e.tasks)
	e.mu.Unlock()

	var remaining []*entry
	for _, en := range pending {
		if en.f.Poll(en.waker) == Ready {
			continue
		}
		remaining = append(remaining, en)
	}

	e.mu.Lock()
	e.tasks = remaining
	e.mu.Unlock()
}

// Len reports how many futures are still in flight.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// BlockOn drives the executor until f resolves, yielding the calling
// task between poll rounds via the scheduler (spec §4.H's block_on).
// deadline, if non-nil, is an absolute wakeup time after which BlockOn
// gives up and returns false.
func (e *Executor) BlockOn(c *task.Core, f Future, deadline *int64) bool {
	done := make(chan struct{}, 1)
	w := &Waker{exec: e}
	wrapped := FutureFunc(func(inner *Waker) PollResult {
		r := f.Poll(inner)
		if r == Ready {
			select {
			case done <- struct{}{}:
			default:
			}
		}
		return r
	})
	e.mu.Lock()
	en := &entry{f: wrapped, waker: w}
	e.tasks = append(e.tasks, en)
	e.mu.Unlock()

	if e.sched != nil {
		w.blocked = c.Current
		e.blocked = c.Current
	}

	for {
		e.Run()
		select {
		case <-done:
			return true
		default:
		}
		if e.sched == nil {
			continue
		}
		reason := e.sched.BlockCurrent(c, deadline)
		if reason == task.WakeupTimeout {
			e.removeEntry(en)
			return false
		}
	}
}

func (e *Executor) removeEntry(target *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, en := range e.tasks {
		if en == target {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			return
		}
	}
}
