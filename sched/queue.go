// Package sched implements the priority ready queue, time-ordered
// blocked queue, and scheduler core (components F/G, spec §4.E-G).
//
// Grounded on biscuit's runtime scheduler hooks (proc/ references
// Tnote_t/Threadinfo_t for task bookkeeping; biscuit itself leans on
// the Go runtime's own goroutine scheduler rather than implementing
// priority scheduling by hand) combined with the bitmap-ready-queue +
// deadline-ordered-blocked-list design spec §3 specifies directly.
package sched

import (
	"sort"
	"sync"

	"github.com/nimbusos/corekernel/task"
)

// maxPrio bounds the bitmap width; config.Config.NumPrio must not
// exceed this.
const maxPrio = 64

// ReadyQueue is an array of FIFO lists indexed by priority, with a
// bitmap tracking which priorities are non-empty for O(1) pick (spec
// §3's "Ready queue").
type ReadyQueue struct {
	mu     sync.Mutex
	nprio  int
	bitmap uint64
	lists  [maxPrio][]*task.Task
}

// NewReadyQueue creates a ready queue supporting priorities [0, nprio).
func NewReadyQueue(nprio int) *ReadyQueue {
	if nprio <= 0 || nprio > maxPrio {
		panic("bad nprio")
	}
	return &ReadyQueue{nprio: nprio}
}

// Push appends t to the back of its priority's list.
func (q *ReadyQueue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := t.Prio
	q.lists[p] = append(q.lists[p], t)
	q.bitmap |= 1 << uint(p)
}

// PopHighest removes and returns the head of the highest non-empty
// priority list, or nil if the queue is empty.
func (q *ReadyQueue) PopHighest() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bitmap == 0 {
		return nil
	}
	p := msb(q.bitmap)
	t := q.lists[p][0]
	q.lists[p] = q.lists[p][1:]
	if len(q.lists[p]) == 0 {
		q.bitmap &^= 1 << uint(p)
	}
	return t
}

// HighestPrio returns the highest priority with a non-empty list, and
// whether any task is ready at all.
func (q *ReadyQueue) HighestPrio() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bitmap == 0 {
		return 0, false
	}
	return msb(q.bitmap), true
}

// msb returns the index of the most significant set bit of x.
// x must be non-zero.
func msb(x uint64) int {
	n := 0
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}

// blockedEntry is one node of the blocked queue, sorted by wakeup time
// ascending with indefinite (nil) waits sorted last (spec §3).
type blockedEntry struct {
	t          *task.Task
	wakeupTime *int64
}

// BlockedQueue is a time-ordered list of blocked tasks. No hardware
// one-shot timer is programmed from it: Scheduler.TimerTick calls
// PopExpired on every timer tick to find the entries that are due.
type BlockedQueue struct {
	mu      sync.Mutex
	entries []blockedEntry
}

// NewBlockedQueue creates an empty blocked queue.
func NewBlockedQueue() *BlockedQueue {
	return &BlockedQueue{}
}

// Insert adds t to the blocked queue at the position its wakeupTime
// dictates (nil sorts after every timed entry).
func (b *BlockedQueue) Insert(t *task.Task, wakeupTime *int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := blockedEntry{t: t, wakeupTime: wakeupTime}
	i := sort.Search(len(b.entries), func(i int) bool {
		return less(e, b.entries[i])
	})
	b.entries = append(b.entries, blockedEntry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
}

func less(a, b blockedEntry) bool {
	if a.wakeupTime == nil {
		return false // a sorts at/after b unless b is also nil (handled by caller not needing strictness)
	}
	if b.wakeupTime == nil {
		return true
	}
	return *a.wakeupTime < *b.wakeupTime
}

// Remove deletes t from the blocked queue (custom_wakeup before its
// deadline, or a timer-driven pop), returning whether it was found.
func (b *BlockedQueue) Remove(t *task.Task) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.t == t {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// PopExpired removes and returns every entry whose wakeupTime is <=
// now, in ascending deadline order, leaving indefinite waits in place.
func (b *BlockedQueue) PopExpired(now int64) []*task.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var woke []*task.Task
	var keep []blockedEntry
	for _, e := range b.entries {
		if e.wakeupTime != nil && *e.wakeupTime <= now {
			woke = append(woke, e.t)
		} else {
			keep = append(keep, e)
		}
	}
	b.entries = keep
	return woke
}

// NextDeadline reports the earliest pending wakeup time, if any timed
// entry exists. The scheduler does not call it; no timer is programmed
// from it.
func (b *BlockedQueue) NextDeadline() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.wakeupTime != nil {
			return *e.wakeupTime, true
		}
		break // sorted: first nil means no timed entries remain
	}
	return 0, false
}
