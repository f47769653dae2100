package sched

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/semaphore"
)

// Semaphore is the blocking primitive behind the sem_init/sem_destroy/
// sem_post/sem_trywait/sem_timedwait syscall family (spec §6). It
// wraps golang.org/x/sync/semaphore.Weighted at weight 1 per count
// rather than hand-rolling counter+condvar bookkeeping, since the
// teacher corpus already reaches for x/sync for exactly this shape of
// "N units, blocking acquire with optional deadline" primitive
// (biscuit lists golang.org/x/sync as a dependency for the same
// reason: its runtime scheduler leans on goroutine-native primitives
// rather than reimplementing them).
type Semaphore struct {
	w *semaphore.Weighted
}

// semMax is the capacity of the Weighted behind every Semaphore; the
// units not yet available are held, so Post can raise the count above
// its initial value.
const semMax = math.MaxInt64

// NewSemaphore creates a semaphore initialized to n (sem_init's value
// argument).
func NewSemaphore(n int64) *Semaphore {
	w := semaphore.NewWeighted(semMax)
	w.TryAcquire(semMax - n)
	return &Semaphore{w: w}
}

// Post releases one unit (sem_post).
func (s *Semaphore) Post() {
	s.w.Release(1)
}

// TryWait attempts to acquire one unit without blocking (sem_trywait),
// reporting whether it succeeded.
func (s *Semaphore) TryWait() bool {
	return s.w.TryAcquire(1)
}

// TimedWait blocks for at most timeout acquiring one unit
// (sem_timedwait), reporting whether it succeeded before the deadline.
// A non-positive timeout behaves like TryWait.
func (s *Semaphore) TimedWait(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.TryWait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.w.Acquire(ctx, 1) == nil
}
