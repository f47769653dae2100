package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphoreTryWaitRespectsCount(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.TryWait())
	require.False(t, s.TryWait(), "second acquire must fail with count exhausted")

	s.Post()
	require.True(t, s.TryWait(), "post must make a unit available again")
}

func TestSemaphoreTimedWaitTimesOutWhenEmpty(t *testing.T) {
	s := NewSemaphore(0)
	start := time.Now()
	ok := s.TimedWait(30 * time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSemaphoreTimedWaitSucceedsWhenPosted(t *testing.T) {
	s := NewSemaphore(0)
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Post()
	}()
	require.True(t, s.TimedWait(time.Second))
}
