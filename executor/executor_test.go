package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPollsPendingAndDropsReady(t *testing.T) {
	e := New(nil)
	polls := 0
	e.Spawn(FutureFunc(func(w *Waker) PollResult {
		polls++
		if polls < 3 {
			return Pending
		}
		return Ready
	}))

	require.Equal(t, 1, e.Len())
	e.Run()
	require.Equal(t, 1, e.Len())
	e.Run()
	require.Equal(t, 1, e.Len())
	e.Run()
	require.Equal(t, 0, e.Len())
	require.Equal(t, 3, polls)
}

func TestWakerMarksForRepoll(t *testing.T) {
	e := New(nil)
	var savedWaker *Waker
	resolved := false
	e.Spawn(FutureFunc(func(w *Waker) PollResult {
		savedWaker = w
		if resolved {
			return Ready
		}
		return Pending
	}))

	e.Run()
	require.Equal(t, 1, e.Len())

	resolved = true
	savedWaker.Wake()
	e.Run()
	require.Equal(t, 0, e.Len())
}

func TestBlockOnWithoutSchedulerRunsUntilReady(t *testing.T) {
	e := New(nil)
	polls := 0
	f := FutureFunc(func(w *Waker) PollResult {
		polls++
		if polls < 5 {
			return Pending
		}
		return Ready
	})
	ok := e.BlockOn(nil, f, nil)
	require.True(t, ok)
	require.Equal(t, 5, polls)
}
