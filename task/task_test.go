package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTaskStartsInvalid(t *testing.T) {
	tsk := New("t", 1, make([]byte, 64), make([]byte, 64), nil)
	require.Equal(t, Invalid, tsk.Status())
}

func TestLifecycleTransitions(t *testing.T) {
	tsk := New("t", 1, nil, nil, nil)
	tsk.MarkReady(WakeupNone)
	require.Equal(t, Ready, tsk.Status())

	tsk.MarkRunning(0)
	require.Equal(t, Running, tsk.Status())
	require.Equal(t, 0, tsk.CoreID)

	deadline := int64(123)
	tsk.MarkBlocked(&deadline)
	require.Equal(t, Blocked, tsk.Status())
	require.Equal(t, &deadline, tsk.WakeupTime)

	tsk.MarkReady(WakeupTimeout)
	require.Equal(t, Ready, tsk.Status())
	require.Equal(t, WakeupTimeout, tsk.LastWakeupReason)

	tsk.MarkRunning(0)
	tsk.MarkFinished()
	require.Equal(t, Finished, tsk.Status())
	require.False(t, tsk.Note.Alive)
}

func TestInvalidTransitionPanics(t *testing.T) {
	tsk := New("t", 1, nil, nil, nil)
	require.Panics(t, func() { tsk.MarkRunning(0) })
}

func TestTaskIDsAreMonotonicallyAssigned(t *testing.T) {
	a := New("a", 0, nil, nil, nil)
	b := New("b", 0, nil, nil, nil)
	require.Less(t, int64(a.ID), int64(b.ID))
}

func TestDoomedReflectsNote(t *testing.T) {
	tsk := New("t", 0, nil, nil, nil)
	require.False(t, tsk.Doomed())
	tsk.Note.Isdoomed = true
	require.True(t, tsk.Doomed())
}
