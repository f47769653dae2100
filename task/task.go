// Package task implements task control blocks and per-core state
// (component E, spec §3/§4.E-G): the descriptor every scheduled
// activity is represented by, its status state machine, and the
// per-core bookkeeping the scheduler needs to run one.
//
// Grounded on biscuit's Proc_t/Tid_t kernel-thread bookkeeping in
// tinfo/tinfo.go and accnt/accnt.go, generalized from "process with
// threads" down to the spec's flatter "task" since there is no
// fork/exec/multi-process isolation here (SPEC_FULL.md Non-goals).
package task

import (
	"sync"
	"sync/atomic"

	"github.com/nimbusos/corekernel/accnt"
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/mmapi"
	"github.com/nimbusos/corekernel/tinfo"
)

// Status is a task's position in the state machine from spec §4.E/F/G.
type Status int

const (
	Invalid Status = iota
	Ready
	Running
	Blocked
	Finished
	Idle
)

func (s Status) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Finished:
		return "finished"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

var nextID int64

// nextTid hands out process-unique, monotonically increasing task ids.
func nextTid() errs.Tid_t {
	return errs.Tid_t(atomic.AddInt64(&nextID, 1))
}

// FPUState is an opaque save slot for the FPU/vector register file; its
// contents are arch-defined and this kernel only ever copies it
// verbatim between a task's control block and the hardware.
type FPUState [512]uint8

// WakeupReason records why a blocked task most recently became ready,
// so the caller that resumes it can tell a timeout from a real event.
type WakeupReason int

const (
	WakeupNone WakeupReason = iota
	WakeupTimeout
	WakeupEvent
)

// Task is one schedulable activity (spec §3's Task). Fields accessed
// only by the owning core while the task is Running are unsynchronized
// by design; fields the scheduler or other cores touch while the task
// is Ready/Blocked are protected by mu.
type Task struct {
	ID   errs.Tid_t
	Name string

	mu     sync.Mutex
	status Status
	Prio   int
	CoreID int

	KernelStack    []uint8
	InterruptStack []uint8
	SavedSP        uintptr
	SavedFPU       FPUState

	AS *mmapi.AddressSpace

	Accounting *accnt.Accnt_t
	Note       *tinfo.Tnote_t

	WakeupTime        *int64 // nanoseconds since boot; nil = indefinite
	LastWakeupReason  WakeupReason

	next, prev *Task // intrusive list links; unused, ReadyQueue and BlockedQueue keep tasks in slices
}

// New creates a task in Invalid status with a fresh id and the given
// kernel/interrupt stacks preallocated by the caller.
func New(name string, prio int, kstack, istack []uint8, as *mmapi.AddressSpace) *Task {
	return &Task{
		ID:             nextTid(),
		Name:           name,
		status:         Invalid,
		Prio:           prio,
		CoreID:         -1,
		KernelStack:    kstack,
		InterruptStack: istack,
		AS:             as,
		Accounting:     &accnt.Accnt_t{},
		Note:           &tinfo.Tnote_t{Alive: true},
	}
}

// Status returns the task's current state-machine position.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setStatus transitions the task, panicking on a transition not named
// in spec §4.E/F/G's state machine.
func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validTransition(t.status, s) {
		panic("invalid task transition: " + t.status.String() + " -> " + s.String())
	}
	t.status = s
}

func validTransition(from, to Status) bool {
	switch {
	case from == Invalid && to == Ready:
		return true
	case from == Ready && (to == Running || to == Idle):
		return true
	case from == Running && (to == Ready || to == Blocked || to == Finished):
		return true
	case from == Blocked && to == Ready:
		return true
	case from == Idle && to == Ready:
		return true
	default:
		return false
	}
}

// MarkReady transitions the task to Ready, from Invalid (spawn),
// Blocked (wakeup), Idle, or Running (preempted back onto the ready
// queue).
func (t *Task) MarkReady(reason WakeupReason) {
	t.setStatus(Ready)
	t.LastWakeupReason = reason
}

// MarkIdle transitions Ready -> Idle; used once at boot for each
// core's idle task (spec §4.E/F/G state machine).
func (t *Task) MarkIdle() {
	t.setStatus(Idle)
}

// MarkRunning transitions Ready -> Running.
func (t *Task) MarkRunning(coreID int) {
	t.setStatus(Running)
	t.CoreID = coreID
}

// MarkBlocked transitions Running -> Blocked, optionally with a wakeup
// deadline (nanoseconds since boot; nil blocks indefinitely).
func (t *Task) MarkBlocked(wakeupTime *int64) {
	t.setStatus(Blocked)
	t.WakeupTime = wakeupTime
}

// MarkFinished transitions Running -> Finished and marks the task dead
// for anyone waiting on its kill/doom note.
func (t *Task) MarkFinished() {
	t.setStatus(Finished)
	t.Note.Lock()
	t.Note.Alive = false
	t.Note.Unlock()
}

// Doomed reports whether another task has requested this one exit.
func (t *Task) Doomed() bool {
	return t.Note.Doomed()
}

// Core holds the per-core state the scheduler (components F/G) and
// executor (component H) need: which task is currently running here,
// and the idle task to fall back to when the ready queue is empty.
// Grounded on biscuit's per-cpu_t struct, minus the hardware-specific
// fields (APIC id, GDT/TSS) that belong to the out-of-scope arch layer.
type Core struct {
	ID      int
	Current *Task
	Idle    *Task
}
