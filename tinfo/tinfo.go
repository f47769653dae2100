// Package tinfo tracks per-task kill/doom state: the bits a task's
// owner uses to request it stop, and the notes the task checks at its
// own blocking points to honor that request.
//
// Grounded on biscuit's tinfo.Tnote_t/Threadinfo_t (tinfo/tinfo.go).
// biscuit recovers "the current thread's note" from a field stashed in
// its patched runtime's g struct (runtime.Gptr/Setgptr); that hook does
// not exist in an unmodified Go toolchain. This kernel instead threads
// the owning task's *Tnote_t explicitly — the sched/task packages carry
// it directly on their per-task structs — rather than recovering it
// from goroutine-local state.
package tinfo

import (
	"sync"

	"github.com/nimbusos/corekernel/errs"
)

// Tnote_t stores per-task kill/doom state.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   errs.Err_t
	}
}

// Doomed reports whether the task is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

// Threadinfo_t tracks all task notes, keyed by task id.
type Threadinfo_t struct {
	Notes map[errs.Tid_t]*Tnote_t
	sync.Mutex
}

// Init initializes the task note map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[errs.Tid_t]*Tnote_t)
}

// Add registers a new note under id.
func (t *Threadinfo_t) Add(id errs.Tid_t, n *Tnote_t) {
	t.Lock()
	defer t.Unlock()
	t.Notes[id] = n
}

// Remove drops the note for id.
func (t *Threadinfo_t) Remove(id errs.Tid_t) {
	t.Lock()
	defer t.Unlock()
	delete(t.Notes, id)
}

// Get looks up the note for id.
func (t *Threadinfo_t) Get(id errs.Tid_t) (*Tnote_t, bool) {
	t.Lock()
	defer t.Unlock()
	n, ok := t.Notes[id]
	return n, ok
}
