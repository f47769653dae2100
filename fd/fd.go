// Package fd implements the per-process object/fd table (spec §4.I):
// insert/get/replace/remove over polymorphic Fdops_i objects, plus the
// current-working-directory handle every process carries.
//
// Grounded on biscuit's fd.Fd_t/Cwd_t (fd/fd.go): a thin struct pairing
// an Fdops_i with permission bits, Copyfd's reopen-on-duplicate
// semantics, and Cwd_t's path-join/canonicalize helpers.
package fd

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nimbusos/corekernel/bpath"
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/ustr"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t represents an open file descriptor: an object reference plus the
// permission bits this particular fd was opened with (the same object
// may be reachable through multiple fds with different permissions).
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by reopening the underlying
// object, matching biscuit's refcount-via-Reopen contract rather than a
// bare struct copy sharing mutable state.
func Copyfd(fd *Fd_t) (*Fd_t, errs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Close_panic closes fd and panics if the close fails; used at points
// where failure to close indicates a fatal bookkeeping bug, not a
// recoverable condition (e.g. closing a table's own reference on an
// error path).
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

// Cwd_t tracks the current working directory for a process.
type Cwd_t struct {
	sync.Mutex
	Fd   *Fd_t
	Path ustr.Ustr
}

// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	full := append(append(ustr.Ustr{}, cwd.Path...), '/')
	return append(full, p...)
}

// Canonicalpath resolves path components of p relative to cwd.
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(cwd.Fullpath(p))
}

// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(fd *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: fd, Path: ustr.MkUstrRoot()}
}

// minFreeFd is the lowest fd number ever handed out: 0, 1, 2 are
// reserved for stdio per spec §4.I.
const minFreeFd = 3

// Table is the per-process object/fd table (spec §4.I): insert returns
// the lowest free integer >= 3, lookup is lock-free against a stable
// snapshot, and insert/remove serialize under a short critical section.
type Table struct {
	mu   sync.Mutex
	fds  map[int]*Fd_t
	snap snapshot
}

// snapshot holds the current read-only view of the table, swapped in
// wholesale on every mutation so lookups never take mu.
type snapshot struct {
	m atomic.Pointer[map[int]*Fd_t]
}

func (s *snapshot) load() map[int]*Fd_t {
	return *s.m.Load()
}

func (s *snapshot) store(m map[int]*Fd_t) {
	s.m.Store(&m)
}

// NewTable creates an empty object/fd table.
func NewTable() *Table {
	t := &Table{fds: make(map[int]*Fd_t)}
	t.snap.store(map[int]*Fd_t{})
	return t
}

func (t *Table) republish() {
	cp := make(map[int]*Fd_t, len(t.fds))
	for k, v := range t.fds {
		cp[k] = v
	}
	t.snap.store(cp)
}

// Insert adds fdo to the table and returns the lowest free fd >= 3.
func (t *Table) Insert(fdo *Fd_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := minFreeFd
	for {
		if _, taken := t.fds[fd]; !taken {
			break
		}
		fd++
	}
	t.fds[fd] = fdo
	t.republish()
	return fd
}

// InsertAt installs fdo at an exact fd number, replacing any existing
// occupant (used by dup2-style calls).
func (t *Table) InsertAt(fd int, fdo *Fd_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[fd] = fdo
	t.republish()
}

// Get looks up fd without taking the table's mutation lock: it reads
// from the latest published snapshot, so it never blocks on a
// concurrent insert/remove.
func (t *Table) Get(fd int) (*Fd_t, errs.Err_t) {
	m := t.snap.load()
	fdo, ok := m[fd]
	if !ok {
		return nil, errs.Ebadf
	}
	return fdo, 0
}

// Replace atomically swaps the object at fd, returning the old one so
// the caller can close it.
func (t *Table) Replace(fd int, fdo *Fd_t) (*Fd_t, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.fds[fd]
	if !ok {
		return nil, errs.Ebadf
	}
	t.fds[fd] = fdo
	t.republish()
	return old, 0
}

// Remove deletes fd from the table, returning the object that was
// there so the caller can close it.
func (t *Table) Remove(fd int) (*Fd_t, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.fds[fd]
	if !ok {
		return nil, errs.Ebadf
	}
	delete(t.fds, fd)
	t.republish()
	return old, 0
}

// Fork produces an independent copy of the table, reopening every
// entry, matching the clone-on-accept duplication semantics used when
// a process's whole fd set is copied.
func (t *Table) Fork() (*Table, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nt := NewTable()
	keys := make([]int, 0, len(t.fds))
	for k := range t.fds {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		nfd, err := Copyfd(t.fds[k])
		if err != 0 {
			return nil, err
		}
		nt.fds[k] = nfd
	}
	nt.republish()
	return nt, 0
}

// Len reports how many fds are currently occupied.
func (t *Table) Len() int {
	m := t.snap.load()
	return len(m)
}
