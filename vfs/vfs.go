// Package vfs implements the VFS half of component J (spec §4.J, §3):
// a polymorphic node capability set, path resolution against a root
// (or a mounted subtree), and the in-memory node variants every
// process-local filesystem object is built from.
//
// Grounded on hermit-os's src/fs/mod.rs: the VfsNode trait (get_kind,
// get_file_attributes, get_object, and the traverse_* family, each
// defaulting to Errno::Nosys) and Filesystem's path.split('/')-based
// descent through the root. The capability-interface-with-a-Base-
// default shape mirrors this kernel's own fdops.Fdops_i/fdops.Base
// pattern (component I) rather than reinventing a second convention.
package vfs

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nimbusos/corekernel/bpath"
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/hashtable"
	"github.com/nimbusos/corekernel/ustr"
)

// NodeKind distinguishes the two kinds spec §3 names for a VFS node.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

// Mode bits this kernel actually inspects, matching the S_IFDIR/S_IFREG
// convention fdops.Stat_t's Mode field otherwise leaves implicit.
const (
	ModeRegular = 0o100000
	ModeDir     = 0o040000
)

// DirEntry is one entry a directory node's TraverseReaddir reports.
type DirEntry struct {
	Name ustr.Ustr
	Kind NodeKind
	Inum fdops.Inum_t
}

var inumCounter uint64

func nextInum() fdops.Inum_t {
	return fdops.Inum_t(atomic.AddUint64(&inumCounter, 1))
}

// Node is the polymorphic VFS node handle spec §3 names: {get_kind,
// get_attr, get_object, traverse_open, traverse_mkdir, traverse_rmdir,
// traverse_unlink, traverse_readdir, traverse_stat, traverse_lstat,
// traverse_mount, traverse_create_file}, plus TraverseReadlink (the
// supplemented readlink/getattr/setattr opcode support SPEC_FULL.md's
// item 3 calls out — setattr itself is reached through the opened
// object's fdops.Fdops_i.Chmod/Truncate, not a separate Node method).
//
// Every traverse method takes components, the remaining '/'-split path
// segments still to resolve from this node downward: components[0] is
// the name to act on at this level, and len(components) == 1 means
// "operate here," mirroring hermit's reversed-Vec pop-from-the-front
// descent without needing an actual reversal.
type Node interface {
	GetKind() NodeKind
	GetAttr() (fdops.Stat_t, errs.Err_t)
	GetObject(flags int) (fdops.Fdops_i, errs.Err_t)

	TraverseOpen(components []ustr.Ustr, flags int, mode uint32) (Node, errs.Err_t)
	TraverseMkdir(components []ustr.Ustr, mode uint32) errs.Err_t
	TraverseRmdir(components []ustr.Ustr) errs.Err_t
	TraverseUnlink(components []ustr.Ustr) errs.Err_t
	TraverseReaddir(components []ustr.Ustr) ([]DirEntry, errs.Err_t)
	TraverseStat(components []ustr.Ustr) (fdops.Stat_t, errs.Err_t)
	TraverseLstat(components []ustr.Ustr) (fdops.Stat_t, errs.Err_t)
	TraverseMount(components []ustr.Ustr, root Node) errs.Err_t
	TraverseCreateFile(components []ustr.Ustr, mode uint32) (Node, errs.Err_t)
	TraverseReadlink(components []ustr.Ustr) (ustr.Ustr, errs.Err_t)
}

// Open flag bits this package inspects directly (the rest pass through
// to fdops objects unexamined).
const (
	OCreat = 1 << iota
	ORdwr
	OTrunc
)

// FlagsFromUnix translates the O_CREAT/O_RDWR/O_TRUNC bits a real
// open(2) syscall entry point receives (spec §6 names `open` directly;
// no syscall-dispatch layer exists yet to call this, same caveat as
// sockapi's Fdops_i wiring) into this package's own flag bits. The
// wire values differ across O_CREAT/O_RDWR/O_TRUNC's actual platform
// numbers (0100/2/01000 on Linux amd64) and this package's iota-packed
// bits, so a caller handing in raw unix.O_* flags needs this rather
// than reusing them directly.
func FlagsFromUnix(flags int) int {
	var f int
	if flags&unix.O_CREAT != 0 {
		f |= OCreat
	}
	if flags&unix.O_RDWR != 0 {
		f |= ORdwr
	}
	if flags&unix.O_TRUNC != 0 {
		f |= OTrunc
	}
	return f
}

// Base embeds into every concrete node type, defaulting every
// capability to Enosys the way hermit's VfsNode trait defaults every
// method and fdops.Base defaults every fd capability. Concrete types
// override only what they actually support.
type Base struct{}

func (Base) GetKind() NodeKind                          { return KindFile }
func (Base) GetAttr() (fdops.Stat_t, errs.Err_t)         { return fdops.Stat_t{}, errs.Enosys }
func (Base) GetObject(int) (fdops.Fdops_i, errs.Err_t)   { return nil, errs.Enosys }
func (Base) TraverseOpen([]ustr.Ustr, int, uint32) (Node, errs.Err_t) {
	return nil, errs.Enosys
}
func (Base) TraverseMkdir([]ustr.Ustr, uint32) errs.Err_t { return errs.Enosys }
func (Base) TraverseRmdir([]ustr.Ustr) errs.Err_t         { return errs.Enosys }
func (Base) TraverseUnlink([]ustr.Ustr) errs.Err_t        { return errs.Enosys }
func (Base) TraverseReaddir([]ustr.Ustr) ([]DirEntry, errs.Err_t) {
	return nil, errs.Enosys
}
func (Base) TraverseStat([]ustr.Ustr) (fdops.Stat_t, errs.Err_t)  { return fdops.Stat_t{}, errs.Enosys }
func (Base) TraverseLstat([]ustr.Ustr) (fdops.Stat_t, errs.Err_t) { return fdops.Stat_t{}, errs.Enosys }
func (Base) TraverseMount([]ustr.Ustr, Node) errs.Err_t           { return errs.Enosys }
func (Base) TraverseCreateFile([]ustr.Ustr, uint32) (Node, errs.Err_t) {
	return nil, errs.Enosys
}
func (Base) TraverseReadlink([]ustr.Ustr) (ustr.Ustr, errs.Err_t) {
	return nil, errs.Enosys
}

// Filesystem wraps a root node and resolves absolute, already-
// canonicalized paths against it. Relative-path resolution against a
// process-wide current directory (spec §4.J) is fd.Cwd_t's job
// (already built for component I); callers hand Filesystem a
// canonical path via cwd.Canonicalpath before reaching here.
type Filesystem struct {
	root Node
}

// NewFilesystem creates a Filesystem rooted at root.
func NewFilesystem(root Node) *Filesystem {
	return &Filesystem{root: root}
}

// components splits and canonicalizes path into the non-empty '/'-
// delimited segments to resolve from the root, in left-to-right order.
func components(path ustr.Ustr) []ustr.Ustr {
	return bpath.Split(bpath.Canonicalize(path))
}

// Open resolves path and returns its node, creating it first if flags
// requests OCreat and it doesn't exist.
func (fs *Filesystem) Open(path ustr.Ustr, flags int, mode uint32) (Node, errs.Err_t) {
	c := components(path)
	if len(c) == 0 {
		return fs.root, 0
	}
	return fs.root.TraverseOpen(c, flags, mode)
}

// Mkdir creates the directory named by path.
func (fs *Filesystem) Mkdir(path ustr.Ustr, mode uint32) errs.Err_t {
	c := components(path)
	if len(c) == 0 {
		return errs.Eexist
	}
	return fs.root.TraverseMkdir(c, mode)
}

// Unlink removes the file named by path.
func (fs *Filesystem) Unlink(path ustr.Ustr) errs.Err_t {
	c := components(path)
	if len(c) == 0 {
		return errs.Eisdir
	}
	return fs.root.TraverseUnlink(c)
}

// Rmdir removes the empty directory named by path.
func (fs *Filesystem) Rmdir(path ustr.Ustr) errs.Err_t {
	c := components(path)
	if len(c) == 0 {
		return errs.Ebusy
	}
	return fs.root.TraverseRmdir(c)
}

// Readdir lists path's directory entries.
func (fs *Filesystem) Readdir(path ustr.Ustr) ([]DirEntry, errs.Err_t) {
	c := components(path)
	if len(c) == 0 {
		return rootReaddir(fs.root)
	}
	return fs.root.TraverseReaddir(c)
}

func rootReaddir(root Node) ([]DirEntry, errs.Err_t) {
	if dir, ok := root.(*MemDirectory); ok {
		return dir.entriesSnapshot(), 0
	}
	return nil, errs.Eopnotsupp
}

// Stat resolves path following symlinks (no symlink node variant is
// implemented in this kernel, so Stat and Lstat coincide here).
func (fs *Filesystem) Stat(path ustr.Ustr) (fdops.Stat_t, errs.Err_t) {
	c := components(path)
	if len(c) == 0 {
		return fs.root.GetAttr()
	}
	return fs.root.TraverseStat(c)
}

// Lstat resolves path without following a terminal symlink.
func (fs *Filesystem) Lstat(path ustr.Ustr) (fdops.Stat_t, errs.Err_t) {
	c := components(path)
	if len(c) == 0 {
		return fs.root.GetAttr()
	}
	return fs.root.TraverseLstat(c)
}

// Mount replaces the subtree at path with root atomically (spec §4.J
// "Mount points replace subtrees atomically"): the replacement is a
// single write into the parent directory's entry table, which
// hashtable.Hashtable_t already serializes per-bucket.
func (fs *Filesystem) Mount(path ustr.Ustr, root Node) errs.Err_t {
	c := components(path)
	if len(c) == 0 {
		fs.root = root
		return 0
	}
	return fs.root.TraverseMount(c, root)
}

// CreateFile creates and opens a new regular file at path.
func (fs *Filesystem) CreateFile(path ustr.Ustr, mode uint32) (Node, errs.Err_t) {
	c := components(path)
	if len(c) == 0 {
		return nil, errs.Eexist
	}
	return fs.root.TraverseCreateFile(c, mode)
}

// Readlink resolves the symlink at path.
func (fs *Filesystem) Readlink(path ustr.Ustr) (ustr.Ustr, errs.Err_t) {
	c := components(path)
	if len(c) == 0 {
		return nil, errs.Einval
	}
	return fs.root.TraverseReadlink(c)
}

// MemDirectory is an in-memory directory node: a name -> Node table
// (spec §3 "in-memory directory"). Entries are kept in a
// hashtable.Hashtable_t rather than a bare map, reusing biscuit's
// lock-striped hashtable for the same reason biscuit used it for its
// own lookup tables: concurrent lookups across unrelated names never
// contend on a single mutex.
type MemDirectory struct {
	Base
	inum    fdops.Inum_t
	mode    uint32
	entries *hashtable.Hashtable_t
}

// NewMemDirectory creates an empty in-memory directory.
func NewMemDirectory(mode uint32) *MemDirectory {
	return &MemDirectory{
		inum:    nextInum(),
		mode:    ModeDir | mode,
		entries: hashtable.MkHash(16),
	}
}

func (d *MemDirectory) GetKind() NodeKind { return KindDirectory }

func (d *MemDirectory) GetAttr() (fdops.Stat_t, errs.Err_t) {
	var st fdops.Stat_t
	st.Inum = d.inum
	st.Mode = d.mode
	st.Nlink = 1
	return st, 0
}

func (d *MemDirectory) GetObject(int) (fdops.Fdops_i, errs.Err_t) {
	return nil, errs.Eisdir
}

func (d *MemDirectory) lookup(name ustr.Ustr) (Node, bool) {
	v, ok := d.entries.Get(name.String())
	if !ok {
		return nil, false
	}
	return v.(Node), true
}

// insert installs n at name, replacing any existing entry.
// hashtable.Hashtable_t.Set is insert-only (it leaves an existing key
// untouched) and Del panics on a missing key, so a replace (needed for
// TraverseMount's subtree swap) has to check before clearing.
func (d *MemDirectory) insert(name ustr.Ustr, n Node) {
	if _, ok := d.lookup(name); ok {
		d.entries.Del(name.String())
	}
	d.entries.Set(name.String(), n)
}

func (d *MemDirectory) entriesSnapshot() []DirEntry {
	pairs := d.entries.Elems()
	out := make([]DirEntry, 0, len(pairs))
	for _, p := range pairs {
		n := p.Value.(Node)
		attr, _ := n.GetAttr()
		out = append(out, DirEntry{Name: ustr.Ustr(p.Key.(string)), Kind: n.GetKind(), Inum: attr.Inum})
	}
	return out
}

func (d *MemDirectory) TraverseOpen(c []ustr.Ustr, flags int, mode uint32) (Node, errs.Err_t) {
	name := c[0]
	child, ok := d.lookup(name)
	if !ok {
		if len(c) == 1 && flags&OCreat != 0 {
			f := NewMemRegularFile(mode)
			d.insert(name, f)
			return f, 0
		}
		return nil, errs.Enoent
	}
	if len(c) == 1 {
		return child, 0
	}
	return child.TraverseOpen(c[1:], flags, mode)
}

func (d *MemDirectory) TraverseMkdir(c []ustr.Ustr, mode uint32) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		if _, ok := d.lookup(name); ok {
			return errs.Eexist
		}
		d.insert(name, NewMemDirectory(mode))
		return 0
	}
	child, ok := d.lookup(name)
	if !ok {
		return errs.Enoent
	}
	return child.TraverseMkdir(c[1:], mode)
}

func (d *MemDirectory) TraverseRmdir(c []ustr.Ustr) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		child, ok := d.lookup(name)
		if !ok {
			return errs.Enoent
		}
		if child.GetKind() != KindDirectory {
			return errs.Enotdir
		}
		if sub, ok := child.(*MemDirectory); ok && sub.entries.Size() > 0 {
			return errs.Enotempty
		}
		d.entries.Del(name.String())
		return 0
	}
	child, ok := d.lookup(name)
	if !ok {
		return errs.Enoent
	}
	return child.TraverseRmdir(c[1:])
}

func (d *MemDirectory) TraverseUnlink(c []ustr.Ustr) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		child, ok := d.lookup(name)
		if !ok {
			return errs.Enoent
		}
		if child.GetKind() == KindDirectory {
			return errs.Eisdir
		}
		d.entries.Del(name.String())
		return 0
	}
	child, ok := d.lookup(name)
	if !ok {
		return errs.Enoent
	}
	return child.TraverseUnlink(c[1:])
}

func (d *MemDirectory) TraverseReaddir(c []ustr.Ustr) ([]DirEntry, errs.Err_t) {
	name := c[0]
	child, ok := d.lookup(name)
	if !ok {
		return nil, errs.Enoent
	}
	if len(c) == 1 {
		if sub, ok := child.(*MemDirectory); ok {
			return sub.entriesSnapshot(), 0
		}
		return nil, errs.Enotdir
	}
	return child.TraverseReaddir(c[1:])
}

func (d *MemDirectory) TraverseStat(c []ustr.Ustr) (fdops.Stat_t, errs.Err_t) {
	name := c[0]
	child, ok := d.lookup(name)
	if !ok {
		return fdops.Stat_t{}, errs.Enoent
	}
	if len(c) == 1 {
		return child.GetAttr()
	}
	return child.TraverseStat(c[1:])
}

func (d *MemDirectory) TraverseLstat(c []ustr.Ustr) (fdops.Stat_t, errs.Err_t) {
	return d.TraverseStat(c)
}

func (d *MemDirectory) TraverseMount(c []ustr.Ustr, root Node) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		d.insert(name, root)
		return 0
	}
	child, ok := d.lookup(name)
	if !ok {
		return errs.Enoent
	}
	return child.TraverseMount(c[1:], root)
}

func (d *MemDirectory) TraverseCreateFile(c []ustr.Ustr, mode uint32) (Node, errs.Err_t) {
	name := c[0]
	if len(c) == 1 {
		if _, ok := d.lookup(name); ok {
			return nil, errs.Eexist
		}
		f := NewMemRegularFile(mode)
		d.insert(name, f)
		return f, 0
	}
	child, ok := d.lookup(name)
	if !ok {
		return nil, errs.Enoent
	}
	return child.TraverseCreateFile(c[1:], mode)
}

func (d *MemDirectory) TraverseReadlink(c []ustr.Ustr) (ustr.Ustr, errs.Err_t) {
	name := c[0]
	child, ok := d.lookup(name)
	if !ok {
		return nil, errs.Enoent
	}
	if len(c) == 1 {
		// In-memory nodes never represent symlinks in this kernel;
		// only host-FS nodes (HostFile) override TraverseReadlink at
		// the leaf to ask the host for the link target.
		return nil, errs.Einval
	}
	return child.TraverseReadlink(c[1:])
}
