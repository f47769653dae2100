package vfs

import (
	"sync"

	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
)

// MemRegularFile is an in-memory regular file node (spec §3 "in-memory
// regular file"): a growable byte buffer behind a mutex, opened via
// GetObject into a *memFileHandle implementing fdops.Fdops_i.
type MemRegularFile struct {
	Base
	inum fdops.Inum_t
	mode uint32

	mu   sync.Mutex
	data []byte
}

// NewMemRegularFile creates an empty in-memory regular file.
func NewMemRegularFile(mode uint32) *MemRegularFile {
	return &MemRegularFile{inum: nextInum(), mode: ModeRegular | mode}
}

func (f *MemRegularFile) GetKind() NodeKind { return KindFile }

func (f *MemRegularFile) GetAttr() (fdops.Stat_t, errs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st fdops.Stat_t
	st.Inum = f.inum
	st.Mode = f.mode
	st.Size = uint64(len(f.data))
	st.Nlink = 1
	return st, 0
}

func (f *MemRegularFile) GetObject(flags int) (fdops.Fdops_i, errs.Err_t) {
	if flags&OTrunc != 0 {
		f.mu.Lock()
		f.data = f.data[:0]
		f.mu.Unlock()
	}
	return &memFileHandle{file: f}, 0
}

// Leaf-level traverse operations a regular file node does not support:
// it cannot be descended into further, mkdir'd, or mounted onto.
// TraverseOpen/TraverseStat/TraverseLstat at len(c)==1 are handled by
// the parent directory before reaching here (it calls GetAttr/returns
// the node directly), so MemRegularFile only needs to reject deeper
// traversal attempts, which the embedded Base already does correctly
// (Enosys), so no overrides are required beyond GetKind/GetAttr/
// GetObject above.

// memFileHandle is the fdops.Fdops_i view over an open MemRegularFile.
type memFileHandle struct {
	fdops.Base
	file   *MemRegularFile
	offset int
}

func (h *memFileHandle) Read(dst fdops.Userio_i) (int, errs.Err_t) {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if h.offset >= len(h.file.data) {
		return 0, 0
	}
	n, err := dst.Uiowrite(h.file.data[h.offset:])
	h.offset += n
	return n, err
}

func (h *memFileHandle) Write(src fdops.Userio_i) (int, errs.Err_t) {
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	buf = buf[:n]

	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	need := h.offset + len(buf)
	if len(h.file.data) < need {
		grown := make([]byte, need)
		copy(grown, h.file.data)
		h.file.data = grown
	}
	copy(h.file.data[h.offset:], buf)
	h.offset += len(buf)
	return len(buf), 0
}

func (h *memFileHandle) Lseek(offset int, whence fdops.Whence) (int, errs.Err_t) {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	switch whence {
	case fdops.SeekSet:
		h.offset = offset
	case fdops.SeekCur:
		h.offset += offset
	case fdops.SeekEnd:
		h.offset = len(h.file.data) + offset
	default:
		return 0, errs.Einval
	}
	if h.offset < 0 {
		h.offset = 0
		return 0, errs.Einval
	}
	return h.offset, 0
}

func (h *memFileHandle) Fstat(st *fdops.Stat_t) errs.Err_t {
	attr, err := h.file.GetAttr()
	if err != 0 {
		return err
	}
	*st = attr
	return 0
}

func (h *memFileHandle) Truncate(newlen uint64) errs.Err_t {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if uint64(len(h.file.data)) == newlen {
		return 0
	}
	grown := make([]byte, newlen)
	copy(grown, h.file.data)
	h.file.data = grown
	return 0
}

func (h *memFileHandle) Chmod(mode uint32) errs.Err_t {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	h.file.mode = ModeRegular | (mode &^ ModeRegular)
	return 0
}

func (h *memFileHandle) Reopen() errs.Err_t { return 0 }
func (h *memFileHandle) Close() errs.Err_t  { return 0 }

// ReadOnlyBytes is a read-only regular file node backed by a fixed
// byte slice (spec §3 "read-only byte slice"): suited for generated
// content (e.g. a version file) that never needs the growable buffer
// MemRegularFile offers.
type ReadOnlyBytes struct {
	Base
	inum fdops.Inum_t
	mode uint32
	data []byte
}

// NewReadOnlyBytes creates a read-only file node over data. data is
// not copied; callers must not mutate it afterward.
func NewReadOnlyBytes(data []byte) *ReadOnlyBytes {
	return &ReadOnlyBytes{inum: nextInum(), mode: ModeRegular | 0o444, data: data}
}

func (f *ReadOnlyBytes) GetKind() NodeKind { return KindFile }

func (f *ReadOnlyBytes) GetAttr() (fdops.Stat_t, errs.Err_t) {
	var st fdops.Stat_t
	st.Inum = f.inum
	st.Mode = f.mode
	st.Size = uint64(len(f.data))
	st.Nlink = 1
	return st, 0
}

func (f *ReadOnlyBytes) GetObject(flags int) (fdops.Fdops_i, errs.Err_t) {
	if flags&(OTrunc|ORdwr) != 0 {
		return nil, errs.Erofs
	}
	return &readOnlyHandle{data: f.data}, 0
}

type readOnlyHandle struct {
	fdops.Base
	data   []byte
	offset int
}

func (h *readOnlyHandle) Read(dst fdops.Userio_i) (int, errs.Err_t) {
	if h.offset >= len(h.data) {
		return 0, 0
	}
	n, err := dst.Uiowrite(h.data[h.offset:])
	h.offset += n
	return n, err
}

func (h *readOnlyHandle) Write(fdops.Userio_i) (int, errs.Err_t) {
	return 0, errs.Erofs
}

func (h *readOnlyHandle) Lseek(offset int, whence fdops.Whence) (int, errs.Err_t) {
	switch whence {
	case fdops.SeekSet:
		h.offset = offset
	case fdops.SeekCur:
		h.offset += offset
	case fdops.SeekEnd:
		h.offset = len(h.data) + offset
	default:
		return 0, errs.Einval
	}
	if h.offset < 0 {
		h.offset = 0
		return 0, errs.Einval
	}
	return h.offset, 0
}

func (h *readOnlyHandle) Fstat(st *fdops.Stat_t) errs.Err_t {
	st.Size = uint64(len(h.data))
	st.Mode = ModeRegular | 0o444
	return 0
}

func (h *readOnlyHandle) Reopen() errs.Err_t { return 0 }
func (h *readOnlyHandle) Close() errs.Err_t  { return 0 }
