// Package fdops defines the capability interface every open file
// descriptor implements (spec §4.I) and the small userspace-buffer
// abstraction read/write paths copy through.
//
// Grounded on biscuit's fdops.Fdops_i (referenced by fd/fd.go and
// implemented throughout fs/, unet/, circbuf/): one fat interface per
// descriptor, each operation returning an errs.Err_t, with Reopen/Close
// as lifecycle hooks alongside the I/O surface. Objects that don't
// support a given capability return Eopnotsupp or Enotsock, matching
// biscuit's fs/sys.go dispatch style.
package fdops

import "github.com/nimbusos/corekernel/errs"

// Userio_i abstracts a user-supplied buffer so device/file
// implementations never depend on how the buffer is represented.
// Grounded on biscuit's Userio_i (vm/userbuf.go), simplified since this
// kernel has no separate user/kernel address spaces to copy across —
// callers here hand in or receive plain byte slices.
type Userio_i interface {
	Uioread(dst []uint8) (int, errs.Err_t)
	Uiowrite(src []uint8) (int, errs.Err_t)
	Remain() int
	Totalsz() int
}

// PollMask is a bitmask of event_mask/ready_mask per spec §4.I.
type PollMask int

const (
	PollReadable PollMask = 1 << iota
	PollWritable
	PollErr
	PollHup
)

// Whence mirrors lseek's SEEK_SET/CUR/END.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Inum_t identifies a VFS node, stable for the node's lifetime.
type Inum_t uint64

// Stat_t is the subset of POSIX struct stat this kernel tracks.
type Stat_t struct {
	Inum  Inum_t
	Size  uint64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Nlink uint32
}

// Fdops_i is the capability interface implemented by every open file
// descriptor: regular files, directories, pipes, and sockets all
// implement the subset of this that makes sense for them, returning
// Eopnotsupp/Enotsock for the rest, exactly the spec's capability list.
type Fdops_i interface {
	Read(dst Userio_i) (int, errs.Err_t)
	Write(src Userio_i) (int, errs.Err_t)
	Lseek(offset int, whence Whence) (int, errs.Err_t)
	Fstat(st *Stat_t) errs.Err_t
	Poll(mask PollMask) (PollMask, errs.Err_t)

	Accept(sa Userio_i) (Fdops_i, errs.Err_t)
	Bind(sa []uint8) errs.Err_t
	Listen(backlog int) errs.Err_t
	Connect(sa []uint8) errs.Err_t
	Sendto(src Userio_i, sa []uint8) (int, errs.Err_t)
	Recvfrom(dst Userio_i, saout Userio_i) (int, errs.Err_t)
	Shutdown(read, write bool) errs.Err_t
	Setsockopt(level, opt int, val []uint8) errs.Err_t
	Getsockopt(level, opt int, val Userio_i) errs.Err_t
	Getsockname(sa Userio_i) errs.Err_t
	Getpeername(sa Userio_i) errs.Err_t

	Truncate(newlen uint64) errs.Err_t
	Chmod(mode uint32) errs.Err_t
	Readdir(dst Userio_i) (int, errs.Err_t)
	SetStatusFlags(flags int) errs.Err_t

	Reopen() errs.Err_t
	Close() errs.Err_t
}

// Base embeds into concrete object types to provide the default
// "unsupported" behavior for every capability the object doesn't
// implement, the way biscuit's fs objects default socket ops to
// Enotsock and vice versa.
type Base struct{}

func (Base) Read(Userio_i) (int, errs.Err_t)              { return 0, errs.Eopnotsupp }
func (Base) Write(Userio_i) (int, errs.Err_t)             { return 0, errs.Eopnotsupp }
func (Base) Lseek(int, Whence) (int, errs.Err_t)          { return 0, errs.Eopnotsupp }
func (Base) Fstat(*Stat_t) errs.Err_t                     { return errs.Eopnotsupp }
func (Base) Poll(PollMask) (PollMask, errs.Err_t)         { return 0, errs.Eopnotsupp }
func (Base) Accept(Userio_i) (Fdops_i, errs.Err_t)        { return nil, errs.Enotsock }
func (Base) Bind([]uint8) errs.Err_t                      { return errs.Enotsock }
func (Base) Listen(int) errs.Err_t                        { return errs.Enotsock }
func (Base) Connect([]uint8) errs.Err_t                   { return errs.Enotsock }
func (Base) Sendto(Userio_i, []uint8) (int, errs.Err_t)   { return 0, errs.Enotsock }
func (Base) Recvfrom(Userio_i, Userio_i) (int, errs.Err_t) { return 0, errs.Enotsock }
func (Base) Shutdown(bool, bool) errs.Err_t               { return errs.Enotsock }
func (Base) Setsockopt(int, int, []uint8) errs.Err_t      { return errs.Enotsock }
func (Base) Getsockopt(int, int, Userio_i) errs.Err_t     { return errs.Enotsock }
func (Base) Getsockname(Userio_i) errs.Err_t              { return errs.Enotsock }
func (Base) Getpeername(Userio_i) errs.Err_t              { return errs.Enotsock }
func (Base) Truncate(uint64) errs.Err_t                   { return errs.Eopnotsupp }
func (Base) Chmod(uint32) errs.Err_t                      { return errs.Eopnotsupp }
func (Base) Readdir(Userio_i) (int, errs.Err_t)           { return 0, errs.Eopnotsupp }
func (Base) SetStatusFlags(int) errs.Err_t                { return 0 }
func (Base) Reopen() errs.Err_t                           { return 0 }
func (Base) Close() errs.Err_t                            { return 0 }

// SliceIO is the simplest Userio_i: a plain byte slice with a cursor.
// Grounded on biscuit's Userbuf_t used for in-kernel callers that don't
// cross a user/kernel boundary.
type SliceIO struct {
	Buf []uint8
	off int
}

func NewSliceIO(buf []uint8) *SliceIO { return &SliceIO{Buf: buf} }

func (s *SliceIO) Uioread(dst []uint8) (int, errs.Err_t) {
	n := copy(dst, s.Buf[s.off:])
	s.off += n
	return n, 0
}

func (s *SliceIO) Uiowrite(src []uint8) (int, errs.Err_t) {
	n := copy(s.Buf[s.off:], src)
	s.off += n
	return n, 0
}

func (s *SliceIO) Remain() int  { return len(s.Buf) - s.off }
func (s *SliceIO) Totalsz() int { return len(s.Buf) }
