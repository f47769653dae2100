// Package circbuf implements a single-page circular buffer backing
// pipe and socket objects' buffering (used by fd objects built in
// the fd/vfs packages, spec §4.I's read/write capability).
//
// Grounded on biscuit's circbuf.Circbuf_t: lazy single-page backing,
// head/tail indices that only ever increase (wrapped by modulo on
// access), and the wraparound-aware Copyin/Copyout shape (biscuit's
// Rawread/Rawwrite are not carried over). biscuit's version also manages the backing page's COW
// refcount (Refup/Refdown/Refpg_new_nozero); this kernel never shares
// a frame across address spaces (no fork/exec, see mmapi's design
// note), so the buffer simply owns one frame for its lifetime via
// mem.Page_i/DirectMap instead.
package circbuf

import (
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/mem"
)

// Circbuf_t is not safe for concurrent use; callers serialize access
// (the owning pipe/socket object holds its own mutex).
type Circbuf_t struct {
	pages mem.Page_i
	dmap  mem.DirectMap
	buf   []uint8
	frame mem.PageRange
	bufsz int
	head  int
	tail  int
}

// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }

// Cb_init sets the buffer size and the allocator and direct map it draws
// from; it allocates nothing. The backing page is allocated later, by
// Cb_ensure.
func (cb *Circbuf_t) Cb_init(sz int, pages mem.Page_i, dmap mem.DirectMap) errs.Err_t {
	bufmax := mem.PGSIZE
	if sz <= 0 || sz > bufmax {
		panic("bad circbuf size")
	}
	cb.pages = pages
	cb.dmap = dmap
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

// Cb_release frees the backing page, if one was allocated.
func (cb *Circbuf_t) Cb_release() {
	if cb.buf == nil {
		return
	}
	cb.pages.Deallocate(cb.frame)
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

// Cb_ensure guarantees that the buffer is allocated.
func (cb *Circbuf_t) Cb_ensure() errs.Err_t {
	if cb.buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	frame, err := cb.pages.Allocate(mem.Layout{Size: uint64(mem.PGSIZE), Align: uint64(mem.PGSIZE)})
	if err != nil {
		return errs.Enomem
	}
	cb.dmap.Zero(frame.Base())
	cb.frame = frame
	cb.buf = cb.dmap.Bytes(frame.Base())[:cb.bufsz]
	return 0
}

// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool { return cb.head-cb.tail == cb.bufsz }

// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }

// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int { return cb.bufsz - (cb.head - cb.tail) }

// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int { return cb.head - cb.tail }

// Copyin reads from src into the circular buffer.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, errs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.buf[hi:]
		wrote, err := src.Uioread(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, 0
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("wut?")
	}
	dst := cb.buf[hi:ti]
	wrote, err := src.Uioread(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, 0
}

// Copyout writes the entire buffer contents to dst.
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, errs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

// Copyout_n writes up to max bytes (0 means unlimited) of the buffer to dst.
func (cb *Circbuf_t) Copyout_n(dst fdops.Userio_i, max int) (int, errs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uiowrite(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, 0
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("wut?")
	}
	src := cb.buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uiowrite(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, 0
}
