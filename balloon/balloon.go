// Package balloon implements the virtio memory balloon driver
// (component L, spec §4.L): host-requested inflation/deflation over a
// pair of virtqueues, plus out-of-memory-driven reclamation and
// bounded voluntary inflation.
//
// Grounded directly on hermit-os/kernel's
// original_source/src/drivers/balloon/mod.rs: the BalloonStorage
// stack-of-chunks allocation bookkeeping (allocate_chunks' falling
// chunk-size ladder down to one page, mark_pages_for_deflation's
// newest-chunk-first marking, shrink_chunks' matching walk from the
// tail), the driver's num_in_balloon/num_pending_inflation/
// num_pending_deflation counters, and the constants
// VOLUNTARY_INFLATE_INTERVAL_MICROS/VOLUNTARY_INFLATE_MAX_NUM_PAGES
// (carried into config.Config per SPEC_FULL.md).
package balloon

import (
	"math"
	"math/bits"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nimbusos/corekernel/config"
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/internal/klog"
	"github.com/nimbusos/corekernel/mem"
	"github.com/nimbusos/corekernel/oommsg"
	"github.com/nimbusos/corekernel/virtio"
)

// chunk is one contiguous allocation of 4 KiB pages handed to the
// balloon, grounded on hermit-os's BalloonAllocation. Pages at indices
// >= QueuedForDeflationStart are pending return from the host; a chunk
// can only shrink from that high-index end.
type chunk struct {
	frame                   mem.PageRange
	pageIndices             []uint32 // physical page index per page in the chunk, allocation order
	queuedForDeflationStart int
}

func (c *chunk) numAvailableForDeflation() int {
	return c.queuedForDeflationStart
}

func (c *chunk) pagesQueuedForDeflation() []uint32 {
	return c.pageIndices[c.queuedForDeflationStart:]
}

// markQueuedForDeflation marks up to n more pages (from the available,
// not-yet-queued prefix) as queued for deflation and returns their
// indices, newest-allocated-first within the chunk.
func (c *chunk) markQueuedForDeflation(n int) []uint32 {
	if n > c.queuedForDeflationStart {
		panic("cannot mark more pages than remain unqueued in chunk")
	}
	c.queuedForDeflationStart -= n
	return append([]uint32{}, c.pageIndices[c.queuedForDeflationStart:c.queuedForDeflationStart+n]...)
}

// canShrinkByPages reports whether pages (the tail the host just
// acknowledged) exactly matches the tail of this chunk's
// queued-for-deflation region.
func (c *chunk) canShrinkByPages(pages []uint32) bool {
	q := c.pagesQueuedForDeflation()
	if len(pages) > len(q) {
		return false
	}
	off := len(q) - len(pages)
	for i, p := range pages {
		if q[off+i] != p {
			return false
		}
	}
	return true
}

// shrink removes pages from the tail of the chunk, freeing the
// underlying frame once every page in it is gone. Returns whether the
// chunk is now fully deallocated.
func (c *chunk) shrink(pages mem.Page_i, pagesToShrink []uint32) bool {
	c.pageIndices = c.pageIndices[:len(c.pageIndices)-len(pagesToShrink)]
	if len(c.pageIndices) == 0 {
		pages.Deallocate(c.frame)
		return true
	}
	return false
}

// storage is the stack of allocated chunks (hermit-os's BalloonStorage).
type storage struct {
	chunks []*chunk
}

// allocateChunk allocates one chunk of exactly numPages 4 KiB pages.
func (s *storage) allocateChunk(pages mem.Page_i, numPages uint32) (*chunk, error) {
	frame, err := pages.Allocate(mem.Layout{Size: uint64(numPages) * uint64(mem.PGSIZE), Align: uint64(mem.PGSIZE)})
	if err != nil {
		return nil, err
	}
	idx := make([]uint32, numPages)
	for i := range idx {
		idx[i] = uint32(frame.StartFrame) + uint32(i)
	}
	c := &chunk{frame: frame, pageIndices: idx, queuedForDeflationStart: int(numPages)}
	s.chunks = append(s.chunks, c)
	return c, nil
}

// allocateChunks implements the falling-chunk-size ladder from
// hermit-os's allocate_chunks: attempt the largest power-of-two chunk
// that fits the remaining target; on allocation failure, halve the
// chunk size down to one page, then stop and log.
func (s *storage) allocateChunks(pages mem.Page_i, target uint32, voluntary bool) []uint32 {
	var out []uint32
	remaining := target
	if remaining == 0 {
		return out
	}
	exp := uint(bits.Len32(remaining)) - 1
	for remaining > 0 {
		size := uint32(1) << exp
		c, err := s.allocateChunk(pages, size)
		if err == nil {
			remaining -= size
			out = append(out, c.pageIndices...)
			if remaining == 0 {
				break
			}
			next := uint(bits.Len32(remaining)) - 1
			if next < exp {
				exp = next
			}
			continue
		}
		if exp == 0 {
			if voluntary {
				klog.Debug("balloon: voluntary inflation stopped short", "allocated", target-remaining, "target", target)
			} else {
				klog.Warn("balloon: inflation stopped short", "allocated", target-remaining, "target", target)
			}
			break
		}
		exp--
	}
	return out
}

// markPagesForDeflation walks chunks from newest to oldest, marking up
// to target pages queued for deflation, grounded on
// mark_pages_for_deflation's newest-first traversal.
func (s *storage) markPagesForDeflation(target uint32) [][]uint32 {
	var perChunk [][]uint32
	remaining := int(target)
	for i := len(s.chunks) - 1; i >= 0 && remaining > 0; i-- {
		c := s.chunks[i]
		n := c.numAvailableForDeflation()
		if n > remaining {
			n = remaining
		}
		if n == 0 {
			continue
		}
		perChunk = append(perChunk, c.markQueuedForDeflation(n))
		remaining -= n
	}
	return perChunk
}

// shrinkChunks releases pages acknowledged as deflated, matching each
// acknowledged batch to the newest chunk whose tail it matches,
// walking older as needed, grounded on shrink_chunks.
func (s *storage) shrinkChunks(pages mem.Page_i, acknowledged [][]uint32) {
	next := len(s.chunks) - 1
	for _, batch := range acknowledged {
		cur := next
		for cur >= 0 && !s.chunks[cur].canShrinkByPages(batch) {
			cur--
		}
		if cur < 0 {
			klog.Warn("balloon: could not match acknowledged deflation batch to any chunk")
			return
		}
		if s.chunks[cur].shrink(pages, batch) {
			s.chunks = append(s.chunks[:cur], s.chunks[cur+1:]...)
		}
		next = cur - 1
	}
}

// Driver is the virtio-balloon device driver.
type Driver struct {
	mu sync.Mutex

	inflateq *virtio.Virtqueue
	deflateq *virtio.Virtqueue
	pages    mem.Page_i
	cfg      config.Config

	storage storage

	numInBalloon        uint32
	numPendingInflation uint32
	numPendingDeflation uint32
	numTargeted         uint32

	lastVoluntaryInflate int64 // nanoseconds since boot
}

// New creates a balloon driver over the given queues.
func New(inflateq, deflateq *virtio.Virtqueue, pages mem.Page_i, cfg config.Config) *Driver {
	return &Driver{
		inflateq: inflateq,
		deflateq: deflateq,
		pages:    pages,
		cfg:      cfg,
		// Negative enough that the very first PollEvents call is always
		// eligible for a voluntary inflation attempt, rather than waiting
		// a full interval from boot.
		lastVoluntaryInflate: math.MinInt64 / 2,
	}
}

// NumInBalloon reports how many pages are currently held by the host.
func (d *Driver) NumInBalloon() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numInBalloon
}

// sendPages dispatches page indices as little-endian bytes on vq, per
// spec §4.L "send arrays of 4 KiB page indices".
func sendPages(vq *virtio.Virtqueue, indices []uint32) errs.Err_t {
	if len(indices) == 0 {
		return 0
	}
	buf := make([]byte, len(indices)*4)
	for i, idx := range indices {
		buf[i*4] = byte(idx)
		buf[i*4+1] = byte(idx >> 8)
		buf[i*4+2] = byte(idx >> 16)
		buf[i*4+3] = byte(idx >> 24)
	}
	// bufPhysAddr converts a driver-owned buffer to the physical address
	// the device-facing virtqueue needs; the real conversion goes
	// through the direct-map window (out of scope arch concern, spec
	// §1). Callers below own wiring this to the platform's direct map.
	if _, err := vq.Dispatch([]virtio.Buffer{{Addr: bufPhysAddr(buf), Len: uint32(len(buf))}}, virtio.NotifyAlways); err != 0 {
		return err
	}
	return 0
}

func bufPhysAddr(buf []byte) uint64 {
	return 0
}

// PollEvents processes inflate/deflate acknowledgements from the host
// and adjusts balloon size, grounded on poll_events/adjust_balloon_size.
func (d *Driver) PollEvents(targetNumPages uint32, now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	deflateAcked := d.completions(d.deflateq)
	if deflateAcked > 0 {
		d.numPendingDeflation -= uint32(deflateAcked)
		d.numInBalloon -= uint32(deflateAcked)
	}

	inflateAcked := d.completions(d.inflateq)
	if inflateAcked > 0 {
		d.numPendingInflation -= uint32(inflateAcked)
		d.numInBalloon += uint32(inflateAcked)
	}

	// Writing the "actual" size back into the device config space is an
	// out-of-scope MMIO transport concern (spec §1).

	d.adjustBalloonSize(targetNumPages, now)
}

func (d *Driver) completions(vq *virtio.Virtqueue) int {
	entries := vq.TryRecv()
	total := 0
	for _, e := range entries {
		total += int(e.Len) / 4
	}
	return total
}

// adjustBalloonSize implements adjust_balloon_size: deflation is never
// proactive (only via OOM), growth requests from the host are serviced
// immediately, and at most once per configured interval a bounded
// voluntary inflation is attempted.
func (d *Driver) adjustBalloonSize(targetNumPages uint32, now int64) {
	if targetNumPages != d.numTargeted {
		d.numTargeted = targetNumPages
		inBalloon := d.numInBalloon - d.numPendingDeflation
		if targetNumPages > d.numInBalloon+d.numPendingInflation {
			toInflate := targetNumPages - (d.numInBalloon + d.numPendingInflation)
			d.inflateLocked(toInflate, false)
		} else if targetNumPages < inBalloon {
			klog.Debug("balloon: host requested shrink, ignoring (only deflate on OOM)")
		}
	}

	interval := d.cfg.BalloonVoluntaryInflateInterval.Nanoseconds()
	if now >= d.lastVoluntaryInflate+interval {
		d.inflateLocked(d.cfg.BalloonVoluntaryInflateMaxPages, true)
		d.lastVoluntaryInflate = now
	}
}

func (d *Driver) inflateLocked(numPages uint32, voluntary bool) int {
	indices := d.storage.allocateChunks(d.pages, numPages, voluntary)
	if len(indices) == 0 {
		return 0
	}
	sendPages(d.inflateq, indices)
	d.numPendingInflation += uint32(len(indices))
	return len(indices)
}

// NumDeflatableForOOM reports how many balloon pages could be returned
// right now to relieve memory pressure.
func (d *Driver) NumDeflatableForOOM(hostRequestedPages uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deflatableLocked(hostRequestedPages)
}

func (d *Driver) deflatableLocked(hostRequestedPages uint32) uint32 {
	n := d.numInBalloon
	if n < hostRequestedPages {
		return 0
	}
	n -= hostRequestedPages
	if n < d.numPendingDeflation {
		return 0
	}
	return n - d.numPendingDeflation
}

// DeflateForOOM deflates up to failedAllocNumPages pages to recover
// from an allocator exhaustion, grounded on deflate_for_oom/deflate.
// Returns the number of pages actually marked for deflation.
func (d *Driver) DeflateForOOM(hostRequestedPages, failedAllocNumPages uint32) (uint32, errs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()

	deflatable := d.deflatableLocked(hostRequestedPages)
	if deflatable == 0 {
		return 0, errs.Enomem
	}
	toDeflate := deflatable
	if failedAllocNumPages < toDeflate {
		toDeflate = failedAllocNumPages
	}

	perChunk := d.storage.markPagesForDeflation(toDeflate)
	var g errgroup.Group
	for _, batch := range perChunk {
		batch := batch
		g.Go(func() error {
			sendPages(d.deflateq, batch)
			return nil
		})
	}
	g.Wait()
	d.storage.shrinkChunks(d.pages, perChunk)
	d.numPendingDeflation += toDeflate
	return toDeflate, 0
}

// WatchOOM services reclaim requests published on ch (oommsg.OomCh in
// normal operation) until ch is closed, grounded on the original
// implementation's allocator-exhaustion path that calls deflate_for_oom
// before giving up. Each request's Need is translated to a page count
// and handed to DeflateForOOM; the requester is always resumed, whether
// or not any pages could be freed, since it is responsible for retrying
// or failing the original allocation either way.
func (d *Driver) WatchOOM(ch <-chan oommsg.Oommsg_t) {
	for req := range ch {
		pages := uint32((req.Need + mem.PGSIZE - 1) / mem.PGSIZE)
		if pages == 0 {
			pages = 1
		}
		freed, err := d.DeflateForOOM(0, pages)
		if err != 0 {
			klog.Debug("balloon: OOM deflate request could not be satisfied", "need", req.Need)
		} else {
			klog.Debug("balloon: deflated pages to relieve OOM", "pages", freed)
		}
		if req.Resume != nil {
			req.Resume <- freed > 0
		}
	}
}
