// Package mem implements the physical frame allocator (spec §4.A): a
// best-fit free list of page ranges covering all RAM not occupied by the
// kernel image or firmware-reserved regions.
//
// Grounded on biscuit's mem.Physmem_t (per-CPU free lists protected by a
// leaf sync.Mutex, PGSIZE/PGSHIFT/Pa_t conventions) but restructured
// around disjoint PageRange extents rather than a single-page refcounted
// free list: this kernel never forks, so there is no copy-on-write
// sharing that needs per-frame reference counts, and the spec's data
// model (§3 "Physical frame list") is explicitly a free-list of ranges.
package mem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/oommsg"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of one page/frame in bytes.
const PGSIZE int = 1 << PGSHIFT

// Pa_t is a physical address.
type Pa_t uintptr

// maxFreeRanges bounds how many ranges an allocation may leave on the
// free list: carve returns an *AllocError rather than split past it.
// The list itself is a growable slice; Deallocate and addFree append
// and coalesce without checking this bound.
const maxFreeRanges = 4096

// AllocError reports that the allocator could not satisfy a request due
// to fragmentation or exhaustion.
type AllocError struct {
	Requested uint64
	Align     uint64
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("mem: cannot satisfy allocation of %d bytes aligned to %d", e.Requested, e.Align)
}

// Layout describes a requested allocation: Size and Align must both be
// powers of two no smaller than PGSIZE.
type Layout struct {
	Size  uint64
	Align uint64
}

func (l Layout) valid() bool {
	return l.Size > 0 && l.Align > 0 &&
		l.Size%uint64(PGSIZE) == 0 &&
		isPow2(l.Align) && l.Align >= uint64(PGSIZE)
}

func isPow2(v uint64) bool { return v != 0 && v&(v-1) == 0 }

// PageRange is a disjoint, page-aligned extent of frames, named exactly
// as spec §3's "Physical frame list" data model.
type PageRange struct {
	StartFrame uint64
	FrameCount uint64
}

// Bytes returns the range's size in bytes.
func (r PageRange) Bytes() uint64 { return r.FrameCount * uint64(PGSIZE) }

// Base returns the range's starting physical address.
func (r PageRange) Base() Pa_t { return Pa_t(r.StartFrame << PGSHIFT) }

func (r PageRange) end() uint64 { return r.StartFrame + r.FrameCount }

// FrameAllocator owns the free list of physical frames. Allocation is
// best-fit within the free list; it never blocks and never triggers
// further allocation itself.
type FrameAllocator struct {
	mu    sync.Mutex
	free  []PageRange // sorted by StartFrame, disjoint, coalesced
	kernelImage PageRange
}

// NewFrameAllocator builds an allocator from the boot-time memory map,
// excluding the kernel image range so it is never handed out.
func NewFrameAllocator(mm []bootinfo.PageRange, kernelImage PageRange) *FrameAllocator {
	fa := &FrameAllocator{kernelImage: kernelImage}
	for _, r := range mm {
		fa.addFree(PageRange{StartFrame: r.StartFrame, FrameCount: r.FrameCount})
	}
	return fa
}

// addFree inserts a range into the free list, excluding any overlap with
// the kernel image, then coalesces adjacent ranges.
func (fa *FrameAllocator) addFree(r PageRange) {
	if r.FrameCount == 0 {
		return
	}
	ki := fa.kernelImage
	if ki.FrameCount != 0 && r.StartFrame < ki.end() && ki.StartFrame < r.end() {
		// split around the kernel image
		if r.StartFrame < ki.StartFrame {
			fa.addFree(PageRange{StartFrame: r.StartFrame, FrameCount: ki.StartFrame - r.StartFrame})
		}
		if r.end() > ki.end() {
			fa.addFree(PageRange{StartFrame: ki.end(), FrameCount: r.end() - ki.end()})
		}
		return
	}
	fa.free = append(fa.free, r)
	fa.sortAndCoalesce()
}

func (fa *FrameAllocator) sortAndCoalesce() {
	sort.Slice(fa.free, func(i, j int) bool { return fa.free[i].StartFrame < fa.free[j].StartFrame })
	out := fa.free[:0]
	for _, r := range fa.free {
		if n := len(out); n > 0 && out[n-1].end() == r.StartFrame {
			out[n-1].FrameCount += r.FrameCount
			continue
		}
		out = append(out, r)
	}
	fa.free = out
}

// Allocate returns a newly owned PageRange satisfying layout, chosen by
// best fit (the smallest free range that is large enough). It never
// sleeps; on fragmentation exhaustion it returns an *AllocError.
func (fa *FrameAllocator) Allocate(layout Layout) (PageRange, error) {
	if !layout.valid() {
		return PageRange{}, &AllocError{Requested: layout.Size, Align: layout.Align}
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()

	needFrames := layout.Size / uint64(PGSIZE)
	alignFrames := layout.Align / uint64(PGSIZE)

	best := -1
	var bestStart uint64
	var bestWaste uint64 = ^uint64(0)
	for i, r := range fa.free {
		start := roundUp(r.StartFrame, alignFrames)
		if start < r.StartFrame {
			continue
		}
		pad := start - r.StartFrame
		if pad+needFrames > r.FrameCount {
			continue
		}
		waste := r.FrameCount - needFrames
		if waste < bestWaste {
			best, bestStart, bestWaste = i, start, waste
		}
	}
	if best < 0 {
		return PageRange{}, &AllocError{Requested: layout.Size, Align: layout.Align}
	}
	return fa.carve(best, bestStart, needFrames)
}

// carve removes [start, start+count) from free[idx], splitting the
// remainder into at most two ranges, and grows the free list if needed.
func (fa *FrameAllocator) carve(idx int, start, count uint64) (PageRange, error) {
	r := fa.free[idx]
	var rest []PageRange
	if start > r.StartFrame {
		rest = append(rest, PageRange{StartFrame: r.StartFrame, FrameCount: start - r.StartFrame})
	}
	if tailStart := start + count; tailStart < r.end() {
		rest = append(rest, PageRange{StartFrame: tailStart, FrameCount: r.end() - tailStart})
	}
	if len(fa.free)-1+len(rest) > maxFreeRanges {
		return PageRange{}, &AllocError{Requested: count * uint64(PGSIZE)}
	}
	fa.free = append(fa.free[:idx], append(rest, fa.free[idx+1:]...)...)
	return PageRange{StartFrame: start, FrameCount: count}, nil
}

// AllocateAt attempts to reserve exactly the given range, failing if any
// part of it is not currently free.
func (fa *FrameAllocator) AllocateAt(want PageRange) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for i, r := range fa.free {
		if want.StartFrame >= r.StartFrame && want.end() <= r.end() {
			_, err := fa.carve(i, want.StartFrame, want.FrameCount)
			return err
		}
	}
	return &AllocError{Requested: want.Bytes()}
}

// Deallocate returns r to the free list, coalescing with neighbors.
func (fa *FrameAllocator) Deallocate(r PageRange) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.free = append(fa.free, r)
	fa.sortAndCoalesce()
}

// FreeFrames reports the total number of free frames, for diagnostics.
func (fa *FrameAllocator) FreeFrames() uint64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	var n uint64
	for _, r := range fa.free {
		n += r.FrameCount
	}
	return n
}

// RequestReclaim publishes a reclaim request of needBytes on oommsg.OomCh
// and blocks for the balloon driver's response, for use by a caller that
// has already failed an Allocate and can afford to wait for one before
// retrying. Allocate itself never calls this: spec §4.A requires the
// allocator proper to never block or trigger further allocation, so
// reclaim-on-exhaustion is left to the layer above it, exactly as the
// original implementation's physical memory manager calls out to its
// balloon driver rather than blocking inside the allocator.
func RequestReclaim(needBytes uint64) bool {
	resume := make(chan bool, 1)
	oommsg.OomCh <- oommsg.Oommsg_t{Need: int(needBytes), Resume: resume}
	return <-resume
}

func roundUp(v, mult uint64) uint64 {
	if mult == 0 {
		return v
	}
	return (v + mult - 1) / mult * mult
}
