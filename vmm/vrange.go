package vmm

import (
	"fmt"
	"sort"
	"sync"
)

// VRange is a disjoint range of kernel-virtual addresses, page-granular.
type VRange struct {
	Start uintptr
	Pages uint64
}

func (r VRange) Bytes() uint64  { return r.Pages << 12 }
func (r VRange) end() uintptr   { return r.Start + uintptr(r.Bytes()) }

// AllocError reports that the virtual range allocator could not satisfy
// a request.
type AllocError struct {
	Size, Align uint64
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("vmm: cannot satisfy virtual range of %d bytes aligned to %d", e.Size, e.Align)
}

// VRangeAllocator owns the list of unused kernel-virtual ranges in
// [KernelEnd, KernelVMEnd), per spec §3/§4.B. It shares its free-list
// shape (sorted, disjoint, coalesced, best-fit, never sleeps; Allocate
// fails rather than split the list past maxFreeVRanges, while Deallocate
// appends without checking that bound) with mem.FrameAllocator — the two are kept as separate types
// because they scope different invariants (B additionally refuses any
// range overlapping the identity-mapped kernel image).
type VRangeAllocator struct {
	mu          sync.Mutex
	free        []VRange
	kernelImage VRange
	limit       uintptr // KERNEL_VM_END
}

const maxFreeVRanges = 4096

// NewVRangeAllocator builds an allocator covering [start, limit),
// excluding kernelImage.
func NewVRangeAllocator(start, limit uintptr, kernelImage VRange) *VRangeAllocator {
	va := &VRangeAllocator{kernelImage: kernelImage, limit: limit}
	pages := uint64(limit-start) >> 12
	va.addFree(VRange{Start: start, Pages: pages})
	return va
}

func (va *VRangeAllocator) addFree(r VRange) {
	if r.Pages == 0 {
		return
	}
	ki := va.kernelImage
	if ki.Pages != 0 && r.Start < ki.end() && ki.Start < r.end() {
		if r.Start < ki.Start {
			va.addFree(VRange{Start: r.Start, Pages: uint64(ki.Start-r.Start) >> 12})
		}
		if r.end() > ki.end() {
			va.addFree(VRange{Start: ki.end(), Pages: uint64(r.end()-ki.end()) >> 12})
		}
		return
	}
	va.free = append(va.free, r)
	sort.Slice(va.free, func(i, j int) bool { return va.free[i].Start < va.free[j].Start })
	out := va.free[:0]
	for _, r := range va.free {
		if n := len(out); n > 0 && out[n-1].end() == r.Start {
			out[n-1].Pages += r.Pages
			continue
		}
		out = append(out, r)
	}
	va.free = out
}

// Allocate reserves a best-fit virtual range of size bytes aligned to
// align, refusing any range that would collide with the kernel image.
func (va *VRangeAllocator) Allocate(size, align uint64) (VRange, error) {
	if size == 0 || size%(1<<12) != 0 || align == 0 || align%(1<<12) != 0 {
		return VRange{}, &AllocError{Size: size, Align: align}
	}
	va.mu.Lock()
	defer va.mu.Unlock()

	needPages := size >> 12
	alignPages := align >> 12
	best := -1
	var bestStart uintptr
	var bestWaste uint64 = ^uint64(0)
	for i, r := range va.free {
		start := roundUpPtr(r.Start, alignPages)
		if start < r.Start {
			continue
		}
		pad := uint64(start-r.Start) >> 12
		if pad+needPages > r.Pages {
			continue
		}
		waste := r.Pages - needPages
		if waste < bestWaste {
			best, bestStart, bestWaste = i, start, waste
		}
	}
	if best < 0 {
		return VRange{}, &AllocError{Size: size, Align: align}
	}
	r := va.free[best]
	var rest []VRange
	if bestStart > r.Start {
		rest = append(rest, VRange{Start: r.Start, Pages: uint64(bestStart-r.Start) >> 12})
	}
	if tailStart := bestStart + uintptr(needPages<<12); tailStart < r.end() {
		rest = append(rest, VRange{Start: tailStart, Pages: uint64(r.end()-tailStart) >> 12})
	}
	if len(va.free)-1+len(rest) > maxFreeVRanges {
		return VRange{}, &AllocError{Size: size, Align: align}
	}
	va.free = append(va.free[:best], append(rest, va.free[best+1:]...)...)
	return VRange{Start: bestStart, Pages: needPages}, nil
}

// Deallocate returns r to the free list.
func (va *VRangeAllocator) Deallocate(r VRange) {
	va.mu.Lock()
	defer va.mu.Unlock()
	va.addFree(r)
}

func roundUpPtr(v uintptr, mult uint64) uintptr {
	if mult == 0 {
		return v
	}
	m := uintptr(mult)
	return (v + m - 1) / m * m
}
