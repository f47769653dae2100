// Package mmapi implements the mmap/mprotect/munmap engine (spec §4.D):
// an ordered, non-overlapping list of user memory regions with
// protection flags, resolved lazily by the page-fault handler.
//
// Grounded on biscuit's vm.Vm_t / Vmregion_t (vm/as.go): per-address-space
// mutex guarding the region list and page tables together, a Sys_pgfault
// entry point that allocates a frame and installs it with the covering
// region's permissions, and the same split-at-both-ends mprotect/munmap
// shape. Unlike biscuit this kernel never forks, so there is no
// copy-on-write path (spec's non-goals exclude multi-process isolation);
// a fault always means "never backed", not "backed read-only for COW".
package mmapi

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/mem"
	"github.com/nimbusos/corekernel/vmm"
)

// Prot is the R/W/X permission bitmask named in spec §3.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

const allProt = ProtRead | ProtWrite | ProtExec

// ProtFromUnix translates the PROT_READ/PROT_WRITE/PROT_EXEC bits spec
// §6's mmap/mprotect syscall entry points receive on the wire into
// this package's internal bitmask, so a future syscall-dispatch layer
// can hand Mmap/Mprotect the caller's raw flags word unchanged.
func ProtFromUnix(flags int) Prot {
	var p Prot
	if flags&unix.PROT_READ != 0 {
		p |= ProtRead
	}
	if flags&unix.PROT_WRITE != 0 {
		p |= ProtWrite
	}
	if flags&unix.PROT_EXEC != 0 {
		p |= ProtExec
	}
	return p
}

// Region is one entry of the ordered memory region list (spec §3).
// A region with Prot == 0 exists but forbids all access (a guard
// region); touching it is a fatal access violation, never a lazy
// allocation.
type Region struct {
	Start uintptr
	Pages uint64
	Prot  Prot
}

func (r *Region) bytes() uint64   { return r.Pages << 12 }
func (r *Region) end() uintptr    { return r.Start + uintptr(r.bytes()) }
func pageAlign(v uint64) uint64   { return (v + uint64(mem.PGSIZE) - 1) &^ uint64(mem.PGSIZE-1) }

// AddressSpace owns one process's mmap region list and the page table
// it is projected onto. The mutex guards both together, matching
// biscuit's Vm_t.Lock_pmap contract: region-list edits and the page
// table walks that implement them are never observed half-done.
type AddressSpace struct {
	mu      sync.Mutex
	regions []*Region // sorted by Start, non-overlapping

	pt     *vmm.PageTable
	frames mem.Page_i
	dmap   mem.DirectMap

	base, limit uintptr // search window for hint-free mmap placement
}

// New creates an address space searching for free placement within
// [base, limit).
func New(pt *vmm.PageTable, frames mem.Page_i, dmap mem.DirectMap, base, limit uintptr) *AddressSpace {
	return &AddressSpace{pt: pt, frames: frames, dmap: dmap, base: base, limit: limit}
}

func toProt(p Prot) vmm.Flags {
	f := vmm.Flags(0)
	if p&ProtWrite != 0 {
		f |= vmm.Writable
	}
	if p&ProtExec == 0 {
		f |= vmm.ExecuteDisable
	}
	return f | vmm.Present | vmm.User
}

// Mmap reserves size bytes of fresh, lazily-backed address space with
// the given protection and returns its start address.
func (as *AddressSpace) Mmap(size uint64, prot Prot) (uintptr, errs.Err_t) {
	if prot&^allProt != 0 {
		return 0, errs.Einval
	}
	if size == 0 {
		return 0, errs.Einval
	}
	size = pageAlign(size)

	as.mu.Lock()
	defer as.mu.Unlock()

	addr, ok := as.findFree(size)
	if !ok {
		return 0, errs.Enomem
	}
	as.insert(&Region{Start: addr, Pages: size >> 12, Prot: prot})
	return addr, 0
}

// MmapAt either places the region at addr by splitting the existing
// region that contains it, or reserves addr directly if it is free.
func (as *AddressSpace) MmapAt(addr uintptr, size uint64, prot Prot) (uintptr, errs.Err_t) {
	if prot&^allProt != 0 {
		return 0, errs.Einval
	}
	if size == 0 {
		return 0, errs.Einval
	}
	size = pageAlign(size)

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.overlapsAny(addr, size) {
		as.splitOut(addr, size)
	}
	as.insert(&Region{Start: addr, Pages: size >> 12, Prot: prot})
	return addr, 0
}

// Mprotect changes protection over [addr, addr+size), splitting the
// covering region(s) at both ends. Lowering permissions is applied to
// the page table immediately; raising permissions may be deferred to
// fault time (spec §4.D).
func (as *AddressSpace) Mprotect(addr uintptr, size uint64, prot Prot) errs.Err_t {
	if prot&^allProt != 0 {
		return errs.Einval
	}
	if size == 0 {
		return errs.Einval
	}
	size = pageAlign(size)

	as.mu.Lock()
	defer as.mu.Unlock()

	as.splitOut(addr, size)
	as.insert(&Region{Start: addr, Pages: size >> 12, Prot: prot})

	// Lowering permissions must take effect immediately; raising them
	// may be deferred to fault time, so it is safe to always rewalk
	// already-backed pages here with the new (possibly stricter) prot.
	for p := addr; p < addr+uintptr(size); p += uintptr(mem.PGSIZE) {
		if phys, ok := as.pt.VirtualToPhysical(p); ok {
			as.pt.Map(p, phys, 1, vmm.Size4K, toProt(prot), false)
		}
	}
	return 0
}

// Munmap removes [addr, addr+size), deallocating any frames that were
// already backed, and returns the unmapped virtual range.
func (as *AddressSpace) Munmap(addr uintptr, size uint64) (uintptr, uint64, errs.Err_t) {
	if size == 0 {
		return 0, 0, errs.Einval
	}
	size = pageAlign(size)

	as.mu.Lock()
	defer as.mu.Unlock()

	as.splitOut(addr, size)
	for p := addr; p < addr+uintptr(size); p += uintptr(mem.PGSIZE) {
		if phys, ok := as.pt.VirtualToPhysical(p); ok {
			as.pt.Unmap(p, 1, vmm.Size4K)
			as.frames.Deallocate(mem.PageRange{StartFrame: uint64(phys) >> mem.PGSHIFT, FrameCount: 1})
		}
	}
	return addr, size, 0
}

// Fault resolves an access to addr: finds the covering region, checks
// the access against its permissions, and on a legal miss allocates one
// zeroed frame and installs it with the region's protection (spec
// §4.D "Fault resolution"). Absence of a covering region is a fatal
// access violation, reported to the caller as Efault so task-level code
// can terminate the faulting task per spec §7.
func (as *AddressSpace) Fault(addr uintptr, write bool) errs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	r := as.lookup(addr)
	if r == nil {
		return errs.Efault
	}
	if r.Prot == 0 {
		return errs.Efault
	}
	if write && r.Prot&ProtWrite == 0 {
		return errs.Efault
	}
	if _, ok := as.pt.VirtualToPhysical(addr); ok {
		return 0 // two faulters raced; already resolved
	}

	frame, err := as.frames.Allocate(mem.Layout{Size: uint64(mem.PGSIZE), Align: uint64(mem.PGSIZE)})
	if err != nil {
		return errs.Enomem
	}
	as.dmap.Zero(frame.Base())
	page := uintptr(addr) &^ uintptr(mem.PGSIZE-1)
	if e := as.pt.Map(page, frame.Base(), 1, vmm.Size4K, toProt(r.Prot), false); e != nil {
		as.frames.Deallocate(frame)
		return errs.Enomem
	}
	return 0
}

// VirtualToPhysical reports the physical address currently backing
// addr, if the region covering it has been touched.
func (as *AddressSpace) VirtualToPhysical(addr uintptr) (mem.Pa_t, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.VirtualToPhysical(addr)
}

// --- region-list bookkeeping ---

func (as *AddressSpace) lookup(addr uintptr) *Region {
	for _, r := range as.regions {
		if addr >= r.Start && addr < r.end() {
			return r
		}
	}
	return nil
}

func (as *AddressSpace) overlapsAny(addr uintptr, size uint64) bool {
	end := addr + uintptr(size)
	for _, r := range as.regions {
		if addr < r.end() && r.Start < end {
			return true
		}
	}
	return false
}

// splitOut removes [addr, addr+size) from the region list, splitting
// any region that straddles either boundary, and returns the regions
// that were affected (for callers that need their old protection).
func (as *AddressSpace) splitOut(addr uintptr, size uint64) []*Region {
	end := addr + uintptr(size)
	var kept []*Region
	var affected []*Region
	for _, r := range as.regions {
		switch {
		case r.end() <= addr || r.Start >= end:
			kept = append(kept, r)
		default:
			affected = append(affected, r)
			if r.Start < addr {
				kept = append(kept, &Region{Start: r.Start, Pages: uint64(addr-r.Start) >> 12, Prot: r.Prot})
			}
			if r.end() > end {
				kept = append(kept, &Region{Start: end, Pages: uint64(r.end()-end) >> 12, Prot: r.Prot})
			}
		}
	}
	as.regions = kept
	as.sortRegions()
	return affected
}

func (as *AddressSpace) insert(r *Region) {
	as.regions = append(as.regions, r)
	as.sortRegions()
}

func (as *AddressSpace) sortRegions() {
	sort.Slice(as.regions, func(i, j int) bool { return as.regions[i].Start < as.regions[j].Start })
}

// findFree scans the sorted region list for the first gap of size
// bytes within [base, limit).
func (as *AddressSpace) findFree(size uint64) (uintptr, bool) {
	cursor := as.base
	for _, r := range as.regions {
		if r.Start > cursor && uint64(r.Start-cursor) >= size {
			return cursor, true
		}
		if r.end() > cursor {
			cursor = r.end()
		}
	}
	if uint64(as.limit-cursor) >= size {
		return cursor, true
	}
	return 0, false
}
