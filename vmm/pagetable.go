// Package vmm implements the virtual address allocator (spec §4.B) and
// the multi-page-size page-table manager (spec §4.C).
//
// Grounded on biscuit's mem.Pmap_t / dmap.go (recursive 4-level tree of
// 512-entry tables, Pa_t-typed PTE flag bits, a Kent_t-style record of
// kernel top-level entries) but restructured around an in-memory tree of
// *table nodes rather than biscuit's recursive-mapping trick: biscuit
// reaches page-table pages through a dedicated PML4 slot and unsafe
// pointer arithmetic that only makes sense once the direct map itself is
// installed by arch-specific boot code (out of scope per spec §1). This
// kernel instead holds the tree as ordinary Go structs, keyed into
// existence through mem.Page_i the same way biscuit's kpgadd/pgtracker_t
// tracks kernel-allocated page-table pages, and leaves the actual
// load-into-CR3/load-into-TTBR0 step to the (unspecified) arch layer.
package vmm

import (
	"fmt"

	"github.com/nimbusos/corekernel/mem"
)

// PageSize names the three granularities spec §4.C requires.
type PageSize int

const (
	Size4K PageSize = iota
	Size2M
	Size1G
)

// Bytes returns the number of bytes a single page of this size covers.
func (s PageSize) Bytes() uint64 {
	switch s {
	case Size4K:
		return 1 << 12
	case Size2M:
		return 1 << 21
	case Size1G:
		return 1 << 30
	default:
		panic("bad page size")
	}
}

// level returns the page-table level (0 = leaf PTEs, 3 = top) at which
// this size's entries are installed.
func (s PageSize) level() int {
	switch s {
	case Size4K:
		return 0
	case Size2M:
		return 1
	case Size1G:
		return 2
	default:
		panic("bad page size")
	}
}

// Flags mirrors the PTE bit set named in spec §3: present, writable,
// user, write-through, cache-disable, accessed, dirty, huge, global,
// execute-disable.
type Flags uint

const (
	Present Flags = 1 << iota
	Writable
	User
	WriteThrough
	CacheDisable
	Accessed
	Dirty
	Huge
	Global
	ExecuteDisable
)

// stricter returns the stricter combination of a and b: Writable and
// User only if both grant them, ExecuteDisable if either sets it, and
// a's remaining bits unchanged. Map uses it when replacing a present
// entry.
func stricter(a, b Flags) Flags {
	perm := Writable | User | ExecuteDisable
	// stricter = fewer permissive bits set, except ExecuteDisable where
	// being *set* is the strict (non-executable) choice.
	out := a &^ perm
	if a&Writable == 0 || b&Writable == 0 {
		// neither side gains write if either lacked it
	} else {
		out |= Writable
	}
	if a&User != 0 && b&User != 0 {
		out |= User
	}
	if a&ExecuteDisable != 0 || b&ExecuteDisable != 0 {
		out |= ExecuteDisable
	}
	return out
}

// Shootdowner abstracts cross-core TLB invalidation (spec §4.C,
// §4.G "cross-core wakeup" sibling mechanism). Sending the actual IPI
// is an arch concern out of scope for this package; PageTable only
// needs to know when to ask for one.
type Shootdowner interface {
	// LocalInvalidate flushes pageCount pages starting at va from this
	// core's TLB.
	LocalInvalidate(va uintptr, pageCount int)
	// Shootdown additionally sends an inter-processor interrupt to any
	// other core that might have this mapping cached.
	Shootdown(va uintptr, pageCount int)
}

type entry struct {
	present bool
	huge    bool
	flags   Flags
	phys    mem.Pa_t // valid leaf mapping when huge or level == 0
	child   *table   // valid intermediate node otherwise
	childPA mem.Pa_t
}

type table struct {
	entries [512]entry
}

// PageTable is the 4-level tree of 512-entry tables described in
// spec §3. Entries carry a huge bit only at the level that encodes
// that page size (enforced by construction, never by a runtime check
// callers must remember).
type PageTable struct {
	root   *table
	rootPA mem.Pa_t
	pages  mem.Page_i
	tlb    Shootdowner
	levels int // 4 for x86-64/AArch64/RISC-V64 sv48; kept configurable
}

// New creates an empty page table with a freshly allocated root.
func New(pages mem.Page_i, tlb Shootdowner) (*PageTable, error) {
	r, pa, err := allocTable(pages)
	if err != nil {
		return nil, err
	}
	return &PageTable{root: r, rootPA: pa, pages: pages, tlb: tlb, levels: 4}, nil
}

func allocTable(pages mem.Page_i) (*table, mem.Pa_t, error) {
	r, err := pages.Allocate(mem.Layout{Size: uint64(mem.PGSIZE), Align: uint64(mem.PGSIZE)})
	if err != nil {
		return nil, 0, err
	}
	return &table{}, r.Base(), nil
}

func idx(virt uintptr, level int) int {
	shift := uint(12 + 9*level)
	return int((virt >> shift) & 0x1ff)
}

// walk descends to the table at the given level for virt, creating
// intermediate tables on demand (zeroed before use, per spec §4.C).
// It refuses to descend through an existing huge leaf.
func (pt *PageTable) walk(virt uintptr, targetLevel int, create bool) (*table, int, error) {
	cur := pt.root
	for lvl := pt.levels - 1; lvl > targetLevel; lvl-- {
		i := idx(virt, lvl)
		e := &cur.entries[i]
		if e.present && e.huge {
			return nil, 0, fmt.Errorf("vmm: address %#x already mapped by a huge page at level %d", virt, lvl)
		}
		if !e.present {
			if !create {
				return nil, 0, nil
			}
			child, pa, err := allocTable(pt.pages)
			if err != nil {
				return nil, 0, err
			}
			e.present = true
			e.child = child
			e.childPA = pa
			e.flags = Present | Writable | User
		}
		cur = e.child
	}
	return cur, idx(virt, targetLevel), nil
}

// Map installs count consecutive pages of size s starting at virt,
// mapped to consecutive physical frames starting at phys, with flags.
// Replacing a present entry merges flags with that entry's old flags
// through stricter, flushes it locally and, when shared is
// true (the mapping lives in kernel space other cores might observe),
// issues a TLB shootdown.
func (pt *PageTable) Map(virt uintptr, phys mem.Pa_t, count int, s PageSize, flags Flags, shared bool) error {
	step := s.Bytes()
	lvl := s.level()
	for i := 0; i < count; i++ {
		v := virt + uintptr(uint64(i)*step)
		p := phys + mem.Pa_t(uint64(i)*step)
		t, ti, err := pt.walk(v, lvl, true)
		if err != nil {
			return err
		}
		e := &t.entries[ti]
		replaced := e.present
		f := flags
		if replaced {
			f = stricter(flags, e.flags)
		}
		e.present = true
		e.huge = lvl > 0
		e.phys = p
		e.flags = f | Present
		if replaced {
			pt.invalidate(v, 1, shared)
		}
	}
	return nil
}

// MapRange maps a byte range, promoting to the largest page size that
// alignment and length allow and falling back level-by-level otherwise,
// per spec §4.C.
func (pt *PageTable) MapRange(virt uintptr, phys mem.Pa_t, length uint64, flags Flags, shared bool) error {
	remaining := length
	v, p := virt, phys
	for remaining > 0 {
		size := bestFit(v, p, remaining)
		if err := pt.Map(v, p, 1, size, flags, shared); err != nil {
			return err
		}
		step := size.Bytes()
		v += uintptr(step)
		p += mem.Pa_t(step)
		remaining -= step
	}
	return nil
}

func bestFit(virt uintptr, phys mem.Pa_t, remaining uint64) PageSize {
	for _, s := range []PageSize{Size1G, Size2M, Size4K} {
		b := s.Bytes()
		if remaining >= b && uint64(virt)%b == 0 && uint64(phys)%b == 0 {
			return s
		}
	}
	return Size4K
}

// Unmap removes count pages of size s starting at virt.
func (pt *PageTable) Unmap(virt uintptr, count int, s PageSize) {
	step := s.Bytes()
	lvl := s.level()
	for i := 0; i < count; i++ {
		v := virt + uintptr(uint64(i)*step)
		t, ti, err := pt.walk(v, lvl, false)
		if err != nil || t == nil {
			continue
		}
		e := &t.entries[ti]
		if !e.present {
			continue
		}
		*e = entry{}
		pt.invalidate(v, 1, true)
	}
}

func (pt *PageTable) invalidate(va uintptr, pageCount int, shared bool) {
	if pt.tlb == nil {
		return
	}
	if shared {
		pt.tlb.Shootdown(va, pageCount)
	} else {
		pt.tlb.LocalInvalidate(va, pageCount)
	}
}

// VirtualToPhysical returns the physical address mapped at virt, if any.
func (pt *PageTable) VirtualToPhysical(virt uintptr) (mem.Pa_t, bool) {
	cur := pt.root
	for lvl := pt.levels - 1; lvl >= 0; lvl-- {
		i := idx(virt, lvl)
		e := &cur.entries[i]
		if !e.present {
			return 0, false
		}
		if e.huge || lvl == 0 {
			size := PageSize(0)
			switch lvl {
			case 2:
				size = Size1G
			case 1:
				size = Size2M
			case 0:
				size = Size4K
			default:
				return 0, false
			}
			mask := size.Bytes() - 1
			return e.phys + mem.Pa_t(uint64(virt)&mask), true
		}
		cur = e.child
	}
	return 0, false
}

// RootPhys returns the physical address of the top-level table, for
// loading into the architecture's page-table base register.
func (pt *PageTable) RootPhys() mem.Pa_t { return pt.rootPA }
