// Package bootinfo describes the boot-time parameter block handed to the
// core by architecture-specific entry code (out of scope per spec §1).
// The core consumes only Argv/Envp and the memory map; everything else
// is passed through untouched.
package bootinfo

// PageRange describes a physical range available to the frame allocator,
// in the same shape as the free-list ranges in spec §3.
type PageRange struct {
	StartFrame uint64
	FrameCount uint64
}

// Info is the boot-time parameter block. FDTOrACPI is an opaque pointer
// (uintptr) into whichever firmware table the architecture layer
// discovered; the core never interprets it directly.
type Info struct {
	Argv      []string
	Envp      []string
	MemoryMap []PageRange
	FDTOrACPI uintptr
	NumCores  int
}
