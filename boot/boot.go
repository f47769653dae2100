// Package boot assembles the kernel's components in the dependency
// order spec §2 names (A→B→C→D, E→F→G→H, K→L, (C,H)→J, (G,H)→I) into
// one running Kernel. It is this tree's analogue of biscuit's
// kernel/chentry.go entry point, minus the ELF-patching build-time
// concerns chentry.go mixed in (deleted, see DESIGN.md): everything
// here is pure runtime wiring, callable however the out-of-scope
// architecture layer's own entry code chooses to call it.
package boot

import (
	"github.com/nimbusos/corekernel/balloon"
	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/config"
	"github.com/nimbusos/corekernel/executor"
	"github.com/nimbusos/corekernel/fd"
	"github.com/nimbusos/corekernel/hostfs"
	"github.com/nimbusos/corekernel/intr"
	"github.com/nimbusos/corekernel/mem"
	"github.com/nimbusos/corekernel/mmapi"
	"github.com/nimbusos/corekernel/oommsg"
	"github.com/nimbusos/corekernel/sched"
	"github.com/nimbusos/corekernel/task"
	"github.com/nimbusos/corekernel/vfs"
	"github.com/nimbusos/corekernel/virtio"
	"github.com/nimbusos/corekernel/vmm"
)

// Queue indices on the virtio-balloon and host-FS virtqueue set. Fixed
// at boot the same way biscuit's device drivers claim a queue index
// ahead of feature negotiation.
const (
	balloonInflateQueue = 0
	balloonDeflateQueue = 1
	hostfsQueue         = 2
)

// kernelVAStart/kernelVAEnd bound the window task address spaces search
// for mmap placement (spec §3's "[kernel_end, KERNEL_VM_END)"),
// expressed the way biscuit's mem.VUSER/VEND slot constants are:
// canonical higher-half addresses built from a PML4 slot index. The
// exact slots are an out-of-scope arch/linker concern; these are
// placeholder values consistent with biscuit's own scheme.
const (
	kernelVAStart uintptr = 1 << 39
	kernelVAEnd   uintptr = 0x50 << 39
)

// Arch bundles every collaborator spec §1 places out of scope for this
// kernel: direct-mapped physical memory access, TLB shootdown, the
// system clock, cross-core wakeup IPIs, the platform interrupt
// controller, and per-virtqueue MMIO notification. A real boot entry
// point supplies one concrete implementation backed by the actual
// hardware or hypervisor interface; tests supply a fake (see
// boot_test.go).
type Arch interface {
	mem.DirectMap
	vmm.Shootdowner
	sched.Clock
	sched.IPISender
	intr.Controller

	// Notifier returns the notification sink for the given virtqueue
	// index, wired once at construction per queue.
	Notifier(queueIndex uint16) virtio.Notifier
}

// Kernel holds every top-level component once booted, in spec §2's
// dependency order.
type Kernel struct {
	Cfg config.Config

	Frames  *mem.FrameAllocator  // A
	VRanges *vmm.VRangeAllocator // B

	Sched *sched.Scheduler                // F+G
	Execs map[int]*executor.Executor      // H, per core
	Cores map[int]*task.Core

	Fds    *fd.Table        // I
	VFS    *vfs.Filesystem  // J (in-memory half)
	HostFS *hostfs.Client   // J (host-FS half)

	InflateQ *virtio.Virtqueue // K
	DeflateQ *virtio.Virtqueue // K
	HostFSQ  *virtio.Virtqueue // K

	Balloon *balloon.Driver   // L
	Intr    *intr.Dispatcher  // M
}

// New builds a Kernel from the boot-time parameter block, excluding
// kernelImage from the frame allocator's free list (spec §4.A) and
// from the kernel-virtual range allocator (spec §4.B).
func New(info bootinfo.Info, kernelImage mem.PageRange, cfg config.Config, arch Arch) (*Kernel, error) {
	k := &Kernel{Cfg: cfg}

	// A: physical frame allocator.
	k.Frames = mem.NewFrameAllocator(info.MemoryMap, kernelImage)

	// B: kernel-virtual range allocator, excluding the kernel image's
	// own virtual mapping.
	k.VRanges = vmm.NewVRangeAllocator(kernelVAStart, kernelVAEnd, vmm.VRange{
		Start: kernelVAStart,
		Pages: kernelImage.FrameCount,
	})

	// C+D are per-task (each task gets its own PageTable/AddressSpace
	// when spawned, via k.NewTask below): nothing to build at boot time.

	// F+G: scheduler, ready above blocked queues.
	k.Sched = sched.New(cfg.NumPrio, arch, arch)

	// H: one async executor per core, registered with both the
	// scheduler (implicitly, via timer ticks) and the interrupt
	// dispatcher below.
	k.Execs = make(map[int]*executor.Executor, info.NumCores)
	k.Cores = make(map[int]*task.Core, info.NumCores)
	for i := 0; i < info.NumCores; i++ {
		k.Execs[i] = executor.New(k.Sched)
		k.Cores[i] = &task.Core{ID: i}
	}

	// I: object/fd table.
	k.Fds = fd.NewTable()

	// K: virtqueues backing the balloon driver and the host-FS client.
	k.InflateQ = virtio.New(balloonInflateQueue, cfg.VirtqueueSize, arch.Notifier(balloonInflateQueue), false)
	k.DeflateQ = virtio.New(balloonDeflateQueue, cfg.VirtqueueSize, arch.Notifier(balloonDeflateQueue), false)
	k.HostFSQ = virtio.New(hostfsQueue, cfg.VirtqueueSize, arch.Notifier(hostfsQueue), false)

	// J: VFS root (in-memory, mountable) plus the host-FS client every
	// HostDirectory/HostFile mounted under it talks through, riding on
	// its own dedicated virtqueue (spec §4.J: "each request ... on a
	// dedicated virtqueue").
	k.VFS = vfs.NewFilesystem(vfs.NewMemDirectory(0o755))
	k.HostFS = hostfs.NewClient(hostfs.NewVirtioTransport(k.HostFSQ), 0, 0, 0)

	// L: balloon driver, fed by the K queues and allocating its pages from A.
	k.Balloon = balloon.New(k.InflateQ, k.DeflateQ, k.Frames, cfg)
	go k.Balloon.WatchOOM(oommsg.OomCh)

	// M: interrupt dispatch, wired to G for timer-driven wakeups and to
	// every core's H executor.
	k.Intr = intr.New(arch, k.Sched)
	for id, e := range k.Execs {
		k.Intr.RegisterExecutor(id, e)
	}

	// PollEvents is driven by whatever MSI vector the arch layer
	// assigns the balloon device, servicing completions on both queues
	// and attempting a voluntary inflation at most once per configured
	// interval. Reading the host's requested target page count out of
	// virtio config space is an out-of-scope MMIO concern; passing
	// NumInBalloon back as the target means a bare device interrupt
	// never asks the balloon to grow, so inflation comes only from that
	// bounded voluntary step, and WatchOOM deflates on memory pressure.
	k.Intr.RegisterDevice(func(irq int, c *task.Core) {
		k.Balloon.PollEvents(k.Balloon.NumInBalloon(), arch.NowNanos())
	})

	return k, nil
}

// NewTask builds a task with its own page table and address space
// (spec §4.C/§4.D), registered with neither the ready queue nor any
// core until the caller enqueues it — constructing a Task does not by
// itself make it runnable.
func (k *Kernel) NewTask(name string, prio int, kstack, istack []uint8, arch Arch) (*task.Task, error) {
	pt, err := vmm.New(k.Frames, arch)
	if err != nil {
		return nil, err
	}
	as := mmapi.New(pt, k.Frames, arch, kernelVAStart, kernelVAEnd)
	return task.New(name, prio, kstack, istack, as), nil
}
