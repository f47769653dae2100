// Package virtio implements the split-ring virtqueue (component K,
// spec §4.K): descriptor table, available ring, used ring, and the
// free-descriptor-chain bookkeeping every device driver (balloon,
// host-fs) dispatches buffers through.
//
// Grounded on hermit-os/kernel's Virtq/VqIndex handling
// (original_source/src/arch/x86_64/kernel/virtio_net.rs — add_buffer,
// queue sizing, feature negotiation sequence) for the driver-facing
// shape, and on spec §4.K's exact free-chain/publish/acquire-fence
// contract for the ring mechanics themselves, since the retrieved
// virtio-spec/virtio-def crates describe wire layout constants but not
// a full split-ring driver implementation to adapt directly.
package virtio

import (
	"sync"

	"github.com/nimbusos/corekernel/errs"
)

// Descriptor flag bits (spec §4.K data model).
type DescFlags uint16

const (
	DescNext DescFlags = 1 << iota
	DescWrite
	DescIndirect
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags DescFlags
	Next  uint16
}

// usedElem is one entry of the used ring: which descriptor chain head
// was returned, and how many bytes the device actually wrote.
type usedElem struct {
	ID  uint16
	Len uint32
}

// Notifier abstracts writing the queue index into the device's
// notification MMIO register; the real implementation is the
// out-of-scope PCI/MMIO transport layer (spec §1).
type Notifier interface {
	Notify(queueIndex uint16)
}

// Virtqueue is one split-ring queue of size Q (spec §4.K). Every method
// takes vq.mu, so dispatches and completions from several goroutines
// are serialized by the queue itself.
type Virtqueue struct {
	mu sync.Mutex

	index    uint16
	size     uint16
	desc     []Descriptor
	freeHead uint16
	numFree  uint16

	availIdx  uint16
	availRing []uint16

	usedIdx     uint16 // last used index the driver has processed
	usedRingIdx uint16 // shadow of the device-published used index
	usedRing    []usedElem

	indirectSupported bool

	notifier Notifier
}

// New creates a virtqueue of the given size (must be a power of two
// per the virtio spec's ring-masking convention) at queueIndex.
func New(queueIndex uint16, size uint16, notifier Notifier, indirect bool) *Virtqueue {
	if size == 0 || size&(size-1) != 0 {
		panic("virtqueue size must be a power of two")
	}
	vq := &Virtqueue{
		index:             queueIndex,
		size:              size,
		desc:              make([]Descriptor, size),
		availRing:         make([]uint16, size),
		usedRing:          make([]usedElem, size),
		notifier:          notifier,
		indirectSupported: indirect,
	}
	for i := uint16(0); i < size-1; i++ {
		vq.desc[i].Next = i + 1
		vq.desc[i].Flags = DescNext
	}
	vq.desc[size-1].Next = 0
	vq.freeHead = 0
	vq.numFree = size
	return vq
}

// Buffer is one scatter/gather entry a caller hands to Dispatch.
type Buffer struct {
	Addr  uint64
	Len   uint32
	Write bool // host-writable (device writes into this buffer)
}

// DispatchMode controls whether Dispatch rings the device's doorbell.
type DispatchMode int

const (
	NotifyAlways DispatchMode = iota
	NotifySuppress
)

// Dispatch takes descriptors from the free chain for each buffer in
// chain, links them with NEXT, writes the head index into the
// available ring, publishes the new available index with a release
// fence, and optionally notifies the device (spec §4.K). Returns the
// head descriptor index (the buffer_token used to match the later
// used-ring entry).
func (vq *Virtqueue) Dispatch(chain []Buffer, mode DispatchMode) (uint16, errs.Err_t) {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	if len(chain) == 0 {
		return 0, errs.Einval
	}
	if uint16(len(chain)) > vq.numFree {
		return 0, errs.Enomem
	}

	head := vq.freeHead
	cur := head
	for i, b := range chain {
		d := &vq.desc[cur]
		d.Addr = b.Addr
		d.Len = b.Len
		d.Flags = 0
		if b.Write {
			d.Flags |= DescWrite
		}
		last := i == len(chain)-1
		if !last {
			d.Flags |= DescNext
			cur = d.Next
		}
	}
	vq.freeHead = vq.desc[cur].Next
	vq.numFree -= uint16(len(chain))

	idx := vq.availIdx % vq.size
	vq.availRing[idx] = head

	// Both sides of this queue (driver dispatch, simulated device
	// completion) serialize through vq.mu, standing in for the
	// release/acquire fence pair a real MMIO transport would need
	// between publishing descriptors and bumping the available index.
	vq.availIdx++

	if mode == NotifyAlways && vq.notifier != nil {
		vq.notifier.Notify(vq.index)
	}
	return head, 0
}

// TryRecv reads the used index with an acquire fence and returns every
// new entry (descriptor chain head, bytes written) since the last
// call, returning each chain's descriptors to the free chain (spec
// §4.K's try_recv).
func (vq *Virtqueue) TryRecv() []UsedEntry {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	published := vq.usedRingIdx

	var out []UsedEntry
	for vq.usedIdx != published {
		idx := vq.usedIdx % vq.size
		e := vq.usedRing[idx]
		out = append(out, UsedEntry{ID: e.ID, Len: e.Len})
		vq.freeChain(e.ID)
		vq.usedIdx++
	}
	return out
}

// UsedEntry is one completed buffer returned by TryRecv.
type UsedEntry struct {
	ID  uint16
	Len uint32
}

// freeChain walks the NEXT-linked chain starting at head and returns
// every descriptor in it to the driver's free list.
func (vq *Virtqueue) freeChain(head uint16) {
	cur := head
	n := uint16(1)
	for vq.desc[cur].Flags&DescNext != 0 {
		cur = vq.desc[cur].Next
		n++
	}
	vq.desc[cur].Next = vq.freeHead
	vq.freeHead = head
	vq.numFree += n
}

// simulateDeviceComplete is the test/simulation hook standing in for
// the host side of the transport: it appends a used-ring entry for the
// given descriptor chain head and publishes the new used index with
// the same fence discipline TryRecv expects. Production builds wire
// this to whatever MMIO/eventfd mechanism the transport provides
// instead (out of scope per spec §1).
func (vq *Virtqueue) simulateDeviceComplete(head uint16, writtenLen uint32) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	idx := vq.usedRingIdx % vq.size
	vq.usedRing[idx] = usedElem{ID: head, Len: writtenLen}
	vq.usedRingIdx++
}

// NumFree reports how many descriptors remain on the free chain.
func (vq *Virtqueue) NumFree() uint16 {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.numFree
}
