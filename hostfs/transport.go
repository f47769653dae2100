package hostfs

import (
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/virtio"
)

// Queue is the subset of virtio.Virtqueue a Transport dispatches
// through; split out so tests can substitute a narrower fake than the
// full split-ring implementation.
type Queue interface {
	Dispatch(chain []virtio.Buffer, mode virtio.DispatchMode) (uint16, errs.Err_t)
	TryRecv() []virtio.UsedEntry
}

// bufPhysAddr stands in for the guest-physical address a real
// descriptor would carry; translating a Go byte slice into DMA-visible
// memory is the out-of-scope arch/device-allocator concern balloon.go
// already stubs the same way (bufPhysAddr there).
func bufPhysAddr(buf []byte) uint64 { return 0 }

// VirtioTransport dispatches one host-FS request as a single
// descriptor chain on a dedicated virtqueue (spec §4.J: "each request
// is submitted as a single descriptor chain on a dedicated
// virtqueue"). It submits a host-readable descriptor covering the
// request bytes and a host-writable descriptor sized for the reply,
// then polls the used ring for the matching completion.
//
// Byte transfer through the returned response buffer depends on the
// out-of-scope guest-physical mapping bufPhysAddr stubs; production
// wiring supplies that mapping the same way the rest of this kernel's
// device drivers do. Client-level behavior is exercised in tests
// against a Transport fake that models the host side directly, the way
// balloon's tests exercise Driver logic without a real device either.
type VirtioTransport struct {
	q Queue
}

// NewVirtioTransport wraps q as a host-FS Transport.
func NewVirtioTransport(q Queue) *VirtioTransport {
	return &VirtioTransport{q: q}
}

// RoundTrip submits wireReq and checks the used ring once for the
// completion matching the descriptor chain head this call dispatched;
// it does not wait, and returns Eagain when that completion is not
// there.
func (t *VirtioTransport) RoundTrip(wireReq []byte, maxRespLen int) ([]byte, errs.Err_t) {
	respBuf := make([]byte, maxRespLen)
	head, err := t.q.Dispatch([]virtio.Buffer{
		{Addr: bufPhysAddr(wireReq), Len: uint32(len(wireReq))},
		{Addr: bufPhysAddr(respBuf), Len: uint32(len(respBuf)), Write: true},
	}, virtio.NotifyAlways)
	if err != 0 {
		return nil, err
	}

	// Poll the used ring for our chain's completion. A production
	// transport would block the calling task on an executor future
	// woken by the queue's interrupt handler (spec §4.H); this
	// kernel's interrupt dispatch (intr) is the wiring point for that
	// wakeup, out of scope for the transport itself.
	for _, e := range t.q.TryRecv() {
		if e.ID == head {
			return respBuf[:e.Len], 0
		}
	}
	return nil, errs.Eagain
}
