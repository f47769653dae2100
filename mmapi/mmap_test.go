package mmapi

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/mem"
	"github.com/nimbusos/corekernel/vmm"
	"github.com/stretchr/testify/require"
)

type fakeTLB struct{}

func (fakeTLB) LocalInvalidate(uintptr, int) {}
func (fakeTLB) Shootdown(uintptr, int)       {}

func freshSpace(t *testing.T) *AddressSpace {
	t.Helper()
	frames := mem.NewFrameAllocator([]bootinfo.PageRange{{StartFrame: 0, FrameCount: 1 << 16}}, mem.PageRange{})
	pt, err := vmm.New(frames, fakeTLB{})
	require.NoError(t, err)
	return New(pt, frames, mem.NewSimDirectMap(), 0x1000_0000, 0x2000_0000)
}

func TestMmapTouchMunmap(t *testing.T) {
	as := freshSpace(t)
	addr, e := as.Mmap(8192, ProtRead|ProtWrite)
	require.Zero(t, e)

	require.Zero(t, as.Fault(addr, true))
	_, ok := as.VirtualToPhysical(addr)
	require.True(t, ok)

	_, ok = as.VirtualToPhysical(addr + 4096)
	require.False(t, ok, "second page untouched so far")
	require.Zero(t, as.Fault(addr+4096, true))
	_, ok = as.VirtualToPhysical(addr + 4096)
	require.True(t, ok)

	_, _, e = as.Munmap(addr, 8192)
	require.Zero(t, e)

	_, ok = as.VirtualToPhysical(addr)
	require.False(t, ok)
}

func TestMprotectNarrowsImmediately(t *testing.T) {
	as := freshSpace(t)
	addr, e := as.Mmap(4096, ProtRead|ProtWrite)
	require.Zero(t, e)
	require.Zero(t, as.Fault(addr, true))

	require.Zero(t, as.Mprotect(addr, 4096, ProtRead))
	require.NotZero(t, as.Fault(addr, true), "write must now fault")
	require.Zero(t, as.Fault(addr, false))
}

func TestMprotectSplitsCoveringRegion(t *testing.T) {
	as := freshSpace(t)
	addr, e := as.Mmap(3*4096, ProtRead|ProtWrite)
	require.Zero(t, e)

	require.Zero(t, as.Mprotect(addr+4096, 4096, ProtRead))
	require.NotZero(t, as.Fault(addr+4096, true))
	require.Zero(t, as.Fault(addr, true))
	require.Zero(t, as.Fault(addr+2*4096, true))
}

func TestAccessOutsideAnyRegionIsFatal(t *testing.T) {
	as := freshSpace(t)
	require.Equal(t, int(-14), as.Fault(0x5555, false).Rc())
}

func TestGuardRegionAlwaysFaults(t *testing.T) {
	as := freshSpace(t)
	addr, e := as.Mmap(4096, 0)
	require.Zero(t, e)
	require.NotZero(t, as.Fault(addr, false))
}

func TestMmapRejectsUnknownProtAndZeroSize(t *testing.T) {
	as := freshSpace(t)
	_, e := as.Mmap(4096, 0xF0)
	require.NotZero(t, e)
	_, e = as.Mmap(0, ProtRead)
	require.NotZero(t, e)
}

func TestProtFromUnixTranslatesBits(t *testing.T) {
	require.Equal(t, ProtRead, ProtFromUnix(unix.PROT_READ))
	require.Equal(t, ProtRead|ProtWrite, ProtFromUnix(unix.PROT_READ|unix.PROT_WRITE))
	require.Equal(t, ProtRead|ProtWrite|ProtExec, ProtFromUnix(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC))
	require.Zero(t, ProtFromUnix(unix.PROT_NONE))
}
