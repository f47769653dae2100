package vmm

import (
	"testing"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/mem"
	"github.com/stretchr/testify/require"
)

type fakeTLB struct {
	locals, shoots int
}

func (f *fakeTLB) LocalInvalidate(va uintptr, n int) { f.locals++ }
func (f *fakeTLB) Shootdown(va uintptr, n int)       { f.shoots++ }

func freshFrames(t *testing.T) mem.Page_i {
	t.Helper()
	return mem.NewFrameAllocator([]bootinfo.PageRange{{StartFrame: 0, FrameCount: 1 << 20}}, mem.PageRange{})
}

func TestMapAndTranslate(t *testing.T) {
	frames := freshFrames(t)
	pt, err := New(frames, &fakeTLB{})
	require.NoError(t, err)

	virt := uintptr(0x4000_0000)
	phys := mem.Pa_t(0x1000_0000)
	require.NoError(t, pt.Map(virt, phys, 1, Size4K, Present|Writable|User, false))

	got, ok := pt.VirtualToPhysical(virt + 0x10)
	require.True(t, ok)
	require.EqualValues(t, uint64(phys)+0x10, uint64(got))

	_, ok = pt.VirtualToPhysical(virt + uintptr(mem.PGSIZE))
	require.False(t, ok, "next page must be unmapped")
}

func TestUnmapRemovesMapping(t *testing.T) {
	frames := freshFrames(t)
	pt, err := New(frames, &fakeTLB{})
	require.NoError(t, err)

	virt := uintptr(0x4000_0000)
	require.NoError(t, pt.Map(virt, mem.Pa_t(0x2000_0000), 1, Size4K, Present|Writable, false))
	pt.Unmap(virt, 1, Size4K)

	_, ok := pt.VirtualToPhysical(virt)
	require.False(t, ok)
}

func TestMapRangePromotesToHugePages(t *testing.T) {
	frames := freshFrames(t)
	pt, err := New(frames, &fakeTLB{})
	require.NoError(t, err)

	virt := uintptr(0) // 1GiB-aligned
	length := uint64(1 << 30)
	require.NoError(t, pt.MapRange(virt, mem.Pa_t(0), length, Present|Writable, false))

	got, ok := pt.VirtualToPhysical(uintptr(1 << 29))
	require.True(t, ok)
	require.EqualValues(t, 1<<29, uint64(got))
}

func TestReplacingPresentEntryShootsDown(t *testing.T) {
	frames := freshFrames(t)
	tlb := &fakeTLB{}
	pt, err := New(frames, tlb)
	require.NoError(t, err)

	virt := uintptr(0x1000)
	require.NoError(t, pt.Map(virt, mem.Pa_t(0x1000), 1, Size4K, Present|Writable, true))
	require.NoError(t, pt.Map(virt, mem.Pa_t(0x2000), 1, Size4K, Present|Writable, true))
	require.Equal(t, 1, tlb.shoots, "replacing a present mapping in shared space shoots down")
}
