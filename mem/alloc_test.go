package mem

import (
	"testing"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/oommsg"
	"github.com/stretchr/testify/require"
)

func freshAllocator(t *testing.T) *FrameAllocator {
	t.Helper()
	mm := []bootinfo.PageRange{{StartFrame: 0, FrameCount: 1024}}
	return NewFrameAllocator(mm, PageRange{StartFrame: 100, FrameCount: 10})
}

func TestAllocateExcludesKernelImage(t *testing.T) {
	fa := freshAllocator(t)
	require.EqualValues(t, 1014, fa.FreeFrames())
}

func TestRequestReclaimRoundTripsThroughOomCh(t *testing.T) {
	go func() {
		req := <-oommsg.OomCh
		req.Resume <- true
	}()
	require.True(t, RequestReclaim(uint64(PGSIZE)))
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	fa := freshAllocator(t)
	before := fa.FreeFrames()

	r, err := fa.Allocate(Layout{Size: uint64(4 * PGSIZE), Align: uint64(PGSIZE)})
	require.NoError(t, err)
	require.EqualValues(t, 4, r.FrameCount)
	require.Equal(t, before-4, fa.FreeFrames())

	fa.Deallocate(r)
	require.Equal(t, before, fa.FreeFrames())
}

func TestAllocateRespectsAlignment(t *testing.T) {
	fa := freshAllocator(t)
	r, err := fa.Allocate(Layout{Size: uint64(2 * PGSIZE), Align: uint64(8 * PGSIZE)})
	require.NoError(t, err)
	require.Zero(t, r.StartFrame%8)
}

func TestAllocateExhaustion(t *testing.T) {
	mm := []bootinfo.PageRange{{StartFrame: 0, FrameCount: 4}}
	fa := NewFrameAllocator(mm, PageRange{})
	_, err := fa.Allocate(Layout{Size: uint64(8 * PGSIZE), Align: uint64(PGSIZE)})
	require.Error(t, err)
	var allocErr *AllocError
	require.ErrorAs(t, err, &allocErr)
}

func TestAllocateAtExactRange(t *testing.T) {
	fa := freshAllocator(t)
	want := PageRange{StartFrame: 200, FrameCount: 8}
	require.NoError(t, fa.AllocateAt(want))
	require.Error(t, fa.AllocateAt(want), "double reservation must fail")
}

func TestDeallocateCoalesces(t *testing.T) {
	fa := freshAllocator(t)
	a, err := fa.Allocate(Layout{Size: uint64(PGSIZE), Align: uint64(PGSIZE)})
	require.NoError(t, err)
	b, err := fa.Allocate(Layout{Size: uint64(PGSIZE), Align: uint64(PGSIZE)})
	require.NoError(t, err)
	require.Equal(t, a.end(), b.StartFrame)

	before := fa.FreeFrames()
	fa.Deallocate(a)
	fa.Deallocate(b)
	require.Equal(t, before+2, fa.FreeFrames())

	// after coalescing, a single 2-page allocation must succeed again.
	_, err = fa.Allocate(Layout{Size: uint64(2 * PGSIZE), Align: uint64(PGSIZE)})
	require.NoError(t, err)
}
