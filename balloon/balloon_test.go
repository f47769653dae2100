package balloon

import (
	"testing"
	"time"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/config"
	"github.com/nimbusos/corekernel/mem"
	"github.com/nimbusos/corekernel/oommsg"
	"github.com/nimbusos/corekernel/virtio"
	"github.com/stretchr/testify/require"
)

func freshPages(t *testing.T) *mem.FrameAllocator {
	t.Helper()
	mm := []bootinfo.PageRange{{StartFrame: 0, FrameCount: 4096}}
	return mem.NewFrameAllocator(mm, mem.PageRange{})
}

func freshDriver(t *testing.T) (*Driver, *mem.FrameAllocator) {
	t.Helper()
	pages := freshPages(t)
	cfg := config.Default()
	cfg.BalloonVoluntaryInflateInterval = time.Hour // disabled for these tests
	cfg.BalloonVoluntaryInflateMaxPages = 0
	inflateq := virtio.New(0, 16, nil, false)
	deflateq := virtio.New(1, 16, nil, false)
	return New(inflateq, deflateq, pages, cfg), pages
}

func TestAllocateChunksFallsBackOnExhaustion(t *testing.T) {
	pages := freshPages(t)
	pages.Allocate(mem.Layout{Size: uint64(4000 * mem.PGSIZE), Align: uint64(mem.PGSIZE)}) // leave 96 frames free

	var s storage
	indices := s.allocateChunks(pages, 200, false)
	require.LessOrEqual(t, len(indices), 96)
	require.NotEmpty(t, indices)
}

func TestMarkAndShrinkChunksRoundTrip(t *testing.T) {
	pages := freshPages(t)
	var s storage
	s.allocateChunks(pages, 8, false)
	require.Len(t, s.chunks, 1)

	batches := s.markPagesForDeflation(3)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)

	before := pages.FreeFrames()
	s.shrinkChunks(pages, batches)
	require.Len(t, s.chunks[0].pageIndices, 5)
	require.Equal(t, before, pages.FreeFrames(), "partial shrink does not free the frame range")
}

func TestMarkPagesForDeflationPrefersNewestChunk(t *testing.T) {
	pages := freshPages(t)
	var s storage
	s.allocateChunks(pages, 4, false)
	s.allocateChunks(pages, 4, false)
	require.Len(t, s.chunks, 2)

	batches := s.markPagesForDeflation(4)
	require.Len(t, batches, 1, "fully satisfied from the newest chunk alone")
	require.Equal(t, 0, s.chunks[1].queuedForDeflationStart)
	require.Equal(t, 4, s.chunks[0].queuedForDeflationStart)
}

func TestAdjustBalloonSizeInflatesTowardHostTarget(t *testing.T) {
	d, pages := freshDriver(t)
	before := pages.FreeFrames()

	d.PollEvents(10, 0)

	require.EqualValues(t, 10, d.numPendingInflation)
	require.Equal(t, before-10, pages.FreeFrames())
}

func TestAdjustBalloonSizeIgnoresHostShrinkRequest(t *testing.T) {
	d, _ := freshDriver(t)
	d.PollEvents(10, 0)
	d.numInBalloon = 10
	d.numPendingInflation = 0

	d.PollEvents(2, 1)

	require.EqualValues(t, 10, d.numInBalloon, "deflation never happens except via explicit OOM reclaim")
}

func TestDeflateForOOMReturnsErrorWhenNothingToGive(t *testing.T) {
	d, _ := freshDriver(t)
	_, err := d.DeflateForOOM(0, 5)
	require.NotZero(t, err)
}

func TestDeflateForOOMReclaimsAvailablePages(t *testing.T) {
	d, _ := freshDriver(t)
	d.PollEvents(10, 0)
	d.numInBalloon = 10
	d.numPendingInflation = 0

	n, err := d.DeflateForOOM(0, 4)
	require.Zero(t, err)
	require.EqualValues(t, 4, n)
	require.EqualValues(t, 4, d.numPendingDeflation)
}

func TestWatchOOMDeflatesAndAlwaysResumesCaller(t *testing.T) {
	d, _ := freshDriver(t)
	d.PollEvents(10, 0)
	d.numInBalloon = 10
	d.numPendingInflation = 0

	ch := make(chan oommsg.Oommsg_t)
	go d.WatchOOM(ch)

	resume := make(chan bool, 1)
	ch <- oommsg.Oommsg_t{Need: mem.PGSIZE * 3, Resume: resume}
	require.True(t, <-resume)

	require.EqualValues(t, 3, d.numPendingDeflation)
	close(ch)
}

func TestWatchOOMResumesFalseWhenNothingToGive(t *testing.T) {
	d, _ := freshDriver(t)

	ch := make(chan oommsg.Oommsg_t)
	go d.WatchOOM(ch)

	resume := make(chan bool, 1)
	ch <- oommsg.Oommsg_t{Need: mem.PGSIZE, Resume: resume}
	require.False(t, <-resume)
	close(ch)
}

func TestVoluntaryInflationRespectsInterval(t *testing.T) {
	pages := freshPages(t)
	cfg := config.Default()
	cfg.BalloonVoluntaryInflateInterval = time.Second
	cfg.BalloonVoluntaryInflateMaxPages = 4
	d := New(virtio.New(0, 16, nil, false), virtio.New(1, 16, nil, false), pages, cfg)

	d.PollEvents(0, 0)
	require.EqualValues(t, 4, d.numPendingInflation)

	d.numPendingInflation = 0
	d.PollEvents(0, int64(500*time.Millisecond))
	require.EqualValues(t, 0, d.numPendingInflation, "interval not yet elapsed")

	d.PollEvents(0, int64(2*time.Second))
	require.EqualValues(t, 4, d.numPendingInflation)
}

func TestNumDeflatableForOOMAccountsForHostRequestAndPending(t *testing.T) {
	d, _ := freshDriver(t)
	d.numInBalloon = 10
	d.numPendingDeflation = 2

	require.EqualValues(t, 5, d.NumDeflatableForOOM(3))
	require.EqualValues(t, 0, d.NumDeflatableForOOM(20))
}
