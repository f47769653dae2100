package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVRangeAllocateExcludesKernelImage(t *testing.T) {
	va := NewVRangeAllocator(0, 0x10000, VRange{Start: 0x1000, Pages: 2})
	r, err := va.Allocate(0x1000, 0x1000)
	require.NoError(t, err)
	require.NotEqual(t, uintptr(0x1000), r.Start)
	require.NotEqual(t, uintptr(0x2000), r.Start)
}

func TestVRangeRoundTrip(t *testing.T) {
	va := NewVRangeAllocator(0, 0x100000, VRange{})
	r, err := va.Allocate(0x4000, 0x1000)
	require.NoError(t, err)
	va.Deallocate(r)
	// deallocating coalesces back to the full range, so the entire
	// span can be allocated again in one shot.
	_, err = va.Allocate(0x100000, 0x1000)
	require.NoError(t, err)
}

func TestVRangeAlignment(t *testing.T) {
	va := NewVRangeAllocator(0, 0x100000, VRange{})
	r, err := va.Allocate(0x2000, 0x10000)
	require.NoError(t, err)
	require.Zero(t, uint64(r.Start)%0x10000)
}
