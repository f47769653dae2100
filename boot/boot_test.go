package boot

import (
	"testing"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/config"
	"github.com/nimbusos/corekernel/mem"
	"github.com/nimbusos/corekernel/virtio"
	"github.com/stretchr/testify/require"
)

// fakeArch is a minimal stand-in for the out-of-scope architecture
// layer, enough to exercise boot.New's wiring without real hardware.
type fakeArch struct {
	*mem.SimDirectMap
}

func newFakeArch() fakeArch { return fakeArch{mem.NewSimDirectMap()} }

func (fakeArch) LocalInvalidate(uintptr, int)   {}
func (fakeArch) Shootdown(uintptr, int)         {}
func (fakeArch) NowNanos() int64                { return 0 }
func (fakeArch) SendWakeup(int)                 {}
func (fakeArch) ClearStatus(int)                {}
func (fakeArch) EOI(int)                        {}
func (fakeArch) Notifier(uint16) virtio.Notifier { return fakeNotifier{} }

type fakeNotifier struct{}

func (fakeNotifier) Notify(uint16) {}

func freshInfo() bootinfo.Info {
	return bootinfo.Info{
		MemoryMap: []bootinfo.PageRange{{StartFrame: 0, FrameCount: 1 << 16}},
		NumCores:  2,
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	arch := newFakeArch()
	k, err := New(freshInfo(), mem.PageRange{}, config.Default(), arch)
	require.NoError(t, err)

	require.NotNil(t, k.Frames)
	require.NotNil(t, k.VRanges)
	require.NotNil(t, k.Sched)
	require.Len(t, k.Execs, 2)
	require.Len(t, k.Cores, 2)
	require.NotNil(t, k.Fds)
	require.NotNil(t, k.VFS)
	require.NotNil(t, k.HostFS)
	require.NotNil(t, k.Balloon)
	require.NotNil(t, k.Intr)
}

func TestNewTaskGetsItsOwnAddressSpace(t *testing.T) {
	arch := newFakeArch()
	k, err := New(freshInfo(), mem.PageRange{}, config.Default(), arch)
	require.NoError(t, err)

	kstack := make([]uint8, 4096)
	istack := make([]uint8, 4096)
	tsk, err := k.NewTask("init", 0, kstack, istack, arch)
	require.NoError(t, err)
	require.NotNil(t, tsk.AS)
	require.NotNil(t, tsk.Accounting)
}
