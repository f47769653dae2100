package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeNotifier struct{ notified []uint16 }

func (f *fakeNotifier) Notify(q uint16) { f.notified = append(f.notified, q) }

func TestDispatchAndRecvRoundTrip(t *testing.T) {
	notif := &fakeNotifier{}
	vq := New(0, 8, notif, false)

	head, err := vq.Dispatch([]Buffer{{Addr: 0x1000, Len: 64, Write: true}}, NotifyAlways)
	require.Zero(t, err)
	require.Equal(t, []uint16{0}, notif.notified)
	require.Equal(t, uint16(7), vq.NumFree())

	out := vq.TryRecv()
	require.Empty(t, out, "nothing completed yet")

	vq.simulateDeviceComplete(head, 32)
	out = vq.TryRecv()
	require.Len(t, out, 1)
	require.Equal(t, head, out[0].ID)
	require.EqualValues(t, 32, out[0].Len)
	require.Equal(t, uint16(8), vq.NumFree(), "descriptor returned to free chain")
}

func TestDispatchChainsMultipleDescriptors(t *testing.T) {
	vq := New(1, 4, nil, false)
	head, err := vq.Dispatch([]Buffer{
		{Addr: 0x1000, Len: 16},
		{Addr: 0x2000, Len: 16, Write: true},
	}, NotifySuppress)
	require.Zero(t, err)
	require.Equal(t, uint16(2), vq.NumFree())
	require.NotZero(t, vq.desc[head].Flags&DescNext)

	vq.simulateDeviceComplete(head, 16)
	out := vq.TryRecv()
	require.Len(t, out, 1)
	require.Equal(t, uint16(4), vq.NumFree())
}

func TestDispatchFailsWhenQueueFull(t *testing.T) {
	vq := New(0, 2, nil, false)
	_, err := vq.Dispatch([]Buffer{{Addr: 1, Len: 1}, {Addr: 2, Len: 1}, {Addr: 3, Len: 1}}, NotifySuppress)
	require.NotZero(t, err)
}

func TestNumFreeDecreasesAndRecovers(t *testing.T) {
	vq := New(0, 4, nil, false)
	var heads []uint16
	for i := 0; i < 4; i++ {
		h, err := vq.Dispatch([]Buffer{{Addr: uint64(i), Len: 1}}, NotifySuppress)
		require.Zero(t, err)
		heads = append(heads, h)
	}
	require.Equal(t, uint16(0), vq.NumFree())
	_, err := vq.Dispatch([]Buffer{{Addr: 9, Len: 1}}, NotifySuppress)
	require.NotZero(t, err)

	for _, h := range heads {
		vq.simulateDeviceComplete(h, 1)
	}
	vq.TryRecv()
	require.Equal(t, uint16(4), vq.NumFree())
}
