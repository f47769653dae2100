package circbuf

import (
	"testing"

	"github.com/nimbusos/corekernel/bootinfo"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/mem"
	"github.com/stretchr/testify/require"
)

func freshCb(t *testing.T, sz int) *Circbuf_t {
	t.Helper()
	frames := mem.NewFrameAllocator([]bootinfo.PageRange{{StartFrame: 0, FrameCount: 16}}, mem.PageRange{})
	cb := &Circbuf_t{}
	require.Zero(t, cb.Cb_init(sz, frames, mem.NewSimDirectMap()))
	return cb
}

func TestCopyinCopyoutRoundTrip(t *testing.T) {
	cb := freshCb(t, 16)
	n, err := cb.Copyin(fdops.NewSliceIO([]byte("hello")))
	require.Zero(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, cb.Used())

	out := make([]byte, 5)
	sio := fdops.NewSliceIO(out)
	n, err = cb.Copyout(sio)
	require.Zero(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
	require.True(t, cb.Empty())
}

func TestCopyinStopsWhenFull(t *testing.T) {
	cb := freshCb(t, 4)
	n, err := cb.Copyin(fdops.NewSliceIO([]byte("abcdef")))
	require.Zero(t, err)
	require.Equal(t, 4, n)
	require.True(t, cb.Full())

	n, err = cb.Copyin(fdops.NewSliceIO([]byte("z")))
	require.Zero(t, err)
	require.Equal(t, 0, n)
}

func TestWraparound(t *testing.T) {
	cb := freshCb(t, 4)
	_, err := cb.Copyin(fdops.NewSliceIO([]byte("ab")))
	require.Zero(t, err)

	out := make([]byte, 2)
	_, err = cb.Copyout(fdops.NewSliceIO(out))
	require.Zero(t, err)

	_, err = cb.Copyin(fdops.NewSliceIO([]byte("cdef")))
	require.Zero(t, err)
	require.True(t, cb.Full())

	out = make([]byte, 4)
	n, err := cb.Copyout(fdops.NewSliceIO(out))
	require.Zero(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "cdef", string(out))
}
