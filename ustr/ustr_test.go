package ustr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsdotAndIsdotdot(t *testing.T) {
	require.True(t, Ustr(".").Isdot())
	require.False(t, Ustr("..").Isdot())
	require.True(t, Ustr("..").Isdotdot())
	require.False(t, Ustr("a").Isdotdot())
}

func TestMkUstrSliceTruncatesAtNul(t *testing.T) {
	buf := []uint8{'h', 'i', 0, 'x', 'x'}
	require.Equal(t, Ustr("hi"), MkUstrSlice(buf))
}

func TestExtendJoinsWithSlash(t *testing.T) {
	got := Ustr("/a").Extend(Ustr("b"))
	require.Equal(t, "/a/b", got.String())
}

func TestValidUTF8AcceptsWellFormedStrings(t *testing.T) {
	require.True(t, Ustr("héllo/wörld").ValidUTF8())
}

func TestValidUTF8RejectsMalformedBytes(t *testing.T) {
	bad := Ustr([]byte{'a', 0xff, 0xfe, 'b'})
	require.False(t, bad.ValidUTF8())
}
