package vfs

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/ustr"
	"github.com/stretchr/testify/require"
)

func newTestFs() *Filesystem {
	return NewFilesystem(NewMemDirectory(0o755))
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFs()

	n, err := fs.Open(ustr.Ustr("/hello.txt"), OCreat|ORdwr, 0o644)
	require.Zero(t, err)
	require.Equal(t, KindFile, n.GetKind())

	fh, err := n.GetObject(ORdwr)
	require.Zero(t, err)

	written, err := fh.Write(fdops.NewSliceIO([]byte("hi")))
	require.Zero(t, err)
	require.Equal(t, 2, written)

	_, err = fh.Lseek(0, fdops.SeekSet)
	require.Zero(t, err)

	buf := make([]byte, 2)
	dst := fdops.NewSliceIO(buf)
	n2, err := fh.Read(dst)
	require.Zero(t, err)
	require.Equal(t, 2, n2)
	require.Equal(t, "hi", string(buf))
}

func TestOpenMissingWithoutCreatReturnsEnoent(t *testing.T) {
	fs := newTestFs()
	_, err := fs.Open(ustr.Ustr("/missing.txt"), ORdwr, 0)
	require.EqualValues(t, errs.Enoent, err)
}

func TestMkdirNestedAndCreateFile(t *testing.T) {
	fs := newTestFs()

	require.Zero(t, fs.Mkdir(ustr.Ustr("/a"), 0o755))
	require.Zero(t, fs.Mkdir(ustr.Ustr("/a/b"), 0o755))

	_, err := fs.CreateFile(ustr.Ustr("/a/b/file.txt"), 0o644)
	require.Zero(t, err)

	st, err := fs.Stat(ustr.Ustr("/a/b/file.txt"))
	require.Zero(t, err)
	require.EqualValues(t, ModeRegular|0o644, st.Mode)
}

func TestMkdirExistingReturnsEexist(t *testing.T) {
	fs := newTestFs()
	require.Zero(t, fs.Mkdir(ustr.Ustr("/a"), 0o755))
	require.EqualValues(t, errs.Eexist, fs.Mkdir(ustr.Ustr("/a"), 0o755))
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	fs := newTestFs()
	require.Zero(t, fs.Mkdir(ustr.Ustr("/a"), 0o755))
	_, err := fs.CreateFile(ustr.Ustr("/a/file.txt"), 0o644)
	require.Zero(t, err)

	require.EqualValues(t, errs.Enotempty, fs.Rmdir(ustr.Ustr("/a")))

	require.Zero(t, fs.Unlink(ustr.Ustr("/a/file.txt")))
	require.Zero(t, fs.Rmdir(ustr.Ustr("/a")))
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	fs := newTestFs()
	require.Zero(t, fs.Mkdir(ustr.Ustr("/a"), 0o755))
	require.EqualValues(t, errs.Eisdir, fs.Unlink(ustr.Ustr("/a")))
}

func TestReaddirListsEntries(t *testing.T) {
	fs := newTestFs()
	require.Zero(t, fs.Mkdir(ustr.Ustr("/dir"), 0o755))
	_, err := fs.CreateFile(ustr.Ustr("/dir/one.txt"), 0o644)
	require.Zero(t, err)
	_, err = fs.CreateFile(ustr.Ustr("/dir/two.txt"), 0o644)
	require.Zero(t, err)

	entries, err := fs.Readdir(ustr.Ustr("/dir"))
	require.Zero(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name.String()] = true
	}
	require.True(t, names["one.txt"])
	require.True(t, names["two.txt"])
}

func TestMountReplacesSubtreeAtomically(t *testing.T) {
	fs := newTestFs()
	require.Zero(t, fs.Mkdir(ustr.Ustr("/mnt"), 0o755))
	_, err := fs.CreateFile(ustr.Ustr("/mnt/old.txt"), 0o644)
	require.Zero(t, err)

	replacement := NewMemDirectory(0o755)
	_, err = replacement.TraverseCreateFile([]ustr.Ustr{ustr.Ustr("new.txt")}, 0o644)
	require.Zero(t, err)

	require.Zero(t, fs.Mount(ustr.Ustr("/mnt"), replacement))

	_, err = fs.Open(ustr.Ustr("/mnt/old.txt"), 0, 0)
	require.EqualValues(t, errs.Enoent, err)

	n, err := fs.Open(ustr.Ustr("/mnt/new.txt"), 0, 0)
	require.Zero(t, err)
	require.Equal(t, KindFile, n.GetKind())
}

func TestReadOnlyBytesRejectsWrite(t *testing.T) {
	f := NewReadOnlyBytes([]byte("immutable"))
	_, err := f.GetObject(ORdwr)
	require.EqualValues(t, errs.Erofs, err)

	fh, err := f.GetObject(0)
	require.Zero(t, err)

	buf := make([]byte, 9)
	n, err := fh.Read(fdops.NewSliceIO(buf))
	require.Zero(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, "immutable", string(buf))

	_, err = fh.Write(fdops.NewSliceIO([]byte("x")))
	require.EqualValues(t, errs.Erofs, err)
}

func TestTruncateOnOpenResetsData(t *testing.T) {
	fs := newTestFs()
	n, err := fs.Open(ustr.Ustr("/f.txt"), OCreat|ORdwr, 0o644)
	require.Zero(t, err)
	fh, err := n.GetObject(ORdwr)
	require.Zero(t, err)
	_, err = fh.Write(fdops.NewSliceIO([]byte("hello")))
	require.Zero(t, err)

	fh2, err := n.GetObject(OTrunc)
	require.Zero(t, err)
	st := &fdops.Stat_t{}
	require.Zero(t, fh2.Fstat(st))
	require.EqualValues(t, 0, st.Size)
}

func TestFlagsFromUnixTranslatesCreatRdwrTrunc(t *testing.T) {
	require.Equal(t, OCreat, FlagsFromUnix(unix.O_CREAT))
	require.Equal(t, ORdwr, FlagsFromUnix(unix.O_RDWR))
	require.Equal(t, OCreat|ORdwr|OTrunc, FlagsFromUnix(unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC))
	require.Zero(t, FlagsFromUnix(unix.O_RDONLY))
}
