package vfs

import (
	"encoding/binary"
	"testing"

	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/hostfs"
	"github.com/nimbusos/corekernel/ustr"
	"github.com/stretchr/testify/require"
)

// The fakes below mirror hostfs's own fakeTransport/fakeHost pair
// (hostfs_test.go), reimplemented here since that pair is unexported,
// to drive HostDirectory/HostFile through the same wire protocol a
// real host-FS mount would answer.

type hnFakeFile struct {
	data     []byte
	children map[string]uint64
	isDir    bool
}

type hnFakeHost struct {
	files map[uint64]*hnFakeFile
	next  uint64
}

func newHnFakeHost() *hnFakeHost {
	h := &hnFakeHost{files: make(map[uint64]*hnFakeFile), next: 2}
	h.files[1] = &hnFakeFile{isDir: true, children: map[string]uint64{}}
	return h
}

func (h *hnFakeHost) alloc(f *hnFakeFile) uint64 {
	id := h.next
	h.next++
	h.files[id] = f
	return id
}

func (h *hnFakeHost) attrFor(nodeid uint64) hostfs.Attr {
	f := h.files[nodeid]
	mode := uint32(0o100644)
	if f.isDir {
		mode = 0o040755
	}
	return hostfs.Attr{Inum: nodeid, Size: uint64(len(f.data)), Mode: mode, Nlink: 1}
}

type hnFakeTransport struct {
	host *hnFakeHost
}

func marshalAttrForTest(a hostfs.Attr) []byte {
	b := make([]byte, 8+8+4+4+4+4)
	binary.LittleEndian.PutUint64(b[0:], a.Inum)
	binary.LittleEndian.PutUint64(b[8:], a.Size)
	binary.LittleEndian.PutUint32(b[16:], a.Mode)
	binary.LittleEndian.PutUint32(b[20:], a.Uid)
	binary.LittleEndian.PutUint32(b[24:], a.Gid)
	binary.LittleEndian.PutUint32(b[28:], a.Nlink)
	return b
}

func trimNulForTest(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (t *hnFakeTransport) RoundTrip(wireReq []byte, maxRespLen int) ([]byte, errs.Err_t) {
	// wireReq layout mirrors hostfs.Header.marshal() exactly.
	opcode := hostfs.Opcode(binary.LittleEndian.Uint32(wireReq[4:]))
	unique := binary.LittleEndian.Uint64(wireReq[8:])
	nodeid := binary.LittleEndian.Uint64(wireReq[16:])
	rest := wireReq[hostfs.HeaderSize:]

	var respPayload []byte
	errVal := int32(0)

	switch opcode {
	case hostfs.OpLookup:
		name := trimNulForTest(rest)
		dir := t.host.files[nodeid]
		child, ok := dir.children[name]
		if !ok {
			errVal = 2
			break
		}
		attr := marshalAttrForTest(t.host.attrFor(child))
		respPayload = make([]byte, 8+len(attr))
		binary.LittleEndian.PutUint64(respPayload[0:], child)
		copy(respPayload[8:], attr)
	case hostfs.OpCreate:
		name := trimNulForTest(rest[8:])
		f := &hnFakeFile{}
		id := t.host.alloc(f)
		t.host.files[nodeid].children[name] = id
		respPayload = make([]byte, 16)
		binary.LittleEndian.PutUint64(respPayload[0:], id)
		binary.LittleEndian.PutUint64(respPayload[8:], id)
	case hostfs.OpOpen:
		respPayload = make([]byte, 8)
		binary.LittleEndian.PutUint64(respPayload[0:], nodeid)
	case hostfs.OpWrite:
		fh := binary.LittleEndian.Uint64(rest[0:])
		offset := binary.LittleEndian.Uint64(rest[8:])
		data := rest[16:]
		f := t.host.files[fh]
		need := int(offset) + len(data)
		if len(f.data) < need {
			grown := make([]byte, need)
			copy(grown, f.data)
			f.data = grown
		}
		copy(f.data[offset:], data)
		respPayload = make([]byte, 4)
		binary.LittleEndian.PutUint32(respPayload, uint32(len(data)))
	case hostfs.OpRead:
		fh := binary.LittleEndian.Uint64(rest[0:])
		offset := binary.LittleEndian.Uint64(rest[8:])
		size := binary.LittleEndian.Uint32(rest[16:])
		f := t.host.files[fh]
		end := int(offset) + int(size)
		if end > len(f.data) {
			end = len(f.data)
		}
		if int(offset) <= len(f.data) {
			respPayload = f.data[offset:end]
		}
	case hostfs.OpLseek:
		off := binary.LittleEndian.Uint64(rest[8:])
		respPayload = make([]byte, 8)
		binary.LittleEndian.PutUint64(respPayload, off)
	case hostfs.OpGetattr:
		respPayload = marshalAttrForTest(t.host.attrFor(nodeid))
	case hostfs.OpRelease:
	case hostfs.OpMkdir:
		name := trimNulForTest(rest[4:])
		f := &hnFakeFile{isDir: true, children: map[string]uint64{}}
		id := t.host.alloc(f)
		t.host.files[nodeid].children[name] = id
		respPayload = make([]byte, 8)
		binary.LittleEndian.PutUint64(respPayload, id)
	case hostfs.OpUnlink:
		name := trimNulForTest(rest)
		delete(t.host.files[nodeid].children, name)
	case hostfs.OpRmdir:
		name := trimNulForTest(rest)
		delete(t.host.files[nodeid].children, name)
	case hostfs.OpReaddir:
		dir := t.host.files[nodeid]
		for name, id := range dir.children {
			child := t.host.files[id]
			kind := uint32(0o100000)
			if child.isDir {
				kind = 0o040000
			}
			entry := make([]byte, 8+4+4+len(name))
			binary.LittleEndian.PutUint64(entry[0:], id)
			binary.LittleEndian.PutUint32(entry[8:], kind)
			binary.LittleEndian.PutUint32(entry[12:], uint32(len(name)))
			copy(entry[16:], name)
			respPayload = append(respPayload, entry...)
		}
	case hostfs.OpReadlink:
		respPayload = []byte("target")
	default:
		errVal = 38
	}

	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:], uint32(16+len(respPayload)))
	binary.LittleEndian.PutUint32(out[4:], uint32(errVal))
	binary.LittleEndian.PutUint64(out[8:], unique)
	return append(out, respPayload...), 0
}

func newHostTestRoot() *HostDirectory {
	client := hostfs.NewClient(&hnFakeTransport{host: newHnFakeHost()}, 0, 0, 1)
	return NewHostDirectory(client, 1)
}

func TestHostCreateWriteReadRoundTrip(t *testing.T) {
	root := newHostTestRoot()

	n, err := root.TraverseOpen([]ustr.Ustr{ustr.Ustr("hello.txt")}, OCreat|ORdwr, 0o644)
	require.Zero(t, err)

	fh, err := n.GetObject(ORdwr)
	require.Zero(t, err)

	written, err := fh.Write(fdops.NewSliceIO([]byte("hi")))
	require.Zero(t, err)
	require.Equal(t, 2, written)

	_, err = fh.Lseek(0, fdops.SeekSet)
	require.Zero(t, err)

	buf := make([]byte, 2)
	dst := fdops.NewSliceIO(buf)
	got, err := fh.Read(dst)
	require.Zero(t, err)
	require.Equal(t, 2, got)
	require.Equal(t, "hi", string(buf))
}

func TestHostMkdirAndReaddir(t *testing.T) {
	root := newHostTestRoot()

	require.Zero(t, root.TraverseMkdir([]ustr.Ustr{ustr.Ustr("sub")}, 0o755))
	_, err := root.TraverseCreateFile([]ustr.Ustr{ustr.Ustr("sub"), ustr.Ustr("f.txt")}, 0o644)
	require.Zero(t, err)

	entries, err := root.TraverseReaddir([]ustr.Ustr{ustr.Ustr("sub")})
	require.Zero(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "f.txt", entries[0].Name.String())
}

func TestHostUnlinkAndRmdir(t *testing.T) {
	root := newHostTestRoot()

	require.Zero(t, root.TraverseMkdir([]ustr.Ustr{ustr.Ustr("sub")}, 0o755))
	_, err := root.TraverseCreateFile([]ustr.Ustr{ustr.Ustr("sub"), ustr.Ustr("f.txt")}, 0o644)
	require.Zero(t, err)

	require.Zero(t, root.TraverseUnlink([]ustr.Ustr{ustr.Ustr("sub"), ustr.Ustr("f.txt")}))
	require.Zero(t, root.TraverseRmdir([]ustr.Ustr{ustr.Ustr("sub")}))
}
