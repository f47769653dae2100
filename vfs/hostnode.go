package vfs

import (
	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/hostfs"
	"github.com/nimbusos/corekernel/ustr"
)

// HostDirectory is a host-FS-backed directory node (spec §3
// "host-FS directory"): every traverse operation forwards to the
// host-FS Client identified by nodeid, letting the host own the real
// namespace beneath a mount point.
type HostDirectory struct {
	Base
	client *hostfs.Client
	nodeid uint64
}

// NewHostDirectory wraps nodeid (already resolved, e.g. the mount's
// root nodeid from Client.Init) as a VFS directory node.
func NewHostDirectory(client *hostfs.Client, nodeid uint64) *HostDirectory {
	return &HostDirectory{client: client, nodeid: nodeid}
}

func (d *HostDirectory) GetKind() NodeKind { return KindDirectory }

func (d *HostDirectory) GetAttr() (fdops.Stat_t, errs.Err_t) {
	attr, err := d.client.Getattr(d.nodeid)
	return toStat(attr), err
}

func (d *HostDirectory) GetObject(int) (fdops.Fdops_i, errs.Err_t) {
	return nil, errs.Eisdir
}

func toStat(a hostfs.Attr) fdops.Stat_t {
	return fdops.Stat_t{Inum: fdops.Inum_t(a.Inum), Size: a.Size, Mode: a.Mode, Uid: a.Uid, Gid: a.Gid, Nlink: a.Nlink}
}

// childFor resolves name within d via a host-FS Lookup, wrapping the
// result as a HostDirectory or HostFile node depending on the reported
// attributes' type bit.
func (d *HostDirectory) childFor(name ustr.Ustr) (Node, errs.Err_t) {
	nodeid, attr, err := d.client.Lookup(d.nodeid, name.String())
	if err != 0 {
		return nil, err
	}
	if attr.Mode&ModeDir != 0 {
		return NewHostDirectory(d.client, nodeid), 0
	}
	return NewHostFile(d.client, nodeid), 0
}

func (d *HostDirectory) TraverseOpen(c []ustr.Ustr, flags int, mode uint32) (Node, errs.Err_t) {
	name := c[0]
	child, err := d.childFor(name)
	if err != 0 {
		if err == errs.Enoent && len(c) == 1 && flags&OCreat != 0 {
			return d.create(name, uint32(flags), mode)
		}
		return nil, err
	}
	if len(c) == 1 {
		return child, 0
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return nil, errs.Enotdir
	}
	return sub.TraverseOpen(c[1:], flags, mode)
}

func (d *HostDirectory) create(name ustr.Ustr, flags, mode uint32) (Node, errs.Err_t) {
	nodeid, _, err := d.client.Create(d.nodeid, name.String(), flags, mode)
	if err != 0 {
		return nil, err
	}
	return NewHostFile(d.client, nodeid), 0
}

func (d *HostDirectory) TraverseMkdir(c []ustr.Ustr, mode uint32) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		_, err := d.client.Mkdir(d.nodeid, name.String(), mode)
		return err
	}
	child, err := d.childFor(name)
	if err != 0 {
		return err
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return errs.Enotdir
	}
	return sub.TraverseMkdir(c[1:], mode)
}

func (d *HostDirectory) TraverseRmdir(c []ustr.Ustr) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		return d.client.Rmdir(d.nodeid, name.String())
	}
	child, err := d.childFor(name)
	if err != 0 {
		return err
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return errs.Enotdir
	}
	return sub.TraverseRmdir(c[1:])
}

func (d *HostDirectory) TraverseUnlink(c []ustr.Ustr) errs.Err_t {
	name := c[0]
	if len(c) == 1 {
		return d.client.Unlink(d.nodeid, name.String())
	}
	child, err := d.childFor(name)
	if err != 0 {
		return err
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return errs.Enotdir
	}
	return sub.TraverseUnlink(c[1:])
}

func (d *HostDirectory) TraverseReaddir(c []ustr.Ustr) ([]DirEntry, errs.Err_t) {
	name := c[0]
	child, err := d.childFor(name)
	if err != 0 {
		return nil, err
	}
	if len(c) == 1 {
		sub, ok := child.(*HostDirectory)
		if !ok {
			return nil, errs.Enotdir
		}
		return sub.readdirSelf()
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return nil, errs.Enotdir
	}
	return sub.TraverseReaddir(c[1:])
}

func (d *HostDirectory) readdirSelf() ([]DirEntry, errs.Err_t) {
	entries, err := d.client.Readdir(d.nodeid, 0)
	if err != 0 {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		kind := KindFile
		if e.Kind&ModeDir != 0 {
			kind = KindDirectory
		}
		out = append(out, DirEntry{Name: ustr.Ustr(e.Name), Kind: kind, Inum: fdops.Inum_t(e.Inum)})
	}
	return out, 0
}

func (d *HostDirectory) TraverseStat(c []ustr.Ustr) (fdops.Stat_t, errs.Err_t) {
	child, err := d.childFor(c[0])
	if err != 0 {
		return fdops.Stat_t{}, err
	}
	if len(c) == 1 {
		return child.GetAttr()
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return fdops.Stat_t{}, errs.Enotdir
	}
	return sub.TraverseStat(c[1:])
}

func (d *HostDirectory) TraverseLstat(c []ustr.Ustr) (fdops.Stat_t, errs.Err_t) {
	return d.TraverseStat(c)
}

func (d *HostDirectory) TraverseMount(c []ustr.Ustr, root Node) errs.Err_t {
	// A host-FS directory's namespace is owned by the host; mounting
	// another filesystem under it isn't modeled (no host-FS opcode
	// rebinds a subtree), matching spec §1's no-nested-host-mount scope.
	return errs.Eopnotsupp
}

func (d *HostDirectory) TraverseCreateFile(c []ustr.Ustr, mode uint32) (Node, errs.Err_t) {
	name := c[0]
	if len(c) == 1 {
		return d.create(name, uint32(OCreat|ORdwr), mode)
	}
	child, err := d.childFor(name)
	if err != 0 {
		return nil, err
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return nil, errs.Enotdir
	}
	return sub.TraverseCreateFile(c[1:], mode)
}

func (d *HostDirectory) TraverseReadlink(c []ustr.Ustr) (ustr.Ustr, errs.Err_t) {
	name := c[0]
	if len(c) == 1 {
		nodeid, _, err := d.client.Lookup(d.nodeid, name.String())
		if err != 0 {
			return nil, err
		}
		target, err := d.client.Readlink(nodeid)
		if err != 0 {
			return nil, err
		}
		return ustr.Ustr(target), 0
	}
	child, err := d.childFor(name)
	if err != 0 {
		return nil, err
	}
	sub, ok := child.(*HostDirectory)
	if !ok {
		return nil, errs.Enotdir
	}
	return sub.TraverseReadlink(c[1:])
}

// HostFile is a host-FS-backed regular file node (spec §3 "host-FS
// file handle"): GetObject opens a handle on the host via hostfs.Open
// and returns a fdops.Fdops_i that forwards read/write/lseek/release
// through the client.
type HostFile struct {
	Base
	client *hostfs.Client
	nodeid uint64
}

// NewHostFile wraps nodeid as a VFS regular-file node.
func NewHostFile(client *hostfs.Client, nodeid uint64) *HostFile {
	return &HostFile{client: client, nodeid: nodeid}
}

func (f *HostFile) GetKind() NodeKind { return KindFile }

func (f *HostFile) GetAttr() (fdops.Stat_t, errs.Err_t) {
	attr, err := f.client.Getattr(f.nodeid)
	return toStat(attr), err
}

func (f *HostFile) GetObject(flags int) (fdops.Fdops_i, errs.Err_t) {
	fh, err := f.client.Open(f.nodeid, uint32(flags))
	if err != 0 {
		return nil, err
	}
	return &hostFileHandle{client: f.client, nodeid: f.nodeid, fh: fh}, 0
}

func (f *HostFile) TraverseReadlink([]ustr.Ustr) (ustr.Ustr, errs.Err_t) {
	target, err := f.client.Readlink(f.nodeid)
	if err != 0 {
		return nil, err
	}
	return ustr.Ustr(target), 0
}

// hostFileHandle is the fdops.Fdops_i view over an open HostFile.
type hostFileHandle struct {
	fdops.Base
	client *hostfs.Client
	nodeid uint64
	fh     uint64
	offset uint64
}

func (h *hostFileHandle) Read(dst fdops.Userio_i) (int, errs.Err_t) {
	buf := make([]byte, dst.Remain())
	n, err := h.client.Read(h.nodeid, h.fh, h.offset, buf)
	if err != 0 {
		return 0, err
	}
	if n == 0 {
		return 0, 0
	}
	written, err := dst.Uiowrite(buf[:n])
	h.offset += uint64(written)
	return written, err
}

func (h *hostFileHandle) Write(src fdops.Userio_i) (int, errs.Err_t) {
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	written, err := h.client.Write(h.nodeid, h.fh, h.offset, buf[:n])
	if err != 0 {
		return 0, err
	}
	h.offset += uint64(written)
	return written, 0
}

func (h *hostFileHandle) Lseek(offset int, whence fdops.Whence) (int, errs.Err_t) {
	var w hostfs.SeekWhence
	switch whence {
	case fdops.SeekSet:
		w = hostfs.SeekSet
	case fdops.SeekCur:
		w = hostfs.SeekCur
	case fdops.SeekEnd:
		w = hostfs.SeekEnd
	default:
		return 0, errs.Einval
	}
	newOff, err := h.client.Lseek(h.nodeid, h.fh, int64(offset), w)
	if err != 0 {
		return 0, err
	}
	h.offset = newOff
	return int(newOff), 0
}

func (h *hostFileHandle) Fstat(st *fdops.Stat_t) errs.Err_t {
	attr, err := h.client.Getattr(h.nodeid)
	if err != 0 {
		return err
	}
	*st = toStat(attr)
	return 0
}

func (h *hostFileHandle) Truncate(newlen uint64) errs.Err_t {
	_, err := h.client.Setattr(h.nodeid, hostfs.SetattrSize, 0, newlen)
	return err
}

func (h *hostFileHandle) Chmod(mode uint32) errs.Err_t {
	_, err := h.client.Setattr(h.nodeid, hostfs.SetattrMode, mode, 0)
	return err
}

func (h *hostFileHandle) Reopen() errs.Err_t { return 0 }

func (h *hostFileHandle) Close() errs.Err_t {
	return h.client.Release(h.nodeid, h.fh)
}
