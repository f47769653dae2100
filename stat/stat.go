// Package stat marshals fdops.Stat_t into the fixed POSIX struct stat
// wire layout returned to a caller of stat/lstat/fstat (spec §6).
//
// Grounded on biscuit's stat package, which built the same buffer field
// by field through Wdev/Wino/... setters before exporting it with an
// unsafe.Pointer cast over the struct's natural in-memory layout. That
// cast assumed a single platform's uint width and field alignment; this
// version keeps the setter-accumulator shape but replaces the unsafe
// export with an explicit encoding/binary layout, the same wire-codec
// convention hostfs uses for its own fixed-size structures, so the
// encoded buffer no longer depends on the host architecture's uint
// size.
package stat

import "encoding/binary"

import "github.com/nimbusos/corekernel/fdops"

// wireSize is nine 8-byte little-endian fields: dev, ino, mode, size,
// rdev, uid, blocks, mtime seconds, mtime nanoseconds.
const wireSize = 9 * 8

// Stat_t accumulates the fields of a POSIX struct stat before encoding.
type Stat_t struct {
	dev    uint64
	ino    uint64
	mode   uint64
	size   uint64
	rdev   uint64
	uid    uint64
	blocks uint64
	mSec   uint64
	mNsec  uint64
}

/// Wdev stores the device ID.
func (st *Stat_t) Wdev(v uint64) { st.dev = v }

/// Wino stores the inode number.
func (st *Stat_t) Wino(v uint64) { st.ino = v }

/// Wmode records the file mode.
func (st *Stat_t) Wmode(v uint64) { st.mode = v }

/// Wsize records the file size.
func (st *Stat_t) Wsize(v uint64) { st.size = v }

/// Wrdev stores the rdev field.
func (st *Stat_t) Wrdev(v uint64) { st.rdev = v }

/// Wuid stores the owning uid.
func (st *Stat_t) Wuid(v uint64) { st.uid = v }

/// Wblocks stores the allocated block count.
func (st *Stat_t) Wblocks(v uint64) { st.blocks = v }

/// Mode returns the stored mode value.
func (st *Stat_t) Mode() uint64 { return st.mode }

/// Size returns the stored size.
func (st *Stat_t) Size() uint64 { return st.size }

/// Rdev returns the stored rdev.
func (st *Stat_t) Rdev() uint64 { return st.rdev }

/// Rino returns the stored inode number.
func (st *Stat_t) Rino() uint64 { return st.ino }

// Bytes encodes the accumulated fields as the fixed wire layout.
func (st *Stat_t) Bytes() []uint8 {
	b := make([]byte, wireSize)
	binary.LittleEndian.PutUint64(b[0:], st.dev)
	binary.LittleEndian.PutUint64(b[8:], st.ino)
	binary.LittleEndian.PutUint64(b[16:], st.mode)
	binary.LittleEndian.PutUint64(b[24:], st.size)
	binary.LittleEndian.PutUint64(b[32:], st.rdev)
	binary.LittleEndian.PutUint64(b[40:], st.uid)
	binary.LittleEndian.PutUint64(b[48:], st.blocks)
	binary.LittleEndian.PutUint64(b[56:], st.mSec)
	binary.LittleEndian.PutUint64(b[64:], st.mNsec)
	return b
}

// blocksFor approximates the 512-byte block count POSIX stat reports
// for a file of the given size, rounding up to a full block.
func blocksFor(size uint64) uint64 {
	return (size + 511) / 512
}

// Marshal encodes a fdops.Stat_t (this kernel's in-memory stat result)
// as the wire buffer a stat/lstat/fstat caller expects. rdev is always
// zero: this kernel has no device-node files to report a device number
// for.
func Marshal(st fdops.Stat_t) []uint8 {
	var s Stat_t
	s.Wino(uint64(st.Inum))
	s.Wmode(uint64(st.Mode))
	s.Wsize(st.Size)
	s.Wuid(uint64(st.Uid))
	s.Wblocks(blocksFor(st.Size))
	return s.Bytes()
}
