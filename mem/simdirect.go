package mem

import "sync"

// SimDirectMap is a DirectMap backed by ordinary Go memory, keyed by
// frame number. Real direct-mapped access requires the identity window
// arch boot code installs (out of scope per spec §1); this lets the
// rest of the core — and its tests — exercise the same Bytes/Zero
// contract without that window existing.
type SimDirectMap struct {
	mu     sync.Mutex
	frames map[uint64]*Bytepg_t
}

// NewSimDirectMap returns an empty simulated direct map.
func NewSimDirectMap() *SimDirectMap {
	return &SimDirectMap{frames: make(map[uint64]*Bytepg_t)}
}

func (d *SimDirectMap) frame(p Pa_t) *Bytepg_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn := uint64(p) >> PGSHIFT
	f, ok := d.frames[fn]
	if !ok {
		f = &Bytepg_t{}
		d.frames[fn] = f
	}
	return f
}

// Bytes returns a byte slice viewing the frame at p.
func (d *SimDirectMap) Bytes(p Pa_t) []uint8 {
	off := p & PGOFFSET
	return d.frame(p)[off:]
}

// Zero clears the frame at p.
func (d *SimDirectMap) Zero(p Pa_t) {
	f := d.frame(p &^ PGOFFSET)
	for i := range f {
		f[i] = 0
	}
}
