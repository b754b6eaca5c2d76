// Package valring implements the per-instance circular value buffer
// described in spec §4.1: a fixed-depth history of typed vectors with
// NTP timetags, one independent ring per signal instance.
package valring

import (
	"fmt"

	"github.com/libmapper/go-mapper/mtime"
)

// Type is the scalar element type carried by a ring.
type Type int

const (
	Int32 Type = iota
	Float32
	Float64
)

func (t Type) String() string {
	switch t {
	case Int32:
		return "i32"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	default:
		return "unknown"
	}
}

// frame is one (vector, timetag) pair at a single history position.
type frame struct {
	value []float64
	time  mtime.Tag
	valid bool
}

// instanceRing is the circular buffer for a single instance.
type instanceRing struct {
	frames []frame // length == memLen
	pos    int     // index of the most recently written frame, -1 if unwritten
	full   bool
}

// Ring stores, for every instance of a signal, a circular buffer of
// memLen frames each holding a vecLen-element vector of the declared
// scalar type.
type Ring struct {
	typ       Type
	vecLen    int
	memLen    int
	instances []*instanceRing
}

// New creates a ring sized for numInstances instances, each holding memLen
// frames of a vecLen-element vector of the given type.
func New(typ Type, vecLen, memLen, numInstances int) *Ring {
	if vecLen < 1 {
		vecLen = 1
	}
	if memLen < 1 {
		memLen = 1
	}
	r := &Ring{typ: typ, vecLen: vecLen, memLen: memLen}
	r.instances = make([]*instanceRing, numInstances)
	for i := range r.instances {
		r.instances[i] = newInstanceRing(memLen)
	}
	return r
}

func newInstanceRing(memLen int) *instanceRing {
	return &instanceRing{
		frames: make([]frame, memLen),
		pos:    -1,
	}
}

// Type returns the declared scalar type.
func (r *Ring) Type() Type { return r.typ }

// VecLen returns the declared vector length.
func (r *Ring) VecLen() int { return r.vecLen }

// MemLen returns the current history depth.
func (r *Ring) MemLen() int { return r.memLen }

// NumInstances returns the number of instance slots backing this ring.
func (r *Ring) NumInstances() int { return len(r.instances) }

// Grow extends the ring to back at least n instances, leaving existing
// instance history untouched.
func (r *Ring) Grow(n int) {
	for len(r.instances) < n {
		r.instances = append(r.instances, newInstanceRing(r.memLen))
	}
}

func (r *Ring) inst(idx int) *instanceRing {
	if idx < 0 || idx >= len(r.instances) {
		panic(fmt.Sprintf("valring: instance index %d out of range [0,%d)", idx, len(r.instances)))
	}
	return r.instances[idx]
}

// IncrIdx advances the write head for inst, wrapping around memLen and
// setting the full flag the first time it wraps.
func (r *Ring) IncrIdx(inst int) int {
	ir := r.inst(inst)
	next := ir.pos + 1
	if next >= len(ir.frames) {
		next = 0
		ir.full = true
	}
	ir.pos = next
	return next
}

// SetNext writes value and time at the current write head for inst,
// advancing the head first (mirroring the teacher's incr-then-write
// sequencing so "now" is always the frame just written).
func (r *Ring) SetNext(inst int, value []float64, t mtime.Tag) {
	idx := r.IncrIdx(inst)
	ir := r.inst(inst)
	v := make([]float64, r.vecLen)
	copy(v, value)
	ir.frames[idx] = frame{value: v, time: t, valid: true}
}

// Get returns the frame at history offset histIdx (<=0, 0 = most recent,
// -1 = one before that, ...) for inst. ok is false if that history depth
// has never been written.
func (r *Ring) Get(inst int, histIdx int) (value []float64, t mtime.Tag, ok bool) {
	ir := r.inst(inst)
	if ir.pos < 0 {
		return nil, mtime.Tag{}, false
	}
	if histIdx > 0 {
		histIdx = 0
	}
	n := len(ir.frames)
	idx := ((ir.pos+histIdx)%n + n) % n

	// Without wraparound, history before position 0 was never written.
	if !ir.full && idx > ir.pos {
		return nil, mtime.Tag{}, false
	}
	f := ir.frames[idx]
	if !f.valid {
		return nil, mtime.Tag{}, false
	}
	return f.value, f.time, true
}

// HasValue reports whether inst has ever had a value written.
func (r *Ring) HasValue(inst int) bool {
	return r.inst(inst).pos >= 0
}

// ResetInst clears all history for inst and stamps t as the reset time,
// marking the instance head as unwritten (pos = -1) per spec §4.1 while
// retaining t so expression accesses see a defined start.
func (r *Ring) ResetInst(inst int, t mtime.Tag) {
	ir := r.inst(inst)
	for i := range ir.frames {
		ir.frames[i] = frame{}
	}
	ir.frames[0].time = t
	ir.pos = -1
	ir.full = false
}

// Realloc changes the history depth, preserving the temporally-contiguous
// slice of existing history across the resize. Enlarging zero-fills the
// new cells and clears the full flag; shrinking keeps only the newest
// newMemLen frames.
func (r *Ring) Realloc(newMemLen int) {
	if newMemLen < 1 {
		newMemLen = 1
	}
	if newMemLen == r.memLen {
		return
	}
	for _, ir := range r.instances {
		reallocInstance(ir, newMemLen)
	}
	r.memLen = newMemLen
}

func reallocInstance(ir *instanceRing, newMemLen int) {
	old := ir.frames
	contiguous := make([]frame, 0, len(old))
	if ir.pos >= 0 {
		n := len(old)
		limit := n
		if !ir.full {
			limit = ir.pos + 1
		}
		for k := limit - 1; k >= 0; k-- {
			idx := ((ir.pos-k)%n + n) % n
			contiguous = append(contiguous, old[idx])
		}
	}
	// contiguous is oldest-first now; keep only the newest newMemLen.
	if len(contiguous) > newMemLen {
		contiguous = contiguous[len(contiguous)-newMemLen:]
	}
	fresh := make([]frame, newMemLen)
	copy(fresh, contiguous)
	ir.frames = fresh
	if len(contiguous) == 0 {
		ir.pos = -1
		ir.full = false
	} else {
		ir.pos = len(contiguous) - 1
		ir.full = len(contiguous) >= newMemLen
	}
}

// Cmp returns true if the vector at history offset histIdx for inst
// differs from other. It is the sole gate on the NewValue status bit
// (spec §4.1).
func (r *Ring) Cmp(inst int, histIdx int, other []float64) bool {
	cur, _, ok := r.Get(inst, histIdx)
	if !ok {
		return true
	}
	if len(cur) != len(other) {
		return true
	}
	for i := range cur {
		if cur[i] != other[i] {
			return true
		}
	}
	return false
}
