// Package idmap implements the per-device id-map registry described in
// spec §4.3: a table of (local_id, global_id) rows with two independent
// refcounts coordinating instance lifetimes across peers. The registry
// is device-local; it is never shared across devices (spec §5).
package idmap

// ID is the opaque 64-bit identifier used for both local and global
// instance ids (spec §3 Id).
type ID uint64

// Row is one id-map entry. local_id is this device's user-visible
// instance id; global_id is whichever device first activated the
// instance's choice of identifier. Indirect rows bind a second
// global_id onto an already-chosen local_id (spec §4.3).
type Row struct {
	LocalID        ID
	GlobalID       ID
	LocalRefcount  int16
	GlobalRefcount int16
	Indirect       bool

	// sigRefs counts live SigIdMap back-references from local signal
	// instances. A row is only eligible for removal once both
	// refcounts AND sigRefs have reached zero (spec invariant §3).
	sigRefs int
}

// Registry is a single device's id-map table. It is mutated only by the
// device's own poll/actor goroutine, so it carries no internal locking
// (spec §5: id-map registry is device-local, no cross-device sharing).
type Registry struct {
	byGlobal map[ID]*Row
	byLocal  map[ID][]*Row
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byGlobal: make(map[ID]*Row),
		byLocal:  make(map[ID][]*Row),
	}
}

func (r *Registry) insert(row *Row) *Row {
	r.byGlobal[row.GlobalID] = row
	r.byLocal[row.LocalID] = append(r.byLocal[row.LocalID], row)
	return row
}

// ActivateLocal mints a row for an instance first activated by a local
// update: local_id = userID, global_id = the freshly-minted id the
// caller supplies (the owning device generates it), local_refcount = 1,
// global_refcount = 0 (spec §4.3).
func (r *Registry) ActivateLocal(localID, globalID ID) *Row {
	row := &Row{LocalID: localID, GlobalID: globalID, LocalRefcount: 1, GlobalRefcount: 0, sigRefs: 1}
	return r.insert(row)
}

// ActivateRemote mints a row for an instance first activated by an
// incoming remote update carrying an unseen global_id: local_id is the
// signal's next free local id (chosen by the caller), local_refcount = 1,
// global_refcount = 1 (spec §4.3).
func (r *Registry) ActivateRemote(localID, globalID ID) *Row {
	row := &Row{LocalID: localID, GlobalID: globalID, LocalRefcount: 1, GlobalRefcount: 1, sigRefs: 1}
	return r.insert(row)
}

// AddIndirect creates an auxiliary row mapping a newly seen globalID onto
// an already-chosen, persistent local id (spec §4.3 "indirect id-maps").
// Both refcounts start at 1, mirroring ActivateRemote, since the row
// exists purely to track this one remote relationship.
func (r *Registry) AddIndirect(localID, globalID ID) *Row {
	row := &Row{LocalID: localID, GlobalID: globalID, LocalRefcount: 1, GlobalRefcount: 1, Indirect: true, sigRefs: 1}
	return r.insert(row)
}

// ByGlobal looks up the row owning globalID.
func (r *Registry) ByGlobal(globalID ID) (*Row, bool) {
	row, ok := r.byGlobal[globalID]
	return row, ok
}

// ByLocal returns every row (primary plus any indirect aliases)
// referencing localID.
func (r *Registry) ByLocal(localID ID) []*Row {
	return r.byLocal[localID]
}

// LIDDecref decrements the local refcount. It only ever decrements;
// physical removal happens later, during Sweep (spec §4.3 release
// semantics).
func (r *Registry) LIDDecref(row *Row) {
	if row.LocalRefcount > 0 {
		row.LocalRefcount--
	}
}

// GIDDecref decrements the global refcount.
func (r *Registry) GIDDecref(row *Row) {
	if row.GlobalRefcount > 0 {
		row.GlobalRefcount--
	}
}

// AddSigRef records that a SigIdMap now references row.
func (r *Registry) AddSigRef(row *Row) {
	row.sigRefs++
}

// DropSigRef records that a signal has dropped its SigIdMap
// back-reference to row.
func (r *Registry) DropSigRef(row *Row) {
	if row.sigRefs > 0 {
		row.sigRefs--
	}
}

// Eligible reports whether row may be recycled: both refcounts are zero
// and no signal still holds a SigIdMap back-reference to it.
func (row *Row) Eligible() bool {
	return row.LocalRefcount <= 0 && row.GlobalRefcount <= 0 && row.sigRefs <= 0
}

// Sweep removes and returns every row eligible for recycling. It is
// invoked from device housekeeping, never synchronously from a decref,
// so that a release message has always been dispatched before its row
// disappears (spec §4.3, testable property §8.2).
func (r *Registry) Sweep() []*Row {
	var removed []*Row
	for gid, row := range r.byGlobal {
		if !row.Eligible() {
			continue
		}
		delete(r.byGlobal, gid)
		rows := r.byLocal[row.LocalID]
		for i, candidate := range rows {
			if candidate == row {
				rows = append(rows[:i], rows[i+1:]...)
				break
			}
		}
		if len(rows) == 0 {
			delete(r.byLocal, row.LocalID)
		} else {
			r.byLocal[row.LocalID] = rows
		}
		removed = append(removed, row)
	}
	return removed
}

// Len returns the number of live rows.
func (r *Registry) Len() int {
	return len(r.byGlobal)
}
