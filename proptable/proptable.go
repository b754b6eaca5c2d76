// Package proptable implements the ordered key->(type,value,flags)
// property table shared by every Device, Signal and Map (spec §4.2).
package proptable

import (
	"errors"
	"sort"
)

// Flag is a bitset of per-entry modifiers (spec §3 PropTable).
type Flag uint8

const (
	// RemoteModify marks an entry that a remote peer's message is
	// permitted to overwrite.
	RemoteModify Flag = 1 << iota
	// LocalOnly marks an entry that only the owning device may ever
	// write; it is never accepted from a REMOTE_MODIFY insert and is
	// stripped before outgoing serialisation.
	LocalOnly
	// Indirect marks an entry that aliases a field on the owning
	// struct rather than owning a private copy.
	Indirect
	// MutableType allows a later Add to change the entry's Kind.
	MutableType
	// MutableLength allows a later Add to change a List/Bytes entry's
	// length.
	MutableLength
	// Dirty marks an entry changed since the last successful
	// transmission (drives AddToMsg / delta replication).
	Dirty
)

// AddMode distinguishes a local write (the owning device changing its own
// state) from a remote write (applying an incoming property message).
type AddMode int

const (
	ModeLocal AddMode = iota
	ModeRemote
)

var (
	// ErrLocalOnly is returned when a remote message attempts to modify
	// a local-only entry.
	ErrLocalOnly = errors.New("proptable: property is local-only")
	// ErrOutOfRange is returned when an inserted value's kind/length
	// disagrees with the property's catalogued declaration (spec §7
	// OutOfRange).
	ErrOutOfRange = errors.New("proptable: value out of range for property")
)

// KnownProp describes a well-known property's wire contract.
type KnownProp struct {
	Len       int  // 0 = variable length
	Kind      Kind // ignored when WireType == 'a'
	WireType  byte // 'n' = any number, 'a' = any, else must match Kind
	Flags     Flag // default flags applied when the property is first created
	Indexable bool // appears in the fixed well-known-id lookup table
}

// knownProperties is the fixed alphabetical catalogue named in spec §6.
// Flags carry the sensible defaults; @data is unconditionally local-only
// per spec §9's resolution of the MPR_PROP_DATA open question.
var knownProperties = map[string]KnownProp{
	"@bundle":       {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@data":         {Kind: KindBytes, WireType: 'a', Flags: LocalOnly},
	"@device":       {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@direction":    {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@ephemeral":    {Kind: KindBool, WireType: 'a', Flags: RemoteModify},
	"@expr":         {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@host":         {Kind: KindString, WireType: 's', Flags: 0},
	"@id":           {Kind: KindObjectRef, WireType: 'a', Flags: LocalOnly},
	"@is_local":     {Kind: KindBool, WireType: 'a', Flags: LocalOnly},
	"@jitter":       {Kind: KindFloat32, WireType: 'n', Flags: 0},
	"@length":       {Kind: KindInt32, WireType: 'n', Flags: RemoteModify},
	"@lib_version":  {Kind: KindString, WireType: 's', Flags: 0},
	"@linked":       {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@max":          {Kind: KindFloat64, WireType: 'n', Flags: RemoteModify | MutableLength},
	"@min":          {Kind: KindFloat64, WireType: 'n', Flags: RemoteModify | MutableLength},
	"@muted":        {Kind: KindBool, WireType: 'a', Flags: RemoteModify},
	"@name":         {Kind: KindString, WireType: 's', Flags: 0},
	"@num_inst":     {Kind: KindInt32, WireType: 'n', Flags: RemoteModify},
	"@num_maps":     {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@num_maps_in":  {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@num_maps_out": {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@num_sigs_in":  {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@num_sigs_out": {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@ordinal":      {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@period":       {Kind: KindFloat32, WireType: 'n', Flags: 0},
	"@port":         {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@process_loc":  {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@protocol":     {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@rate":         {Kind: KindFloat32, WireType: 'n', Flags: RemoteModify},
	"@scope":        {Kind: KindList, WireType: 'a', Flags: RemoteModify | MutableLength},
	"@signal":       {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@slot":         {Kind: KindInt32, WireType: 'n', Flags: RemoteModify},
	"@status":       {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
	"@steal":        {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@synced":       {Kind: KindTime, WireType: 'a', Flags: LocalOnly},
	"@type":         {Kind: KindTypeTag, WireType: 'a', Flags: RemoteModify},
	"@unit":         {Kind: KindString, WireType: 's', Flags: RemoteModify},
	"@use_inst":     {Kind: KindBool, WireType: 'a', Flags: RemoteModify},
	"@version":      {Kind: KindInt32, WireType: 'n', Flags: LocalOnly},
}

// Lookup returns the catalogued contract for a well-known key, if any.
func Lookup(key string) (KnownProp, bool) {
	kp, ok := knownProperties[key]
	return kp, ok
}

// Entry is one row of the table.
type Entry struct {
	Key     string
	Value   Value
	Flags   Flag
	removed bool
}

// Removed reports whether this entry has been soft-removed and is
// awaiting purge by ClearEmpty.
func (e *Entry) Removed() bool { return e.removed }

// Table is the ordered key->(type,value,flags) map described in spec §4.2.
// Keys are kept sorted so lookup-by-string can binary search.
type Table struct {
	entries []*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

func (t *Table) search(key string) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Key >= key })
	if i < len(t.entries) && t.entries[i].Key == key {
		return i, true
	}
	return i, false
}

// GetByKey looks up an entry by name via binary search. Soft-removed
// entries are not returned.
func (t *Table) GetByKey(key string) (*Entry, bool) {
	i, ok := t.search(key)
	if !ok || t.entries[i].removed {
		return nil, false
	}
	return t.entries[i], true
}

// GetByIdx returns the idx-th entry in key order, including soft-removed
// rows (callers that want only live rows should check Removed()).
func (t *Table) GetByIdx(idx int) (*Entry, bool) {
	if idx < 0 || idx >= len(t.entries) {
		return nil, false
	}
	return t.entries[idx], true
}

// Len returns the number of rows, live and soft-removed.
func (t *Table) Len() int { return len(t.entries) }

func validate(key string, v Value) error {
	kp, ok := knownProperties[key]
	if !ok {
		return nil
	}
	switch kp.WireType {
	case 'a':
		return nil
	case 'n':
		if !v.Kind.isNumeric() {
			return ErrOutOfRange
		}
		return nil
	default:
		if v.Kind != kp.Kind {
			return ErrOutOfRange
		}
	}
	if kp.Len > 0 {
		if v.Kind == KindBytes && len(v.Bytes) != kp.Len {
			return ErrOutOfRange
		}
		if v.Kind == KindList && len(v.List) != kp.Len {
			return ErrOutOfRange
		}
	}
	return nil
}

// Add inserts or overwrites key with v. mode distinguishes a write by the
// owning device (always permitted, subject only to the catalogue's
// type/length contract) from a write applied from an incoming remote
// message (additionally rejected outright for LocalOnly entries).
//
// Resolved ambiguity (see DESIGN.md): the owning device is always
// authoritative over its own property rows, so LocalModify is never
// blocked by an entry's flags; RemoteModify is rejected exactly when the
// existing entry (if any) carries LocalOnly, matching spec §4.2 verbatim.
func (t *Table) Add(key string, v Value, mode AddMode) error {
	if err := validate(key, v); err != nil {
		return err
	}

	i, ok := t.search(key)
	if ok {
		e := t.entries[i]
		if mode == ModeRemote && e.Flags&LocalOnly != 0 {
			return ErrLocalOnly
		}
		if !e.Value.Equal(v) {
			e.Value = v
			e.Flags |= Dirty
		}
		e.removed = false
		return nil
	}

	if mode == ModeRemote {
		if kp, known := knownProperties[key]; known && kp.Flags&LocalOnly != 0 {
			return ErrLocalOnly
		}
	}

	flags := Dirty
	if kp, known := knownProperties[key]; known {
		flags |= kp.Flags
	}
	entry := &Entry{Key: key, Value: v, Flags: flags}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = entry
	return nil
}

// Remove soft-removes an entry: it is marked empty and flagged dirty so
// its deletion gets broadcast, but the row physically survives until
// ClearEmpty purges it.
func (t *Table) Remove(key string) bool {
	i, ok := t.search(key)
	if !ok || t.entries[i].removed {
		return false
	}
	t.entries[i].removed = true
	t.entries[i].Flags |= Dirty
	return true
}

// ClearEmpty purges every soft-removed row. Callers invoke this after a
// successful AddToMsg transmission that announced those removals.
func (t *Table) ClearEmpty() {
	live := t.entries[:0]
	for _, e := range t.entries {
		if !e.removed {
			live = append(live, e)
		}
	}
	t.entries = live
}

// MsgEntry is one unit of serialised delta: either a present ("@key",
// value) pair or a removal ("-@key") marker.
type MsgEntry struct {
	Key     string
	Value   Value
	Removed bool
}

// AddToMsg serialises every dirty (including soft-removed) entry for
// outgoing state replication, skipping LocalOnly rows so they never leak
// onto the wire (spec §9 resolves this explicitly for @data/MPR_PROP_DATA,
// and it is applied uniformly to every LocalOnly property here).
func (t *Table) AddToMsg() []MsgEntry {
	var out []MsgEntry
	for _, e := range t.entries {
		if e.Flags&Dirty == 0 {
			continue
		}
		if e.Flags&LocalOnly != 0 {
			continue
		}
		if e.removed {
			out = append(out, MsgEntry{Key: e.Key, Removed: true})
		} else {
			out = append(out, MsgEntry{Key: e.Key, Value: e.Value})
		}
	}
	return out
}

// MarkClean clears the Dirty flag on every entry, called by the caller
// once AddToMsg's output has been successfully flushed to the network.
func (t *Table) MarkClean() {
	for _, e := range t.entries {
		e.Flags &^= Dirty
	}
}

// Keys returns the live (non soft-removed) keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.removed {
			keys = append(keys, e.Key)
		}
	}
	return keys
}
