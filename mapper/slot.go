package mapper

import "github.com/libmapper/go-mapper/valring"

// Slot is per-endpoint state inside a Map (spec §3 "Slot"). Its Value
// ring is local-only history: the expression window for a Src-processed
// map, and the raw per-source values a Dst-processed map holds until
// UpdateMaps evaluates them. It is never replicated.
type Slot struct {
	MapRef       *Map
	SignalRef    *Signal
	SlotIndex    int
	Dir          Direction
	CausesUpdate bool
	UseInst      bool
	NumInst      int

	Value *valring.Ring

	// LinkDevice names the remote device a slot's signal lives on. No
	// code in this package assigns it, so it is always nil; routing
	// decides local versus remote delivery from Map.IsLocalOnly instead.
	LinkDevice *Device
}

// NewSlot allocates a slot bound to sig with a value ring sized for
// histDepth frames of history (the deepest index any compiled
// expression will request, per spec invariant in §3).
func NewSlot(m *Map, sig *Signal, idx int, dir Direction, histDepth int) *Slot {
	if histDepth < 1 {
		histDepth = 1
	}
	numInst := 1
	if sig != nil {
		numInst = sig.Value.NumInstances()
	}
	return &Slot{
		MapRef:    m,
		SignalRef: sig,
		SlotIndex: idx,
		Dir:       dir,
		UseInst:   sig != nil && sig.UseInst,
		NumInst:   numInst,
		Value:     valring.New(valring.Float64, vecLenOf(sig), histDepth, numInst),
	}
}

func vecLenOf(sig *Signal) int {
	if sig == nil {
		return 1
	}
	return sig.VecLen
}

// IsLocal reports whether this slot's signal is owned by a device in
// the same process (no network hop required).
func (sl *Slot) IsLocal() bool {
	return sl.SignalRef != nil && sl.SignalRef.IsLocal
}
