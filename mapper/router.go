// Router implements spec §4.9: dispatching a signal update across every
// map attached to it, evaluating expressions at whichever endpoint is
// configured to process them, and delivering the result downstream.
package mapper

import (
	"github.com/libmapper/go-mapper/internal/expr"
	"github.com/libmapper/go-mapper/mtime"
)

// Sender delivers a routed update to a remote device. Loopback maps
// (spec invariant: "no pure remote-remote maps are stored locally")
// never go through Sender — the Router calls directly into the
// destination Signal instead. srcSlotIndex identifies which source slot
// of a Dst-processed convergent map a raw (unevaluated) forward belongs
// to (spec §6 "@sl" tail); pass -1 for an already-evaluated value, which
// a single-source map never needs to disambiguate.
type Sender interface {
	SendUpdate(dest *Slot, destInstID ID, srcSlotIndex int, value []float64, release bool, t mtime.Tag) error
}

// Router drives the outgoing and incoming data paths for one device's
// signals.
type Router struct {
	sender Sender
}

// NewRouter constructs a Router. sender may be nil if the device only
// ever participates in loopback maps (e.g. in tests).
func NewRouter(sender Sender) *Router {
	return &Router{sender: sender}
}

// Route is the entry point named in spec §4.9: route(signal, inst_idx,
// value_or_null, time). It is called once per local SetValue/
// ReleaseInstance on an output signal.
func (r *Router) Route(sig *Signal, inst *InstanceSlot, value []float64, release bool, t mtime.Tag) error {
	if sig.routing {
		// Re-entry guard (spec §5 Locking): a map route that feeds back
		// into the same signal is dropped rather than recursing.
		return nil
	}
	sig.routing = true
	defer func() { sig.routing = false }()

	for _, slot := range sig.OutgoingSlots {
		m := slot.MapRef
		if m.Status != MapActive || m.Muted {
			continue
		}
		if slot.Dir == DirInput {
			continue
		}
		if !m.InScope(sig.Device.ID) {
			continue
		}

		destInstID := inst.UserID
		if inst.sigIDMap != nil {
			destInstID = ID(inst.sigIDMap.GlobalID)
		}

		switch m.ProcessLoc {
		case ProcessDst:
			if err := r.forwardRaw(slot, destInstID, value, release, t); err != nil {
				return err
			}
		case ProcessSrc:
			if err := r.evalAndForward(m, slot, inst, destInstID, value, release, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// forwardRaw implements the process_loc=Dst outgoing path: the raw
// typed value (or a release) is handed to the destination, which will
// evaluate the expression itself during update_maps().
func (r *Router) forwardRaw(slot *Slot, destInstID ID, value []float64, release bool, t mtime.Tag) error {
	m := slot.MapRef
	if m.IsLocalOnly {
		ring := instRing(slot, destInstID)
		if release {
			slot.Value.ResetInst(ring, t)
		} else {
			slot.Value.SetNext(ring, value, t)
		}
		m.markUpdated(slot.SlotIndex, destInstID)
		return nil
	}
	if r.sender == nil {
		return nil
	}
	return r.sender.SendUpdate(m.Destination, destInstID, slot.SlotIndex, value, release, t)
}

// evalAndForward implements the process_loc=Src outgoing path: write
// into this slot's local history window, evaluate the expression using
// every source slot's latest window (the convergent case drives from
// whichever source reports this call), and forward the result.
func (r *Router) evalAndForward(m *Map, slot *Slot, inst *InstanceSlot, destInstID ID, value []float64, release bool, t mtime.Tag) error {
	ring := instRing(slot, destInstID)

	if release {
		slot.Value.ResetInst(ring, t)
		if r.sender != nil && !m.IsLocalOnly {
			return r.sender.SendUpdate(m.Destination, destInstID, -1, nil, true, t)
		}
		if m.IsLocalOnly {
			m.Destination.Value.ResetInst(instRing(m.Destination, destInstID), t)
			if dest := m.Destination.SignalRef; dest != nil {
				if idx, ok := dest.instIndex(destInstID); ok {
					di := dest.Instances[idx]
					dest.Value.ResetInst(di.RingIdx, t)
					di.Status.Clear(StatusHasValue | StatusNewValue)
					di.Status.Set(StatusRelUpstrm)
					if dest.Callback != nil {
						dest.Callback(dest, di, StatusRelUpstrm, t)
					}
				}
			}
		}
		return nil
	}

	slot.Value.SetNext(ring, value, t)

	inputs := make([]expr.InputWindow, len(m.Sources))
	for i, src := range m.Sources {
		inputs[i] = expr.InputWindow{Ring: src.Value, Inst: instRing(src, destInstID)}
	}
	out := expr.OutputWindow{Ring: m.Destination.Value, Inst: instRing(m.Destination, destInstID)}

	vars := m.ExprVars[destInstID]
	if vars == nil {
		vars = make(expr.VarState)
		m.ExprVars[destInstID] = vars
	}

	status, err := m.ExprCompiled.Eval(vars, inputs, out, t)
	if err != nil || status == expr.Muted {
		return err
	}

	if !slot.CausesUpdate {
		return nil
	}
	outVal, _, ok := m.Destination.Value.Get(instRing(m.Destination, destInstID), 0)
	if !ok {
		return nil
	}
	if m.IsLocalOnly {
		deliverLocal(m.Destination.SignalRef, destInstID, outVal, t)
		return nil
	}
	if r.sender == nil {
		return nil
	}
	return r.sender.SendUpdate(m.Destination, destInstID, -1, outVal, false, t)
}

// instRing maps a destination-side instance id onto a slot's local ring
// index: the ring index of the slot signal's instance with that id when
// one exists, otherwise the id modulo the ring's instance count.
func instRing(slot *Slot, destInstID ID) int {
	if slot.SignalRef != nil {
		if idx, ok := slot.SignalRef.instIndex(destInstID); ok {
			return slot.SignalRef.Instances[idx].RingIdx
		}
	}
	return int(destInstID) % slot.Value.NumInstances()
}

// deliverLocal applies a routed value directly to a destination signal
// in the same process, bypassing the network entirely (spec invariant:
// loopback maps never touch the network layer).
func deliverLocal(dest *Signal, destInstID ID, value []float64, t mtime.Tag) {
	if dest == nil {
		return
	}
	dest.SetValue(destInstID, value, t)
	if dest.Callback != nil {
		if idx, ok := dest.instIndex(destInstID); ok {
			dest.Callback(dest, dest.Instances[idx], StatusNewValue, t)
		}
	}
}

// HandleIncoming implements the symmetric incoming half of spec §4.9:
// parse tails, resolve id-map, write into the slot value ring, mark the
// map's updated_inst bit, deferring expression evaluation to
// UpdateMaps for Dst-processed maps.
func (r *Router) HandleIncoming(slot *Slot, globalID ID, value []float64, release bool, t mtime.Tag) error {
	m := slot.MapRef
	if !m.InScope(slot.SignalRef.Device.ID) {
		return nil
	}
	inst, ok := slot.SignalRef.ResolveIncoming(globalID, t)
	if !ok {
		return nil
	}
	ring := inst.RingIdx
	if release {
		slot.Value.ResetInst(ring, t)
	} else {
		slot.Value.SetNext(ring, value, t)
	}
	m.markUpdated(slot.SlotIndex, inst.UserID)
	return nil
}

// UpdateMaps implements spec §4.10 update_maps(): evaluate every
// dst-processed map with pending updated_inst bits, clearing them on
// emission.
func (r *Router) UpdateMaps(maps []*Map, t mtime.Tag) {
	for _, m := range maps {
		if m.Status != MapActive || m.ProcessLoc != ProcessDst || m.Muted {
			continue
		}
		for _, destInstID := range m.pendingInstances() {
			inputs := make([]expr.InputWindow, len(m.Sources))
			for i, src := range m.Sources {
				inputs[i] = expr.InputWindow{Ring: src.Value, Inst: instRing(src, destInstID)}
			}
			out := expr.OutputWindow{Ring: m.Destination.Value, Inst: instRing(m.Destination, destInstID)}
			vars := m.ExprVars[destInstID]
			if vars == nil {
				vars = make(expr.VarState)
				m.ExprVars[destInstID] = vars
			}
			status, err := m.ExprCompiled.Eval(vars, inputs, out, t)
			m.clearUpdated(destInstID)
			if err != nil || status == expr.Muted {
				continue
			}
			outVal, _, ok := m.Destination.Value.Get(instRing(m.Destination, destInstID), 0)
			if !ok {
				continue
			}
			deliverLocal(m.Destination.SignalRef, destInstID, outVal, t)
		}
	}
}
