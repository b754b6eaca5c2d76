package mapper

import (
	"fmt"

	"github.com/libmapper/go-mapper/internal/osc"
	"github.com/libmapper/go-mapper/mtime"
)

// Connect implements the map-construction half of spec §4.8: build
// Source/Destination slots, compile the expression, and either bring a
// loopback map straight to Active (no ack round-trip needed when both
// endpoints live in this process) or stage it and push /map over the
// bus for a remote destination to acknowledge.
func (d *LocalDevice) Connect(sources []*Signal, dest *Signal, exprSrc string, protocol Protocol) (*Map, error) {
	if len(sources) < 1 || len(sources) > MaxSources {
		return nil, fmt.Errorf("mapper: connect requires 1..%d sources", MaxSources)
	}
	histDepth := 1
	srcSlots := make([]*Slot, len(sources))
	for i, s := range sources {
		srcSlots[i] = NewSlot(nil, s, i, DirOutput, histDepth)
	}
	destSlot := NewSlot(nil, dest, len(sources), DirInput, histDepth)

	id := d.counter.Next()
	m, err := NewMap(id, srcSlots, destSlot, exprSrc, d.engine)
	if err != nil {
		return nil, err
	}
	m.Protocol = protocol

	for i, s := range sources {
		s.OutgoingSlots = append(s.OutgoingSlots, srcSlots[i])
	}
	registerIncoming(dest, m, srcSlots, destSlot)

	now := mtime.FromTime(d.clock.Now())
	if m.IsLocalOnly {
		m.Status = MapActive
	} else {
		m.Status = MapStaged
		d.sendBus(mapProposalMessage(m))
	}
	d.graph.AddMap(m, now)
	return m, nil
}

// mapProposalMessage builds the /map admin message: destination signal
// path, source signal paths, and the compiled expression source (spec
// §4.8, §6). Staged maps are re-sent verbatim by Push until acked or
// expired by housekeeping.
func mapProposalMessage(m *Map) []byte {
	args := make([]osc.Arg, 0, len(m.Sources)+2)
	args = append(args, osc.StringArg(signalPath(m.Destination.SignalRef)))
	for _, s := range m.Sources {
		args = append(args, osc.StringArg(signalPath(s.SignalRef)))
	}
	args = append(args, osc.StringArg("@expr"), osc.StringArg(m.ExprSrc))
	b, err := osc.EncodeMessage(&osc.Message{Address: "/map", Args: args})
	if err != nil {
		return nil
	}
	return b
}

// unmapMessage builds the /unmap admin message: the same destination-
// then-sources path shape as /map, so the receiving device can match it
// back to its own copy of the map without needing a shared map id (map
// ids are minted independently per device).
func unmapMessage(m *Map) []byte {
	args := make([]osc.Arg, 0, len(m.Sources)+1)
	args = append(args, osc.StringArg(signalPath(m.Destination.SignalRef)))
	for _, s := range m.Sources {
		args = append(args, osc.StringArg(signalPath(s.SignalRef)))
	}
	b, err := osc.EncodeMessage(&osc.Message{Address: "/unmap", Args: args})
	if err != nil {
		return nil
	}
	return b
}

func signalPath(sig *Signal) string {
	if sig == nil || sig.Device == nil {
		return ""
	}
	return "/" + sig.Device.Name() + "/" + sig.Name
}

// Unmap tears down m (the original's mpr_map_release, exercised by
// testremap.c/testunmap.c): a loopback map is simply dropped from the
// graph, while a map touching a remote device also pushes /unmap so
// the other endpoint tears down its own copy. Callers may rebuild the
// same endpoints into a fresh map afterward (testremap.c's remap loop).
func (d *LocalDevice) Unmap(m *Map) {
	now := mtime.FromTime(d.clock.Now())
	if !m.IsLocalOnly {
		d.sendBus(unmapMessage(m))
	}
	d.graph.RemoveMap(m.ID, now)
}

// Push re-broadcasts a map's current configuration (spec §4.8 push()).
// Idempotent: unchanged properties produce no peer-side state change
// beyond an incremented version (spec §8 testable property 4).
func (d *LocalDevice) Push(m *Map) {
	m.Touch()
	d.sendBus(mapProposalMessage(m))
}
