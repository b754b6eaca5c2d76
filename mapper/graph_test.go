package mapper

import (
	"testing"
	"time"

	"github.com/libmapper/go-mapper/internal/expr"
	"github.com/libmapper/go-mapper/mtime"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	kind Kind
	id   ID
	evt  GraphEvent
}

func TestGraph_AddDevice_FiresNewThenMod(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	var got []recordedEvent
	g.AddCallback(func(kind Kind, id ID, evt GraphEvent, t mtime.Tag) {
		got = append(got, recordedEvent{kind, id, evt})
	}, MaskAll)

	dev := &Device{Object: newObject(DeviceIDFromName("dev"), KindDevice, false), NameStem: "dev"}
	g.AddDevice(dev, mtime.Now)
	g.AddDevice(dev, mtime.Now)

	require.Len(t, got, 2)
	require.Equal(t, EventNew, got[0].evt)
	require.Equal(t, EventMod, got[1].evt)
}

func TestGraph_RemoveDevice_FiresMapsThenSignalsThenDevice(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	dev := &Device{Object: newObject(DeviceIDFromName("dev"), KindDevice, true), NameStem: "dev"}
	other := &Device{Object: newObject(DeviceIDFromName("other"), KindDevice, true), NameStem: "other"}
	g.AddDevice(dev, mtime.Now)
	g.AddDevice(other, mtime.Now)

	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, other, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	g.AddSignal(src, mtime.Now)
	g.AddSignal(dst, mtime.Now)

	srcSlot := NewSlot(nil, src, 0, DirOutput, 1)
	dstSlot := NewSlot(nil, dst, 1, DirInput, 1)
	m, err := NewMap(10, []*Slot{srcSlot}, dstSlot, "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)
	g.AddMap(m, mtime.Now)

	var got []recordedEvent
	g.AddCallback(func(kind Kind, id ID, evt GraphEvent, t mtime.Tag) {
		got = append(got, recordedEvent{kind, id, evt})
	}, MaskAll)

	g.RemoveDevice(dev.ID, EventRem, mtime.Now)

	require.Len(t, got, 3)
	require.Equal(t, KindMap, got[0].kind)
	require.Equal(t, KindSignal, got[1].kind)
	require.Equal(t, KindDevice, got[2].kind)

	_, ok := g.Map(m.ID)
	require.False(t, ok)
	_, ok = g.Signal(src.ID)
	require.False(t, ok)
	_, ok = g.Device(dev.ID)
	require.False(t, ok)

	_, ok = g.Signal(dst.ID)
	require.True(t, ok)
}

func TestGraph_RemoveSignal_RemovesDependentMapFirst(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	dev := &Device{Object: newObject(DeviceIDFromName("dev"), KindDevice, true), NameStem: "dev"}
	g.AddDevice(dev, mtime.Now)

	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	g.AddSignal(src, mtime.Now)
	g.AddSignal(dst, mtime.Now)

	srcSlot := NewSlot(nil, src, 0, DirOutput, 1)
	dstSlot := NewSlot(nil, dst, 1, DirInput, 1)
	m, err := NewMap(11, []*Slot{srcSlot}, dstSlot, "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)
	g.AddMap(m, mtime.Now)

	var got []recordedEvent
	g.AddCallback(func(kind Kind, id ID, evt GraphEvent, t mtime.Tag) {
		got = append(got, recordedEvent{kind, id, evt})
	}, MaskAll)

	g.RemoveSignal(src.ID, mtime.Now)

	require.Len(t, got, 2)
	require.Equal(t, KindMap, got[0].kind)
	require.Equal(t, KindSignal, got[1].kind)

	_, ok := g.Map(m.ID)
	require.False(t, ok)
	_, ok = g.Signal(dst.ID)
	require.True(t, ok)
}

func TestGraph_RemoveMap_DetachesSlotsFromSignals(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	dev := &Device{Object: newObject(DeviceIDFromName("dev"), KindDevice, true), NameStem: "dev"}
	g.AddDevice(dev, mtime.Now)

	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	g.AddSignal(src, mtime.Now)
	g.AddSignal(dst, mtime.Now)

	srcSlot := NewSlot(nil, src, 0, DirOutput, 1)
	dstSlot := NewSlot(nil, dst, 1, DirInput, 1)
	m, err := NewMap(12, []*Slot{srcSlot}, dstSlot, "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)
	src.OutgoingSlots = append(src.OutgoingSlots, srcSlot)
	dst.IncomingSlots = append(dst.IncomingSlots, dstSlot)
	g.AddMap(m, mtime.Now)

	var got []recordedEvent
	g.AddCallback(func(kind Kind, id ID, evt GraphEvent, t mtime.Tag) {
		got = append(got, recordedEvent{kind, id, evt})
	}, MaskAll)

	g.RemoveMap(m.ID, mtime.Now)

	require.Len(t, got, 1)
	require.Equal(t, KindMap, got[0].kind)
	require.Equal(t, EventRem, got[0].evt)

	_, ok := g.Map(m.ID)
	require.False(t, ok)
	require.Empty(t, src.OutgoingSlots)
	require.Empty(t, dst.IncomingSlots)

	// Signals themselves survive an unmap; only the map goes away.
	_, ok = g.Signal(src.ID)
	require.True(t, ok)
	_, ok = g.Signal(dst.ID)
	require.True(t, ok)
}

func TestGraph_RemoveMap_UnknownIDIsNoop(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	var fired bool
	g.AddCallback(func(kind Kind, id ID, evt GraphEvent, t mtime.Tag) {
		fired = true
	}, MaskAll)

	g.RemoveMap(999, mtime.Now)
	require.False(t, fired)
}

func TestGraph_GetListAndFilter(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	a := &Device{Object: newObject(DeviceIDFromName("a"), KindDevice, true), NameStem: "a"}
	b := &Device{Object: newObject(DeviceIDFromName("b"), KindDevice, false), NameStem: "b"}
	g.AddDevice(a, mtime.Now)
	g.AddDevice(b, mtime.Now)

	all := g.GetList(MaskDevices)
	require.Len(t, all, 2)

	locals := ListFilter(all, func(o Object) bool { return o.IsLocal })
	require.Len(t, locals, 1)
	require.Equal(t, a.ID, locals[0].ID)
}

func TestGraph_PruneStale_SkipsLocalKeepsFresh(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	local := &Device{Object: newObject(DeviceIDFromName("local"), KindDevice, true), NameStem: "local"}
	g.AddDevice(local, mtime.FromTime(now.Add(-time.Hour)))

	stale := &Device{Object: newObject(DeviceIDFromName("stale"), KindDevice, false), NameStem: "stale"}
	g.AddDevice(stale, mtime.FromTime(now.Add(-deviceSyncGrace-time.Second)))

	fresh := &Device{Object: newObject(DeviceIDFromName("fresh"), KindDevice, false), NameStem: "fresh"}
	g.AddDevice(fresh, mtime.FromTime(now))

	g.PruneStale(now)

	_, ok := g.Device(local.ID)
	require.True(t, ok, "local devices are never pruned regardless of Synced age")
	_, ok = g.Device(stale.ID)
	require.False(t, ok)
	_, ok = g.Device(fresh.ID)
	require.True(t, ok)
}
