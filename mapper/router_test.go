package mapper

import (
	"testing"

	"github.com/libmapper/go-mapper/internal/expr"
	"github.com/libmapper/go-mapper/mtime"
	"github.com/stretchr/testify/require"
)

// connectLocal wires sources -> dest through a new, already-Active local
// map, mirroring the slot bookkeeping LocalDevice.Connect performs but
// without any device/network machinery, so router tests stay
// network-free (the Router itself never requires one for loopback maps).
func connectLocal(t *testing.T, id ID, sources []*Signal, dest *Signal, exprSrc string) *Map {
	t.Helper()
	srcSlots := make([]*Slot, len(sources))
	for i, s := range sources {
		srcSlots[i] = NewSlot(nil, s, i, DirOutput, 1)
	}
	destSlot := NewSlot(nil, dest, len(sources), DirInput, 1)

	m, err := NewMap(id, srcSlots, destSlot, exprSrc, expr.ReferenceEngine{})
	require.NoError(t, err)
	require.True(t, m.IsLocalOnly)

	for i, s := range sources {
		s.OutgoingSlots = append(s.OutgoingSlots, srcSlots[i])
	}
	dest.IncomingSlots = append(dest.IncomingSlots, destSlot)
	m.Status = MapActive
	return m
}

func TestRouter_IdentityMap_DeliversLocally(t *testing.T) {
	dev := newTestDevice("dev")
	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	connectLocal(t, 100, []*Signal{src}, dst, "y = x")

	router := NewRouter(nil)
	inst, ok := src.SetValue(0, []float64{3.5}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(src, inst, []float64{3.5}, false, mtime.Now))

	val, _, ok := dst.GetValue(0)
	require.True(t, ok)
	require.Equal(t, []float64{3.5}, val)
}

// TestRouter_ConvergentSum_DstProcessed exercises the S3 scenario: two
// sources feeding one Dst-processed map, observed after each UpdateMaps
// pass (a=1, b=2 -> 3; then a=4 -> 6).
func TestRouter_ConvergentSum_DstProcessed(t *testing.T) {
	dev := newTestDevice("dev")
	a := NewSignal(1, dev, "a", DirOutput, 1, TypeFloat32, 1, nil, nil)
	b := NewSignal(2, dev, "b", DirOutput, 1, TypeFloat32, 1, nil, nil)
	c := NewSignal(3, dev, "c", DirInput, 1, TypeFloat32, 1, nil, nil)
	m := connectLocal(t, 101, []*Signal{a, b}, c, "")
	require.Equal(t, ProcessDst, m.ProcessLoc)

	router := NewRouter(nil)
	maps := []*Map{m}

	instA, ok := a.SetValue(0, []float64{1}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(a, instA, []float64{1}, false, mtime.Now))

	instB, ok := b.SetValue(0, []float64{2}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(b, instB, []float64{2}, false, mtime.Now))

	router.UpdateMaps(maps, mtime.Now)
	val, _, ok := c.GetValue(0)
	require.True(t, ok)
	require.Equal(t, []float64{3}, val)

	instA2, ok := a.SetValue(0, []float64{4}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(a, instA2, []float64{4}, false, mtime.Now))

	router.UpdateMaps(maps, mtime.Now)
	val, _, ok = c.GetValue(0)
	require.True(t, ok)
	require.Equal(t, []float64{6}, val)
}

func TestRouter_OutOfScopeMapIsSkipped(t *testing.T) {
	dev := newTestDevice("dev")
	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	m := connectLocal(t, 102, []*Signal{src}, dst, "y = x")
	m.AddScope(DeviceIDFromName("someone-else"))

	router := NewRouter(nil)
	inst, ok := src.SetValue(0, []float64{1}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(src, inst, []float64{1}, false, mtime.Now))

	_, _, ok = dst.GetValue(0)
	require.False(t, ok)
}

func TestRouter_MutedMapIsSkipped(t *testing.T) {
	dev := newTestDevice("dev")
	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	m := connectLocal(t, 103, []*Signal{src}, dst, "y = x")
	m.Muted = true

	router := NewRouter(nil)
	inst, ok := src.SetValue(0, []float64{1}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(src, inst, []float64{1}, false, mtime.Now))

	_, _, ok = dst.GetValue(0)
	require.False(t, ok)
}

func TestRouter_Release_ResetsDestinationInstance(t *testing.T) {
	dev := newTestDevice("dev")
	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	src.Ephemeral = true
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	connectLocal(t, 104, []*Signal{src}, dst, "y = x")

	router := NewRouter(nil)
	inst, ok := src.SetValue(0, []float64{1}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(src, inst, []float64{1}, false, mtime.Now))
	_, _, ok = dst.GetValue(0)
	require.True(t, ok)

	relInst, ok := src.ReleaseInstance(0, false, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(src, relInst, nil, true, mtime.Now))

	_, _, ok = dst.GetValue(0)
	require.False(t, ok)
}

func TestRouter_ReentrancyGuardDropsRecursiveRoute(t *testing.T) {
	dev := newTestDevice("dev")
	src := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, dev, "in", DirInput, 1, TypeFloat32, 1, nil, nil)
	connectLocal(t, 105, []*Signal{src}, dst, "y = x")

	router := NewRouter(nil)
	src.routing = true
	inst, ok := src.SetValue(0, []float64{1}, mtime.Now)
	require.True(t, ok)
	require.NoError(t, router.Route(src, inst, []float64{1}, false, mtime.Now))

	_, _, ok = dst.GetValue(0)
	require.False(t, ok)
}
