package mapper

import (
	"testing"

	"github.com/libmapper/go-mapper/internal/expr"
	"github.com/stretchr/testify/require"
)

func newTestDevice(name string) *Device {
	return &Device{Object: newObject(DeviceIDFromName(name), KindDevice, true), NameStem: name}
}

func TestNewMap_RejectsOutOfRangeArity(t *testing.T) {
	dev := newTestDevice("dev")
	dest := NewSignal(1, dev, "c", DirInput, 1, TypeFloat32, 1, nil, nil)

	_, err := NewMap(1, nil, NewSlot(nil, dest, 0, DirInput, 1), "", expr.ReferenceEngine{})
	require.Error(t, err)

	var tooMany []*Slot
	for i := 0; i <= MaxSources; i++ {
		sig := NewSignal(ID(i+10), dev, "s", DirOutput, 1, TypeFloat32, 1, nil, nil)
		tooMany = append(tooMany, NewSlot(nil, sig, i, DirOutput, 1))
	}
	_, err = NewMap(2, tooMany, NewSlot(nil, dest, len(tooMany), DirInput, 1), "", expr.ReferenceEngine{})
	require.Error(t, err)
}

func TestNewMap_DefaultProcessLocAndExpr(t *testing.T) {
	dev := newTestDevice("dev")
	a := NewSignal(1, dev, "a", DirOutput, 1, TypeFloat32, 1, nil, nil)
	c := NewSignal(2, dev, "c", DirInput, 1, TypeFloat32, 1, nil, nil)

	one, err := NewMap(10, []*Slot{NewSlot(nil, a, 0, DirOutput, 1)}, NewSlot(nil, c, 1, DirInput, 1), "", expr.ReferenceEngine{})
	require.NoError(t, err)
	require.Equal(t, ProcessSrc, one.ProcessLoc)
	require.Equal(t, "y = x", one.ExprSrc)

	b := NewSignal(3, dev, "b", DirOutput, 1, TypeFloat32, 1, nil, nil)
	two, err := NewMap(11,
		[]*Slot{NewSlot(nil, a, 0, DirOutput, 1), NewSlot(nil, b, 1, DirOutput, 1)},
		NewSlot(nil, c, 2, DirInput, 1), "", expr.ReferenceEngine{})
	require.NoError(t, err)
	require.Equal(t, ProcessDst, two.ProcessLoc)
	require.Equal(t, "y = x0 + x1", two.ExprSrc)
}

func TestMap_ScopeEmptyMeansUnrestricted(t *testing.T) {
	dev := newTestDevice("dev")
	a := NewSignal(1, dev, "a", DirOutput, 1, TypeFloat32, 1, nil, nil)
	c := NewSignal(2, dev, "c", DirInput, 1, TypeFloat32, 1, nil, nil)
	m, err := NewMap(1, []*Slot{NewSlot(nil, a, 0, DirOutput, 1)}, NewSlot(nil, c, 1, DirInput, 1), "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)

	require.True(t, m.InScope(dev.ID))

	other := DeviceIDFromName("other")
	m.AddScope(dev.ID)
	require.True(t, m.InScope(dev.ID))
	require.False(t, m.InScope(other))

	m.RemoveScope(dev.ID)
	require.True(t, m.InScope(other))
}

func TestMap_MarkAndClearUpdated(t *testing.T) {
	dev := newTestDevice("dev")
	a := NewSignal(1, dev, "a", DirOutput, 1, TypeFloat32, 1, nil, nil)
	c := NewSignal(2, dev, "c", DirInput, 1, TypeFloat32, 1, nil, nil)
	m, err := NewMap(1, []*Slot{NewSlot(nil, a, 0, DirOutput, 1)}, NewSlot(nil, c, 1, DirInput, 1), "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)

	m.markUpdated(0, 42)
	require.ElementsMatch(t, []ID{42}, m.pendingInstances())

	m.clearUpdated(42)
	require.Empty(t, m.pendingInstances())
}
