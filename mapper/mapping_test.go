package mapper

import (
	"testing"

	"github.com/libmapper/go-mapper/internal/expr"
	"github.com/libmapper/go-mapper/internal/osc"
	"github.com/stretchr/testify/require"
)

func TestUnmapMessage_EncodesDestinationThenSources(t *testing.T) {
	devA := &Device{Object: newObject(DeviceIDFromName("devA"), KindDevice, true), NameStem: "devA"}
	devB := &Device{Object: newObject(DeviceIDFromName("devB"), KindDevice, false), NameStem: "devB"}

	src := NewSignal(1, devA, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, devB, "in", DirInput, 1, TypeFloat32, 1, nil, nil)

	srcSlot := NewSlot(nil, src, 0, DirOutput, 1)
	dstSlot := NewSlot(nil, dst, 1, DirInput, 1)
	m, err := NewMap(1, []*Slot{srcSlot}, dstSlot, "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)

	data := unmapMessage(m)
	require.NotNil(t, data)

	decoded, err := osc.DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, "/unmap", decoded.Address)
	require.Len(t, decoded.Args, 2)
	require.Equal(t, "/devB/in", decoded.Args[0].S)
	require.Equal(t, "/devA/out", decoded.Args[1].S)
}

func TestMapMatchesPaths(t *testing.T) {
	devA := &Device{Object: newObject(DeviceIDFromName("devA"), KindDevice, true), NameStem: "devA"}
	devB := &Device{Object: newObject(DeviceIDFromName("devB"), KindDevice, false), NameStem: "devB"}

	src := NewSignal(1, devA, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)
	dst := NewSignal(2, devB, "in", DirInput, 1, TypeFloat32, 1, nil, nil)

	srcSlot := NewSlot(nil, src, 0, DirOutput, 1)
	dstSlot := NewSlot(nil, dst, 1, DirInput, 1)
	m, err := NewMap(1, []*Slot{srcSlot}, dstSlot, "y = x", expr.ReferenceEngine{})
	require.NoError(t, err)

	require.True(t, mapMatchesPaths(m, "/devB/in", []osc.Arg{osc.StringArg("/devA/out")}))
	require.False(t, mapMatchesPaths(m, "/devB/other", []osc.Arg{osc.StringArg("/devA/out")}))
	require.False(t, mapMatchesPaths(m, "/devB/in", []osc.Arg{osc.StringArg("/devA/out"), osc.StringArg("/devA/extra")}))
}
