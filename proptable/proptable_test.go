package proptable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@name", String("osc1"), ModeLocal))

	e, ok := tb.GetByKey("@name")
	require.True(t, ok)
	require.Equal(t, "osc1", e.Value.Str)
	require.True(t, e.Flags&Dirty != 0)
}

func TestSortedOrder(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("zeta", Int32(1), ModeLocal))
	require.NoError(t, tb.Add("alpha", Int32(2), ModeLocal))
	require.NoError(t, tb.Add("mid", Int32(3), ModeLocal))

	var keys []string
	for i := 0; i < tb.Len(); i++ {
		e, _ := tb.GetByIdx(i)
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
}

func TestRemoteModifyRejectedOnLocalOnly(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@id", ObjectRef(42), ModeLocal))

	err := tb.Add("@id", ObjectRef(99), ModeRemote)
	require.ErrorIs(t, err, ErrLocalOnly)

	// Local code may still update it.
	require.NoError(t, tb.Add("@id", ObjectRef(99), ModeLocal))
}

func TestOutOfRangeType(t *testing.T) {
	tb := New()
	err := tb.Add("@name", Int32(5), ModeLocal)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestWireTypeAnyNumberAcceptsAnyNumeric(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@min", Float64(1), ModeLocal))
	require.NoError(t, tb.Add("@min", Int32(2), ModeLocal))
}

func TestRemoveIsSoftThenClearEmpty(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@unit", String("V"), ModeLocal))
	tb.MarkClean()

	require.True(t, tb.Remove("@unit"))
	require.Equal(t, 1, tb.Len(), "row survives until ClearEmpty")

	_, ok := tb.GetByKey("@unit")
	require.False(t, ok, "soft-removed row is invisible to lookup")

	msg := tb.AddToMsg()
	require.Len(t, msg, 1)
	require.True(t, msg[0].Removed)
	require.Equal(t, "@unit", msg[0].Key)

	tb.ClearEmpty()
	require.Equal(t, 0, tb.Len())
}

func TestAddToMsgSkipsLocalOnly(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@data", Bytes([]byte{1, 2, 3}), ModeLocal))
	require.NoError(t, tb.Add("@name", String("x"), ModeLocal))

	msg := tb.AddToMsg()
	require.Len(t, msg, 1)
	require.Equal(t, "@name", msg[0].Key)
}

func TestMarkCleanClearsDirty(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@name", String("x"), ModeLocal))
	tb.MarkClean()
	require.Empty(t, tb.AddToMsg())

	require.NoError(t, tb.Add("@name", String("y"), ModeLocal))
	require.Len(t, tb.AddToMsg(), 1)
}

func TestAddUnchangedValueDoesNotReDirty(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Add("@name", String("x"), ModeLocal))
	tb.MarkClean()
	require.NoError(t, tb.Add("@name", String("x"), ModeLocal))
	require.Empty(t, tb.AddToMsg())
}
