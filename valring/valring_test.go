package valring

import (
	"testing"

	"github.com/libmapper/go-mapper/mtime"
	"github.com/stretchr/testify/require"
)

func TestSetNextAndGet(t *testing.T) {
	r := New(Float32, 1, 4, 1)

	_, _, ok := r.Get(0, 0)
	require.False(t, ok, "fresh ring has no value")

	r.SetNext(0, []float64{1}, mtime.Tag{Sec: 1})
	r.SetNext(0, []float64{2}, mtime.Tag{Sec: 2})
	r.SetNext(0, []float64{3}, mtime.Tag{Sec: 3})

	v, tag, ok := r.Get(0, 0)
	require.True(t, ok)
	require.Equal(t, []float64{3}, v)
	require.Equal(t, uint32(3), tag.Sec)

	v, _, ok = r.Get(0, -1)
	require.True(t, ok)
	require.Equal(t, []float64{2}, v)

	v, _, ok = r.Get(0, -2)
	require.True(t, ok)
	require.Equal(t, []float64{1}, v)

	_, _, ok = r.Get(0, -3)
	require.False(t, ok, "never written that far back")
}

func TestWraparound(t *testing.T) {
	r := New(Int32, 1, 3, 1)
	for i := 1; i <= 5; i++ {
		r.SetNext(0, []float64{float64(i)}, mtime.Tag{Sec: uint32(i)})
	}
	// Ring of depth 3 has seen values 1..5; should retain 3,4,5.
	v, _, _ := r.Get(0, 0)
	require.Equal(t, []float64{5}, v)
	v, _, _ = r.Get(0, -1)
	require.Equal(t, []float64{4}, v)
	v, _, _ = r.Get(0, -2)
	require.Equal(t, []float64{3}, v)
}

func TestResetInst(t *testing.T) {
	r := New(Float64, 2, 4, 1)
	r.SetNext(0, []float64{1, 2}, mtime.Tag{Sec: 5})
	require.True(t, r.HasValue(0))

	r.ResetInst(0, mtime.Tag{Sec: 99})
	require.False(t, r.HasValue(0))
	_, _, ok := r.Get(0, 0)
	require.False(t, ok)
}

func TestReallocGrow(t *testing.T) {
	r := New(Float32, 1, 2, 1)
	r.SetNext(0, []float64{1}, mtime.Tag{Sec: 1})
	r.SetNext(0, []float64{2}, mtime.Tag{Sec: 2})

	r.Realloc(4)
	require.Equal(t, 4, r.MemLen())

	v, _, ok := r.Get(0, 0)
	require.True(t, ok)
	require.Equal(t, []float64{2}, v)
	v, _, ok = r.Get(0, -1)
	require.True(t, ok)
	require.Equal(t, []float64{1}, v)
}

func TestReallocShrink(t *testing.T) {
	r := New(Float32, 1, 4, 1)
	for i := 1; i <= 4; i++ {
		r.SetNext(0, []float64{float64(i)}, mtime.Tag{Sec: uint32(i)})
	}
	r.Realloc(2)
	require.Equal(t, 2, r.MemLen())
	v, _, _ := r.Get(0, 0)
	require.Equal(t, []float64{4}, v)
	v, _, _ = r.Get(0, -1)
	require.Equal(t, []float64{3}, v)
}

func TestCmp(t *testing.T) {
	r := New(Float32, 1, 2, 1)
	require.True(t, r.Cmp(0, 0, []float64{1}), "no prior value always differs")

	r.SetNext(0, []float64{1}, mtime.Tag{})
	require.False(t, r.Cmp(0, 0, []float64{1}))
	require.True(t, r.Cmp(0, 0, []float64{2}))
}

func TestGrow(t *testing.T) {
	r := New(Float32, 1, 2, 1)
	r.Grow(3)
	require.Equal(t, 3, r.NumInstances())
	_, _, ok := r.Get(2, 0)
	require.False(t, ok)
}
