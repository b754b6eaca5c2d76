package mapper

import (
	"testing"
	"time"

	"github.com/libmapper/go-mapper/idmap"
	"github.com/libmapper/go-mapper/mtime"
	"github.com/stretchr/testify/require"
)

func TestSignal_SetValue_ActivatesAndTracksNewValue(t *testing.T) {
	dev := newTestDevice("dev")
	registry := idmap.New()
	counter := NewCounter(dev.ID)
	sig := NewSignal(1, dev, "out", DirOutput, 2, TypeFloat32, 1, registry, counter)

	inst, ok := sig.SetValue(0, []float64{1, 2}, mtime.Now)
	require.True(t, ok)
	require.True(t, inst.Status.Has(StatusActive))
	require.True(t, inst.Status.Has(StatusNewValue))
	require.NotNil(t, registry)

	inst2, ok := sig.SetValue(0, []float64{1, 2}, mtime.Now)
	require.True(t, ok)
	require.Same(t, inst, inst2)

	val, _, ok := sig.GetValue(0)
	require.True(t, ok)
	require.Equal(t, []float64{1, 2}, val)
}

func TestSignal_SetValue_TracksPeriodAndJitterEstimate(t *testing.T) {
	dev := newTestDevice("dev")
	sig := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, nil, nil)

	_, ok := sig.SetValue(0, []float64{1}, mtime.FromTime(fixedTime(0)))
	require.True(t, ok)
	require.Zero(t, sig.PeriodEst, "first sample only establishes that timing tracking has started")

	_, ok = sig.SetValue(0, []float64{2}, mtime.FromTime(fixedTime(1)))
	require.True(t, ok)
	require.InDelta(t, 1.0, sig.PeriodEst, 1e-9, "second sample's real gap becomes the baseline period")
	require.Zero(t, sig.JitterEst)

	// A third sample 1.5s later blends into both estimates via the
	// 0.99/0.01 exponential moving average.
	_, ok = sig.SetValue(0, []float64{3}, mtime.FromTime(time.Date(2026, 1, 1, 0, 0, 2, 500000000, time.UTC)))
	require.True(t, ok)
	require.InDelta(t, 1.005, sig.PeriodEst, 1e-9)
	require.InDelta(t, 0.005, sig.JitterEst, 1e-9)
}

func TestSignal_SetValue_NewInstanceBeyondPool(t *testing.T) {
	dev := newTestDevice("dev")
	registry := idmap.New()
	counter := NewCounter(dev.ID)
	sig := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, registry, counter)

	inst, ok := sig.SetValue(7, []float64{9}, mtime.Now)
	require.True(t, ok)
	require.Equal(t, ID(7), inst.UserID)
	require.NotNil(t, inst.sigIDMap)

	row, found := registry.ByGlobal(inst.sigIDMap.GlobalID)
	require.True(t, found)
	require.Equal(t, idmap.ID(7), row.LocalID)
}

func TestSignal_ResolveIncoming_ReusesRowForSameGlobalID(t *testing.T) {
	dev := newTestDevice("dev")
	registry := idmap.New()
	sig := NewSignal(1, dev, "in", DirInput, 1, TypeFloat32, 1, registry, nil)
	sig.Ephemeral = true

	inst1, ok := sig.ResolveIncoming(500, mtime.Now)
	require.True(t, ok)

	inst2, ok := sig.ResolveIncoming(500, mtime.Now)
	require.True(t, ok)
	require.Same(t, inst1, inst2)
}

func TestSignal_ResolveIncoming_StealsOldestOnOverflow(t *testing.T) {
	dev := newTestDevice("dev")
	registry := idmap.New()
	sig := NewSignal(1, dev, "in", DirInput, 1, TypeFloat32, 1, registry, nil)
	sig.UseInst = true
	sig.Ephemeral = true
	sig.StealMode = StealOldest

	var firstInst *InstanceSlot
	for i := 0; i < MaxInstances; i++ {
		inst, ok := sig.ResolveIncoming(ID(i), mtime.FromTime(fixedTime(i)))
		require.True(t, ok)
		if i == 0 {
			firstInst = inst
		}
	}
	require.Equal(t, MaxInstances, len(sig.Instances))

	victim, ok := sig.ResolveIncoming(ID(1000), mtime.FromTime(fixedTime(MaxInstances)))
	require.True(t, ok)
	require.Same(t, firstInst, victim)
}

func fixedTime(sec int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC)
}

func TestSignal_ReleaseInstance_NoopWhenNotEphemeral(t *testing.T) {
	dev := newTestDevice("dev")
	registry := idmap.New()
	counter := NewCounter(dev.ID)
	sig := NewSignal(1, dev, "out", DirOutput, 1, TypeFloat32, 1, registry, counter)
	sig.SetValue(0, []float64{1}, mtime.Now)

	_, ok := sig.ReleaseInstance(0, false, mtime.Now)
	require.False(t, ok)
}

func TestSignal_ReleaseInstance_DropsIDMapOnUpstreamRelease(t *testing.T) {
	dev := newTestDevice("dev")
	registry := idmap.New()
	sig := NewSignal(1, dev, "in", DirInput, 1, TypeFloat32, 1, registry, nil)
	sig.Ephemeral = true

	inst, ok := sig.ResolveIncoming(42, mtime.Now)
	require.True(t, ok)
	require.NotNil(t, inst.sigIDMap)
	require.Contains(t, sig.IDMaps, ID(42))

	_, ok = sig.ReleaseInstance(inst.UserID, true, mtime.Now)
	require.True(t, ok)
	require.NotContains(t, sig.IDMaps, ID(42))
}
