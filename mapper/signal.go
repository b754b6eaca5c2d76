package mapper

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/libmapper/go-mapper/idmap"
	"github.com/libmapper/go-mapper/mtime"
	"github.com/libmapper/go-mapper/valring"
)

// ValueType is a signal's declared scalar element type.
type ValueType int

const (
	TypeInt32 ValueType = iota
	TypeFloat32
	TypeFloat64
)

func (t ValueType) ringType() valring.Type {
	switch t {
	case TypeInt32:
		return valring.Int32
	case TypeFloat64:
		return valring.Float64
	default:
		return valring.Float32
	}
}

// InstanceSlot is one reserved/active instance pool entry (spec §3
// "InstanceSlot").
type InstanceSlot struct {
	UserID   ID
	UserData interface{}
	RingIdx  int
	Status   Status
	Created  mtime.Tag

	sigIDMap *idmap.Row
}

// InstanceEventFunc is the user callback invoked on instance lifecycle
// transitions (new, stolen, released).
type InstanceEventFunc func(sig *Signal, inst *InstanceSlot, event Status, t mtime.Tag)

// Signal is a device's published input or output (spec §3 "Signal"). A
// non-instanced signal is modelled with exactly one default instance,
// matching the spec's explicit simplification.
type Signal struct {
	Object

	Device    *Device
	Name      string
	Dir       Direction
	VecLen    int
	Type      ValueType
	Unit      string
	Min, Max  []float64
	UseInst   bool
	Ephemeral bool
	StealMode StealMode

	// PeriodEst and JitterEst are running estimates of this signal's
	// update rate (spec §4.7, exercised by the original's rate/jitter
	// probe), maintained by updateTimingStats.
	PeriodEst  float64
	JitterEst  float64
	timingInit bool

	Value     *valring.Ring
	Instances []*InstanceSlot // sorted by UserID for binary search
	IDMaps    map[ID]*idmap.Row

	OutgoingSlots []*Slot
	IncomingSlots []*Slot

	Callback  InstanceEventFunc
	EventMask Status

	registry *idmap.Registry
	counter  *Counter
	routing  bool // re-entry guard, spec §5 "Locking"
}

// NewSignal constructs a signal owned by dev. numInst must be >= 1;
// non-instanced signals pass 1 and UseInst=false.
func NewSignal(id ID, dev *Device, name string, dir Direction, vecLen int, typ ValueType, numInst int, registry *idmap.Registry, counter *Counter) *Signal {
	if numInst < 1 {
		numInst = 1
	}
	s := &Signal{
		Object:   newObject(id, KindSignal, dev.IsLocal),
		Device:   dev,
		Name:     name,
		Dir:      dir,
		VecLen:   vecLen,
		Type:     typ,
		Value:    valring.New(typ.ringType(), vecLen, 1, numInst),
		IDMaps:   make(map[ID]*idmap.Row),
		registry: registry,
		counter:  counter,
	}
	for i := 0; i < numInst; i++ {
		s.Instances = append(s.Instances, &InstanceSlot{UserID: ID(i), RingIdx: i})
	}
	return s
}

// instIndex finds inst's position in the sorted Instances slice.
func (s *Signal) instIndex(userID ID) (int, bool) {
	i := sort.Search(len(s.Instances), func(i int) bool { return s.Instances[i].UserID >= userID })
	if i < len(s.Instances) && s.Instances[i].UserID == userID {
		return i, true
	}
	return i, false
}

func (s *Signal) insertInstance(inst *InstanceSlot) {
	i, found := s.instIndex(inst.UserID)
	if found {
		s.Instances[i] = inst
		return
	}
	s.Instances = append(s.Instances, nil)
	copy(s.Instances[i+1:], s.Instances[i:])
	s.Instances[i] = inst
}

// firstFreeRingIdx returns an instance ring slot not currently occupied
// by an Active instance.
func (s *Signal) firstFreeRingIdx() int {
	used := make(map[int]bool, len(s.Instances))
	for _, inst := range s.Instances {
		if inst.Status.Has(StatusActive) {
			used[inst.RingIdx] = true
		}
	}
	for i := 0; i < s.Value.NumInstances(); i++ {
		if !used[i] {
			return i
		}
	}
	idx := s.Value.NumInstances()
	s.Value.Grow(1)
	return idx
}

// reservedOrInactive returns a non-active instance slot to (re)activate,
// creating one if the pool has room.
func (s *Signal) reservedOrInactive() *InstanceSlot {
	for _, inst := range s.Instances {
		if !inst.Status.Has(StatusActive) {
			return inst
		}
	}
	if len(s.Instances) >= MaxInstances {
		return nil
	}
	inst := &InstanceSlot{UserID: ID(len(s.Instances)), RingIdx: s.firstFreeRingIdx()}
	s.Instances = append(s.Instances, inst)
	return inst
}

// steal picks a victim active instance per StealMode, ties broken by
// Created then by index (spec §4.7).
func (s *Signal) steal() *InstanceSlot {
	var victim *InstanceSlot
	for _, inst := range s.Instances {
		if !inst.Status.Has(StatusActive) {
			continue
		}
		if victim == nil {
			victim = inst
			continue
		}
		switch s.StealMode {
		case StealOldest:
			if inst.Created.Before(victim.Created) {
				victim = inst
			}
		case StealNewest:
			if victim.Created.Before(inst.Created) {
				victim = inst
			}
		}
	}
	return victim
}

// SetValue implements spec §4.7 set_value: resolves or activates the
// instance for userID, writes the value, marks status bits, and
// returns the instance so the caller (Router) can proceed.
func (s *Signal) SetValue(userID ID, value []float64, t mtime.Tag) (*InstanceSlot, bool) {
	t = t.Resolve(time.Now())
	idx, found := s.instIndex(userID)
	var inst *InstanceSlot
	if found {
		inst = s.Instances[idx]
	} else {
		inst = s.activateLocal(userID, t)
		if inst == nil {
			s.EventMask.Set(StatusOverflow)
			return nil, false
		}
	}
	if !inst.Status.Has(StatusActive) {
		inst.Status.Set(StatusActive)
		inst.Created = t
		if s.registry != nil && inst.sigIDMap == nil {
			inst.sigIDMap = s.registry.ActivateLocal(idmap.ID(inst.UserID), idmap.ID(s.counter.Next()))
			s.IDMaps[ID(inst.sigIDMap.GlobalID)] = inst.sigIDMap
		}
	}

	var diff float64
	if inst.Status.Has(StatusHasValue) {
		if _, prevT, ok := s.Value.Get(inst.RingIdx, 0); ok {
			diff = t.Sub(prevT)
		}
	}
	s.updateTimingStats(diff)

	changed := s.Value.Cmp(inst.RingIdx, 0, value)
	s.Value.SetNext(inst.RingIdx, value, t)
	inst.Status.Set(StatusUpdateLoc | StatusHasValue)
	if changed {
		inst.Status.Set(StatusNewValue)
	}
	return inst, true
}

// updateTimingStats folds an inter-update gap (seconds) into the
// signal's period/jitter estimate. Ported from the original's
// mpr_sig_update_timing_stats: the first call only establishes that an
// estimate now exists (period starts at zero rather than undefined),
// the second establishes a baseline from the real gap, and every call
// after blends via a 0.99/0.01 exponential moving average.
func (s *Signal) updateTimingStats(diff float64) {
	if diff < 0 {
		diff = 0
	}
	if !s.timingInit {
		s.timingInit = true
		s.PeriodEst = 0
		return
	}
	if s.PeriodEst == 0 {
		s.PeriodEst = diff
		return
	}
	s.JitterEst = s.JitterEst*0.99 + 0.01*math.Abs(s.PeriodEst-diff)
	s.PeriodEst = s.PeriodEst*0.99 + 0.01*diff
}

func (s *Signal) activateLocal(userID ID, t mtime.Tag) *InstanceSlot {
	inst := &InstanceSlot{UserID: userID, RingIdx: s.firstFreeRingIdx(), Created: t}
	inst.Status.Set(StatusActive | StatusNew)
	if s.registry != nil {
		inst.sigIDMap = s.registry.ActivateLocal(idmap.ID(userID), idmap.ID(s.counter.Next()))
		s.IDMaps[ID(inst.sigIDMap.GlobalID)] = inst.sigIDMap
	}
	s.insertInstance(inst)
	return inst
}

// ResolveIncoming implements spec §4.7 "Instance resolution" for an
// update arriving with a remote global id.
func (s *Signal) ResolveIncoming(globalID ID, t mtime.Tag) (*InstanceSlot, bool) {
	if row, ok := s.registry.ByGlobal(idmap.ID(globalID)); ok {
		for _, inst := range s.Instances {
			if inst.sigIDMap == row {
				if inst.Status.Has(StatusRelDnstrm) && !inst.Status.Has(StatusActive) {
					break
				}
				return inst, true
			}
		}
	}

	inst := s.reservedOrInactive()
	if inst == nil && s.UseInst && s.StealMode != StealNone {
		victim := s.steal()
		if victim != nil {
			if s.Callback != nil {
				s.Callback(s, victim, StatusRelUpstrm, t)
			}
			s.releaseSlot(victim, t)
			inst = victim
		}
	}
	if inst == nil {
		s.EventMask.Set(StatusOverflow)
		return nil, false
	}

	row := s.registry.ActivateRemote(idmap.ID(inst.UserID), idmap.ID(globalID))
	inst.sigIDMap = row
	s.IDMaps[globalID] = row
	inst.Status.Set(StatusActive)
	inst.Created = t
	return inst, true
}

// releaseSlot clears an instance back to the inactive/reserved pool.
func (s *Signal) releaseSlot(inst *InstanceSlot, t mtime.Tag) {
	s.Value.ResetInst(inst.RingIdx, t)
	inst.Status.Clear(StatusActive)
	inst.UserData = nil
}

// ReleaseInstance implements spec §4.7 release_inst. No-op on
// non-ephemeral signals. Drops this instance's id-map row references
// (both refcounts plus its sigRefs back-reference) so the row becomes
// eligible for the next housekeeping Sweep once its peers have done the
// same (spec §8.2).
func (s *Signal) ReleaseInstance(userID ID, fromUpstream bool, t mtime.Tag) (*InstanceSlot, bool) {
	if !s.Ephemeral {
		return nil, false
	}
	idx, found := s.instIndex(userID)
	if !found {
		return nil, false
	}
	inst := s.Instances[idx]
	s.Value.ResetInst(inst.RingIdx, t)
	if fromUpstream {
		inst.Status.Set(StatusRelUpstrm)
	} else {
		inst.Status.Set(StatusRelDnstrm)
	}

	if inst.sigIDMap != nil {
		row := inst.sigIDMap
		// Both refcounts get dropped here, not just the local one: this
		// instance relinquishes its claim on the global id as well as its
		// local one, whichever side originated the release (idmap
		// Row.Eligible requires both at zero, plus sigRefs below).
		s.registry.LIDDecref(row)
		s.registry.GIDDecref(row)
		if row.LocalRefcount <= 0 {
			inst.Status.Clear(StatusActive)
		}
		// This instance no longer holds the row: drop the sigRefs back-
		// reference so housekeeping's Sweep can reclaim it once the
		// refcounts it shares with remote peers also reach zero. A later
		// reactivation of the same user id mints a fresh row rather than
		// resurrecting one that may already have been swept.
		s.registry.DropSigRef(row)
		delete(s.IDMaps, ID(row.GlobalID))
		inst.sigIDMap = nil
	} else {
		inst.Status.Clear(StatusActive)
	}
	return inst, true
}

// GetValue returns the newest frame for userID, or ok=false if the
// instance has no value.
func (s *Signal) GetValue(userID ID) (value []float64, t mtime.Tag, ok bool) {
	idx, found := s.instIndex(userID)
	if !found {
		return nil, mtime.Tag{}, false
	}
	inst := s.Instances[idx]
	if !inst.Status.Has(StatusHasValue) {
		return nil, mtime.Tag{}, false
	}
	return s.Value.Get(inst.RingIdx, 0)
}

// ReserveInstances pre-allocates numInst reserved slots with the given
// user ids (or sequential ids if nil), per spec §4.7 reserve_inst.
func (s *Signal) ReserveInstances(numInst int, ids []ID) error {
	if len(s.Instances)+numInst > MaxInstances {
		return fmt.Errorf("mapper: signal %q would exceed MaxInstances (%d)", s.Name, MaxInstances)
	}
	for i := 0; i < numInst; i++ {
		id := ID(len(s.Instances))
		if ids != nil && i < len(ids) {
			id = ids[i]
		}
		s.insertInstance(&InstanceSlot{UserID: id, RingIdx: s.firstFreeRingIdx()})
	}
	return nil
}
