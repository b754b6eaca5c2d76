// Package mapper implements the peer-to-peer distributed-mapping
// runtime: devices discover each other over a multicast admin bus,
// publish typed signals, and negotiate maps that route and transform
// values between them. Graph is the in-memory replica every device
// (local or remote) is recorded in.
package mapper

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/libmapper/go-mapper/mtime"
	"github.com/sirupsen/logrus"
)

// subscriptionLease is the 60-second auto-renewing subscription record
// from spec §4.4 "subscribe". ttlcache holds the lease and its expiry;
// renewal is not a ttlcache hook but housekeeping's call to renewDue,
// which scans the leases for those within subscriptionRenewBefore of
// expiry.
type subscriptionLease struct {
	Addr     string
	TypeMask ObjectTypeMask
	AutoAll  bool
}

const (
	subscriptionLeaseTTL    = 60 * time.Second
	subscriptionRenewBefore = 10 * time.Second
	deviceSyncGrace         = 10 * time.Second
)

// Graph holds the three replicated lists named in spec §4.4 plus the
// registered callbacks and active subscriber leases. It may be shared
// by multiple local devices in the same process (spec §5 "shared
// graph"); the device currently driving Poll is its only writer.
type Graph struct {
	log *logrus.Entry

	devices map[ID]*Device
	signals map[ID]*Signal
	maps    map[ID]*Map

	callbacks []callbackRecord
	leases    *ttlcache.Cache[string, *subscriptionLease]

	renewals chan *subscriptionLease
}

// NewGraph constructs an empty graph replica.
func NewGraph(log *logrus.Entry) *Graph {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	leases := ttlcache.New[string, *subscriptionLease](
		ttlcache.WithTTL[string, *subscriptionLease](subscriptionLeaseTTL),
	)
	g := &Graph{
		log:      log,
		devices:  make(map[ID]*Device),
		signals:  make(map[ID]*Signal),
		maps:     make(map[ID]*Map),
		leases:   leases,
		renewals: make(chan *subscriptionLease, 64),
	}
	leases.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *subscriptionLease]) {
		if reason == ttlcache.EvictionReasonExpired {
			g.log.WithField("addr", item.Value().Addr).Debug("subscription lease expired")
		}
	})
	go leases.Start()
	return g
}

func (g *Graph) fire(kind Kind, id ID, evt GraphEvent, maskBit ObjectTypeMask, t mtime.Tag) {
	for _, cb := range g.callbacks {
		if cb.mask&maskBit != 0 {
			cb.fn(kind, id, evt, t)
		}
	}
}

// AddCallback registers fn for events on graph records matching mask.
func (g *Graph) AddCallback(fn GraphCallback, mask ObjectTypeMask) {
	g.callbacks = append(g.callbacks, callbackRecord{fn: fn, mask: mask})
}

// AddDevice implements spec §4.4 add_dev: allocate-or-update, stamp
// synced=now, and notify callbacks with New or Mod.
func (g *Graph) AddDevice(dev *Device, now mtime.Tag) *Device {
	existing, ok := g.devices[dev.ID]
	evt := EventNew
	if ok {
		existing.NameStem = dev.NameStem
		existing.Ordinal = dev.Ordinal
		existing.Host = dev.Host
		existing.AdminPort = dev.AdminPort
		existing.DataPort = dev.DataPort
		existing.Touch()
		dev = existing
		evt = EventMod
	} else {
		g.devices[dev.ID] = dev
	}
	dev.Synced = now
	g.fire(KindDevice, dev.ID, evt, MaskDevices, now)
	return dev
}

// RemoveDevice implements spec §4.4 remove_dev: maps referencing the
// device go first (so each gets its own callback), then its signals,
// then the device record itself.
func (g *Graph) RemoveDevice(devID ID, evt GraphEvent, t mtime.Tag) {
	for mid, m := range g.maps {
		if mapTouchesDevice(m, devID) {
			delete(g.maps, mid)
			g.fire(KindMap, mid, evt, MaskMaps, t)
		}
	}
	for sid, sig := range g.signals {
		if sig.Device != nil && sig.Device.ID == devID {
			delete(g.signals, sid)
			g.fire(KindSignal, sid, evt, MaskSignals, t)
		}
	}
	if _, ok := g.devices[devID]; ok {
		delete(g.devices, devID)
		g.fire(KindDevice, devID, evt, MaskDevices, t)
	}
}

func mapTouchesDevice(m *Map, devID ID) bool {
	if m.Destination != nil && m.Destination.SignalRef != nil && m.Destination.SignalRef.Device != nil && m.Destination.SignalRef.Device.ID == devID {
		return true
	}
	for _, s := range m.Sources {
		if s.SignalRef != nil && s.SignalRef.Device != nil && s.SignalRef.Device.ID == devID {
			return true
		}
	}
	return false
}

// RemoveSignal drops a single signal from the replica, removing any map
// that references it first (each gets its own callback), then the
// signal record itself.
func (g *Graph) RemoveSignal(sigID ID, t mtime.Tag) {
	for mid, m := range g.maps {
		if mapTouchesSignal(m, sigID) {
			delete(g.maps, mid)
			g.fire(KindMap, mid, EventRem, MaskMaps, t)
		}
	}
	if _, ok := g.signals[sigID]; ok {
		delete(g.signals, sigID)
		g.fire(KindSignal, sigID, EventRem, MaskSignals, t)
	}
}

func mapTouchesSignal(m *Map, sigID ID) bool {
	if m.Destination != nil && m.Destination.SignalRef != nil && m.Destination.SignalRef.ID == sigID {
		return true
	}
	for _, s := range m.Sources {
		if s.SignalRef != nil && s.SignalRef.ID == sigID {
			return true
		}
	}
	return false
}

// RemoveMap drops a single map from the replica: this is the
// unmap/remap teardown the original exercises in testremap.c and
// testunmap.c (mpr_map_release), absent from the distilled spec's
// module list but implied by every map it builds eventually needing to
// come back down. Detaches the map from both endpoints' slot lists
// before removing the record and notifying callbacks.
func (g *Graph) RemoveMap(mapID ID, t mtime.Tag) {
	m, ok := g.maps[mapID]
	if !ok {
		return
	}
	detachMap(m)
	delete(g.maps, mapID)
	g.fire(KindMap, mapID, EventRem, MaskMaps, t)
}

// detachMap removes m's slots from its source signals' OutgoingSlots
// and its destination signal's IncomingSlots, mirroring however
// registerIncoming populated the latter (one entry per source for a
// Dst-processed convergent map, or the shared destination slot
// otherwise).
func detachMap(m *Map) {
	for _, s := range m.Sources {
		if s.SignalRef == nil {
			continue
		}
		s.SignalRef.OutgoingSlots = removeSlot(s.SignalRef.OutgoingSlots, s)
	}
	if m.Destination == nil || m.Destination.SignalRef == nil {
		return
	}
	destSig := m.Destination.SignalRef
	destSig.IncomingSlots = removeSlot(destSig.IncomingSlots, m.Destination)
	for _, s := range m.Sources {
		destSig.IncomingSlots = removeSlot(destSig.IncomingSlots, s)
	}
}

func removeSlot(slots []*Slot, target *Slot) []*Slot {
	out := slots[:0]
	for _, s := range slots {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// AddSignal registers sig in the replica and notifies callbacks.
func (g *Graph) AddSignal(sig *Signal, t mtime.Tag) {
	_, existed := g.signals[sig.ID]
	g.signals[sig.ID] = sig
	evt := EventNew
	if existed {
		sig.Touch()
		evt = EventMod
	}
	g.fire(KindSignal, sig.ID, evt, MaskSignals, t)
}

// AddMap registers m in the replica and notifies callbacks.
func (g *Graph) AddMap(m *Map, t mtime.Tag) {
	_, existed := g.maps[m.ID]
	g.maps[m.ID] = m
	evt := EventNew
	if existed {
		m.Touch()
		evt = EventMod
	}
	g.fire(KindMap, m.ID, evt, MaskMaps, t)
}

// Subscribe implements spec §4.4 subscribe: timeout<0 registers an
// auto-renewing 60s lease, renewed 10s before expiry by housekeeping.
// addr=="" means "auto-subscribe to every device discovered".
func (g *Graph) Subscribe(addr string, mask ObjectTypeMask, timeout time.Duration) {
	lease := &subscriptionLease{Addr: addr, TypeMask: mask, AutoAll: addr == ""}
	ttl := timeout
	if timeout < 0 {
		ttl = subscriptionLeaseTTL
	}
	g.leases.Set(addr, lease, ttl)
}

// Unsubscribe drops addr's lease immediately.
func (g *Graph) Unsubscribe(addr string) {
	g.leases.Delete(addr)
}

// renewDue returns leases within subscriptionRenewBefore of expiry, the
// housekeeping hook that re-sends /subscribe (spec §4.6 item 5).
func (g *Graph) renewDue() []*subscriptionLease {
	var due []*subscriptionLease
	for _, item := range g.leases.Items() {
		if item.ExpiresAt().Sub(time.Now()) <= subscriptionRenewBefore {
			due = append(due, item.Value())
		}
	}
	return due
}

// PruneStale removes devices whose Synced time is older than the grace
// window, firing Expired callbacks (spec §4.4 poll()).
func (g *Graph) PruneStale(now time.Time) {
	cutoff := now.Add(-deviceSyncGrace)
	var stale []ID
	for id, dev := range g.devices {
		if dev.IsLocal {
			continue
		}
		if dev.Synced.Time().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		g.RemoveDevice(id, EventExp, mtime.FromTime(now))
	}
}

// GetList returns a snapshot slice of the devices, signals or maps
// matching mask (spec §4.4 get_list), built eagerly at call time; later
// graph changes do not show up in it. Combine the result with ListFilter
// for a further predicate.
func (g *Graph) GetList(mask ObjectTypeMask) []Object {
	var out []Object
	if mask&MaskDevices != 0 {
		for _, d := range g.devices {
			out = append(out, d.Object)
		}
	}
	if mask&MaskSignals != 0 {
		for _, s := range g.signals {
			out = append(out, s.Object)
		}
	}
	if mask&MaskMaps != 0 {
		for _, m := range g.maps {
			out = append(out, m.Object)
		}
	}
	return out
}

// FilterFunc composes further with GetList for spec §4.4's list_filter.
type FilterFunc func(Object) bool

// ListFilter narrows a GetList snapshot with pred.
func ListFilter(list []Object, pred FilterFunc) []Object {
	out := make([]Object, 0, len(list))
	for _, o := range list {
		if pred(o) {
			out = append(out, o)
		}
	}
	return out
}

// Device looks up a device record by id.
func (g *Graph) Device(id ID) (*Device, bool) { d, ok := g.devices[id]; return d, ok }

// Signal looks up a signal record by id.
func (g *Graph) Signal(id ID) (*Signal, bool) { s, ok := g.signals[id]; return s, ok }

// Map looks up a map record by id.
func (g *Graph) Map(id ID) (*Map, bool) { m, ok := g.maps[id]; return m, ok }

// Maps returns every map in the replica, for Router.UpdateMaps.
func (g *Graph) Maps() []*Map {
	out := make([]*Map, 0, len(g.maps))
	for _, m := range g.maps {
		out = append(out, m)
	}
	return out
}

// Close stops the subscription-lease janitor goroutine.
func (g *Graph) Close() {
	g.leases.Stop()
}
