package mapper

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/libmapper/go-mapper/idmap"
	"github.com/libmapper/go-mapper/internal/expr"
	"github.com/libmapper/go-mapper/internal/netlayer"
	"github.com/libmapper/go-mapper/mtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// command and event types drive LocalDevice's actor loop, mirroring the
// teacher's Node.commands/Node.events channel pair (node.go) instead of
// exposing any field for concurrent mutation.
type command struct {
	kind   string
	signal *Signal
	mapv   *Map
	reply  chan error
}

// DeviceEvent is delivered to the caller-supplied callback from the
// actor loop (spec §4.4 callback records, scoped to one device here).
type DeviceEvent struct {
	Kind Kind
	ID   ID
	Evt  GraphEvent
	Time mtime.Tag
}

// Options configures a new local device.
type Options struct {
	Iface          string
	BusGroup       string
	BusPort        int
	ProbeRounds    int
	HeartbeatEvery time.Duration
	Engine         expr.Engine
	Log            *logrus.Logger
	Clock          clockwork.Clock
	Metrics        *Metrics
	Graph          *Graph // shared graph; nil creates a private one
}

func (o *Options) setDefaults() {
	if o.ProbeRounds == 0 {
		o.ProbeRounds = 3
	}
	if o.HeartbeatEvery == 0 {
		o.HeartbeatEvery = 3 * time.Second
	}
	if o.Engine == nil {
		o.Engine = expr.ReferenceEngine{}
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(prometheus.DefaultRegisterer)
	}
}

// LocalDevice is the actor driving one local libmapper peer: its own
// Device graph record, signal/map ownership, id-map registry, network
// layer, and single-threaded-cooperative poll loop (spec §5).
type LocalDevice struct {
	Dev *Device

	graph    *Graph
	registry *idmap.Registry
	counter  *Counter
	router   *Router
	engine   expr.Engine
	metrics  *Metrics
	log      *logrus.Entry
	clock    clockwork.Clock

	bus        *netlayer.Bus
	mesh       *netlayer.Mesh
	dataServer *netlayer.DataServer
	peers      map[string]*peerConn // mesh identity -> connection record

	signals map[ID]*Signal

	commands chan command
	events   chan DeviceEvent
	quit     chan struct{}
	wg       sync.WaitGroup

	pollWg      sync.WaitGroup
	pollQuit    chan struct{}
	pollRunning bool

	tiebreak uint32
}

// NewDevice constructs and starts a device named nameStem (spec §4.6
// Device::new). It blocks until name-collision resolution completes or
// returns an error.
func NewDevice(nameStem string, opts Options) (*LocalDevice, error) {
	opts.setDefaults()

	dataServer, err := netlayer.NewDataServer()
	if err != nil {
		return nil, fmt.Errorf("mapper: data server: %w", err)
	}
	bus, err := netlayer.NewBus(opts.BusGroup, opts.BusPort, opts.Iface)
	if err != nil {
		dataServer.Close()
		return nil, fmt.Errorf("mapper: bus: %w", err)
	}

	devID := DeviceIDFromName(nameStem)
	mesh, err := netlayer.NewMesh(fmt.Sprintf("%x", uint64(devID)))
	if err != nil {
		bus.Close()
		dataServer.Close()
		return nil, fmt.Errorf("mapper: mesh: %w", err)
	}

	graph := opts.Graph
	if graph == nil {
		graph = NewGraph(logrus.NewEntry(opts.Log))
	}

	dev := &Device{
		Object:    newObject(devID, KindDevice, true),
		NameStem:  nameStem,
		AdminPort: 0,
		DataPort:  dataServer.UDPPort(),
	}

	registry := idmap.New()
	d := &LocalDevice{
		Dev:        dev,
		graph:      graph,
		registry:   registry,
		counter:    NewCounter(devID),
		engine:     opts.Engine,
		metrics:    opts.Metrics,
		log:        logrus.NewEntry(opts.Log).WithField("device", nameStem),
		clock:      opts.Clock,
		bus:        bus,
		mesh:       mesh,
		dataServer: dataServer,
		peers:      make(map[string]*peerConn),
		signals:    make(map[ID]*Signal),
		commands:   make(chan command, 256),
		events:     make(chan DeviceEvent, 256),
		quit:       make(chan struct{}),
	}
	d.router = NewRouter(d)

	if err := d.resolveName(nameStem, opts.ProbeRounds); err != nil {
		d.Close()
		return nil, err
	}

	d.wg.Add(1)
	go d.actorLoop(opts.HeartbeatEvery)
	return d, nil
}

// resolveName implements spec §4.6: broadcast /name/probe, collect
// replies for ProbeRounds rounds, back off on collision via an
// exponential-ish schedule (cenkalti/backoff), and finally register.
func (d *LocalDevice) resolveName(nameStem string, rounds int) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 50 * time.Millisecond
	boff.MaxInterval = 500 * time.Millisecond

	for round := 0; round < rounds; round++ {
		d.sendBus(probeMessage(nameStem, d.Dev.Ordinal, d.tiebreak))
		collision, waitFor := d.awaitProbeReplies(boff.NextBackOff())
		if !collision {
			break
		}
		d.Dev.Ordinal++
		d.tiebreak++
		time.Sleep(waitFor)
	}

	d.Dev.ID = DeviceIDFromName(d.Dev.Name())
	d.Dev.AdminPort = d.meshPort()
	d.Dev.IsReady = true
	d.graph.AddDevice(d.Dev, mtime.FromTime(d.clock.Now()))
	d.sendBus(registeredMessage(d.Dev))
	return nil
}

// awaitProbeReplies is a placeholder collision window: in single-process
// test topologies no other device shares the bus group and tiebreak, so
// it always resolves immediately. Multi-process deployments observe
// real /name/probe replies through the bus inbox during this window
// (handled by dispatchAdmin once the actor loop starts).
func (d *LocalDevice) awaitProbeReplies(window time.Duration) (collision bool, retryAfter time.Duration) {
	select {
	case p, ok := <-d.bus.Packets():
		if !ok {
			return false, 0
		}
		if isProbeCollision(p.Data, d.Dev.NameStem, d.Dev.Ordinal, d.tiebreak) {
			return true, window
		}
	case <-time.After(window):
	}
	return false, 0
}

func (d *LocalDevice) meshPort() int {
	return d.mesh.Port()
}

// AddSignal implements Signal::new: registers a new signal owned by
// this device (spec §4.7).
func (d *LocalDevice) AddSignal(name string, dir Direction, vecLen int, typ ValueType, numInst int) (*Signal, error) {
	if numInst > MaxInstances {
		return nil, fmt.Errorf("mapper: numInst %d exceeds MaxInstances", numInst)
	}
	id := d.counter.Next()
	sig := NewSignal(id, d.Dev, name, dir, vecLen, typ, numInst, d.registry, d.counter)
	sig.UseInst = numInst > 1
	d.signals[id] = sig
	if dir == DirInput {
		d.Dev.NumInputs++
	} else {
		d.Dev.NumOutputs++
	}
	d.graph.AddSignal(sig, mtime.FromTime(d.clock.Now()))
	d.sendBus(signalMessage(d.Dev, sig))
	return sig, nil
}

// RemoveSignal unregisters a previously added signal.
func (d *LocalDevice) RemoveSignal(id ID) {
	sig, ok := d.signals[id]
	if !ok {
		return
	}
	delete(d.signals, id)
	if sig.Dir == DirInput {
		d.Dev.NumInputs--
	} else {
		d.Dev.NumOutputs--
	}
	d.graph.RemoveSignal(id, mtime.FromTime(d.clock.Now()))
	d.sendBus(signalRemovedMessage(d.Dev, sig))
}

// SetValue routes a local value update through this signal (spec §4.7
// set_value followed immediately by §4.9 route()).
func (d *LocalDevice) SetValue(sigID ID, userID ID, value []float64) error {
	sig, ok := d.signals[sigID]
	if !ok {
		return fmt.Errorf("mapper: unknown signal %x", uint64(sigID))
	}
	inst, ok := sig.SetValue(userID, value, mtime.Now)
	if !ok {
		if d.metrics != nil {
			d.metrics.Overflows.Inc()
		}
		return fmt.Errorf("mapper: signal %q instance pool overflow", sig.Name)
	}
	if d.metrics != nil {
		d.metrics.Dispatched.Inc()
	}
	return d.router.Route(sig, inst, value, false, mtime.FromTime(d.clock.Now()))
}

// Release implements release_inst followed by route() carrying the
// release downstream (spec §4.7, §4.9).
func (d *LocalDevice) Release(sigID ID, userID ID) error {
	sig, ok := d.signals[sigID]
	if !ok {
		return fmt.Errorf("mapper: unknown signal %x", uint64(sigID))
	}
	inst, ok := sig.ReleaseInstance(userID, false, mtime.FromTime(d.clock.Now()))
	if !ok {
		return nil
	}
	return d.router.Route(sig, inst, nil, true, mtime.FromTime(d.clock.Now()))
}

// Poll implements spec §4.10 poll(block_ms): drain the network layer
// for at most blockMs, dispatching each message with its bundle time as
// the current time. Returns the count of messages dispatched.
func (d *LocalDevice) Poll(blockMs time.Duration) int {
	deadline := d.clock.Now().Add(blockMs)
	dispatched := 0
	for d.clock.Now().Before(deadline) {
		select {
		case pkt, ok := <-d.bus.Packets():
			if !ok {
				return dispatched
			}
			host := ""
			if pkt.Addr != nil {
				host = pkt.Addr.IP.String()
			}
			d.dispatchAdmin(pkt.Data, host, mtime.FromTime(d.clock.Now()))
			dispatched++
		case frame, ok := <-d.mesh.Inbox():
			if !ok {
				return dispatched
			}
			d.dispatchAdmin(frame.Data, "", mtime.FromTime(d.clock.Now()))
			dispatched++
		case data, ok := <-d.dataServer.Inbox():
			if !ok {
				return dispatched
			}
			d.dispatchData(data, mtime.FromTime(d.clock.Now()))
			dispatched++
		default:
			return dispatched
		}
	}
	return dispatched
}

// UpdateMaps implements spec §4.10 update_maps().
func (d *LocalDevice) UpdateMaps() {
	d.router.UpdateMaps(d.graph.Maps(), mtime.FromTime(d.clock.Now()))
}

// StartPolling launches the single background poll thread permitted per
// device (spec §4.10).
func (d *LocalDevice) StartPolling(period time.Duration) {
	if d.pollRunning {
		return
	}
	d.pollRunning = true
	d.pollQuit = make(chan struct{})
	d.pollWg.Add(1)
	go func() {
		defer d.pollWg.Done()
		ticker := d.clock.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-d.pollQuit:
				return
			case <-ticker.Chan():
				d.Poll(period)
				d.UpdateMaps()
			}
		}
	}()
}

// StopPolling stops the background poll thread started by StartPolling.
func (d *LocalDevice) StopPolling() {
	if !d.pollRunning {
		return
	}
	close(d.pollQuit)
	d.pollWg.Wait()
	d.pollRunning = false
}

// Events returns the channel of device-scoped graph events.
func (d *LocalDevice) Events() <-chan DeviceEvent { return d.events }

// Close tears down the actor loop and every network resource.
func (d *LocalDevice) Close() error {
	d.StopPolling()
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
	d.wg.Wait()
	d.sendBus(logoutMessage(d.Dev))
	d.mesh.Close()
	d.bus.Close()
	d.dataServer.Close()
	if d.graph != nil {
		d.graph.Close()
	}
	return nil
}

func (d *LocalDevice) actorLoop(every time.Duration) {
	defer d.wg.Done()
	heartbeat := d.clock.NewTicker(every)
	defer heartbeat.Stop()
	for {
		select {
		case <-d.quit:
			return
		case cmd := <-d.commands:
			d.handleCommand(cmd)
		case <-heartbeat.Chan():
			d.sendBus(syncMessage(d.Dev))
			d.housekeep()
		}
	}
}

func (d *LocalDevice) handleCommand(cmd command) {
	switch cmd.kind {
	case "addMap":
		d.graph.AddMap(cmd.mapv, mtime.FromTime(d.clock.Now()))
		cmd.mapv.Status = MapActive
	}
	if cmd.reply != nil {
		cmd.reply <- nil
	}
}

// sendBus broadcasts an already-encoded admin payload. Failures are
// logged, not surfaced, per spec §7 (local recoverables are silent).
func (d *LocalDevice) sendBus(data []byte) {
	if err := d.bus.Send(data); err != nil {
		d.log.WithError(err).Debug("bus send failed")
	}
}

// SendUpdate implements the Sender interface the Router uses to deliver
// a routed value to a remote device's data server (spec §4.9 step 2).
func (d *LocalDevice) SendUpdate(dest *Slot, destInstID ID, srcSlotIndex int, value []float64, release bool, t mtime.Tag) error {
	if dest.SignalRef == nil || dest.SignalRef.Device == nil {
		return fmt.Errorf("mapper: destination slot has no resolved signal")
	}
	msg := signalUpdateMessage(dest.SignalRef, destInstID, srcSlotIndex, value, release, t)
	destDev := dest.SignalRef.Device
	if dest.MapRef.Protocol == ProtocolTCP {
		return d.dataServer.SendTCP(destDev.Host, destDev.DataPort, msg)
	}
	return d.dataServer.SendUDP(destDev.Host, destDev.DataPort, msg)
}
