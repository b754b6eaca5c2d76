// admin.go builds and dispatches the OSC admin vocabulary: it builds
// /name/probe, /name/registered, /logout, /sync, /subscribe,
// /<dev>/signal and /<dev>/signal/removed, plus data-port signal updates
// carrying "@in"/"@sl" tails; it dispatches /name/probe, /sync, /logout,
// /subscribe, /map, /mapped, /unmap and /<dev>/signal.
package mapper

import (
	"fmt"
	"strings"

	"github.com/libmapper/go-mapper/internal/osc"
	"github.com/libmapper/go-mapper/mtime"
)

func encodeOrNil(m *osc.Message) []byte {
	b, err := osc.EncodeMessage(m)
	if err != nil {
		return nil
	}
	return b
}

func probeMessage(nameStem string, ordinal, tiebreak uint32) []byte {
	return encodeOrNil(&osc.Message{
		Address: "/name/probe",
		Args: []osc.Arg{
			osc.StringArg(nameWithOrdinal(nameStem, ordinal)),
			osc.Int32Arg(int32(tiebreak)),
		},
	})
}

// isProbeCollision reports whether incoming data is a /name/probe for
// the same candidate name with a tiebreak that beats ours (spec §4.6:
// back off on collision).
func isProbeCollision(data []byte, nameStem string, ordinal, tiebreak uint32) bool {
	m, err := osc.DecodeMessage(data)
	if err != nil || m.Address != "/name/probe" || len(m.Args) < 2 {
		return false
	}
	if m.Args[0].S != nameWithOrdinal(nameStem, ordinal) {
		return false
	}
	return m.Args[1].I >= int32(tiebreak)
}

func registeredMessage(dev *Device) []byte {
	return encodeOrNil(&osc.Message{
		Address: "/name/registered",
		Args: []osc.Arg{
			osc.StringArg(dev.Name()),
			osc.Int64Arg(int64(dev.ID)),
		},
	})
}

func logoutMessage(dev *Device) []byte {
	return encodeOrNil(&osc.Message{Address: "/logout", Args: []osc.Arg{osc.StringArg(dev.Name())}})
}

func syncMessage(dev *Device) []byte {
	return encodeOrNil(&osc.Message{
		Address: "/sync",
		Args: []osc.Arg{
			osc.StringArg(dev.Name()),
			osc.Int32Arg(int32(dev.NumInputs)),
			osc.Int32Arg(int32(dev.NumOutputs)),
			osc.Int32Arg(int32(dev.AdminPort)),
		},
	})
}

func signalMessage(dev *Device, sig *Signal) []byte {
	return encodeOrNil(&osc.Message{
		Address: "/" + dev.Name() + "/signal",
		Args: []osc.Arg{
			osc.StringArg(sig.Name),
			osc.StringArg(sig.Dir.String()),
			osc.Int32Arg(int32(sig.VecLen)),
		},
	})
}

func signalRemovedMessage(dev *Device, sig *Signal) []byte {
	return encodeOrNil(&osc.Message{
		Address: "/" + dev.Name() + "/signal/removed",
		Args:    []osc.Arg{osc.StringArg(sig.Name)},
	})
}

func subscribeMessage(addr string, mask ObjectTypeMask) []byte {
	return encodeOrNil(&osc.Message{
		Address: "/subscribe",
		Args:    []osc.Arg{osc.StringArg(addr), osc.Int32Arg(int32(mask))},
	})
}

// signalUpdateMessage builds a data-port OSC message: the signal path
// (no device name), the typed value vector or all-Nil for a release,
// and optional "@in"/"@sl" tails (spec §6). srcSlotIndex >= 0 emits an
// "@sl" tail identifying which source slot of a Dst-processed convergent
// map this raw (unevaluated) forward belongs to; pass -1 to omit it.
func signalUpdateMessage(sig *Signal, destInstID ID, srcSlotIndex int, value []float64, release bool, t mtime.Tag) []byte {
	args := make([]osc.Arg, 0, sig.VecLen+4)
	if release {
		for i := 0; i < sig.VecLen; i++ {
			args = append(args, osc.NilArg())
		}
	} else {
		for i := 0; i < sig.VecLen && i < len(value); i++ {
			args = append(args, typedArg(sig.Type, value[i]))
		}
	}
	if sig.UseInst {
		args = append(args, osc.StringArg("@in"), osc.Int64Arg(int64(destInstID)))
	}
	if srcSlotIndex >= 0 {
		args = append(args, osc.StringArg("@sl"), osc.Int32Arg(int32(srcSlotIndex)))
	}
	m := &osc.Message{Address: "/" + sig.Name, Args: args}
	b, err := osc.EncodeMessage(m)
	if err != nil {
		return nil
	}
	bundle, err := osc.EncodeBundle(&osc.Bundle{Time: t, Messages: []*osc.Message{m}})
	if err != nil {
		return b
	}
	return bundle
}

func typedArg(t ValueType, v float64) osc.Arg {
	switch t {
	case TypeInt32:
		return osc.Int32Arg(int32(v))
	case TypeFloat64:
		return osc.Float64Arg(v)
	default:
		return osc.Float32Arg(float32(v))
	}
}

// dispatchAdmin parses and handles one admin-bus/mesh message (spec
// §4.5 method vocabulary). Malformed or unrecognised messages are
// dropped silently (spec §7 BadMessage). host is the sender's bus
// address when known (empty for frames arriving over the mesh, whose
// sender is already connected).
func (d *LocalDevice) dispatchAdmin(data []byte, host string, bundleTime mtime.Tag) {
	msgs, err := osc.Decode(data)
	if err != nil {
		return
	}
	for _, m := range msgs {
		d.dispatchAdminMessage(m, host, bundleTime)
	}
}

func (d *LocalDevice) dispatchAdminMessage(m *osc.Message, host string, t mtime.Tag) {
	switch {
	case m.Address == "/name/probe":
		if len(m.Args) >= 2 && m.Args[0].S == d.Dev.Name() {
			d.sendBus(registeredMessage(d.Dev))
		}
	case m.Address == "/sync":
		if len(m.Args) >= 1 {
			d.noteRemoteSync(m.Args[0].S, host, m.Args, t)
		}
	case m.Address == "/logout":
		if len(m.Args) >= 1 {
			d.forgetRemote(m.Args[0].S, t)
		}
	case m.Address == "/subscribe":
		// Incoming /subscribe requests are ignored: no subscriber is
		// recorded and nothing is sent in reply. Outgoing subscriptions
		// are made by Graph.Subscribe on the caller's side.
	case m.Address == "/map":
		d.handleMapProposal(m, t)
	case m.Address == "/mapped":
		d.handleMapAck(m, t)
	case m.Address == "/unmap":
		d.handleUnmap(m, t)
	case strings.HasSuffix(m.Address, "/signal"):
		d.noteRemoteSignal(m.Address, m, t)
	}
}

// handleMapProposal accepts an incoming /map whose destination resolves
// to one of this device's signals, building the slot/expression state
// exactly as Connect does for a local map, then acks with /mapped (spec
// §4.8: "destination device... stages and acknowledges").
func (d *LocalDevice) handleMapProposal(m *osc.Message, t mtime.Tag) {
	if len(m.Args) < 3 {
		return
	}
	destPath := m.Args[0].S
	destSig := d.signalByPath(destPath)
	if destSig == nil {
		return
	}
	var exprSrc string
	srcPaths := []string{}
	for i := 1; i < len(m.Args); i++ {
		if m.Args[i].Tag == 's' && m.Args[i].S == "@expr" && i+1 < len(m.Args) {
			exprSrc = m.Args[i+1].S
			i++
			continue
		}
		srcPaths = append(srcPaths, m.Args[i].S)
	}
	if len(srcPaths) == 0 || len(srcPaths) > MaxSources {
		return
	}

	srcArgs := make([]osc.Arg, len(srcPaths))
	for i, p := range srcPaths {
		srcArgs[i] = osc.StringArg(p)
	}
	for _, existing := range d.graph.Maps() {
		if mapMatchesPaths(existing, destPath, srcArgs) {
			existing.Touch()
			d.sendBus(encodeOrNil(&osc.Message{Address: "/mapped", Args: []osc.Arg{osc.Int64Arg(int64(existing.ID))}}))
			return
		}
	}

	srcSlots := make([]*Slot, len(srcPaths))
	for i, p := range srcPaths {
		devName := pathDeviceName(p)
		sigName := pathLastSegment(p)
		sigID := DeviceIDFromName(devName + sigName)
		sig, ok := d.graph.Signal(sigID)
		if !ok {
			devID := DeviceIDFromName(devName)
			srcDev, devOK := d.graph.Device(devID)
			if !devOK {
				srcDev = &Device{Object: newObject(devID, KindDevice, false), NameStem: devName}
				srcDev = d.graph.AddDevice(srcDev, t)
			}
			sig = NewSignal(sigID, srcDev, sigName, DirOutput, destSig.VecLen, destSig.Type, 1, nil, nil)
			d.graph.AddSignal(sig, t)
		}
		srcSlots[i] = NewSlot(nil, sig, i, DirOutput, 1)
	}
	destSlot := NewSlot(nil, destSig, len(srcSlots), DirInput, 1)

	id := d.counter.Next()
	mp, err := NewMap(id, srcSlots, destSlot, exprSrc, d.engine)
	if err != nil {
		return
	}
	registerIncoming(destSig, mp, srcSlots, destSlot)
	mp.Status = MapActive
	d.graph.AddMap(mp, t)
	d.sendBus(encodeOrNil(&osc.Message{Address: "/mapped", Args: []osc.Arg{osc.Int64Arg(int64(mp.ID))}}))
}

func (d *LocalDevice) handleMapAck(m *osc.Message, t mtime.Tag) {
	if len(m.Args) < 1 {
		return
	}
	id := ID(m.Args[0].H)
	if mp, ok := d.graph.Map(id); ok {
		mp.Status = MapActive
	}
}

// handleUnmap tears down the local copy of a map its peer released,
// matching by endpoint signal paths since a map's locally-assigned id
// is never shared across devices (spec's unmap operation, exercised by
// the original's testremap.c/testunmap.c).
func (d *LocalDevice) handleUnmap(m *osc.Message, t mtime.Tag) {
	if len(m.Args) < 2 {
		return
	}
	destPath := m.Args[0].S
	srcPaths := m.Args[1:]
	for _, mp := range d.graph.Maps() {
		if mapMatchesPaths(mp, destPath, srcPaths) {
			d.graph.RemoveMap(mp.ID, t)
			return
		}
	}
}

func mapMatchesPaths(m *Map, destPath string, srcArgs []osc.Arg) bool {
	if m.Destination == nil || signalPath(m.Destination.SignalRef) != destPath {
		return false
	}
	if len(m.Sources) != len(srcArgs) {
		return false
	}
	for i, s := range m.Sources {
		if signalPath(s.SignalRef) != srcArgs[i].S {
			return false
		}
	}
	return true
}

// registerIncoming wires destSig's IncomingSlots for m: a Dst-processed
// map registers each source slot individually, since raw forwards carry
// an "@sl" tail identifying which one they belong to; a Src-processed
// map (always single-source) registers the shared destination slot,
// since what arrives over the wire is already the evaluated value.
func registerIncoming(destSig *Signal, m *Map, srcSlots []*Slot, destSlot *Slot) {
	if m.ProcessLoc == ProcessDst {
		destSig.IncomingSlots = append(destSig.IncomingSlots, srcSlots...)
		return
	}
	destSig.IncomingSlots = append(destSig.IncomingSlots, destSlot)
}

func (d *LocalDevice) signalByPath(path string) *Signal {
	for _, s := range d.signals {
		if signalPath(s) == path {
			return s
		}
	}
	return nil
}

func pathDeviceName(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		return path[:i]
	}
	return path
}

func pathLastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// noteRemoteSync records (or refreshes) a remote device learned from a
// /sync broadcast and, the first time its admin endpoint becomes known,
// opens a mesh connection to it (spec §4.6 item 4: peers connect once
// discovered, not on every sync).
func (d *LocalDevice) noteRemoteSync(name, host string, args []osc.Arg, t mtime.Tag) {
	id := DeviceIDFromName(name)
	dev, ok := d.graph.Device(id)
	wasConnected := ok && dev.Host != ""
	if !ok {
		dev = &Device{Object: newObject(id, KindDevice, false), NameStem: name}
	}
	if host != "" {
		dev.Host = host
	}
	if len(args) >= 4 {
		dev.AdminPort = int(args[3].I)
	}
	dev = d.graph.AddDevice(dev, t)

	if !wasConnected && dev.Host != "" && dev.AdminPort != 0 && id != d.Dev.ID {
		identity := fmt.Sprintf("%x", uint64(id))
		endpoint := fmt.Sprintf("tcp://%s:%d", dev.Host, dev.AdminPort)
		if err := d.mesh.Connect(identity, endpoint); err == nil {
			d.peers[identity] = &peerConn{identity: identity, endpoint: endpoint, connected: true, lastSeen: d.clock.Now()}
		}
	}
}

func (d *LocalDevice) forgetRemote(name string, t mtime.Tag) {
	id := DeviceIDFromName(name)
	d.graph.RemoveDevice(id, EventRem, t)
	d.mesh.Disconnect(fmt.Sprintf("%x", uint64(id)))
	delete(d.peers, fmt.Sprintf("%x", uint64(id)))
}

func (d *LocalDevice) noteRemoteSignal(addr string, m *osc.Message, t mtime.Tag) {
	// addr is "/<dev>/signal"; the device name is everything before the
	// trailing "/signal" segment.
	devName := strings.TrimSuffix(strings.TrimPrefix(addr, "/"), "/signal")
	devID := DeviceIDFromName(devName)
	dev, ok := d.graph.Device(devID)
	if !ok {
		dev = &Device{Object: newObject(devID, KindDevice, false), NameStem: devName}
		dev = d.graph.AddDevice(dev, t)
	}
	if len(m.Args) < 1 {
		return
	}
	sigName := m.Args[0].S
	sigID := DeviceIDFromName(devName + sigName)
	sig := NewSignal(sigID, dev, sigName, DirInput, 1, TypeFloat32, 1, nil, nil)
	d.graph.AddSignal(sig, t)
}

// dispatchData handles an incoming data-port bundle/message: resolves
// the id-map and hands off to the Router's incoming path for every
// matching incoming slot (spec §4.9 symmetric incoming path).
func (d *LocalDevice) dispatchData(data []byte, bundleTime mtime.Tag) {
	t := bundleTime
	if osc.IsBundle(data) {
		b, err := osc.DecodeBundle(data)
		if err != nil {
			return
		}
		if !b.Time.IsNow() {
			t = b.Time
		}
		for _, m := range b.Messages {
			d.dispatchDataMessage(m, t)
		}
		return
	}
	m, err := osc.DecodeMessage(data)
	if err != nil {
		return
	}
	d.dispatchDataMessage(m, t)
}

func (d *LocalDevice) dispatchDataMessage(m *osc.Message, t mtime.Tag) {
	path := strings.TrimPrefix(m.Address, "/")
	var sig *Signal
	for _, s := range d.signals {
		if s.Name == path {
			sig = s
			break
		}
	}
	if sig == nil {
		return
	}

	var globalID ID
	slotIdx := -1
	var typedArgs []osc.Arg
	for i := 0; i < len(m.Args); i++ {
		if m.Args[i].Tag == 's' && m.Args[i].S == "@in" && i+1 < len(m.Args) {
			globalID = ID(m.Args[i+1].H)
			i++
			continue
		}
		if m.Args[i].Tag == 's' && m.Args[i].S == "@sl" && i+1 < len(m.Args) {
			slotIdx = int(m.Args[i+1].I)
			i++
			continue
		}
		typedArgs = append(typedArgs, m.Args[i])
	}

	release := len(typedArgs) > 0
	for _, a := range typedArgs {
		if !a.IsNil() {
			release = false
			break
		}
	}
	value := make([]float64, 0, len(typedArgs))
	for _, a := range typedArgs {
		value = append(value, argFloat(a))
	}

	// An "@sl" tail pins this update to the one source slot it was
	// forwarded from (spec §6): a convergent Dst-processed map keeps a
	// separate incoming ring per source, and writing into the wrong one
	// would corrupt that source's pending value. With no tail (a
	// single-source map, or an already-evaluated Src-processed result)
	// every registered slot is the intended target.
	for _, slot := range sig.IncomingSlots {
		if slotIdx >= 0 && slot.SlotIndex != slotIdx {
			continue
		}
		_ = d.router.HandleIncoming(slot, globalID, value, release, t)
	}
}

func argFloat(a osc.Arg) float64 {
	switch a.Tag {
	case 'i':
		return float64(a.I)
	case 'h':
		return float64(a.H)
	case 'f':
		return float64(a.F)
	case 'd':
		return a.D
	default:
		return 0
	}
}
