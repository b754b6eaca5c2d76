package mapper

import (
	"strconv"

	"github.com/libmapper/go-mapper/mtime"
	"github.com/libmapper/go-mapper/proptable"
)

// Kind tags the concrete type behind an Object handle, replacing the
// teacher's compile-time socket/peer distinction with the graph-level
// tagged union spec §9 calls for ("Opaque object polymorphism").
type Kind int

const (
	KindDevice Kind = iota
	KindSignal
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindSignal:
		return "signal"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Object is the common header every long-lived graph entity embeds
// (spec §3 "Object"). version increments on any local mutation and
// drives delta replication through PropTable.AddToMsg.
type Object struct {
	ID      ID
	Kind    Kind
	Version uint32
	IsLocal bool
	Props   *proptable.Table
}

func newObject(id ID, kind Kind, isLocal bool) Object {
	return Object{ID: id, Kind: kind, IsLocal: isLocal, Props: proptable.New()}
}

// Touch bumps the object's version, marking it dirty for replication.
func (o *Object) Touch() {
	o.Version++
}

// Device is a graph-level device record (spec §3 "Device"). Both local
// devices (driven by a LocalDevice actor) and remote devices (learned
// over the bus) are represented uniformly here; IsLocal distinguishes
// them, mirroring the teacher's single peer struct used for both the
// local node's self-view and remote peers.
type Device struct {
	Object

	NameStem  string
	Ordinal   uint32
	Host      string
	AdminPort int
	DataPort  int
	IsReady   bool
	Synced    mtime.Tag

	NumInputs  int
	NumOutputs int
}

// Name is the device's full public name, "<stem>.<ordinal>".
func (d *Device) Name() string {
	return nameWithOrdinal(d.NameStem, d.Ordinal)
}

func nameWithOrdinal(stem string, ordinal uint32) string {
	if ordinal == 0 {
		return stem
	}
	return stem + "." + strconv.FormatUint(uint64(ordinal), 10)
}
