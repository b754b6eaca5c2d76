package mapper

import "github.com/libmapper/go-mapper/mtime"

// GraphEvent is the verdict passed to graph callbacks (spec §4.4).
type GraphEvent int

const (
	EventNew GraphEvent = iota
	EventMod
	EventRem
	EventExp
)

func (e GraphEvent) String() string {
	switch e {
	case EventNew:
		return "new"
	case EventMod:
		return "mod"
	case EventRem:
		return "rem"
	case EventExp:
		return "exp"
	default:
		return "unknown"
	}
}

// ObjectTypeMask selects which graph record kinds a callback or
// subscription cares about (spec §4.4, §4.6).
type ObjectTypeMask uint8

const (
	MaskDevices ObjectTypeMask = 1 << iota
	MaskSignals
	MaskMaps
	MaskAll = MaskDevices | MaskSignals | MaskMaps
)

// GraphCallback is invoked on New/Mod/Rem/Exp transitions of any graph
// record matching its type mask.
type GraphCallback func(kind Kind, id ID, evt GraphEvent, t mtime.Tag)

type callbackRecord struct {
	fn   GraphCallback
	mask ObjectTypeMask
}
