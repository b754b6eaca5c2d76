package mapper

import (
	"fmt"

	"github.com/libmapper/go-mapper/internal/expr"
)

// MaxSources is the maximum number of source slots a Map may have
// (spec §4.8: "1 <= num_src <= 8").
const MaxSources = 8

// Map binds one or more source signals to a destination signal through
// a compiled expression (spec §3 "Map", §4.8).
type Map struct {
	Object

	Sources     []*Slot
	Destination *Slot
	Scopes      map[ID]bool

	ExprSrc    string
	ProcessLoc ProcessLoc
	Protocol   Protocol
	Muted      bool
	UseInst    bool
	Status     MapStatus

	ExprCompiled expr.Expr
	ExprVars     map[ID]expr.VarState // keyed by destination instance id

	// updatedInst tracks, per source slot index, which destination
	// instance ids have pending dst-processed data awaiting the next
	// update_maps() pass (spec §4.9, §4.10).
	updatedInst map[int]map[ID]bool

	IsLocalOnly bool
	OneSrc      bool

	stagedTicks int
}

// NewMap validates arity and constructs a Map with default
// process-location rules from spec §4.8: Src when there's exactly one
// source, Dst otherwise.
func NewMap(id ID, sources []*Slot, dest *Slot, exprSrc string, engine expr.Engine) (*Map, error) {
	if len(sources) < 1 || len(sources) > MaxSources {
		return nil, fmt.Errorf("mapper: map requires 1..%d sources, got %d", MaxSources, len(sources))
	}
	if dest == nil {
		return nil, fmt.Errorf("mapper: map requires a destination slot")
	}
	oneSrc := len(sources) == 1

	m := &Map{
		Object:      newObject(id, KindMap, dest.IsLocal() && allLocal(sources)),
		Sources:     sources,
		Destination: dest,
		Scopes:      make(map[ID]bool),
		ExprSrc:     exprSrc,
		OneSrc:      oneSrc,
		updatedInst: make(map[int]map[ID]bool),
	}
	if oneSrc {
		m.ProcessLoc = ProcessSrc
	} else {
		m.ProcessLoc = ProcessDst
	}
	m.IsLocalOnly = allLocal(sources) && dest.IsLocal()

	for i, s := range sources {
		s.MapRef = m
		s.SlotIndex = i
		s.Dir = DirOutput
		s.CausesUpdate = true
	}
	dest.MapRef = m
	dest.SlotIndex = len(sources)
	dest.Dir = DirInput
	dest.CausesUpdate = true

	if exprSrc == "" {
		exprSrc = defaultExprSrc(len(sources))
		m.ExprSrc = exprSrc
	}
	if engine != nil {
		compiled, err := engine.Compile(exprSrc, len(sources))
		if err != nil {
			return nil, fmt.Errorf("mapper: compile expression %q: %w", exprSrc, err)
		}
		m.ExprCompiled = compiled
	}
	m.ExprVars = make(map[ID]expr.VarState)
	return m, nil
}

func allLocal(slots []*Slot) bool {
	for _, s := range slots {
		if !s.IsLocal() {
			return false
		}
	}
	return true
}

func defaultExprSrc(numSrc int) string {
	if numSrc <= 1 {
		return "y = x"
	}
	out := "y = x0"
	for i := 1; i < numSrc; i++ {
		out += fmt.Sprintf(" + x%d", i)
	}
	return out
}

// AddScope adds dev to the set of devices permitted to cross this map
// with instance-tagged updates (spec §4.8, §8 testable property 6).
func (m *Map) AddScope(devID ID) { m.Scopes[devID] = true }

// RemoveScope removes dev from the map's scope set.
func (m *Map) RemoveScope(devID ID) { delete(m.Scopes, devID) }

// InScope reports whether devID is permitted to route through m. An
// empty scope set means unrestricted (every device is in scope), which
// matches the teacher's "absence of restriction" convention for
// optional filter sets.
func (m *Map) InScope(devID ID) bool {
	if len(m.Scopes) == 0 {
		return true
	}
	return m.Scopes[devID]
}

// markUpdated records that a dst-processed map received new data on a
// source slot for a given destination-side instance id, to be consumed
// by the next update_maps() pass (spec §4.9, §4.10).
func (m *Map) markUpdated(slotIdx int, destInstID ID) {
	set, ok := m.updatedInst[slotIdx]
	if !ok {
		set = make(map[ID]bool)
		m.updatedInst[slotIdx] = set
	}
	set[destInstID] = true
}

// pendingInstances returns the set of destination instance ids with
// any pending dst-processed update across all source slots.
func (m *Map) pendingInstances() []ID {
	seen := make(map[ID]bool)
	for _, set := range m.updatedInst {
		for id := range set {
			seen[id] = true
		}
	}
	out := make([]ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func (m *Map) clearUpdated(destInstID ID) {
	for _, set := range m.updatedInst {
		delete(set, destInstID)
	}
}
