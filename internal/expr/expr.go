// Package expr defines the expression-engine collaborator boundary named
// in spec §2.11/§9 and ships a minimal reference evaluator. The real
// libmapper expression language (a small compiled DSL with its own
// byte-code VM) is explicitly out of scope for this spec — no such
// parser exists anywhere in the retrieval pack — so Engine/Expr is kept
// as a narrow, swappable interface and ReferenceEngine implements just
// enough of it (identity, N-ary sum and constant scale expressions) to drive the
// round-trip and convergent-map scenarios in spec §8.
package expr

import (
	"fmt"
	"strings"

	"github.com/libmapper/go-mapper/mtime"
	"github.com/libmapper/go-mapper/valring"
)

// EvalStatus is the verdict an expression evaluation hands back to the
// router (spec §9).
type EvalStatus int

const (
	Updated EvalStatus = iota
	ReleaseBefore
	ReleaseAfter
	Muted
)

func (s EvalStatus) String() string {
	switch s {
	case Updated:
		return "updated"
	case ReleaseBefore:
		return "release_before"
	case ReleaseAfter:
		return "release_after"
	case Muted:
		return "muted"
	default:
		return "unknown"
	}
}

// InputWindow gives an expression read access to one source slot's value
// history for a single instance.
type InputWindow struct {
	Ring *valring.Ring
	Inst int
}

// At returns the vector histIdx frames back (0 = most recent).
func (w InputWindow) At(histIdx int) ([]float64, bool) {
	v, _, ok := w.Ring.Get(w.Inst, histIdx)
	return v, ok
}

// OutputWindow gives an expression write access to the destination
// slot's value history for a single instance.
type OutputWindow struct {
	Ring *valring.Ring
	Inst int
}

// Write appends a new frame to the output window.
func (w OutputWindow) Write(v []float64, t mtime.Tag) {
	w.Ring.SetNext(w.Inst, v, t)
}

// VarState is per-instance persistent variable storage threaded through
// successive Eval calls for the same map instance.
type VarState map[string]float64

// Expr is a compiled expression: an opaque object the router drives
// without ever inspecting its internals (spec §9).
type Expr interface {
	// NumInputSlots returns how many source slots this expression reads.
	NumInputSlots() int
	// HistoryDepth returns how many frames of history slot idx's ring
	// must retain to satisfy this expression.
	HistoryDepth(slotIdx int) int
	// NumVars returns the count of persistent per-instance variables.
	NumVars() int
	// ManagesInst reports whether the expression itself decides
	// instance lifetime (e.g. issuing releases) rather than the router.
	ManagesInst() bool
	// Eval evaluates the expression for one instance.
	Eval(vars VarState, inputs []InputWindow, output OutputWindow, t mtime.Tag) (EvalStatus, error)
}

// Engine compiles expression source against a declared input arity.
type Engine interface {
	Compile(src string, numInputs int) (Expr, error)
}

// identityExpr implements "y = x": the one-source passthrough default.
type identityExpr struct{}

func (identityExpr) NumInputSlots() int            { return 1 }
func (identityExpr) HistoryDepth(slotIdx int) int  { return 1 }
func (identityExpr) NumVars() int                  { return 0 }
func (identityExpr) ManagesInst() bool             { return false }
func (identityExpr) Eval(_ VarState, inputs []InputWindow, output OutputWindow, t mtime.Tag) (EvalStatus, error) {
	if len(inputs) != 1 {
		return Muted, fmt.Errorf("expr: identity expects 1 input, got %d", len(inputs))
	}
	v, ok := inputs[0].At(0)
	if !ok {
		return Muted, nil
	}
	output.Write(v, t)
	return Updated, nil
}

// sumExpr implements "y = x0 + x1 + ... + x{n-1}", the convergent-map
// default (spec §4.9, §8 scenario S3).
type sumExpr struct {
	n int
}

func (s sumExpr) NumInputSlots() int           { return s.n }
func (s sumExpr) HistoryDepth(slotIdx int) int { return 1 }
func (s sumExpr) NumVars() int                 { return 0 }
func (s sumExpr) ManagesInst() bool            { return false }
func (s sumExpr) Eval(_ VarState, inputs []InputWindow, output OutputWindow, t mtime.Tag) (EvalStatus, error) {
	if len(inputs) != s.n {
		return Muted, fmt.Errorf("expr: sum expects %d inputs, got %d", s.n, len(inputs))
	}
	var vecLen int
	var sum []float64
	haveAny := false
	for _, in := range inputs {
		v, ok := in.At(0)
		if !ok {
			v = nil
		} else {
			haveAny = true
		}
		if vecLen == 0 {
			vecLen = len(v)
		}
		if sum == nil {
			sum = make([]float64, vecLen)
		}
		for i := 0; i < len(v) && i < len(sum); i++ {
			sum[i] += v[i]
		}
	}
	if !haveAny {
		return Muted, nil
	}
	output.Write(sum, t)
	return Updated, nil
}

// scaleExpr implements "y = x * k" for a constant k, used to model the
// linear range-conversion default libmapper installs between two ranged
// signals (spec §8 scenario S1: out[0,10] -> in[0,1] maps via y = x/10).
type scaleExpr struct {
	scale float64
	bias  float64
}

func (s scaleExpr) NumInputSlots() int           { return 1 }
func (s scaleExpr) HistoryDepth(slotIdx int) int { return 1 }
func (s scaleExpr) NumVars() int                 { return 0 }
func (s scaleExpr) ManagesInst() bool            { return false }
func (s scaleExpr) Eval(_ VarState, inputs []InputWindow, output OutputWindow, t mtime.Tag) (EvalStatus, error) {
	v, ok := inputs[0].At(0)
	if !ok {
		return Muted, nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x*s.scale + s.bias
	}
	output.Write(out, t)
	return Updated, nil
}

// ReferenceEngine is the default in-repo Engine. It recognises:
//
//	"y = x"                    identity, 1 input
//	"y = x0 + x1 + ... + xN"   N-ary sum, convergent maps
//	"y = x * <k>" / "y = x / <k>"  constant linear scale
//
// Anything else is rejected — production deployments plug in the real
// expression compiler behind the same Engine interface.
type ReferenceEngine struct{}

func (ReferenceEngine) Compile(src string, numInputs int) (Expr, error) {
	rhs, ok := splitAssignment(src)
	if !ok {
		return nil, fmt.Errorf("expr: expected form \"y = ...\", got %q", src)
	}
	rhs = strings.TrimSpace(rhs)

	if rhs == "x" && numInputs == 1 {
		return identityExpr{}, nil
	}
	if strings.Contains(rhs, "+") {
		terms := strings.Split(rhs, "+")
		if len(terms) == numInputs && allSlotTerms(terms) {
			return sumExpr{n: numInputs}, nil
		}
	}
	if numInputs == 1 {
		if k, bias, ok := parseScale(rhs); ok {
			return scaleExpr{scale: k, bias: bias}, nil
		}
	}
	return nil, fmt.Errorf("expr: unsupported expression %q for %d input(s)", src, numInputs)
}

func splitAssignment(src string) (string, bool) {
	parts := strings.SplitN(src, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) != "y" {
		return "", false
	}
	return parts[1], true
}

func allSlotTerms(terms []string) bool {
	for i, term := range terms {
		term = strings.TrimSpace(term)
		want := fmt.Sprintf("x%d", i)
		if i == 0 && term == "x" {
			continue
		}
		if term != want {
			return false
		}
	}
	return true
}

func parseScale(rhs string) (scale, bias float64, ok bool) {
	rhs = strings.ReplaceAll(strings.TrimSpace(rhs), " ", "")
	switch {
	case strings.HasPrefix(rhs, "x*"):
		var k float64
		if _, err := fmt.Sscanf(rhs, "x*%g", &k); err == nil {
			return k, 0, true
		}
	case strings.HasPrefix(rhs, "x/"):
		var k float64
		if _, err := fmt.Sscanf(rhs, "x/%g", &k); err == nil && k != 0 {
			return 1 / k, 0, true
		}
	}
	return 0, 0, false
}
