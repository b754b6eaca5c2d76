package proptable

import (
	"fmt"

	"github.com/libmapper/go-mapper/mtime"
)

// Kind is the dynamic type tag of a property Value (spec §9: "Dynamic-typed
// property values... a small sum type").
type Kind int

const (
	KindInt32 Kind = iota
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindString
	KindTime
	KindTypeTag
	KindBytes
	KindObjectRef
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "i32"
	case KindInt64:
		return "i64"
	case KindFloat32:
		return "f32"
	case KindFloat64:
		return "f64"
	case KindBool:
		return "bool"
	case KindString:
		return "str"
	case KindTime:
		return "time"
	case KindTypeTag:
		return "type_tag"
	case KindBytes:
		return "bytes"
	case KindObjectRef:
		return "object_ref"
	case KindList:
		return "list_ref"
	default:
		return "unknown"
	}
}

// Value is a discriminated union holding exactly one of the property
// value kinds above.
type Value struct {
	Kind      Kind
	I32       int32
	I64       int64
	F32       float32
	F64       float64
	Bool      bool
	Str       string
	Time      mtime.Tag
	TypeTag   byte
	Bytes     []byte
	ObjectRef uint64
	List      []Value
}

func Int32(v int32) Value      { return Value{Kind: KindInt32, I32: v} }
func Int64(v int64) Value      { return Value{Kind: KindInt64, I64: v} }
func Float32(v float32) Value  { return Value{Kind: KindFloat32, F32: v} }
func Float64(v float64) Value  { return Value{Kind: KindFloat64, F64: v} }
func Bool(v bool) Value        { return Value{Kind: KindBool, Bool: v} }
func String(v string) Value    { return Value{Kind: KindString, Str: v} }
func Time(v mtime.Tag) Value   { return Value{Kind: KindTime, Time: v} }
func TypeTag(v byte) Value     { return Value{Kind: KindTypeTag, TypeTag: v} }
func Bytes(v []byte) Value     { return Value{Kind: KindBytes, Bytes: v} }
func ObjectRef(v uint64) Value { return Value{Kind: KindObjectRef, ObjectRef: v} }
func List(v []Value) Value     { return Value{Kind: KindList, List: v} }

// Equal reports whether two values carry the same kind and contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt32:
		return v.I32 == o.I32
	case KindInt64:
		return v.I64 == o.I64
	case KindFloat32:
		return v.F32 == o.F32
	case KindFloat64:
		return v.F64 == o.F64
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindTime:
		return v.Time == o.Time
	case KindTypeTag:
		return v.TypeTag == o.TypeTag
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case KindObjectRef:
		return v.ObjectRef == o.ObjectRef
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt32:
		return fmt.Sprintf("%d", v.I32)
	case KindInt64:
		return fmt.Sprintf("%d", v.I64)
	case KindFloat32:
		return fmt.Sprintf("%g", v.F32)
	case KindFloat64:
		return fmt.Sprintf("%g", v.F64)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindString:
		return v.Str
	case KindTime:
		return fmt.Sprintf("%d.%d", v.Time.Sec, v.Time.Frac)
	case KindTypeTag:
		return string(rune(v.TypeTag))
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.Bytes))
	case KindObjectRef:
		return fmt.Sprintf("obj:%d", v.ObjectRef)
	case KindList:
		return fmt.Sprintf("%v", v.List)
	}
	return "?"
}

// isNumeric reports whether this kind is one of the numeric kinds
// accepted by a wire-type 'n' (any number) catalog declaration.
func (k Kind) isNumeric() bool {
	switch k {
	case KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	}
	return false
}
