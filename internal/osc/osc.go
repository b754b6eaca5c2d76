// Package osc implements just enough of OSC 1.0 (Open Sound Control) to
// carry libmapper's admin vocabulary and signal updates: messages, typed
// argument lists, and NTP-timetagged bundles. It exists because the real
// OSC transport library is named in spec §1/§6 as an external
// collaborator with no bearing on the protocol itself — nothing in the
// retrieval pack imports an OSC library, so this mirrors the teacher's
// own technique for hand-rolling a wire codec (bytes.Buffer plus
// encoding/binary, §msg package) applied to the real OSC binary grammar
// instead of the teacher's custom ZRE framing.
package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/libmapper/go-mapper/mtime"
)

var (
	ErrMalformed      = errors.New("osc: malformed packet")
	ErrUnknownTypeTag = errors.New("osc: unknown argument type tag")
)

// Arg is a single OSC-typed argument. Tag selects which field is live:
// 'i' int32, 'h' int64, 'f' float32, 'd' float64, 's' string, 'b' blob,
// 'T'/'F' bool, 'N' nil.
type Arg struct {
	Tag  byte
	I    int32
	H    int64
	F    float32
	D    float64
	S    string
	Blob []byte
}

func Int32Arg(v int32) Arg    { return Arg{Tag: 'i', I: v} }
func Int64Arg(v int64) Arg    { return Arg{Tag: 'h', H: v} }
func Float32Arg(v float32) Arg { return Arg{Tag: 'f', F: v} }
func Float64Arg(v float64) Arg { return Arg{Tag: 'd', D: v} }
func StringArg(v string) Arg  { return Arg{Tag: 's', S: v} }
func BlobArg(v []byte) Arg    { return Arg{Tag: 'b', Blob: v} }
func BoolArg(v bool) Arg {
	if v {
		return Arg{Tag: 'T'}
	}
	return Arg{Tag: 'F'}
}
func NilArg() Arg { return Arg{Tag: 'N'} }

// IsNil reports whether a is the OSC Nil tag; a message whose typed
// arguments are entirely Nil is a release, per spec §6.
func (a Arg) IsNil() bool { return a.Tag == 'N' }

// Message is a single OSC message: an address pattern plus a typed
// argument list.
type Message struct {
	Address string
	Args    []Arg
}

// AllNil reports whether every argument of m is Nil, the wire signal of
// an instance release (spec §6).
func (m *Message) AllNil() bool {
	if len(m.Args) == 0 {
		return false
	}
	for _, a := range m.Args {
		if !a.IsNil() {
			return false
		}
	}
	return true
}

// Bundle is a timetagged group of messages (and, recursively, of
// sub-bundles), the unit the network layer flushes at poll time (spec
// §4.5).
type Bundle struct {
	Time     mtime.Tag
	Messages []*Message
	Bundles  []*Bundle
}

const bundleTag = "#bundle"

func padLen(n int) int {
	rem := n % 4
	if rem == 0 {
		return n
	}
	return n + (4 - rem)
}

func writeOSCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func readOSCString(data []byte, off int) (string, int, error) {
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return "", 0, ErrMalformed
	}
	s := string(data[off : off+end])
	total := padLen(end + 1)
	if off+total > len(data) {
		return "", 0, ErrMalformed
	}
	return s, off + total, nil
}

// EncodeMessage serialises m to its OSC binary form.
func EncodeMessage(m *Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	writeOSCString(buf, m.Address)

	tags := make([]byte, 0, len(m.Args)+1)
	tags = append(tags, ',')
	for _, a := range m.Args {
		tags = append(tags, a.Tag)
	}
	writeOSCString(buf, string(tags))

	for _, a := range m.Args {
		switch a.Tag {
		case 'i':
			binary.Write(buf, binary.BigEndian, a.I)
		case 'h':
			binary.Write(buf, binary.BigEndian, a.H)
		case 'f':
			binary.Write(buf, binary.BigEndian, math.Float32bits(a.F))
		case 'd':
			binary.Write(buf, binary.BigEndian, math.Float64bits(a.D))
		case 's':
			writeOSCString(buf, a.S)
		case 'b':
			binary.Write(buf, binary.BigEndian, int32(len(a.Blob)))
			buf.Write(a.Blob)
			for buf.Len()%4 != 0 {
				buf.WriteByte(0)
			}
		case 'T', 'F', 'N':
			// No payload bytes.
		default:
			return nil, ErrUnknownTypeTag
		}
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses an OSC message from raw bytes.
func DecodeMessage(data []byte) (*Message, error) {
	addr, off, err := readOSCString(data, 0)
	if err != nil {
		return nil, err
	}
	tags, off, err := readOSCString(data, off)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 || tags[0] != ',' {
		return nil, ErrMalformed
	}
	tags = tags[1:]

	m := &Message{Address: addr, Args: make([]Arg, 0, len(tags))}
	for i := 0; i < len(tags); i++ {
		tag := tags[i]
		switch tag {
		case 'i':
			if off+4 > len(data) {
				return nil, ErrMalformed
			}
			v := int32(binary.BigEndian.Uint32(data[off : off+4]))
			m.Args = append(m.Args, Int32Arg(v))
			off += 4
		case 'h':
			if off+8 > len(data) {
				return nil, ErrMalformed
			}
			v := int64(binary.BigEndian.Uint64(data[off : off+8]))
			m.Args = append(m.Args, Int64Arg(v))
			off += 8
		case 'f':
			if off+4 > len(data) {
				return nil, ErrMalformed
			}
			bits := binary.BigEndian.Uint32(data[off : off+4])
			m.Args = append(m.Args, Float32Arg(math.Float32frombits(bits)))
			off += 4
		case 'd':
			if off+8 > len(data) {
				return nil, ErrMalformed
			}
			bits := binary.BigEndian.Uint64(data[off : off+8])
			m.Args = append(m.Args, Float64Arg(math.Float64frombits(bits)))
			off += 8
		case 's':
			var s string
			var err error
			s, off, err = readOSCString(data, off)
			if err != nil {
				return nil, err
			}
			m.Args = append(m.Args, StringArg(s))
		case 'b':
			if off+4 > len(data) {
				return nil, ErrMalformed
			}
			n := int(int32(binary.BigEndian.Uint32(data[off : off+4])))
			off += 4
			if n < 0 || off+n > len(data) {
				return nil, ErrMalformed
			}
			blob := append([]byte(nil), data[off:off+n]...)
			off += padLen(n)
			m.Args = append(m.Args, BlobArg(blob))
		case 'T':
			m.Args = append(m.Args, Arg{Tag: 'T'})
		case 'F':
			m.Args = append(m.Args, Arg{Tag: 'F'})
		case 'N':
			m.Args = append(m.Args, NilArg())
		default:
			return nil, ErrUnknownTypeTag
		}
	}
	return m, nil
}

// EncodeBundle serialises a (possibly nested) bundle.
func EncodeBundle(b *Bundle) ([]byte, error) {
	buf := &bytes.Buffer{}
	writeOSCString(buf, bundleTag)
	binary.Write(buf, binary.BigEndian, b.Time.Sec)
	binary.Write(buf, binary.BigEndian, b.Time.Frac)

	for _, m := range b.Messages {
		enc, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		binary.Write(buf, binary.BigEndian, int32(len(enc)))
		buf.Write(enc)
	}
	for _, sub := range b.Bundles {
		enc, err := EncodeBundle(sub)
		if err != nil {
			return nil, err
		}
		binary.Write(buf, binary.BigEndian, int32(len(enc)))
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}

// DecodeBundle parses a (possibly nested) bundle from raw bytes.
func DecodeBundle(data []byte) (*Bundle, error) {
	tag, off, err := readOSCString(data, 0)
	if err != nil || tag != bundleTag {
		return nil, ErrMalformed
	}
	if off+8 > len(data) {
		return nil, ErrMalformed
	}
	b := &Bundle{
		Time: mtime.Tag{
			Sec:  binary.BigEndian.Uint32(data[off : off+4]),
			Frac: binary.BigEndian.Uint32(data[off+4 : off+8]),
		},
	}
	off += 8

	for off < len(data) {
		if off+4 > len(data) {
			return nil, ErrMalformed
		}
		size := int(int32(binary.BigEndian.Uint32(data[off : off+4])))
		off += 4
		if size < 0 || off+size > len(data) {
			return nil, ErrMalformed
		}
		elem := data[off : off+size]
		off += size

		if len(elem) >= 8 && bytes.HasPrefix(elem, []byte(bundleTag)) {
			sub, err := DecodeBundle(elem)
			if err != nil {
				return nil, err
			}
			b.Bundles = append(b.Bundles, sub)
		} else {
			m, err := DecodeMessage(elem)
			if err != nil {
				return nil, err
			}
			b.Messages = append(b.Messages, m)
		}
	}
	return b, nil
}

// IsBundle reports whether raw packet data encodes a bundle rather than
// a bare message.
func IsBundle(data []byte) bool {
	return bytes.HasPrefix(data, []byte(bundleTag))
}

// Decode parses raw packet bytes as either a Message or a Bundle.
func Decode(data []byte) (messages []*Message, err error) {
	if IsBundle(data) {
		b, err := DecodeBundle(data)
		if err != nil {
			return nil, err
		}
		return flatten(b), nil
	}
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return []*Message{m}, nil
}

func flatten(b *Bundle) []*Message {
	out := append([]*Message(nil), b.Messages...)
	for _, sub := range b.Bundles {
		out = append(out, flatten(sub)...)
	}
	return out
}
