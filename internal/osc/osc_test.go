package osc

import (
	"testing"

	"github.com/libmapper/go-mapper/mtime"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Address: "/out",
		Args: []Arg{
			Float32Arg(1.5),
			StringArg("hello"),
			Int32Arg(-7),
			BoolArg(true),
		},
	}
	enc, err := EncodeMessage(m)
	require.NoError(t, err)
	require.Equal(t, 0, len(enc)%4, "OSC packets must be 4-byte aligned")

	dec, err := DecodeMessage(enc)
	require.NoError(t, err)
	require.Equal(t, m.Address, dec.Address)
	require.Equal(t, m.Args, dec.Args)
}

func TestNilRelease(t *testing.T) {
	m := &Message{Address: "/in", Args: []Arg{NilArg()}}
	require.True(t, m.AllNil())

	enc, err := EncodeMessage(m)
	require.NoError(t, err)
	dec, err := DecodeMessage(enc)
	require.NoError(t, err)
	require.True(t, dec.AllNil())
}

func TestBlobRoundTrip(t *testing.T) {
	m := &Message{Address: "/blob", Args: []Arg{BlobArg([]byte{1, 2, 3, 4, 5})}}
	enc, err := EncodeMessage(m)
	require.NoError(t, err)
	dec, err := DecodeMessage(enc)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, dec.Args[0].Blob)
}

func TestBundleRoundTrip(t *testing.T) {
	b := &Bundle{
		Time: mtime.Tag{Sec: 123, Frac: 456},
		Messages: []*Message{
			{Address: "/a", Args: []Arg{Int32Arg(1)}},
			{Address: "/b", Args: []Arg{Float64Arg(3.14)}},
		},
	}
	enc, err := EncodeBundle(b)
	require.NoError(t, err)
	require.True(t, IsBundle(enc))

	dec, err := DecodeBundle(enc)
	require.NoError(t, err)
	require.Equal(t, b.Time, dec.Time)
	require.Len(t, dec.Messages, 2)
	require.Equal(t, "/a", dec.Messages[0].Address)
	require.Equal(t, "/b", dec.Messages[1].Address)
}

func TestNestedBundleFlatten(t *testing.T) {
	inner := &Bundle{Time: mtime.Tag{Sec: 1}, Messages: []*Message{{Address: "/inner"}}}
	outer := &Bundle{Time: mtime.Tag{Sec: 2}, Messages: []*Message{{Address: "/outer"}}, Bundles: []*Bundle{inner}}

	enc, err := EncodeBundle(outer)
	require.NoError(t, err)

	msgs, err := Decode(enc)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte{1, 2, 3})
	require.Error(t, err)
}
