package session

import (
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// MaxSDPLen bounds an encoded descriptor.
const MaxSDPLen = 32 * 1024

// StreamSpec announces one stream to the peer.
type StreamSpec struct {
	ID      uint16         `cbor:"1,keyasint"`
	Type    mux.StreamType `cbor:"2,keyasint"`
	Options mux.Options    `cbor:"3,keyasint"`
}

// Descriptor is what each side of a session tells the other: who it is,
// which streams it has and the transport blob to connect with.
type Descriptor struct {
	Peer    ids.ID       `cbor:"1,keyasint"`
	Bundle  string       `cbor:"2,keyasint,omitempty"`
	Streams []StreamSpec `cbor:"3,keyasint"`
	Blob    []byte       `cbor:"4,keyasint"`
}

// Encode returns the textual form carried in session messages.
func (d *Descriptor) Encode() (string, error) {
	raw, err := wire.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	s := base64.RawURLEncoding.EncodeToString(raw)
	if len(s) > MaxSDPLen {
		return "", errcode.WithCode(errcode.ErrTooLong, errcode.SDPTooLong, "descriptor of %d bytes", len(s))
	}
	return s, nil
}

// ParseDescriptor decodes the textual form produced by Encode.
func ParseDescriptor(s string) (*Descriptor, error) {
	switch {
	case s == "":
		return nil, errcode.New(errcode.ErrIncompatible, "empty descriptor")
	case len(s) > MaxSDPLen:
		return nil, errcode.WithCode(errcode.ErrTooLong, errcode.SDPTooLong, "descriptor of %d bytes", len(s))
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrIncompatible, err, "descriptor encoding")
	}
	var d Descriptor
	if err := wire.Unmarshal(raw, &d); err != nil {
		return nil, errcode.Wrap(errcode.ErrIncompatible, err, "descriptor body")
	}
	return &d, nil
}

func describe(streams []*mux.Stream) []StreamSpec {
	out := make([]StreamSpec, 0, len(streams))
	for _, s := range streams {
		out = append(out, StreamSpec{ID: s.ID(), Type: s.Type(), Options: s.Options()})
	}
	return out
}

// compatible checks that remote announces exactly the local stream ids,
// each with the same type and transport options.
func compatible(local, remote []StreamSpec) error {
	if len(local) != len(remote) {
		return errcode.New(errcode.ErrIncompatible, "%d local streams, peer has %d", len(local), len(remote))
	}
	byID := func(a, b StreamSpec) int { return int(a.ID) - int(b.ID) }
	l, r := slices.Clone(local), slices.Clone(remote)
	slices.SortFunc(l, byID)
	slices.SortFunc(r, byID)

	for i := range l {
		switch {
		case l[i].ID != r[i].ID:
			return errcode.New(errcode.ErrIncompatible, "stream %d not announced by peer", l[i].ID)
		case l[i].Type != r[i].Type:
			return errcode.New(errcode.ErrIncompatible, "stream %d is %s, peer has %s", l[i].ID, l[i].Type, r[i].Type)
		case l[i].Options.TransportBits() != r[i].Options.TransportBits():
			return errcode.New(errcode.ErrIncompatible, "stream %d options %s, peer has %s", l[i].ID, l[i].Options, r[i].Options)
		}
	}
	return nil
}
