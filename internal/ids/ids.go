// Package ids defines node identities and friend addresses.
//
// A node is identified by its curve25519 public key (32 bytes). Its address
// appends a 4-byte nospam and a 2-byte checksum so that friend requests can
// be filtered. Both render as base58 text.
package ids

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/box"
)

const (
	IDSize      = 32
	NospamSize  = 4
	AddressSize = IDSize + NospamSize + 2
)

// ID is a node's public key.
type ID [IDSize]byte

// Nospam is the request filter carried in an address.
type Nospam [NospamSize]byte

// SecretKey is the private half of a node's key pair.
type SecretKey [32]byte

var errBadLength = errors.New("wrong decoded length")

// GenerateKeyPair returns a fresh identity.
func GenerateKeyPair() (ID, SecretKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return ID{}, SecretKey{}, fmt.Errorf("generate key pair: %w", err)
	}
	return ID(*pub), SecretKey(*priv), nil
}

// ParseID decodes a base58 id.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("decode id %q: %w", s, err)
	}
	if len(raw) != IDSize {
		return id, fmt.Errorf("decode id %q: %w", s, errBadLength)
	}
	copy(id[:], raw)
	return id, nil
}

// MustParseID is ParseID for constants and tests.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return base58.Encode(id[:]) }

// Short returns the first characters of the base58 form, for logs.
func (id ID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == ID{} }

// Compare orders ids byte-wise.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

// Key returns id as a box key.
func (id ID) Key() *[32]byte {
	k := [32]byte(id)
	return &k
}

// Key returns sk as a box key.
func (sk SecretKey) Key() *[32]byte {
	k := [32]byte(sk)
	return &k
}

// RandomNospam returns a random nospam value.
func RandomNospam() (Nospam, error) {
	var n Nospam
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nospam: %w", err)
	}
	return n, nil
}

// IsValidID reports whether s is a base58 string of exactly 32 bytes.
func IsValidID(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == IDSize
}

// ---------------------------------------------------------------------------
// Address
// ---------------------------------------------------------------------------

// Address is the shareable form of an identity used to send friend requests.
type Address struct {
	ID        ID
	Nospam    Nospam
	HasNospam bool // false when parsed from a bare 32-byte id
}

// NewAddress combines an id and a nospam.
func NewAddress(id ID, nospam Nospam) Address {
	return Address{ID: id, Nospam: nospam, HasNospam: true}
}

// checksum folds id and nospam into two bytes by XOR.
func checksum(b []byte) [2]byte {
	var sum [2]byte
	for i, c := range b {
		sum[i%2] ^= c
	}
	return sum
}

func (a Address) String() string {
	if !a.HasNospam {
		return a.ID.String()
	}
	buf := make([]byte, 0, AddressSize)
	buf = append(buf, a.ID[:]...)
	buf = append(buf, a.Nospam[:]...)
	sum := checksum(buf)
	buf = append(buf, sum[:]...)
	return base58.Encode(buf)
}

// ParseAddress accepts either a full 38-byte address or a bare 32-byte id.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("decode address %q: %w", s, err)
	}

	switch len(raw) {
	case IDSize:
		copy(a.ID[:], raw)
		return a, nil
	case AddressSize:
		sum := checksum(raw[:IDSize+NospamSize])
		if sum[0] != raw[AddressSize-2] || sum[1] != raw[AddressSize-1] {
			return a, fmt.Errorf("decode address %q: checksum mismatch", s)
		}
		copy(a.ID[:], raw[:IDSize])
		copy(a.Nospam[:], raw[IDSize:IDSize+NospamSize])
		a.HasNospam = true
		return a, nil
	default:
		return a, fmt.Errorf("decode address %q: %w", s, errBadLength)
	}
}

// IsValidAddress reports whether s parses as an address.
func IsValidAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}
