package wire

import (
	"crypto/rand"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/nacl/box"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
)

const (
	nonceSize       = 24
	sharedKeyCached = 256
)

// ErrOpen is returned when a datagram cannot be authenticated.
var ErrOpen = errors.New("wire: cannot open sealed datagram")

// Sealer encrypts control messages to a peer and authenticates the ones
// received from it. Shared keys are cached per peer.
type Sealer struct {
	secret ids.SecretKey
	shared *lru.Cache[ids.ID, *[32]byte]
}

// NewSealer returns a Sealer for the node owning secret.
func NewSealer(secret ids.SecretKey) *Sealer {
	cache, err := lru.New[ids.ID, *[32]byte](sharedKeyCached)
	if err != nil {
		panic("wire: " + err.Error()) // only fails for a non-positive size
	}
	return &Sealer{secret: secret, shared: cache}
}

func (s *Sealer) sharedKey(peer ids.ID) *[32]byte {
	if k, ok := s.shared.Get(peer); ok {
		return k
	}
	k := new([32]byte)
	box.Precompute(k, peer.Key(), s.secret.Key())
	s.shared.Add(peer, k)
	return k
}

// Seal encodes msg and encrypts it for peer. The output is nonce || box.
func (s *Sealer) Seal(peer ids.ID, msg *Message) ([]byte, error) {
	plain, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, nonceSize, nonceSize+len(plain)+box.Overhead)
	copy(out, nonce[:])
	out = box.SealAfterPrecomputation(out, plain, &nonce, s.sharedKey(peer))
	if len(out) > MaxDatagramSize {
		return nil, fmt.Errorf("%s datagram too large: %d bytes", msg.Type, len(out))
	}
	return out, nil
}

// Open authenticates a datagram from peer and decodes it.
func (s *Sealer) Open(peer ids.ID, data []byte) (*Message, error) {
	if len(data) < nonceSize+box.Overhead || len(data) > MaxDatagramSize {
		return nil, ErrOpen
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := box.OpenAfterPrecomputation(nil, data[nonceSize:], &nonce, s.sharedKey(peer))
	if !ok {
		return nil, ErrOpen
	}

	msg := &Message{}
	if err := Unmarshal(plain, msg); err != nil {
		return nil, fmt.Errorf("decode datagram: %w", err)
	}
	return msg, nil
}
