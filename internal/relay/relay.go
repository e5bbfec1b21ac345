// Package relay is the websocket rendezvous that carries control datagrams
// between nodes and reports their presence.
//
// A node keeps one websocket open to the relay and proves it owns the id it
// attaches as by sealing a relay-chosen token with its secret key. Datagrams
// are opaque to the relay (they are sealed end to end) and are dropped when
// the destination is not attached. Nodes declare which peers they watch and receive an online
// or offline notice whenever one of them attaches or leaves.
package relay

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// Path is where Server expects websocket upgrades.
const Path = "/relay"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	helloWait      = 10 * time.Second
	sendQueueSize  = 256
	maxWatchedPeer = 4096
	maxEnvelope    = wire.MaxDatagramSize + 1024
	tokenSize      = 32
	nonceSize      = 24
)

// op identifies an envelope.
type op uint8

const (
	opHello     op = 1 // client -> relay: attach as Peer
	opWelcome   op = 2 // relay -> client: attached
	opSend      op = 3 // client -> relay: Data for Peer
	opDeliver   op = 4 // relay -> client: Data from Peer
	opWatch     op = 5 // client -> relay: replace watched set with Peers
	opPresence  op = 6 // relay -> client: Peer went Online or offline
	opChallenge op = 7 // relay -> client: seal token Data to relay key Peer
	opProof     op = 8 // client -> relay: Data is nonce || sealed token
)

func (o op) String() string {
	switch o {
	case opHello:
		return "hello"
	case opWelcome:
		return "welcome"
	case opSend:
		return "send"
	case opDeliver:
		return "deliver"
	case opWatch:
		return "watch"
	case opPresence:
		return "presence"
	case opChallenge:
		return "challenge"
	case opProof:
		return "proof"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// envelope is one websocket binary message, CBOR encoded.
type envelope struct {
	Op     op       `cbor:"1,keyasint"`
	Peer   []byte   `cbor:"2,keyasint,omitempty"`
	Peers  [][]byte `cbor:"3,keyasint,omitempty"`
	Data   []byte   `cbor:"4,keyasint,omitempty"`
	Online bool     `cbor:"5,keyasint,omitempty"`
}

func (e *envelope) peer() (ids.ID, error) {
	var id ids.ID
	if len(e.Peer) != ids.IDSize {
		return id, fmt.Errorf("%s: bad peer id length %d", e.Op, len(e.Peer))
	}
	copy(id[:], e.Peer)
	return id, nil
}

func encode(e *envelope) ([]byte, error) {
	return wire.Marshal(e)
}

func decode(data []byte) (*envelope, error) {
	e := &envelope{}
	if err := wire.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// sealToken answers a challenge: token sealed from secret to relayKey.
func sealToken(token []byte, relayKey ids.ID, secret ids.SecretKey) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return box.Seal(nonce[:], token, &nonce, relayKey.Key(), secret.Key()), nil
}

// openToken reports whether proof is token sealed by the owner of claimed.
func openToken(proof, token []byte, claimed ids.ID, secret ids.SecretKey) bool {
	if len(proof) < nonceSize+box.Overhead {
		return false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], proof[:nonceSize])
	plain, ok := box.Open(nil, proof[nonceSize:], &nonce, claimed.Key(), secret.Key())
	return ok && subtle.ConstantTimeCompare(plain, token) == 1
}
