package node

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/friend"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

const stateVersion = 1

// snapshot is the persisted node state.
type snapshot struct {
	Version  int             `cbor:"1,keyasint"`
	Secret   ids.SecretKey   `cbor:"2,keyasint"`
	Public   ids.ID          `cbor:"3,keyasint"`
	Nospam   ids.Nospam      `cbor:"4,keyasint"`
	Info     wire.UserInfo   `cbor:"5,keyasint"`
	Presence event.Presence  `cbor:"6,keyasint,omitempty"`
	Friends  []friend.Record `cbor:"7,keyasint,omitempty"`
}

// loadState reads the state file at path. A missing file yields a fresh
// identity seeded with profile.
func loadState(path string, profile wire.UserInfo) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		pub, secret, err := ids.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		nospam, err := ids.RandomNospam()
		if err != nil {
			return nil, err
		}
		util.LogInfo("created identity %s", pub.Short())
		return &snapshot{
			Version: stateVersion,
			Secret:  secret,
			Public:  pub,
			Nospam:  nospam,
			Info:    profile,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st snapshot
	if err := wire.Unmarshal(data, &st); err != nil {
		return nil, errcode.Wrap(errcode.ErrBadPersistentData, err, "decode %s", path)
	}
	if st.Version != stateVersion {
		return nil, errcode.New(errcode.ErrBadPersistentData, "state version %d", st.Version)
	}
	pub, err := curve25519.X25519(st.Secret[:], curve25519.Basepoint)
	if err != nil || !bytes.Equal(pub, st.Public[:]) {
		return nil, errcode.New(errcode.ErrBadPersistentData, "key pair mismatch in %s", path)
	}
	return &st, nil
}

// writeState stores st at path atomically.
func writeState(path string, st *snapshot) error {
	data, err := wire.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// save writes the current state. Loop only.
func (n *Node) save() error {
	st := &snapshot{
		Version:  stateVersion,
		Secret:   n.secret,
		Public:   n.self,
		Nospam:   n.friends.Nospam(),
		Info:     n.friends.SelfInfo(),
		Presence: n.friends.Presence(),
		Friends:  n.friends.Records(),
	}
	if err := writeState(n.cfg.StatePath(), st); err != nil {
		return err
	}
	n.dirty = false
	util.LogDebug("state saved (%d friend(s))", len(st.Friends))
	return nil
}
