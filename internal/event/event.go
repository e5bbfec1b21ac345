// Package event defines the notifications a node delivers to its
// application. Each notification is a concrete type implementing Event.
package event

import (
	"fmt"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// ConnectionStatus is the reachability of the node itself or of a friend.
type ConnectionStatus uint8

const (
	Disconnected ConnectionStatus = iota
	Connected
)

func (s ConnectionStatus) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Presence is the availability a user advertises to friends.
type Presence uint8

const (
	PresenceNone Presence = iota
	PresenceAway
	PresenceBusy
)

func (p Presence) String() string {
	switch p {
	case PresenceNone:
		return "none"
	case PresenceAway:
		return "away"
	case PresenceBusy:
		return "busy"
	default:
		return fmt.Sprintf("presence(%d)", uint8(p))
	}
}

// Valid reports whether p is a known presence.
func (p Presence) Valid() bool { return p <= PresenceBusy }

// FriendInfo is a snapshot of one friend.
type FriendInfo struct {
	ID       ids.ID
	Label    string
	Status   ConnectionStatus
	Presence Presence
	Info     wire.UserInfo
}

// Event is a notification. The concrete types below are the only
// implementations.
type Event interface {
	Kind() string
}

type (
	// Idle fires once per poll interval of the protocol loop.
	Idle struct{}

	// Connection reports the node's own attachment to the network.
	Connection struct {
		Status ConnectionStatus
	}

	// Ready fires once the node is connected and its friend list loaded.
	Ready struct{}

	SelfInfoChanged struct {
		Info wire.UserInfo
	}

	// FriendsListed delivers the complete friend list after start.
	FriendsListed struct {
		Friends []FriendInfo
	}

	FriendConnection struct {
		Peer   ids.ID
		Status ConnectionStatus
	}

	FriendInfoChanged struct {
		Peer ids.ID
		Info FriendInfo
	}

	FriendPresence struct {
		Peer     ids.ID
		Presence Presence
	}

	FriendRequest struct {
		From  ids.ID
		Info  wire.UserInfo
		Hello string
	}

	FriendAdded struct {
		Friend FriendInfo
	}

	FriendRemoved struct {
		Peer ids.ID
	}

	FriendMessage struct {
		From ids.ID
		Data []byte
	}

	FriendInviteRequest struct {
		From   ids.ID
		Bundle string
		Data   []byte
	}

	// SessionRequest asks the application to answer a peer's session
	// offer. SDP is the peer's encoded descriptor.
	SessionRequest struct {
		From   ids.ID
		Bundle string
		SDP    string
	}
)

func (Idle) Kind() string                { return "idle" }
func (Connection) Kind() string          { return "connection" }
func (Ready) Kind() string               { return "ready" }
func (SelfInfoChanged) Kind() string     { return "self-info-changed" }
func (FriendsListed) Kind() string       { return "friends-listed" }
func (FriendConnection) Kind() string    { return "friend-connection" }
func (FriendInfoChanged) Kind() string   { return "friend-info-changed" }
func (FriendPresence) Kind() string      { return "friend-presence" }
func (FriendRequest) Kind() string       { return "friend-request" }
func (FriendAdded) Kind() string         { return "friend-added" }
func (FriendRemoved) Kind() string       { return "friend-removed" }
func (FriendMessage) Kind() string       { return "friend-message" }
func (FriendInviteRequest) Kind() string { return "friend-invite-request" }
func (SessionRequest) Kind() string      { return "session-request" }

// Emitter delivers an event upward.
type Emitter func(Event)
