// Package wire defines the control messages nodes exchange over their
// endpoints and how they are encoded and sealed.
package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies a control message.
type Type uint8

const (
	TypeFriendRequest  Type = 0x01
	TypeFriendAccept   Type = 0x02
	TypeFriendRemove   Type = 0x03
	TypeFriendInfo     Type = 0x04 // info and/or presence update
	TypeFriendMessage  Type = 0x05
	TypeInviteRequest  Type = 0x10
	TypeInviteReply    Type = 0x11
	TypeSessionRequest Type = 0x20
	TypeSessionReply   Type = 0x21
	TypeSessionClose   Type = 0x22
)

func (t Type) String() string {
	switch t {
	case TypeFriendRequest:
		return "friend-request"
	case TypeFriendAccept:
		return "friend-accept"
	case TypeFriendRemove:
		return "friend-remove"
	case TypeFriendInfo:
		return "friend-info"
	case TypeFriendMessage:
		return "friend-message"
	case TypeInviteRequest:
		return "invite-request"
	case TypeInviteReply:
		return "invite-reply"
	case TypeSessionRequest:
		return "session-request"
	case TypeSessionReply:
		return "session-reply"
	case TypeSessionClose:
		return "session-close"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// UserInfo is the self-description a node shares with its friends.
type UserInfo struct {
	Name        string `cbor:"1,keyasint,omitempty" yaml:"name"`
	Description string `cbor:"2,keyasint,omitempty" yaml:"description"`
	Gender      string `cbor:"3,keyasint,omitempty" yaml:"gender"`
	Phone       string `cbor:"4,keyasint,omitempty" yaml:"phone"`
	Email       string `cbor:"5,keyasint,omitempty" yaml:"email"`
	Region      string `cbor:"6,keyasint,omitempty" yaml:"region"`
	HasAvatar   bool   `cbor:"7,keyasint,omitempty" yaml:"has_avatar"`
}

// Message is a control message. Only the fields relevant to Type are set.
type Message struct {
	Type     Type      `cbor:"1,keyasint"`
	ID       string    `cbor:"2,keyasint,omitempty"` // unique per message, used for dedupe
	Info     *UserInfo `cbor:"3,keyasint,omitempty"`
	Hello    string    `cbor:"4,keyasint,omitempty"`
	Nospam   []byte    `cbor:"5,keyasint,omitempty"`
	Presence uint8     `cbor:"6,keyasint,omitempty"`
	Data     []byte    `cbor:"7,keyasint,omitempty"`
	Ticket   string    `cbor:"8,keyasint,omitempty"` // invite ticket or session id
	Bundle   string    `cbor:"9,keyasint,omitempty"`
	Status   int32     `cbor:"10,keyasint,omitempty"`
	Reason   string    `cbor:"11,keyasint,omitempty"`
	SDP      string    `cbor:"12,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// MaxDatagramSize bounds a sealed control datagram.
const MaxDatagramSize = 64 * 1024

// Marshal encodes v with core deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
