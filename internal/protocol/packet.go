// Package protocol defines the binary frame format carried over a session link.
//
// Every frame addresses one stream and, for multiplexed streams, one channel
// inside it. Sequence numbers are per (stream, channel, direction) and let the
// receiver restore order on unordered lanes.
package protocol

import "fmt"

// Frame type constants.
const (
	TypeStreamData  uint8 = 0x01 // raw stream payload, channel 0
	TypeOpen        uint8 = 0x02 // channel open request, payload = cookie
	TypeOpenAck     uint8 = 0x03 // channel open accepted
	TypeReject      uint8 = 0x04 // channel open rejected
	TypeData        uint8 = 0x05 // channel payload
	TypeClose       uint8 = 0x06 // channel close, payload = reason (1 byte)
	TypeForward     uint8 = 0x07 // port-forwarding channel open, payload = service name
	TypeStreamClose uint8 = 0x08 // whole stream closed by the peer
)

// HeaderSize is the fixed header size: Type(1) + StreamID(2) + ChannelID(2) + SeqNum(4).
const HeaderSize = 9

// Frame is one unit transmitted over a link lane.
type Frame struct {
	Type      uint8
	StreamID  uint16
	ChannelID uint16 // 0 addresses the stream itself
	SeqNum    uint32
	Payload   []byte
}

// TypeName returns a printable name for t.
func TypeName(t uint8) string {
	switch t {
	case TypeStreamData:
		return "STREAM_DATA"
	case TypeOpen:
		return "OPEN"
	case TypeOpenAck:
		return "OPEN_ACK"
	case TypeReject:
		return "REJECT"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypeForward:
		return "FORWARD"
	case TypeStreamClose:
		return "STREAM_CLOSE"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}
