package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Frame into a byte slice for link transmission.
func Encode(f *Frame) []byte {
	size := HeaderSize + len(f.Payload)
	buf := make([]byte, size)
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.StreamID)
	binary.BigEndian.PutUint16(buf[3:5], f.ChannelID)
	binary.BigEndian.PutUint32(buf[5:9], f.SeqNum)
	if len(f.Payload) > 0 {
		copy(buf[HeaderSize:], f.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	f := &Frame{
		Type:      data[0],
		StreamID:  binary.BigEndian.Uint16(data[1:3]),
		ChannelID: binary.BigEndian.Uint16(data[3:5]),
		SeqNum:    binary.BigEndian.Uint32(data[5:9]),
	}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}
