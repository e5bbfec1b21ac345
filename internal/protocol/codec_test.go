package protocol

import (
	"bytes"
	"fmt"
	"testing"
)

// TestEncodeDecodeFrames verifies that every frame type survives an
// encode/decode pass with its addressing fields intact.
func TestEncodeDecodeFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "OPEN carries the cookie",
			frame: &Frame{Type: TypeOpen, StreamID: 1, ChannelID: 7, SeqNum: 1, Payload: []byte("cookie")},
		},
		{
			name:  "OPEN_ACK without payload",
			frame: &Frame{Type: TypeOpenAck, StreamID: 1, ChannelID: 7, SeqNum: 1},
		},
		{
			name:  "CLOSE with reason byte",
			frame: &Frame{Type: TypeClose, StreamID: 2, ChannelID: 0xFFFF, SeqNum: 42, Payload: []byte{2}},
		},
		{
			name:  "STREAM_DATA on channel 0",
			frame: &Frame{Type: TypeStreamData, StreamID: 0xFFFF, SeqNum: 0xFFFFFFFF, Payload: []byte("hello world")},
		},
		{
			name:  "DATA with a full chunk",
			frame: &Frame{Type: TypeData, StreamID: 3, ChannelID: 9, SeqNum: 999, Payload: make([]byte, 16*1024)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Decode(Encode(tc.frame))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Type != tc.frame.Type {
				t.Errorf("Type mismatch: got %s, want %s", TypeName(decoded.Type), TypeName(tc.frame.Type))
			}
			if decoded.StreamID != tc.frame.StreamID || decoded.ChannelID != tc.frame.ChannelID {
				t.Errorf("address mismatch: got %d/%d, want %d/%d",
					decoded.StreamID, decoded.ChannelID, tc.frame.StreamID, tc.frame.ChannelID)
			}
			if decoded.SeqNum != tc.frame.SeqNum {
				t.Errorf("SeqNum mismatch: got %d, want %d", decoded.SeqNum, tc.frame.SeqNum)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d", len(decoded.Payload), len(tc.frame.Payload))
			}
		})
	}
}

// TestDecodeTooShort verifies that Decode rejects input shorter than HeaderSize.
func TestDecodeTooShort(t *testing.T) {
	for _, n := range []int{0, 1, HeaderSize - 1} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			if _, err := Decode(make([]byte, n)); err == nil {
				t.Fatal("Expected error for short frame, got nil")
			}
		})
	}
}

// TestDecodeExactHeaderSize verifies a header-only frame decodes with no payload.
func TestDecodeExactHeaderSize(t *testing.T) {
	encoded := Encode(&Frame{Type: TypeStreamClose, StreamID: 5})
	if len(encoded) != HeaderSize {
		t.Fatalf("Expected encoded size %d, got %d", HeaderSize, len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Payload != nil {
		t.Errorf("Expected nil payload, got %v", decoded.Payload)
	}
}

// TestDecodeDoesNotAlias verifies the decoded payload is a copy of the input.
func TestDecodeDoesNotAlias(t *testing.T) {
	encoded := Encode(&Frame{Type: TypeData, StreamID: 1, ChannelID: 1, SeqNum: 10, Payload: []byte("original")})
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("Payload was aliased: got %v", decoded.Payload)
	}
}
