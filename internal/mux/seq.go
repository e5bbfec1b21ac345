package mux

import "sync/atomic"

// SeqGen is a per-channel atomic sequence number generator. It is shared
// between writer goroutines and the mux itself (for control frames), so all
// operations are atomic. The zero value is ready; the first Next returns 1.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}
