package mux

import (
	"container/heap"

	"github.com/1ureka/1ureka.net.carrier/internal/protocol"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// Reassembler reorders out-of-order frames within a single channel.
// It is used under the mux receive lock and needs no locking of its own.
type Reassembler struct {
	expectedSeq uint32
	buffer      frameHeap
	lossy       bool
}

// NewReassembler creates a reassembler expecting sequence numbers starting at 1.
func NewReassembler() *Reassembler {
	return &Reassembler{expectedSeq: 1}
}

// NewLossyReassembler creates a reassembler for a lane that may lose frames:
// it never waits for gaps and drops frames older than the newest delivered.
func NewLossyReassembler() *Reassembler {
	return &Reassembler{expectedSeq: 1, lossy: true}
}

// Feed processes an incoming frame and returns all frames that can now be
// delivered in sequence order. Returns nil if no frames are ready.
func (r *Reassembler) Feed(f *protocol.Frame) []*protocol.Frame {
	if f.SeqNum < r.expectedSeq {
		util.LogDebug("[%04x/%04x] received frame with old SeqNum %d (expected %d), ignoring",
			f.StreamID, f.ChannelID, f.SeqNum, r.expectedSeq)
		return nil
	}

	if r.lossy {
		r.expectedSeq = f.SeqNum + 1
		return []*protocol.Frame{f}
	}

	if f.SeqNum > r.expectedSeq {
		// Future frame — buffer it.
		heap.Push(&r.buffer, f)
		return nil
	}

	// f.SeqNum == r.expectedSeq — deliver it and drain any consecutive buffered frames.
	result := []*protocol.Frame{f}
	r.expectedSeq++

	for r.buffer.Len() > 0 && r.buffer[0].SeqNum == r.expectedSeq {
		result = append(result, heap.Pop(&r.buffer).(*protocol.Frame))
		r.expectedSeq++
	}

	return result
}

// Pending returns the number of buffered out-of-order frames.
func (r *Reassembler) Pending() int {
	return r.buffer.Len()
}

// ---------------------------------------------------------------------------
// frameHeap implements a min-heap sorted by SeqNum.
// ---------------------------------------------------------------------------

type frameHeap []*protocol.Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].SeqNum < h[j].SeqNum }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(*protocol.Frame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
