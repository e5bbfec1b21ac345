package mux

import (
	"fmt"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
)

// StreamType is the application-level kind of a stream. It does not change
// transport behaviour but must match on both sides of a session.
type StreamType uint8

const (
	StreamTypeAudio StreamType = iota
	StreamTypeVideo
	StreamTypeText
	StreamTypeApplication
	StreamTypeMessage
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeAudio:
		return "audio"
	case StreamTypeVideo:
		return "video"
	case StreamTypeText:
		return "text"
	case StreamTypeApplication:
		return "application"
	case StreamTypeMessage:
		return "message"
	default:
		return fmt.Sprintf("stream-type(%d)", uint8(t))
	}
}

// Options is the stream property bitmask.
type Options uint8

const (
	OptionPlain          Options = 0x02 // no payload encryption requested
	OptionReliable       Options = 0x04
	OptionMultiplexing   Options = 0x08
	OptionPortForwarding Options = 0x10
)

const optionMask = OptionPlain | OptionReliable | OptionMultiplexing | OptionPortForwarding

// Has reports whether all bits of o2 are set in o.
func (o Options) Has(o2 Options) bool { return o&o2 == o2 }

func (o Options) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if o.Has(OptionPlain) {
		add("plain")
	}
	if o.Has(OptionReliable) {
		add("reliable")
	}
	if o.Has(OptionMultiplexing) {
		add("multiplexing")
	}
	if o.Has(OptionPortForwarding) {
		add("port-forwarding")
	}
	if s == "" {
		return "none"
	}
	return s
}

// TransportBits are the options both peers must agree on.
func (o Options) TransportBits() Options {
	return o & (OptionReliable | OptionMultiplexing | OptionPortForwarding)
}

// Normalize validates a (type, options) pair and applies promotions:
// port forwarding implies multiplexing.
func Normalize(t StreamType, o Options) (Options, error) {
	if t > StreamTypeMessage {
		return 0, errcode.New(errcode.ErrInvalidArgs, "stream type %d", t)
	}
	if o&^optionMask != 0 {
		return 0, errcode.New(errcode.ErrInvalidArgs, "stream options 0x%02x", uint8(o))
	}
	if o.Has(OptionPortForwarding) {
		o |= OptionMultiplexing
	}
	return o, nil
}

// StreamState is the lifecycle of a stream. States only move forward.
type StreamState uint8

const (
	StateInitialized StreamState = iota + 1
	StateTransportReady
	StateConnecting
	StateConnected
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateTransportReady:
		return "transport-ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("stream-state(%d)", uint8(s))
	}
}

// ChannelState is the lifecycle of a channel inside a multiplexed stream.
type ChannelState uint8

const (
	ChannelOpening ChannelState = iota + 1
	ChannelOpen
	ChannelPaused
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelPaused:
		return "paused"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("channel-state(%d)", uint8(s))
	}
}

// CloseReason tells a channel owner why the channel went away.
type CloseReason uint8

const (
	CloseLocal    CloseReason = iota + 1 // closed by this side
	CloseRemote                          // closed by the peer
	CloseRejected                        // open refused by the peer
	CloseTimeout
	CloseError
)

func (r CloseReason) String() string {
	switch r {
	case CloseLocal:
		return "local-close"
	case CloseRemote:
		return "remote-close"
	case CloseRejected:
		return "rejected"
	case CloseTimeout:
		return "timeout"
	case CloseError:
		return "error"
	default:
		return fmt.Sprintf("close-reason(%d)", uint8(r))
	}
}

// remote maps the reason carried in a CLOSE frame to what the receiver
// observes.
func (r CloseReason) remote() CloseReason {
	if r == CloseLocal {
		return CloseRemote
	}
	return r
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// StreamHandler receives the events of one stream.
type StreamHandler interface {
	OnStateChanged(s *Stream, state StreamState)
	OnStreamData(s *Stream, data []byte)
	// OnChannelOpen decides whether a peer-initiated channel is accepted.
	OnChannelOpen(s *Stream, channel uint16, cookie string) bool
	OnChannelOpened(s *Stream, channel uint16)
	OnChannelClose(s *Stream, channel uint16, reason CloseReason)
	// OnChannelData returns false when the data was not consumed.
	OnChannelData(s *Stream, channel uint16, data []byte) bool
	OnChannelPending(s *Stream, channel uint16)
	OnChannelResume(s *Stream, channel uint16)
}

// HandlerFuncs implements StreamHandler with optional callbacks. Nil
// callbacks ignore the event; a nil OnChannelOpen accepts every channel.
type HandlerFuncs struct {
	StateChanged  func(s *Stream, state StreamState)
	StreamData    func(s *Stream, data []byte)
	ChannelOpen   func(s *Stream, channel uint16, cookie string) bool
	ChannelOpened func(s *Stream, channel uint16)
	ChannelClose  func(s *Stream, channel uint16, reason CloseReason)
	ChannelData   func(s *Stream, channel uint16, data []byte) bool
	ChannelPend   func(s *Stream, channel uint16)
	ChannelResume func(s *Stream, channel uint16)
}

var _ StreamHandler = HandlerFuncs{}

func (h HandlerFuncs) OnStateChanged(s *Stream, state StreamState) {
	if h.StateChanged != nil {
		h.StateChanged(s, state)
	}
}

func (h HandlerFuncs) OnStreamData(s *Stream, data []byte) {
	if h.StreamData != nil {
		h.StreamData(s, data)
	}
}

func (h HandlerFuncs) OnChannelOpen(s *Stream, channel uint16, cookie string) bool {
	if h.ChannelOpen != nil {
		return h.ChannelOpen(s, channel, cookie)
	}
	return true
}

func (h HandlerFuncs) OnChannelOpened(s *Stream, channel uint16) {
	if h.ChannelOpened != nil {
		h.ChannelOpened(s, channel)
	}
}

func (h HandlerFuncs) OnChannelClose(s *Stream, channel uint16, reason CloseReason) {
	if h.ChannelClose != nil {
		h.ChannelClose(s, channel, reason)
	}
}

func (h HandlerFuncs) OnChannelData(s *Stream, channel uint16, data []byte) bool {
	if h.ChannelData != nil {
		return h.ChannelData(s, channel, data)
	}
	return true
}

func (h HandlerFuncs) OnChannelPending(s *Stream, channel uint16) {
	if h.ChannelPend != nil {
		h.ChannelPend(s, channel)
	}
}

func (h HandlerFuncs) OnChannelResume(s *Stream, channel uint16) {
	if h.ChannelResume != nil {
		h.ChannelResume(s, channel)
	}
}

// ChannelHandler owns a channel opened for port forwarding. Its calls follow
// the same threading rules as StreamHandler.
type ChannelHandler interface {
	OnOpened(ch *Channel)
	OnData(ch *Channel, data []byte) bool
	OnClose(ch *Channel, reason CloseReason)
	OnPending(ch *Channel)
	OnResume(ch *Channel)
}

// ForwardAcceptor is consulted when the peer asks to forward a connection
// to a named service on this side.
type ForwardAcceptor interface {
	// HasService reports whether service is registered.
	HasService(service string) bool
	// AcceptForward returns the owner of a new forwarding channel.
	AcceptForward(ch *Channel, service string) ChannelHandler
}
