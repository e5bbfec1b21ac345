package portfwd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// Tuning constants.
const (
	dialTimeout  = 10 * time.Second
	flushTimeout = 5 * time.Second // bound on draining queued data at close
)

// Role tells which end of a forwarded connection a socket is.
type Role uint8

const (
	RoleInitiator Role = iota + 1 // accepted by a local forwarding listener
	RoleTarget                    // dialed toward a registered service
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "target"
}

// Socket relays one TCP connection over one forwarding channel.
type Socket struct {
	role      Role
	service   string
	forwardID int
	target    string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	onDone func(*Socket, mux.CloseReason)

	inbox  *util.Mailbox[[]byte] // channel -> TCP
	resume chan struct{}         // signalled on OnResume
	dialed chan struct{}         // closed once conn is usable

	mu      sync.Mutex
	ch      *mux.Channel
	conn    net.Conn
	opened  bool
	closing bool
	reason  mux.CloseReason
}

var _ mux.ChannelHandler = (*Socket)(nil)

func newSocket(parent context.Context, role Role, service string, onDone func(*Socket, mux.CloseReason)) *Socket {
	ctx, cancel := context.WithCancel(parent)
	s := &Socket{
		role:    role,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onDone:  onDone,
		resume:  make(chan struct{}, 1),
		dialed:  make(chan struct{}),
	}
	s.inbox = util.NewMailbox(s.writeTCP)
	return s
}

func (s *Socket) setChannel(ch *mux.Channel) {
	s.mu.Lock()
	if s.ch == nil {
		s.ch = ch
	}
	s.mu.Unlock()
}

func (s *Socket) tag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return "[----/----]"
	}
	return fmt.Sprintf("[%04x/%04x]", s.ch.Stream().ID(), s.ch.ID())
}

// Done is closed when the socket has fully shut down.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Reason reports why the socket closed.
func (s *Socket) Reason() mux.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// ---------------------------------------------------------------------------
// mux.ChannelHandler
// ---------------------------------------------------------------------------

func (s *Socket) OnOpened(ch *mux.Channel) {
	s.setChannel(ch)
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	metrics.Stats.AddConn()

	if s.role == RoleTarget {
		go s.dial()
		return
	}
	close(s.dialed)
	go s.pumpTCPToChannel()
}

func (s *Socket) OnData(_ *mux.Channel, data []byte) bool {
	return s.inbox.Push(append([]byte(nil), data...))
}

func (s *Socket) OnClose(_ *mux.Channel, reason mux.CloseReason) {
	if reason == mux.CloseRejected {
		util.LogWarning("%s peer refused service %q: %v", s.tag(), s.service, errcode.ErrChannelRejected)
	}
	s.shutdown(reason, false)
}

func (s *Socket) OnPending(*mux.Channel) {}

func (s *Socket) OnResume(*mux.Channel) {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Target side
// ---------------------------------------------------------------------------

func (s *Socket) dial() {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(s.ctx, "tcp", s.target)
	if err != nil {
		util.LogWarning("%s dial %s: %v", s.tag(), s.target, err)
		s.shutdown(mux.CloseError, true)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	util.LogDebug("%s connected to %s", s.tag(), s.target)
	close(s.dialed)
	s.pumpTCPToChannel()
}

// ---------------------------------------------------------------------------
// Relays
// ---------------------------------------------------------------------------

// writeTCP runs on the inbox goroutine for every chunk the peer sent.
func (s *Socket) writeTCP(p []byte) {
	select {
	case <-s.dialed:
	case <-s.ctx.Done():
		return
	}
	if _, err := s.conn.Write(p); err != nil {
		select {
		case <-s.ctx.Done():
		default:
			util.LogDebug("%s TCP write: %v", s.tag(), err)
		}
		s.shutdown(mux.CloseError, true)
	}
}

// pumpTCPToChannel reads the TCP connection until EOF and writes every chunk
// to the channel, waiting for OnResume whenever the channel is paused.
func (s *Socket) pumpTCPToChannel() {
	s.mu.Lock()
	conn, ch := s.conn, s.ch
	s.mu.Unlock()

	buf := make([]byte, mux.ChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := s.writeChannel(ch, buf[:n]); werr != nil {
				select {
				case <-s.ctx.Done():
				default:
					util.LogDebug("%s channel write: %v", s.tag(), werr)
				}
				s.shutdown(mux.CloseError, true)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.shutdown(mux.CloseLocal, true)
				return
			}
			select {
			case <-s.ctx.Done():
			default:
				util.LogDebug("%s TCP read: %v", s.tag(), err)
				s.shutdown(mux.CloseError, true)
			}
			return
		}
	}
}

func (s *Socket) writeChannel(ch *mux.Channel, p []byte) error {
	for len(p) > 0 {
		n, err := ch.Write(p)
		p = p[n:]
		if err == nil {
			continue
		}
		if !errors.Is(err, errcode.ErrWouldBlock) {
			return err
		}
		select {
		case <-s.resume:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return nil
}

// shutdown releases the socket exactly once. notify closes the channel
// toward the peer with reason. Data already queued for the TCP side is
// flushed before the connection closes.
func (s *Socket) shutdown(reason mux.CloseReason, notify bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.reason = reason
		ch, conn, opened := s.ch, s.conn, s.opened
		s.mu.Unlock()

		if notify && ch != nil {
			if err := ch.Close(reason); err != nil {
				util.LogDebug("%s close channel: %v", s.tag(), err)
			}
		}
		s.inbox.Close()

		go func() {
			if conn != nil {
				select {
				case <-s.inbox.Done():
				case <-time.After(flushTimeout):
				}
			}
			s.cancel()
			if conn != nil {
				conn.Close()
			}
			if opened {
				metrics.Stats.RemoveConn()
			}
			util.LogDebug("%s %s connection for %q closed: %s", s.tag(), s.role, s.service, reason)
			close(s.done)
			if s.onDone != nil {
				s.onDone(s, reason)
			}
		}()
	})
}
