// Package portfwd bridges TCP connections over the channels of a
// port-forwarding stream.
//
// The side that registers services is the target: each forwarding channel
// the peer opens for one of its services becomes a TCP connection to that
// service's host:port. The other side opens forwardings: a local TCP listener
// whose every accepted connection becomes a forwarding channel to the peer.
package portfwd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/mux"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// Protocol of a forwarded service. Only TCP exists.
type Protocol uint8

const ProtocolTCP Protocol = 1

func (p Protocol) String() string {
	if p == ProtocolTCP {
		return "tcp"
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// ParseProtocol maps "tcp" to ProtocolTCP.
func ParseProtocol(s string) (Protocol, error) {
	if strings.EqualFold(s, "tcp") {
		return ProtocolTCP, nil
	}
	return 0, errcode.New(errcode.ErrInvalidArgs, "protocol %q", s)
}

const maxServiceName = 127

// Service is a local TCP endpoint the peer may reach by name.
type Service struct {
	Name     string
	Protocol Protocol
	Host     string
	Port     int
}

func (s Service) addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// Forwarding describes an open port forwarding.
type Forwarding struct {
	ID       int
	Service  string
	Protocol Protocol
	Addr     net.Addr
}

// CloseHook observes every bridged connection that ends.
type CloseHook func(role Role, service string, reason mux.CloseReason)

type forwarding struct {
	Forwarding
	stream   *mux.Stream
	listener net.Listener
}

// Bridge serves one session: its registered services and its forwardings.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	services map[string]Service
	forwards map[int]*forwarding
	nextID   int
	sockets  map[*Socket]struct{}
	onClosed CloseHook
	closed   bool
}

var _ mux.ForwardAcceptor = (*Bridge)(nil)

// NewBridge creates a bridge bound to ctx.
func NewBridge(ctx context.Context) *Bridge {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	return &Bridge{
		ctx:      ctx,
		cancel:   cancel,
		group:    g,
		services: make(map[string]Service),
		forwards: make(map[int]*forwarding),
		nextID:   1,
		sockets:  make(map[*Socket]struct{}),
	}
}

// SetCloseHook installs fn as the observer of ended connections.
func (b *Bridge) SetCloseHook(fn CloseHook) {
	b.mu.Lock()
	b.onClosed = fn
	b.mu.Unlock()
}

// Attach makes the bridge answer forwarding requests arriving on s.
func (b *Bridge) Attach(s *mux.Stream) {
	s.SetForwarder(b)
}

// ---------------------------------------------------------------------------
// Services
// ---------------------------------------------------------------------------

// AddService registers (or replaces) a service reachable by the peer.
func (b *Bridge) AddService(name string, proto Protocol, host string, port int) error {
	switch {
	case name == "":
		return errcode.New(errcode.ErrInvalidArgs, "empty service name")
	case len(name) > maxServiceName:
		return errcode.New(errcode.ErrTooLong, "service name")
	case proto != ProtocolTCP:
		return errcode.New(errcode.ErrInvalidArgs, "service %s: protocol %s", name, proto)
	case host == "" || port <= 0 || port > 65535:
		return errcode.New(errcode.ErrInvalidArgs, "service %s: address %s:%d", name, host, port)
	}

	b.mu.Lock()
	b.services[name] = Service{Name: name, Protocol: proto, Host: host, Port: port}
	b.mu.Unlock()
	util.LogDebug("service %q -> %s:%d registered", name, host, port)
	return nil
}

// RemoveService unregisters a service. Connections already bridged stay up.
func (b *Bridge) RemoveService(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.services[name]; !ok {
		return errcode.New(errcode.ErrNotExist, "service %q", name)
	}
	delete(b.services, name)
	return nil
}

func (b *Bridge) service(name string) (Service, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc, ok := b.services[name]
	return svc, ok
}

// HasService reports whether the peer may forward to name.
func (b *Bridge) HasService(name string) bool {
	_, ok := b.service(name)
	return ok
}

// AcceptForward creates the target side of a forwarded connection. The
// dial starts once the channel is open.
func (b *Bridge) AcceptForward(ch *mux.Channel, name string) mux.ChannelHandler {
	svc, ok := b.service(name)
	if !ok {
		return nil
	}
	s := newSocket(b.ctx, RoleTarget, name, b.socketDone)
	s.target = svc.addr()
	if !b.register(s) {
		return nil
	}
	return s
}

// ---------------------------------------------------------------------------
// Forwardings
// ---------------------------------------------------------------------------

// OpenPortForwarding listens on host:port and forwards every accepted TCP
// connection to the peer's service over stream s. It returns the
// forwarding id, always > 0.
func (b *Bridge) OpenPortForwarding(s *mux.Stream, service string, proto Protocol, host string, port int) (int, error) {
	switch {
	case service == "":
		return 0, errcode.New(errcode.ErrInvalidArgs, "empty service name")
	case proto != ProtocolTCP:
		return 0, errcode.New(errcode.ErrInvalidArgs, "protocol %s", proto)
	case port < 0 || port > 65535:
		return 0, errcode.New(errcode.ErrInvalidArgs, "port %d", port)
	case !s.Options().Has(mux.OptionPortForwarding):
		return 0, errcode.New(errcode.ErrWrongState, "stream %d has no port forwarding", s.ID())
	case s.State() != mux.StateConnected:
		return 0, errcode.New(errcode.ErrWrongState, "stream %d is %s", s.ID(), s.State())
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, errcode.Wrap(errcode.ErrPortAlloc, err, "listen %s", addr)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		listener.Close()
		return 0, errcode.New(errcode.ErrWrongState, "bridge closed")
	}
	f := &forwarding{
		Forwarding: Forwarding{ID: b.nextID, Service: service, Protocol: proto, Addr: listener.Addr()},
		stream:     s,
		listener:   listener,
	}
	b.nextID++
	b.forwards[f.ID] = f
	b.mu.Unlock()

	util.LogInfo("port forwarding %d: %s -> peer service %q", f.ID, listener.Addr(), service)
	b.group.Go(func() error {
		b.acceptLoop(f)
		return nil
	})
	return f.ID, nil
}

// Forwarding returns the forwarding with the given id.
func (b *Bridge) Forwarding(id int) (Forwarding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.forwards[id]
	if !ok {
		return Forwarding{}, false
	}
	return f.Forwarding, true
}

// ClosePortForwarding stops the listener and every connection it accepted.
func (b *Bridge) ClosePortForwarding(id int) error {
	b.mu.Lock()
	f, ok := b.forwards[id]
	if !ok {
		b.mu.Unlock()
		return errcode.New(errcode.ErrNotExist, "port forwarding %d", id)
	}
	delete(b.forwards, id)
	var owned []*Socket
	for s := range b.sockets {
		if s.forwardID == id {
			owned = append(owned, s)
		}
	}
	b.mu.Unlock()

	err := f.listener.Close()
	for _, s := range owned {
		s.shutdown(mux.CloseLocal, true)
	}
	util.LogInfo("port forwarding %d closed", id)
	return err
}

func (b *Bridge) acceptLoop(f *forwarding) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
			default:
				util.LogDebug("port forwarding %d: accept: %v", f.ID, err)
			}
			return
		}

		s := newSocket(b.ctx, RoleInitiator, f.Service, b.socketDone)
		s.forwardID = f.ID
		s.conn = conn
		if !b.register(s) {
			conn.Close()
			return
		}
		util.LogDebug("port forwarding %d: new connection from %s", f.ID, conn.RemoteAddr())

		ch, err := f.stream.OpenForward(f.Service, s)
		if err != nil {
			util.LogWarning("port forwarding %d: %v", f.ID, err)
			s.shutdown(mux.CloseError, false)
			continue
		}
		s.setChannel(ch)
	}
}

// ---------------------------------------------------------------------------
// Socket route table
// ---------------------------------------------------------------------------

func (b *Bridge) register(s *Socket) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sockets[s] = struct{}{}
	return true
}

func (b *Bridge) socketDone(s *Socket, reason mux.CloseReason) {
	b.mu.Lock()
	delete(b.sockets, s)
	hook := b.onClosed
	b.mu.Unlock()

	if hook != nil {
		hook(s.role, s.service, reason)
	}
}

// Sockets returns the number of bridged connections still alive.
func (b *Bridge) Sockets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets)
}

// Close stops every forwarding and connection and waits for the accept loops.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	forwards := b.forwards
	b.forwards = make(map[int]*forwarding)
	sockets := make([]*Socket, 0, len(b.sockets))
	for s := range b.sockets {
		sockets = append(sockets, s)
	}
	b.mu.Unlock()

	var err error
	for _, f := range forwards {
		err = multierr.Append(err, f.listener.Close())
	}
	for _, s := range sockets {
		s.shutdown(mux.CloseLocal, true)
	}
	b.cancel()
	return multierr.Append(err, b.group.Wait())
}
