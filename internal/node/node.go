// Package node ties the pieces of a carrier node together: identity and
// persistence, the control network attachment, the friend registry,
// invitations and sessions.
//
// Every friend and invitation state change happens on a single loop
// goroutine. API calls submit closures to the loop and wait for their
// result; network input and timers are posted to it. Session traffic runs on
// its own queue so that session callbacks may call back into the node.
// Events reach the application from a dispatcher goroutine, in order.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.carrier/internal/config"
	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/event"
	"github.com/1ureka/1ureka.net.carrier/internal/friend"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/invite"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/relay"
	"github.com/1ureka/1ureka.net.carrier/internal/session"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
	"github.com/1ureka/1ureka.net.carrier/internal/webrtc"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

var version = "0.3.0"

// Version reports the node software version.
func Version() string { return version }

const (
	seenMessages = 4096
	rejoinMin    = 500 * time.Millisecond
	rejoinMax    = 30 * time.Second
)

// Option customizes a Node.
type Option func(*Node)

// WithNetwork attaches the node through nets, tried in turn, instead of the
// relays named in the configuration.
func WithNetwork(nets ...link.Network) Option {
	return func(n *Node) { n.networks = nets }
}

// WithTransport replaces the WebRTC session transport.
func WithTransport(t link.Transport) Option {
	return func(n *Node) { n.transport = t }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithSink installs fn as a receiver of every event. It runs on the
// dispatcher goroutine.
func WithSink(fn func(event.Event)) Option {
	return func(n *Node) { n.sink = fn }
}

type runState uint8

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Node is a carrier node.
type Node struct {
	cfg       *config.Config
	clock     clock.Clock
	networks  []link.Network
	transport link.Transport
	sink      func(event.Event)

	self   ids.ID
	secret ids.SecretKey
	sealer *wire.Sealer

	loop     *util.Mailbox[func()] // friends and invitations
	sessLoop *util.Mailbox[func()] // session traffic
	out      *util.Mailbox[func()] // outbound datagrams
	dispatch *util.Mailbox[func()] // events and completion handlers

	// loop only
	friends *friend.Registry
	invites *invite.Manager
	seen    *lru.Cache[string, struct{}]
	dirty   bool
	listed  bool

	sessions *session.Manager
	ready    atomic.Bool

	// sendCtx outlives Run's context so that shutdown notices still go out.
	sendCtx    context.Context
	sendCancel context.CancelFunc

	mu     sync.Mutex
	state  runState
	ep     link.Endpoint
	subs   map[*subscription]struct{}
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New loads the node's identity and friends from cfg.PersistentLocation,
// creating a fresh identity on first use.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errcode.New(errcode.ErrInvalidArgs, "nil config")
	}
	if cfg.PersistentLocation == "" {
		return nil, errcode.New(errcode.ErrInvalidArgs, "no persistent location")
	}

	n := &Node{
		cfg:  cfg,
		subs: make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if len(n.networks) == 0 && len(cfg.RelayURLs(relay.Path)) == 0 {
		return nil, errcode.New(errcode.ErrInvalidArgs, "no relay configured")
	}
	if n.transport == nil {
		n.transport = webrtc.NewTransport(webrtc.Config{
			ICEServers: cfg.ICEServers,
			DisableUDP: !cfg.UDPEnabled,
		})
	}

	st, err := loadState(cfg.StatePath(), cfg.Profile)
	if err != nil {
		return nil, err
	}
	n.self, n.secret = st.Public, st.Secret
	n.sealer = wire.NewSealer(n.secret)
	if len(n.networks) == 0 {
		for _, url := range cfg.RelayURLs(relay.Path) {
			n.networks = append(n.networks, relay.NewClient(url, n.secret))
		}
	}

	n.seen, err = lru.New[string, struct{}](seenMessages)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}

	n.friends = friend.New(friend.Config{
		Self:      n.self,
		Nospam:    st.Nospam,
		Info:      st.Info,
		Presence:  st.Presence,
		Send:      n.send,
		Emit:      n.emit,
		Watch:     n.watch,
		OnRemoved: n.onFriendRemoved,
	})
	n.friends.Load(st.Friends)

	n.invites = invite.NewManager(invite.Config{
		Self:    n.self,
		Friends: n.friends,
		Send:    n.send,
		Emit:    n.emit,
		Post:    n.post,
		Clock:   n.clock,
		Timeout: cfg.InviteTimeout,
	})

	n.sessions = session.NewManager(session.Config{
		Self:      n.self,
		Friends:   relations{n},
		Transport: n.transport,
		Send:      n.send,
		Emit:      n.publish,
		Clock:     n.clock,
		Timeout:   cfg.SessionTimeout,
	})

	run := func(fn func()) { fn() }
	n.loop = util.NewMailbox(run)
	n.sessLoop = util.NewMailbox(run)
	n.out = util.NewMailbox(run)
	n.dispatch = util.NewMailbox(run)
	n.sendCtx, n.sendCancel = context.WithCancel(context.Background())

	util.LogInfo("node %s loaded, %d relationship(s)", n.self.Short(), len(st.Friends))
	return n, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start joins the network and begins the idle ticker. The node runs until
// Stop is called; canceling ctx only stops rejoining.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case stateRunning:
		return errcode.New(errcode.ErrAlreadyRun, "start")
	case stateStopped:
		return errcode.New(errcode.ErrWrongState, "start: node stopped")
	}
	n.state = stateRunning

	ctx, n.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.group = g
	g.Go(func() error { return n.maintain(gctx) })
	g.Go(func() error { return n.tick(gctx) })

	util.LogInfo("node %s starting (carrier %s)", n.self.Short(), version)
	return nil
}

// Run starts the node and blocks until ctx is canceled, then stops it.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return n.Stop()
}

// Stop closes every session, leaves the network and saves the node state.
// Calling it again returns nil.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.state == stateStopped {
		n.mu.Unlock()
		return nil
	}
	wasRunning := n.state == stateRunning
	n.state = stateStopped
	cancel, group := n.cancel, n.group
	n.mu.Unlock()

	err := n.sessions.Close()

	saved := make(chan error, 1)
	if !n.loop.Push(func() {
		n.invites.Close()
		saved <- n.save()
	}) {
		saved <- nil
	}
	err = multierr.Append(err, <-saved)
	n.loop.Close()
	<-n.loop.Done()
	n.sessLoop.Close()
	<-n.sessLoop.Done()

	// Let queued notices reach the network before leaving it.
	n.out.Close()
	<-n.out.Done()
	n.sendCancel()

	if wasRunning {
		cancel()
		if werr := group.Wait(); werr != nil && werr != context.Canceled {
			err = multierr.Append(err, werr)
		}
	}
	n.mu.Lock()
	ep := n.ep
	n.ep = nil
	n.mu.Unlock()
	if ep != nil {
		err = multierr.Append(err, ep.Close())
	}

	n.ready.Store(false)
	n.dispatch.Close()
	<-n.dispatch.Done()
	n.closeSubscriptions()

	util.LogInfo("node %s stopped", n.self.Short())
	return err
}

// maintain keeps the node attached to the network, rotating through the
// configured networks with backoff after a failure.
func (n *Node) maintain(ctx context.Context) error {
	backoff := rejoinMin
	for i := 0; ; i++ {
		network := n.networks[i%len(n.networks)]
		att := &attachment{n: n, attached: make(chan struct{})}
		ep, err := network.Join(ctx, n.self, att)
		if err == nil {
			n.mu.Lock()
			if n.state != stateRunning {
				n.mu.Unlock()
				close(att.attached)
				return ep.Close()
			}
			n.ep = ep
			att.ep = ep
			n.mu.Unlock()
			close(att.attached)
			backoff = rejoinMin

			select {
			case <-ep.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			n.mu.Lock()
			if n.ep == ep {
				n.ep = nil
			}
			n.mu.Unlock()
			util.LogWarning("network attachment lost, rejoining")
		} else {
			close(att.attached)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.LogWarning("join network: %v", err)
		}

		select {
		case <-n.clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, rejoinMax)
	}
}

// tick posts the idle callback every poll interval and flushes dirty state.
func (n *Node) tick(ctx context.Context) error {
	t := n.clock.Ticker(n.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.post(func() {
				n.emit(event.Idle{})
				if n.dirty {
					if err := n.save(); err != nil {
						util.LogError("save state: %v", err)
					}
				}
			})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Loop plumbing
// ---------------------------------------------------------------------------

// post runs fn on the protocol loop.
func (n *Node) post(fn func()) {
	if !n.loop.Push(fn) {
		util.LogDebug("protocol loop closed, task dropped")
	}
}

// exec runs fn on the protocol loop and waits for its result.
func (n *Node) exec(fn func() error) error {
	res := make(chan error, 1)
	if !n.loop.Push(func() { res <- fn() }) {
		return errcode.New(errcode.ErrWrongState, "node stopped")
	}
	return <-res
}

// emit publishes ev from the loop and marks persisted state dirty when ev
// reflects a change to it.
func (n *Node) emit(ev event.Event) {
	switch ev.(type) {
	case event.SelfInfoChanged, event.FriendAdded, event.FriendRemoved, event.FriendInfoChanged:
		n.dirty = true
	}
	n.publish(ev)
}

func (n *Node) endpoint() link.Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ep
}

// send seals msg for to and queues it. It is safe for concurrent use.
func (n *Node) send(to ids.ID, msg *wire.Message) error {
	ep := n.endpoint()
	if ep == nil {
		return errcode.New(errcode.ErrNotReady, "send %s: not connected", msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	data, err := n.sealer.Seal(to, msg)
	if err != nil {
		return errcode.Wrap(errcode.ErrTooLong, err, "seal %s", msg.Type)
	}
	typ := msg.Type
	if !n.out.Push(func() {
		if err := ep.SendTo(n.sendCtx, to, data); err != nil {
			util.LogDebug("[%s] send %s: %v", to.Short(), typ, err)
			return
		}
		metrics.Stats.Datagram("out", typ.String())
	}) {
		return errcode.New(errcode.ErrWrongState, "node stopped")
	}
	return nil
}

// watch hands the registry's presence interest to the endpoint.
func (n *Node) watch(peers []ids.ID) {
	ep := n.endpoint()
	if ep == nil {
		return
	}
	n.out.Push(func() {
		if err := ep.Watch(peers); err != nil {
			util.LogDebug("watch %d peer(s): %v", len(peers), err)
		}
	})
}

// onFriendRemoved runs on the loop after a relationship ended.
func (n *Node) onFriendRemoved(peer ids.ID) {
	n.invites.Forget(peer)
	n.sessLoop.Push(func() { n.sessions.Forget(peer) })
	n.dirty = true
}

// attachment receives the callbacks of one endpoint and posts them to the
// loop. Callbacks wait until Join has returned so that the endpoint is in
// place when they run.
type attachment struct {
	n        *Node
	attached chan struct{}
	ep       link.Endpoint
}

func (a *attachment) HandleDatagram(from ids.ID, data []byte) {
	<-a.attached
	a.n.post(func() { a.n.onDatagram(from, data) })
}

func (a *attachment) HandlePresence(peer ids.ID, online bool) {
	<-a.attached
	a.n.post(func() { a.n.friends.HandlePresence(peer, online) })
}

func (a *attachment) HandleConnection(connected bool) {
	<-a.attached
	a.n.post(func() {
		if cur := a.n.endpoint(); !connected && cur != nil && cur != a.ep {
			return // a newer attachment took over
		}
		a.n.onConnection(connected)
	})
}

func (n *Node) onConnection(connected bool) {
	status := event.Disconnected
	if connected {
		status = event.Connected
	}
	util.LogInfo("network %s", status)
	n.friends.HandleConnection(connected)
	n.emit(event.Connection{Status: status})

	if !connected {
		n.ready.Store(false)
		return
	}
	if !n.listed {
		n.listed = true
		n.emit(event.FriendsListed{Friends: n.friends.Friends()})
	}
	if !n.ready.Swap(true) {
		n.emit(event.Ready{})
	}
}

func (n *Node) onDatagram(from ids.ID, data []byte) {
	msg, err := n.sealer.Open(from, data)
	if err != nil {
		metrics.Stats.ControlDropped("unsealed")
		util.LogDebug("[%s] datagram dropped: %v", from.Short(), err)
		return
	}
	if msg.ID != "" {
		key := from.String() + "/" + msg.ID
		if n.seen.Contains(key) {
			metrics.Stats.ControlDropped("duplicate")
			return
		}
		n.seen.Add(key, struct{}{})
	}
	metrics.Stats.Datagram("in", msg.Type.String())

	switch msg.Type {
	case wire.TypeSessionRequest, wire.TypeSessionReply, wire.TypeSessionClose:
		if !n.friends.IsFriend(from) {
			metrics.Stats.ControlDropped("not_friend")
			return
		}
		n.sessLoop.Push(func() { n.sessions.HandleMessage(from, msg) })
		return
	}
	if n.friends.HandleMessage(from, msg) || n.invites.HandleMessage(from, msg) {
		return
	}
	metrics.Stats.ControlDropped("unknown_type")
	util.LogDebug("[%s] %s dropped", from.Short(), msg.Type)
}

// relations answers the session manager's friendship questions from
// application goroutines.
type relations struct{ n *Node }

func (r relations) State(peer ids.ID) friend.State {
	st := friend.Stranger
	err := r.n.exec(func() error {
		st = r.n.friends.State(peer)
		return nil
	})
	if err != nil {
		util.LogDebug("[%s] relationship lookup: %v", peer.Short(), err)
	}
	return st
}
