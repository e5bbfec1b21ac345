package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server routes datagrams between attached nodes.
type Server struct {
	key    ids.ID // challenges are sealed to this key
	secret ids.SecretKey

	mu       sync.Mutex
	peers    map[ids.ID]*peerConn
	watchers map[ids.ID]map[*peerConn]struct{} // watched id -> who watches it

	listener net.Listener
	http     *http.Server
}

// NewServer creates an empty relay with a fresh challenge key.
func NewServer() (*Server, error) {
	key, secret, err := ids.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("relay key: %w", err)
	}
	return &Server{
		key:      key,
		secret:   secret,
		peers:    make(map[ids.ID]*peerConn),
		watchers: make(map[ids.ID]map[*peerConn]struct{}),
	}, nil
}

// Start listens on addr and serves the relay and /metrics. It returns the
// bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle(Path, s)
	mux.Handle("/metrics", metrics.Handler())
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: helloWait}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay server: %v", err)
		}
	}()
	return listener.Addr().String(), nil
}

// Close stops accepting nodes and drops the attached ones.
func (s *Server) Close() error {
	var err error
	if s.http != nil {
		err = s.http.Close()
	}

	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
	return err
}

// Peers returns how many nodes are attached.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ServeHTTP upgrades the request and runs the node's session until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxEnvelope)

	id, err := s.hello(conn)
	if err != nil {
		util.LogDebug("relay: rejected %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	pc := &peerConn{
		id:      id,
		conn:    conn,
		out:     make(chan []byte, sendQueueSize),
		closing: make(chan struct{}),
		watches: make(map[ids.ID]struct{}),
	}
	s.attach(pc)
	defer s.detach(pc)

	util.LogDebug("relay: %s attached from %s", id.Short(), r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pc.writeLoop(ctx) })
	g.Go(func() error {
		defer pc.close()
		return s.readLoop(pc)
	})
	if err := g.Wait(); err != nil && !isClosed(err) {
		util.LogDebug("relay: %s: %v", id.Short(), err)
	}
	util.LogDebug("relay: %s detached", id.Short())
}

// hello reads the first envelope, which must name the node, and has the
// node prove it holds the id's secret key.
func (s *Server) hello(conn *websocket.Conn) (ids.ID, error) {
	deadline := time.Now().Add(helloWait)
	env, err := readEnvelope(conn, deadline, opHello)
	if err != nil {
		return ids.ID{}, err
	}
	id, err := env.peer()
	if err != nil {
		return ids.ID{}, err
	}

	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return ids.ID{}, fmt.Errorf("token: %w", err)
	}
	if err := writeEnvelope(conn, deadline, &envelope{Op: opChallenge, Peer: s.key[:], Data: token}); err != nil {
		return ids.ID{}, err
	}
	env, err = readEnvelope(conn, deadline, opProof)
	if err != nil {
		return ids.ID{}, err
	}
	if !openToken(env.Data, token, id, s.secret) {
		metrics.Stats.ControlDropped("bad_proof")
		return ids.ID{}, fmt.Errorf("%s failed to prove its id", id.Short())
	}

	if err := writeEnvelope(conn, time.Now().Add(writeWait), &envelope{Op: opWelcome}); err != nil {
		return ids.ID{}, err
	}
	return id, nil
}

func readEnvelope(conn *websocket.Conn, deadline time.Time, want op) (*envelope, error) {
	conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := decode(data)
	if err != nil {
		return nil, err
	}
	if env.Op != want {
		return nil, fmt.Errorf("expected %s, got %s", want, env.Op)
	}
	return env, nil
}

func writeEnvelope(conn *websocket.Conn, deadline time.Time, env *envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Server) readLoop(pc *peerConn) error {
	pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := decode(data)
		if err != nil {
			metrics.Stats.ControlDropped("malformed")
			continue
		}

		switch env.Op {
		case opSend:
			to, err := env.peer()
			if err != nil {
				metrics.Stats.ControlDropped("malformed")
				continue
			}
			s.route(pc.id, to, env.Data)
		case opWatch:
			s.watch(pc, env.Peers)
		default:
			metrics.Stats.ControlDropped("unexpected")
		}
	}
}

func (s *Server) route(from, to ids.ID, data []byte) {
	s.mu.Lock()
	dst := s.peers[to]
	s.mu.Unlock()

	metrics.Stats.Datagram("in", "relay")
	if dst == nil {
		metrics.Stats.ControlDropped("offline")
		return
	}
	if dst.enqueue(&envelope{Op: opDeliver, Peer: from[:], Data: data}) {
		metrics.Stats.Datagram("out", "relay")
	}
}

// watch replaces pc's watched set and reports peers that are already online.
func (s *Server) watch(pc *peerConn, raw [][]byte) {
	if len(raw) > maxWatchedPeer {
		raw = raw[:maxWatchedPeer]
	}
	next := make(map[ids.ID]struct{}, len(raw))
	for _, b := range raw {
		if len(b) != ids.IDSize {
			continue
		}
		next[ids.ID(b)] = struct{}{}
	}

	var online []ids.ID
	s.mu.Lock()
	for id := range pc.watches {
		if _, keep := next[id]; !keep {
			s.unwatchLocked(pc, id)
		}
	}
	for id := range next {
		if _, had := pc.watches[id]; had {
			continue
		}
		set := s.watchers[id]
		if set == nil {
			set = make(map[*peerConn]struct{})
			s.watchers[id] = set
		}
		set[pc] = struct{}{}
		if _, ok := s.peers[id]; ok {
			online = append(online, id)
		}
	}
	pc.watches = next
	s.mu.Unlock()

	for _, id := range online {
		pc.enqueue(&envelope{Op: opPresence, Peer: id[:], Online: true})
	}
}

func (s *Server) unwatchLocked(pc *peerConn, id ids.ID) {
	if set := s.watchers[id]; set != nil {
		delete(set, pc)
		if len(set) == 0 {
			delete(s.watchers, id)
		}
	}
}

// attach registers pc, replacing an older connection of the same node.
func (s *Server) attach(pc *peerConn) {
	s.mu.Lock()
	old := s.peers[pc.id]
	s.peers[pc.id] = pc
	n := len(s.peers)
	s.mu.Unlock()

	metrics.Stats.RelayPeers(n)
	if old != nil {
		old.close()
	}
	if old == nil {
		s.presence(pc.id, true)
	}
}

func (s *Server) detach(pc *peerConn) {
	s.mu.Lock()
	for id := range pc.watches {
		s.unwatchLocked(pc, id)
	}
	current := s.peers[pc.id] == pc
	if current {
		delete(s.peers, pc.id)
	}
	n := len(s.peers)
	s.mu.Unlock()

	pc.close()
	metrics.Stats.RelayPeers(n)
	if current {
		s.presence(pc.id, false)
	}
}

func (s *Server) presence(id ids.ID, online bool) {
	s.mu.Lock()
	var targets []*peerConn
	for w := range s.watchers[id] {
		if w.id != id {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.enqueue(&envelope{Op: opPresence, Peer: id[:], Online: online})
	}
}

// ---------------------------------------------------------------------------
// peerConn
// ---------------------------------------------------------------------------

type peerConn struct {
	id   ids.ID
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	closing   chan struct{}

	watches map[ids.ID]struct{} // guarded by Server.mu
}

// enqueue queues env without blocking; a full queue drops it.
func (pc *peerConn) enqueue(env *envelope) bool {
	data, err := encode(env)
	if err != nil {
		return false
	}
	select {
	case <-pc.closing:
		return false
	default:
	}
	select {
	case pc.out <- data:
		return true
	default:
		metrics.Stats.ControlDropped("queue_full")
		return false
	}
}

func (pc *peerConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-pc.out:
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				pc.close()
				return err
			}
		case <-ticker.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				pc.close()
				return err
			}
		case <-pc.closing:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.closing)
		pc.conn.Close()
	})
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
