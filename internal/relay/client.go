package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/link"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

// Client attaches a node to a relay. It implements link.Network.
type Client struct {
	// URL is the relay's websocket URL, e.g. ws://relay.example:7000/relay.
	URL    string
	Header http.Header
	// Secret proves the id passed to Join.
	Secret ids.SecretKey
}

var _ link.Network = (*Client)(nil)

// NewClient returns a Client for url that attaches with secret.
func NewClient(url string, secret ids.SecretKey) *Client {
	return &Client{URL: url, Secret: secret}
}

// Join dials the relay and attaches as self. h receives
// HandleConnection(true) first and HandleConnection(false) if the relay
// connection is lost.
func (c *Client) Join(ctx context.Context, self ids.ID, h link.Handler) (link.Endpoint, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", c.URL, err)
	}
	conn.SetReadLimit(maxEnvelope)

	if err := handshake(ctx, conn, self, c.Secret); err != nil {
		conn.Close()
		return nil, err
	}

	ep := &endpoint{
		self: self,
		conn: conn,
		done: make(chan struct{}),
	}
	ep.events = util.NewMailbox(func(ev event) { ev.dispatch(h) })
	ep.events.Push(event{kind: eventConnection, online: true})

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(ep.readLoop)
	g.Go(func() error { return ep.pingLoop(gctx) })
	go func() {
		err := g.Wait()
		ep.shutdown(err)
	}()

	util.LogDebug("[%s] joined relay %s", self.Short(), c.URL)
	return ep, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, self ids.ID, secret ids.SecretKey) error {
	deadline := time.Now().Add(helloWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := writeEnvelope(conn, deadline, &envelope{Op: opHello, Peer: self[:]}); err != nil {
		return fmt.Errorf("relay hello: %w", err)
	}
	challenge, err := readEnvelope(conn, deadline, opChallenge)
	if err != nil {
		return fmt.Errorf("relay challenge: %w", err)
	}
	relayKey, err := challenge.peer()
	if err != nil {
		return fmt.Errorf("relay challenge: %w", err)
	}
	proof, err := sealToken(challenge.Data, relayKey, secret)
	if err != nil {
		return err
	}
	if err := writeEnvelope(conn, deadline, &envelope{Op: opProof, Data: proof}); err != nil {
		return fmt.Errorf("relay proof: %w", err)
	}
	if _, err := readEnvelope(conn, deadline, opWelcome); err != nil {
		return fmt.Errorf("relay welcome: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return nil
}

// ---------------------------------------------------------------------------
// endpoint
// ---------------------------------------------------------------------------

type eventKind uint8

const (
	eventDatagram eventKind = iota
	eventPresence
	eventConnection
)

type event struct {
	kind   eventKind
	peer   ids.ID
	data   []byte
	online bool
}

func (ev event) dispatch(h link.Handler) {
	switch ev.kind {
	case eventDatagram:
		h.HandleDatagram(ev.peer, ev.data)
	case eventPresence:
		h.HandlePresence(ev.peer, ev.online)
	case eventConnection:
		h.HandleConnection(ev.online)
	}
}

type endpoint struct {
	self   ids.ID
	conn   *websocket.Conn
	events *util.Mailbox[event]

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    bool // set under writeMu
	local     bool
	done      chan struct{}
}

func (e *endpoint) Self() ids.ID { return e.self }

// write serializes envelope writes to the websocket.
func (e *endpoint) write(ctx context.Context, env *envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return link.ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	e.conn.SetWriteDeadline(deadline)
	if err := e.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("relay write %s: %w", env.Op, err)
	}
	return nil
}

func (e *endpoint) SendTo(ctx context.Context, to ids.ID, datagram []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.write(ctx, &envelope{Op: opSend, Peer: to[:], Data: datagram}); err != nil {
		return err
	}
	metrics.Stats.Datagram("out", "relay")
	return nil
}

func (e *endpoint) Watch(peers []ids.ID) error {
	raw := make([][]byte, 0, len(peers))
	for _, p := range peers {
		raw = append(raw, append([]byte(nil), p[:]...))
	}
	return e.write(context.Background(), &envelope{Op: opWatch, Peers: raw})
}

func (e *endpoint) readLoop() error {
	e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPingHandler(func(appData string) error {
		e.conn.SetReadDeadline(time.Now().Add(pongWait))
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		return e.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := decode(data)
		if err != nil {
			metrics.Stats.ControlDropped("malformed")
			continue
		}
		peer, err := env.peer()
		if err != nil {
			metrics.Stats.ControlDropped("malformed")
			continue
		}

		switch env.Op {
		case opDeliver:
			metrics.Stats.Datagram("in", "relay")
			e.events.Push(event{kind: eventDatagram, peer: peer, data: env.Data})
		case opPresence:
			e.events.Push(event{kind: eventPresence, peer: peer, online: env.Online})
		default:
			metrics.Stats.ControlDropped("unexpected")
		}
	}
}

// pingLoop keeps idle connections alive through proxies.
func (e *endpoint) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.writeMu.Lock()
			err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			e.writeMu.Unlock()
			if err != nil {
				e.conn.Close()
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *endpoint) Done() <-chan struct{} { return e.done }

func (e *endpoint) Close() error {
	e.writeMu.Lock()
	e.local = true
	e.writeMu.Unlock()

	e.shutdown(nil)
	return nil
}

// shutdown runs once, either on Close or when the read loop fails.
func (e *endpoint) shutdown(cause error) {
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		e.closed = true
		local := e.local
		if local {
			e.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		e.writeMu.Unlock()
		e.conn.Close()

		if !local {
			if cause != nil && !isClosed(cause) {
				util.LogWarning("[%s] relay connection lost: %v", e.self.Short(), cause)
			}
			e.events.Push(event{kind: eventConnection, online: false})
		}
		e.events.Close()
		close(e.done)
	})
}
