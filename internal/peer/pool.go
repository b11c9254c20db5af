package peer

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"meshkv/internal/signaling"
)

const heartbeatInterval = 30 * time.Second

// Config configures a Pool's connection to the relay and to each peer.
type Config struct {
	SignalingURL string // e.g. "wss://relay.example.com"
	Room         string
	User         string
	APIKey       string
	ICEServers   []webrtc.ICEServer
}

// Pool maintains the local peer's signaling connection and one session per
// remote user in the room. It is the concrete realization of §4.F: peer
// session manager.
type Pool struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*session
	conn     *websocket.Conn
	sendCh   chan signaling.Message // the current connection generation's outbound queue
	connDone chan struct{}          // closed to retire the previous generation's writePump

	onMessage OnMessage

	awaitMu   sync.Mutex
	awaiters  []chan struct{}
	requireNs []int

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a Pool ready to Connect. onMessage is invoked for every
// payload delivered on any session's data channel; it may be nil and set
// later with SetOnMessage, since the callback typically needs a reference
// to something (like a facade) that is itself built around the Pool.
func New(cfg Config, onMessage OnMessage) *Pool {
	return &Pool{
		cfg:       cfg,
		sessions:  make(map[string]*session),
		onMessage: onMessage,
		closed:    make(chan struct{}),
	}
}

// SetOnMessage installs the inbound data-channel callback after
// construction.
func (p *Pool) SetOnMessage(onMessage OnMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = onMessage
}

// Connect dials the relay and begins the reconnect-with-backoff loop. It
// returns once the first signaling connection succeeds; subsequent
// reconnects happen silently in the background, matching §5's "signaling
// reconnects silently" rule.
func (p *Pool) Connect(ctx context.Context) error {
	if err := p.dial(ctx); err != nil {
		return err
	}
	go p.heartbeatLoop(ctx)
	go p.reconnectLoop(ctx)
	return nil
}

func (p *Pool) dial(ctx context.Context) error {
	u, err := url.Parse(p.cfg.SignalingURL)
	if err != nil {
		return fmt.Errorf("peer: parse signaling url: %w", err)
	}
	u.Path = fmt.Sprintf("/connect/%s/%s", p.cfg.Room, p.cfg.User)

	header := http.Header{}
	header.Set("X-API-Key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("peer: dial signaling: %w", err)
	}

	// Each connection generation gets its own send queue and done signal,
	// so a stale writePump from a previous generation can never dequeue
	// (and silently drop) a message meant for the live connection: once
	// p.sendCh is swapped, enqueue only ever targets the new channel.
	sendCh := make(chan signaling.Message, 64)
	connDone := make(chan struct{})

	p.mu.Lock()
	prevDone := p.connDone
	p.conn = conn
	p.sendCh = sendCh
	p.connDone = connDone
	p.mu.Unlock()
	if prevDone != nil {
		close(prevDone)
	}

	go p.readPump(conn)
	go p.writePump(conn, sendCh, connDone)

	// Announce ourselves to the room so existing members initiate an
	// offer to us.
	p.enqueue(signaling.Message{
		Action:   signaling.ActionHandleConn,
		From:     p.cfg.User,
		Room:     p.cfg.Room,
		Protocol: signaling.ProtocolOneToRoom,
	})
	return nil
}

// reconnectLoop redials with exponential backoff whenever the current
// connection drops, the same backoff shape the original cluster
// replicator used for retrying replication requests (100ms, 200ms,
// 400ms, ... capped).
func (p *Pool) reconnectLoop(ctx context.Context) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-p.connDropped():
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := p.dial(ctx); err != nil {
			log.Printf("peer: reconnect failed: %v", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 100 * time.Millisecond
		p.restartSessions()
	}
}

// connDropped returns a channel that closes once the current connection's
// read pump exits.
func (p *Pool) connDropped() <-chan struct{} {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		if conn == nil {
			return
		}
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return ch
}

// restartSessions issues a ReconnectOffer (ICE restart) to every session
// that was not Disconnected (negotiating or connected) before the
// signaling stream dropped.
func (p *Pool) restartSessions() {
	p.mu.RLock()
	users := make([]string, 0, len(p.sessions))
	for u, s := range p.sessions {
		if s.getStatus() != Disconnected {
			users = append(users, u)
		}
	}
	p.mu.RUnlock()

	for _, u := range users {
		if err := p.createOffer(u, signaling.ActionReconnectOffer); err != nil {
			log.Printf("peer: reconnect offer to %s: %v", u, err)
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-t.C:
			p.enqueue(signaling.Message{
				Action:   signaling.ActionHeartbeat,
				From:     p.cfg.User,
				Room:     p.cfg.Room,
				Protocol: signaling.ProtocolOneToSelf,
			})
		}
	}
}

// enqueue always targets the current connection generation's send queue, so
// a message built during a brief reconnect gap (no sendCh yet) is simply
// dropped rather than handed to a pump that has already retired.
func (p *Pool) enqueue(msg signaling.Message) {
	p.mu.RLock()
	ch := p.sendCh
	p.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	case <-p.closed:
	}
}

// writePump drains sendCh onto conn until the connection breaks, the pool
// closes, or done fires — done is closed by dial() the moment a newer
// connection generation takes over, so this goroutine never lingers
// reading a queue nothing will ever enqueue to again.
func (p *Pool) writePump(conn *websocket.Conn, sendCh chan signaling.Message, done <-chan struct{}) {
	for {
		select {
		case msg := <-sendCh:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		case <-p.closed:
			return
		}
	}
}

func (p *Pool) readPump(conn *websocket.Conn) {
	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		p.handleSignal(msg)
	}
}

// Close tears down the signaling connection and every peer session.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		for _, s := range p.sessions {
			s.close()
		}
		p.mu.Unlock()
	})
}
