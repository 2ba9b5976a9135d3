package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nodecollab/internal/models"
	"nodecollab/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueSize  = 256
	handshakeWait  = 15 * time.Second
	maxMessageSize = 1 << 20
)

// WebSocketTransport links peers through a relay server.
type WebSocketTransport struct {
	baseURL *url.URL
	dialer  *websocket.Dialer
	header  http.Header

	hostToken string
}

// NewWebSocketTransport accepts the relay base URL (http, https, ws or wss).
func NewWebSocketTransport(baseURL string) (*WebSocketTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	return &WebSocketTransport{
		baseURL: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeWait,
		},
		header: http.Header{},
	}, nil
}

// SetHostToken makes Host present token, which the relay requires before
// letting a host back into a session that already exists.
func (t *WebSocketTransport) SetHostToken(token string) {
	t.hostToken = token
}

func (t *WebSocketTransport) Host(ctx context.Context, sessionID, name string, self models.PeerInfo) (Link, error) {
	return t.open(ctx, wire.Envelope{
		Type:      wire.TypeHello,
		SessionID: sessionID,
		Role:      wire.RoleHost,
		Name:      name,
		Peer:      &self,
		HostToken: t.hostToken,
	})
}

func (t *WebSocketTransport) Connect(ctx context.Context, sessionID string, self models.PeerInfo) (Link, error) {
	return t.open(ctx, wire.Envelope{
		Type:      wire.TypeHello,
		SessionID: sessionID,
		Role:      wire.RoleJoin,
		Peer:      &self,
	})
}

func (t *WebSocketTransport) endpoint(sessionID string) string {
	u := *t.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String()
}

func (t *WebSocketTransport) open(ctx context.Context, hello wire.Envelope) (Link, error) {
	if hello.SessionID == "" {
		return nil, ErrSessionNotFound
	}
	conn, _, err := t.dialer.DialContext(ctx, t.endpoint(hello.SessionID), t.header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	deadline := time.Now().Add(handshakeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	// Unblock the handshake read if ctx is cancelled first.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	_ = conn.SetReadDeadline(deadline)
	var reply wire.Envelope
	err = conn.ReadJSON(&reply)
	stop()
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	switch reply.Type {
	case wire.TypeWelcome:
	case wire.TypeError:
		conn.Close()
		return nil, handshakeError(reply.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s frame", ErrRejected, reply.Type)
	}

	link := newWSLink(conn, *hello.Peer, reply)
	go link.writePump()
	go link.readPump()
	return link, nil
}

func handshakeError(msg string) error {
	switch msg {
	case ErrSessionNotFound.Error():
		return ErrSessionNotFound
	case ErrSessionExists.Error():
		return ErrSessionExists
	case ErrSessionClosed.Error():
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}

type wsLink struct {
	conn      *websocket.Conn
	self      models.PeerInfo
	sessionID string
	hostToken string

	send   chan []byte
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	peers map[string]models.PeerInfo
	order []string
}

func newWSLink(conn *websocket.Conn, self models.PeerInfo, welcome wire.Envelope) *wsLink {
	l := &wsLink{
		conn:      conn,
		self:      self,
		sessionID: welcome.SessionID,
		hostToken: welcome.HostToken,
		send:      make(chan []byte, sendQueueSize),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		peers:     make(map[string]models.PeerInfo),
	}
	l.events <- Event{Kind: EventStateChanged, State: models.ConnConnected}
	for _, p := range welcome.Peers {
		if p.ID == self.ID || !l.addPeer(p) {
			continue
		}
		select {
		case l.events <- Event{Kind: EventPeerJoined, Peer: p}:
		default:
			log.Printf("transport: welcome roster larger than event buffer, dropping %s", p.ID)
		}
	}
	return l
}

// HostToken returns the token the relay issued when this link hosted the session.
func (l *wsLink) HostToken() string {
	return l.hostToken
}

func (l *wsLink) addPeer(p models.PeerInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[p.ID]; ok {
		return false
	}
	l.peers[p.ID] = p
	l.order = append(l.order, p.ID)
	return true
}

func (l *wsLink) removePeer(id string) (models.PeerInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[id]
	if !ok {
		return models.PeerInfo{}, false
	}
	delete(l.peers, id)
	for i, pid := range l.order {
		if pid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (l *wsLink) peer(id string) models.PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[id]; ok {
		return p
	}
	return models.PeerInfo{ID: id}
}

func (l *wsLink) Peers() []models.PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.PeerInfo, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.peers[id])
	}
	return out
}

func (l *wsLink) Events() <-chan Event {
	return l.events
}

func (l *wsLink) Send(peerID string, payload []byte) error {
	if peerID == "" {
		return ErrPeerNotFound
	}
	return l.enqueue(wire.Envelope{Type: wire.TypeData, To: peerID, Payload: payload})
}

func (l *wsLink) Broadcast(payload []byte) error {
	return l.enqueue(wire.Envelope{Type: wire.TypeData, Payload: payload})
}

func (l *wsLink) enqueue(env wire.Envelope) error {
	env.SessionID = l.sessionID
	env.From = l.self.ID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return ErrLinkClosed
	default:
		return ErrSendQueueFull
	}
}

func (l *wsLink) Close() error {
	l.shutdown()
	return nil
}

func (l *wsLink) shutdown() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = l.conn.Close()
	})
}

func (l *wsLink) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *wsLink) readPump() {
	defer close(l.events)
	l.conn.SetReadLimit(maxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env wire.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			select {
			case <-l.done:
				// closed locally
			default:
				state := models.ConnDisconnected
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					var netErr interface{ Timeout() bool }
					if errors.As(err, &netErr) && netErr.Timeout() {
						state = models.ConnFailed
					}
				}
				l.emit(Event{Kind: EventStateChanged, State: state})
				l.shutdown()
			}
			return
		}
		switch env.Type {
		case wire.TypePeerJoined:
			if env.Peer != nil && env.Peer.ID != l.self.ID && l.addPeer(*env.Peer) {
				l.emit(Event{Kind: EventPeerJoined, Peer: *env.Peer})
			}
		case wire.TypePeerLeft:
			if env.Peer == nil {
				continue
			}
			if p, ok := l.removePeer(env.Peer.ID); ok {
				l.emit(Event{Kind: EventPeerLeft, Peer: p})
			}
		case wire.TypeData:
			if env.From == l.self.ID {
				continue
			}
			l.emit(Event{Kind: EventData, Peer: l.peer(env.From), Payload: []byte(env.Payload)})
		case wire.TypeClosed:
			l.emit(Event{Kind: EventStateChanged, State: models.ConnClosed})
			l.shutdown()
			return
		case wire.TypeError:
			log.Printf("transport: relay error on session %s: %s", l.sessionID, env.Error)
		}
	}
}

func (l *wsLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("transport: write to relay failed: %v", err)
				l.shutdown()
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				l.shutdown()
				return
			}
		case <-l.done:
			return
		}
	}
}
