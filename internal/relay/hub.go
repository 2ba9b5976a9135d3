package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nodecollab/internal/models"
	"nodecollab/internal/service/registry"
	"nodecollab/internal/transport"
	"nodecollab/internal/wire"
)

const storeTimeout = 5 * time.Second

var (
	errDuplicatePeer = errors.New("peer already connected")
	errNotHost       = errors.New("host token required to host an existing session")
)

// Registry is the session store the hub consults during handshakes.
type Registry interface {
	EnsureSession(ctx context.Context, id, name, hostID string) (*models.Session, bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CloseSession(ctx context.Context, id string) error
}

// HostTokens mints host tokens for newly hosted sessions and checks them
// when a host reconnects.
type HostTokens interface {
	IssueToken(ctx context.Context, sessionID string) (string, error)
	ValidateToken(ctx context.Context, hostToken string) (string, error)
	RevokeSessionTokens(ctx context.Context, sessionID string) error
}

// Journal receives every operation relayed through the hub.
type Journal interface {
	Submit(sessionID string, op models.Operation, done func(seq int64, err error)) error
}

// Options configure a Hub. Journal and Backplane are optional.
type Options struct {
	Registry       Registry
	Tokens         HostTokens
	Journal        Journal
	Backplane      *Backplane
	AllowedOrigins []string
}

// Hub routes frames between the members of each session. Rooms exist only
// while at least one local client is connected.
type Hub struct {
	registry  Registry
	tokens    HostTokens
	journal   Journal
	backplane *Backplane
	nodeID    string
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	id      string
	clients map[string]*client
	order   []string
}

func (r *room) add(c *client) {
	r.clients[c.peer.ID] = c
	r.order = append(r.order, c.peer.ID)
}

func (r *room) remove(c *client) bool {
	if cur, ok := r.clients[c.peer.ID]; !ok || cur != c {
		return false
	}
	delete(r.clients, c.peer.ID)
	for i, id := range r.order {
		if id == c.peer.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *room) peers() []models.PeerInfo {
	out := make([]models.PeerInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id].peer)
	}
	return out
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		registry:  opts.Registry,
		tokens:    opts.Tokens,
		journal:   opts.Journal,
		backplane: opts.Backplane,
		nodeID:    uuid.NewString(),
		rooms:     make(map[string]*room),
	}
	if opts.Backplane != nil {
		h.nodeID = opts.Backplane.NodeID()
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// NodeID identifies this relay on the backplane.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Run consumes backplane traffic until ctx is done. Without a backplane it
// returns immediately.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		return nil
	}
	return h.backplane.Run(ctx, h.deliverRemote)
}

// ServeWS upgrades the request and performs the hello/welcome handshake for
// sessionID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}
	c, err := h.handshake(conn, sessionID)
	if err != nil {
		debugLog("[relay] session %s handshake rejected: %v", sessionID, err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(wire.Envelope{Type: wire.TypeError, SessionID: sessionID, Error: err.Error()})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) handshake(conn *websocket.Conn, sessionID string) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var hello wire.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if hello.Type != wire.TypeHello {
		return nil, fmt.Errorf("expected hello, got %s", hello.Type)
	}
	if hello.SessionID == "" {
		hello.SessionID = sessionID
	}
	if hello.SessionID != sessionID {
		return nil, errors.New("session id mismatch")
	}
	if hello.Peer == nil || strings.TrimSpace(hello.Peer.ID) == "" {
		return nil, errors.New("peer identity required")
	}
	peer := *hello.Peer

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var (
		hostToken string
		issue     bool
	)
	switch hello.Role {
	case wire.RoleHost:
		session, created, err := h.registry.EnsureSession(ctx, sessionID, hello.Name, peer.ID)
		if err != nil {
			log.Printf("relay: ensure session %s: %v", sessionID, err)
			return nil, errors.New("session unavailable")
		}
		if !session.Open() {
			return nil, transport.ErrSessionClosed
		}
		if !created {
			if session.HostID != peer.ID {
				return nil, transport.ErrSessionExists
			}
			// the peer id is public, only the token proves the host
			if !h.validHostToken(ctx, sessionID, hello.HostToken) {
				return nil, errNotHost
			}
			hostToken = hello.HostToken
		}
		issue = created && h.tokens != nil
	case wire.RoleJoin:
		session, err := h.registry.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, transport.ErrSessionNotFound
			}
			log.Printf("relay: lookup session %s: %v", sessionID, err)
			return nil, errors.New("session unavailable")
		}
		if !session.Open() {
			return nil, transport.ErrSessionClosed
		}
	default:
		return nil, fmt.Errorf("unknown role %q", hello.Role)
	}

	if issue {
		// a duplicate must never walk away with a token
		if h.connected(sessionID, peer.ID) {
			return nil, errDuplicatePeer
		}
		token, err := h.tokens.IssueToken(ctx, sessionID)
		if err != nil {
			log.Printf("relay: issue host token for %s: %v", sessionID, err)
		}
		hostToken = token
	}

	remote := h.remoteMembers(ctx, sessionID)

	c := &client{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		peer:      peer,
		role:      hello.Role,
		joinedAt:  time.Now().UTC(),
		send:      make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("relay shutting down")
	}
	r := h.rooms[sessionID]
	if r == nil {
		r = &room{id: sessionID, clients: make(map[string]*client)}
		h.rooms[sessionID] = r
	}
	if _, dup := r.clients[peer.ID]; dup {
		if len(r.clients) == 0 {
			delete(h.rooms, sessionID)
		}
		h.mu.Unlock()
		if issue && hostToken != "" {
			h.revokeTokens(sessionID)
		}
		return nil, errDuplicatePeer
	}
	roster := r.peers()
	for _, p := range remote {
		if _, local := r.clients[p.ID]; !local && p.ID != peer.ID {
			roster = append(roster, p)
		}
	}
	// the welcome is the first frame the writer sends
	c.send <- encode(wire.Envelope{
		Type:      wire.TypeWelcome,
		SessionID: sessionID,
		Peers:     roster,
		HostToken: hostToken,
	})
	r.add(c)
	joined := wire.Envelope{Type: wire.TypePeerJoined, SessionID: sessionID, Peer: &peer}
	dropped := h.fanoutLocked(r, encode(joined), "", peer.ID)
	left := h.leaveLocked(r, dropped)
	h.mu.Unlock()

	log.Printf("relay: peer %s joined session %s as %s", peer.ID, sessionID, hello.Role)
	h.announceJoin(c)
	h.announceLeft(sessionID, left, false)
	return c, nil
}

func (h *Hub) connected(sessionID, peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[sessionID]
	if r == nil {
		return false
	}
	_, ok := r.clients[peerID]
	return ok
}

func (h *Hub) validHostToken(ctx context.Context, sessionID, token string) bool {
	if h.tokens == nil || token == "" {
		return false
	}
	owner, err := h.tokens.ValidateToken(ctx, token)
	if err != nil {
		debugLog("[relay] host token for %s rejected: %v", sessionID, err)
		return false
	}
	return owner == sessionID
}

func (h *Hub) revokeTokens(sessionID string) {
	if h.tokens == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.tokens.RevokeSessionTokens(ctx, sessionID); err != nil {
		log.Printf("relay: revoke host tokens of %s: %v", sessionID, err)
	}
}

// route forwards a data frame from c to the rest of its room.
func (h *Hub) route(c *client, env wire.Envelope) {
	env.SessionID = c.sessionID
	env.From = c.peer.ID
	env.Node = ""
	env.HostToken = ""

	h.mu.Lock()
	r := h.rooms[c.sessionID]
	if r == nil || r.clients[c.peer.ID] != c {
		h.mu.Unlock()
		return
	}
	_, localTarget := r.clients[env.To]
	dropped := h.fanoutLocked(r, encode(env), env.To, c.peer.ID)
	left := h.leaveLocked(r, dropped)
	h.mu.Unlock()

	h.announceLeft(c.sessionID, left, false)
	if env.To == "" || !localTarget {
		h.publish(env)
	}
	h.journalFrame(env)
}

func (h *Hub) journalFrame(env wire.Envelope) {
	if h.journal == nil || len(env.Payload) == 0 {
		return
	}
	msg, err := wire.DecodeMessage(env.Payload)
	if err != nil || msg.Kind != wire.KindOperation {
		return
	}
	if msg.Op.UserID != env.From {
		log.Printf("relay: session %s: op from %s claims user %s, not journaled", env.SessionID, env.From, msg.Op.UserID)
		return
	}
	if err := h.journal.Submit(env.SessionID, *msg.Op, nil); err != nil {
		log.Printf("relay: session %s: journal %s: %v", env.SessionID, msg.Op.Type, err)
	}
}

// fanoutLocked queues data for every client of r except exclude, or only for
// to when set. Clients whose queue is full are returned for removal.
func (h *Hub) fanoutLocked(r *room, data []byte, to, exclude string) []*client {
	if data == nil {
		return nil
	}
	var slow []*client
	for _, id := range r.order {
		if id == exclude || (to != "" && id != to) {
			continue
		}
		c := r.clients[id]
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}

// leaveLocked removes clients from r and tells the remaining members. It
// returns every client that actually left, including members dropped while
// announcing.
func (h *Hub) leaveLocked(r *room, queue []*client) []*client {
	var left []*client
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if !r.remove(c) {
			continue
		}
		close(c.send)
		left = append(left, c)
		gone := wire.Envelope{Type: wire.TypePeerLeft, SessionID: r.id, Peer: &models.PeerInfo{ID: c.peer.ID, Name: c.peer.Name}}
		queue = append(queue, h.fanoutLocked(r, encode(gone), "", "")...)
	}
	if len(r.clients) == 0 && h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
	return left
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	r := h.rooms[c.sessionID]
	if r == nil {
		h.mu.Unlock()
		return
	}
	left := h.leaveLocked(r, []*client{c})
	h.mu.Unlock()
	h.announceLeft(c.sessionID, left, true)
}

func (h *Hub) announceJoin(c *client) {
	if h.backplane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.backplane.Join(ctx, c.sessionID, c.peer, c.joinedAt); err != nil {
		log.Printf("relay: backplane join %s/%s: %v", c.sessionID, c.peer.ID, err)
	}
	peer := c.peer
	h.publish(wire.Envelope{Type: wire.TypePeerJoined, SessionID: c.sessionID, Peer: &peer})
}

// announceLeft propagates departures and closes the session once nobody is
// left anywhere. closeEmpty is false for departures caused by the session
// being closed or by fan-out pressure during a join.
func (h *Hub) announceLeft(sessionID string, left []*client, closeEmpty bool) {
	if len(left) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, c := range left {
		log.Printf("relay: peer %s left session %s", c.peer.ID, sessionID)
		if h.backplane == nil {
			continue
		}
		if err := h.backplane.Leave(ctx, sessionID, c.peer.ID); err != nil {
			log.Printf("relay: backplane leave %s/%s: %v", sessionID, c.peer.ID, err)
		}
		peer := c.peer
		h.publish(wire.Envelope{Type: wire.TypePeerLeft, SessionID: sessionID, Peer: &peer})
	}
	if !closeEmpty || h.LocalMembers(sessionID) > 0 || len(h.remoteMembers(ctx, sessionID)) > 0 {
		return
	}
	if err := h.registry.CloseSession(ctx, sessionID); err != nil &&
		!errors.Is(err, registry.ErrSessionClosed) && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("relay: close empty session %s: %v", sessionID, err)
		return
	}
	h.revokeTokens(sessionID)
	debugLog("[relay] session %s closed after last member left", sessionID)
}

func (h *Hub) publish(env wire.Envelope) {
	if h.backplane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.backplane.Publish(ctx, env); err != nil {
		log.Printf("relay: backplane publish %s for %s: %v", env.Type, env.SessionID, err)
	}
}

func (h *Hub) remoteMembers(ctx context.Context, sessionID string) []models.PeerInfo {
	if h.backplane == nil {
		return nil
	}
	members, err := h.backplane.Members(ctx, sessionID)
	if err != nil {
		log.Printf("relay: backplane members %s: %v", sessionID, err)
		return nil
	}
	out := make([]models.PeerInfo, 0, len(members))
	for _, m := range members {
		if m.Node != h.nodeID {
			out = append(out, m.Peer)
		}
	}
	return out
}

// deliverRemote applies a frame published by another relay node.
func (h *Hub) deliverRemote(env wire.Envelope) {
	h.mu.Lock()
	r := h.rooms[env.SessionID]
	if r == nil {
		h.mu.Unlock()
		return
	}
	env.Node = ""
	var dropped []*client
	switch env.Type {
	case wire.TypeData:
		dropped = h.fanoutLocked(r, encode(env), env.To, env.From)
	case wire.TypePeerJoined, wire.TypePeerLeft:
		if env.Peer == nil {
			h.mu.Unlock()
			return
		}
		dropped = h.fanoutLocked(r, encode(env), "", env.Peer.ID)
	case wire.TypeClosed:
		left := h.closeRoomLocked(r)
		h.mu.Unlock()
		h.announceLeft(env.SessionID, left, false)
		return
	default:
		h.mu.Unlock()
		return
	}
	left := h.leaveLocked(r, dropped)
	h.mu.Unlock()
	h.announceLeft(env.SessionID, left, false)
}

// CloseRoom tells every member that the session is closed and disconnects
// them, on this node and, through the backplane, on others.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	var left []*client
	if r := h.rooms[sessionID]; r != nil {
		left = h.closeRoomLocked(r)
	}
	h.mu.Unlock()
	h.announceLeft(sessionID, left, false)
	h.publish(wire.Envelope{Type: wire.TypeClosed, SessionID: sessionID})
}

func (h *Hub) closeRoomLocked(r *room) []*client {
	data := encode(wire.Envelope{Type: wire.TypeClosed, SessionID: r.id})
	left := make([]*client, 0, len(r.order))
	for _, id := range append([]string(nil), r.order...) {
		c := r.clients[id]
		select {
		case c.send <- data:
		default:
		}
		r.remove(c)
		close(c.send)
		left = append(left, c)
	}
	delete(h.rooms, r.id)
	return left
}

// Members lists everyone connected to sessionID across relay nodes, local
// members first in join order.
func (h *Hub) Members(ctx context.Context, sessionID string) []models.PeerInfo {
	h.mu.Lock()
	var out []models.PeerInfo
	local := make(map[string]struct{})
	if r := h.rooms[sessionID]; r != nil {
		out = r.peers()
		for _, p := range out {
			local[p.ID] = struct{}{}
		}
	}
	h.mu.Unlock()
	for _, p := range h.remoteMembers(ctx, sessionID) {
		if _, dup := local[p.ID]; !dup {
			out = append(out, p)
		}
	}
	if out == nil {
		out = []models.PeerInfo{}
	}
	return out
}

// LocalMembers counts clients of sessionID connected to this node.
func (h *Hub) LocalMembers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[sessionID]; r != nil {
		return len(r.clients)
	}
	return 0
}

// Shutdown disconnects every client without closing their sessions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for id, r := range h.rooms {
		for _, c := range r.clients {
			close(c.send)
			all = append(all, c)
		}
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	if h.backplane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, c := range all {
		if err := h.backplane.Leave(ctx, c.sessionID, c.peer.ID); err != nil {
			log.Printf("relay: backplane leave on shutdown: %v", err)
		}
	}
}

// String is used in log lines.
func (h *Hub) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.rooms {
		n += len(r.clients)
	}
	return fmt.Sprintf("relay %s: %d rooms, %d clients", h.nodeID[:8], len(h.rooms), n)
}
