package transport

import (
	"context"
	"sync"

	"nodecollab/internal/models"
)

// MemoryNetwork connects links living in the same process. It behaves like
// a relay with no network in between, which makes it the transport of
// choice for tests and single-process embedding.
type MemoryNetwork struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	id    string
	name  string
	links []*memoryLink
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{rooms: make(map[string]*memoryRoom)}
}

func (n *MemoryNetwork) Host(ctx context.Context, sessionID, name string, self models.PeerInfo) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.rooms[sessionID]; ok {
		return nil, ErrSessionExists
	}
	room := &memoryRoom{id: sessionID, name: name}
	link := newMemoryLink(n, room, self)
	room.links = append(room.links, link)
	n.rooms[sessionID] = room
	link.deliver(Event{Kind: EventStateChanged, State: models.ConnConnected})
	return link, nil
}

func (n *MemoryNetwork) Connect(ctx context.Context, sessionID string, self models.PeerInfo) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	room, ok := n.rooms[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	link := newMemoryLink(n, room, self)
	link.deliver(Event{Kind: EventStateChanged, State: models.ConnConnected})
	for _, other := range room.links {
		link.deliver(Event{Kind: EventPeerJoined, Peer: other.self})
		other.deliver(Event{Kind: EventPeerJoined, Peer: self})
	}
	room.links = append(room.links, link)
	return link, nil
}

// Sessions lists the ids of rooms with at least one link.
func (n *MemoryNetwork) Sessions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.rooms))
	for id := range n.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Drop simulates a lost connection: the peer's link reports
// disconnected and the others see it leave.
func (n *MemoryNetwork) Drop(sessionID, peerID string) {
	n.mu.Lock()
	room, ok := n.rooms[sessionID]
	if !ok {
		n.mu.Unlock()
		return
	}
	var dropped *memoryLink
	for _, l := range room.links {
		if l.self.ID == peerID {
			dropped = l
			break
		}
	}
	if dropped != nil {
		n.detachLocked(room, dropped)
	}
	n.mu.Unlock()
	if dropped != nil {
		dropped.hangUp(Event{Kind: EventStateChanged, State: models.ConnDisconnected})
	}
}

func (n *MemoryNetwork) detachLocked(room *memoryRoom, link *memoryLink) {
	remaining := room.links[:0]
	for _, l := range room.links {
		if l != link {
			remaining = append(remaining, l)
		}
	}
	room.links = remaining
	for _, l := range room.links {
		l.deliver(Event{Kind: EventPeerLeft, Peer: link.self})
	}
	if len(room.links) == 0 {
		delete(n.rooms, room.id)
	}
	link.room = nil
}

func (n *MemoryNetwork) fanout(from *memoryLink, to string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	room := from.room
	if room == nil {
		return ErrLinkClosed
	}
	buf := append([]byte(nil), payload...)
	delivered := false
	for _, l := range room.links {
		if l == from || (to != "" && l.self.ID != to) {
			continue
		}
		l.deliver(Event{Kind: EventData, Peer: from.self, Payload: buf})
		delivered = true
	}
	if to != "" && !delivered {
		return ErrPeerNotFound
	}
	return nil
}

type memoryLink struct {
	net  *MemoryNetwork
	room *memoryRoom // guarded by net.mu
	self models.PeerInfo

	mu     sync.Mutex
	queue  []Event
	closed bool
	hungUp bool // last event queued, events closes once drained
	notify chan struct{}
	done   chan struct{}
	events chan Event
}

func newMemoryLink(n *MemoryNetwork, room *memoryRoom, self models.PeerInfo) *memoryLink {
	l := &memoryLink{
		net:    n,
		room:   room,
		self:   self,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		events: make(chan Event, eventBuffer),
	}
	go l.pump()
	return l
}

// deliver queues ev without blocking the sender.
func (l *memoryLink) deliver(ev Event) {
	l.mu.Lock()
	if l.closed || l.hungUp {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	l.wake()
}

// hangUp queues last as the final event of a link the network let go of.
func (l *memoryLink) hangUp(last Event) {
	l.mu.Lock()
	if l.closed || l.hungUp {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, last)
	l.hungUp = true
	l.mu.Unlock()
	l.wake()
}

func (l *memoryLink) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *memoryLink) pump() {
	defer close(l.events)
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			hungUp := l.hungUp
			l.mu.Unlock()
			if hungUp {
				return
			}
			select {
			case <-l.notify:
			case <-l.done:
				return
			}
			continue
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}

func (l *memoryLink) Send(peerID string, payload []byte) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if peerID == "" {
		return ErrPeerNotFound
	}
	return l.net.fanout(l, peerID, payload)
}

func (l *memoryLink) Broadcast(payload []byte) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	return l.net.fanout(l, "", payload)
}

func (l *memoryLink) Events() <-chan Event {
	return l.events
}

func (l *memoryLink) Peers() []models.PeerInfo {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.room == nil {
		return nil
	}
	peers := make([]models.PeerInfo, 0, len(l.room.links))
	for _, other := range l.room.links {
		if other != l {
			peers = append(peers, other.self)
		}
	}
	return peers
}

func (l *memoryLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.queue = nil
	close(l.done)
	l.mu.Unlock()

	l.net.mu.Lock()
	if l.room != nil {
		l.net.detachLocked(l.room, l)
	}
	l.net.mu.Unlock()
	return nil
}

func (l *memoryLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
