package collab

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"nodecollab/internal/models"
	"nodecollab/internal/transport"
	"nodecollab/internal/wire"
)

type recorder struct {
	joined  chan models.User
	left    chan models.User
	ops     chan models.Operation
	cursors chan cursorEvent
	states  chan models.ConnectionState
}

type cursorEvent struct {
	userID string
	pos    models.CursorPosition
}

func newRecorder() *recorder {
	return &recorder{
		joined:  make(chan models.User, 16),
		left:    make(chan models.User, 16),
		ops:     make(chan models.Operation, 16),
		cursors: make(chan cursorEvent, 16),
		states:  make(chan models.ConnectionState, 16),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnUserJoined:        func(u models.User) { r.joined <- u },
		OnUserLeft:          func(u models.User) { r.left <- u },
		OnOperationReceived: func(op models.Operation) { r.ops <- op },
		OnCursorMoved: func(id string, pos models.CursorPosition) {
			r.cursors <- cursorEvent{userID: id, pos: pos}
		},
		OnConnectionStateChanged: func(s models.ConnectionState) { r.states <- s },
	}
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateThenLeaveReturnsToIdle(t *testing.T) {
	net := transport.NewMemoryNetwork()
	c := NewCoordinator(net, models.PeerInfo{ID: "a", Name: "Alice"}, Callbacks{})

	id, err := c.CreateSession(context.Background(), "S1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id == "" {
		t.Fatalf("expected session id")
	}
	if c.State() != models.StateHosting {
		t.Fatalf("expected hosting, got %s", c.State())
	}
	if members := c.Members(); len(members) != 1 || members[0].ID != "a" {
		t.Fatalf("local user should be sole member: %+v", members)
	}

	c.LeaveSession()
	if c.State() != models.StateIdle {
		t.Fatalf("expected idle after leave, got %s", c.State())
	}
	if len(c.Members()) != 0 {
		t.Fatalf("member set should be empty after leave")
	}
	if c.SessionID() != "" {
		t.Fatalf("session id should be cleared")
	}
	c.LeaveSession()
}

func TestCreateSessionIDsAreDistinct(t *testing.T) {
	net := transport.NewMemoryNetwork()
	c := NewCoordinator(net, models.PeerInfo{ID: "a"}, Callbacks{})
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := c.CreateSession(context.Background(), "S1")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if id == "" || seen[id] {
			t.Fatalf("id %q empty or repeated", id)
		}
		seen[id] = true
		c.LeaveSession()
	}
}

func TestCreateWhileInSessionFails(t *testing.T) {
	c := NewCoordinator(transport.NewMemoryNetwork(), models.PeerInfo{ID: "a"}, Callbacks{})
	if _, err := c.CreateSession(context.Background(), "one"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer c.LeaveSession()
	if _, err := c.CreateSession(context.Background(), "two"); !errors.Is(err, ErrAlreadyInSession) {
		t.Fatalf("expected ErrAlreadyInSession, got %v", err)
	}
}

func TestJoinUnknownSessionReturnsFalse(t *testing.T) {
	rec := newRecorder()
	c := NewCoordinator(transport.NewMemoryNetwork(), models.PeerInfo{ID: "b"}, rec.callbacks())
	if c.JoinSession(context.Background(), "does-not-exist") {
		t.Fatalf("join should fail")
	}
	if c.State() != models.StateIdle {
		t.Fatalf("expected idle after failed join, got %s", c.State())
	}
	if s := receive(t, rec.states, "connecting state"); s != models.ConnConnecting {
		t.Fatalf("expected connecting, got %s", s)
	}
	if s := receive(t, rec.states, "failed state"); s != models.ConnFailed {
		t.Fatalf("expected failed, got %s", s)
	}
}

func TestTwoCoordinatorsHostAndJoin(t *testing.T) {
	net := transport.NewMemoryNetwork()
	recA, recB := newRecorder(), newRecorder()
	a := NewCoordinator(net, models.PeerInfo{ID: "a", Name: "Alice"}, recA.callbacks())
	b := NewCoordinator(net, models.PeerInfo{ID: "b", Name: "Bob"}, recB.callbacks())

	id, err := a.CreateSession(context.Background(), "S1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer a.LeaveSession()
	if !b.JoinSession(context.Background(), id) {
		t.Fatalf("join failed")
	}
	defer b.LeaveSession()
	if b.State() != models.StateJoined {
		t.Fatalf("expected joined, got %s", b.State())
	}

	if u := receive(t, recA.joined, "A sees B"); u.ID != "b" || u.Name != "Bob" {
		t.Fatalf("A got unexpected join %+v", u)
	}
	if u := receive(t, recB.joined, "B sees A"); u.ID != "a" {
		t.Fatalf("B got unexpected join %+v", u)
	}

	members := a.Members()
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %+v", members)
	}
	if members[0].Color == members[1].Color {
		t.Fatalf("members should get distinct colors: %+v", members)
	}
}

func TestMembershipFollowsPeerEvents(t *testing.T) {
	net := transport.NewMemoryNetwork()
	recA := newRecorder()
	a := NewCoordinator(net, models.PeerInfo{ID: "a"}, recA.callbacks())
	b := NewCoordinator(net, models.PeerInfo{ID: "u"}, Callbacks{})

	id, _ := a.CreateSession(context.Background(), "S")
	defer a.LeaveSession()
	if !b.JoinSession(context.Background(), id) {
		t.Fatalf("join failed")
	}
	receive(t, recA.joined, "join of u")

	count := 0
	for _, m := range a.Members() {
		if m.ID == "u" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("u should appear exactly once, got %d", count)
	}

	b.LeaveSession()
	if u := receive(t, recA.left, "leave of u"); u.ID != "u" {
		t.Fatalf("unexpected leave %+v", u)
	}
	if _, ok := a.Member("u"); ok {
		t.Fatalf("u should be absent after leaving")
	}
}

func TestOperationsAndCursorsFlowBetweenPeers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	recA, recB := newRecorder(), newRecorder()
	a := NewCoordinator(net, models.PeerInfo{ID: "a"}, recA.callbacks(), WithCursorInterval(0))
	b := NewCoordinator(net, models.PeerInfo{ID: "b"}, recB.callbacks(), WithCursorInterval(0))

	id, _ := a.CreateSession(context.Background(), "S")
	defer a.LeaveSession()
	if !b.JoinSession(context.Background(), id) {
		t.Fatalf("join failed")
	}
	defer b.LeaveSession()
	receive(t, recA.joined, "join")

	op := models.NewOperation(models.NodeCreate{NodeID: "n1", Kind: "noise", X: 10, Y: 20})
	if err := b.SendOperation(op); err != nil {
		t.Fatalf("SendOperation: %v", err)
	}
	got := receive(t, recA.ops, "operation")
	if got.UserID != "b" || got.Type != models.OpNodeCreate {
		t.Fatalf("unexpected operation %+v", got)
	}
	if nc, ok := got.Data.(models.NodeCreate); !ok || nc.NodeID != "n1" {
		t.Fatalf("payload lost: %#v", got.Data)
	}
	expectNone(t, recB.ops, "echo to sender")

	if err := b.UpdateCursor(12.5, -3.25); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	cur := receive(t, recA.cursors, "cursor")
	if cur.userID != "b" || cur.pos.X != 12.5 || cur.pos.Y != -3.25 {
		t.Fatalf("cursor transformed: %+v", cur)
	}
	if m, _ := a.Member("b"); m.Cursor == nil || m.Cursor.X != 12.5 || !m.IsActive {
		t.Fatalf("member cursor not tracked: %+v", m)
	}
}

func TestDroppedConnectionOnlySurfacesState(t *testing.T) {
	net := transport.NewMemoryNetwork()
	recB := newRecorder()
	a := NewCoordinator(net, models.PeerInfo{ID: "a"}, Callbacks{})
	b := NewCoordinator(net, models.PeerInfo{ID: "b"}, recB.callbacks())

	id, _ := a.CreateSession(context.Background(), "S")
	defer a.LeaveSession()
	if !b.JoinSession(context.Background(), id) {
		t.Fatalf("join failed")
	}
	defer b.LeaveSession()

	receive(t, recB.states, "connecting")
	if s := receive(t, recB.states, "connected"); s != models.ConnConnected {
		t.Fatalf("expected connected, got %s", s)
	}
	net.Drop(id, "b")
	if s := receive(t, recB.states, "disconnected"); s != models.ConnDisconnected {
		t.Fatalf("expected disconnected, got %s", s)
	}
	if b.State() != models.StateJoined {
		t.Fatalf("drop must not change session state, got %s", b.State())
	}
}

func TestSendRequiresSession(t *testing.T) {
	c := NewCoordinator(transport.NewMemoryNetwork(), models.PeerInfo{ID: "a"}, Callbacks{})
	if err := c.SendOperation(models.NewOperation(models.NodeDelete{NodeID: "x"})); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("expected ErrNotInSession, got %v", err)
	}
	if err := c.UpdateCursor(1, 2); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("expected ErrNotInSession, got %v", err)
	}
}

type fakeLink struct {
	mu         sync.Mutex
	broadcasts [][]byte
	events     chan transport.Event
	closed     bool
	err        error
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan transport.Event, 16)}
}

func (l *fakeLink) Send(string, []byte) error { return nil }

func (l *fakeLink) Broadcast(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcasts = append(l.broadcasts, p)
	return l.err
}

func (l *fakeLink) Events() <-chan transport.Event { return l.events }
func (l *fakeLink) Peers() []models.PeerInfo      { return nil }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	return nil
}

func (l *fakeLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.broadcasts)
}

type fakeTransport struct {
	link *fakeLink
}

func (f *fakeTransport) Host(context.Context, string, string, models.PeerInfo) (transport.Link, error) {
	return f.link, nil
}

func (f *fakeTransport) Connect(context.Context, string, models.PeerInfo) (transport.Link, error) {
	return f.link, nil
}

func TestSendOperationBroadcastsExactlyOnce(t *testing.T) {
	link := newFakeLink()
	c := NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, Callbacks{})
	if _, err := c.CreateSession(context.Background(), "S"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer c.LeaveSession()

	for i := 1; i <= 3; i++ {
		if err := c.SendOperation(models.NewOperation(models.NodeMove{NodeID: "n", X: float64(i)})); err != nil {
			t.Fatalf("SendOperation: %v", err)
		}
		if got := link.count(); got != i {
			t.Fatalf("after %d sends expected %d broadcasts, got %d", i, i, got)
		}
	}
	msg, err := wire.DecodeMessage(link.broadcasts[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Op.UserID != "a" || msg.Op.Timestamp.IsZero() {
		t.Fatalf("operation not stamped: %+v", msg.Op)
	}
}

func TestSendOperationReportsTransportFailure(t *testing.T) {
	link := newFakeLink()
	link.err = transport.ErrSendQueueFull
	c := NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, Callbacks{})
	c.CreateSession(context.Background(), "S")
	defer c.LeaveSession()
	err := c.SendOperation(models.NewOperation(models.NodeDelete{NodeID: "n"}))
	if !errors.Is(err, transport.ErrSendQueueFull) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if link.count() != 1 {
		t.Fatalf("failed send must not be retried, got %d broadcasts", link.count())
	}
}

func TestInboundOperationFromNonMemberIsDropped(t *testing.T) {
	link := newFakeLink()
	rec := newRecorder()
	c := NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, rec.callbacks())
	c.CreateSession(context.Background(), "S")
	defer c.LeaveSession()

	op := models.NewOperation(models.NodeDelete{NodeID: "n"})
	op.UserID = "ghost"
	payload, _ := wire.EncodeOperation(op)
	link.events <- transport.Event{Kind: transport.EventData, Peer: models.PeerInfo{ID: "ghost"}, Payload: payload}
	expectNone(t, rec.ops, "operation from non-member")

	link.events <- transport.Event{Kind: transport.EventPeerJoined, Peer: models.PeerInfo{ID: "m"}}
	receive(t, rec.joined, "member join")
	spoofed := op
	spoofed.UserID = "a"
	payload, _ = wire.EncodeOperation(spoofed)
	link.events <- transport.Event{Kind: transport.EventData, Peer: models.PeerInfo{ID: "m"}, Payload: payload}
	expectNone(t, rec.ops, "operation with spoofed user")

	genuine := op
	genuine.UserID = "m"
	payload, _ = wire.EncodeOperation(genuine)
	link.events <- transport.Event{Kind: transport.EventData, Peer: models.PeerInfo{ID: "m"}, Payload: payload}
	if got := receive(t, rec.ops, "member operation"); got.UserID != "m" {
		t.Fatalf("unexpected op %+v", got)
	}
}

func TestDuplicateJoinIsReportedOnce(t *testing.T) {
	link := newFakeLink()
	rec := newRecorder()
	c := NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, rec.callbacks())
	c.CreateSession(context.Background(), "S")
	defer c.LeaveSession()

	link.events <- transport.Event{Kind: transport.EventPeerJoined, Peer: models.PeerInfo{ID: "u"}}
	link.events <- transport.Event{Kind: transport.EventPeerJoined, Peer: models.PeerInfo{ID: "u"}}
	receive(t, rec.joined, "first join")
	expectNone(t, rec.joined, "duplicate join")
	if n := len(c.Members()); n != 2 {
		t.Fatalf("expected 2 members, got %d", n)
	}
}

func TestIdleFlagUsesThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	link := newFakeLink()
	rec := newRecorder()
	c := NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, rec.callbacks(),
		WithClock(clock), WithIdleThreshold(30*time.Second))
	c.CreateSession(context.Background(), "S")
	defer c.LeaveSession()
	link.events <- transport.Event{Kind: transport.EventPeerJoined, Peer: models.PeerInfo{ID: "u"}}
	receive(t, rec.joined, "join")

	if m, _ := c.Member("u"); !m.IsActive {
		t.Fatalf("fresh member should be active")
	}
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if m, _ := c.Member("u"); m.IsActive {
		t.Fatalf("member should be idle after threshold")
	}
}

func TestLeaveFromCallbackStopsDelivery(t *testing.T) {
	link := newFakeLink()
	joined := make(chan models.User, 4)
	var c *Coordinator
	c = NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, Callbacks{
		OnUserJoined: func(u models.User) {
			joined <- u
			c.LeaveSession()
		},
	})
	if _, err := c.CreateSession(context.Background(), "S"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		link.events <- transport.Event{Kind: transport.EventPeerJoined, Peer: models.PeerInfo{ID: id}}
	}

	if u := receive(t, joined, "first join"); u.ID != "u1" {
		t.Fatalf("unexpected first join %+v", u)
	}
	expectNone(t, joined, "join after leave")
	if c.State() != models.StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestUpdateCursorRejectsNonFinitePositions(t *testing.T) {
	link := newFakeLink()
	c := NewCoordinator(&fakeTransport{link: link}, models.PeerInfo{ID: "a"}, Callbacks{})
	if _, err := c.CreateSession(context.Background(), "S"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer c.LeaveSession()

	for _, pos := range [][2]float64{{math.NaN(), 0}, {0, math.Inf(1)}, {math.Inf(-1), math.NaN()}} {
		if err := c.UpdateCursor(pos[0], pos[1]); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("UpdateCursor(%v, %v): expected ErrInvalidCursor, got %v", pos[0], pos[1], err)
		}
	}
	for _, m := range c.Members() {
		if m.ID == "a" && m.Cursor != nil {
			t.Fatalf("rejected position was stored: %+v", m.Cursor)
		}
	}
	time.Sleep(2 * DefaultCursorInterval)
	if n := link.count(); n != 0 {
		t.Fatalf("rejected positions were broadcast %d times", n)
	}

	if err := c.UpdateCursor(3, 4); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
}
