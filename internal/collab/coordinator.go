// Package collab coordinates a local client's participation in a
// collaboration session: lifecycle, membership, and fan-out of document
// operations and cursor positions over a transport link.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nodecollab/internal/models"
	"nodecollab/internal/transport"
	"nodecollab/internal/wire"
)

var (
	ErrAlreadyInSession = errors.New("already in a session")
	ErrNotInSession     = errors.New("not in a session")
	ErrInvalidCursor    = errors.New("cursor position must be finite")
)

const (
	DefaultCursorInterval = 50 * time.Millisecond
	DefaultIdleThreshold  = time.Minute
)

var debugEnabled = strings.EqualFold(os.Getenv("NODECOLLAB_COLLAB_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf(format, args...)
	}
}

// Callbacks are invoked when remote activity changes the session. All are
// optional. They run on the session's event goroutine, one at a time and in
// arrival order, and may call back into the Coordinator.
type Callbacks struct {
	OnUserJoined             func(models.User)
	OnUserLeft               func(models.User)
	OnOperationReceived      func(models.Operation)
	OnCursorMoved            func(userID string, pos models.CursorPosition)
	OnConnectionStateChanged func(models.ConnectionState)
}

type Option func(*Coordinator)

// WithCursorInterval sets the minimum spacing of outgoing cursor updates.
// Zero disables throttling.
func WithCursorInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.cursorInterval = d }
}

func WithIdleThreshold(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.idleThreshold = d
		}
	}
}

// WithJoinTimeout bounds JoinSession in addition to the caller's context.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.joinTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator owns one local client's session lifecycle.
type Coordinator struct {
	transport transport.PeerTransport
	self      models.PeerInfo
	cb        Callbacks

	cursorInterval time.Duration
	idleThreshold  time.Duration
	joinTimeout    time.Duration
	now            func() time.Time
	newID          func() string

	mu          sync.Mutex
	state       models.SessionState
	creating    bool
	gen         uint64
	sessionID   string
	sessionName string
	link        transport.Link
	members     *memberSet
	cursor      *cursorThrottle
}

// NewCoordinator builds an idle coordinator for the local peer self.
func NewCoordinator(t transport.PeerTransport, self models.PeerInfo, cb Callbacks, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:      t,
		self:           self,
		cb:             cb,
		cursorInterval: DefaultCursorInterval,
		idleThreshold:  DefaultIdleThreshold,
		now:            time.Now,
		newID:          uuid.NewString,
		state:          models.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.self.ID == "" {
		c.self.ID = c.newID()
	}
	return c
}

// Self returns the local peer identity.
func (c *Coordinator) Self() models.PeerInfo {
	return c.self
}

// CreateSession opens a new session hosted by the local user and returns
// its id for out-of-band sharing.
func (c *Coordinator) CreateSession(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if c.state != models.StateIdle || c.creating {
		c.mu.Unlock()
		return "", ErrAlreadyInSession
	}
	c.creating = true
	id := c.newID()
	c.mu.Unlock()

	c.notifyState(models.ConnConnecting)
	link, err := c.transport.Host(ctx, id, name, c.self)

	c.mu.Lock()
	c.creating = false
	if err != nil {
		c.mu.Unlock()
		c.notifyState(models.ConnFailed)
		return "", fmt.Errorf("host session: %w", err)
	}
	c.beginLocked(link, id, name, models.StateHosting)
	c.mu.Unlock()
	log.Printf("collab: hosting session %s (%s) as %s", id, name, c.self.ID)
	return id, nil
}

// JoinSession connects to an existing session. Any failure (unknown id,
// unreachable relay, rejection, timeout) yields false and leaves the
// coordinator idle.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	if c.state != models.StateIdle || c.creating {
		c.mu.Unlock()
		log.Printf("collab: join %s refused: %v", sessionID, ErrAlreadyInSession)
		return false
	}
	c.gen++
	attempt := c.gen
	c.state = models.StateJoining
	c.sessionID = sessionID
	c.mu.Unlock()

	if c.joinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.joinTimeout)
		defer cancel()
	}

	c.notifyState(models.ConnConnecting)
	link, err := c.transport.Connect(ctx, sessionID, c.self)

	c.mu.Lock()
	current := c.gen == attempt && c.state == models.StateJoining
	if err != nil || !current {
		if current {
			c.state = models.StateIdle
			c.sessionID = ""
		}
		c.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		if err == nil {
			err = errors.New("left while joining")
		}
		log.Printf("collab: join %s failed: %v", sessionID, err)
		c.notifyState(models.ConnFailed)
		return false
	}
	c.beginLocked(link, sessionID, "", models.StateJoined)
	c.mu.Unlock()
	log.Printf("collab: joined session %s as %s", sessionID, c.self.ID)
	return true
}

// LeaveSession closes the link and clears local membership. Events still
// queued on the link are discarded. Already sent operations are not
// retracted. Calling it while idle is a no-op.
func (c *Coordinator) LeaveSession() {
	c.mu.Lock()
	if c.state == models.StateIdle {
		c.mu.Unlock()
		return
	}
	link := c.link
	cursor := c.cursor
	sessionID := c.sessionID
	c.gen++
	c.state = models.StateIdle
	c.sessionID = ""
	c.sessionName = ""
	c.link = nil
	c.members = nil
	c.cursor = nil
	c.mu.Unlock()

	cursor.stop()
	if link != nil {
		if err := link.Close(); err != nil {
			log.Printf("collab: close link for %s: %v", sessionID, err)
		}
	}
	log.Printf("collab: left session %s", sessionID)
}

// SendOperation broadcasts op to every connected peer exactly once. Delivery
// is best effort; failures are returned and never retried.
func (c *Coordinator) SendOperation(op models.Operation) error {
	c.mu.Lock()
	if !c.state.InSession() {
		c.mu.Unlock()
		return ErrNotInSession
	}
	link := c.link
	now := c.now()
	c.members.touch(c.self.ID, now)
	c.mu.Unlock()

	if op.Type == "" && op.Data != nil {
		op.Type = op.Data.OperationType()
	}
	op.UserID = c.self.ID
	if op.Timestamp.IsZero() {
		op.Timestamp = now.UTC()
	}
	payload, err := wire.EncodeOperation(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	if err := link.Broadcast(payload); err != nil {
		log.Printf("collab: broadcast %s failed: %v", op.Type, err)
		return fmt.Errorf("broadcast operation: %w", err)
	}
	return nil
}

// UpdateCursor shares the local cursor position. Calls are throttled;
// intermediate positions may be skipped but the latest one is always sent.
func (c *Coordinator) UpdateCursor(x, y float64) error {
	if !finite(x) || !finite(y) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCursor, x, y)
	}
	pos := models.CursorPosition{X: x, Y: y}
	c.mu.Lock()
	if !c.state.InSession() {
		c.mu.Unlock()
		return ErrNotInSession
	}
	c.members.setCursor(c.self.ID, pos, c.now())
	throttle := c.cursor
	c.mu.Unlock()
	throttle.push(pos)
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (c *Coordinator) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Coordinator) SessionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionName
}

// Members returns a snapshot of the member set in join order, local user included.
func (c *Coordinator) Members() []models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members == nil {
		return nil
	}
	return c.members.list(c.now(), c.idleThreshold)
}

func (c *Coordinator) Member(id string) (models.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members == nil {
		return models.User{}, false
	}
	return c.members.get(id, c.now(), c.idleThreshold)
}

// Link exposes the active link, nil when idle.
func (c *Coordinator) Link() transport.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Coordinator) beginLocked(link transport.Link, id, name string, state models.SessionState) {
	c.gen++
	gen := c.gen
	c.link = link
	c.state = state
	c.sessionID = id
	c.sessionName = name
	c.members = newMemberSet()
	c.members.add(c.self, c.now())
	c.cursor = newCursorThrottle(c.cursorInterval, func(pos models.CursorPosition) {
		c.broadcastCursor(gen, pos)
	})
	go c.run(gen, link)
}

func (c *Coordinator) broadcastCursor(gen uint64, pos models.CursorPosition) {
	c.mu.Lock()
	if c.gen != gen || c.link == nil {
		c.mu.Unlock()
		return
	}
	link := c.link
	c.mu.Unlock()
	payload, err := wire.EncodeCursor(pos)
	if err != nil {
		log.Printf("collab: encode cursor: %v", err)
		return
	}
	if err := link.Broadcast(payload); err != nil {
		debugLog("collab: cursor broadcast dropped: %v", err)
	}
}

// run is the session's event loop. It exits when the link's event channel
// closes or the session it was started for is gone.
func (c *Coordinator) run(gen uint64, link transport.Link) {
	for ev := range link.Events() {
		dispatch, stale := c.apply(gen, ev)
		if stale {
			return
		}
		if dispatch == nil {
			continue
		}
		// LeaveSession may have run since apply released the lock
		if !c.current(gen) {
			return
		}
		dispatch()
	}
	debugLog("collab: event loop for generation %d finished", gen)
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state.InSession()
}

func (c *Coordinator) apply(gen uint64, ev transport.Event) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.state.InSession() {
		return nil, true
	}
	now := c.now()
	switch ev.Kind {
	case transport.EventPeerJoined:
		if ev.Peer.ID == c.self.ID {
			return nil, false
		}
		user, added := c.members.add(ev.Peer, now)
		if !added || c.cb.OnUserJoined == nil {
			return nil, false
		}
		return func() { c.cb.OnUserJoined(user) }, false
	case transport.EventPeerLeft:
		user, ok := c.members.remove(ev.Peer.ID)
		if !ok || c.cb.OnUserLeft == nil {
			return nil, false
		}
		return func() { c.cb.OnUserLeft(user) }, false
	case transport.EventData:
		return c.applyDataLocked(ev, now), false
	case transport.EventStateChanged:
		if c.cb.OnConnectionStateChanged == nil {
			return nil, false
		}
		state := ev.State
		return func() { c.cb.OnConnectionStateChanged(state) }, false
	}
	return nil, false
}

func (c *Coordinator) applyDataLocked(ev transport.Event, now time.Time) func() {
	msg, err := wire.DecodeMessage(ev.Payload)
	if err != nil {
		log.Printf("collab: drop payload from %s: %v", ev.Peer.ID, err)
		return nil
	}
	if !c.members.has(ev.Peer.ID) {
		log.Printf("collab: drop %s from non-member %s", msg.Kind, ev.Peer.ID)
		return nil
	}
	switch msg.Kind {
	case wire.KindOperation:
		op := *msg.Op
		if op.UserID != ev.Peer.ID {
			log.Printf("collab: drop operation claiming user %s sent by %s", op.UserID, ev.Peer.ID)
			return nil
		}
		c.members.touch(ev.Peer.ID, now)
		if c.cb.OnOperationReceived == nil {
			return nil
		}
		return func() { c.cb.OnOperationReceived(op) }
	case wire.KindCursor:
		pos := *msg.Cursor
		userID := ev.Peer.ID
		c.members.setCursor(userID, pos, now)
		if c.cb.OnCursorMoved == nil {
			return nil
		}
		return func() { c.cb.OnCursorMoved(userID, pos) }
	}
	return nil
}

func (c *Coordinator) notifyState(state models.ConnectionState) {
	if c.cb.OnConnectionStateChanged != nil {
		c.cb.OnConnectionStateChanged(state)
	}
}
