package collab

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nodecollab/internal/models"
)

// cursorThrottle limits outgoing cursor updates to one per interval. Updates
// arriving in between are coalesced and the latest one is sent when the
// limiter allows, so the final resting position is never lost.
type cursorThrottle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	pending *models.CursorPosition
	timer   *time.Timer
	stopped bool
	send    func(models.CursorPosition)
}

func newCursorThrottle(interval time.Duration, send func(models.CursorPosition)) *cursorThrottle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &cursorThrottle{
		limiter: rate.NewLimiter(limit, 1),
		send:    send,
	}
}

func (t *cursorThrottle) push(pos models.CursorPosition) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer == nil && t.limiter.Allow() {
		t.mu.Unlock()
		t.send(pos)
		return
	}
	t.pending = &pos
	if t.timer == nil {
		delay := t.limiter.Reserve().Delay()
		t.timer = time.AfterFunc(delay, t.flush)
	}
	t.mu.Unlock()
}

func (t *cursorThrottle) flush() {
	t.mu.Lock()
	pos := t.pending
	t.pending = nil
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()
	if pos != nil && !stopped {
		t.send(*pos)
	}
}

func (t *cursorThrottle) stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
