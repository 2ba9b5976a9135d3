package collab

import (
	"sync"
	"testing"
	"time"

	"nodecollab/internal/models"
)

type sentCursors struct {
	mu  sync.Mutex
	got []models.CursorPosition
}

func (s *sentCursors) add(p models.CursorPosition) {
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
}

func (s *sentCursors) snapshot() []models.CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CursorPosition(nil), s.got...)
}

func TestCursorThrottleCoalescesBurst(t *testing.T) {
	var sent sentCursors
	th := newCursorThrottle(50*time.Millisecond, sent.add)
	defer th.stop()

	for i := 0; i < 10; i++ {
		th.push(models.CursorPosition{X: float64(i), Y: float64(i)})
	}
	if got := sent.snapshot(); len(got) != 1 || got[0].X != 0 {
		t.Fatalf("first update should go out immediately, got %+v", got)
	}

	time.Sleep(150 * time.Millisecond)
	got := sent.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected leading and trailing update, got %+v", got)
	}
	if got[1].X != 9 {
		t.Fatalf("trailing update should carry last position, got %+v", got[1])
	}
}

func TestCursorThrottleDisabled(t *testing.T) {
	var sent sentCursors
	th := newCursorThrottle(0, sent.add)
	for i := 0; i < 5; i++ {
		th.push(models.CursorPosition{X: float64(i)})
	}
	if got := sent.snapshot(); len(got) != 5 {
		t.Fatalf("unthrottled pushes should all be sent, got %d", len(got))
	}
}

func TestCursorThrottleStopDropsPending(t *testing.T) {
	var sent sentCursors
	th := newCursorThrottle(50*time.Millisecond, sent.add)
	th.push(models.CursorPosition{X: 1})
	th.push(models.CursorPosition{X: 2})
	th.stop()
	time.Sleep(100 * time.Millisecond)
	if got := sent.snapshot(); len(got) != 1 {
		t.Fatalf("pending update should be dropped on stop, got %+v", got)
	}
	th.push(models.CursorPosition{X: 3})
	if got := sent.snapshot(); len(got) != 1 {
		t.Fatalf("stopped throttle must not send")
	}
}
