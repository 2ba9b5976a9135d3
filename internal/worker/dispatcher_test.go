package worker

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDispatcherKeepsPerSessionOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string][]int)
		wg   sync.WaitGroup
	)
	handler := func(job Job) {
		defer wg.Done()
		// jitter so concurrent workers would interleave without the per-session guard
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[job.SessionID] = append(seen[job.SessionID], int(job.Operation.Timestamp.UnixNano()))
		mu.Unlock()
	}
	d := NewDispatcher(2, 4, 100, handler, time.Second)
	defer d.Stop()

	sessions := []string{"a", "b", "c"}
	const perSession = 10
	for i := 0; i < perSession; i++ {
		for _, s := range sessions {
			wg.Add(1)
			job := Job{SessionID: s}
			job.Operation.Timestamp = time.Unix(0, int64(i))
			if err := d.Submit(job); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	waitGroup(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range sessions {
		got := seen[s]
		if len(got) != perSession {
			t.Fatalf("session %s: expected %d jobs, got %d", s, perSession, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("session %s out of order: %v", s, got)
			}
		}
	}
}

func TestDispatcherRoundRobinAcrossSessions(t *testing.T) {
	// no run loop: drive the queues by hand to observe the dispatch order
	d := &Dispatcher{
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
	}
	for i := 0; i < 3; i++ {
		d.enqueueJob(Job{SessionID: "busy"})
	}
	d.enqueueJob(Job{SessionID: "quiet"})

	var order []string
	for {
		job, ok := d.next()
		if !ok {
			break
		}
		order = append(order, job.SessionID)
		d.finish(job.SessionID)
	}
	want := []string{"busy", "quiet", "busy", "busy"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("want %v got %v", want, order)
	}
	if len(d.queues) != 0 || d.ready.Len() != 0 {
		t.Fatalf("queues not drained: %d sessions, %d ready", len(d.queues), d.ready.Len())
	}
}

func TestDispatcherHoldsSessionWhileRunning(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
	}
	d.enqueueJob(Job{SessionID: "a"})
	if _, ok := d.next(); !ok {
		t.Fatalf("expected a job")
	}
	d.enqueueJob(Job{SessionID: "a"})
	if _, ok := d.next(); ok {
		t.Fatalf("second job of a running session must wait")
	}
	d.finish("a")
	if job, ok := d.next(); !ok || job.SessionID != "a" {
		t.Fatalf("session should be ready again after finish")
	}
}

func TestDispatcherRejectsWhenBacklogFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(Job) { <-block }
	d := NewDispatcher(1, 1, 2, handler, time.Second)
	defer d.Stop()
	defer close(block)

	var busy int
	for i := 0; i < 5; i++ {
		err := d.Submit(Job{SessionID: fmt.Sprintf("s%d", i)})
		if errors.Is(err, ErrDispatcherBusy) {
			busy++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if busy != 3 {
		t.Fatalf("expected 3 rejected jobs, got %d", busy)
	}
	if d.Pending() != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", d.Pending())
	}
}

func TestPoolRetiresIdleWorkersAboveMin(t *testing.T) {
	p := newWorkerPool(1, 3, 20*time.Millisecond, func(Job) {})
	defer p.close()
	for i := 0; i < 3; i++ {
		p.warm()
	}
	if p.size() != 3 {
		t.Fatalf("expected 3 workers, got %d", p.size())
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.size() > 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.size() != 1 {
		t.Fatalf("idle workers not retired down to min, have %d", p.size())
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("jobs not handled in time")
	}
}
