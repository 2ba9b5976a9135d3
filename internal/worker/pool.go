package worker

import (
	"sync"
	"time"
)

// slot is the pool's bookkeeping for one worker goroutine.
type slot struct {
	id       int
	ch       chan Job
	parkedAt time.Time
	parked   bool
	retired  bool
}

// workerPool keeps between min and max journal workers alive. Parked
// workers beyond min are stopped once they have been idle for expiry.
type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parked  []*slot // most recently parked last
	slots   map[chan Job]*slot
	min     int
	max     int
	running int
	nextID  int
	expiry  time.Duration
	handler Handler
	quit    chan struct{}
	closed  bool
}

const defaultWorkerIdle = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration, handler Handler) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	minWorkers = max(minWorkers, 0)
	maxWorkers = max(maxWorkers, minWorkers, 1)
	p := &workerPool{
		slots:   make(map[chan Job]*slot),
		min:     minWorkers,
		max:     maxWorkers,
		expiry:  idle,
		handler: handler,
		quit:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// warm starts one more worker if the pool has room.
func (p *workerPool) warm() {
	p.mu.Lock()
	w := p.startLocked()
	p.mu.Unlock()
	if w != nil {
		w.Start()
	}
}

func (p *workerPool) startLocked() *Worker {
	if p.closed || p.running >= p.max {
		return nil
	}
	p.nextID++
	w := newWorker(p.nextID, p, p.handler)
	p.slots[w.jobChannel] = &slot{id: p.nextID, ch: w.jobChannel}
	p.running++
	debugLog("[pool] started worker-%d (%d running)", p.nextID, p.running)
	return w
}

// acquire hands out a parked worker, starting a new one when none is parked
// and the pool is below max. It returns nil once the pool is closed.
func (p *workerPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed {
		if s := p.takeIdleLocked(); s != nil {
			return s.ch
		}
		// a fresh worker parks itself as soon as it runs
		if w := p.startLocked(); w != nil {
			w.Start()
		}
		p.cond.Wait()
	}
	return nil
}

// park marks the worker behind ch as ready for the next job.
func (p *workerPool) park(ch chan Job) {
	p.mu.Lock()
	s, ok := p.slots[ch]
	if !ok || s.retired || s.parked {
		p.mu.Unlock()
		return
	}
	s.parked = true
	s.parkedAt = time.Now()
	p.parked = append(p.parked, s)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire forgets the worker behind ch after its goroutine has exited.
func (p *workerPool) retire(ch chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[ch]; ok {
		delete(p.slots, ch)
		s.retired = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) slotID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[ch]; ok {
		return s.id
	}
	return 0
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// takeIdleLocked pops the most recently parked worker so that cold ones
// age out.
func (p *workerPool) takeIdleLocked() *slot {
	for n := len(p.parked); n > 0; n = len(p.parked) {
		s := p.parked[n-1]
		p.parked = p.parked[:n-1]
		if s.retired {
			continue
		}
		s.parked = false
		return s
	}
	return nil
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle(time.Now())
		case <-p.quit:
			return
		}
	}
}

// reapIdle stops parked workers idle for longer than expiry, never going
// below min. The oldest sit at the front of the parked stack.
func (p *workerPool) reapIdle(now time.Time) {
	p.mu.Lock()
	var stop []*slot
	cut := 0
	for cut < len(p.parked) && p.running-len(stop) > p.min {
		s := p.parked[cut]
		if !s.retired && now.Sub(s.parkedAt) < p.expiry {
			break
		}
		if !s.retired {
			s.retired = true
			s.parked = false
			stop = append(stop, s)
		}
		cut++
	}
	p.parked = append(p.parked[:0], p.parked[cut:]...)
	p.mu.Unlock()

	for _, s := range stop {
		select {
		case s.ch <- Job{Type: Stop}:
		case <-p.quit:
			return
		}
	}
}

// close stops every worker and wakes blocked acquirers.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.cond.Broadcast()
}
