package worker

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDispatcherBusy is returned when the backlog limit is reached.
var ErrDispatcherBusy = errors.New("dispatcher busy")

var errDispatcherStopped = errors.New("dispatcher stopped")

type sessionQueue struct {
	jobs     []Job
	enqueued bool // is in the ready list
	running  bool // a job of this session is on a worker
}

// Dispatcher keeps one FIFO per session and hands jobs to the pool
// round-robin across sessions, so a chatty session cannot starve others.
// At most one job per session runs at a time.
type Dispatcher struct {
	pool     *workerPool
	jobQueue chan Job // intake for outer jobs
	wake     chan struct{}
	limit    int64
	pending  atomic.Int64

	mu        sync.Mutex
	queues    map[string]*sessionQueue // job queue for each session
	ready     *list.List               // sessions with queued work, front is next
	positions map[string]*list.Element
	stopOnce  sync.Once
	stopped   atomic.Bool
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, handler Handler, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		jobQueue:  make(chan Job, queueSize),
		wake:      make(chan struct{}, 1),
		limit:     int64(queueSize),
	}
	d.pool = newWorkerPool(minWorkers, maxWorkers, idleTimeout, d.wrap(handler))

	// warm up workers
	for i := 0; i < minWorkers; i++ {
		d.pool.warm()
	}

	go d.run()
	return d
}

// wrap releases the backlog slot and the session once the handler returns.
func (d *Dispatcher) wrap(handler Handler) Handler {
	return func(job Job) {
		defer d.finish(job.SessionID)
		defer d.pending.Add(-1)
		handler(job)
	}
}

func (d *Dispatcher) finish(sessionID string) {
	d.mu.Lock()
	if q, ok := d.queues[sessionID]; ok {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, sessionID)
		} else if !q.enqueued {
			q.enqueued = true
			d.positions[sessionID] = d.ready.PushBack(sessionID)
		}
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if d.stopped.Load() {
		return errDispatcherStopped
	}
	if job.Type == "" {
		job.Type = Record
	}
	if d.pending.Add(1) > d.limit {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
}

// Pending reports jobs submitted but not yet handled.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the session at the front of the ready list
		if !d.dispatchOne() {
			if d.stopped.Load() {
				return
			}
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.pool.quit:
				return
			}
			continue
		}
		// pick up new work without blocking
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

// Stop shuts the pool down. Jobs not yet handed to a worker are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.pool.close()
	})
}

func (d *Dispatcher) enqueueJob(job Job) {
	sessionID := job.SessionID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[sessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		// session already waiting its turn, or finish will requeue it
		return
	}
	q.enqueued = true
	d.positions[sessionID] = d.ready.PushBack(sessionID)
}

// next pops the job of the session at the front of the ready list.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	sessionID := elem.Value.(string)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	// the session leaves the ready list until its job finishes
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, sessionID)
	return job, true
}

// dispatchOne hands the next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.pending.Add(-1)
		return false
	}
	debugLog("[dispatcher] assign %s job for session %s to worker-%d", job.Type, job.SessionID, d.pool.slotID(workerChan))
	select {
	case workerChan <- job:
	case <-d.pool.quit:
		d.pending.Add(-1)
		return false
	}
	return true
}
