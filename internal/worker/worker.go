package worker

type Worker struct {
	id         int
	pool       *workerPool
	handler    Handler
	jobChannel chan Job
}

func newWorker(id int, pool *workerPool, handler Handler) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		handler:    handler,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			// announce idle, then wait for work
			w.pool.park(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				if job.Type == Stop {
					debugLog("[worker-%d] stopped", w.id)
					return
				}
				w.handler(job)
			case <-w.pool.quit:
				return
			}
		}
	}()
}
