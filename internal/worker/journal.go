package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nodecollab/internal/models"
)

const recordTimeout = 5 * time.Second

// Store persists journaled operations.
type Store interface {
	RecordOperation(ctx context.Context, sessionID string, op models.Operation) (int64, error)
}

// JournalConfig sizes the worker pool behind a Journal.
type JournalConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Journal records relayed operations asynchronously, in per-session order.
type Journal struct {
	store      Store
	dispatcher *Dispatcher
	inflight   sync.WaitGroup
	closed     atomic.Bool
	closeOnce  sync.Once
}

func NewJournal(store Store, cfg JournalConfig) *Journal {
	j := &Journal{store: store}
	j.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, j.handle, cfg.IdleTimeout)
	return j
}

// Submit queues op for persistence. It never blocks; ErrDispatcherBusy means
// the op was not journaled.
func (j *Journal) Submit(sessionID string, op models.Operation, done func(seq int64, err error)) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	if j.closed.Load() {
		return errDispatcherStopped
	}
	j.inflight.Add(1)
	err := j.dispatcher.Submit(Job{Type: Record, SessionID: sessionID, Operation: op, Done: done})
	if err != nil {
		j.inflight.Done()
		return err
	}
	return nil
}

func (j *Journal) handle(job Job) {
	defer j.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	seq, err := j.store.RecordOperation(ctx, job.SessionID, job.Operation)
	if err != nil {
		log.Printf("journal session %s: record %s from %s failed: %v", job.SessionID, job.Operation.Type, job.Operation.UserID, err)
	} else {
		debugLog("[journal] session %s seq %d %s", job.SessionID, seq, job.Operation.Type)
	}
	if job.Done != nil {
		job.Done(seq, err)
	}
}

// Close waits for queued operations to be recorded, up to ctx, then stops
// the workers.
func (j *Journal) Close(ctx context.Context) error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		drained := make(chan struct{})
		go func() {
			j.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
		j.dispatcher.Stop()
	})
	return err
}
