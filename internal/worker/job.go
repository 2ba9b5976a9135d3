package worker

import "nodecollab/internal/models"

type JobType string

const (
	Record JobType = "record"
	Stop   JobType = "stop"
)

// Job is a unit of work for the pool. Jobs sharing a SessionID run in
// submission order.
type Job struct {
	Type      JobType
	SessionID string
	Operation models.Operation
	// Done, when set, receives the outcome once the job has been handled.
	Done func(seq int64, err error)
}

// Handler processes a single job on a worker goroutine.
type Handler func(Job)
