package scheduler

import (
	"context"
	"errors"
	"time"

	"thermal_client/internal/models"
)

var (
	// ErrRateLimited is returned once a request spent its retry budget on 429s.
	ErrRateLimited = errors.New("scheduler: rate limited")
	// ErrNoData resolves reads that produced nothing usable.
	ErrNoData = errors.New("scheduler: no data")
	// ErrCancelled resolves requests superseded by a newer write for the same device.
	ErrCancelled = errors.New("scheduler: cancelled by newer write")
	// ErrStopped resolves requests still pending when the dispatch loop exits.
	ErrStopped = errors.New("scheduler: stopped")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("scheduler: dispatch loop already running")
)

// Outcome classifies the error returned by an Executor.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Classifier maps an execution error onto an Outcome. It is never called with nil.
type Classifier func(error) Outcome

// Executor performs the underlying I/O of a request.
type Executor func(ctx context.Context, req *Request) (any, error)

type state int

const (
	statePending state = iota
	stateExecuting
	stateDone
)

// Request is one unit of work for the dispatch loop. Callers fill the
// exported fields; the scheduler owns the rest once submitted.
type Request struct {
	ID        string
	DeviceID  string
	Op        models.OperationType
	Priority  models.Priority
	Payload   any
	CreatedAt time.Time
	Attempts  int

	// Exec performs the request. Required.
	Exec Executor
	// Commit, if set, receives the successful value on the dispatch loop,
	// but only while no newer write for the device has been submitted.
	Commit func(value any)

	state     state
	epoch     uint64
	notBefore time.Time
	waiters   []chan Result
}

func (r *Request) isPowerOff() bool {
	if !r.Op.IsWrite() {
		return false
	}
	switch cmd := r.Payload.(type) {
	case models.Command:
		return cmd.IsPowerOff()
	case *models.Command:
		return cmd != nil && cmd.IsPowerOff()
	}
	return false
}

// dedupable reports whether r may share its result with an identical request.
func (r *Request) dedupable() bool {
	return !r.Op.IsWrite() && r.DeviceID != ""
}

// Result is what every waiter of a request receives.
type Result struct {
	Value    any
	Err      error
	Attempts int
	// Cancelled means a newer write removed the request before it ran.
	Cancelled bool
	// Superseded means the request ran but a newer write arrived meanwhile,
	// so its value was discarded.
	Superseded bool
	// Forced means the stuck-execution guard resolved the request.
	Forced bool
}

// Handle is returned by Submit.
type Handle struct {
	ID string
	ch chan Result
}

// Wait blocks until the request resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-h.ch:
		return res, res.Err
	}
}

// Done exposes the result channel for select statements.
func (h *Handle) Done() <-chan Result {
	return h.ch
}
