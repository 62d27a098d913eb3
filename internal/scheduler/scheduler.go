package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"thermal_client/internal/logger"
	"thermal_client/internal/models"
	"thermal_client/internal/ratelimit"
)

// Limiter is the part of the rate limiter the dispatch loop drives.
type Limiter interface {
	Decide(p models.Priority) ratelimit.Decision
	RecordOutcome(p models.Priority, succeeded, wasRateLimited bool)
}

// Stats is a point-in-time view of the queues.
type Stats struct {
	Pending     map[string]int `json:"pending"`
	Executing   int            `json:"executing"`
	PausedFor   time.Duration  `json:"paused_for"`
	Submitted   uint64         `json:"submitted"`
	Completed   uint64         `json:"completed"`
	Failed      uint64         `json:"failed"`
	Cancelled   uint64         `json:"cancelled"`
	Superseded  uint64         `json:"superseded"`
	Deduped     uint64         `json:"deduped"`
	Requeued    uint64         `json:"requeued"`
	RateLimited uint64         `json:"rate_limited"`
	Forced      uint64         `json:"forced"`
}

type counters struct {
	submitted, completed, failed, cancelled, superseded uint64
	deduped, requeued, rateLimited, forced              uint64
}

// Scheduler holds pending requests in priority tiers and drains them through
// a single dispatch loop. Submit is safe from any goroutine; Run must be
// called once.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	limiter   Limiter
	classify  Classifier
	log       *logger.Logger
	now       func() time.Time
	tiers     [len(tierOrder)][]*Request
	executing map[string]*Request
	epochs    map[string]uint64
	paused    time.Time
	stopped   bool
	counters  counters

	wake    chan struct{}
	running atomic.Bool
}

var tierOrder = [...]models.Priority{
	models.PriorityCritical,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

// New builds a scheduler. A nil classifier treats every error as transient.
func New(cfg Config, limiter Limiter, classify Classifier, log *logger.Logger) *Scheduler {
	if classify == nil {
		classify = func(error) Outcome { return OutcomeTransient }
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		limiter:   limiter,
		classify:  classify,
		log:       log,
		now:       time.Now,
		executing: make(map[string]*Request),
		epochs:    make(map[string]uint64),
		wake:      make(chan struct{}, 1),
	}
}

// Submit enqueues req and returns immediately. Reads for a device and
// operation already pending share that request's result. Writes cancel every
// pending request for the same device.
func (s *Scheduler) Submit(req *Request) *Handle {
	ch := make(chan Result, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	h := &Handle{ID: req.ID, ch: ch}

	if s.stopped {
		ch <- Result{Err: ErrStopped}
		return h
	}
	if req.Exec == nil {
		ch <- Result{Err: fmt.Errorf("scheduler: request %s has no executor", req.ID)}
		return h
	}
	if !req.Priority.Valid() {
		req.Priority = models.PriorityLow
	}
	req.CreatedAt = s.now()
	s.counters.submitted++

	if req.dedupable() {
		if existing := s.findPendingLocked(req.DeviceID, req.Op); existing != nil {
			existing.waiters = append(existing.waiters, ch)
			s.counters.deduped++
			if req.Priority < existing.Priority {
				s.removeLocked(existing)
				existing.Priority = req.Priority
				s.insertOrderedLocked(existing)
				s.log.Debugw("request_promoted", "device_id", req.DeviceID, "op", req.Op, "priority", req.Priority)
			}
			h.ID = existing.ID
			s.signal()
			return h
		}
	}

	if req.Op.IsWrite() && req.DeviceID != "" {
		s.cancelDeviceLocked(req.DeviceID)
		s.epochs[req.DeviceID]++
	}

	req.epoch = s.epochs[req.DeviceID]
	req.state = statePending
	req.waiters = []chan Result{ch}
	s.insertOrderedLocked(req)
	s.signal()
	return h
}

// Run drains the queues until ctx is cancelled. Pending requests are
// resolved with ErrStopped on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		req, wait := s.next()
		if req == nil {
			if !s.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		d := s.limiter.Decide(req.Priority)
		if !d.Allowed {
			s.log.Debugw("dispatch_deferred", "device_id", req.DeviceID, "op", req.Op,
				"priority", req.Priority, "reason", d.Reason, "wait", d.Wait)
			if !s.sleep(ctx, d.Wait) {
				return nil
			}
			continue
		}

		if !s.take(req) {
			// Cancelled between selection and dispatch; the token is spent.
			continue
		}
		s.dispatch(ctx, req)
	}
}

// Stats returns queue depth and lifetime counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Pending:     make(map[string]int, len(tierOrder)),
		Executing:   len(s.executing),
		Submitted:   s.counters.submitted,
		Completed:   s.counters.completed,
		Failed:      s.counters.failed,
		Cancelled:   s.counters.cancelled,
		Superseded:  s.counters.superseded,
		Deduped:     s.counters.deduped,
		Requeued:    s.counters.requeued,
		RateLimited: s.counters.rateLimited,
		Forced:      s.counters.forced,
	}
	for i, p := range tierOrder {
		st.Pending[p.String()] = len(s.tiers[i])
	}
	if now := s.now(); now.Before(s.paused) {
		st.PausedFor = s.paused.Sub(now)
	}
	return st
}

// PendingFor counts non-executing requests for a device and operation.
func (s *Scheduler) PendingFor(deviceID string, op models.OperationType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.tiers {
		for _, r := range s.tiers[i] {
			if r.DeviceID == deviceID && r.Op == op {
				n++
			}
		}
	}
	return n
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// sleep waits for d, a new submission or cancellation. A non-positive d
// waits for a submission only.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer:
		return true
	case <-s.wake:
		return true
	}
}

// next picks the request to dispatch, or how long to wait for one to become
// eligible. Tiers are served in order; within a tier power-off writes come
// first, then the oldest request.
func (s *Scheduler) next() (*Request, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Before(s.paused) {
		return nil, s.paused.Sub(now)
	}

	var wait time.Duration
	for i := range s.tiers {
		var oldest, powerOff *Request
		for _, r := range s.tiers[i] {
			if now.Before(r.notBefore) {
				if w := r.notBefore.Sub(now); wait == 0 || w < wait {
					wait = w
				}
				continue
			}
			if oldest == nil {
				oldest = r
			}
			if r.isPowerOff() {
				powerOff = r
				break
			}
		}
		if powerOff != nil {
			return powerOff, 0
		}
		if oldest != nil {
			return oldest, 0
		}
	}
	return nil, wait
}

// take moves req from its tier to the executing set.
func (s *Scheduler) take(req *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.state != statePending {
		return false
	}
	s.removeLocked(req)
	req.state = stateExecuting
	req.Attempts++
	s.executing[req.ID] = req
	return true
}

type execResult struct {
	value any
	err   error
}

func (s *Scheduler) dispatch(ctx context.Context, req *Request) {
	timeout := s.cfg.Timeouts[req.Priority]
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		v, err := req.Exec(execCtx, req)
		done <- execResult{value: v, err: err}
	}()

	stuck := time.NewTimer(s.cfg.StuckCeiling)
	defer stuck.Stop()

	select {
	case r := <-done:
		outcome := OutcomeSuccess
		if r.err != nil {
			outcome = s.classify(r.err)
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				outcome = OutcomeTransient
			}
		}
		if ctx.Err() != nil && r.err != nil {
			s.finish(req, Result{Err: ErrStopped}, false)
			return
		}
		s.limiter.RecordOutcome(req.Priority, outcome == OutcomeSuccess, outcome == OutcomeRateLimited)
		s.complete(req, r, outcome)
	case <-stuck.C:
		s.forceComplete(req)
	case <-ctx.Done():
		s.finish(req, Result{Err: ErrStopped}, false)
	}
}

func (s *Scheduler) complete(req *Request, r execResult, outcome Outcome) {
	budget := s.cfg.RetryBudgets[req.Priority]

	switch outcome {
	case OutcomeSuccess:
		s.finish(req, Result{Value: r.value}, true)

	case OutcomeRateLimited:
		s.mu.Lock()
		s.counters.rateLimited++
		s.paused = s.now().Add(s.cfg.RequeueBackoff)
		s.mu.Unlock()
		s.log.Warnw("request_rate_limited", "device_id", req.DeviceID, "op", req.Op,
			"priority", req.Priority, "attempt", req.Attempts, "pause", s.cfg.RequeueBackoff)
		if req.Attempts > budget {
			s.finish(req, Result{Err: fmt.Errorf("%w after %d attempts", ErrRateLimited, req.Attempts)}, false)
			return
		}
		s.requeue(req, true, time.Time{})

	case OutcomeTransient:
		if req.Attempts > budget {
			s.logFailure(req, r.err)
			s.finish(req, Result{Err: r.err}, false)
			return
		}
		delay := s.cfg.RetryDelay * time.Duration(req.Attempts)
		s.log.Debugw("request_retry", "device_id", req.DeviceID, "op", req.Op,
			"attempt", req.Attempts, "delay", delay, "error", r.err)
		s.requeue(req, false, s.now().Add(delay))

	default:
		s.logFailure(req, r.err)
		s.finish(req, Result{Err: r.err}, false)
	}
}

func (s *Scheduler) logFailure(req *Request, err error) {
	// Background failures are routine; user-facing ones are surfaced by the caller too.
	if req.Priority <= models.PriorityHigh {
		s.log.Warnw("request_failed", "device_id", req.DeviceID, "op", req.Op,
			"priority", req.Priority, "attempts", req.Attempts, "error", err)
		return
	}
	s.log.Debugw("request_failed", "device_id", req.DeviceID, "op", req.Op,
		"priority", req.Priority, "attempts", req.Attempts, "error", err)
}

// forceComplete resolves an execution stuck past the ceiling. Writes are
// assumed to have landed; reads have nothing to report.
func (s *Scheduler) forceComplete(req *Request) {
	s.mu.Lock()
	s.counters.forced++
	s.mu.Unlock()
	s.log.Warnw("request_stuck", "device_id", req.DeviceID, "op", req.Op,
		"priority", req.Priority, "ceiling", s.cfg.StuckCeiling)
	if req.Op.IsWrite() {
		s.finish(req, Result{Forced: true}, true)
		return
	}
	s.finish(req, Result{Err: ErrNoData, Forced: true}, false)
}

// requeue returns an executed request to its tier. Rate-limited requests go
// to the front; retries keep their age and wait until notBefore.
func (s *Scheduler) requeue(req *Request, front bool, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.executing, req.ID)
	if s.stopped {
		s.resolveLocked(req, Result{Err: ErrStopped, Attempts: req.Attempts})
		return
	}
	if req.DeviceID != "" && req.epoch != s.epochs[req.DeviceID] {
		s.counters.superseded++
		s.resolveLocked(req, Result{Err: ErrCancelled, Superseded: true, Attempts: req.Attempts})
		return
	}

	s.counters.requeued++
	req.state = statePending
	req.notBefore = notBefore

	// A read submitted while this one executed now shares its key; fold it in.
	if req.dedupable() {
		if dup := s.findPendingLocked(req.DeviceID, req.Op); dup != nil {
			s.removeLocked(dup)
			dup.state = stateDone
			req.waiters = append(req.waiters, dup.waiters...)
			req.Priority = min(req.Priority, dup.Priority)
			s.counters.deduped++
		}
	}

	if front {
		req.CreatedAt = s.now()
		i := s.tierIndex(req.Priority)
		s.tiers[i] = append([]*Request{req}, s.tiers[i]...)
	} else {
		s.insertOrderedLocked(req)
	}
	s.signal()
}

// finish resolves req. The commit hook runs only if no newer write for the
// device arrived while the request was executing.
func (s *Scheduler) finish(req *Request, res Result, commit bool) {
	s.mu.Lock()
	delete(s.executing, req.ID)
	current := req.DeviceID == "" || req.epoch == s.epochs[req.DeviceID]
	switch {
	case !current && res.Err == nil:
		s.counters.superseded++
		res = Result{Err: ErrCancelled, Superseded: true}
		commit = false
	case res.Err != nil:
		s.counters.failed++
	default:
		s.counters.completed++
	}
	res.Attempts = req.Attempts
	req.state = stateDone
	waiters := req.waiters
	req.waiters = nil
	s.mu.Unlock()

	if commit && req.Commit != nil {
		req.Commit(res.Value)
	}
	for _, ch := range waiters {
		ch <- res
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for i := range s.tiers {
		for _, r := range s.tiers[i] {
			s.resolveLocked(r, Result{Err: ErrStopped, Attempts: r.Attempts})
		}
		s.tiers[i] = nil
	}
	s.running.Store(false)
}

func (s *Scheduler) resolveLocked(req *Request, res Result) {
	req.state = stateDone
	for _, ch := range req.waiters {
		ch <- res
	}
	req.waiters = nil
}

func (s *Scheduler) cancelDeviceLocked(deviceID string) {
	for i := range s.tiers {
		kept := s.tiers[i][:0]
		for _, r := range s.tiers[i] {
			if r.DeviceID != deviceID {
				kept = append(kept, r)
				continue
			}
			s.counters.cancelled++
			s.resolveLocked(r, Result{Err: ErrCancelled, Cancelled: true, Attempts: r.Attempts})
			s.log.Debugw("request_cancelled", "device_id", deviceID, "op", r.Op, "id", r.ID)
		}
		for j := len(kept); j < len(s.tiers[i]); j++ {
			s.tiers[i][j] = nil
		}
		s.tiers[i] = kept
	}
}

func (s *Scheduler) findPendingLocked(deviceID string, op models.OperationType) *Request {
	for i := range s.tiers {
		for _, r := range s.tiers[i] {
			if r.DeviceID == deviceID && r.Op == op {
				return r
			}
		}
	}
	return nil
}

func (s *Scheduler) tierIndex(p models.Priority) int {
	for i, tp := range tierOrder {
		if tp == p {
			return i
		}
	}
	return len(tierOrder) - 1
}

// insertOrderedLocked keeps each tier sorted by CreatedAt.
func (s *Scheduler) insertOrderedLocked(req *Request) {
	i := s.tierIndex(req.Priority)
	tier := s.tiers[i]
	pos := len(tier)
	for pos > 0 && tier[pos-1].CreatedAt.After(req.CreatedAt) {
		pos--
	}
	tier = append(tier, nil)
	copy(tier[pos+1:], tier[pos:])
	tier[pos] = req
	s.tiers[i] = tier
}

func (s *Scheduler) removeLocked(req *Request) {
	i := s.tierIndex(req.Priority)
	tier := s.tiers[i]
	for j, r := range tier {
		if r == req {
			copy(tier[j:], tier[j+1:])
			tier[len(tier)-1] = nil
			s.tiers[i] = tier[:len(tier)-1]
			return
		}
	}
}
