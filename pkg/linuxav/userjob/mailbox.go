package userjob

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds a dispatch when no timeout is given.
const DefaultTimeout = 300 * time.Millisecond

// DispatchCallback is called after a job is posted.
type DispatchCallback func(job Job)

// CompleteCallback is called when a dispatch returns.
type CompleteCallback func(job Job, result Result, err error, elapsed time.Duration)

// Options configures a Mailbox.
type Options struct {
	// Timeout used when Dispatch is called with a zero timeout.
	Timeout time.Duration

	// OnDispatch observes every posted job (optional).
	OnDispatch DispatchCallback

	// OnComplete observes every finished dispatch (optional).
	OnComplete CompleteCallback

	// Logger for mailbox operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Mailbox is a single-slot synchronous channel between the driver side and
// the collaborator. At most one Dispatch is outstanding at a time.
//
// Readers detect new jobs and acknowledgements by comparing the monotonic
// jobReady/doneReady counters against the last value they observed, never
// by inspecting slot contents, so a post made before a reader starts
// waiting is never missed.
type Mailbox struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	nextSequence uint16
	currentJob   *Job
	jobReady     uint64
	currentDone  *Done
	doneReady    uint64

	busy     bool
	answered bool   // an ack matching the outstanding job arrived
	answer   Result // valid when answered
	lost     bool
	closed   bool
}

// New creates a mailbox.
func New(opts *Options) *Mailbox {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default().With("component", "userjob")
	}

	m := &Mailbox{opts: o, logger: logger}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetTimeout changes the timeout used for dispatches without an explicit one.
func (m *Mailbox) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.opts.Timeout = d
	m.mu.Unlock()
}

// Timeout returns the default dispatch timeout.
func (m *Mailbox) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Timeout
}

// Dispatch posts a job and blocks until the collaborator acknowledges it
// with a matching kind and sequence, the timeout elapses, ctx is done, or
// the device is lost. A concurrent second Dispatch fails with ErrBusy.
// Only the mailbox timeout yields ErrTimeout; a done ctx yields ErrCancelled
// wrapping ctx.Err().
// A rejected job (non-zero Result.Status) returns the result and ErrRejected.
func (m *Mailbox) Dispatch(ctx context.Context, kind Kind, payload Payload, timeout time.Duration) (Result, error) {
	m.mu.Lock()
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	attempt := Job{Kind: kind}
	switch {
	case m.closed:
		m.mu.Unlock()
		return Result{}, jobError(CodeClosed, "mailbox closed", attempt)
	case m.lost:
		m.mu.Unlock()
		return Result{}, jobError(CodeDeviceLost, "device lost", attempt)
	case m.busy:
		outstanding := *m.currentJob
		m.mu.Unlock()
		return Result{}, &Error{
			Code:     CodeBusy,
			Message:  "job " + outstanding.Kind.String() + " is outstanding",
			Kind:     kind,
			Sequence: outstanding.Sequence,
		}
	}

	job := Job{Kind: kind, Sequence: m.nextSequence, Payload: payload}
	m.nextSequence++
	m.currentJob = &job
	m.jobReady++
	m.busy = true
	m.answered = false
	seenDone := m.doneReady
	m.cond.Broadcast()
	m.mu.Unlock()

	if m.opts.OnDispatch != nil {
		m.opts.OnDispatch(job)
	}
	m.logger.Debug("Job dispatched", "kind", job.Kind.String(), "sequence", job.Sequence)

	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.AfterFunc(timeout, m.wake)
	stopCtx := context.AfterFunc(ctx, m.wake)

	var result Result
	var err error

	m.mu.Lock()
	for {
		if m.answered {
			result = m.answer
			break
		}
		if m.doneReady != seenDone {
			seenDone = m.doneReady
			m.logger.Debug("Discarding stale acknowledgement",
				"kind", m.currentDone.Kind.String(), "sequence", m.currentDone.Sequence,
				"want_kind", job.Kind.String(), "want_sequence", job.Sequence)
		}
		if m.lost {
			err = jobError(CodeDeviceLost, "device lost while waiting", job)
			break
		}
		if m.closed {
			err = jobError(CodeClosed, "mailbox closed while waiting", job)
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e := jobError(CodeCancelled, "dispatch cancelled", job)
			e.Cause = ctxErr
			err = e
			break
		}
		if !time.Now().Before(deadline) {
			err = jobError(CodeTimeout, "no acknowledgement within "+timeout.String(), job)
			break
		}
		m.cond.Wait()
	}
	m.busy = false
	m.answered = false
	m.mu.Unlock()

	timer.Stop()
	stopCtx()

	if err == nil && result.Status != 0 {
		err = &Error{
			Code:     CodeRejected,
			Message:  "collaborator rejected job: " + result.Message,
			Kind:     job.Kind,
			Sequence: job.Sequence,
			Status:   result.Status,
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		m.logger.Warn("Job failed", "kind", job.Kind.String(), "sequence", job.Sequence,
			"elapsed", elapsed, "error", err)
	}
	if m.opts.OnComplete != nil {
		m.opts.OnComplete(job, result, err, elapsed)
	}
	return result, err
}

// wake rouses every waiter so it can re-check its exit conditions.
func (m *Mailbox) wake() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Acknowledge stores a completion in the done slot and wakes the dispatcher.
// Every acknowledgement is accepted; it reports whether it answered the
// outstanding job. Stale or duplicate acknowledgements are never applied.
func (m *Mailbox) Acknowledge(d Done) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentDone = &d
	m.doneReady++

	matched := m.busy && m.currentJob != nil && d.Matches(*m.currentJob) && !m.answered
	if matched {
		m.answered = true
		m.answer = d.Result
	}
	m.cond.Broadcast()
	return matched
}

// PollForJob returns the current job if one was posted since lastSeen,
// together with the counter value to pass next time. It never blocks and
// never consumes the job.
func (m *Mailbox) PollForJob(lastSeen uint64) (Job, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollLocked(lastSeen)
}

func (m *Mailbox) pollLocked(lastSeen uint64) (Job, uint64, bool) {
	if m.jobReady == lastSeen || m.currentJob == nil {
		return Job{}, m.jobReady, false
	}
	return *m.currentJob, m.jobReady, true
}

// WaitForJob blocks until a job newer than lastSeen is posted, ctx is done,
// or the mailbox is closed.
func (m *Mailbox) WaitForJob(ctx context.Context, lastSeen uint64) (Job, uint64, error) {
	stop := context.AfterFunc(ctx, m.wake)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if job, counter, ok := m.pollLocked(lastSeen); ok {
			return job, counter, nil
		}
		if m.closed {
			return Job{}, m.jobReady, ErrClosed
		}
		if m.lost {
			return Job{}, m.jobReady, ErrDeviceLost
		}
		if err := ctx.Err(); err != nil {
			return Job{}, m.jobReady, err
		}
		m.cond.Wait()
	}
}

// Outstanding returns the job currently awaiting acknowledgement, if any.
func (m *Mailbox) Outstanding() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.busy || m.currentJob == nil {
		return Job{}, false
	}
	return *m.currentJob, true
}

// LastDone returns the most recent acknowledgement, matched or not.
func (m *Mailbox) LastDone() (Done, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentDone == nil {
		return Done{}, false
	}
	return *m.currentDone, true
}

// Counters returns the job-ready and done-ready counters.
func (m *Mailbox) Counters() (jobs, dones uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobReady, m.doneReady
}

// MarkDeviceLost fails every in-flight and future Dispatch with ErrDeviceLost.
func (m *Mailbox) MarkDeviceLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lost {
		m.logger.Warn("Device lost, failing outstanding jobs", "busy", m.busy)
	}
	m.lost = true
	m.cond.Broadcast()
}

// DeviceLost reports whether MarkDeviceLost was called.
func (m *Mailbox) DeviceLost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Close wakes all waiters and rejects further use. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}
