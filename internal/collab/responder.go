package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
)

// DefaultRetryDelay is the pause after a transient source error.
const DefaultRetryDelay = 500 * time.Millisecond

// TriggerFunc completes one in-flight transfer.
type TriggerFunc func(ctx context.Context) (bool, error)

// Options configures a Responder.
type Options struct {
	Source JobSource
	Policy *Policy
	// Trigger, when set with a positive TriggerInterval, is called on that
	// interval to drive completions for engines without their own clock.
	Trigger         TriggerFunc
	TriggerInterval time.Duration
	RetryDelay      time.Duration
	Logger          *slog.Logger
}

// Responder answers jobs from a JobSource until stopped.
type Responder struct {
	opts    Options
	logger  *slog.Logger
	handled atomic.Uint64
	matched atomic.Uint64
}

// NewResponder creates a Responder.
func NewResponder(opts Options) *Responder {
	if opts.Source == nil {
		panic("collab: Options.Source is required")
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy(PolicyOptions{})
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{opts: opts, logger: logger.With("component", "responder")}
}

// Handled returns the number of jobs answered.
func (r *Responder) Handled() uint64 {
	return r.handled.Load()
}

// Matched returns the number of answers the capture side accepted.
func (r *Responder) Matched() uint64 {
	return r.matched.Load()
}

// Run answers jobs until ctx is done or the mailbox closes. It returns
// userjob.ErrDeviceLost when the capture side reports the device gone.
func (r *Responder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.opts.Trigger != nil && r.opts.TriggerInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.triggerLoop(runCtx)
		}()
	}

	var lastSeen uint64
	for {
		job, counter, err := r.opts.Source.WaitForJob(runCtx, lastSeen)
		if err != nil {
			switch {
			case runCtx.Err() != nil, errors.Is(err, userjob.ErrClosed):
				return nil
			case errors.Is(err, userjob.ErrDeviceLost):
				r.logger.Warn("Capture device lost, responder exiting")
				return err
			}
			r.logger.Warn("Failed to fetch job", "error", err)
			select {
			case <-runCtx.Done():
				return nil
			case <-time.After(r.opts.RetryDelay):
			}
			continue
		}
		lastSeen = counter

		result := r.opts.Policy.Handle(job)
		r.logger.Debug("Answering job", "kind", job.Kind, "sequence", job.Sequence, "status", result.Status)

		ok, err := r.opts.Source.Acknowledge(runCtx, userjob.Done{Kind: job.Kind, Sequence: job.Sequence, Result: result})
		r.handled.Add(1)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			r.logger.Warn("Failed to acknowledge job", "kind", job.Kind, "sequence", job.Sequence, "error", err)
			continue
		}
		if ok {
			r.matched.Add(1)
		} else {
			r.logger.Debug("Answer arrived after job finished", "kind", job.Kind, "sequence", job.Sequence)
		}
	}
}

func (r *Responder) triggerLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TriggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.opts.Trigger(ctx); err != nil && ctx.Err() == nil {
				r.logger.Debug("Trigger failed", "error", err)
			}
		}
	}
}
