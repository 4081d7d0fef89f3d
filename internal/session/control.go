package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

func invalidState(op string, state StreamState) error {
	return &vbuf.Error{
		Code:    vbuf.CodeInvalidState,
		Message: fmt.Sprintf("cannot %s while %s", op, state),
		Context: map[string]any{"state": string(state)},
	}
}

// checkUsable must be called with ctl held.
func (s *Session) checkUsable() error {
	if s.destroyed {
		return userjob.ErrClosed
	}
	return nil
}

// NegotiateFormat derives plane layouts for desired, asks the collaborator
// to accept it and commits the accepted format. Only legal while Stopped.
// The collaborator may answer with a different width, height or layout;
// plane sizes are always re-derived locally.
func (s *Session) NegotiateFormat(ctx context.Context, desired vbuf.Format) (vbuf.Format, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return vbuf.Format{}, err
	}
	if st := s.State(); st != StateStopped {
		return vbuf.Format{}, invalidState("set format", st)
	}

	proposed, err := vbuf.NegotiateSize(desired, s.opts.Alignment)
	if err != nil {
		return vbuf.Format{}, err
	}

	res, err := s.dispatch(ctx, userjob.KindSetFormat, userjob.Payload{Format: toFormatPayload(proposed)})
	if err != nil {
		return vbuf.Format{}, fmt.Errorf("set format: %w", err)
	}

	accepted := proposed
	if res.Format != nil {
		counter, err := fromFormatPayload(*res.Format)
		if err != nil {
			return vbuf.Format{}, err
		}
		if accepted, err = vbuf.NegotiateSize(counter, s.opts.Alignment); err != nil {
			return vbuf.Format{}, err
		}
	}

	s.queue.SetFormat(accepted)
	s.logger.Info("Format committed",
		"width", accepted.Width, "height", accepted.Height,
		"pixelformat", accepted.Layout.String(), "plane_sizes", accepted.PlaneSizes())
	s.publish(events.FormatChangedEvent{
		SessionID:   s.id,
		Width:       accepted.Width,
		Height:      accepted.Height,
		PixelFormat: accepted.Layout.String(),
		PlaneSizes:  accepted.PlaneSizes(),
		Timestamp:   time.Now().Format(time.RFC3339),
	})
	return accepted, nil
}

// RequestBuffers asks the collaborator to approve count buffers of the
// current format and allocates them. The count is clamped to [1, MaxBuffers]
// and the collaborator may lower it. A count of 0 frees the pool without
// consulting the collaborator. Only legal while Stopped.
func (s *Session) RequestBuffers(ctx context.Context, count int) (int, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return 0, err
	}
	if st := s.State(); st != StateStopped {
		return 0, invalidState("request buffers", st)
	}
	defer s.refreshBufferMetrics()

	if count <= 0 {
		return 0, s.queue.Free()
	}

	f, ok := s.queue.Format()
	if !ok {
		return 0, &vbuf.Error{Code: vbuf.CodeInvalidState, Message: "no format negotiated"}
	}
	count = min(count, s.opts.MaxBuffers)

	res, err := s.dispatch(ctx, userjob.KindQueueSetup, userjob.Payload{
		QueueSetup: &userjob.QueueSetupPayload{Count: uint32(count), PlaneSizes: f.PlaneSizes()},
	})
	if err != nil {
		return 0, fmt.Errorf("queue setup: %w", err)
	}
	if res.Count > 0 && int(res.Count) < count {
		count = int(res.Count)
	}

	n, err := s.queue.Setup(count, f.PlaneSizes())
	if err != nil {
		return 0, err
	}
	s.logger.Info("Buffers allocated", "count", n, "plane_sizes", f.PlaneSizes())
	return n, nil
}

// PrepareBuffer builds a buffer's descriptor list, dispatching BufferInit.
// backing, when non-nil, replaces the pool memory of the buffer.
func (s *Session) PrepareBuffer(ctx context.Context, index uint32, backing [][]byte) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	defer s.refreshBufferMetrics()

	err := s.queue.Prepare(ctx, index, backing)
	s.faultLocked(ctx, err)
	return err
}

// ReleaseBuffer tears a buffer down to Free, dispatching BufferCleanup.
// Releasing a Free buffer is a no-op.
func (s *Session) ReleaseBuffer(ctx context.Context, index uint32) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	defer s.refreshBufferMetrics()

	err := s.queue.Cleanup(ctx, index)
	s.faultLocked(ctx, err)
	return err
}

// QueueBuffer hands a Prepared buffer to the ready FIFO. While streaming it
// is submitted to the engine right away.
func (s *Session) QueueBuffer(index uint32) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	defer s.refreshBufferMetrics()

	if err := s.queue.Enqueue(index); err != nil {
		return err
	}
	if s.State() == StateStreaming {
		s.pump()
	}
	return nil
}

// DequeueBuffer returns the oldest completed buffer. It blocks while
// streaming unless nonblock is set. It does not take the control lock, so
// Stop can run while a dequeue is waiting.
func (s *Session) DequeueBuffer(ctx context.Context, nonblock bool) (vbuf.BufferInfo, error) {
	info, err := s.queue.Dequeue(ctx, nonblock)
	if info.Failed || err != nil {
		s.refreshBufferMetrics()
	}
	if isFault(err) {
		s.fault(err)
	}
	return info, err
}

// Start dispatches StartStreaming, starts the engine and submits every
// Queued buffer in arrival order. On failure the session is back in Stopped.
func (s *Session) Start(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	if st := s.State(); st != StateStopped {
		return invalidState("start", st)
	}

	s.setState(StateStarting)
	if _, err := s.dispatch(ctx, userjob.KindStartStreaming, userjob.Payload{}); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("start streaming: %w", err)
	}

	s.queue.SetStreaming(true)
	s.inflightMu.Lock()
	s.live = true
	s.inflightMu.Unlock()

	if err := s.engine.Start(s.onTransferComplete); err != nil {
		s.inflightMu.Lock()
		s.live = false
		s.inflightMu.Unlock()
		s.queue.SetStreaming(false)

		if _, stopErr := s.dispatch(context.WithoutCancel(ctx), userjob.KindStopStreaming, userjob.Payload{}); stopErr != nil {
			s.logger.Warn("Failed to notify collaborator of aborted start", "error", stopErr)
		}
		s.setState(StateStopped)
		return fmt.Errorf("start engine: %w", err)
	}

	submitted := s.pump()
	s.setState(StateStreaming)
	s.refreshBufferMetrics()
	s.logger.Info("Streaming started", "submitted", submitted)
	return nil
}

// Stop dispatches StopStreaming, stops the engine and forces every Queued
// and Active buffer through Error and cleanup. Stopped is reached no matter
// what the collaborator answers; every dispatch, including each buffer
// cleanup, gets its own job timeout. Errors from every phase are joined and
// returned.
func (s *Session) Stop(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.State() == StateStopped {
		return nil
	}
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	s.setState(StateStopping)
	// Stopped must be reached even if the caller gives up, so dispatches
	// are bounded by the mailbox timeout alone.
	ctx = context.WithoutCancel(ctx)
	var errs []error

	if _, err := s.dispatch(ctx, userjob.KindStopStreaming, userjob.Payload{}); err != nil {
		errs = append(errs, fmt.Errorf("stop streaming: %w", err))
	}

	s.inflightMu.Lock()
	s.live = false
	s.inflightMu.Unlock()

	if err := s.engine.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}

	s.inflightMu.Lock()
	abandoned := len(s.order)
	clear(s.inflight)
	s.order = nil
	s.inflightMu.Unlock()

	s.queue.SetStreaming(false)

	drained, err := s.queue.Drain(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	s.setState(StateStopped)
	s.refreshBufferMetrics()
	s.logger.Info("Streaming stopped", "drained", drained, "abandoned_transfers", abandoned)
	return errors.Join(errs...)
}

// DeviceLost reports a hardware or bus failure observed outside the
// session. In-flight dispatches fail fast, streaming is forced to Stopped and
// every later dispatch fails with userjob.ErrDeviceLost.
func (s *Session) DeviceLost(ctx context.Context) error {
	s.mailbox.MarkDeviceLost()

	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}
	s.faultLocked(ctx, userjob.ErrDeviceLost)
	return nil
}

// Destroy stops streaming, returns every buffer to Free, frees the pool and
// closes the mailbox. The session is unusable afterwards.
func (s *Session) Destroy(ctx context.Context) error {
	s.ctl.Lock()
	if s.destroyed {
		s.ctl.Unlock()
		return nil
	}

	var errs []error
	if s.State() != StateStopped {
		errs = append(errs, s.stopLocked(ctx))
	}

	cleanupCtx := context.WithoutCancel(ctx)
	for _, b := range s.queue.Snapshot() {
		if b.State == vbuf.StateFree.String() {
			continue
		}
		if err := s.queue.Cleanup(cleanupCtx, b.Index); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.queue.Free())

	s.destroyed = true
	s.ctl.Unlock()

	s.mailbox.Close()
	s.notifyCancel()
	close(s.quit)
	s.wg.Wait()

	metrics.DeleteSessionMetrics(s.id)
	s.logger.Info("Session destroyed")
	return errors.Join(errs...)
}

// isFault reports a collaborator timeout or device loss. A caller giving up
// on its own context is not a fault.
func isFault(err error) bool {
	return errors.Is(err, userjob.ErrTimeout) || errors.Is(err, userjob.ErrDeviceLost)
}

// faultLocked forces a streaming session to Stopped when err is a
// collaborator timeout or device loss. Must hold ctl.
func (s *Session) faultLocked(ctx context.Context, err error) {
	if !isFault(err) {
		return
	}
	st := s.State()
	if st != StateStreaming {
		return
	}

	reason := failureReason(err)
	s.logger.Error("Session fault, forcing stop", "reason", reason, "error", err)
	s.publish(events.SessionFaultEvent{
		SessionID: s.id,
		Reason:    reason,
		Error:     err.Error(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if stopErr := s.stopLocked(context.WithoutCancel(ctx)); stopErr != nil {
		s.logger.Warn("Forced stop completed with errors", "error", stopErr)
	}
}

// fault is faultLocked for callers that do not hold ctl.
func (s *Session) fault(err error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.destroyed {
		return
	}
	s.faultLocked(context.Background(), err)
}
