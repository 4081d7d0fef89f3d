package session

import (
	"context"
	"errors"
	"time"

	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// dispatch posts one job. The session never has two of its own jobs in
// flight, so ErrBusy only surfaces if someone else uses the mailbox.
func (s *Session) dispatch(ctx context.Context, kind userjob.Kind, payload userjob.Payload) (userjob.Result, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.mailbox.Dispatch(ctx, kind, payload, 0)
}

func (s *Session) onJobDispatched(job userjob.Job) {
	metrics.RecordJobDispatched(s.id, job.Kind.String())
	s.publish(events.JobDispatchedEvent{
		SessionID: s.id,
		Kind:      job.Kind.String(),
		Sequence:  job.Sequence,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Session) onJobCompleted(job userjob.Job, result userjob.Result, err error, elapsed time.Duration) {
	metrics.RecordJobCompleted(s.id, job.Kind.String(), failureReason(err), elapsed)
	ev := events.JobCompletedEvent{
		SessionID: s.id,
		Kind:      job.Kind.String(),
		Sequence:  job.Sequence,
		Status:    result.Status,
		ElapsedMs: float64(elapsed.Microseconds()) / 1000,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(ev)
}

// failureReason maps a dispatch error to a metrics label. nil maps to "".
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, userjob.ErrTimeout):
		return metrics.ReasonTimeout
	case errors.Is(err, userjob.ErrDeviceLost):
		return metrics.ReasonDeviceLost
	case errors.Is(err, userjob.ErrRejected):
		return metrics.ReasonRejected
	case errors.Is(err, userjob.ErrBusy):
		return metrics.ReasonBusy
	case errors.Is(err, userjob.ErrCancelled):
		return metrics.ReasonCancelled
	default:
		return metrics.ReasonOther
	}
}

// notifyLoop posts a BufferDone job for every completion handed to it by
// onBufferDone, until the session is destroyed.
func (s *Session) notifyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case info := <-s.notifyCh:
			_, err := s.dispatch(s.notifyCtx, userjob.KindBufferDone, userjob.Payload{
				Buffer: &userjob.BufferPayload{
					Index:     info.Index,
					Sequence:  info.Sequence,
					Timestamp: info.Timestamp,
					Failed:    info.Failed,
				},
			})
			if err == nil {
				continue
			}
			s.logger.Debug("Buffer done notification failed", "index", info.Index, "error", err)
			if isFault(err) && s.notifyCtx.Err() == nil {
				s.fault(err)
			}
		}
	}
}

// jobHooks routes queue setup and teardown decisions through the mailbox.
type jobHooks struct {
	s *Session
}

func (h jobHooks) InitBuffer(ctx context.Context, index uint32, planeSizes []uint32) ([]vbuf.Placement, error) {
	res, err := h.s.dispatch(ctx, userjob.KindBufferInit, userjob.Payload{
		Buffer: &userjob.BufferPayload{Index: index, PlaneSizes: planeSizes},
	})
	if err != nil {
		return nil, err
	}
	placements := make([]vbuf.Placement, len(res.Placements))
	for i, p := range res.Placements {
		placements[i] = vbuf.Placement{Backing: p.Backing, Offset: p.Offset, Pitch: p.Pitch}
	}
	return placements, nil
}

func (h jobHooks) CleanupBuffer(ctx context.Context, index uint32) error {
	_, err := h.s.dispatch(ctx, userjob.KindBufferCleanup, userjob.Payload{
		Buffer: &userjob.BufferPayload{Index: index},
	})
	return err
}

func toFormatPayload(f vbuf.Format) *userjob.FormatPayload {
	p := &userjob.FormatPayload{
		MultiPlane:  f.Kind == vbuf.KindMultiPlane,
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: f.Layout.String(),
	}
	for _, plane := range f.Planes {
		p.Planes = append(p.Planes, userjob.PlaneFormat{Stride: plane.Stride, Size: plane.Size})
	}
	return p
}

func fromFormatPayload(p userjob.FormatPayload) (vbuf.Format, error) {
	layout, err := vbuf.ParseFourCC(p.PixelFormat)
	if err != nil {
		return vbuf.Format{}, err
	}
	f := vbuf.Format{Width: p.Width, Height: p.Height, Layout: layout}
	if p.MultiPlane {
		f.Kind = vbuf.KindMultiPlane
	}
	return f, nil
}
