package session

import (
	"fmt"

	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// pump submits every Queued buffer to the engine in FIFO order and returns
// how many were submitted. A buffer the engine refuses completes with an error.
func (s *Session) pump() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	submitted := 0
	for s.live {
		b, ok := s.queue.SelectForTransfer()
		if !ok {
			break
		}
		token, err := s.engine.Submit(b.SG(), b.Direction())
		if err != nil {
			s.logger.Warn("Transfer submit failed", "index", b.Index(), "error", err)
			if cerr := s.queue.OnTransferComplete(b.Index(), fmt.Errorf("submit: %w", err)); cerr != nil {
				s.logger.Error("Failed to fail buffer", "index", b.Index(), "error", cerr)
			}
			continue
		}
		s.inflight[token] = b.Index()
		s.order = append(s.order, token)
		submitted++
	}
	return submitted
}

// takeLocked removes token from the in-flight set. Must hold inflightMu.
func (s *Session) takeLocked(token uint64) (uint32, bool) {
	index, ok := s.inflight[token]
	if !ok {
		return 0, false
	}
	delete(s.inflight, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return index, true
}

// onTransferComplete is the engine's completion callback.
func (s *Session) onTransferComplete(token uint64, transferErr error) {
	s.inflightMu.Lock()
	if !s.live {
		s.inflightMu.Unlock()
		return
	}
	index, ok := s.takeLocked(token)
	if !ok {
		s.inflightMu.Unlock()
		s.logger.Debug("Ignoring completion for unknown transfer", "token", token)
		return
	}
	if err := s.queue.OnTransferComplete(index, transferErr); err != nil {
		s.logger.Warn("Completion rejected by queue", "index", index, "error", err)
	}
	s.inflightMu.Unlock()

	s.refreshBufferMetrics()
	s.pump()
}

// TriggerCompletion reconciles the oldest in-flight transfer as successful.
// The collaborator calls it once per completion it observed on its own data
// source. It reports false, with no error, when nothing is in flight.
func (s *Session) TriggerCompletion() (bool, error) {
	s.inflightMu.Lock()
	if !s.live || len(s.order) == 0 {
		s.inflightMu.Unlock()
		return false, nil
	}
	index, _ := s.takeLocked(s.order[0])
	err := s.queue.OnTransferComplete(index, nil)
	s.inflightMu.Unlock()

	s.refreshBufferMetrics()
	s.pump()
	return true, err
}

// onBufferDone runs under the queue lock.
func (s *Session) onBufferDone(info vbuf.BufferInfo) {
	metrics.RecordBufferDone(s.id, info.Failed)
	s.publish(events.BufferDoneEvent{
		SessionID: s.id,
		Index:     info.Index,
		Sequence:  info.Sequence,
		Timestamp: info.Timestamp,
		Failed:    info.Failed,
		Error:     info.Error,
	})

	if !s.notifyEnabled.Load() {
		return
	}
	select {
	case s.notifyCh <- info:
	default:
		if s.notifyDropped.Add(1) == 1 {
			s.logger.Warn("Buffer done backlog full, dropping notifications", "index", info.Index)
		}
	}
}
