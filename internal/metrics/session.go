// Package metrics provides Prometheus metrics for capture sessions.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "userjob",
		Name:      "dispatched_total",
		Help:      "Jobs posted to the collaborator",
	}, []string{"session_id", "kind"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "userjob",
		Name:      "failed_total",
		Help:      "Jobs that did not complete successfully",
	}, []string{"session_id", "kind", "reason"})

	jobLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "capturenode",
		Subsystem: "userjob",
		Name:      "round_trip_seconds",
		Help:      "Time from posting a job to its acknowledgement",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5},
	}, []string{"session_id", "kind"})

	buffersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "vbuf",
		Name:      "completed_total",
		Help:      "Transfers completed, by result",
	}, []string{"session_id", "result"})

	bufferStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturenode",
		Subsystem: "vbuf",
		Name:      "buffers",
		Help:      "Buffers per lifecycle state",
	}, []string{"session_id", "state"})

	bufferTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "vbuf",
		Name:      "transitions_total",
		Help:      "Buffer state transitions",
	}, []string{"session_id", "from", "to"})

	streamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturenode",
		Subsystem: "session",
		Name:      "stream_state",
		Help:      "1 for the current streaming state, 0 otherwise",
	}, []string{"session_id", "state"})

	// Local cache for the SSE exporter and the stats endpoint.
	statsCache   = make(map[string]*SessionStats)
	statsCacheMu sync.RWMutex
)

// SessionStats holds running totals for one session.
type SessionStats struct {
	State            string
	BuffersCompleted uint64
	BuffersFailed    uint64
	JobsDispatched   uint64
	JobsFailed       uint64
	LastCompletion   time.Time
}

// Failure reasons recorded by RecordJobCompleted.
const (
	ReasonTimeout    = "timeout"
	ReasonRejected   = "rejected"
	ReasonDeviceLost = "device_lost"
	ReasonBusy       = "busy"
	ReasonCancelled  = "cancelled"
	ReasonOther      = "other"
)

// RecordJobDispatched counts a posted job.
func RecordJobDispatched(sessionID, kind string) {
	jobsDispatched.WithLabelValues(sessionID, kind).Inc()
	updateStats(sessionID, func(s *SessionStats) { s.JobsDispatched++ })
}

// RecordJobCompleted observes a finished dispatch. An empty reason means success.
func RecordJobCompleted(sessionID, kind, reason string, elapsed time.Duration) {
	jobLatency.WithLabelValues(sessionID, kind).Observe(elapsed.Seconds())
	if reason == "" {
		return
	}
	jobsFailed.WithLabelValues(sessionID, kind, reason).Inc()
	updateStats(sessionID, func(s *SessionStats) { s.JobsFailed++ })
}

// RecordBufferDone counts a completed transfer.
func RecordBufferDone(sessionID string, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	buffersCompleted.WithLabelValues(sessionID, result).Inc()
	updateStats(sessionID, func(s *SessionStats) {
		if failed {
			s.BuffersFailed++
		} else {
			s.BuffersCompleted++
		}
		s.LastCompletion = time.Now()
	})
}

// SetBufferStates publishes the per-state buffer counts.
func SetBufferStates(sessionID string, counts map[string]int) {
	bufferStates.DeletePartialMatch(prometheus.Labels{"session_id": sessionID})
	for state, n := range counts {
		bufferStates.WithLabelValues(sessionID, state).Set(float64(n))
	}
}

// RecordTransition counts one buffer state transition.
func RecordTransition(sessionID, from, to string) {
	bufferTransitions.WithLabelValues(sessionID, from, to).Inc()
}

// SetStreamState marks current as the active state among all.
func SetStreamState(sessionID, current string, all []string) {
	for _, state := range all {
		v := 0.0
		if state == current {
			v = 1
		}
		streamState.WithLabelValues(sessionID, state).Set(v)
	}
	updateStats(sessionID, func(s *SessionStats) { s.State = current })
}

// DeleteSessionMetrics removes all metrics for a session.
func DeleteSessionMetrics(sessionID string) {
	labels := prometheus.Labels{"session_id": sessionID}
	jobsDispatched.DeletePartialMatch(labels)
	jobsFailed.DeletePartialMatch(labels)
	jobLatency.DeletePartialMatch(labels)
	buffersCompleted.DeletePartialMatch(labels)
	bufferStates.DeletePartialMatch(labels)
	bufferTransitions.DeletePartialMatch(labels)
	streamState.DeletePartialMatch(labels)

	statsCacheMu.Lock()
	delete(statsCache, sessionID)
	statsCacheMu.Unlock()
}

// GetSessionStats returns a copy of a session's totals, or nil.
func GetSessionStats(sessionID string) *SessionStats {
	statsCacheMu.RLock()
	defer statsCacheMu.RUnlock()
	if s, ok := statsCache[sessionID]; ok {
		dup := *s
		return &dup
	}
	return nil
}

// GetAllSessionStats returns copies of every session's totals.
func GetAllSessionStats() map[string]*SessionStats {
	statsCacheMu.RLock()
	defer statsCacheMu.RUnlock()
	result := make(map[string]*SessionStats, len(statsCache))
	for id, s := range statsCache {
		dup := *s
		result[id] = &dup
	}
	return result
}

func updateStats(sessionID string, update func(*SessionStats)) {
	statsCacheMu.Lock()
	defer statsCacheMu.Unlock()
	s, ok := statsCache[sessionID]
	if !ok {
		s = &SessionStats{}
		statsCache[sessionID] = s
	}
	update(s)
}
