package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes session throughput as SessionStatsEvents.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// completed count per session at the previous tick, for FPS
	last map[string]sample
}

type sample struct {
	completed uint64
	at        time.Time
}

// NewSSEExporter creates a new SSE exporter.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: 1 * time.Second,
		last:     make(map[string]sample),
	}
}

// Start begins the SSE export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the SSE exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.publishStats(now)
		}
	}
}

func (s *SSEExporter) publishStats(now time.Time) {
	all := metrics.GetAllSessionStats()
	for id := range s.last {
		if _, ok := all[id]; !ok {
			delete(s.last, id)
		}
	}

	for id, st := range all {
		var fps float64
		if prev, ok := s.last[id]; ok && st.BuffersCompleted >= prev.completed {
			if dt := now.Sub(prev.at).Seconds(); dt > 0 {
				fps = float64(st.BuffersCompleted-prev.completed) / dt
			}
		}
		s.last[id] = sample{completed: st.BuffersCompleted, at: now}

		s.eventBus.Publish(events.SessionStatsEvent{
			SessionID:        id,
			State:            st.State,
			FPS:              fps,
			BuffersCompleted: st.BuffersCompleted,
			BuffersFailed:    st.BuffersFailed,
			JobsDispatched:   st.JobsDispatched,
			JobsFailed:       st.JobsFailed,
		})
	}
}

// GetEventTypes returns event types for SSE endpoint registration.
func GetEventTypes() map[string]any {
	return map[string]any{
		"session-stats": events.SessionStatsEvent{},
	}
}
