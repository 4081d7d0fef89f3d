package exporters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics"
)

type mockEventBus struct {
	mu        sync.Mutex
	events    []events.Event
	published chan struct{}
}

func newMockEventBus() *mockEventBus {
	return &mockEventBus{
		events:    make([]events.Event, 0),
		published: make(chan struct{}, 100),
	}
}

func (m *mockEventBus) Publish(ev events.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	select {
	case m.published <- struct{}{}:
	default:
	}
}

func (m *mockEventBus) getEvents() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]events.Event, len(m.events))
	copy(result, m.events)
	return result
}

func TestSSEExporterPublishesStats(t *testing.T) {
	id := "sse-test-session"
	metrics.DeleteSessionMetrics(id)
	defer metrics.DeleteSessionMetrics(id)

	metrics.RecordJobDispatched(id, "start_streaming")
	metrics.RecordBufferDone(id, false)
	metrics.RecordBufferDone(id, true)

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	exporter.Start(ctx)

	select {
	case <-mock.published:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for stats publish")
	}

	cancel()
	exporter.Stop()

	var found bool
	for _, ev := range mock.getEvents() {
		if se, ok := ev.(events.SessionStatsEvent); ok && se.SessionID == id {
			found = true
			if se.BuffersCompleted != 1 || se.BuffersFailed != 1 {
				t.Errorf("buffers = %d/%d, want 1/1", se.BuffersCompleted, se.BuffersFailed)
			}
			if se.JobsDispatched != 1 {
				t.Errorf("JobsDispatched = %d, want 1", se.JobsDispatched)
			}
			break
		}
	}
	if !found {
		t.Error("expected SessionStatsEvent for test session")
	}
}

func TestSSEExporterFPS(t *testing.T) {
	id := "sse-fps-session"
	metrics.DeleteSessionMetrics(id)
	defer metrics.DeleteSessionMetrics(id)
	metrics.RecordBufferDone(id, false)

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)

	start := time.Now()
	exporter.publishStats(start)
	for range 30 {
		metrics.RecordBufferDone(id, false)
	}
	exporter.publishStats(start.Add(time.Second))

	var fps []float64
	for _, ev := range mock.getEvents() {
		if se, ok := ev.(events.SessionStatsEvent); ok && se.SessionID == id {
			fps = append(fps, se.FPS)
		}
	}
	if len(fps) != 2 {
		t.Fatalf("expected 2 events, got %d", len(fps))
	}
	if fps[0] != 0 {
		t.Errorf("first sample FPS = %v, want 0", fps[0])
	}
	if fps[1] != 30 {
		t.Errorf("second sample FPS = %v, want 30", fps[1])
	}
}

func TestSSEExporterForgetsDeletedSessions(t *testing.T) {
	id := "sse-deleted-session"
	metrics.RecordBufferDone(id, false)

	exporter := NewSSEExporter(newMockEventBus())
	exporter.publishStats(time.Now())
	if _, ok := exporter.last[id]; !ok {
		t.Fatal("expected sample recorded")
	}

	metrics.DeleteSessionMetrics(id)
	exporter.publishStats(time.Now())
	if _, ok := exporter.last[id]; ok {
		t.Error("expected sample dropped after session deleted")
	}
}

func TestSSEExporterStopIdempotent(t *testing.T) {
	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 10 * time.Millisecond

	exporter.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	exporter.Stop()
	exporter.Stop()
	exporter.Stop()

	countAfterStop := len(mock.getEvents())
	time.Sleep(30 * time.Millisecond)
	if got := len(mock.getEvents()); got != countAfterStop {
		t.Errorf("events published after stop: got %d, want %d", got, countAfterStop)
	}
}

func TestSSEExporterStopBeforeStart(t *testing.T) {
	id := "sse-stop-before-start"
	metrics.RecordBufferDone(id, false)
	defer metrics.DeleteSessionMetrics(id)

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 10 * time.Millisecond

	exporter.Stop()

	exporter.Start(t.Context())
	time.Sleep(50 * time.Millisecond)
	exporter.Stop()

	if len(mock.getEvents()) == 0 {
		t.Error("expected events after Start(), got none")
	}
}

func TestGetEventTypes(t *testing.T) {
	if _, ok := GetEventTypes()["session-stats"]; !ok {
		t.Error("expected session-stats event type")
	}
}
