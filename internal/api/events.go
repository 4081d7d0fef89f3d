package api

import (
	"context"
	"maps"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics/exporters"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of state changes, completed buffers, mailbox traffic, faults and throughput",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func() map[string]any {
		eventTypes := map[string]any{
			"stream-state-changed": events.StreamStateChangedEvent{},
			"buffer-done":          events.BufferDoneEvent{},
			"job-dispatched":       events.JobDispatchedEvent{},
			"job-completed":        events.JobCompletedEvent{},
			"session-fault":        events.SessionFaultEvent{},
			"format-changed":       events.FormatChangedEvent{},
		}
		maps.Copy(eventTypes, exporters.GetEventTypes())
		return eventTypes
	}(), func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 64)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StreamStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.BufferDoneEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.JobDispatchedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.JobCompletedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SessionFaultEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.FormatChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SessionStatsEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current state first so clients need not poll /api/session.
		if err := send.Data(events.StreamStateChangedEvent{
			SessionID: s.session.ID(),
			From:      string(s.session.State()),
			To:        string(s.session.State()),
			Timestamp: time.Now().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
