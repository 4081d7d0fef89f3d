package events

// Event type constants for kelindar/event.
const (
	TypeStreamStateChanged uint32 = iota + 1
	TypeBufferDone
	TypeJobDispatched
	TypeJobCompleted
	TypeSessionFault
	TypeFormatChanged
	TypeLogEntry
	TypeSessionStats
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamStateChangedEvent is published on every session streaming state transition.
type StreamStateChangedEvent struct {
	SessionID string `json:"session_id" example:"cam0" doc:"Session identifier"`
	From      string `json:"from" example:"starting" doc:"Previous streaming state"`
	To        string `json:"to" example:"streaming" doc:"New streaming state"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// BufferDoneEvent is published when a transfer completes, successfully or not.
type BufferDoneEvent struct {
	SessionID string `json:"session_id" example:"cam0" doc:"Session identifier"`
	Index     uint32 `json:"index" example:"2" doc:"Buffer index"`
	Sequence  uint32 `json:"sequence" example:"41" doc:"Completion sequence number"`
	Timestamp uint64 `json:"timestamp_ns" doc:"Completion timestamp in nanoseconds"`
	Failed    bool   `json:"failed" doc:"Whether the transfer failed"`
	Error     string `json:"error,omitempty" doc:"Transfer error"`
}

// Type returns the event type identifier for BufferDoneEvent.
func (e BufferDoneEvent) Type() uint32 { return TypeBufferDone }

// JobDispatchedEvent is published when a job is posted to the collaborator.
type JobDispatchedEvent struct {
	SessionID string `json:"session_id" example:"cam0" doc:"Session identifier"`
	Kind      string `json:"kind" example:"set_format" doc:"Job kind"`
	Sequence  uint16 `json:"sequence" example:"7" doc:"Job sequence number"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for JobDispatchedEvent.
func (e JobDispatchedEvent) Type() uint32 { return TypeJobDispatched }

// JobCompletedEvent is published when a dispatch returns.
type JobCompletedEvent struct {
	SessionID string  `json:"session_id" example:"cam0" doc:"Session identifier"`
	Kind      string  `json:"kind" example:"set_format" doc:"Job kind"`
	Sequence  uint16  `json:"sequence" example:"7" doc:"Job sequence number"`
	Status    int32   `json:"status" doc:"Collaborator status, 0 on success"`
	Error     string  `json:"error,omitempty" doc:"Dispatch error"`
	ElapsedMs float64 `json:"elapsed_ms" doc:"Round trip time in milliseconds"`
	Timestamp string  `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for JobCompletedEvent.
func (e JobCompletedEvent) Type() uint32 { return TypeJobCompleted }

// SessionFaultEvent is published when the session stops on its own,
// e.g. after a collaborator timeout or device loss.
type SessionFaultEvent struct {
	SessionID string `json:"session_id" example:"cam0" doc:"Session identifier"`
	Reason    string `json:"reason" example:"device_lost" doc:"Fault reason"`
	Error     string `json:"error,omitempty" doc:"Underlying error"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionFaultEvent.
func (e SessionFaultEvent) Type() uint32 { return TypeSessionFault }

// FormatChangedEvent is published after a format is committed.
type FormatChangedEvent struct {
	SessionID   string   `json:"session_id" example:"cam0" doc:"Session identifier"`
	Width       uint32   `json:"width" example:"1920" doc:"Frame width"`
	Height      uint32   `json:"height" example:"1080" doc:"Frame height"`
	PixelFormat string   `json:"pixelformat" example:"NV12" doc:"FourCC pixel layout"`
	PlaneSizes  []uint32 `json:"plane_sizes" doc:"Negotiated plane sizes"`
	Timestamp   string   `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FormatChangedEvent.
func (e FormatChangedEvent) Type() uint32 { return TypeFormatChanged }

// LogEntryEvent carries one log record to SSE clients.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2026-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"session" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// SessionStatsEvent is a periodic throughput summary of one session.
type SessionStatsEvent struct {
	SessionID        string  `json:"session_id" example:"cam0" doc:"Session identifier"`
	State            string  `json:"state" example:"streaming" doc:"Streaming state"`
	FPS              float64 `json:"fps" example:"29.97" doc:"Completed frames per second over the last interval"`
	BuffersCompleted uint64  `json:"buffers_completed" doc:"Successful transfers since start"`
	BuffersFailed    uint64  `json:"buffers_failed" doc:"Failed transfers since start"`
	JobsDispatched   uint64  `json:"jobs_dispatched" doc:"Jobs posted to the collaborator"`
	JobsFailed       uint64  `json:"jobs_failed" doc:"Jobs that timed out, were rejected or lost"`
}

// Type returns the event type identifier for SessionStatsEvent.
func (e SessionStatsEvent) Type() uint32 { return TypeSessionStats }
