// Package session composes a buffer queue, a user-job mailbox and a transfer
// engine into one capture session with a streaming state machine:
//
//	Stopped -> Starting -> Streaming -> Stopping -> Stopped
//
// Control operations are serialized. Transfer completions arrive on the
// engine's goroutine and only touch the queue through its locked methods.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/metrics"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// StreamState is the streaming state of a session.
type StreamState string

// Streaming states.
const (
	StateStopped   StreamState = "stopped"
	StateStarting  StreamState = "starting"
	StateStreaming StreamState = "streaming"
	StateStopping  StreamState = "stopping"
)

var allStates = []string{
	string(StateStopped), string(StateStarting), string(StateStreaming), string(StateStopping),
}

// TransferEngine is the DMA capability a session drives. Submit must not
// block. done may be called from any goroutine but never after Stop returns.
type TransferEngine interface {
	Start(done func(token uint64, err error)) error
	Submit(list *vbuf.SGList, dir vbuf.Direction) (uint64, error)
	Stop() error
}

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// DefaultMaxBuffers caps RequestBuffers when Options.MaxBuffers is unset.
const DefaultMaxBuffers = 32

// notifyBacklog is how many BufferDone notifications may wait for the mailbox.
const notifyBacklog = 64

// Options configures a Session.
type Options struct {
	// ID names the session in logs, events and metrics.
	ID string

	// Platform resolves buffer memory (required).
	Platform vbuf.Platform

	// Engine performs transfers (required).
	Engine TransferEngine

	// Alignment used for format negotiation. Zero uses vbuf.DefaultAlignment.
	Alignment vbuf.Alignment

	// Direction of buffer mappings. Defaults to vbuf.DirFromDevice.
	Direction vbuf.Direction

	// JobTimeout bounds every mailbox dispatch. Defaults to userjob.DefaultTimeout.
	JobTimeout time.Duration

	// MaxBuffers caps the pool size.
	MaxBuffers int

	// NotifyBufferDone posts a BufferDone job after every completion.
	NotifyBufferDone bool

	// Events receives session events (optional).
	Events EventPublisher

	// Logger for session operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Session is one capture endpoint. Every Buffer belongs to exactly one
// Session and never outlives it.
type Session struct {
	id     string
	opts   Options
	logger *slog.Logger

	queue   *vbuf.Queue
	mailbox *userjob.Mailbox
	engine  TransferEngine

	ctl       sync.Mutex // serializes control operations
	destroyed bool

	jobMu sync.Mutex // serializes the session's own dispatches

	stateMu sync.RWMutex
	state   StreamState

	inflightMu sync.Mutex
	live       bool              // completions are accepted and refills submitted
	inflight   map[uint64]uint32 // engine token -> buffer index
	order      []uint64          // tokens in submission order

	notifyEnabled atomic.Bool
	notifyCh      chan vbuf.BufferInfo
	notifyDropped atomic.Uint64
	quit          chan struct{}
	notifyCtx     context.Context
	notifyCancel  context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a stopped session and starts its BufferDone notifier.
func New(opts *Options) *Session {
	if opts == nil || opts.Platform == nil || opts.Engine == nil {
		panic("Options with Platform and Engine is required")
	}
	o := *opts
	if o.ID == "" {
		o.ID = "default"
	}
	if o.Alignment == (vbuf.Alignment{}) {
		o.Alignment = vbuf.DefaultAlignment
	}
	if o.Direction == vbuf.DirNone {
		o.Direction = vbuf.DirFromDevice
	}
	if o.MaxBuffers <= 0 {
		o.MaxBuffers = DefaultMaxBuffers
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}
	logger = logger.With("session_id", o.ID)

	s := &Session{
		id:       o.ID,
		opts:     o,
		logger:   logger,
		engine:   o.Engine,
		state:    StateStopped,
		inflight: make(map[uint64]uint32),
		notifyCh: make(chan vbuf.BufferInfo, notifyBacklog),
		quit:     make(chan struct{}),
	}
	s.notifyCtx, s.notifyCancel = context.WithCancel(context.Background())
	s.notifyEnabled.Store(o.NotifyBufferDone)

	s.mailbox = userjob.New(&userjob.Options{
		Timeout:    o.JobTimeout,
		OnDispatch: s.onJobDispatched,
		OnComplete: s.onJobCompleted,
		Logger:     logger.With("component", "userjob"),
	})
	s.queue = vbuf.NewQueue(&vbuf.QueueOptions{
		Platform:      o.Platform,
		Hooks:         jobHooks{s},
		Direction:     o.Direction,
		OnStateChange: s.onBufferTransition,
		OnDone:        s.onBufferDone,
		Logger:        logger.With("component", "vbuf"),
	})

	s.wg.Add(1)
	go s.notifyLoop()

	metrics.SetStreamState(s.id, string(StateStopped), allStates)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Mailbox returns the collaborator side of the session's job channel.
func (s *Session) Mailbox() *userjob.Mailbox { return s.mailbox }

// Queue returns the session's buffer queue.
func (s *Session) Queue() *vbuf.Queue { return s.queue }

// State returns the current streaming state.
func (s *Session) State() StreamState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Format returns the committed format, if any.
func (s *Session) Format() (vbuf.Format, bool) {
	return s.queue.Format()
}

// Alignment returns the session's alignment constants.
func (s *Session) Alignment() vbuf.Alignment { return s.opts.Alignment }

// MaxBuffers returns the pool size cap.
func (s *Session) MaxBuffers() int { return s.opts.MaxBuffers }

// SetJobTimeout changes the dispatch timeout at runtime.
func (s *Session) SetJobTimeout(d time.Duration) {
	s.mailbox.SetTimeout(d)
	s.logger.Info("Job timeout updated", "timeout", s.mailbox.Timeout())
}

// SetNotifyBufferDone toggles BufferDone jobs at runtime.
func (s *Session) SetNotifyBufferDone(enabled bool) {
	if s.notifyEnabled.Swap(enabled) != enabled {
		s.logger.Info("Buffer done notifications updated", "enabled", enabled)
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID               string            `json:"id"`
	State            StreamState       `json:"state"`
	Format           *vbuf.Format      `json:"format,omitempty"`
	Buffers          []vbuf.BufferInfo `json:"buffers"`
	Inflight         int               `json:"inflight"`
	JobsPosted       uint64            `json:"jobs_posted"`
	AcksReceived     uint64            `json:"acks_received"`
	Outstanding      *userjob.Job      `json:"outstanding,omitempty"`
	DeviceLost       bool              `json:"device_lost"`
	JobTimeoutMs     int64             `json:"job_timeout_ms"`
	NotifyBufferDone bool              `json:"notify_buffer_done"`
	NotifyDropped    uint64            `json:"notify_dropped"`
	StateCounts      map[string]int    `json:"state_counts"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	info := Info{
		ID:               s.id,
		State:            s.State(),
		Buffers:          s.queue.Snapshot(),
		DeviceLost:       s.mailbox.DeviceLost(),
		JobTimeoutMs:     s.mailbox.Timeout().Milliseconds(),
		NotifyBufferDone: s.notifyEnabled.Load(),
		NotifyDropped:    s.notifyDropped.Load(),
		StateCounts:      s.stateCounts(),
	}
	if f, ok := s.queue.Format(); ok {
		info.Format = &f
	}
	info.JobsPosted, info.AcksReceived = s.mailbox.Counters()
	if job, ok := s.mailbox.Outstanding(); ok {
		info.Outstanding = &job
	}
	s.inflightMu.Lock()
	info.Inflight = len(s.order)
	s.inflightMu.Unlock()
	return info
}

func (s *Session) setState(to StreamState) {
	s.stateMu.Lock()
	from := s.state
	s.state = to
	s.stateMu.Unlock()
	if from == to {
		return
	}

	s.logger.Debug("Stream state changed", "from", from, "to", to)
	metrics.SetStreamState(s.id, string(to), allStates)
	s.publish(events.StreamStateChangedEvent{
		SessionID: s.id,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Session) stateCounts() map[string]int {
	counts := make(map[string]int)
	for state, n := range s.queue.StateCounts() {
		counts[state.String()] = n
	}
	return counts
}

func (s *Session) refreshBufferMetrics() {
	metrics.SetBufferStates(s.id, s.stateCounts())
}

func (s *Session) publish(ev events.Event) {
	if s.opts.Events != nil {
		s.opts.Events.Publish(ev)
	}
}

// onBufferTransition runs under the queue lock.
func (s *Session) onBufferTransition(_ uint32, from, to vbuf.State) {
	metrics.RecordTransition(s.id, from.String(), to.String())
}
