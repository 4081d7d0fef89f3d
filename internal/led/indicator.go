package led

import (
	"log/slog"
	"sync"

	"github.com/smazurov/capturenode/internal/events"
)

// Subscriber registers typed event handlers.
type Subscriber interface {
	Subscribe(handler any) func()
}

// Indicator mirrors one session on an LED: solid while streaming, off when
// stopped, blinking after a fault until streaming resumes.
type Indicator struct {
	controller Controller
	sessionID  string
	bus        Subscriber
	logger     *slog.Logger

	mu      sync.Mutex
	faulted bool
	current Pattern
	unsubs  []func()
}

// NewIndicator creates an Indicator for sessionID.
func NewIndicator(controller Controller, bus Subscriber, sessionID string, logger *slog.Logger) *Indicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{
		controller: controller,
		sessionID:  sessionID,
		bus:        bus,
		logger:     logger,
	}
}

// Start turns the LED off and begins following session events.
func (i *Indicator) Start() {
	i.apply(PatternOff)
	i.unsubs = append(i.unsubs,
		i.bus.Subscribe(func(e events.StreamStateChangedEvent) {
			if e.SessionID == i.sessionID {
				i.onState(e.To)
			}
		}),
		i.bus.Subscribe(func(e events.SessionFaultEvent) {
			if e.SessionID == i.sessionID {
				i.onFault(e.Reason)
			}
		}),
	)
	i.logger.Info("LED indicator started", "session", i.sessionID)
}

// Stop unsubscribes and turns the LED off.
func (i *Indicator) Stop() {
	for _, unsub := range i.unsubs {
		unsub()
	}
	i.unsubs = nil
	i.apply(PatternOff)
}

// Pattern returns the last pattern applied.
func (i *Indicator) Pattern() Pattern {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

func (i *Indicator) onState(state string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch state {
	case "streaming":
		i.faulted = false
		i.applyLocked(PatternSolid)
	case "stopped":
		if i.faulted {
			i.applyLocked(PatternBlink)
		} else {
			i.applyLocked(PatternOff)
		}
	}
}

func (i *Indicator) onFault(reason string) {
	i.logger.Debug("Session fault, blinking LED", "reason", reason)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.faulted = true
	i.applyLocked(PatternBlink)
}

func (i *Indicator) apply(p Pattern) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.applyLocked(p)
}

func (i *Indicator) applyLocked(p Pattern) {
	if err := i.controller.Set(p); err != nil {
		i.logger.Warn("Failed to set LED", "pattern", p, "error", err)
		return
	}
	i.current = p
}
