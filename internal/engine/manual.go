package engine

import (
	"sync"

	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// Manual hands out tokens and never completes anything on its own.
// Transfers finish only when the owner reconciles them, e.g. after the
// collaborator reports a completion it observed elsewhere.
type Manual struct {
	mu        sync.Mutex
	running   bool
	nextToken uint64
	submitted int
}

// NewManual creates a stopped manual engine.
func NewManual() *Manual {
	return &Manual{}
}

// Start implements the transfer engine contract. The callback is unused.
func (m *Manual) Start(_ CompletionFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	return nil
}

// Submit returns a fresh token.
func (m *Manual) Submit(_ *vbuf.SGList, _ vbuf.Direction) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, ErrNotRunning
	}
	m.nextToken++
	m.submitted++
	return m.nextToken, nil
}

// Stop implements the transfer engine contract.
func (m *Manual) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// Submitted returns the number of accepted submissions.
func (m *Manual) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}
