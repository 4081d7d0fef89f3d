// Package engine provides transfer engines that stand in for capture DMA
// hardware. An engine accepts scatter-gather lists and later reports each
// one complete, identified by the token Submit returned.
package engine

import (
	"errors"
	"time"
)

// CompletionFunc receives the result of one submitted transfer.
type CompletionFunc = func(token uint64, err error)

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("engine: not running")

	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrInjectedFault is the transfer error produced by FailEvery.
	ErrInjectedFault = errors.New("engine: injected transfer fault")
)

// Params are the timing parameters of a capture engine. Hardware variants
// differ only in these values, never in the submit/complete protocol.
type Params struct {
	// FrameInterval is the time one transfer takes. Defaults to 33ms.
	FrameInterval time.Duration

	// FailEvery fails every Nth transfer with ErrInjectedFault. 0 disables.
	FailEvery int
}

// DefaultFrameInterval approximates 30 frames per second.
const DefaultFrameInterval = 33 * time.Millisecond
