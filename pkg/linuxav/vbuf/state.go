package vbuf

// State is the per-buffer lifecycle state.
type State int

// Buffer states.
const (
	StateFree     State = iota // No descriptors, no direction
	StatePrepared              // Descriptors built and mapped
	StateQueued                // Waiting in the ready FIFO
	StateActive                // Owned by the transfer engine
	StateDone                  // Filled, waiting to be dequeued
	StateError                 // Failed; must be cleaned up
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePrepared:
		return "prepared"
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HasDescriptors reports whether a buffer in this state must carry a scatter-gather list.
func (s State) HasDescriptors() bool {
	switch s {
	case StatePrepared, StateQueued, StateActive, StateDone:
		return true
	default:
		return false
	}
}

var legalTransitions = map[State][]State{
	StateFree:     {StatePrepared},
	StatePrepared: {StateQueued, StateError},
	StateQueued:   {StateActive, StateError},
	StateActive:   {StateDone, StateError},
	StateDone:     {StateFree},
	StateError:    {StateFree},
}

// CanTransition reports whether from -> to is a legal buffer state transition.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Direction tags a device mapping with the data flow it is valid for.
type Direction int

// Transfer directions.
const (
	DirNone Direction = iota
	DirToDevice
	DirFromDevice
	DirBidirectional
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	case DirBidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}
