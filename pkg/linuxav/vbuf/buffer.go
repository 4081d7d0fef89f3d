package vbuf

import "time"

// Placement is the physical placement the collaborator chose for one plane.
type Placement struct {
	Backing string `json:"backing"`
	Offset  uint64 `json:"offset"`
	Pitch   uint32 `json:"pitch"`
}

// PlaneMemory is the backing memory of one plane of a buffer.
type PlaneMemory struct {
	Data      []byte
	Placement Placement
	BytesUsed uint32

	// owned is true when Data came from Platform.Alloc.
	owned bool
}

// Buffer is one frame-sized allocation unit. Buffers are owned by a Queue
// and are only mutated with the queue lock held.
type Buffer struct {
	index     uint32
	state     State
	planes    []PlaneMemory
	sg        *SGList
	direction Direction
	sequence  uint32
	timestamp uint64
	err       error

	// syncedForDevice is set once CacheSyncBeforeDevice ran for the current transfer.
	syncedForDevice bool
}

// Index returns the buffer's position in the pool.
func (b *Buffer) Index() uint32 { return b.index }

// State returns the current state.
func (b *Buffer) State() State { return b.state }

// SG returns the buffer's scatter-gather list, or nil.
func (b *Buffer) SG() *SGList { return b.sg }

// Direction returns the direction of the current device mapping.
func (b *Buffer) Direction() Direction { return b.direction }

// Planes returns the buffer's plane memory.
func (b *Buffer) Planes() []PlaneMemory { return b.planes }

// BufferInfo is a point-in-time copy of a buffer's bookkeeping, safe to hand
// to callers outside the queue lock.
type BufferInfo struct {
	Index       uint32      `json:"index"`
	State       string      `json:"state"`
	Direction   string      `json:"direction"`
	Sequence    uint32      `json:"sequence"`
	Timestamp   uint64      `json:"timestamp"`
	Descriptors int         `json:"descriptors"`
	PlaneSizes  []uint32    `json:"plane_sizes"`
	BytesUsed   []uint32    `json:"bytes_used"`
	Placements  []Placement `json:"placements,omitempty"`
	Failed      bool        `json:"failed"`
	Error       string      `json:"error,omitempty"`
}

func (b *Buffer) info() BufferInfo {
	info := BufferInfo{
		Index:      b.index,
		State:      b.state.String(),
		Direction:  b.direction.String(),
		Sequence:   b.sequence,
		Timestamp:  b.timestamp,
		PlaneSizes: make([]uint32, len(b.planes)),
		BytesUsed:  make([]uint32, len(b.planes)),
	}
	if b.sg != nil {
		info.Descriptors = len(b.sg.Descriptors)
	}
	for i, p := range b.planes {
		info.PlaneSizes[i] = uint32(len(p.Data))
		info.BytesUsed[i] = p.BytesUsed
		if p.Placement != (Placement{}) {
			info.Placements = append(info.Placements, p.Placement)
		}
	}
	if b.err != nil {
		info.Failed = true
		info.Error = b.err.Error()
	}
	return info
}

// nowNanos is the monotonic-enough clock used for completion timestamps.
var nowNanos = func() uint64 {
	return uint64(time.Now().UnixNano())
}
