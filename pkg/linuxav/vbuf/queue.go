package vbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hooks lets the owner of a queue defer buffer setup and teardown decisions
// to someone else. Both calls may block.
type Hooks interface {
	// InitBuffer is called before descriptors are built. The returned
	// placements are recorded on the buffer's planes, in order.
	InitBuffer(ctx context.Context, index uint32, planeSizes []uint32) ([]Placement, error)

	// CleanupBuffer is called after a buffer returned to Free.
	CleanupBuffer(ctx context.Context, index uint32) error
}

// StateChangeCallback is called on every buffer state transition.
// It runs with the queue lock held and must not call back into the queue.
type StateChangeCallback func(index uint32, from, to State)

// DoneCallback is called when a transfer completes, successfully or not.
// It runs with the queue lock held and must not call back into the queue.
type DoneCallback func(info BufferInfo)

// QueueOptions configures a new Queue.
type QueueOptions struct {
	// Platform resolves and maps backing memory (required).
	Platform Platform

	// Hooks receives BufferInit/BufferCleanup decisions (optional).
	Hooks Hooks

	// Direction of every mapping made by this queue. Defaults to DirFromDevice.
	Direction Direction

	// OnStateChange observes buffer transitions (optional).
	OnStateChange StateChangeCallback

	// OnDone observes transfer completions (optional).
	OnDone DoneCallback

	// Logger for queue operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// errStreamStopped marks buffers forced out of the hardware by Drain.
var errStreamStopped = errors.New("stream stopped")

// Queue owns a buffer pool and runs the per-buffer state machine.
// All methods are safe for concurrent use.
type Queue struct {
	opts     QueueOptions
	platform Platform
	logger   *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	buffers   []*Buffer
	ready     []*Buffer // FIFO of Queued buffers
	done      []*Buffer // Done/Error buffers in completion order
	format    Format
	hasFormat bool
	sequence  uint32
	streaming bool
	pending   map[uint32]bool // buffers with a Prepare in progress
}

// NewQueue creates an empty queue.
func NewQueue(opts *QueueOptions) *Queue {
	if opts == nil || opts.Platform == nil {
		panic("QueueOptions with Platform is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "vbuf")
	}

	q := &Queue{
		opts:     *opts,
		platform: opts.Platform,
		logger:   logger,
		pending:  make(map[uint32]bool),
	}
	if q.opts.Direction == DirNone {
		q.opts.Direction = DirFromDevice
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetFormat records the format that Enqueue validates plane sizes against.
func (q *Queue) SetFormat(f Format) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.format = f
	q.hasFormat = true
}

// Format returns the current format and whether one was set.
func (q *Queue) Format() (Format, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.format, q.hasFormat
}

// Setup replaces the pool with count buffers whose planes have the given sizes.
// Every existing buffer must be Free. A count of 0 only frees the pool.
func (q *Queue) Setup(count int, planeSizes []uint32) (int, error) {
	if count < 0 {
		return 0, newError(CodeInvalidState, fmt.Sprintf("invalid buffer count %d", count), nil)
	}
	if count > 0 && (len(planeSizes) == 0 || len(planeSizes) > MaxPlanes) {
		return 0, newError(CodeSizeMismatch, fmt.Sprintf("invalid plane count %d", len(planeSizes)), nil)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.buffers {
		if b.state != StateFree || q.pending[b.index] {
			return 0, invalidState(b.index, b.state, "reallocate")
		}
	}

	if err := q.freeLocked(); err != nil {
		return 0, err
	}

	buffers := make([]*Buffer, 0, count)
	for i := range count {
		b := &Buffer{index: uint32(i), state: StateFree}
		for _, size := range planeSizes {
			mem, err := q.platform.Alloc(int(size))
			if err != nil {
				q.buffers = buffers
				_ = q.freeLocked()
				b.releaseOwned(q.platform)
				return 0, newErrorWithCause(CodeResourceExhausted, "failed to allocate buffer memory", err,
					map[string]any{"index": i, "size": size})
			}
			b.planes = append(b.planes, PlaneMemory{Data: mem, owned: true})
		}
		buffers = append(buffers, b)
	}

	q.buffers = buffers
	q.logger.Debug("Buffer pool allocated", "count", count, "plane_sizes", planeSizes)
	return count, nil
}

// Free releases the pool. Every buffer must be Free.
func (q *Queue) Free() error {
	_, err := q.Setup(0, nil)
	return err
}

// freeLocked returns all owned memory to the platform (must hold lock).
func (q *Queue) freeLocked() error {
	var errs []error
	for _, b := range q.buffers {
		errs = append(errs, b.releaseOwned(q.platform))
	}
	q.buffers = nil
	q.ready = nil
	q.done = nil
	return errors.Join(errs...)
}

func (b *Buffer) releaseOwned(p Platform) error {
	var errs []error
	for i := range b.planes {
		if b.planes[i].owned && b.planes[i].Data != nil {
			errs = append(errs, p.Free(b.planes[i].Data))
		}
	}
	b.planes = nil
	return errors.Join(errs...)
}

// Count returns the number of buffers in the pool.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers)
}

// Prepare builds and maps the scatter-gather list of a Free buffer.
// A non-nil backing replaces the buffer's plane memory once the descriptors
// are built. On failure the buffer stays Free with its previous memory and
// no descriptors attached.
func (q *Queue) Prepare(ctx context.Context, index uint32, backing [][]byte) error {
	q.mu.Lock()
	b, err := q.bufferLocked(index)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if b.state != StateFree || q.pending[index] {
		q.mu.Unlock()
		return invalidState(index, b.state, "prepare")
	}
	var next []PlaneMemory
	if backing != nil {
		if len(backing) == 0 || len(backing) > MaxPlanes {
			q.mu.Unlock()
			return newError(CodeSizeMismatch, fmt.Sprintf("invalid plane count %d", len(backing)), nil)
		}
		next = make([]PlaneMemory, 0, len(backing))
		for _, mem := range backing {
			next = append(next, PlaneMemory{Data: mem})
		}
	} else {
		next = b.planes
	}
	if len(next) == 0 {
		q.mu.Unlock()
		return newErrorWithCause(CodeResourceExhausted, "cannot prepare buffer", errNoBacking,
			map[string]any{"index": index})
	}
	planes := make([][]byte, len(next))
	sizes := make([]uint32, len(next))
	for i, p := range next {
		planes[i] = p.Data
		sizes[i] = uint32(len(p.Data))
	}
	q.pending[index] = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, index)
		q.mu.Unlock()
	}()

	var placements []Placement
	if q.opts.Hooks != nil {
		placements, err = q.opts.Hooks.InitBuffer(ctx, index, sizes)
		if err != nil {
			return fmt.Errorf("buffer init %d: %w", index, err)
		}
	}

	list, err := buildSGList(q.platform, planes, q.opts.Direction)
	if err != nil {
		if q.opts.Hooks != nil {
			if cleanupErr := q.opts.Hooks.CleanupBuffer(ctx, index); cleanupErr != nil {
				return errors.Join(err, fmt.Errorf("buffer cleanup %d: %w", index, cleanupErr))
			}
		}
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if backing != nil {
		if relErr := b.releaseOwned(q.platform); relErr != nil {
			q.logger.Warn("Failed to release pool memory", "index", index, "error", relErr)
		}
		b.planes = next
	}
	for i := range b.planes {
		if i < len(placements) {
			b.planes[i].Placement = placements[i]
		}
		b.planes[i].BytesUsed = 0
	}
	b.sg = list
	b.direction = q.opts.Direction
	b.err = nil
	q.transitionLocked(b, StatePrepared)
	q.logger.Debug("Buffer prepared", "index", index, "descriptors", len(list.Descriptors))
	return nil
}

// Enqueue moves a Prepared buffer to the ready FIFO after checking its planes
// against the current format. A size mismatch leaves the buffer untouched.
func (q *Queue) Enqueue(index uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := q.bufferLocked(index)
	if err != nil {
		return err
	}
	if b.state != StatePrepared {
		return invalidState(index, b.state, "queue")
	}
	if q.hasFormat {
		if err := checkPlanes(b, q.format); err != nil {
			return err
		}
	}

	q.transitionLocked(b, StateQueued)
	q.ready = append(q.ready, b)
	return nil
}

// checkPlanes validates buffer plane lengths against f.
func checkPlanes(b *Buffer, f Format) error {
	if len(b.planes) != len(f.Planes) {
		return newError(CodeSizeMismatch,
			fmt.Sprintf("buffer %d has %d planes, format needs %d", b.index, len(b.planes), len(f.Planes)),
			map[string]any{"index": b.index})
	}
	for i, p := range f.Planes {
		if uint32(len(b.planes[i].Data)) < p.Size {
			return newError(CodeSizeMismatch,
				fmt.Sprintf("buffer %d plane %d is %d bytes, format needs %d", b.index, i, len(b.planes[i].Data), p.Size),
				map[string]any{"index": b.index, "plane": i})
		}
	}
	return nil
}

// ReadyCount returns the number of buffers waiting in the FIFO.
func (q *Queue) ReadyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// SelectForTransfer pops the FIFO head and marks it Active. It never blocks.
func (q *Queue) SelectForTransfer() (*Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil, false
	}
	b := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]

	q.transitionLocked(b, StateActive)
	q.syncBeforeDeviceLocked(b)
	return b, true
}

// OnTransferComplete records the result of a transfer on an Active buffer.
func (q *Queue) OnTransferComplete(index uint32, transferErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := q.bufferLocked(index)
	if err != nil {
		return err
	}
	if b.state != StateActive {
		return invalidState(index, b.state, "complete")
	}

	if transferErr != nil {
		q.failLocked(b, transferErr)
		q.logger.Warn("Transfer failed", "index", index, "error", transferErr)
	} else {
		q.syncAfterDeviceLocked(b)
		b.timestamp = nowNanos()
		b.sequence = q.sequence
		q.sequence++
		for i := range b.planes {
			b.planes[i].BytesUsed = uint32(len(b.planes[i].Data))
		}
		q.transitionLocked(b, StateDone)
	}

	q.done = append(q.done, b)
	if q.opts.OnDone != nil {
		q.opts.OnDone(b.info())
	}
	q.cond.Broadcast()
	return nil
}

// failLocked moves a buffer to Error and drops its descriptors (must hold lock).
func (q *Queue) failLocked(b *Buffer, cause error) {
	q.syncAfterDeviceLocked(b)
	q.transitionLocked(b, StateError)
	b.err = cause
	teardownSGList(q.platform, b.sg)
	b.sg = nil
}

// CacheSyncBeforeDevice hands an Active buffer to the device. It is a no-op on
// coherent platforms or when already done for the current transfer.
func (q *Queue) CacheSyncBeforeDevice(index uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := q.bufferLocked(index)
	if err != nil {
		return err
	}
	if b.state != StateActive {
		return invalidState(index, b.state, "sync for device")
	}
	q.syncBeforeDeviceLocked(b)
	return nil
}

// CacheSyncAfterDevice hands a buffer back to the CPU once per transfer.
func (q *Queue) CacheSyncAfterDevice(index uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := q.bufferLocked(index)
	if err != nil {
		return err
	}
	q.syncAfterDeviceLocked(b)
	return nil
}

func (q *Queue) syncBeforeDeviceLocked(b *Buffer) {
	if q.platform.Coherent() || b.syncedForDevice || b.sg == nil {
		return
	}
	q.platform.SyncForDevice(b.sg)
	b.syncedForDevice = true
}

func (q *Queue) syncAfterDeviceLocked(b *Buffer) {
	if !b.syncedForDevice {
		return
	}
	b.syncedForDevice = false
	if b.sg != nil {
		q.platform.SyncForCPU(b.sg)
	}
}

// SetStreaming toggles whether Dequeue may block. Turning streaming on resets
// the completion sequence counter to 0.
func (q *Queue) SetStreaming(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streaming = on
	if on {
		q.sequence = 0
	}
	q.cond.Broadcast()
}

// Dequeue pops the oldest completed buffer. While streaming it blocks until a
// buffer completes, ctx is done, or streaming stops; with nonblock it returns
// ErrWouldBlock instead. A failed buffer is cleaned up before it is returned;
// the returned info then has Failed set and any cleanup error is returned.
func (q *Queue) Dequeue(ctx context.Context, nonblock bool) (BufferInfo, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	for len(q.done) == 0 {
		switch {
		case nonblock:
			q.mu.Unlock()
			return BufferInfo{}, ErrWouldBlock
		case !q.streaming:
			q.mu.Unlock()
			return BufferInfo{}, newError(CodeInvalidState, "no completed buffers and not streaming", nil)
		case ctx.Err() != nil:
			q.mu.Unlock()
			return BufferInfo{}, ctx.Err()
		}
		q.cond.Wait()
	}

	b := q.done[0]
	q.done[0] = nil
	q.done = q.done[1:]
	info := b.info()
	failed := b.state == StateError
	q.mu.Unlock()

	if !failed {
		return info, nil
	}

	err := q.Cleanup(ctx, b.index)
	info.State = StateFree.String()
	info.Direction = DirNone.String()
	return info, err
}

// Cleanup tears down a buffer's descriptors and returns it to Free.
// Done and Error buffers go straight to Free; Prepared and Queued buffers
// are forced through Error first. Cleaning a Free buffer is a no-op.
func (q *Queue) Cleanup(ctx context.Context, index uint32) error {
	q.mu.Lock()
	b, err := q.bufferLocked(index)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if q.pending[index] {
		q.mu.Unlock()
		return invalidState(index, b.state, "clean up")
	}

	switch b.state {
	case StateFree:
		q.mu.Unlock()
		return nil
	case StateActive:
		q.mu.Unlock()
		return invalidState(index, b.state, "clean up")
	case StatePrepared, StateQueued:
		q.ready = removeBuffer(q.ready, b)
		q.failLocked(b, errors.New("released before transfer"))
	case StateDone, StateError:
		q.done = removeBuffer(q.done, b)
	}

	teardownSGList(q.platform, b.sg)
	b.sg = nil
	b.direction = DirNone
	b.syncedForDevice = false
	q.transitionLocked(b, StateFree)
	q.mu.Unlock()

	if q.opts.Hooks != nil {
		if hookErr := q.opts.Hooks.CleanupBuffer(ctx, index); hookErr != nil {
			return fmt.Errorf("buffer cleanup %d: %w", index, hookErr)
		}
	}
	return nil
}

// Drain forces every Queued and Active buffer through Error and cleanup.
// It returns the number of buffers drained and every cleanup error. ctx is
// passed to each CleanupBuffer hook as is, so a deadline on it is shared by
// all of them.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.mu.Lock()
	var targets []uint32
	for _, b := range q.buffers {
		if b.state == StateQueued || b.state == StateActive {
			q.failLocked(b, errStreamStopped)
			targets = append(targets, b.index)
		}
	}
	q.ready = nil
	q.mu.Unlock()

	var errs []error
	for _, index := range targets {
		if err := q.Cleanup(ctx, index); err != nil {
			errs = append(errs, err)
		}
	}
	return len(targets), errors.Join(errs...)
}

// Info returns a copy of one buffer's bookkeeping.
func (q *Queue) Info(index uint32) (BufferInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, err := q.bufferLocked(index)
	if err != nil {
		return BufferInfo{}, err
	}
	return b.info(), nil
}

// Snapshot returns copies of every buffer's bookkeeping.
func (q *Queue) Snapshot() []BufferInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	infos := make([]BufferInfo, len(q.buffers))
	for i, b := range q.buffers {
		infos[i] = b.info()
	}
	return infos
}

// StateCounts returns how many buffers are in each state.
func (q *Queue) StateCounts() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[State]int)
	for _, b := range q.buffers {
		counts[b.state]++
	}
	return counts
}

func (q *Queue) bufferLocked(index uint32) (*Buffer, error) {
	if int(index) >= len(q.buffers) {
		return nil, newError(CodeInvalidState,
			fmt.Sprintf("buffer index %d out of range (pool has %d)", index, len(q.buffers)),
			map[string]any{"index": index})
	}
	return q.buffers[index], nil
}

// transitionLocked applies a state change (must hold lock). An illegal
// transition is a bug in this package and panics.
func (q *Queue) transitionLocked(b *Buffer, to State) {
	from := b.state
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("vbuf: illegal transition %s -> %s for buffer %d", from, to, b.index))
	}
	b.state = to
	if q.opts.OnStateChange != nil {
		q.opts.OnStateChange(b.index, from, to)
	}
}

func removeBuffer(list []*Buffer, b *Buffer) []*Buffer {
	for i, x := range list {
		if x == b {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// checkInvariants verifies descriptor/state coupling for every buffer.
func (q *Queue) checkInvariants() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.buffers {
		if (b.sg != nil) != b.state.HasDescriptors() {
			return fmt.Errorf("buffer %d: state %s with descriptors=%v", b.index, b.state, b.sg != nil)
		}
		if b.direction == DirNone && b.state != StateFree {
			return fmt.Errorf("buffer %d: state %s with no direction", b.index, b.state)
		}
		if b.state == StateFree && b.direction != DirNone {
			return fmt.Errorf("buffer %d: free with direction %s", b.index, b.direction)
		}
	}
	return nil
}
