package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturenode/internal/engine"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/pkg/linuxav/dmamem"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) faults() []events.SessionFaultEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.SessionFaultEvent
	for _, ev := range b.events {
		if f, ok := ev.(events.SessionFaultEvent); ok {
			out = append(out, f)
		}
	}
	return out
}

func (b *recordingBus) transitions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		if sc, ok := ev.(events.StreamStateChangedEvent); ok {
			out = append(out, sc.From+"->"+sc.To)
		}
	}
	return out
}

// policy answers a job. Returning false leaves the job unanswered.
type policy func(userjob.Job) (userjob.Result, bool)

func acceptAll(userjob.Job) (userjob.Result, bool) { return userjob.Result{}, true }

func silent(userjob.Job) (userjob.Result, bool) { return userjob.Result{}, false }

type collaborator struct {
	mu     sync.Mutex
	jobs   []userjob.Job
	policy policy
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startCollaborator(mb *userjob.Mailbox) *collaborator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &collaborator{policy: acceptAll, cancel: cancel}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var seen uint64
		for {
			job, counter, err := mb.WaitForJob(ctx, seen)
			if err != nil {
				return
			}
			seen = counter
			c.mu.Lock()
			c.jobs = append(c.jobs, job)
			answer := c.policy
			c.mu.Unlock()
			if res, ok := answer(job); ok {
				mb.Acknowledge(userjob.Done{Kind: job.Kind, Sequence: job.Sequence, Result: res})
			}
		}
	}()
	return c
}

func (c *collaborator) setPolicy(p policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

func (c *collaborator) seen(kind userjob.Kind) []userjob.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []userjob.Job
	for _, j := range c.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func (c *collaborator) stop() {
	c.cancel()
	c.wg.Wait()
}

type harness struct {
	s      *Session
	heap   *dmamem.Heap
	manual *engine.Manual
	bus    *recordingBus
	collab *collaborator
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		heap:   dmamem.NewHeap(dmamem.HeapOptions{PageSize: 4096}),
		manual: engine.NewManual(),
		bus:    &recordingBus{},
	}
	opts := &Options{
		ID:         t.Name(),
		Platform:   h.heap,
		Engine:     h.manual,
		JobTimeout: 200 * time.Millisecond,
		MaxBuffers: 8,
		Events:     h.bus,
		Logger:     testLogger(),
	}
	if mutate != nil {
		mutate(opts)
	}
	h.s = New(opts)
	h.collab = startCollaborator(h.s.Mailbox())
	t.Cleanup(func() {
		_ = h.s.Destroy(context.Background())
		h.collab.stop()
	})
	return h
}

// setup negotiates a small YUYV format, allocates count buffers and
// prepares and queues the first queued of them.
func (h *harness) setup(t *testing.T, count, queued int) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.s.NegotiateFormat(ctx, vbuf.Format{Width: 64, Height: 16, Layout: vbuf.LayoutYUYV}); err != nil {
		t.Fatalf("NegotiateFormat failed: %v", err)
	}
	n, err := h.s.RequestBuffers(ctx, count)
	if err != nil || n != count {
		t.Fatalf("RequestBuffers(%d) = %d, %v", count, n, err)
	}
	for i := range queued {
		if err := h.s.PrepareBuffer(ctx, uint32(i), nil); err != nil {
			t.Fatalf("PrepareBuffer(%d) failed: %v", i, err)
		}
		if err := h.s.QueueBuffer(uint32(i)); err != nil {
			t.Fatalf("QueueBuffer(%d) failed: %v", i, err)
		}
	}
}

// requeue returns a dequeued buffer to the ready FIFO.
func (h *harness) requeue(t *testing.T, index uint32) {
	t.Helper()
	ctx := context.Background()
	if err := h.s.ReleaseBuffer(ctx, index); err != nil {
		t.Fatalf("ReleaseBuffer(%d) failed: %v", index, err)
	}
	if err := h.s.PrepareBuffer(ctx, index, nil); err != nil {
		t.Fatalf("PrepareBuffer(%d) failed: %v", index, err)
	}
	if err := h.s.QueueBuffer(index); err != nil {
		t.Fatalf("QueueBuffer(%d) failed: %v", index, err)
	}
}

func TestNegotiateFormat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	f, err := h.s.NegotiateFormat(ctx, vbuf.Format{Width: 1920, Height: 1080, Layout: vbuf.LayoutNV12})
	if err != nil {
		t.Fatalf("NegotiateFormat failed: %v", err)
	}
	if f.Planes[0].Stride != 1920 || f.Planes[0].Size != 3110400 {
		t.Errorf("expected 1920/3110400, got %+v", f.Planes[0])
	}

	jobs := h.collab.seen(userjob.KindSetFormat)
	if len(jobs) != 1 {
		t.Fatalf("expected one SetFormat job, got %d", len(jobs))
	}
	if p := jobs[0].Payload.Format; p == nil || p.PixelFormat != "NV12" || p.Planes[0].Size != 3110400 {
		t.Errorf("unexpected SetFormat payload %+v", jobs[0].Payload.Format)
	}

	committed, ok := h.s.Format()
	if !ok || committed.Width != 1920 {
		t.Errorf("expected committed 1920 wide format, got %+v", committed)
	}
}

func TestNegotiateFormatCounterProposal(t *testing.T) {
	h := newHarness(t, nil)
	h.collab.setPolicy(func(j userjob.Job) (userjob.Result, bool) {
		if j.Kind == userjob.KindSetFormat {
			return userjob.Result{Format: &userjob.FormatPayload{
				Width: 640, Height: 480, PixelFormat: "YUYV",
				Planes: []userjob.PlaneFormat{{Stride: 1, Size: 1}},
			}}, true
		}
		return userjob.Result{}, true
	})

	f, err := h.s.NegotiateFormat(context.Background(), vbuf.Format{Width: 1920, Height: 1080, Layout: vbuf.LayoutNV12})
	if err != nil {
		t.Fatalf("NegotiateFormat failed: %v", err)
	}
	if f.Width != 640 || f.Layout != vbuf.LayoutYUYV {
		t.Errorf("expected collaborator's 640 YUYV, got %dx%d %s", f.Width, f.Height, f.Layout)
	}
	if f.Planes[0].Size != 614400 {
		t.Errorf("expected sizes re-derived to 614400, got %d", f.Planes[0].Size)
	}
}

func TestNegotiateFormatErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.s.NegotiateFormat(ctx, vbuf.Format{Width: 64, Height: 64, Layout: vbuf.Layout(0x3436324D)})
	if !errors.Is(err, vbuf.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if n := len(h.collab.seen(userjob.KindSetFormat)); n != 0 {
		t.Errorf("expected no job for an unsupported layout, got %d", n)
	}

	h.collab.setPolicy(func(userjob.Job) (userjob.Result, bool) {
		return userjob.Result{Status: -22, Message: "no"}, true
	})
	_, err = h.s.NegotiateFormat(ctx, vbuf.Format{Width: 64, Height: 64, Layout: vbuf.LayoutGREY})
	if !errors.Is(err, userjob.ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
	if _, ok := h.s.Format(); ok {
		t.Error("rejected format must not be committed")
	}
}

func TestSetFormatWhileStreaming(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 2, 2)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err := h.s.NegotiateFormat(ctx, vbuf.Format{Width: 32, Height: 32, Layout: vbuf.LayoutGREY})
	if !errors.Is(err, vbuf.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := h.s.RequestBuffers(ctx, 4); !errors.Is(err, vbuf.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for RequestBuffers, got %v", err)
	}
	if err := h.s.Start(ctx); !errors.Is(err, vbuf.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for second Start, got %v", err)
	}
}

func TestRequestBuffers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxBuffers = 4 })
	ctx := context.Background()

	if _, err := h.s.RequestBuffers(ctx, 2); !errors.Is(err, vbuf.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState without a format, got %v", err)
	}

	if _, err := h.s.NegotiateFormat(ctx, vbuf.Format{Width: 64, Height: 16, Layout: vbuf.LayoutYUYV}); err != nil {
		t.Fatalf("NegotiateFormat failed: %v", err)
	}
	h.collab.setPolicy(func(j userjob.Job) (userjob.Result, bool) {
		if j.Kind == userjob.KindQueueSetup {
			return userjob.Result{Count: j.Payload.QueueSetup.Count - 1}, true
		}
		return userjob.Result{}, true
	})

	n, err := h.s.RequestBuffers(ctx, 10)
	if err != nil {
		t.Fatalf("RequestBuffers failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected collaborator to lower count to 3, got %d", n)
	}
	jobs := h.collab.seen(userjob.KindQueueSetup)
	if len(jobs) != 1 || jobs[0].Payload.QueueSetup.Count != 4 {
		t.Errorf("expected QueueSetup for clamped count 4, got %+v", jobs)
	}
	if got := h.s.Queue().Count(); got != 3 {
		t.Errorf("expected pool of 3, got %d", got)
	}

	if n, err := h.s.RequestBuffers(ctx, 0); err != nil || n != 0 {
		t.Errorf("RequestBuffers(0) = %d, %v", n, err)
	}
	if h.heap.Stats().AllocatedBytes != 0 {
		t.Errorf("expected pool memory freed, got %d bytes", h.heap.Stats().AllocatedBytes)
	}
}

func TestPrepareRecordsPlacement(t *testing.T) {
	h := newHarness(t, nil)
	h.collab.setPolicy(func(j userjob.Job) (userjob.Result, bool) {
		if j.Kind == userjob.KindBufferInit {
			return userjob.Result{Placements: []userjob.PlanePlacement{
				{Backing: "cma:0", Offset: 4096 * uint64(j.Payload.Buffer.Index), Pitch: 128},
			}}, true
		}
		return userjob.Result{}, true
	})
	h.setup(t, 2, 0)

	if err := h.s.PrepareBuffer(context.Background(), 1, nil); err != nil {
		t.Fatalf("PrepareBuffer failed: %v", err)
	}
	info := h.s.Info().Buffers[1]
	if len(info.Placements) != 1 || info.Placements[0].Backing != "cma:0" || info.Placements[0].Offset != 4096 {
		t.Errorf("unexpected placements %+v", info.Placements)
	}

	inits := h.collab.seen(userjob.KindBufferInit)
	if len(inits) != 1 || inits[0].Payload.Buffer.PlaneSizes[0] != 2048 {
		t.Errorf("expected BufferInit with plane size 2048, got %+v", inits)
	}
}

func TestStartSubmitsQueuedInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 3, 3)

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.s.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", h.s.State())
	}
	if h.manual.Submitted() != 3 {
		t.Errorf("expected 3 submissions, got %d", h.manual.Submitted())
	}

	for want := range 3 {
		if ok, err := h.s.TriggerCompletion(); !ok || err != nil {
			t.Fatalf("TriggerCompletion = %v, %v", ok, err)
		}
		info, err := h.s.DequeueBuffer(context.Background(), true)
		if err != nil {
			t.Fatalf("DequeueBuffer failed: %v", err)
		}
		if info.Index != uint32(want) {
			t.Errorf("expected buffer %d completed, got %d", want, info.Index)
		}
	}

	want := []string{"stopped->starting", "starting->streaming"}
	got := h.bus.transitions()
	if len(got) < 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected transitions %v, got %v", want, got)
	}
}

func TestStartRollback(t *testing.T) {
	tests := []struct {
		name   string
		policy policy
		want   error
	}{
		{
			name: "rejected",
			policy: func(j userjob.Job) (userjob.Result, bool) {
				if j.Kind == userjob.KindStartStreaming {
					return userjob.Result{Status: -5}, true
				}
				return userjob.Result{}, true
			},
			want: userjob.ErrRejected,
		},
		{
			name:   "no answer",
			policy: silent,
			want:   userjob.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.setup(t, 2, 2)
			h.collab.setPolicy(tt.policy)

			err := h.s.Start(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if h.s.State() != StateStopped {
				t.Errorf("expected rollback to stopped, got %s", h.s.State())
			}
			if h.manual.Submitted() != 0 {
				t.Errorf("expected nothing submitted, got %d", h.manual.Submitted())
			}
			if n := h.s.Queue().StateCounts()[vbuf.StateQueued]; n != 2 {
				t.Errorf("expected buffers to stay queued, got %d", n)
			}
		})
	}
}

func TestStopDrainsBuffers(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 5, 4)
	ctx := context.Background()

	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := h.s.TriggerCompletion(); err != nil {
		t.Fatalf("TriggerCompletion failed: %v", err)
	}

	if err := h.s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", h.s.State())
	}

	counts := h.s.Queue().StateCounts()
	if counts[vbuf.StateFree] != 4 || counts[vbuf.StateDone] != 1 {
		t.Errorf("expected 4 free and 1 done, got %v", counts)
	}
	if counts[vbuf.StateActive]+counts[vbuf.StateQueued] != 0 {
		t.Errorf("buffers left attached: %v", counts)
	}
	if got := h.heap.Stats().MappedLists; got != 1 {
		t.Errorf("expected only the done buffer mapped, got %d", got)
	}
	if h.s.Info().Inflight != 0 {
		t.Errorf("expected no in-flight transfers, got %d", h.s.Info().Inflight)
	}
	if n := len(h.collab.seen(userjob.KindBufferCleanup)); n != 3 {
		t.Errorf("expected 3 cleanup jobs for drained buffers, got %d", n)
	}

	if ok, _ := h.s.TriggerCompletion(); ok {
		t.Error("expected TriggerCompletion to be a no-op after stop")
	}
	if err := h.s.Stop(ctx); err != nil {
		t.Errorf("expected second Stop to be a no-op, got %v", err)
	}

	info, err := h.s.DequeueBuffer(ctx, true)
	if err != nil || info.Index != 0 {
		t.Fatalf("expected done buffer 0 after stop, got %+v, %v", info, err)
	}
	if _, err := h.s.DequeueBuffer(ctx, false); !errors.Is(err, vbuf.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for blocking dequeue while stopped, got %v", err)
	}
}

func TestStopWithUnresponsiveCollaborator(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 3, 3)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.collab.setPolicy(silent)
	start := time.Now()
	err := h.s.Stop(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, userjob.ErrTimeout) {
		t.Errorf("expected joined ErrTimeout, got %v", err)
	}
	if h.s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", h.s.State())
	}
	if elapsed > 2*time.Second {
		t.Errorf("stop blocked for %v", elapsed)
	}
	if n := h.s.Queue().StateCounts()[vbuf.StateFree]; n != 3 {
		t.Errorf("expected all 3 buffers free, got %d", n)
	}
	if h.heap.Stats().LiveDescriptors != 0 {
		t.Errorf("expected no live descriptors, got %d", h.heap.Stats().LiveDescriptors)
	}
}

func TestStopSlowCollaboratorEachCleanupTimed(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 5, 4)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Each answer fits the 200ms job timeout; all of them together do not.
	h.collab.setPolicy(func(userjob.Job) (userjob.Result, bool) {
		time.Sleep(120 * time.Millisecond)
		return userjob.Result{}, true
	})
	if err := h.s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", h.s.State())
	}
	if n := len(h.collab.seen(userjob.KindBufferCleanup)); n != 4 {
		t.Errorf("expected 4 cleanup jobs, got %d", n)
	}
	if n := h.s.Queue().StateCounts()[vbuf.StateFree]; n != 5 {
		t.Errorf("expected all 5 buffers free, got %d", n)
	}
}

func TestCallerCancelWhileStreaming(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 3, 2)
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.collab.setPolicy(silent)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.s.PrepareBuffer(ctx, 2, nil)
	if !errors.Is(err, userjob.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if errors.Is(err, userjob.ErrTimeout) {
		t.Errorf("caller deadline reported as collaborator timeout: %v", err)
	}
	if h.s.State() != StateStreaming {
		t.Errorf("expected session still streaming, got %s", h.s.State())
	}
	if faults := h.bus.faults(); len(faults) != 0 {
		t.Errorf("expected no fault events, got %+v", faults)
	}

	h.collab.setPolicy(acceptAll)
	if err := h.s.PrepareBuffer(context.Background(), 2, nil); err != nil {
		t.Fatalf("PrepareBuffer retry failed: %v", err)
	}
	if err := h.s.QueueBuffer(2); err != nil {
		t.Fatalf("QueueBuffer failed: %v", err)
	}
	if h.s.State() != StateStreaming {
		t.Errorf("expected streaming after retry, got %s", h.s.State())
	}
}

func TestSequenceMonotonicAndReset(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 2, 2)
	ctx := context.Background()

	run := func(frames int) {
		t.Helper()
		if err := h.s.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		for want := range frames {
			if ok, err := h.s.TriggerCompletion(); !ok || err != nil {
				t.Fatalf("TriggerCompletion = %v, %v", ok, err)
			}
			info, err := h.s.DequeueBuffer(ctx, true)
			if err != nil {
				t.Fatalf("DequeueBuffer failed: %v", err)
			}
			if info.Sequence != uint32(want) {
				t.Errorf("frame %d: expected sequence %d, got %d", want, want, info.Sequence)
			}
			h.requeue(t, info.Index)
		}
		if err := h.s.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	}

	run(6)

	for i := range uint32(2) {
		if err := h.s.PrepareBuffer(ctx, i, nil); err != nil {
			t.Fatalf("PrepareBuffer failed: %v", err)
		}
		if err := h.s.QueueBuffer(i); err != nil {
			t.Fatalf("QueueBuffer failed: %v", err)
		}
	}
	run(3)
}

func TestFailedTransferDequeuedAndCleaned(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Engine = engine.NewSim(engine.Params{FrameInterval: time.Millisecond, FailEvery: 1}, testLogger())
	})
	h.setup(t, 1, 1)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	info, err := h.s.DequeueBuffer(dctx, false)
	if err != nil {
		t.Fatalf("DequeueBuffer failed: %v", err)
	}
	if !info.Failed || info.State != vbuf.StateFree.String() {
		t.Errorf("expected failed buffer returned as free, got %+v", info)
	}
	if n := len(h.collab.seen(userjob.KindBufferCleanup)); n != 1 {
		t.Errorf("expected one cleanup job, got %d", n)
	}
}

func TestSimStreaming(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Engine = engine.NewSim(engine.Params{FrameInterval: time.Millisecond}, testLogger())
	})
	h.setup(t, 3, 3)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	last := int64(-1)
	for range 10 {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		info, err := h.s.DequeueBuffer(dctx, false)
		cancel()
		if err != nil {
			t.Fatalf("DequeueBuffer failed: %v", err)
		}
		if int64(info.Sequence) <= last {
			t.Errorf("sequence %d after %d", info.Sequence, last)
		}
		last = int64(info.Sequence)
		if info.BytesUsed[0] != 2048 {
			t.Errorf("expected 2048 bytes used, got %d", info.BytesUsed[0])
		}
		h.requeue(t, info.Index)
	}

	if err := h.s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	counts := h.s.Queue().StateCounts()
	if counts[vbuf.StateActive]+counts[vbuf.StateQueued] != 0 {
		t.Errorf("buffers left attached after stop: %v", counts)
	}
}

func TestTimeoutWhileStreamingForcesStop(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 3, 2)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.collab.setPolicy(silent)
	err := h.s.PrepareBuffer(ctx, 2, nil)
	if !errors.Is(err, userjob.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if h.s.State() != StateStopped {
		t.Errorf("expected forced stop, got %s", h.s.State())
	}
	faults := h.bus.faults()
	if len(faults) != 1 || faults[0].Reason != "timeout" {
		t.Errorf("expected one timeout fault event, got %+v", faults)
	}
	counts := h.s.Queue().StateCounts()
	if counts[vbuf.StateFree] != 3 {
		t.Errorf("expected all buffers free, got %v", counts)
	}
}

func TestDeviceLost(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.JobTimeout = 5 * time.Second })
	h.setup(t, 3, 2)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.collab.setPolicy(silent)
	prepErr := make(chan error, 1)
	go func() { prepErr <- h.s.PrepareBuffer(ctx, 2, nil) }()

	deadline := time.Now().Add(time.Second)
	for {
		if job, ok := h.s.Mailbox().Outstanding(); ok && job.Kind == userjob.KindBufferInit {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("BufferInit never dispatched")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	if err := h.s.DeviceLost(ctx); err != nil {
		t.Fatalf("DeviceLost failed: %v", err)
	}

	select {
	case err := <-prepErr:
		if !errors.Is(err, userjob.ErrDeviceLost) {
			t.Errorf("expected ErrDeviceLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight dispatch did not fail fast")
	}
	if time.Since(start) > time.Second {
		t.Errorf("device lost handling took %v", time.Since(start))
	}

	if h.s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", h.s.State())
	}
	if n := h.s.Queue().StateCounts()[vbuf.StateFree]; n != 3 {
		t.Errorf("expected all buffers free, got %d", n)
	}
	if err := h.s.Start(ctx); !errors.Is(err, userjob.ErrDeviceLost) {
		t.Errorf("expected later Start to fail with ErrDeviceLost, got %v", err)
	}
	if !h.s.Info().DeviceLost {
		t.Error("expected Info to report device lost")
	}
}

func TestBufferDoneNotifications(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NotifyBufferDone = true })
	h.setup(t, 2, 2)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for range 2 {
		if _, err := h.s.TriggerCompletion(); err != nil {
			t.Fatalf("TriggerCompletion failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.collab.seen(userjob.KindBufferDone)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 BufferDone jobs, got %d", len(h.collab.seen(userjob.KindBufferDone)))
		}
		time.Sleep(5 * time.Millisecond)
	}
	done := h.collab.seen(userjob.KindBufferDone)
	if done[0].Payload.Buffer.Index != 0 || done[1].Payload.Buffer.Sequence != 1 {
		t.Errorf("unexpected BufferDone payloads: %+v, %+v", done[0].Payload.Buffer, done[1].Payload.Buffer)
	}

	h.s.SetNotifyBufferDone(false)
	if h.s.Info().NotifyBufferDone {
		t.Error("expected notifications disabled")
	}
}

func TestSetJobTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.s.SetJobTimeout(50 * time.Millisecond)
	h.collab.setPolicy(silent)

	start := time.Now()
	_, err := h.s.NegotiateFormat(context.Background(), vbuf.Format{Width: 8, Height: 8, Layout: vbuf.LayoutGREY})
	if !errors.Is(err, userjob.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("expected the shorter timeout, took %v", elapsed)
	}
	if h.s.Info().JobTimeoutMs != 50 {
		t.Errorf("expected 50ms reported, got %d", h.s.Info().JobTimeoutMs)
	}
}

func TestDestroy(t *testing.T) {
	h := newHarness(t, nil)
	h.setup(t, 3, 2)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.s.PrepareBuffer(ctx, 2, nil); err != nil {
		t.Fatalf("PrepareBuffer failed: %v", err)
	}

	if err := h.s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	stats := h.heap.Stats()
	if stats.LiveDescriptors != 0 || stats.MappedLists != 0 || stats.AllocatedBytes != 0 {
		t.Errorf("expected every resource released, got %+v", stats)
	}
	if err := h.s.Start(ctx); !errors.Is(err, userjob.ErrClosed) {
		t.Errorf("expected ErrClosed after destroy, got %v", err)
	}
	if err := h.s.Destroy(ctx); err != nil {
		t.Errorf("expected second Destroy to be a no-op, got %v", err)
	}
}
