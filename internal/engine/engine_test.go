package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturenode/pkg/linuxav/dmamem"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type completion struct {
	token uint64
	err   error
}

type recorder struct {
	mu   sync.Mutex
	got  []completion
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) done(token uint64, err error) {
	r.mu.Lock()
	r.got = append(r.got, completion{token, err})
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []completion {
	t.Helper()
	for range n {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d completions", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]completion(nil), r.got...)
}

func TestSimCompletesInOrder(t *testing.T) {
	sim := NewSim(Params{FrameInterval: time.Millisecond}, testLogger())
	rec := newRecorder()
	if err := sim.Start(rec.done); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sim.Stop()

	var tokens []uint64
	for range 3 {
		token, err := sim.Submit(&vbuf.SGList{}, vbuf.DirFromDevice)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		tokens = append(tokens, token)
	}

	got := rec.wait(t, 3)
	for i, c := range got {
		if c.token != tokens[i] {
			t.Errorf("completion %d: expected token %d, got %d", i, tokens[i], c.token)
		}
		if c.err != nil {
			t.Errorf("completion %d: unexpected error %v", i, c.err)
		}
	}
	if sim.Frames() != 3 {
		t.Errorf("expected 3 frames, got %d", sim.Frames())
	}
}

func TestSimFailEvery(t *testing.T) {
	sim := NewSim(Params{FrameInterval: time.Millisecond, FailEvery: 2}, testLogger())
	rec := newRecorder()
	_ = sim.Start(rec.done)
	defer sim.Stop()

	for range 4 {
		_, _ = sim.Submit(&vbuf.SGList{}, vbuf.DirFromDevice)
	}
	got := rec.wait(t, 4)
	for i, c := range got {
		wantFail := (i+1)%2 == 0
		if failed := errors.Is(c.err, ErrInjectedFault); failed != wantFail {
			t.Errorf("frame %d: expected failure=%v, got %v", i+1, wantFail, c.err)
		}
	}
}

func TestSimWritesPattern(t *testing.T) {
	heap := dmamem.NewHeap(dmamem.HeapOptions{PageSize: 4096})
	q := vbuf.NewQueue(&vbuf.QueueOptions{Platform: heap, Logger: testLogger()})
	if _, err := q.Setup(1, []uint32{8192}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := q.Prepare(context.Background(), 0, nil); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	_ = q.Enqueue(0)
	b, ok := q.SelectForTransfer()
	if !ok {
		t.Fatal("expected a buffer")
	}

	sim := NewSim(Params{FrameInterval: time.Millisecond}, testLogger())
	rec := newRecorder()
	_ = sim.Start(rec.done)
	defer sim.Stop()

	if _, err := sim.Submit(b.SG(), b.Direction()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	rec.wait(t, 1)

	first := b.SG().Chunks()[0]
	if got := binary.LittleEndian.Uint64(first); got != 1 {
		t.Errorf("expected frame counter 1, got %d", got)
	}
	if first[100] != 1 {
		t.Errorf("expected pattern byte 1, got %d", first[100])
	}
}

func TestSimStopDropsPending(t *testing.T) {
	sim := NewSim(Params{FrameInterval: time.Hour}, testLogger())
	rec := newRecorder()
	_ = sim.Start(rec.done)

	_, _ = sim.Submit(&vbuf.SGList{}, vbuf.DirFromDevice)
	if err := sim.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := sim.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	select {
	case <-rec.seen:
		t.Error("completion delivered after Stop")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := sim.Submit(&vbuf.SGList{}, vbuf.DirFromDevice); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestSimRestart(t *testing.T) {
	sim := NewSim(Params{FrameInterval: time.Millisecond}, testLogger())
	rec := newRecorder()

	if err := sim.Start(rec.done); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sim.Start(rec.done); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	_ = sim.Stop()

	if err := sim.Start(rec.done); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer sim.Stop()
	_, _ = sim.Submit(&vbuf.SGList{}, vbuf.DirFromDevice)
	rec.wait(t, 1)
}

func TestManual(t *testing.T) {
	m := NewManual()
	if _, err := m.Submit(nil, vbuf.DirFromDevice); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning before Start, got %v", err)
	}
	_ = m.Start(nil)

	t1, _ := m.Submit(nil, vbuf.DirFromDevice)
	t2, _ := m.Submit(nil, vbuf.DirFromDevice)
	if t1 == t2 {
		t.Errorf("expected distinct tokens, got %d twice", t1)
	}
	if m.Submitted() != 2 {
		t.Errorf("expected 2 submissions, got %d", m.Submitted())
	}

	_ = m.Stop()
	if _, err := m.Submit(nil, vbuf.DirFromDevice); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after Stop, got %v", err)
	}
}
