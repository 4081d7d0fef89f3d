package userjob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testMailbox(timeout time.Duration) *Mailbox {
	return New(&Options{
		Timeout: timeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// respond answers every job with fn until ctx is done.
func respond(ctx context.Context, m *Mailbox, fn func(Job) Result) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var seen uint64
		for {
			job, counter, err := m.WaitForJob(ctx, seen)
			if err != nil {
				return
			}
			seen = counter
			m.Acknowledge(Done{Kind: job.Kind, Sequence: job.Sequence, Result: fn(job)})
		}
	}()
	return &wg
}

func TestDispatchRoundTrip(t *testing.T) {
	m := testMailbox(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	wg := respond(ctx, m, func(j Job) Result {
		return Result{Count: j.Payload.QueueSetup.Count - 1}
	})
	defer func() { cancel(); wg.Wait() }()

	res, err := m.Dispatch(context.Background(), KindQueueSetup,
		Payload{QueueSetup: &QueueSetupPayload{Count: 4}}, 0)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("expected count 3, got %d", res.Count)
	}
	if _, ok := m.Outstanding(); ok {
		t.Error("expected no outstanding job after dispatch returned")
	}
}

func TestDispatchSequenceIncrements(t *testing.T) {
	m := testMailbox(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seqs []uint16
	wg := respond(ctx, m, func(j Job) Result {
		mu.Lock()
		seqs = append(seqs, j.Sequence)
		mu.Unlock()
		return Result{}
	})
	defer func() { cancel(); wg.Wait() }()

	m.nextSequence = 65534
	for range 3 {
		if _, err := m.Dispatch(context.Background(), KindStartStreaming, Payload{}, 0); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []uint16{65534, 65535, 0}
	for i := range want {
		if seqs[i] != want[i] {
			t.Errorf("dispatch %d: expected sequence %d, got %d", i, want[i], seqs[i])
		}
	}
}

func TestDispatchBusy(t *testing.T) {
	m := testMailbox(200 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Dispatch(context.Background(), KindSetFormat, Payload{}, 0)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := m.Outstanding(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first dispatch never posted")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := m.Dispatch(context.Background(), KindQueueSetup, Payload{}, 0)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	job, _ := m.Outstanding()
	if job.Kind != KindSetFormat {
		t.Errorf("expected first job to stay outstanding, got %s", job.Kind)
	}

	if err := <-errCh; !errors.Is(err, ErrTimeout) {
		t.Errorf("expected first dispatch to time out, got %v", err)
	}
}

func TestDispatchTimeoutThenReuse(t *testing.T) {
	m := testMailbox(300 * time.Millisecond)

	start := time.Now()
	_, err := m.Dispatch(context.Background(), KindStartStreaming, Payload{}, 0)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 300*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("expected ~300ms timeout, took %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := respond(ctx, m, func(Job) Result { return Result{} })
	defer func() { cancel(); wg.Wait() }()

	if _, err := m.Dispatch(context.Background(), KindStartStreaming, Payload{}, 0); err != nil {
		t.Errorf("expected mailbox reusable after timeout, got %v", err)
	}
}

func TestStaleAcknowledgementIgnored(t *testing.T) {
	m := testMailbox(time.Second)

	type outcome struct {
		res Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := m.Dispatch(context.Background(), KindQueueSetup, Payload{}, 0)
		out <- outcome{res, err}
	}()

	job, counter, err := m.WaitForJob(context.Background(), 0)
	if err != nil {
		t.Fatalf("WaitForJob failed: %v", err)
	}
	if counter != 1 {
		t.Errorf("expected job counter 1, got %d", counter)
	}

	tests := []Done{
		{Kind: job.Kind, Sequence: job.Sequence + 1, Result: Result{Count: 99}},
		{Kind: KindSetFormat, Sequence: job.Sequence, Result: Result{Count: 98}},
	}
	for _, stale := range tests {
		if m.Acknowledge(stale) {
			t.Errorf("stale ack %+v reported as matching", stale)
		}
	}

	select {
	case o := <-out:
		t.Fatalf("dispatch returned on stale ack: %+v", o)
	case <-time.After(20 * time.Millisecond):
	}

	if !m.Acknowledge(Done{Kind: job.Kind, Sequence: job.Sequence, Result: Result{Count: 2}}) {
		t.Error("matching ack not accepted")
	}
	o := <-out
	if o.err != nil || o.res.Count != 2 {
		t.Errorf("expected count 2 without error, got %+v", o)
	}

	_, dones := m.Counters()
	if dones != 3 {
		t.Errorf("expected 3 acknowledgements counted, got %d", dones)
	}
}

func TestLateAckAfterTimeout(t *testing.T) {
	m := testMailbox(20 * time.Millisecond)
	_, err := m.Dispatch(context.Background(), KindBufferInit, Payload{}, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if m.Acknowledge(Done{Kind: KindBufferInit, Sequence: 0}) {
		t.Error("late ack should not match a finished dispatch")
	}
}

func TestDispatchRejected(t *testing.T) {
	m := testMailbox(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	wg := respond(ctx, m, func(Job) Result { return Result{Status: -22, Message: "bad format"} })
	defer func() { cancel(); wg.Wait() }()

	res, err := m.Dispatch(context.Background(), KindSetFormat, Payload{}, 0)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res.Status != -22 {
		t.Errorf("expected status -22, got %d", res.Status)
	}
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Status != -22 {
		t.Errorf("expected status carried on error, got %v", err)
	}
}

func TestPollForJob(t *testing.T) {
	m := testMailbox(100 * time.Millisecond)

	if _, _, ok := m.PollForJob(0); ok {
		t.Fatal("expected no job before any dispatch")
	}

	go func() { _, _ = m.Dispatch(context.Background(), KindStopStreaming, Payload{}, 0) }()

	var job Job
	var counter uint64
	deadline := time.Now().Add(time.Second)
	for {
		var ok bool
		job, counter, ok = m.PollForJob(0)
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never became visible")
		}
		time.Sleep(time.Millisecond)
	}
	if job.Kind != KindStopStreaming {
		t.Errorf("expected stop_streaming, got %s", job.Kind)
	}

	if _, _, ok := m.PollForJob(counter); ok {
		t.Error("expected no new job for current counter")
	}
	// Polling never consumes the job.
	if _, _, ok := m.PollForJob(0); !ok {
		t.Error("expected job still visible from an older counter")
	}
}

func TestDeviceLost(t *testing.T) {
	m := testMailbox(5 * time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Dispatch(context.Background(), KindBufferCleanup, Payload{}, 0)
		errCh <- err
	}()
	if _, _, err := m.WaitForJob(context.Background(), 0); err != nil {
		t.Fatalf("WaitForJob failed: %v", err)
	}

	start := time.Now()
	m.MarkDeviceLost()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDeviceLost) {
			t.Errorf("expected ErrDeviceLost, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("device lost did not fail fast")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after device lost")
	}

	if _, err := m.Dispatch(context.Background(), KindStartStreaming, Payload{}, 0); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("expected later dispatch to fail with ErrDeviceLost, got %v", err)
	}
	if !m.DeviceLost() {
		t.Error("expected DeviceLost to report true")
	}
}

func TestDispatchContextCancel(t *testing.T) {
	m := testMailbox(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Dispatch(ctx, KindSetFormat, Payload{}, 0)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("caller deadline reported as collaborator timeout: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected cause DeadlineExceeded, got %v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = m.Dispatch(ctx, KindSetFormat, Payload{}, 0)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected ErrCancelled caused by context.Canceled, got %v", err)
	}
}

func TestClose(t *testing.T) {
	m := testMailbox(time.Second)

	waitErr := make(chan error, 1)
	go func() {
		_, _, err := m.WaitForJob(context.Background(), 0)
		waitErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()
	m.Close()

	if err := <-waitErr; !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := m.Dispatch(context.Background(), KindSetFormat, Payload{}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestKindJSON(t *testing.T) {
	tests := []struct {
		kind Kind
		name string
	}{
		{KindSetFormat, "set_format"},
		{KindQueueSetup, "queue_setup"},
		{KindBufferDone, "buffer_done"},
	}
	for _, tt := range tests {
		data, err := tt.kind.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON failed: %v", err)
		}
		if string(data) != `"`+tt.name+`"` {
			t.Errorf("expected %q, got %s", tt.name, data)
		}
		var k Kind
		if err := k.UnmarshalJSON(data); err != nil || k != tt.kind {
			t.Errorf("round trip of %s gave %v, %v", tt.name, k, err)
		}
	}
	if _, err := ParseKind("reboot"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
