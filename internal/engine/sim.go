package engine

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

type submission struct {
	token uint64
	list  *vbuf.SGList
}

// Sim completes submissions one at a time, in order, every FrameInterval.
// Each completed frame gets its frame counter written into the first eight
// bytes of the list and the counter's low byte in the rest of the first chunk.
type Sim struct {
	logger *slog.Logger

	mu        sync.Mutex
	params    Params
	done      CompletionFunc
	pending   []submission
	nextToken uint64
	frames    uint64
	running   bool
	wake      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewSim creates a stopped simulated engine.
func NewSim(params Params, logger *slog.Logger) *Sim {
	if params.FrameInterval <= 0 {
		params.FrameInterval = DefaultFrameInterval
	}
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}
	return &Sim{params: params, logger: logger}
}

// SetFailEvery changes fault injection at runtime.
func (s *Sim) SetFailEvery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.params.FailEvery = n
}

// Start launches the completion loop.
func (s *Sim) Start(done CompletionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.done = done
	s.running = true
	s.wake = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.stop, s.wake)
	s.logger.Debug("Simulated engine started", "frame_interval", s.params.FrameInterval)
	return nil
}

// Submit queues a list for transfer. It never blocks.
func (s *Sim) Submit(list *vbuf.SGList, _ vbuf.Direction) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, ErrNotRunning
	}
	s.nextToken++
	s.pending = append(s.pending, submission{token: s.nextToken, list: list})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return s.nextToken, nil
}

// Stop halts the loop and discards pending submissions. No completion is
// delivered after Stop returns.
func (s *Sim) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	dropped := len(s.pending)
	s.pending = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("Simulated engine stopped", "dropped", dropped)
	return nil
}

// Frames returns the number of transfers completed since creation.
func (s *Sim) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Sim) run(stop <-chan struct{}, wake <-chan struct{}) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		idle := len(s.pending) == 0
		interval := s.params.FrameInterval
		s.mu.Unlock()

		if idle {
			select {
			case <-stop:
				return
			case <-wake:
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if len(s.pending) == 0 || !s.running {
			s.mu.Unlock()
			continue
		}
		sub := s.pending[0]
		s.pending = s.pending[1:]
		s.frames++
		frame := s.frames
		failEvery := s.params.FailEvery
		done := s.done
		s.mu.Unlock()

		var err error
		if failEvery > 0 && frame%uint64(failEvery) == 0 {
			err = ErrInjectedFault
		} else {
			fillPattern(sub.list, frame)
		}
		if done != nil {
			done(sub.token, err)
		}
	}
}

func fillPattern(list *vbuf.SGList, frame uint64) {
	chunks := list.Chunks()
	if len(chunks) == 0 {
		return
	}
	first := chunks[0]
	for i := range first {
		first[i] = byte(frame)
	}
	if len(first) >= 8 {
		binary.LittleEndian.PutUint64(first, frame)
	}
}
