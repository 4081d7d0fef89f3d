package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/capturenode/internal/engine"
	"github.com/smazurov/capturenode/internal/session"
	"github.com/smazurov/capturenode/pkg/linuxav/dmamem"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// Engine and platform kinds accepted in configuration.
const (
	EngineSim      = "sim"
	EngineManual   = "manual"
	PlatformHeap   = "heap"
	PlatformMmap   = "mmap"
	defaultSession = "cam0"
)

// NodeConfig describes one capture session and its backends.
type NodeConfig struct {
	ID               string
	AlignH           uint32
	AlignV           uint32
	JobTimeout       time.Duration
	MaxBuffers       int
	NotifyBufferDone bool

	EngineKind    string
	FrameInterval time.Duration
	FailEvery     int

	PlatformKind string
	Coherent     bool
	IOVAPages    int

	Events session.EventPublisher
	Logger *slog.Logger
}

// Node is a built session with the backends it owns.
type Node struct {
	Session *session.Session
	// Sim is set when the simulated engine drives transfers.
	Sim *engine.Sim

	closePlatform func() error
}

// BuildNode creates the platform, engine and session described by cfg.
func BuildNode(cfg NodeConfig) (*Node, error) {
	if cfg.ID == "" {
		cfg.ID = defaultSession
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var platform vbuf.Platform
	closePlatform := func() error { return nil }
	switch cfg.PlatformKind {
	case "", PlatformHeap:
		platform = dmamem.NewHeap(dmamem.HeapOptions{
			IOVAPages:   cfg.IOVAPages,
			NonCoherent: !cfg.Coherent,
		})
	case PlatformMmap:
		p, closeFn, err := dmamem.NewMmapPlatform()
		if err != nil {
			return nil, fmt.Errorf("mmap platform: %w", err)
		}
		platform, closePlatform = p, closeFn
	default:
		return nil, fmt.Errorf("unknown platform kind %q (want %s or %s)", cfg.PlatformKind, PlatformHeap, PlatformMmap)
	}

	node := &Node{closePlatform: closePlatform}
	var eng session.TransferEngine
	switch cfg.EngineKind {
	case "", EngineSim:
		node.Sim = engine.NewSim(engine.Params{FrameInterval: cfg.FrameInterval, FailEvery: cfg.FailEvery}, logger)
		eng = node.Sim
	case EngineManual:
		eng = engine.NewManual()
	default:
		_ = closePlatform()
		return nil, fmt.Errorf("unknown engine kind %q (want %s or %s)", cfg.EngineKind, EngineSim, EngineManual)
	}

	node.Session = session.New(&session.Options{
		ID:               cfg.ID,
		Platform:         platform,
		Engine:           eng,
		Alignment:        vbuf.Alignment{H: cfg.AlignH, V: cfg.AlignV},
		JobTimeout:       cfg.JobTimeout,
		MaxBuffers:       cfg.MaxBuffers,
		NotifyBufferDone: cfg.NotifyBufferDone,
		Events:           cfg.Events,
		Logger:           logger,
	})
	return node, nil
}

// SetFailEvery changes the simulated failure rate. It reports false for
// engines that cannot inject failures.
func (n *Node) SetFailEvery(every int) bool {
	if n.Sim == nil {
		return false
	}
	n.Sim.SetFailEvery(every)
	return true
}

// Close destroys the session and releases the platform.
func (n *Node) Close(ctx context.Context) error {
	return errors.Join(n.Session.Destroy(ctx), n.closePlatform())
}
