package cmd

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smazurov/capturenode/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildNode(t *testing.T) {
	tests := []struct {
		name    string
		cfg     NodeConfig
		wantSim bool
		wantErr bool
	}{
		{name: "defaults", cfg: NodeConfig{}, wantSim: true},
		{name: "manual engine", cfg: NodeConfig{EngineKind: EngineManual}},
		{name: "non-coherent heap", cfg: NodeConfig{PlatformKind: PlatformHeap, IOVAPages: 64}, wantSim: true},
		{name: "unknown engine", cfg: NodeConfig{EngineKind: "fpga"}, wantErr: true},
		{name: "unknown platform", cfg: NodeConfig{PlatformKind: "cma"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = quietLogger()
			node, err := BuildNode(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildNode: %v", err)
			}
			defer node.Close(context.Background())

			if got := node.Session.ID(); got != defaultSession {
				t.Errorf("session id = %q, want %q", got, defaultSession)
			}
			if (node.Sim != nil) != tt.wantSim {
				t.Errorf("sim engine = %v, want %v", node.Sim != nil, tt.wantSim)
			}
			if node.SetFailEvery(2) != tt.wantSim {
				t.Errorf("SetFailEvery reported %v", !tt.wantSim)
			}
		})
	}
}

func TestRunSimulation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := RunSimulation(ctx, SimulateOptions{
		Frames:        12,
		Buffers:       3,
		Width:         64,
		Height:        16,
		PixelFormat:   "YUYV",
		FrameInterval: time.Millisecond,
		JobTimeout:    time.Second,
		Platform:      PlatformHeap,
	})
	if err != nil {
		t.Fatalf("RunSimulation: %v", err)
	}
	if res.Buffers != 3 {
		t.Errorf("buffers = %d, want 3", res.Buffers)
	}
	if res.Frames != 12 || res.Failed != 0 {
		t.Errorf("frames = %d failed = %d, want 12 and 0", res.Frames, res.Failed)
	}
	if len(res.Format.Planes) != 1 || res.Format.Planes[0].Stride != 128 {
		t.Errorf("unexpected planes %+v", res.Format.Planes)
	}
	if res.JobsSent == 0 {
		t.Error("expected collaborator jobs to be posted")
	}
	if res.FinalInfo.State != session.StateStopped {
		t.Errorf("final state = %s, want stopped", res.FinalInfo.State)
	}
}

func TestRunSimulationCountsFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := RunSimulation(ctx, SimulateOptions{
		Frames:        9,
		Buffers:       2,
		Width:         32,
		Height:        8,
		PixelFormat:   "GREY",
		FrameInterval: time.Millisecond,
		FailEvery:     3,
		JobTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("RunSimulation: %v", err)
	}
	if res.Failed == 0 {
		t.Error("expected failed transfers")
	}
	if res.Frames+res.Failed != 9 {
		t.Errorf("frames %d + failed %d != 9", res.Frames, res.Failed)
	}
}

func TestRunSimulationRejectsUnknownFormat(t *testing.T) {
	_, err := RunSimulation(context.Background(), SimulateOptions{
		Frames:      1,
		Buffers:     1,
		Width:       16,
		Height:      16,
		PixelFormat: "NOPE",
	})
	if err == nil {
		t.Fatal("expected error for unknown pixel format")
	}
}
