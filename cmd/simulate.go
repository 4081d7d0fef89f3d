package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smazurov/capturenode/internal/collab"
	"github.com/smazurov/capturenode/internal/logging"
	"github.com/smazurov/capturenode/internal/session"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
	"github.com/spf13/cobra"
)

// SimulateOptions configures one simulated capture run.
type SimulateOptions struct {
	Frames        int
	Buffers       int
	Width         uint32
	Height        uint32
	PixelFormat   string
	MultiPlane    bool
	FrameInterval time.Duration
	FailEvery     int
	JobTimeout    time.Duration
	Notify        bool
	Platform      string
}

// SimulateResult summarizes a simulated run.
type SimulateResult struct {
	Format    vbuf.Format
	Buffers   int
	Frames    int
	Failed    int
	LastSeq   uint32
	JobsSent  uint64
	Elapsed   time.Duration
	FinalInfo session.Info
}

// FPS returns the completed frame rate of the run.
func (r SimulateResult) FPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Frames) / r.Elapsed.Seconds()
}

// RunSimulation drives a session end to end against the simulated engine and
// the reference collaborator: negotiate, allocate, stream opts.Frames
// buffers while requeueing each one, then stop and tear down.
func RunSimulation(ctx context.Context, opts SimulateOptions) (SimulateResult, error) {
	logger := logging.GetLogger("session")
	node, err := BuildNode(NodeConfig{
		ID:            "sim0",
		JobTimeout:    opts.JobTimeout,
		MaxBuffers:    opts.Buffers,
		EngineKind:    EngineSim,
		FrameInterval: opts.FrameInterval,
		FailEvery:     opts.FailEvery,
		PlatformKind:  opts.Platform,
		Coherent:      true,
		Logger:        logger,
	})
	if err != nil {
		return SimulateResult{}, err
	}
	s := node.Session
	s.SetNotifyBufferDone(opts.Notify)

	responder := collab.NewResponder(collab.Options{
		Source: collab.MailboxSource{Mailbox: s.Mailbox()},
		Policy: collab.NewPolicy(collab.PolicyOptions{MaxBuffers: uint32(opts.Buffers)}),
		Logger: logging.GetLogger("collab"),
	})
	collabCtx, stopCollab := context.WithCancel(context.WithoutCancel(ctx))
	collabDone := make(chan error, 1)
	go func() { collabDone <- responder.Run(collabCtx) }()
	defer func() {
		stopCollab()
		<-collabDone
	}()
	defer func() {
		if closeErr := node.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("Teardown reported errors", "error", closeErr)
		}
	}()

	layout, err := vbuf.ParseFourCC(opts.PixelFormat)
	if err != nil {
		return SimulateResult{}, err
	}
	desired := vbuf.Format{Width: opts.Width, Height: opts.Height, Layout: layout}
	if opts.MultiPlane {
		desired.Kind = vbuf.KindMultiPlane
	}

	result := SimulateResult{}
	if result.Format, err = s.NegotiateFormat(ctx, desired); err != nil {
		return result, fmt.Errorf("negotiate format: %w", err)
	}
	if result.Buffers, err = s.RequestBuffers(ctx, opts.Buffers); err != nil {
		return result, fmt.Errorf("request buffers: %w", err)
	}
	for i := range result.Buffers {
		if err := prepareAndQueue(ctx, s, uint32(i), false); err != nil {
			return result, err
		}
	}

	start := time.Now()
	if err := s.Start(ctx); err != nil {
		return result, fmt.Errorf("start: %w", err)
	}

	for result.Frames+result.Failed < opts.Frames {
		info, err := s.DequeueBuffer(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return result, fmt.Errorf("dequeue: %w", err)
		}
		if info.Failed {
			result.Failed++
		} else {
			result.Frames++
			result.LastSeq = info.Sequence
		}
		logger.Debug("Frame", "index", info.Index, "sequence", info.Sequence, "failed", info.Failed)
		if err := prepareAndQueue(ctx, s, info.Index, !info.Failed); err != nil {
			return result, err
		}
	}
	result.Elapsed = time.Since(start)

	if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
		return result, fmt.Errorf("stop: %w", err)
	}
	result.FinalInfo = s.Info()
	result.JobsSent = result.FinalInfo.JobsPosted
	return result, nil
}

// prepareAndQueue returns a buffer to the ready FIFO. A dequeued Done buffer
// is released first; a failed one is already Free.
func prepareAndQueue(ctx context.Context, s *session.Session, index uint32, release bool) error {
	if release {
		if err := s.ReleaseBuffer(ctx, index); err != nil {
			return fmt.Errorf("release buffer %d: %w", index, err)
		}
	}
	if err := s.PrepareBuffer(ctx, index, nil); err != nil {
		return fmt.Errorf("prepare buffer %d: %w", index, err)
	}
	if err := s.QueueBuffer(index); err != nil {
		return fmt.Errorf("queue buffer %d: %w", index, err)
	}
	return nil
}

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	opts := SimulateOptions{}
	var logLevel string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a capture session against the simulated engine",
		Long: `Builds an in-process session with the simulated transfer engine and the reference ` +
			`collaborator, streams the requested number of frames and prints a summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: logLevel, Format: "text"})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := RunSimulation(ctx, opts)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			planes := make([]string, len(res.Format.Planes))
			for i, p := range res.Format.Planes {
				planes[i] = fmt.Sprintf("%d@%d", p.Size, p.Stride)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"format %dx%d %s planes [%s]\nbuffers %d frames %d failed %d last_seq %d\n%.1f fps over %s, %d jobs\n",
				res.Format.Width, res.Format.Height, res.Format.Layout, strings.Join(planes, " "),
				res.Buffers, res.Frames, res.Failed, res.LastSeq,
				res.FPS(), res.Elapsed.Round(time.Millisecond), res.JobsSent)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Frames, "frames", "n", 60, "Frames to capture")
	cmd.Flags().IntVarP(&opts.Buffers, "buffers", "b", 4, "Buffers to request")
	cmd.Flags().Uint32Var(&opts.Width, "width", 640, "Frame width")
	cmd.Flags().Uint32Var(&opts.Height, "height", 480, "Frame height")
	cmd.Flags().StringVarP(&opts.PixelFormat, "format", "f", "YUYV", "FourCC pixel format")
	cmd.Flags().BoolVar(&opts.MultiPlane, "multi-plane", false, "Use one memory plane per color plane")
	cmd.Flags().DurationVar(&opts.FrameInterval, "frame-interval", 33*time.Millisecond, "Time per simulated transfer")
	cmd.Flags().IntVar(&opts.FailEvery, "fail-every", 0, "Fail every Nth transfer (0 = never)")
	cmd.Flags().DurationVar(&opts.JobTimeout, "job-timeout", 300*time.Millisecond, "Collaborator round trip timeout")
	cmd.Flags().BoolVar(&opts.Notify, "notify", false, "Post a BufferDone job after each completion")
	cmd.Flags().StringVar(&opts.Platform, "platform", PlatformHeap, "Memory platform (heap, mmap)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")

	return cmd
}
