package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smazurov/capturenode/internal/collab"
	"github.com/smazurov/capturenode/internal/logging"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/spf13/cobra"
)

// CollaboratorOptions configures a remote collaborator process.
type CollaboratorOptions struct {
	URL             string
	Username        string
	Password        string
	Formats         []string
	MaxBuffers      uint32
	BackingPrefix   string
	RejectStart     bool
	TriggerInterval time.Duration
	PollWait        time.Duration
}

// NewRemoteResponder builds a responder that talks to a node's HTTP API.
func NewRemoteResponder(opts CollaboratorOptions) *collab.Responder {
	httpOpts := []collab.HTTPOption{collab.WithPollWait(opts.PollWait)}
	if opts.Username != "" {
		httpOpts = append(httpOpts, collab.WithBasicAuth(opts.Username, opts.Password))
	}
	src := collab.NewHTTPSource(strings.TrimRight(opts.URL, "/"), httpOpts...)

	responderOpts := collab.Options{
		Source: src,
		Policy: collab.NewPolicy(collab.PolicyOptions{
			AllowedFormats: opts.Formats,
			MaxBuffers:     opts.MaxBuffers,
			BackingPrefix:  opts.BackingPrefix,
			RejectStart:    opts.RejectStart,
		}),
		Logger: logging.GetLogger("collab"),
	}
	if opts.TriggerInterval > 0 {
		responderOpts.Trigger = src.TriggerCompletion
		responderOpts.TriggerInterval = opts.TriggerInterval
	}
	return collab.NewResponder(responderOpts)
}

// CreateCollaboratorCmd creates the collaborator command.
func CreateCollaboratorCmd() *cobra.Command {
	opts := CollaboratorOptions{}
	var logLevel string

	cmd := &cobra.Command{
		Use:   "collaborator",
		Short: "Answer a node's user jobs over HTTP",
		Long: `Runs the reference collaborator against a running node. It long-polls the job ` +
			`mailbox, answers each job and optionally fires transfer completions for the manual engine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: logLevel, Format: "text"})
			logger := logging.GetLogger("collab")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			responder := NewRemoteResponder(opts)
			logger.Info("Collaborator started", "url", opts.URL, "formats", opts.Formats)
			err := responder.Run(ctx)
			logger.Info("Collaborator stopped", "handled", responder.Handled(), "matched", responder.Matched())
			if errors.Is(err, userjob.ErrDeviceLost) {
				return fmt.Errorf("node reported device lost: %w", err)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.URL, "url", "u", "http://localhost:8090", "Node API base URL")
	cmd.Flags().StringVar(&opts.Username, "username", "admin", "Basic auth username")
	cmd.Flags().StringVar(&opts.Password, "password", "password", "Basic auth password")
	cmd.Flags().StringSliceVar(&opts.Formats, "formats", nil, "Accepted FourCC formats (empty = any)")
	cmd.Flags().Uint32Var(&opts.MaxBuffers, "max-buffers", 0, "Cap on queue setup counts (0 = no cap)")
	cmd.Flags().StringVar(&opts.BackingPrefix, "backing-prefix", "buf", "Prefix for reported backing names")
	cmd.Flags().BoolVar(&opts.RejectStart, "reject-start", false, "Refuse StartStreaming jobs")
	cmd.Flags().DurationVar(&opts.TriggerInterval, "trigger-interval", 0, "Fire a transfer completion this often (0 = never)")
	cmd.Flags().DurationVar(&opts.PollWait, "poll-wait", 10*time.Second, "Long-poll wait per request")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")

	return cmd
}

