package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/capturenode/cmd"
	"github.com/smazurov/capturenode/internal/api"
	"github.com/smazurov/capturenode/internal/collab"
	"github.com/smazurov/capturenode/internal/config"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/led"
	"github.com/smazurov/capturenode/internal/logging"
	"github.com/smazurov/capturenode/internal/metrics/exporters"
	"github.com/smazurov/capturenode/internal/systemd"
	"github.com/smazurov/capturenode/pkg/linuxav/hotplug"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Session settings
	SessionID               string `help:"Session identifier" default:"cam0" toml:"session.id" env:"SESSION_ID"`
	SessionAlignH           int    `help:"Horizontal pitch alignment in bytes" default:"64" toml:"session.align_h" env:"SESSION_ALIGN_H"`
	SessionAlignV           int    `help:"Vertical line alignment" default:"1" toml:"session.align_v" env:"SESSION_ALIGN_V"`
	SessionJobTimeoutMs     int    `help:"Collaborator round trip timeout in milliseconds" default:"300" toml:"session.job_timeout_ms" env:"SESSION_JOB_TIMEOUT_MS"`
	SessionMaxBuffers       int    `help:"Upper bound on requested buffers" default:"32" toml:"session.max_buffers" env:"SESSION_MAX_BUFFERS"`
	SessionNotifyBufferDone bool   `help:"Post a BufferDone job after each completed transfer" default:"false" toml:"session.notify_buffer_done" env:"SESSION_NOTIFY_BUFFER_DONE"`
	SessionDevice           string `help:"Device node whose removal marks the session lost (e.g. video0)" default:"" toml:"session.device" env:"SESSION_DEVICE"`

	// Transfer engine settings
	EngineKind            string `help:"Transfer engine (sim, manual)" default:"sim" toml:"engine.kind" env:"ENGINE_KIND"`
	EngineFrameIntervalMs int    `help:"Simulated transfer time in milliseconds" default:"33" toml:"engine.frame_interval_ms" env:"ENGINE_FRAME_INTERVAL_MS"`
	EngineFailEvery       int    `help:"Fail every Nth simulated transfer (0 = never)" default:"0" toml:"engine.fail_every" env:"ENGINE_FAIL_EVERY"`

	// Memory platform settings
	PlatformKind      string `help:"Memory platform (heap, mmap)" default:"heap" toml:"platform.kind" env:"PLATFORM_KIND"`
	PlatformCoherent  bool   `help:"Treat device memory as cache coherent" default:"true" toml:"platform.coherent" env:"PLATFORM_COHERENT"`
	PlatformIOVAPages int    `help:"Device address space in pages (0 = unlimited)" default:"0" toml:"platform.iova_pages" env:"PLATFORM_IOVA_PAGES"`

	// Embedded collaborator settings
	CollabEmbedded bool   `help:"Answer user jobs in-process instead of over HTTP" default:"false" toml:"collab.embedded" env:"COLLAB_EMBEDDED"`
	CollabFormats  string `help:"Comma separated FourCCs the embedded collaborator accepts (empty = any)" default:"" toml:"collab.formats" env:"COLLAB_FORMATS"`

	// Features settings
	FeaturesStatusLED string `help:"sysfs LED that mirrors the session state (empty = none)" default:"" toml:"features.status_led" env:"FEATURES_STATUS_LED"`

	// Metrics settings
	MetricsPrometheusEnabled bool `help:"Enable Prometheus" default:"true" toml:"metrics.prometheus_enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	MetricsSSEEnabled        bool `help:"Publish session stats over SSE" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSession string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingVbuf    string `help:"Buffer queue logging level" default:"info" toml:"logging.vbuf" env:"LOGGING_VBUF"`
	LoggingUserjob string `help:"Mailbox logging level" default:"info" toml:"logging.userjob" env:"LOGGING_USERJOB"`
	LoggingEngine  string `help:"Transfer engine logging level" default:"info" toml:"logging.engine" env:"LOGGING_ENGINE"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP    string `help:"HTTP access logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
	LoggingCollab  string `help:"Collaborator logging level" default:"info" toml:"logging.collab" env:"LOGGING_COLLAB"`
	LoggingConfig  string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
}

func (o *Options) loggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"session": o.LoggingSession,
			"vbuf":    o.LoggingVbuf,
			"userjob": o.LoggingUserjob,
			"engine":  o.LoggingEngine,
			"api":     o.LoggingAPI,
			"http":    o.LoggingHTTP,
			"collab":  o.LoggingCollab,
			"config":  o.LoggingConfig,
		},
	}
}

func splitFormats(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(opts.loggingConfig())
		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()
		api.PublishLogEntries(eventBus)

		node, err := cmd.BuildNode(cmd.NodeConfig{
			ID:               opts.SessionID,
			AlignH:           uint32(max(opts.SessionAlignH, 0)),
			AlignV:           uint32(max(opts.SessionAlignV, 0)),
			JobTimeout:       time.Duration(opts.SessionJobTimeoutMs) * time.Millisecond,
			MaxBuffers:       opts.SessionMaxBuffers,
			NotifyBufferDone: opts.SessionNotifyBufferDone,
			EngineKind:       opts.EngineKind,
			FrameInterval:    time.Duration(opts.EngineFrameIntervalMs) * time.Millisecond,
			FailEvery:        opts.EngineFailEvery,
			PlatformKind:     opts.PlatformKind,
			Coherent:         opts.PlatformCoherent,
			IOVAPages:        opts.PlatformIOVAPages,
			Events:           eventBus,
			Logger:           logging.GetLogger("session"),
		})
		if err != nil {
			logger.Error("Failed to build capture session", "error", err)
			os.Exit(1)
		}

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Session:      node.Session,
			EventBus:     eventBus,
		}
		if opts.MetricsPrometheusEnabled {
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		server := api.NewServer(apiOpts)

		var sseExporter *exporters.SSEExporter
		if opts.MetricsSSEEnabled {
			sseExporter = exporters.NewSSEExporter(eventBus)
		}

		var indicator *led.Indicator
		if opts.FeaturesStatusLED != "" {
			ledLogger := logging.GetLogger("led")
			var controller led.Controller
			sysfsLED, ledErr := led.NewSysfs(led.SysfsRoot, opts.FeaturesStatusLED)
			if ledErr != nil {
				ledLogger.Warn("Status LED unavailable, using no-op controller", "error", ledErr)
				controller = led.NewNoop(ledLogger)
			} else {
				controller = sysfsLED
			}
			indicator = led.NewIndicator(controller, eventBus, node.Session.ID(), ledLogger)
		}

		// Runtime settings follow the config file without a restart.
		watcher := config.NewConfigWatcher(opts.Config, config.LoadRuntime, logging.GetLogger("config"))
		watcher.OnReload(func(rt config.Runtime) {
			logging.Initialize(rt.Logging)
			if rt.JobTimeoutMs > 0 {
				node.Session.SetJobTimeout(time.Duration(rt.JobTimeoutMs) * time.Millisecond)
			}
			if rt.NotifyBufferDone != nil {
				node.Session.SetNotifyBufferDone(*rt.NotifyBufferDone)
			}
			if rt.FailEvery != nil && !node.SetFailEvery(*rt.FailEvery) {
				logger.Warn("Ignoring fail_every, engine cannot inject failures", "engine", opts.EngineKind)
			}
			logger.Info("Runtime configuration reloaded", "path", opts.Config)
		})

		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
		runCtx, cancelRun := context.WithCancel(context.Background())
		collabDone := make(chan error, 1)

		hooks.OnStart(func() {
			if sseExporter != nil {
				sseExporter.Start(runCtx)
			}
			if indicator != nil {
				indicator.Start()
			}
			if startErr := watcher.Start(); startErr != nil {
				logger.Warn("Config reload disabled", "error", startErr)
			}

			if opts.CollabEmbedded {
				responder := collab.NewResponder(collab.Options{
					Source: collab.MailboxSource{Mailbox: node.Session.Mailbox()},
					Policy: collab.NewPolicy(collab.PolicyOptions{
						AllowedFormats: splitFormats(opts.CollabFormats),
						MaxBuffers:     uint32(max(opts.SessionMaxBuffers, 0)),
					}),
					Logger: logging.GetLogger("collab"),
				})
				go func() { collabDone <- responder.Run(runCtx) }()
				logger.Info("Embedded collaborator running")
			} else {
				close(collabDone)
			}

			if opts.SessionDevice != "" {
				hotplugWatcher := hotplug.NewWatcher(hotplug.Match{DevName: opts.SessionDevice}, logging.GetLogger("session"))
				go func() {
					watchErr := hotplugWatcher.Run(runCtx, func(hotplug.Uevent) {
						if lostErr := node.Session.DeviceLost(runCtx); lostErr != nil {
							logger.Warn("Device loss handling reported errors", "error", lostErr)
						}
						notifier.Status("Session %s lost device %s", node.Session.ID(), opts.SessionDevice)
					})
					if watchErr != nil {
						logger.Warn("Device removal watch disabled", "error", watchErr)
					}
				}()
			}

			notifier.Ready()
			notifier.Status("Serving session %s on %s", node.Session.ID(), opts.Port)
			go notifier.RunWatchdog(runCtx, func() bool {
				return !node.Session.Mailbox().DeviceLost()
			})

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if stopErr := server.Stop(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			// Tear the session down while the collaborator can still answer.
			if closeErr := node.Close(ctx); closeErr != nil {
				logger.Error("Error closing capture session", "error", closeErr)
			}

			cancelRun()
			if collabErr := <-collabDone; collabErr != nil {
				logger.Warn("Embedded collaborator exited", "error", collabErr)
			}
			if stopErr := watcher.Stop(); stopErr != nil {
				logger.Warn("Error stopping config watcher", "error", stopErr)
			}
			if sseExporter != nil {
				sseExporter.Stop()
			}
			if indicator != nil {
				indicator.Stop()
			}
		})
	})

	cli.Root().Use = "capturenode"
	cli.Root().Short = "Capture device streaming node"

	cli.Root().AddCommand(cmd.CreateSimulateCmd())
	cli.Root().AddCommand(cmd.CreateCollaboratorCmd())

	// Run the CLI
	cli.Run()
}
