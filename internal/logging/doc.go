// Package logging provides structured logging with per-module log levels.
//
// Records go to stdout when it is connected, to the systemd journal when
// journald is reachable, and always to an in-memory history that the HTTP
// API replays and streams.
//
// Initialize once at startup, and again whenever the configuration is
// reloaded:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"session": "debug",
//			"userjob": "warn",
//		},
//	})
//
// Get a logger for a module:
//
//	logger := logging.GetLogger("session").With("session_id", id)
//	logger.Info("Streaming started", "buffers", n)
//
// Module loggers are cached and hold a [slog.LevelVar], so
// [SetModuleLevel] and repeated Initialize calls change levels of loggers
// that were handed out earlier.
//
// Journal entries carry SYSLOG_IDENTIFIER=capturenode and one upper-case
// field per attribute:
//
//	journalctl -t capturenode MODULE=session
//	journalctl -t capturenode BUFFER_INDEX=3
package logging
