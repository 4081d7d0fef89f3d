package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/capturenode/internal/logging"
)

// Runtime is the part of the configuration that can change while running.
// It is reloaded from the config file by a Watcher.
type Runtime struct {
	Logging logging.Config

	// JobTimeoutMs bounds each collaborator round trip. 0 keeps the current value.
	JobTimeoutMs int

	// NotifyBufferDone toggles BufferDone jobs after each completed transfer.
	NotifyBufferDone *bool

	// FailEvery makes the simulated engine fail every Nth transfer (0 = never).
	FailEvery *int
}

// LoadRuntime reads the reloadable settings from path.
func LoadRuntime(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, err
	}

	var raw struct {
		Session struct {
			JobTimeoutMs     int   `toml:"job_timeout_ms"`
			NotifyBufferDone *bool `toml:"notify_buffer_done"`
		} `toml:"session"`
		Engine struct {
			FailEvery *int `toml:"fail_every"`
		} `toml:"engine"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Runtime{}, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	if raw.Session.JobTimeoutMs < 0 {
		return Runtime{}, fmt.Errorf("session.job_timeout_ms must not be negative, got %d", raw.Session.JobTimeoutMs)
	}

	return Runtime{
		Logging:          LoadLoggingConfig(path),
		JobTimeoutMs:     raw.Session.JobTimeoutMs,
		NotifyBufferDone: raw.Session.NotifyBufferDone,
		FailEvery:        raw.Engine.FailEvery,
	}, nil
}
