package led

import "log/slog"

// Noop logs pattern changes for boards without a usable LED.
type Noop struct {
	logger *slog.Logger
}

// NewNoop creates a Noop controller.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

// Set only logs.
func (n *Noop) Set(p Pattern) error {
	n.logger.Debug("LED control not available (no-op)", "pattern", p)
	return nil
}
