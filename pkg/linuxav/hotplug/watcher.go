package hotplug

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnsupported is returned where netlink uevents are unavailable.
var ErrUnsupported = errors.New("hotplug: uevent monitoring not supported on this platform")

// recvFunc reads one datagram. It returns 0 with a nil error on timeout.
type recvFunc func(buf []byte) (int, error)

// Watcher waits for one device to be removed.
type Watcher struct {
	match  Match
	logger *slog.Logger
	open   func() (recvFunc, func() error, error)
}

// NewWatcher creates a Watcher for the device selected by m.
func NewWatcher(m Match, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{match: m, logger: logger, open: openNetlink}
}

// Run blocks until the device is removed, ctx ends or the socket fails.
// onLost runs once, on the removal event, before Run returns nil.
func (w *Watcher) Run(ctx context.Context, onLost func(Uevent)) error {
	recv, closeFn, err := w.open()
	if err != nil {
		return err
	}
	defer closeFn()

	w.logger.Info("Watching for device removal", "device", w.match.devName())
	buf := make([]byte, 16<<10)
	for ctx.Err() == nil {
		n, err := recv(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		ev, ok := ParseUevent(buf[:n])
		if !ok {
			continue
		}
		if !w.match.Lost(ev) {
			continue
		}
		w.logger.Warn("Capture device removed", "device", ev.DevName, "devpath", ev.DevPath, "action", ev.Action)
		onLost(ev)
		return nil
	}
	return nil
}
