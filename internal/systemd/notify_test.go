package systemd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func recordingNotifier() (*Notifier, *[]string) {
	var states []string
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.notify = func(_ bool, state string) (bool, error) {
		states = append(states, state)
		return true, nil
	}
	return n, &states
}

func TestNotifierStates(t *testing.T) {
	n, states := recordingNotifier()

	n.Ready()
	n.Status("streaming %s", "cam0")
	n.Stopping()

	want := []string{"READY=1", "STATUS=streaming cam0", "STOPPING=1"}
	if len(*states) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), *states)
	}
	for i := range want {
		if (*states)[i] != want[i] {
			t.Errorf("notification %d: expected %q, got %q", i, want[i], (*states)[i])
		}
	}
}

func TestNotifierError(t *testing.T) {
	n, _ := recordingNotifier()
	n.notify = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	if n.Ready() {
		t.Error("expected Ready to report false on error")
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	n, states := recordingNotifier()

	// Returns at once without a watchdog interval.
	n.RunWatchdog(context.Background(), nil)
	if len(*states) != 0 {
		t.Errorf("expected no pings, got %v", *states)
	}
}
