package led

import (
	"fmt"
	"os"
	"path/filepath"
)

// SysfsRoot is where the kernel exposes LED class devices.
const SysfsRoot = "/sys/class/leds"

// Sysfs drives an LED through the Linux LED class interface.
type Sysfs struct {
	dir string
}

// NewSysfs returns a controller for the LED called name under root.
// It fails when the LED does not exist.
func NewSysfs(root, name string) (*Sysfs, error) {
	if root == "" {
		root = SysfsRoot
	}
	dir := filepath.Join(root, name)
	if _, err := os.Stat(filepath.Join(dir, "brightness")); err != nil {
		return nil, fmt.Errorf("led %q: %w", name, err)
	}
	return &Sysfs{dir: dir}, nil
}

// Set applies p. Blinking uses the heartbeat trigger; the other patterns
// clear the trigger and set brightness directly.
func (s *Sysfs) Set(p Pattern) error {
	trigger, brightness := "none", "0"
	switch p {
	case PatternOff:
	case PatternSolid:
		brightness = "1"
	case PatternBlink:
		trigger, brightness = "heartbeat", ""
	default:
		return fmt.Errorf("led: unknown pattern %q", p)
	}

	if err := os.WriteFile(filepath.Join(s.dir, "trigger"), []byte(trigger), 0o644); err != nil {
		return fmt.Errorf("set led trigger: %w", err)
	}
	if brightness == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(s.dir, "brightness"), []byte(brightness), 0o644); err != nil {
		return fmt.Errorf("set led brightness: %w", err)
	}
	return nil
}
