// Package hotplug reports capture device removal from kernel uevents.
//
// A session whose device disappears must stop streaming and fail fast, so the
// node watches the netlink uevent broadcast for the removal of its device
// node and reports it as a device loss.
package hotplug

import (
	"bytes"
	"strings"
)

// Kernel actions the watcher cares about.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionUnbind = "unbind"
)

// SubsystemVideo4Linux is the subsystem of V4L2 capture nodes.
const SubsystemVideo4Linux = "video4linux"

// Uevent is one parsed kernel device event.
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	DevName   string
	Props     map[string]string
}

var udevMagic = []byte("libudev\x00")

// ParseUevent decodes "ACTION@DEVPATH\0KEY=VALUE\0...". Messages rebroadcast
// by udevd carry a binary header which is skipped. It reports false for
// anything that is not a uevent.
func ParseUevent(msg []byte) (Uevent, bool) {
	if bytes.HasPrefix(msg, udevMagic) {
		// The properties block follows the header; find the first record
		// that looks like ACTION@PATH.
		msg = msg[len(udevMagic):]
		for len(msg) > 0 {
			at := bytes.IndexByte(msg, '@')
			nul := bytes.IndexByte(msg, 0)
			if at > 0 && (nul < 0 || at < nul) {
				break
			}
			if nul < 0 {
				return Uevent{}, false
			}
			msg = msg[nul+1:]
		}
	}

	fields := strings.Split(string(msg), "\x00")
	action, devPath, ok := strings.Cut(fields[0], "@")
	if !ok || action == "" || devPath == "" {
		return Uevent{}, false
	}

	ev := Uevent{Action: action, DevPath: devPath, Props: make(map[string]string, len(fields)-1)}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			continue
		}
		ev.Props[key] = value
	}
	ev.Subsystem = ev.Props["SUBSYSTEM"]
	ev.DevName = ev.Props["DEVNAME"]
	return ev, true
}

// Match selects the removal events of one device node.
type Match struct {
	// DevName is the node name, with or without the /dev/ prefix.
	DevName string
	// Subsystem restricts matches; empty means video4linux.
	Subsystem string
}

func (m Match) devName() string {
	return strings.TrimPrefix(m.DevName, "/dev/")
}

// Lost reports whether ev means the matched device is gone.
func (m Match) Lost(ev Uevent) bool {
	if ev.Action != ActionRemove && ev.Action != ActionUnbind {
		return false
	}
	subsystem := m.Subsystem
	if subsystem == "" {
		subsystem = SubsystemVideo4Linux
	}
	if ev.Subsystem != subsystem {
		return false
	}
	return strings.TrimPrefix(ev.DevName, "/dev/") == m.devName()
}
