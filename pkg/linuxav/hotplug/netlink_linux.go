//go:build linux

package hotplug

import (
	"errors"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long Run goes without checking its context.
const pollTimeoutMs = 500

func openNetlink() (recvFunc, func() error, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, nil, err
	}
	// Group 1 is the kernel broadcast.
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, nil, err
	}

	recv := func(buf []byte) (int, error) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if errors.Is(err, unix.EINTR) || n == 0 {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		got, _, err := unix.Recvfrom(fd, buf, 0)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
			// ENOBUFS means the kernel dropped events; keep listening.
			return 0, nil
		}
		return got, err
	}
	return recv, func() error { return unix.Close(fd) }, nil
}
