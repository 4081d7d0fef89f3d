//go:build !linux

package hotplug

func openNetlink() (recvFunc, func() error, error) {
	return nil, nil, ErrUnsupported
}
