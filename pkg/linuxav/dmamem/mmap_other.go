//go:build !linux

package dmamem

import (
	"errors"

	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// ErrUnsupported is returned by NewMmap outside linux.
var ErrUnsupported = errors.New("dmamem: mmap platform requires linux")

// NewMmapPlatform returns the mmap platform, or ErrUnsupported on this OS.
func NewMmapPlatform() (vbuf.Platform, func() error, error) {
	return nil, nil, ErrUnsupported
}
