package vbuf

import (
	"fmt"
	"math"
)

// MaxPlanes is the largest number of memory planes a format may use.
const MaxPlanes = 4

// Kind selects whether all planes share one allocation or each plane has its own.
type Kind int

// Format kinds.
const (
	KindSinglePlane Kind = iota
	KindMultiPlane
)

func (k Kind) String() string {
	if k == KindMultiPlane {
		return "multi-plane"
	}
	return "single-plane"
}

// Layout is a FourCC pixel layout code.
type Layout uint32

// Supported pixel layouts.
const (
	LayoutGREY   Layout = 0x59455247 // 'GREY'
	LayoutYUYV   Layout = 0x56595559 // 'YUYV'
	LayoutUYVY   Layout = 0x59565955 // 'UYVY'
	LayoutRGB565 Layout = 0x50424752 // 'RGBP'
	LayoutRGB24  Layout = 0x33424752 // 'RGB3'
	LayoutBGR24  Layout = 0x33524742 // 'BGR3'
	LayoutXRGB32 Layout = 0x34325258 // 'XR24'
	LayoutNV12   Layout = 0x3231564E // 'NV12'
	LayoutNV21   Layout = 0x3132564E // 'NV21'
	LayoutNV16   Layout = 0x3631564E // 'NV16'
	LayoutYUV420 Layout = 0x32315559 // 'YU12'
)

// String returns the FourCC as text.
func (l Layout) String() string {
	return FormatFourCC(uint32(l))
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}

// ParseFourCC converts a 4 character string to a Layout.
func ParseFourCC(s string) (Layout, error) {
	if len(s) != 4 {
		return 0, newError(CodeUnsupportedFormat, fmt.Sprintf("fourcc %q must be 4 characters", s), nil)
	}
	return Layout(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24), nil
}

// PlaneLayout describes one plane of a negotiated format.
type PlaneLayout struct {
	Stride       uint32 `json:"bytesperline"`
	Size         uint32 `json:"sizeimage"`
	DeviceHandle uint64 `json:"device_handle,omitempty"`
}

// Format is the negotiated pixel format of a session.
type Format struct {
	Kind   Kind          `json:"kind"`
	Width  uint32        `json:"width"`
	Height uint32        `json:"height"`
	Layout Layout        `json:"pixelformat"`
	Planes []PlaneLayout `json:"planes"`
}

// PlaneSizes returns the per-plane byte sizes.
func (f Format) PlaneSizes() []uint32 {
	sizes := make([]uint32, len(f.Planes))
	for i, p := range f.Planes {
		sizes[i] = p.Size
	}
	return sizes
}

// Alignment holds the horizontal and vertical alignment constants of a session.
type Alignment struct {
	H uint32
	V uint32
}

// DefaultAlignment matches the capture hardware's line and row granularity.
var DefaultAlignment = Alignment{H: 64, V: 1}

// Align rounds v up to a multiple of a. An alignment of 0 or 1 leaves v unchanged.
func Align(v, a uint32) uint32 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// NegotiateSize derives stride and size for every plane of f from its
// width, height and layout. Any plane values already present in f are ignored.
func NegotiateSize(f Format, a Alignment) (Format, error) {
	if f.Width == 0 || f.Height == 0 {
		return Format{}, newError(CodeUnsupportedFormat,
			fmt.Sprintf("invalid dimensions %dx%d", f.Width, f.Height),
			map[string]any{"width": f.Width, "height": f.Height})
	}

	w := align64(uint64(f.Width), a.H)
	h := align64(uint64(f.Height), a.V)
	multi := f.Kind == KindMultiPlane

	// Computed in 64 bits; anything that does not fit a plane field is rejected.
	type plane struct{ stride, size uint64 }
	var wide []plane
	switch f.Layout {
	case LayoutGREY:
		wide = []plane{{w, w * h}}
	case LayoutYUYV, LayoutUYVY, LayoutRGB565:
		wide = []plane{{w * 2, w * 2 * h}}
	case LayoutRGB24, LayoutBGR24:
		wide = []plane{{w * 3, w * 3 * h}}
	case LayoutXRGB32:
		wide = []plane{{w * 4, w * 4 * h}}
	case LayoutNV12, LayoutNV21:
		if multi {
			wide = []plane{{w, w * h}, {w, w * h / 2}}
		} else {
			wide = []plane{{w, w * h * 3 / 2}}
		}
	case LayoutNV16:
		if multi {
			wide = []plane{{w, w * h}, {w, w * h}}
		} else {
			wide = []plane{{w, w * h * 2}}
		}
	case LayoutYUV420:
		if multi {
			cs := w / 2
			wide = []plane{{w, w * h}, {cs, cs * h / 2}, {cs, cs * h / 2}}
		} else {
			wide = []plane{{w, w * h * 3 / 2}}
		}
	default:
		return Format{}, newError(CodeUnsupportedFormat,
			fmt.Sprintf("pixel layout %s not supported", f.Layout),
			map[string]any{"layout": f.Layout.String()})
	}

	planes := make([]PlaneLayout, len(wide))
	for i, p := range wide {
		if p.stride > math.MaxUint32 || p.size > math.MaxUint32 {
			return Format{}, newError(CodeUnsupportedFormat,
				fmt.Sprintf("%dx%d %s: plane %d size %d exceeds %d bytes", f.Width, f.Height, f.Layout, i, p.size, uint64(math.MaxUint32)),
				map[string]any{"width": f.Width, "height": f.Height, "plane": i})
		}
		planes[i] = PlaneLayout{Stride: uint32(p.stride), Size: uint32(p.size)}
	}

	return Format{
		Kind:   f.Kind,
		Width:  f.Width,
		Height: f.Height,
		Layout: f.Layout,
		Planes: planes,
	}, nil
}

func align64(v uint64, a uint32) uint64 {
	if a <= 1 {
		return v
	}
	return (v + uint64(a) - 1) / uint64(a) * uint64(a)
}
