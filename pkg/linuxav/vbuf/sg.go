package vbuf

import (
	"errors"
	"fmt"
)

// Descriptor is one device-addressable chunk of a scatter-gather list.
type Descriptor struct {
	Addr uint64 `json:"addr"`
	Len  uint32 `json:"len"`
}

// SGList is an ordered scatter-gather descriptor list describing the
// backing memory of one buffer as a single transfer target.
type SGList struct {
	Descriptors []Descriptor
	Direction   Direction

	// Handle is an opaque mapping token owned by the Platform.
	Handle uint64

	chunks [][]byte
}

// Len returns the total number of bytes described by the list.
func (l *SGList) Len() uint64 {
	var n uint64
	for _, d := range l.Descriptors {
		n += uint64(d.Len)
	}
	return n
}

// Chunks returns the host views of each descriptor, in order.
func (l *SGList) Chunks() [][]byte {
	return l.chunks
}

// Platform resolves host memory into device-addressable descriptors.
// Resolve is fallible per chunk and every successful Resolve is undone by Release.
type Platform interface {
	// PageSize is the chunk size used to walk backing memory.
	PageSize() int

	// Alloc returns size bytes of backing memory suitable for Resolve.
	Alloc(size int) ([]byte, error)

	// Free returns memory obtained from Alloc.
	Free(mem []byte) error

	// Resolve maps one chunk (at most PageSize bytes) to a descriptor.
	Resolve(chunk []byte) (Descriptor, error)

	// Release undoes Resolve for one descriptor.
	Release(d Descriptor)

	// Map requests a direction-tagged device mapping for the whole list.
	Map(list *SGList) error

	// Unmap tears down the mapping created by Map.
	Unmap(list *SGList)

	// Coherent reports whether device and CPU views stay coherent without explicit syncs.
	Coherent() bool

	// SyncForDevice hands ownership of the list's memory to the device.
	SyncForDevice(list *SGList)

	// SyncForCPU hands ownership of the list's memory back to the CPU.
	SyncForCPU(list *SGList)
}

// buildSGList walks every plane in page-size chunks, resolves them and maps
// the resulting list. On any failure all descriptors acquired so far are
// released in reverse order and no list is returned.
func buildSGList(p Platform, planes [][]byte, dir Direction) (*SGList, error) {
	pageSize := p.PageSize()
	if pageSize <= 0 {
		return nil, newError(CodeResourceExhausted, fmt.Sprintf("invalid page size %d", pageSize), nil)
	}

	list := &SGList{Direction: dir}

	for pi, mem := range planes {
		for off := 0; off < len(mem); off += pageSize {
			end := min(off+pageSize, len(mem))
			chunk := mem[off:end]

			desc, err := p.Resolve(chunk)
			if err != nil {
				releaseDescriptors(p, list)
				return nil, newErrorWithCause(CodeResourceExhausted,
					"failed to resolve backing memory", err,
					map[string]any{"plane": pi, "offset": off, "resolved": len(list.Descriptors)})
			}
			list.Descriptors = append(list.Descriptors, desc)
			list.chunks = append(list.chunks, chunk)
		}
	}

	if err := p.Map(list); err != nil {
		releaseDescriptors(p, list)
		return nil, newErrorWithCause(CodeResourceExhausted, "failed to map descriptor list", err,
			map[string]any{"descriptors": len(list.Descriptors), "direction": dir.String()})
	}

	return list, nil
}

// teardownSGList is the reverse of buildSGList.
func teardownSGList(p Platform, list *SGList) {
	if list == nil {
		return
	}
	p.Unmap(list)
	releaseDescriptors(p, list)
}

func releaseDescriptors(p Platform, list *SGList) {
	for i := len(list.Descriptors) - 1; i >= 0; i-- {
		p.Release(list.Descriptors[i])
	}
	list.Descriptors = nil
	list.chunks = nil
}

// errNoBacking is returned when a buffer has no memory to describe.
var errNoBacking = errors.New("buffer has no backing memory")
