// Package dmamem provides host platform layers that resolve buffer memory
// into device-addressable scatter-gather descriptors for package vbuf.
//
// Heap works everywhere and hands out synthetic I/O virtual addresses from a
// bounded page budget. Mmap (linux only) backs buffers with anonymous
// mappings, resolves page frames through /proc/self/pagemap and pins the
// pages with mlock while they are mapped for the device.
package dmamem

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// ErrIOVAExhausted is returned when the heap platform's page budget is spent.
var ErrIOVAExhausted = errors.New("dmamem: I/O address space exhausted")

// ErrChunkTooLarge is returned when a chunk exceeds the page size.
var ErrChunkTooLarge = errors.New("dmamem: chunk larger than page")

// HeapOptions configures a Heap platform.
type HeapOptions struct {
	// PageSize used to chunk memory. Defaults to the host page size.
	PageSize int

	// IOVAPages caps the number of live descriptors. 0 means unlimited.
	IOVAPages int

	// NonCoherent makes the queue issue explicit cache syncs.
	NonCoherent bool

	// BaseAddr is the first synthetic device address. Defaults to 0x1000_0000.
	BaseAddr uint64
}

// HeapStats is a snapshot of Heap bookkeeping.
type HeapStats struct {
	LiveDescriptors int
	MappedLists     int
	AllocatedBytes  int64
	DeviceSyncs     uint64
	CPUSyncs        uint64
}

// Heap is a portable vbuf.Platform backed by Go memory.
type Heap struct {
	opts HeapOptions

	mu          sync.Mutex
	nextAddr    uint64
	freeAddrs   []uint64
	live        map[uint64]uint32
	mapped      map[uint64]vbuf.Direction
	nextHandle  uint64
	allocated   int64
	deviceSyncs uint64
	cpuSyncs    uint64
}

// NewHeap creates a heap platform.
func NewHeap(opts HeapOptions) *Heap {
	if opts.PageSize <= 0 {
		opts.PageSize = os.Getpagesize()
	}
	if opts.BaseAddr == 0 {
		opts.BaseAddr = 0x1000_0000
	}
	return &Heap{
		opts:     opts,
		nextAddr: opts.BaseAddr,
		live:     make(map[uint64]uint32),
		mapped:   make(map[uint64]vbuf.Direction),
	}
}

// PageSize implements vbuf.Platform.
func (h *Heap) PageSize() int { return h.opts.PageSize }

// Alloc implements vbuf.Platform.
func (h *Heap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dmamem: invalid allocation size %d", size)
	}
	h.mu.Lock()
	h.allocated += int64(size)
	h.mu.Unlock()
	return make([]byte, size), nil
}

// Free implements vbuf.Platform.
func (h *Heap) Free(mem []byte) error {
	h.mu.Lock()
	h.allocated -= int64(len(mem))
	h.mu.Unlock()
	return nil
}

// Resolve implements vbuf.Platform.
func (h *Heap) Resolve(chunk []byte) (vbuf.Descriptor, error) {
	if len(chunk) > h.opts.PageSize {
		return vbuf.Descriptor{}, ErrChunkTooLarge
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.IOVAPages > 0 && len(h.live) >= h.opts.IOVAPages {
		return vbuf.Descriptor{}, ErrIOVAExhausted
	}

	var addr uint64
	if n := len(h.freeAddrs); n > 0 {
		addr = h.freeAddrs[n-1]
		h.freeAddrs = h.freeAddrs[:n-1]
	} else {
		addr = h.nextAddr
		h.nextAddr += uint64(h.opts.PageSize)
	}
	h.live[addr] = uint32(len(chunk))
	return vbuf.Descriptor{Addr: addr, Len: uint32(len(chunk))}, nil
}

// Release implements vbuf.Platform.
func (h *Heap) Release(d vbuf.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[d.Addr]; !ok {
		return
	}
	delete(h.live, d.Addr)
	h.freeAddrs = append(h.freeAddrs, d.Addr)
}

// Map implements vbuf.Platform.
func (h *Heap) Map(list *vbuf.SGList) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextHandle++
	list.Handle = h.nextHandle
	h.mapped[list.Handle] = list.Direction
	return nil
}

// Unmap implements vbuf.Platform.
func (h *Heap) Unmap(list *vbuf.SGList) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mapped, list.Handle)
}

// Coherent implements vbuf.Platform.
func (h *Heap) Coherent() bool { return !h.opts.NonCoherent }

// SyncForDevice implements vbuf.Platform.
func (h *Heap) SyncForDevice(_ *vbuf.SGList) {
	h.mu.Lock()
	h.deviceSyncs++
	h.mu.Unlock()
}

// SyncForCPU implements vbuf.Platform.
func (h *Heap) SyncForCPU(_ *vbuf.SGList) {
	h.mu.Lock()
	h.cpuSyncs++
	h.mu.Unlock()
}

// Stats returns current bookkeeping counters.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeapStats{
		LiveDescriptors: len(h.live),
		MappedLists:     len(h.mapped),
		AllocatedBytes:  h.allocated,
		DeviceSyncs:     h.deviceSyncs,
		CPUSyncs:        h.cpuSyncs,
	}
}
