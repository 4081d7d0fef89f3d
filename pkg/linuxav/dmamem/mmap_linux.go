//go:build linux

package dmamem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = uint64(1) << 63
	pagemapPFNMask = (uint64(1) << 55) - 1
)

// ErrPageNotPresent is returned when pagemap reports a chunk's page as not resident.
var ErrPageNotPresent = errors.New("dmamem: page not present")

// ErrChunkUnaligned is returned when a chunk straddles a page boundary.
var ErrChunkUnaligned = errors.New("dmamem: chunk crosses page boundary")

// Mmap is a vbuf.Platform backed by anonymous mappings.
//
// Device addresses come from /proc/self/pagemap when it is readable and
// exposes page frame numbers (CAP_SYS_ADMIN); otherwise the virtual address
// is used as the device address, which is what an IOMMU in passthrough
// identity mode would present.
type Mmap struct {
	pageSize int
	pagemap  *os.File

	mu         sync.Mutex
	regions    map[uintptr][]byte // base address -> full mapping
	live       int
	nextHandle uint64
}

// NewMmap opens the pagemap (best effort) and returns an Mmap platform.
func NewMmap() *Mmap {
	m := &Mmap{
		pageSize: unix.Getpagesize(),
		regions:  make(map[uintptr][]byte),
	}
	if f, err := os.Open("/proc/self/pagemap"); err == nil {
		m.pagemap = f
	}
	return m
}

// NewMmapPlatform returns an Mmap platform and its close function.
func NewMmapPlatform() (vbuf.Platform, func() error, error) {
	m := NewMmap()
	return m, m.Close, nil
}

// Close releases the pagemap handle. Outstanding mappings are not touched.
func (m *Mmap) Close() error {
	if m.pagemap != nil {
		return m.pagemap.Close()
	}
	return nil
}

// PageSize implements vbuf.Platform.
func (m *Mmap) PageSize() int { return m.pageSize }

// Alloc implements vbuf.Platform.
func (m *Mmap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dmamem: invalid allocation size %d", size)
	}
	length := (size + m.pageSize - 1) / m.pageSize * m.pageSize
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", length, err)
	}

	m.mu.Lock()
	m.regions[uintptr(unsafe.Pointer(&mem[0]))] = mem
	m.mu.Unlock()
	return mem[:size], nil
}

// Free implements vbuf.Platform.
func (m *Mmap) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	base := uintptr(unsafe.Pointer(&mem[0]))

	m.mu.Lock()
	full, ok := m.regions[base]
	delete(m.regions, base)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("dmamem: %#x was not allocated here", base)
	}
	return unix.Munmap(full)
}

// Resolve implements vbuf.Platform.
func (m *Mmap) Resolve(chunk []byte) (vbuf.Descriptor, error) {
	if len(chunk) == 0 {
		return vbuf.Descriptor{}, fmt.Errorf("dmamem: empty chunk")
	}
	if len(chunk) > m.pageSize {
		return vbuf.Descriptor{}, ErrChunkTooLarge
	}
	virt := uint64(uintptr(unsafe.Pointer(&chunk[0])))
	offset := virt % uint64(m.pageSize)
	if offset+uint64(len(chunk)) > uint64(m.pageSize) {
		return vbuf.Descriptor{}, ErrChunkUnaligned
	}

	addr := virt
	if m.pagemap != nil {
		var entry [8]byte
		pos := int64(virt/uint64(m.pageSize)) * 8
		if _, err := m.pagemap.ReadAt(entry[:], pos); err != nil {
			return vbuf.Descriptor{}, fmt.Errorf("failed to read pagemap: %w", err)
		}
		value := binary.LittleEndian.Uint64(entry[:])
		if value&pagemapPresent == 0 {
			return vbuf.Descriptor{}, ErrPageNotPresent
		}
		if pfn := value & pagemapPFNMask; pfn != 0 {
			addr = pfn*uint64(m.pageSize) + offset
		}
	}

	m.mu.Lock()
	m.live++
	m.mu.Unlock()
	return vbuf.Descriptor{Addr: addr, Len: uint32(len(chunk))}, nil
}

// Release implements vbuf.Platform.
func (m *Mmap) Release(_ vbuf.Descriptor) {
	m.mu.Lock()
	if m.live > 0 {
		m.live--
	}
	m.mu.Unlock()
}

// Map pins every chunk of the list in memory.
func (m *Mmap) Map(list *vbuf.SGList) error {
	chunks := list.Chunks()
	for i, chunk := range chunks {
		if err := unix.Mlock(chunk); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = unix.Munlock(chunks[j])
			}
			return fmt.Errorf("failed to pin chunk %d: %w", i, err)
		}
	}

	m.mu.Lock()
	m.nextHandle++
	list.Handle = m.nextHandle
	m.mu.Unlock()
	return nil
}

// Unmap unpins the list's chunks.
func (m *Mmap) Unmap(list *vbuf.SGList) {
	for _, chunk := range list.Chunks() {
		_ = unix.Munlock(chunk)
	}
}

// Coherent implements vbuf.Platform. Userspace cannot flush caches itself,
// so this platform only targets cache-coherent DMA.
func (m *Mmap) Coherent() bool { return true }

// SyncForDevice implements vbuf.Platform.
func (m *Mmap) SyncForDevice(_ *vbuf.SGList) {}

// SyncForCPU implements vbuf.Platform.
func (m *Mmap) SyncForCPU(_ *vbuf.SGList) {}

// LiveDescriptors returns the number of resolved, unreleased descriptors.
func (m *Mmap) LiveDescriptors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}
