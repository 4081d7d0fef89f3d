package collab

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
)

// StatusInvalid is the status returned when a job is refused.
const StatusInvalid int32 = -22

// DefaultPageSize is used for placement offsets when PolicyOptions.PageSize is zero.
const DefaultPageSize = 4096

// PolicyOptions configures the reference collaborator's decisions.
type PolicyOptions struct {
	// AllowedFormats lists accepted FourCC codes. Empty accepts any.
	AllowedFormats []string
	// MaxBuffers caps QueueSetup counts. Zero leaves the count alone.
	MaxBuffers uint32
	// BackingPrefix names placement backings "<prefix>:<index>".
	BackingPrefix string
	PageSize      uint64
	// RejectStart refuses StartStreaming, for exercising rollback.
	RejectStart bool
}

// Policy answers jobs the way a simple userspace driver would: it checks the
// pixel format, caps the buffer count and lays planes out page aligned.
type Policy struct {
	opts PolicyOptions

	mu     sync.Mutex
	format *userjob.FormatPayload
	counts map[userjob.Kind]uint64
}

// NewPolicy creates a Policy.
func NewPolicy(opts PolicyOptions) *Policy {
	if opts.BackingPrefix == "" {
		opts.BackingPrefix = "buf"
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Policy{opts: opts, counts: make(map[userjob.Kind]uint64)}
}

// Handle decides one job.
func (p *Policy) Handle(job userjob.Job) userjob.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[job.Kind]++

	switch job.Kind {
	case userjob.KindSetFormat:
		return p.setFormat(job.Payload.Format)
	case userjob.KindQueueSetup:
		return p.queueSetup(job.Payload.QueueSetup)
	case userjob.KindBufferInit:
		return p.bufferInit(job.Payload.Buffer)
	case userjob.KindStartStreaming:
		if p.opts.RejectStart {
			return reject("streaming refused")
		}
	}
	return userjob.Result{}
}

// Format returns the last accepted format.
func (p *Policy) Format() (userjob.FormatPayload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == nil {
		return userjob.FormatPayload{}, false
	}
	return *p.format, true
}

// Count returns how many jobs of kind were handled.
func (p *Policy) Count(kind userjob.Kind) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[kind]
}

func (p *Policy) setFormat(f *userjob.FormatPayload) userjob.Result {
	if f == nil {
		return reject("missing format")
	}
	if len(p.opts.AllowedFormats) > 0 &&
		!slices.ContainsFunc(p.opts.AllowedFormats, func(s string) bool { return strings.EqualFold(s, f.PixelFormat) }) {
		return reject(fmt.Sprintf("pixel format %s not supported", f.PixelFormat))
	}
	accepted := *f
	accepted.Planes = slices.Clone(f.Planes)
	p.format = &accepted
	return userjob.Result{}
}

func (p *Policy) queueSetup(q *userjob.QueueSetupPayload) userjob.Result {
	if q == nil {
		return reject("missing queue setup")
	}
	count := q.Count
	if p.opts.MaxBuffers > 0 && count > p.opts.MaxBuffers {
		count = p.opts.MaxBuffers
	}
	return userjob.Result{Count: count}
}

func (p *Policy) bufferInit(b *userjob.BufferPayload) userjob.Result {
	if b == nil {
		return reject("missing buffer")
	}
	placements := make([]userjob.PlanePlacement, len(b.PlaneSizes))
	var offset uint64
	for i, size := range b.PlaneSizes {
		placements[i] = userjob.PlanePlacement{
			Backing: fmt.Sprintf("%s:%d", p.opts.BackingPrefix, b.Index),
			Offset:  offset,
			Pitch:   p.pitchLocked(i),
		}
		offset += alignUp(uint64(size), p.opts.PageSize)
	}
	return userjob.Result{Placements: placements}
}

func (p *Policy) pitchLocked(plane int) uint32 {
	if p.format == nil || plane >= len(p.format.Planes) {
		return 0
	}
	return p.format.Planes[plane].Stride
}

func reject(msg string) userjob.Result {
	return userjob.Result{Status: StatusInvalid, Message: msg}
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
