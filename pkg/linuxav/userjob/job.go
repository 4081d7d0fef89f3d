package userjob

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the decision a job asks the collaborator to make.
type Kind int

// Job kinds.
const (
	KindSetFormat Kind = iota + 1
	KindQueueSetup
	KindBufferInit
	KindBufferCleanup
	KindStartStreaming
	KindStopStreaming
	KindBufferDone
)

var kindNames = map[Kind]string{
	KindSetFormat:      "set_format",
	KindQueueSetup:     "queue_setup",
	KindBufferInit:     "buffer_init",
	KindBufferCleanup:  "buffer_cleanup",
	KindStartStreaming: "start_streaming",
	KindStopStreaming:  "stop_streaming",
	KindBufferDone:     "buffer_done",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown job kind %q", s)
}

// MarshalJSON encodes a Kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a Kind from its name.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PlaneFormat is the wire form of one plane of a pixel format.
type PlaneFormat struct {
	Stride uint32 `json:"bytesperline"`
	Size   uint32 `json:"sizeimage"`
}

// FormatPayload carries a pixel format in both directions.
type FormatPayload struct {
	MultiPlane  bool          `json:"multi_plane"`
	Width       uint32        `json:"width"`
	Height      uint32        `json:"height"`
	PixelFormat string        `json:"pixelformat"`
	Planes      []PlaneFormat `json:"planes,omitempty"`
}

// QueueSetupPayload asks the collaborator to approve a buffer count.
type QueueSetupPayload struct {
	Count      uint32   `json:"count"`
	PlaneSizes []uint32 `json:"plane_sizes"`
}

// BufferPayload identifies one buffer.
type BufferPayload struct {
	Index      uint32   `json:"index"`
	PlaneSizes []uint32 `json:"plane_sizes,omitempty"`
	Sequence   uint32   `json:"sequence,omitempty"`
	Timestamp  uint64   `json:"timestamp,omitempty"`
	Failed     bool     `json:"failed,omitempty"`
}

// Payload is the job body. Exactly the field matching the job's kind is set;
// StartStreaming and StopStreaming carry none.
type Payload struct {
	Format     *FormatPayload     `json:"format,omitempty"`
	QueueSetup *QueueSetupPayload `json:"queue_setup,omitempty"`
	Buffer     *BufferPayload     `json:"buffer,omitempty"`
}

// PlanePlacement is the physical placement chosen for one plane.
type PlanePlacement struct {
	Backing string `json:"backing"`
	Offset  uint64 `json:"offset"`
	Pitch   uint32 `json:"pitch"`
}

// Result is the collaborator's answer. A non-zero Status rejects the job.
type Result struct {
	Status     int32            `json:"status"`
	Message    string           `json:"message,omitempty"`
	Format     *FormatPayload   `json:"format,omitempty"`
	Count      uint32           `json:"count,omitempty"`
	Placements []PlanePlacement `json:"placements,omitempty"`
}

// Job is one control decision posted to the collaborator.
type Job struct {
	Kind     Kind    `json:"id"`
	Sequence uint16  `json:"sequence"`
	Payload  Payload `json:"payload"`
}

// Done is the collaborator's acknowledgement of a Job.
type Done struct {
	Kind     Kind   `json:"id"`
	Sequence uint16 `json:"sequence"`
	Result   Result `json:"result"`
}

// Matches reports whether d acknowledges j.
func (d Done) Matches(j Job) bool {
	return d.Kind == j.Kind && d.Sequence == j.Sequence
}
