package models

import (
	"github.com/smazurov/capturenode/internal/session"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2026-01-27T10:30:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go toolchain version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Format models
type PlaneData struct {
	Stride uint32 `json:"bytesperline" example:"1920" doc:"Bytes per line"`
	Size   uint32 `json:"sizeimage" example:"2073600" doc:"Plane size in bytes"`
}

type FormatData struct {
	MultiPlane  bool        `json:"multi_plane,omitempty" example:"false" doc:"Use one memory plane per color plane"`
	Width       uint32      `json:"width" example:"1920" minimum:"1" doc:"Frame width in pixels"`
	Height      uint32      `json:"height" example:"1080" minimum:"1" doc:"Frame height in pixels"`
	PixelFormat string      `json:"pixelformat" example:"NV12" minLength:"4" maxLength:"4" doc:"FourCC pixel layout"`
	Planes      []PlaneData `json:"planes,omitempty" doc:"Derived plane layout, ignored on input"`
}

type FormatRequest struct {
	Body FormatData
}

type FormatResponse struct {
	Body FormatData
}

// Buffer models
type BuffersRequestData struct {
	Count int `json:"count" example:"4" minimum:"0" doc:"Requested buffer count, 0 frees the pool"`
}

type BuffersRequest struct {
	Body BuffersRequestData
}

type BuffersData struct {
	Count int `json:"count" example:"4" doc:"Allocated buffer count"`
}

type BuffersResponse struct {
	Body BuffersData
}

type BufferIndexInput struct {
	Index uint32 `path:"index" example:"0" doc:"Buffer index"`
}

type BufferResponse struct {
	Body vbuf.BufferInfo
}

type DequeueInput struct {
	NonBlock bool `query:"nonblock" example:"true" doc:"Return 409 instead of waiting when nothing is done"`
}

// Session models
type SessionResponse struct {
	Body session.Info
}

type StateData struct {
	State string `json:"state" example:"streaming" doc:"Streaming state after the operation"`
}

type StateResponse struct {
	Body StateData
}

// Collaborator models
type JobData struct {
	Kind     string          `json:"id" example:"set_format" doc:"Job kind"`
	Sequence uint16          `json:"sequence" example:"7" doc:"Job sequence number"`
	Payload  userjob.Payload `json:"payload" doc:"Job body, the field matching the kind is set"`
}

type NextJobInput struct {
	After  uint64 `query:"after" example:"0" doc:"Last job counter seen"`
	WaitMs int    `query:"wait_ms" example:"10000" minimum:"0" maximum:"60000" doc:"Long-poll duration in milliseconds"`
}

type NextJobData struct {
	Available bool     `json:"available" doc:"Whether a new job is returned"`
	Counter   uint64   `json:"counter" example:"7" doc:"Job counter to pass as after on the next poll"`
	Job       *JobData `json:"job,omitempty" doc:"The posted job"`
}

type NextJobResponse struct {
	Body NextJobData
}

type DoneRequestData struct {
	Kind     string         `json:"id" example:"set_format" doc:"Kind of the job being answered"`
	Sequence uint16         `json:"sequence" example:"7" doc:"Sequence of the job being answered"`
	Result   userjob.Result `json:"result" doc:"Collaborator decision, non-zero status rejects"`
}

type DoneRequest struct {
	Body DoneRequestData
}

type DoneData struct {
	Matched bool `json:"matched" doc:"Whether the answer matched the outstanding job"`
}

type DoneResponse struct {
	Body DoneData
}

type TriggerData struct {
	Completed bool `json:"completed" doc:"Whether an in-flight transfer was completed"`
}

type TriggerResponse struct {
	Body TriggerData
}
