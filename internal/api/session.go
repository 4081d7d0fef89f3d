package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturenode/internal/api/models"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// registerSessionRoutes registers the media-framework side of the session
func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Summary:     "Get Session",
		Description: "Stream state, committed format, buffer pool and mailbox counters",
		Tags:        []string{"session"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		return &models.SessionResponse{Body: s.session.Info()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-format",
		Method:      http.MethodPut,
		Path:        "/api/session/format",
		Summary:     "Set Format",
		Description: "Negotiate a pixel format with the collaborator. Plane strides and sizes are derived, never taken from the request.",
		Tags:        []string{"session"},
		Errors:      []int{401, 409, 422, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.FormatRequest) (*models.FormatResponse, error) {
		layout, err := vbuf.ParseFourCC(input.Body.PixelFormat)
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		desired := vbuf.Format{Width: input.Body.Width, Height: input.Body.Height, Layout: layout}
		if input.Body.MultiPlane {
			desired.Kind = vbuf.KindMultiPlane
		}

		committed, err := s.session.NegotiateFormat(ctx, desired)
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.FormatResponse{Body: formatToAPI(committed)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "request-buffers",
		Method:      http.MethodPost,
		Path:        "/api/session/buffers",
		Summary:     "Request Buffers",
		Description: "Allocate the buffer pool after the collaborator approves the count. A count of 0 frees the pool.",
		Tags:        []string{"buffers"},
		Errors:      []int{401, 409, 422, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.BuffersRequest) (*models.BuffersResponse, error) {
		n, err := s.session.RequestBuffers(ctx, input.Body.Count)
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.BuffersResponse{Body: models.BuffersData{Count: n}}, nil
	})

	s.registerBufferOp("prepare-buffer", "prepare", "Prepare Buffer",
		"Build the buffer's descriptor list, asking the collaborator for its placement",
		func(ctx context.Context, index uint32) error {
			return s.session.PrepareBuffer(ctx, index, nil)
		})
	s.registerBufferOp("release-buffer", "release", "Release Buffer",
		"Tear the buffer down to free, asking the collaborator to clean up",
		s.session.ReleaseBuffer)
	s.registerBufferOp("queue-buffer", "queue", "Queue Buffer",
		"Hand a prepared buffer to the device",
		func(_ context.Context, index uint32) error {
			return s.session.QueueBuffer(index)
		})

	huma.Register(s.api, huma.Operation{
		OperationID: "dequeue-buffer",
		Method:      http.MethodPost,
		Path:        "/api/session/dequeue",
		Summary:     "Dequeue Buffer",
		Description: "Take the oldest completed buffer. With nonblock, returns 409 when none is ready.",
		Tags:        []string{"buffers"},
		Errors:      []int{401, 409, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.DequeueInput) (*models.BufferResponse, error) {
		info, err := s.session.DequeueBuffer(ctx, input.NonBlock)
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.BufferResponse{Body: info}, nil
	})

	s.registerStateOp("start-streaming", "/api/session/start", "Start Streaming",
		"Ask the collaborator to start and submit every queued buffer in order", s.session.Start)
	s.registerStateOp("stop-streaming", "/api/session/stop", "Stop Streaming",
		"Stop streaming. Every queued or active buffer is returned to free, even if the collaborator does not answer.", s.session.Stop)
	s.registerStateOp("device-lost", "/api/session/device-lost", "Report Device Lost",
		"Mark the device gone. Outstanding jobs fail immediately and streaming stops.", s.session.DeviceLost)
}

func (s *Server) registerBufferOp(id, verb, summary, description string, op func(context.Context, uint32) error) {
	huma.Register(s.api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        "/api/session/buffers/{index}/" + verb,
		Summary:     summary,
		Description: description,
		Tags:        []string{"buffers"},
		Errors:      []int{401, 409, 422, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.BufferIndexInput) (*models.BufferResponse, error) {
		if err := op(ctx, input.Index); err != nil {
			return nil, s.mapSessionError(err)
		}
		info, err := s.session.Queue().Info(input.Index)
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.BufferResponse{Body: info}, nil
	})
}

func (s *Server) registerStateOp(id, path, summary, description string, op func(context.Context) error) {
	huma.Register(s.api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Description: description,
		Tags:        []string{"session"},
		Errors:      []int{401, 409, 422, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.StateResponse, error) {
		if err := op(ctx); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.StateResponse{Body: models.StateData{State: string(s.session.State())}}, nil
	})
}

func formatToAPI(f vbuf.Format) models.FormatData {
	data := models.FormatData{
		MultiPlane:  f.Kind == vbuf.KindMultiPlane,
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: f.Layout.String(),
	}
	for _, p := range f.Planes {
		data.Planes = append(data.Planes, models.PlaneData{Stride: p.Stride, Size: p.Size})
	}
	return data
}
