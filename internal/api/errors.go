package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
	"github.com/smazurov/capturenode/pkg/linuxav/vbuf"
)

// mapSessionError maps queue and mailbox errors to HTTP errors. Mailbox
// codes win since queue errors may wrap a failed dispatch.
func (s *Server) mapSessionError(err error) error {
	var jobErr *userjob.Error
	if errors.As(err, &jobErr) {
		switch jobErr.Code {
		case userjob.CodeRejected:
			return huma.Error422UnprocessableEntity(jobErr.Message, err)
		case userjob.CodeBusy:
			return huma.Error409Conflict(jobErr.Message, err)
		case userjob.CodeTimeout:
			return huma.Error504GatewayTimeout(jobErr.Message, err)
		case userjob.CodeDeviceLost:
			return huma.Error503ServiceUnavailable(jobErr.Message, err)
		case userjob.CodeClosed:
			return huma.NewError(http.StatusGone, jobErr.Message, err)
		case userjob.CodeCancelled:
			if errors.Is(err, context.DeadlineExceeded) {
				return huma.Error504GatewayTimeout(jobErr.Message, err)
			}
			return huma.NewError(http.StatusRequestTimeout, jobErr.Message, err)
		}
	}

	var bufErr *vbuf.Error
	if errors.As(err, &bufErr) {
		switch bufErr.Code {
		case vbuf.CodeUnsupportedFormat, vbuf.CodeSizeMismatch:
			return huma.Error422UnprocessableEntity(bufErr.Message, err)
		case vbuf.CodeInvalidState, vbuf.CodeWouldBlock:
			return huma.Error409Conflict(bufErr.Message, err)
		case vbuf.CodeResourceExhausted:
			return huma.Error503ServiceUnavailable(bufErr.Message, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout("operation timed out", err)
	}
	s.logger.Error("Unmapped session error", "error", err)
	return huma.Error500InternalServerError("internal server error", err)
}
