package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturenode/internal/api/models"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
)

// registerJobRoutes registers the collaborator side of the mailbox
func (s *Server) registerJobRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "next-job",
		Method:      http.MethodGet,
		Path:        "/api/jobs/next",
		Summary:     "Next Job",
		Description: "Long-poll for a job newer than the given counter. Returns available=false when wait_ms passes without one.",
		Tags:        []string{"jobs"},
		Errors:      []int{401, 410, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.NextJobInput) (*models.NextJobResponse, error) {
		mb := s.session.Mailbox()

		if input.WaitMs <= 0 {
			job, counter, ok := mb.PollForJob(input.After)
			return nextJobResponse(job, counter, ok), nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(input.WaitMs)*time.Millisecond)
		defer cancel()
		job, counter, err := mb.WaitForJob(waitCtx, input.After)
		switch {
		case err == nil:
			return nextJobResponse(job, counter, true), nil
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nextJobResponse(job, counter, false), nil
		default:
			return nil, s.mapSessionError(err)
		}
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "job-done",
		Method:      http.MethodPost,
		Path:        "/api/jobs/done",
		Summary:     "Acknowledge Job",
		Description: "Answer the outstanding job. Answers that do not match its kind and sequence are recorded but ignored.",
		Tags:        []string{"jobs"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.DoneRequest) (*models.DoneResponse, error) {
		kind, err := userjob.ParseKind(input.Body.Kind)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		matched := s.session.Mailbox().Acknowledge(userjob.Done{
			Kind:     kind,
			Sequence: input.Body.Sequence,
			Result:   input.Body.Result,
		})
		if !matched {
			s.logger.Debug("Stale job acknowledgement", "kind", kind, "sequence", input.Body.Sequence)
		}
		return &models.DoneResponse{Body: models.DoneData{Matched: matched}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "trigger-completion",
		Method:      http.MethodPost,
		Path:        "/api/transfers/complete",
		Summary:     "Trigger Completion",
		Description: "Complete the oldest in-flight transfer. Does nothing when no transfer is active.",
		Tags:        []string{"jobs"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.TriggerResponse, error) {
		completed, err := s.session.TriggerCompletion()
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.TriggerResponse{Body: models.TriggerData{Completed: completed}}, nil
	})
}

func nextJobResponse(job userjob.Job, counter uint64, ok bool) *models.NextJobResponse {
	resp := &models.NextJobResponse{Body: models.NextJobData{Available: ok, Counter: counter}}
	if ok {
		resp.Body.Job = &models.JobData{
			Kind:     job.Kind.String(),
			Sequence: job.Sequence,
			Payload:  job.Payload,
		}
	}
	return resp
}
