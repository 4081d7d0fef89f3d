package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/capturenode/internal/logging"
	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
)

// DefaultPollWait is how long one long-poll request asks the server to hold.
const DefaultPollWait = 10 * time.Second

// NextJobResponse is the body of GET /api/jobs/next.
type NextJobResponse struct {
	Available bool         `json:"available"`
	Counter   uint64       `json:"counter"`
	Job       *userjob.Job `json:"job,omitempty"`
}

// AckResponse is the body of POST /api/jobs/done.
type AckResponse struct {
	Matched bool `json:"matched"`
}

// TriggerResponse is the body of POST /api/transfers/complete.
type TriggerResponse struct {
	Completed bool `json:"completed"`
}

// StatusError is a non-2xx answer from the capture API.
type StatusError struct {
	Status int
	Detail string
	cause  error
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("capture API returned %d", e.Status)
	}
	return fmt.Sprintf("capture API returned %d: %s", e.Status, e.Detail)
}

// Unwrap maps well-known statuses back to mailbox sentinels.
func (e *StatusError) Unwrap() error {
	return e.cause
}

// HTTPSource talks to a capture node's job endpoints.
type HTTPSource struct {
	baseURL    string
	username   string
	password   string
	pollWait   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithBasicAuth sets credentials for every request.
func WithBasicAuth(username, password string) HTTPOption {
	return func(s *HTTPSource) {
		s.username = username
		s.password = password
	}
}

// WithPollWait overrides DefaultPollWait.
func WithPollWait(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.pollWait = d
	}
}

// NewHTTPSource creates a client for the capture API at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pollWait: DefaultPollWait,
		logger:   logging.GetLogger("collab"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpClient = &http.Client{Timeout: s.pollWait + 5*time.Second}
	return s
}

// WaitForJob long-polls until a job newer than lastSeen is available.
func (s *HTTPSource) WaitForJob(ctx context.Context, lastSeen uint64) (userjob.Job, uint64, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(lastSeen, 10))
	q.Set("wait_ms", strconv.FormatInt(s.pollWait.Milliseconds(), 10))

	for {
		var resp NextJobResponse
		if err := s.do(ctx, http.MethodGet, "/api/jobs/next?"+q.Encode(), nil, &resp); err != nil {
			return userjob.Job{}, lastSeen, err
		}
		if resp.Available && resp.Job != nil {
			return *resp.Job, resp.Counter, nil
		}
		if err := ctx.Err(); err != nil {
			return userjob.Job{}, lastSeen, err
		}
	}
}

// Acknowledge posts done to the capture node.
func (s *HTTPSource) Acknowledge(ctx context.Context, done userjob.Done) (bool, error) {
	var resp AckResponse
	if err := s.do(ctx, http.MethodPost, "/api/jobs/done", done, &resp); err != nil {
		return false, err
	}
	return resp.Matched, nil
}

// TriggerCompletion completes the oldest in-flight transfer.
func (s *HTTPSource) TriggerCompletion(ctx context.Context) (bool, error) {
	var resp TriggerResponse
	if err := s.do(ctx, http.MethodPost, "/api/transfers/complete", nil, &resp); err != nil {
		return false, err
	}
	return resp.Completed, nil
}

func (s *HTTPSource) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (s *HTTPSource) statusError(resp *http.Response) error {
	var problem struct {
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &problem) != nil {
		problem.Detail = strings.TrimSpace(string(data))
	}

	e := &StatusError{Status: resp.StatusCode, Detail: problem.Detail}
	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		e.cause = userjob.ErrDeviceLost
	case http.StatusGone:
		e.cause = userjob.ErrClosed
	}
	s.logger.Debug("Capture API error", "status", resp.StatusCode, "detail", e.Detail)
	return e
}
