package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/telemetry"
)

const maxStatusBody = 1 << 20

// Fetcher retrieves the current raw status of one job.
type Fetcher interface {
	FetchStatus(ctx context.Context, jobID string) (workflow.RawStatus, []byte, error)
}

// FetchError is a failed status fetch: network failure, non-2xx response or
// an undecodable body. Polling treats it as a reason to simulate progress,
// never as a failure of the job.
type FetchError struct {
	JobID      string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch status for %s: HTTP %d: %v", e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch status for %s: %v", e.JobID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPFetcher calls GET {base}/status/{jobId}. A limiter shared by every
// poll task bounds the request rate against the backend.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// NewHTTPFetcher builds a fetcher. ratePerSecond <= 0 disables the limit.
func NewHTTPFetcher(baseURL string, timeout time.Duration, ratePerSecond float64, burst int) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		tracer:  telemetry.Tracer(),
	}
}

func (f *HTTPFetcher) FetchStatus(ctx context.Context, jobID string) (raw workflow.RawStatus, body []byte, err error) {
	ctx, end := telemetry.StartFetch(ctx, f.tracer, jobID)
	defer func() { end(err) }()
	return f.fetch(ctx, jobID)
}

func (f *HTTPFetcher) fetch(ctx context.Context, jobID string) (workflow.RawStatus, []byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return workflow.RawStatus{}, nil, &FetchError{JobID: jobID, Err: err}
	}

	endpoint := f.baseURL + "/status/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return workflow.RawStatus{}, nil, &FetchError{JobID: jobID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return workflow.RawStatus{}, nil, &FetchError{JobID: jobID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return workflow.RawStatus{}, nil, &FetchError{JobID: jobID, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return workflow.RawStatus{}, nil, &FetchError{
			JobID:      jobID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	raw, err := workflow.DecodeRaw(body)
	if err != nil {
		return workflow.RawStatus{}, nil, &FetchError{JobID: jobID, StatusCode: resp.StatusCode, Err: err}
	}
	return raw, body, nil
}
