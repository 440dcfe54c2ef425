package inbound

import (
	"context"
	"errors"
	"time"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/transport"
)

var (
	ErrJobNotFound      = errors.New("job is not observed")
	ErrDocumentNotFound = errors.New("document is not watched")
)

// ObserveCommand starts observing a job. Zero values fall back to the relay
// defaults.
type ObserveCommand struct {
	JobID       string
	Resilient   *bool
	Interval    time.Duration
	MaxAttempts int
}

// JobView is a snapshot of one observation.
type JobView struct {
	JobID     string                  `json:"job_id"`
	Topic     string                  `json:"topic"`
	State     workflow.State          `json:"state"`
	Progress  int                     `json:"progress"`
	Terminal  bool                    `json:"terminal"`
	Resilient bool                    `json:"resilient"`
	Polling   bool                    `json:"polling"`
	Latest    *workflow.StatusUpdate  `json:"latest,omitempty"`
	Updates   []workflow.StatusUpdate `json:"updates"`
}

// TransportView reports the backend connection and subscription counts.
type TransportView struct {
	transport.Status
	Subscriptions int      `json:"subscriptions"`
	Topics        []string `json:"topics"`
	Observations  int      `json:"observations"`
}

type StatusRelayUseCase interface {
	// Observe starts an observation, or returns the live one for the job.
	// created is false when an existing observation was returned.
	Observe(ctx context.Context, cmd ObserveCommand) (view JobView, created bool, err error)
	Job(ctx context.Context, jobID string) (JobView, error)
	Cancel(ctx context.Context, jobID string) error
	WatchDocument(ctx context.Context, docID string) error
	UnwatchDocument(ctx context.Context, docID string) error
	Transport(ctx context.Context) TransportView
}
