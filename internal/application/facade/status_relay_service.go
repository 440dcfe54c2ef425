package facade

import (
	"context"
	"errors"
	"sync"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/poller"
	"go-workflow-status/internal/infrastructure/transport"
	"go-workflow-status/internal/observer"
	"go-workflow-status/internal/port/inbound"
)

// Observer is the part of the observer registry the relay uses.
type Observer interface {
	Observe(jobID string, opts ...observer.Option) (*observer.Observation, error)
	Lookup(jobID string) (*observer.Observation, bool)
	Len() int
	SubscribeToDocument(docID string, cb observer.Callback) (func(), error)
	SubscribeToNotifications(cb observer.Callback) (func(), error)
	Close()
}

// Publisher delivers messages to browser connections.
type Publisher interface {
	Publish(ctx context.Context, message *hub.Message) error
}

// TransportInspector reports on the backend connection.
type TransportInspector interface {
	ConnectionStatus() transport.Status
	SubscriptionCount() int
	Topics() []string
}

// StatusRelayApplicationService observes jobs on behalf of browsers and
// publishes every recorded update to the hub on its topic.
type StatusRelayApplicationService struct {
	observer  Observer
	publisher Publisher
	transport TransportInspector
	logger    logger.Logger

	mu            sync.Mutex
	documents     map[string]func()
	notifications func()
}

var _ inbound.StatusRelayUseCase = (*StatusRelayApplicationService)(nil)

func NewStatusRelayApplicationService(
	obs Observer,
	publisher Publisher,
	inspector TransportInspector,
	log logger.Logger,
) *StatusRelayApplicationService {
	return &StatusRelayApplicationService{
		observer:  obs,
		publisher: publisher,
		transport: inspector,
		logger:    log.WithField("component", "relay"),
		documents: make(map[string]func()),
	}
}

// Start forwards account notifications to the hub.
func (s *StatusRelayApplicationService) Start() error {
	cancel, err := s.observer.SubscribeToNotifications(s.publish)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.notifications = cancel
	s.mu.Unlock()
	return nil
}

// Close cancels every watch and observation.
func (s *StatusRelayApplicationService) Close() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.documents)+1)
	for id, cancel := range s.documents {
		cancels = append(cancels, cancel)
		delete(s.documents, id)
	}
	if s.notifications != nil {
		cancels = append(cancels, s.notifications)
		s.notifications = nil
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.observer.Close()
}

func (s *StatusRelayApplicationService) Observe(ctx context.Context, cmd inbound.ObserveCommand) (inbound.JobView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.observer.Lookup(cmd.JobID); ok && !o.Terminal() {
		return viewOf(o), false, nil
	}

	opts := []observer.Option{
		observer.WithPollOptions(poller.Options{Interval: cmd.Interval, MaxAttempts: cmd.MaxAttempts}),
		observer.WithOnUpdate(s.publish),
	}
	if cmd.Resilient != nil {
		opts = append(opts, observer.WithResilience(*cmd.Resilient))
	}

	o, err := s.observer.Observe(cmd.JobID, opts...)
	if err != nil {
		return inbound.JobView{}, false, err
	}
	s.logger.Infof("observing job %s (resilient=%v)", cmd.JobID, o.Resilient())
	return viewOf(o), true, nil
}

func (s *StatusRelayApplicationService) Job(ctx context.Context, jobID string) (inbound.JobView, error) {
	o, ok := s.observer.Lookup(jobID)
	if !ok {
		return inbound.JobView{}, inbound.ErrJobNotFound
	}
	return viewOf(o), nil
}

func (s *StatusRelayApplicationService) Cancel(ctx context.Context, jobID string) error {
	o, ok := s.observer.Lookup(jobID)
	if !ok {
		return inbound.ErrJobNotFound
	}
	o.Cancel()
	s.logger.Infof("stopped observing job %s", jobID)
	return nil
}

func (s *StatusRelayApplicationService) WatchDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[docID]; ok {
		return nil
	}
	cancel, err := s.observer.SubscribeToDocument(docID, s.publish)
	if err != nil {
		return err
	}
	s.documents[docID] = cancel
	return nil
}

func (s *StatusRelayApplicationService) UnwatchDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	cancel, ok := s.documents[docID]
	delete(s.documents, docID)
	s.mu.Unlock()

	if !ok {
		return inbound.ErrDocumentNotFound
	}
	cancel()
	return nil
}

func (s *StatusRelayApplicationService) Transport(ctx context.Context) inbound.TransportView {
	return inbound.TransportView{
		Status:        s.transport.ConnectionStatus(),
		Subscriptions: s.transport.SubscriptionCount(),
		Topics:        s.transport.Topics(),
		Observations:  s.observer.Len(),
	}
}

func (s *StatusRelayApplicationService) publish(update workflow.StatusUpdate) {
	err := s.publisher.Publish(context.Background(), hub.StatusMessage(update))
	switch {
	case err == nil:
	case errors.Is(err, hub.ErrHubNotRunning):
		s.logger.Debugf("hub stopped, update on %s not relayed", update.Topic)
	default:
		s.logger.Warnf("relay update on %s: %v", update.Topic, err)
	}
}

func viewOf(o *observer.Observation) inbound.JobView {
	v := inbound.JobView{
		JobID:     o.JobID(),
		Topic:     o.Topic(),
		State:     o.State(),
		Progress:  o.Progress(),
		Terminal:  o.Terminal(),
		Resilient: o.Resilient(),
		Polling:   o.Polling(),
		Updates:   o.Updates(),
	}
	if latest, ok := o.Latest(); ok {
		v.Latest = &latest
	}
	return v
}
