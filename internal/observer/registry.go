// Package observer is the consumption API for job status. It merges the push
// channel and the polling fallback into one ordered history per job.
package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/clock"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/poller"
	"go-workflow-status/internal/infrastructure/router"
	"go-workflow-status/internal/infrastructure/telemetry"
	"go-workflow-status/internal/infrastructure/transport"
)

var (
	ErrEmptyJobID     = errors.New("observer: job id is required")
	ErrEmptyDocID     = errors.New("observer: document id is required")
	ErrRegistryClosed = errors.New("observer: registry closed")
)

// Subscriber is the part of the router observers use.
type Subscriber interface {
	Subscribe(topic string, listener router.Listener) func()
	WatchState(fn router.StateWatcher) func()
	ConnectionState() transport.State
}

// Poller starts polling fallback tasks.
type Poller interface {
	Start(jobID string, opts poller.Options, emit poller.EmitFunc) func()
}

// Config holds the defaults applied to every observation.
type Config struct {
	Resilient bool
	Poll      poller.Options
	// Retention is how long a finished observation stays registered. Zero or
	// less keeps it until it is cancelled or replaced.
	Retention time.Duration
	// Metrics, when set, counts recorded updates and connection states.
	Metrics *telemetry.Metrics
}

// Callback receives canonical updates.
type Callback func(update workflow.StatusUpdate)

// Registry creates observations and plain topic subscriptions and owns them
// until they are cancelled or the registry is closed.
type Registry struct {
	subs   Subscriber
	polls  Poller
	clock  clock.Clock
	logger logger.Logger
	cfg    Config

	mu           sync.Mutex
	observations map[string]*Observation
	handles      map[uint64]func()
	nextHandle   uint64
	closed       bool
	stopWatch    func()
}

func NewRegistry(subs Subscriber, polls Poller, clk clock.Clock, cfg Config, log logger.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	r := &Registry{
		subs:         subs,
		polls:        polls,
		clock:        clk,
		logger:       log.WithField("component", "observer"),
		cfg:          cfg,
		observations: make(map[string]*Observation),
		handles:      make(map[uint64]func()),
	}
	r.stopWatch = subs.WatchState(r.onStateChange)
	return r
}

// Observe starts observing jobID. A live observation of the same job is
// cancelled and replaced.
func (r *Registry) Observe(jobID string, opts ...Option) (*Observation, error) {
	if jobID == "" {
		return nil, ErrEmptyJobID
	}

	o := newObservation(r, jobID, r.cfg)
	for _, opt := range opts {
		opt(o)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	prev := r.observations[jobID]
	r.observations[jobID] = o
	r.mu.Unlock()

	if prev != nil {
		prev.logger.Debug("replaced by a new observation")
		prev.Cancel()
	}

	o.start()
	return o, nil
}

// Lookup returns the observation registered for jobID, if any. Finished
// observations stay registered for Config.Retention so their history can be
// read.
func (r *Registry) Lookup(jobID string) (*Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observations[jobID]
	return o, ok
}

// Len returns the number of registered observations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observations)
}

// SubscribeToGeneration delivers the push updates of one job to cb. Unlike
// Observe it never polls.
func (r *Registry) SubscribeToGeneration(jobID string, cb Callback) (func(), error) {
	if jobID == "" {
		return nil, ErrEmptyJobID
	}
	return r.subscribe(workflow.GenerationTopic(jobID), jobID, true, cb)
}

// SubscribeToDocument delivers the updates of one document to cb.
func (r *Registry) SubscribeToDocument(docID string, cb Callback) (func(), error) {
	if docID == "" {
		return nil, ErrEmptyDocID
	}
	return r.subscribe(workflow.DocumentTopic(docID), docID, true, cb)
}

// SubscribeToNotifications delivers account notifications to cb.
// Notifications are independent events, so no ordering rules apply.
func (r *Registry) SubscribeToNotifications(cb Callback) (func(), error) {
	return r.subscribe(workflow.NotificationsTopic, "", false, cb)
}

func (r *Registry) subscribe(topic, id string, tracked bool, cb Callback) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.nextHandle++
	handle := r.nextHandle
	r.mu.Unlock()

	var (
		mu        sync.Mutex
		tracker   *workflow.Tracker
		cancelled bool
	)
	if tracked {
		tracker = workflow.NewTracker(topic, id)
	}
	log := r.logger.WithField("topic", topic)

	unsubscribe := r.subs.Subscribe(topic, func(frame transport.Frame) {
		raw, err := decodeFrame(frame)
		if err != nil {
			log.Warnf("dropping %s frame: %v", frame.Type, err)
			return
		}
		u := workflow.Canonicalize(topic, id, raw, workflow.SourcePush, frame.Payload, r.clock.Now())

		mu.Lock()
		if cancelled {
			mu.Unlock()
			return
		}
		if tracker != nil {
			var ok bool
			if u, ok = tracker.Accept(u); !ok {
				mu.Unlock()
				return
			}
		}
		mu.Unlock()
		cb(u)
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			unsubscribe()
			r.mu.Lock()
			delete(r.handles, handle)
			r.mu.Unlock()
		})
	}

	r.mu.Lock()
	r.handles[handle] = cancel
	r.mu.Unlock()
	return cancel, nil
}

// Close cancels every observation and subscription. Later calls to Observe
// or the Subscribe functions return ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	observations := make([]*Observation, 0, len(r.observations))
	for _, o := range r.observations {
		observations = append(observations, o)
	}
	handles := make([]func(), 0, len(r.handles))
	for _, cancel := range r.handles {
		handles = append(handles, cancel)
	}
	r.mu.Unlock()

	for _, o := range observations {
		o.Cancel()
	}
	for _, cancel := range handles {
		cancel()
	}
	r.stopWatch()
	r.logger.Infof("closed %d observations and %d subscriptions", len(observations), len(handles))
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) forget(o *Observation) {
	r.mu.Lock()
	if r.observations[o.jobID] == o {
		delete(r.observations, o.jobID)
	}
	r.mu.Unlock()
}

// onStateChange moves live observations between push and poll as the
// connection degrades and recovers.
func (r *Registry) onStateChange(state transport.State) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	observations := make([]*Observation, 0, len(r.observations))
	for _, o := range r.observations {
		observations = append(observations, o)
	}
	r.mu.Unlock()

	r.cfg.Metrics.StateChanged(context.Background(), string(state))

	switch state {
	case transport.StateDisconnected, transport.StateUnreachable:
		for _, o := range observations {
			o.startPoll("push channel " + string(state))
		}
	case transport.StateConnected:
		for _, o := range observations {
			if !o.resilient {
				o.stopPoll("push channel recovered")
			}
		}
	}
}

// FrameRestarted is the push frame type announcing that a job was restarted
// and its history starts over.
const FrameRestarted = "restarted"

func decodeFrame(frame transport.Frame) (workflow.RawStatus, error) {
	raw, err := workflow.DecodeRaw(frame.Payload)
	if err != nil {
		return raw, err
	}
	if frame.Type == FrameRestarted {
		raw.Restart = true
	}
	return raw, nil
}
