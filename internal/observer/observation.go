package observer

import (
	"context"
	"sync"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/clock"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/poller"
	"go-workflow-status/internal/infrastructure/transport"
)

// Option customises one observation.
type Option func(o *Observation)

// WithResilience runs polling next to push for the whole observation instead
// of only while push is down.
func WithResilience(on bool) Option {
	return func(o *Observation) { o.resilient = on }
}

// WithPollOptions overrides the poll interval and attempt budget. Zero fields
// keep the registry defaults.
func WithPollOptions(opts poller.Options) Option {
	return func(o *Observation) {
		if opts.Interval > 0 {
			o.pollOpts.Interval = opts.Interval
		}
		if opts.MaxAttempts > 0 {
			o.pollOpts.MaxAttempts = opts.MaxAttempts
		}
	}
}

// WithOnUpdate registers a callback for every update added to the history.
func WithOnUpdate(cb Callback) Option {
	return func(o *Observation) { o.onUpdate = cb }
}

// Observation is the live status of one job. Push and poll both feed the
// same tracker; the first terminal update is recorded once and stops both.
type Observation struct {
	registry  *Registry
	jobID     string
	topic     string
	resilient bool
	pollOpts  poller.Options
	onUpdate  Callback
	logger    logger.Logger

	mu          sync.Mutex
	tracker     *workflow.Tracker
	updates     []workflow.StatusUpdate
	cancelled   bool
	finished    bool
	unsubscribe func()
	cancelPoll  func()
	expiry      clock.Timer
	done        chan struct{}
}

func newObservation(r *Registry, jobID string, cfg Config) *Observation {
	topic := workflow.GenerationTopic(jobID)
	return &Observation{
		registry:  r,
		jobID:     jobID,
		topic:     topic,
		resilient: cfg.Resilient,
		pollOpts:  cfg.Poll,
		logger:    r.logger.WithField("job_id", jobID),
		tracker:   workflow.NewTracker(topic, jobID),
		done:      make(chan struct{}),
	}
}

func (o *Observation) start() {
	unsubscribe := o.registry.subs.Subscribe(o.topic, o.onFrame)

	o.mu.Lock()
	if o.cancelled || o.finished {
		o.mu.Unlock()
		unsubscribe()
		return
	}
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	state := o.registry.subs.ConnectionState()
	switch {
	case o.resilient:
		o.startPoll("resilient")
	case state != transport.StateConnected:
		o.startPoll("push channel " + string(state))
		// the connection may have come up before the poll was registered
		if o.registry.subs.ConnectionState() == transport.StateConnected {
			o.stopPoll("push channel connected")
		}
	}
}

func (o *Observation) JobID() string { return o.jobID }
func (o *Observation) Topic() string { return o.topic }

// Resilient reports whether polling runs for the whole observation.
func (o *Observation) Resilient() bool { return o.resilient }

func (o *Observation) State() workflow.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker.State()
}

func (o *Observation) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker.Progress()
}

// Terminal reports whether a terminal update was recorded.
func (o *Observation) Terminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker.Terminal()
}

// Updates returns a copy of the history in the order it was recorded.
func (o *Observation) Updates() []workflow.StatusUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]workflow.StatusUpdate(nil), o.updates...)
}

// Latest returns the most recent update.
func (o *Observation) Latest() (workflow.StatusUpdate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.updates) == 0 {
		return workflow.StatusUpdate{}, false
	}
	return o.updates[len(o.updates)-1], true
}

// Polling reports whether a poll task currently feeds the observation.
func (o *Observation) Polling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelPoll != nil
}

// Done is closed once the job reaches a terminal state or the observation is
// cancelled.
func (o *Observation) Done() <-chan struct{} { return o.done }

// Cancel stops both sources and removes the observation from its registry.
// It is idempotent and may be called from inside an update callback. Updates
// arriving after Cancel are dropped; Cancel does not wait for a callback
// already running on another goroutine.
func (o *Observation) Cancel() {
	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return
	}
	o.cancelled = true
	wasFinished := o.finished
	o.finished = true
	unsubscribe, cancelPoll := o.unsubscribe, o.cancelPoll
	o.unsubscribe, o.cancelPoll = nil, nil
	expiry := o.expiry
	o.expiry = nil
	o.mu.Unlock()

	if expiry != nil {
		expiry.Stop()
	}
	release(unsubscribe, cancelPoll)
	if !wasFinished {
		close(o.done)
	}
	o.registry.forget(o)
	o.logger.Debug("observation cancelled")
}

func (o *Observation) onFrame(frame transport.Frame) {
	raw, err := decodeFrame(frame)
	if err != nil {
		o.logger.Warnf("dropping %s frame: %v", frame.Type, err)
		return
	}
	o.record(workflow.Canonicalize(o.topic, o.jobID, raw, workflow.SourcePush, frame.Payload, o.registry.clock.Now()))
}

// record is the merge point of both sources.
func (o *Observation) record(u workflow.StatusUpdate) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	accepted, ok := o.tracker.Accept(u)
	if !ok {
		o.mu.Unlock()
		return
	}
	o.updates = append(o.updates, accepted)

	var unsubscribe, cancelPoll func()
	if accepted.Terminal {
		o.finished = true
		unsubscribe, cancelPoll = o.unsubscribe, o.cancelPoll
		o.unsubscribe, o.cancelPoll = nil, nil
	}
	cb := o.onUpdate
	o.mu.Unlock()

	o.registry.cfg.Metrics.UpdateRecorded(context.Background(), accepted)
	if accepted.Terminal {
		release(unsubscribe, cancelPoll)
		close(o.done)
		o.logger.Infof("job reached %s via %s", accepted.State, accepted.Source)
		o.scheduleExpiry()
	}
	if cb != nil {
		cb(accepted)
	}
}

// scheduleExpiry drops the finished observation from the registry once the
// retention window has passed.
func (o *Observation) scheduleExpiry() {
	d := o.registry.cfg.Retention
	if d <= 0 {
		return
	}
	timer := o.registry.clock.AfterFunc(d, func() {
		o.registry.forget(o)
		o.logger.Debug("finished observation expired")
	})

	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		timer.Stop()
		return
	}
	o.expiry = timer
	o.mu.Unlock()
}

func (o *Observation) startPoll(reason string) {
	if o.registry.isClosed() {
		return
	}
	o.mu.Lock()
	if o.finished || o.cancelPoll != nil {
		o.mu.Unlock()
		return
	}
	// cancelPoll is set under the lock so a concurrent start sees it; the
	// first tick is at least one interval away.
	opts := o.pollOpts
	opts.Baseline = poller.Baseline{State: o.tracker.State(), Progress: o.tracker.Progress()}
	o.cancelPoll = o.registry.polls.Start(o.jobID, opts, o.record)
	o.mu.Unlock()
	o.logger.Infof("polling started: %s", reason)
}

func (o *Observation) stopPoll(reason string) {
	o.mu.Lock()
	cancelPoll := o.cancelPoll
	o.cancelPoll = nil
	o.mu.Unlock()
	if cancelPoll != nil {
		cancelPoll()
		o.logger.Infof("polling stopped: %s", reason)
	}
}

func release(fns ...func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}
