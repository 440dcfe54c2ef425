// Package poller runs the HTTP polling fallback for generation jobs.
package poller

import (
	"context"
	"sync"
	"time"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/clock"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/telemetry"
)

// Options bound one polling loop.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// Baseline is the status the task continues from. Polled and simulated
	// progress never drops below it.
	Baseline Baseline
}

// Baseline is the last status the caller accepted before polling began.
type Baseline struct {
	State    workflow.State
	Progress int
}

func DefaultOptions() Options {
	return Options{
		Interval:    2 * time.Second,
		MaxAttempts: 60,
	}
}

// EmitFunc receives every update a poll task produces.
type EmitFunc func(update workflow.StatusUpdate)

// Engine owns the poll tasks. At most one task runs per job id.
type Engine struct {
	fetcher  Fetcher
	clock    clock.Clock
	logger   logger.Logger
	defaults Options
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	tasks map[string]*task
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithMetrics counts fetch outcomes on m.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(fetcher Fetcher, clk clock.Clock, defaults Options, log logger.Logger, opts ...EngineOption) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	d := DefaultOptions()
	if defaults.Interval > 0 {
		d.Interval = defaults.Interval
	}
	if defaults.MaxAttempts > 0 {
		d.MaxAttempts = defaults.MaxAttempts
	}
	e := &Engine{
		fetcher:  fetcher,
		clock:    clk,
		logger:   log.WithField("component", "poller"),
		defaults: d,
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Defaults returns the options used for zero fields passed to Start.
func (e *Engine) Defaults() Options { return e.defaults }

// Start begins polling jobID. The first fetch happens one interval after
// Start. An existing task for the same job is cancelled and replaced. The
// returned cancel function is idempotent, may be called from inside emit,
// and may be called after the task finished on its own.
func (e *Engine) Start(jobID string, opts Options, emit EmitFunc) func() {
	if opts.Interval <= 0 {
		opts.Interval = e.defaults.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = e.defaults.MaxAttempts
	}

	tracker := workflow.NewTracker(workflow.GenerationTopic(jobID), jobID)
	tracker.Resume(opts.Baseline.State, opts.Baseline.Progress)

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		engine:  e,
		jobID:   jobID,
		topic:   workflow.GenerationTopic(jobID),
		opts:    opts,
		emit:    emit,
		ctx:     ctx,
		cancel:  cancel,
		tracker: tracker,
		sim:     workflow.NewSimulator(tracker.Progress()),
		logger:  e.logger.WithField("job_id", jobID),
	}

	e.mu.Lock()
	prev := e.tasks[jobID]
	e.tasks[jobID] = t
	e.mu.Unlock()

	if prev != nil {
		prev.logger.Debug("replacing poll task")
		prev.stop()
	}

	t.mu.Lock()
	t.timer = e.clock.AfterFunc(opts.Interval, t.tick)
	t.mu.Unlock()

	t.logger.Debugf("polling every %s, at most %d attempts", opts.Interval, opts.MaxAttempts)
	return t.stop
}

// Active reports whether a task is polling jobID.
func (e *Engine) Active(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[jobID]
	return ok
}

// ActiveCount returns the number of running tasks.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// StopAll cancels every task.
func (e *Engine) StopAll() {
	e.mu.Lock()
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
}

func (e *Engine) remove(t *task) {
	e.mu.Lock()
	if e.tasks[t.jobID] == t {
		delete(e.tasks, t.jobID)
	}
	e.mu.Unlock()
}

// task is one polling loop for one job.
type task struct {
	engine *Engine
	jobID  string
	topic  string
	opts   Options
	emit   EmitFunc
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	// tracker and sim are only touched by tick, which never runs
	// concurrently with itself.
	tracker *workflow.Tracker
	sim     *workflow.Simulator

	mu      sync.Mutex
	attempt int
	timer   clock.Timer
	stopped bool
}

func (t *task) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()

	raw, payload, err := t.engine.fetcher.FetchStatus(t.ctx, t.jobID)
	now := t.engine.clock.Now()

	var update workflow.StatusUpdate
	if err != nil {
		t.engine.metrics.FetchDone(t.ctx, telemetry.OutcomeError)
		t.logger.Debugf("attempt %d/%d: %v, simulating progress", attempt, t.opts.MaxAttempts, err)
		t.sim.Observe(t.tracker.Progress())
		update = workflow.NewSimulated(t.topic, t.jobID, t.tracker.State(), t.sim.Next(), now)
	} else {
		t.engine.metrics.FetchDone(t.ctx, telemetry.OutcomeOK)
		update = workflow.Canonicalize(t.topic, t.jobID, raw, workflow.SourcePoll, payload, now)
	}

	accepted, ok := t.tracker.Accept(update)
	if ok {
		t.sim.Observe(accepted.Progress)
		if !t.deliver(accepted) {
			return
		}
		if accepted.Terminal {
			t.finish()
			return
		}
	}

	if attempt >= t.opts.MaxAttempts {
		if exhausted, ok := t.tracker.Exhaust(attempt, now); ok {
			t.logger.Infof("no final status after %d attempts", attempt)
			t.deliver(exhausted)
		}
		t.finish()
		return
	}

	t.mu.Lock()
	if !t.stopped {
		t.timer = t.engine.clock.AfterFunc(t.opts.Interval, t.tick)
	}
	t.mu.Unlock()
}

// deliver emits u unless the task was stopped. It reports whether the task
// is still running afterwards; emit may stop it.
func (t *task) deliver(u workflow.StatusUpdate) bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}

	t.emit(u)

	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

func (t *task) finish() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
	t.engine.remove(t)
}

func (t *task) stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.cancel()
	t.engine.remove(t)
}
