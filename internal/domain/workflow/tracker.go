package workflow

import "time"

// Tracker holds the last accepted state of one job and enforces the
// ordering rules on everything that follows: progress never decreases while
// the job is running, and nothing is accepted after a terminal update unless
// the job restarts.
//
// A Tracker is not safe for concurrent use; owners serialise access.
type Tracker struct {
	topic    string
	jobID    string
	state    State
	progress int
	terminal bool
}

// NewTracker returns a tracker in the initial state: Unknown, progress 0,
// non-terminal.
func NewTracker(topic, jobID string) *Tracker {
	return &Tracker{
		topic: topic,
		jobID: jobID,
		state: StateUnknown,
	}
}

func (t *Tracker) State() State   { return t.state }
func (t *Tracker) Progress() int  { return t.progress }
func (t *Tracker) Terminal() bool { return t.terminal }
func (t *Tracker) JobID() string  { return t.jobID }
func (t *Tracker) Topic() string  { return t.topic }

// Apply canonicalises raw and accepts the result.
func (t *Tracker) Apply(raw RawStatus, src Source, payload []byte, now time.Time) (StatusUpdate, bool) {
	return t.Accept(Canonicalize(t.topic, t.jobID, raw, src, payload, now))
}

// Accept merges an already canonical update. It returns false when the
// update must be dropped because the job already reached a terminal state.
// Non-terminal progress lower than the current value is raised to it.
func (t *Tracker) Accept(u StatusUpdate) (StatusUpdate, bool) {
	if u.Restarted {
		t.state = StateUnknown
		t.progress = 0
		t.terminal = false
	}
	if t.terminal {
		return StatusUpdate{}, false
	}

	if !u.Terminal && u.Progress < t.progress {
		u.Progress = t.progress
	}

	t.state = u.State
	t.progress = u.Progress
	t.terminal = u.Terminal
	return u, true
}

// Resume continues from a status accepted elsewhere, such as the push
// channel a poll task takes over from. It is ignored once the tracker is
// terminal and for terminal states.
func (t *Tracker) Resume(state State, progress int) {
	if t.terminal || state.IsTerminal() {
		return
	}
	if state == "" {
		state = StateUnknown
	}
	t.state = state
	t.progress = clamp(progress, 0, 99)
}

// Exhaust latches the tracker with an Exhausted update carrying the current
// progress.
func (t *Tracker) Exhaust(attempts int, now time.Time) (StatusUpdate, bool) {
	return t.Accept(NewExhausted(t.topic, t.jobID, attempts, t.progress, now))
}
