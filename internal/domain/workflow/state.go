// Package workflow maps raw generation-job status labels onto one canonical
// shape shared by the push and poll delivery channels.
package workflow

import "strings"

// State is the canonical state of a generation job.
type State string

const (
	StateUnknown    State = "unknown"
	StateQueued     State = "queued"
	StatePlanning   State = "planning"
	StateGenerating State = "generating"
	StateReviewing  State = "reviewing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	// StateExhausted is produced locally when polling gives up without a
	// terminal answer from the backend. It is never reported by the server.
	StateExhausted State = "exhausted"
)

// Raw labels reported by the generation backend.
const (
	LabelPending         = "pending"
	LabelPlanning        = "planning"
	LabelContentCreation = "content_creation"
	LabelQualityReview   = "quality_review"
	LabelCompleted       = "completed"
	LabelFailed          = "failed"
)

type stage struct {
	state    State
	progress int
	terminal bool
	message  string
}

var stages = map[string]stage{
	LabelPending:         {StateQueued, 10, false, "Generation queued"},
	LabelPlanning:        {StatePlanning, 25, false, "Planning course structure"},
	LabelContentCreation: {StateGenerating, 60, false, "Generating course content"},
	LabelQualityReview:   {StateReviewing, 85, false, "Reviewing content quality"},
	LabelCompleted:       {StateCompleted, 100, true, "Course generation completed"},
	LabelFailed:          {StateFailed, 0, true, "Course generation failed"},
}

// Lookup maps a raw label to its canonical state, stage progress and
// terminality. Unrecognised labels map to StateUnknown, progress 0,
// non-terminal.
func Lookup(label string) (State, int, bool) {
	s, ok := stages[normalizeLabel(label)]
	if !ok {
		return StateUnknown, 0, false
	}
	return s.state, s.progress, s.terminal
}

// IsTerminal reports whether no further updates are expected after s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExhausted:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }

func defaultMessage(label string) string {
	if s, ok := stages[normalizeLabel(label)]; ok {
		return s.message
	}
	return ""
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
