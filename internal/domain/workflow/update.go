package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Source identifies which producer created a StatusUpdate.
type Source string

const (
	SourcePush      Source = "push"
	SourcePoll      Source = "poll"
	SourceSimulated Source = "simulated"
	// SourceSynthetic marks updates created locally rather than reported,
	// such as the exhaustion notice.
	SourceSynthetic Source = "synthetic"
)

// RawStatus is the status body shared by push payloads and the HTTP status
// endpoint. Backends report progress as any JSON number.
type RawStatus struct {
	Status       string   `json:"status"`
	Progress     *float64 `json:"progress,omitempty"`
	Message      string   `json:"message,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	ContentID    string   `json:"content_id,omitempty"`
	Restart      bool     `json:"restart,omitempty"`
}

// DecodeRaw parses a status payload. An empty payload yields a zero
// RawStatus, which canonicalises to StateUnknown.
func DecodeRaw(payload []byte) (RawStatus, error) {
	var raw RawStatus
	if len(bytes.TrimSpace(payload)) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RawStatus{}, fmt.Errorf("decode status payload: %w", err)
	}
	return raw, nil
}

// StatusUpdate is the canonical, channel-agnostic status value consumers
// observe. It is passed by value and never modified after construction.
type StatusUpdate struct {
	Topic        string          `json:"topic"`
	JobID        string          `json:"job_id"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Terminal     bool            `json:"terminal"`
	Message      string          `json:"message,omitempty"`
	ContentID    string          `json:"content_id,omitempty"`
	QualityScore *float64        `json:"quality_score,omitempty"`
	Restarted    bool            `json:"restarted,omitempty"`
	Source       Source          `json:"source"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Canonicalize runs one raw status through the label table. It is stateless;
// monotonicity across updates is the Tracker's job.
func Canonicalize(topic, jobID string, raw RawStatus, src Source, payload []byte, now time.Time) StatusUpdate {
	state, progress, terminal := Lookup(raw.Status)

	if !terminal && raw.Progress != nil {
		p := clamp(roundProgress(*raw.Progress), 0, 99)
		if p > progress {
			progress = p
		}
	}

	message := raw.Message
	if message == "" {
		message = defaultMessage(raw.Status)
	}

	u := StatusUpdate{
		Topic:        topic,
		JobID:        jobID,
		State:        state,
		Progress:     progress,
		Terminal:     terminal,
		Message:      message,
		QualityScore: raw.QualityScore,
		Restarted:    raw.Restart,
		Source:       src,
		Raw:          cloneRaw(payload),
		Timestamp:    now,
	}

	if state == StateCompleted {
		u.ContentID = raw.ContentID
		if u.ContentID == "" {
			u.ContentID = ContentID(jobID)
		}
	}
	return u
}

// NewExhausted builds the terminal notice emitted when polling runs out of
// attempts. progress carries the last value the consumer saw.
func NewExhausted(topic, jobID string, attempts, progress int, now time.Time) StatusUpdate {
	return StatusUpdate{
		Topic:     topic,
		JobID:     jobID,
		State:     StateExhausted,
		Progress:  progress,
		Terminal:  true,
		Message:   fmt.Sprintf("No final status after %d attempts", attempts),
		Source:    SourceSynthetic,
		Timestamp: now,
	}
}

// NewSimulated builds a non-terminal "still working" update. Simulated
// updates never report completion.
func NewSimulated(topic, jobID string, state State, progress int, now time.Time) StatusUpdate {
	if state.IsTerminal() {
		state = StateUnknown
	}
	return StatusUpdate{
		Topic:     topic,
		JobID:     jobID,
		State:     state,
		Progress:  clamp(progress, 0, SimulationCeiling),
		Message:   "Still working",
		Source:    SourceSimulated,
		Timestamp: now,
	}
}

// roundProgress converts a reported progress to whole percent. NaN and
// infinities count as no progress.
func roundProgress(p float64) int {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(p, 100))))
}

var contentNamespace = uuid.NameSpaceURL

// ContentID derives the content identifier assigned to a completed job that
// did not report one. The same job id always yields the same identifier.
func ContentID(jobID string) string {
	return uuid.NewSHA1(contentNamespace, []byte("urn:course-content:"+jobID)).String()
}

func cloneRaw(payload []byte) json.RawMessage {
	if len(payload) == 0 || !json.Valid(payload) {
		return nil
	}
	out := make(json.RawMessage, len(payload))
	copy(out, payload)
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
