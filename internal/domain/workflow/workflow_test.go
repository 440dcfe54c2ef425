package workflow

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLookup_LabelTable(t *testing.T) {
	cases := []struct {
		label    string
		state    State
		progress int
		terminal bool
	}{
		{"pending", StateQueued, 10, false},
		{"planning", StatePlanning, 25, false},
		{"content_creation", StateGenerating, 60, false},
		{"quality_review", StateReviewing, 85, false},
		{"completed", StateCompleted, 100, true},
		{"failed", StateFailed, 0, true},
		{" Completed ", StateCompleted, 100, true},
		{"rendering", StateUnknown, 0, false},
		{"", StateUnknown, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			state, progress, terminal := Lookup(tc.label)
			assert.Equal(t, tc.state, state)
			assert.Equal(t, tc.progress, progress)
			assert.Equal(t, tc.terminal, terminal)
		})
	}
}

func TestTracker_InitialState(t *testing.T) {
	tr := NewTracker(GenerationTopic("job-1"), "job-1")
	assert.Equal(t, StateUnknown, tr.State())
	assert.Equal(t, 0, tr.Progress())
	assert.False(t, tr.Terminal())
}

func TestTracker_FullLabelSequence(t *testing.T) {
	tr := NewTracker(GenerationTopic("job-1"), "job-1")

	labels := []string{"pending", "planning", "content_creation", "quality_review", "completed"}
	var progress []int
	var terminal []bool
	for _, label := range labels {
		u, ok := tr.Apply(RawStatus{Status: label}, SourcePush, nil, now)
		require.True(t, ok)
		progress = append(progress, u.Progress)
		terminal = append(terminal, u.Terminal)
	}

	assert.Equal(t, []int{10, 25, 60, 85, 100}, progress)
	assert.Equal(t, []bool{false, false, false, false, true}, terminal)
}

func TestTracker_FailedAsFirstUpdate(t *testing.T) {
	tr := NewTracker(GenerationTopic("job-1"), "job-1")

	u, ok := tr.Apply(RawStatus{Status: "failed"}, SourcePush, nil, now)
	require.True(t, ok)
	assert.Equal(t, StateFailed, u.State)
	assert.Equal(t, 0, u.Progress)
	assert.True(t, u.Terminal)
	assert.Empty(t, u.ContentID)
}

func TestTracker_DropsAfterTerminal(t *testing.T) {
	tr := NewTracker(GenerationTopic("job-1"), "job-1")

	_, ok := tr.Apply(RawStatus{Status: "completed"}, SourcePush, nil, now)
	require.True(t, ok)

	_, ok = tr.Apply(RawStatus{Status: "completed"}, SourcePoll, nil, now)
	assert.False(t, ok)
	_, ok = tr.Apply(RawStatus{Status: "planning"}, SourcePush, nil, now)
	assert.False(t, ok)
	_, ok = tr.Exhaust(3, now)
	assert.False(t, ok)
}

func TestTracker_RestartResetsProgress(t *testing.T) {
	tr := NewTracker(GenerationTopic("job-1"), "job-1")

	_, _ = tr.Apply(RawStatus{Status: "quality_review"}, SourcePush, nil, now)
	u, ok := tr.Apply(RawStatus{Status: "pending"}, SourcePush, nil, now)
	require.True(t, ok)
	assert.Equal(t, 85, u.Progress, "regression is clamped without a restart")

	u, ok = tr.Apply(RawStatus{Status: "pending", Restart: true}, SourcePush, nil, now)
	require.True(t, ok)
	assert.Equal(t, 10, u.Progress)
	assert.Equal(t, StateQueued, u.State)
}

func TestTracker_Resume(t *testing.T) {
	tr := NewTracker(GenerationTopic("job-1"), "job-1")
	tr.Resume(StateReviewing, 85)
	assert.Equal(t, StateReviewing, tr.State())
	assert.Equal(t, 85, tr.Progress())

	u, ok := tr.Apply(RawStatus{Status: "planning"}, SourcePush, nil, now)
	require.True(t, ok)
	assert.Equal(t, 85, u.Progress)

	tr.Resume("", 250)
	assert.Equal(t, StateUnknown, tr.State())
	assert.Equal(t, 99, tr.Progress())

	tr.Resume(StateCompleted, 100)
	assert.False(t, tr.Terminal(), "terminal states are not resumed")

	_, _ = tr.Apply(RawStatus{Status: "failed"}, SourcePush, nil, now)
	tr.Resume(StatePlanning, 10)
	assert.Equal(t, StateFailed, tr.State())
}

func TestCanonicalize_CompletedSynthesizesContentID(t *testing.T) {
	u := Canonicalize("generation:job-9", "job-9", RawStatus{Status: "completed"}, SourcePoll, nil, now)
	require.NotEmpty(t, u.ContentID)
	assert.Equal(t, ContentID("job-9"), u.ContentID)
	assert.NotEqual(t, ContentID("job-10"), u.ContentID)

	u = Canonicalize("generation:job-9", "job-9", RawStatus{Status: "completed", ContentID: "course-42"}, SourcePoll, nil, now)
	assert.Equal(t, "course-42", u.ContentID)

	u = Canonicalize("generation:job-9", "job-9", RawStatus{Status: "planning"}, SourcePoll, nil, now)
	assert.Empty(t, u.ContentID)
}

func TestCanonicalize_PayloadProgressNeverCompletes(t *testing.T) {
	p := 100.0
	u := Canonicalize("generation:j", "j", RawStatus{Status: "content_creation", Progress: &p}, SourcePush, nil, now)
	assert.Equal(t, 99, u.Progress)
	assert.False(t, u.Terminal)

	low := 5.0
	u = Canonicalize("generation:j", "j", RawStatus{Status: "content_creation", Progress: &low}, SourcePush, nil, now)
	assert.Equal(t, 60, u.Progress)
}

func TestDecodeRaw_FractionalProgress(t *testing.T) {
	raw, err := DecodeRaw([]byte(`{"status":"completed","progress":99.5}`))
	require.NoError(t, err)
	require.NotNil(t, raw.Progress)
	u := Canonicalize("generation:j", "j", raw, SourcePoll, nil, now)
	assert.Equal(t, StateCompleted, u.State)
	assert.Equal(t, 100, u.Progress)
	assert.True(t, u.Terminal)

	raw, err = DecodeRaw([]byte(`{"status":"content_creation","progress":72.6}`))
	require.NoError(t, err)
	u = Canonicalize("generation:j", "j", raw, SourcePush, nil, now)
	assert.Equal(t, 73, u.Progress)

	raw, err = DecodeRaw([]byte(`{"status":"quality_review","progress":1e3}`))
	require.NoError(t, err)
	u = Canonicalize("generation:j", "j", raw, SourcePush, nil, now)
	assert.Equal(t, 99, u.Progress)
}

func TestCanonicalize_DefaultsMessageAndKeepsRaw(t *testing.T) {
	payload := []byte(`{"status":"planning"}`)
	u := Canonicalize("generation:j", "j", RawStatus{Status: "planning"}, SourcePush, payload, now)
	assert.Equal(t, "Planning course structure", u.Message)
	assert.JSONEq(t, string(payload), string(u.Raw))

	payload[0] = 'x'
	assert.Equal(t, byte('{'), u.Raw[0])
}

func TestSimulator_MonotonicAndBounded(t *testing.T) {
	s := NewSimulator(60)
	prev := s.Progress()
	for i := 0; i < 200; i++ {
		next := s.Next()
		require.GreaterOrEqual(t, next, prev)
		require.LessOrEqual(t, next, SimulationCeiling)
		prev = next
	}
	assert.Equal(t, SimulationCeiling, prev)
}

func TestNewSimulated_NeverTerminal(t *testing.T) {
	u := NewSimulated("generation:j", "j", StateCompleted, 100, now)
	assert.False(t, u.Terminal)
	assert.NotEqual(t, StateCompleted, u.State)
	assert.Equal(t, SimulationCeiling, u.Progress)
}

func TestParseTopic(t *testing.T) {
	kind, id := ParseTopic(GenerationTopic("abc"))
	assert.Equal(t, TopicGeneration, kind)
	assert.Equal(t, "abc", id)

	kind, id = ParseTopic(DocumentTopic("doc-1"))
	assert.Equal(t, TopicDocument, kind)
	assert.Equal(t, "doc-1", id)

	kind, _ = ParseTopic(NotificationsTopic)
	assert.Equal(t, TopicNotifications, kind)
}

func TestTrackerMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	labels := []string{"pending", "planning", "content_creation", "quality_review", "mystery", "completed", "failed"}

	properties.Property("non-terminal progress never decreases", prop.ForAll(
		func(indexes []int) bool {
			tr := NewTracker("generation:p", "p")
			last := 0
			for _, i := range indexes {
				u, ok := tr.Apply(RawStatus{Status: labels[i]}, SourcePush, nil, now)
				if !ok {
					continue
				}
				if !u.Terminal && u.Progress < last {
					return false
				}
				last = u.Progress
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(labels)-1)),
	))

	properties.TestingRun(t)
}
