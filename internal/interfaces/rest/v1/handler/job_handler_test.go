package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/transport"
	"go-workflow-status/internal/observer"
	"go-workflow-status/internal/port/inbound"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRelay struct {
	lastCmd    inbound.ObserveCommand
	created    bool
	jobs       map[string]inbound.JobView
	docs       map[string]bool
	observeErr error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{jobs: map[string]inbound.JobView{}, docs: map[string]bool{}, created: true}
}

func (f *fakeRelay) Observe(ctx context.Context, cmd inbound.ObserveCommand) (inbound.JobView, bool, error) {
	f.lastCmd = cmd
	if f.observeErr != nil {
		return inbound.JobView{}, false, f.observeErr
	}
	v := inbound.JobView{JobID: cmd.JobID, Topic: workflow.GenerationTopic(cmd.JobID), State: workflow.StateUnknown}
	f.jobs[cmd.JobID] = v
	return v, f.created, nil
}

func (f *fakeRelay) Job(ctx context.Context, jobID string) (inbound.JobView, error) {
	v, ok := f.jobs[jobID]
	if !ok {
		return inbound.JobView{}, inbound.ErrJobNotFound
	}
	return v, nil
}

func (f *fakeRelay) Cancel(ctx context.Context, jobID string) error {
	if _, ok := f.jobs[jobID]; !ok {
		return inbound.ErrJobNotFound
	}
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeRelay) WatchDocument(ctx context.Context, docID string) error {
	f.docs[docID] = true
	return nil
}

func (f *fakeRelay) UnwatchDocument(ctx context.Context, docID string) error {
	if !f.docs[docID] {
		return inbound.ErrDocumentNotFound
	}
	delete(f.docs, docID)
	return nil
}

func (f *fakeRelay) Transport(ctx context.Context) inbound.TransportView {
	return inbound.TransportView{
		Status:        transport.Status{State: transport.StateConnected},
		Subscriptions: len(f.jobs) + len(f.docs),
		Observations:  len(f.jobs),
	}
}

func newTestEngine(relay inbound.StatusRelayUseCase) *gin.Engine {
	r := gin.New()
	InitJobRouter(logger.NewDiscardLogger(), relay, r.Group(""))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJobHandler_Observe(t *testing.T) {
	relay := newFakeRelay()
	r := newTestEngine(relay)

	w := do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", `{"resilient":true,"interval_ms":500,"max_attempts":3}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var view inbound.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "job-1", view.JobID)
	assert.Equal(t, "generation:job-1", view.Topic)

	require.NotNil(t, relay.lastCmd.Resilient)
	assert.True(t, *relay.lastCmd.Resilient)
	assert.Equal(t, 500*time.Millisecond, relay.lastCmd.Interval)
	assert.Equal(t, 3, relay.lastCmd.MaxAttempts)

	relay.created = false
	w = do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, relay.lastCmd.Resilient)
}

func TestJobHandler_ObserveValidation(t *testing.T) {
	relay := newFakeRelay()
	r := newTestEngine(relay)

	w := do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", `{"interval_ms":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	relay.observeErr = observer.ErrEmptyJobID
	w = do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	relay.observeErr = observer.ErrRegistryClosed
	w = do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	relay.observeErr = errors.New("boom")
	w = do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobHandler_GetAndCancel(t *testing.T) {
	relay := newFakeRelay()
	r := newTestEngine(relay)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/job-9", "").Code)

	do(r, http.MethodPost, "/api/v1/jobs/job-9/observe", "")
	w := do(r, http.MethodGet, "/api/v1/jobs/job-9", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"job_id":"job-9"`)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/v1/jobs/job-9", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/v1/jobs/job-9", "").Code)
}

func TestJobHandler_Documents(t *testing.T) {
	relay := newFakeRelay()
	r := newTestEngine(relay)

	w := do(r, http.MethodPost, "/api/v1/documents/doc-1/watch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"watching":true`)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/v1/documents/doc-1/watch", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/v1/documents/doc-1/watch", "").Code)
}

func TestJobHandler_Transport(t *testing.T) {
	relay := newFakeRelay()
	r := newTestEngine(relay)
	do(r, http.MethodPost, "/api/v1/jobs/job-1/observe", "")

	w := do(r, http.MethodGet, "/api/v1/transport", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "connected", body["state"])
	assert.EqualValues(t, 1, body["observations"])
}
