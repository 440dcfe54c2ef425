package facade

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/clock"
	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/poller"
	"go-workflow-status/internal/infrastructure/router"
	"go-workflow-status/internal/infrastructure/transport"
	"go-workflow-status/internal/observer"
	"go-workflow-status/internal/port/inbound"
)

func TestRelay_ObservePublishesUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, created, err := f.svc.Observe(ctx, inbound.ObserveCommand{JobID: "job-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "generation:job-1", view.Topic)
	assert.Equal(t, workflow.StateUnknown, view.State)

	again, created, err := f.svc.Observe(ctx, inbound.ObserveCommand{JobID: "job-1"})
	require.NoError(t, err)
	assert.False(t, created, "live observation is reused")
	assert.Equal(t, view.JobID, again.JobID)

	f.push("generation:job-1", `{"status":"planning"}`)
	f.push("generation:job-1", `{"status":"completed"}`)

	msgs := f.pub.list()
	require.Len(t, msgs, 2)
	assert.Equal(t, "generation:job-1", msgs[0].Topic)
	assert.Equal(t, string(hub.MessageTypeStatus), msgs[1].Type)
	assert.Equal(t, "true", msgs[1].Headers["terminal"])

	view, err = f.svc.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, view.Terminal)
	assert.Equal(t, 100, view.Progress)
	require.NotNil(t, view.Latest)
	assert.Equal(t, workflow.StateCompleted, view.Latest.State)
	assert.Len(t, view.Updates, 2)

	_, created, err = f.svc.Observe(ctx, inbound.ObserveCommand{JobID: "job-1"})
	require.NoError(t, err)
	assert.True(t, created, "a finished job can be observed again")
}

func TestRelay_ObserveOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resilient := true

	view, _, err := f.svc.Observe(ctx, inbound.ObserveCommand{
		JobID:       "job-2",
		Resilient:   &resilient,
		Interval:    500 * time.Millisecond,
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	assert.True(t, view.Resilient)
	assert.True(t, view.Polling)

	f.clock.Advance(500 * time.Millisecond)
	view, err = f.svc.Job(ctx, "job-2")
	require.NoError(t, err)
	require.Len(t, view.Updates, 2)
	assert.Equal(t, workflow.StateExhausted, view.Updates[1].State)
}

func TestRelay_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Observe(ctx, inbound.ObserveCommand{})
	assert.ErrorIs(t, err, observer.ErrEmptyJobID)

	_, err = f.svc.Job(ctx, "missing")
	assert.ErrorIs(t, err, inbound.ErrJobNotFound)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), inbound.ErrJobNotFound)
	assert.ErrorIs(t, f.svc.UnwatchDocument(ctx, "missing"), inbound.ErrDocumentNotFound)
}

func TestRelay_CancelAndTransport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Observe(ctx, inbound.ObserveCommand{JobID: "job-3"})
	require.NoError(t, err)
	require.NoError(t, f.svc.WatchDocument(ctx, "doc-1"))
	require.NoError(t, f.svc.WatchDocument(ctx, "doc-1"))

	tv := f.svc.Transport(ctx)
	assert.Equal(t, transport.StateConnected, tv.State)
	assert.Equal(t, 1, tv.Observations)
	assert.Equal(t, 3, tv.Subscriptions, "job, document and notifications")
	assert.ElementsMatch(t, []string{"generation:job-3", "document:doc-1", "notifications"}, tv.Topics)

	require.NoError(t, f.svc.Cancel(ctx, "job-3"))
	require.NoError(t, f.svc.UnwatchDocument(ctx, "doc-1"))
	tv = f.svc.Transport(ctx)
	assert.Equal(t, 0, tv.Observations)
	assert.Equal(t, 1, tv.Subscriptions)
}

func TestRelay_ForwardsDocumentsAndNotifications(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.WatchDocument(context.Background(), "doc-7"))

	f.push("document:doc-7", `{"status":"completed"}`)
	f.push("notifications", `{"status":"info","message":"hello"}`)

	msgs := f.pub.list()
	require.Len(t, msgs, 2)
	assert.Equal(t, "document:doc-7", msgs[0].Topic)
	assert.Equal(t, "notifications", msgs[1].Topic)
}

func TestRelay_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.pub.err = hub.ErrHubNotRunning

	view, _, err := f.svc.Observe(context.Background(), inbound.ObserveCommand{JobID: "job-4"})
	require.NoError(t, err)
	f.push("generation:job-4", `{"status":"pending"}`)

	view, err = f.svc.Job(context.Background(), view.JobID)
	require.NoError(t, err)
	assert.Len(t, view.Updates, 1)
}

func TestRelay_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.Observe(ctx, inbound.ObserveCommand{JobID: "job-5"})
	require.NoError(t, err)
	require.NoError(t, f.svc.WatchDocument(ctx, "doc-5"))

	f.svc.Close()

	assert.Equal(t, 0, f.router.SubscriptionCount())
	_, _, err = f.svc.Observe(ctx, inbound.ObserveCommand{JobID: "job-6"})
	assert.ErrorIs(t, err, observer.ErrRegistryClosed)
}

// helpers

type fixture struct {
	clock  *clock.FakeClock
	router *router.Router
	pub    *recordingPublisher
	svc    *StatusRelayApplicationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewDiscardLogger()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rt := router.New(&connectedConn{}, log)
	engine := poller.NewEngine(failingFetcher{}, clk, poller.Options{Interval: time.Second, MaxAttempts: 5}, log)
	registry := observer.NewRegistry(rt, engine, clk, observer.Config{Poll: engine.Defaults()}, log)
	pub := &recordingPublisher{}
	svc := NewStatusRelayApplicationService(registry, pub, rt, log)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	return &fixture{clock: clk, router: rt, pub: pub, svc: svc}
}

func (f *fixture) push(topic, payload string) {
	f.router.Publish(transport.Frame{Topic: topic, Type: "status", Payload: json.RawMessage(payload)})
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*hub.Message
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, m *hub.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *recordingPublisher) list() []*hub.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*hub.Message(nil), p.msgs...)
}

// connectedConn is always connected and ignores everything sent to it.
type connectedConn struct{}

func (connectedConn) Connect()                          {}
func (connectedConn) Disconnect()                       {}
func (connectedConn) Send(transport.ControlFrame) error { return nil }
func (connectedConn) State() transport.State            { return transport.StateConnected }
func (connectedConn) SetHandler(transport.Handler)      {}
func (connectedConn) Status() transport.Status {
	return transport.Status{State: transport.StateConnected}
}

type failingFetcher struct{}

func (failingFetcher) FetchStatus(ctx context.Context, jobID string) (workflow.RawStatus, []byte, error) {
	return workflow.RawStatus{}, nil, &poller.FetchError{JobID: jobID, Err: errors.New("unreachable")}
}
