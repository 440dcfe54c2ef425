// Package router multiplexes topic subscriptions over the single backend
// connection.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/transport"
)

// Listener receives frames published on one topic.
type Listener func(frame transport.Frame)

// StateWatcher receives connection state changes.
type StateWatcher func(state transport.State)

// Conn is the part of the transport connection the router drives.
type Conn interface {
	Connect()
	Disconnect()
	Send(frame transport.ControlFrame) error
	State() transport.State
	Status() transport.Status
	SetHandler(h transport.Handler)
}

// Subscription is one listener's interest in one topic.
type Subscription struct {
	ID        string
	Topic     string
	CreatedAt time.Time

	listener Listener
	active   bool
}

// Router fans inbound frames out to topic listeners and keeps the backend's
// view of subscribed topics in sync across reconnects. It holds the only
// reference count on the connection: the first subscription connects it and
// removing the last one disconnects it.
type Router struct {
	conn   Conn
	logger logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	topics   map[string][]*Subscription
	count    int
	watchers map[string]StateWatcher
	closed   bool
}

var _ transport.Handler = (*Router)(nil)

// New creates a Router and installs it as conn's event handler.
func New(conn Conn, log logger.Logger) *Router {
	r := &Router{
		conn:     conn,
		logger:   log.WithField("component", "router"),
		now:      time.Now,
		topics:   make(map[string][]*Subscription),
		watchers: make(map[string]StateWatcher),
	}
	conn.SetHandler(r)
	return r
}

// Subscribe registers listener on topic and returns a function that removes
// it. The returned function is idempotent and may be called after the
// connection is gone. Subscribing while disconnected records the intent; it
// is sent to the backend once the connection is up.
func (r *Router) Subscribe(topic string, listener Listener) func() {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Topic:     topic,
		CreatedAt: r.now(),
		listener:  listener,
		active:    true,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warnf("subscribe to %s after shutdown ignored", topic)
		return func() {}
	}
	firstOnTopic := len(r.topics[topic]) == 0
	r.topics[topic] = append(r.topics[topic], sub)
	r.count++
	r.mu.Unlock()

	r.logger.Debugf("subscription %s added on %s", sub.ID, topic)

	if firstOnTopic {
		_ = r.conn.Send(transport.ControlFrame{Action: transport.ActionSubscribe, Topic: topic})
	}
	r.conn.Connect()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(sub) })
	}
}

func (r *Router) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	if !sub.active {
		r.mu.Unlock()
		return
	}
	sub.active = false

	subs := r.topics[sub.Topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	lastOnTopic := len(subs) == 0
	if lastOnTopic {
		delete(r.topics, sub.Topic)
	} else {
		r.topics[sub.Topic] = subs
	}
	r.count--
	lastOverall := r.count == 0
	r.mu.Unlock()

	r.logger.Debugf("subscription %s removed from %s", sub.ID, sub.Topic)

	if lastOnTopic {
		_ = r.conn.Send(transport.ControlFrame{Action: transport.ActionUnsubscribe, Topic: sub.Topic})
	}
	if lastOverall {
		r.logger.Info("no subscriptions left, releasing connection")
		r.conn.Disconnect()
	}
}

// Publish delivers frame to every listener registered on frame.Topic at the
// time of the call, in registration order. A panicking listener is logged and
// skipped.
func (r *Router) Publish(frame transport.Frame) int {
	r.mu.Lock()
	subs := append([]*Subscription(nil), r.topics[frame.Topic]...)
	r.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if !r.isActive(sub) {
			continue
		}
		r.deliver(sub, frame)
		delivered++
	}
	return delivered
}

func (r *Router) deliver(sub *Subscription, frame transport.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("listener %s on %s panicked: %v", sub.ID, sub.Topic, rec)
		}
	}()
	sub.listener(frame)
}

func (r *Router) isActive(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sub.active
}

// WatchState registers fn for connection state changes.
func (r *Router) WatchState(fn StateWatcher) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.watchers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
}

// Topics returns the topics with at least one listener.
func (r *Router) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	return out
}

// SubscriptionCount returns the number of live subscriptions.
func (r *Router) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ConnectionState reports the underlying connection state.
func (r *Router) ConnectionState() transport.State { return r.conn.State() }

// ConnectionStatus reports the underlying connection status.
func (r *Router) ConnectionStatus() transport.Status { return r.conn.Status() }

// Shutdown drops every subscription and closes the connection. Later
// Subscribe calls are ignored.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for _, subs := range r.topics {
		for _, s := range subs {
			s.active = false
		}
	}
	r.topics = make(map[string][]*Subscription)
	r.count = 0
	r.mu.Unlock()

	r.conn.Disconnect()
}

// OnConnected replays every registered topic. The backend keeps no memory
// of subscriptions across connections.
func (r *Router) OnConnected() {
	topics := r.Topics()
	for _, topic := range topics {
		_ = r.conn.Send(transport.ControlFrame{Action: transport.ActionSubscribe, Topic: topic})
	}
	r.logger.Infof("resubscribed %d topics", len(topics))
}

// OnFrame is called by the connection for each decoded frame.
func (r *Router) OnFrame(frame transport.Frame) {
	if n := r.Publish(frame); n == 0 {
		r.logger.Debugf("frame on %s has no listeners", frame.Topic)
	}
}

// OnStateChange forwards connection state to watchers.
func (r *Router) OnStateChange(state transport.State) {
	r.mu.Lock()
	watchers := make([]StateWatcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w(state)
	}
}
