package rules

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/retry"
)

// Results maps a pin identifier to the value its rule last produced.
type Results map[string]interface{}

// Clone returns a shallow copy.
func (r Results) Clone() Results {
	out := make(Results, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Clock is the time source for actions. Sleep returns early with the context error
// when ctx is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock shifted by the offset measured at time sync.
type SystemClock struct {
	Offset time.Duration
}

func (c SystemClock) Now() time.Time {
	return time.Now().Add(c.Offset)
}

func (c SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscriber is the part of the message bus client actions use.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback func(topic string, payload string)) error
}

// Env holds the collaborators of one agent run. Actions only see the world through
// it and their pin handle. BusRetry is the subscribe policy; its OnRetry hook is
// expected to reconnect the bus.
type Env struct {
	Clock         Clock
	HTTP          *http.Client
	Bus           Subscriber
	Inbox         *Inbox
	Results       Results
	ADCResolution int
	SensorRetry   retry.Config
	BusRetry      retry.Config
	Log           logrus.FieldLogger
}

// DefaultHTTPClient is used for service and health checks: a single request with a
// 15 second timeout.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

func (e *Env) clock() Clock {
	if e.Clock == nil {
		return SystemClock{}
	}
	return e.Clock
}

func (e *Env) httpClient() *http.Client {
	if e.HTTP == nil {
		return DefaultHTTPClient()
	}
	return e.HTTP
}

func (e *Env) logger() logrus.FieldLogger {
	if e.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return e.Log
}

func (e *Env) sensorRetry() retry.Config {
	if e.SensorRetry.MaxAttempts == 0 {
		return retry.Sensor()
	}
	return e.SensorRetry
}

func (e *Env) resolution() int {
	if e.ADCResolution <= 0 {
		return 1024
	}
	return e.ADCResolution
}

// Inbox keeps the last message seen per subscribed topic. The transport delivers
// from its own goroutine; Check moves what arrived since the previous check into
// the store actions read. Only the newest undelivered payload per topic is held.
type Inbox struct {
	mu         sync.Mutex
	pending    map[string]string
	subscribed map[string]bool

	last map[string]string
}

func NewInbox() *Inbox {
	return &Inbox{
		pending:    make(map[string]string),
		subscribed: make(map[string]bool),
		last:       make(map[string]string),
	}
}

// Deliver is the subscription callback. It never blocks on the reader.
func (i *Inbox) Deliver(topic string, payload string) {
	if topic == "" || payload == "" {
		return
	}
	i.mu.Lock()
	i.pending[topic] = payload
	i.mu.Unlock()
}

// Check moves pending messages into the per-topic store and returns how many
// topics received something.
func (i *Inbox) Check() int {
	i.mu.Lock()
	pending := i.pending
	i.pending = make(map[string]string)
	i.mu.Unlock()

	for topic, payload := range pending {
		i.last[topic] = payload
	}
	return len(pending)
}

// Last returns the most recent payload stored for topic.
func (i *Inbox) Last(topic string) (string, bool) {
	v, ok := i.last[topic]
	return v, ok
}

// Reset forgets every subscription so the next use subscribes again. A clean
// session reconnect drops them on the broker side. Stored payloads are kept.
func (i *Inbox) Reset() {
	i.mu.Lock()
	i.subscribed = make(map[string]bool)
	i.mu.Unlock()
}

func (i *Inbox) isSubscribed(topic string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.subscribed[topic]
}

// ensureSubscription subscribes topic on bus unless it is already subscribed on
// the current connection.
func (i *Inbox) ensureSubscription(ctx context.Context, bus Subscriber, policy retry.Config, topic string) error {
	if i.isSubscribed(topic) {
		return nil
	}
	err := retry.Do(ctx, policy, func() error {
		return bus.Subscribe(topic, 1, i.Deliver)
	})
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.subscribed[topic] = true
	i.mu.Unlock()
	return nil
}
