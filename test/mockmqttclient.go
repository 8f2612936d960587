// Package test holds doubles shared by package tests. Defined here to avoid import
// cycles.
package test

import (
	"errors"
	"fmt"
	"sync"
)

// ErrMockFailure is returned by injected failures.
var ErrMockFailure = errors.New("mock mqtt failure")

type MockMessageHandler func(topic string, payload string)

// MockMqttMessage provides a mock MQTT message structure for testing.
type MockMqttMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  interface{}
}

// MockMqttClient records publications and delivers messages to subscribers
// synchronously. Like a clean session, every Connect starts without
// subscriptions.
type MockMqttClient struct {
	mu            sync.Mutex
	connected     bool
	connects      int
	subscriptions map[string]MockMessageHandler
	messages      []MockMqttMessage

	failConnect   int
	failPublish   int
	failSubscribe int
}

func NewClient() *MockMqttClient {
	return &MockMqttClient{subscriptions: make(map[string]MockMessageHandler)}
}

func (c *MockMqttClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockMqttClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++
	if c.failConnect != 0 {
		if c.failConnect > 0 {
			c.failConnect--
		}
		return fmt.Errorf("connect: %w", ErrMockFailure)
	}
	c.connected = true
	c.subscriptions = make(map[string]MockMessageHandler)
	return nil
}

func (c *MockMqttClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *MockMqttClient) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("publish %s: not connected: %w", topic, ErrMockFailure)
	}
	if c.failPublish != 0 {
		if c.failPublish > 0 {
			c.failPublish--
		}
		return fmt.Errorf("publish %s: %w", topic, ErrMockFailure)
	}
	c.messages = append(c.messages, MockMqttMessage{
		Topic:    topic,
		QoS:      qos,
		Retained: retained,
		Payload:  payload,
	})
	return nil
}

func (c *MockMqttClient) Subscribe(topic string, qos byte, callback func(string, string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("subscribe %s: not connected: %w", topic, ErrMockFailure)
	}
	if c.failSubscribe != 0 {
		if c.failSubscribe > 0 {
			c.failSubscribe--
		}
		return fmt.Errorf("subscribe %s: %w", topic, ErrMockFailure)
	}
	c.subscriptions[topic] = callback
	return nil
}

func (c *MockMqttClient) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	return nil
}

func (c *MockMqttClient) IsSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// Deliver hands payload to the subscriber of topic, as if the broker sent it.
func (c *MockMqttClient) Deliver(topic string, payload string) bool {
	c.mu.Lock()
	cb, ok := c.subscriptions[topic]
	c.mu.Unlock()

	if ok {
		cb(topic, payload)
	}
	return ok
}

// FailConnect makes the next n connects fail; n < 0 fails forever.
func (c *MockMqttClient) FailConnect(n int) {
	c.mu.Lock()
	c.failConnect = n
	c.mu.Unlock()
}

// FailPublish makes the next n publishes fail; n < 0 fails forever.
func (c *MockMqttClient) FailPublish(n int) {
	c.mu.Lock()
	c.failPublish = n
	c.mu.Unlock()
}

// FailSubscribe makes the next n subscribes fail; n < 0 fails forever.
func (c *MockMqttClient) FailSubscribe(n int) {
	c.mu.Lock()
	c.failSubscribe = n
	c.mu.Unlock()
}

// Drop simulates a lost connection.
func (c *MockMqttClient) Drop() {
	c.Disconnect()
}

func (c *MockMqttClient) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Messages returns the publications on topic, all of them for "".
func (c *MockMqttClient) Messages(topic string) []MockMqttMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []MockMqttMessage
	for _, m := range c.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *MockMqttClient) LastMessage() MockMqttMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.messages) == 0 {
		return MockMqttMessage{}
	}
	return c.messages[len(c.messages)-1]
}
