package agent

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/retry"
)

var (
	// ErrNotConfigured is the fault raised while the device has no identifier.
	ErrNotConfigured = errors.New("device not yet configured")
	// ErrConfigChanged ends a run when the configuration file differs from the
	// snapshot taken at startup.
	ErrConfigChanged = errors.New("configuration changed")
)

// Interface for MQTT client used to interface with broker
type MqttClient interface {
	IsConnected() bool
	Connect() error
	Disconnect()
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, callback func(string, string)) error
	Unsubscribe(topics ...string) error
}

type MessageHandler func(topic string, payload string)

// Dialer creates the client for one run. broker is a tcp:// URI.
type Dialer func(cfg *config.File, broker string) MqttClient

// session is the client of one run. The broker drops subscriptions when a clean
// session reconnects, so every successful Connect calls onConnect.
type session struct {
	MqttClient
	onConnect func()
}

func (s *session) Connect() error {
	if err := s.MqttClient.Connect(); err != nil {
		return err
	}
	if s.onConnect != nil {
		s.onConnect()
	}
	return nil
}

// withReconnect returns cfg with a retry hook that re-establishes a lost connection
// before the next attempt.
func withReconnect(client MqttClient, cfg retry.Config, logger log.FieldLogger) retry.Config {
	cfg.OnRetry = func(attempt int, err error) {
		logger.Warnf("MQTT operation failed (attempt %d): %v", attempt, err)
		if client.IsConnected() {
			return
		}
		if err := client.Connect(); err != nil {
			logger.Warnf("Reconnecting to MQTT broker failed: %v", err)
		}
	}
	return cfg
}

// publish sends payload with the messaging retry policy.
func publish(ctx context.Context, client MqttClient, cfg retry.Config, logger log.FieldLogger, topic string, payload string) error {
	err := retry.Do(ctx, withReconnect(client, cfg, logger), func() error {
		return client.Publish(topic, 1, false, payload)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// connect establishes the broker connection with the messaging retry policy.
func connect(ctx context.Context, client MqttClient, cfg retry.Config) error {
	if err := retry.Do(ctx, cfg, client.Connect); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	return nil
}
