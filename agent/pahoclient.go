package agent

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/config"
)

const (
	connectTimeout    = 15 * time.Second
	disconnectQuiesce = 250
)

type pahoClient struct {
	c   mqtt.Client
	log log.FieldLogger
}

// NewPahoClient wraps a paho client. Reconnection is left to the caller's retry
// policy, so options should have auto-reconnect disabled.
func NewPahoClient(o *mqtt.ClientOptions, logger log.FieldLogger) MqttClient {
	return &pahoClient{c: mqtt.NewClient(o), log: logger}
}

// ClientOptions translates the mqtt section into paho options for broker.
func ClientOptions(cfg *config.File, broker string) *mqtt.ClientOptions {
	clientID := cfg.Expand(cfg.MQTT.ClientID)
	if clientID == "" {
		clientID = "sensornode-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	if cfg.MQTT.Keepalive > 0 {
		opts.SetKeepAlive(time.Duration(cfg.MQTT.Keepalive) * time.Second)
	}
	if w := cfg.MQTT.LastWill; w != nil && w.Topic != "" {
		opts.SetWill(cfg.Expand(w.Topic), cfg.Expand(w.Message), 1, false)
	}
	return opts
}

// PahoDialer dials brokers with paho.
func PahoDialer(logger log.FieldLogger) Dialer {
	return func(cfg *config.File, broker string) MqttClient {
		return NewPahoClient(ClientOptions(cfg, broker), logger)
	}
}

func brokerURI(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

func (c *pahoClient) IsConnected() bool {
	return c.c.IsConnectionOpen()
}

func (c *pahoClient) Connect() error {
	if token := c.c.Connect(); token.Wait() && token.Error() != nil {
		c.log.Errorf("[PahoClient] Error connecting to MQTT broker: %v", token.Error())
		return token.Error()
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.c.Disconnect(disconnectQuiesce)
}

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	if token := c.c.Publish(topic, qos, retained, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("[PahoClient] publishing message for topic [%s]: %w", topic, token.Error())
	}
	return nil
}

func (c *pahoClient) Subscribe(topic string, qos byte, callback func(string, string)) error {
	pahoCallback := func(_ mqtt.Client, m mqtt.Message) {
		callback(m.Topic(), string(m.Payload()))
	}

	if token := c.c.Subscribe(topic, qos, pahoCallback); token.Wait() && token.Error() != nil {
		c.log.Errorf("[PahoClient] Error subscribing to topic [%s]: %v", topic, token.Error())
		return token.Error()
	}
	c.log.Infof("[PahoClient] Subscribed to MQTT topic [%s]", topic)
	return nil
}

func (c *pahoClient) Unsubscribe(topics ...string) error {
	if token := c.c.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
		c.log.Errorf("[PahoClient] Error unsubscribing from topics %v: %v", topics, token.Error())
		return token.Error()
	}
	return nil
}
