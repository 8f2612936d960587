package agent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/retry"
	"github.com/crenz/sensornode/rules"
)

const (
	statusTopic = "iot-devices/{identifier}/status/"
	logsTopic   = "iot-devices/{identifier}/logs"
)

// Reporter publishes the result mapping as the device status.
type Reporter struct {
	client MqttClient
	topic  string
	retry  retry.Config
	log    log.FieldLogger
}

func NewReporter(client MqttClient, topic string, cfg retry.Config, logger log.FieldLogger) *Reporter {
	return &Reporter{client: client, topic: topic, retry: cfg, log: logger}
}

// Digest is the hex SHA-1 of the serialized status.
func Digest(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// PublishStatus serializes results and publishes them unless their digest equals
// previous. It returns the digest of the last successful publication. A result
// that cannot be serialized is logged and leaves the status unchanged.
func (r *Reporter) PublishStatus(ctx context.Context, results rules.Results, previous string) (string, error) {
	payload, err := json.Marshal(jsonSafe(map[string]interface{}(results)))
	if err != nil {
		r.log.Errorf("Serializing status failed: %v", err)
		return previous, nil
	}
	digest := Digest(payload)
	if digest == previous {
		return previous, nil
	}
	if err := publish(ctx, r.client, r.retry, r.log, r.topic, string(payload)); err != nil {
		return previous, err
	}
	r.log.WithField("topic", r.topic).Debug("Status published")
	return digest, nil
}

// jsonSafe replaces non-finite floats, which JSON cannot carry, with their text
// ("+Inf", "-Inf", "NaN").
func jsonSafe(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return strconv.FormatFloat(t, 'g', -1, 64)
		}
	case float32:
		if f := float64(t); math.IsInf(f, 0) || math.IsNaN(f) {
			return strconv.FormatFloat(f, 'g', -1, 32)
		}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = jsonSafe(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = jsonSafe(e)
		}
		return out
	}
	return v
}

// LogHook forwards log entries to the logs topic of the running agent. Publishing
// is a single best-effort attempt. Entries logged while a publication is in flight
// are not forwarded, so client errors cannot feed back into the hook.
type LogHook struct {
	mu     sync.Mutex
	client MqttClient
	topic  string
	level  log.Level

	formatter log.Formatter
	busy      int32
}

func NewLogHook() *LogHook {
	return &LogHook{formatter: &log.JSONFormatter{}}
}

func (h *LogHook) Levels() []log.Level {
	return log.AllLevels
}

// Attach starts forwarding entries at or above level to topic.
func (h *LogHook) Attach(client MqttClient, topic string, level log.Level) {
	h.mu.Lock()
	h.client, h.topic, h.level = client, topic, level
	h.mu.Unlock()
}

// Detach stops forwarding.
func (h *LogHook) Detach() {
	h.mu.Lock()
	h.client = nil
	h.mu.Unlock()
}

func (h *LogHook) Fire(entry *log.Entry) error {
	if !atomic.CompareAndSwapInt32(&h.busy, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&h.busy, 0)

	h.mu.Lock()
	client, topic, level := h.client, h.topic, h.level
	h.mu.Unlock()

	if client == nil || entry.Level > level || !client.IsConnected() {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return nil
	}
	_ = client.Publish(topic, 0, false, strings.TrimSpace(string(line)))
	return nil
}
