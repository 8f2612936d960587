package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
	"github.com/crenz/sensornode/retry"
	"github.com/crenz/sensornode/rules"
	"github.com/crenz/sensornode/test"
)

const (
	testStatusTopic = "iot-devices/node-7/status/"
	testLogsTopic   = "iot-devices/node-7/logs"
)

var fastRetry = retry.Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type doc map[string]interface{}

func baseConfig(pinList ...interface{}) doc {
	return doc{
		"main": doc{"identifier": "node-7", "process_interval": 5},
		"mqtt": doc{"host": "broker.local"},
		"pins": pinList,
	}
}

func doorPin() doc {
	return doc{"identifier": "door", "pin_number": 4, "read": true, "rule": doc{"action": "read"}}
}

type fixture struct {
	t       *testing.T
	path    string
	agent   *Agent
	client  *test.MockMqttClient
	sim     *pins.Sim
	clock   *test.Clock
	brokers []string
}

func newFixture(t *testing.T, d doc, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		path:   filepath.Join(t.TempDir(), "config.json"),
		client: test.NewClient(),
		sim:    pins.NewSim(),
		clock:  test.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.write(d)

	base := []Option{
		WithDriver(f.sim),
		WithClock(f.clock),
		WithDialer(func(cfg *config.File, broker string) MqttClient {
			f.brokers = append(f.brokers, broker)
			return f.client
		}),
		WithRetry(fastRetry),
		WithSensorRetry(fastRetry),
		WithTimeSource(func(string) (time.Duration, error) { return 0, nil }),
	}
	f.agent = New(f.path, append(base, opts...)...)
	return f
}

func (f *fixture) write(d doc) {
	f.t.Helper()
	data, err := json.Marshal(d)
	require.NoError(f.t, err)
	require.NoError(f.t, os.WriteFile(f.path, data, 0o600))
}

func (f *fixture) step(n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(f.t, f.agent.Step(context.Background()))
	}
}

func TestAgent_StartsAndTicks(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	f.sim.Pin(4).SetValue(1)

	f.step(1)
	require.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.Equal(t, []string{"tcp://broker.local:1883"}, f.brokers)
	assert.Equal(t, 1, f.client.Connects())

	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State())
	assert.Equal(t, uint64(1), f.agent.Tick())
	assert.Equal(t, rules.Results{"door": 1}, f.agent.Results())

	status := f.client.Messages(testStatusTopic)
	require.Len(t, status, 1)
	assert.JSONEq(t, `{"door":1}`, status[0].Payload.(string))
	assert.Equal(t, []time.Duration{5 * time.Second}, f.clock.Slept())
}

func TestAgent_MissingIdentifierFaults(t *testing.T) {
	d := baseConfig(doorPin())
	d["main"] = doc{"identifier": ""}
	f := newFixture(t, d)

	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.ErrorIs(t, f.agent.Err(), ErrNotConfigured)
	assert.Equal(t, 0, f.client.Connects())

	f.step(1)
	assert.Equal(t, StateRestarting, f.agent.State())
	assert.Equal(t, []time.Duration{300 * time.Second}, f.clock.Slept())

	f.step(1)
	assert.Equal(t, StateInitializing, f.agent.State())
}

func TestAgent_IntervalGating(t *testing.T) {
	f := newFixture(t, baseConfig(doc{
		"identifier": "slow", "pin_number": 0, "analog": true, "read": true, "interval": 3,
		"rule": doc{"action": "read_analog"},
	}))
	f.sim.Pin(0).SetAnalog(10, 20, 30, 40)
	f.step(1)

	want := []int{10, 10, 10, 20, 20, 20, 30}
	for tick, v := range want {
		f.step(1)
		require.Equal(t, StateRunning, f.agent.State(), "tick %d: %v", tick, f.agent.Err())
		assert.Equal(t, v, f.agent.Results()["slow"], "tick %d", tick)
	}
}

func TestAgent_StatusDeduplicated(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	f.sim.Pin(4).SetValue(1)

	f.step(4)
	assert.Len(t, f.client.Messages(testStatusTopic), 1)

	f.sim.Pin(4).SetValue(0)
	f.step(1)
	status := f.client.Messages(testStatusTopic)
	require.Len(t, status, 2)
	assert.JSONEq(t, `{"door":0}`, status[1].Payload.(string))
}

func TestAgent_ConfigDriftRestarts(t *testing.T) {
	d := baseConfig(doorPin())
	f := newFixture(t, d)
	f.step(2)
	require.Equal(t, uint64(1), f.agent.Tick())

	// same document, different formatting
	data, err := json.MarshalIndent(d, "", "    ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.path, data, 0o600))
	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State())
	assert.Equal(t, uint64(2), f.agent.Tick())

	d["main"] = doc{"identifier": "node-7", "process_interval": 10}
	f.write(d)
	f.step(1)
	assert.Equal(t, StateRestarting, f.agent.State())

	f.step(1)
	assert.Equal(t, StateInitializing, f.agent.State())
	assert.False(t, f.client.IsConnected())

	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State())
	assert.Equal(t, uint64(0), f.agent.Tick())
	assert.Equal(t, 2, f.client.Connects())
}

func TestAgent_PublishFailureFaults(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	f.step(1)

	f.client.FailPublish(-1)
	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.ErrorIs(t, f.agent.Err(), test.ErrMockFailure)
	assert.Contains(t, f.agent.Err().Error(), "4 attempts")
}

func TestAgent_PublishRecoversWithinRetries(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	f.step(1)

	f.client.FailPublish(3)
	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.Len(t, f.client.Messages(testStatusTopic), 1)
}

func TestAgent_ReconnectsDroppedConnection(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	f.step(1)

	f.client.Drop()
	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State())
	assert.Equal(t, 2, f.client.Connects())

	f.client.Drop()
	f.client.FailConnect(-1)
	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.ErrorIs(t, f.agent.Err(), test.ErrMockFailure)
}

func TestAgent_ActionErrorFaults(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	f.step(1)

	f.sim.Pin(4).FailNext(100)
	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.ErrorIs(t, f.agent.Err(), pins.ErrSimulatedFault)
	assert.Contains(t, f.agent.Err().Error(), `pin "door"`)
}

func TestAgent_CompileErrorFaults(t *testing.T) {
	f := newFixture(t, baseConfig(doc{"identifier": "x", "rule": doc{"action": "explode"}}))
	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.ErrorIs(t, f.agent.Err(), rules.ErrUnknownAction)
}

func TestAgent_RulesDriveOutputs(t *testing.T) {
	f := newFixture(t, baseConfig(
		doorPin(),
		doc{"identifier": "daytime", "rule": doc{"action": "timer",
			"input": doc{"gmt_start_time": "06:00", "gmt_end_time": "18:00"}}},
		doc{"identifier": "pump", "pin_number": 17, "rule": doc{"action": "toggle",
			"input": doc{"on": []interface{}{"daytime", "door"}}}},
	))
	f.sim.Pin(4).SetValue(1)

	f.step(2)
	require.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.Equal(t, rules.Results{"door": 1, "daytime": true, "pump": 1}, f.agent.Results())

	f.sim.Pin(4).SetValue(0)
	f.step(1)
	assert.Equal(t, 0, f.agent.Results()["pump"])
	assert.Equal(t, 2, f.sim.Pin(17).Writes())
}

func TestAgent_MqttToggle(t *testing.T) {
	f := newFixture(t, baseConfig(doc{
		"identifier": "remote", "rule": doc{"action": "mqtt_toggle", "input": doc{"queue": "garden/pump"}},
	}))
	f.step(2)
	assert.Equal(t, 0, f.agent.Results()["remote"])
	require.True(t, f.client.IsSubscribed("garden/pump"))

	f.client.Deliver("garden/pump", "1")
	f.step(1)
	assert.Equal(t, 1, f.agent.Results()["remote"])
}

func TestAgent_MqttToggleResubscribesAfterReconnect(t *testing.T) {
	f := newFixture(t, baseConfig(doc{
		"identifier": "remote", "rule": doc{"action": "mqtt_toggle", "input": doc{"queue": "garden/pump"}},
	}))
	f.step(2)
	require.True(t, f.client.IsSubscribed("garden/pump"))

	f.client.Drop()
	f.step(1)
	require.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.Equal(t, 2, f.client.Connects())
	assert.True(t, f.client.IsSubscribed("garden/pump"))

	require.True(t, f.client.Deliver("garden/pump", "1"))
	f.step(1)
	assert.Equal(t, 1, f.agent.Results()["remote"])
}

func TestAgent_SubscribeRecoversWithinRetries(t *testing.T) {
	f := newFixture(t, baseConfig(doc{
		"identifier": "remote", "rule": doc{"action": "mqtt_toggle", "input": doc{"queue": "garden/pump"}},
	}))
	f.step(1)

	f.client.FailSubscribe(3)
	f.step(1)
	require.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.True(t, f.client.IsSubscribed("garden/pump"))

	f.client.Drop()
	f.client.FailSubscribe(-1)
	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.Contains(t, f.agent.Err().Error(), "4 attempts")
}

func TestAgent_ExpressionBeforeItsInputs(t *testing.T) {
	f := newFixture(t, baseConfig(
		doc{"identifier": "alarm", "rule": doc{"action": "expression", "input": doc{"expression": "door > 0"}}},
		doorPin(),
	))
	f.sim.Pin(4).SetValue(1)

	f.step(2)
	require.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.Equal(t, rules.Results{"alarm": false, "door": 1}, f.agent.Results())

	f.step(1)
	assert.Equal(t, true, f.agent.Results()["alarm"])
}

func TestAgent_NonFiniteResultIsReported(t *testing.T) {
	f := newFixture(t, baseConfig(
		doorPin(),
		doc{"identifier": "ratio", "rule": doc{"action": "expression", "input": doc{"expression": "1 / door"}}},
	))
	f.sim.Pin(4).SetValue(0)

	f.step(3)
	require.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	status := f.client.Messages(testStatusTopic)
	require.Len(t, status, 1)
	assert.JSONEq(t, `{"door":0,"ratio":"+Inf"}`, status[0].Payload.(string))
}

func TestAgent_TimeSyncWithoutRetries(t *testing.T) {
	d := baseConfig(doorPin())
	d["time"] = doc{"server": "pool.ntp.org", "retries": 0}

	calls := 0
	f := newFixture(t, d, WithTimeSource(func(string) (time.Duration, error) {
		calls++
		return 0, errors.New("timeout")
	}))
	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State())
	assert.Equal(t, 1, calls)
}

func TestAgent_TimeSyncPolicy(t *testing.T) {
	for _, policy := range []struct {
		onFailure string
		want      State
	}{
		{config.OnFailureDegrade, StateRunning},
		{config.OnFailureRestart, StateFaulted},
	} {
		d := baseConfig(doorPin())
		d["time"] = doc{"server": "pool.ntp.org", "retries": 1, "on_failure": policy.onFailure}

		calls := 0
		f := newFixture(t, d, WithTimeSource(func(server string) (time.Duration, error) {
			calls++
			return 0, errors.New("no response from " + server)
		}))
		f.step(1)
		assert.Equal(t, policy.want, f.agent.State(), policy.onFailure)
		assert.Equal(t, 2, calls, policy.onFailure)
	}
}

func TestAgent_DiscoversBroker(t *testing.T) {
	d := baseConfig(doorPin())
	d["mqtt"] = doc{"discover": true}
	f := newFixture(t, d, WithDiscoverer(func(context.Context) (string, int, error) {
		return "10.0.0.5", 1884, nil
	}))
	f.step(1)
	assert.Equal(t, StateRunning, f.agent.State(), "err: %v", f.agent.Err())
	assert.Equal(t, []string{"tcp://10.0.0.5:1884"}, f.brokers)

	d["mqtt"] = doc{}
	f = newFixture(t, d)
	f.step(1)
	assert.Equal(t, StateFaulted, f.agent.State())
	assert.ErrorIs(t, f.agent.Err(), config.ErrInvalidConfig)
}

func TestAgent_HealthCheckFailureIsOnlyLogged(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/health/node-7", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	d := baseConfig(doorPin())
	d["health"] = doc{"url": ts.URL + "/health/{identifier}"}
	f := newFixture(t, d, WithHTTPClient(ts.Client()))
	f.step(2)
	assert.Equal(t, StateRunning, f.agent.State())
	assert.Equal(t, 1, hits)
}

func TestAgent_ForwardsLogs(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d := baseConfig(doorPin())
	d["logging"] = doc{"level": "warning"}
	f := newFixture(t, d, WithLogger(logger))
	f.step(1)

	logger.Info("not forwarded")
	logger.Warn("pump stalled")
	logs := f.client.Messages(testLogsTopic)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Payload, "pump stalled")

	f.agent.teardown()
	logger.Warn("after teardown")
	assert.Len(t, f.client.Messages(testLogsTopic), 1)
}

func TestAgent_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, baseConfig(doorPin()), WithMetrics(NewMetrics(reg)))
	f.step(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["sensornode_agent_ticks_total"])
	assert.Equal(t, 2.0, values["sensornode_rules_actions_total"])
	assert.Equal(t, 1.0, values["sensornode_agent_status_publishes_total"])
	assert.Equal(t, float64(StateRunning), values["sensornode_agent_state"])
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, baseConfig(doorPin()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.agent.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.client.Connects())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.True(t, strings.HasPrefix(State(9).String(), "State("))
}
