// Package agent runs the control loop of a sensor node: it loads the configuration,
// compiles the rules, evaluates them once per tick against the pins and reports the
// results over MQTT. Every failure ends in the Faulted state and, after a cooldown,
// a full restart.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
	"github.com/crenz/sensornode/retry"
	"github.com/crenz/sensornode/rules"
)

const defaultFaultCooldown = 300 * time.Second

// State of the agent state machine.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateRestarting
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RunState is the bookkeeping of one run, reset on every restart.
type RunState struct {
	Config     *config.File
	Tick       uint64
	LastDigest string
}

// Option configures an Agent.
type Option func(*Agent)

func WithDriver(d pins.Driver) Option {
	return func(a *Agent) { a.driver = d }
}

// WithClock replaces the wall clock. A fixed clock is not shifted by time sync.
func WithClock(c rules.Clock) Option {
	return func(a *Agent) {
		a.clock = c
		a.fixedClock = true
	}
}

func WithDialer(d Dialer) Option {
	return func(a *Agent) { a.dial = d }
}

func WithDiscoverer(d Discoverer) Option {
	return func(a *Agent) { a.discover = d }
}

func WithTimeSource(ts TimeSource) Option {
	return func(a *Agent) { a.timeSource = ts }
}

// WithRetry sets the policy for broker operations and time sync backoff.
func WithRetry(cfg retry.Config) Option {
	return func(a *Agent) {
		a.messaging = cfg
		a.timeRetry = &cfg
	}
}

// WithSensorRetry sets the policy for pin and bus reads.
func WithSensorRetry(cfg retry.Config) Option {
	return func(a *Agent) { a.sensorRetry = cfg }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.http = c }
}

func WithRegistry(r *rules.Registry) Option {
	return func(a *Agent) { a.registry = r }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithLogLevel pins the console level, ignoring logging.level from the configuration.
func WithLogLevel(level log.Level) Option {
	return func(a *Agent) { a.level = &level }
}

func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent is the node's scheduler. It is driven by a single goroutine through Run or
// Step.
type Agent struct {
	path string

	log        *log.Logger
	level      *log.Level
	hook       *LogHook
	driver     pins.Driver
	clock      rules.Clock
	fixedClock bool
	dial       Dialer
	discover   Discoverer
	timeSource TimeSource
	timeRetry  *retry.Config
	http       *http.Client
	registry   *rules.Registry
	metrics    *Metrics

	messaging   retry.Config
	sensorRetry retry.Config

	state   State
	err     error
	run     RunState
	prog    *rules.Program
	handles map[string]pins.Handle
	client  MqttClient
	results rules.Results
	env     *rules.Env
	status  *Reporter
}

// New creates an agent for the configuration file at path.
func New(path string, opts ...Option) *Agent {
	a := &Agent{
		path:       path,
		clock:      rules.SystemClock{},
		timeSource: NTPOffset,
		discover:   BrowseBroker,
		http:       rules.DefaultHTTPClient(),
		registry:   rules.DefaultRegistry(),
		messaging:  retry.Messaging(),
		hook:       NewLogHook(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.log == nil {
		a.log = log.New()
		a.log.SetOutput(io.Discard)
	}
	if a.driver == nil {
		a.driver = pins.NewRPIO(false)
	}
	if a.dial == nil {
		a.dial = PahoDialer(a.log)
	}
	a.log.AddHook(a.hook)
	a.setState(StateInitializing)
	return a
}

// State returns the current state.
func (a *Agent) State() State {
	return a.state
}

// Err returns the error that caused the last fault.
func (a *Agent) Err() error {
	return a.err
}

// Tick returns the tick counter of the current run.
func (a *Agent) Tick() uint64 {
	return a.run.Tick
}

// Results returns a copy of the result mapping.
func (a *Agent) Results() rules.Results {
	return a.results.Clone()
}

// Run drives the state machine until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer a.shutdown()

	for {
		if err := a.Step(ctx); err != nil {
			return err
		}
	}
}

// Step performs one transition of the state machine: initialize, one tick, the
// fault cooldown or the restart teardown. It only returns an error once ctx is done.
func (a *Agent) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch a.state {
	case StateInitializing:
		if err := a.initialize(ctx); err != nil {
			return a.fault(ctx, err)
		}
		a.setState(StateRunning)

	case StateRunning:
		err := a.tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrConfigChanged):
			a.log.Info("Configuration changed, restarting")
			a.setState(StateRestarting)
		default:
			return a.fault(ctx, err)
		}

	case StateFaulted:
		cooldown := defaultFaultCooldown
		if a.run.Config != nil {
			cooldown = seconds(a.run.Config.Main.FaultCooldown)
		}
		a.log.Errorf("Agent faulted, restarting in %v: %v", cooldown, a.err)
		if err := a.clock.Sleep(ctx, cooldown); err != nil {
			return err
		}
		a.setState(StateRestarting)

	case StateRestarting:
		a.teardown()
		a.setState(StateInitializing)
	}
	return nil
}

func (a *Agent) fault(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	a.err = err
	a.setState(StateFaulted)
	return nil
}

func (a *Agent) setState(s State) {
	a.state = s
	a.metrics.recordState(s)
}

// initialize loads and compiles the configuration, opens the pins, connects to the
// broker and synchronises the clock.
func (a *Agent) initialize(ctx context.Context) error {
	cfg, err := config.Load(a.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.run = RunState{Config: cfg}

	if cfg.Main.Identifier == "" {
		return ErrNotConfigured
	}
	a.applyLogLevel(cfg)

	prog, err := rules.Compile(cfg.Pins, a.registry)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}
	a.prog = prog

	a.handles = make(map[string]pins.Handle, len(prog.Pins))
	for _, p := range prog.Pins {
		spec, ok := rules.SpecOf(p.Config)
		if !ok {
			continue
		}
		h, err := a.driver.Open(spec)
		if err != nil {
			return fmt.Errorf("pin %q: open %s: %w", p.ID(), spec, err)
		}
		a.handles[p.ID()] = h
	}

	broker, err := a.broker(ctx, cfg)
	if err != nil {
		return err
	}
	sess := &session{MqttClient: a.dial(cfg, broker)}
	a.client = sess
	a.log.Infof("Connecting to MQTT broker %s", broker)
	if err := connect(ctx, a.client, a.messaging); err != nil {
		return err
	}

	if err := a.syncTime(ctx, cfg); err != nil {
		return err
	}

	level, _ := log.ParseLevel(cfg.Logging.Level)
	a.hook.Attach(a.client, cfg.Expand(logsTopic), level)
	a.status = NewReporter(a.client, cfg.Expand(statusTopic), a.messaging, a.log)

	inbox := rules.NewInbox()
	sess.onConnect = inbox.Reset
	a.results = rules.Results{}
	a.env = &rules.Env{
		Clock:         a.clock,
		HTTP:          a.http,
		Bus:           a.client,
		Inbox:         inbox,
		Results:       a.results,
		ADCResolution: cfg.Main.ADCResolution,
		SensorRetry:   a.sensorRetry,
		BusRetry:      withReconnect(a.client, a.messaging, a.log),
		Log:           a.log,
	}

	a.log.WithFields(log.Fields{
		"identifier": cfg.Main.Identifier,
		"pins":       len(prog.Pins),
		"run":        uuid.NewString(),
	}).Info("Agent started")
	return nil
}

func (a *Agent) applyLogLevel(cfg *config.File) {
	if a.level != nil {
		a.log.SetLevel(*a.level)
		return
	}
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		a.log.SetLevel(level)
	}
}

// broker returns the broker URI from the configuration or, with discovery enabled
// and no host set, from mDNS.
func (a *Agent) broker(ctx context.Context, cfg *config.File) (string, error) {
	host, port := cfg.MQTT.Host, cfg.MQTT.Port
	if host == "" && cfg.MQTT.Discover {
		h, p, err := a.discover(ctx)
		if err != nil {
			return "", fmt.Errorf("discover MQTT broker: %w", err)
		}
		a.log.Infof("Discovered MQTT broker at %s:%d", h, p)
		host, port = h, p
	}
	if host == "" {
		return "", fmt.Errorf("%w: no MQTT broker host", config.ErrInvalidConfig)
	}
	return brokerURI(host, port), nil
}

// teardown releases everything a run acquired.
func (a *Agent) teardown() {
	a.hook.Detach()
	if a.client != nil {
		a.log.Infoln("Disconnecting from MQTT broker")
		a.client.Disconnect()
		a.client = nil
	}
	for id, h := range a.handles {
		if err := h.Close(); err != nil {
			a.log.WithField("pin", id).Warnf("Closing pin failed: %v", err)
		}
	}
	a.handles = nil
	a.prog = nil
	a.env = nil
	a.status = nil
	a.results = nil
	a.run = RunState{}
}

func (a *Agent) shutdown() {
	a.teardown()
	if err := a.driver.Close(); err != nil {
		a.log.Warnf("Closing pin driver failed: %v", err)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
