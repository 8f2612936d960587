// Package config loads the node's configuration document.
//
// The document is JSON, or YAML when the file name ends in .yaml or .yml. The agent
// treats it as opaque apart from the fields declared here, and re-reads it on every
// tick: any difference from the snapshot taken at startup restarts the agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every structural validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// IdentifierPlaceholder is substituted with the device identifier in topics, URLs and
// the MQTT client id.
const IdentifierPlaceholder = "{identifier}"

// Time sync failure policies.
const (
	OnFailureDegrade = "degrade"
	OnFailureRestart = "restart"
)

type Wifi struct {
	Essid      string `json:"essid" yaml:"essid"`
	Password   string `json:"password" yaml:"password"`
	RetryCount int    `json:"retry_count" yaml:"retry_count"`
}

type Main struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	// ProcessInterval is the sleep between ticks, in seconds.
	ProcessInterval float64 `json:"process_interval" yaml:"process_interval"`
	// FaultCooldown is the wait before restarting after a fault, in seconds.
	FaultCooldown float64 `json:"fault_cooldown" yaml:"fault_cooldown"`
	// ADCResolution is the full-scale analog reading, used as the default threshold.
	ADCResolution int `json:"adc_resolution" yaml:"adc_resolution"`
}

type LastWill struct {
	Topic   string `json:"topic" yaml:"topic"`
	Message string `json:"message" yaml:"message"`
}

type MQTT struct {
	Host      string    `json:"host" yaml:"host"`
	Port      int       `json:"port" yaml:"port"`
	ClientID  string    `json:"client_id" yaml:"client_id"`
	Username  string    `json:"username" yaml:"username"`
	Password  string    `json:"password" yaml:"password"`
	Keepalive int       `json:"keepalive" yaml:"keepalive"`
	LastWill  *LastWill `json:"lastwill" yaml:"lastwill"`
	// Discover browses mDNS for a broker when Host is empty.
	Discover bool `json:"discover" yaml:"discover"`
}

type Logging struct {
	Level string `json:"level" yaml:"level"`
}

type Time struct {
	Server    string `json:"server" yaml:"server"`
	Retries   *int   `json:"retries" yaml:"retries"`
	OnFailure string `json:"on_failure" yaml:"on_failure"`
}

// Attempts is the number of time sync queries: one plus the configured retries.
func (t Time) Attempts() int {
	if t.Retries == nil {
		return 3
	}
	return *t.Retries + 1
}

type Health struct {
	URL string `json:"url" yaml:"url"`
}

// Rule names an action and the raw input expressions passed to it.
type Rule struct {
	Action string                 `json:"action" yaml:"action"`
	Input  map[string]interface{} `json:"input" yaml:"input"`
}

// Pin is one entry of the pins list. A nil PinNumber marks a pin-less rule.
type Pin struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	PinNumber  *int   `json:"pin_number" yaml:"pin_number"`
	Analog     bool   `json:"analog" yaml:"analog"`
	Read       bool   `json:"read" yaml:"read"`
	Bus        bool   `json:"bus" yaml:"bus"`
	Address    int    `json:"address" yaml:"address"`
	Interval   int    `json:"interval" yaml:"interval"`
	Schedule   string `json:"schedule" yaml:"schedule"`
	Rule       Rule   `json:"rule" yaml:"rule"`
}

type File struct {
	Wifi    Wifi    `json:"wifi" yaml:"wifi"`
	Main    Main    `json:"main" yaml:"main"`
	MQTT    MQTT    `json:"mqtt" yaml:"mqtt"`
	Logging Logging `json:"logging" yaml:"logging"`
	Time    Time    `json:"time" yaml:"time"`
	Health  Health  `json:"health" yaml:"health"`
	Pins    []Pin   `json:"pins" yaml:"pins"`

	raw interface{}
}

// Load reads and parses the document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, isYAML(path))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Parse decodes a document, applies defaults and validates it.
func Parse(data []byte, asYAML bool) (*File, error) {
	var f File
	if asYAML {
		if err := yaml.Unmarshal(data, &f.raw); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, err
		}
	} else {
		if err := json.Unmarshal(data, &f.raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
	}

	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Main.ProcessInterval <= 0 {
		f.Main.ProcessInterval = 5
	}
	if f.Main.FaultCooldown <= 0 {
		f.Main.FaultCooldown = 300
	}
	if f.Main.ADCResolution <= 0 {
		f.Main.ADCResolution = 1024
	}
	if f.MQTT.Port == 0 {
		f.MQTT.Port = 1883
	}
	if f.MQTT.ClientID == "" {
		f.MQTT.ClientID = IdentifierPlaceholder
	}
	if f.Logging.Level == "" {
		f.Logging.Level = "info"
	}
	if f.Time.Retries == nil {
		retries := 2
		f.Time.Retries = &retries
	}
	if f.Time.OnFailure == "" {
		f.Time.OnFailure = OnFailureDegrade
	}
	for i := range f.Pins {
		if f.Pins[i].Interval == 0 {
			f.Pins[i].Interval = 1
		}
	}
}

// Validate checks the structure of the document. Rule actions and their parameters are
// checked when the rules are compiled.
func (f *File) Validate() error {
	if _, err := logrus.ParseLevel(f.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if r := f.Time.Retries; r != nil && *r < 0 {
		return fmt.Errorf("%w: time.retries must not be negative, got %d", ErrInvalidConfig, *r)
	}
	switch f.Time.OnFailure {
	case OnFailureDegrade, OnFailureRestart:
	default:
		return fmt.Errorf("%w: time.on_failure must be %q or %q, got %q",
			ErrInvalidConfig, OnFailureDegrade, OnFailureRestart, f.Time.OnFailure)
	}

	seen := make(map[string]bool, len(f.Pins))
	for i, p := range f.Pins {
		if p.Identifier == "" {
			return fmt.Errorf("%w: pins[%d] has no identifier", ErrInvalidConfig, i)
		}
		if seen[p.Identifier] {
			return fmt.Errorf("%w: duplicate pin identifier %q", ErrInvalidConfig, p.Identifier)
		}
		seen[p.Identifier] = true

		if p.Interval < 1 {
			return fmt.Errorf("%w: pin %q: interval must be positive, got %d", ErrInvalidConfig, p.Identifier, p.Interval)
		}
		if p.Analog && p.Bus {
			return fmt.Errorf("%w: pin %q cannot be both analog and bus", ErrInvalidConfig, p.Identifier)
		}
		if p.Rule.Action == "" {
			return fmt.Errorf("%w: pin %q has no rule action", ErrInvalidConfig, p.Identifier)
		}
	}
	return nil
}

// Equal reports whether both documents are identical as parsed documents. Formatting
// differences do not count.
func (f *File) Equal(o *File) bool {
	if f == nil || o == nil {
		return f == o
	}
	return reflect.DeepEqual(f.raw, o.raw)
}

// Expand replaces the identifier placeholder in s.
func (f *File) Expand(s string) string {
	return strings.ReplaceAll(s, IdentifierPlaceholder, f.Main.Identifier)
}
