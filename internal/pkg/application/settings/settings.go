package settings

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application/cutoff"
	"github.com/diwise/iot-module-control/internal/pkg/application/history"
	"github.com/diwise/iot-module-control/internal/pkg/application/status"
	yaml "gopkg.in/yaml.v2"
)

var ErrInvalidSettings = fmt.Errorf("invalid settings")

const (
	DefaultActiveThresholdSeconds   int = 300
	DefaultInactiveThresholdSeconds int = 3600
	DefaultIntervalSeconds          int = 30
	DefaultTimeoutSeconds           int = 10
)

// Settings are the values read once per control loop cycle.
type Settings struct {
	ActiveThresholdSeconds   int           `json:"moduleActiveThreshold"`
	InactiveThresholdSeconds int           `json:"moduleInactiveThreshold"`
	TriggersEnabled          bool          `json:"triggersEnabled"`
	Ownership                cutoff.Policy `json:"cutoffOwnership"`
	HistoryMode              history.Mode  `json:"historyEventMode"`
}

func Defaults() Settings {
	return Settings{
		ActiveThresholdSeconds:   DefaultActiveThresholdSeconds,
		InactiveThresholdSeconds: DefaultInactiveThresholdSeconds,
		TriggersEnabled:          true,
		Ownership:                cutoff.PolicyShared,
		HistoryMode:              history.ModeMembership,
	}
}

func (s Settings) ActiveThreshold() time.Duration {
	return time.Duration(s.ActiveThresholdSeconds) * time.Second
}

func (s Settings) InactiveThreshold() time.Duration {
	return time.Duration(s.InactiveThresholdSeconds) * time.Second
}

func (s Settings) Validate() error {
	if err := status.ValidateThresholds(s.ActiveThreshold(), s.InactiveThreshold()); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, err.Error())
	}
	if !s.Ownership.Valid() {
		return fmt.Errorf("%w: unknown cutoff ownership %q", ErrInvalidSettings, s.Ownership)
	}
	if !s.HistoryMode.Valid() {
		return fmt.Errorf("%w: unknown history event mode %q", ErrInvalidSettings, s.HistoryMode)
	}
	return nil
}

type Provider interface {
	Get(ctx context.Context) Settings
	Set(ctx context.Context, s Settings) error
}

type provider struct {
	mu       sync.RWMutex
	settings Settings
}

func NewProvider(initial Settings) (Provider, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &provider{settings: initial}, nil
}

func (p *provider) Get(ctx context.Context) Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Set replaces the settings. Invalid settings are rejected and the current
// values are kept.
func (p *provider) Set(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s

	return nil
}

type LivenessConfig struct {
	ActiveThreshold   int `yaml:"activeThreshold"`
	InactiveThreshold int `yaml:"inactiveThreshold"`
}

type TriggersConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type CutoffConfig struct {
	Ownership string `yaml:"ownership"`
}

type HistoryConfig struct {
	EventMode string `yaml:"eventMode"`
}

type ControlLoopConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
	TimeoutSeconds  int `yaml:"timeoutSeconds"`
}

type ReadingsConfig struct {
	RetentionHours int `yaml:"retentionHours"`
}

type Config struct {
	Liveness    LivenessConfig    `yaml:"liveness"`
	Triggers    TriggersConfig    `yaml:"triggers"`
	Cutoff      CutoffConfig      `yaml:"cutoff"`
	History     HistoryConfig     `yaml:"history"`
	ControlLoop ControlLoopConfig `yaml:"controlLoop"`
	Readings    ReadingsConfig    `yaml:"readings"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Settings returns the configured settings with defaults for every value left out.
func (c *Config) Settings() (Settings, error) {
	s := Defaults()

	if c == nil {
		return s, nil
	}

	if c.Liveness.ActiveThreshold != 0 {
		s.ActiveThresholdSeconds = c.Liveness.ActiveThreshold
	}
	if c.Liveness.InactiveThreshold != 0 {
		s.InactiveThresholdSeconds = c.Liveness.InactiveThreshold
	}
	if c.Triggers.Enabled != nil {
		s.TriggersEnabled = *c.Triggers.Enabled
	}
	if c.Cutoff.Ownership != "" {
		s.Ownership = cutoff.Policy(c.Cutoff.Ownership)
	}
	if c.History.EventMode != "" {
		s.HistoryMode = history.Mode(c.History.EventMode)
	}

	return s, s.Validate()
}

func (c *Config) Interval() time.Duration {
	if c == nil || c.ControlLoop.IntervalSeconds <= 0 {
		return time.Duration(DefaultIntervalSeconds) * time.Second
	}
	return time.Duration(c.ControlLoop.IntervalSeconds) * time.Second
}

func (c *Config) Timeout() time.Duration {
	if c == nil || c.ControlLoop.TimeoutSeconds <= 0 {
		return time.Duration(DefaultTimeoutSeconds) * time.Second
	}
	return time.Duration(c.ControlLoop.TimeoutSeconds) * time.Second
}

// ReadingRetention is zero when readings should be kept forever.
func (c *Config) ReadingRetention() time.Duration {
	if c == nil || c.Readings.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.Readings.RetentionHours) * time.Hour
}
