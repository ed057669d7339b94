package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInterval       = 1
	defaultMaxAcceptable  = 15
	defaultLockDistance   = 7
	defaultUnlockDistance = 4
	defaultDiscoveryTries = 10
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	journalDisabled       = "off"
	probeKindHcitool      = "hcitool"
	probeKindBluez        = "bluez"
)

// Config is the daemon configuration. It is loaded once at startup and not
// mutated afterwards.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Proximity ProximityConfig `yaml:"proximity"`
	Lock      Policy          `yaml:"lock"`
	Unlock    Policy          `yaml:"unlock"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Probes    ProbeConfig     `yaml:"probes"`
	Journal   JournalConfig   `yaml:"journal"`
	Debug     bool            `yaml:"debug"`
}

type DeviceConfig struct {
	Address string  `yaml:"address"`
	Name    string  `yaml:"name,omitempty"`
	Channel Channel `yaml:"channel,omitempty"` // 0 means discover
}

type ProximityConfig struct {
	Interval              int `yaml:"interval"` // seconds
	MaxAcceptableDistance int `yaml:"max_acceptable_distance"`
}

// Policy binds a distance threshold to the command run when the matching
// state is entered.
type Policy struct {
	Distance int    `yaml:"distance"`
	Command  string `yaml:"command"`
}

type DiscoveryConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type ProbeConfig struct {
	Liveness string        `yaml:"liveness"`
	Distance string        `yaml:"distance"`
	Timeout  time.Duration `yaml:"timeout"`
}

type JournalConfig struct {
	Path string `yaml:"path"`
}

// Thresholds is the part of the configuration the state machine reads.
type Thresholds struct {
	Lock                  Policy
	Unlock                Policy
	Interval              time.Duration
	MaxAcceptableDistance int
}

func (c *Config) Thresholds() Thresholds {
	return Thresholds{
		Lock:                  c.Lock,
		Unlock:                c.Unlock,
		Interval:              time.Duration(c.Proximity.Interval) * time.Second,
		MaxAcceptableDistance: c.Proximity.MaxAcceptableDistance,
	}
}

// Identity returns the immutable identity of the configured device.
func (c *Config) Identity() DeviceIdentity {
	return DeviceIdentity{Address: strings.ToUpper(c.Device.Address), Name: c.Device.Name}
}

func configPath() string {
	if p := os.Getenv("BLUEPROXIMITY_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "blueproximity", "config.yaml")
}

func defaultJournalPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".local", "state")
	}
	return filepath.Join(dir, "blueproximity", "journal.db")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	// Decoding over the defaults keeps explicit zero values from the file.
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaultJournalPath()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns every setting except the device address.
func defaultConfig() *Config {
	return &Config{
		Proximity: ProximityConfig{
			Interval:              defaultInterval,
			MaxAcceptableDistance: defaultMaxAcceptable,
		},
		Lock:   Policy{Distance: defaultLockDistance},
		Unlock: Policy{Distance: defaultUnlockDistance},
		Discovery: DiscoveryConfig{
			Attempts:       defaultDiscoveryTries,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
		},
		Probes: ProbeConfig{
			Liveness: probeKindHcitool,
			Distance: probeKindHcitool,
			Timeout:  defaultProbeTimeout,
		},
		Journal: JournalConfig{Path: defaultJournalPath()},
	}
}

func (c *Config) validate() error {
	if c.Device.Address == "" {
		return errors.New("device.address is required")
	}
	if _, err := parseBDAddr(c.Device.Address); err != nil {
		return fmt.Errorf("device.address: %w", err)
	}
	if c.Device.Channel != 0 && (c.Device.Channel < minChannel || c.Device.Channel > maxChannel) {
		return fmt.Errorf("device.channel %d outside %d..%d", c.Device.Channel, minChannel, maxChannel)
	}
	if c.Proximity.Interval <= 0 {
		return fmt.Errorf("proximity.interval must be positive, got %d", c.Proximity.Interval)
	}
	if c.Proximity.MaxAcceptableDistance < 0 {
		return fmt.Errorf("proximity.max_acceptable_distance must not be negative")
	}
	if c.Lock.Distance < 0 || c.Unlock.Distance < 0 {
		return errors.New("policy distances must not be negative")
	}
	if c.Unlock.Distance > c.Lock.Distance {
		return fmt.Errorf("unlock.distance %d is greater than lock.distance %d", c.Unlock.Distance, c.Lock.Distance)
	}
	if c.Discovery.Attempts < 1 {
		return errors.New("discovery.attempts must be at least 1")
	}
	if c.Probes.Timeout <= 0 {
		return errors.New("probes.timeout must be positive")
	}
	if c.Probes.Liveness != probeKindHcitool && c.Probes.Liveness != probeKindBluez {
		return fmt.Errorf("probes.liveness: unknown probe %q", c.Probes.Liveness)
	}
	// BlueZ only publishes RSSI while discovering, so a connected device
	// has no reading there.
	if c.Probes.Distance != probeKindHcitool {
		return fmt.Errorf("probes.distance: unsupported probe %q, only %q measures a connected link", c.Probes.Distance, probeKindHcitool)
	}
	return nil
}
