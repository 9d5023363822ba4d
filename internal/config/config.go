// Package config handles meshview configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from [Config.Validate].
var ErrInvalid = errors.New("invalid config")

var validate = validator.New()

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/meshview/config.yaml, /etc/meshview/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshview", "config.yaml"))
	}

	paths = append(paths, "/etc/meshview/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all meshview configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Topology  TopologyConfig  `yaml:"topology"`
	PacketLog PacketLogConfig `yaml:"packet_log"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Auth      AuthConfig      `yaml:"auth"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// ListenConfig defines the dashboard HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" validate:"min=1,max=65535"`

	// PublicURL is the address phones reach the dashboard at, encoded
	// by /qr.png. Empty derives it from each request.
	PublicURL string `yaml:"public_url" validate:"omitempty,url"`
}

// MQTTConfig defines the broker connection shared by both dashboard
// links. Each link gets its own client identity and topic filter.
type MQTTConfig struct {
	Broker   string `yaml:"broker" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// RetryIntervalSec is the fixed delay between reconnect attempts.
	// It never grows.
	RetryIntervalSec int `yaml:"retry_interval_sec" validate:"min=1"`
	KeepAliveSec     int `yaml:"keepalive_sec" validate:"min=1"`

	// RateLimitPerSec caps inbound messages per link per second.
	RateLimitPerSec int `yaml:"rate_limit_per_sec" validate:"min=1"`

	Dashboard LinkConfig `yaml:"dashboard"`
	Sniffer   LinkConfig `yaml:"sniffer"`
}

// LinkConfig is one broker link: a client identity plus the topic it
// subscribes to. The subscription filter is Topic + "/#".
type LinkConfig struct {
	ClientID string `yaml:"client_id" validate:"required"`
	Topic    string `yaml:"topic" validate:"required"`
}

// Filter returns the subscription filter for the link.
func (l LinkConfig) Filter() string {
	return strings.TrimSuffix(l.Topic, "/") + "/#"
}

// RetryInterval returns the reconnect delay as a duration.
func (c MQTTConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSec) * time.Second
}

// SensorsConfig holds the gas-sensor alarm thresholds. A reading below
// AlarmOn raises the alarm; a reading above AlarmOff clears it.
type SensorsConfig struct {
	AlarmOn  int `yaml:"alarm_on"`
	AlarmOff int `yaml:"alarm_off"`
}

// TopologyConfig holds the layout and animation parameters of the
// topology view.
type TopologyConfig struct {
	// Width and Height are the reference viewport. Forces scale with the
	// live viewport relative to this size.
	Width  float64 `yaml:"width" validate:"gt=0"`
	Height float64 `yaml:"height" validate:"gt=0"`

	ChargeStrength float64 `yaml:"charge_strength"`
	LinkDistance   float64 `yaml:"link_distance" validate:"gt=0"`
	TickIntervalMs int     `yaml:"tick_interval_ms" validate:"min=1"`

	NodeWidth  float64 `yaml:"node_width" validate:"gt=0"`
	NodeHeight float64 `yaml:"node_height" validate:"gt=10"`

	UnicastSteps      int `yaml:"unicast_steps" validate:"min=1"`
	UnicastIntervalMs int `yaml:"unicast_interval_ms" validate:"min=1"`
	BroadcastMs       int `yaml:"broadcast_ms" validate:"min=1"`
}

// PacketLogConfig sizes the packet log. Entries are evicted oldest
// first while their combined height exceeds ViewportHeight.
type PacketLogConfig struct {
	ViewportHeight int `yaml:"viewport_height" validate:"min=1"`
	EntryHeight    int `yaml:"entry_height" validate:"min=1"`
}

// ArchiveConfig enables the SQLite packet history. Empty Path disables it.
type ArchiveConfig struct {
	Path   string `yaml:"path"`
	Retain int    `yaml:"retain" validate:"min=0"`
}

// Configured reports whether the archive is enabled.
func (a ArchiveConfig) Configured() bool {
	return a.Path != ""
}

// AuthConfig protects the dashboard with HTTP basic auth. PasswordHash
// is a bcrypt hash.
type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Configured reports whether basic auth is enabled.
func (a AuthConfig) Configured() bool {
	return a.Username != "" && a.PasswordHash != ""
}

// Load reads configuration from a YAML file. Values absent from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		MQTT: MQTTConfig{
			Broker:           "mqtt://localhost:1884",
			RetryIntervalSec: 5,
			KeepAliveSec:     30,
			RateLimitPerSec:  500,
			Dashboard:        LinkConfig{ClientID: "dashboard.js", Topic: "HAW/+/gas"},
			Sniffer:          LinkConfig{ClientID: "sniffer.js", Topic: "sniffer"},
		},
		Sensors: SensorsConfig{
			AlarmOn:  -5160,
			AlarmOff: -5160,
		},
		Topology: TopologyConfig{
			Width:             1200,
			Height:            800,
			ChargeStrength:    -3000,
			LinkDistance:      200,
			TickIntervalMs:    33,
			NodeWidth:         180,
			NodeHeight:        25,
			UnicastSteps:      10,
			UnicastIntervalMs: 10,
			BroadcastMs:       1000,
		},
		PacketLog: PacketLogConfig{
			ViewportHeight: 1080,
			EntryHeight:    96,
		},
		Archive: ArchiveConfig{Retain: 10000},
	}
}

// applyDefaults fills zero values that a YAML file may have blanked
// explicitly (e.g. "port: 0").
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.MQTT.RetryIntervalSec == 0 {
		c.MQTT.RetryIntervalSec = d.MQTT.RetryIntervalSec
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = d.MQTT.KeepAliveSec
	}
	if c.MQTT.RateLimitPerSec == 0 {
		c.MQTT.RateLimitPerSec = d.MQTT.RateLimitPerSec
	}
	if c.Topology.TickIntervalMs == 0 {
		c.Topology.TickIntervalMs = d.Topology.TickIntervalMs
	}
	if c.PacketLog.EntryHeight == 0 {
		c.PacketLog.EntryHeight = d.PacketLog.EntryHeight
	}
	if c.PacketLog.ViewportHeight == 0 {
		c.PacketLog.ViewportHeight = d.PacketLog.ViewportHeight
	}
}

// Validate checks the configuration for errors. All returned errors
// wrap [ErrInvalid].
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("%w: mqtt.broker: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("%w: mqtt.broker: unsupported scheme %q", ErrInvalid, u.Scheme)
	}

	if c.MQTT.Dashboard.ClientID == c.MQTT.Sniffer.ClientID {
		return fmt.Errorf("%w: mqtt dashboard and sniffer client_id must differ (both %q)", ErrInvalid, c.MQTT.Dashboard.ClientID)
	}

	if c.Auth.Username != "" || c.Auth.PasswordHash != "" {
		if !c.Auth.Configured() {
			return fmt.Errorf("%w: auth requires both username and password_hash", ErrInvalid)
		}
		if _, err := bcrypt.Cost([]byte(c.Auth.PasswordHash)); err != nil {
			return fmt.Errorf("%w: auth.password_hash is not a bcrypt hash: %v", ErrInvalid, err)
		}
	}

	return nil
}
